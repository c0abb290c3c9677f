package types

import (
	"encoding/json"
	"fmt"
)

type Role string

const (
	RoleOwner  Role = "OWNER"
	RoleAdmin  Role = "ADMIN"
	RoleEditor Role = "EDITOR"
	RoleViewer Role = "VIEWER"
)

type MessageType string

const (
	// Client -> Server
	MsgJoin        MessageType = "join"
	MsgRequestEdit MessageType = "request_edit"
	MsgApproveEdit MessageType = "approve_edit"

	// Both directions
	MsgDelta    MessageType = "delta"
	MsgPresence MessageType = "presence"

	// Server -> Client
	MsgJoined            MessageType = "joined"
	MsgSnapshot          MessageType = "snapshot"
	MsgPeerLeft          MessageType = "peer_left"
	MsgRequestQueued     MessageType = "request_queued"
	MsgEditDenied        MessageType = "edit_denied"
	MsgEditRequested     MessageType = "edit_requested"
	MsgPermissionGranted MessageType = "permission_granted"
	MsgError             MessageType = "error"
)

// Denial reasons and error codes.
const (
	ReasonLoginRequired = "login_required"
	ReasonNoPermission  = "no_permission"
	ReasonBadMessage    = "bad_message"
	ReasonNotFound      = "not_found"
)

// Envelope is the only frame shape on the socket.
type Envelope struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

func NewEnvelope(t MessageType, payload any) (Envelope, error) {
	if payload == nil {
		return Envelope{Type: t}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s: %w", t, err)
	}
	return Envelope{Type: t, Data: data}, nil
}

// MustEnvelope is for payloads built from our own types, which always encode.
func MustEnvelope(t MessageType, payload any) Envelope {
	env, err := NewEnvelope(t, payload)
	if err != nil {
		panic(err)
	}
	return env
}

func (e Envelope) Decode(target any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s: empty payload", e.Type)
	}
	if err := json.Unmarshal(e.Data, target); err != nil {
		return fmt.Errorf("decode %s: %w", e.Type, err)
	}
	return nil
}

func ParseEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, err
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("missing message type")
	}
	return env, nil
}

type JoinRequest struct {
	ProjectID   string `json:"projectId"`
	Credential  string `json:"credential,omitempty"`
	ShareToken  string `json:"shareToken,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
}

type Joined struct {
	Role      Role               `json:"role"`
	PeerID    string             `json:"peerId"`
	UserID    string             `json:"userId,omitempty"`
	Anonymous bool               `json:"anonymous,omitempty"`
	Snapshot  *SnapshotBroadcast `json:"snapshot,omitempty"`
}

// Delta carries one encoded document update. Update is opaque to the transport.
type Delta struct {
	ProjectID string `json:"projectId"`
	Update    []byte `json:"update"`
}

type SnapshotBroadcast struct {
	ProjectID string            `json:"projectId"`
	Stamp     int64             `json:"stamp"`
	Origin    string            `json:"origin"`
	Snapshot  DiagramSnapshotV1 `json:"snapshot"`
}

type Cursor struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type PresenceState struct {
	Cursor      Cursor `json:"cursor"`
	DisplayName string `json:"name"`
	Color       string `json:"color"`
}

type PresenceUpdate struct {
	ProjectID string                   `json:"projectId"`
	States    map[string]PresenceState `json:"states"`
}

type PresenceBroadcast struct {
	States map[string]PresenceState `json:"states"`
}

type PeerLeft struct {
	PeerID string `json:"peerId"`
}

type RequestEdit struct {
	ProjectID string `json:"projectId"`
	Message   string `json:"message,omitempty"`
}

type RequestQueued struct {
	RequestID string `json:"requestId"`
}

type EditDenied struct {
	Reason string `json:"reason"`
}

type EditRequest struct {
	RequestID   string `json:"requestId"`
	ProjectID   string `json:"projectId"`
	RequesterID string `json:"requesterId"`
	DisplayName string `json:"displayName,omitempty"`
	Message     string `json:"message,omitempty"`
}

type ApproveEdit struct {
	ProjectID string `json:"projectId"`
	UserID    string `json:"userId"`
	Role      Role   `json:"role,omitempty"`
}

type PermissionGrant struct {
	ProjectID string `json:"projectId"`
	UserID    string `json:"userId"`
	Role      Role   `json:"role,omitempty"`
}

type ErrorMessage struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}
