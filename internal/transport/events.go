package transport

import "github.com/DoyleJ11/diagram-collab/pkg/types"

type State string

const (
	StateConnecting   State = "CONNECTING"
	StateJoining      State = "JOINING"
	StateSynced       State = "SYNCED"
	StateReconnecting State = "RECONNECTING"
	StateClosed       State = "CLOSED"
)

// Event is everything the transport reports. Events arrive in socket order.
type Event interface{ isEvent() }

type StateChanged struct {
	State State
	Err   error
}

type Joined struct{ types.Joined }

type DeltaReceived struct{ types.Delta }

type SnapshotReceived struct{ types.SnapshotBroadcast }

type PresenceReceived struct{ types.PresenceBroadcast }

type PeerLeft struct{ types.PeerLeft }

type RequestQueued struct{ types.RequestQueued }

type EditDenied struct{ types.EditDenied }

type EditRequested struct{ types.EditRequest }

type PermissionGranted struct{ types.PermissionGrant }

type ServerError struct{ types.ErrorMessage }

func (StateChanged) isEvent()      {}
func (Joined) isEvent()            {}
func (DeltaReceived) isEvent()     {}
func (SnapshotReceived) isEvent()  {}
func (PresenceReceived) isEvent()  {}
func (PeerLeft) isEvent()          {}
func (RequestQueued) isEvent()     {}
func (EditDenied) isEvent()        {}
func (EditRequested) isEvent()     {}
func (PermissionGranted) isEvent() {}
func (ServerError) isEvent()       {}

// decodeEvent maps a server envelope to its typed event. ok is false for
// types a client never receives.
func decodeEvent(env types.Envelope) (ev Event, ok bool, err error) {
	switch env.Type {
	case types.MsgJoined:
		var p types.Joined
		err = env.Decode(&p)
		// a bad head must not fail the handshake; the session falls back to the store
		if err == nil && p.Snapshot != nil && p.Snapshot.Snapshot.Validate() != nil {
			p.Snapshot = nil
		}
		ev = Joined{p}
	case types.MsgDelta:
		var p types.Delta
		err = env.Decode(&p)
		ev = DeltaReceived{p}
	case types.MsgSnapshot:
		var p types.SnapshotBroadcast
		err = env.Decode(&p)
		if err == nil {
			err = p.Snapshot.Validate()
		}
		ev = SnapshotReceived{p}
	case types.MsgPresence:
		var p types.PresenceBroadcast
		err = env.Decode(&p)
		ev = PresenceReceived{p}
	case types.MsgPeerLeft:
		var p types.PeerLeft
		err = env.Decode(&p)
		ev = PeerLeft{p}
	case types.MsgRequestQueued:
		var p types.RequestQueued
		err = env.Decode(&p)
		ev = RequestQueued{p}
	case types.MsgEditDenied:
		var p types.EditDenied
		err = env.Decode(&p)
		ev = EditDenied{p}
	case types.MsgEditRequested:
		var p types.EditRequest
		err = env.Decode(&p)
		ev = EditRequested{p}
	case types.MsgPermissionGranted:
		var p types.PermissionGrant
		err = env.Decode(&p)
		ev = PermissionGranted{p}
	case types.MsgError:
		var p types.ErrorMessage
		err = env.Decode(&p)
		ev = ServerError{p}
	default:
		return nil, false, nil
	}
	if err != nil {
		return nil, true, err
	}
	return ev, true, nil
}
