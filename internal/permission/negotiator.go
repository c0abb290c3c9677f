// Package permission runs the edit-rights handshake on the client: viewers
// request edit access, owners and admins approve, and grants only ever
// promote.
package permission

import (
	"errors"
	"slices"
	"strings"

	"github.com/DoyleJ11/diagram-collab/internal/diagram"
	"github.com/DoyleJ11/diagram-collab/pkg/types"
)

var (
	ErrRequestNotAllowed     = errors.New("edit request not allowed in current state")
	ErrInsufficientPrivilege = errors.New("insufficient privilege to approve")
)

type State string

const (
	StateViewerNoRequest   State = "VIEWER_NO_REQUEST"
	StateViewerRequestSent State = "VIEWER_REQUEST_SENT"
	StateEditorPromoted    State = "EDITOR_PROMOTED"
	StateCanEdit           State = "CAN_EDIT"
)

// Negotiator is owned by a single session loop and is not safe for
// concurrent use.
type Negotiator struct {
	projectID string
	userID    string
	anonymous bool
	role      types.Role
	state     State

	requestID  string
	lastDenial string
	granted    map[string]types.Role
	inbox      *Inbox
}

func NewNegotiator(projectID, userID string, role types.Role, anonymous bool) *Negotiator {
	n := &Negotiator{
		projectID: projectID,
		userID:    userID,
		anonymous: anonymous,
		role:      types.RoleViewer,
		state:     StateViewerNoRequest,
		granted:   make(map[string]types.Role),
		inbox:     NewInbox(),
	}
	if diagram.CanEdit(role) {
		n.role = role
		n.state = StateCanEdit
	}
	return n
}

func (n *Negotiator) Role() types.Role   { return n.role }
func (n *Negotiator) State() State       { return n.state }
func (n *Negotiator) UserID() string     { return n.userID }
func (n *Negotiator) Anonymous() bool    { return n.anonymous }
func (n *Negotiator) LastDenial() string { return n.lastDenial }
func (n *Negotiator) RequestID() string  { return n.requestID }
func (n *Negotiator) Inbox() *Inbox      { return n.inbox }

func (n *Negotiator) CanEdit() bool { return diagram.CanEdit(n.role) }

// NeedsHeartbeat is true while the session is read-only and has a
// credential to poll with.
func (n *Negotiator) NeedsHeartbeat() bool {
	return !n.anonymous && !n.CanEdit()
}

func (n *Negotiator) RequestEdit(message string) (types.RequestEdit, error) {
	if n.state != StateViewerNoRequest {
		return types.RequestEdit{}, ErrRequestNotAllowed
	}
	n.state = StateViewerRequestSent
	n.lastDenial = ""
	return types.RequestEdit{ProjectID: n.projectID, Message: strings.TrimSpace(message)}, nil
}

func (n *Negotiator) Queued(requestID string) {
	if n.state == StateViewerRequestSent {
		n.requestID = requestID
	}
}

// Denied resets a pending request so the user can try again.
func (n *Negotiator) Denied(reason string) {
	n.lastDenial = reason
	if n.state == StateViewerRequestSent {
		n.state = StateViewerNoRequest
		n.requestID = ""
	}
}

// Withdraw drops a request that never reached the server.
func (n *Negotiator) Withdraw() {
	if n.state == StateViewerRequestSent {
		n.state = StateViewerNoRequest
		n.requestID = ""
	}
}

// ApproveEdit builds the approval for userID. ok is false when a grant of at
// least that role was already observed for the user, in which case nothing
// should be sent.
func (n *Negotiator) ApproveEdit(userID string, role string) (msg types.ApproveEdit, ok bool, err error) {
	if !diagram.CanApprove(n.role) {
		return types.ApproveEdit{}, false, ErrInsufficientPrivilege
	}
	r := diagram.MinRole(diagram.ParseGrantRole(role), n.role)
	if prev, seen := n.granted[userID]; seen && diagram.Rank(prev) >= diagram.Rank(r) {
		return types.ApproveEdit{}, false, nil
	}
	return types.ApproveEdit{ProjectID: n.projectID, UserID: userID, Role: r}, true, nil
}

// ApplyGrant processes a grant broadcast. It reports whether the local role
// went up.
func (n *Negotiator) ApplyGrant(g types.PermissionGrant) bool {
	role := diagram.ParseGrantRole(string(g.Role))
	if g.UserID != n.userID || n.userID == "" {
		n.granted[g.UserID] = diagram.MaxRole(n.granted[g.UserID], role)
		n.inbox.RemoveRequester(g.UserID)
		return false
	}
	return n.promote(role)
}

// ObserveRole merges an authoritative role read (join reply, heartbeat).
func (n *Negotiator) ObserveRole(role types.Role) bool {
	return n.promote(role)
}

func (n *Negotiator) promote(role types.Role) bool {
	next := diagram.MaxRole(n.role, role)
	if next == n.role {
		return false
	}
	n.role = next
	if diagram.CanEdit(next) && (n.state == StateViewerNoRequest || n.state == StateViewerRequestSent) {
		n.state = StateEditorPromoted
		n.requestID = ""
	}
	return true
}

// Inbox holds edit requests waiting for an owner or admin, keyed by request id.
type Inbox struct {
	byID map[string]types.EditRequest
}

func NewInbox() *Inbox {
	return &Inbox{byID: make(map[string]types.EditRequest)}
}

// Add reports false for a request id already present.
func (in *Inbox) Add(req types.EditRequest) bool {
	if req.RequestID == "" {
		return false
	}
	if _, ok := in.byID[req.RequestID]; ok {
		return false
	}
	in.byID[req.RequestID] = req
	return true
}

func (in *Inbox) Remove(requestID string) bool {
	if _, ok := in.byID[requestID]; !ok {
		return false
	}
	delete(in.byID, requestID)
	return true
}

func (in *Inbox) RemoveRequester(userID string) int {
	n := 0
	for id, req := range in.byID {
		if req.RequesterID == userID {
			delete(in.byID, id)
			n++
		}
	}
	return n
}

func (in *Inbox) ByRequester(userID string) (types.EditRequest, bool) {
	for _, req := range in.byID {
		if req.RequesterID == userID {
			return req, true
		}
	}
	return types.EditRequest{}, false
}

func (in *Inbox) Clear() { clear(in.byID) }

func (in *Inbox) Len() int { return len(in.byID) }

// List is ordered by request id; ULIDs make that arrival order.
func (in *Inbox) List() []types.EditRequest {
	out := make([]types.EditRequest, 0, len(in.byID))
	for _, req := range in.byID {
		out = append(out, req)
	}
	slices.SortFunc(out, func(a, b types.EditRequest) int { return strings.Compare(a.RequestID, b.RequestID) })
	return out
}
