package client

import (
	"context"

	"github.com/google/uuid"

	"github.com/DoyleJ11/diagram-collab/internal/permission"
	"github.com/DoyleJ11/diagram-collab/internal/transport"
	"github.com/DoyleJ11/diagram-collab/pkg/types"
)

func newOrigin() string { return uuid.NewString() }

// View is a point-in-time copy of session state.
type View struct {
	Transport  transport.State
	Synced     bool
	PeerID     string
	UserID     string
	Role       types.Role
	Permission permission.State
	Snapshot   types.DiagramSnapshotV1
	HasContent bool
	Presence   map[string]types.PresenceState
	Inbox      []types.EditRequest
	LastDenial string
}

func (s *Session) View() (View, error) {
	var v View
	err := s.call(func() {
		v.Transport = s.tr.State()
		v.Synced = s.synced
		v.PeerID = s.joined.PeerID
		v.UserID = s.joined.UserID
		v.Snapshot, v.HasContent = s.doc.Current()
		v.Presence = s.roster.Snapshot()
		if s.neg != nil {
			v.Role = s.neg.Role()
			v.Permission = s.neg.State()
			v.Inbox = s.neg.Inbox().List()
			v.LastDenial = s.neg.LastDenial()
		}
	})
	return v, err
}

// Mutate runs fn on the session loop and then reports a local change. All
// edits to the graph should go through it.
func (s *Session) Mutate(fn func()) error {
	return s.call(func() {
		fn()
		s.bridge.Changed()
	})
}

func (s *Session) PublishCursor(c types.Cursor) {
	s.post(func() { s.pub.Publish(c) })
}

func (s *Session) RequestEdit(message string) error {
	var err error
	if cerr := s.call(func() {
		if s.neg == nil {
			err = ErrNotJoined
			return
		}
		var req types.RequestEdit
		if req, err = s.neg.RequestEdit(message); err != nil {
			return
		}
		if err = s.tr.RequestEdit(req); err != nil {
			s.neg.Withdraw()
			return
		}
		s.publishPermission()
	}); cerr != nil {
		return cerr
	}
	return err
}

// ApproveEdit grants userID edit rights. Approving someone already promoted
// sends nothing.
func (s *Session) ApproveEdit(userID string, role string) error {
	var err error
	if cerr := s.call(func() {
		if s.neg == nil {
			err = ErrNotJoined
			return
		}
		msg, ok, aerr := s.neg.ApproveEdit(userID, role)
		if aerr != nil || !ok {
			err = aerr
			return
		}
		err = s.tr.ApproveEdit(msg)
	}); cerr != nil {
		return cerr
	}
	return err
}

// WaitSynced blocks until the first successful join.
func (s *Session) WaitSynced(ctx context.Context) error {
	select {
	case <-s.syncedCh:
		return nil
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OnPresence is called on the session loop with the full remote roster.
func (s *Session) OnPresence(fn func(map[string]types.PresenceState)) (unsubscribe func()) {
	return s.presenceBus.Subscribe(fn)
}

// OnRender is called on the session loop after remote state was painted.
func (s *Session) OnRender(fn func(types.DiagramSnapshotV1)) (unsubscribe func()) {
	return s.renderBus.Subscribe(fn)
}

func (s *Session) OnPermission(fn func(PermissionChange)) (unsubscribe func()) {
	return s.permissionBus.Subscribe(fn)
}
