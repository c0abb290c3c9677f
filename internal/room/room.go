// Package room is the server side of one project: a single goroutine that
// owns the project's document replica, its members and their presence, and
// the edit requests waiting for an owner.
package room

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/DoyleJ11/diagram-collab/internal/diagram"
	"github.com/DoyleJ11/diagram-collab/internal/doc"
	"github.com/DoyleJ11/diagram-collab/internal/metrics"
	"github.com/DoyleJ11/diagram-collab/internal/permission"
	"github.com/DoyleJ11/diagram-collab/internal/presence"
	"github.com/DoyleJ11/diagram-collab/internal/relay"
	"github.com/DoyleJ11/diagram-collab/internal/store"
	"github.com/DoyleJ11/diagram-collab/pkg/types"
)

// storeOrigin marks the head loaded from the durable store.
const storeOrigin = "store"

type Msg interface{ isRoomMsg() }

type Member struct {
	PeerID    string
	UserID    string
	Name      string
	Role      types.Role
	Anonymous bool
}

type Join struct {
	Member Member
	Outbox chan types.Envelope // where this peer wants to receive frames
}

type Leave struct{ PeerID string }

// Delta is an encoded document update from a peer.
type Delta struct {
	PeerID string
	Update []byte
}

// Presence carries the sender's own entry only.
type Presence struct {
	PeerID string
	State  types.PresenceState
}

type RequestEdit struct {
	PeerID  string
	Message string
}

type ApproveEdit struct {
	PeerID string
	UserID string
	Role   types.Role
}

// Relayed is traffic from the same project on another instance.
type Relayed struct{ Env types.Envelope }

type GetState struct {
	Reply chan View
}

type Shutdown struct{}

type grantStored struct {
	approver string
	userID   string
	role     types.Role
	err      error
}

func (Join) isRoomMsg()        {}
func (Leave) isRoomMsg()       {}
func (Delta) isRoomMsg()       {}
func (Presence) isRoomMsg()    {}
func (RequestEdit) isRoomMsg() {}
func (ApproveEdit) isRoomMsg() {}
func (Relayed) isRoomMsg()     {}
func (GetState) isRoomMsg()    {}
func (Shutdown) isRoomMsg()    {}
func (grantStored) isRoomMsg() {}

type View struct {
	NumPeers int
	Members  []Member
	Head     doc.Update
	HasHead  bool
	Presence map[string]types.PresenceState
	Pending  []types.EditRequest
}

type Config struct {
	ProjectID string
	Store     store.Store
	Relay     relay.Relay
	Log       *zap.Logger
}

type peer struct {
	Member
	out chan types.Envelope
}

type Room struct {
	projectID string
	inbox     chan Msg
	doc       *doc.Document
	peers     map[string]*peer
	roster    *presence.Roster
	pending   *permission.Inbox
	store     store.Store
	relay     relay.Relay
	log       *zap.Logger
	ctx       context.Context
	cancel    context.CancelFunc
}

func NewRoom(parent context.Context, cfg Config) *Room {
	ctx, cancel := context.WithCancel(parent)
	if cfg.Relay == nil {
		cfg.Relay = relay.Local{}
	}
	r := &Room{
		projectID: cfg.ProjectID,
		inbox:     make(chan Msg, 64),
		doc:       doc.New("server:" + cfg.ProjectID),
		peers:     make(map[string]*peer),
		roster:    presence.NewRoster(),
		pending:   permission.NewInbox(),
		store:     cfg.Store,
		relay:     cfg.Relay,
		log:       cfg.Log.With(zap.String("project", cfg.ProjectID)),
		ctx:       ctx,
		cancel:    cancel,
	}
	metrics.RoomsActive.Inc()
	go r.loop()
	return r
}

// Inbox exposes the room's mailbox to the ws layer and tests.
func (r *Room) Inbox() chan<- Msg { return r.inbox }

// Post delivers m unless the room or ctx is done first.
func (r *Room) Post(ctx context.Context, m Msg) bool {
	select {
	case r.inbox <- m:
		return true
	case <-r.ctx.Done():
		return false
	case <-ctx.Done():
		return false
	}
}

func (r *Room) Done() <-chan struct{} { return r.ctx.Done() }

func (r *Room) loop() {
	defer metrics.RoomsActive.Dec()
	r.load()
	unsubscribe, err := r.relay.Subscribe(r.ctx, r.projectID, func(env types.Envelope) {
		r.Post(r.ctx, Relayed{Env: env})
	})
	if err != nil {
		r.log.Warn("relay subscribe failed, room is instance-local", zap.Error(err))
		unsubscribe = func() {}
	}
	defer unsubscribe()

	for {
		select {
		case <-r.ctx.Done():
			r.shutdown()
			return

		case m := <-r.inbox:
			switch msg := m.(type) {
			case Join:
				r.join(msg)

			case Leave:
				r.leave(msg.PeerID)

			case Delta:
				r.delta(msg)

			case Presence:
				if _, ok := r.peers[msg.PeerID]; !ok {
					break
				}
				if r.roster.Set(msg.PeerID, msg.State) {
					r.broadcastExcept(msg.PeerID, types.MustEnvelope(types.MsgPresence,
						types.PresenceBroadcast{States: map[string]types.PresenceState{msg.PeerID: msg.State}}))
				}

			case RequestEdit:
				r.requestEdit(msg)

			case ApproveEdit:
				r.approveEdit(msg)

			case grantStored:
				r.granted(msg)

			case Relayed:
				r.relayed(msg.Env)

			case GetState:
				// test-only: reflect internal state without data races
				msg.Reply <- r.view()

			case Shutdown:
				r.shutdown()
				return
			}
		}
	}
}

// load seeds the replica from the durable store.
func (r *Room) load() {
	if r.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(r.ctx, 5*time.Second)
	defer cancel()
	s, err := r.store.GetDiagram(ctx, r.projectID)
	if err != nil {
		r.log.Warn("initial load failed", zap.Error(err))
		return
	}
	if s.IsEmpty() {
		return
	}
	stamp := s.UpdatedAt.UnixMilli()
	if stamp <= 0 {
		stamp = 1
	}
	r.doc.Merge(doc.Update{Stamp: stamp, Origin: storeOrigin, Snapshot: s})
}

func (r *Room) join(msg Join) {
	p := &peer{Member: msg.Member, out: msg.Outbox}
	r.peers[p.PeerID] = p
	metrics.PeersConnected.Inc()

	joined := types.Joined{Role: p.Role, PeerID: p.PeerID, UserID: p.UserID, Anonymous: p.Anonymous}
	if head, ok := r.doc.Head(); ok {
		joined.Snapshot = &types.SnapshotBroadcast{ProjectID: r.projectID, Stamp: head.Stamp, Origin: head.Origin, Snapshot: head.Snapshot}
	}
	if !r.send(p, types.MustEnvelope(types.MsgJoined, joined)) {
		return
	}
	if r.roster.Len() > 0 {
		r.send(p, types.MustEnvelope(types.MsgPresence, types.PresenceBroadcast{States: r.roster.Snapshot()}))
	}
	if diagram.CanApprove(p.Role) {
		for _, req := range r.pending.List() {
			r.send(p, types.MustEnvelope(types.MsgEditRequested, req))
		}
	}
	r.log.Debug("peer joined", zap.String("peer", p.PeerID), zap.String("role", string(p.Role)))
}

func (r *Room) leave(peerID string) {
	p, ok := r.peers[peerID]
	if !ok {
		return
	}
	r.drop(p)
}

func (r *Room) delta(msg Delta) {
	p, ok := r.peers[msg.PeerID]
	if !ok {
		return
	}
	if !diagram.CanEdit(p.Role) {
		metrics.Deltas.WithLabelValues("forbidden").Inc()
		r.send(p, errorEnvelope(types.ReasonNoPermission, "read-only session"))
		return
	}
	u, err := doc.DecodeUpdate(msg.Update)
	if err != nil {
		metrics.Deltas.WithLabelValues("malformed").Inc()
		r.log.Debug("malformed delta", zap.String("peer", p.PeerID), zap.Error(err))
		r.send(p, errorEnvelope(types.ReasonBadMessage, err.Error()))
		return
	}
	if !r.doc.Merge(u) {
		// the sender is behind; give it the head it lost to
		metrics.Deltas.WithLabelValues("stale").Inc()
		if head, ok := r.doc.Head(); ok {
			r.send(p, types.MustEnvelope(types.MsgSnapshot, types.SnapshotBroadcast{
				ProjectID: r.projectID, Stamp: head.Stamp, Origin: head.Origin, Snapshot: head.Snapshot,
			}))
		}
		return
	}
	metrics.Deltas.WithLabelValues("applied").Inc()
	env := types.MustEnvelope(types.MsgDelta, types.Delta{ProjectID: r.projectID, Update: msg.Update})
	r.broadcast(env)
	r.publish(env)
}

func (r *Room) requestEdit(msg RequestEdit) {
	p, ok := r.peers[msg.PeerID]
	if !ok {
		return
	}
	if p.Anonymous || p.UserID == "" {
		metrics.EditRequests.WithLabelValues("denied").Inc()
		r.send(p, types.MustEnvelope(types.MsgEditDenied, types.EditDenied{Reason: types.ReasonLoginRequired}))
		return
	}
	if diagram.CanEdit(p.Role) {
		r.send(p, errorEnvelope(types.ReasonBadMessage, "already an editor"))
		return
	}
	if existing, ok := r.pending.ByRequester(p.UserID); ok {
		r.send(p, types.MustEnvelope(types.MsgRequestQueued, types.RequestQueued{RequestID: existing.RequestID}))
		return
	}
	req := types.EditRequest{
		RequestID:   ulid.Make().String(),
		ProjectID:   r.projectID,
		RequesterID: p.UserID,
		DisplayName: p.Name,
		Message:     msg.Message,
	}
	r.pending.Add(req)
	metrics.EditRequests.WithLabelValues("queued").Inc()
	r.send(p, types.MustEnvelope(types.MsgRequestQueued, types.RequestQueued{RequestID: req.RequestID}))
	env := types.MustEnvelope(types.MsgEditRequested, req)
	r.toApprovers(env)
	r.publish(env)
}

func (r *Room) approveEdit(msg ApproveEdit) {
	p, ok := r.peers[msg.PeerID]
	if !ok {
		return
	}
	if !diagram.CanApprove(p.Role) || msg.UserID == "" {
		metrics.EditRequests.WithLabelValues("forbidden").Inc()
		r.send(p, errorEnvelope(types.ReasonNoPermission, "cannot approve"))
		return
	}
	role := diagram.MinRole(diagram.ParseGrantRole(string(msg.Role)), p.Role)
	metrics.EditRequests.WithLabelValues("approved").Inc()

	if r.store == nil {
		r.granted(grantStored{approver: p.PeerID, userID: msg.UserID, role: role})
		return
	}
	approver, userID := p.PeerID, msg.UserID
	go func() {
		ctx, cancel := context.WithTimeout(r.ctx, 5*time.Second)
		defer cancel()
		stored, err := r.store.GrantRole(ctx, r.projectID, userID, role)
		r.Post(r.ctx, grantStored{approver: approver, userID: userID, role: stored, err: err})
	}()
}

func (r *Room) granted(msg grantStored) {
	if msg.err != nil {
		r.log.Warn("grant not stored", zap.String("user", msg.userID), zap.Error(msg.err))
		r.sendTo(msg.approver, errorEnvelope("grant_failed", msg.err.Error()))
		return
	}
	r.applyGrant(msg.userID, msg.role)
	r.publish(types.MustEnvelope(types.MsgPermissionGranted,
		types.PermissionGrant{ProjectID: r.projectID, UserID: msg.userID, Role: msg.role}))
}

// applyGrant promotes every session of userID and tells everyone.
func (r *Room) applyGrant(userID string, role types.Role) {
	r.pending.RemoveRequester(userID)
	for _, p := range r.peers {
		if p.UserID == userID {
			p.Role = diagram.MaxRole(p.Role, role)
		}
	}
	r.broadcast(types.MustEnvelope(types.MsgPermissionGranted,
		types.PermissionGrant{ProjectID: r.projectID, UserID: userID, Role: role}))
}

func (r *Room) relayed(env types.Envelope) {
	switch env.Type {
	case types.MsgDelta:
		var d types.Delta
		if err := env.Decode(&d); err != nil {
			return
		}
		u, err := doc.DecodeUpdate(d.Update)
		if err != nil {
			r.log.Debug("malformed relayed delta", zap.Error(err))
			return
		}
		if r.doc.Merge(u) {
			r.broadcast(types.MustEnvelope(types.MsgDelta, types.Delta{ProjectID: r.projectID, Update: d.Update}))
		}
	case types.MsgPermissionGranted:
		var g types.PermissionGrant
		if err := env.Decode(&g); err != nil {
			return
		}
		r.applyGrant(g.UserID, diagram.ParseGrantRole(string(g.Role)))
	case types.MsgEditRequested:
		var req types.EditRequest
		if err := env.Decode(&req); err != nil {
			return
		}
		if r.pending.Add(req) {
			r.toApprovers(env)
		}
	}
}

func (r *Room) publish(env types.Envelope) {
	if err := r.relay.Publish(r.ctx, r.projectID, env); err != nil {
		r.log.Debug("relay publish failed", zap.Error(err))
	}
}

func (r *Room) view() View {
	v := View{NumPeers: len(r.peers), Presence: r.roster.Snapshot(), Pending: r.pending.List()}
	for _, p := range r.peers {
		v.Members = append(v.Members, p.Member)
	}
	v.Head, v.HasHead = r.doc.Head()
	return v
}

func (r *Room) shutdown() {
	for id, p := range r.peers {
		close(p.out) // Tell the peer no more frames
		delete(r.peers, id)
		metrics.PeersConnected.Dec()
	}
	r.cancel()
}

// send reports false when the peer was dropped for being slow.
func (r *Room) send(p *peer, env types.Envelope) bool {
	select {
	case p.out <- env:
		return true
	default:
		metrics.SlowPeersDropped.Inc()
		r.log.Info("dropping slow peer", zap.String("peer", p.PeerID))
		r.drop(p)
		return false
	}
}

func (r *Room) sendTo(peerID string, env types.Envelope) {
	if p, ok := r.peers[peerID]; ok {
		r.send(p, env)
	}
}

func (r *Room) drop(p *peer) {
	close(p.out)
	delete(r.peers, p.PeerID)
	metrics.PeersConnected.Dec()
	r.roster.Remove(p.PeerID)
	r.broadcast(types.MustEnvelope(types.MsgPeerLeft, types.PeerLeft{PeerID: p.PeerID}))
}

func (r *Room) broadcast(env types.Envelope) {
	for _, p := range r.peers {
		r.send(p, env)
	}
}

func (r *Room) broadcastExcept(peerID string, env types.Envelope) {
	for id, p := range r.peers {
		if id != peerID {
			r.send(p, env)
		}
	}
}

func (r *Room) toApprovers(env types.Envelope) {
	for _, p := range r.peers {
		if diagram.CanApprove(p.Role) {
			r.send(p, env)
		}
	}
}

func errorEnvelope(code, message string) types.Envelope {
	return types.MustEnvelope(types.MsgError, types.ErrorMessage{Code: code, Message: message})
}
