// Package client is the per-project sync session. A Session owns the
// document replica, the dedup guard, the mutation bridge and every timer, and
// touches them only from its own goroutine: socket events, timers and API
// calls are all funneled into one loop.
package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/diagram-collab/internal/bridge"
	"github.com/DoyleJ11/diagram-collab/internal/dedup"
	"github.com/DoyleJ11/diagram-collab/internal/doc"
	"github.com/DoyleJ11/diagram-collab/internal/event"
	"github.com/DoyleJ11/diagram-collab/internal/permission"
	"github.com/DoyleJ11/diagram-collab/internal/persist"
	"github.com/DoyleJ11/diagram-collab/internal/presence"
	"github.com/DoyleJ11/diagram-collab/internal/schedule"
	"github.com/DoyleJ11/diagram-collab/internal/transport"
	"github.com/DoyleJ11/diagram-collab/pkg/types"
)

var (
	ErrNotJoined = errors.New("session has not joined yet")
	ErrClosed    = errors.New("session closed")
)

// storeOrigin marks document heads that came from the durable store rather
// than from a peer.
const storeOrigin = "store"

type Session struct {
	cfg   Config
	log   *zap.Logger
	graph bridge.Graph

	inbox chan func()
	done  chan struct{}
	ctx   context.Context

	tr     *transport.Transport
	store  *persist.StoreClient
	doc    *doc.Document
	guard  dedup.Guard
	bridge *bridge.Bridge
	saver  *persist.Scheduler
	roster *presence.Roster
	pub    *presence.Publisher
	neg    *permission.Negotiator
	hb     *permission.Heartbeat

	bootstrap *schedule.Handle
	joined    types.Joined
	synced    bool
	syncOnce  sync.Once
	syncedCh  chan struct{}

	presenceBus   event.Bus[map[string]types.PresenceState]
	renderBus     event.Bus[types.DiagramSnapshotV1]
	permissionBus event.Bus[PermissionChange]
}

type PermissionChange struct {
	State permission.State
	Role  types.Role
}

// New builds a session around graph. dial may be nil for the websocket dialer.
func New(cfg Config, graph bridge.Graph, dial transport.Dialer, log *zap.Logger) *Session {
	if dial == nil {
		dial = transport.DialWebsocket
	}
	s := &Session{
		cfg:      cfg,
		log:      log.With(zap.String("project", cfg.ProjectID)),
		graph:    graph,
		inbox:    make(chan func(), 256),
		done:     make(chan struct{}),
		ctx:      context.Background(),
		roster:   presence.NewRoster(),
		syncedCh: make(chan struct{}),
	}

	tcfg := cfg.Transport
	tcfg.URL = cfg.ServerURL
	tcfg.Join = types.JoinRequest{
		ProjectID:   cfg.ProjectID,
		Credential:  cfg.Credential,
		ShareToken:  cfg.ShareToken,
		DisplayName: cfg.DisplayName,
	}
	s.tr = transport.New(tcfg, dial, s.log.Named("transport"))
	s.store = persist.NewStoreClient(cfg.StoreURL, cfg.Credential, s.log.Named("store"))

	s.doc = doc.New(newOrigin())
	s.doc.OnChange(s.onDocChange)
	s.bridge = bridge.New(graph, s.post, cfg.CaptureInterval, s.onCapture, s.log.Named("bridge"))
	if h, ok := graph.(interface{ OnLoad(func()) }); ok {
		// toolkits report programmatic loads as edits; the bridge drops them
		h.OnLoad(s.bridge.Changed)
	}
	s.pub = presence.NewPublisher(s.post, cfg.CursorInterval, types.PresenceState{DisplayName: cfg.DisplayName}, s.sendPresence)
	return s
}

// post is the executor every timer and callback dispatches through.
func (s *Session) post(fn func()) {
	select {
	case s.inbox <- fn:
	case <-s.done:
	}
}

// call runs fn on the loop and waits for it.
func (s *Session) call(fn func()) error {
	ran := make(chan struct{})
	select {
	case s.inbox <- func() { fn(); close(ran) }:
	case <-s.done:
		return ErrClosed
	}
	select {
	case <-ran:
		return nil
	case <-s.done:
		return ErrClosed
	}
}

// Run drives the session until ctx is done or the transport gives up.
func (s *Session) Run(ctx context.Context) error {
	s.ctx = ctx
	s.saver = persist.NewScheduler(ctx, s.post, s.cfg.SaveDebounce, s.cfg.ProjectID, s.store, s.log.Named("persist"))
	s.saver.Snapshot = s.doc.Current
	s.saver.Allowed = s.canPersist

	trErr := make(chan error, 1)
	go func() { trErr <- s.tr.Run(ctx) }()
	defer s.teardown()

	events := s.tr.Events()
	for {
		select {
		case <-ctx.Done():
			<-trErr
			return nil
		case fn := <-s.inbox:
			fn()
		case ev, ok := <-events:
			if !ok {
				return <-trErr
			}
			s.handle(ev)
		}
	}
}

func (s *Session) teardown() {
	s.bridge.Stop()
	s.pub.Stop()
	s.saver.Stop()
	s.bootstrap.Cancel()
	if s.hb != nil {
		s.hb.Stop()
	}
	close(s.done)
}

func (s *Session) handle(ev transport.Event) {
	switch ev := ev.(type) {
	case transport.StateChanged:
		s.onStateChanged(ev)
	case transport.Joined:
		s.onJoined(ev.Joined)
	case transport.DeltaReceived:
		u, err := doc.DecodeUpdate(ev.Update)
		if err != nil {
			s.log.Warn("dropping malformed delta", zap.Error(err))
			return
		}
		s.applyRemote(u)
	case transport.SnapshotReceived:
		s.onSnapshot(ev.SnapshotBroadcast)
	case transport.PresenceReceived:
		states := make(map[string]types.PresenceState, len(ev.States))
		for id, st := range ev.States {
			if id != s.joined.PeerID {
				states[id] = st
			}
		}
		if s.roster.Apply(states) > 0 {
			s.presenceBus.Publish(s.roster.Snapshot())
		}
	case transport.PeerLeft:
		if s.roster.Remove(ev.PeerID) {
			s.presenceBus.Publish(s.roster.Snapshot())
		}
	case transport.RequestQueued:
		if s.neg != nil {
			s.neg.Queued(ev.RequestID)
		}
	case transport.EditDenied:
		if s.neg != nil {
			s.neg.Denied(ev.Reason)
			s.log.Info("edit request denied", zap.String("reason", ev.Reason))
			s.publishPermission()
		}
	case transport.EditRequested:
		if s.neg != nil && s.neg.Inbox().Add(ev.EditRequest) {
			s.log.Info("edit requested", zap.String("requester", ev.RequesterID))
			s.publishPermission()
		}
	case transport.PermissionGranted:
		if s.neg == nil {
			return
		}
		if s.neg.ApplyGrant(ev.PermissionGrant) {
			s.onPromoted()
		} else {
			s.publishPermission()
		}
	case transport.ServerError:
		s.log.Warn("server error", zap.String("code", ev.Code), zap.String("message", ev.Message))
	}
}

func (s *Session) onStateChanged(ev transport.StateChanged) {
	if ev.State == transport.StateSynced {
		return
	}
	if s.synced {
		s.log.Info("sync lost", zap.String("state", string(ev.State)), zap.Error(ev.Err))
	}
	s.synced = false
	s.bootstrap.Cancel()
	if ev.State == transport.StateReconnecting || ev.State == transport.StateClosed {
		s.roster.Clear()
		s.presenceBus.Publish(s.roster.Snapshot())
	}
}

func (s *Session) onJoined(j types.Joined) {
	s.joined = j
	if s.neg == nil {
		s.neg = permission.NewNegotiator(s.cfg.ProjectID, j.UserID, j.Role, j.Anonymous)
	} else if s.neg.ObserveRole(j.Role) {
		s.onPromoted()
	}
	s.synced = true
	s.log.Info("joined", zap.String("peer", j.PeerID), zap.String("role", string(s.neg.Role())))

	if j.Snapshot != nil {
		s.onSnapshot(*j.Snapshot)
	} else {
		s.scheduleBootstrap()
	}
	s.resendUnacked(j.Snapshot)

	s.pub.SetIdentity(s.cfg.DisplayName, presence.ColorFor(j.PeerID))
	s.startHeartbeat()
	s.publishPermission()
	s.syncOnce.Do(func() { close(s.syncedCh) })

	// edits made before the first join were never captured
	if s.neg.CanEdit() {
		s.bridge.Changed()
	}
}

// resendUnacked re-broadcasts our own head when the room's copy is older, so
// an edit written while disconnected is not lost.
func (s *Session) resendUnacked(room *types.SnapshotBroadcast) {
	head, ok := s.doc.Head()
	if !ok || head.Origin != s.doc.Origin() {
		return
	}
	if room != nil && !head.Supersedes(doc.Update{Stamp: room.Stamp, Origin: room.Origin}) {
		return
	}
	delta, err := head.Encode()
	if err != nil {
		return
	}
	s.log.Info("re-sending local head after join", zap.Int64("stamp", head.Stamp))
	if err := s.tr.BroadcastDelta(delta); err != nil {
		s.log.Debug("re-send failed", zap.Error(err))
	}
}

func (s *Session) onSnapshot(b types.SnapshotBroadcast) {
	s.bootstrap.Cancel()
	if b.Stamp <= 0 || b.Origin == "" {
		return
	}
	s.applyRemote(doc.Update{Stamp: b.Stamp, Origin: b.Origin, Snapshot: b.Snapshot})
}

func (s *Session) applyRemote(u doc.Update) {
	dec, reason := s.guard.Decide(u.Stamp)
	if dec == dedup.Ignore && !s.concurrentTie(u, reason) {
		s.log.Debug("ignoring update", zap.Int64("stamp", u.Stamp), zap.String("reason", string(reason)))
		return
	}
	if !s.doc.Merge(u) {
		return
	}
	// live state beats whatever the store would have offered
	s.bootstrap.Cancel()
	s.render()
	s.saver.ScheduleSave()
}

// concurrentTie is true for a same-stamp write from another origin. That is
// not an echo; the document breaks the tie by origin.
func (s *Session) concurrentTie(u doc.Update, reason dedup.Reason) bool {
	if reason != dedup.ReasonEcho && reason != dedup.ReasonDuplicate {
		return false
	}
	head, ok := s.doc.Head()
	return ok && head.Stamp == u.Stamp && head.Origin != u.Origin
}

func (s *Session) render() {
	snap, ok := s.doc.Current()
	if !ok {
		return
	}
	if s.bridge.Render(snap) {
		s.renderBus.Publish(snap)
	}
}

func (s *Session) onCapture(snap types.DiagramSnapshotV1) {
	if !s.synced || s.neg == nil || !s.neg.CanEdit() {
		return
	}
	if _, _, err := s.doc.Write(snap); err != nil {
		s.log.Warn("dropping invalid local capture", zap.Error(err))
	}
}

func (s *Session) onDocChange(c doc.Change) {
	if !c.Local {
		return
	}
	s.guard.Emitted(c.Update.Stamp)
	if err := s.tr.BroadcastDelta(c.Delta); err != nil {
		s.log.Debug("delta not sent", zap.Int64("stamp", c.Update.Stamp), zap.Error(err))
	}
	s.saver.ScheduleSave()
}

func (s *Session) scheduleBootstrap() {
	s.bootstrap.Cancel()
	s.bootstrap = schedule.After(s.post, s.cfg.BootstrapDelay, func() {
		h := s.bootstrap
		go func() {
			ctx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
			defer cancel()
			snap, err := s.loadFromStore(ctx)
			s.post(func() { s.bootstrapped(h, snap, err) })
		}()
	})
}

func (s *Session) loadFromStore(ctx context.Context) (types.DiagramSnapshotV1, error) {
	if s.cfg.Credential == "" && s.cfg.ShareToken != "" {
		return s.store.LoadPublicDiagram(ctx, s.cfg.ProjectID, s.cfg.ShareToken)
	}
	return s.store.LoadDiagram(ctx, s.cfg.ProjectID)
}

func (s *Session) bootstrapped(h *schedule.Handle, snap types.DiagramSnapshotV1, err error) {
	if h != s.bootstrap || h.Cancelled() {
		return
	}
	if err != nil {
		s.log.Info("bootstrap load failed", zap.Error(err))
		return
	}
	if _, ok := s.doc.Head(); ok || snap.IsEmpty() {
		return
	}
	stamp := snap.UpdatedAt.UnixMilli()
	if stamp <= 0 {
		stamp = 1
	}
	if s.doc.Merge(doc.Update{Stamp: stamp, Origin: storeOrigin, Snapshot: snap}) {
		s.log.Info("bootstrapped from store", zap.Int("nodes", len(snap.Nodes)))
		s.render()
	}
}

func (s *Session) startHeartbeat() {
	if s.hb != nil || !s.neg.NeedsHeartbeat() || s.cfg.Credential == "" {
		return
	}
	s.hb = permission.NewHeartbeat(s.post, s.cfg.HeartbeatInterval, s.log.Named("heartbeat"))
	s.hb.Active = s.neg.NeedsHeartbeat
	s.hb.Fetch = func(ctx context.Context) (types.Role, error) {
		return s.store.FetchRole(ctx, s.cfg.ProjectID)
	}
	s.hb.Fatal = func(err error) bool { return errors.Is(err, persist.ErrUnauthorized) }
	s.hb.Apply = func(role types.Role) {
		if s.neg.ObserveRole(role) {
			s.onPromoted()
		}
	}
	s.hb.Start(s.ctx)
}

func (s *Session) onPromoted() {
	s.log.Info("role promoted", zap.String("role", string(s.neg.Role())))
	if s.hb != nil && !s.neg.NeedsHeartbeat() {
		s.hb.Stop()
	}
	s.publishPermission()
}

func (s *Session) publishPermission() {
	s.permissionBus.Publish(PermissionChange{State: s.neg.State(), Role: s.neg.Role()})
}

func (s *Session) canPersist() bool {
	return s.cfg.Credential != "" && s.neg != nil && s.neg.CanEdit()
}

func (s *Session) sendPresence(st types.PresenceState) {
	if !s.synced || s.joined.PeerID == "" {
		return
	}
	if err := s.tr.BroadcastPresence(map[string]types.PresenceState{s.joined.PeerID: st}); err != nil {
		s.log.Debug("presence not sent", zap.Error(err))
	}
}
