package hub

import (
	"context"

	"go.uber.org/zap"

	"github.com/DoyleJ11/diagram-collab/internal/relay"
	"github.com/DoyleJ11/diagram-collab/internal/room"
	"github.com/DoyleJ11/diagram-collab/internal/store"
)

type HubMsg interface{ isHubMsg() }

type GetRoom struct {
	ProjectID string
	Reply     chan *room.Room
}

type EnsureRoom struct {
	ProjectID string
	Reply     chan *room.Room
}

type RemoveRoom struct {
	ProjectID string
}

type ShutdownHub struct{}

func (GetRoom) isHubMsg()     {}
func (EnsureRoom) isHubMsg()  {}
func (RemoveRoom) isHubMsg()  {}
func (ShutdownHub) isHubMsg() {}

type Hub struct {
	inbox  chan HubMsg
	rooms  map[string]*room.Room
	store  store.Store
	relay  relay.Relay
	log    *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

func NewHub(parent context.Context, s store.Store, rl relay.Relay, log *zap.Logger) *Hub {
	ctx, cancel := context.WithCancel(parent)
	h := &Hub{
		inbox:  make(chan HubMsg, 64),
		rooms:  make(map[string]*room.Room),
		store:  s,
		relay:  rl,
		log:    log,
		ctx:    ctx,
		cancel: cancel,
	}
	go h.loop()
	return h
}

func (h *Hub) Inbox() chan<- HubMsg { return h.inbox }

// Ensure returns the project's room, creating it on first use.
func (h *Hub) Ensure(ctx context.Context, projectID string) (*room.Room, bool) {
	if h.ctx.Err() != nil {
		return nil, false
	}
	reply := make(chan *room.Room, 1)
	select {
	case h.inbox <- EnsureRoom{ProjectID: projectID, Reply: reply}:
	case <-h.ctx.Done():
		return nil, false
	case <-ctx.Done():
		return nil, false
	}
	select {
	case r := <-reply:
		return r, r != nil
	case <-h.ctx.Done():
		return nil, false
	case <-ctx.Done():
		return nil, false
	}
}

func (h *Hub) Done() <-chan struct{} { return h.ctx.Done() }

func (h *Hub) loop() {
	for {
		select {
		case <-h.ctx.Done():
			h.shutdown()
			return

		case m := <-h.inbox:
			switch msg := m.(type) {
			case GetRoom:
				msg.Reply <- h.rooms[msg.ProjectID] // May be nil

			case EnsureRoom:
				if r := h.rooms[msg.ProjectID]; r != nil {
					msg.Reply <- r
					break
				}
				r := room.NewRoom(h.ctx, room.Config{
					ProjectID: msg.ProjectID,
					Store:     h.store,
					Relay:     h.relay,
					Log:       h.log.Named("room"),
				})
				h.rooms[msg.ProjectID] = r
				msg.Reply <- r

			case RemoveRoom:
				if r := h.rooms[msg.ProjectID]; r != nil {
					r.Post(h.ctx, room.Shutdown{})
					delete(h.rooms, msg.ProjectID)
				}

			case ShutdownHub:
				h.shutdown()
				return
			}
		}
	}
}

func (h *Hub) shutdown() {
	for _, r := range h.rooms {
		r.Post(context.Background(), room.Shutdown{})
	}
	clear(h.rooms)
	h.cancel()
}
