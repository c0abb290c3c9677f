package hub

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/diagram-collab/internal/relay"
	"github.com/DoyleJ11/diagram-collab/internal/room"
	"github.com/DoyleJ11/diagram-collab/internal/store"
)

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return NewHub(ctx, store.NewMemory(), relay.Local{}, zap.NewNop())
}

func TestHub_Ensure_Get_SamePointer(t *testing.T) {
	h := newTestHub(t)
	reply := make(chan *room.Room, 1)

	h.Inbox() <- EnsureRoom{ProjectID: "p1", Reply: reply}
	r1 := <-reply

	h.Inbox() <- GetRoom{ProjectID: "p1", Reply: reply}
	r2 := <-reply

	if r1 == nil || r2 == nil || r1 != r2 {
		t.Fatalf("expected same room pointer")
	}

	r3, ok := h.Ensure(context.Background(), "p1")
	if !ok || r3 != r1 {
		t.Fatalf("Ensure should return the existing room")
	}
}

func TestHub_GetUnknownIsNil(t *testing.T) {
	h := newTestHub(t)
	reply := make(chan *room.Room, 1)
	h.Inbox() <- GetRoom{ProjectID: "nope", Reply: reply}
	if r := <-reply; r != nil {
		t.Fatalf("expected nil room")
	}
}

func TestHub_RemoveRoom_ShutsItDown(t *testing.T) {
	h := newTestHub(t)
	r, ok := h.Ensure(context.Background(), "p1")
	if !ok {
		t.Fatal("ensure failed")
	}
	h.Inbox() <- RemoveRoom{ProjectID: "p1"}

	select {
	case <-r.Done():
	case <-time.After(time.Second):
		t.Fatal("room not shut down")
	}

	r2, _ := h.Ensure(context.Background(), "p1")
	if r2 == r {
		t.Fatal("expected a fresh room after removal")
	}
}

func TestHub_Shutdown(t *testing.T) {
	h := newTestHub(t)
	r, _ := h.Ensure(context.Background(), "p1")
	h.Inbox() <- ShutdownHub{}

	for _, done := range []<-chan struct{}{h.Done(), r.Done()} {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("not shut down")
		}
	}
	if _, ok := h.Ensure(context.Background(), "p2"); ok {
		t.Fatal("Ensure after shutdown should fail")
	}
}
