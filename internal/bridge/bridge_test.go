package bridge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/DoyleJ11/diagram-collab/internal/diagram"
	"github.com/DoyleJ11/diagram-collab/internal/schedule"
	"github.com/DoyleJ11/diagram-collab/pkg/types"
)

type harness struct {
	exec     schedule.Executor
	stop     func()
	captures chan types.DiagramSnapshotV1
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	inbox := make(chan func(), 64)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case fn := <-inbox:
				fn()
			case <-done:
				return
			}
		}
	}()
	h := &harness{
		exec: func(fn func()) {
			select {
			case inbox <- fn:
			case <-done:
			}
		},
		stop:     func() { close(done) },
		captures: make(chan types.DiagramSnapshotV1, 16),
	}
	t.Cleanup(h.stop)
	return h
}

// onLoop runs fn on the harness loop and waits for it.
func (h *harness) onLoop(fn func()) {
	done := make(chan struct{})
	h.exec(func() {
		fn()
		close(done)
	})
	<-done
}

func recvCapture(t *testing.T, ch <-chan types.DiagramSnapshotV1, within time.Duration) types.DiagramSnapshotV1 {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(within):
		t.Fatalf("timed out waiting for capture")
		return types.DiagramSnapshotV1{}
	}
}

func recvNoCapture(t *testing.T, ch <-chan types.DiagramSnapshotV1, within time.Duration) {
	t.Helper()
	select {
	case s := <-ch:
		t.Fatalf("expected no capture within %v, got %+v", within, s)
	case <-time.After(within):
	}
}

func TestBridge_BurstIsCoalesced(t *testing.T) {
	h := newHarness(t)
	g := NewMemoryGraph()
	var b *Bridge
	h.onLoop(func() {
		b = New(g, h.exec, 80*time.Millisecond, func(s types.DiagramSnapshotV1) { h.captures <- s }, zap.NewNop())
	})

	for i := 0; i < 20; i++ {
		i := i
		h.onLoop(func() {
			g.UpsertNode(types.NodeRecord{ID: "n", X: float64(i)})
			b.Changed()
		})
		time.Sleep(time.Millisecond)
	}

	first := recvCapture(t, h.captures, 200*time.Millisecond)
	require.Len(t, first.Nodes, 1)
	last := recvCapture(t, h.captures, 300*time.Millisecond)
	assert.Equal(t, float64(19), last.Nodes[0].X, "trailing capture sees the final edit")
	recvNoCapture(t, h.captures, 150*time.Millisecond)
}

func TestBridge_RenderIsIdempotentAndNeverCaptures(t *testing.T) {
	h := newHarness(t)
	g := NewMemoryGraph()
	var b *Bridge
	h.onLoop(func() {
		b = New(g, h.exec, 10*time.Millisecond, func(s types.DiagramSnapshotV1) { h.captures <- s }, zap.NewNop())
		// toolkits report programmatic loads as edits
		g.OnLoad(func() { b.Changed() })
	})

	remote := types.NewSnapshot(
		[]types.NodeRecord{{ID: "a", Width: 10, Height: 10}, {ID: "b", X: 20}},
		[]types.EdgeRecord{{ID: "e", Source: "a", Target: "b"}},
		time.Now(),
	)

	var first, second bool
	h.onLoop(func() {
		first = b.Render(remote)
		second = b.Render(remote)
	})
	assert.True(t, first)
	assert.False(t, second)
	recvNoCapture(t, h.captures, 60*time.Millisecond)

	nodes, edges := g.Export()
	assert.Len(t, nodes, 2)
	assert.Len(t, edges, 1)
	assert.Equal(t, diagram.Derive(remote), g.Layout())
	h.onLoop(func() { assert.Equal(t, 1, b.Renders()) })
}

func TestBridge_StopCancelsPendingCapture(t *testing.T) {
	h := newHarness(t)
	g := NewMemoryGraph()
	var b *Bridge
	h.onLoop(func() {
		b = New(g, h.exec, 50*time.Millisecond, func(s types.DiagramSnapshotV1) { h.captures <- s }, zap.NewNop())
		b.Changed()
	})
	recvCapture(t, h.captures, 100*time.Millisecond)

	h.onLoop(func() {
		b.Changed()
		assert.True(t, b.CapturePending())
		b.Stop()
	})
	recvNoCapture(t, h.captures, 100*time.Millisecond)
}

func TestMemoryGraph_RemoveNodeDropsEdges(t *testing.T) {
	g := NewMemoryGraph()
	g.UpsertNode(types.NodeRecord{ID: "a"})
	g.UpsertNode(types.NodeRecord{ID: "b"})
	g.UpsertEdge(types.EdgeRecord{ID: "e", Source: "a", Target: "b"})
	require.True(t, g.MoveNode("b", 5, 6))
	assert.False(t, g.MoveNode("zz", 0, 0))

	g.RemoveNode("a")
	nodes, edges := g.Export()
	assert.Len(t, nodes, 1)
	assert.Empty(t, edges)
	assert.Equal(t, float64(5), nodes[0].X)
}
