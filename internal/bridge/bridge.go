// Package bridge connects the locally editable graph to the shared document.
// Capture and Render are the only two ways state crosses between them.
package bridge

import (
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/diagram-collab/internal/diagram"
	"github.com/DoyleJ11/diagram-collab/internal/schedule"
	"github.com/DoyleJ11/diagram-collab/pkg/types"
)

// Graph is the editable diagram owned by the rendering toolkit. Implementations
// may report changes from inside Load; the bridge ignores them.
type Graph interface {
	Export() ([]types.NodeRecord, []types.EdgeRecord)
	Load(nodes []types.NodeRecord, edges []types.EdgeRecord, layout diagram.Layout)
}

type Bridge struct {
	graph     Graph
	now       func() time.Time
	throttle  *schedule.Throttler
	onCapture func(types.DiagramSnapshotV1)
	log       *zap.Logger

	rendering bool
	renders   int
}

// New wires a bridge whose throttled captures are delivered to onCapture on exec.
func New(graph Graph, exec schedule.Executor, interval time.Duration, onCapture func(types.DiagramSnapshotV1), log *zap.Logger) *Bridge {
	b := &Bridge{graph: graph, now: time.Now, onCapture: onCapture, log: log}
	b.throttle = schedule.NewThrottler(exec, interval, func() {
		b.onCapture(b.Capture())
	})
	return b
}

// Changed is the local change-detection hook.
func (b *Bridge) Changed() {
	if b.rendering {
		return
	}
	b.throttle.Trigger()
}

func (b *Bridge) Capture() types.DiagramSnapshotV1 {
	nodes, edges := b.graph.Export()
	return diagram.Clone(types.NewSnapshot(nodes, edges, b.now()))
}

// Render repaints the graph. It is a no-op when the graph already shows the
// same content, and it never schedules a capture of its own.
func (b *Bridge) Render(s types.DiagramSnapshotV1) bool {
	nodes, edges := b.graph.Export()
	if diagram.SameContent(types.NewSnapshot(nodes, edges, time.Time{}), s) {
		return false
	}

	s = diagram.Clone(s)
	b.rendering = true
	defer func() { b.rendering = false }()
	b.graph.Load(s.Nodes, s.Edges, diagram.Derive(s))
	b.renders++
	b.log.Debug("rendered remote state", zap.Int("nodes", len(s.Nodes)), zap.Int("edges", len(s.Edges)))
	return true
}

func (b *Bridge) Renders() int { return b.renders }

func (b *Bridge) CapturePending() bool { return b.throttle.Pending() }

func (b *Bridge) Stop() { b.throttle.Cancel() }
