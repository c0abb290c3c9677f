package bridge

import (
	"slices"
	"sync"

	"github.com/DoyleJ11/diagram-collab/internal/diagram"
	"github.com/DoyleJ11/diagram-collab/pkg/types"
)

// MemoryGraph is a headless Graph for tools and tests.
type MemoryGraph struct {
	mu     sync.Mutex
	nodes  []types.NodeRecord
	edges  []types.EdgeRecord
	layout diagram.Layout
	onLoad func()
}

func NewMemoryGraph() *MemoryGraph {
	return &MemoryGraph{}
}

func (g *MemoryGraph) Export() ([]types.NodeRecord, []types.EdgeRecord) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Clone(g.nodes), slices.Clone(g.edges)
}

func (g *MemoryGraph) Load(nodes []types.NodeRecord, edges []types.EdgeRecord, layout diagram.Layout) {
	g.mu.Lock()
	g.nodes = slices.Clone(nodes)
	g.edges = slices.Clone(edges)
	g.layout = layout
	hook := g.onLoad
	g.mu.Unlock()
	if hook != nil {
		hook()
	}
}

// OnLoad registers a hook run after every Load, the way toolkits emit change
// events for programmatic updates.
func (g *MemoryGraph) OnLoad(fn func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onLoad = fn
}

func (g *MemoryGraph) Layout() diagram.Layout {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.layout
}

// UpsertNode replaces the node with the same id or appends it.
func (g *MemoryGraph) UpsertNode(n types.NodeRecord) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i := range g.nodes {
		if g.nodes[i].ID == n.ID {
			g.nodes[i] = n
			return
		}
	}
	g.nodes = append(g.nodes, n)
}

func (g *MemoryGraph) MoveNode(id string, x, y float64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i := range g.nodes {
		if g.nodes[i].ID == id {
			g.nodes[i].X, g.nodes[i].Y = x, y
			return true
		}
	}
	return false
}

// RemoveNode also removes edges touching the node.
func (g *MemoryGraph) RemoveNode(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nodes = slices.DeleteFunc(g.nodes, func(n types.NodeRecord) bool { return n.ID == id })
	g.edges = slices.DeleteFunc(g.edges, func(e types.EdgeRecord) bool { return e.Source == id || e.Target == id })
}

func (g *MemoryGraph) UpsertEdge(e types.EdgeRecord) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i := range g.edges {
		if g.edges[i].ID == e.ID {
			g.edges[i] = e
			return
		}
	}
	g.edges = append(g.edges, e)
}
