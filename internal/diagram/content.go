package diagram

import (
	"bytes"
	"encoding/json"
	"math"

	"github.com/DoyleJ11/diagram-collab/pkg/types"
)

// ContentBytes is the canonical serialized form of a snapshot's nodes and
// edges. updatedAt is excluded so that re-capturing unchanged content yields
// identical bytes. It fails for content JSON cannot carry, such as NaN
// coordinates.
func ContentBytes(s types.DiagramSnapshotV1) ([]byte, error) {
	nodes, edges := s.Nodes, s.Edges
	if nodes == nil {
		nodes = []types.NodeRecord{}
	}
	if edges == nil {
		edges = []types.EdgeRecord{}
	}
	return json.Marshal(types.DiagramContent{Nodes: nodes, Edges: edges})
}

// SameContent is false when either side cannot be serialized.
func SameContent(a, b types.DiagramSnapshotV1) bool {
	ab, err := ContentBytes(a)
	if err != nil {
		return false
	}
	bb, err := ContentBytes(b)
	return err == nil && bytes.Equal(ab, bb)
}

func Clone(s types.DiagramSnapshotV1) types.DiagramSnapshotV1 {
	out := s
	out.Nodes = make([]types.NodeRecord, len(s.Nodes))
	for i, n := range s.Nodes {
		n.Attrs = cloneAttrs(n.Attrs)
		out.Nodes[i] = n
	}
	out.Edges = make([]types.EdgeRecord, len(s.Edges))
	for i, e := range s.Edges {
		e.Attrs = cloneAttrs(e.Attrs)
		out.Edges[i] = e
	}
	return out
}

func cloneAttrs(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

type Rect struct {
	MinX, MinY, MaxX, MaxY float64
}

// Layout is presentation metadata recomputed on every render. It never goes
// on the wire.
type Layout struct {
	Bounds    Rect
	InDegree  map[string]int
	OutDegree map[string]int
}

// Derive is a pure function of the snapshot content, so every peer computes
// the same layout for the same nodes and edges.
func Derive(s types.DiagramSnapshotV1) Layout {
	l := Layout{
		InDegree:  make(map[string]int, len(s.Nodes)),
		OutDegree: make(map[string]int, len(s.Nodes)),
	}
	if len(s.Nodes) > 0 {
		l.Bounds = Rect{MinX: math.Inf(1), MinY: math.Inf(1), MaxX: math.Inf(-1), MaxY: math.Inf(-1)}
	}
	for _, n := range s.Nodes {
		l.Bounds.MinX = math.Min(l.Bounds.MinX, n.X)
		l.Bounds.MinY = math.Min(l.Bounds.MinY, n.Y)
		l.Bounds.MaxX = math.Max(l.Bounds.MaxX, n.X+n.Width)
		l.Bounds.MaxY = math.Max(l.Bounds.MaxY, n.Y+n.Height)
	}
	for _, e := range s.Edges {
		l.OutDegree[e.Source]++
		l.InDegree[e.Target]++
	}
	return l
}
