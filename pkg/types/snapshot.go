package types

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// SchemaDiagramV1 tags every snapshot payload on the wire.
const SchemaDiagramV1 = "diagram.v1"

var ErrMalformedSnapshot = errors.New("malformed snapshot")

type NodeRecord struct {
	ID     string            `json:"id"`
	Kind   string            `json:"kind,omitempty"`
	Label  string            `json:"label,omitempty"`
	X      float64           `json:"x"`
	Y      float64           `json:"y"`
	Width  float64           `json:"width,omitempty"`
	Height float64           `json:"height,omitempty"`
	Attrs  map[string]string `json:"attrs,omitempty"`
}

type EdgeRecord struct {
	ID     string            `json:"id"`
	Source string            `json:"source"`
	Target string            `json:"target"`
	Label  string            `json:"label,omitempty"`
	Attrs  map[string]string `json:"attrs,omitempty"`
}

// DiagramSnapshotV1 is the full diagram at one point in time. Snapshots are
// replaced wholesale, never patched.
type DiagramSnapshotV1 struct {
	Schema    string       `json:"schema"`
	Nodes     []NodeRecord `json:"nodes"`
	Edges     []EdgeRecord `json:"edges"`
	UpdatedAt time.Time    `json:"updatedAt"`
}

func NewSnapshot(nodes []NodeRecord, edges []EdgeRecord, at time.Time) DiagramSnapshotV1 {
	if nodes == nil {
		nodes = []NodeRecord{}
	}
	if edges == nil {
		edges = []EdgeRecord{}
	}
	return DiagramSnapshotV1{Schema: SchemaDiagramV1, Nodes: nodes, Edges: edges, UpdatedAt: at}
}

func (s DiagramSnapshotV1) IsEmpty() bool {
	return len(s.Nodes) == 0 && len(s.Edges) == 0
}

// Validate rejects payloads that do not describe a well-formed graph.
func (s DiagramSnapshotV1) Validate() error {
	if s.Schema != SchemaDiagramV1 {
		return fmt.Errorf("%w: unknown schema %q", ErrMalformedSnapshot, s.Schema)
	}
	nodes := make(map[string]struct{}, len(s.Nodes))
	for _, n := range s.Nodes {
		if n.ID == "" {
			return fmt.Errorf("%w: node without id", ErrMalformedSnapshot)
		}
		if _, dup := nodes[n.ID]; dup {
			return fmt.Errorf("%w: duplicate node %q", ErrMalformedSnapshot, n.ID)
		}
		if !finite(n.X, n.Y, n.Width, n.Height) {
			return fmt.Errorf("%w: node %q has a non-finite coordinate", ErrMalformedSnapshot, n.ID)
		}
		nodes[n.ID] = struct{}{}
	}
	edges := make(map[string]struct{}, len(s.Edges))
	for _, e := range s.Edges {
		if e.ID == "" {
			return fmt.Errorf("%w: edge without id", ErrMalformedSnapshot)
		}
		if _, dup := edges[e.ID]; dup {
			return fmt.Errorf("%w: duplicate edge %q", ErrMalformedSnapshot, e.ID)
		}
		edges[e.ID] = struct{}{}
		if _, ok := nodes[e.Source]; !ok {
			return fmt.Errorf("%w: edge %q has unknown source %q", ErrMalformedSnapshot, e.ID, e.Source)
		}
		if _, ok := nodes[e.Target]; !ok {
			return fmt.Errorf("%w: edge %q has unknown target %q", ErrMalformedSnapshot, e.ID, e.Target)
		}
	}
	return nil
}

func finite(vs ...float64) bool {
	for _, v := range vs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Store payloads. The durable store accepts either shape on PUT.

type DiagramContent struct {
	Nodes []NodeRecord `json:"nodes"`
	Edges []EdgeRecord `json:"edges"`
}

// StorePayloadA: {snapshot:{nodes,edges}, updatedAt}
type StorePayloadA struct {
	Snapshot  DiagramContent `json:"snapshot"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// StorePayloadB: {nodes, edges, updatedAt}
type StorePayloadB struct {
	Nodes     []NodeRecord `json:"nodes"`
	Edges     []EdgeRecord `json:"edges"`
	UpdatedAt time.Time    `json:"updatedAt"`
}

type RoleResponse struct {
	Role   Role `json:"role"`
	Member bool `json:"member"`
}

type CreateProjectRequest struct {
	Name string `json:"name"`
}

type ProjectResponse struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	OwnerID    string `json:"ownerId"`
	ShareToken string `json:"shareToken,omitempty"`
}
