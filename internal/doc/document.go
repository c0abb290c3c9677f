// Package doc holds the shared replicated diagram document: a last-writer-wins
// register over whole snapshots, ordered by (stamp, origin). Merging updates is
// commutative, associative and idempotent, so duplicate or reordered delivery
// converges to the same head.
package doc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/DoyleJ11/diagram-collab/internal/diagram"
	"github.com/DoyleJ11/diagram-collab/internal/event"
	"github.com/DoyleJ11/diagram-collab/pkg/types"
)

var ErrMalformedUpdate = errors.New("malformed update")

// Update is one versioned write. Its encoded form is the delta sent between peers.
type Update struct {
	Stamp    int64                   `json:"stamp"`
	Origin   string                  `json:"origin"`
	Snapshot types.DiagramSnapshotV1 `json:"snapshot"`
}

// Supersedes orders updates by stamp, then origin.
func (u Update) Supersedes(o Update) bool {
	if u.Stamp != o.Stamp {
		return u.Stamp > o.Stamp
	}
	return u.Origin > o.Origin
}

func (u Update) Encode() ([]byte, error) {
	b, err := json.Marshal(u)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	return b, nil
}

func DecodeUpdate(b []byte) (Update, error) {
	var u Update
	if err := json.Unmarshal(b, &u); err != nil {
		return Update{}, fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	if u.Stamp <= 0 || u.Origin == "" {
		return Update{}, fmt.Errorf("%w: missing stamp or origin", ErrMalformedUpdate)
	}
	if err := u.Snapshot.Validate(); err != nil {
		return Update{}, fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	return u, nil
}

type Change struct {
	Update Update
	Delta  []byte
	Local  bool
}

type Document struct {
	origin string
	now    func() time.Time

	head      *Update
	lastBytes []byte
	maxStamp  int64
	changes   event.Bus[Change]
}

type Option func(*Document)

func WithClock(now func() time.Time) Option {
	return func(d *Document) { d.now = now }
}

func New(origin string, opts ...Option) *Document {
	d := &Document{origin: origin, now: time.Now}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Document) Origin() string { return d.origin }

// Write records a local snapshot and returns its stamp. ok is false when the
// write was suppressed: an empty snapshot over existing content, or content
// byte-identical to the last one observed. A snapshot that fails validation
// is rejected with an error and leaves the document untouched.
func (d *Document) Write(s types.DiagramSnapshotV1) (stamp int64, ok bool, err error) {
	if s.Schema == "" {
		s.Schema = types.SchemaDiagramV1
	}
	if err := s.Validate(); err != nil {
		return 0, false, err
	}
	// an empty write is almost always an uninitialized local graph, never a clear
	if s.IsEmpty() && (d.head == nil || !d.head.Snapshot.IsEmpty()) {
		return 0, false, nil
	}
	content, err := diagram.ContentBytes(s)
	if err != nil {
		return 0, false, err
	}
	if d.lastBytes != nil && bytes.Equal(content, d.lastBytes) {
		return 0, false, nil
	}

	stamp = d.now().UnixMilli()
	if stamp <= d.maxStamp {
		stamp = d.maxStamp + 1
	}
	u := Update{Stamp: stamp, Origin: d.origin, Snapshot: diagram.Clone(s)}
	delta, err := u.Encode()
	if err != nil {
		return 0, false, err
	}
	d.head = &u
	d.maxStamp = stamp
	d.lastBytes = content
	d.changes.Publish(Change{Update: u, Delta: delta, Local: true})
	return stamp, true, nil
}

// ApplyRemoteDelta decodes and merges an encoded update.
func (d *Document) ApplyRemoteDelta(b []byte) (Update, bool, error) {
	u, err := DecodeUpdate(b)
	if err != nil {
		return Update{}, false, err
	}
	return u, d.Merge(u), nil
}

// Merge reports whether u became the new head. An update whose snapshot
// cannot be serialized is never merged.
func (d *Document) Merge(u Update) bool {
	if d.head != nil && !u.Supersedes(*d.head) {
		if u.Stamp > d.maxStamp {
			d.maxStamp = u.Stamp
		}
		return false
	}
	u.Snapshot = diagram.Clone(u.Snapshot)
	content, err := diagram.ContentBytes(u.Snapshot)
	if err != nil {
		return false
	}
	delta, err := u.Encode()
	if err != nil {
		return false
	}
	if u.Stamp > d.maxStamp {
		d.maxStamp = u.Stamp
	}
	d.head = &u
	d.lastBytes = content
	d.changes.Publish(Change{Update: u, Delta: delta})
	return true
}

// Current returns the head snapshot, or false if nothing was ever written.
func (d *Document) Current() (types.DiagramSnapshotV1, bool) {
	if d.head == nil {
		return types.DiagramSnapshotV1{}, false
	}
	return diagram.Clone(d.head.Snapshot), true
}

func (d *Document) Head() (Update, bool) {
	if d.head == nil {
		return Update{}, false
	}
	u := *d.head
	u.Snapshot = diagram.Clone(u.Snapshot)
	return u, true
}

// OnChange subscribes to head changes, local and remote.
func (d *Document) OnChange(fn func(Change)) (unsubscribe func()) {
	return d.changes.Subscribe(fn)
}
