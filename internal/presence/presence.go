// Package presence tracks ephemeral per-peer state such as cursors. Nothing
// here is persisted; last message wins per peer id.
package presence

import (
	"hash/fnv"
	"maps"
	"sync"
	"time"

	"github.com/DoyleJ11/diagram-collab/internal/schedule"
	"github.com/DoyleJ11/diagram-collab/pkg/types"
)

// Roster is the set of known peers. Safe for concurrent use.
type Roster struct {
	mu     sync.RWMutex
	states map[string]types.PresenceState
}

func NewRoster() *Roster {
	return &Roster{states: make(map[string]types.PresenceState)}
}

// Apply overwrites the given peers and returns how many entries changed.
func (r *Roster) Apply(states map[string]types.PresenceState) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	changed := 0
	for id, st := range states {
		if id == "" {
			continue
		}
		if prev, ok := r.states[id]; ok && prev == st {
			continue
		}
		r.states[id] = st
		changed++
	}
	return changed
}

func (r *Roster) Set(peerID string, st types.PresenceState) bool {
	return r.Apply(map[string]types.PresenceState{peerID: st}) > 0
}

func (r *Roster) Remove(peerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.states[peerID]; !ok {
		return false
	}
	delete(r.states, peerID)
	return true
}

func (r *Roster) Get(peerID string) (types.PresenceState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.states[peerID]
	return st, ok
}

func (r *Roster) Snapshot() map[string]types.PresenceState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return maps.Clone(r.states)
}

func (r *Roster) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.states)
}

func (r *Roster) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.states)
}

// Publisher sends the local cursor at most once per interval. Intermediate
// positions inside a window are dropped; the latest always goes out.
type Publisher struct {
	mu       sync.Mutex
	local    types.PresenceState
	dirty    bool
	send     func(types.PresenceState)
	throttle *schedule.Throttler
}

func NewPublisher(exec schedule.Executor, interval time.Duration, identity types.PresenceState, send func(types.PresenceState)) *Publisher {
	p := &Publisher{local: identity, send: send}
	p.throttle = schedule.NewThrottler(exec, interval, p.flush)
	return p
}

func (p *Publisher) Publish(c types.Cursor) {
	p.mu.Lock()
	p.local.Cursor = c
	p.dirty = true
	p.mu.Unlock()
	p.throttle.Trigger()
}

func (p *Publisher) SetIdentity(name, color string) {
	p.mu.Lock()
	p.local.DisplayName, p.local.Color = name, color
	p.dirty = true
	p.mu.Unlock()
	p.throttle.Trigger()
}

func (p *Publisher) Local() types.PresenceState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.local
}

func (p *Publisher) flush() {
	p.mu.Lock()
	if !p.dirty {
		p.mu.Unlock()
		return
	}
	st := p.local
	p.dirty = false
	p.mu.Unlock()
	p.send(st)
}

func (p *Publisher) Stop() { p.throttle.Cancel() }

var palette = []string{"#e6194b", "#3cb44b", "#4363d8", "#f58231", "#911eb4", "#42d4f4", "#f032e6", "#469990"}

// ColorFor picks a stable color for a peer id.
func ColorFor(peerID string) string {
	h := fnv.New32a()
	h.Write([]byte(peerID))
	return palette[h.Sum32()%uint32(len(palette))]
}
