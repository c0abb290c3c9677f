// Package dedup decides whether an incoming versioned snapshot should be
// rendered. It is what keeps a peer from re-rendering its own writes when the
// transport echoes them back.
package dedup

type Decision int

const (
	Apply Decision = iota
	Ignore
)

type Reason string

const (
	ReasonNone       Reason = ""
	ReasonDuplicate  Reason = "duplicate"
	ReasonEcho       Reason = "echo"
	ReasonSuperseded Reason = "superseded"
	ReasonStale      Reason = "stale"
)

// Guard tracks stamps for one session. Not safe for concurrent use; it lives
// on the session loop.
type Guard struct {
	lastApplied int64
	lastEmitted int64
}

// Emitted records a stamp this peer wrote.
func (g *Guard) Emitted(stamp int64) {
	if stamp > g.lastEmitted {
		g.lastEmitted = stamp
	}
}

func (g *Guard) Decide(stamp int64) (Decision, Reason) {
	switch {
	case stamp == g.lastApplied:
		return Ignore, ReasonDuplicate
	case stamp == g.lastEmitted:
		return Ignore, ReasonEcho
	case stamp < g.lastEmitted:
		return Ignore, ReasonSuperseded
	case stamp < g.lastApplied:
		return Ignore, ReasonStale
	}
	g.lastApplied = stamp
	return Apply, ReasonNone
}

func (g *Guard) LastApplied() int64 { return g.lastApplied }
func (g *Guard) LastEmitted() int64 { return g.lastEmitted }

// Reset forgets all stamps, for a session torn down and rebuilt.
func (g *Guard) Reset() {
	g.lastApplied = 0
	g.lastEmitted = 0
}
