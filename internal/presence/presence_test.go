package presence

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DoyleJ11/diagram-collab/internal/schedule"
	"github.com/DoyleJ11/diagram-collab/pkg/types"
)

func TestRoster_LastWriteWinsAndPrune(t *testing.T) {
	r := NewRoster()
	a1 := types.PresenceState{Cursor: types.Cursor{X: 1, Y: 1}, DisplayName: "ann", Color: "#fff"}
	a2 := types.PresenceState{Cursor: types.Cursor{X: 9, Y: 9}, DisplayName: "ann", Color: "#fff"}

	assert.Equal(t, 1, r.Apply(map[string]types.PresenceState{"a": a1}))
	assert.Equal(t, 0, r.Apply(map[string]types.PresenceState{"a": a1}), "same value is not a change")
	assert.True(t, r.Set("a", a2))
	assert.True(t, r.Set("b", a1))
	assert.Equal(t, 0, r.Apply(map[string]types.PresenceState{"": a1}), "empty peer ids are ignored")

	got, ok := r.Get("a")
	require.True(t, ok)
	assert.Equal(t, a2, got)

	assert.True(t, r.Remove("a"))
	assert.False(t, r.Remove("a"))
	assert.Equal(t, 1, r.Len())

	snap := r.Snapshot()
	snap["zzz"] = a1
	assert.Equal(t, 1, r.Len(), "snapshot is a copy")
}

func TestPublisher_ThrottlesAndKeepsLatest(t *testing.T) {
	var mu sync.Mutex
	var sent []types.PresenceState
	p := NewPublisher(schedule.Inline, 40*time.Millisecond, types.PresenceState{DisplayName: "me", Color: "#000"}, func(st types.PresenceState) {
		mu.Lock()
		sent = append(sent, st)
		mu.Unlock()
	})
	defer p.Stop()

	for i := 1; i <= 30; i++ {
		p.Publish(types.Cursor{X: float64(i), Y: float64(i)})
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(sent) > 0 && sent[len(sent)-1].Cursor.X == 30
	}, time.Second, 5*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, len(sent), 2, "a burst sends a leading and a trailing update at most")
	assert.Equal(t, "me", sent[len(sent)-1].DisplayName)
}

func TestColorForIsStable(t *testing.T) {
	assert.Equal(t, ColorFor("peer-1"), ColorFor("peer-1"))
	assert.Contains(t, palette, ColorFor("anything"))

	// FNV-1a of "a" is 0xe40c292c
	assert.Equal(t, palette[0xe40c292c%uint32(len(palette))], ColorFor("a"))

	seen := map[string]bool{}
	for i := 0; i < 64; i++ {
		seen[ColorFor(fmt.Sprintf("peer-%d", i))] = true
	}
	assert.Greater(t, len(seen), 1, "peers spread across the palette")
}
