package doc

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DoyleJ11/diagram-collab/internal/diagram"
	"github.com/DoyleJ11/diagram-collab/pkg/types"
)

func fixedClock(ms int64) func() time.Time {
	return func() time.Time { return time.UnixMilli(ms) }
}

func snapWith(ids ...string) types.DiagramSnapshotV1 {
	nodes := make([]types.NodeRecord, 0, len(ids))
	for _, id := range ids {
		nodes = append(nodes, types.NodeRecord{ID: id, Label: id})
	}
	return types.NewSnapshot(nodes, nil, time.Time{})
}

func write(t *testing.T, d *Document, s types.DiagramSnapshotV1) (int64, bool) {
	t.Helper()
	stamp, ok, err := d.Write(s)
	require.NoError(t, err)
	return stamp, ok
}

func encode(t *testing.T, u Update) []byte {
	t.Helper()
	b, err := u.Encode()
	require.NoError(t, err)
	return b
}

func TestWrite_StampsAreMonotonic(t *testing.T) {
	d := New("a", WithClock(fixedClock(1000)))

	s1, ok := write(t, d, snapWith("n1"))
	require.True(t, ok)
	s2, ok := write(t, d, snapWith("n1", "n2"))
	require.True(t, ok)

	assert.Equal(t, int64(1000), s1)
	assert.Equal(t, int64(1001), s2, "same millisecond still advances")

	// a remote update from the future pushes the next local stamp past it
	d.Merge(Update{Stamp: 5000, Origin: "b", Snapshot: snapWith("r")})
	s3, ok := write(t, d, snapWith("r", "mine"))
	require.True(t, ok)
	assert.Equal(t, int64(5001), s3)
}

func TestWrite_EmptyOverContentIsSuppressed(t *testing.T) {
	d := New("a", WithClock(fixedClock(10)))
	_, ok := write(t, d, snapWith("n1"))
	require.True(t, ok)

	_, ok = write(t, d, types.NewSnapshot(nil, nil, time.Now()))
	assert.False(t, ok)

	cur, _ := d.Current()
	assert.Len(t, cur.Nodes, 1)
}

func TestWrite_EmptyOnFreshDocumentIsSuppressed(t *testing.T) {
	d := New("a")
	_, ok := write(t, d, types.NewSnapshot(nil, nil, time.Now()))
	assert.False(t, ok)
	_, has := d.Current()
	assert.False(t, has)
}

func TestWrite_IdenticalContentIsSuppressed(t *testing.T) {
	d := New("a", WithClock(fixedClock(10)))
	var changes int
	d.OnChange(func(Change) { changes++ })

	_, ok := write(t, d, snapWith("n1"))
	require.True(t, ok)

	again := snapWith("n1")
	again.UpdatedAt = time.Now() // timestamps alone do not count as a change
	_, ok = write(t, d, again)
	assert.False(t, ok)
	assert.Equal(t, 1, changes)
}

func TestWrite_IdenticalToRemoteHeadIsSuppressed(t *testing.T) {
	d := New("a", WithClock(fixedClock(10)))
	require.True(t, d.Merge(Update{Stamp: 50, Origin: "b", Snapshot: snapWith("x")}))

	// re-capturing what was just rendered must not produce a write
	_, ok := write(t, d, snapWith("x"))
	assert.False(t, ok)
}

func TestOnChange_ReportsLocalAndRemote(t *testing.T) {
	d := New("a", WithClock(fixedClock(10)))
	var got []Change
	unsub := d.OnChange(func(c Change) { got = append(got, c) })

	stamp, _ := write(t, d, snapWith("n1"))
	d.Merge(Update{Stamp: 99, Origin: "b", Snapshot: snapWith("n2")})
	unsub()
	d.Merge(Update{Stamp: 100, Origin: "b", Snapshot: snapWith("n3")})

	require.Len(t, got, 2)
	assert.True(t, got[0].Local)
	assert.Equal(t, stamp, got[0].Update.Stamp)
	decoded, err := DecodeUpdate(got[0].Delta)
	require.NoError(t, err)
	assert.Equal(t, got[0].Update.Stamp, decoded.Stamp)
	assert.False(t, got[1].Local)
}

func TestApplyRemoteDelta_Malformed(t *testing.T) {
	d := New("a")
	cases := map[string][]byte{
		"not json":    []byte("{nope"),
		"no stamp":    encode(t, Update{Origin: "b", Snapshot: snapWith("x")}),
		"no origin":   encode(t, Update{Stamp: 3, Snapshot: snapWith("x")}),
		"bad schema":  encode(t, Update{Stamp: 3, Origin: "b", Snapshot: types.DiagramSnapshotV1{Schema: "v0"}}),
		"dangling id": encode(t, Update{Stamp: 3, Origin: "b", Snapshot: types.NewSnapshot(nil, []types.EdgeRecord{{ID: "e", Source: "a", Target: "b"}}, time.Time{})}),
	}
	for name, b := range cases {
		t.Run(name, func(t *testing.T) {
			_, changed, err := d.ApplyRemoteDelta(b)
			assert.True(t, errors.Is(err, ErrMalformedUpdate), "got %v", err)
			assert.False(t, changed)
		})
	}
	_, has := d.Current()
	assert.False(t, has)
}

func TestMerge_TieBrokenByOrigin(t *testing.T) {
	a := Update{Stamp: 7, Origin: "a", Snapshot: snapWith("from-a")}
	b := Update{Stamp: 7, Origin: "b", Snapshot: snapWith("from-b")}

	d1, d2 := New("x"), New("y")
	d1.Merge(a)
	d1.Merge(b)
	d2.Merge(b)
	d2.Merge(a)

	h1, _ := d1.Head()
	h2, _ := d2.Head()
	assert.Equal(t, "b", h1.Origin)
	assert.Equal(t, h1, h2)
}

// Any order, any duplication: the head equals applying each distinct update once.
func TestMerge_ReplaySafety(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	var updates [][]byte
	for i := 0; i < 12; i++ {
		u := Update{
			Stamp:    int64(100 + rng.Intn(8)), // force stamp ties
			Origin:   fmt.Sprintf("peer-%d", i%3),
			Snapshot: snapWith(fmt.Sprintf("n%d", i)),
		}
		updates = append(updates, encode(t, u))
	}

	reference := New("ref")
	for _, b := range updates {
		_, _, err := reference.ApplyRemoteDelta(b)
		require.NoError(t, err)
	}
	want, _ := reference.Head()

	for trial := 0; trial < 200; trial++ {
		seq := append([][]byte(nil), updates...)
		for i := 0; i < rng.Intn(10); i++ {
			seq = append(seq, updates[rng.Intn(len(updates))])
		}
		rng.Shuffle(len(seq), func(i, j int) { seq[i], seq[j] = seq[j], seq[i] })

		d := New("trial")
		for _, b := range seq {
			_, _, err := d.ApplyRemoteDelta(b)
			require.NoError(t, err)
		}
		got, _ := d.Head()
		require.Equal(t, want.Stamp, got.Stamp, "trial %d", trial)
		require.Equal(t, want.Origin, got.Origin, "trial %d", trial)
		require.True(t, diagram.SameContent(want.Snapshot, got.Snapshot), "trial %d", trial)
	}
}

func TestWrite_NonFiniteCoordinateIsRejected(t *testing.T) {
	d := New("a", WithClock(fixedClock(10)))
	var changes int
	d.OnChange(func(Change) { changes++ })
	write(t, d, snapWith("n1"))

	for name, n := range map[string]types.NodeRecord{
		"nan x":    {ID: "n", X: math.NaN()},
		"inf y":    {ID: "n", Y: math.Inf(1)},
		"-inf w":   {ID: "n", Width: math.Inf(-1)},
		"nan high": {ID: "n", Height: math.NaN()},
	} {
		t.Run(name, func(t *testing.T) {
			require.NotPanics(t, func() {
				_, ok, err := d.Write(types.NewSnapshot([]types.NodeRecord{n}, nil, time.Now()))
				assert.ErrorIs(t, err, types.ErrMalformedSnapshot)
				assert.False(t, ok)
			})
		})
	}
	assert.Equal(t, 1, changes)
	cur, _ := d.Current()
	assert.Equal(t, "n1", cur.Nodes[0].ID)

	// nothing JSON cannot carry ever becomes the head
	bad := Update{Stamp: 99, Origin: "b", Snapshot: types.NewSnapshot([]types.NodeRecord{{ID: "n", X: math.NaN()}}, nil, time.Time{})}
	require.NotPanics(t, func() { assert.False(t, d.Merge(bad)) })
	_, err := bad.Encode()
	assert.ErrorIs(t, err, ErrMalformedUpdate)
}

func TestCurrent_ReturnsCopy(t *testing.T) {
	d := New("a", WithClock(fixedClock(1)))
	write(t, d, snapWith("n1"))
	cur, _ := d.Current()
	cur.Nodes[0].Label = "mutated"
	again, _ := d.Current()
	assert.Equal(t, "n1", again.Nodes[0].Label)
}
