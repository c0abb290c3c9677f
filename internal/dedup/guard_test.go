package dedup

import "testing"

func TestGuard_Decide(t *testing.T) {
	cases := []struct {
		name       string
		emitted    []int64
		applied    []int64
		incoming   int64
		want       Decision
		wantReason Reason
	}{
		{name: "fresh remote", incoming: 10, want: Apply},
		{name: "own echo", emitted: []int64{10}, incoming: 10, want: Ignore, wantReason: ReasonEcho},
		{name: "older than our write", emitted: []int64{20}, incoming: 15, want: Ignore, wantReason: ReasonSuperseded},
		{name: "newer than our write", emitted: []int64{20}, incoming: 25, want: Apply},
		{name: "duplicate delivery", applied: []int64{30}, incoming: 30, want: Ignore, wantReason: ReasonDuplicate},
		{name: "stale after apply", applied: []int64{30}, incoming: 12, want: Ignore, wantReason: ReasonStale},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var g Guard
			for _, s := range tc.emitted {
				g.Emitted(s)
			}
			for _, s := range tc.applied {
				if d, _ := g.Decide(s); d != Apply {
					t.Fatalf("setup apply of %d was ignored", s)
				}
			}
			got, reason := g.Decide(tc.incoming)
			if got != tc.want || reason != tc.wantReason {
				t.Fatalf("Decide(%d) = %v/%q, want %v/%q", tc.incoming, got, reason, tc.want, tc.wantReason)
			}
		})
	}
}

func TestGuard_ApplyAdvancesLastApplied(t *testing.T) {
	var g Guard
	g.Decide(5)
	g.Decide(9)
	if g.LastApplied() != 9 {
		t.Fatalf("lastApplied = %d, want 9", g.LastApplied())
	}
	if d, _ := g.Decide(9); d != Ignore {
		t.Fatalf("second delivery of 9 must be ignored")
	}
	g.Reset()
	if d, _ := g.Decide(9); d != Apply {
		t.Fatalf("after reset 9 is new again")
	}
}

// A local write echoed back is never re-rendered, and a later remote write is.
func TestGuard_NoEcho(t *testing.T) {
	var g Guard
	g.Emitted(100)
	if d, r := g.Decide(100); d != Ignore || r != ReasonEcho {
		t.Fatalf("echo not ignored: %v %q", d, r)
	}
	if d, _ := g.Decide(101); d != Apply {
		t.Fatalf("newer remote write must apply")
	}
}
