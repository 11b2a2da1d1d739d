package grouper

import (
	"math/rand/v2"
	"sort"
	"testing"

	"github.com/cuemby/invrecon/pkg/types"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type span struct {
	Hotel  int64
	In     string
	Out    string
	LogIDs []int64
}

func summarize(groups []types.RemediationGroup) []span {
	out := make([]span, 0, len(groups))
	for _, g := range groups {
		out = append(out, span{
			Hotel:  g.HotelID,
			In:     g.CheckIn.String(),
			Out:    g.CheckOut.String(),
			LogIDs: g.LogIDs(),
		})
	}
	return out
}

func trigger(logID, hotelID int64, in, out string) types.MissingTrigger {
	return types.MissingTrigger{
		HotelID:  hotelID,
		CheckIn:  types.MustParseDate(in),
		CheckOut: types.MustParseDate(out),
		LogIDs:   []int64{logID},
		Action:   types.ActionUpdate,
	}
}

func TestMergeScenario(t *testing.T) {
	groups := Merge([]types.MissingTrigger{
		trigger(1, 25, "2026-01-21", "2026-01-23"),
		trigger(2, 25, "2026-01-22", "2026-01-24"),
		trigger(3, 25, "2026-01-26", "2026-01-28"),
		trigger(4, 26, "2026-01-21", "2026-01-23"),
	})

	require.Len(t, groups, 3)

	assert.Equal(t, int64(25), groups[0].HotelID)
	assert.Equal(t, "2026-01-21", groups[0].CheckIn.String())
	assert.Equal(t, "2026-01-24", groups[0].CheckOut.String())
	assert.Len(t, groups[0].Members, 2)

	assert.Equal(t, int64(25), groups[1].HotelID)
	assert.Equal(t, "2026-01-26", groups[1].CheckIn.String())
	assert.Equal(t, "2026-01-28", groups[1].CheckOut.String())
	assert.Len(t, groups[1].Members, 1)

	assert.Equal(t, int64(26), groups[2].HotelID)
	assert.Equal(t, "2026-01-21", groups[2].CheckIn.String())
	assert.Equal(t, "2026-01-23", groups[2].CheckOut.String())
	assert.Len(t, groups[2].Members, 1)
}

func TestMergeEdges(t *testing.T) {
	tests := []struct {
		name     string
		triggers []types.MissingTrigger
		want     []span
	}{
		{
			name: "empty",
			want: []span{},
		},
		{
			name: "touching ranges merge",
			triggers: []types.MissingTrigger{
				trigger(1, 25, "2026-01-21", "2026-01-23"),
				trigger(2, 25, "2026-01-23", "2026-01-25"),
			},
			want: []span{{Hotel: 25, In: "2026-01-21", Out: "2026-01-25", LogIDs: []int64{1, 2}}},
		},
		{
			name: "one day apart stays split",
			triggers: []types.MissingTrigger{
				trigger(1, 25, "2026-01-21", "2026-01-23"),
				trigger(2, 25, "2026-01-24", "2026-01-25"),
			},
			want: []span{
				{Hotel: 25, In: "2026-01-21", Out: "2026-01-23", LogIDs: []int64{1}},
				{Hotel: 25, In: "2026-01-24", Out: "2026-01-25", LogIDs: []int64{2}},
			},
		},
		{
			name: "contained range",
			triggers: []types.MissingTrigger{
				trigger(2, 25, "2026-01-22", "2026-01-23"),
				trigger(1, 25, "2026-01-20", "2026-01-30"),
			},
			want: []span{{Hotel: 25, In: "2026-01-20", Out: "2026-01-30", LogIDs: []int64{1, 2}}},
		},
		{
			name: "same range on two hotels",
			triggers: []types.MissingTrigger{
				trigger(1, 26, "2026-01-21", "2026-01-23"),
				trigger(2, 25, "2026-01-21", "2026-01-23"),
			},
			want: []span{
				{Hotel: 25, In: "2026-01-21", Out: "2026-01-23", LogIDs: []int64{2}},
				{Hotel: 26, In: "2026-01-21", Out: "2026-01-23", LogIDs: []int64{1}},
			},
		},
		{
			name: "duplicate trigger",
			triggers: []types.MissingTrigger{
				trigger(1, 25, "2026-01-21", "2026-01-23"),
				trigger(1, 25, "2026-01-21", "2026-01-23"),
			},
			want: []span{{Hotel: 25, In: "2026-01-21", Out: "2026-01-23", LogIDs: []int64{1}}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := summarize(Merge(tt.triggers))
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Merge() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

// randomTriggers returns n triggers across a few hotels with short stays
// clustered in one month so that overlaps are common
func randomTriggers(r *rand.Rand, n int) []types.MissingTrigger {
	base := types.MustParseDate("2026-03-01")
	triggers := make([]types.MissingTrigger, n)
	for i := range triggers {
		in := base.AddDays(r.IntN(40))
		triggers[i] = types.MissingTrigger{
			HotelID:  int64(1 + r.IntN(4)),
			CheckIn:  in,
			CheckOut: in.AddDays(1 + r.IntN(5)),
			LogIDs:   []int64{int64(1000 + i)},
			Action:   types.ActionInsert,
		}
	}
	return triggers
}

// naiveMerge scans every open group for each trigger and keeps folding until
// nothing overlaps or touches
func naiveMerge(triggers []types.MissingTrigger) []span {
	var groups []span
	for _, t := range triggers {
		groups = append(groups, span{
			Hotel:  t.HotelID,
			In:     t.CheckIn.String(),
			Out:    t.CheckOut.String(),
			LogIDs: append([]int64(nil), t.LogIDs...),
		})
	}

	for merged := true; merged; {
		merged = false
		for i := 0; i < len(groups) && !merged; i++ {
			for j := i + 1; j < len(groups); j++ {
				a, b := groups[i], groups[j]
				if a.Hotel != b.Hotel || a.In > b.Out || b.In > a.Out {
					continue
				}
				if b.In < a.In {
					a.In = b.In
				}
				if b.Out > a.Out {
					a.Out = b.Out
				}
				a.LogIDs = append(a.LogIDs, b.LogIDs...)
				groups[i] = a
				groups = append(groups[:j], groups[j+1:]...)
				merged = true
				break
			}
		}
	}

	for i := range groups {
		sort.Slice(groups[i].LogIDs, func(a, b int) bool { return groups[i].LogIDs[a] < groups[i].LogIDs[b] })
	}
	sort.Slice(groups, func(i, j int) bool {
		if groups[i].Hotel != groups[j].Hotel {
			return groups[i].Hotel < groups[j].Hotel
		}
		return groups[i].In < groups[j].In
	})
	return groups
}

func TestMergeMatchesNaiveMerge(t *testing.T) {
	r := rand.New(rand.NewPCG(1, 2))
	for round := 0; round < 50; round++ {
		triggers := randomTriggers(r, 1+r.IntN(60))
		if diff := cmp.Diff(naiveMerge(triggers), summarize(Merge(triggers))); diff != "" {
			t.Fatalf("round %d: Merge() differs from naive merge (-want +got):\n%s", round, diff)
		}
	}
}

func TestMergeIsIdempotent(t *testing.T) {
	r := rand.New(rand.NewPCG(3, 4))
	for round := 0; round < 50; round++ {
		once := Merge(randomTriggers(r, 1+r.IntN(60)))
		twice := Regroup(once)
		if diff := cmp.Diff(summarize(once), summarize(twice)); diff != "" {
			t.Fatalf("round %d: Regroup(Merge(x)) != Merge(x) (-want +got):\n%s", round, diff)
		}
	}
}

func TestMergeIsOrderIndependent(t *testing.T) {
	r := rand.New(rand.NewPCG(5, 6))
	for round := 0; round < 50; round++ {
		triggers := randomTriggers(r, 1+r.IntN(60))
		want := Merge(triggers)

		shuffled := append([]types.MissingTrigger(nil), triggers...)
		r.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

		// members must come out in the same order, not only the same set
		got := Merge(shuffled)
		require.Len(t, got, len(want))
		for i := range want {
			require.Len(t, got[i].Members, len(want[i].Members))
			for m := range want[i].Members {
				assert.Equal(t, want[i].Members[m].LogIDs, got[i].Members[m].LogIDs)
			}
		}
	}
}

func TestMergeCoverageAndDisjointness(t *testing.T) {
	r := rand.New(rand.NewPCG(7, 8))
	for round := 0; round < 50; round++ {
		triggers := randomTriggers(r, 1+r.IntN(80))
		groups := Merge(triggers)

		owner := make(map[int64]int)
		for gi, g := range groups {
			for _, m := range g.Members {
				id := m.FirstLogID()
				_, dup := owner[id]
				require.False(t, dup, "log %d in more than one group", id)
				owner[id] = gi

				assert.False(t, m.CheckIn.Before(g.CheckIn), "member starts before its group")
				assert.False(t, m.CheckOut.After(g.CheckOut), "member ends after its group")
				assert.Equal(t, g.HotelID, m.HotelID)
			}
		}
		assert.Len(t, owner, len(triggers))

		for i := 1; i < len(groups); i++ {
			prev, cur := groups[i-1], groups[i]
			if prev.HotelID != cur.HotelID {
				assert.Less(t, prev.HotelID, cur.HotelID)
				continue
			}
			assert.True(t, cur.CheckIn.After(prev.CheckOut),
				"groups %s and %s overlap or touch", prev.Key(), cur.Key())
		}
	}
}

func TestRegroupAcrossRuns(t *testing.T) {
	first := Merge([]types.MissingTrigger{trigger(1, 25, "2026-01-21", "2026-01-23")})
	second := Merge([]types.MissingTrigger{trigger(2, 25, "2026-01-23", "2026-01-26")})

	groups := Regroup(append(first, second...))
	require.Len(t, groups, 1)
	assert.Equal(t, "25:2026-01-21:2026-01-26", groups[0].Key())
	assert.Equal(t, []int64{1, 2}, groups[0].LogIDs())
}
