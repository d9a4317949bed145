package compaction

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/akdb-project/akdb/manifest"
)

func emptyState() manifest.State {
	return manifest.State{
		LiveSSTs:           make(map[int][]manifest.SSTEntry),
		PendingCompactions: make(map[int][]string),
	}
}

func manifestStateFixture() manifest.State {
	st := emptyState()
	st.LiveSSTs[0] = []manifest.SSTEntry{
		{File: "000001.sst", FirstHex: "10", LastHex: "20"},
		{File: "000002.sst", FirstHex: "15", LastHex: "25"},
		{File: "000003.sst", FirstHex: "30", LastHex: "40"},
		{File: "000004.sst", FirstHex: "05", LastHex: "12"},
		{File: "000005.sst", FirstHex: "50", LastHex: "60"},
	}
	st.LiveSSTs[1] = []manifest.SSTEntry{
		{File: "000006.sst", FirstHex: "11", LastHex: "13"},
		{File: "000007.sst", FirstHex: "80", LastHex: "90"},
	}
	return st
}

func TestLevelLimitGrowsByFanout(t *testing.T) {
	p := DefaultPolicy()
	require.Equal(t, 4, p.levelLimit(0))
	require.Equal(t, 40, p.levelLimit(1))
	require.Equal(t, 400, p.levelLimit(2))
}

func TestOverlappingFindsIntersectingRanges(t *testing.T) {
	inputs := []manifest.SSTEntry{{FirstHex: "10", LastHex: "20"}}
	candidates := []manifest.SSTEntry{
		{File: "in-range", FirstHex: "15", LastHex: "18"},
		{File: "touches-edge", FirstHex: "20", LastHex: "30"},
		{File: "disjoint", FirstHex: "50", LastHex: "60"},
	}
	got := overlapping(inputs, candidates)
	require.Len(t, got, 2)
	require.Equal(t, "in-range", got[0].File)
	require.Equal(t, "touches-edge", got[1].File)
}
