package compaction

import (
	"encoding/binary"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/akdb-project/akdb/block"
	"github.com/akdb-project/akdb/buf"
	"github.com/akdb-project/akdb/sstable"
)

func writeTable(t *testing.T, dir string, id uint64, recs []sstable.InputRecord) *sstable.Table {
	t.Helper()
	path := filepath.Join(dir, sstable.FormatFilename(id))
	_, err := sstable.Write(path, recs, buf.NewPool(), sstable.WriteOptions{})
	require.NoError(t, err)
	tbl, err := sstable.Open(path, id, false)
	require.NoError(t, err)
	return tbl
}

func rec(key, value string, seq uint64) sstable.InputRecord {
	return sstable.InputRecord{Key: []byte(key), Value: []byte(value), Seq: seq}
}

func tombstoneValue(deletedAt time.Time) []byte {
	var v [8]byte
	binary.LittleEndian.PutUint64(v[:], uint64(deletedAt.UnixMilli()))
	return v[:]
}

func TestRunMergesDisjointTablesInOrder(t *testing.T) {
	dir := t.TempDir()
	a := writeTable(t, dir, 1, []sstable.InputRecord{rec("a", "1", 1), rec("c", "3", 1)})
	b := writeTable(t, dir, 2, []sstable.InputRecord{rec("b", "2", 1), rec("d", "4", 1)})

	res, err := Run([]*sstable.Table{a, b}, Options{SSTDir: dir, OutputID: 100})
	require.NoError(t, err)
	require.Equal(t, uint64(4), res.Entries)

	var got []string
	err = res.Output.RangeIter(nil, nil, func(rv *block.RecordView) bool {
		got = append(got, string(rv.Key))
		return true
	})
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c", "d"}, got)
}

func TestRunResolvesConflictByHighestSeq(t *testing.T) {
	dir := t.TempDir()
	a := writeTable(t, dir, 1, []sstable.InputRecord{rec("k", "old", 1)})
	b := writeTable(t, dir, 2, []sstable.InputRecord{rec("k", "new", 5)})

	res, err := Run([]*sstable.Table{a, b}, Options{SSTDir: dir, OutputID: 100})
	require.NoError(t, err)
	require.Equal(t, uint64(1), res.Entries)

	rv, err := res.Output.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, "new", string(rv.Value))
	require.Equal(t, uint64(5), rv.Header.Seq)
}

func TestRunPreservesTombstonesWhenNotBottommost(t *testing.T) {
	dir := t.TempDir()
	a := writeTable(t, dir, 1, []sstable.InputRecord{
		{Key: []byte("k"), Value: tombstoneValue(time.Now().Add(-999 * time.Hour)), Seq: 1, Flags: block.FlagTombstone},
	})

	res, err := Run([]*sstable.Table{a}, Options{SSTDir: dir, OutputID: 100, Bottommost: false})
	require.NoError(t, err)
	require.Equal(t, uint64(1), res.Entries)
	require.Equal(t, 0, res.DroppedTombstones)
}

func TestRunGarbageCollectsExpiredTombstoneAtBottommost(t *testing.T) {
	dir := t.TempDir()
	old := time.Now().Add(-48 * time.Hour)
	a := writeTable(t, dir, 1, []sstable.InputRecord{
		{Key: []byte("k"), Value: tombstoneValue(old), Seq: 1, Flags: block.FlagTombstone},
	})

	res, err := Run([]*sstable.Table{a}, Options{
		SSTDir: dir, OutputID: 100, Bottommost: true, TombstoneTTL: 24 * time.Hour,
	})
	require.NoError(t, err)
	require.Equal(t, uint64(0), res.Entries)
	require.Equal(t, 1, res.DroppedTombstones)
}

func TestRunKeepsFreshTombstoneAtBottommost(t *testing.T) {
	dir := t.TempDir()
	recent := time.Now().Add(-1 * time.Hour)
	a := writeTable(t, dir, 1, []sstable.InputRecord{
		{Key: []byte("k"), Value: tombstoneValue(recent), Seq: 1, Flags: block.FlagTombstone},
	})

	res, err := Run([]*sstable.Table{a}, Options{
		SSTDir: dir, OutputID: 100, Bottommost: true, TombstoneTTL: 24 * time.Hour,
	})
	require.NoError(t, err)
	require.Equal(t, uint64(1), res.Entries)
	require.Equal(t, 0, res.DroppedTombstones)
}

func TestPlanTriggersOnL0OverflowAndGathersOverlap(t *testing.T) {
	st := manifestStateFixture()
	p := DefaultPolicy()
	task, ok := p.Plan(st)
	require.True(t, ok)
	require.Equal(t, 0, task.Level)
	require.Len(t, task.Inputs, 5)
	require.Equal(t, 1, task.OutputLevel)
	require.Len(t, task.NextInputs, 1)
	require.Equal(t, "000006.sst", task.NextInputs[0].File)
}

func TestPlanReturnsFalseWhenNothingOverfull(t *testing.T) {
	p := DefaultPolicy()
	_, ok := p.Plan(emptyState())
	require.False(t, ok)
}
