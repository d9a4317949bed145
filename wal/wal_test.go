package wal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAppendAndReplaySingleSegment(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, "wal", Options{})
	require.NoError(t, err)

	require.NoError(t, l.Append(KindAdd, 1, []byte("a"), []byte("1")))
	require.NoError(t, l.Append(KindAdd, 2, []byte("b"), []byte("2")))
	require.NoError(t, l.Append(KindDelete, 3, []byte("a"), nil))
	require.NoError(t, l.Close())

	type applied struct {
		kind  Kind
		seq   uint64
		key   string
		value string
	}
	var got []applied
	maxSeq, cp, err := ReplayAll(dir, "wal", func(kind Kind, seq uint64, key, value []byte) error {
		got = append(got, applied{kind, seq, string(key), string(value)})
		return nil
	})
	require.NoError(t, err)
	require.Nil(t, cp)
	require.Equal(t, uint64(3), maxSeq)
	require.Len(t, got, 3)
	require.Equal(t, KindDelete, got[2].kind)
	require.Equal(t, "a", got[2].key)
}

func TestSealSegmentRotatesToNewFile(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, "wal", Options{})
	require.NoError(t, err)
	require.NoError(t, l.Append(KindAdd, 1, []byte("a"), []byte("1")))

	require.Equal(t, uint64(1), l.CurrentSegmentIndex())
	require.NoError(t, l.SealSegment())
	require.Equal(t, uint64(2), l.CurrentSegmentIndex())

	require.NoError(t, l.Append(KindAdd, 2, []byte("b"), []byte("2")))
	require.NoError(t, l.Close())

	require.FileExists(t, SegmentPath(dir, "wal", 1))
	require.FileExists(t, SegmentPath(dir, "wal", 2))

	var seqs []uint64
	_, _, err = ReplayAll(dir, "wal", func(kind Kind, seq uint64, key, value []byte) error {
		seqs = append(seqs, seq)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []uint64{1, 2}, seqs)
}

func TestCheckpointAndPruneRemovesOlderSegments(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, "wal", Options{})
	require.NoError(t, err)

	require.NoError(t, l.Append(KindAdd, 1, []byte("a"), []byte("1")))
	require.NoError(t, l.SealSegment())
	require.NoError(t, l.Append(KindAdd, 2, []byte("b"), []byte("2")))
	require.NoError(t, l.SealSegment())
	require.NoError(t, l.Checkpoint(0, 2))
	require.NoError(t, l.Append(KindAdd, 3, []byte("c"), []byte("3")))

	require.NoError(t, l.PruneObsoleteSegments())
	require.NoFileExists(t, SegmentPath(dir, "wal", 1))
	require.FileExists(t, SegmentPath(dir, "wal", 2))
	require.FileExists(t, SegmentPath(dir, "wal", 3))

	require.NoError(t, l.Close())
}

func TestOpenResumesAtHighestSegmentOnReopen(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, "wal", Options{})
	require.NoError(t, err)
	require.NoError(t, l.Append(KindAdd, 1, []byte("a"), []byte("1")))
	require.NoError(t, l.SealSegment())
	require.NoError(t, l.Close())

	l2, err := Open(dir, "wal", Options{})
	require.NoError(t, err)
	require.Equal(t, uint64(2), l2.CurrentSegmentIndex())
	require.NoError(t, l2.Close())
}

func TestReplaySegmentToleratesTruncatedTail(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, "wal", Options{})
	require.NoError(t, err)
	require.NoError(t, l.Append(KindAdd, 1, []byte("a"), []byte("1")))
	require.NoError(t, l.Close())

	path := SegmentPath(dir, "wal", 1)
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, info.Size()-2))

	res, err := ReplaySegment(path, func(Kind, uint64, []byte, []byte) error { return nil })
	require.NoError(t, err)
	require.True(t, res.Truncated)
}

func TestReplaySegmentRejectsCorruptCompleteFrame(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, "wal", Options{})
	require.NoError(t, err)
	require.NoError(t, l.Append(KindAdd, 1, []byte("a"), []byte("1")))
	require.NoError(t, l.Close())

	path := SegmentPath(dir, "wal", 1)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)-1] ^= 0xFF
	require.NoError(t, os.WriteFile(path, data, 0o644))

	_, err = ReplaySegment(path, func(Kind, uint64, []byte, []byte) error { return nil })
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestReplayMissingDirectoryIsEmptySuccess(t *testing.T) {
	maxSeq, cp, err := ReplayAll(filepath.Join(t.TempDir(), "missing"), "wal", func(Kind, uint64, []byte, []byte) error {
		return nil
	})
	require.NoError(t, err)
	require.Zero(t, maxSeq)
	require.Nil(t, cp)
}

func TestAppendAfterCloseReturnsErrClosed(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, "wal", Options{})
	require.NoError(t, err)
	require.NoError(t, l.Close())

	err = l.Append(KindAdd, 1, []byte("a"), []byte("1"))
	require.ErrorIs(t, err, ErrClosed)
}
