package manifest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpenFreshCreatesCurrentAndFirstFile(t *testing.T) {
	dir := t.TempDir()
	m, st, err := Open(dir, Options{})
	require.NoError(t, err)
	defer m.Close()

	require.Empty(t, st.LiveSSTs)
	require.FileExists(t, filepath.Join(dir, "CURRENT"))
	require.FileExists(t, filepath.Join(dir, "MANIFEST-000001"))
}

func TestSealAndDeleteRoundTripThroughReopen(t *testing.T) {
	dir := t.TempDir()
	m, _, err := Open(dir, Options{})
	require.NoError(t, err)

	require.NoError(t, m.LogSstSeal(0, "000001.sst", 100, "aa", "zz"))
	require.NoError(t, m.LogSstSeal(0, "000002.sst", 50, "bb", "cc"))
	require.NoError(t, m.LogStripeCommit(7))
	require.NoError(t, m.Close())

	m2, st, err := Open(dir, Options{})
	require.NoError(t, err)
	defer m2.Close()

	require.Len(t, st.LiveSSTs[0], 2)
	require.Equal(t, uint64(7), st.StripesCommitted)

	require.NoError(t, m2.LogSSTDelete(0, "000001.sst"))
	require.NoError(t, m2.Close())

	m3, st3, err := Open(dir, Options{})
	require.NoError(t, err)
	defer m3.Close()
	require.Len(t, st3.LiveSSTs[0], 1)
	require.Equal(t, "000002.sst", st3.LiveSSTs[0][0].File)
}

func TestCompactionEndRetiresInputsAndPublishesOutput(t *testing.T) {
	dir := t.TempDir()
	m, _, err := Open(dir, Options{})
	require.NoError(t, err)

	require.NoError(t, m.LogSstSeal(0, "a.sst", 10, "a", "m"))
	require.NoError(t, m.LogSstSeal(0, "b.sst", 10, "n", "z"))
	require.NoError(t, m.LogCompactionStart(0, []string{"a.sst", "b.sst"}))
	require.NoError(t, m.LogCompactionEnd(0, "c.sst", []string{"a.sst", "b.sst"}, 20, "a", "z"))
	require.NoError(t, m.Close())

	_, st, err := Open(dir, Options{})
	require.NoError(t, err)
	require.Empty(t, st.LiveSSTs[0])
	require.Len(t, st.LiveSSTs[1], 1)
	require.Equal(t, "c.sst", st.LiveSSTs[1][0].File)
	require.Empty(t, st.PendingCompactions)
}

func TestUnmatchedCompactionStartSurvivesAsPending(t *testing.T) {
	dir := t.TempDir()
	m, _, err := Open(dir, Options{})
	require.NoError(t, err)
	require.NoError(t, m.LogSstSeal(0, "a.sst", 10, "a", "m"))
	require.NoError(t, m.LogCompactionStart(0, []string{"a.sst"}))
	require.NoError(t, m.Close())

	_, st, err := Open(dir, Options{})
	require.NoError(t, err)
	require.Equal(t, []string{"a.sst"}, st.PendingCompactions[0])
	require.Len(t, st.LiveSSTs[0], 1, "input stays live until a CompactionEnd retires it")
}

func TestRotationSeedsNewFileSelfSufficiently(t *testing.T) {
	dir := t.TempDir()
	m, _, err := Open(dir, Options{RotateBytes: 1})
	require.NoError(t, err)

	require.NoError(t, m.LogSstSeal(0, "a.sst", 10, "a", "m"))
	require.NoError(t, m.LogSstSeal(1, "b.sst", 20, "n", "z"))

	current, err := os.ReadFile(filepath.Join(dir, "CURRENT"))
	require.NoError(t, err)
	require.NotEqual(t, "MANIFEST-000001", string(current))
	require.NoFileExists(t, filepath.Join(dir, "MANIFEST-000001"))

	require.NoError(t, m.Close())

	_, st, err := Open(dir, Options{})
	require.NoError(t, err)
	require.Len(t, st.LiveSSTs[0], 1)
	require.Len(t, st.LiveSSTs[1], 1)
}

func TestReplayToleratesTruncatedTrailingFrame(t *testing.T) {
	dir := t.TempDir()
	m, _, err := Open(dir, Options{})
	require.NoError(t, err)
	require.NoError(t, m.LogSstSeal(0, "a.sst", 10, "a", "m"))
	require.NoError(t, m.Close())

	path := filepath.Join(dir, "MANIFEST-000001")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data[:len(data)-2], 0o644))

	st := newState()
	res, err := replayFile(path, &st)
	require.NoError(t, err)
	require.True(t, res.TruncatedTail)
	require.Empty(t, st.LiveSSTs)
}

func TestReplayRejectsCorruptCompleteFrame(t *testing.T) {
	dir := t.TempDir()
	m, _, err := Open(dir, Options{})
	require.NoError(t, err)
	require.NoError(t, m.LogSstSeal(0, "a.sst", 10, "a", "m"))
	require.NoError(t, m.Close())

	path := filepath.Join(dir, "MANIFEST-000001")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[10] ^= 0xFF
	require.NoError(t, os.WriteFile(path, data, 0o644))

	st := newState()
	_, err = replayFile(path, &st)
	require.ErrorIs(t, err, ErrCorrupt)
}
