package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/akdb-project/akdb/memtable"
	"github.com/akdb-project/akdb/stripe"
)

func openTestEngine(t *testing.T, opts Options) *Engine {
	t.Helper()
	if opts.Dir == "" {
		opts.Dir = t.TempDir()
	}
	e, err := Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func TestPutGetRoundTrip(t *testing.T) {
	e := openTestEngine(t, Options{})

	_, err := e.Put([]byte("k1"), []byte("v1"))
	require.NoError(t, err)

	v, ok, err := e.Get([]byte("k1"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v1", string(v))

	_, ok, err = e.Get([]byte("missing"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDeleteHidesKey(t *testing.T) {
	e := openTestEngine(t, Options{})

	_, err := e.Put([]byte("k1"), []byte("v1"))
	require.NoError(t, err)
	_, err = e.Delete([]byte("k1"))
	require.NoError(t, err)

	_, ok, err := e.Get([]byte("k1"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCompareAndSwap(t *testing.T) {
	e := openTestEngine(t, Options{})

	seq, ok, err := e.CompareAndSwap([]byte("k1"), 0, []byte("v1"))
	require.NoError(t, err)
	require.True(t, ok)
	require.NotZero(t, seq)

	_, ok, err = e.CompareAndSwap([]byte("k1"), 0, []byte("v2"))
	require.NoError(t, err)
	require.False(t, ok)

	_, ok, err = e.CompareAndSwap([]byte("k1"), seq, []byte("v2"))
	require.NoError(t, err)
	require.True(t, ok)

	v, _, err := e.Get([]byte("k1"))
	require.NoError(t, err)
	require.Equal(t, "v2", string(v))
}

func TestRangeMergesMemtableAndSST(t *testing.T) {
	e := openTestEngine(t, Options{})

	for i := 0; i < 5; i++ {
		_, err := e.Put([]byte(fmt.Sprintf("k%02d", i)), []byte(fmt.Sprintf("v%d", i)))
		require.NoError(t, err)
	}
	require.NoError(t, e.Flush())

	_, err := e.Put([]byte("k02b"), []byte("fresh"))
	require.NoError(t, err)

	var keys []string
	err = e.Range(nil, nil, func(key, value []byte) bool {
		keys = append(keys, string(key))
		return true
	})
	require.NoError(t, err)
	require.Equal(t, []string{"k00", "k01", "k02", "k02b", "k03", "k04"}, keys)
}

func TestFlushWritesDurableSST(t *testing.T) {
	e := openTestEngine(t, Options{MemTable: memtable.Options{ShardCount: 1}})

	for i := 0; i < 3; i++ {
		_, err := e.Put([]byte(fmt.Sprintf("k%d", i)), []byte("v"))
		require.NoError(t, err)
	}
	require.NoError(t, e.Flush())

	st := e.Stats()
	require.Equal(t, 1, st.LiveSSTCount)
}

func TestReopenRecoversFromWALAfterUncleanClose(t *testing.T) {
	dir := t.TempDir()

	e := openTestEngine(t, Options{Dir: dir})
	_, err := e.Put([]byte("k1"), []byte("v1"))
	require.NoError(t, err)
	_, err = e.Put([]byte("k2"), []byte("v2"))
	require.NoError(t, err)
	// No Flush/Close: recovery must come entirely from the WAL.

	e2, err := Open(Options{Dir: dir})
	require.NoError(t, err)
	defer e2.Close()

	v, ok, err := e2.Get([]byte("k1"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v1", string(v))

	v, ok, err = e2.Get([]byte("k2"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v2", string(v))
}

func TestReopenRecoversFlushedSSTsFromManifest(t *testing.T) {
	dir := t.TempDir()

	e := openTestEngine(t, Options{Dir: dir})
	_, err := e.Put([]byte("a"), []byte("1"))
	require.NoError(t, err)
	require.NoError(t, e.Flush())
	require.NoError(t, e.Close())

	e2, err := Open(Options{Dir: dir})
	require.NoError(t, err)
	defer e2.Close()

	v, ok, err := e2.Get([]byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "1", string(v))

	st := e2.Stats()
	require.Equal(t, 1, st.LiveSSTCount)
}

func TestClosedEngineRejectsOperations(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(Options{Dir: dir})
	require.NoError(t, err)
	require.NoError(t, e.Close())

	_, err = e.Put([]byte("k"), []byte("v"))
	require.ErrorIs(t, err, ErrClosed)

	_, _, err = e.Get([]byte("k"))
	require.ErrorIs(t, err, ErrClosed)
}

func TestEmptyKeyRejected(t *testing.T) {
	e := openTestEngine(t, Options{})
	_, err := e.Put(nil, []byte("v"))
	require.ErrorIs(t, err, ErrEmptyKey)
	_, err = e.Delete([]byte{})
	require.ErrorIs(t, err, ErrEmptyKey)
}

func TestParseSSTID(t *testing.T) {
	id, ok := parseSSTID(filepath.Join("dir", "000042.sst"))
	require.True(t, ok)
	require.Equal(t, uint64(42), id)

	id, ok = parseSSTID(filepath.Join("dir", "000042-a1b2c3d4.sst"))
	require.True(t, ok)
	require.Equal(t, uint64(42), id)

	_, ok = parseSSTID("not-an-sst")
	require.False(t, ok)
}

func TestUseStripeForWriteMirrorsFlushedDataWithParityRecovery(t *testing.T) {
	dir := t.TempDir()
	opts := Options{
		Dir:               dir,
		UseStripeForWrite: true,
		Stripe:            stripe.Options{K: 1, M: 1, Mode: stripe.ModeXOR, MaxBlocks: 4},
	}
	e := openTestEngine(t, opts)

	_, err := e.Put([]byte("k1"), []byte("v1"))
	require.NoError(t, err)
	_, err = e.Put([]byte("k2"), []byte("v2"))
	require.NoError(t, err)
	require.NoError(t, e.Flush())
	require.NoError(t, e.Close())

	stripeDir := filepath.Join(dir, stripeDirName)
	readOpts := opts.Stripe

	r, err := stripe.OpenReader(stripeDir, readOpts)
	require.NoError(t, err)
	require.GreaterOrEqual(t, r.NumStripes(), uint64(1))
	want, err := r.ReadStripe(0)
	require.NoError(t, err)
	require.NoError(t, r.Close())

	// Corrupt the sole data lane's first block in place; with k=1 the
	// XOR parity lane equals the data lane exactly, so reconstruction
	// must recover the original payload byte-for-byte.
	dataLane, err := os.OpenFile(filepath.Join(stripeDir, "data_0.akd"), os.O_RDWR, 0)
	require.NoError(t, err)
	_, err = dataLane.WriteAt([]byte{0xff, 0xff, 0xff, 0xff}, 0)
	require.NoError(t, err)
	require.NoError(t, dataLane.Close())

	r2, err := stripe.OpenReader(stripeDir, readOpts)
	require.NoError(t, err)
	defer r2.Close()
	got, err := r2.ReadStripe(0)
	require.NoError(t, err)
	require.Equal(t, want.DataBlocks, got.DataBlocks)
}

func TestDurableCASSurvivesCrashReplay(t *testing.T) {
	dir := t.TempDir()
	e := openTestEngine(t, Options{Dir: dir, DurableCAS: true})

	seq, ok, err := e.CompareAndSwap([]byte("k1"), 0, []byte("v1"))
	require.NoError(t, err)
	require.True(t, ok)
	require.NotZero(t, seq)
	// No Flush/Close: recovery must come entirely from the WAL record
	// DurableCAS appended alongside the in-memory swap.

	e2, err := Open(Options{Dir: dir})
	require.NoError(t, err)
	defer e2.Close()

	v, ok, err := e2.Get([]byte("k1"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v1", string(v))
	require.Equal(t, seq, e2.LastSeq())
}

func TestCompactionReducesL0FileCount(t *testing.T) {
	dir := t.TempDir()
	e := openTestEngine(t, Options{Dir: dir})
	e.opts.Policy.L0CompactionTrigger = 1

	for i := 0; i < 2; i++ {
		_, err := e.Put([]byte(fmt.Sprintf("batch%d", i)), []byte("v"))
		require.NoError(t, err)
		require.NoError(t, e.Flush())
	}
	require.Equal(t, 2, e.Stats().LiveSSTCount)

	e.runCompactionRound()

	st := e.Stats()
	require.Equal(t, 1, st.LiveSSTCount)
	v, ok, err := e.Get([]byte("batch0"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v", string(v))
}
