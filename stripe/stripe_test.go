package stripe

import (
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/akdb-project/akdb/block"
	"github.com/akdb-project/akdb/buf"
)

func makeDataBlock(t *testing.T, payload string) []byte {
	t.Helper()
	pool := buf.NewPool()
	var sealed []byte
	p := block.NewPacker(pool, func(b []byte) error {
		sealed = append([]byte(nil), b...)
		return nil
	})
	ok, err := p.TryAppend([]byte("k"), []byte(payload), 1, 0)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, p.EndBlock())
	return sealed
}

func TestXORCoderEncodeVerifyReconstruct(t *testing.T) {
	coder, err := NewParityCoder(ModeXOR, 4, 1)
	require.NoError(t, err)

	data := make([][]byte, 4)
	for i := range data {
		data[i] = []byte{byte(i + 1), byte(i + 2), byte(i + 3)}
	}
	parity := [][]byte{make([]byte, 3)}
	require.NoError(t, coder.EncodeInto(data, parity))

	ok, err := coder.Verify(data, parity)
	require.NoError(t, err)
	require.True(t, ok)

	lost := data[2]
	data[2] = nil
	n, err := coder.Reconstruct(data, parity)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, lost, data[2])
}

func TestXORCoderTooManyErasures(t *testing.T) {
	coder, err := NewParityCoder(ModeXOR, 4, 1)
	require.NoError(t, err)
	data := [][]byte{{1}, nil, nil, {4}}
	parity := [][]byte{{5}}
	_, err = coder.Reconstruct(data, parity)
	require.ErrorIs(t, err, ErrTooManyErasures)
}

func TestRSCoderEncodeVerifyReconstructDoubleErasure(t *testing.T) {
	coder, err := NewParityCoder(ModeRS, 4, 2)
	require.NoError(t, err)

	data := make([][]byte, 4)
	for i := range data {
		data[i] = []byte{byte(i), byte(i * 2), byte(i * 3), byte(i * 4)}
	}
	parity := [][]byte{make([]byte, 4), make([]byte, 4)}
	require.NoError(t, coder.EncodeInto(data, parity))

	origA, origB := data[0], data[3]
	data[0] = nil
	data[3] = nil
	n, err := coder.Reconstruct(data, parity)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, origA, data[0])
	require.Equal(t, origB, data[3])
}

func TestDualXORCoderEncodeVerifyReconstructDoubleErasure(t *testing.T) {
	coder, err := NewParityCoder(ModeDualXOR, 4, 2)
	require.NoError(t, err)

	data := make([][]byte, 4)
	for i := range data {
		data[i] = []byte{byte(i), byte(i * 2), byte(i * 3), byte(i * 4)}
	}
	parity := [][]byte{make([]byte, 4), make([]byte, 4)}
	require.NoError(t, coder.EncodeInto(data, parity))

	ok, err := coder.Verify(data, parity)
	require.NoError(t, err)
	require.True(t, ok)

	t.Run("both data lanes lost", func(t *testing.T) {
		d := make([][]byte, 4)
		copy(d, data)
		p := [][]byte{append([]byte(nil), parity[0]...), append([]byte(nil), parity[1]...)}
		origA, origB := d[0], d[2]
		d[0], d[2] = nil, nil
		n, err := coder.Reconstruct(d, p)
		require.NoError(t, err)
		require.Equal(t, 2, n)
		require.Equal(t, origA, d[0])
		require.Equal(t, origB, d[2])
	})

	t.Run("both parity lanes lost", func(t *testing.T) {
		d := make([][]byte, 4)
		copy(d, data)
		p := [][]byte{nil, nil}
		n, err := coder.Reconstruct(d, p)
		require.NoError(t, err)
		require.Equal(t, 2, n)
		require.Equal(t, parity[0], p[0])
		require.Equal(t, parity[1], p[1])
	})

	t.Run("one data lane and row parity lost", func(t *testing.T) {
		d := make([][]byte, 4)
		copy(d, data)
		p := [][]byte{nil, append([]byte(nil), parity[1]...)}
		orig := d[1]
		d[1] = nil
		n, err := coder.Reconstruct(d, p)
		require.NoError(t, err)
		require.Equal(t, 2, n)
		require.Equal(t, orig, d[1])
		require.Equal(t, parity[0], p[0])
	})

	t.Run("one data lane and Q parity lost", func(t *testing.T) {
		d := make([][]byte, 4)
		copy(d, data)
		p := [][]byte{append([]byte(nil), parity[0]...), nil}
		orig := d[3]
		d[3] = nil
		n, err := coder.Reconstruct(d, p)
		require.NoError(t, err)
		require.Equal(t, 2, n)
		require.Equal(t, orig, d[3])
		require.Equal(t, parity[1], p[1])
	})
}

func TestWriterReaderRoundTripNoErasures(t *testing.T) {
	dir := t.TempDir()
	opts := Options{K: 4, M: 1, Mode: ModeXOR, MaxBlocks: 2}
	w, err := OpenWriter(dir, 0, opts)
	require.NoError(t, err)

	const numStripes = 3
	for s := 0; s < numStripes*opts.K; s++ {
		require.NoError(t, w.WriteBlock(makeDataBlock(t, "v")))
	}
	require.NoError(t, w.Close())

	r, err := OpenReader(dir, opts)
	require.NoError(t, err)
	defer r.Close()
	require.Equal(t, uint64(numStripes), r.NumStripes())

	count := 0
	for {
		sv, err := r.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		require.Len(t, sv.DataBlocks, opts.K)
		count++
	}
	require.Equal(t, numStripes, count)
}

func TestReaderReconstructsSingleLaneLoss(t *testing.T) {
	dir := t.TempDir()
	opts := Options{K: 4, M: 1, Mode: ModeXOR, MaxBlocks: 4}
	w, err := OpenWriter(dir, 0, opts)
	require.NoError(t, err)
	for lane := 0; lane < opts.K; lane++ {
		require.NoError(t, w.WriteBlock(makeDataBlock(t, "payload")))
	}
	require.NoError(t, w.Close())

	// Zero out data_2.akd (§E4).
	path := dir + "/data_2.akd"
	zeroed := make([]byte, block.BlockSize)
	require.NoError(t, os.WriteFile(path, zeroed, 0o644))

	r, err := OpenReader(dir, opts)
	require.NoError(t, err)
	defer r.Close()

	sv, err := r.ReadStripe(0)
	require.NoError(t, err)
	require.Len(t, sv.DataBlocks, opts.K)
	want, err := block.NewCursor(makeDataBlock(t, "payload"))
	require.NoError(t, err)
	require.Equal(t, want.Payload(), sv.DataBlocks[2])
}

func TestReaderTooManyErasuresReturnsStripeCorrupt(t *testing.T) {
	dir := t.TempDir()
	opts := Options{K: 4, M: 1, Mode: ModeXOR, MaxBlocks: 4}
	w, err := OpenWriter(dir, 0, opts)
	require.NoError(t, err)
	for lane := 0; lane < opts.K; lane++ {
		require.NoError(t, w.WriteBlock(makeDataBlock(t, "payload")))
	}
	require.NoError(t, w.Close())

	zeroed := make([]byte, block.BlockSize)
	require.NoError(t, os.WriteFile(dir+"/data_1.akd", zeroed, 0o644))
	require.NoError(t, os.WriteFile(dir+"/data_2.akd", zeroed, 0o644))

	r, err := OpenReader(dir, opts)
	require.NoError(t, err)
	defer r.Close()

	_, err = r.ReadStripe(0)
	require.ErrorIs(t, err, ErrStripeCorrupt)
}

func TestRecoverTruncatesIncompleteTrailingStripe(t *testing.T) {
	dir := t.TempDir()
	opts := Options{K: 2, M: 1, Mode: ModeXOR, MaxBlocks: 4}
	w, err := OpenWriter(dir, 0, opts)
	require.NoError(t, err)
	for lane := 0; lane < opts.K; lane++ {
		require.NoError(t, w.WriteBlock(makeDataBlock(t, "full")))
	}
	require.NoError(t, w.Close())

	// Simulate a crash mid-stripe: append a lone extra block to one lane only.
	f, err := os.OpenFile(dir+"/data_0.akd", os.O_RDWR|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.Write(makeDataBlock(t, "partial"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	res, err := Recover(dir, opts)
	require.NoError(t, err)
	require.True(t, res.TruncatedTail)
	require.Equal(t, uint64(1), res.NextIndex)
	require.True(t, res.HasDurable)
	require.Equal(t, uint64(0), res.LastDurable)

	st, err := os.Stat(dir + "/data_0.akd")
	require.NoError(t, err)
	require.Equal(t, int64(block.BlockSize), st.Size())
}

func TestFlushSyncWithNoSealedStripesReturnsImmediately(t *testing.T) {
	dir := t.TempDir()
	w, err := OpenWriter(dir, 0, Options{K: 4, M: 1, Mode: ModeXOR})
	require.NoError(t, err)
	require.NoError(t, w.FlushSync())
	require.NoError(t, w.Close())
}
