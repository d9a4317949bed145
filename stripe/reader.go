package stripe

import (
	"errors"
	"io"
	"os"
	"path/filepath"

	"github.com/akdb-project/akdb/block"
)

// StripeView is one decoded stripe's k data block payloads, in lane
// order, after CRC validation and any needed reconstruction.
type StripeView struct {
	Index      uint64
	DataBlocks [][]byte
}

// Reader sequentially yields stripes from a lane set, validating each
// lane's CRC and reconstructing via the configured ParityCoder when
// lanes are missing or corrupt (§4.5 Reader).
type Reader struct {
	dir   string
	k, m  int
	coder ParityCoder

	dataFiles   []*os.File
	parityFiles []*os.File

	numStripes uint64
	next       uint64
}

// OpenReader opens the k+m lane files under dir read-only and
// determines the stripe count from the shortest lane.
func OpenReader(dir string, opts Options) (*Reader, error) {
	opts = opts.withDefaults()
	coder, err := NewParityCoder(opts.Mode, opts.K, opts.M)
	if err != nil {
		return nil, err
	}

	dataFiles := make([]*os.File, opts.K)
	for i := range dataFiles {
		f, err := os.Open(filepath.Join(dir, dataLaneName(i)))
		if err != nil {
			return nil, err
		}
		dataFiles[i] = f
	}
	parityFiles := make([]*os.File, opts.M)
	for i := range parityFiles {
		f, err := os.Open(filepath.Join(dir, parityLaneName(i)))
		if err != nil {
			return nil, err
		}
		parityFiles[i] = f
	}

	r := &Reader{dir: dir, k: opts.K, m: opts.M, coder: coder, dataFiles: dataFiles, parityFiles: parityFiles}
	n, err := minStripeCount(append(append([]*os.File{}, dataFiles...), parityFiles...))
	if err != nil {
		return nil, err
	}
	r.numStripes = n
	return r, nil
}

func minStripeCount(files []*os.File) (uint64, error) {
	var min uint64
	first := true
	for _, f := range files {
		st, err := f.Stat()
		if err != nil {
			return 0, err
		}
		n := uint64(st.Size()) / block.BlockSize
		if first || n < min {
			min = n
			first = false
		}
	}
	return min, nil
}

// NumStripes reports the number of complete stripes available.
func (r *Reader) NumStripes() uint64 { return r.numStripes }

// Next returns the next stripe in sequence, or (nil, io.EOF) once all
// stripes have been consumed.
func (r *Reader) Next() (*StripeView, error) {
	if r.next >= r.numStripes {
		return nil, io.EOF
	}
	sv, err := r.ReadStripe(r.next)
	if err != nil {
		return nil, err
	}
	r.next++
	return sv, nil
}

// ReadStripe reads, validates, and (if needed) reconstructs the stripe
// at index.
func (r *Reader) ReadStripe(index uint64) (*StripeView, error) {
	data := make([][]byte, r.k)
	parity := make([][]byte, r.m)
	erasures := 0

	for i, f := range r.dataFiles {
		blk, ok := readValidBlockAt(f, index)
		if !ok {
			erasures++
			continue
		}
		data[i] = blk
	}
	for i, f := range r.parityFiles {
		blk, ok := readValidBlockAt(f, index)
		if !ok {
			erasures++
			continue
		}
		parity[i] = blk
	}

	if erasures > 0 {
		if erasures > r.m {
			return nil, ErrStripeCorrupt
		}
		if _, err := r.coder.Reconstruct(data, parity); err != nil {
			return nil, errors.Join(ErrStripeCorrupt, err)
		}
	}

	payloads := make([][]byte, r.k)
	for i, blk := range data {
		c, err := block.NewCursor(blk)
		if err != nil {
			return nil, errors.Join(ErrStripeCorrupt, err)
		}
		payloads[i] = c.Payload()
	}
	return &StripeView{Index: index, DataBlocks: payloads}, nil
}

func readValidBlockAt(f *os.File, index uint64) ([]byte, bool) {
	buf := make([]byte, block.BlockSize)
	_, err := f.ReadAt(buf, int64(index)*block.BlockSize)
	if err != nil {
		return nil, false
	}
	if !validateBlockCRC(buf) {
		return nil, false
	}
	return buf, true
}

// Close closes all lane files.
func (r *Reader) Close() error {
	var firstErr error
	for _, f := range r.dataFiles {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, f := range r.parityFiles {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
