package sstable

import (
	"bytes"
	"os"
	"sort"

	"github.com/akdb-project/akdb/block"
	"github.com/akdb-project/akdb/bloom"
	"github.com/akdb-project/akdb/buf"
)

// Table is an opened, read-only SST file: the footer plus the parsed
// sparse index and Bloom filter. Data blocks are read lazily on demand.
type Table struct {
	Path   string
	ID     uint64
	footer Footer
	index  []indexEntry
	bf     *bloom.Filter
	size   int64
}

// Open reads path's footer, index, and Bloom filter. If verifyCRC is
// true the whole-file CRC32C is also checked against the footer
// (§4.6: "optionally verifying file-level CRC").
func Open(path string, id uint64, verifyCRC bool) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if st.Size() < FooterSize {
		return nil, ErrCorrupt
	}

	footerBytes := make([]byte, FooterSize)
	if _, err := f.ReadAt(footerBytes, st.Size()-FooterSize); err != nil {
		return nil, err
	}
	footer, err := decodeFooter(footerBytes)
	if err != nil {
		return nil, err
	}
	if footer.IndexOffset >= uint64(st.Size()) || footer.BloomOffset >= uint64(st.Size()) {
		return nil, ErrCorrupt
	}

	if verifyCRC {
		full := make([]byte, st.Size())
		if _, err := f.ReadAt(full, 0); err != nil {
			return nil, err
		}
		got := buf.CRC32C(full[:st.Size()-4])
		if got != footer.CRC32C {
			return nil, ErrFooterInvalid
		}
	}

	idxPayload, err := readFramedSection(f, int64(footer.IndexOffset), magicIndex)
	if err != nil {
		return nil, err
	}
	index, err := decodeIndex(idxPayload)
	if err != nil {
		return nil, err
	}

	bloomPayload, err := readFramedSection(f, int64(footer.BloomOffset), magicBloom)
	if err != nil {
		return nil, err
	}
	var bf *bloom.Filter
	if len(bloomPayload) > 0 {
		var ok bool
		bf, ok = bloom.Decode(bloomPayload)
		if !ok {
			return nil, ErrCorrupt
		}
	}

	return &Table{Path: path, ID: id, footer: footer, index: index, bf: bf, size: st.Size()}, nil
}

// Entries returns the record count recorded in the footer.
func (t *Table) Entries() uint64 { return t.footer.Entries }

// MightContain tests the Bloom filter. A table whose Bloom section is
// empty has no filter and always returns true; Write stores a filter
// even for zero records, so such a table rejects every key.
func (t *Table) MightContain(key []byte) bool {
	if t.bf == nil {
		return true
	}
	return t.bf.MaybeContains(key)
}

// blockOffsetFor returns the offset of the candidate block whose
// firstKey is the largest one <= key, or -1 if key precedes every block.
func (t *Table) blockOffsetFor(key []byte) int64 {
	if len(t.index) == 0 {
		return -1
	}
	lo, hi := 0, len(t.index)
	for lo < hi {
		mid := (lo + hi) / 2
		if bytes.Compare(t.index[mid].firstKey, key) <= 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	i := lo - 1
	if i < 0 {
		return -1
	}
	return int64(t.index[i].offset)
}

// Get looks up key, returning the matching RecordView (a copy, since
// the backing block buffer is read fresh per call) or (nil, nil) if
// absent (§4.6 Reader.get).
func (t *Table) Get(key []byte) (*block.RecordView, error) {
	if !t.MightContain(key) {
		return nil, nil
	}
	off := t.blockOffsetFor(key)
	if off < 0 {
		return nil, nil
	}

	f, err := os.Open(t.Path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	blk := make([]byte, block.BlockSize)
	if _, err := f.ReadAt(blk, off); err != nil {
		return nil, err
	}
	c, err := block.NewCursor(blk)
	if err != nil {
		return nil, err
	}
	for {
		rv, err := c.Next()
		if err != nil {
			return nil, err
		}
		if rv == nil {
			return nil, nil
		}
		cmp := bytes.Compare(rv.Key, key)
		if cmp == 0 {
			return &block.RecordView{
				Header: rv.Header,
				Key:    append([]byte(nil), rv.Key...),
				Value:  append([]byte(nil), rv.Value...),
			}, nil
		}
		if cmp > 0 {
			return nil, nil
		}
	}
}

// RangeIter scans [start, endExclusive) in ascending key order,
// invoking fn for each record until fn returns false or the range is
// exhausted. endExclusive == nil means unbounded.
func (t *Table) RangeIter(start, endExclusive []byte, fn func(*block.RecordView) bool) error {
	if len(t.index) == 0 {
		return nil
	}

	f, err := os.Open(t.Path)
	if err != nil {
		return err
	}
	defer f.Close()

	startIdx := sort.Search(len(t.index), func(i int) bool {
		return bytes.Compare(t.index[i].firstKey, start) > 0
	}) - 1
	if startIdx < 0 {
		startIdx = 0
	}

	for blockIdx := startIdx; blockIdx < len(t.index); blockIdx++ {
		off := int64(t.index[blockIdx].offset)
		blk := make([]byte, block.BlockSize)
		if _, err := f.ReadAt(blk, off); err != nil {
			return err
		}
		c, err := block.NewCursor(blk)
		if err != nil {
			return err
		}
		for {
			rv, err := c.Next()
			if err != nil {
				return err
			}
			if rv == nil {
				break
			}
			if bytes.Compare(rv.Key, start) < 0 {
				continue
			}
			if endExclusive != nil && bytes.Compare(rv.Key, endExclusive) >= 0 {
				return nil
			}
			if !fn(&block.RecordView{
				Header: rv.Header,
				Key:    append([]byte(nil), rv.Key...),
				Value:  append([]byte(nil), rv.Value...),
			}) {
				return nil
			}
		}
	}
	return nil
}
