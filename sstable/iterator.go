package sstable

import (
	"os"

	"github.com/akdb-project/akdb/block"
)

// Iterator streams every record in a table in ascending key order,
// one data block at a time. It is the pull-based counterpart to
// RangeIter, used where a caller (the compactor's k-way merge) needs
// to interleave records from several tables rather than consume one
// table to completion via a callback.
type Iterator struct {
	t        *Table
	f        *os.File
	blockIdx int
	cur      *block.Cursor
}

// NewIterator opens path for streaming read and positions the
// iterator before the first record.
func (t *Table) NewIterator() (*Iterator, error) {
	f, err := os.Open(t.Path)
	if err != nil {
		return nil, err
	}
	return &Iterator{t: t, f: f}, nil
}

// Next returns the next record in the table, or (nil, nil) once
// exhausted.
func (it *Iterator) Next() (*block.RecordView, error) {
	for {
		if it.cur == nil {
			if it.blockIdx >= len(it.t.index) {
				return nil, nil
			}
			off := int64(it.t.index[it.blockIdx].offset)
			blk := make([]byte, block.BlockSize)
			if _, err := it.f.ReadAt(blk, off); err != nil {
				return nil, err
			}
			c, err := block.NewCursor(blk)
			if err != nil {
				return nil, err
			}
			it.cur = c
			it.blockIdx++
		}
		rv, err := it.cur.Next()
		if err != nil {
			return nil, err
		}
		if rv == nil {
			it.cur = nil
			continue
		}
		return rv, nil
	}
}

// Close releases the iterator's file handle.
func (it *Iterator) Close() error {
	return it.f.Close()
}
