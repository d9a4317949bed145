package compaction

import (
	"bytes"
	"container/heap"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/akdb-project/akdb/block"
	"github.com/akdb-project/akdb/buf"
	"github.com/akdb-project/akdb/sstable"
)

// Options configures one Run invocation.
type Options struct {
	SSTDir       string
	OutputID     uint64
	Bottommost   bool
	TombstoneTTL time.Duration
	Now          time.Time
	Pool         *buf.Pool
	Write        sstable.WriteOptions
}

func (o Options) withDefaults() Options {
	if o.Now.IsZero() {
		o.Now = time.Now()
	}
	if o.Pool == nil {
		o.Pool = buf.NewPool()
	}
	return o
}

// Result summarizes one completed merge.
type Result struct {
	Output            *sstable.Table
	Entries           uint64
	FirstKeyHex       string
	LastKeyHex        string
	DroppedTombstones int
}

// Run performs a k-way merge of inputs' records by key, keeping only
// the highest Seq for each key (§4.8: "conflicts resolve by highest
// seq wins, same as the MemTable"). Tombstones are carried through
// unless opts.Bottommost is set, in which case a tombstone whose
// embedded deletion timestamp plus opts.TombstoneTTL has elapsed as of
// opts.Now is dropped instead of rewritten (§4.8 GC, §9 Open Question
// resolution: the deletion timestamp is an 8-byte millisecond value
// packed into the tombstone's value payload).
//
// Output is written to a temp file and renamed into place so a reader
// never observes a partially written SST at the final path.
func Run(inputs []*sstable.Table, opts Options) (*Result, error) {
	opts = opts.withDefaults()
	if len(inputs) == 0 {
		return nil, nil
	}

	iters := make([]*mergeSource, 0, len(inputs))
	defer func() {
		for _, s := range iters {
			s.it.Close()
		}
	}()
	for _, t := range inputs {
		it, err := t.NewIterator()
		if err != nil {
			return nil, err
		}
		src := &mergeSource{it: it}
		if err := src.advance(); err != nil {
			return nil, err
		}
		if src.has {
			iters = append(iters, src)
		}
	}

	h := &mergeHeap{}
	for _, s := range iters {
		heap.Push(h, s)
	}

	var (
		records   []sstable.InputRecord
		curKey    []byte
		best      *block.RecordView
		have      bool
		dropped   int
		firstKey  []byte
		lastKey   []byte
	)

	flushBest := func() {
		if !have {
			return
		}
		if best.Tombstone() && opts.Bottommost && tombstoneExpired(best.Value, opts.TombstoneTTL, opts.Now) {
			dropped++
		} else {
			if firstKey == nil {
				firstKey = append([]byte(nil), best.Key...)
			}
			lastKey = append([]byte(nil), best.Key...)
			records = append(records, sstable.InputRecord{
				Key:   append([]byte(nil), best.Key...),
				Value: append([]byte(nil), best.Value...),
				Seq:   best.Header.Seq,
				Flags: best.Header.Flags,
			})
		}
		have = false
	}

	for h.Len() > 0 {
		s := heap.Pop(h).(*mergeSource)
		rv := s.cur
		if !have || !bytes.Equal(rv.Key, curKey) {
			flushBest()
			curKey = append([]byte(nil), rv.Key...)
			best = rv
			have = true
		} else if rv.Header.Seq > best.Header.Seq {
			best = rv
		}

		if err := s.advance(); err != nil {
			return nil, err
		}
		if s.has {
			heap.Push(h, s)
		}
	}
	flushBest()

	finalName := sstable.FormatFilename(opts.OutputID)
	tmpPath := filepath.Join(opts.SSTDir, finalName+".tmp")
	outPath := filepath.Join(opts.SSTDir, finalName)

	if _, err := sstable.Write(tmpPath, records, opts.Pool, opts.Write); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("compaction: write output: %w", err)
	}
	if err := os.Rename(tmpPath, outPath); err != nil {
		return nil, fmt.Errorf("compaction: rename output: %w", err)
	}

	out, err := sstable.Open(outPath, opts.OutputID, false)
	if err != nil {
		return nil, fmt.Errorf("compaction: open output: %w", err)
	}

	return &Result{
		Output:            out,
		Entries:           uint64(len(records)),
		FirstKeyHex:       hex.EncodeToString(firstKey),
		LastKeyHex:        hex.EncodeToString(lastKey),
		DroppedTombstones: dropped,
	}, nil
}

// tombstoneExpired reports whether value (a tombstone's payload, per
// the deletion-timestamp encoding resolved in DESIGN.md) is older than
// ttl as measured from now. A payload too short to carry a timestamp
// is treated as not-yet-expired, so malformed input never silently
// drops data.
func tombstoneExpired(value []byte, ttl time.Duration, now time.Time) bool {
	if ttl <= 0 || len(value) < 8 {
		return false
	}
	millis := binary.LittleEndian.Uint64(value[:8])
	deletedAt := time.UnixMilli(int64(millis))
	return now.Sub(deletedAt) >= ttl
}

type mergeSource struct {
	it  *sstable.Iterator
	cur *block.RecordView
	has bool
}

func (s *mergeSource) advance() error {
	rv, err := s.it.Next()
	if err != nil {
		return err
	}
	s.cur = rv
	s.has = rv != nil
	return nil
}

type mergeHeap []*mergeSource

func (h mergeHeap) Len() int            { return len(h) }
func (h mergeHeap) Less(i, j int) bool  { return bytes.Compare(h[i].cur.Key, h[j].cur.Key) < 0 }
func (h mergeHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x interface{}) { *h = append(*h, x.(*mergeSource)) }
func (h *mergeHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
