package engine

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/akdb-project/akdb/block"
	"github.com/akdb-project/akdb/buf"
	"github.com/akdb-project/akdb/manifest"
	"github.com/akdb-project/akdb/memtable"
	"github.com/akdb-project/akdb/sstable"
	"github.com/akdb-project/akdb/stripe"
	"github.com/akdb-project/akdb/wal"
)

// ErrClosed is returned by every Engine method once Close has run.
var ErrClosed = errors.New("engine: closed")

// ErrEmptyKey is returned by Put/Delete/CompareAndSwap for a nil or
// zero-length key.
var ErrEmptyKey = errors.New("engine: empty key")

const (
	walDirName      = "wal"
	walPrefix       = "wal"
	stripeDirName   = "stripe"
	sstDirName      = "sstables"
	manifestDirName = "manifest"
)

// Engine is the embedded, single-node, ordered key-value store tying
// together the MemTable, WAL, stripe writer, SST files, the leveled
// compactor, and the manifest event log into one recoverable unit.
// A single mutex serializes mutation and level-table bookkeeping, the
// same coarse-grained shape the original DB type used, even though the
// MemTable itself is safe for concurrent access; Get takes the mutex
// too since it walks the level table list.
type Engine struct {
	mu   sync.Mutex
	opts Options

	dir       string
	sstDir    string
	logger    *zap.Logger
	mem       *memtable.MemTable
	wlog      *wal.Log
	mfst      *manifest.Manifest
	sw        *stripe.Writer
	pool      *buf.Pool
	nextSSTID uint64

	levels map[int][]*sstable.Handle

	flushCond    *sync.Cond
	tasksDone    uint64
	closed       bool
	closeCh      chan struct{}
	wg           sync.WaitGroup
	compactSig   chan struct{}
}

// Open recovers an Engine rooted at opts.Dir: it folds the manifest to
// learn the live SST set and any interrupted compaction, opens each
// live SST as a refcounted Handle, recovers the stripe lanes, replays
// every WAL segment still on disk into a fresh MemTable, and starts the
// background flush and compaction workers.
func Open(opts Options) (*Engine, error) {
	opts = opts.withDefaults()

	dirs := []string{
		opts.Dir,
		filepath.Join(opts.Dir, walDirName),
		filepath.Join(opts.Dir, stripeDirName),
		filepath.Join(opts.Dir, sstDirName),
		filepath.Join(opts.Dir, manifestDirName),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("engine: mkdir %s: %w", d, err)
		}
	}

	mfst, st, err := manifest.Open(filepath.Join(opts.Dir, manifestDirName), manifest.Options{Logger: opts.Logger})
	if err != nil {
		return nil, fmt.Errorf("engine: open manifest: %w", err)
	}

	sstDir := filepath.Join(opts.Dir, sstDirName)
	levels, maxID, err := openLiveTables(sstDir, st, mfst, opts.Logger)
	if err != nil {
		mfst.Close()
		return nil, err
	}

	stripeRecovery, err := stripe.Recover(filepath.Join(opts.Dir, stripeDirName), opts.Stripe)
	if err != nil {
		mfst.Close()
		return nil, fmt.Errorf("engine: stripe recover: %w", err)
	}

	mem := memtable.New(opts.MemTable, 0)
	applyWAL := func(kind wal.Kind, seq uint64, key, value []byte) error {
		flags := uint8(0)
		if kind == wal.KindDelete {
			flags = block.FlagTombstone
		}
		mem.Put(memtable.Record{Key: key, Value: value, Seq: seq, Flags: flags})
		return nil
	}
	walDir := filepath.Join(opts.Dir, walDirName)
	maxSeq, _, err := wal.ReplayAll(walDir, walPrefix, applyWAL)
	if err != nil {
		mfst.Close()
		return nil, fmt.Errorf("engine: wal replay: %w", err)
	}
	mem.ObserveSeq(maxSeq)
	mem.ObserveSeq(st.LastSeq)

	wlog, err := wal.Open(walDir, walPrefix, opts.WAL)
	if err != nil {
		mfst.Close()
		return nil, fmt.Errorf("engine: open wal: %w", err)
	}

	var sw *stripe.Writer
	if opts.UseStripeForWrite {
		sw, err = stripe.OpenWriter(filepath.Join(opts.Dir, stripeDirName), stripeRecovery.NextIndex, opts.Stripe)
		if err != nil {
			wlog.Close()
			mfst.Close()
			return nil, fmt.Errorf("engine: open stripe writer: %w", err)
		}
	}

	e := &Engine{
		opts:       opts,
		dir:        opts.Dir,
		sstDir:     sstDir,
		logger:     opts.Logger,
		mem:        mem,
		wlog:       wlog,
		mfst:       mfst,
		sw:         sw,
		pool:       buf.NewPool(),
		nextSSTID:  maxID + 1,
		levels:     levels,
		closeCh:    make(chan struct{}),
		compactSig: make(chan struct{}, 1),
	}
	e.flushCond = sync.NewCond(&sync.Mutex{})

	e.wg.Add(2)
	go e.flushLoop()
	go e.compactLoop()

	return e, nil
}

// openLiveTables opens every SST named in st.LiveSSTs as a refcounted
// Handle and returns the per-level slice (in seal order) plus the
// highest numeric file id seen, so the engine can keep allocating
// strictly increasing ids after a restart.
func openLiveTables(sstDir string, st manifest.State, mfst *manifest.Manifest, logger *zap.Logger) (map[int][]*sstable.Handle, uint64, error) {
	levels := make(map[int][]*sstable.Handle)
	var maxID uint64
	for level, entries := range st.LiveSSTs {
		handles := make([]*sstable.Handle, 0, len(entries))
		for _, e := range entries {
			id, ok := parseSSTID(e.File)
			if !ok {
				return nil, 0, fmt.Errorf("engine: unparseable sst filename %q", e.File)
			}
			if id > maxID {
				maxID = id
			}
			tbl, err := sstable.Open(filepath.Join(sstDir, e.File), id, false)
			if err != nil {
				return nil, 0, fmt.Errorf("engine: open sst %s: %w", e.File, err)
			}
			handles = append(handles, sstable.NewHandle(tbl, buildOnZero(mfst, logger, sstDir, level, e.File)))
		}
		levels[level] = handles
	}
	for _, inputs := range st.PendingCompactions {
		for _, f := range inputs {
			if id, ok := parseSSTID(f); ok && id > maxID {
				maxID = id
			}
		}
	}
	return levels, maxID, nil
}

// parseSSTID extracts the numeric sequence prefix from an SST filename
// (e.g. "000042-a1b2c3d4.sst" or the bare "000042.sst" some tools still
// emit), ignoring the collision-avoidance suffix FormatFilename adds.
func parseSSTID(name string) (uint64, bool) {
	base := strings.TrimSuffix(filepath.Base(name), ".sst")
	if i := strings.IndexByte(base, '-'); i >= 0 {
		base = base[:i]
	}
	id, err := strconv.ParseUint(base, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// Put installs value for key, durable in the WAL before Put returns.
func (e *Engine) Put(key, value []byte) (uint64, error) {
	if len(key) == 0 {
		return 0, ErrEmptyKey
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0, ErrClosed
	}

	seq := e.mem.NextSeq()
	if err := e.wlog.Append(wal.KindAdd, seq, key, value); err != nil {
		return 0, err
	}
	e.mem.Put(memtable.Record{Key: key, Value: value, Seq: seq})
	return seq, nil
}

// Delete marks key as removed. The tombstone's value payload carries
// an 8-byte little-endian deletion timestamp in Unix milliseconds, the
// clock the bottom-level compactor reads to garbage-collect the
// tombstone once TombstoneTTL has elapsed.
func (e *Engine) Delete(key []byte) (uint64, error) {
	if len(key) == 0 {
		return 0, ErrEmptyKey
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0, ErrClosed
	}

	seq := e.mem.NextSeq()
	val := tombstoneValue(time.Now())
	if err := e.wlog.Append(wal.KindDelete, seq, key, nil); err != nil {
		return 0, err
	}
	e.mem.Put(memtable.Record{Key: key, Value: val, Seq: seq, Flags: block.FlagTombstone})
	return seq, nil
}

func tombstoneValue(t time.Time) []byte {
	var v [8]byte
	binary.LittleEndian.PutUint64(v[:], uint64(t.UnixMilli()))
	return v[:]
}

// Get returns the current value for key, searching the MemTable then
// the SST levels from L0 (newest first) down to the deepest level.
func (e *Engine) Get(key []byte) ([]byte, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, false, ErrClosed
	}

	if rec, ok := e.mem.Get(key); ok {
		if rec.Flags&block.FlagTombstone != 0 {
			return nil, false, nil
		}
		return rec.Value, true, nil
	}

	var maxLevel int
	for lvl := range e.levels {
		if lvl > maxLevel {
			maxLevel = lvl
		}
	}
	for lvl := 0; lvl <= maxLevel; lvl++ {
		handles := e.levels[lvl]
		for i := len(handles) - 1; i >= 0; i-- {
			h := handles[i]
			tbl := h.Acquire()
			rv, err := tbl.Get(key)
			h.Release()
			if err != nil {
				return nil, false, err
			}
			if rv == nil {
				continue
			}
			if rv.Tombstone() {
				return nil, false, nil
			}
			return rv.Value, true, nil
		}
	}
	return nil, false, nil
}

// CompareAndSwap succeeds iff the seq of the newest MemTable record for
// key (a tombstone counts as a record) equals expectedSeq, 0 meaning
// the MemTable holds no record for key. SST files are not consulted, so
// a key that lives only in an SST counts as absent. On success it
// installs newValue (nil for a delete) at a freshly allocated seq. If opts.DurableCAS is set the
// new value is also appended to the WAL so it survives a crash even
// without a later Put; otherwise the swap is MemTable-only until the
// next flush, matching a plain in-memory compare-and-swap's usual
// durability contract.
func (e *Engine) CompareAndSwap(key []byte, expectedSeq uint64, newValue []byte) (uint64, bool, error) {
	if len(key) == 0 {
		return 0, false, ErrEmptyKey
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0, false, ErrClosed
	}

	cur, exists := e.mem.Get(key)
	curSeq := uint64(0)
	if exists {
		curSeq = cur.Seq
	}
	if curSeq != expectedSeq {
		return 0, false, nil
	}

	if e.opts.DurableCAS {
		if newValue == nil {
			if err := e.wlog.Append(wal.KindDelete, e.mem.CurrentSeq()+1, key, nil); err != nil {
				return 0, false, err
			}
		} else {
			if err := e.wlog.Append(wal.KindAdd, e.mem.CurrentSeq()+1, key, newValue); err != nil {
				return 0, false, err
			}
		}
	}

	seq, ok := e.mem.CompareAndSwap(key, expectedSeq, newValue)
	return seq, ok, nil
}

// Range invokes fn for every live (non-tombstone) record in
// [start, endExclusive) in ascending key order, merging the MemTable
// with every SST level. endExclusive == nil means unbounded.
func (e *Engine) Range(start, endExclusive []byte, fn func(key, value []byte) bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}

	type cand struct {
		key   []byte
		value []byte
		seq   uint64
		tomb  bool
	}
	var all []cand

	e.mem.RangeIter(start, endExclusive, func(r memtable.Record) bool {
		all = append(all, cand{key: r.Key, value: r.Value, seq: r.Seq, tomb: r.Flags&block.FlagTombstone != 0})
		return true
	})

	var levelKeys []int
	for lvl := range e.levels {
		levelKeys = append(levelKeys, lvl)
	}
	sort.Ints(levelKeys)
	for _, lvl := range levelKeys {
		for _, h := range e.levels[lvl] {
			tbl := h.Acquire()
			err := tbl.RangeIter(start, endExclusive, func(rv *block.RecordView) bool {
				all = append(all, cand{key: rv.Key, value: rv.Value, seq: rv.Header.Seq, tomb: rv.Tombstone()})
				return true
			})
			h.Release()
			if err != nil {
				return err
			}
		}
	}

	sort.Slice(all, func(i, j int) bool {
		c := bytes.Compare(all[i].key, all[j].key)
		if c != 0 {
			return c < 0
		}
		return all[i].seq > all[j].seq
	})

	var lastKey []byte
	haveLast := false
	for _, c := range all {
		if haveLast && bytes.Equal(c.key, lastKey) {
			continue
		}
		lastKey = c.key
		haveLast = true
		if c.tomb {
			continue
		}
		if !fn(c.key, c.value) {
			return nil
		}
	}
	return nil
}

// Flush forces every non-empty MemTable shard to seal and blocks until
// the background flush worker has turned each one into a durable SST
// (and manifest SstSeal event).
func (e *Engine) Flush() error {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return e.forceFlush()
}

// forceFlush runs the seal-and-wait sequence regardless of e.closed,
// so Close can drain outstanding data after it has already flipped
// the closed flag to reject new writers.
func (e *Engine) forceFlush() error {
	e.mu.Lock()
	before := e.mem.TasksEnqueued()
	n := e.mem.FlushHint()
	e.mu.Unlock()
	if n == 0 {
		return nil
	}
	target := before + uint64(n)

	e.flushCond.L.Lock()
	for e.tasksDone < target {
		e.flushCond.Wait()
	}
	e.flushCond.L.Unlock()
	return nil
}

// Stats reports a coarse point-in-time snapshot of engine state.
type Stats struct {
	MemBytesActive int
	LiveSSTCount   int
	LastSeq        uint64
}

// Stats returns a snapshot of the engine's current size.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, hs := range e.levels {
		n += len(hs)
	}
	return Stats{
		MemBytesActive: e.mem.BytesActive(),
		LiveSSTCount:   n,
		LastSeq:        e.mem.CurrentSeq(),
	}
}

// LastSeq returns the highest sequence number allocated so far.
func (e *Engine) LastSeq() uint64 {
	return e.mem.CurrentSeq()
}

// Close flushes outstanding data, stops the background workers, and
// closes the WAL, stripe writer, and manifest.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	if err := e.forceFlush(); err != nil {
		e.logger.Warn("engine: flush on close failed", zap.Error(err))
	}

	close(e.closeCh)
	e.wg.Wait()

	var firstErr error
	if err := e.wlog.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if e.sw != nil {
		if err := e.sw.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := e.mfst.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
