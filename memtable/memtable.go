// Package memtable implements the sharded, sequence-versioned,
// multi-writer sorted map described in §4.3 (C3) of the storage engine
// design: the MemTable. Keys are ordered by unsigned-lex byte
// comparison; the record with the highest seq for a key wins.
package memtable

import (
	"bytes"
	"math/rand"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/akdb-project/akdb/block"
)

// FlushTask is a sealed, flush-ready snapshot of one shard's former
// active map: a sorted list of Records in unsigned-lex key order, one
// entry per key, each carrying its original seq (§4.3 flush output
// contract). The engine's background flusher consumes these in order
// to preserve per-key ordering across snapshots.
type FlushTask struct {
	ShardIndex int
	Records    []Record
}

type shard struct {
	mu          sync.RWMutex
	active      *skipList
	immutables  []*skipList
	bytesActive int
}

// Options configures shard count and the per-shard flush threshold.
type Options struct {
	// ShardCount overrides the default shard count (min(8, max(2,
	// NumCPU))) when non-zero.
	ShardCount int
	// ThresholdPerShard is the byte-accounted size at which a shard's
	// active map is sealed and a flush task is enqueued. Zero disables
	// automatic flush triggering (callers still drive FlushHint
	// manually, e.g. on engine.Flush()).
	ThresholdPerShard int
}

// MemTable is the sharded, concurrent, multi-versioned write buffer.
type MemTable struct {
	shards        []*shard
	seq           atomic.Uint64
	opts          Options
	flushCh       chan FlushTask
	rnd           *rand.Rand
	tasksEnqueued atomic.Uint64
}

func defaultShardCount() int {
	n := runtime.NumCPU()
	if n < 2 {
		n = 2
	}
	if n > 8 {
		n = 8
	}
	return n
}

// New constructs a MemTable. initialSeq seeds the global sequence
// counter (used on recovery to continue from the last durable seq).
func New(opts Options, initialSeq uint64) *MemTable {
	shardCount := opts.ShardCount
	if shardCount <= 0 {
		shardCount = defaultShardCount()
	}
	m := &MemTable{
		opts:    opts,
		shards:  make([]*shard, shardCount),
		flushCh: make(chan FlushTask, shardCount*4),
		rnd:     rand.New(rand.NewSource(0x9e3779b97f4a7c15)),
	}
	for i := range m.shards {
		m.shards[i] = &shard{active: newSkipList(m.rnd)}
	}
	m.seq.Store(initialSeq)
	return m
}

// NextSeq atomically allocates and returns the next global sequence
// number. Lock-free, as required by §5.
func (m *MemTable) NextSeq() uint64 {
	return m.seq.Add(1)
}

// CurrentSeq returns the last sequence number handed out, without
// allocating a new one.
func (m *MemTable) CurrentSeq() uint64 {
	return m.seq.Load()
}

// ObserveSeq advances the global counter to at least seq, used during
// WAL replay and SST-footer scanning to resume numbering past the
// highest seq already persisted.
func (m *MemTable) ObserveSeq(seq uint64) {
	for {
		cur := m.seq.Load()
		if seq <= cur {
			return
		}
		if m.seq.CompareAndSwap(cur, seq) {
			return
		}
	}
}

func (m *MemTable) shardFor(keyHash32 uint32) *shard {
	return m.shards[int(keyHash32)%len(m.shards)]
}

// keyHash32 is a plain FNV-1a over the key, used only for shard
// placement. It is deliberately independent of buf.SipHash64 (used for
// on-disk keyFP64/Bloom purposes) so shard balance never depends on the
// engine's fixed SipHash seed.
func keyHash32(key []byte) uint32 {
	var h uint32 = 2166136261
	for _, b := range key {
		h ^= uint32(b)
		h *= 16777619
	}
	return h
}

// Put installs rec if rec.Seq is greater than any record currently held
// for rec.Key in the active map. Ties are impossible for callers using
// NextSeq.
func (m *MemTable) Put(rec Record) {
	if rec.KeyHash32 == 0 {
		rec.KeyHash32 = keyHash32(rec.Key)
	}
	rec.Key = cloneBytes(rec.Key)
	rec.Value = cloneBytes(rec.Value)
	if rec.ApproxBytes == 0 {
		rec.ApproxBytes = approxRecordBytes(rec.Key, rec.Value)
	}

	sh := m.shardFor(rec.KeyHash32)
	sh.mu.Lock()
	cur, ok := sh.active.Get(rec.Key)
	if !ok || rec.Seq > cur.Seq {
		if ok {
			sh.bytesActive -= cur.ApproxBytes
		}
		sh.active.Put(rec)
		sh.bytesActive += rec.ApproxBytes
	}
	sh.mu.Unlock()

	m.flushHintShard(sh)
}

// Get returns the most recent record for key, searching the active map
// then immutables newest-first.
func (m *MemTable) Get(key []byte) (Record, bool) {
	sh := m.shardFor(keyHash32(key))
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	if rec, ok := sh.active.Get(key); ok {
		return rec, true
	}
	for i := len(sh.immutables) - 1; i >= 0; i-- {
		if rec, ok := sh.immutables[i].Get(key); ok {
			return rec, true
		}
	}
	return Record{}, false
}

// CompareAndSwap succeeds iff the current record for key has exactly
// expectedSeq (or expectedSeq == 0 and no record currently exists for
// key). On success it installs a new record at NextSeq(): a tombstone
// if newValue is nil, otherwise an Add of newValue. It returns the new
// seq and true on success.
func (m *MemTable) CompareAndSwap(key []byte, expectedSeq uint64, newValue []byte) (seq uint64, ok bool) {
	h := keyHash32(key)
	sh := m.shardFor(h)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	cur, inActive := sh.active.Get(key)
	exists := inActive
	for i := len(sh.immutables) - 1; !exists && i >= 0; i-- {
		cur, exists = sh.immutables[i].Get(key)
	}
	if exists {
		if cur.Seq != expectedSeq {
			return 0, false
		}
	} else if expectedSeq != 0 {
		return 0, false
	}

	newSeq := m.NextSeq()
	var flags uint8
	var val []byte
	if newValue == nil {
		flags = block.FlagTombstone
	} else {
		val = cloneBytes(newValue)
	}
	rec := Record{
		Key:       cloneBytes(key),
		Value:     val,
		Seq:       newSeq,
		Flags:     flags,
		KeyHash32: h,
	}
	rec.ApproxBytes = approxRecordBytes(rec.Key, rec.Value)

	if inActive {
		sh.bytesActive -= cur.ApproxBytes
	}
	sh.active.Put(rec)
	sh.bytesActive += rec.ApproxBytes

	return newSeq, true
}

// flushHintShard seals sh's active map into immutables and enqueues a
// FlushTask if the byte threshold is met.
func (m *MemTable) flushHintShard(sh *shard) {
	if m.opts.ThresholdPerShard <= 0 {
		return
	}
	sh.mu.Lock()
	if sh.bytesActive < m.opts.ThresholdPerShard {
		sh.mu.Unlock()
		return
	}
	sealed := sh.active
	sh.active = newSkipList(m.rnd)
	sh.immutables = append(sh.immutables, sealed)
	sh.bytesActive = 0
	idx := m.indexOf(sh)
	sh.mu.Unlock()

	m.flushCh <- FlushTask{ShardIndex: idx, Records: snapshot(sealed)}
	m.tasksEnqueued.Add(1)
}

func snapshot(sl *skipList) []Record {
	out := make([]Record, 0, sl.Len())
	sl.ForEach(func(r Record) bool {
		out = append(out, r)
		return true
	})
	return out
}

func (m *MemTable) indexOf(sh *shard) int {
	for i, s := range m.shards {
		if s == sh {
			return i
		}
	}
	return -1
}

// FlushHint forces a check-and-seal across every non-empty shard
// regardless of the configured byte threshold, used by engine.Flush().
// It returns the number of FlushTasks enqueued, so a caller can wait for
// exactly that many to be processed.
func (m *MemTable) FlushHint() int {
	n := 0
	for _, sh := range m.shards {
		sh.mu.Lock()
		if sh.active.Len() == 0 {
			sh.mu.Unlock()
			continue
		}
		sealed := sh.active
		sh.active = newSkipList(m.rnd)
		sh.immutables = append(sh.immutables, sealed)
		sh.bytesActive = 0
		idx := m.indexOf(sh)
		sh.mu.Unlock()

		m.flushCh <- FlushTask{ShardIndex: idx, Records: snapshot(sealed)}
		m.tasksEnqueued.Add(1)
		n++
	}
	return n
}

// FlushTasks returns the channel the engine's single background flush
// worker drains, in the order shards were sealed.
func (m *MemTable) FlushTasks() <-chan FlushTask { return m.flushCh }

// TasksEnqueued returns the cumulative count of FlushTasks ever pushed
// onto the flush channel, from both automatic threshold triggers and
// forced FlushHint calls. Engine.Flush uses this to know how many of
// its own forced tasks the background worker still needs to drain.
func (m *MemTable) TasksEnqueued() uint64 { return m.tasksEnqueued.Load() }

// AckFlush drops the oldest immutable for shardIdx once its contents
// are durably persisted to an SST/stripe, freeing memory.
func (m *MemTable) AckFlush(shardIdx int) {
	sh := m.shards[shardIdx]
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if len(sh.immutables) > 0 {
		sh.immutables = sh.immutables[1:]
	}
}

// BytesActive returns the total byte-accounted size of every shard's
// active map, for Engine.Stats().
func (m *MemTable) BytesActive() int {
	total := 0
	for _, sh := range m.shards {
		sh.mu.RLock()
		total += sh.bytesActive
		sh.mu.RUnlock()
	}
	return total
}

// RangeIter invokes fn for every record across all shards (active and
// immutable) whose key lies in [start, endExclusive), in ascending key
// order with each key's versions ordered highest-seq-first. The caller
// (engine.Range) performs the external merge against SST iterators and
// dedupe/tombstone filtering; this just supplies the raw candidates.
func (m *MemTable) RangeIter(start, endExclusive []byte, fn func(Record) bool) {
	var all []Record
	for _, sh := range m.shards {
		sh.mu.RLock()
		sh.active.Range(start, endExclusive, func(r Record) bool {
			all = append(all, r)
			return true
		})
		for _, imm := range sh.immutables {
			imm.Range(start, endExclusive, func(r Record) bool {
				all = append(all, r)
				return true
			})
		}
		sh.mu.RUnlock()
	}
	sort.Slice(all, func(i, j int) bool {
		c := bytes.Compare(all[i].Key, all[j].Key)
		if c != 0 {
			return c < 0
		}
		return all[i].Seq > all[j].Seq
	})
	for _, r := range all {
		if !fn(r) {
			return
		}
	}
}
