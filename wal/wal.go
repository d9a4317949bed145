package wal

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Log owns segment rotation, checkpointing, and pruning across a
// sequence of Writer-backed segment files sharing one prefix.
type Log struct {
	mu      sync.Mutex
	dir     string
	prefix  string
	opts    Options
	cur     *Writer
	curIdx  uint64
	lastCheckpointSeg uint64
}

// Open opens (creating if necessary) the WAL directory and begins
// appending to the highest-indexed existing segment, or segment 1 if
// none exist.
func Open(dir, prefix string, opts Options) (*Log, error) {
	opts = opts.withDefaults()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	idx, err := highestSegmentIndex(dir, prefix)
	if err != nil {
		return nil, err
	}
	if idx == 0 {
		idx = 1
	}
	w, err := OpenWriter(SegmentPath(dir, prefix, idx), opts)
	if err != nil {
		return nil, err
	}
	return &Log{dir: dir, prefix: prefix, opts: opts, cur: w, curIdx: idx}, nil
}

func highestSegmentIndex(dir, prefix string) (uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	var maxIdx uint64
	for _, e := range entries {
		idx, ok := parseSegmentIndex(e.Name(), prefix)
		if ok && idx > maxIdx {
			maxIdx = idx
		}
	}
	return maxIdx, nil
}

func parseSegmentIndex(name, prefix string) (uint64, bool) {
	if !strings.HasPrefix(name, prefix+"_") || !strings.HasSuffix(name, ".log") {
		return 0, false
	}
	mid := strings.TrimSuffix(strings.TrimPrefix(name, prefix+"_"), ".log")
	idx, err := strconv.ParseUint(mid, 10, 64)
	if err != nil {
		return 0, false
	}
	return idx, true
}

// Append durably appends an Add or Delete record.
func (l *Log) Append(kind Kind, seq uint64, key, value []byte) error {
	l.mu.Lock()
	w := l.cur
	l.mu.Unlock()
	return w.Append(kind, seq, key, value)
}

// SealSegment writes a SEAL record to the current segment, fsyncs,
// closes it, and rotates to a new segment with a monotonically
// increasing index.
func (l *Log) SealSegment() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.cur.Seal(); err != nil {
		return err
	}
	if err := l.cur.Close(); err != nil {
		return err
	}
	nextIdx := l.curIdx + 1
	w, err := OpenWriter(SegmentPath(l.dir, l.prefix, nextIdx), l.opts)
	if err != nil {
		return err
	}
	l.cur = w
	l.curIdx = nextIdx
	l.opts.Logger.Info("wal segment rotated", zap.Uint64("segment", nextIdx))
	return nil
}

// Checkpoint writes a CHECKPOINT record to the current segment and
// records the current segment as the pruning boundary: segments with a
// strictly lower index become obsolete once they are durably
// superseded by this checkpoint.
func (l *Log) Checkpoint(stripesWritten, lastSeq uint64) error {
	l.mu.Lock()
	w := l.cur
	idx := l.curIdx
	l.mu.Unlock()

	if err := w.Checkpoint(Checkpoint{StripesWritten: stripesWritten, LastSeq: lastSeq}); err != nil {
		return err
	}

	l.mu.Lock()
	l.lastCheckpointSeg = idx
	l.mu.Unlock()
	return nil
}

// PruneObsoleteSegments deletes every segment file with an index
// strictly less than the last checkpointed segment (§4.4).
func (l *Log) PruneObsoleteSegments() error {
	l.mu.Lock()
	boundary := l.lastCheckpointSeg
	l.mu.Unlock()
	if boundary == 0 {
		return nil
	}

	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		idx, ok := parseSegmentIndex(e.Name(), l.prefix)
		if !ok || idx >= boundary {
			continue
		}
		if err := os.Remove(filepath.Join(l.dir, e.Name())); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("wal: prune %s: %w", e.Name(), err)
		}
	}
	return nil
}

// Close flushes and closes the current segment.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cur.Close()
}

// ReplayAll replays every segment for prefix under dir, in ascending
// index order, applying ADD/DELETE records via apply. It returns the
// highest seq observed and the most recent checkpoint seen across all
// segments (nil if none). A corrupt complete frame aborts replay
// (§7 WalCorrupt: fatal at open); a truncated tail in any one segment
// is discarded silently and replay continues with the next segment —
// a crash truncates only the currently-open segment, never an earlier
// sealed one.
func ReplayAll(dir, prefix string, apply ApplyFunc) (maxSeq uint64, lastCheckpoint *Checkpoint, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil, nil
		}
		return 0, nil, err
	}
	var indices []uint64
	for _, e := range entries {
		if idx, ok := parseSegmentIndex(e.Name(), prefix); ok {
			indices = append(indices, idx)
		}
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })

	for _, idx := range indices {
		path := SegmentPath(dir, prefix, idx)
		res, rerr := ReplaySegment(path, apply)
		if rerr != nil {
			return maxSeq, lastCheckpoint, fmt.Errorf("wal: replay %s: %w", path, rerr)
		}
		if res.MaxSeq > maxSeq {
			maxSeq = res.MaxSeq
		}
		if res.LastCheckpoint != nil {
			lastCheckpoint = res.LastCheckpoint
		}
	}
	return maxSeq, lastCheckpoint, nil
}

// CurrentSegmentIndex returns the index of the segment currently being
// appended to.
func (l *Log) CurrentSegmentIndex() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.curIdx
}
