package wal

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Options configures group-commit thresholds and sync mode (§6
// walGroupN, walGroupMicros, walFastMode).
type Options struct {
	GroupN      int
	GroupMicros int
	FastMode    bool
	Logger      *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.GroupN <= 0 {
		o.GroupN = 64
	}
	if o.GroupMicros <= 0 {
		o.GroupMicros = 500
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

type pendingOp struct {
	frame []byte
	done  chan error
}

// Writer is the single-writer, group-committing WAL appender for one
// segment file. Callers do not interact with segment rotation directly
// through Writer; Log (wal.go) owns rotation across Writer instances.
type Writer struct {
	opts Options
	f    *os.File
	path string

	opCh    chan pendingOp
	closeCh chan struct{}
	wg      sync.WaitGroup
}

// OpenWriter creates or appends to the segment file at path and starts
// its batching goroutine.
func OpenWriter(path string, opts Options) (*Writer, error) {
	opts = opts.withDefaults()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("wal: open segment %s: %w", path, err)
	}
	w := &Writer{
		opts:    opts,
		f:       f,
		path:    path,
		opCh:    make(chan pendingOp, opts.GroupN*4),
		closeCh: make(chan struct{}),
	}
	w.wg.Add(1)
	go w.loop()
	return w, nil
}

// Append encodes and frames an Add/Delete record, enqueues it onto the
// batcher, and blocks until the batch containing it has been durably
// written (§4.4 durability contract): the caller does not observe
// success until WAL bytes are durable.
func (w *Writer) Append(kind Kind, seq uint64, key, value []byte) error {
	payload := encodeAddDelete(kind, seq, key, value)
	return w.enqueue(frameFor(payload))
}

// Seal writes a SEAL control record and fsyncs, marking this segment
// as cleanly closed for rotation.
func (w *Writer) Seal() error {
	return w.enqueue(frameFor(encodeSeal()))
}

// Checkpoint writes a CHECKPOINT control record and fsyncs.
func (w *Writer) Checkpoint(cp Checkpoint) error {
	return w.enqueue(frameFor(encodeCheckpoint(cp)))
}

func (w *Writer) enqueue(frame []byte) error {
	select {
	case <-w.closeCh:
		return ErrClosed
	default:
	}
	done := make(chan error, 1)
	select {
	case w.opCh <- pendingOp{frame: frame, done: done}:
		// The batcher drains opCh fully before it exits, so an op sent
		// before that final drain is completed on done.
		return <-done
	case <-w.closeCh:
		return ErrClosed
	}
}

func (w *Writer) loop() {
	defer w.wg.Done()
	timer := time.NewTimer(time.Duration(w.opts.GroupMicros) * time.Microsecond)
	defer timer.Stop()

	var batch []pendingOp
	flush := func() {
		if len(batch) == 0 {
			return
		}
		err := w.writeBatch(batch)
		for _, op := range batch {
			op.done <- err
		}
		batch = batch[:0]
	}

	for {
		select {
		case op := <-w.opCh:
			batch = append(batch, op)
			if len(batch) >= w.opts.GroupN {
				flush()
			}
		case <-timer.C:
			flush()
			timer.Reset(time.Duration(w.opts.GroupMicros) * time.Microsecond)
		case <-w.closeCh:
			for {
				select {
				case op := <-w.opCh:
					batch = append(batch, op)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (w *Writer) writeBatch(batch []pendingOp) error {
	total := 0
	for _, op := range batch {
		total += len(op.frame)
	}
	buf := make([]byte, 0, total)
	for _, op := range batch {
		buf = append(buf, op.frame...)
	}
	if _, err := w.f.Write(buf); err != nil {
		return fmt.Errorf("wal: write: %w", err)
	}
	// Options.FastMode is not read: every batch, in either mode, ends
	// with one Sync (a full fsync), as recorded in DESIGN.md.
	if err := w.f.Sync(); err != nil {
		return fmt.Errorf("wal: sync: %w", err)
	}
	w.opts.Logger.Debug("wal group commit", zap.Int("entries", len(batch)), zap.Int("bytes", len(buf)))
	return nil
}

// Close flushes any pending batch and closes the segment file.
func (w *Writer) Close() error {
	close(w.closeCh)
	w.wg.Wait()
	return w.f.Close()
}

// SegmentName formats the deterministic WAL filename for prefix/index
// (§6: "{prefix}_{000001}.log").
func SegmentName(prefix string, index uint64) string {
	return fmt.Sprintf("%s_%06d.log", prefix, index)
}

// SegmentPath joins dir and the formatted segment name.
func SegmentPath(dir, prefix string, index uint64) string {
	return filepath.Join(dir, SegmentName(prefix, index))
}
