package manifest

import (
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Options configures group-commit thresholds for the manifest writer,
// mirroring wal.Options (§4.7: "group-committed like the WAL").
type Options struct {
	GroupN      int
	GroupMicros int
	Logger      *zap.Logger

	// RotateBytes is the file-size threshold past which the owning
	// Manifest rotates to a fresh file. Zero or a negative value selects
	// the 64 MiB default; size-based rotation cannot be turned off.
	RotateBytes int64
}

func (o Options) withDefaults() Options {
	if o.GroupN <= 0 {
		o.GroupN = 32
	}
	if o.GroupMicros <= 0 {
		o.GroupMicros = 1000
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.RotateBytes <= 0 {
		o.RotateBytes = 64 << 20
	}
	return o
}

type pendingEvent struct {
	frame []byte
	done  chan error
}

// writer is the single-writer, group-committing appender for one
// manifest file. It has no notion of rotation; Manifest (manifest.go)
// owns swapping writers across files.
type writer struct {
	opts Options
	f    *os.File
	path string
	size int64

	evCh    chan pendingEvent
	closeCh chan struct{}
	wg      sync.WaitGroup
}

func openWriter(path string, opts Options) (*writer, error) {
	opts = opts.withDefaults()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("manifest: open %s: %w", path, err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	w := &writer{
		opts:    opts,
		f:       f,
		path:    path,
		size:    st.Size(),
		evCh:    make(chan pendingEvent, opts.GroupN*4),
		closeCh: make(chan struct{}),
	}
	w.wg.Add(1)
	go w.loop()
	return w, nil
}

// append enqueues ev and blocks until the batch containing it has been
// durably written.
func (w *writer) append(ev Event) error {
	done := make(chan error, 1)
	select {
	case w.evCh <- pendingEvent{frame: frameFor(ev), done: done}:
		return <-done
	case <-w.closeCh:
		return ErrClosed
	}
}

func (w *writer) loop() {
	defer w.wg.Done()
	timer := time.NewTimer(time.Duration(w.opts.GroupMicros) * time.Microsecond)
	defer timer.Stop()

	var batch []pendingEvent
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
		case op := <-w.evCh:
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
				case op := <-w.evCh:
					batch = append(batch, op)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (w *writer) writeBatch(batch []pendingEvent) error {
	total := 0
	for _, op := range batch {
		total += len(op.frame)
	}
	out := make([]byte, 0, total)
	for _, op := range batch {
		out = append(out, op.frame...)
	}
	if _, err := w.f.Write(out); err != nil {
		return fmt.Errorf("manifest: write: %w", err)
	}
	if err := w.f.Sync(); err != nil {
		return fmt.Errorf("manifest: sync: %w", err)
	}
	w.size += int64(len(out))
	w.opts.Logger.Debug("manifest group commit", zap.Int("events", len(batch)), zap.Int("bytes", len(out)))
	return nil
}

func (w *writer) sizeNow() int64 {
	return w.size
}

func (w *writer) close() error {
	close(w.closeCh)
	w.wg.Wait()
	return w.f.Close()
}
