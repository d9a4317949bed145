package stripe

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/akdb-project/akdb/block"
)

// Options configures lane geometry, the parity scheme, and the
// group-commit flush policy (§4.5 Flush policy: {maxBlocks, maxMicros}).
type Options struct {
	K, M      int
	Mode      Mode
	MaxBlocks int
	MaxMicros int
	Logger    *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.MaxBlocks <= 0 {
		o.MaxBlocks = 32
	}
	if o.MaxMicros <= 0 {
		o.MaxMicros = 2000
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

func dataLaneName(i int) string   { return fmt.Sprintf("data_%d.akd", i) }
func parityLaneName(i int) string { return fmt.Sprintf("parity_%d.akp", i) }

type sealedStripe struct {
	index   uint64
	data    [][]byte
	parity  [][]byte
	waiters []chan error
}

type waiter struct {
	index uint64
	ch    chan error
}

// Writer appends stripe-aligned blocks across k data lanes and m
// parity lanes, group-committing fsyncs across a background worker
// (§4.5 writer state machine: EMPTY -> FILLING -> SEALING -> DURABLE).
type Writer struct {
	dir   string
	k, m  int
	coder ParityCoder
	opts  Options

	dataFiles   []*os.File
	parityFiles []*os.File

	curBlocks [][]byte
	curIndex  uint64

	sealedCh chan *sealedStripe
	closeCh  chan struct{}
	wg       sync.WaitGroup

	waitMu  sync.Mutex
	waiters []waiter

	lastSealedMu  sync.Mutex
	lastSealed    uint64
	lastDurableMu sync.Mutex
	lastDurable   uint64
	hasDurable    bool
}

// OpenWriter creates (or appends to) the lane files under dir and
// starts the resume stripe index at startIndex (normally obtained from
// Recover).
func OpenWriter(dir string, startIndex uint64, opts Options) (*Writer, error) {
	opts = opts.withDefaults()
	coder, err := NewParityCoder(opts.Mode, opts.K, opts.M)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	dataFiles := make([]*os.File, opts.K)
	for i := range dataFiles {
		f, err := os.OpenFile(filepath.Join(dir, dataLaneName(i)), os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
		if err != nil {
			return nil, err
		}
		dataFiles[i] = f
	}
	parityFiles := make([]*os.File, opts.M)
	for i := range parityFiles {
		f, err := os.OpenFile(filepath.Join(dir, parityLaneName(i)), os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
		if err != nil {
			return nil, err
		}
		parityFiles[i] = f
	}

	w := &Writer{
		dir:         dir,
		k:           opts.K,
		m:           opts.M,
		coder:       coder,
		opts:        opts,
		dataFiles:   dataFiles,
		parityFiles: parityFiles,
		curIndex:    startIndex,
		sealedCh:    make(chan *sealedStripe, opts.MaxBlocks*2),
		closeCh:     make(chan struct{}),
	}
	if startIndex > 0 {
		w.lastSealed = startIndex - 1
		w.lastDurable = startIndex - 1
		w.hasDurable = true
	}
	w.wg.Add(1)
	go w.commitLoop()
	return w, nil
}

// WriteBlock submits one sealed data block produced by a block.Packer
// sink into the current filling stripe. When k blocks accumulate, the
// stripe transitions FILLING -> SEALING: parity is computed and the
// k+m blocks are handed to the group-commit worker.
func (w *Writer) WriteBlock(blk []byte) error {
	if len(blk) != block.BlockSize {
		return fmt.Errorf("stripe: block must be %d bytes, got %d", block.BlockSize, len(blk))
	}
	cp := make([]byte, block.BlockSize)
	copy(cp, blk)
	w.curBlocks = append(w.curBlocks, cp)
	if len(w.curBlocks) < w.k {
		return nil
	}
	return w.sealCurrent()
}

func (w *Writer) sealCurrent() error {
	parity := make([][]byte, w.m)
	for i := range parity {
		parity[i] = make([]byte, block.BlockSize)
	}
	if err := w.coder.EncodeInto(w.curBlocks, parity); err != nil {
		return err
	}
	rec := &sealedStripe{index: w.curIndex, data: w.curBlocks, parity: parity}
	w.curBlocks = nil

	w.lastSealedMu.Lock()
	w.lastSealed = w.curIndex
	w.lastSealedMu.Unlock()
	w.curIndex++

	select {
	case w.sealedCh <- rec:
		return nil
	case <-w.closeCh:
		return ErrClosed
	}
}

// FlushSync blocks until every currently-sealed stripe is durable.
func (w *Writer) FlushSync() error {
	ticket := w.FlushAsync()
	return <-ticket
}

// FlushAsync returns a ticket completed once every currently-sealed
// stripe is durable.
func (w *Writer) FlushAsync() <-chan error {
	w.lastSealedMu.Lock()
	target := w.lastSealed
	hasSealed := w.curIndex > 0
	w.lastSealedMu.Unlock()

	ch := make(chan error, 1)
	if !hasSealed {
		ch <- nil
		return ch
	}

	w.lastDurableMu.Lock()
	if w.hasDurable && w.lastDurable >= target {
		w.lastDurableMu.Unlock()
		ch <- nil
		return ch
	}
	w.lastDurableMu.Unlock()

	w.waitMu.Lock()
	w.waiters = append(w.waiters, waiter{index: target, ch: ch})
	w.waitMu.Unlock()

	select {
	case w.sealedCh <- nil: // wake the committer early for a forced flush
	default:
	}
	return ch
}

func (w *Writer) commitLoop() {
	defer w.wg.Done()
	timer := time.NewTimer(time.Duration(w.opts.MaxMicros) * time.Microsecond)
	defer timer.Stop()

	var batch []*sealedStripe
	commit := func() {
		if len(batch) == 0 {
			return
		}
		err := w.writeBatch(batch)
		if err == nil {
			last := batch[len(batch)-1].index
			w.lastDurableMu.Lock()
			w.lastDurable = last
			w.hasDurable = true
			w.lastDurableMu.Unlock()
		}
		w.notifyWaiters(err)
		batch = batch[:0]
	}

	for {
		select {
		case rec := <-w.sealedCh:
			if rec != nil {
				batch = append(batch, rec)
			}
			if len(batch) >= w.opts.MaxBlocks {
				commit()
			} else {
				w.drainForcedFlushesAndMaybeCommit(&batch, commit)
			}
		case <-timer.C:
			commit()
			timer.Reset(time.Duration(w.opts.MaxMicros) * time.Microsecond)
		case <-w.closeCh:
			for {
				select {
				case rec := <-w.sealedCh:
					if rec != nil {
						batch = append(batch, rec)
					}
				default:
					commit()
					return
				}
			}
		}
	}
}

// drainForcedFlushesAndMaybeCommit lets a forced-flush wakeup (nil
// sentinel on sealedCh) trigger an immediate commit even below
// MaxBlocks, without blocking the main select loop.
func (w *Writer) drainForcedFlushesAndMaybeCommit(batch *[]*sealedStripe, commit func()) {
	w.waitMu.Lock()
	pending := len(w.waiters) > 0
	w.waitMu.Unlock()
	if pending {
		commit()
	}
}

func (w *Writer) notifyWaiters(err error) {
	w.waitMu.Lock()
	defer w.waitMu.Unlock()
	if len(w.waiters) == 0 {
		return
	}
	w.lastDurableMu.Lock()
	durable := w.lastDurable
	hasDurable := w.hasDurable
	w.lastDurableMu.Unlock()

	remaining := w.waiters[:0]
	for _, wt := range w.waiters {
		if err != nil {
			wt.ch <- err
			continue
		}
		if hasDurable && durable >= wt.index {
			wt.ch <- nil
		} else {
			remaining = append(remaining, wt)
		}
	}
	w.waiters = remaining
}

func (w *Writer) writeBatch(batch []*sealedStripe) error {
	for _, rec := range batch {
		for i, blk := range rec.data {
			if _, err := w.dataFiles[i].Write(blk); err != nil {
				return fmt.Errorf("stripe: write data lane %d: %w", i, err)
			}
		}
		for i, blk := range rec.parity {
			if _, err := w.parityFiles[i].Write(blk); err != nil {
				return fmt.Errorf("stripe: write parity lane %d: %w", i, err)
			}
		}
	}
	for i, f := range w.dataFiles {
		if err := f.Sync(); err != nil {
			return fmt.Errorf("stripe: sync data lane %d: %w", i, err)
		}
	}
	for i, f := range w.parityFiles {
		if err := f.Sync(); err != nil {
			return fmt.Errorf("stripe: sync parity lane %d: %w", i, err)
		}
	}
	w.opts.Logger.Debug("stripe group commit", zap.Int("stripes", len(batch)))
	return nil
}

// LastDurableStripe reports the highest stripe index confirmed durable,
// and whether any stripe has been confirmed yet.
func (w *Writer) LastDurableStripe() (uint64, bool) {
	w.lastDurableMu.Lock()
	defer w.lastDurableMu.Unlock()
	return w.lastDurable, w.hasDurable
}

// Close flushes any pending stripes and closes all lane files.
func (w *Writer) Close() error {
	firstErr := w.FlushSync()
	close(w.closeCh)
	w.wg.Wait()
	for _, f := range w.dataFiles {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, f := range w.parityFiles {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
