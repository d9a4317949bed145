package engine

import (
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/akdb-project/akdb/compaction"
	"github.com/akdb-project/akdb/manifest"
	"github.com/akdb-project/akdb/sstable"
)

// compactLoop drives the leveled compactor: on every flush it is
// nudged via compactSig, and it also wakes periodically in case a
// nudge was coalesced away while a previous round was still running.
func (e *Engine) compactLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-e.compactSig:
			e.runCompactionRound()
		case <-ticker.C:
			e.runCompactionRound()
		case <-e.closeCh:
			return
		}
	}
}

// Compact runs compaction rounds synchronously until the policy finds
// no more overfull levels. The background compactLoop already does
// this on its own schedule; Compact exists for a caller (or the CLI's
// "compact" subcommand) that wants the work done before it returns
// rather than waiting for the next signal or ticker tick.
func (e *Engine) Compact() error {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return ErrClosed
	}
	e.runCompactionRound()
	return nil
}

// runCompactionRound plans and runs compaction tasks one after another
// until the plan finds no overfull level, a task fails, or Close has
// been signalled (checked between tasks, so Close's wg.Wait waits for
// at most the task in progress).
func (e *Engine) runCompactionRound() {
	for {
		task, ok := e.opts.Policy.Plan(e.mfst.Snapshot())
		if !ok {
			return
		}
		if !e.runOneCompaction(task) {
			return
		}
		select {
		case <-e.closeCh:
			return
		default:
		}
	}
}

// runOneCompaction merges task.Inputs (at task.Level) together with
// task.NextInputs (the overlapping files already living at
// task.OutputLevel) into a single new output at task.OutputLevel. The
// manifest has no single event that retires files from two different
// levels at once, so this logs a CompactionEnd (no output attached)
// for the task.Level side and a plain SSTDelete per superseded
// next-level file, followed by one SstSeal for the merged output —
// three existing event kinds composed to the same effect.
func (e *Engine) runOneCompaction(task compaction.Task) bool {
	e.mu.Lock()
	inputHandles, ok := e.popHandles(task.Level, fileNames(task.Inputs))
	if !ok {
		e.mu.Unlock()
		e.logger.Warn("engine: compaction plan referenced a missing level input, skipping round")
		return false
	}
	nextHandles, ok := e.popHandles(task.OutputLevel, fileNames(task.NextInputs))
	if !ok {
		e.reinsertHandles(task.Level, inputHandles)
		e.mu.Unlock()
		e.logger.Warn("engine: compaction plan referenced a missing next-level input, skipping round")
		return false
	}
	e.mu.Unlock()

	// Handles were popped from e.levels under e.mu, and every other
	// reader acquires/releases within the same coarse e.mu section, so
	// no concurrent Acquire can be outstanding here: each refcount is
	// still exactly its original owning ref.
	allHandles := append(append([]*sstable.Handle{}, inputHandles...), nextHandles...)
	inputFiles := fileBaseNames(inputHandles)
	nextFiles := fileBaseNames(nextHandles)
	tables := make([]*sstable.Table, len(allHandles))
	for i, h := range allHandles {
		tables[i] = h.Table()
	}

	if err := e.mfst.LogCompactionStart(task.Level, inputFiles); err != nil {
		e.logger.Error("engine: manifest LogCompactionStart failed", zap.Error(err))
		e.reinsertHandles(task.Level, inputHandles)
		e.reinsertHandles(task.OutputLevel, nextHandles)
		return false
	}

	e.mu.Lock()
	outputID := e.nextSSTID
	e.nextSSTID++
	e.mu.Unlock()

	bottommost := task.OutputLevel >= e.opts.Policy.MaxLevel
	result, err := compaction.Run(tables, compaction.Options{
		SSTDir:       e.sstDir,
		OutputID:     outputID,
		Bottommost:   bottommost,
		TombstoneTTL: e.opts.TombstoneTTL,
		Pool:         e.pool,
		Write:        e.opts.Write,
	})
	if err != nil {
		e.logger.Error("engine: compaction run failed", zap.Error(err))
		e.reinsertHandles(task.Level, inputHandles)
		e.reinsertHandles(task.OutputLevel, nextHandles)
		return false
	}

	if err := e.mfst.LogCompactionEnd(task.Level, "", inputFiles, 0, "", ""); err != nil {
		e.logger.Error("engine: manifest LogCompactionEnd failed", zap.Error(err))
	}
	for i := range nextHandles {
		if err := e.mfst.LogSSTDelete(task.OutputLevel, nextFiles[i]); err != nil {
			e.logger.Error("engine: manifest LogSSTDelete failed", zap.Error(err))
		}
	}

	if result.Entries > 0 {
		outputFile := filepath.Base(result.Output.Path)
		if err := e.mfst.LogSstSeal(task.OutputLevel, outputFile, result.Entries, result.FirstKeyHex, result.LastKeyHex); err != nil {
			e.logger.Error("engine: manifest LogSstSeal failed", zap.Error(err))
		}
		e.mu.Lock()
		e.levels[task.OutputLevel] = append(e.levels[task.OutputLevel], sstable.NewHandle(result.Output, e.makeOnZero(task.OutputLevel, outputFile)))
		e.mu.Unlock()
	} else {
		os.Remove(result.Output.Path)
	}

	for _, h := range allHandles {
		h.Retire()
		h.Release()
	}
	return true
}

func fileNames(entries []manifest.SSTEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.File
	}
	return out
}

func fileBaseNames(handles []*sstable.Handle) []string {
	out := make([]string, len(handles))
	for i, h := range handles {
		out[i] = filepath.Base(h.Table().Path)
	}
	return out
}

// popHandles removes and returns, in order, the handles at level whose
// underlying file matches each name in files. Must be called with
// e.mu held.
func (e *Engine) popHandles(level int, files []string) ([]*sstable.Handle, bool) {
	want := make(map[string]bool, len(files))
	for _, f := range files {
		want[f] = true
	}
	var picked []*sstable.Handle
	var remaining []*sstable.Handle
	for _, h := range e.levels[level] {
		name := filepath.Base(h.Table().Path)
		if want[name] {
			picked = append(picked, h)
		} else {
			remaining = append(remaining, h)
		}
	}
	e.levels[level] = remaining
	return picked, len(picked) == len(files)
}

func (e *Engine) reinsertHandles(level int, handles []*sstable.Handle) {
	e.mu.Lock()
	e.levels[level] = append(e.levels[level], handles...)
	e.mu.Unlock()
}
