package engine

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/akdb-project/akdb/block"
	"github.com/akdb-project/akdb/manifest"
	"github.com/akdb-project/akdb/memtable"
	"github.com/akdb-project/akdb/sstable"
)

// flushLoop is the engine's single consumer of the MemTable's flush
// channel: every sealed shard, whether sealed by its own byte
// threshold or by a forced Flush, is turned into one L0 SST here, in
// the order it was sealed.
func (e *Engine) flushLoop() {
	defer e.wg.Done()
	for {
		select {
		case task := <-e.mem.FlushTasks():
			e.processFlushTask(task)
		case <-e.closeCh:
			for {
				select {
				case task := <-e.mem.FlushTasks():
					e.processFlushTask(task)
				default:
					return
				}
			}
		}
	}
}

func (e *Engine) processFlushTask(task memtable.FlushTask) {
	defer e.markTaskDone()

	if len(task.Records) == 0 {
		e.mem.AckFlush(task.ShardIndex)
		return
	}

	recs := make([]sstable.InputRecord, len(task.Records))
	for i, r := range task.Records {
		recs[i] = sstable.InputRecord{Key: r.Key, Value: r.Value, Seq: r.Seq, Flags: r.Flags}
	}

	e.mu.Lock()
	id := e.nextSSTID
	e.nextSSTID++
	e.mu.Unlock()

	path := filepath.Join(e.sstDir, sstable.FormatFilename(id))
	if _, err := sstable.Write(path, recs, e.pool, e.opts.Write); err != nil {
		e.logger.Error("engine: flush write failed, shard left unacked", zap.Error(err))
		return
	}
	tbl, err := sstable.Open(path, id, false)
	if err != nil {
		e.logger.Error("engine: flush reopen failed, shard left unacked", zap.Error(err))
		return
	}

	file := sstable.FormatFilename(id)
	firstHex := hex.EncodeToString(recs[0].Key)
	lastHex := hex.EncodeToString(recs[len(recs)-1].Key)

	if e.sw != nil {
		if err := e.mirrorToStripe(recs); err != nil {
			e.logger.Warn("engine: stripe mirror failed", zap.Error(err))
		}
	}

	e.mu.Lock()
	e.levels[0] = append(e.levels[0], sstable.NewHandle(tbl, e.makeOnZero(0, file)))
	e.mu.Unlock()

	if err := e.mfst.LogSstSeal(0, file, uint64(len(recs)), firstHex, lastHex); err != nil {
		e.logger.Error("engine: manifest LogSstSeal failed", zap.Error(err))
	}
	e.mem.AckFlush(task.ShardIndex)
	e.signalCompaction()
}

// mirrorToStripe packs recs into BlockSize-aligned blocks and appends
// them to the erasure-coded stripe writer, then blocks until durable
// and records the watermark in the manifest (§4.5/§4.9 UseStripeForWrite).
func (e *Engine) mirrorToStripe(recs []sstable.InputRecord) error {
	var packErr error
	sink := func(blk []byte) error {
		err := e.sw.WriteBlock(blk)
		e.pool.Release(blk)
		if err != nil {
			packErr = err
		}
		return err
	}
	p := block.NewPacker(e.pool, sink)
	for _, r := range recs {
		ok, err := p.TryAppend(r.Key, r.Value, r.Seq, r.Flags)
		if err != nil {
			p.Abandon()
			return err
		}
		if ok {
			continue
		}
		if err := p.EndBlock(); err != nil {
			return err
		}
		ok, err = p.TryAppend(r.Key, r.Value, r.Seq, r.Flags)
		if err != nil || !ok {
			p.Abandon()
			if err != nil {
				return err
			}
			return fmt.Errorf("engine: record too large for a fresh stripe block")
		}
	}
	if p.Pending() {
		if err := p.EndBlock(); err != nil {
			return err
		}
	} else {
		p.Abandon()
	}
	if packErr != nil {
		return packErr
	}
	if err := e.sw.FlushSync(); err != nil {
		return err
	}
	last, ok := e.sw.LastDurableStripe()
	if !ok {
		return nil
	}
	return e.mfst.LogStripeCommit(last)
}

// makeOnZero returns the Handle.onZero callback for the SST living at
// (level, file): once every reader has released it after Retire, the
// file is unlinked and the removal recorded in the manifest. Used both
// for handles created by a flush/compaction and for handles opened at
// startup recovery (openLiveTables), so a file loaded from a prior run
// is just as eligible for retirement as one created this session.
func (e *Engine) makeOnZero(level int, file string) func(*sstable.Table) {
	return buildOnZero(e.mfst, e.logger, e.sstDir, level, file)
}

func buildOnZero(mfst *manifest.Manifest, logger *zap.Logger, sstDir string, level int, file string) func(*sstable.Table) {
	return func(_ *sstable.Table) {
		path := filepath.Join(sstDir, file)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			logger.Warn("engine: delete retired sst failed", zap.String("file", file), zap.Error(err))
		}
		if err := mfst.LogSSTDelete(level, file); err != nil {
			logger.Warn("engine: manifest LogSSTDelete failed", zap.String("file", file), zap.Error(err))
		}
	}
}

func (e *Engine) markTaskDone() {
	e.flushCond.L.Lock()
	e.tasksDone++
	e.flushCond.Broadcast()
	e.flushCond.L.Unlock()
}

func (e *Engine) signalCompaction() {
	select {
	case e.compactSig <- struct{}{}:
	default:
	}
}
