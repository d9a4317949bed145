package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
)

const currentFileName = "CURRENT"

func fileName(seq uint64) string {
	return fmt.Sprintf("MANIFEST-%06d", seq)
}

// Manifest owns the active manifest file, its rotation, and the
// durable CURRENT pointer naming it (§4.7, modeled on the
// pointer-file idiom LevelDB-family stores use so a reader never has
// to guess which of several MANIFEST-* files is live).
//
// Rotation writes a fresh file seeded with synthetic events that
// reproduce the full live state at the moment of rotation (one
// SstSeal per live SST, one CompactionStart per pending compaction, a
// FormatBump if a version was recorded, and one Checkpoint carrying
// the committed stripe count and last seq) before the CURRENT pointer
// is swapped to it. This makes every manifest file self-sufficient:
// Open never needs to chain together a tail of older
// files to reconstruct state, it only ever reads the one file CURRENT
// names.
type Manifest struct {
	mu     sync.Mutex
	dir    string
	opts   Options
	w      *writer
	seq    uint64
	logger *zap.Logger

	// state tracks the live set as events are appended so
	// rotation can synthesize a seed without re-folding from disk.
	state State
}

// Open folds the manifest named by CURRENT (if any), then opens it
// (or creates MANIFEST-000001 and a fresh CURRENT pointer if this is
// a new store) for further appends.
func Open(dir string, opts Options) (*Manifest, State, error) {
	opts = opts.withDefaults()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, State{}, err
	}

	seq, name, err := readCurrent(dir)
	if err != nil {
		return nil, State{}, err
	}
	st := newState()
	if name != "" {
		if _, err := replayFile(filepath.Join(dir, name), &st); err != nil {
			return nil, State{}, err
		}
	} else {
		seq = 1
		name = fileName(seq)
		if err := writeCurrentAtomic(dir, name); err != nil {
			return nil, State{}, err
		}
	}

	w, err := openWriter(filepath.Join(dir, name), opts)
	if err != nil {
		return nil, State{}, err
	}

	m := &Manifest{dir: dir, opts: opts, w: w, seq: seq, logger: opts.Logger, state: st}
	return m, st, nil
}

func readCurrent(dir string) (uint64, string, error) {
	b, err := os.ReadFile(filepath.Join(dir, currentFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, "", nil
		}
		return 0, "", err
	}
	name := string(b)
	var seq uint64
	if _, err := fmt.Sscanf(name, "MANIFEST-%d", &seq); err != nil {
		return 0, "", fmt.Errorf("manifest: malformed CURRENT %q: %w", name, err)
	}
	return seq, name, nil
}

// writeCurrentAtomic writes the CURRENT pointer via a temp-file-then-
// rename so a crash mid-write never leaves CURRENT pointing at a
// half-written name.
func writeCurrentAtomic(dir, name string) error {
	tmp := filepath.Join(dir, currentFileName+".tmp")
	if err := os.WriteFile(tmp, []byte(name), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(dir, currentFileName))
}

func (m *Manifest) append(ev Event) error {
	m.mu.Lock()
	w := m.w
	m.mu.Unlock()
	if err := w.append(ev); err != nil {
		return err
	}
	m.mu.Lock()
	m.state.apply(ev)
	needRotate := m.opts.RotateBytes > 0 && w.sizeNow() >= m.opts.RotateBytes
	m.mu.Unlock()
	if needRotate {
		return m.rotate()
	}
	return nil
}

// LogStripeCommit records that stripe index is durable.
func (m *Manifest) LogStripeCommit(stripe uint64) error {
	return m.append(Event{Tag: TagStripeCommit, Stripe: stripe})
}

// LogSstSeal records a newly sealed SST file joining level's live set.
func (m *Manifest) LogSstSeal(level int, file string, entries uint64, firstHex, lastHex string) error {
	return m.append(Event{Tag: TagSstSeal, Level: level, File: file, Entries: entries, FirstHex: firstHex, LastHex: lastHex})
}

// LogSSTDelete records file's removal from level's live set. The
// engine logs it from a retired sstable.Handle's drain callback, and
// also directly for next-level compaction inputs once the compaction
// that supersedes them has finished, before their handles drain.
func (m *Manifest) LogSSTDelete(level int, file string) error {
	return m.append(Event{Tag: TagSSTDelete, Level: level, File: file})
}

// LogCompactionStart records that inputs at level are being merged.
// Replayed without a matching LogCompactionEnd, it marks inputs as a
// compaction to retry on the next open.
func (m *Manifest) LogCompactionStart(level int, inputs []string) error {
	return m.append(Event{Tag: TagCompactionStart, Level: level, Inputs: inputs})
}

// LogCompactionEnd records that inputs at level were replaced by
// output one level down, atomically retiring the inputs and
// publishing the output in the same event.
func (m *Manifest) LogCompactionEnd(level int, output string, inputs []string, entries uint64, firstHex, lastHex string) error {
	return m.append(Event{Tag: TagCompactionEnd, Level: level, Output: output, Inputs: inputs, Entries: entries, FirstHex: firstHex, LastHex: lastHex})
}

// LogCheckpoint records the WAL/stripe durability watermark as of
// stripe/lastSeq, letting replay skip everything already captured by
// it on the next fold.
func (m *Manifest) LogCheckpoint(stripe, lastSeq uint64) error {
	return m.append(Event{Tag: TagCheckpoint, Stripe: stripe, LastSeq: lastSeq})
}

// LogTruncate records an out-of-band file removal (e.g. a corrupt SST
// discarded during recovery) for audit purposes.
func (m *Manifest) LogTruncate(file, reason string) error {
	return m.append(Event{Tag: TagTruncate, File: file, Reason: reason})
}

// LogFormatBump records an on-disk format version change.
func (m *Manifest) LogFormatBump(version uint32) error {
	return m.append(Event{Tag: TagFormatBump, Version: version})
}

// rotate seeds a new manifest file with synthetic events reproducing
// the current live state, swaps CURRENT to it, closes the old writer,
// and removes the old file.
func (m *Manifest) rotate() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	nextSeq := m.seq + 1
	nextName := fileName(nextSeq)
	nextPath := filepath.Join(m.dir, nextName)

	nw, err := openWriter(nextPath, m.opts)
	if err != nil {
		return err
	}
	if err := seedWriter(nw, m.state); err != nil {
		nw.close()
		os.Remove(nextPath)
		return err
	}
	if err := writeCurrentAtomic(m.dir, nextName); err != nil {
		nw.close()
		os.Remove(nextPath)
		return err
	}

	oldPath := filepath.Join(m.dir, fileName(m.seq))
	oldW := m.w
	m.w = nw
	m.seq = nextSeq

	if err := oldW.close(); err != nil {
		m.logger.Warn("manifest: error closing rotated-out file", zap.Error(err))
	}
	if err := os.Remove(oldPath); err != nil && !os.IsNotExist(err) {
		m.logger.Warn("manifest: error removing rotated-out file", zap.Error(err))
	}
	m.logger.Info("manifest rotated", zap.Uint64("seq", nextSeq))
	return nil
}

// seedWriter writes synthetic events into a freshly opened manifest
// file so it alone is sufficient to reconstruct st on a future fold.
func seedWriter(w *writer, st State) error {
	for level, entries := range st.LiveSSTs {
		for _, e := range entries {
			if err := w.append(Event{Tag: TagSstSeal, Level: level, File: e.File, Entries: e.Entries, FirstHex: e.FirstHex, LastHex: e.LastHex}); err != nil {
				return err
			}
		}
	}
	for level, inputs := range st.PendingCompactions {
		if err := w.append(Event{Tag: TagCompactionStart, Level: level, Inputs: inputs}); err != nil {
			return err
		}
	}
	if st.FormatVersion != 0 {
		if err := w.append(Event{Tag: TagFormatBump, Version: st.FormatVersion}); err != nil {
			return err
		}
	}
	return w.append(Event{Tag: TagCheckpoint, Stripe: st.StripesCommitted, LastSeq: st.LastSeq})
}

// Snapshot returns a copy of the manifest's current in-memory live
// state without touching disk.
func (m *Manifest) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := newState()
	for lvl, entries := range m.state.LiveSSTs {
		out.LiveSSTs[lvl] = append([]SSTEntry(nil), entries...)
	}
	for lvl, inputs := range m.state.PendingCompactions {
		out.PendingCompactions[lvl] = append([]string(nil), inputs...)
	}
	out.StripesCommitted = m.state.StripesCommitted
	out.LastSeq = m.state.LastSeq
	out.HasCheckpoint = m.state.HasCheckpoint
	out.FormatVersion = m.state.FormatVersion
	return out
}

// Close flushes and closes the active manifest file.
func (m *Manifest) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.w.close()
}
