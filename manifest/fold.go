package manifest

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/akdb-project/akdb/buf"
)

// SSTEntry is the live-set record for one sealed SST, as folded from
// SstSeal/SSTDelete events.
type SSTEntry struct {
	File     string
	Entries  uint64
	FirstHex string
	LastHex  string
}

// State is the reconstructed live-file-set after folding a manifest
// (§4.7: "On open: replay events, rebuild liveSSTs[level]").
type State struct {
	LiveSSTs         map[int][]SSTEntry
	StripesCommitted uint64
	LastSeq          uint64
	HasCheckpoint    bool
	FormatVersion    uint32

	// PendingCompactions holds levels with a CompactionStart not yet
	// matched by a CompactionEnd, i.e. a compaction that was interrupted
	// mid-flight. The engine treats the listed inputs as still live
	// (the output, if partially written, is untrusted and ignored) and
	// may re-run the compaction.
	PendingCompactions map[int][]string
}

func newState() State {
	return State{
		LiveSSTs:           make(map[int][]SSTEntry),
		PendingCompactions: make(map[int][]string),
	}
}

// apply folds one decoded event into st.
func (st *State) apply(ev Event) {
	switch ev.Tag {
	case TagStripeCommit:
		if ev.Stripe > st.StripesCommitted {
			st.StripesCommitted = ev.Stripe
		}
	case TagSstSeal:
		st.LiveSSTs[ev.Level] = append(st.LiveSSTs[ev.Level], SSTEntry{
			File: ev.File, Entries: ev.Entries, FirstHex: ev.FirstHex, LastHex: ev.LastHex,
		})
	case TagSSTDelete:
		files := st.LiveSSTs[ev.Level]
		for i, e := range files {
			if e.File == ev.File {
				st.LiveSSTs[ev.Level] = append(files[:i], files[i+1:]...)
				break
			}
		}
	case TagCompactionStart:
		st.PendingCompactions[ev.Level] = ev.Inputs
	case TagCompactionEnd:
		delete(st.PendingCompactions, ev.Level)
		for _, in := range ev.Inputs {
			files := st.LiveSSTs[ev.Level]
			for i, e := range files {
				if e.File == in {
					st.LiveSSTs[ev.Level] = append(files[:i], files[i+1:]...)
					break
				}
			}
		}
		if ev.Output != "" {
			outLevel := ev.Level + 1
			st.LiveSSTs[outLevel] = append(st.LiveSSTs[outLevel], SSTEntry{
				File: ev.Output, Entries: ev.Entries, FirstHex: ev.FirstHex, LastHex: ev.LastHex,
			})
		}
	case TagCheckpoint:
		st.StripesCommitted = ev.Stripe
		st.LastSeq = ev.LastSeq
		st.HasCheckpoint = true
	case TagTruncate:
		// Recorded for audit; the file named is already absent from the
		// live set by the time Truncate is logged.
	case TagFormatBump:
		st.FormatVersion = ev.Version
	}
}

// ReplayResult describes one manifest file's replay outcome.
type ReplayResult struct {
	TruncatedTail bool
}

// replayFile reads every event frame from path in order, applying each
// to st. A truncated trailing frame (a crash mid-append) is tolerated
// and reported via TruncatedTail; a corrupt complete frame is fatal,
// mirroring wal.ReplaySegment's distinction (§4.4, reused here since a
// manifest frame has the identical [len][tag+payload][crc32c] shape).
func replayFile(path string, st *State) (ReplayResult, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ReplayResult{}, nil
		}
		return ReplayResult{}, err
	}
	defer f.Close()

	r := &ReplayResult{}
	var lenBuf [4]byte
	for {
		if _, err := io.ReadFull(f, lenBuf[:]); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				r.TruncatedTail = true
				break
			}
			return *r, err
		}
		bodyLen := binary.LittleEndian.Uint32(lenBuf[:])
		body := make([]byte, bodyLen)
		if _, err := io.ReadFull(f, body); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				r.TruncatedTail = true
				break
			}
			return *r, err
		}
		var crcBuf [4]byte
		if _, err := io.ReadFull(f, crcBuf[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				r.TruncatedTail = true
				break
			}
			return *r, err
		}
		wantCRC := binary.LittleEndian.Uint32(crcBuf[:])
		if buf.CRC32C(body) != wantCRC {
			return *r, fmt.Errorf("manifest: %s: %w", path, ErrCorrupt)
		}
		if len(body) < 1 {
			return *r, fmt.Errorf("manifest: %s: %w", path, ErrCorrupt)
		}
		ev, derr := decodePayload(Tag(body[0]), body[1:])
		if derr != nil {
			return *r, fmt.Errorf("manifest: %s: %w", path, derr)
		}
		st.apply(ev)
	}
	return *r, nil
}
