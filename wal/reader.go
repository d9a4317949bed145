package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"io"
	"os"

	"github.com/akdb-project/akdb/buf"
)

// ApplyFunc is invoked by Replay for each ADD/DELETE record decoded
// from the log, in file order.
type ApplyFunc func(kind Kind, seq uint64, key, value []byte) error

// ReplayResult summarizes one segment's replay.
type ReplayResult struct {
	MaxSeq         uint64
	LastCheckpoint *Checkpoint
	Truncated      bool
}

// ReplaySegment decodes frames from path in order, applying ADD/DELETE
// records via apply and tracking the highest seq and most recent
// CHECKPOINT seen. A missing file is treated as an empty, successful
// replay (§4.9 startup recovery tolerates a not-yet-created segment).
func ReplaySegment(path string, apply ApplyFunc) (ReplayResult, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ReplayResult{}, nil
		}
		return ReplayResult{}, err
	}
	defer f.Close()

	var res ReplayResult
	r := bufio.NewReaderSize(f, 64*1024)
	for {
		var lenBuf [4]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return res, nil
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				res.Truncated = true
				return res, nil
			}
			return res, err
		}
		payloadLen := binary.LittleEndian.Uint32(lenBuf[:])

		payload := make([]byte, payloadLen)
		if _, err := io.ReadFull(r, payload); err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
				res.Truncated = true
				return res, nil
			}
			return res, err
		}

		var crcBuf [4]byte
		if _, err := io.ReadFull(r, crcBuf[:]); err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
				res.Truncated = true
				return res, nil
			}
			return res, err
		}
		wantCRC := binary.LittleEndian.Uint32(crcBuf[:])
		gotCRC := buf.CRC32C(payload)
		if gotCRC != wantCRC {
			return res, ErrCorrupt
		}

		df, err := decodePayload(payload)
		if err != nil {
			return res, ErrCorrupt
		}

		switch df.Kind {
		case KindAdd, KindDelete:
			if df.Seq > res.MaxSeq {
				res.MaxSeq = df.Seq
			}
			if err := apply(df.Kind, df.Seq, df.Key, df.Value); err != nil {
				return res, err
			}
		case KindCheckpoint:
			cp := df.Checkpoint
			res.LastCheckpoint = &cp
			if cp.LastSeq > res.MaxSeq {
				res.MaxSeq = cp.LastSeq
			}
		case KindSeal:
			// Marks a clean rotation boundary; nothing to apply.
		}
	}
}
