// Package wal implements the framed, group-committed, crash-safe
// write-ahead log described in §4.4 (C4): segmented append-only files
// of [len][payload][crc32c(payload)] frames, replayed into a MemTable
// on recovery.
package wal

import (
	"encoding/binary"
	"errors"

	"github.com/akdb-project/akdb/block"
	"github.com/akdb-project/akdb/buf"
)

// Kind tags the payload of one WAL frame.
type Kind uint8

const (
	KindAdd        Kind = 1
	KindDelete     Kind = 2
	KindSeal       Kind = 3
	KindCheckpoint Kind = 4
)

var (
	// ErrCorrupt is returned when a complete frame fails its CRC32C
	// check (§7 WalCorrupt) — fatal at open.
	ErrCorrupt = errors.New("wal: corrupt frame")
	// ErrTruncated marks a partial trailing frame, discarded silently
	// by Replay rather than surfaced as an error to callers.
	ErrTruncated = errors.New("wal: truncated tail")
	// ErrClosed is returned by Append after the writer has begun
	// shutting down (§7 EngineClosed path for pending WAL handles).
	ErrClosed = errors.New("wal: closed")
)

// Checkpoint is the payload of a CHECKPOINT record.
type Checkpoint struct {
	StripesWritten uint64
	LastSeq        uint64
}

// encodeAddDelete builds the payload for an Add/Delete record: one
// tag byte, then AKHdr32, then key (+ value for Add).
func encodeAddDelete(kind Kind, seq uint64, key, value []byte) []byte {
	var flags uint8
	if kind == KindDelete {
		flags = block.FlagTombstone
		value = nil
	}
	h := block.Header{
		KLen:    uint16(len(key)),
		VLen:    uint32(len(value)),
		Seq:     seq,
		Flags:   flags,
		KeyFP64: buf.SipHash64(key),
		MiniKey: block.MiniKeyOf(key),
	}
	out := make([]byte, 1+block.HeaderSize+len(key)+len(value))
	out[0] = byte(kind)
	block.EncodeHeader(out[1:], h)
	off := 1 + block.HeaderSize
	off += copy(out[off:], key)
	copy(out[off:], value)
	return out
}

func encodeSeal() []byte {
	return []byte{byte(KindSeal)}
}

func encodeCheckpoint(cp Checkpoint) []byte {
	out := make([]byte, 1+16)
	out[0] = byte(KindCheckpoint)
	binary.LittleEndian.PutUint64(out[1:9], cp.StripesWritten)
	binary.LittleEndian.PutUint64(out[9:17], cp.LastSeq)
	return out
}

// decodedFrame is the parsed form of one payload, regardless of kind.
type decodedFrame struct {
	Kind       Kind
	Seq        uint64
	Key        []byte
	Value      []byte
	Checkpoint Checkpoint
}

func decodePayload(payload []byte) (decodedFrame, error) {
	if len(payload) < 1 {
		return decodedFrame{}, ErrCorrupt
	}
	kind := Kind(payload[0])
	switch kind {
	case KindAdd, KindDelete:
		if len(payload) < 1+block.HeaderSize {
			return decodedFrame{}, ErrCorrupt
		}
		h := block.DecodeHeader(payload[1:])
		need := 1 + block.HeaderSize + int(h.KLen) + int(h.VLen)
		if len(payload) != need {
			return decodedFrame{}, ErrCorrupt
		}
		keyStart := 1 + block.HeaderSize
		keyEnd := keyStart + int(h.KLen)
		valEnd := keyEnd + int(h.VLen)
		key := append([]byte(nil), payload[keyStart:keyEnd]...)
		val := append([]byte(nil), payload[keyEnd:valEnd]...)
		return decodedFrame{Kind: kind, Seq: h.Seq, Key: key, Value: val}, nil
	case KindSeal:
		return decodedFrame{Kind: kind}, nil
	case KindCheckpoint:
		if len(payload) != 17 {
			return decodedFrame{}, ErrCorrupt
		}
		cp := Checkpoint{
			StripesWritten: binary.LittleEndian.Uint64(payload[1:9]),
			LastSeq:        binary.LittleEndian.Uint64(payload[9:17]),
		}
		return decodedFrame{Kind: kind, Checkpoint: cp}, nil
	default:
		return decodedFrame{}, ErrCorrupt
	}
}

// frameFor wraps a payload as [len:u32][payload][crc32c(payload):u32].
func frameFor(payload []byte) []byte {
	out := make([]byte, 4+len(payload)+4)
	binary.LittleEndian.PutUint32(out[0:4], uint32(len(payload)))
	copy(out[4:], payload)
	binary.LittleEndian.PutUint32(out[4+len(payload):], buf.CRC32C(payload))
	return out
}
