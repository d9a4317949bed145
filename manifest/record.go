// Package manifest implements the append-only event log described in
// §4.7 (C7): the durable record of which SST files are live per level,
// which stripes have been committed, and the compactor's atomicity
// boundaries.
package manifest

import (
	"encoding/binary"
	"errors"

	"github.com/akdb-project/akdb/buf"
)

// Tag identifies the kind of one manifest event.
type Tag uint8

const (
	TagStripeCommit    Tag = 1
	TagSstSeal         Tag = 2
	TagSSTDelete       Tag = 3
	TagCompactionStart Tag = 4
	TagCompactionEnd   Tag = 5
	TagCheckpoint      Tag = 6
	TagTruncate        Tag = 7
	TagFormatBump      Tag = 8
)

var (
	ErrCorrupt = errors.New("manifest: corrupt event")
	ErrClosed  = errors.New("manifest: closed")
)

// Event is the decoded form of one manifest record, regardless of tag.
// Only the fields relevant to Tag are populated.
type Event struct {
	Tag Tag

	Level   int
	File    string
	Inputs  []string
	Output  string
	Entries uint64
	FirstHex string
	LastHex  string

	Stripe  uint64
	LastSeq uint64

	Reason  string
	Version uint32
}

func putString(out []byte, s string) []byte {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(s)))
	out = append(out, lenBuf[:]...)
	return append(out, s...)
}

func getString(b []byte, pos int) (string, int, error) {
	if pos+4 > len(b) {
		return "", 0, ErrCorrupt
	}
	n := int(binary.LittleEndian.Uint32(b[pos : pos+4]))
	pos += 4
	if pos+n > len(b) {
		return "", 0, ErrCorrupt
	}
	return string(b[pos : pos+n]), pos + n, nil
}

func putStringSlice(out []byte, ss []string) []byte {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(ss)))
	out = append(out, lenBuf[:]...)
	for _, s := range ss {
		out = putString(out, s)
	}
	return out
}

func getStringSlice(b []byte, pos int) ([]string, int, error) {
	if pos+4 > len(b) {
		return nil, 0, ErrCorrupt
	}
	n := int(binary.LittleEndian.Uint32(b[pos : pos+4]))
	pos += 4
	out := make([]string, n)
	for i := 0; i < n; i++ {
		var s string
		var err error
		s, pos, err = getString(b, pos)
		if err != nil {
			return nil, 0, err
		}
		out[i] = s
	}
	return out, pos, nil
}

// encodePayload serializes ev's payload (without the tag byte, which
// the writer frames separately).
func encodePayload(ev Event) []byte {
	var out []byte
	switch ev.Tag {
	case TagStripeCommit:
		var buf8 [8]byte
		binary.LittleEndian.PutUint64(buf8[:], ev.Stripe)
		out = append(out, buf8[:]...)
	case TagSstSeal:
		var lvl [4]byte
		binary.LittleEndian.PutUint32(lvl[:], uint32(ev.Level))
		out = append(out, lvl[:]...)
		out = putString(out, ev.File)
		var entries [8]byte
		binary.LittleEndian.PutUint64(entries[:], ev.Entries)
		out = append(out, entries[:]...)
		out = putString(out, ev.FirstHex)
		out = putString(out, ev.LastHex)
	case TagSSTDelete:
		var lvl [4]byte
		binary.LittleEndian.PutUint32(lvl[:], uint32(ev.Level))
		out = append(out, lvl[:]...)
		out = putString(out, ev.File)
	case TagCompactionStart:
		var lvl [4]byte
		binary.LittleEndian.PutUint32(lvl[:], uint32(ev.Level))
		out = append(out, lvl[:]...)
		out = putStringSlice(out, ev.Inputs)
	case TagCompactionEnd:
		var lvl [4]byte
		binary.LittleEndian.PutUint32(lvl[:], uint32(ev.Level))
		out = append(out, lvl[:]...)
		out = putString(out, ev.Output)
		out = putStringSlice(out, ev.Inputs)
		var entries [8]byte
		binary.LittleEndian.PutUint64(entries[:], ev.Entries)
		out = append(out, entries[:]...)
		out = putString(out, ev.FirstHex)
		out = putString(out, ev.LastHex)
	case TagCheckpoint:
		var buf16 [16]byte
		binary.LittleEndian.PutUint64(buf16[0:8], ev.Stripe)
		binary.LittleEndian.PutUint64(buf16[8:16], ev.LastSeq)
		out = append(out, buf16[:]...)
	case TagTruncate:
		out = putString(out, ev.File)
		out = putString(out, ev.Reason)
	case TagFormatBump:
		var v [4]byte
		binary.LittleEndian.PutUint32(v[:], ev.Version)
		out = append(out, v[:]...)
	}
	return out
}

func decodePayload(tag Tag, b []byte) (Event, error) {
	ev := Event{Tag: tag}
	var err error
	pos := 0
	switch tag {
	case TagStripeCommit:
		if len(b) != 8 {
			return Event{}, ErrCorrupt
		}
		ev.Stripe = binary.LittleEndian.Uint64(b)
	case TagSstSeal:
		if len(b) < 4 {
			return Event{}, ErrCorrupt
		}
		ev.Level = int(binary.LittleEndian.Uint32(b[0:4]))
		pos = 4
		ev.File, pos, err = getString(b, pos)
		if err != nil {
			return Event{}, err
		}
		if pos+8 > len(b) {
			return Event{}, ErrCorrupt
		}
		ev.Entries = binary.LittleEndian.Uint64(b[pos : pos+8])
		pos += 8
		ev.FirstHex, pos, err = getString(b, pos)
		if err != nil {
			return Event{}, err
		}
		ev.LastHex, _, err = getString(b, pos)
		if err != nil {
			return Event{}, err
		}
	case TagSSTDelete:
		if len(b) < 4 {
			return Event{}, ErrCorrupt
		}
		ev.Level = int(binary.LittleEndian.Uint32(b[0:4]))
		ev.File, _, err = getString(b, 4)
		if err != nil {
			return Event{}, err
		}
	case TagCompactionStart:
		if len(b) < 4 {
			return Event{}, ErrCorrupt
		}
		ev.Level = int(binary.LittleEndian.Uint32(b[0:4]))
		ev.Inputs, _, err = getStringSlice(b, 4)
		if err != nil {
			return Event{}, err
		}
	case TagCompactionEnd:
		if len(b) < 4 {
			return Event{}, ErrCorrupt
		}
		ev.Level = int(binary.LittleEndian.Uint32(b[0:4]))
		pos = 4
		ev.Output, pos, err = getString(b, pos)
		if err != nil {
			return Event{}, err
		}
		ev.Inputs, pos, err = getStringSlice(b, pos)
		if err != nil {
			return Event{}, err
		}
		if pos+8 > len(b) {
			return Event{}, ErrCorrupt
		}
		ev.Entries = binary.LittleEndian.Uint64(b[pos : pos+8])
		pos += 8
		ev.FirstHex, pos, err = getString(b, pos)
		if err != nil {
			return Event{}, err
		}
		ev.LastHex, _, err = getString(b, pos)
		if err != nil {
			return Event{}, err
		}
	case TagCheckpoint:
		if len(b) != 16 {
			return Event{}, ErrCorrupt
		}
		ev.Stripe = binary.LittleEndian.Uint64(b[0:8])
		ev.LastSeq = binary.LittleEndian.Uint64(b[8:16])
	case TagTruncate:
		ev.File, pos, err = getString(b, 0)
		if err != nil {
			return Event{}, err
		}
		ev.Reason, _, err = getString(b, pos)
		if err != nil {
			return Event{}, err
		}
	case TagFormatBump:
		if len(b) != 4 {
			return Event{}, ErrCorrupt
		}
		ev.Version = binary.LittleEndian.Uint32(b)
	default:
		return Event{}, ErrCorrupt
	}
	return ev, nil
}

// frameFor wraps an event as [len:u32][tag:u8][payload][crc32c:u32]
// (§4.7: "Each event: [len:u32][tag:u8][payload][crc32c:u32]").
func frameFor(ev Event) []byte {
	payload := encodePayload(ev)
	body := make([]byte, 1+len(payload))
	body[0] = byte(ev.Tag)
	copy(body[1:], payload)

	out := make([]byte, 4+len(body)+4)
	binary.LittleEndian.PutUint32(out[0:4], uint32(len(body)))
	copy(out[4:], body)
	binary.LittleEndian.PutUint32(out[4+len(body):], buf.CRC32C(body))
	return out
}
