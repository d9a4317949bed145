// Package block implements the 32-byte record header (AKHdr32) and the
// 32 KiB block format (§3, §4.2 of the storage engine design): the
// packer that accumulates records into a block buffer and the cursor
// that parses them back out.
package block

import (
	"errors"

	"github.com/akdb-project/akdb/buf"
)

const (
	// BlockSize is the fixed on-disk block size (§3, §6).
	BlockSize = 32768
	// PayloadLimit is the maximum bytes of packed records a block can
	// hold: BlockSize minus the 4-byte payloadLen prefix and the 4-byte
	// trailing CRC32C.
	PayloadLimit = BlockSize - 8

	// HeaderSize is the size of AKHdr32.
	HeaderSize = 32

	// MaxKeyLen is the largest key length AKHdr32.kLen can represent
	// under the spec's stated bound (keys must also fit in PayloadLimit).
	MaxKeyLen = 1 << 14

	// FlagTombstone marks a record as a deletion marker.
	FlagTombstone uint8 = 1 << 0
)

var (
	// ErrKeyTooLarge is returned when a key exceeds MaxKeyLen.
	ErrKeyTooLarge = errors.New("block: key too large")
	// ErrValueTooLarge is returned when a record (header+key+value)
	// cannot fit in any block, regardless of current fill level.
	ErrValueTooLarge = errors.New("block: value too large")
	// ErrBlockCorrupt is returned by the cursor on malformed framing.
	ErrBlockCorrupt = errors.New("block: corrupt")
)

// Header is the decoded form of AKHdr32.
type Header struct {
	KLen    uint16
	VLen    uint32
	Seq     uint64
	Flags   uint8
	KeyFP64 uint64
	MiniKey uint64
}

// Tombstone reports whether the record this header describes is a
// deletion marker.
func (h Header) Tombstone() bool { return h.Flags&FlagTombstone != 0 }

// EncodeHeader writes h into dst[0:32] in the AKHdr32 layout.
func EncodeHeader(dst []byte, h Header) {
	v := buf.NewView(dst)
	v.PutU16At(0, h.KLen)
	v.PutU32At(2, h.VLen)
	v.PutU64At(6, h.Seq)
	v.PutU8At(14, h.Flags)
	v.PutU8At(15, 0) // pad0
	v.PutU64At(16, h.KeyFP64)
	v.PutU64At(24, h.MiniKey)
}

// DecodeHeader parses AKHdr32 from src[0:32]. It does not validate
// pad0 == 0; neither does Cursor.Next, its main caller.
func DecodeHeader(src []byte) Header {
	v := buf.NewView(src)
	return Header{
		KLen:    v.U16At(0),
		VLen:    v.U32At(2),
		Seq:     v.U64At(6),
		Flags:   v.U8At(14),
		KeyFP64: v.U64At(16),
		MiniKey: v.U64At(24),
	}
}

// MiniKeyOf packs the first min(8, len(key)) bytes of key, little-endian,
// zero-padded, for the AKHdr32.miniKey fast-compare field.
func MiniKeyOf(key []byte) uint64 {
	var tmp [8]byte
	n := len(key)
	if n > 8 {
		n = 8
	}
	copy(tmp[:n], key[:n])
	var out uint64
	for i := 7; i >= 0; i-- {
		out = out<<8 | uint64(tmp[i])
	}
	return out
}
