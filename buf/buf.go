// Package buf provides the little-endian buffer view, pooled direct
// buffers, CRC32C, and SipHash-2-4 primitives shared by every on-disk
// format in akdb (blocks, WAL frames, SST footers, manifest events).
package buf

import (
	"encoding/binary"
	"hash/crc32"
	"io"

	"github.com/dchest/siphash"
)

// castagnoliTable is computed once; hash/crc32 dispatches to the
// hardware-accelerated path on amd64/arm64 when available.
var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

// CRC32C returns the Castagnoli CRC32 of b.
func CRC32C(b []byte) uint32 {
	return crc32.Checksum(b, castagnoliTable)
}

// sipKey0/sipKey1 are the fixed process-wide SipHash-2-4 seed required by
// §4.1/§6: every key in a database uses the same seed, so keyFP64 and
// Bloom hashing are reproducible across process restarts and (in
// principle) across compatible implementations. The exact byte values
// are arbitrary but fixed; changing them invalidates every on-disk
// keyFP64 and Bloom filter ever written by this build.
const (
	sipKey0 uint64 = 0x616b6462_30783031 // "akdb0x01"
	sipKey1 uint64 = 0x73697068_61736821 // "siphash!"
)

// SipHash64 computes the 64-bit SipHash-2-4 of key using the engine's
// fixed seed. Used for keyFP64 in AKHdr32.
func SipHash64(key []byte) uint64 {
	return siphash.Hash(sipKey0, sipKey1, key)
}

// SipHash128 computes the 128-bit SipHash-2-4 of key, used by the Bloom
// filter to derive two independent 64-bit hashes for double hashing
// without a second pass over the key.
func SipHash128(key []byte) (uint64, uint64) {
	return siphash.Hash128(sipKey0, sipKey1, key)
}

// View is a little-endian view over a byte slice with absolute and
// relative accessors. It never allocates; it borrows b for its lifetime.
type View struct {
	b   []byte
	pos int
}

// NewView wraps b for little-endian reads/writes starting at offset 0.
func NewView(b []byte) *View { return &View{b: b} }

// Bytes returns the underlying slice.
func (v *View) Bytes() []byte { return v.b }

// Len returns the length of the underlying slice.
func (v *View) Len() int { return len(v.b) }

// Pos returns the current relative-access cursor.
func (v *View) Pos() int { return v.pos }

// Seek repositions the relative-access cursor.
func (v *View) Seek(pos int) { v.pos = pos }

// --- absolute accessors ---

func (v *View) U8At(off int) uint8   { return v.b[off] }
func (v *View) U16At(off int) uint16 { return binary.LittleEndian.Uint16(v.b[off:]) }
func (v *View) U32At(off int) uint32 { return binary.LittleEndian.Uint32(v.b[off:]) }
func (v *View) U64At(off int) uint64 { return binary.LittleEndian.Uint64(v.b[off:]) }

func (v *View) PutU8At(off int, x uint8)   { v.b[off] = x }
func (v *View) PutU16At(off int, x uint16) { binary.LittleEndian.PutUint16(v.b[off:], x) }
func (v *View) PutU32At(off int, x uint32) { binary.LittleEndian.PutUint32(v.b[off:], x) }
func (v *View) PutU64At(off int, x uint64) { binary.LittleEndian.PutUint64(v.b[off:], x) }

// Slice returns a sub-slice [off, off+n) that aliases the view's backing
// array. Callers must respect the view's lifetime.
func (v *View) Slice(off, n int) []byte { return v.b[off : off+n] }

// PutBytesAt copies src into the view at off.
func (v *View) PutBytesAt(off int, src []byte) { copy(v.b[off:], src) }

// --- relative accessors ---

// PutBytes appends src at the current position and advances the cursor.
func (v *View) PutBytes(src []byte) {
	n := copy(v.b[v.pos:], src)
	v.pos += n
}

// CRC32CRange computes CRC32C over v.b[off : off+n).
func (v *View) CRC32CRange(off, n int) uint32 {
	return CRC32C(v.b[off : off+n])
}

// ReadFully reads exactly n bytes from r into a freshly allocated slice.
// Used by replay/recovery paths reading fixed-size frames from a file.
func ReadFully(r io.Reader, n int) ([]byte, error) {
	out := make([]byte, n)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

// PutUvarint appends a varint encoding of x to dst and returns the
// extended slice.
func PutUvarint(dst []byte, x uint64) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], x)
	return append(dst, tmp[:n]...)
}

// Uvarint reads a varint from b, returning the value and bytes consumed.
func Uvarint(b []byte) (uint64, int) {
	return binary.Uvarint(b)
}
