package codec

import (
	"encoding/binary"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/akdb-project/akdb/buf"
)

// Bytes copies a []byte verbatim, length-prefixed with a varint so
// Read knows where the value ends inside a larger buffer.
var Bytes Codec[[]byte] = bytesCodec{}

type bytesCodec struct{}

func (c bytesCodec) EstimateSize(v []byte) int {
	return binary.MaxVarintLen64 + len(v)
}

func (c bytesCodec) Write(dst []byte, v []byte) (int, error) {
	if len(dst) < binary.MaxVarintLen64 {
		return 0, ErrShortBuffer
	}
	n := binary.PutUvarint(dst, uint64(len(v)))
	if len(dst)-n < len(v) {
		return 0, ErrShortBuffer
	}
	n += copy(dst[n:], v)
	return n, nil
}

func (bytesCodec) Read(src []byte) ([]byte, int, error) {
	size, n := buf.Uvarint(src)
	if n <= 0 || n+int(size) > len(src) {
		return nil, 0, ErrShortBuffer
	}
	out := make([]byte, size)
	copy(out, src[n:n+int(size)])
	return out, n + int(size), nil
}

// String is Bytes reinterpreted as a UTF-8 string; Read allocates
// twice (the byte copy from Bytes.Read, then the string conversion).
var String Codec[string] = stringCodec{}

type stringCodec struct{}

func (stringCodec) EstimateSize(v string) int {
	return binary.MaxVarintLen64 + len(v)
}

func (stringCodec) Write(dst []byte, v string) (int, error) {
	return Bytes.Write(dst, []byte(v))
}

func (stringCodec) Read(src []byte) (string, int, error) {
	b, n, err := Bytes.Read(src)
	if err != nil {
		return "", 0, err
	}
	return string(b), n, nil
}

// Int64 and Uint64 encode fixed-width 8-byte little-endian integers,
// matching the rest of the module's on-disk byte order (buf.View).
var Int64 Codec[int64] = int64Codec{}

type int64Codec struct{}

func (int64Codec) EstimateSize(int64) int { return 8 }

func (int64Codec) Write(dst []byte, v int64) (int, error) {
	if len(dst) < 8 {
		return 0, ErrShortBuffer
	}
	binary.LittleEndian.PutUint64(dst, uint64(v))
	return 8, nil
}

func (int64Codec) Read(src []byte) (int64, int, error) {
	if len(src) < 8 {
		return 0, 0, ErrShortBuffer
	}
	return int64(binary.LittleEndian.Uint64(src)), 8, nil
}

var Uint64 Codec[uint64] = uint64Codec{}

type uint64Codec struct{}

func (uint64Codec) EstimateSize(uint64) int { return 8 }

func (uint64Codec) Write(dst []byte, v uint64) (int, error) {
	if len(dst) < 8 {
		return 0, ErrShortBuffer
	}
	binary.LittleEndian.PutUint64(dst, v)
	return 8, nil
}

func (uint64Codec) Read(src []byte) (uint64, int, error) {
	if len(src) < 8 {
		return 0, 0, ErrShortBuffer
	}
	return binary.LittleEndian.Uint64(src), 8, nil
}

// Float64 encodes the IEEE 754 bit pattern, little-endian, fixed 8 bytes.
var Float64 Codec[float64] = float64Codec{}

type float64Codec struct{}

func (float64Codec) EstimateSize(float64) int { return 8 }

func (float64Codec) Write(dst []byte, v float64) (int, error) {
	if len(dst) < 8 {
		return 0, ErrShortBuffer
	}
	binary.LittleEndian.PutUint64(dst, math.Float64bits(v))
	return 8, nil
}

func (float64Codec) Read(src []byte) (float64, int, error) {
	if len(src) < 8 {
		return 0, 0, ErrShortBuffer
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(src)), 8, nil
}

// Bool encodes a single byte: 0 or 1.
var Bool Codec[bool] = boolCodec{}

type boolCodec struct{}

func (boolCodec) EstimateSize(bool) int { return 1 }

func (boolCodec) Write(dst []byte, v bool) (int, error) {
	if len(dst) < 1 {
		return 0, ErrShortBuffer
	}
	if v {
		dst[0] = 1
	} else {
		dst[0] = 0
	}
	return 1, nil
}

func (boolCodec) Read(src []byte) (bool, int, error) {
	if len(src) < 1 {
		return false, 0, ErrShortBuffer
	}
	return src[0] != 0, 1, nil
}

// Time encodes t as a fixed 8-byte little-endian Unix-nanosecond
// count, the same fixed-width shape the engine's tombstone deletion
// timestamp uses (engine.tombstoneValue), just at nanosecond instead
// of millisecond resolution since Codec values are not wire-compared
// against compaction's TTL window.
var Time Codec[time.Time] = timeCodec{}

type timeCodec struct{}

func (timeCodec) EstimateSize(time.Time) int { return 8 }

func (timeCodec) Write(dst []byte, v time.Time) (int, error) {
	if len(dst) < 8 {
		return 0, ErrShortBuffer
	}
	binary.LittleEndian.PutUint64(dst, uint64(v.UnixNano()))
	return 8, nil
}

func (timeCodec) Read(src []byte) (time.Time, int, error) {
	if len(src) < 8 {
		return time.Time{}, 0, ErrShortBuffer
	}
	nanos := int64(binary.LittleEndian.Uint64(src))
	return time.Unix(0, nanos).UTC(), 8, nil
}

// UUID encodes a google/uuid.UUID as its raw fixed 16 bytes, no
// string form, no separators.
var UUID Codec[uuid.UUID] = uuidCodec{}

type uuidCodec struct{}

func (uuidCodec) EstimateSize(uuid.UUID) int { return 16 }

func (uuidCodec) Write(dst []byte, v uuid.UUID) (int, error) {
	if len(dst) < 16 {
		return 0, ErrShortBuffer
	}
	copy(dst, v[:])
	return 16, nil
}

func (uuidCodec) Read(src []byte) (uuid.UUID, int, error) {
	if len(src) < 16 {
		return uuid.UUID{}, 0, ErrShortBuffer
	}
	var v uuid.UUID
	copy(v[:], src[:16])
	return v, 16, nil
}

