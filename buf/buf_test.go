package buf

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCRC32CKnownVector(t *testing.T) {
	// "123456789" is the standard CRC32C check vector.
	got := CRC32C([]byte("123456789"))
	require.Equal(t, uint32(0xE3069283), got)
}

func TestSipHash64Deterministic(t *testing.T) {
	h1 := SipHash64([]byte("hello"))
	h2 := SipHash64([]byte("hello"))
	require.Equal(t, h1, h2)

	h3 := SipHash64([]byte("world"))
	require.NotEqual(t, h1, h3)
}

func TestSipHash128TwoIndependentHashes(t *testing.T) {
	a1, a2 := SipHash128([]byte("some-key"))
	require.NotEqual(t, a1, a2)

	b1, b2 := SipHash128([]byte("some-key"))
	require.Equal(t, a1, b1)
	require.Equal(t, a2, b2)
}

func TestViewRoundTrip(t *testing.T) {
	b := make([]byte, 32)
	v := NewView(b)
	v.PutU16At(0, 1234)
	v.PutU32At(2, 0xdeadbeef)
	v.PutU64At(6, 0x0102030405060708)
	v.PutU8At(14, 1)

	require.Equal(t, uint16(1234), v.U16At(0))
	require.Equal(t, uint32(0xdeadbeef), v.U32At(2))
	require.Equal(t, uint64(0x0102030405060708), v.U64At(6))
	require.Equal(t, uint8(1), v.U8At(14))
}

func TestViewCRC32CRange(t *testing.T) {
	b := append([]byte("123456789"), 0, 0, 0, 0)
	v := NewView(b)
	require.Equal(t, CRC32C([]byte("123456789")), v.CRC32CRange(0, 9))
}

func TestUvarintRoundTrip(t *testing.T) {
	var dst []byte
	dst = PutUvarint(dst, 300)
	got, n := Uvarint(dst)
	require.Equal(t, uint64(300), got)
	require.Equal(t, len(dst), n)
}

func TestPoolGetReleaseRoundTrip(t *testing.T) {
	p := NewPool()
	b := p.Get(100)
	require.Len(t, b, 100)
	require.True(t, isPowerOfTwo(cap(b)))

	for i := range b {
		b[i] = 0xAB
	}
	p.Release(b)

	b2 := p.Get(100)
	require.Len(t, b2, 100)
	for _, x := range b2 {
		require.Equal(t, byte(0), x, "released buffers must come back cleared")
	}
}

func TestPoolRejectsNonPowerOfTwo(t *testing.T) {
	p := NewPool()
	weird := make([]byte, 10, 10) // cap 10 is not a power of two
	p.Release(weird)
	require.Empty(t, p.classes[10])
}

func TestPoolOversizeBypasses(t *testing.T) {
	p := NewPool()
	b := p.Get(16 * 1024 * 1024)
	require.Len(t, b, 16*1024*1024)
}
