// Package bloom implements the SipHash-seeded Bloom filter used by the
// SST writer's AKBL block (§4.6): a fixed-seed double-hashing scheme
// over a bit array, so the same key always maps to the same bit
// positions across process restarts.
package bloom

import (
	"encoding/binary"

	"github.com/bits-and-blooms/bitset"

	"github.com/akdb-project/akdb/buf"
)

// Filter is a fixed-size Bloom filter with k hash probes derived from
// one SipHash128 call per key (double hashing: h_i = h1 + i*h2).
type Filter struct {
	k    uint8
	bits uint64
	set  *bitset.BitSet
}

// New allocates a filter with the given bit count and hash count.
func New(bits uint64, k uint8) *Filter {
	if k == 0 {
		k = 7
	}
	if bits < 8 {
		bits = 8
	}
	return &Filter{k: k, bits: bits, set: bitset.New(uint(bits))}
}

// NewForKeys sizes a filter for nkeys entries at the given bits-per-key
// density (the default 10 bits/key, k=7 gives roughly a 1% false
// positive rate, matching §4.6's default target FP rate).
func NewForKeys(nkeys int, bitsPerKey uint64, k uint8) *Filter {
	if nkeys < 1 {
		nkeys = 1
	}
	if bitsPerKey == 0 {
		bitsPerKey = 10
	}
	return New(uint64(nkeys)*bitsPerKey, k)
}

// Add sets the k probe bits for key.
func (f *Filter) Add(key []byte) {
	h1, h2 := buf.SipHash128(key)
	for i := uint8(0); i < f.k; i++ {
		h := h1 + uint64(i)*h2
		f.set.Set(uint(h % f.bits))
	}
}

// MaybeContains reports whether key might be present (no false
// negatives; false positives possible at the configured rate).
func (f *Filter) MaybeContains(key []byte) bool {
	h1, h2 := buf.SipHash128(key)
	for i := uint8(0); i < f.k; i++ {
		h := h1 + uint64(i)*h2
		if !f.set.Test(uint(h % f.bits)) {
			return false
		}
	}
	return true
}

// Encode serializes the filter as [k:u8][bits:u64][wordCount:u32][words...].
func (f *Filter) Encode() []byte {
	words := f.set.Bytes()
	out := make([]byte, 1+8+4+len(words)*8)
	out[0] = f.k
	binary.LittleEndian.PutUint64(out[1:9], f.bits)
	binary.LittleEndian.PutUint32(out[9:13], uint32(len(words)))
	for i, w := range words {
		binary.LittleEndian.PutUint64(out[13+i*8:21+i*8], w)
	}
	return out
}

// Decode parses a filter previously produced by Encode.
func Decode(b []byte) (*Filter, bool) {
	if len(b) < 1+8+4 {
		return nil, false
	}
	k := b[0]
	bits := binary.LittleEndian.Uint64(b[1:9])
	wordCount := binary.LittleEndian.Uint32(b[9:13])
	if k == 0 || bits == 0 {
		return nil, false
	}
	need := 13 + int(wordCount)*8
	if len(b) != need {
		return nil, false
	}
	words := make([]uint64, wordCount)
	for i := range words {
		words[i] = binary.LittleEndian.Uint64(b[13+i*8 : 21+i*8])
	}
	set := bitset.From(words)
	return &Filter{k: k, bits: bits, set: set}, true
}
