// Package stripe implements the stripe-aligned, erasure-coded block
// appender described in §4.5 (C5): k data lanes plus m parity lanes,
// written in lockstep and fsynced as a group.
package stripe

import (
	"errors"

	"github.com/klauspost/reedsolomon"

	"github.com/akdb-project/akdb/block"
)

// Mode selects the parity scheme for a stripe set.
type Mode uint8

const (
	ModeNone Mode = iota
	ModeXOR
	ModeDualXOR
	ModeRS
)

var (
	ErrTooManyErasures = errors.New("stripe: erasures exceed parity lanes")
	ErrModeMismatch    = errors.New("stripe: lane count mismatch for mode")
)

// ParityCoder computes and verifies parity across the k data lanes of
// one stripe, and reconstructs missing lanes from surviving ones.
type ParityCoder interface {
	// EncodeInto computes m parity blocks from k data blocks of equal
	// length, writing results into parityOut (pre-sized len==m).
	EncodeInto(data [][]byte, parityOut [][]byte) error
	// Verify reports whether the given parity matches the given data.
	Verify(data [][]byte, parity [][]byte) (bool, error)
	// Reconstruct fills in nil entries of data/parity (in place) from
	// the surviving lanes. Returns the count of lanes reconstructed, or
	// ErrTooManyErasures if more than m lanes are missing.
	Reconstruct(data [][]byte, parity [][]byte) (int, error)
	// K and M report the lane counts this coder was built for.
	K() int
	M() int
}

// NewParityCoder builds the coder for mode with k data and m parity
// lanes. ModeNone requires m==0; ModeXOR and ModeDualXOR require m==1
// and m==2 respectively; ModeRS supports any k,m via Reed-Solomon.
func NewParityCoder(mode Mode, k, m int) (ParityCoder, error) {
	switch mode {
	case ModeNone:
		if m != 0 {
			return nil, ErrModeMismatch
		}
		return noneCoder{k: k}, nil
	case ModeXOR:
		if m != 1 {
			return nil, ErrModeMismatch
		}
		return xorCoder{k: k}, nil
	case ModeDualXOR:
		if m != 2 {
			return nil, ErrModeMismatch
		}
		return dualXORCoder{k: k}, nil
	case ModeRS:
		enc, err := reedsolomon.New(k, m)
		if err != nil {
			return nil, err
		}
		return rsCoder{k: k, m: m, enc: enc}, nil
	default:
		return nil, ErrModeMismatch
	}
}

// noneCoder: no parity lanes; tolerates zero erasures.
type noneCoder struct{ k int }

func (c noneCoder) K() int { return c.k }
func (c noneCoder) M() int { return 0 }

func (c noneCoder) EncodeInto(data, parityOut [][]byte) error { return nil }

func (c noneCoder) Verify(data, parity [][]byte) (bool, error) {
	for _, d := range data {
		if d == nil {
			return false, nil
		}
	}
	return true, nil
}

func (c noneCoder) Reconstruct(data, parity [][]byte) (int, error) {
	for _, d := range data {
		if d == nil {
			return 0, ErrTooManyErasures
		}
	}
	return 0, nil
}

// xorCoder: single parity lane, byte-parallel XOR across all data lanes.
type xorCoder struct{ k int }

func (c xorCoder) K() int { return c.k }
func (c xorCoder) M() int { return 1 }

func xorInto(dst []byte, data [][]byte) {
	for i := range dst {
		dst[i] = 0
	}
	for _, d := range data {
		for i, b := range d {
			dst[i] ^= b
		}
	}
}

func (c xorCoder) EncodeInto(data, parityOut [][]byte) error {
	if len(data) != c.k || len(parityOut) != 1 {
		return ErrModeMismatch
	}
	xorInto(parityOut[0], data)
	return nil
}

func (c xorCoder) Verify(data, parity [][]byte) (bool, error) {
	if anyNil(data) || anyNil(parity) {
		return false, nil
	}
	want := make([]byte, len(parity[0]))
	xorInto(want, data)
	return bytesEqual(want, parity[0]), nil
}

func (c xorCoder) Reconstruct(data, parity [][]byte) (int, error) {
	missing := missingIndices(data) + missingIndices(parity)
	if missing > 1 {
		return 0, ErrTooManyErasures
	}
	if missing == 0 {
		return 0, nil
	}
	if parity[0] == nil {
		blockLen := lengthOf(data)
		parity[0] = make([]byte, blockLen)
		xorInto(parity[0], data)
		return 1, nil
	}
	// exactly one data lane missing: XOR the rest with parity.
	idx := -1
	for i, d := range data {
		if d == nil {
			idx = i
			break
		}
	}
	blockLen := len(parity[0])
	recovered := make([]byte, blockLen)
	copy(recovered, parity[0])
	for i, d := range data {
		if i == idx {
			continue
		}
		for j, b := range d {
			recovered[j] ^= b
		}
	}
	data[idx] = recovered
	return 1, nil
}

// gfExp/gfLog implement GF(2^8) log/antilog tables over the same
// generator polynomial (0x11d) the RS coder uses, so dualXORCoder's
// second parity lane can carry a genuine RAID-6 style "Q syndrome"
// instead of a row parity that happens to repeat the first lane.
var (
	gfExp [510]byte
	gfLog [256]byte
)

func init() {
	x := 1
	for i := 0; i < 255; i++ {
		gfExp[i] = byte(x)
		gfLog[x] = byte(i)
		x <<= 1
		if x&0x100 != 0 {
			x ^= 0x11d
		}
	}
	for i := 255; i < 510; i++ {
		gfExp[i] = gfExp[i-255]
	}
}

func gfMul(a, b byte) byte {
	if a == 0 || b == 0 {
		return 0
	}
	return gfExp[int(gfLog[a])+int(gfLog[b])]
}

func gfDiv(a, b byte) byte {
	if a == 0 {
		return 0
	}
	return gfExp[int(gfLog[a])-int(gfLog[b])+255]
}

// qCoeff is the nonzero GF(2^8) coefficient dualXORCoder assigns to
// lane i in its second ("Q") parity equation. Using g^(i+1) keeps every
// lane's coefficient distinct and nonzero for any k < 255.
func qCoeff(i int) byte {
	return gfExp[(i+1)%255]
}

func weightedXorInto(dst []byte, data [][]byte) {
	for i := range dst {
		dst[i] = 0
	}
	for lane, d := range data {
		c := qCoeff(lane)
		for i, b := range d {
			dst[i] ^= gfMul(c, b)
		}
	}
}

// dualXORCoder: a row-parity lane (plain XOR) plus a GF(2^8)-weighted
// "Q" parity lane, the classic RAID-6 P+Q construction specialized to
// m=2. Tolerates any 2 combined erasures across data+parity.
type dualXORCoder struct{ k int }

func (c dualXORCoder) K() int { return c.k }
func (c dualXORCoder) M() int { return 2 }

func (c dualXORCoder) EncodeInto(data, parityOut [][]byte) error {
	if len(data) != c.k || len(parityOut) != 2 {
		return ErrModeMismatch
	}
	xorInto(parityOut[0], data)
	weightedXorInto(parityOut[1], data)
	return nil
}

func (c dualXORCoder) Verify(data, parity [][]byte) (bool, error) {
	if anyNil(data) || anyNil(parity) {
		return false, nil
	}
	want0 := make([]byte, len(parity[0]))
	xorInto(want0, data)
	want1 := make([]byte, len(parity[1]))
	weightedXorInto(want1, data)
	return bytesEqual(want0, parity[0]) && bytesEqual(want1, parity[1]), nil
}

// recoverDataViaRow recovers a single missing data lane from the row
// (P) parity and every other surviving data lane.
func recoverDataViaRow(data [][]byte, parity0 []byte, idx int) {
	blockLen := len(parity0)
	recovered := make([]byte, blockLen)
	copy(recovered, parity0)
	for lane, d := range data {
		if lane == idx {
			continue
		}
		for j, b := range d {
			recovered[j] ^= b
		}
	}
	data[idx] = recovered
}

// recoverDataViaQ recovers a single missing data lane from the Q
// parity alone, inverting idx's GF(2^8) coefficient.
func recoverDataViaQ(data [][]byte, parity1 []byte, idx int) {
	blockLen := len(parity1)
	residual := make([]byte, blockLen)
	copy(residual, parity1)
	for lane, d := range data {
		if lane == idx {
			continue
		}
		c := qCoeff(lane)
		for j, b := range d {
			residual[j] ^= gfMul(c, b)
		}
	}
	inv := qCoeff(idx)
	recovered := make([]byte, blockLen)
	for j, b := range residual {
		recovered[j] = gfDiv(b, inv)
	}
	data[idx] = recovered
}

// recoverTwoDataLanes solves the P/Q pair for two simultaneously
// missing data lanes x and y, the standard RAID-6 double-erasure
// formula: Dx = (Qxy ^ gy*Pxy) / (gx^gy), Dy = Pxy ^ Dx.
func recoverTwoDataLanes(data, parity [][]byte, x, y int) {
	blockLen := len(parity[0])
	pxy := make([]byte, blockLen)
	copy(pxy, parity[0])
	qxy := make([]byte, blockLen)
	copy(qxy, parity[1])
	for lane, d := range data {
		if lane == x || lane == y {
			continue
		}
		c := qCoeff(lane)
		for j, b := range d {
			pxy[j] ^= b
			qxy[j] ^= gfMul(c, b)
		}
	}
	gx, gy := qCoeff(x), qCoeff(y)
	denom := gx ^ gy
	dx := make([]byte, blockLen)
	dy := make([]byte, blockLen)
	for j := range dx {
		num := qxy[j] ^ gfMul(gy, pxy[j])
		dx[j] = gfDiv(num, denom)
		dy[j] = pxy[j] ^ dx[j]
	}
	data[x] = dx
	data[y] = dy
}

func nilIndices(lanes [][]byte) []int {
	var out []int
	for i, l := range lanes {
		if l == nil {
			out = append(out, i)
		}
	}
	return out
}

func (c dualXORCoder) Reconstruct(data, parity [][]byte) (int, error) {
	missingData := nilIndices(data)
	missingParity := nilIndices(parity)
	missing := len(missingData) + len(missingParity)
	if missing == 0 {
		return 0, nil
	}
	if missing > 2 {
		return 0, ErrTooManyErasures
	}

	blockLen := lengthOf(data)
	if blockLen == 0 {
		blockLen = lengthOf(parity)
	}

	switch {
	case missing == 1 && len(missingParity) == 1 && missingParity[0] == 0:
		parity[0] = make([]byte, blockLen)
		xorInto(parity[0], data)
	case missing == 1 && len(missingParity) == 1 && missingParity[0] == 1:
		parity[1] = make([]byte, blockLen)
		weightedXorInto(parity[1], data)
	case missing == 1:
		recoverDataViaRow(data, parity[0], missingData[0])
	case len(missingParity) == 2:
		// Both parity lanes gone, data intact: just recompute them.
		parity[0] = make([]byte, blockLen)
		parity[1] = make([]byte, blockLen)
		xorInto(parity[0], data)
		weightedXorInto(parity[1], data)
	case len(missingData) == 1 && missingParity[0] == 0:
		recoverDataViaQ(data, parity[1], missingData[0])
		parity[0] = make([]byte, blockLen)
		xorInto(parity[0], data)
	case len(missingData) == 1 && missingParity[0] == 1:
		recoverDataViaRow(data, parity[0], missingData[0])
		parity[1] = make([]byte, blockLen)
		weightedXorInto(parity[1], data)
	case len(missingData) == 2:
		recoverTwoDataLanes(data, parity, missingData[0], missingData[1])
	default:
		return 0, ErrTooManyErasures
	}
	return missing, nil
}

// rsCoder wraps klauspost/reedsolomon for the general k,m case.
type rsCoder struct {
	k, m int
	enc  reedsolomon.Encoder
}

func (c rsCoder) K() int { return c.k }
func (c rsCoder) M() int { return c.m }

func (c rsCoder) EncodeInto(data, parityOut [][]byte) error {
	shards := append(append([][]byte{}, data...), parityOut...)
	return c.enc.Encode(shards)
}

func (c rsCoder) Verify(data, parity [][]byte) (bool, error) {
	if anyNil(data) || anyNil(parity) {
		return false, nil
	}
	shards := append(append([][]byte{}, data...), parity...)
	return c.enc.Verify(shards)
}

func (c rsCoder) Reconstruct(data, parity [][]byte) (int, error) {
	shards := append(append([][]byte{}, data...), parity...)
	missing := 0
	for _, s := range shards {
		if s == nil {
			missing++
		}
	}
	if missing == 0 {
		return 0, nil
	}
	if missing > c.m {
		return 0, ErrTooManyErasures
	}
	if err := c.enc.Reconstruct(shards); err != nil {
		return 0, err
	}
	copy(data, shards[:c.k])
	copy(parity, shards[c.k:])
	return missing, nil
}

func anyNil(lanes [][]byte) bool {
	for _, l := range lanes {
		if l == nil {
			return true
		}
	}
	return false
}

func missingIndices(lanes [][]byte) int {
	n := 0
	for _, l := range lanes {
		if l == nil {
			n++
		}
	}
	return n
}

func lengthOf(lanes [][]byte) int {
	for _, l := range lanes {
		if l != nil {
			return len(l)
		}
	}
	return 0
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// validateBlockCRC reports whether block.NewCursor accepts blk (length
// and CRC checks), discarding the cursor it builds; used by the stripe
// reader's per-lane validation pass.
func validateBlockCRC(blk []byte) bool {
	_, err := block.NewCursor(blk)
	return err == nil
}
