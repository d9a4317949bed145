package block

import "github.com/akdb-project/akdb/buf"

// Packer accumulates AKHdr32 records into a 32 KiB block buffer and
// hands completed blocks to a sink. One Packer is used by a single
// writer at a time (WAL framing reuses the header format but not this
// packer; SST and stripe writers drive it directly).
type Packer struct {
	pool *buf.Pool
	blk  []byte
	pos  int
	sink func([]byte) error
}

// NewPacker returns a Packer that checks block buffers out of pool and
// passes each sealed block to sink. sink takes ownership of the slice;
// if it wants to retain the buffer past its call it should copy, and
// it is responsible for returning the buffer to pool via pool.Release
// when it is done (the packer does not recycle it automatically, since
// ownership transferred to the sink at endBlock).
func NewPacker(pool *buf.Pool, sink func([]byte) error) *Packer {
	return &Packer{
		pool: pool,
		blk:  pool.Get(BlockSize),
		pos:  4,
		sink: sink,
	}
}

// Pending reports whether any record has been appended since the last
// endBlock.
func (p *Packer) Pending() bool { return p.pos > 4 }

// CurrentPayload returns the number of payload bytes accumulated so far.
func (p *Packer) CurrentPayload() int { return p.pos - 4 }

// TryAppend attempts to append one record. It returns (false, nil) if
// the record would not fit in the remaining space of the current block,
// leaving the buffer unchanged — the caller should call EndBlock and
// retry against a fresh block. It returns (false, ErrValueTooLarge) if
// the record could never fit in any block, regardless of fill level,
// and (false, ErrKeyTooLarge) if the key alone exceeds MaxKeyLen.
func (p *Packer) TryAppend(key, value []byte, seq uint64, flags uint8) (bool, error) {
	if len(key) > MaxKeyLen {
		return false, ErrKeyTooLarge
	}
	recLen := HeaderSize + len(key) + len(value)
	if recLen > PayloadLimit {
		return false, ErrValueTooLarge
	}
	if recLen > PayloadLimit-p.CurrentPayload() {
		return false, nil
	}

	h := Header{
		KLen:    uint16(len(key)),
		VLen:    uint32(len(value)),
		Seq:     seq,
		Flags:   flags,
		KeyFP64: buf.SipHash64(key),
		MiniKey: MiniKeyOf(key),
	}
	EncodeHeader(p.blk[p.pos:], h)
	off := p.pos + HeaderSize
	off += copy(p.blk[off:], key)
	copy(p.blk[off:], value)
	p.pos += recLen
	return true, nil
}

// EndBlock finalizes the current block (payload length, zero padding,
// CRC32C), hands it to the sink, and resets the packer onto a fresh
// buffer. Calling EndBlock on an empty packer still emits a
// (structurally valid, empty-payload) block; callers that want to skip
// empty blocks should check Pending first.
func (p *Packer) EndBlock() error {
	v := buf.NewView(p.blk)
	payloadLen := p.pos - 4
	v.PutU32At(0, uint32(payloadLen))

	for i := p.pos; i < BlockSize-4; i++ {
		p.blk[i] = 0
	}
	crc := v.CRC32CRange(0, BlockSize-4)
	v.PutU32At(BlockSize-4, crc)

	sealed := p.blk
	if err := p.sink(sealed); err != nil {
		return err
	}
	p.blk = p.pool.Get(BlockSize)
	p.pos = 4
	return nil
}

// Abandon releases the packer's current in-flight buffer back to the
// pool without emitting it, for use on shutdown/error paths.
func (p *Packer) Abandon() {
	if p.blk != nil {
		p.pool.Release(p.blk)
		p.blk = nil
	}
}
