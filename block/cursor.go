package block

import "github.com/akdb-project/akdb/buf"

// RecordView is a zero-copy parsed record: a decoded header plus key/
// value slices that alias the block buffer. RecordView never owns
// memory; the caller must keep the backing block alive for as long as
// it holds one.
type RecordView struct {
	Header Header
	Key    []byte
	Value  []byte
}

// Tombstone reports whether this record is a deletion marker.
func (r RecordView) Tombstone() bool { return r.Header.Tombstone() }

// Cursor is a forward-only reader over one block's payload region.
type Cursor struct {
	blk        []byte
	payloadLen uint32
	pos        int
}

// NewCursor validates the block's CRC32C and payload-length invariant
// and returns a cursor positioned at the first record.
func NewCursor(blk []byte) (*Cursor, error) {
	if len(blk) != BlockSize {
		return nil, ErrBlockCorrupt
	}
	v := buf.NewView(blk)
	gotCRC := v.U32At(BlockSize - 4)
	wantCRC := v.CRC32CRange(0, BlockSize-4)
	if gotCRC != wantCRC {
		return nil, ErrBlockCorrupt
	}
	payloadLen := v.U32At(0)
	if payloadLen > PayloadLimit {
		return nil, ErrBlockCorrupt
	}
	return &Cursor{blk: blk, payloadLen: payloadLen, pos: 4}, nil
}

// Payload returns the raw payload region of the block (the packed
// records as written, before the length prefix and trailing CRC).
// Used by callers that need the block verbatim rather than parsed
// record-by-record, such as the stripe reader handing payload slices
// back to callers.
func (c *Cursor) Payload() []byte {
	return c.blk[4 : 4+int(c.payloadLen)]
}

// Next returns the next record, or (nil, nil) at a clean end of the
// payload region, or (nil, ErrBlockCorrupt) if the remaining bytes do
// not frame a complete record.
func (c *Cursor) Next() (*RecordView, error) {
	end := 4 + int(c.payloadLen)
	if c.pos >= end {
		return nil, nil
	}
	if end-c.pos < HeaderSize {
		return nil, ErrBlockCorrupt
	}
	h := DecodeHeader(c.blk[c.pos:])
	recLen := HeaderSize + int(h.KLen) + int(h.VLen)
	if c.pos+recLen > end {
		return nil, ErrBlockCorrupt
	}
	keyStart := c.pos + HeaderSize
	keyEnd := keyStart + int(h.KLen)
	valEnd := keyEnd + int(h.VLen)
	rv := &RecordView{
		Header: h,
		Key:    c.blk[keyStart:keyEnd],
		Value:  c.blk[keyEnd:valEnd],
	}
	c.pos += recLen
	return rv, nil
}
