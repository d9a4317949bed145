// Package sstable implements the immutable sorted-string-table format
// described in §4.6 (C6): a sequence of 32 KiB data blocks, a sparse
// index block (AKIX), a Bloom filter block (AKBL), and a 32-byte
// footer (AKSS) carrying absolute offsets and a whole-file CRC32C.
package sstable

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/google/uuid"

	"github.com/akdb-project/akdb/block"
	"github.com/akdb-project/akdb/bloom"
	"github.com/akdb-project/akdb/buf"
)

const (
	magicIndex  uint32 = 0x414b4958 // "AKIX"
	magicBloom  uint32 = 0x414b424c // "AKBL"
	magicFooter uint32 = 0x414b5353 // "AKSS"
	formatVer   uint16 = 1

	// FooterSize is the fixed 32-byte trailer: magic, version, entries,
	// indexOffset, bloomOffset, crc32c, and padding.
	FooterSize = 32
)

var (
	ErrCorrupt       = errors.New("sstable: corrupt")
	ErrFooterInvalid = errors.New("sstable: footer magic/version/crc mismatch")
	ErrDuplicateKey  = errors.New("sstable: duplicate key in sorted input")
	ErrUnsortedInput = errors.New("sstable: input not strictly key-sorted")
)

// indexEntry records the first key of a data block and that block's
// byte offset in the file, forming the sparse index.
type indexEntry struct {
	firstKey []byte
	offset   uint64
}

// Footer is the 32-byte trailer of an SST file:
// [indexOffset:u64][bloomOffset:u64][entries:u32][magic:u32][version:u16][reserved:u16][crc32c:u32].
// crc32c sits last so it alone occupies the final 4 bytes of the file,
// matching §4.6 step 3 ("compute crc32c over [0..fileSize-4)").
type Footer struct {
	IndexOffset uint64
	BloomOffset uint64
	Entries     uint64
	CRC32C      uint32
}

func encodeFooter(f Footer) []byte {
	out := make([]byte, FooterSize)
	v := buf.NewView(out)
	v.PutU64At(0, f.IndexOffset)
	v.PutU64At(8, f.BloomOffset)
	v.PutU32At(16, uint32(f.Entries))
	v.PutU32At(20, magicFooter)
	v.PutU16At(24, formatVer)
	// bytes [26:28) reserved/zero.
	v.PutU32At(28, f.CRC32C)
	return out
}

func decodeFooter(b []byte) (Footer, error) {
	if len(b) != FooterSize {
		return Footer{}, ErrFooterInvalid
	}
	v := buf.NewView(b)
	f := Footer{
		IndexOffset: v.U64At(0),
		BloomOffset: v.U64At(8),
		Entries:     uint64(v.U32At(16)),
		CRC32C:      v.U32At(28),
	}
	if v.U32At(20) != magicFooter || v.U16At(24) != formatVer {
		return Footer{}, ErrFooterInvalid
	}
	return f, nil
}

// FormatFilename returns the canonical SST filename for a file id: a
// zero-padded sequence number (the part engine.parseSSTID reads back
// for restart recovery) followed by a short random suffix, so two
// tables sharing the same numeric id from different processes can
// never collide on disk.
func FormatFilename(id uint64) string {
	return fmt.Sprintf("%06d-%s.sst", id, shortUUID())
}

func shortUUID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:4])
}

// InputRecord is one record handed to Write, in the exact order it
// should appear in the output file. The caller guarantees strictly
// ascending keys with no duplicates (the flush/compaction source is
// responsible for that uniqueness per §4.6).
type InputRecord struct {
	Key   []byte
	Value []byte
	Seq   uint64
	Flags uint8
}

// WriteOptions configures Bloom filter sizing. The sparse index always
// holds one entry per data block.
type WriteOptions struct {
	BloomBitsPerKey uint64
	BloomK          uint8
}

func (o WriteOptions) withDefaults() WriteOptions {
	if o.BloomBitsPerKey == 0 {
		o.BloomBitsPerKey = 10
	}
	if o.BloomK == 0 {
		o.BloomK = 7
	}
	return o
}

// Write streams records into a new SST file at path. records must be
// strictly increasing by key; Write returns ErrUnsortedInput or
// ErrDuplicateKey otherwise, without leaving a partial file behind.
func Write(path string, records []InputRecord, pool *buf.Pool, opts WriteOptions) (Footer, error) {
	opts = opts.withDefaults()

	for i := 1; i < len(records); i++ {
		cmp := bytes.Compare(records[i-1].Key, records[i].Key)
		if cmp == 0 {
			return Footer{}, ErrDuplicateKey
		}
		if cmp > 0 {
			return Footer{}, ErrUnsortedInput
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return Footer{}, err
	}
	defer f.Close()

	var written int64
	var index []indexEntry
	var curFirstKey []byte
	bf := bloom.NewForKeys(len(records), opts.BloomBitsPerKey, opts.BloomK)

	sink := func(blk []byte) error {
		off := written
		if curFirstKey != nil {
			index = append(index, indexEntry{firstKey: curFirstKey, offset: uint64(off)})
			curFirstKey = nil
		}
		n, werr := f.Write(blk)
		written += int64(n)
		pool.Release(blk)
		return werr
	}
	p := block.NewPacker(pool, sink)

	for _, r := range records {
		if curFirstKey == nil {
			curFirstKey = r.Key
		}
		bf.Add(r.Key)
		ok, appendErr := p.TryAppend(r.Key, r.Value, r.Seq, r.Flags)
		if appendErr != nil {
			p.Abandon()
			return Footer{}, appendErr
		}
		if ok {
			continue
		}
		if err := p.EndBlock(); err != nil {
			return Footer{}, err
		}
		curFirstKey = r.Key
		ok, appendErr = p.TryAppend(r.Key, r.Value, r.Seq, r.Flags)
		if appendErr != nil {
			p.Abandon()
			return Footer{}, appendErr
		}
		if !ok {
			p.Abandon()
			return Footer{}, ErrCorrupt
		}
	}
	if p.Pending() {
		if err := p.EndBlock(); err != nil {
			return Footer{}, err
		}
	} else {
		p.Abandon()
	}

	idxOff := written
	idxBytes := encodeIndex(index)
	framedIdx := frameSection(magicIndex, idxBytes)
	n, err := f.Write(framedIdx)
	written += int64(n)
	if err != nil {
		return Footer{}, err
	}

	bloomOff := written
	bloomBytes := bf.Encode()
	framedBloom := frameSection(magicBloom, bloomBytes)
	n, err = f.Write(framedBloom)
	written += int64(n)
	if err != nil {
		return Footer{}, err
	}

	footer := Footer{IndexOffset: uint64(idxOff), BloomOffset: uint64(bloomOff), Entries: uint64(len(records))}
	footerBytes := encodeFooter(footer)
	if _, err := f.Write(footerBytes); err != nil {
		return Footer{}, err
	}

	if err := f.Sync(); err != nil {
		return Footer{}, err
	}

	// Compute file-level CRC over [0, fileSize-4) and patch it into the
	// footer's trailing 4 bytes, then re-sync (§4.6 step 3).
	st, err := f.Stat()
	if err != nil {
		return Footer{}, err
	}
	fileSize := st.Size()
	full := make([]byte, fileSize)
	if _, err := f.ReadAt(full, 0); err != nil {
		return Footer{}, err
	}
	crc := buf.CRC32C(full[:fileSize-4])
	binary.LittleEndian.PutUint32(full[fileSize-4:], crc)
	if _, err := f.WriteAt(full[fileSize-4:], fileSize-4); err != nil {
		return Footer{}, err
	}
	footer.CRC32C = crc
	return footer, f.Sync()
}

// frameSection wraps payload as [magic:u32][len:u32][payload].
func frameSection(magic uint32, payload []byte) []byte {
	out := make([]byte, 8+len(payload))
	binary.LittleEndian.PutUint32(out[0:4], magic)
	binary.LittleEndian.PutUint32(out[4:8], uint32(len(payload)))
	copy(out[8:], payload)
	return out
}

func encodeIndex(entries []indexEntry) []byte {
	sort.Slice(entries, func(i, j int) bool { return bytes.Compare(entries[i].firstKey, entries[j].firstKey) < 0 })
	var out []byte
	for _, e := range entries {
		var klen [4]byte
		binary.LittleEndian.PutUint32(klen[:], uint32(len(e.firstKey)))
		out = append(out, klen[:]...)
		out = append(out, e.firstKey...)
		var off [8]byte
		binary.LittleEndian.PutUint64(off[:], e.offset)
		out = append(out, off[:]...)
	}
	return out
}

func decodeIndex(b []byte) ([]indexEntry, error) {
	var entries []indexEntry
	pos := 0
	for pos < len(b) {
		if pos+4 > len(b) {
			return nil, ErrCorrupt
		}
		klen := int(binary.LittleEndian.Uint32(b[pos : pos+4]))
		pos += 4
		if pos+klen+8 > len(b) {
			return nil, ErrCorrupt
		}
		key := append([]byte(nil), b[pos:pos+klen]...)
		pos += klen
		off := binary.LittleEndian.Uint64(b[pos : pos+8])
		pos += 8
		entries = append(entries, indexEntry{firstKey: key, offset: off})
	}
	return entries, nil
}

func readFramedSection(f *os.File, off int64, wantMagic uint32) ([]byte, error) {
	var hdr [8]byte
	if _, err := f.ReadAt(hdr[:], off); err != nil {
		return nil, err
	}
	gotMagic := binary.LittleEndian.Uint32(hdr[0:4])
	if gotMagic != wantMagic {
		return nil, ErrCorrupt
	}
	n := binary.LittleEndian.Uint32(hdr[4:8])
	payload := make([]byte, n)
	if n > 0 {
		if _, err := f.ReadAt(payload, off+8); err != nil && err != io.EOF {
			return nil, err
		}
	}
	return payload, nil
}
