package memtable

import "github.com/akdb-project/akdb/block"

// Record is the in-memory representation of one versioned key-value
// entry (spec §3 MemRecord). Flags bit0 is the tombstone marker.
type Record struct {
	Key         []byte
	Value       []byte
	Seq         uint64
	Flags       uint8
	KeyHash32   uint32
	ApproxBytes int
}

// Tombstone reports whether this record marks Key as deleted.
func (r Record) Tombstone() bool { return r.Flags&block.FlagTombstone != 0 }

// approxRecordBytes is the byte-accounting size used for MemTable flush
// triggers: key + value + a fixed 24-byte per-entry overhead (§4.3).
func approxRecordBytes(key, value []byte) int {
	return len(key) + len(value) + 24
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
