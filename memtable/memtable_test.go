package memtable

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/akdb-project/akdb/block"
)

func TestPutGetHighestSeqWins(t *testing.T) {
	m := New(Options{}, 0)
	seq1 := m.NextSeq()
	m.Put(Record{Key: []byte("k"), Value: []byte("v1"), Seq: seq1})
	seq2 := m.NextSeq()
	m.Put(Record{Key: []byte("k"), Value: []byte("v2"), Seq: seq2})

	rec, ok := m.Get([]byte("k"))
	require.True(t, ok)
	require.Equal(t, []byte("v2"), rec.Value)
	require.Equal(t, seq2, rec.Seq)
}

func TestPutIgnoresLowerSeq(t *testing.T) {
	m := New(Options{}, 0)
	m.Put(Record{Key: []byte("k"), Value: []byte("v2"), Seq: 5})
	m.Put(Record{Key: []byte("k"), Value: []byte("v1"), Seq: 3})

	rec, ok := m.Get([]byte("k"))
	require.True(t, ok)
	require.Equal(t, []byte("v2"), rec.Value)
}

func TestTombstoneWins(t *testing.T) {
	m := New(Options{}, 0)
	m.Put(Record{Key: []byte("k"), Value: []byte("v"), Seq: 1})
	m.Put(Record{Key: []byte("k"), Flags: block.FlagTombstone, Seq: 2})

	rec, ok := m.Get([]byte("k"))
	require.True(t, ok)
	require.True(t, rec.Tombstone())
}

func TestCompareAndSwap(t *testing.T) {
	m := New(Options{}, 0)
	seq1, ok := m.CompareAndSwap([]byte("k"), 0, []byte("v1"))
	require.True(t, ok)

	_, ok = m.CompareAndSwap([]byte("k"), seq1, []byte("v2"))
	require.True(t, ok)

	_, ok = m.CompareAndSwap([]byte("k"), seq1, []byte("v3"))
	require.False(t, ok, "stale expected seq must fail")

	rec, _ := m.Get([]byte("k"))
	seq2 := rec.Seq
	_, ok = m.CompareAndSwap([]byte("k"), seq2, nil)
	require.True(t, ok)

	rec, _ = m.Get([]byte("k"))
	require.True(t, rec.Tombstone())
}

func TestCompareAndSwapOnAbsentKey(t *testing.T) {
	m := New(Options{}, 0)
	_, ok := m.CompareAndSwap([]byte("new"), 5, []byte("v"))
	require.False(t, ok)

	_, ok = m.CompareAndSwap([]byte("new"), 0, []byte("v"))
	require.True(t, ok)
}

func TestRangeIterOrderedOneEntryPerKey(t *testing.T) {
	m := New(Options{}, 0)
	m.Put(Record{Key: []byte("a"), Value: []byte("1"), Seq: 1})
	m.Put(Record{Key: []byte("b"), Value: []byte("2"), Seq: 2})
	m.Put(Record{Key: []byte("c"), Value: []byte("3"), Seq: 3})
	m.Put(Record{Key: []byte("b"), Flags: block.FlagTombstone, Seq: 4})

	var keys [][]byte
	m.RangeIter([]byte("a"), []byte("d"), func(r Record) bool {
		keys = append(keys, append([]byte(nil), r.Key...))
		return true
	})
	require.Equal(t, [][]byte{[]byte("a"), []byte("b"), []byte("c")}, keys)
}

func TestFlushHintSealsOnThreshold(t *testing.T) {
	m := New(Options{ThresholdPerShard: 10, ShardCount: 1}, 0)
	m.Put(Record{Key: []byte("key1"), Value: []byte("value1"), Seq: 1})

	select {
	case task := <-m.FlushTasks():
		require.NotEmpty(t, task.Records)
	default:
		t.Fatal("expected a flush task to be enqueued once threshold is crossed")
	}
}

func TestNextSeqMonotonic(t *testing.T) {
	m := New(Options{}, 100)
	require.Equal(t, uint64(101), m.NextSeq())
	require.Equal(t, uint64(102), m.NextSeq())
}
