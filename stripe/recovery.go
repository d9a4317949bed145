package stripe

import (
	"os"
	"path/filepath"

	"github.com/akdb-project/akdb/block"
)

// RecoverResult reports the outcome of scanning a lane set at startup.
type RecoverResult struct {
	LastSealed    uint64
	HasSealed     bool
	LastDurable   uint64
	HasDurable    bool
	TruncatedTail bool
	NextIndex     uint64
}

// Recover scans lane tails, truncating any incomplete trailing stripe
// (one where not every lane has a full BlockSize-aligned block), and
// returns the position at which a Writer should resume (§4.5 Recovery).
// A stripe is only kept if every one of its k+m lanes has a complete
// block; since stripes are sealed with a single sequential append per
// lane, the deepest cross-lane-complete stripe is treated as both the
// last sealed and last durable one recoverable from disk.
func Recover(dir string, opts Options) (RecoverResult, error) {
	opts = opts.withDefaults()

	paths := make([]string, 0, opts.K+opts.M)
	for i := 0; i < opts.K; i++ {
		paths = append(paths, filepath.Join(dir, dataLaneName(i)))
	}
	for i := 0; i < opts.M; i++ {
		paths = append(paths, filepath.Join(dir, parityLaneName(i)))
	}

	var minBlocks uint64
	first := true
	truncated := false
	sizes := make([]int64, len(paths))
	for i, p := range paths {
		st, err := os.Stat(p)
		var n uint64
		switch {
		case os.IsNotExist(err):
			sizes[i] = 0
			n = 0
		case err != nil:
			return RecoverResult{}, err
		default:
			sizes[i] = st.Size()
			n = uint64(st.Size()) / block.BlockSize
		}
		if first || n < minBlocks {
			minBlocks = n
			first = false
		}
	}

	for i, p := range paths {
		want := int64(minBlocks) * block.BlockSize
		if sizes[i] > want {
			truncated = true
			f, err := os.OpenFile(p, os.O_RDWR, 0o644)
			if err != nil {
				return RecoverResult{}, err
			}
			if err := f.Truncate(want); err != nil {
				f.Close()
				return RecoverResult{}, err
			}
			f.Close()
		}
	}

	res := RecoverResult{TruncatedTail: truncated, NextIndex: minBlocks}
	if minBlocks > 0 {
		res.LastSealed = minBlocks - 1
		res.HasSealed = true
		res.LastDurable = minBlocks - 1
		res.HasDurable = true
	}
	return res, nil
}
