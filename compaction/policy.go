// Package compaction implements the leveled k-way-merge compactor:
// picking which files to merge next, merging them by key with
// highest-sequence-wins conflict resolution, and garbage-collecting
// expired tombstones once they reach the bottom level.
package compaction

import "github.com/akdb-project/akdb/manifest"

// Policy configures when a level is considered overfull and needs
// compacting into the next one (§4.8: "L0 compacts at 4 files,
// lower levels at a 10x fanout by default").
type Policy struct {
	L0CompactionTrigger int
	LevelFanout         int
	MaxLevel            int
}

func DefaultPolicy() Policy {
	return Policy{L0CompactionTrigger: 4, LevelFanout: 10, MaxLevel: 6}
}

func (p Policy) levelLimit(level int) int {
	if level == 0 {
		return p.L0CompactionTrigger
	}
	limit := p.L0CompactionTrigger
	for i := 0; i < level; i++ {
		limit *= p.LevelFanout
	}
	return limit
}

// Task names one compaction to run: the source level, the input files
// at that level (and any overlapping files one level down), and the
// level the output belongs to.
type Task struct {
	Level       int
	Inputs      []manifest.SSTEntry
	NextInputs  []manifest.SSTEntry
	OutputLevel int
}

// Plan inspects st and returns the first overfull level's compaction
// task, if any. Levels are checked from 0 upward so L0 (the flush
// target, and the level most likely to start a write stall) always
// takes priority.
func (p Policy) Plan(st manifest.State) (Task, bool) {
	for level := 0; level <= p.MaxLevel; level++ {
		files := st.LiveSSTs[level]
		if len(files) <= p.levelLimit(level) {
			continue
		}
		inputs := files
		if level == 0 {
			// L0 files can overlap each other in key range (each flush is
			// independent), so once L0 is overfull every L0 file joins the
			// merge rather than trying to pick a non-overlapping subset.
			inputs = append([]manifest.SSTEntry(nil), files...)
		} else {
			inputs = []manifest.SSTEntry{oldestBySeqHint(files)}
		}
		next := overlapping(inputs, st.LiveSSTs[level+1])
		return Task{Level: level, Inputs: inputs, NextInputs: next, OutputLevel: level + 1}, true
	}
	return Task{}, false
}

// oldestBySeqHint picks a single input file for a non-L0 level. Entry
// order within LiveSSTs already reflects seal order (append-only
// manifest replay preserves it), so the first entry is the oldest.
func oldestBySeqHint(files []manifest.SSTEntry) manifest.SSTEntry {
	return files[0]
}

// overlapping returns the files in candidates whose [FirstHex, LastHex]
// key range intersects any of inputs' ranges.
func overlapping(inputs []manifest.SSTEntry, candidates []manifest.SSTEntry) []manifest.SSTEntry {
	var out []manifest.SSTEntry
	for _, c := range candidates {
		for _, in := range inputs {
			if c.FirstHex <= in.LastHex && in.FirstHex <= c.LastHex {
				out = append(out, c)
				break
			}
		}
	}
	return out
}
