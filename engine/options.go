// Package engine ties the MemTable, write-ahead log, stripe writer,
// SST writer/reader, compactor, and manifest together into the single
// embedded storage engine described in §4.9 (C9): put/get/delete/CAS/
// range, flush, close, and the startup recovery orchestration that
// reassembles engine state after a crash.
package engine

import (
	"time"

	"go.uber.org/zap"

	"github.com/akdb-project/akdb/compaction"
	"github.com/akdb-project/akdb/memtable"
	"github.com/akdb-project/akdb/sstable"
	"github.com/akdb-project/akdb/stripe"
	"github.com/akdb-project/akdb/wal"
)

// Options configures one Engine instance. Zero-value fields take the
// defaults listed in §8's options table.
type Options struct {
	Dir string

	MemTable  memtable.Options
	WAL       wal.Options
	Stripe    stripe.Options
	Write     sstable.WriteOptions
	Policy    compaction.Policy

	// UseStripeForWrite additionally mirrors every flushed MemTable
	// snapshot into the erasure-coded stripe lanes. Off by default: the
	// stripe path exists for the recovery scenarios in §7 (E4/E5), not
	// as a mandatory write amplifier.
	UseStripeForWrite bool

	// TombstoneTTL bounds how long a deleted key's tombstone survives
	// once it reaches the bottom compaction level (§4.8 GC).
	TombstoneTTL time.Duration

	// DurableCAS additionally logs a successful CompareAndSwap to the
	// WAL (§8 durableCas), so a CAS'd value survives replay even if the
	// caller never issues a separate Put.
	DurableCAS bool

	Logger *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.Dir == "" {
		o.Dir = "."
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	o.WAL.Logger = o.Logger
	o.Stripe.Logger = o.Logger
	if o.Policy.MaxLevel == 0 && o.Policy.L0CompactionTrigger == 0 && o.Policy.LevelFanout == 0 {
		o.Policy = compaction.DefaultPolicy()
	}
	return o
}
