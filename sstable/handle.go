package sstable

import (
	"sync/atomic"
)

// Handle wraps a Table with an atomic refcount so concurrent readers
// can hold it open while the compactor prepares to delete the
// underlying file (§4.6 "Reference counting"). The table is closed
// (a no-op for Table today, since reads reopen the file per call, but
// reserved for a future mmap'd reader) once the refcount reaches zero
// after Release following a Retire.
type Handle struct {
	table    *Table
	refCount atomic.Int64
	retired  atomic.Bool
	onZero   func(*Table)
}

// NewHandle wraps table with an initial refcount of 1 (the caller's
// own reference). onZero, if non-nil, is invoked exactly once when the
// refcount drops to zero after Retire has been called.
func NewHandle(table *Table, onZero func(*Table)) *Handle {
	h := &Handle{table: table, onZero: onZero}
	h.refCount.Store(1)
	return h
}

// Acquire increments the refcount and returns the underlying table.
// Acquire after Retire still succeeds (existing readers may still be
// in flight); new callers are expected to check Retired first if they
// want to avoid racing a pending deletion.
func (h *Handle) Acquire() *Table {
	h.refCount.Add(1)
	return h.table
}

// Release decrements the refcount. If the handle has been retired and
// the refcount reaches zero, onZero is invoked.
func (h *Handle) Release() {
	n := h.refCount.Add(-1)
	if n == 0 && h.retired.Load() && h.onZero != nil {
		h.onZero(h.table)
	}
}

// Retire marks the handle as no longer part of the live set. If the
// refcount is already zero, onZero fires immediately.
func (h *Handle) Retire() {
	if !h.retired.CompareAndSwap(false, true) {
		return
	}
	if h.refCount.Load() == 0 && h.onZero != nil {
		h.onZero(h.table)
	}
}

// Retired reports whether Retire has been called.
func (h *Handle) Retired() bool { return h.retired.Load() }

// Table returns the wrapped table without affecting the refcount.
func (h *Handle) Table() *Table { return h.table }
