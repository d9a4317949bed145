package codec

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TypeID is a nominal, caller-assigned tag identifying a codec in a
// Registry. It carries no structural information about T; two callers
// agreeing on a TypeID are agreeing on a schema out of band, the same
// way wal.Kind and manifest.Tag are small fixed enums rather than
// reflected-over Go types.
type TypeID uint16

// Reserved built-in type ids. Application-defined ids should start
// at builtinIDCeiling or above to leave room for future built-ins.
const (
	TypeBytes TypeID = iota
	TypeString
	TypeInt64
	TypeUint64
	TypeFloat64
	TypeBool
	TypeTime
	TypeUUID

	builtinIDCeiling
)

// Registry maps TypeIDs to codecs. It holds no type information itself
// (codecs are stored as `any` and recovered via a type assertion at
// Get), so a Registry can carry codecs for unrelated T's side by side.
type Registry struct {
	mu   sync.RWMutex
	byID map[TypeID]any
}

// NewRegistry returns a Registry pre-populated with the built-in
// primitive, byte-slice, time, and UUID codecs under their reserved
// TypeIDs.
func NewRegistry() *Registry {
	r := &Registry{byID: make(map[TypeID]any, builtinIDCeiling)}
	Register(r, TypeBytes, Bytes)
	Register(r, TypeString, String)
	Register(r, TypeInt64, Int64)
	Register(r, TypeUint64, Uint64)
	Register(r, TypeFloat64, Float64)
	Register(r, TypeBool, Bool)
	Register(r, TypeTime, Time)
	Register(r, TypeUUID, UUID)
	return r
}

// Register installs c under id, overwriting any codec previously
// registered there. A package-level function rather than a Registry
// method because Go forbids type parameters on methods.
func Register[T any](r *Registry, id TypeID, c Codec[T]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[id] = c
}

// Get retrieves the codec registered under id, asserting it matches
// T. A mismatched T (the id was registered with a different type) is
// reported as !ok rather than panicking, since a collaborator mixing
// up ids is a wiring mistake the caller should handle, not a fault.
func Get[T any](r *Registry, id TypeID) (Codec[T], bool) {
	r.mu.RLock()
	raw, exists := r.byID[id]
	r.mu.RUnlock()
	if !exists {
		return nil, false
	}
	c, ok := raw.(Codec[T])
	return c, ok
}

// MustGet is Get but panics on a missing or mismatched id, for callers
// that register their schema once at startup and treat a lookup
// failure thereafter as a programming error.
func MustGet[T any](r *Registry, id TypeID) Codec[T] {
	c, ok := Get[T](r, id)
	if !ok {
		panic(fmt.Sprintf("codec: no codec for type id %d and requested type", id))
	}
	return c
}

var (
	_ Codec[[]byte]    = Bytes
	_ Codec[string]    = String
	_ Codec[int64]     = Int64
	_ Codec[uint64]    = Uint64
	_ Codec[float64]   = Float64
	_ Codec[bool]      = Bool
	_ Codec[time.Time] = Time
	_ Codec[uuid.UUID] = UUID
)
