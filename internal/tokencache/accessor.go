package tokencache

import (
	"context"

	"github.com/meridianid/msid-go/internal/autherr"
)

// AccessContext is handed to cache access aspects around every logical cache
// operation. It exposes the operation's write intent and a serializer view
// of the cache so the aspect can load external state before the operation
// and persist it after.
type AccessContext struct {
	store       *Store
	writeIntent bool
	changed     bool
}

// WriteIntent reports whether the operation may mutate the cache.
func (c *AccessContext) WriteIntent() bool {
	return c.writeIntent
}

// HasStateChanged reports whether the operation mutated the cache. Only
// meaningful inside AfterCacheAccess.
func (c *AccessContext) HasStateChanged() bool {
	return c.changed
}

// Marshal returns the cache's current serialized bytes.
func (c *AccessContext) Marshal() ([]byte, error) {
	return c.store.Marshal()
}

// Unmarshal replaces the cache contents from serialized bytes.
func (c *AccessContext) Unmarshal(data []byte) error {
	return c.store.Unmarshal(data)
}

// AccessAspect is implemented by the embedding application to persist the
// cache externally. Implementations may be slow and fallible: they are
// invoked outside the cache's mutation lock and must tolerate concurrent
// invocation.
type AccessAspect interface {
	BeforeCacheAccess(ctx context.Context, access *AccessContext) error
	AfterCacheAccess(ctx context.Context, access *AccessContext) error
}

// Accessor wraps every logical cache operation with the configured aspect's
// before/after hooks. A nil aspect degrades to direct store access.
type Accessor struct {
	store  *Store
	aspect AccessAspect
}

// NewAccessor creates an Accessor over store. aspect may be nil.
func NewAccessor(store *Store, aspect AccessAspect) *Accessor {
	return &Accessor{store: store, aspect: aspect}
}

// SetAspect replaces the access aspect. Not safe to call concurrently with
// operations; intended for configuration time.
func (a *Accessor) SetAspect(aspect AccessAspect) {
	a.aspect = aspect
}

// Read performs op as a read-only cache operation inside the aspect
// pipeline. A hook failure surfaces as a cache-unavailable error; op's
// in-memory effects (none, for a well-behaved read) are preserved.
func (a *Accessor) Read(ctx context.Context, op func(store *Store) error) error {
	return a.access(ctx, false, op)
}

// Write performs op as a read-that-will-write operation inside the aspect
// pipeline. The after hook observes the mutated cache; its failure surfaces
// as a cache-unavailable error without undoing the in-memory mutation.
func (a *Accessor) Write(ctx context.Context, op func(store *Store) error) error {
	return a.access(ctx, true, op)
}

func (a *Accessor) access(ctx context.Context, writeIntent bool, op func(store *Store) error) error {
	if a.aspect == nil {
		return op(a.store)
	}

	access := &AccessContext{store: a.store, writeIntent: writeIntent}
	if err := a.aspect.BeforeCacheAccess(ctx, access); err != nil {
		return &autherr.CacheUnavailableError{Stage: "before", Err: err}
	}

	opErr := op(a.store)
	access.changed = writeIntent && opErr == nil

	if err := a.aspect.AfterCacheAccess(ctx, access); err != nil {
		// the in-memory operation has already been applied; report the
		// persistence failure without undoing it
		return &autherr.CacheUnavailableError{Stage: "after", Err: err}
	}

	return opErr
}
