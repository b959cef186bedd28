// Package registry implements the per-pool object-ID registry
// described in spec.md §4.1: it maps an ObjectID to a caller-opaque
// descriptor, and hands out reference-counted handles so a descriptor
// is only freed once every caller that acquired one has released it.
//
// This is grounded on the same shape cubefs-inodedb uses for its
// idgenerator and catalog stores: a mutex-guarded map plus atomic
// refcounts, with allocate/find/find_get/put/remove as the only entry
// points (compare master/idgenerator/idgenerator.go's storage +
// in-memory scopeItems pattern).
package registry

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/hse-project/mpool/errors"
	"github.com/hse-project/mpool/internal/backend"
	"github.com/hse-project/mpool/metrics"
	"github.com/hse-project/mpool/util"
)

// Descriptor is the payload a registry entry carries. Concrete object
// managers (mblock, mlog) embed their own state behind this
// interface; the registry itself only needs Kind() to reject
// wrong-kind lookups and Destroyable() to gate a zero-refcount free.
type Descriptor interface {
	Kind() backend.Kind
	// Destroyable reports whether the descriptor's logical state
	// permits freeing it: committed-then-deleted, aborted, or
	// never-committed-on-close, per spec.md §4.1.
	Destroyable() bool
}

type entry struct {
	desc Descriptor
	refs int32
}

// Registry is the object-ID -> descriptor map for one open pool.
type Registry struct {
	mu      sync.RWMutex
	entries map[backend.ObjectID]*entry
	group   singleflight.Group
}

func New() *Registry {
	return &Registry{entries: make(map[backend.ObjectID]*entry)}
}

// Insert registers a freshly allocated descriptor. It fails with
// KindAlreadyExists if id collides with a live entry -- the
// singleflight group collapses concurrent Inserts that race on the
// same backend-assigned id (spec.md §9 / SPEC_FULL.md §4.1) so only
// one goroutine actually mutates the map and the rest observe a
// deterministic already-exists instead of racing on it.
func (r *Registry) Insert(id backend.ObjectID, desc Descriptor) error {
	ran := false
	_, err, _ := r.group.Do(keyOf(id), func() (interface{}, error) {
		ran = true
		r.mu.Lock()
		defer r.mu.Unlock()
		if _, ok := r.entries[id]; ok {
			return nil, errors.New(errors.KindAlreadyExists, "object id already registered")
		}
		r.entries[id] = &entry{desc: desc}
		return nil, nil
	})
	if err != nil {
		return err.(*errors.Merr)
	}
	if !ran {
		// Another Insert for the same id was in flight and did the
		// insert; this caller's desc was never stored.
		return errors.New(errors.KindAlreadyExists, "object id already registered")
	}
	return nil
}

func keyOf(id backend.ObjectID) string {
	// singleflight keys on strings; a fixed-width hex encoding avoids
	// any allocation surprises from fmt verbs on every hot-path call.
	// buf never escapes past this call, so the zero-copy cast to
	// string is safe: nothing mutates it afterward.
	const hex = "0123456789abcdef"
	buf := make([]byte, 16)
	for i := 15; i >= 0; i-- {
		buf[i] = hex[id&0xf]
		id >>= 4
	}
	return util.BytesToString(buf)
}

// Find resolves id without taking a reference.
func (r *Registry) Find(id backend.ObjectID, wantKind backend.Kind) (Descriptor, error) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.New(errors.KindNotFound, "object id not registered")
	}
	if e.desc.Kind() != wantKind {
		return nil, errors.New(errors.KindInvalidArgument, "object id has wrong kind")
	}
	return e.desc, nil
}

// FindGet resolves id and increments its reference count atomically
// with the lookup.
func (r *Registry) FindGet(id backend.ObjectID, wantKind backend.Kind) (Descriptor, error) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.New(errors.KindNotFound, "object id not registered")
	}
	if e.desc.Kind() != wantKind {
		return nil, errors.New(errors.KindInvalidArgument, "object id has wrong kind")
	}
	atomic.AddInt32(&e.refs, 1)
	return e.desc, nil
}

// Put releases a reference obtained from FindGet. Callers must not Put
// a handle they did not FindGet (spec.md §4.1); Put on an id with no
// outstanding references is a programming error and panics rather than
// silently corrupting the refcount, the same way a double-free would.
func (r *Registry) Put(id backend.ObjectID) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return
	}
	if atomic.AddInt32(&e.refs, -1) < 0 {
		metrics.RefcountImbalance.Inc()
		panic("registry: Put without matching FindGet")
	}
}

// RefCount reports the current outstanding reference count for id, or
// -1 if id is not registered. Used by pool Close to enforce "close
// with outstanding refs fails with busy" (spec.md §8).
func (r *Registry) RefCount(id backend.ObjectID) int32 {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return -1
	}
	return atomic.LoadInt32(&e.refs)
}

// Remove deletes id from the registry. It fails with KindBusy if
// references remain, and with KindInvalidState if the descriptor's
// logical state does not permit destruction yet.
func (r *Registry) Remove(id backend.ObjectID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return errors.New(errors.KindNotFound, "object id not registered")
	}
	if atomic.LoadInt32(&e.refs) != 0 {
		return errors.New(errors.KindBusy, "object has outstanding references")
	}
	if !e.desc.Destroyable() {
		return errors.New(errors.KindInvalidState, "object is not in a destroyable state")
	}
	delete(r.entries, id)
	return nil
}

// Len reports the number of live entries; pool Close uses it to refuse
// closing while objects remain registered.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// LenByKind reports the number of live entries of a single kind, so
// metrics reporting a mixed mblock/mlog registry does not mislabel one
// kind's occupancy as the other's.
func (r *Registry) LenByKind(kind backend.Kind) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, e := range r.entries {
		if e.desc.Kind() == kind {
			n++
		}
	}
	return n
}

// TotalRefs sums outstanding references across every entry, for the
// "Σ find_get == Σ put at the moment of close" testable property
// (spec.md §8).
func (r *Registry) TotalRefs() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var total int64
	for _, e := range r.entries {
		total += int64(atomic.LoadInt32(&e.refs))
	}
	return total
}
