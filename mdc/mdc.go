// Package mdc implements the metadata container engine of spec.md
// §4.4: a logical append-only record stream built from a pair of
// mlogs used in alternation, so online compaction never blocks
// appends beyond a single marker write. This is the centerpiece of
// the module -- everything else exists to give it somewhere to
// persist metadata.
package mdc

import (
	"sync"

	mpoolerrors "github.com/hse-project/mpool/errors"
	"github.com/hse-project/mpool/internal/backend"
	"github.com/hse-project/mpool/metrics"
	"github.com/hse-project/mpool/mlog"
)

// Manager implements the MDC operations against a shared
// mlog.Manager. An MDC is not itself registered in registry.Registry
// -- spec.md §4.1's "Ownership" clause makes the MDC engine the
// exclusive owner of its two constituent mlogs for the MDC's
// lifetime, so mdc.Manager holds mlog handles directly rather than
// going through a second registry entry.
type Manager struct {
	mlogs *mlog.Manager
}

func NewManager(mlogs *mlog.Manager) *Manager {
	return &Manager{mlogs: mlogs}
}

// Alloc allocates two mlogs with the same capacity target and media
// class, returning both IDs for the caller to persist in its own
// metadata. Neither mlog is held open afterward.
func (mg *Manager) Alloc(mc backend.MediaClass, capacity uint64) (id0, id1 backend.ObjectID, err error) {
	h0, _, err := mg.mlogs.Allocate(mc, capacity)
	if err != nil {
		return 0, 0, err
	}
	h1, _, err := mg.mlogs.Allocate(mc, capacity)
	if err != nil {
		mg.mlogs.Abort(h0)
		return 0, 0, err
	}
	id0, id1 = h0.ID(), h1.ID()
	mg.mlogs.Put(h0)
	mg.mlogs.Put(h1)
	return id0, id1, nil
}

// Commit commits both mlogs atomically from the caller's point of
// view: if the second commit fails, the first side is undone.
// Undoing a committed mlog means deleting it rather than aborting it
// (mlog.Abort is only legal pre-commit) -- the net effect the spec
// asks for, that recovery never observes a half-committed pair, is
// the same either way.
func (mg *Manager) Commit(id0, id1 backend.ObjectID) error {
	h0, err := mg.mlogs.HandleFor(id0)
	if err != nil {
		return err
	}
	h1, err := mg.mlogs.HandleFor(id1)
	if err != nil {
		mg.mlogs.Put(h0)
		return err
	}

	if err := mg.mlogs.Commit(h0); err != nil {
		mg.mlogs.Put(h0)
		mg.mlogs.Put(h1)
		return err
	}
	if err := mg.mlogs.Commit(h1); err != nil {
		mg.mlogs.Put(h1)
		// h0 is already committed; undo by deleting it. Delete
		// releases h0's reference itself on success, only on failure
		// does the reference need releasing here too.
		if derr := mg.mlogs.Delete(h0); derr != nil {
			mg.mlogs.Put(h0)
		}
		return err
	}
	mg.mlogs.Put(h0)
	mg.mlogs.Put(h1)
	return nil
}

// Destroy deletes both mlogs. Legal only after the pair has been
// closed (neither mlog is open).
func (mg *Manager) Destroy(id0, id1 backend.ObjectID) error {
	h0, err := mg.mlogs.HandleFor(id0)
	if err != nil {
		return err
	}
	h1, err := mg.mlogs.HandleFor(id1)
	if err != nil {
		mg.mlogs.Put(h0)
		return err
	}

	if err := mg.mlogs.Delete(h0); err != nil {
		mg.mlogs.Put(h0)
		mg.mlogs.Put(h1)
		return err
	}
	if err := mg.mlogs.Delete(h1); err != nil {
		mg.mlogs.Put(h1)
		return err
	}
	return nil
}

// Handle is an open MDC: two open mlog handles plus which side is
// currently authoritative.
type Handle struct {
	mgr            *Manager
	unsynchronized bool

	h    [2]*mlog.Handle
	gens [2]uint64

	mu         sync.Mutex
	active     int
	compacting bool
	closed     bool
}

func (h *Handle) lock() func() {
	if h.unsynchronized {
		return func() {}
	}
	h.mu.Lock()
	return h.mu.Unlock
}

// recordShape classifies the structural well-formedness of an mlog's
// record stream for the purposes of the recovery algorithm.
type recordShape int

const (
	shapeEmpty recordShape = iota
	shapeAllUser
	shapeStartEnd
	shapeMalformed
)

func (mg *Manager) scanShape(h *mlog.Handle) (recordShape, error) {
	if err := mg.mlogs.ReadInit(h); err != nil {
		return shapeMalformed, err
	}
	count := 0
	sawStart, sawEnd, malformed := false, false, false
	for {
		rtype, _, err := mg.mlogs.ReadNextRaw(h)
		if mpoolerrors.Is(err, mpoolerrors.KindNotFound) {
			break
		}
		if err != nil {
			return shapeMalformed, err
		}
		count++
		switch rtype {
		case backend.RecordMarkerStart:
			if count != 1 || sawStart {
				malformed = true
			}
			sawStart = true
		case backend.RecordMarkerEnd:
			if !sawStart || sawEnd {
				malformed = true
			}
			sawEnd = true
		case backend.RecordUser:
			if sawEnd {
				malformed = true
			}
		}
	}
	switch {
	case count == 0:
		return shapeEmpty, nil
	case malformed:
		return shapeMalformed, nil
	case !sawStart && !sawEnd:
		return shapeAllUser, nil
	case sawStart && sawEnd:
		return shapeStartEnd, nil
	default:
		// A start marker with no terminating end marker: an
		// interrupted compaction. Not valid on its own.
		return shapeMalformed, nil
	}
}

func validShape(shape recordShape, gen, otherGen uint64) bool {
	switch shape {
	case shapeEmpty, shapeStartEnd:
		return true
	case shapeAllUser:
		return gen == otherGen
	default:
		return false
	}
}

// Open opens both mlogs, internally synchronizing every Handle method
// against concurrent callers, and runs the recovery algorithm of
// spec.md §4.4 to pick the authoritative side.
func (mg *Manager) Open(id0, id1 backend.ObjectID) (*Handle, error) {
	return mg.open(id0, id1, false)
}

// OpenUnsynchronized is Open without internal locking: the caller
// warrants single-threaded access to the returned Handle (spec.md
// §4.4 "Concurrency within an MDC"). Calling any Handle method from
// more than one goroutine concurrently is undefined behavior.
func (mg *Manager) OpenUnsynchronized(id0, id1 backend.ObjectID) (*Handle, error) {
	return mg.open(id0, id1, true)
}

func (mg *Manager) open(id0, id1 backend.ObjectID, unsynchronized bool) (*Handle, error) {
	h0, err := mg.mlogs.HandleFor(id0)
	if err != nil {
		return nil, err
	}
	h1, err := mg.mlogs.HandleFor(id1)
	if err != nil {
		mg.mlogs.Put(h0)
		return nil, err
	}

	mlogFlags := mlog.OpenFlags{SkipExternalSerialization: unsynchronized}
	g0, err := mg.mlogs.Open(h0, mlogFlags)
	if err != nil {
		mg.mlogs.Put(h0)
		mg.mlogs.Put(h1)
		return nil, err
	}
	g1, err := mg.mlogs.Open(h1, mlogFlags)
	if err != nil {
		mg.mlogs.Close(h0)
		mg.mlogs.Put(h0)
		mg.mlogs.Put(h1)
		return nil, err
	}

	handle := &Handle{mgr: mg, unsynchronized: unsynchronized, h: [2]*mlog.Handle{h0, h1}, gens: [2]uint64{g0, g1}}
	abandon := func() {
		mg.mlogs.Close(h0)
		mg.mlogs.Close(h1)
		mg.mlogs.Put(h0)
		mg.mlogs.Put(h1)
	}

	shape0, err := mg.scanShape(h0)
	if err != nil {
		abandon()
		return nil, err
	}
	shape1, err := mg.scanShape(h1)
	if err != nil {
		abandon()
		return nil, err
	}

	valid0 := validShape(shape0, g0, g1)
	valid1 := validShape(shape1, g1, g0)

	var authoritative int
	switch {
	case g0 != g1:
		candidate, other := 0, 1
		if g1 > g0 {
			candidate, other = 1, 0
		}
		candValid := valid0
		if candidate == 1 {
			candValid = valid1
		}
		if candValid {
			authoritative = candidate
		} else {
			authoritative = other
			otherGen := g0
			if other == 1 {
				otherGen = g1
			}
			newGen, err := mg.mlogs.Erase(handle.h[candidate], otherGen)
			if err != nil {
				abandon()
				return nil, err
			}
			handle.gens[candidate] = newGen

			// EraseLog always advances past the candidate's own
			// current generation, which was already ahead of
			// otherGen -- so newGen still exceeds the authoritative
			// side's generation. Left alone, a later Open with no
			// intervening writes would see the now-empty candidate
			// as the higher-generation side and wrongly declare it
			// authoritative again. Bump the authoritative side's
			// generation to match, restoring "active carries the
			// highest generation" without touching its records.
			bumpedGen, err := mg.mlogs.BumpGeneration(handle.h[other], newGen)
			if err != nil {
				abandon()
				return nil, err
			}
			handle.gens[other] = bumpedGen
			metrics.MdcCompactions.WithLabelValues("recovered").Inc()
		}
	default:
		nonEmpty0 := valid0 && shape0 != shapeEmpty
		nonEmpty1 := valid1 && shape1 != shapeEmpty
		switch {
		case nonEmpty0 && nonEmpty1:
			abandon()
			return nil, mpoolerrors.New(mpoolerrors.KindCorrupt, "mdc recovery: both mlogs valid and non-empty at equal generation")
		case nonEmpty0:
			authoritative = 0
		case nonEmpty1:
			authoritative = 1
		case valid0:
			authoritative = 0
		case valid1:
			authoritative = 1
		default:
			abandon()
			return nil, mpoolerrors.New(mpoolerrors.KindCorrupt, "mdc recovery: neither mlog has a valid record shape")
		}
	}

	handle.active = authoritative
	if err := mg.mlogs.ReadInit(handle.h[authoritative]); err != nil {
		abandon()
		return nil, err
	}
	return handle, nil
}

// Close closes both mlogs, flushing any buffered appends first.
func (h *Handle) Close() error {
	unlock := h.lock()
	defer unlock()
	if h.closed {
		return mpoolerrors.New(mpoolerrors.KindInvalidState, "mdc already closed")
	}

	var firstErr error
	for _, m := range h.h {
		if err := h.mgr.mlogs.Flush(m); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, m := range h.h {
		if err := h.mgr.mlogs.Close(m); err != nil && firstErr == nil {
			firstErr = err
		}
		h.mgr.mlogs.Put(m)
	}
	h.closed = true
	return firstErr
}

// Sync flushes the active mlog.
func (h *Handle) Sync() error {
	unlock := h.lock()
	defer unlock()
	return h.mgr.mlogs.Flush(h.h[h.active])
}

// Rewind positions the read cursor at the first record of the
// authoritative mlog after its most recent compaction-start marker,
// or at record 0 if no markers exist.
func (h *Handle) Rewind() error {
	unlock := h.lock()
	defer unlock()
	auth := h.h[h.active]

	if err := h.mgr.mlogs.ReadInit(auth); err != nil {
		return err
	}
	var afterLastStart uint64
	found := false
	for {
		rtype, _, err := h.mgr.mlogs.ReadNextRaw(auth)
		if mpoolerrors.Is(err, mpoolerrors.KindNotFound) {
			break
		}
		if err != nil {
			return err
		}
		if rtype == backend.RecordMarkerStart {
			cur, err := h.mgr.mlogs.Cursor(auth)
			if err != nil {
				return err
			}
			afterLastStart = cur
			found = true
		}
	}
	if found {
		return h.mgr.mlogs.SetCursor(auth, afterLastStart)
	}
	return h.mgr.mlogs.SetCursor(auth, 0)
}

// Read returns the next user record, transparently skipping
// compaction markers.
func (h *Handle) Read(buf []byte) (int, error) {
	unlock := h.lock()
	defer unlock()
	return h.mgr.mlogs.ReadNextSkipMarkers(h.h[h.active], buf)
}

// Append appends to the active mlog. When a compaction is in
// progress, the active side already points at the new (post-cstart)
// mlog, so this needs no special case.
func (h *Handle) Append(data []byte, sync bool) error {
	unlock := h.lock()
	defer unlock()
	return h.mgr.mlogs.Append(h.h[h.active], data, sync)
}

// Cstart begins compaction: swaps active/standby, erases the new
// active (bumping its generation past the old active's), and writes a
// compaction-start marker. A failed marker write leaves the pair in
// Active(i): the swap is not published until the marker is durable.
func (h *Handle) Cstart() error {
	unlock := h.lock()
	defer unlock()
	if h.compacting {
		return mpoolerrors.New(mpoolerrors.KindInvalidState, "compaction already in progress")
	}
	oldActive := h.active
	newActive := 1 - oldActive

	newGen, err := h.mgr.mlogs.Erase(h.h[newActive], h.gens[oldActive]+1)
	if err != nil {
		return err
	}
	h.gens[newActive] = newGen

	if err := h.mgr.mlogs.AppendMarker(h.h[newActive], true, true); err != nil {
		return err
	}
	h.active = newActive
	h.compacting = true
	metrics.MdcCompactions.WithLabelValues("started").Inc()
	return nil
}

// Cend writes a compaction-end marker to the current active, flushes
// it, then erases the former active to reclaim space.
func (h *Handle) Cend() error {
	unlock := h.lock()
	defer unlock()
	if !h.compacting {
		return mpoolerrors.New(mpoolerrors.KindInvalidState, "no compaction in progress")
	}
	if err := h.mgr.mlogs.AppendMarker(h.h[h.active], false, true); err != nil {
		return err
	}
	if err := h.mgr.mlogs.Flush(h.h[h.active]); err != nil {
		return err
	}
	h.compacting = false

	former := 1 - h.active
	newGen, err := h.mgr.mlogs.Erase(h.h[former], 0)
	if err != nil {
		return err
	}
	h.gens[former] = newGen
	metrics.MdcCompactions.WithLabelValues("completed").Inc()
	return nil
}

// Usage reports estimated bytes currently used in the active mlog,
// including framing overhead.
func (h *Handle) Usage() (uint64, error) {
	unlock := h.lock()
	defer unlock()
	return h.mgr.mlogs.Len(h.h[h.active])
}
