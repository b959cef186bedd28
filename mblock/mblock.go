// Package mblock implements the bulk-extent object described in
// spec.md §4.2: allocate once, write while allocated, commit to seal,
// then read only, until eventually deleted.
package mblock

import (
	"sync"

	"github.com/hse-project/mpool/errors"
	"github.com/hse-project/mpool/internal/backend"
	"github.com/hse-project/mpool/metrics"
	"github.com/hse-project/mpool/registry"
)

// State is the mblock lifecycle position, per spec.md §3.
type State uint8

const (
	StateAllocated State = iota + 1
	StateCommitted
	StateAborted
	StateDeleted
)

// Properties mirrors mpool_mblock_props: everything spec.md §4.2's
// Get-properties reports.
type Properties struct {
	ID         backend.ObjectID
	MediaClass backend.MediaClass
	Capacity   uint64
	Align      uint32
	PageSize   uint32
	Written    uint64
	Committed  bool
	Spare      bool
}

type descriptor struct {
	mu    sync.Mutex
	id    backend.ObjectID
	state State
}

func (d *descriptor) Kind() backend.Kind { return backend.KindMblock }

func (d *descriptor) Destroyable() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state == StateDeleted || d.state == StateAborted
}

func (d *descriptor) getState() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *descriptor) setState(s State) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
}

// Handle is a reference-counted caller-held reference to an mblock
// descriptor, released by Manager.Put.
type Handle struct {
	id  backend.ObjectID
	mgr *Manager
}

// ID reports the backend object ID this handle refers to.
func (h *Handle) ID() backend.ObjectID { return h.id }

// Manager implements the mblock operations of spec.md §4.2 against a
// backend.Backend and a shared registry.Registry.
type Manager struct {
	be  backend.Backend
	reg *registry.Registry
}

func NewManager(be backend.Backend, reg *registry.Registry) *Manager {
	return &Manager{be: be, reg: reg}
}

// Allocate reserves a backend extent, registers it, and returns a
// handle already holding one reference -- the same reference Abort or
// Delete releases on its way to removing the descriptor. Any other
// handle to the same ID (HandleFor) takes its own separate reference,
// so Abort/Delete on the allocating handle still correctly fails with
// busy while such a handle is outstanding.
func (m *Manager) Allocate(mc backend.MediaClass, spare bool) (*Handle, Properties, error) {
	props, err := m.be.AllocateExtent(mc, spare)
	if err != nil {
		return nil, Properties{}, errors.New(errors.KindNoSpace, "allocate extent: "+err.Error())
	}

	desc := &descriptor{id: props.ID, state: StateAllocated}
	if err := m.reg.Insert(props.ID, desc); err != nil {
		m.be.DeleteExtent(props.ID)
		return nil, Properties{}, err
	}
	if _, err := m.reg.FindGet(props.ID, backend.KindMblock); err != nil {
		return nil, Properties{}, err
	}

	return &Handle{id: props.ID, mgr: m}, toProperties(props), nil
}

// HandleFor resolves an already-registered mblock ID to a handle,
// taking a registry reference that must be released with Put.
func (m *Manager) HandleFor(id backend.ObjectID) (*Handle, error) {
	if _, err := m.reg.FindGet(id, backend.KindMblock); err != nil {
		return nil, err
	}
	return &Handle{id: id, mgr: m}, nil
}

func toProperties(p backend.ExtentProps) Properties {
	return Properties{
		ID:         p.ID,
		MediaClass: p.MediaClass,
		Capacity:   p.Capacity,
		Align:      p.OptimalWriteAlign,
		PageSize:   p.PageSize,
		Written:    p.Written,
		Committed:  p.Committed,
		Spare:      p.Spare,
	}
}

func (m *Manager) find(h *Handle) (*descriptor, error) {
	d, err := m.reg.Find(h.id, backend.KindMblock)
	if err != nil {
		return nil, err
	}
	return d.(*descriptor), nil
}

// WriteSync writes data synchronously starting at the mblock's current
// write offset. All-or-nothing: on failure the write offset is
// unchanged (spec.md §4.2).
func (m *Manager) WriteSync(h *Handle, data []byte) error {
	d, err := m.find(h)
	if err != nil {
		return err
	}
	if d.getState() != StateAllocated {
		return errors.New(errors.KindInvalidState, "write on non-allocated mblock")
	}

	props, err := m.be.ExtentProps(h.id)
	if err != nil {
		return errors.New(errors.KindIO, "get extent props: "+err.Error())
	}
	if props.OptimalWriteAlign != 0 && uint64(len(data))%uint64(props.OptimalWriteAlign) != 0 {
		return errors.New(errors.KindInvalidArgument, "write length not a multiple of the optimal write alignment")
	}

	if err := m.be.WriteExtent(h.id, props.Written, data); err != nil {
		if err == backend.ErrNoSpace {
			return errors.New(errors.KindNoSpace, "write extent")
		}
		return errors.New(errors.KindIO, "write extent: "+err.Error())
	}
	metrics.MblockBytes.WithLabelValues("write_sync").Add(float64(len(data)))
	return nil
}

// Read reads at a page-aligned offset from a committed mblock.
func (m *Manager) Read(h *Handle, buf []byte, offset uint64) (int, error) {
	d, err := m.find(h)
	if err != nil {
		return 0, err
	}
	if d.getState() != StateCommitted {
		return 0, errors.New(errors.KindInvalidState, "read on non-committed mblock")
	}

	props, err := m.be.ExtentProps(h.id)
	if err != nil {
		return 0, errors.New(errors.KindIO, "get extent props: "+err.Error())
	}
	if props.PageSize != 0 && offset%uint64(props.PageSize) != 0 {
		return 0, errors.New(errors.KindInvalidArgument, "read offset not page-aligned")
	}
	if offset > props.Written {
		return 0, errors.New(errors.KindOutOfRange, "read offset beyond mblock end")
	}

	n, err := m.be.ReadExtent(h.id, offset, buf)
	if err != nil && err != backend.ErrEndOfLog {
		return 0, errors.New(errors.KindIO, "read extent: "+err.Error())
	}
	metrics.MblockBytes.WithLabelValues("read").Add(float64(n))
	return n, nil
}

// Commit seals the mblock: subsequent writes fail.
func (m *Manager) Commit(h *Handle) error {
	d, err := m.find(h)
	if err != nil {
		return err
	}
	switch d.getState() {
	case StateCommitted:
		// Open Question resolved in SPEC_FULL.md §9: treated as a hard
		// failure, not a silent no-op, so callers driving an atomic
		// two-mlog commit (mdc.Alloc/Commit) get a reliable signal to
		// unwind the first side.
		return errors.New(errors.KindInvalidState, "mblock already committed")
	case StateAllocated:
		if err := m.be.CommitExtent(h.id); err != nil {
			return errors.New(errors.KindIO, "commit extent: "+err.Error())
		}
		d.setState(StateCommitted)
		return nil
	default:
		return errors.New(errors.KindInvalidState, "commit on mblock in unexpected state")
	}
}

// Abort discards an allocated (never committed) mblock.
func (m *Manager) Abort(h *Handle) error {
	d, err := m.find(h)
	if err != nil {
		return err
	}
	if d.getState() != StateAllocated {
		return errors.New(errors.KindInvalidState, "abort on non-allocated mblock")
	}
	if err := m.be.AbortExtent(h.id); err != nil {
		return errors.New(errors.KindIO, "abort extent: "+err.Error())
	}
	d.setState(StateAborted)
	return m.release(h)
}

// Delete discards a committed mblock.
func (m *Manager) Delete(h *Handle) error {
	d, err := m.find(h)
	if err != nil {
		return err
	}
	if d.getState() != StateCommitted {
		return errors.New(errors.KindInvalidState, "delete on non-committed mblock")
	}
	if err := m.be.DeleteExtent(h.id); err != nil {
		return errors.New(errors.KindIO, "delete extent: "+err.Error())
	}
	d.setState(StateDeleted)
	return m.release(h)
}

// release drops this handle's own reference and then removes the
// descriptor. Remove still enforces refcount zero, so a Delete/Abort
// racing another outstanding HandleFor reference correctly fails busy.
func (m *Manager) release(h *Handle) error {
	m.reg.Put(h.id)
	return m.reg.Remove(h.id)
}

// Properties reports the current mblock properties.
func (m *Manager) Properties(h *Handle) (Properties, error) {
	if _, err := m.find(h); err != nil {
		return Properties{}, err
	}
	props, err := m.be.ExtentProps(h.id)
	if err != nil {
		return Properties{}, errors.New(errors.KindIO, "get extent props: "+err.Error())
	}
	return toProperties(props), nil
}

// Put releases the reference h holds. Every handle -- whether returned
// by Allocate or HandleFor -- holds exactly one reference until Put,
// Abort, or Delete releases it; Abort/Delete already release their own
// handle's reference internally, so Put after either of those on the
// same handle would over-release and panic.
func (m *Manager) Put(h *Handle) {
	m.reg.Put(h.id)
}
