// Package mlog implements the append-only record log described in
// spec.md §4.3: allocate, commit, open, append records (buffered or
// synchronous), read them back in order, and erase to start over at a
// higher generation.
package mlog

import (
	"sync"

	"github.com/hse-project/mpool/errors"
	"github.com/hse-project/mpool/internal/backend"
	"github.com/hse-project/mpool/metrics"
	"github.com/hse-project/mpool/registry"
	"github.com/hse-project/mpool/util"
)

// State is the mlog lifecycle position, mirroring mblock.State
// (spec.md §4.3: "Commit / Abort / Delete -- mirroring mblock
// semantics").
type State uint8

const (
	StateAllocated State = iota + 1
	StateCommitted
	StateAborted
	StateDeleted
)

// OpenFlags controls Open's concurrency and mutability contract.
type OpenFlags struct {
	// SkipExternalSerialization tells the manager the caller guarantees
	// single-threaded access to this handle, letting it skip its own
	// per-handle mutex on Append/Read calls.
	SkipExternalSerialization bool
	ReadOnly                  bool
}

// Properties reports what Get-properties would in the C API.
type Properties struct {
	ID             backend.ObjectID
	MediaClass     backend.MediaClass
	CapacityTarget uint64
	Generation     uint64
	Committed      bool
}

type descriptor struct {
	mu    sync.Mutex
	id    backend.ObjectID
	state State

	// opened is non-nil once Open has succeeded; it holds the per-open
	// read/append cursor state. A descriptor may be opened at most once
	// concurrently -- reopening after Close resets it.
	opened *openState
}

type openState struct {
	flags      OpenFlags
	callerMu   sync.Mutex // held around Append/Read unless SkipExternalSerialization
	readCursor uint64
	pendingLen int // bytes of buffered async appends not yet flushed, for accounting only
}

func (d *descriptor) Kind() backend.Kind { return backend.KindMlog }

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

// Handle is a caller-held reference to an open or unopened mlog
// descriptor.
type Handle struct {
	id  backend.ObjectID
	mgr *Manager
}

func (h *Handle) ID() backend.ObjectID { return h.id }

// Manager implements the mlog operations of spec.md §4.3.
type Manager struct {
	be  backend.Backend
	reg *registry.Registry
}

func NewManager(be backend.Backend, reg *registry.Registry) *Manager {
	return &Manager{be: be, reg: reg}
}

func toProperties(p backend.LogProps, committed bool) Properties {
	return Properties{
		ID:             p.ID,
		MediaClass:     p.MediaClass,
		CapacityTarget: p.CapacityTarget,
		Generation:     p.Generation,
		Committed:      committed,
	}
}

// Allocate reserves a backend log, registers it, and returns a handle
// already holding one reference -- the same reference Abort or Delete
// releases on its way to removing the descriptor.
func (m *Manager) Allocate(mc backend.MediaClass, capacityTarget uint64) (*Handle, Properties, error) {
	props, err := m.be.AllocateLog(mc, capacityTarget)
	if err != nil {
		return nil, Properties{}, errors.New(errors.KindNoSpace, "allocate log: "+err.Error())
	}
	desc := &descriptor{id: props.ID, state: StateAllocated}
	if err := m.reg.Insert(props.ID, desc); err != nil {
		m.be.DeleteLog(props.ID)
		return nil, Properties{}, err
	}
	if _, err := m.reg.FindGet(props.ID, backend.KindMlog); err != nil {
		return nil, Properties{}, err
	}
	return &Handle{id: props.ID, mgr: m}, toProperties(props, false), nil
}

// HandleFor resolves an already-registered mlog ID to a handle,
// taking a registry reference that must be released with Put. mdc
// uses this to hold its two constituent mlogs across Alloc/Commit/
// Open/Close calls that only carry IDs at the caller boundary.
func (m *Manager) HandleFor(id backend.ObjectID) (*Handle, error) {
	if _, err := m.reg.FindGet(id, backend.KindMlog); err != nil {
		return nil, err
	}
	return &Handle{id: id, mgr: m}, nil
}

func (m *Manager) find(h *Handle) (*descriptor, error) {
	d, err := m.reg.Find(h.id, backend.KindMlog)
	if err != nil {
		return nil, err
	}
	return d.(*descriptor), nil
}

// Commit seals the mlog. See DESIGN.md Open Question 1: an
// already-committed mlog is an invalid-state failure, not a no-op.
func (m *Manager) Commit(h *Handle) error {
	d, err := m.find(h)
	if err != nil {
		return err
	}
	switch d.getState() {
	case StateCommitted:
		return errors.New(errors.KindInvalidState, "mlog already committed")
	case StateAllocated:
		if err := m.be.CommitLog(h.id); err != nil {
			return errors.New(errors.KindIO, "commit log: "+err.Error())
		}
		d.setState(StateCommitted)
		return nil
	default:
		return errors.New(errors.KindInvalidState, "commit on mlog in unexpected state")
	}
}

// Abort discards an allocated (never committed) mlog.
func (m *Manager) Abort(h *Handle) error {
	d, err := m.find(h)
	if err != nil {
		return err
	}
	if d.getState() != StateAllocated {
		return errors.New(errors.KindInvalidState, "abort on non-allocated mlog")
	}
	if err := m.be.AbortLog(h.id); err != nil {
		return errors.New(errors.KindIO, "abort log: "+err.Error())
	}
	d.setState(StateAborted)
	m.reg.Put(h.id)
	return m.reg.Remove(h.id)
}

// Delete discards a committed, closed mlog.
func (m *Manager) Delete(h *Handle) error {
	d, err := m.find(h)
	if err != nil {
		return err
	}
	if d.getState() != StateCommitted {
		return errors.New(errors.KindInvalidState, "delete on non-committed mlog")
	}
	d.mu.Lock()
	open := d.opened != nil
	d.mu.Unlock()
	if open {
		return errors.New(errors.KindInvalidState, "delete on open mlog")
	}
	if err := m.be.DeleteLog(h.id); err != nil {
		return errors.New(errors.KindIO, "delete log: "+err.Error())
	}
	d.setState(StateDeleted)
	m.reg.Put(h.id)
	return m.reg.Remove(h.id)
}

// Open opens a committed mlog for append/read, returning its current
// generation.
func (m *Manager) Open(h *Handle, flags OpenFlags) (uint64, error) {
	d, err := m.find(h)
	if err != nil {
		return 0, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != StateCommitted {
		return 0, errors.New(errors.KindInvalidState, "open on non-committed mlog")
	}
	if d.opened != nil {
		return 0, errors.New(errors.KindBusy, "mlog already open")
	}
	props, err := m.be.LogProps(h.id)
	if err != nil {
		return 0, errors.New(errors.KindIO, "log props: "+err.Error())
	}
	d.opened = &openState{flags: flags}
	return props.Generation, nil
}

// Close drains buffered appends and closes the handle. After Close the
// read cursor is undefined, per spec.md §4.3.
func (m *Manager) Close(h *Handle) error {
	d, err := m.find(h)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.opened == nil {
		return errors.New(errors.KindInvalidState, "close on unopened mlog")
	}
	if err := m.be.FlushLog(h.id); err != nil {
		return errors.New(errors.KindIO, "flush on close: "+err.Error())
	}
	d.opened = nil
	return nil
}

func (m *Manager) openStateFor(d *descriptor) (*openState, error) {
	d.mu.Lock()
	os := d.opened
	d.mu.Unlock()
	if os == nil {
		return nil, errors.New(errors.KindInvalidState, "mlog is not open")
	}
	return os, nil
}

func lockCaller(os *openState) func() {
	if os.flags.SkipExternalSerialization {
		return func() {}
	}
	os.callerMu.Lock()
	return os.callerMu.Unlock
}

// Append writes one user record.
func (m *Manager) Append(h *Handle, data []byte, sync bool) error {
	return m.appendTyped(h, backend.RecordUser, data, sync)
}

func (m *Manager) appendTyped(h *Handle, rtype backend.RecordType, data []byte, sync bool) error {
	d, err := m.find(h)
	if err != nil {
		return err
	}
	os, err := m.openStateFor(d)
	if err != nil {
		return err
	}
	if os.flags.ReadOnly {
		return errors.New(errors.KindInvalidArgument, "append on a read-only mlog handle")
	}
	unlock := lockCaller(os)
	defer unlock()

	if err := m.be.AppendRecord(h.id, rtype, data, sync); err != nil {
		if err == backend.ErrNoSpace {
			return errors.New(errors.KindNoSpace, "append record")
		}
		return errors.New(errors.KindIO, "append record: "+err.Error())
	}
	metrics.MlogAppends.WithLabelValues(rtype.String()).Inc()
	return nil
}

// AppendVector gathers multiple buffers into a single record, using a
// pooled scratch buffer since the backend copies the record before
// AppendRecord returns.
func (m *Manager) AppendVector(h *Handle, iov [][]byte, sync bool) error {
	total := 0
	for _, b := range iov {
		total += len(b)
	}
	scratch := util.GetBuffer(total)
	joined := scratch[:0]
	for _, b := range iov {
		joined = append(joined, b...)
	}
	err := m.Append(h, joined, sync)
	util.PutBuffer(scratch)
	return err
}

// ReadInit positions the read cursor at the first record.
func (m *Manager) ReadInit(h *Handle) error {
	d, err := m.find(h)
	if err != nil {
		return err
	}
	os, err := m.openStateFor(d)
	if err != nil {
		return err
	}
	unlock := lockCaller(os)
	defer unlock()
	os.readCursor = 0
	return nil
}

// ReadNext returns the next record's bytes into buf. If buf is too
// small it returns *errors.Merr of KindOverflow carrying the required
// length as its errno (see errors.ErrnoOf), without advancing the cursor.
func (m *Manager) ReadNext(h *Handle, buf []byte) (n int, err error) {
	d, err := m.find(h)
	if err != nil {
		return 0, err
	}
	os, err := m.openStateFor(d)
	if err != nil {
		return 0, err
	}
	unlock := lockCaller(os)
	defer unlock()

	return m.readAt(h, os, buf, false)
}

// readAt implements the read-and-optionally-skip-markers core shared
// by mlog.ReadNext and mdc's marker-transparent Read.
func (m *Manager) readAt(h *Handle, os *openState, buf []byte, skipMarkers bool) (int, error) {
	for {
		rtype, data, next, err := m.be.ReadRecordAt(h.id, os.readCursor)
		if err == backend.ErrEndOfLog {
			return 0, errors.New(errors.KindNotFound, "end of log")
		}
		if err != nil {
			return 0, errors.New(errors.KindIO, "read record: "+err.Error())
		}
		if skipMarkers && rtype != backend.RecordUser {
			os.readCursor = next
			continue
		}
		if len(data) > len(buf) {
			return 0, errors.Errno(errors.KindOverflow, int32(len(data)), "read buffer too small")
		}
		copy(buf, data)
		os.readCursor = next
		return len(data), nil
	}
}

// ReadNextSkipMarkers is ReadNext but silently advances past marker
// records instead of returning them. Used by mdc.Read to implement
// spec.md §4.4's "transparently skipping compaction markers".
func (m *Manager) ReadNextSkipMarkers(h *Handle, buf []byte) (int, error) {
	d, err := m.find(h)
	if err != nil {
		return 0, err
	}
	os, err := m.openStateFor(d)
	if err != nil {
		return 0, err
	}
	unlock := lockCaller(os)
	defer unlock()
	return m.readAt(h, os, buf, true)
}

// SeekReadNext advances the cursor by skip bytes, which must land on a
// record boundary, then reads the next record.
func (m *Manager) SeekReadNext(h *Handle, skip uint64, buf []byte) (int, error) {
	d, err := m.find(h)
	if err != nil {
		return 0, err
	}
	os, err := m.openStateFor(d)
	if err != nil {
		return 0, err
	}
	unlock := lockCaller(os)
	defer unlock()

	os.readCursor += skip
	return m.readAt(h, os, buf, false)
}

// Flush forces all buffered appends to stable storage.
func (m *Manager) Flush(h *Handle) error {
	d, err := m.find(h)
	if err != nil {
		return err
	}
	if _, err := m.openStateFor(d); err != nil {
		return err
	}
	if err := m.be.FlushLog(h.id); err != nil {
		return errors.New(errors.KindIO, "flush log: "+err.Error())
	}
	return nil
}

// Len reports the current logical length in bytes.
func (m *Manager) Len(h *Handle) (uint64, error) {
	if _, err := m.find(h); err != nil {
		return 0, err
	}
	n, err := m.be.LogLength(h.id)
	if err != nil {
		return 0, errors.New(errors.KindIO, "log length: "+err.Error())
	}
	return n, nil
}

// Empty reports whether the log currently holds no records.
func (m *Manager) Empty(h *Handle) (bool, error) {
	n, err := m.Len(h)
	if err != nil {
		return false, err
	}
	return n == 0, nil
}

// Erase discards all records, bumping the generation to at least
// minGen.
func (m *Manager) Erase(h *Handle, minGen uint64) (uint64, error) {
	d, err := m.find(h)
	if err != nil {
		return 0, err
	}
	if d.getState() != StateCommitted {
		return 0, errors.New(errors.KindInvalidState, "erase on non-committed mlog")
	}
	newGen, err := m.be.EraseLog(h.id, minGen)
	if err != nil {
		return 0, errors.New(errors.KindIO, "erase log: "+err.Error())
	}
	if d.opened != nil {
		d.mu.Lock()
		if d.opened != nil {
			d.opened.readCursor = 0
		}
		d.mu.Unlock()
	}
	return newGen, nil
}

// BumpGeneration advances h's generation counter to at least minGen
// without discarding its records. It exists for mdc's crash-recovery
// path, which needs to re-establish the invariant that the
// authoritative side of an MDC pair carries the higher generation
// after erasing an invalid standby past it -- ordinary compaction
// never needs this, since Cstart/Cend's own Erase calls already keep
// generations correctly ordered.
func (m *Manager) BumpGeneration(h *Handle, minGen uint64) (uint64, error) {
	d, err := m.find(h)
	if err != nil {
		return 0, err
	}
	if d.getState() != StateCommitted {
		return 0, errors.New(errors.KindInvalidState, "bump generation on non-committed mlog")
	}
	newGen, err := m.be.BumpLogGeneration(h.id, minGen)
	if err != nil {
		return 0, errors.New(errors.KindIO, "bump log generation: "+err.Error())
	}
	return newGen, nil
}

// Properties reports the current mlog properties.
func (m *Manager) Properties(h *Handle) (Properties, error) {
	d, err := m.find(h)
	if err != nil {
		return Properties{}, err
	}
	props, err := m.be.LogProps(h.id)
	if err != nil {
		return Properties{}, errors.New(errors.KindIO, "log props: "+err.Error())
	}
	return toProperties(props, d.getState() == StateCommitted), nil
}

// Put releases the reference h holds, whether it came from Allocate or
// HandleFor. Abort and Delete already release their own handle's
// reference, so Put must not follow either of them on the same handle.
func (m *Manager) Put(h *Handle) {
	m.reg.Put(h.id)
}

// AppendMarker writes a compaction-start or compaction-end marker.
// It exists for the mdc package's use; ordinary callers never see
// RecordType and always go through Append/AppendVector (spec.md §9's
// open question on marker framing: kept private to the backend and to
// mdc, never exposed on the plain mlog surface a caller drives
// directly).
func (m *Manager) AppendMarker(h *Handle, start bool, sync bool) error {
	rtype := backend.RecordMarkerEnd
	if start {
		rtype = backend.RecordMarkerStart
	}
	return m.appendTyped(h, rtype, nil, sync)
}

// ReadNextRaw is like ReadNext but does not skip marker records,
// reporting their RecordType too. Used only by mdc's recovery scan.
func (m *Manager) ReadNextRaw(h *Handle) (rtype backend.RecordType, data []byte, err error) {
	d, err := m.find(h)
	if err != nil {
		return 0, nil, err
	}
	os, err := m.openStateFor(d)
	if err != nil {
		return 0, nil, err
	}
	unlock := lockCaller(os)
	defer unlock()

	rtype, data, next, err := m.be.ReadRecordAt(h.id, os.readCursor)
	if err == backend.ErrEndOfLog {
		return 0, nil, errors.New(errors.KindNotFound, "end of log")
	}
	if err != nil {
		return 0, nil, errors.New(errors.KindIO, "read record: "+err.Error())
	}
	os.readCursor = next
	return rtype, data, nil
}

// Cursor reports the current read cursor position, for mdc's recovery
// bookkeeping.
func (m *Manager) Cursor(h *Handle) (uint64, error) {
	d, err := m.find(h)
	if err != nil {
		return 0, err
	}
	os, err := m.openStateFor(d)
	if err != nil {
		return 0, err
	}
	return os.readCursor, nil
}

// SetCursor repositions the read cursor directly. Used by mdc's
// recovery to rewind to a marker's offset.
func (m *Manager) SetCursor(h *Handle, cursor uint64) error {
	d, err := m.find(h)
	if err != nil {
		return err
	}
	os, err := m.openStateFor(d)
	if err != nil {
		return err
	}
	unlock := lockCaller(os)
	defer unlock()
	os.readCursor = cursor
	return nil
}
