// Package membackend is an in-process simulation of backend.Backend,
// used by every package test in this module in place of a real kernel
// driver. Extents are backed by real temporary files (not plain
// []byte) so that mcache's mmap path is exercised identically whether
// the caller is running against membackend or internal/ioctlbackend.
package membackend

import (
	"os"
	"sync"
	"sync/atomic"

	"github.com/hse-project/mpool/internal/backend"
)

const (
	// DefaultOptimalWriteAlign matches a typical 4K-aligned block
	// device write unit.
	DefaultOptimalWriteAlign = 4096
	// DefaultPageSize matches the host page size on the overwhelming
	// majority of deployment targets.
	DefaultPageSize = 4096

	recordHeaderSize = 5 // 1 byte type + 4 byte big-endian length, kept for framing-overhead accounting
)

type extent struct {
	mu        sync.Mutex
	props     backend.ExtentProps
	file      *os.File
	committed bool
	pinned    int
}

type logRecord struct {
	rtype  backend.RecordType
	data   []byte
	offset uint64 // offset of this record's header in the framed stream
}

type logObj struct {
	mu        sync.Mutex
	props     backend.LogProps
	records   []logRecord
	totalLen  uint64
	committed bool
}

// Backend is the membackend implementation of backend.Backend.
type Backend struct {
	dir string

	mu      sync.Mutex
	extents map[backend.ObjectID]*extent
	logs    map[backend.ObjectID]*logObj
	seq     uint64
}

// New creates a membackend rooted at dir, which must already exist;
// callers typically pass a t.TempDir() in tests.
func New(dir string) *Backend {
	return &Backend{
		dir:     dir,
		extents: make(map[backend.ObjectID]*extent),
		logs:    make(map[backend.ObjectID]*logObj),
	}
}

func (b *Backend) nextSeq() uint64 {
	return atomic.AddUint64(&b.seq, 1)
}

func (b *Backend) AllocateExtent(mc backend.MediaClass, spare bool) (backend.ExtentProps, error) {
	f, err := os.CreateTemp(b.dir, "mblock-*")
	if err != nil {
		return backend.ExtentProps{}, err
	}

	const capacity = 32 << 20 // 32MiB extents, generous for tests
	if err := f.Truncate(capacity); err != nil {
		f.Close()
		return backend.ExtentProps{}, err
	}

	id := backend.NewObjectID(backend.KindMblock, mc, b.nextSeq())
	props := backend.ExtentProps{
		ID:                id,
		MediaClass:        mc,
		Spare:             spare,
		Capacity:          capacity,
		OptimalWriteAlign: DefaultOptimalWriteAlign,
		PageSize:          DefaultPageSize,
	}

	b.mu.Lock()
	b.extents[id] = &extent{props: props, file: f}
	b.mu.Unlock()
	return props, nil
}

func (b *Backend) getExtent(id backend.ObjectID) (*extent, error) {
	b.mu.Lock()
	e, ok := b.extents[id]
	b.mu.Unlock()
	if !ok {
		return nil, backend.ErrNotFound
	}
	return e, nil
}

func (b *Backend) CommitExtent(id backend.ObjectID) error {
	e, err := b.getExtent(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.committed = true
	e.props.Committed = true
	return nil
}

func (b *Backend) AbortExtent(id backend.ObjectID) error {
	e, err := b.getExtent(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.file.Close()
	os.Remove(e.file.Name())
	e.mu.Unlock()
	b.mu.Lock()
	delete(b.extents, id)
	b.mu.Unlock()
	return nil
}

func (b *Backend) DeleteExtent(id backend.ObjectID) error {
	e, err := b.getExtent(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.file.Close()
	os.Remove(e.file.Name())
	e.mu.Unlock()
	b.mu.Lock()
	delete(b.extents, id)
	b.mu.Unlock()
	return nil
}

func (b *Backend) WriteExtent(id backend.ObjectID, offset uint64, data []byte) error {
	e, err := b.getExtent(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if offset != e.props.Written {
		return backend.ErrOffsetMismatch
	}
	if offset+uint64(len(data)) > e.props.Capacity {
		return backend.ErrNoSpace
	}
	if _, err := e.file.WriteAt(data, int64(offset)); err != nil {
		return err
	}
	e.props.Written += uint64(len(data))
	return nil
}

func (b *Backend) ReadExtent(id backend.ObjectID, offset uint64, buf []byte) (int, error) {
	e, err := b.getExtent(id)
	if err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if offset >= e.props.Written {
		return 0, backend.ErrEndOfLog
	}
	n := len(buf)
	if offset+uint64(n) > e.props.Written {
		n = int(e.props.Written - offset)
	}
	return e.file.ReadAt(buf[:n], int64(offset))
}

func (b *Backend) ExtentProps(id backend.ObjectID) (backend.ExtentProps, error) {
	e, err := b.getExtent(id)
	if err != nil {
		return backend.ExtentProps{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.props, nil
}

func (b *Backend) ExtentFile(id backend.ObjectID) (*os.File, int64, bool, error) {
	e, err := b.getExtent(id)
	if err != nil {
		return nil, 0, false, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.file, 0, true, nil
}

func (b *Backend) PinExtents(ids []backend.ObjectID) error {
	for _, id := range ids {
		e, err := b.getExtent(id)
		if err != nil {
			return err
		}
		e.mu.Lock()
		e.pinned++
		e.mu.Unlock()
	}
	return nil
}

func (b *Backend) UnpinExtents(ids []backend.ObjectID) error {
	for _, id := range ids {
		e, err := b.getExtent(id)
		if err != nil {
			continue
		}
		e.mu.Lock()
		if e.pinned > 0 {
			e.pinned--
		}
		e.mu.Unlock()
	}
	return nil
}

// --- mlog side ---

func (b *Backend) AllocateLog(mc backend.MediaClass, capacityTarget uint64) (backend.LogProps, error) {
	id := backend.NewObjectID(backend.KindMlog, mc, b.nextSeq())
	props := backend.LogProps{ID: id, MediaClass: mc, CapacityTarget: capacityTarget, Generation: 0}
	b.mu.Lock()
	b.logs[id] = &logObj{props: props}
	b.mu.Unlock()
	return props, nil
}

func (b *Backend) getLog(id backend.ObjectID) (*logObj, error) {
	b.mu.Lock()
	l, ok := b.logs[id]
	b.mu.Unlock()
	if !ok {
		return nil, backend.ErrNotFound
	}
	return l, nil
}

func (b *Backend) CommitLog(id backend.ObjectID) error {
	l, err := b.getLog(id)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.committed = true
	l.mu.Unlock()
	return nil
}

func (b *Backend) AbortLog(id backend.ObjectID) error {
	b.mu.Lock()
	delete(b.logs, id)
	b.mu.Unlock()
	return nil
}

func (b *Backend) DeleteLog(id backend.ObjectID) error {
	b.mu.Lock()
	delete(b.logs, id)
	b.mu.Unlock()
	return nil
}

func (b *Backend) LogProps(id backend.ObjectID) (backend.LogProps, error) {
	l, err := b.getLog(id)
	if err != nil {
		return backend.LogProps{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.props, nil
}

func (b *Backend) AppendRecord(id backend.ObjectID, rtype backend.RecordType, data []byte, sync bool) error {
	l, err := b.getLog(id)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.props.CapacityTarget != 0 && l.totalLen+uint64(recordHeaderSize+len(data)) > l.props.CapacityTarget {
		return backend.ErrNoSpace
	}

	rec := logRecord{rtype: rtype, data: append([]byte(nil), data...), offset: l.totalLen}
	l.records = append(l.records, rec)
	l.totalLen += uint64(recordHeaderSize + len(data))
	// sync is a durability hint only in this in-memory backend: every
	// append is already visible to subsequent reads.
	_ = sync
	return nil
}

func (b *Backend) FlushLog(id backend.ObjectID) error {
	_, err := b.getLog(id)
	return err
}

func (b *Backend) ReadRecordAt(id backend.ObjectID, cursor uint64) (backend.RecordType, []byte, uint64, error) {
	l, err := b.getLog(id)
	if err != nil {
		return 0, nil, 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, rec := range l.records {
		if rec.offset != cursor {
			continue
		}
		next := rec.offset + uint64(recordHeaderSize+len(rec.data))
		return rec.rtype, rec.data, next, nil
	}
	return 0, nil, 0, backend.ErrEndOfLog
}

func (b *Backend) LogLength(id backend.ObjectID) (uint64, error) {
	l, err := b.getLog(id)
	if err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.totalLen, nil
}

func (b *Backend) EraseLog(id backend.ObjectID, minGen uint64) (uint64, error) {
	l, err := b.getLog(id)
	if err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	newGen := l.props.Generation + 1
	if minGen > newGen {
		newGen = minGen
	}
	l.props.Generation = newGen
	l.records = nil
	l.totalLen = 0
	return newGen, nil
}

func (b *Backend) BumpLogGeneration(id backend.ObjectID, minGen uint64) (uint64, error) {
	l, err := b.getLog(id)
	if err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	newGen := l.props.Generation + 1
	if minGen > newGen {
		newGen = minGen
	}
	l.props.Generation = newGen
	return newGen, nil
}

func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, e := range b.extents {
		e.file.Close()
		os.Remove(e.file.Name())
	}
	return nil
}
