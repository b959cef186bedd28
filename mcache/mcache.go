// Package mcache implements the mmap-based zero-copy page layer of
// spec.md §4.5: binds an ordered vector of committed mblock IDs into
// per-mblock memory maps and resolves page offsets to byte slices
// that alias the same bytes an mblock read would return.
package mcache

import (
	"context"
	"sync"
	"unsafe"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"github.com/hse-project/mpool/errors"
	"github.com/hse-project/mpool/internal/backend"
	"github.com/hse-project/mpool/metrics"
)

// Advice is a coarse hint routed to page-level madvise.
type Advice int

const (
	AdviceNormal Advice = iota
	AdviceRandom
	AdviceSequential
	AdviceWillNeed
	AdviceDontNeed
)

func (a Advice) sysAdvice() int {
	switch a {
	case AdviceRandom:
		return unix.MADV_RANDOM
	case AdviceSequential:
		return unix.MADV_SEQUENTIAL
	case AdviceWillNeed:
		return unix.MADV_WILLNEED
	case AdviceDontNeed:
		return unix.MADV_DONTNEED
	default:
		return unix.MADV_NORMAL
	}
}

// SizeToEnd is the SIZE_MAX sentinel spec.md §4.5 uses to mean
// "to the end of the map/region".
const SizeToEnd = ^uint64(0)

// Manager creates mcache maps against a single backend.
type Manager struct {
	be backend.Backend

	// limiter paces read-ahead Prefetch calls; nil disables pacing.
	limiter *rate.Limiter
}

// NewManager creates a Manager. prefetchRPS caps Prefetch calls per
// second across every map this Manager creates; 0 disables pacing.
func NewManager(be backend.Backend, prefetchRPS float64) *Manager {
	mg := &Manager{be: be}
	if prefetchRPS > 0 {
		mg.limiter = rate.NewLimiter(rate.Limit(prefetchRPS), 1)
	}
	return mg
}

type region struct {
	id       backend.ObjectID
	data     []byte // nil if this mblock could not be mapped
	pageSize int
}

// Map is one Mmap call's worth of pinned, mapped mblocks.
type Map struct {
	mgr *Manager

	id      uuid.UUID
	mu      sync.Mutex
	ids     []backend.ObjectID
	regions []region
	closed  bool
}

// ID uniquely identifies this map for logging and metrics.
func (m *Map) ID() uuid.UUID { return m.id }

// Mmap creates a map over mbidv, pinning every mblock for the map's
// lifetime.
func (mg *Manager) Mmap(mbidv []backend.ObjectID, advice Advice) (*Map, error) {
	if len(mbidv) == 0 {
		return nil, errors.New(errors.KindInvalidArgument, "mmap requires at least one mblock")
	}
	if err := mg.be.PinExtents(mbidv); err != nil {
		return nil, errors.New(errors.KindIO, "pin extents: "+err.Error())
	}

	regions := make([]region, len(mbidv))
	for i, id := range mbidv {
		r, err := mg.mapOne(id)
		if err != nil {
			for j := 0; j < i; j++ {
				if regions[j].data != nil {
					unix.Munmap(regions[j].data)
				}
			}
			mg.be.UnpinExtents(mbidv)
			return nil, err
		}
		regions[i] = r
	}

	return &Map{mgr: mg, id: uuid.New(), ids: append([]backend.ObjectID(nil), mbidv...), regions: regions}, nil
}

func (mg *Manager) mapOne(id backend.ObjectID) (region, error) {
	props, err := mg.be.ExtentProps(id)
	if err != nil {
		return region{}, errors.New(errors.KindIO, "extent props: "+err.Error())
	}
	if !props.Committed {
		return region{}, errors.New(errors.KindInvalidState, "mmap requires committed mblocks")
	}

	f, off, ok, err := mg.be.ExtentFile(id)
	if err != nil {
		return region{}, errors.New(errors.KindIO, "extent file: "+err.Error())
	}
	if !ok || props.Written == 0 || props.PageSize == 0 {
		// Nothing to map: Getbase reports no-base for this index.
		return region{id: id, pageSize: int(props.PageSize)}, nil
	}

	length := roundUpToPage(props.Written, uint64(props.PageSize))
	data, err := unix.Mmap(int(f.Fd()), off, int(length), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return region{}, errors.New(errors.KindIO, "mmap: "+err.Error())
	}
	return region{id: id, data: data, pageSize: int(props.PageSize)}, nil
}

func roundUpToPage(n, pageSize uint64) uint64 {
	if pageSize == 0 {
		return n
	}
	return (n + pageSize - 1) / pageSize * pageSize
}

// Munmap releases the map and unpins its mblocks.
func (m *Map) Munmap() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New(errors.KindInvalidState, "map already unmapped")
	}
	var firstErr error
	for _, r := range m.regions {
		if r.data == nil {
			continue
		}
		if err := unix.Munmap(r.data); err != nil && firstErr == nil {
			firstErr = errors.New(errors.KindIO, "munmap: "+err.Error())
		}
	}
	if err := m.mgr.be.UnpinExtents(m.ids); err != nil && firstErr == nil {
		firstErr = errors.New(errors.KindIO, "unpin extents: "+err.Error())
	}
	m.closed = true
	return firstErr
}

// Madvise applies advice to a sub-range. length == SizeToEnd addresses
// to end-of-region from (mbidx, offset); (0, 0, SizeToEnd) addresses
// the whole map.
func (m *Map) Madvise(mbidx int, offset, length uint64, advice Advice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New(errors.KindInvalidState, "map already unmapped")
	}

	if mbidx == 0 && offset == 0 && length == SizeToEnd {
		var firstErr error
		for _, r := range m.regions {
			if r.data == nil {
				continue
			}
			if err := unix.Madvise(r.data, advice.sysAdvice()); err != nil && firstErr == nil {
				firstErr = errors.New(errors.KindIO, "madvise: "+err.Error())
			}
		}
		return firstErr
	}

	if mbidx < 0 || mbidx >= len(m.regions) {
		return errors.New(errors.KindOutOfRange, "mbidx out of range")
	}
	r := m.regions[mbidx]
	if r.data == nil {
		return errors.New(errors.KindNotFound, "mblock has no mapped region")
	}
	end := uint64(len(r.data))
	if length != SizeToEnd {
		if offset+length < end {
			end = offset + length
		}
	}
	if offset > end {
		return errors.New(errors.KindOutOfRange, "madvise offset beyond mapped region")
	}
	if err := unix.Madvise(r.data[offset:end], advice.sysAdvice()); err != nil {
		return errors.New(errors.KindIO, "madvise: "+err.Error())
	}
	return nil
}

// Getbase returns the virtual base of mblock mbidx, or ok=false if it
// has no mapped region (no-base).
func (m *Map) Getbase(mbidx int) (base uintptr, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mbidx < 0 || mbidx >= len(m.regions) {
		return 0, false
	}
	r := m.regions[mbidx]
	if r.data == nil {
		return 0, false
	}
	return uintptr(unsafe.Pointer(&r.data[0])), true
}

// Getpages resolves a vector of page offsets within mblock mbidx to
// page-sized byte slices aliasing the mapped region. Each offset must
// be page-aligned.
func (m *Map) Getpages(mbidx int, offsets []uint64) ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mbidx < 0 || mbidx >= len(m.regions) {
		return nil, errors.New(errors.KindOutOfRange, "mbidx out of range")
	}
	r := m.regions[mbidx]
	return resolvePages(r, offsets)
}

// Getpagesv is Getpages across multiple mblocks: the i-th offset is
// applied within the i-th mbidx.
func (m *Map) Getpagesv(mbidxv []int, offsets []uint64) ([][]byte, error) {
	if len(mbidxv) != len(offsets) {
		return nil, errors.New(errors.KindInvalidArgument, "mbidxv and offsets must be the same length")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	pages := make([][]byte, len(mbidxv))
	for i, mbidx := range mbidxv {
		if mbidx < 0 || mbidx >= len(m.regions) {
			return nil, errors.New(errors.KindOutOfRange, "mbidx out of range")
		}
		p, err := resolvePages(m.regions[mbidx], offsets[i:i+1])
		if err != nil {
			return nil, err
		}
		pages[i] = p[0]
	}
	return pages, nil
}

func resolvePages(r region, offsets []uint64) ([][]byte, error) {
	if r.data == nil {
		return nil, errors.New(errors.KindNotFound, "mblock has no mapped region")
	}
	pages := make([][]byte, len(offsets))
	for i, off := range offsets {
		if r.pageSize == 0 || off%uint64(r.pageSize) != 0 {
			return nil, errors.New(errors.KindInvalidArgument, "page offset not page-aligned")
		}
		end := off + uint64(r.pageSize)
		if end > uint64(len(r.data)) {
			return nil, errors.New(errors.KindOutOfRange, "page offset beyond mapped region")
		}
		pages[i] = r.data[off:end]
	}
	return pages, nil
}

// Purge advises the OS to drop resident pages across the whole map.
func (m *Map) Purge() error {
	return m.Madvise(0, 0, SizeToEnd, AdviceDontNeed)
}

// Mincore counts resident and virtual pages across the map.
func (m *Map) Mincore() (rss, vss uint64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.regions {
		if r.data == nil || r.pageSize == 0 {
			continue
		}
		npages := (len(r.data) + r.pageSize - 1) / r.pageSize
		vss += uint64(npages)
		vec := make([]byte, npages)
		if err := mincore(r.data, vec); err != nil {
			return 0, 0, errors.New(errors.KindIO, "mincore: "+err.Error())
		}
		for _, b := range vec {
			if b&1 == 1 {
				rss++
			}
		}
	}
	metrics.McacheResidentPages.Set(float64(rss))
	metrics.McacheVirtualPages.Set(float64(vss))
	return rss, vss, nil
}

// mincore wraps the mincore(2) syscall directly: golang.org/x/sys/unix does
// not expose a Mincore wrapper on linux.
func mincore(data []byte, vec []byte) error {
	if len(data) == 0 {
		return nil
	}
	_, _, errno := unix.Syscall(unix.SYS_MINCORE, uintptr(unsafe.Pointer(&data[0])), uintptr(len(data)), uintptr(unsafe.Pointer(&vec[0])))
	if errno != 0 {
		return errno
	}
	return nil
}

// Prefetch issues a WillNeed advise for a sub-range, paced by the
// Manager's read-ahead rate limiter.
func (m *Map) Prefetch(ctx context.Context, mbidx int, offset, length uint64) error {
	if m.mgr.limiter != nil {
		if err := m.mgr.limiter.Wait(ctx); err != nil {
			return errors.New(errors.KindIO, "prefetch: "+err.Error())
		}
	}
	return m.Madvise(mbidx, offset, length, AdviceWillNeed)
}
