// Package backend defines the contract mpool's object managers need
// from whatever provides raw extents and record logs. In production
// this is the kernel block-device driver, reached through ioctl(2) by
// internal/ioctlbackend. Package tests run against
// internal/backend/membackend, an in-process simulation of the same
// contract backed by real temp files so mmap-based access (mcache)
// exercises the same code path in both cases.
//
// The backend is intentionally state-light: it enforces the low-level
// invariants spec.md §3 assigns to it (all-or-nothing writes, offset
// bookkeeping, generation bumps) but the lifecycle state machines
// (allocated/committed/aborted/deleted, ...) belong to the mblock,
// mlog, and mdc packages, which are the only callers of this
// interface.
package backend

import (
	"errors"
	"os"
)

// Kind tags which higher-level object an ObjectID names, recovered
// from the ID itself rather than from caller assertion (design note in
// spec.md §9: "recover kind from the ID prefix or from the registry
// entry, never from caller assertion").
type Kind uint8

const (
	KindMblock Kind = iota + 1
	KindMlog
)

func (k Kind) String() string {
	switch k {
	case KindMblock:
		return "mblock"
	case KindMlog:
		return "mlog"
	default:
		return "unknown"
	}
}

// MediaClass selects among backing device tiers.
type MediaClass uint8

const (
	MediaClassCapacity MediaClass = iota + 1
	MediaClassStaging
)

// ObjectID is the 64-bit opaque identifier spec.md §3 describes. The
// top byte carries Kind, the next MediaClass, matching the "carries
// kind + media class bits as chosen by backend" clause; the low 48
// bits are a backend-assigned sequence number.
type ObjectID uint64

func NewObjectID(kind Kind, mc MediaClass, seq uint64) ObjectID {
	return ObjectID(uint64(kind)<<56 | uint64(mc)<<48 | (seq & 0x0000ffffffffffff))
}

func (id ObjectID) Kind() Kind             { return Kind(id >> 56) }
func (id ObjectID) MediaClass() MediaClass { return MediaClass((id >> 48) & 0xff) }

// RecordType distinguishes a compaction marker from a user record in
// the record framing, per spec.md §4.4 "Markers". This is a backend
// concern: the framing itself is delegated to the backend by spec.md
// §9's open question, and callers of mlog/mdc never see RecordType
// directly.
type RecordType uint8

const (
	RecordUser RecordType = iota
	RecordMarkerStart
	RecordMarkerEnd
)

func (t RecordType) String() string {
	switch t {
	case RecordUser:
		return "user"
	case RecordMarkerStart:
		return "marker_start"
	case RecordMarkerEnd:
		return "marker_end"
	default:
		return "unknown"
	}
}

// Sentinel errors returned by Backend implementations. Higher layers
// (mblock, mlog, mdc) translate these into the appropriately-kinded
// *errors.Merr; the backend itself never constructs one, since it has
// no notion of the caller-visible lifecycle state that would make one
// kind more appropriate than another.
var (
	// ErrEndOfLog is returned by ReadRecordAt when the cursor has
	// reached the end of the durable record stream.
	ErrEndOfLog = errors.New("backend: end of log")
	// ErrNotFound is returned when an ObjectID names no live extent or
	// log known to this backend.
	ErrNotFound = errors.New("backend: object not found")
	// ErrOffsetMismatch is returned by WriteExtent when offset does
	// not equal the extent's current written length.
	ErrOffsetMismatch = errors.New("backend: write offset not monotonic")
	// ErrNoSpace is returned when a write or append would exceed the
	// extent's capacity or the log's capacity target.
	ErrNoSpace = errors.New("backend: capacity exceeded")
)

// ExtentProps mirrors mpool_mblock_props: everything an mblock manager
// needs to know about the backing extent.
type ExtentProps struct {
	ID                ObjectID
	MediaClass        MediaClass
	Spare             bool
	Capacity          uint64
	OptimalWriteAlign uint32
	PageSize          uint32
	Written           uint64
	Committed         bool
}

// LogProps mirrors the mlog side of the same idea.
type LogProps struct {
	ID             ObjectID
	MediaClass     MediaClass
	CapacityTarget uint64
	Generation     uint64
}

// Backend is the contract spec.md §6 assigns to "the kernel driver /
// block-device backend".
type Backend interface {
	// Extents (mblock).
	AllocateExtent(mc MediaClass, spare bool) (ExtentProps, error)
	CommitExtent(id ObjectID) error
	AbortExtent(id ObjectID) error
	DeleteExtent(id ObjectID) error
	WriteExtent(id ObjectID, offset uint64, data []byte) error
	ReadExtent(id ObjectID, offset uint64, buf []byte) (int, error)
	ExtentProps(id ObjectID) (ExtentProps, error)
	// ExtentFile exposes the backing file and byte offset of the given
	// committed extent so mcache can mmap it directly; ok is false if
	// the backend cannot expose a mappable file for this extent.
	ExtentFile(id ObjectID) (f *os.File, offset int64, ok bool, err error)

	// Records (mlog).
	AllocateLog(mc MediaClass, capacityTarget uint64) (LogProps, error)
	CommitLog(id ObjectID) error
	AbortLog(id ObjectID) error
	DeleteLog(id ObjectID) error
	LogProps(id ObjectID) (LogProps, error)
	AppendRecord(id ObjectID, rtype RecordType, data []byte, sync bool) error
	FlushLog(id ObjectID) error
	// ReadRecordAt returns the record starting at byte offset cursor,
	// its type, and the cursor of the record that follows it. It
	// returns ErrEndOfLog when cursor is at or past the end of the
	// durable stream.
	ReadRecordAt(id ObjectID, cursor uint64) (rtype RecordType, data []byte, next uint64, err error)
	LogLength(id ObjectID) (uint64, error)
	EraseLog(id ObjectID, minGen uint64) (newGen uint64, err error)
	// BumpLogGeneration advances a log's generation counter to at
	// least minGen without touching its records, the fencing-only
	// counterpart to EraseLog used to re-establish the "active side
	// carries the highest generation" invariant when recovery erases a
	// standby past it (mdc's crash-recovery path).
	BumpLogGeneration(id ObjectID, minGen uint64) (newGen uint64, err error)

	// Pinning, for mcache.
	PinExtents(ids []ObjectID) error
	UnpinExtents(ids []ObjectID) error

	Close() error
}
