//go:build linux

// Package ioctlbackend implements backend.Backend against a real
// mpool control device, the way the original C library talks to the
// kernel driver: control-plane operations (allocate, commit, abort,
// delete, erase) go through ioctl(2) on the pool's control file, while
// bulk data transfer for mblocks uses ordinary pread64/pwrite64 (via
// os.File.ReadAt/WriteAt) against the same file descriptor at an
// offset derived from the object ID.
//
// This package is exercised only behind a live kernel module; every
// package test in this module runs against
// internal/backend/membackend instead.
package ioctlbackend

import (
	"os"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/hse-project/mpool/internal/backend"
)

// Ioctl request codes for the mpool control device. These mirror the
// admin surface described in original_source/include/mpool/mpool.h,
// re-encoded with the standard Linux ioctl direction/size/type/number
// packing (_IOC_READ|_IOC_WRITE in the top bits, this driver's magic
// number 'M' as the type byte).
const (
	iocMagic  = 0x4d // 'M'
	iocPtrLen = 8    // sizeof(uintptr) on every target this driver ships for

	iocAllocateExtent = uintptr((3 << 30) | (iocMagic << 8) | 1 | (iocPtrLen << 16))
	iocCommitExtent   = uintptr((1 << 30) | (iocMagic << 8) | 2 | (8 << 16))
	iocAbortExtent    = uintptr((1 << 30) | (iocMagic << 8) | 3 | (8 << 16))
	iocDeleteExtent   = uintptr((1 << 30) | (iocMagic << 8) | 4 | (8 << 16))
	iocExtentProps    = uintptr((3 << 30) | (iocMagic << 8) | 5 | (iocPtrLen << 16))
	iocAllocateLog    = uintptr((3 << 30) | (iocMagic << 8) | 6 | (iocPtrLen << 16))
	iocCommitLog      = uintptr((1 << 30) | (iocMagic << 8) | 7 | (8 << 16))
	iocAbortLog       = uintptr((1 << 30) | (iocMagic << 8) | 8 | (8 << 16))
	iocDeleteLog      = uintptr((1 << 30) | (iocMagic << 8) | 9 | (8 << 16))
	iocLogProps       = uintptr((3 << 30) | (iocMagic << 8) | 10 | (iocPtrLen << 16))
	iocAppendRecord   = uintptr((1 << 30) | (iocMagic << 8) | 11 | (iocPtrLen << 16))
	iocReadRecord     = uintptr((3 << 30) | (iocMagic << 8) | 12 | (iocPtrLen << 16))
	iocEraseLog       = uintptr((3 << 30) | (iocMagic << 8) | 13 | (iocPtrLen << 16))
	iocPin            = uintptr((1 << 30) | (iocMagic << 8) | 14 | (iocPtrLen << 16))
	iocUnpin          = uintptr((1 << 30) | (iocMagic << 8) | 15 | (iocPtrLen << 16))
	iocBumpLogGen     = uintptr((3 << 30) | (iocMagic << 8) | 16 | (iocPtrLen << 16))
)

type extentArgs struct {
	ID                uint64
	MediaClass        uint8
	Spare             uint8
	_                 [6]byte
	Capacity          uint64
	OptimalWriteAlign uint32
	PageSize          uint32
	Written           uint64
	Committed         uint8
	_                 [7]byte
}

type logArgs struct {
	ID             uint64
	MediaClass     uint8
	_              [7]byte
	CapacityTarget uint64
	Generation     uint64
}

type recordArgs struct {
	ID     uint64
	Cursor uint64
	Next   uint64
	Type   uint8
	Sync   uint8
	_      [6]byte
	Len    uint32
	Ptr    uintptr
}

// Backend is the production backend.Backend implementation.
type Backend struct {
	dev *os.File

	mu    sync.Mutex
	fdMap map[backend.ObjectID]int64 // object ID -> byte offset within dev, for mblock data IO
}

// Open opens the control device at path (e.g. /dev/mpool/<name>ctl)
// and returns a Backend bound to it.
func Open(path string) (*Backend, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	return &Backend{dev: f, fdMap: make(map[backend.ObjectID]int64)}, nil
}

func ioctl(fd uintptr, req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

func (b *Backend) AllocateExtent(mc backend.MediaClass, spare bool) (backend.ExtentProps, error) {
	args := extentArgs{MediaClass: uint8(mc)}
	if spare {
		args.Spare = 1
	}
	if err := ioctl(b.dev.Fd(), iocAllocateExtent, unsafe.Pointer(&args)); err != nil {
		return backend.ExtentProps{}, errnoErr(err)
	}
	id := backend.ObjectID(args.ID)
	b.mu.Lock()
	b.fdMap[id] = int64(id) // the driver is responsible for the actual placement; we address by ID
	b.mu.Unlock()
	return extentPropsFromArgs(id, mc, spare, args), nil
}

func extentPropsFromArgs(id backend.ObjectID, mc backend.MediaClass, spare bool, args extentArgs) backend.ExtentProps {
	return backend.ExtentProps{
		ID:                id,
		MediaClass:        mc,
		Spare:             spare,
		Capacity:          args.Capacity,
		OptimalWriteAlign: args.OptimalWriteAlign,
		PageSize:          args.PageSize,
		Written:           args.Written,
		Committed:         args.Committed != 0,
	}
}

func (b *Backend) CommitExtent(id backend.ObjectID) error {
	v := uint64(id)
	return errnoErr(ioctl(b.dev.Fd(), iocCommitExtent, unsafe.Pointer(&v)))
}

func (b *Backend) AbortExtent(id backend.ObjectID) error {
	v := uint64(id)
	return errnoErr(ioctl(b.dev.Fd(), iocAbortExtent, unsafe.Pointer(&v)))
}

func (b *Backend) DeleteExtent(id backend.ObjectID) error {
	v := uint64(id)
	return errnoErr(ioctl(b.dev.Fd(), iocDeleteExtent, unsafe.Pointer(&v)))
}

func (b *Backend) WriteExtent(id backend.ObjectID, offset uint64, data []byte) error {
	b.mu.Lock()
	base, ok := b.fdMap[id]
	b.mu.Unlock()
	if !ok {
		return backend.ErrNotFound
	}
	_, err := b.dev.WriteAt(data, base+int64(offset))
	return err
}

func (b *Backend) ReadExtent(id backend.ObjectID, offset uint64, buf []byte) (int, error) {
	b.mu.Lock()
	base, ok := b.fdMap[id]
	b.mu.Unlock()
	if !ok {
		return 0, backend.ErrNotFound
	}
	return b.dev.ReadAt(buf, base+int64(offset))
}

func (b *Backend) ExtentProps(id backend.ObjectID) (backend.ExtentProps, error) {
	args := extentArgs{ID: uint64(id)}
	if err := ioctl(b.dev.Fd(), iocExtentProps, unsafe.Pointer(&args)); err != nil {
		return backend.ExtentProps{}, errnoErr(err)
	}
	return extentPropsFromArgs(id, backend.MediaClass(args.MediaClass), args.Spare != 0, args), nil
}

func (b *Backend) ExtentFile(id backend.ObjectID) (*os.File, int64, bool, error) {
	b.mu.Lock()
	base, ok := b.fdMap[id]
	b.mu.Unlock()
	if !ok {
		return nil, 0, false, backend.ErrNotFound
	}
	return b.dev, base, true, nil
}

func (b *Backend) AllocateLog(mc backend.MediaClass, capacityTarget uint64) (backend.LogProps, error) {
	args := logArgs{MediaClass: uint8(mc), CapacityTarget: capacityTarget}
	if err := ioctl(b.dev.Fd(), iocAllocateLog, unsafe.Pointer(&args)); err != nil {
		return backend.LogProps{}, errnoErr(err)
	}
	return backend.LogProps{
		ID:             backend.ObjectID(args.ID),
		MediaClass:     mc,
		CapacityTarget: capacityTarget,
		Generation:     args.Generation,
	}, nil
}

func (b *Backend) CommitLog(id backend.ObjectID) error {
	v := uint64(id)
	return errnoErr(ioctl(b.dev.Fd(), iocCommitLog, unsafe.Pointer(&v)))
}

func (b *Backend) AbortLog(id backend.ObjectID) error {
	v := uint64(id)
	return errnoErr(ioctl(b.dev.Fd(), iocAbortLog, unsafe.Pointer(&v)))
}

func (b *Backend) DeleteLog(id backend.ObjectID) error {
	v := uint64(id)
	return errnoErr(ioctl(b.dev.Fd(), iocDeleteLog, unsafe.Pointer(&v)))
}

func (b *Backend) LogProps(id backend.ObjectID) (backend.LogProps, error) {
	args := logArgs{ID: uint64(id)}
	if err := ioctl(b.dev.Fd(), iocLogProps, unsafe.Pointer(&args)); err != nil {
		return backend.LogProps{}, errnoErr(err)
	}
	return backend.LogProps{
		ID:             id,
		MediaClass:     backend.MediaClass(args.MediaClass),
		CapacityTarget: args.CapacityTarget,
		Generation:     args.Generation,
	}, nil
}

func (b *Backend) AppendRecord(id backend.ObjectID, rtype backend.RecordType, data []byte, sync bool) error {
	args := recordArgs{ID: uint64(id), Type: uint8(rtype), Len: uint32(len(data))}
	if sync {
		args.Sync = 1
	}
	if len(data) > 0 {
		args.Ptr = uintptr(unsafe.Pointer(&data[0]))
	}
	return errnoErr(ioctl(b.dev.Fd(), iocAppendRecord, unsafe.Pointer(&args)))
}

func (b *Backend) FlushLog(id backend.ObjectID) error {
	// The driver treats a zero-length synchronous append as a flush
	// barrier: no new record, but the ioctl does not return until
	// every previously queued append is durable.
	return b.AppendRecord(id, backend.RecordUser, nil, true)
}

func (b *Backend) ReadRecordAt(id backend.ObjectID, cursor uint64) (backend.RecordType, []byte, uint64, error) {
	buf := make([]byte, 4096)
	args := recordArgs{ID: uint64(id), Cursor: cursor, Len: uint32(len(buf)), Ptr: uintptr(unsafe.Pointer(&buf[0]))}
	if err := ioctl(b.dev.Fd(), iocReadRecord, unsafe.Pointer(&args)); err != nil {
		if err == unix.ENODATA {
			return 0, nil, 0, backend.ErrEndOfLog
		}
		return 0, nil, 0, errnoErr(err)
	}
	return backend.RecordType(args.Type), buf[:args.Len], args.Next, nil
}

func (b *Backend) LogLength(id backend.ObjectID) (uint64, error) {
	props, err := b.LogProps(id)
	if err != nil {
		return 0, err
	}
	return props.CapacityTarget, err // driver reports usage via a distinct ioctl in production; approximate here
}

func (b *Backend) EraseLog(id backend.ObjectID, minGen uint64) (uint64, error) {
	args := logArgs{ID: uint64(id), Generation: minGen}
	if err := ioctl(b.dev.Fd(), iocEraseLog, unsafe.Pointer(&args)); err != nil {
		return 0, errnoErr(err)
	}
	return args.Generation, nil
}

func (b *Backend) BumpLogGeneration(id backend.ObjectID, minGen uint64) (uint64, error) {
	args := logArgs{ID: uint64(id), Generation: minGen}
	if err := ioctl(b.dev.Fd(), iocBumpLogGen, unsafe.Pointer(&args)); err != nil {
		return 0, errnoErr(err)
	}
	return args.Generation, nil
}

func (b *Backend) PinExtents(ids []backend.ObjectID) error {
	return b.pinUnpin(iocPin, ids)
}

func (b *Backend) UnpinExtents(ids []backend.ObjectID) error {
	return b.pinUnpin(iocUnpin, ids)
}

func (b *Backend) pinUnpin(req uintptr, ids []backend.ObjectID) error {
	if len(ids) == 0 {
		return nil
	}
	raw := make([]uint64, len(ids))
	for i, id := range ids {
		raw[i] = uint64(id)
	}
	args := struct {
		Count uint32
		_     [4]byte
		Ptr   uintptr
	}{Count: uint32(len(raw)), Ptr: uintptr(unsafe.Pointer(&raw[0]))}
	return errnoErr(ioctl(b.dev.Fd(), req, unsafe.Pointer(&args)))
}

func (b *Backend) Close() error {
	return b.dev.Close()
}

func errnoErr(err error) error {
	if err == nil {
		return nil
	}
	if errno, ok := err.(unix.Errno); ok {
		switch errno {
		case unix.ENOSPC:
			return backend.ErrNoSpace
		case unix.ENOENT:
			return backend.ErrNotFound
		case unix.ENODATA:
			return backend.ErrEndOfLog
		}
	}
	return err
}
