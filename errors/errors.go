// Copyright 2023 The Cuber Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

// Package errors packs an mpool failure into a single opaque value, the
// way the C library packs (kind, origin, errno) into a 64-bit
// mpool_err_t. Every operation in this module returns a *Merr instead
// of a raw error so callers on the far side of a cgo-shaped boundary
// can still recover kind and errno without type-asserting into
// package internals.
package errors

import (
	"fmt"
	"runtime"
)

// Kind classifies a failure the way spec §7 enumerates them.
type Kind uint8

const (
	// KindNone is the zero value: success.
	KindNone Kind = iota
	KindInvalidArgument
	KindNotFound
	KindAlreadyExists
	KindNoSpace
	KindBusy
	KindOverflow
	KindOutOfRange
	KindCorrupt
	KindIO
	KindInvalidState
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindInvalidArgument:
		return "invalid-argument"
	case KindNotFound:
		return "not-found"
	case KindAlreadyExists:
		return "already-exists"
	case KindNoSpace:
		return "no-space"
	case KindBusy:
		return "busy"
	case KindOverflow:
		return "overflow"
	case KindOutOfRange:
		return "out-of-range"
	case KindCorrupt:
		return "corrupt"
	case KindIO:
		return "io"
	case KindInvalidState:
		return "invalid-state"
	default:
		return "unknown"
	}
}

// Merr is the packed error value. It is deliberately a small struct
// rather than a raw int64: callers that only care whether an operation
// failed can still do `if err != nil`, while callers that need to
// dispatch on kind call KindOf instead of parsing a string.
type Merr struct {
	kind   Kind
	errno  int32
	msg    string
	origin string
}

// New constructs a Merr with no underlying backend errno.
func New(kind Kind, msg string) *Merr {
	return &Merr{kind: kind, msg: msg, origin: caller(2)}
}

// Errno wraps a backend errno (e.g. from a failed ioctl or mmap) with a
// kind, preserving the original errno for rendering.
func Errno(kind Kind, errno int32, msg string) *Merr {
	return &Merr{kind: kind, errno: errno, msg: msg, origin: caller(2)}
}

func caller(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok {
		return "unknown"
	}
	return fmt.Sprintf("%s:%d", file, line)
}

func (e *Merr) Error() string {
	if e == nil {
		return "success"
	}
	if e.errno != 0 {
		return fmt.Sprintf("%s: %s (errno %d) [%s]", e.kind, e.rendered(), e.errno, e.origin)
	}
	return fmt.Sprintf("%s: %s [%s]", e.kind, e.rendered(), e.origin)
}

func (e *Merr) rendered() string {
	if e.msg != "" {
		return e.msg
	}
	return e.kind.String()
}

// KindOf reports the failure kind: KindNone if err is nil, KindIO if
// err is not an *Merr.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	if m, ok := err.(*Merr); ok {
		return m.kind
	}
	return KindIO
}

// ErrnoOf reports the backend errno packed into err, or 0 if none.
func ErrnoOf(err error) int32 {
	if m, ok := err.(*Merr); ok {
		return m.errno
	}
	return 0
}

// Is reports whether err is an *Merr of the given kind.
func Is(err error, kind Kind) bool {
	m, ok := err.(*Merr)
	return ok && m.kind == kind
}
