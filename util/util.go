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

// Package util collects small, allocation-conscious helpers shared
// across mpool's object managers: a zero-copy byte/string conversion
// and a pooled byte-buffer facade over bytespool.
package util

import (
	"unsafe"

	"github.com/cubefs/cubefs/blobstore/util/bytespool"
)

// BytesToString casts b to a string without copying. Callers must not
// mutate b afterward -- Go strings are assumed immutable everywhere
// else in the standard library and this package's consumers.
func BytesToString(b []byte) string {
	return *(*string)(unsafe.Pointer(&b))
}

func GetBuffer(size int) []byte {
	return bytespool.Alloc(size)
}

func PutBuffer(b []byte) {
	bytespool.Free(b)
}
