// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package memory

import (
	"sync/atomic"
	"unsafe"

	"barekit.dev/barekit/pkg/hostarch"
)

// Direct is the Memory of the running CPU: addresses are dereferenced as
// pointers.
//
// 32 and 64 bit accesses go through sync/atomic so that each one is a single
// access of that width, which device registers require.
type Direct struct{}

var _ Memory = Direct{}

//go:nosplit
func ptr(addr hostarch.Addr) unsafe.Pointer {
	return unsafe.Pointer(uintptr(addr))
}

// Load8 implements Memory.Load8.
func (Direct) Load8(addr hostarch.Addr) uint8 {
	return *(*uint8)(ptr(addr))
}

// Load16 implements Memory.Load16.
func (Direct) Load16(addr hostarch.Addr) uint16 {
	return *(*uint16)(ptr(addr))
}

// Load32 implements Memory.Load32.
func (Direct) Load32(addr hostarch.Addr) uint32 {
	return atomic.LoadUint32((*uint32)(ptr(addr)))
}

// Load64 implements Memory.Load64.
func (Direct) Load64(addr hostarch.Addr) uint64 {
	return atomic.LoadUint64((*uint64)(ptr(addr)))
}

// Store8 implements Memory.Store8.
func (Direct) Store8(addr hostarch.Addr, v uint8) {
	*(*uint8)(ptr(addr)) = v
}

// Store16 implements Memory.Store16.
func (Direct) Store16(addr hostarch.Addr, v uint16) {
	*(*uint16)(ptr(addr)) = v
}

// Store32 implements Memory.Store32.
func (Direct) Store32(addr hostarch.Addr, v uint32) {
	atomic.StoreUint32((*uint32)(ptr(addr)), v)
}

// Store64 implements Memory.Store64.
func (Direct) Store64(addr hostarch.Addr, v uint64) {
	atomic.StoreUint64((*uint64)(ptr(addr)), v)
}

// Slice implements Memory.Slice.
func (Direct) Slice(addr hostarch.Addr, length uint64) []byte {
	return unsafe.Slice((*byte)(ptr(addr)), length)
}

// AddressOf returns the address of the first byte of b.
func AddressOf(b []byte) hostarch.Addr {
	return hostarch.Addr(uintptr(unsafe.Pointer(unsafe.SliceData(b))))
}
