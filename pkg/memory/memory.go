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

// Package memory defines how boot code reaches physical memory and MMIO.
//
// Boot code runs identity mapped before any allocator exists, so addresses are
// plain hostarch.Addr values. Accesses are little endian. Out of range
// accesses are programming errors and panic.
package memory

import (
	"encoding/binary"
	"fmt"

	"barekit.dev/barekit/pkg/hostarch"
)

// Memory is byte addressable memory as seen by the boot CPU.
type Memory interface {
	Load8(addr hostarch.Addr) uint8
	Load16(addr hostarch.Addr) uint16
	Load32(addr hostarch.Addr) uint32
	Load64(addr hostarch.Addr) uint64

	Store8(addr hostarch.Addr, v uint8)
	Store16(addr hostarch.Addr, v uint16)
	Store32(addr hostarch.Addr, v uint32)
	Store64(addr hostarch.Addr, v uint64)

	// Slice returns a view of length bytes at addr. Writes through the view
	// are writes to memory.
	Slice(addr hostarch.Addr, length uint64) []byte
}

// Bytes is a Memory backed by a byte slice mapped at Base.
type Bytes struct {
	Base hostarch.Addr
	Data []byte
}

var _ Memory = (*Bytes)(nil)

// Range returns the address range covered by b.
func (b *Bytes) Range() hostarch.AddrRange {
	return hostarch.AddrRange{Start: b.Base, End: b.Base + hostarch.Addr(len(b.Data))}
}

func (b *Bytes) offset(addr hostarch.Addr, n uint64) uint64 {
	if addr < b.Base || uint64(addr-b.Base)+n > uint64(len(b.Data)) {
		panic(fmt.Sprintf("memory access [%#x, %#x) outside %v", addr, uint64(addr)+n, b.Range()))
	}
	return uint64(addr - b.Base)
}

// Load8 implements Memory.Load8.
func (b *Bytes) Load8(addr hostarch.Addr) uint8 {
	return b.Data[b.offset(addr, 1)]
}

// Load16 implements Memory.Load16.
func (b *Bytes) Load16(addr hostarch.Addr) uint16 {
	off := b.offset(addr, 2)
	return binary.LittleEndian.Uint16(b.Data[off:])
}

// Load32 implements Memory.Load32.
func (b *Bytes) Load32(addr hostarch.Addr) uint32 {
	off := b.offset(addr, 4)
	return binary.LittleEndian.Uint32(b.Data[off:])
}

// Load64 implements Memory.Load64.
func (b *Bytes) Load64(addr hostarch.Addr) uint64 {
	off := b.offset(addr, 8)
	return binary.LittleEndian.Uint64(b.Data[off:])
}

// Store8 implements Memory.Store8.
func (b *Bytes) Store8(addr hostarch.Addr, v uint8) {
	b.Data[b.offset(addr, 1)] = v
}

// Store16 implements Memory.Store16.
func (b *Bytes) Store16(addr hostarch.Addr, v uint16) {
	off := b.offset(addr, 2)
	binary.LittleEndian.PutUint16(b.Data[off:], v)
}

// Store32 implements Memory.Store32.
func (b *Bytes) Store32(addr hostarch.Addr, v uint32) {
	off := b.offset(addr, 4)
	binary.LittleEndian.PutUint32(b.Data[off:], v)
}

// Store64 implements Memory.Store64.
func (b *Bytes) Store64(addr hostarch.Addr, v uint64) {
	off := b.offset(addr, 8)
	binary.LittleEndian.PutUint64(b.Data[off:], v)
}

// Slice implements Memory.Slice.
func (b *Bytes) Slice(addr hostarch.Addr, length uint64) []byte {
	off := b.offset(addr, length)
	return b.Data[off : off+length : off+length]
}

// Copy copies n bytes from src to dst within m with memmove semantics.
func Copy(m Memory, dst, src hostarch.Addr, n uint64) {
	if n == 0 || dst == src {
		return
	}
	copy(m.Slice(dst, n), m.Slice(src, n))
}

// Zero clears n bytes at addr.
func Zero(m Memory, addr hostarch.Addr, n uint64) {
	clear(m.Slice(addr, n))
}
