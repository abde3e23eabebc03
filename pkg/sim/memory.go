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

package sim

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"

	"barekit.dev/barekit/pkg/hostarch"
	"barekit.dev/barekit/pkg/memory"
	"barekit.dev/barekit/pkg/processor"
)

// Device is a memory mapped device. Offsets are relative to the base the
// device is mapped at; size is 1, 2, 4 or 8.
type Device interface {
	Read(off uint64, size int) uint64
	Write(off uint64, size int, v uint64)
}

// region is a mapped range. Exactly one of ram and dev is set.
type region struct {
	base hostarch.Addr
	size uint64
	ram  []byte
	dev  Device
}

func (r *region) end() hostarch.Addr {
	return r.base + hostarch.Addr(r.size)
}

// insert adds r, failing if it overlaps an existing region.
func (m *Machine) insert(r *region) error {
	if r.size == 0 || r.end() < r.base {
		return fmt.Errorf("bad region [%#x, +%#x)", r.base, r.size)
	}
	var clash *region
	m.regions.DescendLessOrEqual(&region{base: r.end() - 1}, func(o *region) bool {
		if o.end() > r.base {
			clash = o
		}
		return false
	})
	if clash != nil {
		return fmt.Errorf("region [%#x, %#x) overlaps [%#x, %#x)", r.base, r.end(), clash.base, clash.end())
	}
	m.regions.ReplaceOrInsert(r)
	return nil
}

func (m *Machine) addRAM(base hostarch.Addr, size uint64) error {
	if !hostarch.IsAligned(uint64(base), hostarch.PageSize) || !hostarch.IsAligned(size, hostarch.PageSize) {
		return fmt.Errorf("RAM [%#x, +%#x) is not page aligned", base, size)
	}
	b, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return fmt.Errorf("mapping %#x bytes of RAM: %w", size, err)
	}
	if err := m.insert(&region{base: base, size: size, ram: b}); err != nil {
		unix.Munmap(b)
		return err
	}
	return nil
}

// AddDevice maps dev at [base, base+size).
func (m *Machine) AddDevice(base hostarch.Addr, size uint64, dev Device) error {
	return m.insert(&region{base: base, size: size, dev: dev})
}

// Close releases the RAM of m.
func (m *Machine) Close() {
	m.regions.Ascend(func(r *region) bool {
		if r.ram != nil {
			unix.Munmap(r.ram)
			r.ram = nil
		}
		return true
	})
	m.regions.Clear(false)
}

// find returns the region holding [addr, addr+n), or nil.
func (m *Machine) find(addr hostarch.Addr, n uint64) *region {
	var found *region
	m.regions.DescendLessOrEqual(&region{base: addr}, func(r *region) bool {
		if uint64(addr-r.base)+n <= r.size {
			found = r
		}
		return false
	})
	return found
}

func (m *Machine) mustFind(addr hostarch.Addr, n uint64) *region {
	r := m.find(addr, n)
	if r == nil {
		m.Halt("bus error: [%#x, %#x) is not mapped", addr, uint64(addr)+n)
	}
	return r
}

func (m *Machine) load(addr hostarch.Addr, n int) uint64 {
	r := m.mustFind(addr, uint64(n))
	off := uint64(addr - r.base)
	if r.dev != nil {
		return r.dev.Read(off, n)
	}
	b := r.ram[off:]
	switch n {
	case 1:
		return uint64(b[0])
	case 2:
		return uint64(binary.LittleEndian.Uint16(b))
	case 4:
		return uint64(binary.LittleEndian.Uint32(b))
	default:
		return binary.LittleEndian.Uint64(b)
	}
}

func (m *Machine) store(addr hostarch.Addr, n int, v uint64) {
	r := m.mustFind(addr, uint64(n))
	off := uint64(addr - r.base)
	if r.dev != nil {
		r.dev.Write(off, n, v)
		return
	}
	b := r.ram[off:]
	switch n {
	case 1:
		b[0] = uint8(v)
	case 2:
		binary.LittleEndian.PutUint16(b, uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(b, uint32(v))
	default:
		binary.LittleEndian.PutUint64(b, v)
	}
}

// Data fault status codes, for the lowest level.
const (
	faultTranslation = 0x07
	faultPermission  = 0x0f
)

// writeFault returns the fault status of a write to addr, or zero if the
// write is permitted. Translation is assumed to be the identity: only the
// permission of the descriptor is used.
func (m *Machine) writeFault(addr hostarch.Addr) uint64 {
	if m.sys[processor.SCTLR[m.el]]&processor.SCTLR_M == 0 {
		return 0
	}
	page := uint64(addr) >> hostarch.PageShift
	ro, ok := m.tlb[page]
	if !ok {
		w, found := processor.Lookup(m, m.Physical(), addr)
		if !found {
			return faultTranslation
		}
		ro = w.Descriptor(m.Physical()).ReadOnly()
		m.tlb[page] = ro
	}
	if ro {
		return faultPermission
	}
	return 0
}

func (m *Machine) checkedStore(addr hostarch.Addr, n int, v uint64) {
	switch m.writeFault(addr) {
	case 0:
		m.store(addr, n, v)
	case faultTranslation:
		m.Halt("translation fault writing %#x", addr)
	default:
		m.Halt("permission fault writing %#x", addr)
	}
}

var _ memory.Memory = (*Machine)(nil)

// Load8 implements memory.Memory.Load8.
func (m *Machine) Load8(addr hostarch.Addr) uint8 {
	return uint8(m.load(addr, 1))
}

// Load16 implements memory.Memory.Load16.
func (m *Machine) Load16(addr hostarch.Addr) uint16 {
	return uint16(m.load(addr, 2))
}

// Load32 implements memory.Memory.Load32.
func (m *Machine) Load32(addr hostarch.Addr) uint32 {
	return uint32(m.load(addr, 4))
}

// Load64 implements memory.Memory.Load64.
func (m *Machine) Load64(addr hostarch.Addr) uint64 {
	return m.load(addr, 8)
}

// Store8 implements memory.Memory.Store8.
func (m *Machine) Store8(addr hostarch.Addr, v uint8) {
	m.checkedStore(addr, 1, uint64(v))
}

// Store16 implements memory.Memory.Store16.
func (m *Machine) Store16(addr hostarch.Addr, v uint16) {
	m.checkedStore(addr, 2, uint64(v))
}

// Store32 implements memory.Memory.Store32.
func (m *Machine) Store32(addr hostarch.Addr, v uint32) {
	m.checkedStore(addr, 4, uint64(v))
}

// Store64 implements memory.Memory.Store64.
func (m *Machine) Store64(addr hostarch.Addr, v uint64) {
	m.checkedStore(addr, 8, v)
}

// Slice implements memory.Memory.Slice. Only RAM can be sliced, and writes
// through the slice are not checked against translation.
func (m *Machine) Slice(addr hostarch.Addr, length uint64) []byte {
	r := m.mustFind(addr, length)
	if r.ram == nil {
		m.Halt("slice of device memory at %#x", addr)
	}
	off := addr - r.base
	return r.ram[off : uint64(off)+length : uint64(off)+length]
}

// physical is memory without translation.
type physical struct {
	m *Machine
}

func (p physical) Load8(addr hostarch.Addr) uint8   { return p.m.Load8(addr) }
func (p physical) Load16(addr hostarch.Addr) uint16 { return p.m.Load16(addr) }
func (p physical) Load32(addr hostarch.Addr) uint32 { return p.m.Load32(addr) }
func (p physical) Load64(addr hostarch.Addr) uint64 { return p.m.Load64(addr) }

func (p physical) Store8(addr hostarch.Addr, v uint8)   { p.m.store(addr, 1, uint64(v)) }
func (p physical) Store16(addr hostarch.Addr, v uint16) { p.m.store(addr, 2, uint64(v)) }
func (p physical) Store32(addr hostarch.Addr, v uint32) { p.m.store(addr, 4, uint64(v)) }
func (p physical) Store64(addr hostarch.Addr, v uint64) { p.m.store(addr, 8, v) }

func (p physical) Slice(addr hostarch.Addr, length uint64) []byte {
	return p.m.Slice(addr, length)
}
