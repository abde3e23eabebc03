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

package processor

import (
	"fmt"

	"barekit.dev/barekit/pkg/bits"
	"barekit.dev/barekit/pkg/hostarch"
	"barekit.dev/barekit/pkg/memory"
)

// Translation table geometry for the 4K granule.
const (
	entriesShift = 9
	entrySize    = 8

	// MaxLevel is the level holding page descriptors.
	MaxLevel = 3

	// MinLevel is the start level of 52-bit ranges, which resolve 4 bits.
	MinLevel = -1

	// ttbrBaseMask selects BADDR from a TTBR, dropping ASID and CnP.
	ttbrBaseMask = 0x0000fffffffffffe
)

// Descriptor is a stage 1 translation table descriptor.
type Descriptor uint64

// Descriptor bits.
const (
	DescriptorValid = 1 << 0
	DescriptorTable = 1 << 1

	// DescriptorReadOnly is AP[2]: writes are not permitted at any level.
	DescriptorReadOnly = 1 << 7

	DescriptorInnerShareable = 3 << 8
	DescriptorAccessFlag     = 1 << 10

	// OutputAddressMask selects the output address of a descriptor.
	OutputAddressMask = 0x0000fffffffff000
)

// Valid returns true if the descriptor is valid.
func (d Descriptor) Valid() bool {
	return d&DescriptorValid != 0
}

// IsTable returns true if d, found at level, points to the next level table.
func (d Descriptor) IsTable(level int) bool {
	return level < MaxLevel && d&DescriptorTable != 0
}

// IsBlock returns true if d, found at level, maps memory directly.
func (d Descriptor) IsBlock(level int) bool {
	if level == MaxLevel {
		return d&DescriptorTable != 0
	}
	return d&DescriptorTable == 0
}

// Address returns the output address.
func (d Descriptor) Address() hostarch.Addr {
	return hostarch.Addr(d & OutputAddressMask)
}

// ReadOnly returns true if AP[2] is set.
func (d Descriptor) ReadOnly() bool {
	return d&DescriptorReadOnly != 0
}

// WithReadOnly returns d with AP[2] set to ro.
func (d Descriptor) WithReadOnly(ro bool) Descriptor {
	if ro {
		return d | DescriptorReadOnly
	}
	return d &^ DescriptorReadOnly
}

// String implements fmt.Stringer.String.
func (d Descriptor) String() string {
	if !d.Valid() {
		return "invalid"
	}
	ro := "rw"
	if d.ReadOnly() {
		ro = "ro"
	}
	return fmt.Sprintf("%#x[%s %s]", d.Address(), ro, d.MemoryType().ShortString())
}

// MemoryType returns the memory type selected by the AttrIndx field, assuming
// MAIR_ELx holds hostarch.MAIR.
func (d Descriptor) MemoryType() hostarch.MemoryType {
	return hostarch.MemoryType(bits.Field64(uint64(d), 2, 3))
}

// LevelShift returns the number of address bits below the index of level.
func LevelShift(level int) uint {
	return hostarch.PageShift + entriesShift*uint(MaxLevel-level)
}

// Shape is the geometry of a translation range.
type Shape struct {
	// Levels is the number of lookup levels, 1 to 5.
	Levels int

	// Size is the size of the range in bytes.
	Size uint64
}

// StartLevel returns the first lookup level.
func (s Shape) StartLevel() int {
	return MaxLevel + 1 - s.Levels
}

// ShapeOf returns the shape of a range sized by a TCR TxSZ field.
func ShapeOf(tsz uint64) (Shape, bool) {
	var levels int
	switch {
	case tsz >= 12 && tsz <= 15:
		levels = 5
	case tsz >= 16 && tsz <= 24:
		levels = 4
	case tsz >= 25 && tsz <= 33:
		levels = 3
	case tsz >= 34 && tsz <= 42:
		levels = 2
	case tsz >= 43 && tsz <= 48:
		levels = 1
	default:
		return Shape{}, false
	}
	return Shape{Levels: levels, Size: 1 << (64 - tsz)}, true
}

// LowRangeShape returns the shape of the range translated through TTBR0 at
// the current exception level. An out of range T0SZ halts.
func LowRangeShape(c CPU) Shape {
	t0sz := bits.Field64(c.ReadSysReg(At(c, TCR)), tcrT0SZShift, tcrTxSZWidth)
	s, ok := ShapeOf(t0sz)
	if !ok {
		c.Halt("unsupported T0SZ %d", t0sz)
	}
	return s
}

// Anchor is the translation table covering an address.
type Anchor struct {
	// Table is the address of the start level table.
	Table hostarch.Addr

	// Bits is the width of the range covered by Table. Zero marks
	// Unaddressable.
	Bits uint

	// High is true for the TTBR1 range.
	High bool
}

// Unaddressable is the Anchor of addresses in neither range.
var Unaddressable = Anchor{}

// Addressable returns false for Unaddressable.
func (a Anchor) Addressable() bool {
	return a.Bits != 0
}

// TranslationAnchorFor returns the table that translates va at the current
// exception level.
func TranslationAnchorFor(c CPU, va hostarch.Addr) Anchor {
	el := CurrentExceptionLevel(c)
	tcr := c.ReadSysReg(At(c, TCR))
	t0Bits := 64 - uint(bits.Field64(tcr, tcrT0SZShift, tcrTxSZWidth))
	if el != 1 {
		return Anchor{Table: hostarch.Addr(c.ReadSysReg(TTBR0[el]) & ttbrBaseMask), Bits: t0Bits}
	}
	if t0Bits < 64 && uint64(va) < uint64(1)<<t0Bits {
		return Anchor{Table: hostarch.Addr(c.ReadSysReg(TTBR0[1]) & ttbrBaseMask), Bits: t0Bits}
	}
	t1Bits := 64 - uint(bits.Field64(tcr, tcrT1SZShift, tcrTxSZWidth))
	if t1Bits < 64 && uint64(va) >= -(uint64(1)<<t1Bits) {
		return Anchor{Table: hostarch.Addr(c.ReadSysReg(TTBR1_EL1) & ttbrBaseMask), Bits: t1Bits, High: true}
	}
	return Unaddressable
}

// Walk is a resolved translation.
type Walk struct {
	// Level is the level of the descriptor.
	Level int

	// Size is the size of the block or page.
	Size uint64

	// Target is the output address of va.
	Target hostarch.Addr

	// Entry is the address of the descriptor, which callers may modify.
	Entry hostarch.Addr
}

// Descriptor loads the descriptor of w.
func (w Walk) Descriptor(mem memory.Memory) Descriptor {
	return Descriptor(mem.Load64(w.Entry))
}

// WalkTable translates va starting at table a at startLevel. ok is false if
// an invalid descriptor is found or the last level is passed without
// reaching a block or page.
//
// The index at the start level is masked to the width of a's range, so the
// start level of a narrow range or a level -1 table consumes fewer than 9
// bits.
func WalkTable(mem memory.Memory, a Anchor, startLevel int, va hostarch.Addr) (w Walk, ok bool) {
	if !a.Addressable() || startLevel < MinLevel || startLevel > MaxLevel {
		return Walk{}, false
	}
	table := a.Table
	for level := startLevel; level <= MaxLevel; level++ {
		shift := LevelShift(level)
		width := uint(entriesShift)
		if level == startLevel && a.Bits > shift && a.Bits-shift < width {
			width = a.Bits - shift
		}
		index := bits.Field64(uint64(va), shift, width)
		entry := table + hostarch.Addr(index*entrySize)
		d := Descriptor(mem.Load64(entry))
		if !d.Valid() {
			return Walk{}, false
		}
		if d.IsTable(level) {
			table = d.Address()
			continue
		}
		if !d.IsBlock(level) {
			return Walk{}, false
		}
		size := uint64(1) << shift
		return Walk{
			Level:  level,
			Size:   size,
			Target: hostarch.Addr(uint64(d.Address())&^(size-1) | uint64(va)&(size-1)),
			Entry:  entry,
		}, true
	}
	return Walk{}, false
}

// Lookup translates va through the tables of the current exception level,
// starting at the level implied by the size of the range holding va.
func Lookup(c CPU, mem memory.Memory, va hostarch.Addr) (Walk, bool) {
	a := TranslationAnchorFor(c, va)
	if !a.Addressable() {
		return Walk{}, false
	}
	s := LowRangeShape(c)
	if a.High {
		var ok bool
		if s, ok = ShapeOf(uint64(64 - a.Bits)); !ok {
			c.Halt("unsupported T1SZ %d", 64-a.Bits)
		}
	}
	return WalkTable(mem, a, s.StartLevel(), va)
}
