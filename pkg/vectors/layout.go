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

package vectors

import (
	"encoding/binary"
	"fmt"

	"barekit.dev/barekit/pkg/arm64asm"
	"barekit.dev/barekit/pkg/hostarch"
	"barekit.dev/barekit/pkg/memory"
	"barekit.dev/barekit/pkg/processor"
)

// Vector table layout.
//
// Each table has entry slots at a stride of SlotStride. Only the first
// SlotSize bytes of a slot, the synchronous exception entry, hold code: a
// trampoline to the handler at HandlerOffset. The trampoline reaches the
// handler through the delta cell, so that it keeps working when copied into
// another table at the same offsets.
const (
	SlotStride = 0x200
	SlotSize   = 0x80

	// DeltaCell holds the distance from the table the trampolines run in
	// to the table holding the handler. It lies in the first slot, past
	// the copied bytes.
	DeltaCell = 0x1f8

	// Handler data cells.
	ESRCell  = 0x7e0
	ELRCell  = 0x7e8
	TrapCell = 0x7f0
	HookCell = 0x7f8

	HandlerOffset = 0x800
	TableSize     = 0x1000
	TableAlign    = 0x800
)

// Layout is the shape of the table of one exception level.
type Layout struct {
	// Slots is the number of entry slots with a trampoline.
	Slots int
}

// LayoutFor returns the layout used at el. At EL1 only exceptions from the
// current level are routed; EL2 and EL3 also take exceptions from lower
// levels.
func LayoutFor(el int) Layout {
	if el == 1 {
		return Layout{Slots: 2}
	}
	return Layout{Slots: 4}
}

// SlotOffset returns the offset of slot s.
func (Layout) SlotOffset(s int) uint64 {
	return uint64(s) * SlotStride
}

// Blob is relocatable code with the offsets of its patch sites.
type Blob struct {
	Code []byte

	// Sites are offsets of 64-bit cells holding a relocation delta.
	Sites []uint64
}

// Word returns the instruction at off.
func (b *Blob) Word(off uint64) uint32 {
	return binary.LittleEndian.Uint32(b.Code[off:])
}

// Patch writes delta to every site of the blob copy at base.
func (b *Blob) Patch(mem memory.Memory, base hostarch.Addr, delta uint64) {
	for _, site := range b.Sites {
		mem.Store64(base+hostarch.Addr(site), delta)
	}
}

// tables are indexed by exception level.
var tables [4]*Blob

func init() {
	for el := 1; el <= 3; el++ {
		b, err := assembleTable(el)
		if err != nil {
			panic(fmt.Sprintf("EL%d vector table: %v", el, err))
		}
		tables[el] = b
	}
}

// Table returns the vector table of el.
func Table(el int) (*Blob, error) {
	if el < 1 || el > 3 {
		return nil, fmt.Errorf("no vector table for EL%d", el)
	}
	return tables[el], nil
}

func assembleTable(el int) (*Blob, error) {
	var a arm64asm.Assembler
	l := LayoutFor(el)
	for s := 0; s < l.Slots; s++ {
		off := int(l.SlotOffset(s))
		a.PadTo(off)
		here := fmt.Sprintf("slot%d", s)
		a.STPPre(arm64asm.X16, arm64asm.X17, arm64asm.SP, -16)
		a.Label(here)
		a.ADR(arm64asm.X16, here)
		a.LDRLiteral(arm64asm.X17, "delta")
		a.SUB(arm64asm.X16, arm64asm.X16, arm64asm.X17)
		a.ADDImm(arm64asm.X16, arm64asm.X16, HandlerOffset-off-arm64asm.InstSize)
		a.BR(arm64asm.X16)
		if s == 0 {
			a.PadTo(DeltaCell)
			a.Label("delta")
			a.Quad(0)
		}
	}

	a.PadTo(ESRCell)
	a.Label("esr")
	a.Quad(0)
	a.Label("elr")
	a.Quad(0)
	a.Label("trap")
	a.Quad(0)
	a.Label("hook")
	a.Quad(0)

	// Class 0 resumes after the trapping instruction and leaves its
	// address in the trap cell. Anything else is reported through the hook.
	a.Label("handler")
	a.MRS(arm64asm.X16, processor.ESR[el])
	a.UBFX(arm64asm.X16, arm64asm.X16, processor.ESR_ELx_EC_SHIFT, processor.ESR_ELx_EC_WIDTH)
	a.CBNZ(arm64asm.X16, "fatal")
	a.MRS(arm64asm.X16, processor.ELR[el])
	a.ADR(arm64asm.X17, "trap")
	a.STR(arm64asm.X16, arm64asm.X17, 0)
	a.ADDImm(arm64asm.X16, arm64asm.X16, arm64asm.InstSize)
	a.MSR(processor.ELR[el], arm64asm.X16)
	a.LDPPost(arm64asm.X16, arm64asm.X17, arm64asm.SP, 16)
	a.Word(arm64asm.ERET)

	a.Label("fatal")
	a.MRS(arm64asm.X16, processor.ESR[el])
	a.ADR(arm64asm.X17, "esr")
	a.STR(arm64asm.X16, arm64asm.X17, 0)
	a.MRS(arm64asm.X16, processor.ELR[el])
	a.ADR(arm64asm.X17, "elr")
	a.STR(arm64asm.X16, arm64asm.X17, 0)
	a.LDRLiteral(arm64asm.X16, "hook")
	a.CBZ(arm64asm.X16, "park")
	a.BR(arm64asm.X16)
	a.Label("park")
	a.Word(arm64asm.WFE)
	a.B("park")
	a.PadTo(TableSize)

	code, err := a.Bytes()
	if err != nil {
		return nil, err
	}
	if off, _ := a.Offset("handler"); off != HandlerOffset {
		return nil, fmt.Errorf("handler at %#x", off)
	}
	return &Blob{Code: code, Sites: []uint64{DeltaCell}}, nil
}
