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

// Package arm64asm assembles the small amount of A64 code the boot path
// generates at run time: exception vector tables and system register access
// stubs.
//
// Only the instructions those fragments need are provided. Branch, ADR and
// literal load targets are labels resolved by Bytes.
package arm64asm

import (
	"encoding/binary"
	"fmt"

	"barekit.dev/barekit/pkg/bits"
)

// Reg is a general purpose register number. 31 is SP or XZR depending on the
// instruction.
type Reg uint8

// Registers.
const (
	X0 Reg = iota
	X1
	X2
	X3
	X4
	X5
	X6
	X7
	X8
	X9
	X10
	X11
	X12
	X13
	X14
	X15
	X16
	X17
	X18
	X19
	X20
	X21
	X22
	X23
	X24
	X25
	X26
	X27
	X28
	X29
	X30
	XZR Reg = 31
	SP  Reg = 31
)

// InstSize is the size of every A64 instruction.
const InstSize = 4

// SysReg is a system register encoding: op0:op1:CRn:CRm:op2, as found in
// bits [20:5] of MRS and MSR.
type SysReg uint16

// SysRegOf packs a system register encoding.
func SysRegOf(op0, op1, crn, crm, op2 uint8) SysReg {
	return SysReg(uint16(op0&3)<<14 | uint16(op1&7)<<11 | uint16(crn&15)<<7 | uint16(crm&15)<<3 | uint16(op2&7))
}

// Fields unpacks the encoding.
func (s SysReg) Fields() (op0, op1, crn, crm, op2 uint8) {
	return uint8(s >> 14 & 3), uint8(s >> 11 & 7), uint8(s >> 7 & 15), uint8(s >> 3 & 15), uint8(s & 7)
}

// String implements fmt.Stringer.String.
func (s SysReg) String() string {
	op0, op1, crn, crm, op2 := s.Fields()
	return fmt.Sprintf("S%d_%d_C%d_C%d_%d", op0, op1, crn, crm, op2)
}

// Fixed encodings.
const (
	NOP    = 0xd503201f
	WFE    = 0xd503205f
	WFI    = 0xd503207f
	ERET   = 0xd69f03e0
	RET    = 0xd65f03c0
	ISB    = 0xd5033fdf
	DSBISH = 0xd5033b9f
	DSBSY  = 0xd5033f9f

	mrsBase  = 0xd5200000
	msrBase  = 0xd5000000
	brBase   = 0xd61f0000
	blrBase  = 0xd63f0000
	bBase    = 0x14000000
	cbzBase  = 0xb4000000
	cbnzBase = 0xb5000000
	adrBase  = 0x10000000
	ldrLit   = 0x58000000
	stpPre   = 0xa9800000
	ldpPost  = 0xa8c00000
	strImm   = 0xf9000000
	ldrImm   = 0xf9400000
	addImm   = 0x91000000
	subImm   = 0xd1000000
	addReg   = 0x8b000000
	subReg   = 0xcb000000
	movz     = 0xd2800000
	movk     = 0xf2800000
	ubfm     = 0xd3400000
	smcBase  = 0xd4000003
	hvcBase  = 0xd4000002
	svcBase  = 0xd4000001
	brkBase  = 0xd4200000
)

type fixupKind int

const (
	fixBranch26 fixupKind = iota
	fixImm19
	fixADR
)

type fixup struct {
	at    int
	label string
	kind  fixupKind
}

// Assembler accumulates instructions and data. The zero value is ready to
// use. Errors are sticky and reported by Bytes.
type Assembler struct {
	code   []byte
	labels map[string]int
	fixups []fixup
	err    error
}

func (a *Assembler) fail(format string, v ...any) {
	if a.err == nil {
		a.err = fmt.Errorf(format, v...)
	}
}

// Here returns the offset of the next instruction.
func (a *Assembler) Here() int {
	return len(a.code)
}

// Label binds name to the current offset.
func (a *Assembler) Label(name string) {
	if a.labels == nil {
		a.labels = make(map[string]int)
	}
	if _, ok := a.labels[name]; ok {
		a.fail("label %q defined twice", name)
		return
	}
	a.labels[name] = len(a.code)
}

// Offset returns the offset bound to a label.
func (a *Assembler) Offset(name string) (int, bool) {
	off, ok := a.labels[name]
	return off, ok
}

// Word emits a raw instruction.
func (a *Assembler) Word(inst uint32) {
	a.code = binary.LittleEndian.AppendUint32(a.code, inst)
}

// Quad emits a 64-bit data cell.
func (a *Assembler) Quad(v uint64) {
	a.code = binary.LittleEndian.AppendUint64(a.code, v)
}

// PadTo fills with zero bytes up to offset off.
func (a *Assembler) PadTo(off int) {
	if off < len(a.code) {
		a.fail("pad to %#x: already at %#x", off, len(a.code))
		return
	}
	a.code = append(a.code, make([]byte, off-len(a.code))...)
}

// Bytes resolves labels and returns the code.
func (a *Assembler) Bytes() ([]byte, error) {
	for _, f := range a.fixups {
		target, ok := a.labels[f.label]
		if !ok {
			a.fail("undefined label %q", f.label)
			break
		}
		delta := int64(target - f.at)
		inst := binary.LittleEndian.Uint32(a.code[f.at:])
		switch f.kind {
		case fixBranch26:
			if delta%4 != 0 || !bits.FitsSigned64(delta/4, 26) {
				a.fail("branch to %q out of range", f.label)
			}
			inst |= uint32(delta/4) & 0x3ffffff
		case fixImm19:
			if delta%4 != 0 || !bits.FitsSigned64(delta/4, 19) {
				a.fail("literal %q out of range", f.label)
			}
			inst |= (uint32(delta/4) & 0x7ffff) << 5
		case fixADR:
			if !bits.FitsSigned64(delta, 21) {
				a.fail("adr %q out of range", f.label)
			}
			inst |= (uint32(delta)&3)<<29 | (uint32(delta>>2)&0x7ffff)<<5
		}
		binary.LittleEndian.PutUint32(a.code[f.at:], inst)
	}
	if a.err != nil {
		return nil, a.err
	}
	return a.code, nil
}

func (a *Assembler) ref(inst uint32, label string, kind fixupKind) {
	a.fixups = append(a.fixups, fixup{at: len(a.code), label: label, kind: kind})
	a.Word(inst)
}

func r(x Reg) uint32 { return uint32(x & 31) }

// MRS emits MRS Xt, sr.
func (a *Assembler) MRS(rt Reg, sr SysReg) {
	a.Word(mrsBase | uint32(sr)<<5 | r(rt))
}

// MSR emits MSR sr, Xt.
func (a *Assembler) MSR(sr SysReg, rt Reg) {
	a.Word(msrBase | uint32(sr)<<5 | r(rt))
}

// BR emits BR Xn.
func (a *Assembler) BR(rn Reg) {
	a.Word(brBase | r(rn)<<5)
}

// BLR emits BLR Xn.
func (a *Assembler) BLR(rn Reg) {
	a.Word(blrBase | r(rn)<<5)
}

// B emits B label.
func (a *Assembler) B(label string) {
	a.ref(bBase, label, fixBranch26)
}

// CBZ emits CBZ Xt, label.
func (a *Assembler) CBZ(rt Reg, label string) {
	a.ref(cbzBase|r(rt), label, fixImm19)
}

// CBNZ emits CBNZ Xt, label.
func (a *Assembler) CBNZ(rt Reg, label string) {
	a.ref(cbnzBase|r(rt), label, fixImm19)
}

// ADR emits ADR Xd, label.
func (a *Assembler) ADR(rd Reg, label string) {
	a.ref(adrBase|r(rd), label, fixADR)
}

// LDRLiteral emits LDR Xt, label.
func (a *Assembler) LDRLiteral(rt Reg, label string) {
	a.ref(ldrLit|r(rt), label, fixImm19)
}

func (a *Assembler) imm7(off int) uint32 {
	if off%8 != 0 || !bits.FitsSigned64(int64(off/8), 7) {
		a.fail("pair offset %d out of range", off)
	}
	return uint32(off/8) & 0x7f
}

// STPPre emits STP Xt1, Xt2, [Xn, #off]!.
func (a *Assembler) STPPre(rt1, rt2, rn Reg, off int) {
	a.Word(stpPre | a.imm7(off)<<15 | r(rt2)<<10 | r(rn)<<5 | r(rt1))
}

// LDPPost emits LDP Xt1, Xt2, [Xn], #off.
func (a *Assembler) LDPPost(rt1, rt2, rn Reg, off int) {
	a.Word(ldpPost | a.imm7(off)<<15 | r(rt2)<<10 | r(rn)<<5 | r(rt1))
}

func (a *Assembler) uimm12(off int, scale int) uint32 {
	if off < 0 || off%scale != 0 || off/scale > 0xfff {
		a.fail("offset %d out of range", off)
	}
	return uint32(off/scale) & 0xfff
}

// STR emits STR Xt, [Xn, #off].
func (a *Assembler) STR(rt, rn Reg, off int) {
	a.Word(strImm | a.uimm12(off, 8)<<10 | r(rn)<<5 | r(rt))
}

// LDR emits LDR Xt, [Xn, #off].
func (a *Assembler) LDR(rt, rn Reg, off int) {
	a.Word(ldrImm | a.uimm12(off, 8)<<10 | r(rn)<<5 | r(rt))
}

// ADDImm emits ADD Xd, Xn, #imm.
func (a *Assembler) ADDImm(rd, rn Reg, imm int) {
	a.Word(addImm | a.uimm12(imm, 1)<<10 | r(rn)<<5 | r(rd))
}

// SUBImm emits SUB Xd, Xn, #imm.
func (a *Assembler) SUBImm(rd, rn Reg, imm int) {
	a.Word(subImm | a.uimm12(imm, 1)<<10 | r(rn)<<5 | r(rd))
}

// ADD emits ADD Xd, Xn, Xm.
func (a *Assembler) ADD(rd, rn, rm Reg) {
	a.Word(addReg | r(rm)<<16 | r(rn)<<5 | r(rd))
}

// SUB emits SUB Xd, Xn, Xm.
func (a *Assembler) SUB(rd, rn, rm Reg) {
	a.Word(subReg | r(rm)<<16 | r(rn)<<5 | r(rd))
}

// MOVZ emits MOVZ Xd, #imm, LSL #shift.
func (a *Assembler) MOVZ(rd Reg, imm uint16, shift int) {
	if shift%16 != 0 || shift > 48 {
		a.fail("movz shift %d", shift)
	}
	a.Word(movz | uint32(shift/16)<<21 | uint32(imm)<<5 | r(rd))
}

// MOVK emits MOVK Xd, #imm, LSL #shift.
func (a *Assembler) MOVK(rd Reg, imm uint16, shift int) {
	if shift%16 != 0 || shift > 48 {
		a.fail("movk shift %d", shift)
	}
	a.Word(movk | uint32(shift/16)<<21 | uint32(imm)<<5 | r(rd))
}

// MOV64 loads an arbitrary 64-bit constant with MOVZ and MOVKs.
func (a *Assembler) MOV64(rd Reg, v uint64) {
	a.MOVZ(rd, uint16(v), 0)
	for shift := 16; shift < 64; shift += 16 {
		if part := uint16(v >> shift); part != 0 {
			a.MOVK(rd, part, shift)
		}
	}
}

// UBFX emits UBFX Xd, Xn, #lsb, #width.
func (a *Assembler) UBFX(rd, rn Reg, lsb, width uint) {
	if width == 0 || lsb+width > 64 {
		a.fail("ubfx #%d, #%d", lsb, width)
	}
	a.Word(ubfm | uint32(lsb&63)<<16 | uint32((lsb+width-1)&63)<<10 | r(rn)<<5 | r(rd))
}

// LSR emits LSR Xd, Xn, #shift.
func (a *Assembler) LSR(rd, rn Reg, shift uint) {
	a.UBFX(rd, rn, shift, 64-shift)
}

// SMC emits SMC #imm.
func (a *Assembler) SMC(imm uint16) {
	a.Word(smcBase | uint32(imm)<<5)
}

// HVC emits HVC #imm.
func (a *Assembler) HVC(imm uint16) {
	a.Word(hvcBase | uint32(imm)<<5)
}

// SVC emits SVC #imm.
func (a *Assembler) SVC(imm uint16) {
	a.Word(svcBase | uint32(imm)<<5)
}

// BRK emits BRK #imm.
func (a *Assembler) BRK(imm uint16) {
	a.Word(brkBase | uint32(imm)<<5)
}
