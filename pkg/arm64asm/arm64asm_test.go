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

package arm64asm

import (
	"encoding/binary"
	"testing"

	"github.com/google/go-cmp/cmp"
)

var (
	currentEL = SysRegOf(3, 0, 4, 2, 2)
	vbarEL1   = SysRegOf(3, 0, 12, 0, 0)
	vbarEL2   = SysRegOf(3, 4, 12, 0, 0)
	esrEL3    = SysRegOf(3, 6, 5, 2, 0)
)

func words(t *testing.T, a *Assembler) []uint32 {
	t.Helper()
	code, err := a.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	var out []uint32
	for i := 0; i+4 <= len(code); i += 4 {
		out = append(out, binary.LittleEndian.Uint32(code[i:]))
	}
	return out
}

func TestEncodings(t *testing.T) {
	for _, tc := range []struct {
		name string
		emit func(a *Assembler)
		want []uint32
	}{
		{"mrs x0, currentel", func(a *Assembler) { a.MRS(X0, currentEL) }, []uint32{0xd5384240}},
		{"mrs x0, vbar_el2", func(a *Assembler) { a.MRS(X0, vbarEL2) }, []uint32{0xd53cc000}},
		{"msr vbar_el1, x0", func(a *Assembler) { a.MSR(vbarEL1, X0) }, []uint32{0xd518c000}},
		{"mrs x16, esr_el3", func(a *Assembler) { a.MRS(X16, esrEL3) }, []uint32{0xd53e5210}},
		{"stp x16, x17, [sp, #-16]!", func(a *Assembler) { a.STPPre(X16, X17, SP, -16) }, []uint32{0xa9bf47f0}},
		{"stp x29, x30, [sp, #-16]!", func(a *Assembler) { a.STPPre(X29, X30, SP, -16) }, []uint32{0xa9bf7bfd}},
		{"ldp x16, x17, [sp], #16", func(a *Assembler) { a.LDPPost(X16, X17, SP, 16) }, []uint32{0xa8c147f0}},
		{"br x16", func(a *Assembler) { a.BR(X16) }, []uint32{0xd61f0200}},
		{"blr x3", func(a *Assembler) { a.BLR(X3) }, []uint32{0xd63f0060}},
		{"ubfx x16, x16, #26, #6", func(a *Assembler) { a.UBFX(X16, X16, 26, 6) }, []uint32{0xd35a7e10}},
		{"lsr x1, x0, #26", func(a *Assembler) { a.LSR(X1, X0, 26) }, []uint32{0xd35afc01}},
		{"add x16, x16, #0x7fc", func(a *Assembler) { a.ADDImm(X16, X16, 0x7fc) }, []uint32{0x911ff210}},
		{"add x16, x16, #4", func(a *Assembler) { a.ADDImm(X16, X16, 4) }, []uint32{0x91001210}},
		{"sub x16, x16, x17", func(a *Assembler) { a.SUB(X16, X16, X17) }, []uint32{0xcb110210}},
		{"add x0, x1, x2", func(a *Assembler) { a.ADD(X0, X1, X2) }, []uint32{0x8b020020}},
		{"movz x17, #3", func(a *Assembler) { a.MOVZ(X17, 3, 0) }, []uint32{0xd2800071}},
		{"str x16, [x17, #8]", func(a *Assembler) { a.STR(X16, X17, 8) }, []uint32{0xf9000630}},
		{"ldr x0, [x1]", func(a *Assembler) { a.LDR(X0, X1, 0) }, []uint32{0xf9400020}},
		{"smc #0", func(a *Assembler) { a.SMC(0) }, []uint32{0xd4000003}},
		{"hvc #0", func(a *Assembler) { a.HVC(0) }, []uint32{0xd4000002}},
		{"svc #0", func(a *Assembler) { a.SVC(0) }, []uint32{0xd4000001}},
		{"brk #1", func(a *Assembler) { a.BRK(1) }, []uint32{0xd4200020}},
		{"eret", func(a *Assembler) { a.Word(ERET) }, []uint32{0xd69f03e0}},
		{"adr x1, .+8", func(a *Assembler) {
			a.ADR(X1, "l")
			a.Word(NOP)
			a.Label("l")
		}, []uint32{0x10000041, NOP}},
		{"adr x17, .-4", func(a *Assembler) {
			a.Label("l")
			a.Word(NOP)
			a.ADR(X17, "l")
		}, []uint32{NOP, 0x10fffff1}},
		{"ldr x17, .+8", func(a *Assembler) {
			a.LDRLiteral(X17, "cell")
			a.Word(NOP)
			a.Label("cell")
		}, []uint32{0x58000051, NOP}},
		{"cbnz x16, .+0x20", func(a *Assembler) {
			a.CBNZ(X16, "far")
			a.PadTo(0x20)
			a.Label("far")
		}, []uint32{0xb5000110, 0, 0, 0, 0, 0, 0, 0}},
		{"b .-4", func(a *Assembler) {
			a.Label("park")
			a.Word(WFE)
			a.B("park")
		}, []uint32{WFE, 0x17ffffff}},
		{"mov64", func(a *Assembler) { a.MOV64(X0, 0x0000_1234_0000_5678) }, []uint32{0xd28acf00, 0xf2c24680}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var a Assembler
			tc.emit(&a)
			if diff := cmp.Diff(tc.want, words(t, &a)); diff != "" {
				t.Errorf("encoding mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSysRegFields(t *testing.T) {
	op0, op1, crn, crm, op2 := esrEL3.Fields()
	if op0 != 3 || op1 != 6 || crn != 5 || crm != 2 || op2 != 0 {
		t.Errorf("Fields: got %d %d %d %d %d", op0, op1, crn, crm, op2)
	}
	if got, want := esrEL3.String(), "S3_6_C5_C2_0"; got != want {
		t.Errorf("String: got %q, wanted %q", got, want)
	}
}

func TestErrors(t *testing.T) {
	for _, tc := range []struct {
		name string
		emit func(a *Assembler)
	}{
		{"undefined label", func(a *Assembler) { a.B("nowhere") }},
		{"duplicate label", func(a *Assembler) { a.Label("x"); a.Label("x") }},
		{"misaligned pair", func(a *Assembler) { a.STPPre(X0, X1, SP, -12) }},
		{"add immediate", func(a *Assembler) { a.ADDImm(X0, X0, 0x1000) }},
		{"pad backwards", func(a *Assembler) { a.Word(NOP); a.PadTo(0) }},
		{"ubfx width", func(a *Assembler) { a.UBFX(X0, X0, 60, 8) }},
	} {
		var a Assembler
		tc.emit(&a)
		if _, err := a.Bytes(); err == nil {
			t.Errorf("%s: Bytes succeeded, wanted an error", tc.name)
		}
	}
}
