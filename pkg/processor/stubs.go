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

	"barekit.dev/barekit/pkg/arm64asm"
)

// System registers are named by their encoding in MRS and MSR, so access to
// an arbitrary register goes through a few instructions assembled at run
// time. All stubs follow the procedure call standard and return with RET.

// StubAlign is the alignment stubs are placed at.
const StubAlign = 16

func assemble(name string, fn func(a *arm64asm.Assembler)) []byte {
	var a arm64asm.Assembler
	fn(&a)
	code, err := a.Bytes()
	if err != nil {
		panic(fmt.Sprintf("%s stub: %v", name, err))
	}
	return code
}

// ReadStub returns "mrs x0, r; ret".
func ReadStub(r arm64asm.SysReg) []byte {
	return assemble("read", func(a *arm64asm.Assembler) {
		a.MRS(arm64asm.X0, r)
		a.Word(arm64asm.RET)
	})
}

// WriteStub returns "msr r, x0; ret".
func WriteStub(r arm64asm.SysReg) []byte {
	return assemble("write", func(a *arm64asm.Assembler) {
		a.MSR(r, arm64asm.X0)
		a.Word(arm64asm.RET)
	})
}

// ProbeStub returns the probe sequence of CPU.ProbeSysReg. It takes the cell
// address in x0 and returns the value read in x0, the address following the
// read in x1 and the reloaded cell in x2.
func ProbeStub(r arm64asm.SysReg) []byte {
	return assemble("probe", func(a *arm64asm.Assembler) {
		a.ADR(arm64asm.X1, "after")
		a.STR(arm64asm.X1, arm64asm.X0, 0)
		a.MOVZ(arm64asm.X2, 0, 0)
		a.MRS(arm64asm.X2, r)
		a.Label("after")
		a.LDR(arm64asm.X3, arm64asm.X0, 0)
		a.ADD(arm64asm.X0, arm64asm.X2, arm64asm.XZR)
		a.ADD(arm64asm.X2, arm64asm.X3, arm64asm.XZR)
		a.Word(arm64asm.RET)
	})
}

// SMCStub returns "smc #imm; ret". The function identifier and arguments
// are passed in x0 to x7 and the result returned in x0.
func SMCStub(imm uint16) []byte {
	return assemble("smc", func(a *arm64asm.Assembler) {
		a.SMC(imm)
		a.Word(arm64asm.RET)
	})
}
