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
	"barekit.dev/barekit/pkg/arm64asm"
)

// Diagnostic is a register reported at boot.
type Diagnostic struct {
	Reg arm64asm.SysReg

	// Guaranteed is the lowest exception level at which the register is
	// architecturally present. At lower levels, or when Optional, it must be
	// probed.
	Guaranteed int

	// Optional registers depend on an extension and may be absent at any
	// level.
	Optional bool
}

// Name returns the register name.
func (d Diagnostic) Name() string {
	return Name(d.Reg)
}

// NeedsProbe returns true if reading d at el may trap.
func (d Diagnostic) NeedsProbe(el int) bool {
	return d.Optional || el < d.Guaranteed
}

// DiagnosticRegisters lists the identification, feature, cache and control
// registers reported at boot, in report order.
var DiagnosticRegisters = []Diagnostic{
	{Reg: MIDR_EL1, Guaranteed: 1},
	{Reg: MPIDR_EL1, Guaranteed: 1},
	{Reg: REVIDR_EL1, Guaranteed: 1},
	{Reg: ID_AA64PFR0_EL1, Guaranteed: 1},
	{Reg: ID_AA64PFR1_EL1, Guaranteed: 1},
	{Reg: ID_AA64ZFR0_EL1, Guaranteed: 1, Optional: true},
	{Reg: ID_AA64DFR0_EL1, Guaranteed: 1},
	{Reg: ID_AA64ISAR0_EL1, Guaranteed: 1},
	{Reg: ID_AA64ISAR1_EL1, Guaranteed: 1},
	{Reg: ID_AA64MMFR0_EL1, Guaranteed: 1},
	{Reg: ID_AA64MMFR1_EL1, Guaranteed: 1},
	{Reg: ID_AA64MMFR2_EL1, Guaranteed: 1},
	{Reg: CTR_EL0, Guaranteed: 1},
	{Reg: DCZID_EL0, Guaranteed: 1},
	{Reg: CLIDR_EL1, Guaranteed: 1},
	{Reg: CSSELR_EL1, Guaranteed: 1},
	{Reg: CCSIDR_EL1, Guaranteed: 1},
	{Reg: SCTLR[1], Guaranteed: 1},
	{Reg: SCTLR[2], Guaranteed: 2},
	{Reg: HCR_EL2, Guaranteed: 2},
	{Reg: SCTLR[3], Guaranteed: 3},
	{Reg: SCR_EL3, Guaranteed: 3},
}
