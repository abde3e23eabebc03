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
	"strings"

	"barekit.dev/barekit/pkg/arm64asm"
)

// Banked is a register that exists once per exception level, indexed by
// level. Index 0 is unused: no banked register is accessible at EL0.
type Banked [4]arm64asm.SysReg

// System registers.
var (
	CurrentEL = arm64asm.SysRegOf(3, 0, 4, 2, 2)

	VBAR  = Banked{1: arm64asm.SysRegOf(3, 0, 12, 0, 0), 2: arm64asm.SysRegOf(3, 4, 12, 0, 0), 3: arm64asm.SysRegOf(3, 6, 12, 0, 0)}
	TCR   = Banked{1: arm64asm.SysRegOf(3, 0, 2, 0, 2), 2: arm64asm.SysRegOf(3, 4, 2, 0, 2), 3: arm64asm.SysRegOf(3, 6, 2, 0, 2)}
	TTBR0 = Banked{1: arm64asm.SysRegOf(3, 0, 2, 0, 0), 2: arm64asm.SysRegOf(3, 4, 2, 0, 0), 3: arm64asm.SysRegOf(3, 6, 2, 0, 0)}
	ESR   = Banked{1: arm64asm.SysRegOf(3, 0, 5, 2, 0), 2: arm64asm.SysRegOf(3, 4, 5, 2, 0), 3: arm64asm.SysRegOf(3, 6, 5, 2, 0)}
	ELR   = Banked{1: arm64asm.SysRegOf(3, 0, 4, 0, 1), 2: arm64asm.SysRegOf(3, 4, 4, 0, 1), 3: arm64asm.SysRegOf(3, 6, 4, 0, 1)}
	FAR   = Banked{1: arm64asm.SysRegOf(3, 0, 6, 0, 0), 2: arm64asm.SysRegOf(3, 4, 6, 0, 0), 3: arm64asm.SysRegOf(3, 6, 6, 0, 0)}
	SCTLR = Banked{1: arm64asm.SysRegOf(3, 0, 1, 0, 0), 2: arm64asm.SysRegOf(3, 4, 1, 0, 0), 3: arm64asm.SysRegOf(3, 6, 1, 0, 0)}
	MAIR  = Banked{1: arm64asm.SysRegOf(3, 0, 10, 2, 0), 2: arm64asm.SysRegOf(3, 4, 10, 2, 0), 3: arm64asm.SysRegOf(3, 6, 10, 2, 0)}

	TTBR1_EL1 = arm64asm.SysRegOf(3, 0, 2, 0, 1)
	HCR_EL2   = arm64asm.SysRegOf(3, 4, 1, 1, 0)
	SCR_EL3   = arm64asm.SysRegOf(3, 6, 1, 1, 0)

	MIDR_EL1         = arm64asm.SysRegOf(3, 0, 0, 0, 0)
	MPIDR_EL1        = arm64asm.SysRegOf(3, 0, 0, 0, 5)
	REVIDR_EL1       = arm64asm.SysRegOf(3, 0, 0, 0, 6)
	ID_AA64PFR0_EL1  = arm64asm.SysRegOf(3, 0, 0, 4, 0)
	ID_AA64PFR1_EL1  = arm64asm.SysRegOf(3, 0, 0, 4, 1)
	ID_AA64ZFR0_EL1  = arm64asm.SysRegOf(3, 0, 0, 4, 4)
	ID_AA64DFR0_EL1  = arm64asm.SysRegOf(3, 0, 0, 5, 0)
	ID_AA64ISAR0_EL1 = arm64asm.SysRegOf(3, 0, 0, 6, 0)
	ID_AA64ISAR1_EL1 = arm64asm.SysRegOf(3, 0, 0, 6, 1)
	ID_AA64MMFR0_EL1 = arm64asm.SysRegOf(3, 0, 0, 7, 0)
	ID_AA64MMFR1_EL1 = arm64asm.SysRegOf(3, 0, 0, 7, 1)
	ID_AA64MMFR2_EL1 = arm64asm.SysRegOf(3, 0, 0, 7, 2)
	CTR_EL0          = arm64asm.SysRegOf(3, 3, 0, 0, 1)
	DCZID_EL0        = arm64asm.SysRegOf(3, 3, 0, 0, 7)
	CLIDR_EL1        = arm64asm.SysRegOf(3, 1, 0, 0, 1)
	CSSELR_EL1       = arm64asm.SysRegOf(3, 2, 0, 0, 0)
	CCSIDR_EL1       = arm64asm.SysRegOf(3, 1, 0, 0, 0)
)

// Register fields.
const (
	// SCTLR_ELx.M enables stage 1 translation.
	SCTLR_M = 1 << 0

	tcrT0SZShift = 0
	tcrT1SZShift = 16
	tcrTxSZWidth = 6

	ctrDminLineShift = 16
	ctrIminLineShift = 0
	ctrLineWidth     = 4

	// ESR_ELx exception class.
	ESR_ELx_EC_SHIFT = 26
	ESR_ELx_EC_WIDTH = 6
	ESR_ELx_IL       = 1 << 25
)

// Names of system registers, for diagnostics.
var names = map[arm64asm.SysReg]string{
	CurrentEL:        "CurrentEL",
	TTBR1_EL1:        "TTBR1_EL1",
	HCR_EL2:          "HCR_EL2",
	SCR_EL3:          "SCR_EL3",
	MIDR_EL1:         "MIDR_EL1",
	MPIDR_EL1:        "MPIDR_EL1",
	REVIDR_EL1:       "REVIDR_EL1",
	ID_AA64PFR0_EL1:  "ID_AA64PFR0_EL1",
	ID_AA64PFR1_EL1:  "ID_AA64PFR1_EL1",
	ID_AA64ZFR0_EL1:  "ID_AA64ZFR0_EL1",
	ID_AA64DFR0_EL1:  "ID_AA64DFR0_EL1",
	ID_AA64ISAR0_EL1: "ID_AA64ISAR0_EL1",
	ID_AA64ISAR1_EL1: "ID_AA64ISAR1_EL1",
	ID_AA64MMFR0_EL1: "ID_AA64MMFR0_EL1",
	ID_AA64MMFR1_EL1: "ID_AA64MMFR1_EL1",
	ID_AA64MMFR2_EL1: "ID_AA64MMFR2_EL1",
	CTR_EL0:          "CTR_EL0",
	DCZID_EL0:        "DCZID_EL0",
	CLIDR_EL1:        "CLIDR_EL1",
	CSSELR_EL1:       "CSSELR_EL1",
	CCSIDR_EL1:       "CCSIDR_EL1",
}

func init() {
	for el := 1; el <= 3; el++ {
		for name, b := range map[string]Banked{
			"VBAR": VBAR, "TCR": TCR, "TTBR0": TTBR0, "ESR": ESR,
			"ELR": ELR, "FAR": FAR, "SCTLR": SCTLR, "MAIR": MAIR,
		} {
			names[b[el]] = name + "_EL" + string(rune('0'+el))
		}
	}
}

// Name returns the architectural name of r, or its generic encoding.
func Name(r arm64asm.SysReg) string {
	if n, ok := names[r]; ok {
		return n
	}
	return r.String()
}

// LevelOf returns the lowest exception level at which r may be accessed.
func LevelOf(r arm64asm.SysReg) int {
	op0, op1, _, _, _ := r.Fields()
	if op0 != 3 {
		return 1
	}
	switch op1 {
	case 4, 5:
		return 2
	case 6:
		return 3
	default:
		return 1
	}
}

// RegisterByName returns the register named name, ignoring case.
func RegisterByName(name string) (arm64asm.SysReg, bool) {
	for r, n := range names {
		if strings.EqualFold(n, name) {
			return r, true
		}
	}
	return 0, false
}
