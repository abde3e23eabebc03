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

// Package processor inspects the state of the boot CPU: exception level,
// vector base, translation control and the stage 1 translation tables.
//
// Nothing here allocates. All hardware access goes through CPU, which is
// implemented by the bare-metal backend in processor/hw and by the simulator
// in pkg/sim.
package processor

import (
	"barekit.dev/barekit/pkg/arm64asm"
	"barekit.dev/barekit/pkg/bits"
	"barekit.dev/barekit/pkg/hostarch"
)

// CPU is the boot CPU.
type CPU interface {
	// ReadSysReg executes MRS.
	ReadSysReg(r arm64asm.SysReg) uint64

	// WriteSysReg executes MSR.
	WriteSysReg(r arm64asm.SysReg, v uint64)

	// ProbeSysReg reads r with a sequence that stores the address of the
	// instruction following the read into cell, performs the read, and then
	// reloads cell. The installed vectors store the faulting address into
	// the same cell when they absorb a trapped read.
	ProbeSysReg(r arm64asm.SysReg, cell hostarch.Addr) Probe

	// StackPointer returns the current stack pointer.
	StackPointer() uint64

	// CleanDataCache cleans the data cache line holding addr to the point
	// of unification.
	CleanDataCache(addr hostarch.Addr)

	// InvalidateInstructionCache invalidates the instruction cache line
	// holding addr to the point of unification.
	InvalidateInstructionCache(addr hostarch.Addr)

	// InvalidateTranslation invalidates TLB entries for the page holding
	// addr at the current exception level.
	InvalidateTranslation(addr hostarch.Addr)

	// DataSyncBarrier executes DSB ISH.
	DataSyncBarrier()

	// InstructionSyncBarrier executes ISB.
	InstructionSyncBarrier()

	// FatalHook registers fn as the continuation of fatal exceptions and
	// returns the address vector code must branch to in order to reach it.
	// A zero address means fatal exceptions cannot reach Go and the vector
	// code parks instead.
	FatalHook(fn func()) hostarch.Addr

	// Park idles forever.
	Park()

	// Halt reports a fatal condition and stops. It does not return.
	Halt(format string, v ...any)
}

// Probe is the result of ProbeSysReg.
type Probe struct {
	// Value is the value read. It is meaningless unless Available.
	Value uint64

	// ReturnAddress is the content of the probe cell after the read.
	ReturnAddress uint64

	// PC is the address of the instruction following the read.
	PC uint64
}

// Available returns true if the read completed without trapping.
func (p Probe) Available() bool {
	return p.ReturnAddress == p.PC
}

// CurrentExceptionLevel returns the current exception level, 0 to 3.
func CurrentExceptionLevel(c CPU) int {
	return int(bits.Field64(c.ReadSysReg(CurrentEL), 2, 2))
}

// At returns the encoding of b for the current exception level. It halts at
// EL0.
func At(c CPU, b Banked) arm64asm.SysReg {
	el := CurrentExceptionLevel(c)
	if el < 1 {
		c.Halt("invalid exception level %d", el)
	}
	return b[el]
}

// VectorBase returns the vector base of the current exception level.
func VectorBase(c CPU) hostarch.Addr {
	return hostarch.Addr(c.ReadSysReg(At(c, VBAR)))
}

// SetVectorBase sets the vector base of the current exception level.
func SetVectorBase(c CPU, base hostarch.Addr) {
	c.WriteSysReg(At(c, VBAR), uint64(base))
	c.InstructionSyncBarrier()
}

// ProbeRegisterAvailable reads r through ProbeSysReg. ok is false if the read
// trapped, in which case the value must not be used.
func ProbeRegisterAvailable(c CPU, r arm64asm.SysReg, cell hostarch.Addr) (value uint64, ok bool) {
	p := c.ProbeSysReg(r, cell)
	return p.Value, p.Available()
}

// TranslationEnabled returns true if stage 1 translation is enabled at the
// current exception level.
func TranslationEnabled(c CPU) bool {
	return bits.IsOn64(c.ReadSysReg(At(c, SCTLR)), SCTLR_M)
}

// CacheLineSize returns the smallest data cache line size, from
// CTR_EL0.DminLine.
func CacheLineSize(c CPU) uint64 {
	return 4 << bits.Field64(c.ReadSysReg(CTR_EL0), ctrDminLineShift, ctrLineWidth)
}

// InstructionCacheLineSize returns the smallest instruction cache line size,
// from CTR_EL0.IminLine.
func InstructionCacheLineSize(c CPU) uint64 {
	return 4 << bits.Field64(c.ReadSysReg(CTR_EL0), ctrIminLineShift, ctrLineWidth)
}

// ExceptionClass extracts the exception class from an ESR_ELx value.
func ExceptionClass(esr uint64) uint8 {
	return uint8(bits.Field64(esr, ESR_ELx_EC_SHIFT, ESR_ELx_EC_WIDTH))
}
