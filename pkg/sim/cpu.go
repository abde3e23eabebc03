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
	"fmt"

	"barekit.dev/barekit/pkg/arm64asm"
	"barekit.dev/barekit/pkg/hostarch"
	"barekit.dev/barekit/pkg/log"
	"barekit.dev/barekit/pkg/processor"
)

// MaintenanceOp is a cache, TLB or barrier operation.
type MaintenanceOp int

// Maintenance operations.
const (
	CleanDataCache MaintenanceOp = iota
	InvalidateInstructionCache
	InvalidateTranslation
	DataSyncBarrier
	InstructionSyncBarrier
)

// String implements fmt.Stringer.String.
func (op MaintenanceOp) String() string {
	switch op {
	case CleanDataCache:
		return "dc cvau"
	case InvalidateInstructionCache:
		return "ic ivau"
	case InvalidateTranslation:
		return "tlbi"
	case DataSyncBarrier:
		return "dsb"
	case InstructionSyncBarrier:
		return "isb"
	default:
		return fmt.Sprintf("MaintenanceOp(%d)", int(op))
	}
}

// Maintenance is one executed maintenance operation.
type Maintenance struct {
	Op   MaintenanceOp
	Addr hostarch.Addr
}

// Maintenance returns the maintenance operations executed so far, from Go
// or from simulated code.
func (m *Machine) Maintenance() []Maintenance {
	return m.log
}

// ResetMaintenance empties the maintenance log.
func (m *Machine) ResetMaintenance() {
	m.log = nil
}

var _ processor.CPU = (*Machine)(nil)

// Accessible returns true if r can be read and written at the current
// exception level.
func (m *Machine) Accessible(r arm64asm.SysReg) bool {
	return !m.missing[r] && processor.LevelOf(r) <= m.el
}

// Register returns the value of r, regardless of access rules.
func (m *Machine) Register(r arm64asm.SysReg) uint64 {
	return m.sys[r]
}

// SetRegister sets r, regardless of access rules.
func (m *Machine) SetRegister(r arm64asm.SysReg, v uint64) {
	m.sys[r] = v
}

// ReadSysReg implements processor.CPU.ReadSysReg. Reading a register that
// is not accessible halts: Go code must probe such registers.
func (m *Machine) ReadSysReg(r arm64asm.SysReg) uint64 {
	if !m.Accessible(r) {
		m.Halt("undefined instruction: mrs %s at EL%d", processor.Name(r), m.el)
	}
	return m.sys[r]
}

// WriteSysReg implements processor.CPU.WriteSysReg.
func (m *Machine) WriteSysReg(r arm64asm.SysReg, v uint64) {
	if !m.Accessible(r) || r == processor.CurrentEL {
		m.Halt("undefined instruction: msr %s at EL%d", processor.Name(r), m.el)
	}
	m.sys[r] = v
}

// ProbeSysReg implements processor.CPU.ProbeSysReg by running the probe
// sequence in the interpreter.
func (m *Machine) ProbeSysReg(r arm64asm.SysReg, cell hostarch.Addr) processor.Probe {
	stub, ok := m.stubs[r]
	if !ok {
		stub = m.placeCode(processor.ProbeStub(r))
		m.stubs[r] = stub
	}
	x := m.call(stub, []uint64{uint64(cell)})
	return processor.Probe{Value: x[0], PC: x[1], ReturnAddress: x[2]}
}

// placeCode copies code into reserved memory and returns its address.
func (m *Machine) placeCode(code []byte) hostarch.Addr {
	addr, err := m.reserved.Alloc(uint64(len(code)), processor.StubAlign)
	if err != nil {
		m.Halt("placing code: %v", err)
	}
	copy(m.Slice(addr, uint64(len(code))), code)
	for off := hostarch.Addr(0); off < hostarch.Addr(len(code)); off += arm64asm.InstSize {
		delete(m.icache, addr+off)
	}
	return addr
}

// StackPointer implements processor.CPU.StackPointer.
func (m *Machine) StackPointer() uint64 {
	return m.sp
}

func (m *Machine) lineSize() uint64 {
	return processor.InstructionCacheLineSize(m)
}

// CleanDataCache implements processor.CPU.CleanDataCache.
func (m *Machine) CleanDataCache(addr hostarch.Addr) {
	m.log = append(m.log, Maintenance{Op: CleanDataCache, Addr: addr})
}

// InvalidateInstructionCache implements
// processor.CPU.InvalidateInstructionCache.
func (m *Machine) InvalidateInstructionCache(addr hostarch.Addr) {
	m.log = append(m.log, Maintenance{Op: InvalidateInstructionCache, Addr: addr})
	m.invalidateLine(addr)
}

func (m *Machine) invalidateLine(addr hostarch.Addr) {
	line := m.lineSize()
	start := hostarch.Addr(hostarch.AlignDown(uint64(addr), line))
	for a := start; a < start+hostarch.Addr(line); a += arm64asm.InstSize {
		delete(m.icache, a)
	}
}

// InvalidateTranslation implements processor.CPU.InvalidateTranslation.
func (m *Machine) InvalidateTranslation(addr hostarch.Addr) {
	m.log = append(m.log, Maintenance{Op: InvalidateTranslation, Addr: addr})
	delete(m.tlb, uint64(addr)>>hostarch.PageShift)
}

// DataSyncBarrier implements processor.CPU.DataSyncBarrier.
func (m *Machine) DataSyncBarrier() {
	m.log = append(m.log, Maintenance{Op: DataSyncBarrier})
}

// InstructionSyncBarrier implements processor.CPU.InstructionSyncBarrier.
func (m *Machine) InstructionSyncBarrier() {
	m.log = append(m.log, Maintenance{Op: InstructionSyncBarrier})
}

// FatalHook implements processor.CPU.FatalHook. fn runs when simulated code
// branches to the returned address.
func (m *Machine) FatalHook(fn func()) hostarch.Addr {
	return m.Service(func([8]uint64) uint64 {
		fn()
		m.Halt("fatal hook returned")
		return 0
	})
}

// Park implements processor.CPU.Park. It records the call and returns, so
// that the boot path can be observed to its end.
func (m *Machine) Park() {
	log.Debugf("sim: parked")
	m.parked = true
}

// Halt implements processor.CPU.Halt. It panics with a *HaltError.
func (m *Machine) Halt(format string, v ...any) {
	panic(&HaltError{Message: fmt.Sprintf(format, v...)})
}
