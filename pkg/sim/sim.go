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

// Package sim is a small AArch64 machine model.
//
// It runs the boot path on a development host. Memory is a set of RAM and
// device regions. System registers are a map with per level access checks.
// Stage 1 translation is modelled for write permission only, through a TLB
// that is filled by walking the tables and emptied by TLB invalidation.
// Exceptions, firmware and runtime generated code run in an interpreter for
// the subset of A64 that such code uses.
package sim

import (
	"errors"
	"fmt"

	"github.com/google/btree"

	"barekit.dev/barekit/pkg/arm64asm"
	"barekit.dev/barekit/pkg/heap"
	"barekit.dev/barekit/pkg/hostarch"
	"barekit.dev/barekit/pkg/log"
	"barekit.dev/barekit/pkg/memory"
	"barekit.dev/barekit/pkg/processor"
)

// Region is a range of physical memory.
type Region struct {
	Base hostarch.Addr
	Size uint64
}

// Config describes a machine.
type Config struct {
	// EL is the exception level the CPU runs at, 1 to 3.
	EL int

	// RAM lists the RAM regions. The last ReservedSize bytes of the first
	// region are kept for the machine itself.
	RAM []Region

	// StackPointer is the value returned by CPU.StackPointer.
	StackPointer uint64

	// Registers holds initial system register values.
	Registers map[arm64asm.SysReg]uint64

	// Unimplemented registers trap at every level.
	Unimplemented []arm64asm.SysReg

	// MaxSteps bounds the instructions executed by one call. Zero means
	// DefaultMaxSteps.
	MaxSteps int
}

// DefaultMaxSteps is the default instruction limit of a call.
const DefaultMaxSteps = 1 << 20

// ReservedSize is the RAM kept for stubs, firmware tables, the firmware page
// pool and the call stack.
const ReservedSize = 2 << 20

// Default register values.
var defaultRegisters = map[arm64asm.SysReg]uint64{
	processor.MIDR_EL1:         0x410fd083,
	processor.MPIDR_EL1:        0x80000000,
	processor.CTR_EL0:          0x8444c004,
	processor.CLIDR_EL1:        0x0a200023,
	processor.ID_AA64PFR0_EL1:  0x1100000011111112,
	processor.ID_AA64MMFR0_EL1: 0x00101125,
}

// HaltError is raised, as a panic, when the machine stops.
type HaltError struct {
	Message string
}

// Error implements error.Error.
func (e *HaltError) Error() string {
	return "machine halted: " + e.Message
}

// Catch runs fn and returns the HaltError it raised, if any. Other panics
// propagate.
func Catch(fn func()) (err *HaltError) {
	defer func() {
		if r := recover(); r != nil {
			h, ok := r.(*HaltError)
			if !ok {
				panic(r)
			}
			err = h
		}
	}()
	fn()
	return nil
}

// SMCCall records a secure monitor call.
type SMCCall struct {
	FID  uint64
	Args [7]uint64
}

// Machine is a simulated single CPU machine.
type Machine struct {
	el       int
	sp       uint64
	maxSteps int

	regions *btree.BTreeG[*region]
	sys     map[arm64asm.SysReg]uint64
	missing map[arm64asm.SysReg]bool

	// tlb caches the write permission of pages, by page number.
	tlb map[uint64]bool

	// icache caches fetched instructions, by address.
	icache map[hostarch.Addr]uint32
	log    []Maintenance

	// reserved allocates from the reserved RAM.
	reserved *heap.Bump
	stack    hostarch.Addr

	// services are host functions reachable at magic addresses.
	services map[hostarch.Addr]func(args [8]uint64) uint64
	next     hostarch.Addr

	// stubs holds probe code by register.
	stubs   map[arm64asm.SysReg]hostarch.Addr
	scratch hostarch.Addr

	cpu    cpuState
	parked bool
	smcs   []SMCCall
}

// Magic addresses are outside any physical address space.
const (
	magicBase   hostarch.Addr = 0xffff_0000_0000_0000
	returnMagic hostarch.Addr = magicBase
)

// New returns a machine. Close releases its memory.
func New(cfg Config) (*Machine, error) {
	if cfg.EL < 1 || cfg.EL > 3 {
		return nil, fmt.Errorf("exception level %d not supported", cfg.EL)
	}
	if len(cfg.RAM) == 0 {
		return nil, errors.New("no RAM")
	}
	if cfg.RAM[0].Size < 2*ReservedSize {
		return nil, fmt.Errorf("first RAM region of %#x bytes is too small", cfg.RAM[0].Size)
	}
	m := &Machine{
		el:       cfg.EL,
		sp:       cfg.StackPointer,
		maxSteps: cfg.MaxSteps,
		regions:  btree.NewG(8, func(a, b *region) bool { return a.base < b.base }),
		sys:      make(map[arm64asm.SysReg]uint64),
		missing:  make(map[arm64asm.SysReg]bool),
		tlb:      make(map[uint64]bool),
		icache:   make(map[hostarch.Addr]uint32),
		services: make(map[hostarch.Addr]func([8]uint64) uint64),
		next:     magicBase + 0x1000,
		stubs:    make(map[arm64asm.SysReg]hostarch.Addr),
	}
	if m.maxSteps == 0 {
		m.maxSteps = DefaultMaxSteps
	}
	for _, r := range cfg.RAM {
		if err := m.addRAM(r.Base, r.Size); err != nil {
			m.Close()
			return nil, err
		}
	}
	for r, v := range defaultRegisters {
		m.sys[r] = v
	}
	for r, v := range cfg.Registers {
		m.sys[r] = v
	}
	for _, r := range cfg.Unimplemented {
		m.missing[r] = true
	}
	m.sys[processor.CurrentEL] = uint64(cfg.EL) << 2
	top := cfg.RAM[0].Base + hostarch.Addr(cfg.RAM[0].Size)
	m.reserved = heap.New(top-ReservedSize, ReservedSize)
	stack, err := m.reserved.Alloc(64<<10, 16)
	if err != nil {
		m.Close()
		return nil, err
	}
	m.stack = stack + 64<<10
	if m.scratch, err = m.reserved.Alloc(scratchSize, 16); err != nil {
		m.Close()
		return nil, err
	}
	log.Debugf("sim: EL%d with %d RAM regions", cfg.EL, len(cfg.RAM))
	return m, nil
}

// ExceptionLevel returns the exception level the CPU runs at.
func (m *Machine) ExceptionLevel() int {
	return m.el
}

// Reserve allocates size bytes of reserved RAM.
func (m *Machine) Reserve(size, align uint64) (hostarch.Addr, error) {
	return m.reserved.Alloc(size, align)
}

// Service registers fn as a function callable at the returned address, by
// Call or by a branch from simulated code. fn receives x0 to x7 and returns
// x0.
func (m *Machine) Service(fn func(args [8]uint64) uint64) hostarch.Addr {
	addr := m.next
	m.next += 0x10
	m.services[addr] = fn
	return addr
}

// Parked returns true once Park has been called.
func (m *Machine) Parked() bool {
	return m.parked
}

// Physical returns a view of memory that bypasses translation, as firmware
// and test setup code see it.
func (m *Machine) Physical() memory.Memory {
	return physical{m}
}

// SMCs returns the secure monitor calls issued so far.
func (m *Machine) SMCs() []SMCCall {
	return m.smcs
}

// SMC implements platform.Machine.SMC.
func (m *Machine) SMC(fid uint64) uint64 {
	m.smcs = append(m.smcs, SMCCall{FID: fid})
	return 0
}
