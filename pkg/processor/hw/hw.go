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

//go:build arm64 && baremetal
// +build arm64,baremetal

// Package hw implements processor.CPU on the CPU the program runs on.
//
// This only works without an operating system: the image must run at EL1 or
// above with the code arena executable.
package hw

import (
	"barekit.dev/barekit/pkg/arm64asm"
	"barekit.dev/barekit/pkg/heap"
	"barekit.dev/barekit/pkg/hostarch"
	"barekit.dev/barekit/pkg/log"
	"barekit.dev/barekit/pkg/memory"
	"barekit.dev/barekit/pkg/processor"
)

// Implemented in hw_arm64.s.
func currentEL() uint64
func cacheType() uint64
func stackPointer() uint64
func cleanDataCache(addr uintptr)
func invalidateInstructionCache(addr uintptr)
func invalidateTranslationEL1(page uint64)
func invalidateTranslationEL2(page uint64)
func invalidateTranslationEL3(page uint64)
func dsb()
func isb()
func wfe()

//go:noescape
func call(fn uintptr, args *[8]uint64) (r0, r1, r2 uint64)

// codeArenaSize bounds the number of distinct stubs.
const codeArenaSize = 16 << 10

// arena holds the stubs. It is part of the loaded image, which is mapped
// executable.
var arena [codeArenaSize]byte

// CPU is the running CPU.
type CPU struct {
	code   *heap.Bump
	line   uint64
	reads  map[arm64asm.SysReg]hostarch.Addr
	writes map[arm64asm.SysReg]hostarch.Addr
	probes map[arm64asm.SysReg]hostarch.Addr
	smc    hostarch.Addr
}

var _ processor.CPU = (*CPU)(nil)

// NewCPU returns the running CPU.
func NewCPU() *CPU {
	c := &CPU{
		code:   heap.New(memory.AddressOf(arena[:]), codeArenaSize),
		line:   4 << ((cacheType() >> 16) & 0xf),
		reads:  make(map[arm64asm.SysReg]hostarch.Addr),
		writes: make(map[arm64asm.SysReg]hostarch.Addr),
		probes: make(map[arm64asm.SysReg]hostarch.Addr),
	}
	if il := uint64(4 << (cacheType() & 0xf)); il < c.line {
		c.line = il
	}
	return c
}

// place copies code into the arena and makes it visible to instruction
// fetch.
func (c *CPU) place(code []byte) hostarch.Addr {
	addr, err := c.code.Alloc(uint64(len(code)), processor.StubAlign)
	if err != nil {
		c.Halt("stub arena: %v", err)
	}
	copy(memory.Direct{}.Slice(addr, uint64(len(code))), code)
	for a := hostarch.AlignDown(uint64(addr), c.line); a < uint64(addr)+uint64(len(code)); a += c.line {
		cleanDataCache(uintptr(a))
	}
	dsb()
	for a := hostarch.AlignDown(uint64(addr), c.line); a < uint64(addr)+uint64(len(code)); a += c.line {
		invalidateInstructionCache(uintptr(a))
	}
	dsb()
	isb()
	return addr
}

func (c *CPU) stub(cache map[arm64asm.SysReg]hostarch.Addr, r arm64asm.SysReg, gen func(arm64asm.SysReg) []byte) hostarch.Addr {
	addr, ok := cache[r]
	if !ok {
		addr = c.place(gen(r))
		cache[r] = addr
	}
	return addr
}

// Call calls the procedure at fn with up to eight arguments and returns its
// x0. It implements efi.Caller.
func (c *CPU) Call(fn hostarch.Addr, args ...uint64) uint64 {
	if len(args) > 8 {
		c.Halt("call to %#x with %d arguments", fn, len(args))
	}
	var regs [8]uint64
	copy(regs[:], args)
	r0, _, _ := call(uintptr(fn), &regs)
	return r0
}

// ReadSysReg implements processor.CPU.ReadSysReg.
func (c *CPU) ReadSysReg(r arm64asm.SysReg) uint64 {
	if r == processor.CurrentEL {
		return currentEL()
	}
	if r == processor.CTR_EL0 {
		return cacheType()
	}
	var regs [8]uint64
	v, _, _ := call(uintptr(c.stub(c.reads, r, processor.ReadStub)), &regs)
	return v
}

// WriteSysReg implements processor.CPU.WriteSysReg.
func (c *CPU) WriteSysReg(r arm64asm.SysReg, v uint64) {
	regs := [8]uint64{v}
	call(uintptr(c.stub(c.writes, r, processor.WriteStub)), &regs)
}

// ProbeSysReg implements processor.CPU.ProbeSysReg.
func (c *CPU) ProbeSysReg(r arm64asm.SysReg, cell hostarch.Addr) processor.Probe {
	regs := [8]uint64{uint64(cell)}
	v, pc, ret := call(uintptr(c.stub(c.probes, r, processor.ProbeStub)), &regs)
	return processor.Probe{Value: v, PC: pc, ReturnAddress: ret}
}

// SMC issues a secure monitor call with function identifier fid.
func (c *CPU) SMC(fid uint64) uint64 {
	if c.smc == 0 {
		c.smc = c.place(processor.SMCStub(1))
	}
	regs := [8]uint64{fid}
	r0, _, _ := call(uintptr(c.smc), &regs)
	return r0
}

// StackPointer implements processor.CPU.StackPointer.
func (*CPU) StackPointer() uint64 {
	return stackPointer()
}

// CleanDataCache implements processor.CPU.CleanDataCache.
func (*CPU) CleanDataCache(addr hostarch.Addr) {
	cleanDataCache(uintptr(addr))
}

// InvalidateInstructionCache implements
// processor.CPU.InvalidateInstructionCache.
func (*CPU) InvalidateInstructionCache(addr hostarch.Addr) {
	invalidateInstructionCache(uintptr(addr))
}

// InvalidateTranslation implements processor.CPU.InvalidateTranslation.
func (c *CPU) InvalidateTranslation(addr hostarch.Addr) {
	page := uint64(addr) >> hostarch.PageShift
	switch processor.CurrentExceptionLevel(c) {
	case 1:
		invalidateTranslationEL1(page)
	case 2:
		invalidateTranslationEL2(page)
	case 3:
		invalidateTranslationEL3(page)
	}
}

// DataSyncBarrier implements processor.CPU.DataSyncBarrier.
func (*CPU) DataSyncBarrier() {
	dsb()
}

// InstructionSyncBarrier implements processor.CPU.InstructionSyncBarrier.
func (*CPU) InstructionSyncBarrier() {
	isb()
}

// fatalTrampoline is the target of vector code for fatal exceptions. It
// calls fatalEntry on the interrupted stack and parks if that returns.
func fatalTrampoline()

// addrOfFatalTrampoline returns the start address of fatalTrampoline.
//
// Go references to assembly functions resolve to an ABIInternal wrapper; the
// vector code needs the ABI0 address, which only assembly can take.
func addrOfFatalTrampoline() uintptr

// fatal is the continuation registered by FatalHook.
var fatal func()

// fatalEntry is called by fatalTrampoline.
func fatalEntry() {
	if fatal != nil {
		fatal()
	}
}

// FatalHook implements processor.CPU.FatalHook. fn runs on the stack of the
// code that took the exception, so it must not return.
func (*CPU) FatalHook(fn func()) hostarch.Addr {
	fatal = fn
	return hostarch.Addr(addrOfFatalTrampoline())
}

// Park implements processor.CPU.Park.
func (*CPU) Park() {
	for {
		wfe()
	}
}

// Halt implements processor.CPU.Halt.
func (c *CPU) Halt(format string, v ...any) {
	log.Warningf("FATAL: "+format, v...)
	c.Park()
}
