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
	"barekit.dev/barekit/pkg/arm64asm"
	"barekit.dev/barekit/pkg/bits"
	"barekit.dev/barekit/pkg/hostarch"
	"barekit.dev/barekit/pkg/processor"
)

// cpuState is the general purpose register file.
type cpuState struct {
	x  [31]uint64
	sp uint64
	pc hostarch.Addr
}

// Exception classes raised by the interpreter.
const (
	ecUnknown   = 0x00
	ecSVC       = 0x15
	ecHVC       = 0x16
	ecDataAbort = 0x25
	ecBRK       = 0x3c
)

// syncOffset is the vector of synchronous exceptions taken to the current
// level with SP_ELx.
const syncOffset = 0x200

// Call implements efi.Caller. It runs fn with x0 to x7 set from args until
// it returns, and returns x0.
func (m *Machine) Call(fn hostarch.Addr, args ...uint64) uint64 {
	return m.call(fn, args)[0]
}

// call runs fn and returns x0 to x2.
func (m *Machine) call(fn hostarch.Addr, args []uint64) [3]uint64 {
	if len(args) > 8 {
		m.Halt("call with %d arguments", len(args))
	}
	saved := m.cpu
	defer func() { m.cpu = saved }()
	m.cpu = cpuState{sp: uint64(m.stack), pc: fn}
	copy(m.cpu.x[:], args)
	m.cpu.x[30] = uint64(returnMagic)
	m.run()
	return [3]uint64{m.cpu.x[0], m.cpu.x[1], m.cpu.x[2]}
}

func (m *Machine) run() {
	for steps := 0; ; steps++ {
		if steps >= m.maxSteps {
			m.Halt("no return after %d instructions, pc %#x", steps, m.cpu.pc)
		}
		pc := m.cpu.pc
		if pc == returnMagic {
			return
		}
		if svc, ok := m.services[pc]; ok {
			var args [8]uint64
			copy(args[:], m.cpu.x[:8])
			m.cpu.x[0] = svc(args)
			m.cpu.pc = hostarch.Addr(m.cpu.x[30])
			continue
		}
		if pc&3 != 0 {
			m.Halt("misaligned pc %#x", pc)
		}
		m.exec(m.fetch(pc))
	}
}

// fetch reads an instruction through the instruction cache, which is only
// coherent with memory through explicit invalidation.
func (m *Machine) fetch(pc hostarch.Addr) uint32 {
	if inst, ok := m.icache[pc]; ok {
		return inst
	}
	r := m.mustFind(pc, arm64asm.InstSize)
	if r.ram == nil {
		m.Halt("instruction fetch from device memory at %#x", pc)
	}
	inst := uint32(m.load(pc, arm64asm.InstSize))
	m.icache[pc] = inst
	return inst
}

// reg reads Xn, with 31 as XZR.
func (m *Machine) reg(n uint32) uint64 {
	if n == 31 {
		return 0
	}
	return m.cpu.x[n]
}

func (m *Machine) setReg(n uint32, v uint64) {
	if n != 31 {
		m.cpu.x[n] = v
	}
}

// regSP reads Xn, with 31 as SP.
func (m *Machine) regSP(n uint32) uint64 {
	if n == 31 {
		return m.cpu.sp
	}
	return m.cpu.x[n]
}

func (m *Machine) setRegSP(n uint32, v uint64) {
	if n == 31 {
		m.cpu.sp = v
		return
	}
	m.cpu.x[n] = v
}

// takeException enters the vector table of the current level.
func (m *Machine) takeException(ec, iss uint64) {
	vbar := m.sys[processor.VBAR[m.el]]
	if vbar == 0 {
		m.Halt("exception class %#x at %#x without a vector table", ec, m.cpu.pc)
	}
	m.sys[processor.ESR[m.el]] = ec<<processor.ESR_ELx_EC_SHIFT | processor.ESR_ELx_IL | iss
	m.sys[processor.ELR[m.el]] = uint64(m.cpu.pc)
	m.cpu.pc = hostarch.Addr(vbar + syncOffset)
}

// storeData performs a store from simulated code, raising a data abort if
// translation forbids it.
func (m *Machine) storeData(addr uint64, v uint64) bool {
	if fault := m.writeFault(hostarch.Addr(addr)); fault != 0 {
		m.sys[processor.FAR[m.el]] = addr
		// ISS: WnR, 64-bit access.
		m.takeException(ecDataAbort, 1<<6|fault)
		return false
	}
	m.store(hostarch.Addr(addr), 8, v)
	return true
}

// exec executes one instruction at m.cpu.pc.
func (m *Machine) exec(inst uint32) {
	pc := m.cpu.pc
	next := pc + arm64asm.InstSize
	rd := inst & 31
	rn := inst >> 5 & 31
	rt2 := inst >> 10 & 31
	rm := inst >> 16 & 31

	switch {
	case inst&0xffc00000 == 0xa9800000: // STP pre-index
		addr := uint64(int64(m.regSP(rn)) + bits.SignExtend64(uint64(inst>>15&0x7f), 7)*8)
		a, b := m.reg(rd), m.reg(rt2)
		if !m.storeData(addr, a) || !m.storeData(addr+8, b) {
			return
		}
		m.setRegSP(rn, addr)
	case inst&0xffc00000 == 0xa8c00000: // LDP post-index
		addr := m.regSP(rn)
		a, b := m.load(hostarch.Addr(addr), 8), m.load(hostarch.Addr(addr+8), 8)
		m.setReg(rd, a)
		m.setReg(rt2, b)
		m.setRegSP(rn, uint64(int64(addr)+bits.SignExtend64(uint64(inst>>15&0x7f), 7)*8))
	case inst&0xffc00000 == 0xf9000000: // STR unsigned offset
		if !m.storeData(m.regSP(rn)+uint64(inst>>10&0xfff)*8, m.reg(rd)) {
			return
		}
	case inst&0xffc00000 == 0xf9400000: // LDR unsigned offset
		m.setReg(rd, m.load(hostarch.Addr(m.regSP(rn)+uint64(inst>>10&0xfff)*8), 8))
	case inst&0xff000000 == 0x58000000: // LDR literal
		addr := int64(pc) + bits.SignExtend64(uint64(inst>>5&0x7ffff), 19)*4
		m.setReg(rd, m.load(hostarch.Addr(addr), 8))
	case inst&0x9f000000 == 0x10000000: // ADR
		imm := uint64(inst>>5&0x7ffff)<<2 | uint64(inst>>29&3)
		m.setReg(rd, uint64(int64(pc)+bits.SignExtend64(imm, 21)))
	case inst&0xff800000 == 0x91000000, inst&0xff800000 == 0xd1000000: // ADD, SUB immediate
		imm := uint64(inst >> 10 & 0xfff)
		if inst&(1<<22) != 0 {
			imm <<= 12
		}
		v := m.regSP(rn)
		if inst&(1<<30) != 0 {
			v -= imm
		} else {
			v += imm
		}
		m.setRegSP(rd, v)
	case inst&0xff200000 == 0x8b000000, inst&0xff200000 == 0xcb000000: // ADD, SUB shifted register
		if inst>>22&3 != 0 {
			m.undefined()
			return
		}
		op2 := m.reg(rm) << (inst >> 10 & 63)
		v := m.reg(rn)
		if inst&(1<<30) != 0 {
			v -= op2
		} else {
			v += op2
		}
		m.setReg(rd, v)
	case inst&0xff800000 == 0xd2800000: // MOVZ
		m.setReg(rd, uint64(inst>>5&0xffff)<<(16*(inst>>21&3)))
	case inst&0xff800000 == 0xf2800000: // MOVK
		shift := 16 * (inst >> 21 & 3)
		m.setReg(rd, m.reg(rd)&^(0xffff<<shift)|uint64(inst>>5&0xffff)<<shift)
	case inst&0xffc00000 == 0xd3400000: // UBFM
		immr, imms := uint(inst>>16&63), uint(inst>>10&63)
		v := m.reg(rn)
		if imms >= immr {
			m.setReg(rd, bits.Field64(v, immr, imms-immr+1))
		} else {
			m.setReg(rd, bits.Field64(v, 0, imms+1)<<(64-immr))
		}
	case inst&0x7c000000 == 0x14000000: // B, BL
		if inst&(1<<31) != 0 {
			m.cpu.x[30] = uint64(next)
		}
		m.cpu.pc = hostarch.Addr(int64(pc) + bits.SignExtend64(uint64(inst&0x3ffffff), 26)*4)
		return
	case inst&0xfffffc1f == 0xd61f0000: // BR
		m.cpu.pc = hostarch.Addr(m.reg(rn))
		return
	case inst&0xfffffc1f == 0xd63f0000: // BLR
		target := m.reg(rn)
		m.cpu.x[30] = uint64(next)
		m.cpu.pc = hostarch.Addr(target)
		return
	case inst&0xfffffc1f == 0xd65f0000: // RET
		m.cpu.pc = hostarch.Addr(m.reg(rn))
		return
	case inst&0xfe000000 == 0xb4000000: // CBZ, CBNZ
		if (m.reg(rd) == 0) == (inst&(1<<24) == 0) {
			m.cpu.pc = hostarch.Addr(int64(pc) + bits.SignExtend64(uint64(inst>>5&0x7ffff), 19)*4)
			return
		}
	case inst&0xfff00000 == 0xd5300000: // MRS
		r := arm64asm.SysReg(inst >> 5 & 0xffff)
		if !m.Accessible(r) {
			m.undefined()
			return
		}
		m.setReg(rd, m.sys[r])
	case inst&0xfff00000 == 0xd5100000: // MSR
		r := arm64asm.SysReg(inst >> 5 & 0xffff)
		if !m.Accessible(r) || r == processor.CurrentEL {
			m.undefined()
			return
		}
		m.sys[r] = m.reg(rd)
	case inst&0xfff80000 == 0xd5080000: // SYS
		m.sys1(inst)
	case inst&0xfffff01f == 0xd503301f: // DSB, DMB, ISB
		switch inst >> 5 & 7 {
		case 4:
			m.DataSyncBarrier()
		case 6:
			m.InstructionSyncBarrier()
		}
	case inst == arm64asm.WFE, inst == arm64asm.WFI:
		m.parked = true
		m.Halt("parked at %#x", pc)
	case inst&0xfffff01f == 0xd503201f: // other hints
	case inst == arm64asm.ERET:
		m.cpu.pc = hostarch.Addr(m.sys[processor.ELR[m.el]])
		return
	case inst&0xffe0001f == 0xd4000001: // SVC
		m.takeException(ecSVC, uint64(inst>>5&0xffff))
		m.sys[processor.ELR[m.el]] = uint64(next)
		return
	case inst&0xffe0001f == 0xd4000002: // HVC
		if m.el < 2 {
			m.undefined()
			return
		}
		m.takeException(ecHVC, uint64(inst>>5&0xffff))
		m.sys[processor.ELR[m.el]] = uint64(next)
		return
	case inst&0xffe0001f == 0xd4000003: // SMC
		var call SMCCall
		call.FID = m.cpu.x[0]
		copy(call.Args[:], m.cpu.x[1:8])
		m.smcs = append(m.smcs, call)
		m.cpu.x[0] = 0
	case inst&0xffe0001f == 0xd4200000: // BRK
		m.takeException(ecBRK, uint64(inst>>5&0xffff))
		return
	default:
		m.undefined()
		return
	}
	m.cpu.pc = next
}

// undefined raises an exception of unknown class for the instruction at pc.
func (m *Machine) undefined() {
	m.takeException(ecUnknown, 0)
}

// sys1 executes cache and TLB maintenance instructions.
func (m *Machine) sys1(inst uint32) {
	crn, crm := inst>>12&15, inst>>8&15
	rt := inst & 31
	addr := hostarch.Addr(m.reg(rt))
	switch {
	case crn == 7 && crm == 5: // IC
		if rt == 31 {
			m.log = append(m.log, Maintenance{Op: InvalidateInstructionCache})
			clear(m.icache)
			return
		}
		m.InvalidateInstructionCache(addr)
	case crn == 7: // DC
		m.CleanDataCache(addr)
	case crn == 8: // TLBI
		if rt == 31 {
			m.log = append(m.log, Maintenance{Op: InvalidateTranslation})
			clear(m.tlb)
			return
		}
		// The operand holds the page number.
		m.InvalidateTranslation(hostarch.Addr(uint64(addr) & (1<<44 - 1) << hostarch.PageShift))
	}
}
