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

package console

import (
	"barekit.dev/barekit/pkg/hostarch"
	"barekit.dev/barekit/pkg/memory"
)

// Compatible strings of the supported UARTs.
const (
	CompatiblePL011      = "arm,pl011"
	CompatibleSBSA       = "arm,sbsa-uart"
	CompatibleNS16550A   = "ns16550a"
	CompatibleBCM2835    = "brcm,bcm2835-aux-uart"
	CompatibleDesignWare = "snps,dw-apb-uart"
)

// PL011 register layout.
const (
	PL011Data  = 0x00
	PL011Flags = 0x18

	// PL011TxFull is FR.TXFF.
	PL011TxFull = 1 << 5
)

// PL011 is an ARM PrimeCell UART. Only transmission is supported and the
// UART is assumed to be configured by firmware.
type PL011 struct {
	mem  memory.Memory
	base hostarch.Addr
}

// NewPL011 returns the PL011 at base.
func NewPL011(mem memory.Memory, base hostarch.Addr) *PL011 {
	return &PL011{mem: mem, base: base}
}

// Write implements io.Writer.Write.
func (u *PL011) Write(p []byte) (int, error) {
	for _, c := range p {
		for u.mem.Load32(u.base+PL011Flags)&PL011TxFull != 0 {
		}
		u.mem.Store32(u.base+PL011Data, uint32(c))
	}
	return len(p), nil
}

// Unprinted implements Sink.Unprinted.
func (*PL011) Unprinted() string {
	return ""
}

// NS16550 register layout, in register units scaled by the register shift.
const (
	NS16550Data       = 0
	NS16550LineStatus = 5

	// NS16550TxEmpty is LSR.THRE.
	NS16550TxEmpty = 1 << 5
)

// NS16550 is a 16550 compatible UART.
type NS16550 struct {
	mem  memory.Memory
	base hostarch.Addr
	lsr  hostarch.Addr
	wide bool
}

// NewNS16550 returns the UART at base. Registers are ioWidth bytes wide
// (1 or 4) and 1<<shift bytes apart.
func NewNS16550(mem memory.Memory, base hostarch.Addr, ioWidth, shift uint32) *NS16550 {
	return &NS16550{
		mem:  mem,
		base: base,
		lsr:  base + hostarch.Addr(NS16550LineStatus<<shift),
		wide: ioWidth == 4,
	}
}

func (u *NS16550) ready() bool {
	if u.wide {
		return u.mem.Load32(u.lsr)&NS16550TxEmpty != 0
	}
	return u.mem.Load8(u.lsr)&NS16550TxEmpty != 0
}

// Write implements io.Writer.Write.
func (u *NS16550) Write(p []byte) (int, error) {
	for _, c := range p {
		for !u.ready() {
		}
		if u.wide {
			u.mem.Store32(u.base+NS16550Data, uint32(c))
		} else {
			u.mem.Store8(u.base+NS16550Data, c)
		}
	}
	return len(p), nil
}

// Unprinted implements Sink.Unprinted.
func (*NS16550) Unprinted() string {
	return ""
}

// Fallback UART used when no device tree is available: a DesignWare APB
// UART with byte registers 4 bytes apart.
const (
	FallbackBase    = 0xf0512000
	FallbackIOWidth = 1
	FallbackShift   = 2
)

// NewFallback returns the fallback UART.
func NewFallback(mem memory.Memory) *NS16550 {
	return NewNS16550(mem, FallbackBase, FallbackIOWidth, FallbackShift)
}
