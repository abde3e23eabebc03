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

// Package platform provides the boot platform abstraction: one
// implementation per execution context, selected from a fixed table.
package platform

import (
	"fmt"

	"barekit.dev/barekit/pkg/devicetree"
	"barekit.dev/barekit/pkg/efi"
	"barekit.dev/barekit/pkg/heap"
	"barekit.dev/barekit/pkg/hostarch"
	"barekit.dev/barekit/pkg/log"
	"barekit.dev/barekit/pkg/memory"
	"barekit.dev/barekit/pkg/processor"
)

// Context is the convention the image was entered with.
type Context int

// Execution contexts.
const (
	BareMetalEL1 Context = iota
	BareMetalEL2
	BareMetalEL3
	BareMetalSecureEL1
	EFI
)

// String implements fmt.Stringer.String.
func (c Context) String() string {
	switch c {
	case BareMetalEL1:
		return "BareMetalEL1"
	case BareMetalEL2:
		return "BareMetalEL2"
	case BareMetalEL3:
		return "BareMetalEL3"
	case BareMetalSecureEL1:
		return "BareMetalSecureEL1"
	case EFI:
		return "EFI"
	default:
		return fmt.Sprintf("Context(%d)", int(c))
	}
}

// BootStackSize is the capacity reported for the boot stack.
const BootStackSize = 65536

// Info describes the boot environment. It is created once at entry and never
// modified.
type Info struct {
	ImageBase hostarch.Addr
	ImageEnd  hostarch.Addr

	StackTop  hostarch.Addr
	StackSize uint64

	HeapBase hostarch.Addr
	HeapSize uint64

	Context Context

	// Entry register values.
	X0, X1, X2, X3 uint64
}

// Machine is the hardware the boot path runs on.
type Machine interface {
	processor.CPU
	memory.Memory

	// SMC issues a secure monitor call and returns x0.
	SMC(fid uint64) uint64

	// Firmware returns the UEFI firmware from the image handle and system
	// table passed at entry.
	Firmware(image, table uint64) (efi.SystemTable, error)
}

// Env holds the state shared by the boot path.
type Env struct {
	Machine Machine
	Heap    *heap.Bump

	// Firmware is set in the EFI context.
	Firmware efi.SystemTable
}

// Platform is the set of operations that differ between contexts.
type Platform interface {
	// Name returns a short name for banners.
	Name() string

	// Info returns the boot environment.
	Info() Info

	// DeviceTreeAddress returns the address of the flattened device tree
	// handed over at entry.
	DeviceTreeAddress() (hostarch.Addr, bool)

	// SetBootConsole installs the earliest console the platform can reach
	// without a device tree, if any.
	SetBootConsole()

	// SetDeviceTree keeps the parsed device tree.
	SetDeviceTree(t devicetree.Tree)

	// PreStop reports boot statistics.
	PreStop()

	// Stop hands control back to whatever started the image. It may not
	// return.
	Stop()

	// CanReturn returns true if the entry point may return to its caller.
	CanReturn() bool

	// Park idles forever.
	Park()

	// IsSecure returns true in TrustZone secure contexts.
	IsSecure() bool
}

var constructors = map[Context]func(Info, Env) (Platform, error){
	BareMetalEL1:       newBareMetal,
	BareMetalEL2:       newBareMetal,
	BareMetalEL3:       newEL3,
	BareMetalSecureEL1: newSecureEL1,
	EFI:                newEFI,
}

// New returns the platform for info.Context.
func New(info Info, env Env) (Platform, error) {
	ctor, ok := constructors[info.Context]
	if !ok {
		return nil, fmt.Errorf("no platform for %v", info.Context)
	}
	return ctor(info, env)
}

// base implements the behavior shared by every platform.
type base struct {
	info Info
	env  Env
	tree devicetree.Tree
}

// Info implements Platform.Info.
func (b *base) Info() Info {
	return b.info
}

// SetBootConsole implements Platform.SetBootConsole.
func (*base) SetBootConsole() {}

// SetDeviceTree implements Platform.SetDeviceTree.
func (b *base) SetDeviceTree(t devicetree.Tree) {
	b.tree = t
}

// DeviceTree returns the tree given to SetDeviceTree.
func (b *base) DeviceTree() devicetree.Tree {
	return b.tree
}

// PreStop implements Platform.PreStop.
func (b *base) PreStop() {
	s := b.env.Heap.Stats()
	log.Infof("BumpAllocator stats: %d allocations, %d bytes.", s.Count, s.Bytes)
}

// Stop implements Platform.Stop.
func (*base) Stop() {}

// CanReturn implements Platform.CanReturn.
func (*base) CanReturn() bool {
	return false
}

// Park implements Platform.Park.
func (b *base) Park() {
	log.Infof("Looping forever()")
	b.env.Machine.Park()
}

// IsSecure implements Platform.IsSecure.
func (*base) IsSecure() bool {
	return false
}
