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

// Package boot is the runtime entry point. It works out how the image was
// entered, makes the image runnable in place, sets up the boot heap and log,
// and runs the boot phases on the platform for that context.
package boot

import (
	"barekit.dev/barekit/pkg/coff"
	"barekit.dev/barekit/pkg/console"
	"barekit.dev/barekit/pkg/devicetree"
	"barekit.dev/barekit/pkg/efi"
	"barekit.dev/barekit/pkg/heap"
	"barekit.dev/barekit/pkg/hostarch"
	"barekit.dev/barekit/pkg/log"
	"barekit.dev/barekit/pkg/memory"
	"barekit.dev/barekit/pkg/platform"
	"barekit.dev/barekit/pkg/processor"
)

// SecureEL1Magic is the x1 value of a secure monitor dispatching into a
// trusted OS at S-EL1.
const SecureEL1Magic = 0xF1F0

// Registers are x0 to x5 at entry. Bare-metal loaders pass the image bounds
// in x4 (load address) and x5 (end).
type Registers [6]uint64

// Detect returns the execution context for entry at el with x0 and x1.
func Detect(el int, x0, x1 uint64) platform.Context {
	switch {
	case el == 3:
		return platform.BareMetalEL3
	case el == 2 && x1 != 0 && x0 != 0:
		return platform.EFI
	case el == 2:
		return platform.BareMetalEL2
	case x1 == SecureEL1Magic:
		return platform.BareMetalSecureEL1
	case x1 != 0 && x0 != 0:
		return platform.EFI
	default:
		return platform.BareMetalEL1
	}
}

// Workload is what the runtime boots into. Its result is returned to the
// caller of Entry when the platform allows it.
type Workload func(p platform.Platform, env platform.Env) int64

// Options configure the boot phases.
type Options struct {
	// Workload defaults to HelloWorld.
	Workload Workload

	// OpenDeviceTree parses the device tree handed over at entry. Without
	// it the device tree is ignored.
	OpenDeviceTree func(mem memory.Memory, addr hostarch.Addr) (devicetree.Tree, error)
}

// ReadDeviceTree opens a flattened device tree in memory.
func ReadDeviceTree(mem memory.Memory, addr hostarch.Addr) (devicetree.Tree, error) {
	return devicetree.Read(mem, addr)
}

// HelloWorld is the default workload.
func HelloWorld(platform.Platform, platform.Env) int64 {
	log.Infof("Hello World!")
	return 0
}

// Entry is the first Go code to run. In bare-metal contexts the image is
// relocated before anything else touches its data.
//
// It returns only if the platform can return to its caller, or with -1 if
// the boot heap cannot be obtained from firmware.
func Entry(m platform.Machine, regs Registers, opts Options) int64 {
	ctx := Detect(processor.CurrentExceptionLevel(m), regs[0], regs[1])

	var (
		imageBase, imageEnd hostarch.Addr
		stackTop, heapBase  hostarch.Addr
	)
	env := platform.Env{Machine: m}
	if ctx != platform.EFI {
		// x5 may mark the end of the file rather than of the virtual
		// layout, so the image is sized from its own headers.
		load, end := regs[4], regs[5]
		base := hostarch.Addr(load)
		span := coff.HeaderSpan(m.Slice(base, coff.DOSHeaderSize))
		size := max(end-load, uint64(coff.SizeOfImage(m.Slice(base, span))))
		image := m.Slice(base, size)
		coff.Relocate(image, load, end)

		imageBase, imageEnd = hostarch.Addr(load), hostarch.Addr(end)
		align := uint64(coff.SectionAlignment(image))
		if align == 0 {
			align = 1
		}
		stackTop = hostarch.Addr(hostarch.AlignUp(m.StackPointer(), align))
		heapBase = stackTop
	} else {
		fw, err := m.Firmware(regs[0], regs[1])
		if err != nil {
			log.Warningf("Firmware: %v", err)
			return -1
		}
		li, err := fw.LoadedImage()
		if err != nil {
			log.Warningf("Loaded image: %v", err)
			return -1
		}
		imageBase = li.Base
		imageEnd = hostarch.Addr(hostarch.AlignUp(uint64(li.End()), efi.PageSize))
		if heapBase, err = fw.AllocatePages(efi.Pages(heap.BootHeapSize)); err != nil {
			log.Warningf("Could not allocate the boot heap: %v", err)
			return -1
		}
		stackTop = hostarch.Addr(hostarch.AlignUp(m.StackPointer(), efi.PageSize))
		env.Firmware = fw
	}

	env.Heap = heap.New(heapBase, heap.BootHeapSize)
	console.Install(console.NewBuffer(console.BufferSize))

	info := platform.Info{
		ImageBase: imageBase,
		ImageEnd:  imageEnd,
		StackTop:  stackTop,
		StackSize: platform.BootStackSize,
		HeapBase:  heapBase,
		HeapSize:  heap.BootHeapSize,
		Context:   ctx,
		X0:        regs[0],
		X1:        regs[1],
		X2:        regs[2],
		X3:        regs[3],
	}
	p, err := platform.New(info, env)
	if err != nil {
		m.Halt("%v", err)
	}
	p.SetBootConsole()
	return Run(p, env, opts)
}
