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

// Package vectors installs the exception vectors used during boot.
//
// When no vector table is live, the table of the current exception level is
// installed as is. When a host (firmware or a hypervisor) owns a live table,
// the host's table is kept and only the synchronous entries of the slots in
// use are overwritten with trampolines that reach our handler. Restore puts
// the host's environment back before control returns to it.
package vectors

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"barekit.dev/barekit/pkg/arm64asm"
	"barekit.dev/barekit/pkg/heap"
	"barekit.dev/barekit/pkg/hostarch"
	"barekit.dev/barekit/pkg/log"
	"barekit.dev/barekit/pkg/memory"
	"barekit.dev/barekit/pkg/processor"
)

// State is the progress of a Bootstrapper.
type State int

// States, in order.
const (
	Inspecting State = iota
	DirectInstall
	MergePatch
	Patched
	Restored
)

// String implements fmt.Stringer.String.
func (s State) String() string {
	switch s {
	case Inspecting:
		return "Inspecting"
	case DirectInstall:
		return "DirectInstall"
	case MergePatch:
		return "MergePatch"
	case Patched:
		return "Patched"
	case Restored:
		return "Restored"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Vector base values some hosts leave behind when they have no table.
const (
	Unset1 = 0xf0000000
	Unset2 = 0xf1000000
)

// IsUnset returns true if base does not refer to a live table.
func IsUnset(base hostarch.Addr) bool {
	return base == 0 || base == Unset1 || base == Unset2
}

// Bootstrapper installs and later removes the boot vectors.
type Bootstrapper struct {
	cpu  processor.CPU
	mem  memory.Memory
	heap *heap.Bump

	state    State
	mode     State
	el       int
	layout   Layout
	blob     *Blob
	own      hostarch.Addr
	previous hostarch.Addr

	// Host state saved by the merge.
	saved      [][]byte
	entry      hostarch.Addr
	descriptor processor.Descriptor
}

// New returns a bootstrapper allocating its table from h.
func New(c processor.CPU, mem memory.Memory, h *heap.Bump) *Bootstrapper {
	return &Bootstrapper{cpu: c, mem: mem, heap: h}
}

// State returns the current state.
func (b *Bootstrapper) State() State {
	return b.state
}

// Mode returns DirectInstall or MergePatch once inspected.
func (b *Bootstrapper) Mode() State {
	return b.mode
}

// Own returns the address of the installed table.
func (b *Bootstrapper) Own() hostarch.Addr {
	return b.own
}

// Previous returns the vector base found at inspection.
func (b *Bootstrapper) Previous() hostarch.Addr {
	return b.previous
}

// TrapCell returns the cell the handler records absorbed traps in, for use
// with processor.ProbeRegisterAvailable.
func (b *Bootstrapper) TrapCell() hostarch.Addr {
	return b.own + TrapCell
}

// Inspect reads the current vector base and chooses how to install.
func (b *Bootstrapper) Inspect() State {
	b.el = processor.CurrentExceptionLevel(b.cpu)
	blob, err := Table(b.el)
	if err != nil {
		b.cpu.Halt("invalid exception level %d", b.el)
	}
	b.blob = blob
	b.layout = LayoutFor(b.el)
	b.previous = processor.VectorBase(b.cpu)
	b.mode = MergePatch
	if IsUnset(b.previous) {
		b.mode = DirectInstall
	}
	log.Debugf("Vectors: EL%d, previous base %#x, %v", b.el, b.previous, b.mode)
	return b.mode
}

// Install places the table of the current level and routes exceptions to
// it.
func (b *Bootstrapper) Install() {
	if b.state != Inspecting {
		b.cpu.Halt("vectors installed twice")
	}
	b.Inspect()
	own, err := b.heap.Alloc(TableSize, TableAlign)
	if err != nil {
		b.cpu.Halt("vector table: %v", err)
	}
	b.own = own
	b.copyWords(own, b.blob.Code)
	b.mem.Store64(own+HookCell, uint64(b.cpu.FatalHook(b.fatal)))
	b.sync(own, TableSize)

	switch b.mode {
	case DirectInstall:
		processor.SetVectorBase(b.cpu, own)
	case MergePatch:
		b.merge()
	}
	b.state = Patched
	log.Debugf("Vectors: table at %#x", own)
}

// merge patches the host's table at b.previous.
func (b *Bootstrapper) merge() {
	prev := b.previous
	if processor.TranslationEnabled(b.cpu) {
		if w, ok := processor.Lookup(b.cpu, b.mem, prev); ok {
			b.entry = w.Entry
			b.descriptor = w.Descriptor(b.mem)
			b.setDescriptor(b.descriptor.WithReadOnly(false))
		} else {
			log.Warningf("Vectors: no translation for %#x, patching in place", prev)
		}
	}

	b.saved = b.saved[:0]
	for s := 0; s < b.layout.Slots; s++ {
		at := prev + hostarch.Addr(b.layout.SlotOffset(s))
		b.saved = append(b.saved, bytes.Clone(b.mem.Slice(at, SlotSize)))
	}
	for _, site := range b.blob.Sites {
		b.saved = append(b.saved, bytes.Clone(b.mem.Slice(prev+hostarch.Addr(site), 8)))
	}

	for s := 0; s < b.layout.Slots; s++ {
		off := hostarch.Addr(b.layout.SlotOffset(s))
		for i := hostarch.Addr(0); i < SlotSize; i += arm64asm.InstSize {
			b.mem.Store32(prev+off+i, b.mem.Load32(b.own+off+i))
		}
	}
	b.blob.Patch(b.mem, prev, uint64(prev-b.own))
	for s := 0; s < b.layout.Slots; s++ {
		b.sync(prev+hostarch.Addr(b.layout.SlotOffset(s)), SlotStride)
	}
}

// Restore returns the exception environment to what Install found.
func (b *Bootstrapper) Restore() {
	if b.state != Patched {
		return
	}
	if b.mode == MergePatch {
		prev := b.previous
		for s := 0; s < b.layout.Slots; s++ {
			b.copyWords(prev+hostarch.Addr(b.layout.SlotOffset(s)), b.saved[s])
		}
		for i, site := range b.blob.Sites {
			b.copyWords(prev+hostarch.Addr(site), b.saved[b.layout.Slots+i])
		}
		for s := 0; s < b.layout.Slots; s++ {
			b.sync(prev+hostarch.Addr(b.layout.SlotOffset(s)), SlotStride)
		}
		if b.entry != 0 {
			b.setDescriptor(b.descriptor)
		}
	}
	if b.previous != 0 {
		processor.SetVectorBase(b.cpu, b.previous)
	}
	b.state = Restored
	log.Debugf("Vectors: restored %#x", b.previous)
}

// copyWords stores data at addr one word at a time.
func (b *Bootstrapper) copyWords(addr hostarch.Addr, data []byte) {
	for i := 0; i+arm64asm.InstSize <= len(data); i += arm64asm.InstSize {
		b.mem.Store32(addr+hostarch.Addr(i), binary.LittleEndian.Uint32(data[i:]))
	}
}

// setDescriptor replaces the descriptor covering the host's table and drops
// its cached translation.
func (b *Bootstrapper) setDescriptor(d processor.Descriptor) {
	b.mem.Store64(b.entry, uint64(d))
	b.cpu.CleanDataCache(b.entry)
	b.cpu.DataSyncBarrier()
	b.cpu.InvalidateTranslation(b.previous)
	b.cpu.DataSyncBarrier()
	b.cpu.InstructionSyncBarrier()
}

// sync makes instructions written to [addr, addr+size) visible to
// instruction fetch.
func (b *Bootstrapper) sync(addr hostarch.Addr, size uint64) {
	dline := processor.CacheLineSize(b.cpu)
	iline := processor.InstructionCacheLineSize(b.cpu)
	end := addr + hostarch.Addr(size)
	for a := hostarch.Addr(hostarch.AlignDown(uint64(addr), dline)); a < end; a += hostarch.Addr(dline) {
		b.cpu.CleanDataCache(a)
	}
	b.cpu.DataSyncBarrier()
	for a := hostarch.Addr(hostarch.AlignDown(uint64(addr), iline)); a < end; a += hostarch.Addr(iline) {
		b.cpu.InvalidateInstructionCache(a)
	}
	b.cpu.DataSyncBarrier()
	b.cpu.InstructionSyncBarrier()
}

// fatal runs on the fatal hook, after the handler saved ESR and ELR.
func (b *Bootstrapper) fatal() {
	esr := b.mem.Load64(b.own + ESRCell)
	elr := b.mem.Load64(b.own + ELRCell)
	ec := processor.ExceptionClass(esr)
	b.cpu.Halt("Unhandled exception: %s (class %#x) at %#x, ESR %#x", ClassName(ec), ec, elr, esr)
}
