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

package efi

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf16"

	"barekit.dev/barekit/pkg/hostarch"
	"barekit.dev/barekit/pkg/memory"
)

// Caller calls firmware code following the AArch64 procedure call standard,
// which UEFI uses unchanged on AArch64.
type Caller interface {
	Call(fn hostarch.Addr, args ...uint64) uint64
}

// Layout of the UEFI tables.
const (
	// SystemTableSignature is "IBI SYST".
	SystemTableSignature = 0x5453595320494249

	SystemTableConOut               = 64
	SystemTableRuntimeServices      = 88
	SystemTableBootServices         = 96
	SystemTableNumberOfTableEntries = 104
	SystemTableConfigurationTable   = 112
	SystemTableSize                 = 120

	BootServicesAllocatePages  = 40
	BootServicesHandleProtocol = 152
	BootServicesSize           = 376

	RuntimeServicesResetSystem = 104
	RuntimeServicesSize        = 136

	TextOutputOutputString = 8
	TextOutputSize         = 80

	LoadedImageImageBase = 64
	LoadedImageImageSize = 72
	LoadedImageSize      = 96

	ConfigurationTableEntrySize = 24
)

// Scratch layout.
const (
	scratchGUID = 0
	scratchOut  = 16
	scratchText = 32

	// MinScratchSize is the smallest usable scratch area.
	MinScratchSize = scratchText + 64
)

// ErrBadSignature is returned by Open for a table without the system table
// signature.
var ErrBadSignature = errors.New("bad EFI system table signature")

// Firmware is a SystemTable reached through memory.
type Firmware struct {
	mem    memory.Memory
	caller Caller
	image  uint64
	table  hostarch.Addr

	// scratch holds arguments passed by reference.
	scratch     hostarch.Addr
	scratchSize uint64
}

var _ SystemTable = (*Firmware)(nil)

// Open returns the firmware whose system table is at table. image is the
// image handle passed to the entry point. scratch must be at least
// MinScratchSize bytes of memory the firmware may read and write.
func Open(mem memory.Memory, caller Caller, image uint64, table, scratch hostarch.Addr, scratchSize uint64) (*Firmware, error) {
	if sig := mem.Load64(table); sig != SystemTableSignature {
		return nil, fmt.Errorf("%w: %#x at %#x", ErrBadSignature, sig, table)
	}
	if scratchSize < MinScratchSize {
		return nil, fmt.Errorf("scratch area of %d bytes is smaller than %d", scratchSize, MinScratchSize)
	}
	return &Firmware{
		mem:         mem,
		caller:      caller,
		image:       image,
		table:       table,
		scratch:     scratch,
		scratchSize: scratchSize,
	}, nil
}

func (f *Firmware) field(base hostarch.Addr, off uint64) hostarch.Addr {
	return hostarch.Addr(f.mem.Load64(base + hostarch.Addr(off)))
}

func (f *Firmware) bootService(off uint64) hostarch.Addr {
	return f.field(f.field(f.table, SystemTableBootServices), off)
}

// LoadedImage implements SystemTable.LoadedImage.
func (f *Firmware) LoadedImage() (LoadedImage, error) {
	g := f.scratch + scratchGUID
	out := f.scratch + scratchOut
	copy(f.mem.Slice(g, 16), LoadedImageProtocolGUID[:])
	f.mem.Store64(out, 0)
	st := Status(f.caller.Call(f.bootService(BootServicesHandleProtocol), f.image, uint64(g), uint64(out)))
	if err := st.Err(); err != nil {
		return LoadedImage{}, fmt.Errorf("HandleProtocol(%v): %w", LoadedImageProtocolGUID, err)
	}
	li := hostarch.Addr(f.mem.Load64(out))
	return LoadedImage{
		Base: f.field(li, LoadedImageImageBase),
		Size: uint64(f.field(li, LoadedImageImageSize)),
	}, nil
}

// AllocatePages implements SystemTable.AllocatePages.
func (f *Firmware) AllocatePages(pages uint64) (hostarch.Addr, error) {
	out := f.scratch + scratchOut
	f.mem.Store64(out, 0)
	st := Status(f.caller.Call(f.bootService(BootServicesAllocatePages), AllocateAnyPages, LoaderData, pages, uint64(out)))
	if err := st.Err(); err != nil {
		return 0, fmt.Errorf("AllocatePages(%d): %w", pages, err)
	}
	return hostarch.Addr(f.mem.Load64(out)), nil
}

// ConfigurationTable implements SystemTable.ConfigurationTable.
func (f *Firmware) ConfigurationTable(g GUID) (hostarch.Addr, bool) {
	n := f.mem.Load64(f.table + SystemTableNumberOfTableEntries)
	entries := f.field(f.table, SystemTableConfigurationTable)
	for i := uint64(0); i < n; i++ {
		e := entries + hostarch.Addr(i*ConfigurationTableEntrySize)
		if GUID(f.mem.Slice(e, 16)) == g {
			return f.field(e, 16), true
		}
	}
	return 0, false
}

// OutputString implements SystemTable.OutputString. Line feeds are sent as
// CR LF.
func (f *Firmware) OutputString(s string) error {
	conOut := f.field(f.table, SystemTableConOut)
	fn := f.field(conOut, TextOutputOutputString)
	units := utf16.Encode([]rune(strings.ReplaceAll(s, "\n", "\r\n")))
	text := f.scratch + scratchText
	chunk := int((f.scratchSize-scratchText)/2) - 1
	for len(units) > 0 {
		n := min(len(units), chunk)
		if n < len(units) && utf16.IsSurrogate(rune(units[n-1])) && n > 1 {
			n--
		}
		for i, u := range units[:n] {
			f.mem.Store16(text+hostarch.Addr(2*i), u)
		}
		f.mem.Store16(text+hostarch.Addr(2*n), 0)
		if err := Status(f.caller.Call(fn, uint64(conOut), uint64(text))).Err(); err != nil {
			return fmt.Errorf("OutputString: %w", err)
		}
		units = units[n:]
	}
	return nil
}

// ResetSystem implements SystemTable.ResetSystem.
func (f *Firmware) ResetSystem(t ResetType, status Status) {
	rs := f.field(f.table, SystemTableRuntimeServices)
	f.caller.Call(f.field(rs, RuntimeServicesResetSystem), uint64(t), uint64(status), 0, 0)
}
