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
	"strings"
	"unicode/utf16"

	"barekit.dev/barekit/pkg/efi"
	"barekit.dev/barekit/pkg/heap"
	"barekit.dev/barekit/pkg/hostarch"
	"barekit.dev/barekit/pkg/log"
)

// scratchSize is the size of the area passed to firmware by reference.
const scratchSize = 4 * efi.MinScratchSize

// Firmware returns the firmware whose system table is at table, as seen by
// an application entered with image and table.
func (m *Machine) Firmware(image, table uint64) (efi.SystemTable, error) {
	fw, err := efi.Open(m, m, image, hostarch.Addr(table), m.scratch, scratchSize)
	if err != nil {
		return nil, err
	}
	return fw, nil
}

// ConfigurationEntry is a configuration table installed by the firmware.
type ConfigurationEntry struct {
	GUID  efi.GUID
	Table hostarch.Addr
}

// FirmwareConfig describes a UEFI firmware.
type FirmwareConfig struct {
	// Image is the handle of the loaded application.
	Image uint64

	// ImageBase and ImageSize are reported through the loaded image
	// protocol.
	ImageBase hostarch.Addr
	ImageSize uint64

	// PoolSize is the memory AllocatePages hands out from.
	PoolSize uint64

	// Tables are the configuration tables.
	Tables []ConfigurationEntry
}

// ResetCall is a recorded ResetSystem call.
type ResetCall struct {
	Type   efi.ResetType
	Status efi.Status
}

// UEFI is a firmware whose services are host functions.
type UEFI struct {
	m     *Machine
	cfg   FirmwareConfig
	table hostarch.Addr
	image hostarch.Addr
	pool  *heap.Bump

	// FailAllocations makes AllocatePages fail.
	FailAllocations bool

	out    strings.Builder
	resets []ResetCall
}

// InstallFirmware builds the UEFI tables in reserved memory.
func (m *Machine) InstallFirmware(cfg FirmwareConfig) (*UEFI, error) {
	u := &UEFI{m: m, cfg: cfg}
	alloc := func(size uint64) (hostarch.Addr, error) {
		return m.reserved.Alloc(size, 8)
	}
	st, err := alloc(efi.SystemTableSize)
	if err != nil {
		return nil, err
	}
	bs, err := alloc(efi.BootServicesSize)
	if err != nil {
		return nil, err
	}
	rs, err := alloc(efi.RuntimeServicesSize)
	if err != nil {
		return nil, err
	}
	conOut, err := alloc(efi.TextOutputSize)
	if err != nil {
		return nil, err
	}
	if u.image, err = alloc(efi.LoadedImageSize); err != nil {
		return nil, err
	}
	entries, err := alloc(uint64(len(cfg.Tables)) * efi.ConfigurationTableEntrySize)
	if err != nil {
		return nil, err
	}
	if cfg.PoolSize != 0 {
		base, err := m.reserved.Alloc(cfg.PoolSize, efi.PageSize)
		if err != nil {
			return nil, fmt.Errorf("firmware page pool: %w", err)
		}
		u.pool = heap.New(base, cfg.PoolSize)
	}

	p := m.Physical()
	field := func(base hostarch.Addr, off uint64, v uint64) {
		p.Store64(base+hostarch.Addr(off), v)
	}
	field(st, 0, efi.SystemTableSignature)
	field(st, efi.SystemTableConOut, uint64(conOut))
	field(st, efi.SystemTableRuntimeServices, uint64(rs))
	field(st, efi.SystemTableBootServices, uint64(bs))
	field(st, efi.SystemTableNumberOfTableEntries, uint64(len(cfg.Tables)))
	field(st, efi.SystemTableConfigurationTable, uint64(entries))
	field(bs, efi.BootServicesHandleProtocol, uint64(m.Service(u.handleProtocol)))
	field(bs, efi.BootServicesAllocatePages, uint64(m.Service(u.allocatePages)))
	field(rs, efi.RuntimeServicesResetSystem, uint64(m.Service(u.resetSystem)))
	field(conOut, efi.TextOutputOutputString, uint64(m.Service(u.outputString)))
	field(u.image, efi.LoadedImageImageBase, uint64(cfg.ImageBase))
	field(u.image, efi.LoadedImageImageSize, cfg.ImageSize)
	for i, e := range cfg.Tables {
		at := entries + hostarch.Addr(i*efi.ConfigurationTableEntrySize)
		copy(p.Slice(at, 16), e.GUID[:])
		field(at, 16, uint64(e.Table))
	}
	u.table = st
	log.Debugf("sim: firmware system table at %#x", st)
	return u, nil
}

// SystemTable returns the address of the system table.
func (u *UEFI) SystemTable() hostarch.Addr {
	return u.table
}

// Output returns the text written through OutputString.
func (u *UEFI) Output() string {
	return u.out.String()
}

// Resets returns the ResetSystem calls made so far.
func (u *UEFI) Resets() []ResetCall {
	return u.resets
}

// handleProtocol(handle, guid, interface) only knows the loaded image.
func (u *UEFI) handleProtocol(args [8]uint64) uint64 {
	p := u.m.Physical()
	if args[0] != u.cfg.Image {
		return uint64(efi.InvalidParameter)
	}
	if efi.GUID(p.Slice(hostarch.Addr(args[1]), 16)) != efi.LoadedImageProtocolGUID {
		return uint64(efi.Unsupported)
	}
	p.Store64(hostarch.Addr(args[2]), uint64(u.image))
	return uint64(efi.Success)
}

// allocatePages(type, memoryType, pages, memory).
func (u *UEFI) allocatePages(args [8]uint64) uint64 {
	if args[0] != efi.AllocateAnyPages {
		return uint64(efi.Unsupported)
	}
	if u.FailAllocations || u.pool == nil {
		return uint64(efi.OutOfResources)
	}
	addr, err := u.pool.Alloc(args[2]*efi.PageSize, efi.PageSize)
	if err != nil {
		return uint64(efi.OutOfResources)
	}
	u.m.Physical().Store64(hostarch.Addr(args[3]), uint64(addr))
	return uint64(efi.Success)
}

// outputString(this, string) decodes a NUL terminated UTF-16 string.
func (u *UEFI) outputString(args [8]uint64) uint64 {
	p := u.m.Physical()
	var units []uint16
	for at := hostarch.Addr(args[1]); ; at += 2 {
		c := p.Load16(at)
		if c == 0 {
			break
		}
		units = append(units, c)
	}
	u.out.WriteString(string(utf16.Decode(units)))
	return uint64(efi.Success)
}

// resetSystem(type, status, size, data) returns, unlike real firmware.
func (u *UEFI) resetSystem(args [8]uint64) uint64 {
	u.resets = append(u.resets, ResetCall{Type: efi.ResetType(args[0]), Status: efi.Status(args[1])})
	return 0
}
