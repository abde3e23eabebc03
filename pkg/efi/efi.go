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

// Package efi describes the UEFI services used when booting as a UEFI
// application: the loaded image, page allocation, configuration tables,
// console text output and system reset.
package efi

import (
	"fmt"

	"github.com/google/uuid"

	"barekit.dev/barekit/pkg/hostarch"
)

// PageSize is the UEFI page size. It is fixed by UEFI and is
// independent of the translation granule.
const PageSize = 4096

// Pages returns the number of UEFI pages spanning size bytes.
func Pages(size uint64) uint64 {
	return (size + PageSize - 1) / PageSize
}

// GUID is an EFI_GUID. The first three fields are stored little endian, so
// the in-memory form differs from the RFC 4122 byte order of uuid.UUID.
type GUID [16]byte

// GUIDOf converts from the textual byte order.
func GUIDOf(u uuid.UUID) GUID {
	var g GUID
	copy(g[:], u[:])
	g[0], g[1], g[2], g[3] = u[3], u[2], u[1], u[0]
	g[4], g[5] = u[5], u[4]
	g[6], g[7] = u[7], u[6]
	return g
}

// UUID converts to the textual byte order.
func (g GUID) UUID() uuid.UUID {
	var u uuid.UUID
	copy(u[:], g[:])
	u[0], u[1], u[2], u[3] = g[3], g[2], g[1], g[0]
	u[4], u[5] = g[5], g[4]
	u[6], u[7] = g[7], g[6]
	return u
}

// String implements fmt.Stringer.String.
func (g GUID) String() string {
	return g.UUID().String()
}

// Well known GUIDs.
var (
	// DeviceTreeGUID identifies the flattened device tree configuration
	// table.
	DeviceTreeGUID = GUIDOf(uuid.MustParse("b1b621d5-f19c-41a5-830b-d9152c69aae0"))

	// LoadedImageProtocolGUID identifies EFI_LOADED_IMAGE_PROTOCOL.
	LoadedImageProtocolGUID = GUIDOf(uuid.MustParse("5b1b31a1-9562-11d2-8e3f-00a0c969723b"))
)

// Status is an EFI_STATUS.
type Status uint64

// Status values.
const (
	Success          Status = 0
	errorBit         Status = 1 << 63
	LoadError               = errorBit | 1
	InvalidParameter        = errorBit | 2
	Unsupported             = errorBit | 3
	OutOfResources          = errorBit | 9
	NotFound                = errorBit | 14
)

var statusNames = map[Status]string{
	LoadError:        "load error",
	InvalidParameter: "invalid parameter",
	Unsupported:      "unsupported",
	OutOfResources:   "out of resources",
	NotFound:         "not found",
}

// Error implements error.Error.
func (s Status) Error() string {
	if n, ok := statusNames[s]; ok {
		return "efi: " + n
	}
	return fmt.Sprintf("efi: status %#x", uint64(s))
}

// Err returns nil for success and warnings, and s otherwise.
func (s Status) Err() error {
	if s&errorBit == 0 {
		return nil
	}
	return s
}

// Memory types for AllocatePages.
const (
	LoaderCode = 1
	LoaderData = 2
)

// AllocateAnyPages is the EFI_ALLOCATE_TYPE for any address.
const AllocateAnyPages = 0

// ResetType selects the kind of ResetSystem.
type ResetType uint32

// Reset types.
const (
	ResetCold ResetType = iota
	ResetWarm
	ResetShutdown
)

// LoadedImage is the part of EFI_LOADED_IMAGE_PROTOCOL the boot path uses.
type LoadedImage struct {
	Base hostarch.Addr
	Size uint64
}

// End returns the end of the image.
func (l LoadedImage) End() hostarch.Addr {
	return l.Base + hostarch.Addr(l.Size)
}

// SystemTable is the firmware, as reached through the EFI system table
// passed to the application entry point.
type SystemTable interface {
	// LoadedImage returns where the running image was loaded.
	LoadedImage() (LoadedImage, error)

	// AllocatePages allocates pages of LoaderData memory.
	AllocatePages(pages uint64) (hostarch.Addr, error)

	// ConfigurationTable returns the table registered under g.
	ConfigurationTable(g GUID) (hostarch.Addr, bool)

	// OutputString writes s to the console.
	OutputString(s string) error

	// ResetSystem resets the platform. It does not return on success.
	ResetSystem(t ResetType, status Status)
}
