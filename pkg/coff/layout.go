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

package coff

import (
	"debug/pe"
	"encoding/binary"
	"strings"
)

// Header layout. Offsets of the file header fields are relative to the file
// header, optional header fields to the optional header.
const (
	dosMagic        = 0x5a4d // "MZ"
	lfanewOffset    = 0x3c
	signatureSize   = 4 // "PE\0\0"
	fileHeaderSize  = 20
	peSignature     = 0x00004550
	pe32PlusMagic   = 0x20b
	dataDirectories = 16

	fhMachine              = 0
	fhNumberOfSections     = 2
	fhSizeOfOptionalHeader = 16
	fhCharacteristics      = 18

	ohMagic               = 0
	ohAddressOfEntryPoint = 16
	ohImageBase           = 24
	ohSectionAlignment    = 32
	ohFileAlignment       = 36
	ohSizeOfImage         = 56
	ohSizeOfHeaders       = 60
	ohSubsystem           = 68
	ohNumberOfRvaAndSizes = 108
	ohDataDirectory       = 112

	// OptionalHeaderSize is the size of a PE32+ optional header with all
	// data directories.
	OptionalHeaderSize = ohDataDirectory + dataDirectories*8
)

// Section header layout.
const (
	sectionHeaderSize  = 40
	shName             = 0
	shVirtualSize      = 8
	shVirtualAddress   = 12
	shSizeOfRawData    = 16
	shPointerToRawData = 20
	shCharacteristics  = 36
)

// Relocation table layout.
const (
	blockHeaderSize = 8
	entrySize       = 2
	entryOffsetMask = 0xfff
	entryTypeShift  = 12
)

// Base relocation types.
const (
	RelBasedAbsolute = 0
	RelBasedDir64    = 10
	RelBasedHigh3Adj = 11
)

// RelocSectionName names the section holding base relocations.
const RelocSectionName = ".reloc"

// DataSectionFlags are the exact characteristics of the section whose tail
// is zero filled to stand in for .bss.
const DataSectionFlags = pe.IMAGE_SCN_MEM_WRITE | pe.IMAGE_SCN_MEM_READ | pe.IMAGE_SCN_CNT_INITIALIZED_DATA

// Section is a section header.
type Section struct {
	Name             string
	VirtualSize      uint32
	VirtualAddress   uint32
	SizeOfRawData    uint32
	PointerToRawData uint32
	Characteristics  uint32
}

// Discardable returns true if the section is not needed once loaded.
func (s *Section) Discardable() bool {
	return s.Characteristics&pe.IMAGE_SCN_MEM_DISCARDABLE != 0
}

// Misplaced returns true if the section's raw data does not sit at its
// virtual address. A section without raw data is never misplaced.
func (s *Section) Misplaced() bool {
	return s.PointerToRawData != 0 && s.PointerToRawData != s.VirtualAddress
}

// Moved returns true if relocation copies s to its virtual address. Loaded
// sections move when misplaced. The relocation section moves whenever its
// offsets differ, even with no raw data. Other discardable sections stay.
func (s *Section) Moved() bool {
	switch {
	case !s.Discardable():
		return s.Misplaced()
	case s.Name == RelocSectionName:
		return s.PointerToRawData != s.VirtualAddress
	default:
		return false
	}
}

// IsData returns true if s is the data section.
func (s *Section) IsData() bool {
	return s.Characteristics == DataSectionFlags
}

// The accessors below trust the image. Slice bounds checks turn a malformed
// header into a panic.

func u16(b []byte, off uint64) uint16 {
	return binary.LittleEndian.Uint16(b[off:])
}

func u32(b []byte, off uint64) uint32 {
	return binary.LittleEndian.Uint32(b[off:])
}

func u64(b []byte, off uint64) uint64 {
	return binary.LittleEndian.Uint64(b[off:])
}

// fileHeader returns the offset of the file header.
func fileHeader(image []byte) uint64 {
	return uint64(u32(image, lfanewOffset)) + signatureSize
}

// optionalHeader returns the offset of the optional header.
func optionalHeader(image []byte) uint64 {
	return fileHeader(image) + fileHeaderSize
}

// sectionTable returns the offset and entry count of the section table.
func sectionTable(image []byte) (uint64, int) {
	fh := fileHeader(image)
	off := fh + fileHeaderSize + uint64(u16(image, fh+fhSizeOfOptionalHeader))
	return off, int(u16(image, fh+fhNumberOfSections))
}

func sectionAt(image []byte, off uint64) Section {
	return Section{
		Name:             strings.TrimRight(string(image[off+shName:off+shName+8]), "\x00"),
		VirtualSize:      u32(image, off+shVirtualSize),
		VirtualAddress:   u32(image, off+shVirtualAddress),
		SizeOfRawData:    u32(image, off+shSizeOfRawData),
		PointerToRawData: u32(image, off+shPointerToRawData),
		Characteristics:  u32(image, off+shCharacteristics),
	}
}

// ImageBase returns the preferred load address declared by the image.
func ImageBase(image []byte) uint64 {
	return u64(image, optionalHeader(image)+ohImageBase)
}

// SectionAlignment returns the declared alignment of sections in memory.
func SectionAlignment(image []byte) uint32 {
	return u32(image, optionalHeader(image)+ohSectionAlignment)
}

// DOSHeaderSize is the size of the DOS header, which locates the PE headers.
const DOSHeaderSize = 0x40

// HeaderSpan returns the number of bytes from the start of the image that
// SizeOfImage reads. dos must hold at least the DOS header.
func HeaderSpan(dos []byte) uint64 {
	return optionalHeader(dos) + ohSizeOfImage + 4
}

// SizeOfImage returns the declared size of the image once loaded.
func SizeOfImage(image []byte) uint32 {
	return u32(image, optionalHeader(image)+ohSizeOfImage)
}
