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

// Package cofftest builds synthetic PE32+ images for tests.
package cofftest

import (
	"debug/pe"
	"encoding/binary"

	"barekit.dev/barekit/pkg/coff"
)

// Characteristics of common sections.
const (
	Text  = pe.IMAGE_SCN_CNT_CODE | pe.IMAGE_SCN_MEM_EXECUTE | pe.IMAGE_SCN_MEM_READ
	RData = pe.IMAGE_SCN_CNT_INITIALIZED_DATA | pe.IMAGE_SCN_MEM_READ
	Data  = coff.DataSectionFlags
	Reloc = pe.IMAGE_SCN_CNT_INITIALIZED_DATA | pe.IMAGE_SCN_MEM_READ | pe.IMAGE_SCN_MEM_DISCARDABLE
)

// Section is a section to place in the image.
type Section struct {
	Name            string
	VirtualAddress  uint32
	VirtualSize     uint32
	RawOffset       uint32
	Data            []byte
	Characteristics uint32
}

// Builder lays out an image in file layout: headers first, then every
// section's data at its raw offset.
type Builder struct {
	ImageBase        uint64
	SectionAlignment uint32
	FileAlignment    uint32
	EntryPoint       uint32
	Sections         []Section
}

// New returns a builder with the alignments of a typical EFI application.
func New(imageBase uint64) *Builder {
	return &Builder{
		ImageBase:        imageBase,
		SectionAlignment: 0x1000,
		FileAlignment:    0x200,
	}
}

// Add appends a section.
func (b *Builder) Add(s Section) *Builder {
	b.Sections = append(b.Sections, s)
	return b
}

// AddRelocations appends a .reloc section holding blocks.
func (b *Builder) AddRelocations(va, raw uint32, blocks []coff.RelocationBlock) *Builder {
	data := coff.EncodeRelocations(blocks)
	return b.Add(Section{
		Name:            coff.RelocSectionName,
		VirtualAddress:  va,
		VirtualSize:     uint32(len(data)),
		RawOffset:       raw,
		Data:            data,
		Characteristics: Reloc,
	})
}

// HeaderEnd is the offset just past the section table.
func (b *Builder) HeaderEnd() uint32 {
	return 0x40 + 4 + 20 + coff.OptionalHeaderSize + uint32(len(b.Sections))*40
}

// SizeOfImage is the virtual extent of the image, section aligned.
func (b *Builder) SizeOfImage() uint32 {
	end := align(b.HeaderEnd(), b.SectionAlignment)
	for _, s := range b.Sections {
		if e := s.VirtualAddress + max(s.VirtualSize, uint32(len(s.Data))); e > end {
			end = e
		}
	}
	return align(end, b.SectionAlignment)
}

// FileSize is the extent of the image in file layout.
func (b *Builder) FileSize() uint32 {
	end := b.HeaderEnd()
	for _, s := range b.Sections {
		if e := s.RawOffset + uint32(len(s.Data)); e > end {
			end = e
		}
	}
	return align(end, b.FileAlignment)
}

// Build returns the image in file layout, padded to span SizeOfImage so that
// it can be relocated in place.
func (b *Builder) Build() []byte {
	size := max(b.SizeOfImage(), b.FileSize())
	img := make([]byte, size)
	le := binary.LittleEndian

	le.PutUint16(img[0:], 0x5a4d)
	le.PutUint32(img[0x3c:], 0x40)
	le.PutUint32(img[0x40:], 0x00004550)

	fh := img[0x44:]
	le.PutUint16(fh[0:], pe.IMAGE_FILE_MACHINE_ARM64)
	le.PutUint16(fh[2:], uint16(len(b.Sections)))
	le.PutUint16(fh[16:], coff.OptionalHeaderSize)
	le.PutUint16(fh[18:], pe.IMAGE_FILE_EXECUTABLE_IMAGE|pe.IMAGE_FILE_LARGE_ADDRESS_AWARE)

	oh := img[0x44+20:]
	le.PutUint16(oh[0:], 0x20b)
	le.PutUint32(oh[16:], b.EntryPoint)
	le.PutUint64(oh[24:], b.ImageBase)
	le.PutUint32(oh[32:], b.SectionAlignment)
	le.PutUint32(oh[36:], b.FileAlignment)
	le.PutUint32(oh[56:], b.SizeOfImage())
	le.PutUint32(oh[60:], align(b.HeaderEnd(), b.FileAlignment))
	le.PutUint16(oh[68:], pe.IMAGE_SUBSYSTEM_EFI_APPLICATION)
	le.PutUint32(oh[108:], 16)
	for _, s := range b.Sections {
		if s.Name == coff.RelocSectionName {
			dd := oh[112+pe.IMAGE_DIRECTORY_ENTRY_BASERELOC*8:]
			le.PutUint32(dd[0:], s.VirtualAddress)
			le.PutUint32(dd[4:], uint32(len(s.Data)))
		}
	}

	table := img[0x44+20+coff.OptionalHeaderSize:]
	for i, s := range b.Sections {
		sh := table[i*40:]
		copy(sh[0:8], s.Name)
		le.PutUint32(sh[8:], s.VirtualSize)
		le.PutUint32(sh[12:], s.VirtualAddress)
		le.PutUint32(sh[16:], uint32(len(s.Data)))
		le.PutUint32(sh[20:], s.RawOffset)
		le.PutUint32(sh[36:], s.Characteristics)
		copy(img[s.RawOffset:], s.Data)
	}
	return img
}

func align(v, a uint32) uint32 {
	if a == 0 {
		return v
	}
	return (v + a - 1) &^ (a - 1)
}

// Pointer returns the 8 bytes encoding v.
func Pointer(v uint64) []byte {
	return binary.LittleEndian.AppendUint64(nil, v)
}
