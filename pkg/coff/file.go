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
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrNotPE is returned for data without DOS and PE signatures.
	ErrNotPE = errors.New("not a PE image")

	// ErrTruncated is returned when a header or table runs past the data.
	ErrTruncated = errors.New("truncated image")

	// ErrNotPE32Plus is returned for images without a PE32+ optional header.
	ErrNotPE32Plus = errors.New("not a PE32+ image")
)

// File describes an image's headers. Unlike Relocate, Parse validates every
// offset it follows.
type File struct {
	Machine          uint16
	Characteristics  uint16
	EntryPoint       uint32
	ImageBase        uint64
	SectionAlignment uint32
	FileAlignment    uint32
	SizeOfImage      uint32
	SizeOfHeaders    uint32
	Subsystem        uint16
	Sections         []Section
}

// RelocationEntry is one fixup of a relocation block.
type RelocationEntry struct {
	Offset uint16
	Type   uint8
}

// RelocationBlock is the set of fixups for one 4K page.
type RelocationBlock struct {
	PageRVA uint32
	Entries []RelocationEntry
}

// Size returns the encoded size of the block, header included.
func (b *RelocationBlock) Size() uint32 {
	return blockHeaderSize + uint32(len(b.Entries))*entrySize
}

func need(data []byte, off, n uint64) error {
	if off+n > uint64(len(data)) || off+n < off {
		return fmt.Errorf("%w: need [%#x, %#x) of %#x bytes", ErrTruncated, off, off+n, len(data))
	}
	return nil
}

// Parse decodes the headers of data, which may be a file or a loaded image.
func Parse(data []byte) (*File, error) {
	if err := need(data, 0, lfanewOffset+4); err != nil {
		return nil, err
	}
	if u16(data, 0) != dosMagic {
		return nil, fmt.Errorf("%w: bad DOS signature %#x", ErrNotPE, u16(data, 0))
	}
	sig := uint64(u32(data, lfanewOffset))
	if err := need(data, sig, signatureSize+fileHeaderSize); err != nil {
		return nil, err
	}
	if u32(data, sig) != peSignature {
		return nil, fmt.Errorf("%w: bad PE signature %#x", ErrNotPE, u32(data, sig))
	}
	fh := sig + signatureSize
	optSize := uint64(u16(data, fh+fhSizeOfOptionalHeader))
	oh := fh + fileHeaderSize
	if optSize < ohNumberOfRvaAndSizes+4 {
		return nil, fmt.Errorf("%w: optional header is %d bytes", ErrNotPE32Plus, optSize)
	}
	if err := need(data, oh, optSize); err != nil {
		return nil, err
	}
	if m := u16(data, oh+ohMagic); m != pe32PlusMagic {
		return nil, fmt.Errorf("%w: magic %#x", ErrNotPE32Plus, m)
	}

	f := &File{
		Machine:          u16(data, fh+fhMachine),
		Characteristics:  u16(data, fh+fhCharacteristics),
		EntryPoint:       u32(data, oh+ohAddressOfEntryPoint),
		ImageBase:        u64(data, oh+ohImageBase),
		SectionAlignment: u32(data, oh+ohSectionAlignment),
		FileAlignment:    u32(data, oh+ohFileAlignment),
		SizeOfImage:      u32(data, oh+ohSizeOfImage),
		SizeOfHeaders:    u32(data, oh+ohSizeOfHeaders),
		Subsystem:        u16(data, oh+ohSubsystem),
	}

	table := oh + optSize
	count := uint64(u16(data, fh+fhNumberOfSections))
	if err := need(data, table, count*sectionHeaderSize); err != nil {
		return nil, fmt.Errorf("section table: %w", err)
	}
	for i := uint64(0); i < count; i++ {
		f.Sections = append(f.Sections, sectionAt(data, table+i*sectionHeaderSize))
	}
	return f, nil
}

// Section returns the named section, or nil.
func (f *File) Section(name string) *Section {
	for i := range f.Sections {
		if f.Sections[i].Name == name {
			return &f.Sections[i]
		}
	}
	return nil
}

// Relocations decodes the relocation table of data. loaded selects whether
// data is in virtual layout (after Relocate) or in file layout.
func (f *File) Relocations(data []byte, loaded bool) ([]RelocationBlock, error) {
	s := f.Section(RelocSectionName)
	if s == nil {
		return nil, nil
	}
	off, size := uint64(s.PointerToRawData), uint64(s.VirtualSize)
	if loaded {
		off = uint64(s.VirtualAddress)
	}
	if err := need(data, off, size); err != nil {
		return nil, fmt.Errorf("relocation table: %w", err)
	}
	return DecodeRelocations(data[off : off+size])
}

// DecodeRelocations decodes a relocation table.
func DecodeRelocations(table []byte) ([]RelocationBlock, error) {
	var blocks []RelocationBlock
	for off := uint64(0); off+blockHeaderSize <= uint64(len(table)); {
		b := RelocationBlock{PageRVA: u32(table, off)}
		size := uint64(u32(table, off+4))
		if size < blockHeaderSize {
			break
		}
		if err := need(table, off, size); err != nil {
			return blocks, fmt.Errorf("block at %#x: %w", off, err)
		}
		for e := off + blockHeaderSize; e+entrySize <= off+size; e += entrySize {
			v := u16(table, e)
			b.Entries = append(b.Entries, RelocationEntry{
				Offset: v & entryOffsetMask,
				Type:   uint8(v >> entryTypeShift),
			})
		}
		blocks = append(blocks, b)
		off += size
	}
	return blocks, nil
}

// EncodeRelocations encodes blocks as a relocation table.
func EncodeRelocations(blocks []RelocationBlock) []byte {
	var out []byte
	for _, b := range blocks {
		out = binary.LittleEndian.AppendUint32(out, b.PageRVA)
		out = binary.LittleEndian.AppendUint32(out, b.Size())
		for _, e := range b.Entries {
			out = binary.LittleEndian.AppendUint16(out, uint16(e.Type)<<entryTypeShift|e.Offset&entryOffsetMask)
		}
	}
	return out
}
