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

// Package coff relocates a PE/COFF image in place.
//
// A bare-metal entry has no loader: the image is copied to memory exactly as
// it sits in the file and jumps to itself. Relocate turns that file layout
// into the virtual layout the linker expected, synthesizes .bss, and applies
// base relocations for the actual load address.
package coff

import (
	"encoding/binary"
	"time"

	"barekit.dev/barekit/pkg/log"
)

// unknownTypes reports relocation types we do not apply. Images produced by
// a foreign toolchain may carry thousands of them.
var unknownTypes = log.BasicRateLimitedLogger(time.Second, 8)

// Stats describes what a relocation pass did.
type Stats struct {
	// Moved is the number of sections copied to their virtual address.
	Moved int

	// Zeroed is the number of bytes cleared in the data section tail.
	Zeroed uint64

	// Blocks is the number of relocation blocks walked.
	Blocks int

	// Applied is the number of fixups written.
	Applied int

	// Ignored is the number of entries with an unsupported type.
	Ignored int
}

// Relocate lays out the image found at loadAddress and applies its base
// relocations. image is the memory starting at loadAddress; it must cover
// the virtual layout of the image.
//
// upperLimit is the end of the image as loaded. It is not enforced.
func Relocate(image []byte, loadAddress, upperLimit uint64) {
	relocate(image, loadAddress, &Stats{})
}

// Apply is Relocate for tools: it reports what was done.
func Apply(image []byte, loadAddress uint64) Stats {
	var s Stats
	relocate(image, loadAddress, &s)
	return s
}

func relocate(image []byte, loadAddress uint64, stats *Stats) {
	table, count := sectionTable(image)

	var relocs Section

	// Last to first: moving a later section up never clobbers the raw data
	// of an earlier one that has yet to move.
	for i := count - 1; i >= 0; i-- {
		s := sectionAt(image, table+uint64(i)*sectionHeaderSize)
		if s.Discardable() && s.Name == RelocSectionName {
			relocs = s
		}
		if s.Moved() {
			move(image, &s)
			stats.Moved++
		}
		if s.IsData() && s.VirtualSize > s.SizeOfRawData {
			start := uint64(s.VirtualAddress) + uint64(s.SizeOfRawData)
			end := uint64(s.VirtualAddress) + uint64(s.VirtualSize)
			clear(image[start:end])
			stats.Zeroed += end - start
		}
	}

	// A relocation section at rva 0 is no relocation section.
	if relocs.VirtualAddress == 0 {
		return
	}
	start := uint64(relocs.VirtualAddress)
	applyBlocks(image, start, start+uint64(relocs.VirtualSize), loadAddress-ImageBase(image), stats)
}

// move copies the section's raw data to its virtual address.
func move(image []byte, s *Section) {
	src := uint64(s.PointerToRawData)
	dst := uint64(s.VirtualAddress)
	n := uint64(s.SizeOfRawData)
	copy(image[dst:dst+n], image[src:src+n])
}

// applyBlocks walks the relocation blocks in [off, end) adding delta to every
// 64-bit fixup target.
func applyBlocks(image []byte, off, end, delta uint64, stats *Stats) {
	for off+blockHeaderSize <= end {
		page := uint64(u32(image, off))
		size := uint64(u32(image, off+4))
		if size < blockHeaderSize {
			// A block always counts its own header.
			return
		}
		for e := off + blockHeaderSize; e+entrySize <= off+size; e += entrySize {
			entry := u16(image, e)
			target := page + uint64(entry&entryOffsetMask)
			switch typ := entry >> entryTypeShift; typ {
			case RelBasedAbsolute:
				// Padding.
			case RelBasedDir64, RelBasedHigh3Adj:
				v := u64(image, target)
				put64(image, target, v+delta)
				stats.Applied++
			default:
				stats.Ignored++
				if unknownTypes.IsLogging(log.Debug) {
					unknownTypes.Debugf("coff: relocation type %d at rva %#x ignored", typ, target)
				}
			}
		}
		stats.Blocks++
		off += size
	}
}

func put64(b []byte, off, v uint64) {
	binary.LittleEndian.PutUint64(b[off:], v)
}
