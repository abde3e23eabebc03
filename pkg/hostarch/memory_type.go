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

package hostarch

import "fmt"

// MemoryType specifies CPU memory access behavior for a mapped region.
//
// The value doubles as the MAIR_ELx attribute index placed in a stage 1
// descriptor, see MAIR.
type MemoryType uint8

const (
	// MemoryTypeNormal is normal write-back cacheable memory. It must be the
	// zero value for MemoryType.
	MemoryTypeNormal MemoryType = iota

	// MemoryTypeNonCacheable is normal non-cacheable memory.
	MemoryTypeNonCacheable

	// MemoryTypeDevice is Device-nGnRnE, used for MMIO such as UARTs.
	MemoryTypeDevice

	// NumMemoryTypes is the number of memory types.
	NumMemoryTypes
)

// MAIR is the MAIR_ELx value matching the MemoryType attribute indices.
const MAIR = 0xff | // MemoryTypeNormal: inner/outer write-back.
	0x44<<8 | // MemoryTypeNonCacheable.
	0x00<<16 // MemoryTypeDevice: nGnRnE.

// AttrIndex returns the AttrIndx field value for a block or page descriptor.
func (mt MemoryType) AttrIndex() uint64 {
	return uint64(mt) << 2
}

// String implements fmt.Stringer.String.
func (mt MemoryType) String() string {
	switch mt {
	case MemoryTypeNormal:
		return "Normal"
	case MemoryTypeNonCacheable:
		return "NonCacheable"
	case MemoryTypeDevice:
		return "Device"
	default:
		return fmt.Sprintf("%d", mt)
	}
}

// ShortString returns a two-character string compactly representing the
// MemoryType.
func (mt MemoryType) ShortString() string {
	switch mt {
	case MemoryTypeNormal:
		return "WB"
	case MemoryTypeNonCacheable:
		return "NC"
	case MemoryTypeDevice:
		return "DV"
	default:
		return fmt.Sprintf("%02d", mt)
	}
}
