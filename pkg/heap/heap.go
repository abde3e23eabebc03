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

// Package heap provides the boot heap: a bump allocator over a fixed range
// that never frees.
package heap

import (
	"errors"
	"fmt"

	"barekit.dev/barekit/pkg/bits"
	"barekit.dev/barekit/pkg/hostarch"
)

// BootHeapSize is the size of the boot heap.
const BootHeapSize = 512 << 10

// ErrOutOfMemory is returned when an allocation does not fit.
var ErrOutOfMemory = errors.New("boot heap exhausted")

// Stats counts allocation requests, including those that failed.
type Stats struct {
	Count uint64
	Bytes uint64
}

// Bump is a bump allocator. It is not safe for concurrent use: the boot path
// runs on a single CPU.
type Bump struct {
	start hostarch.Addr
	end   hostarch.Addr
	next  hostarch.Addr
	stats Stats
}

// New returns a heap over [base, base+size).
func New(base hostarch.Addr, size uint64) *Bump {
	return &Bump{
		start: base,
		end:   base + hostarch.Addr(size),
		next:  base,
	}
}

// Alloc returns size bytes aligned to align, which must be zero or a power of
// two.
func (b *Bump) Alloc(size, align uint64) (hostarch.Addr, error) {
	if align == 0 {
		align = 1
	}
	if !bits.IsPowerOfTwo64(align) {
		return 0, fmt.Errorf("alignment %d is not a power of two", align)
	}
	b.stats.Count++
	b.stats.Bytes += size
	start := hostarch.AlignUp(uint64(b.next), align)
	end := start + size
	if start < uint64(b.next) || end < start || end > uint64(b.end) {
		return 0, fmt.Errorf("%w: %d bytes aligned to %d, %d left", ErrOutOfMemory, size, align, b.Remaining())
	}
	b.next = hostarch.Addr(end)
	return hostarch.Addr(start), nil
}

// Stats returns the allocation counters.
func (b *Bump) Stats() Stats {
	return b.stats
}

// Range returns the range managed by b.
func (b *Bump) Range() hostarch.AddrRange {
	return hostarch.AddrRange{Start: b.start, End: b.end}
}

// Remaining returns the number of bytes never handed out.
func (b *Bump) Remaining() uint64 {
	return uint64(b.end - b.next)
}
