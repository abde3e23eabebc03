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

	"barekit.dev/barekit/pkg/bits"
	"barekit.dev/barekit/pkg/hostarch"
	"barekit.dev/barekit/pkg/processor"
)

const (
	tableEntries = 512

	blockAttrs = processor.DescriptorValid | processor.DescriptorAccessFlag | processor.DescriptorInnerShareable
	pageAttrs  = blockAttrs | processor.DescriptorTable
	tableAttrs = processor.DescriptorValid | processor.DescriptorTable
)

// TableBuilder builds identity mapped stage 1 tables for the low range of
// the current exception level.
type TableBuilder struct {
	m     *Machine
	root  hostarch.Addr
	t0sz  uint64
	shape processor.Shape
}

// NewTableBuilder returns a builder of tables for a range sized by t0sz.
// Ranges needing a level -1 table are not supported.
func (m *Machine) NewTableBuilder(t0sz uint64) (*TableBuilder, error) {
	shape, ok := processor.ShapeOf(t0sz)
	if !ok || shape.StartLevel() < 0 {
		return nil, fmt.Errorf("unsupported T0SZ %d", t0sz)
	}
	b := &TableBuilder{m: m, t0sz: t0sz, shape: shape}
	root, err := b.newTable()
	if err != nil {
		return nil, err
	}
	b.root = root
	return b, nil
}

func (b *TableBuilder) newTable() (hostarch.Addr, error) {
	t, err := b.m.reserved.Alloc(hostarch.PageSize, hostarch.PageSize)
	if err != nil {
		return 0, fmt.Errorf("translation table: %w", err)
	}
	clear(b.m.Slice(t, hostarch.PageSize))
	return t, nil
}

// Root returns the address of the start level table.
func (b *TableBuilder) Root() hostarch.Addr {
	return b.root
}

func (b *TableBuilder) index(level int, va hostarch.Addr) uint64 {
	shift := processor.LevelShift(level)
	width := uint(9)
	vaBits := uint(64 - b.t0sz)
	if level == b.shape.StartLevel() && vaBits-shift < width {
		width = vaBits - shift
	}
	return bits.Field64(uint64(va), shift, width)
}

// entry returns the address of the descriptor of va at level, creating
// intermediate tables and splitting blocks on the way.
func (b *TableBuilder) entry(va hostarch.Addr, level int) (hostarch.Addr, error) {
	p := b.m.Physical()
	table := b.root
	for l := b.shape.StartLevel(); ; l++ {
		e := table + hostarch.Addr(b.index(l, va)*8)
		if l == level {
			return e, nil
		}
		d := processor.Descriptor(p.Load64(e))
		switch {
		case d.Valid() && d.IsTable(l):
			table = d.Address()
		case d.Valid():
			// Split the block into the next level.
			t, err := b.newTable()
			if err != nil {
				return 0, err
			}
			attrs := uint64(d) &^ processor.OutputAddressMask
			if l+1 == processor.MaxLevel {
				attrs |= processor.DescriptorTable
			}
			size := uint64(1) << processor.LevelShift(l+1)
			for i := uint64(0); i < tableEntries; i++ {
				p.Store64(t+hostarch.Addr(i*8), uint64(d.Address())+i*size|attrs)
			}
			p.Store64(e, uint64(t)|tableAttrs)
			table = t
		default:
			t, err := b.newTable()
			if err != nil {
				return 0, err
			}
			p.Store64(e, uint64(t)|tableAttrs)
			table = t
		}
	}
}

// Map identity maps [start, start+size) as normal memory, using 2 MiB blocks
// where alignment allows. Both ends must be page aligned.
func (b *TableBuilder) Map(start hostarch.Addr, size uint64, readOnly bool) error {
	return b.mapRange(start, size, readOnly, hostarch.MemoryTypeNormal)
}

// MapDevice identity maps [start, start+size) as device memory.
func (b *TableBuilder) MapDevice(start hostarch.Addr, size uint64) error {
	return b.mapRange(start, size, false, hostarch.MemoryTypeDevice)
}

func (b *TableBuilder) mapRange(start hostarch.Addr, size uint64, readOnly bool, mt hostarch.MemoryType) error {
	if !start.IsPageAligned() || !hostarch.IsAligned(size, hostarch.PageSize) {
		return fmt.Errorf("mapping [%#x, +%#x) is not page aligned", start, size)
	}
	var ro uint64
	if readOnly {
		ro = processor.DescriptorReadOnly
	}
	p := b.m.Physical()
	for va, end := start, start+hostarch.Addr(size); va < end; {
		level, attrs, step := processor.MaxLevel, uint64(pageAttrs), uint64(hostarch.PageSize)
		if hostarch.IsAligned(uint64(va), hostarch.HugePageSize) && uint64(end-va) >= hostarch.HugePageSize {
			level, attrs, step = processor.MaxLevel-1, blockAttrs, hostarch.HugePageSize
		}
		e, err := b.entry(va, level)
		if err != nil {
			return err
		}
		p.Store64(e, uint64(va)|attrs|ro|mt.AttrIndex())
		va += hostarch.Addr(step)
	}
	return nil
}

// Enable points the low range of the current exception level at the tables
// and turns translation on.
func (b *TableBuilder) Enable() {
	m := b.m
	tcr := processor.TCR[m.el]
	m.sys[tcr] = bits.SetField64(m.sys[tcr], 0, 6, b.t0sz)
	m.sys[processor.MAIR[m.el]] = hostarch.MAIR
	m.sys[processor.TTBR0[m.el]] = uint64(b.root)
	m.sys[processor.SCTLR[m.el]] |= processor.SCTLR_M
	clear(m.tlb)
}
