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

package vectors

import (
	"bytes"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"barekit.dev/barekit/pkg/arm64asm"
	"barekit.dev/barekit/pkg/heap"
	"barekit.dev/barekit/pkg/hostarch"
	"barekit.dev/barekit/pkg/log"
	"barekit.dev/barekit/pkg/processor"
	"barekit.dev/barekit/pkg/sim"
)

const (
	ramBase  = 0x4000_0000
	ramSize  = 16 << 20
	heapBase = ramBase + 0x20_0000
)

func newMachine(t *testing.T, el int, cfg sim.Config) *sim.Machine {
	t.Helper()
	cfg.EL = el
	cfg.RAM = []sim.Region{{Base: ramBase, Size: ramSize}}
	cfg.MaxSteps = 10000
	m, err := sim.New(cfg)
	if err != nil {
		t.Fatalf("sim.New: %v", err)
	}
	t.Cleanup(m.Close)
	return m
}

func newHeap() *heap.Bump {
	return heap.New(heapBase, heap.BootHeapSize)
}

// placeCode writes code into fresh reserved memory.
func placeCode(t *testing.T, m *sim.Machine, align uint64, fn func(a *arm64asm.Assembler)) hostarch.Addr {
	t.Helper()
	var a arm64asm.Assembler
	fn(&a)
	code, err := a.Bytes()
	if err != nil {
		t.Fatalf("assembling: %v", err)
	}
	addr, err := m.Reserve(uint64(len(code)), align)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	copy(m.Slice(addr, uint64(len(code))), code)
	return addr
}

func brk(t *testing.T, m *sim.Machine) hostarch.Addr {
	t.Helper()
	return placeCode(t, m, 16, func(a *arm64asm.Assembler) {
		a.BRK(7)
		a.Word(arm64asm.RET)
	})
}

func TestTables(t *testing.T) {
	for el := 1; el <= 3; el++ {
		b, err := Table(el)
		if err != nil {
			t.Fatalf("Table(%d): %v", el, err)
		}
		if got := len(b.Code); got != TableSize {
			t.Errorf("EL%d: table of %#x bytes, wanted %#x", el, got, TableSize)
		}
		l := LayoutFor(el)
		for s := 0; s < 4; s++ {
			// stp x16, x17, [sp, #-16]!
			got := b.Word(l.SlotOffset(s))
			if s < l.Slots && got != 0xa9bf47f0 {
				t.Errorf("EL%d slot %d: first word %#x, wanted the trampoline", el, s, got)
			}
			if s >= l.Slots && got != 0 {
				t.Errorf("EL%d slot %d: first word %#x, wanted an empty slot", el, s, got)
			}
		}
		// mrs x16, esr_elx
		want := uint32(0xd5200000) | uint32(processor.ESR[el])<<5 | 16
		if got := b.Word(HandlerOffset); got != want {
			t.Errorf("EL%d handler: first word %#x, wanted %#x", el, got, want)
		}
		if diff := cmp.Diff([]uint64{DeltaCell}, b.Sites); diff != "" {
			t.Errorf("EL%d sites mismatch (-want +got):\n%s", el, diff)
		}
	}
	if _, err := Table(0); err == nil {
		t.Errorf("Table(0) succeeded")
	}
}

func TestClassName(t *testing.T) {
	for _, tc := range []struct {
		ec   uint8
		want string
	}{
		{ec: 0x00, want: "Unknown reason"},
		{ec: 0x25, want: "Data abort"},
		{ec: 0x3c, want: "BRK instruction"},
		{ec: 0x3f, want: "Exception class 0x3f"},
	} {
		if got := ClassName(tc.ec); got != tc.want {
			t.Errorf("ClassName(%#x): got %q, wanted %q", tc.ec, got, tc.want)
		}
	}
}

func TestDirectInstall(t *testing.T) {
	for _, tc := range []struct {
		name     string
		el       int
		previous uint64
		restored uint64
	}{
		{name: "EL1 without table", el: 1, previous: 0},
		{name: "EL2 sentinel", el: 2, previous: Unset1, restored: Unset1},
		{name: "EL3 sentinel", el: 3, previous: Unset2, restored: Unset2},
	} {
		t.Run(tc.name, func(t *testing.T) {
			m := newMachine(t, tc.el, sim.Config{
				Unimplemented: []arm64asm.SysReg{processor.ID_AA64ZFR0_EL1},
			})
			m.SetRegister(processor.VBAR[tc.el], tc.previous)
			b := New(m, m, newHeap())
			if h := sim.Catch(b.Install); h != nil {
				t.Fatalf("Install: %v", h)
			}
			if b.Mode() != DirectInstall || b.State() != Patched {
				t.Errorf("mode %v state %v, wanted DirectInstall and Patched", b.Mode(), b.State())
			}
			own := b.Own()
			if !hostarch.IsAligned(uint64(own), TableAlign) {
				t.Errorf("table at %#x is not aligned to %#x", own, TableAlign)
			}
			if got := processor.VectorBase(m); got != own {
				t.Errorf("VectorBase: got %#x, wanted %#x", got, own)
			}
			if m.Load64(own+HookCell) == 0 {
				t.Errorf("fatal hook cell is empty")
			}
			blob, _ := Table(tc.el)
			if got := m.Slice(own, HandlerOffset+0x40); !bytes.Equal(got[:ESRCell], blob.Code[:ESRCell]) || !bytes.Equal(got[HandlerOffset:], blob.Code[HandlerOffset:HandlerOffset+0x40]) {
				t.Errorf("table content differs from the blob")
			}

			invalidated := make(map[hostarch.Addr]bool)
			for _, op := range m.Maintenance() {
				if op.Op == sim.InvalidateInstructionCache {
					invalidated[op.Addr] = true
				}
			}
			for a := own; a < own+TableSize; a += 64 {
				if !invalidated[a] {
					t.Errorf("instruction cache line %#x not invalidated", a)
					break
				}
			}

			// Absorbed trap.
			if _, ok := processor.ProbeRegisterAvailable(m, processor.ID_AA64ZFR0_EL1, b.TrapCell()); ok {
				t.Errorf("probe of an unimplemented register: available")
			}
			if got := m.Load64(b.TrapCell()); got == 0 {
				t.Errorf("trap cell not written")
			}

			b.Restore()
			if b.State() != Restored {
				t.Errorf("state after Restore: %v", b.State())
			}
			want := hostarch.Addr(tc.restored)
			if tc.previous == 0 {
				want = own
			}
			if got := processor.VectorBase(m); got != want {
				t.Errorf("VectorBase after Restore: got %#x, wanted %#x", got, want)
			}
		})
	}
}

func TestInstallTwice(t *testing.T) {
	m := newMachine(t, 1, sim.Config{})
	b := New(m, m, newHeap())
	b.Install()
	if h := sim.Catch(b.Install); h == nil || !strings.Contains(h.Message, "twice") {
		t.Errorf("second Install: got %v", h)
	}
}

func TestHeapExhausted(t *testing.T) {
	m := newMachine(t, 1, sim.Config{})
	b := New(m, m, heap.New(heapBase, 0x100))
	if h := sim.Catch(b.Install); h == nil || !strings.Contains(h.Message, "vector table") {
		t.Errorf("Install with a small heap: got %v", h)
	}
}

// host is a machine at EL2 with translation enabled and a live host vector
// table on a read-only page.
type host struct {
	m     *sim.Machine
	table hostarch.Addr
	brk   hostarch.Addr
	orig  []byte
}

func newHost(t *testing.T) *host {
	t.Helper()
	m := newMachine(t, 2, sim.Config{})
	table, err := m.Reserve(hostarch.PageSize, hostarch.PageSize)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	// The host's synchronous handlers return ESR to the caller.
	for s := 0; s < 4; s++ {
		var a arm64asm.Assembler
		a.MRS(arm64asm.X0, processor.ESR[2])
		a.Word(arm64asm.RET)
		code, _ := a.Bytes()
		copy(m.Slice(table+hostarch.Addr(s*SlotStride), uint64(len(code))), code)
	}
	// Recognizable bytes in the rest of the table.
	for off := hostarch.Addr(0x100); off < 0x200; off += 8 {
		m.Physical().Store64(table+off, 0x5a5a_0000_0000_0000|uint64(off))
	}
	orig := bytes.Clone(m.Slice(table, 0x800))

	tb, err := m.NewTableBuilder(25)
	if err != nil {
		t.Fatalf("NewTableBuilder: %v", err)
	}
	if err := tb.Map(ramBase, ramSize, false); err != nil {
		t.Fatalf("Map: %v", err)
	}
	if err := tb.Map(table, hostarch.PageSize, true); err != nil {
		t.Fatalf("Map: %v", err)
	}
	tb.Enable()
	m.SetRegister(processor.VBAR[2], uint64(table))
	return &host{m: m, table: table, brk: brk(t, m), orig: orig}
}

func TestMergePatch(t *testing.T) {
	h := newHost(t)
	m := h.m

	// The host handles BRK itself, and its instructions are now cached.
	esr := m.Call(h.brk)
	if got := processor.ExceptionClass(esr); got != 0x3c {
		t.Fatalf("host handler: class %#x, wanted 0x3c", got)
	}
	// A rejected write leaves the read-only translation in the TLB.
	if hl := sim.Catch(func() { m.Store32(h.table, 0) }); hl == nil {
		t.Fatalf("write to the host table succeeded before patching")
	}

	b := New(m, m, newHeap())
	if hl := sim.Catch(b.Install); hl != nil {
		t.Fatalf("Install: %v", hl)
	}
	if b.Mode() != MergePatch {
		t.Errorf("mode: got %v, wanted MergePatch", b.Mode())
	}
	own := b.Own()
	if got := processor.VectorBase(m); got != h.table {
		t.Errorf("VectorBase: got %#x, wanted the host table %#x", got, h.table)
	}
	if got, want := m.Load64(h.table+DeltaCell), uint64(h.table-own); got != want {
		t.Errorf("delta cell: got %#x, wanted %#x", got, want)
	}
	for s := 0; s < 4; s++ {
		off := hostarch.Addr(s * SlotStride)
		if got, want := m.Slice(h.table+off, SlotSize), m.Slice(own+off, SlotSize); !bytes.Equal(got, want) {
			t.Errorf("slot %d differs from the own table", s)
		}
		if got, want := m.Slice(h.table+off+SlotSize, 0x40), h.orig[off+SlotSize:off+SlotSize+0x40]; !bytes.Equal(got, want) {
			t.Errorf("host bytes after slot %d were modified", s)
		}
	}
	w, ok := processor.Lookup(m, m, h.table)
	if !ok || w.Descriptor(m).ReadOnly() {
		t.Errorf("host table descriptor after patching: %v, %v", w.Descriptor(m), ok)
	}

	// Traps of class 0 are absorbed through the host's table.
	if _, ok := processor.ProbeRegisterAvailable(m, processor.SCTLR[3], b.TrapCell()); ok {
		t.Errorf("probe of SCTLR_EL3 at EL2: available")
	}
	if v, ok := processor.ProbeRegisterAvailable(m, processor.MIDR_EL1, b.TrapCell()); !ok || v == 0 {
		t.Errorf("probe of MIDR_EL1: got %#x, %v", v, ok)
	}
	if got := m.Load64(b.TrapCell()); got == 0 {
		t.Errorf("trap cell not written")
	}

	// Other classes are fatal.
	hl := sim.Catch(func() { m.Call(h.brk) })
	if hl == nil {
		t.Fatalf("BRK after patching: no halt")
	}
	if !strings.Contains(hl.Message, "BRK instruction") || !strings.Contains(hl.Message, "class 0x3c") {
		t.Errorf("BRK after patching: halted with %q", hl.Message)
	}
	if got := m.Load64(own + ELRCell); got != uint64(h.brk) {
		t.Errorf("ELR cell: got %#x, wanted %#x", got, h.brk)
	}

	b.Restore()
	if got := m.Slice(h.table, 0x800); !bytes.Equal(got, h.orig) {
		t.Errorf("host table not restored")
	}
	if w, ok := processor.Lookup(m, m, h.table); !ok || !w.Descriptor(m).ReadOnly() {
		t.Errorf("host table descriptor after Restore: %v, %v", w.Descriptor(m), ok)
	}
	if got := processor.VectorBase(m); got != h.table {
		t.Errorf("VectorBase after Restore: got %#x, wanted %#x", got, h.table)
	}
	if esr := m.Call(h.brk); processor.ExceptionClass(esr) != 0x3c {
		t.Errorf("host handler after Restore: ESR %#x", esr)
	}
}

func TestMergeWithoutTranslation(t *testing.T) {
	m := newMachine(t, 1, sim.Config{})
	table, err := m.Reserve(0x800, 0x800)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	m.SetRegister(processor.VBAR[1], uint64(table))
	b := New(m, m, newHeap())
	if h := sim.Catch(b.Install); h != nil {
		t.Fatalf("Install: %v", h)
	}
	for _, op := range m.Maintenance() {
		if op.Op == sim.InvalidateTranslation {
			t.Errorf("TLB invalidated with translation off")
		}
	}
	if got, want := m.Load64(table+DeltaCell), uint64(table-b.Own()); got != want {
		t.Errorf("delta cell: got %#x, wanted %#x", got, want)
	}
	// EL1 uses two slots.
	if got := m.Load32(table + 2*SlotStride); got != 0 {
		t.Errorf("slot 2 written at EL1: %#x", got)
	}
}

func TestDiagnose(t *testing.T) {
	m := newMachine(t, 1, sim.Config{
		Unimplemented: []arm64asm.SysReg{processor.ID_AA64ZFR0_EL1},
	})
	m.SetRegister(processor.REVIDR_EL1, 0)
	m.SetRegister(processor.SCTLR[2], 0x30c50830)

	var buf bytes.Buffer
	saved := log.Log().Emitter
	log.SetTarget(&log.Writer{Next: &buf})
	defer log.SetTarget(saved)

	b := New(m, m, newHeap())
	if before := b.Diagnose(); len(before) == 0 {
		t.Errorf("Diagnose before Install: nothing reported")
	}
	b.Install()
	var got []Reading
	if h := sim.Catch(func() { got = b.Diagnose() }); h != nil {
		t.Fatalf("Diagnose: %v", h)
	}
	names := make(map[string]bool)
	for _, r := range got {
		names[r.Name] = true
	}
	for _, want := range []string{"MIDR_EL1", "CTR_EL0", "ID_AA64PFR0_EL1"} {
		if !names[want] {
			t.Errorf("%s not reported", want)
		}
	}
	for _, absent := range []string{"REVIDR_EL1", "ID_AA64ZFR0_EL1", "SCTLR_EL2", "HCR_EL2"} {
		if names[absent] {
			t.Errorf("%s reported", absent)
		}
	}
	if !strings.Contains(buf.String(), "MIDR_EL1:") {
		t.Errorf("log output %q lacks MIDR_EL1", buf.String())
	}
}
