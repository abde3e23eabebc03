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

package devicetree

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"barekit.dev/barekit/pkg/memory"
)

// virt builds a tree shaped like the one QEMU passes for its virt board.
func virt() *FDT {
	f := New()
	f.Reserve(Region{Base: 0x4800_0000, Size: 0x1000})
	root := f.RootNode()
	root.SetU32("#address-cells", 2).SetU32("#size-cells", 2)
	root.SetStrings("compatible", "linux,dummy-virt")
	root.SetU32("memreserve", 0x4000_0000, 0x10000)
	root.Child("memory@40000000").SetStrings("device_type", "memory").SetReg(Region{Base: 0x4000_0000, Size: 0x800_0000})
	root.Child("pl011@9000000").SetStrings("compatible", "arm,pl011", "arm,primecell").SetReg(Region{Base: 0x900_0000, Size: 0x1000})
	soc := root.Child("soc")
	soc.SetU32("#address-cells", 1).SetU32("#size-cells", 1)
	soc.SetU32("ranges", 0x7e00_0000, 0, 0x3f00_0000, 0x100_0000)
	soc.Child("serial@7e215040").SetStrings("compatible", "brcm,bcm2835-aux-uart").SetReg(Region{Base: 0x7e21_5040, Size: 0x40})
	root.Child("aliases").SetStrings("serial0", "/pl011@9000000").SetStrings("serial1", "/soc/serial")
	root.Child("chosen").SetStrings("stdout-path", "serial0:115200n8")
	return f
}

func TestRoundTrip(t *testing.T) {
	want := virt()
	got, err := Parse(want.Encode())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	var names, gotNames []string
	Visit(want, func(n Node) bool {
		names = append(names, Path(n))
		return true
	})
	Visit(got, func(n Node) bool {
		gotNames = append(gotNames, Path(n))
		return true
	})
	if diff := cmp.Diff(names, gotNames); diff != "" {
		t.Errorf("node paths mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(want.ReservedEntries(), got.ReservedEntries()); diff != "" {
		t.Errorf("reservations mismatch (-want +got):\n%s", diff)
	}
	n, ok := NodeByPath(got, "/soc/serial@7e215040")
	if !ok {
		t.Fatalf("serial node missing after round trip")
	}
	if diff := cmp.Diff([]string{"brcm,bcm2835-aux-uart"}, Strings(n, "compatible")); diff != "" {
		t.Errorf("compatible mismatch (-want +got):\n%s", diff)
	}
}

func TestRead(t *testing.T) {
	blob := virt().Encode()
	mem := &memory.Bytes{Base: 0x4000_0000, Data: make([]byte, 0x10000)}
	copy(mem.Data[0x100:], blob)
	f, err := Read(mem, 0x4000_0100)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if _, ok := NodeByName(f, "chosen"); !ok {
		t.Errorf("chosen node missing")
	}
}

func TestParseErrors(t *testing.T) {
	good := virt().Encode()
	badMagic := append([]byte(nil), good...)
	badMagic[0] = 0
	for _, tc := range []struct {
		name string
		blob []byte
	}{
		{name: "short", blob: good[:20]},
		{name: "magic", blob: badMagic},
		{name: "truncated", blob: good[:len(good)-8]},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Parse(tc.blob); !errors.Is(err, ErrBadBlob) {
				t.Errorf("Parse: got %v, wanted ErrBadBlob", err)
			}
		})
	}
}

func TestLookup(t *testing.T) {
	f := virt()
	for _, tc := range []struct {
		name   string
		lookup func() (Node, bool)
		want   string
	}{
		{
			name:   "name without unit address",
			lookup: func() (Node, bool) { return NodeByName(f, "memory") },
			want:   "/memory@40000000",
		},
		{
			name:   "exact name",
			lookup: func() (Node, bool) { return NodeByName(f, "pl011@9000000") },
			want:   "/pl011@9000000",
		},
		{
			name:   "root",
			lookup: func() (Node, bool) { return NodeByPath(f, "/") },
			want:   "/",
		},
		{
			name:   "alias",
			lookup: func() (Node, bool) { return NodeByPath(f, "serial0") },
			want:   "/pl011@9000000",
		},
		{
			name:   "alias to path without unit address",
			lookup: func() (Node, bool) { return NodeByPath(f, "serial1") },
			want:   "/soc/serial@7e215040",
		},
		{
			name:   "missing alias",
			lookup: func() (Node, bool) { return NodeByPath(f, "serial7") },
		},
		{
			name:   "missing path",
			lookup: func() (Node, bool) { return NodeByPath(f, "/soc/gpio") },
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			n, ok := tc.lookup()
			if ok != (tc.want != "") {
				t.Fatalf("found = %v, wanted %q", ok, tc.want)
			}
			if ok && Path(n) != tc.want {
				t.Errorf("got %q, wanted %q", Path(n), tc.want)
			}
		})
	}
}

func TestRegions(t *testing.T) {
	f := virt()
	for _, tc := range []struct {
		path string
		want []Region
	}{
		{path: "/memory", want: []Region{{Base: 0x4000_0000, Size: 0x800_0000}}},
		{path: "/pl011", want: []Region{{Base: 0x900_0000, Size: 0x1000}}},
		// Translated through the soc ranges.
		{path: "/soc/serial", want: []Region{{Base: 0x3f21_5040, Size: 0x40}}},
	} {
		n, ok := NodeByPath(f, tc.path)
		if !ok {
			t.Fatalf("%s missing", tc.path)
		}
		got, err := Regions(n)
		if err != nil {
			t.Fatalf("Regions(%s): %v", tc.path, err)
		}
		if diff := cmp.Diff(tc.want, got); diff != "" {
			t.Errorf("Regions(%s) mismatch (-want +got):\n%s", tc.path, diff)
		}
	}
	if _, err := Regions(f.Root()); err == nil {
		t.Errorf("Regions(/) succeeded")
	}
}

func TestMemReserve(t *testing.T) {
	got, err := MemReserve(virt())
	if err != nil {
		t.Fatalf("MemReserve: %v", err)
	}
	if diff := cmp.Diff([]Region{{Base: 0x4000_0000, Size: 0x10000}}, got); diff != "" {
		t.Errorf("MemReserve mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeRegionsErrors(t *testing.T) {
	if _, err := DecodeRegions(make([]byte, 12), 2, 2); !errors.Is(err, ErrBadProperty) {
		t.Errorf("short value: got %v", err)
	}
	if _, err := DecodeRegions(make([]byte, 12), 3, 0); !errors.Is(err, ErrBadProperty) {
		t.Errorf("three cells: got %v", err)
	}
}

func TestCells(t *testing.T) {
	f := virt()
	soc, _ := NodeByPath(f, "/soc")
	if got := AddressCells(soc); got != 1 {
		t.Errorf("AddressCells(/soc) = %d", got)
	}
	chosen, _ := NodeByPath(f, "/chosen")
	if got, want := [2]int{AddressCells(chosen), SizeCells(chosen)}, [2]int{DefaultAddressCells, DefaultSizeCells}; got != want {
		t.Errorf("defaults = %v, wanted %v", got, want)
	}
	if s, _ := String(chosen, "stdout-path"); s != "serial0:115200n8" {
		t.Errorf("stdout-path = %q", s)
	}
	pl, _ := NodeByName(f, "pl011")
	if !IsCompatible(pl, "arm,primecell") || IsCompatible(pl, "ns16550a") {
		t.Errorf("IsCompatible mismatch for %v", Strings(pl, "compatible"))
	}
}
