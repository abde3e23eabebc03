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

package console

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"barekit.dev/barekit/pkg/devicetree"
	"barekit.dev/barekit/pkg/efi"
	"barekit.dev/barekit/pkg/hostarch"
	"barekit.dev/barekit/pkg/log"
	"barekit.dev/barekit/pkg/memory"
)

// uart records device register accesses. Every load returns status.
type uart struct {
	memory.Bytes
	status uint32
	data   hostarch.Addr
	out    []byte
	width  int
	polled map[hostarch.Addr]bool
}

func newUART(data hostarch.Addr, status uint32) *uart {
	return &uart{status: status, data: data, polled: make(map[hostarch.Addr]bool)}
}

func (u *uart) Load8(addr hostarch.Addr) uint8 {
	u.polled[addr] = true
	return uint8(u.status)
}

func (u *uart) Load32(addr hostarch.Addr) uint32 {
	u.polled[addr] = true
	return u.status
}

func (u *uart) Store8(addr hostarch.Addr, v uint8) {
	if addr == u.data {
		u.out = append(u.out, v)
		u.width = 1
	}
}

func (u *uart) Store32(addr hostarch.Addr, v uint32) {
	if addr == u.data {
		u.out = append(u.out, byte(v))
		u.width = 4
	}
}

func TestBuffer(t *testing.T) {
	b := NewBuffer(8)
	for _, s := range []string{"hello", " world"} {
		if n, err := b.Write([]byte(s)); n != len(s) || err != nil {
			t.Errorf("Write(%q) = %d, %v", s, n, err)
		}
	}
	if got, want := b.Unprinted(), "hello wo"; got != want {
		t.Errorf("Unprinted = %q, wanted %q", got, want)
	}
	if got := b.Dropped(); got != 3 {
		t.Errorf("Dropped = %d, wanted 3", got)
	}
}

func TestActivateReplays(t *testing.T) {
	Install(NewBuffer(BufferSize))
	log.Infof("early %d", 1)
	fmt.Fprint(Output, "more")

	dev := newUART(0x900_0000, 0)
	if err := Activate(NewPL011(dev, 0x900_0000)); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	log.Infof("late")
	if got, want := string(dev.out), "early 1\nmorelate\n"; got != want {
		t.Errorf("device output = %q, wanted %q", got, want)
	}
	if Active().Unprinted() != "" {
		t.Errorf("device sink holds output")
	}
}

func tree(uartName string, configure func(*devicetree.FDTNode)) *devicetree.FDT {
	f := devicetree.New()
	root := f.RootNode()
	root.SetU32("#address-cells", 2).SetU32("#size-cells", 2)
	soc := root.Child("soc")
	soc.SetU32("#address-cells", 1).SetU32("#size-cells", 1)
	soc.SetU32("ranges", 0x7e00_0000, 0, 0x3f00_0000, 0x100_0000)
	n := soc.Child(uartName)
	configure(n)
	root.Child("aliases").SetStrings("serial0", devicetree.Path(n))
	root.Child("chosen").SetStrings("stdout-path", "serial0:115200n8")
	return f
}

func TestSelect(t *testing.T) {
	for _, tc := range []struct {
		name      string
		configure func(*devicetree.FDTNode)
		status    uint32
		data      hostarch.Addr
		lsr       hostarch.Addr
		width     int
	}{
		{
			name: "pl011",
			configure: func(n *devicetree.FDTNode) {
				n.SetStrings("compatible", "arm,pl011", "arm,primecell").SetReg(devicetree.Region{Base: 0x7e20_1000, Size: 0x200})
			},
			data:  0x3f20_1000,
			lsr:   0x3f20_1018,
			width: 4,
		},
		{
			name: "sbsa",
			configure: func(n *devicetree.FDTNode) {
				n.SetStrings("compatible", "arm,sbsa-uart").SetReg(devicetree.Region{Base: 0x7e20_1000, Size: 0x200})
			},
			data:  0x3f20_1000,
			lsr:   0x3f20_1018,
			width: 4,
		},
		{
			name: "ns16550a",
			configure: func(n *devicetree.FDTNode) {
				n.SetStrings("compatible", "ns16550a").SetReg(devicetree.Region{Base: 0x7e00_0000, Size: 0x100})
			},
			status: NS16550TxEmpty,
			data:   0x3f00_0000,
			lsr:    0x3f00_0005,
			width:  1,
		},
		{
			name: "bcm2835",
			configure: func(n *devicetree.FDTNode) {
				n.SetStrings("compatible", "brcm,bcm2835-aux-uart").SetReg(devicetree.Region{Base: 0x7e21_5040, Size: 0x40})
			},
			status: NS16550TxEmpty,
			data:   0x3f21_5040,
			lsr:    0x3f21_5054,
			width:  1,
		},
		{
			name: "designware",
			configure: func(n *devicetree.FDTNode) {
				n.SetStrings("compatible", "snps,dw-apb-uart").SetReg(devicetree.Region{Base: 0x7e00_2000, Size: 0x100})
				n.SetU32("reg-io-width", 4).SetU32("reg-shift", 2)
			},
			status: NS16550TxEmpty,
			data:   0x3f00_2000,
			lsr:    0x3f00_2014,
			width:  4,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			dev := newUART(tc.data, tc.status)
			s, err := Select(tree("serial@0", tc.configure), dev)
			if err != nil {
				t.Fatalf("Select: %v", err)
			}
			fmt.Fprint(s, "ok")
			if got := string(dev.out); got != "ok" {
				t.Errorf("output = %q, wanted %q", got, "ok")
			}
			if dev.width != tc.width {
				t.Errorf("access width = %d, wanted %d", dev.width, tc.width)
			}
			if diff := cmp.Diff(map[hostarch.Addr]bool{tc.lsr: true}, dev.polled); diff != "" {
				t.Errorf("polled registers mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSelectNoDriver(t *testing.T) {
	unknown := tree("serial@0", func(n *devicetree.FDTNode) {
		n.SetStrings("compatible", "acme,uart").SetReg(devicetree.Region{Base: 0x7e00_0000, Size: 0x100})
	})
	if _, err := Select(unknown, newUART(0, 0)); !errors.Is(err, ErrNoDriver) {
		t.Errorf("unknown compatible: got %v, wanted ErrNoDriver", err)
	}
	if _, err := Select(devicetree.New(), newUART(0, 0)); !errors.Is(err, ErrNoDriver) {
		t.Errorf("empty tree: got %v, wanted ErrNoDriver", err)
	}
}

func TestStdoutPath(t *testing.T) {
	f := devicetree.New()
	if got := StdoutPath(f); got != DefaultStdoutPath {
		t.Errorf("no /chosen: got %q", got)
	}
	f.RootNode().Child("chosen").SetStrings("stdout-path", "/pl011@9000000")
	if got := StdoutPath(f); got != "/pl011@9000000" {
		t.Errorf("plain path: got %q", got)
	}
}

func TestFallback(t *testing.T) {
	dev := newUART(FallbackBase, NS16550TxEmpty)
	fmt.Fprint(NewFallback(dev), "x")
	if string(dev.out) != "x" || !dev.polled[FallbackBase+0x14] || dev.width != 1 {
		t.Errorf("fallback: out %q width %d polled %v", dev.out, dev.width, dev.polled)
	}
}

type firmware struct {
	efi.SystemTable
	out strings.Builder
	err error
}

func (f *firmware) OutputString(s string) error {
	f.out.WriteString(s)
	return f.err
}

func TestEFI(t *testing.T) {
	fw := &firmware{}
	c := NewEFI(fw)
	fmt.Fprint(c, "boot\n")
	if got := fw.out.String(); got != "boot\n" {
		t.Errorf("output = %q", got)
	}
	fw.err = efi.Unsupported
	if _, err := c.Write([]byte("x")); !errors.Is(err, efi.Unsupported) {
		t.Errorf("Write: got %v, wanted %v", err, efi.Unsupported)
	}
}
