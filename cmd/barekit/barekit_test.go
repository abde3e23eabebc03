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

package main

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"barekit.dev/barekit/pkg/coff"
	"barekit.dev/barekit/pkg/coff/cofftest"
	"barekit.dev/barekit/pkg/config"
	"barekit.dev/barekit/pkg/console"
	"barekit.dev/barekit/pkg/log"
)

const imageBase = 0x1_0000_0000

// testImage has a data section holding a pointer to itself.
func testImage() []byte {
	data := make([]byte, 0x20)
	binary.LittleEndian.PutUint64(data[0x10:], imageBase+0x1008)
	return cofftest.New(imageBase).
		Add(cofftest.Section{Name: ".data", VirtualAddress: 0x1000, VirtualSize: 0x40, RawOffset: 0x400, Data: data, Characteristics: cofftest.Data}).
		AddRelocations(0x2000, 0x600, []coff.RelocationBlock{{
			PageRVA: 0x1000,
			Entries: []coff.RelocationEntry{
				{Offset: 0x10, Type: coff.RelBasedDir64},
				{Offset: 0, Type: coff.RelBasedAbsolute},
			},
		}}).
		Build()
}

func TestDescribe(t *testing.T) {
	out, err := describe(testImage(), false)
	if err != nil {
		t.Fatalf("describe: %v", err)
	}
	for _, s := range []string{
		"image base 0x100000000",
		".data    va 0x001000",
		"(data, moved on load)",
		"(discardable, moved on load)",
		"relocation blocks: 1\n",
		"1 fixups, 1 padding, 0 unsupported",
	} {
		if !strings.Contains(out, s) {
			t.Errorf("report lacks %q:\n%s", s, out)
		}
	}
	if _, err := describe([]byte("not an image"), false); err == nil {
		t.Errorf("describe of garbage succeeded")
	}
}

func TestRelocateImage(t *testing.T) {
	const load = 0x4008_0000
	img, stats, err := relocateImage(testImage(), load)
	if err != nil {
		t.Fatalf("relocateImage: %v", err)
	}
	if got, want := binary.LittleEndian.Uint64(img[0x1010:]), uint64(load+0x1008); got != want {
		t.Errorf("relocated pointer: got %#x, wanted %#x", got, want)
	}
	if got := img[0x1020:0x1040]; !bytes.Equal(got, make([]byte, 0x20)) {
		t.Errorf("data tail not zeroed: %x", got)
	}
	want := coff.Stats{Moved: 2, Zeroed: 0x20, Blocks: 1, Applied: 1}
	if diff := cmp.Diff(want, stats); diff != "" {
		t.Errorf("stats mismatch (-want +got):\n%s", diff)
	}
}

func TestDumpTable(t *testing.T) {
	for _, tc := range []struct {
		el    int
		slots []string
		none  string
	}{
		{el: 1, slots: []string{"slot 0:\n0x000: a9bf47f0\n", "slot 1:\n0x200: a9bf47f0\n"}, none: "slot 2:"},
		{el: 2, slots: []string{"slot 2:\n0x400: a9bf47f0\n", "slot 3:\n0x600: a9bf47f0\n"}, none: "slot 4:"},
	} {
		out, err := dumpTable(tc.el)
		if err != nil {
			t.Fatalf("dumpTable(%d): %v", tc.el, err)
		}
		for _, s := range append(tc.slots, "handler:\n", "delta\n", "hook\n") {
			if !strings.Contains(out, s) {
				t.Errorf("EL%d table lacks %q:\n%s", tc.el, s, out)
			}
		}
		if strings.Contains(out, tc.none) {
			t.Errorf("EL%d table has %q", tc.el, tc.none)
		}
	}
	if _, err := dumpTable(0); err == nil {
		t.Errorf("dumpTable(0) succeeded")
	}
}

func testBoard(el int, entry string) *config.Board {
	return &config.Board{
		Name:         "virt",
		EL:           el,
		Entry:        entry,
		Memory:       []config.Region{{Base: 0x4000_0000, Size: 0x100_0000}},
		UARTs:        []config.UART{{Name: "pl011@9000000", Compatible: "arm,pl011", Base: 0x900_0000, IOWidth: 1}},
		Stdout:       "pl011@9000000",
		LoadAddress:  0x4008_0000,
		DeviceTree:   0x4010_0000,
		StackPointer: 0x401f_f010,
		VectorBase:   0xf000_0000,
	}
}

func TestBootImage(t *testing.T) {
	saved := log.Log().Emitter
	t.Cleanup(func() {
		console.Install(console.NewBuffer(console.BufferSize))
		log.SetTarget(saved)
	})

	for _, tc := range []struct {
		name    string
		board   *config.Board
		parked  bool
		console string
		want    []string
	}{
		{
			name:    "baremetal",
			board:   testBoard(2, config.EntryBareMetal),
			parked:  true,
			console: "pl011@9000000",
			want:    []string{"Hello from EL1/2 runtime phase 1.\n", "stdout=/pl011@9000000\n", "Hello World!\n"},
		},
		{
			name:    "efi",
			board:   testBoard(1, config.EntryEFI),
			console: "efi",
			want:    []string{"Hello from EFI runtime phase 1."},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			res, err := bootImage(tc.board, testImage())
			if err != nil {
				t.Fatalf("bootImage: %v", err)
			}
			if res.Halt != nil {
				t.Fatalf("machine halted: %v", res.Halt)
			}
			if res.Status != 0 || res.Parked != tc.parked {
				t.Errorf("got status %d parked %t, wanted 0 and %t", res.Status, res.Parked, tc.parked)
			}
			out := res.Consoles[tc.console]
			for _, s := range tc.want {
				if !strings.Contains(out, s) {
					t.Errorf("%s output lacks %q:\n%s", tc.console, s, out)
				}
			}
			if !strings.Contains(res.Consoles["pl011@9000000"], "Hello World!") {
				t.Errorf("UART output lacks the workload:\n%s", res.Consoles["pl011@9000000"])
			}
		})
	}
	if log.Log().Emitter != saved {
		t.Errorf("boot did not give the log back")
	}

	b := testBoard(2, config.EntryBareMetal)
	b.StackPointer = 0
	if _, err := bootImage(b, testImage()); err == nil {
		t.Errorf("boot without a stack pointer succeeded")
	}
}

func TestNewEmitter(t *testing.T) {
	for _, format := range []string{"text", "json", "logrus"} {
		var buf bytes.Buffer
		e, err := newEmitter(format, &buf, "barekit")
		if err != nil {
			t.Fatalf("newEmitter(%q): %v", format, err)
		}
		e.Emit(0, log.Info, time.Now(), "hello %d", 42)
		if !strings.Contains(buf.String(), "hello 42") {
			t.Errorf("%s emitter wrote %q", format, buf.String())
		}
	}
	if _, err := newEmitter("xml", nil, "barekit"); err == nil {
		t.Errorf("newEmitter(xml) succeeded")
	}
}
