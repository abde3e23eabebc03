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
	"context"
	"flag"
	"fmt"
	"strings"

	"github.com/google/subcommands"

	"barekit.dev/barekit/pkg/vectors"
)

// Vectors implements subcommands.Command for the "vectors" command.
type Vectors struct {
	el int
}

// Name implements subcommands.Command.Name.
func (*Vectors) Name() string {
	return "vectors"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Vectors) Synopsis() string {
	return "dump the boot vector table of an exception level"
}

// Usage implements subcommands.Command.Usage.
func (*Vectors) Usage() string {
	return `vectors [-el <level>] - print the non-zero words of the vector table.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (v *Vectors) SetFlags(f *flag.FlagSet) {
	f.IntVar(&v.el, "el", 1, "exception level, 1 to 3.")
}

// Execute implements subcommands.Command.Execute.
func (v *Vectors) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	out, err := dumpTable(v.el)
	if err != nil {
		return failuref("vectors: %v", err)
	}
	fmt.Print(out)
	return subcommands.ExitSuccess
}

var cellNames = map[uint64]string{
	vectors.DeltaCell: "delta",
	vectors.ESRCell:   "esr",
	vectors.ELRCell:   "elr",
	vectors.TrapCell:  "trap",
	vectors.HookCell:  "hook",
}

// dumpTable formats the table of el: code words, then 64-bit data cells.
func dumpTable(el int) (string, error) {
	t, err := vectors.Table(el)
	if err != nil {
		return "", err
	}
	l := vectors.LayoutFor(el)
	var b strings.Builder
	fmt.Fprintf(&b, "EL%d vector table, %d slots, %#x bytes\n", el, l.Slots, len(t.Code))
	for off := uint64(0); off < uint64(len(t.Code)); {
		if name, ok := cellNames[off]; ok {
			fmt.Fprintf(&b, "%#05x: %016x  %s\n", off, uint64(t.Word(off))|uint64(t.Word(off+4))<<32, name)
			off += 8
			continue
		}
		switch {
		case off == vectors.HandlerOffset:
			fmt.Fprintf(&b, "handler:\n")
		case off%vectors.SlotStride == 0 && off < vectors.HandlerOffset && int(off/vectors.SlotStride) < l.Slots:
			fmt.Fprintf(&b, "slot %d:\n", off/vectors.SlotStride)
		}
		if w := t.Word(off); w != 0 {
			fmt.Fprintf(&b, "%#05x: %08x\n", off, w)
		}
		off += 4
	}
	return b.String(), nil
}
