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
	"os"
	"strings"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"

	"barekit.dev/barekit/pkg/coff"
	"barekit.dev/barekit/pkg/log"
)

// Inspect implements subcommands.Command for the "inspect" command.
type Inspect struct {
	loaded bool
	jobs   int
}

// Name implements subcommands.Command.Name.
func (*Inspect) Name() string {
	return "inspect"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Inspect) Synopsis() string {
	return "print the headers and base relocations of PE/COFF images"
}

// Usage implements subcommands.Command.Usage.
func (*Inspect) Usage() string {
	return `inspect [flags] <image>... - print the headers and base relocations of images.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (i *Inspect) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&i.loaded, "loaded", false, "images are memory dumps in virtual layout rather than files.")
	f.IntVar(&i.jobs, "j", 4, "number of images analysed in parallel.")
}

// Execute implements subcommands.Command.Execute.
func (i *Inspect) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() == 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	paths := f.Args()
	reports := make([]string, len(paths))
	g, ctx := errgroup.WithContext(ctx)
	if i.jobs > 0 {
		g.SetLimit(i.jobs)
	}
	for n, path := range paths {
		n, path := n, path
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			r, err := describe(data, i.loaded)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			log.Debugf("inspected %s, %d bytes", path, len(data))
			reports[n] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return failuref("inspect: %v", err)
	}
	for n, path := range paths {
		fmt.Printf("%s:\n%s", path, reports[n])
	}
	return subcommands.ExitSuccess
}

// describe formats the headers, sections and relocation blocks of an image.
func describe(data []byte, loaded bool) (string, error) {
	file, err := coff.Parse(data)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "  machine %#x, entry %#x, image base %#x\n", file.Machine, file.EntryPoint, file.ImageBase)
	fmt.Fprintf(&b, "  section alignment %#x, file alignment %#x, size of image %#x\n", file.SectionAlignment, file.FileAlignment, file.SizeOfImage)
	fmt.Fprintf(&b, "  sections:\n")
	for _, s := range file.Sections {
		var notes []string
		if s.IsData() {
			notes = append(notes, "data")
		}
		if s.Discardable() {
			notes = append(notes, "discardable")
		}
		if s.Moved() {
			notes = append(notes, "moved on load")
		}
		fmt.Fprintf(&b, "    %-8s va %#08x vsize %#08x raw %#08x rsize %#08x flags %#08x", s.Name, s.VirtualAddress, s.VirtualSize, s.PointerToRawData, s.SizeOfRawData, s.Characteristics)
		if len(notes) > 0 {
			fmt.Fprintf(&b, " (%s)", strings.Join(notes, ", "))
		}
		b.WriteByte('\n')
	}
	blocks, err := file.Relocations(data, loaded)
	if err != nil {
		return "", err
	}
	fmt.Fprintf(&b, "  relocation blocks: %d\n", len(blocks))
	for _, blk := range blocks {
		var dir64, pad, other int
		for _, e := range blk.Entries {
			switch e.Type {
			case coff.RelBasedDir64, coff.RelBasedHigh3Adj:
				dir64++
			case coff.RelBasedAbsolute:
				pad++
			default:
				other++
			}
		}
		fmt.Fprintf(&b, "    page %#08x size %#x: %d fixups, %d padding, %d unsupported\n", blk.PageRVA, blk.Size(), dir64, pad, other)
	}
	return b.String(), nil
}
