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
	"strconv"

	"github.com/google/subcommands"

	"barekit.dev/barekit/pkg/coff"
)

// Relocate implements subcommands.Command for the "relocate" command.
type Relocate struct {
	load   string
	output string
}

// Name implements subcommands.Command.Name.
func (*Relocate) Name() string {
	return "relocate"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Relocate) Synopsis() string {
	return "lay out an image and apply its base relocations for a load address"
}

// Usage implements subcommands.Command.Usage.
func (*Relocate) Usage() string {
	return `relocate -load <address> -o <output> <image> - write the image as it runs at address.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Relocate) SetFlags(f *flag.FlagSet) {
	f.StringVar(&r.load, "load", "", "address the image is loaded at.")
	f.StringVar(&r.output, "o", "", "output file.")
}

// Execute implements subcommands.Command.Execute.
func (r *Relocate) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 || r.load == "" || r.output == "" {
		f.Usage()
		return subcommands.ExitUsageError
	}
	load, err := strconv.ParseUint(r.load, 0, 64)
	if err != nil {
		return failuref("invalid load address %q: %v", r.load, err)
	}
	data, err := os.ReadFile(f.Arg(0))
	if err != nil {
		return failuref("relocate: %v", err)
	}
	image, stats, err := relocateImage(data, load)
	if err != nil {
		return failuref("relocate %s: %v", f.Arg(0), err)
	}
	if err := os.WriteFile(r.output, image, 0644); err != nil {
		return failuref("relocate: %v", err)
	}
	fmt.Printf("moved %d sections, zeroed %#x bytes, applied %d fixups in %d blocks, ignored %d\n",
		stats.Moved, stats.Zeroed, stats.Applied, stats.Blocks, stats.Ignored)
	return subcommands.ExitSuccess
}

// relocateImage returns data in virtual layout with the relocations for
// load applied.
func relocateImage(data []byte, load uint64) ([]byte, coff.Stats, error) {
	file, err := coff.Parse(data)
	if err != nil {
		return nil, coff.Stats{}, err
	}
	image := make([]byte, max(uint64(file.SizeOfImage), uint64(len(data))))
	copy(image, data)
	stats := coff.Apply(image, load)
	return image, stats, nil
}
