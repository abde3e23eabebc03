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
	"errors"
	"flag"
	"fmt"
	"os"
	"sort"

	"github.com/google/subcommands"

	"barekit.dev/barekit/pkg/boot"
	"barekit.dev/barekit/pkg/coff"
	"barekit.dev/barekit/pkg/config"
	"barekit.dev/barekit/pkg/efi"
	"barekit.dev/barekit/pkg/hostarch"
	"barekit.dev/barekit/pkg/log"
	"barekit.dev/barekit/pkg/sim"
)

// defaultPoolSize is the firmware page pool of EFI boards that do not set
// one. It covers the boot heap.
const defaultPoolSize = 1 << 20

// efiImageHandle is the image handle passed to EFI images.
const efiImageHandle = 1

// Boot implements subcommands.Command for the "boot" command.
type Boot struct {
	board string
}

// Name implements subcommands.Command.Name.
func (*Boot) Name() string {
	return "boot"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Boot) Synopsis() string {
	return "boot an image on a simulated board"
}

// Usage implements subcommands.Command.Usage.
func (*Boot) Usage() string {
	return `boot -board <board.toml|board.yaml> [flags] <image> - enter the runtime of an image and print the console output.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (b *Boot) SetFlags(f *flag.FlagSet) {
	f.StringVar(&b.board, "board", "", "board file, TOML or YAML.")
	config.RegisterFlags(f)
}

// Execute implements subcommands.Command.Execute.
func (b *Boot) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 || b.board == "" {
		f.Usage()
		return subcommands.ExitUsageError
	}
	board, err := config.Load(b.board)
	if err != nil {
		return failuref("loading board: %v", err)
	}
	if board, err = config.ApplyFlags(f, board); err != nil {
		return failuref("board %s: %v", b.board, err)
	}
	data, err := os.ReadFile(f.Arg(0))
	if err != nil {
		return failuref("boot: %v", err)
	}

	res, err := bootImage(board, data)
	if err != nil {
		return failuref("boot %s: %v", f.Arg(0), err)
	}
	names := make([]string, 0, len(res.Consoles))
	for name := range res.Consoles {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("==> %s <==\n%s", name, res.Consoles[name])
	}
	if res.Halt != nil {
		return failuref("%v", res.Halt)
	}
	fmt.Printf("status %d, parked %t\n", res.Status, res.Parked)
	return subcommands.ExitSuccess
}

// result is the outcome of a simulated boot.
type result struct {
	// Status is the value returned by the runtime.
	Status int64

	// Halt is set if the machine halted.
	Halt *sim.HaltError

	// Parked is true if the runtime parked the CPU.
	Parked bool

	// Consoles maps UART names, and "efi" for the firmware console, to
	// their output.
	Consoles map[string]string
}

// bootImage places the image and device tree of board in a new machine and
// enters the runtime the way the board's boot convention does.
func bootImage(board *config.Board, data []byte) (*result, error) {
	if board.StackPointer == 0 {
		return nil, errors.New("board has no stack pointer")
	}
	file, err := coff.Parse(data)
	if err != nil {
		return nil, err
	}
	cfg, err := board.SimConfig()
	if err != nil {
		return nil, err
	}
	m, err := sim.New(cfg)
	if err != nil {
		return nil, err
	}
	defer m.Close()
	uarts, err := board.Attach(m)
	if err != nil {
		return nil, err
	}

	load := board.LoadAddress
	size := max(uint64(file.SizeOfImage), uint64(len(data)))
	image := m.Slice(hostarch.Addr(load), size)
	copy(image, data)
	if board.DeviceTree != 0 {
		blob := board.DeviceTreeBlob()
		copy(m.Slice(hostarch.Addr(board.DeviceTree), uint64(len(blob))), blob)
	}

	// Bare-metal loaders pass the end of the file as loaded.
	fileEnd := load + uint64(len(data))
	var (
		regs boot.Registers
		fw   *sim.UEFI
	)
	switch board.Entry {
	case config.EntryBareMetal:
		regs = boot.Registers{board.DeviceTree, 0, 0, 0, load, fileEnd}
	case config.EntrySecure:
		regs = boot.Registers{board.DeviceTree, boot.SecureEL1Magic, 0, 0, load, fileEnd}
	case config.EntryEFI:
		// The firmware loader lays the image out before entering it.
		stats := coff.Apply(image, load)
		log.Debugf("firmware relocated the image: %+v", stats)
		fc := sim.FirmwareConfig{
			Image:     efiImageHandle,
			ImageBase: hostarch.Addr(load),
			ImageSize: size,
			PoolSize:  board.PoolSize,
		}
		if fc.PoolSize == 0 {
			fc.PoolSize = defaultPoolSize
		}
		if board.DeviceTree != 0 {
			fc.Tables = append(fc.Tables, sim.ConfigurationEntry{GUID: efi.DeviceTreeGUID, Table: hostarch.Addr(board.DeviceTree)})
		}
		if fw, err = m.InstallFirmware(fc); err != nil {
			return nil, err
		}
		regs = boot.Registers{efiImageHandle, uint64(fw.SystemTable())}
	default:
		return nil, fmt.Errorf("unknown entry %q", board.Entry)
	}

	// The runtime takes over the log until it returns.
	host := log.Log().Emitter
	defer log.SetTarget(host)

	res := &result{Consoles: make(map[string]string)}
	res.Halt = sim.Catch(func() {
		res.Status = boot.Entry(m, regs, boot.Options{OpenDeviceTree: boot.ReadDeviceTree})
	})
	res.Parked = m.Parked()
	for name, u := range uarts {
		res.Consoles[name] = u.Output()
	}
	if fw != nil {
		res.Consoles["efi"] = fw.Output()
	}
	return res, nil
}
