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

// Package config describes simulated boards. A board file, in TOML or YAML,
// gives the memory map, the UARTs, the entry state of the CPU and the boot
// convention to enter the image with.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/mohae/deepcopy"
	"gopkg.in/yaml.v3"

	"barekit.dev/barekit/pkg/arm64asm"
	"barekit.dev/barekit/pkg/devicetree"
	"barekit.dev/barekit/pkg/hostarch"
	"barekit.dev/barekit/pkg/processor"
	"barekit.dev/barekit/pkg/sim"
)

// ErrFormat is returned for board files of an unknown format.
var ErrFormat = errors.New("unknown board file format")

// Entry conventions.
const (
	EntryBareMetal = "baremetal"
	EntrySecure    = "secure"
	EntryEFI       = "efi"
)

// Region is a range of physical memory.
type Region struct {
	Base uint64 `toml:"base" yaml:"base"`
	Size uint64 `toml:"size" yaml:"size"`
}

// UART is a serial port on the board.
type UART struct {
	// Name is the device tree node name, for example "uart@9000000".
	Name string `toml:"name" yaml:"name"`

	// Compatible is the device tree compatible string. It selects the
	// model: "arm,pl011" and "arm,sbsa-uart" are PL011s, anything else a
	// 16550.
	Compatible string `toml:"compatible" yaml:"compatible"`

	Base uint64 `toml:"base" yaml:"base"`

	// Shift and IOWidth are reg-shift and reg-io-width.
	Shift   uint32 `toml:"shift" yaml:"shift"`
	IOWidth uint32 `toml:"io_width" yaml:"io_width"`
}

// PL011 returns true if u is modeled as a PL011.
func (u *UART) PL011() bool {
	return u.Compatible == "arm,pl011" || u.Compatible == "arm,sbsa-uart"
}

// Board is a simulated board.
type Board struct {
	Name string `toml:"name" yaml:"name"`

	// EL is the exception level the image is entered at.
	EL int `toml:"el" yaml:"el"`

	// Entry is one of EntryBareMetal, EntrySecure or EntryEFI.
	Entry string `toml:"entry" yaml:"entry"`

	// Memory lists RAM. The last 2 MiB of the first region are used by
	// the simulator.
	Memory []Region `toml:"memory" yaml:"memory"`

	UARTs []UART `toml:"uart" yaml:"uart"`

	// Stdout is the name of the console UART. It defaults to the first
	// UART.
	Stdout string `toml:"stdout" yaml:"stdout"`

	// LoadAddress is where the image is placed.
	LoadAddress uint64 `toml:"load_address" yaml:"load_address"`

	// DeviceTree is where the device tree is placed. Zero means none.
	DeviceTree uint64 `toml:"device_tree" yaml:"device_tree"`

	StackPointer uint64 `toml:"stack_pointer" yaml:"stack_pointer"`

	// VectorBase is the vector base left by the previous boot stage.
	VectorBase uint64 `toml:"vector_base" yaml:"vector_base"`

	// Registers are system register values by name.
	Registers map[string]uint64 `toml:"registers" yaml:"registers"`

	// Unimplemented names system registers that trap.
	Unimplemented []string `toml:"unimplemented" yaml:"unimplemented"`

	// PoolSize is the memory of the EFI page allocator.
	PoolSize uint64 `toml:"pool_size" yaml:"pool_size"`

	MaxSteps int `toml:"max_steps" yaml:"max_steps"`
}

// Load reads a board file. The format follows the extension.
func Load(path string) (*Board, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	b, err := Decode(data, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return b, nil
}

// Decode parses a board. ext is ".toml", ".yaml" or ".yml".
func Decode(data []byte, ext string) (*Board, error) {
	var b Board
	switch ext {
	case ".toml":
		md, err := toml.Decode(string(data), &b)
		if err != nil {
			return nil, err
		}
		if undec := md.Undecoded(); len(undec) > 0 {
			return nil, fmt.Errorf("unknown keys %v", undec)
		}
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&b); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrFormat, ext)
	}
	b.setDefaults()
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return &b, nil
}

func (b *Board) setDefaults() {
	if b.Entry == "" {
		b.Entry = EntryBareMetal
	}
	if b.Stdout == "" && len(b.UARTs) > 0 {
		b.Stdout = b.UARTs[0].Name
	}
	for i := range b.UARTs {
		if b.UARTs[i].IOWidth == 0 {
			b.UARTs[i].IOWidth = 1
		}
	}
}

// Validate checks the board for consistency.
func (b *Board) Validate() error {
	if b.EL < 1 || b.EL > 3 {
		return fmt.Errorf("el %d is not 1, 2 or 3", b.EL)
	}
	switch b.Entry {
	case EntryBareMetal:
	case EntrySecure:
		if b.EL != 1 {
			return fmt.Errorf("secure entry at EL%d", b.EL)
		}
	case EntryEFI:
		if b.EL == 3 {
			return errors.New("efi entry at EL3")
		}
	default:
		return fmt.Errorf("unknown entry %q", b.Entry)
	}
	if len(b.Memory) == 0 {
		return errors.New("no memory")
	}
	if !b.contains(b.LoadAddress) {
		return fmt.Errorf("load address %#x is not in memory", b.LoadAddress)
	}
	if b.DeviceTree != 0 && (!b.contains(b.DeviceTree) || !hostarch.IsAligned(b.DeviceTree, 8)) {
		return fmt.Errorf("device tree address %#x is not aligned memory", b.DeviceTree)
	}
	if b.StackPointer != 0 && !b.contains(b.StackPointer-1) {
		return fmt.Errorf("stack pointer %#x is not in memory", b.StackPointer)
	}
	found := b.Stdout == ""
	for _, u := range b.UARTs {
		if u.Name == b.Stdout {
			found = true
		}
	}
	if !found {
		return fmt.Errorf("stdout %q is not a UART", b.Stdout)
	}
	for name := range b.Registers {
		if _, ok := processor.RegisterByName(name); !ok {
			return fmt.Errorf("unknown register %q", name)
		}
	}
	for _, name := range b.Unimplemented {
		if _, ok := processor.RegisterByName(name); !ok {
			return fmt.Errorf("unknown register %q", name)
		}
	}
	return nil
}

func (b *Board) contains(addr uint64) bool {
	for _, r := range b.Memory {
		if addr >= r.Base && addr-r.Base < r.Size {
			return true
		}
	}
	return false
}

// Copy returns a deep copy of b.
func (b *Board) Copy() *Board {
	return deepcopy.Copy(b).(*Board)
}

// SimConfig returns the machine configuration of the board.
func (b *Board) SimConfig() (sim.Config, error) {
	cfg := sim.Config{
		EL:           b.EL,
		StackPointer: b.StackPointer,
		MaxSteps:     b.MaxSteps,
		Registers:    make(map[arm64asm.SysReg]uint64),
	}
	for _, r := range b.Memory {
		cfg.RAM = append(cfg.RAM, sim.Region{Base: hostarch.Addr(r.Base), Size: r.Size})
	}
	for name, v := range b.Registers {
		r, ok := processor.RegisterByName(name)
		if !ok {
			return sim.Config{}, fmt.Errorf("unknown register %q", name)
		}
		cfg.Registers[r] = v
	}
	for _, name := range b.Unimplemented {
		r, ok := processor.RegisterByName(name)
		if !ok {
			return sim.Config{}, fmt.Errorf("unknown register %q", name)
		}
		cfg.Unimplemented = append(cfg.Unimplemented, r)
	}
	if b.VectorBase != 0 {
		cfg.Registers[processor.VBAR[b.EL]] = b.VectorBase
	}
	return cfg, nil
}

// Serial is the transmit side of a simulated UART.
type Serial interface {
	sim.Device
	Output() string
}

// Attach adds the board's UARTs to m and returns them by name.
func (b *Board) Attach(m *sim.Machine) (map[string]Serial, error) {
	out := make(map[string]Serial)
	for _, u := range b.UARTs {
		var dev Serial
		if u.PL011() {
			dev = &sim.PL011{}
		} else {
			dev = &sim.NS16550{Shift: uint(u.Shift)}
		}
		if err := m.AddDevice(hostarch.Addr(u.Base), hostarch.PageSize, dev); err != nil {
			return nil, fmt.Errorf("uart %s: %w", u.Name, err)
		}
		out[u.Name] = dev
	}
	return out, nil
}

// DeviceTreeBlob returns the device tree of the board.
func (b *Board) DeviceTreeBlob() []byte {
	f := devicetree.New()
	root := f.RootNode()
	root.SetU32("#address-cells", 2).SetU32("#size-cells", 2)
	if len(b.Memory) > 0 {
		mem := root.Child(fmt.Sprintf("memory@%x", b.Memory[0].Base))
		mem.SetStrings("device_type", "memory")
		var regs []devicetree.Region
		for _, r := range b.Memory {
			regs = append(regs, devicetree.Region{Base: r.Base, Size: r.Size})
		}
		mem.SetReg(regs...)
	}
	aliases := root.Child("aliases")
	for i, u := range b.UARTs {
		n := root.Child(u.Name).SetStrings("compatible", u.Compatible).SetReg(devicetree.Region{Base: u.Base, Size: 0x1000})
		if u.Compatible == "snps,dw-apb-uart" {
			n.SetU32("reg-shift", u.Shift).SetU32("reg-io-width", u.IOWidth)
		}
		aliases.SetStrings(fmt.Sprintf("serial%d", i), devicetree.Path(n))
	}
	if b.Stdout != "" {
		root.Child("chosen").SetStrings("stdout-path", "/"+b.Stdout)
	}
	return f.Encode()
}
