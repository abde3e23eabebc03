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

// Package devicetree reads the device tree handed over by firmware.
//
// Tree and Node are the contract consumed by the boot path. The helpers in
// this file decode the handful of properties it needs: names and paths,
// string lists, cells, reg and ranges.
package devicetree

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

// Node is a device tree node.
type Node interface {
	// Name returns the node name including the unit address, for example
	// "uart@9000000". The root is named "".
	Name() string

	// Parent returns the parent node, or nil for the root.
	Parent() Node

	// Children returns the child nodes in tree order.
	Children() []Node

	// Property returns the raw value of a property.
	Property(name string) ([]byte, bool)
}

// Tree is a device tree.
type Tree interface {
	Root() Node

	// ReservedEntries returns the memory reservation block.
	ReservedEntries() []Region
}

// Region is a range of physical addresses.
type Region struct {
	Base uint64
	Size uint64
}

// End returns the end of the region.
func (r Region) End() uint64 {
	return r.Base + r.Size
}

// String implements fmt.Stringer.String.
func (r Region) String() string {
	return fmt.Sprintf("%#012x-%#012x", r.Base, r.End())
}

// Default cell counts when #address-cells and #size-cells are absent.
const (
	DefaultAddressCells = 2
	DefaultSizeCells    = 1
)

// ErrBadProperty is returned for property values of the wrong length.
var ErrBadProperty = errors.New("malformed property")

// Path returns the absolute path of n.
func Path(n Node) string {
	p := n.Parent()
	if p == nil {
		return "/"
	}
	if p.Parent() == nil {
		return "/" + n.Name()
	}
	return Path(p) + "/" + n.Name()
}

// Visit calls fn for every node in depth first tree order until fn returns
// false.
func Visit(t Tree, fn func(Node) bool) {
	var visit func(n Node) bool
	visit = func(n Node) bool {
		if !fn(n) {
			return false
		}
		for _, c := range n.Children() {
			if !visit(c) {
				return false
			}
		}
		return true
	}
	visit(t.Root())
}

func matches(s, want string) bool {
	return s == want || strings.HasPrefix(s, want+"@")
}

// NodeByName returns the first node named name, with or without a unit
// address: "memory" finds "memory@40000000".
func NodeByName(t Tree, name string) (Node, bool) {
	var found Node
	Visit(t, func(n Node) bool {
		if matches(n.Name(), name) {
			found = n
		}
		return found == nil
	})
	return found, found != nil
}

// NodeByPath returns the node at path. A path not starting with '/' is an
// alias resolved through /aliases. As with NodeByName, the last component
// may omit the unit address.
func NodeByPath(t Tree, path string) (Node, bool) {
	if path == "/" {
		return t.Root(), true
	}
	if !strings.HasPrefix(path, "/") {
		aliases, ok := NodeByPath(t, "/aliases")
		if !ok {
			return nil, false
		}
		target, ok := String(aliases, path)
		if !ok || !strings.HasPrefix(target, "/") {
			return nil, false
		}
		path = target
	}
	var found Node
	Visit(t, func(n Node) bool {
		if matches(Path(n), path) {
			found = n
		}
		return found == nil
	})
	return found, found != nil
}

// Strings decodes a string list property.
func Strings(n Node, prop string) []string {
	v, ok := n.Property(prop)
	if !ok || len(v) == 0 {
		return nil
	}
	return strings.Split(strings.TrimSuffix(string(v), "\x00"), "\x00")
}

// String returns the first string of a string list property.
func String(n Node, prop string) (string, bool) {
	s := Strings(n, prop)
	if len(s) == 0 {
		return "", false
	}
	return s[0], true
}

// U32 decodes a single cell property.
func U32(n Node, prop string) (uint32, bool) {
	v, ok := n.Property(prop)
	if !ok || len(v) != 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(v), true
}

// IsCompatible returns true if n lists compat.
func IsCompatible(n Node, compat string) bool {
	for _, c := range Strings(n, "compatible") {
		if c == compat {
			return true
		}
	}
	return false
}

// AddressCells returns the #address-cells n specifies for its children.
func AddressCells(n Node) int {
	if v, ok := U32(n, "#address-cells"); ok {
		return int(v)
	}
	return DefaultAddressCells
}

// SizeCells returns the #size-cells n specifies for its children.
func SizeCells(n Node) int {
	if v, ok := U32(n, "#size-cells"); ok {
		return int(v)
	}
	return DefaultSizeCells
}

// cells decodes a tuple of 1 or 2 cells.
func cells(v []byte, n int) (uint64, []byte, error) {
	switch n {
	case 0:
		return 0, v, nil
	case 1:
		return uint64(binary.BigEndian.Uint32(v)), v[4:], nil
	case 2:
		return binary.BigEndian.Uint64(v), v[8:], nil
	default:
		return 0, nil, fmt.Errorf("%w: %d cells per value", ErrBadProperty, n)
	}
}

// DecodeRegions decodes a list of (address, size) pairs.
func DecodeRegions(v []byte, addressCells, sizeCells int) ([]Region, error) {
	tuple := 4 * (addressCells + sizeCells)
	if tuple == 0 || len(v)%tuple != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a multiple of %d", ErrBadProperty, len(v), tuple)
	}
	var out []Region
	for len(v) > 0 {
		var r Region
		var err error
		if r.Base, v, err = cells(v, addressCells); err != nil {
			return nil, err
		}
		if r.Size, v, err = cells(v, sizeCells); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// translation maps a child bus range to the parent address space.
type translation struct {
	child  uint64
	parent uint64
	size   uint64
}

func ranges(bus Node) ([]translation, error) {
	v, ok := bus.Property("ranges")
	if !ok || len(v) == 0 {
		return nil, nil
	}
	ca, cs := AddressCells(bus), SizeCells(bus)
	pa := DefaultAddressCells
	if p := bus.Parent(); p != nil {
		pa = AddressCells(p)
	}
	tuple := 4 * (ca + pa + cs)
	if len(v)%tuple != 0 {
		return nil, fmt.Errorf("%w: ranges of %d bytes is not a multiple of %d", ErrBadProperty, len(v), tuple)
	}
	var out []translation
	for len(v) > 0 {
		var t translation
		var err error
		if t.child, v, err = cells(v, ca); err != nil {
			return nil, err
		}
		if t.parent, v, err = cells(v, pa); err != nil {
			return nil, err
		}
		if t.size, v, err = cells(v, cs); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// Regions decodes the reg property of n with the cell counts of its parent.
// Addresses are translated through the parent's ranges, if any.
func Regions(n Node) ([]Region, error) {
	bus := n.Parent()
	if bus == nil {
		return nil, fmt.Errorf("%w: reg on the root node", ErrBadProperty)
	}
	v, ok := n.Property("reg")
	if !ok {
		return nil, fmt.Errorf("%s: no reg property", Path(n))
	}
	regs, err := DecodeRegions(v, AddressCells(bus), SizeCells(bus))
	if err != nil {
		return nil, fmt.Errorf("%s: reg: %w", Path(n), err)
	}
	ts, err := ranges(bus)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", Path(bus), err)
	}
	for i, r := range regs {
		for _, t := range ts {
			if r.Base >= t.child && r.End() <= t.child+t.size {
				regs[i].Base = t.parent + (r.Base - t.child)
				break
			}
		}
	}
	return regs, nil
}

// MemReserve decodes the root memreserve property, made of single cell
// (address, size) pairs.
func MemReserve(t Tree) ([]Region, error) {
	v, ok := t.Root().Property("memreserve")
	if !ok {
		return nil, nil
	}
	return DecodeRegions(v, 1, 1)
}
