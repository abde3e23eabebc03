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
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/u-root/u-root/pkg/dt"

	"barekit.dev/barekit/pkg/hostarch"
	"barekit.dev/barekit/pkg/memory"
)

// Flattened device tree format constants.
const (
	Magic      = 0xd00dfeed
	headerSize = 40

	version       = 17
	lastCompatVer = 16
)

// MaxSize bounds the blobs Read accepts.
const MaxSize = 2 << 20

// ErrBadBlob is returned for malformed flattened device trees.
var ErrBadBlob = errors.New("malformed flattened device tree")

// Property is a named property value.
type Property = dt.Property

// FDTNode is a node of an FDT. It implements Node and is also used to build
// trees.
type FDTNode struct {
	node     *dt.Node
	parent   *FDTNode
	children []*FDTNode
}

var _ Node = (*FDTNode)(nil)

func wrapNode(n *dt.Node, parent *FDTNode) *FDTNode {
	w := &FDTNode{node: n, parent: parent}
	for _, c := range n.Children {
		w.children = append(w.children, wrapNode(c, w))
	}
	return w
}

// Name implements Node.Name.
func (n *FDTNode) Name() string {
	return n.node.Name
}

// Parent implements Node.Parent.
func (n *FDTNode) Parent() Node {
	if n.parent == nil {
		return nil
	}
	return n.parent
}

// Children implements Node.Children.
func (n *FDTNode) Children() []Node {
	out := make([]Node, len(n.children))
	for i, c := range n.children {
		out[i] = c
	}
	return out
}

// Property implements Node.Property.
func (n *FDTNode) Property(name string) ([]byte, bool) {
	for _, p := range n.node.Properties {
		if p.Name == name {
			return p.Value, true
		}
	}
	return nil, false
}

// Properties returns the properties of n in tree order.
func (n *FDTNode) Properties() []Property {
	return n.node.Properties
}

// Child returns the child named name, adding it if needed.
func (n *FDTNode) Child(name string) *FDTNode {
	for _, c := range n.children {
		if c.node.Name == name {
			return c
		}
	}
	c := &FDTNode{node: &dt.Node{Name: name}, parent: n}
	n.node.Children = append(n.node.Children, c.node)
	n.children = append(n.children, c)
	return c
}

// Set sets a raw property value.
func (n *FDTNode) Set(name string, value []byte) *FDTNode {
	props := n.node.Properties
	for i := range props {
		if props[i].Name == name {
			props[i].Value = value
			return n
		}
	}
	n.node.Properties = append(props, Property{Name: name, Value: value})
	return n
}

// SetStrings sets a string list property.
func (n *FDTNode) SetStrings(name string, v ...string) *FDTNode {
	var b bytes.Buffer
	for _, s := range v {
		b.WriteString(s)
		b.WriteByte(0)
	}
	return n.Set(name, b.Bytes())
}

// SetU32 sets a property of cells.
func (n *FDTNode) SetU32(name string, v ...uint32) *FDTNode {
	b := make([]byte, 4*len(v))
	for i, c := range v {
		binary.BigEndian.PutUint32(b[4*i:], c)
	}
	return n.Set(name, b)
}

// SetReg sets reg from regions, encoded with the cell counts of the parent.
func (n *FDTNode) SetReg(regions ...Region) *FDTNode {
	ac, sc := DefaultAddressCells, DefaultSizeCells
	if n.parent != nil {
		ac, sc = AddressCells(n.parent), SizeCells(n.parent)
	}
	var cells []uint32
	put := func(v uint64, width int) {
		if width == 2 {
			cells = append(cells, uint32(v>>32))
		}
		if width >= 1 {
			cells = append(cells, uint32(v))
		}
	}
	for _, r := range regions {
		put(r.Base, ac)
		put(r.Size, sc)
	}
	return n.SetU32("reg", cells...)
}

// FDT is a flattened device tree.
type FDT struct {
	fdt  *dt.FDT
	root *FDTNode
}

var _ Tree = (*FDT)(nil)

// New returns an empty tree.
func New() *FDT {
	f := &dt.FDT{
		Header: dt.Header{
			Magic:           Magic,
			Version:         version,
			LastCompVersion: lastCompatVer,
		},
		RootNode: &dt.Node{},
	}
	return &FDT{fdt: f, root: wrapNode(f.RootNode, nil)}
}

// Root implements Tree.Root.
func (f *FDT) Root() Node {
	return f.root
}

// RootNode returns the root for building.
func (f *FDT) RootNode() *FDTNode {
	return f.root
}

// ReservedEntries implements Tree.ReservedEntries.
func (f *FDT) ReservedEntries() []Region {
	var out []Region
	for _, r := range f.fdt.ReserveEntries {
		out = append(out, Region{Base: r.Address, Size: r.Size})
	}
	return out
}

// Reserve appends to the memory reservation block.
func (f *FDT) Reserve(r Region) {
	f.fdt.ReserveEntries = append(f.fdt.ReserveEntries, dt.ReserveEntry{Address: r.Base, Size: r.Size})
}

// totalSize checks the header at the start of b and returns the size of the
// blob it describes.
func totalSize(b []byte) (uint32, error) {
	if len(b) < headerSize {
		return 0, fmt.Errorf("%w: %d bytes", ErrBadBlob, len(b))
	}
	if magic := binary.BigEndian.Uint32(b); magic != Magic {
		return 0, fmt.Errorf("%w: magic %#x", ErrBadBlob, magic)
	}
	return binary.BigEndian.Uint32(b[4:]), nil
}

// Read parses the blob at addr.
func Read(mem memory.Memory, addr hostarch.Addr) (*FDT, error) {
	size, err := totalSize(mem.Slice(addr, headerSize))
	if err != nil {
		return nil, err
	}
	if size > MaxSize {
		return nil, fmt.Errorf("%w: total size %d", ErrBadBlob, size)
	}
	return Parse(mem.Slice(addr, uint64(size)))
}

// Parse decodes a flattened device tree.
func Parse(b []byte) (*FDT, error) {
	size, err := totalSize(b)
	if err != nil {
		return nil, err
	}
	if uint64(size) > uint64(len(b)) {
		return nil, fmt.Errorf("%w: total size %d exceeds %d", ErrBadBlob, size, len(b))
	}
	f, err := dt.ReadFDT(bytes.NewReader(b[:size]))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadBlob, err)
	}
	if f.RootNode == nil {
		return nil, fmt.Errorf("%w: no root node", ErrBadBlob)
	}
	return &FDT{fdt: f, root: wrapNode(f.RootNode, nil)}, nil
}

// Encode returns the tree as a flattened device tree blob.
func (f *FDT) Encode() []byte {
	var b bytes.Buffer
	if _, err := f.fdt.Write(&b); err != nil {
		// Only a tree too large for 32-bit offsets fails to encode.
		panic(fmt.Sprintf("encoding device tree: %v", err))
	}
	return b.Bytes()
}
