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

	"barekit.dev/barekit/pkg/devicetree"
	"barekit.dev/barekit/pkg/efi"
	"barekit.dev/barekit/pkg/hostarch"
	"barekit.dev/barekit/pkg/memory"
)

// DefaultStdoutPath is used when /chosen has no stdout-path.
const DefaultStdoutPath = "serial0"

// ErrNoDriver is returned by Select when no driver supports the console.
var ErrNoDriver = errors.New("no console driver")

// StdoutPath returns the console path named by /chosen, without options.
func StdoutPath(t devicetree.Tree) string {
	path := DefaultStdoutPath
	if chosen, ok := devicetree.NodeByPath(t, "/chosen"); ok {
		if p, ok := devicetree.String(chosen, "stdout-path"); ok && p != "" {
			path = p
		}
	}
	// "serial0:115200n8" names serial0 at 115200 baud.
	if i := strings.IndexByte(path, ':'); i >= 0 {
		path = path[:i]
	}
	return path
}

// Select returns a driver for the console named by /chosen/stdout-path.
func Select(t devicetree.Tree, mem memory.Memory) (Sink, error) {
	path := StdoutPath(t)
	n, ok := devicetree.NodeByPath(t, path)
	if !ok {
		return nil, fmt.Errorf("%w: stdout-path %q not found", ErrNoDriver, path)
	}
	return ForNode(n, mem)
}

// ForNode returns a driver for the UART described by n.
func ForNode(n devicetree.Node, mem memory.Memory) (Sink, error) {
	for _, c := range devicetree.Strings(n, "compatible") {
		switch c {
		case CompatiblePL011, CompatibleSBSA:
			base, err := mmio(n)
			if err != nil {
				return nil, err
			}
			return NewPL011(mem, base), nil
		case CompatibleNS16550A, CompatibleBCM2835, CompatibleDesignWare:
			base, err := mmio(n)
			if err != nil {
				return nil, err
			}
			width, shift := uint32(1), uint32(0)
			switch c {
			case CompatibleBCM2835:
				shift = 2
			case CompatibleDesignWare:
				if v, ok := devicetree.U32(n, "reg-io-width"); ok {
					width = v
				}
				if v, ok := devicetree.U32(n, "reg-shift"); ok {
					shift = v
				}
			}
			return NewNS16550(mem, base, width, shift), nil
		}
	}
	return nil, fmt.Errorf("%w: %s is compatible with %q", ErrNoDriver, devicetree.Path(n), devicetree.Strings(n, "compatible"))
}

func mmio(n devicetree.Node) (hostarch.Addr, error) {
	regs, err := devicetree.Regions(n)
	if err != nil {
		return 0, err
	}
	if len(regs) == 0 {
		return 0, fmt.Errorf("%s: empty reg", devicetree.Path(n))
	}
	return hostarch.Addr(regs[0].Base), nil
}

// EFI is a Sink writing to the UEFI console.
type EFI struct {
	st efi.SystemTable
}

// NewEFI returns the console of st.
func NewEFI(st efi.SystemTable) *EFI {
	return &EFI{st: st}
}

// Write implements io.Writer.Write.
func (c *EFI) Write(p []byte) (int, error) {
	if err := c.st.OutputString(string(p)); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Unprinted implements Sink.Unprinted.
func (*EFI) Unprinted() string {
	return ""
}
