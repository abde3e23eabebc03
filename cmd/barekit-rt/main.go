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


//go:build arm64 && baremetal
// +build arm64,baremetal

// Binary barekit-rt is the runtime image. It is built for a bare-metal Go
// runtime and entered at hw.Start:
//
//	GOOS=tamago GOARCH=arm64 go build -tags baremetal \
//	    -ldflags '-E barekit.dev/barekit/pkg/processor/hw.Start' ./cmd/barekit-rt
package main

import (
	_ "unsafe" // for go:linkname

	"barekit.dev/barekit/pkg/boot"
	"barekit.dev/barekit/pkg/console"
	"barekit.dev/barekit/pkg/processor/hw"
)

// Memory given to the Go runtime heap. The layout is that of the QEMU virt
// board.
//
//go:linkname ramStart runtime.ramStart
var ramStart uint64 = 0x4000_0000

//go:linkname ramSize runtime.ramSize
var ramSize uint64 = 0x800_0000

// hwinit has nothing to do: devices are set up by boot.Entry once the device
// tree is known.
//
//go:linkname hwinit runtime.hwinit
func hwinit() {}

var printkBuf [1]byte

// printk sends runtime output, including panics, to the active console.
//
//go:linkname printk runtime.printk
func printk(c byte) {
	printkBuf[0] = c
	console.Output.Write(printkBuf[:])
}

func main() {
	status := boot.Entry(hw.New(), boot.Registers(hw.EntryRegisters()), boot.Options{
		OpenDeviceTree: boot.ReadDeviceTree,
	})
	hw.Return(status)
}
