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

package hw

import (
	"barekit.dev/barekit/pkg/efi"
	"barekit.dev/barekit/pkg/hostarch"
	"barekit.dev/barekit/pkg/memory"
	"barekit.dev/barekit/pkg/platform"
)

// scratch is passed by reference to firmware services.
var scratch [4 * efi.MinScratchSize]byte

// Machine is the running CPU with direct access to memory.
type Machine struct {
	*CPU
	memory.Direct
}

var _ platform.Machine = (*Machine)(nil)

// New returns the running machine.
func New() *Machine {
	return &Machine{CPU: NewCPU()}
}

// Firmware returns the UEFI firmware whose system table is at table.
func (m *Machine) Firmware(image, table uint64) (efi.SystemTable, error) {
	fw, err := efi.Open(m.Direct, m.CPU, image, hostarch.Addr(table), memory.AddressOf(scratch[:]), uint64(len(scratch)))
	if err != nil {
		return nil, err
	}
	return fw, nil
}
