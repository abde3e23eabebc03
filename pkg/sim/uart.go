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

package sim

import (
	"strings"
)

// PL011 is an ARM PL011 UART that is always ready to transmit.
type PL011 struct {
	out strings.Builder
}

// Read implements Device.Read. The flag register reads as idle.
func (*PL011) Read(off uint64, size int) uint64 {
	return 0
}

// Write implements Device.Write.
func (u *PL011) Write(off uint64, size int, v uint64) {
	if off == 0 {
		u.out.WriteByte(byte(v))
	}
}

// Output returns the transmitted bytes.
func (u *PL011) Output() string {
	return u.out.String()
}

// NS16550 is a 16550 compatible UART with registers spaced 1<<Shift bytes
// apart.
type NS16550 struct {
	Shift uint

	// Wide records whether any register was accessed with 32-bit
	// accesses.
	Wide bool

	out strings.Builder
}

// lsrIdle is THRE and TEMT.
const lsrIdle = 0x60

// Read implements Device.Read.
func (u *NS16550) Read(off uint64, size int) uint64 {
	u.Wide = u.Wide || size == 4
	if off == 5<<u.Shift {
		return lsrIdle
	}
	return 0
}

// Write implements Device.Write.
func (u *NS16550) Write(off uint64, size int, v uint64) {
	u.Wide = u.Wide || size == 4
	if off == 0 {
		u.out.WriteByte(byte(v))
	}
}

// Output returns the transmitted bytes.
func (u *NS16550) Output() string {
	return u.out.String()
}
