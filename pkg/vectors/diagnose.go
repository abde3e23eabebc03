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

package vectors

import (
	"fmt"

	"barekit.dev/barekit/pkg/log"
	"barekit.dev/barekit/pkg/processor"
)

// Exception class names, from the ESR_ELx.EC encoding.
var classNames = map[uint8]string{
	0x00: "Unknown reason",
	0x01: "Trapped WFI or WFE",
	0x07: "Trapped SIMD or floating point access",
	0x0e: "Illegal execution state",
	0x15: "SVC instruction",
	0x16: "HVC instruction",
	0x17: "SMC instruction",
	0x18: "Trapped MSR, MRS or system instruction",
	0x20: "Instruction abort from a lower level",
	0x21: "Instruction abort",
	0x22: "PC alignment fault",
	0x24: "Data abort from a lower level",
	0x25: "Data abort",
	0x26: "SP alignment fault",
	0x2f: "SError interrupt",
	0x3c: "BRK instruction",
}

// ClassName returns a description of exception class ec.
func ClassName(ec uint8) string {
	if n, ok := classNames[ec]; ok {
		return n
	}
	return fmt.Sprintf("Exception class %#x", ec)
}

// Reading is a diagnostic register value.
type Reading struct {
	Name  string
	Value uint64
}

// Diagnose reads processor.DiagnosticRegisters and logs those present with a
// non-zero value. Registers that may trap at the current level are probed
// through the installed handler; without it they are skipped.
func (b *Bootstrapper) Diagnose() []Reading {
	el := processor.CurrentExceptionLevel(b.cpu)
	var out []Reading
	for _, d := range processor.DiagnosticRegisters {
		var v uint64
		if d.NeedsProbe(el) {
			if b.state != Patched {
				continue
			}
			var ok bool
			if v, ok = processor.ProbeRegisterAvailable(b.cpu, d.Reg, b.TrapCell()); !ok {
				continue
			}
		} else {
			v = b.cpu.ReadSysReg(d.Reg)
		}
		if v == 0 {
			continue
		}
		out = append(out, Reading{Name: d.Name(), Value: v})
		log.Infof("%-18s %#018x", d.Name()+":", v)
	}
	return out
}
