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

package platform

import (
	"barekit.dev/barekit/pkg/console"
	"barekit.dev/barekit/pkg/hostarch"
	"barekit.dev/barekit/pkg/log"
)

// deviceTreeFromX0 is the device tree convention of bare-metal entry: x0
// holds the blob address, or zero.
type deviceTreeFromX0 struct {
	base
}

// DeviceTreeAddress implements Platform.DeviceTreeAddress.
func (p *deviceTreeFromX0) DeviceTreeAddress() (hostarch.Addr, bool) {
	return hostarch.Addr(p.info.X0), p.info.X0 != 0
}

// SetBootConsole implements Platform.SetBootConsole. Without a device tree
// the console is assumed to be the fallback UART.
func (p *deviceTreeFromX0) SetBootConsole() {
	if p.info.X0 != 0 {
		return
	}
	if err := console.Activate(console.NewFallback(p.env.Machine)); err != nil {
		log.Warningf("Fallback console: %v", err)
	}
}

// bareMetal is entry at EL1 or EL2 from a boot loader or hypervisor.
type bareMetal struct {
	deviceTreeFromX0
}

func newBareMetal(info Info, env Env) (Platform, error) {
	log.Debugf("Creating EL1/2 platform")
	return &bareMetal{deviceTreeFromX0{base{info: info, env: env}}}, nil
}

// Name implements Platform.Name.
func (*bareMetal) Name() string {
	return "EL1/2"
}

// el3 is entry at EL3, in place of the secure monitor.
type el3 struct {
	deviceTreeFromX0
}

func newEL3(info Info, env Env) (Platform, error) {
	log.Debugf("Creating EL3 platform")
	return &el3{deviceTreeFromX0{base{info: info, env: env}}}, nil
}

// Name implements Platform.Name.
func (*el3) Name() string {
	return "EL3"
}

// IsSecure implements Platform.IsSecure.
func (*el3) IsSecure() bool {
	return true
}

// TLKEntryDone is the SMC function identifier a secure payload issues to
// tell the monitor it finished its entry.
const TLKEntryDone = 0x32000003 | 1<<31

// secureEL1 is dispatch from the secure monitor into a trusted OS slot.
type secureEL1 struct {
	base
}

func newSecureEL1(info Info, env Env) (Platform, error) {
	log.Debugf("Creating S-EL1 platform: x2 %#x x3 %#x", info.X2, info.X3)
	return &secureEL1{base{info: info, env: env}}, nil
}

// Name implements Platform.Name.
func (*secureEL1) Name() string {
	return "S-EL1"
}

// DeviceTreeAddress implements Platform.DeviceTreeAddress.
func (p *secureEL1) DeviceTreeAddress() (hostarch.Addr, bool) {
	return hostarch.Addr(p.info.X0), p.info.X0 != 0
}

// Stop implements Platform.Stop.
func (p *secureEL1) Stop() {
	p.env.Machine.SMC(TLKEntryDone)
}

// IsSecure implements Platform.IsSecure.
func (*secureEL1) IsSecure() bool {
	return true
}
