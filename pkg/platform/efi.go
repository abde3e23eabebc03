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
	"errors"

	"barekit.dev/barekit/pkg/console"
	"barekit.dev/barekit/pkg/efi"
	"barekit.dev/barekit/pkg/hostarch"
	"barekit.dev/barekit/pkg/log"
)

// efiApp is entry as a UEFI application: x0 is the image handle and x1 the
// system table.
type efiApp struct {
	base
	fw efi.SystemTable
}

func newEFI(info Info, env Env) (Platform, error) {
	if env.Firmware == nil {
		return nil, errors.New("EFI platform without firmware")
	}
	return &efiApp{base: base{info: info, env: env}, fw: env.Firmware}, nil
}

// Name implements Platform.Name.
func (*efiApp) Name() string {
	return "EFI"
}

// DeviceTreeAddress implements Platform.DeviceTreeAddress.
func (p *efiApp) DeviceTreeAddress() (hostarch.Addr, bool) {
	return p.fw.ConfigurationTable(efi.DeviceTreeGUID)
}

// SetBootConsole implements Platform.SetBootConsole.
func (p *efiApp) SetBootConsole() {
	if err := console.Activate(console.NewEFI(p.fw)); err != nil {
		log.Warningf("EFI console: %v", err)
	}
}

// CanReturn implements Platform.CanReturn.
func (*efiApp) CanReturn() bool {
	return true
}

// Stop implements Platform.Stop.
func (p *efiApp) Stop() {
	p.fw.ResetSystem(efi.ResetCold, efi.Success)
}
