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

package boot

import (
	"barekit.dev/barekit/pkg/console"
	"barekit.dev/barekit/pkg/devicetree"
	"barekit.dev/barekit/pkg/log"
	"barekit.dev/barekit/pkg/platform"
	"barekit.dev/barekit/pkg/vectors"
)

// Run is boot phase 1. It sets up the console from the device tree, runs
// the workload with the boot vectors installed and stops the platform.
func Run(p platform.Platform, env platform.Env, opts Options) int64 {
	m := env.Machine
	info := p.Info()
	log.Infof("Hello from %s runtime phase 1.", p.Name())
	log.Infof("    Load address  = %#x", info.ImageBase)
	log.Infof("    End of image  = %#x", info.ImageEnd)
	log.Infof("    End of stack  = %#x", info.StackTop)
	log.Infof("    Start of Heap = %#x", info.HeapBase)

	if addr, ok := p.DeviceTreeAddress(); !ok {
		log.Warningf("No device tree available")
	} else if addr&3 != 0 {
		m.Halt("Invalid device tree address %#x, it must be 32-bit aligned", addr)
	} else if opts.OpenDeviceTree == nil {
		log.Warningf("Ignoring the device tree at %#x", addr)
	} else {
		t, err := opts.OpenDeviceTree(m, addr)
		if err != nil {
			m.Halt("Device tree at %#x: %v", addr, err)
		}
		useDeviceTree(p, env, t)
	}

	b := vectors.New(m, m, env.Heap)
	b.Install()
	b.Diagnose()

	workload := opts.Workload
	if workload == nil {
		workload = HelloWorld
	}
	status := workload(p, env)

	b.Restore()
	p.PreStop()
	// May not return, for example at S-EL1.
	p.Stop()
	if p.CanReturn() {
		return status
	}
	p.Park()
	return status
}

// useDeviceTree reports memory and switches to the console named by t.
func useDeviceTree(p platform.Platform, env platform.Env, t devicetree.Tree) {
	m := env.Machine
	if mem, ok := devicetree.NodeByName(t, "memory"); ok {
		regs, err := devicetree.Regions(mem)
		if err != nil {
			log.Warningf("%s: %v", devicetree.Path(mem), err)
		}
		log.Infof("memory:")
		for _, r := range regs {
			log.Infof("    %v", r)
		}
	}
	log.Infof("memory reservations:")
	for _, r := range t.ReservedEntries() {
		log.Infof("    %v", r)
	}
	reserve, err := devicetree.MemReserve(t)
	if err != nil {
		log.Warningf("memreserve: %v", err)
	}
	for _, r := range reserve {
		log.Infof("    %v", r)
	}

	path := console.StdoutPath(t)
	log.Infof("stdout=%s", path)
	sink, err := console.Select(t, m)
	if err != nil {
		m.Halt("%v", err)
	}
	if n, ok := devicetree.NodeByPath(t, path); ok {
		if regs, err := devicetree.Regions(n); err == nil && len(regs) > 0 {
			log.Infof("    mmio=%v", regs[0])
		}
	}
	if err := console.Activate(sink); err != nil {
		log.Warningf("Console: %v", err)
	}
	p.SetDeviceTree(t)
}
