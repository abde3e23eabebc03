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

package config

import (
	"flag"
	"strconv"
)

// RegisterFlags registers the flags that override board settings.
func RegisterFlags(flagSet *flag.FlagSet) {
	flagSet.Int("el", 0, "exception level to enter the image at, overriding the board.")
	flagSet.String("entry", "", "boot convention: baremetal, secure or efi.")
	flagSet.String("load-address", "", "address to place the image at.")
	flagSet.String("device-tree", "", "address to place the device tree at, 0 for none.")
	flagSet.String("vector-base", "", "vector base left by the previous boot stage.")
	flagSet.Int("max-steps", 0, "instruction limit of each simulated call.")
}

// ApplyFlags returns a copy of b with the flags set on flagSet applied. b is
// not modified.
func ApplyFlags(flagSet *flag.FlagSet, b *Board) (*Board, error) {
	out := b.Copy()
	var err error
	flagSet.Visit(func(f *flag.Flag) {
		if err != nil {
			return
		}
		v := f.Value.String()
		switch f.Name {
		case "el":
			out.EL, err = strconv.Atoi(v)
		case "entry":
			out.Entry = v
		case "load-address":
			out.LoadAddress, err = strconv.ParseUint(v, 0, 64)
		case "device-tree":
			out.DeviceTree, err = strconv.ParseUint(v, 0, 64)
		case "vector-base":
			out.VectorBase, err = strconv.ParseUint(v, 0, 64)
		case "max-steps":
			out.MaxSteps, err = strconv.Atoi(v)
		}
	})
	if err != nil {
		return nil, err
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}
