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

// entryState is the caller state saved by Start. Offsets are used by
// hw_arm64.s.
type entryState struct {
	args  [6]uint64  // x0 to x5
	saved [12]uint64 // x19 to x30
	sp    uint64
}

var entry entryState

// Start is the entry point of the image. Link with
// -E barekit.dev/barekit/pkg/processor/hw.Start.
func Start()

// Return resumes the caller of Start with status in x0. It does not return.
func Return(status int64)

// EntryRegisters returns x0 to x5 as passed to Start.
func EntryRegisters() [6]uint64 {
	return entry.args
}
