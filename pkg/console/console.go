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

// Package console provides the sinks boot output is written to.
//
// Output goes to a single active sink. Until a device is known, the active
// sink is a Buffer; switching to a device replays what the buffer holds so
// nothing printed before the switch is lost.
package console

import (
	"io"
	"sync/atomic"

	"barekit.dev/barekit/pkg/log"
)

// Sink is a destination for boot output.
type Sink interface {
	io.Writer

	// Unprinted returns output accepted but not yet sent to a device.
	Unprinted() string
}

// BufferSize is the capacity of the early buffer.
const BufferSize = 4096

// Buffer is a Sink that holds output until a device is available. Output
// beyond its capacity is dropped.
type Buffer struct {
	data    []byte
	dropped uint64
}

// NewBuffer returns a buffer holding up to capacity bytes.
func NewBuffer(capacity int) *Buffer {
	return &Buffer{data: make([]byte, 0, capacity)}
}

// Write implements io.Writer.Write. It never fails.
func (b *Buffer) Write(p []byte) (int, error) {
	n := min(len(p), cap(b.data)-len(b.data))
	b.data = append(b.data, p[:n]...)
	b.dropped += uint64(len(p) - n)
	return len(p), nil
}

// Unprinted implements Sink.Unprinted.
func (b *Buffer) Unprinted() string {
	return string(b.data)
}

// Dropped returns the number of bytes that did not fit.
func (b *Buffer) Dropped() uint64 {
	return b.dropped
}

// holder lets atomic.Pointer carry an interface.
type holder struct {
	Sink
}

var active atomic.Pointer[holder]

// Active returns the active sink, or nil.
func Active() Sink {
	if h := active.Load(); h != nil {
		return h.Sink
	}
	return nil
}

type output struct{}

// Write implements io.Writer.Write. Output is discarded when no sink is
// active.
func (output) Write(p []byte) (int, error) {
	s := Active()
	if s == nil {
		return len(p), nil
	}
	return s.Write(p)
}

// Output writes to the active sink.
var Output io.Writer = output{}

// Install makes s the active sink and points the global logger at it.
func Install(s Sink) {
	active.Store(&holder{s})
	log.SetTarget(&log.Writer{Next: Output})
}

// Activate makes s the active sink and writes to it whatever the previous
// sink had not printed.
func Activate(s Sink) error {
	var pending string
	if prev := Active(); prev != nil {
		pending = prev.Unprinted()
	}
	active.Store(&holder{s})
	if pending == "" {
		return nil
	}
	_, err := io.WriteString(s, pending)
	return err
}
