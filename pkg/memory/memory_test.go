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

package memory

import (
	"bytes"
	"runtime"
	"testing"
	"unsafe"

	"barekit.dev/barekit/pkg/hostarch"
)

func exercise(t *testing.T, name string, m Memory, base hostarch.Addr) {
	t.Helper()
	m.Store64(base, 0x1122334455667788)
	if got := m.Load32(base); got != 0x55667788 {
		t.Errorf("%s: Load32: got %#x, wanted %#x", name, got, 0x55667788)
	}
	if got := m.Load16(base + 4); got != 0x3344 {
		t.Errorf("%s: Load16: got %#x, wanted %#x", name, got, 0x3344)
	}
	if got := m.Load8(base + 7); got != 0x11 {
		t.Errorf("%s: Load8: got %#x, wanted %#x", name, got, 0x11)
	}
	m.Store8(base+8, 0xaa)
	m.Store16(base+10, 0xbbcc)
	m.Store32(base+12, 0xddeeff00)
	if got := m.Load64(base + 8); got != 0xddeeff00bbcc00aa {
		t.Errorf("%s: Load64: got %#x, wanted %#x", name, got, uint64(0xddeeff00bbcc00aa))
	}

	// Overlapping forward copy keeps the source bytes intact.
	copy(m.Slice(base+16, 8), "abcdefgh")
	Copy(m, base+18, base+16, 8)
	if got, want := m.Slice(base+16, 10), []byte("ababcdefgh"); !bytes.Equal(got, want) {
		t.Errorf("%s: Copy: got %q, wanted %q", name, got, want)
	}
	Zero(m, base+16, 4)
	if got, want := m.Slice(base+16, 6), []byte("\x00\x00\x00\x00cd"); !bytes.Equal(got, want) {
		t.Errorf("%s: Zero: got %q, wanted %q", name, got, want)
	}
}

func TestBytes(t *testing.T) {
	b := &Bytes{Base: 0x40000000, Data: make([]byte, 64)}
	exercise(t, "Bytes", b, 0x40000000)
}

func bytesOf(s []uint64) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(&s[0])), len(s)*8)
}

func TestDirect(t *testing.T) {
	buf := make([]uint64, 8)
	raw := bytesOf(buf)
	exercise(t, "Direct", Direct{}, AddressOf(raw))
	runtime.KeepAlive(buf)
}

func TestBytesOutOfRange(t *testing.T) {
	b := &Bytes{Base: 0x1000, Data: make([]byte, 16)}
	for _, addr := range []hostarch.Addr{0xfff, 0x100c} {
		func() {
			defer func() {
				if recover() == nil {
					t.Errorf("Load64(%#x) did not panic", addr)
				}
			}()
			b.Load64(addr)
		}()
	}
}
