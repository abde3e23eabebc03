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

package efi

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestPages(t *testing.T) {
	for _, tc := range []struct {
		size uint64
		want uint64
	}{
		{size: 0, want: 0},
		{size: 1, want: 1},
		{size: PageSize, want: 1},
		{size: PageSize + 1, want: 2},
		{size: 512 << 10, want: 128},
	} {
		if got := Pages(tc.size); got != tc.want {
			t.Errorf("Pages(%#x): got %d, wanted %d", tc.size, got, tc.want)
		}
	}
}

func TestGUIDLayout(t *testing.T) {
	// The first three fields are little endian in memory.
	want := GUID{
		0xd5, 0x21, 0xb6, 0xb1,
		0x9c, 0xf1,
		0xa5, 0x41,
		0x83, 0x0b, 0xd9, 0x15, 0x2c, 0x69, 0xaa, 0xe0,
	}
	if diff := cmp.Diff(want, DeviceTreeGUID); diff != "" {
		t.Errorf("DeviceTreeGUID mismatch (-want +got):\n%s", diff)
	}
	if got, want := DeviceTreeGUID.String(), "b1b621d5-f19c-41a5-830b-d9152c69aae0"; got != want {
		t.Errorf("String: got %q, wanted %q", got, want)
	}
	if got := GUIDOf(LoadedImageProtocolGUID.UUID()); got != LoadedImageProtocolGUID {
		t.Errorf("GUIDOf(UUID()): got %v, wanted %v", got, LoadedImageProtocolGUID)
	}
}

func TestStatus(t *testing.T) {
	for _, tc := range []struct {
		status Status
		err    string
	}{
		{status: Success},
		{status: 1}, // A warning.
		{status: OutOfResources, err: "efi: out of resources"},
		{status: errorBit | 0x42, err: "efi: status 0x8000000000000042"},
	} {
		err := tc.status.Err()
		switch {
		case tc.err == "" && err != nil:
			t.Errorf("Status(%#x).Err: got %v, wanted nil", uint64(tc.status), err)
		case tc.err != "" && (err == nil || err.Error() != tc.err):
			t.Errorf("Status(%#x).Err: got %v, wanted %q", uint64(tc.status), err, tc.err)
		}
	}
	var s Status
	if !errors.As(NotFound.Err(), &s) || s != NotFound {
		t.Errorf("errors.As: got %v", s)
	}
}

func TestLoadedImageEnd(t *testing.T) {
	li := LoadedImage{Base: 0x4008_0000, Size: 0x1_0010}
	if got := li.End(); got != 0x4009_0010 {
		t.Errorf("End: got %#x", got)
	}
}
