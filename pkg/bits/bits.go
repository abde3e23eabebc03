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

// Package bits includes non-atomic bit operations on register and
// descriptor values.
package bits

// IsOn64 returns true if *all* bits set in 'bits' are set in 'mask'.
func IsOn64(mask, bits uint64) bool {
	return mask&bits == bits
}

// IsAnyOn64 returns true if *any* bit set in 'bits' is set in 'mask'.
func IsAnyOn64(mask, bits uint64) bool {
	return mask&bits != 0
}

// Mask64 returns a uint64 with all of the given bits set.
func Mask64(is ...int) uint64 {
	ret := uint64(0)
	for _, i := range is {
		ret |= MaskOf64(i)
	}
	return ret
}

// MaskOf64 is like Mask64, but sets only a single bit (more efficiently).
func MaskOf64(i int) uint64 {
	return uint64(1) << uint64(i)
}

// FieldMask64 returns a mask of width bits starting at bit lo.
func FieldMask64(lo, width uint) uint64 {
	if width >= 64 {
		return ^uint64(0) << lo
	}
	return ((uint64(1) << width) - 1) << lo
}

// Field64 extracts the width-bit field of v starting at bit lo.
func Field64(v uint64, lo, width uint) uint64 {
	return (v & FieldMask64(lo, width)) >> lo
}

// SetField64 returns v with the width-bit field at bit lo replaced by f.
func SetField64(v uint64, lo, width uint, f uint64) uint64 {
	m := FieldMask64(lo, width)
	return v&^m | (f<<lo)&m
}

// SignExtend64 sign extends the low width bits of v.
func SignExtend64(v uint64, width uint) int64 {
	shift := 64 - width
	return int64(v<<shift) >> shift
}

// FitsSigned64 returns true if v is representable as a width-bit two's
// complement value.
func FitsSigned64(v int64, width uint) bool {
	lim := int64(1) << (width - 1)
	return v >= -lim && v < lim
}

// IsPowerOfTwo64 returns true if v is a power of two.
func IsPowerOfTwo64(v uint64) bool {
	return v != 0 && v&(v-1) == 0
}
