/*
 * Copyright 2024 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package unsafex

import (
	"math/bits"
	"unsafe"
)

// maxAlignType contains the widest fundamental types of the platform.
type maxAlignType struct {
	_ uint64
	_ float64
	_ complex128
	_ uintptr
	_ unsafe.Pointer
}

// MaxAlignment is the most restrictive alignment required by any fundamental type.
// It is 8 on 64-bit platforms.
const MaxAlignment = int(unsafe.Alignof(maxAlignType{}))

// IsPowerOfTwo reports whether n is a positive power of two.
func IsPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}

// NaturalAlignment returns the alignment implied by size:
// the largest power of two dividing size, capped at MaxAlignment.
// A zero size needs no alignment and returns 1.
func NaturalAlignment(size int) int {
	if size <= 0 {
		return 1
	}
	a := 1 << bits.TrailingZeros(uint(size))
	if a > MaxAlignment {
		return MaxAlignment
	}
	return a
}

// AlignmentOffset returns the number of bytes to add to addr so that it becomes
// a multiple of alignment. alignment MUST be a power of two.
func AlignmentOffset(addr uintptr, alignment int) int {
	mask := uintptr(alignment - 1)
	return int((uintptr(alignment) - addr&mask) & mask)
}

// IsAligned reports whether addr is a multiple of alignment.
// alignment MUST be a power of two.
func IsAligned(addr uintptr, alignment int) bool {
	return addr&uintptr(alignment-1) == 0
}

// RoundUp rounds n up to the nearest multiple of alignment.
// It returns false if the result would overflow int.
// alignment MUST be a power of two.
func RoundUp(n, alignment int) (int, bool) {
	mask := alignment - 1
	if n > maxInt-mask {
		return 0, false
	}
	return (n + mask) &^ mask, true
}

const maxInt = int(^uint(0) >> 1)
