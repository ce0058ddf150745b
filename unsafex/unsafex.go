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

import "unsafe"

// BinaryToString converts []byte to string without copy.
// The string shares memory with b, so b must not be modified afterwards
// unless the caller expects the change to be visible through the string.
func BinaryToString(b []byte) string {
	return unsafe.String(unsafe.SliceData(b), len(b))
}

// StringToBinary converts string to []byte without copy.
// The returned slice MUST NOT be written if s refers to a string literal.
func StringToBinary(s string) []byte {
	return unsafe.Slice(unsafe.StringData(s), len(s))
}

// DataPointer returns the address stored in the slice header of b.
// Unlike &b[0] it works for zero-length slices and never panics.
func DataPointer(b []byte) unsafe.Pointer {
	return unsafe.Pointer(unsafe.SliceData(b))
}

// Addr returns the numeric address of the first byte of b.
func Addr(b []byte) uintptr {
	return uintptr(DataPointer(b))
}
