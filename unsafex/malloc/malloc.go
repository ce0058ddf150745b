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

// Package malloc provides the allocators that arena components draw memory from.
//
// Every allocator in this package satisfies Allocator. Memory handed out is
// maximally aligned, so callers may carve naturally aligned sub-regions out
// of it without further adjustment.
package malloc

import (
	"errors"
	"fmt"
	"math/bits"
)

var (
	// ErrOutOfMemory is returned when an allocator cannot satisfy a request.
	ErrOutOfMemory = errors.New("malloc: out of memory")

	// ErrInvalidSize is returned for negative sizes.
	ErrInvalidSize = errors.New("malloc: invalid size")
)

// MaxAllocSize is the largest request any allocator in this package will try.
// It matches the size of the Go heap address space. Larger requests fail with
// ErrOutOfMemory. Smaller ones are passed on, and when the Go heap cannot
// satisfy them the runtime aborts the process with a fatal error.
const MaxAllocSize = 1<<(31+(bits.UintSize/64)*17) - 1

// Allocator is the upstream interface used by arena components.
//
// Allocate returns a slice with len == size whose first byte is aligned to
// unsafex.MaxAlignment. A zero size returns an empty slice. Failures return an
// error wrapping ErrOutOfMemory or ErrInvalidSize.
//
// Deallocate returns memory obtained from Allocate of the same allocator.
// The slice must be exactly the one returned by Allocate (it must not be
// resliced from the front). Passing an empty slice is a no-op.
type Allocator interface {
	Allocate(size int) ([]byte, error)
	Deallocate(buf []byte)
}

func checkSize(size int) error {
	if size < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}
	if size > MaxAllocSize {
		return fmt.Errorf("%w: request of %d bytes exceeds %d", ErrOutOfMemory, size, MaxAllocSize)
	}
	return nil
}
