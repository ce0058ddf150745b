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

package malloc

import (
	"fmt"

	"github.com/bytedance/gopkg/lang/dirtmake"
	"github.com/bytedance/gopkg/lang/mcache"
	"github.com/bytedance/gopkg/lang/span"

	"github.com/bloomberg/bde-sub080/unsafex"
)

// HeapAllocator allocates from the Go heap without zeroing memory.
// Deallocate is a no-op: memory is reclaimed by the GC once unreferenced.
type HeapAllocator struct{}

var _ Allocator = HeapAllocator{}

// NewHeapAllocator returns a HeapAllocator.
func NewHeapAllocator() HeapAllocator { return HeapAllocator{} }

// Allocate implements Allocator.
func (HeapAllocator) Allocate(size int) ([]byte, error) {
	if err := checkSize(size); err != nil {
		return nil, err
	}
	if size == 0 {
		return []byte{}, nil
	}
	// rounding keeps the runtime's tiny allocator from handing out
	// sub-word aligned memory.
	n, _ := unsafex.RoundUp(size, unsafex.MaxAlignment)
	return dirtmake.Bytes(size, n), nil
}

// Deallocate implements Allocator.
func (HeapAllocator) Deallocate([]byte) {}

// PooledAllocator recycles buffers through size-class pools.
// Deallocated buffers are reused by later allocations of the same class.
// It is safe for concurrent use.
type PooledAllocator struct{}

// maxPooledSize is the capacity of the largest mcache size class.
const maxPooledSize uint64 = 1 << 45

var _ Allocator = PooledAllocator{}

// NewPooledAllocator returns a PooledAllocator.
func NewPooledAllocator() PooledAllocator { return PooledAllocator{} }

// Allocate implements Allocator.
// The returned slice keeps the capacity of its size class, do not reslice
// its capacity before passing it to Deallocate.
func (PooledAllocator) Allocate(size int) ([]byte, error) {
	if err := checkSize(size); err != nil {
		return nil, err
	}
	if size == 0 {
		return []byte{}, nil
	}
	n, _ := unsafex.RoundUp(size, unsafex.MaxAlignment)
	if uint64(n) > maxPooledSize {
		return nil, fmt.Errorf("%w: request of %d bytes exceeds the largest pooled size %d",
			ErrOutOfMemory, size, maxPooledSize)
	}
	return mcache.Malloc(size, n), nil
}

// Deallocate implements Allocator.
func (PooledAllocator) Deallocate(buf []byte) {
	if cap(buf) == 0 || uint64(cap(buf)) > maxPooledSize {
		return
	}
	mcache.Free(buf)
}

// SpanAllocator carves small allocations out of shared spans, which cuts
// the number of heap objects the GC has to track. Large requests go to the heap.
// Deallocate is a no-op. It is safe for concurrent use.
type SpanAllocator struct {
	cache   spanCache
	maxSize int
}

// spanCache is what span.NewSpanCache returns.
type spanCache interface {
	Make(n int) []byte
}

var _ Allocator = (*SpanAllocator)(nil)

// DefaultMaxSpanSize is the span size used by NewSpanAllocator.
const DefaultMaxSpanSize = 1024 * 1024

// NewSpanAllocator creates a SpanAllocator whose spans are maxSpanSize bytes.
// Requests larger than maxSpanSize/8 skip the span cache.
func NewSpanAllocator(maxSpanSize int) *SpanAllocator {
	if maxSpanSize <= 0 {
		maxSpanSize = DefaultMaxSpanSize
	}
	return &SpanAllocator{
		cache:   span.NewSpanCache(maxSpanSize),
		maxSize: maxSpanSize / 8,
	}
}

// Allocate implements Allocator.
func (a *SpanAllocator) Allocate(size int) ([]byte, error) {
	if err := checkSize(size); err != nil {
		return nil, err
	}
	if size == 0 {
		return []byte{}, nil
	}
	n, _ := unsafex.RoundUp(size, unsafex.MaxAlignment)
	if n <= a.maxSize {
		b := a.cache.Make(n)
		if unsafex.IsAligned(unsafex.Addr(b), unsafex.MaxAlignment) {
			return b[:size:n], nil
		}
		// misaligned span, fall back to the heap
	}
	return dirtmake.Bytes(size, n), nil
}

// Deallocate implements Allocator.
func (a *SpanAllocator) Deallocate([]byte) {}
