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

// Package malloctest provides an instrumented malloc.Allocator for tests.
package malloctest

import (
	"fmt"
	"sync"

	"github.com/bloomberg/bde-sub080/unsafex"
	"github.com/bloomberg/bde-sub080/unsafex/malloc"
)

// Allocator forwards to an upstream allocator while counting every call.
// It can also be told to fail, by a byte limit or after a number of allocations,
// so callers can test their out-of-memory paths.
//
// Deallocate panics on slices it did not hand out.
// Allocator is safe for concurrent use if the upstream is.
type Allocator struct {
	mu       sync.Mutex
	upstream malloc.Allocator

	live map[uintptr]int

	numAllocations   int
	numDeallocations int
	bytesInUse       int
	bytesPeak        int
	bytesTotal       int

	limit     int // -1 for no limit
	failAfter int // -1 for never
}

var _ malloc.Allocator = (*Allocator)(nil)

// New returns an Allocator drawing from upstream.
// A nil upstream means malloc.HeapAllocator.
func New(upstream malloc.Allocator) *Allocator {
	if upstream == nil {
		upstream = malloc.NewHeapAllocator()
	}
	return &Allocator{
		upstream:  upstream,
		live:      make(map[uintptr]int),
		limit:     -1,
		failAfter: -1,
	}
}

// Allocate implements malloc.Allocator.
func (a *Allocator) Allocate(size int) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.failAfter == 0 {
		return nil, fmt.Errorf("malloctest: injected failure for %d bytes: %w", size, malloc.ErrOutOfMemory)
	}
	if a.limit >= 0 && size > a.limit-a.bytesInUse {
		return nil, fmt.Errorf("malloctest: %d bytes over limit %d (in use %d): %w",
			size, a.limit, a.bytesInUse, malloc.ErrOutOfMemory)
	}
	b, err := a.upstream.Allocate(size)
	if err != nil {
		return nil, err
	}
	if a.failAfter > 0 {
		a.failAfter--
	}
	a.numAllocations++
	if size == 0 {
		return b, nil
	}
	a.live[unsafex.Addr(b)] = size
	a.bytesInUse += size
	a.bytesTotal += size
	if a.bytesInUse > a.bytesPeak {
		a.bytesPeak = a.bytesInUse
	}
	return b, nil
}

// Deallocate implements malloc.Allocator.
func (a *Allocator) Deallocate(buf []byte) {
	if cap(buf) == 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	addr := unsafex.Addr(buf)
	size, ok := a.live[addr]
	if !ok {
		panic("malloctest: deallocating a block not allocated here")
	}
	delete(a.live, addr)
	a.numDeallocations++
	a.bytesInUse -= size
	a.upstream.Deallocate(buf)
}

// SetLimit makes allocations fail once bytes in use would exceed n.
// A negative n removes the limit.
func (a *Allocator) SetLimit(n int) {
	a.mu.Lock()
	a.limit = n
	a.mu.Unlock()
}

// FailAfter lets n more allocations succeed and fails every one after that.
// A negative n disables the injection.
func (a *Allocator) FailAfter(n int) {
	a.mu.Lock()
	a.failAfter = n
	a.mu.Unlock()
}

// Reset clears the failure injection and the cumulative counters.
// Blocks in use stay tracked.
func (a *Allocator) Reset() {
	a.mu.Lock()
	a.limit = -1
	a.failAfter = -1
	a.numAllocations = 0
	a.numDeallocations = 0
	a.bytesTotal = 0
	a.bytesPeak = a.bytesInUse
	a.mu.Unlock()
}

// NumAllocations returns the number of successful Allocate calls.
func (a *Allocator) NumAllocations() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.numAllocations
}

// NumDeallocations returns the number of Deallocate calls on live blocks.
func (a *Allocator) NumDeallocations() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.numDeallocations
}

// NumBlocksInUse returns the number of non-empty blocks not yet deallocated.
func (a *Allocator) NumBlocksInUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.live)
}

// BytesInUse returns the bytes requested by blocks not yet deallocated.
func (a *Allocator) BytesInUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bytesInUse
}

// BytesPeak returns the highest value BytesInUse has reached.
func (a *Allocator) BytesPeak() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bytesPeak
}

// BytesTotal returns the bytes requested by all successful allocations.
func (a *Allocator) BytesTotal() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bytesTotal
}

func (a *Allocator) String() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return fmt.Sprintf("malloctest.Allocator{allocs: %d, deallocs: %d, blocks: %d, inUse: %d, peak: %d, total: %d}",
		a.numAllocations, a.numDeallocations, len(a.live), a.bytesInUse, a.bytesPeak, a.bytesTotal)
}
