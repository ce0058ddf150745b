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

package arena

import (
	"github.com/bloomberg/bde-sub080/unsafex/malloc"
)

// SequentialAllocator exposes a BufferedSequentialPool as a malloc.Allocator,
// so a pool can feed a BlockList or another pool.
//
// Deallocate does nothing: memory comes back only when Release is called.
// Allocations are always maximally aligned, as malloc.Allocator requires.
type SequentialAllocator struct {
	pool *BufferedSequentialPool
}

var _ malloc.Allocator = (*SequentialAllocator)(nil)

// NewSequentialAllocator creates the pool backing the allocator.
// The alignment strategy in opt is overridden with MaximalAlignment.
func NewSequentialAllocator(buf []byte, upstream malloc.Allocator, opt *Option) (*SequentialAllocator, error) {
	o := DefaultOption()
	if opt != nil {
		*o = *opt
	}
	o.AlignmentStrategy = MaximalAlignment
	p, err := NewBufferedSequentialPool(buf, upstream, o)
	if err != nil {
		return nil, err
	}
	return &SequentialAllocator{pool: p}, nil
}

// Allocate implements malloc.Allocator.
func (a *SequentialAllocator) Allocate(size int) ([]byte, error) {
	if size == 0 {
		return []byte{}, nil
	}
	return a.pool.Allocate(size)
}

// Deallocate implements malloc.Allocator. It is a no-op.
func (a *SequentialAllocator) Deallocate([]byte) {}

// Release frees every allocation at once.
func (a *SequentialAllocator) Release() { a.pool.Release() }

// Rewind frees every allocation but keeps the current buffer.
func (a *SequentialAllocator) Rewind() { a.pool.Rewind() }

// Pool returns the underlying pool.
func (a *SequentialAllocator) Pool() *BufferedSequentialPool { return a.pool }
