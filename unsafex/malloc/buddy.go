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
	"math/bits"
	"sort"
	"unsafe"

	"github.com/bloomberg/bde-sub080/unsafex"
)

const (
	// headerSize is the size of the header in front of each block payload.
	// It is a multiple of unsafex.MaxAlignment so payloads stay maximally aligned.
	headerSize = 8

	// magic marks a live block, it is cleared on Deallocate.
	magic uint32 = 0xBADF00D

	// DefaultMinBlockSize is the default minimum block size (8KB).
	DefaultMinBlockSize = 8 * 1024

	// DefaultMaxBlockSize is the default maximum block size (512KB).
	DefaultMaxBlockSize = 512 * 1024
)

// BuddyAllocator serves allocations out of a fixed arena using the buddy system.
//
// Block sizes are powers of two between minBlockSize and maxBlockSize. Each
// block starts with an 8-byte header ([4 bytes magic][4 bytes size]) that
// Deallocate uses to find the block's order. Freed blocks are merged with
// their buddies lazily, the first time an allocation cannot be served.
//
// BuddyAllocator is not safe for concurrent use, wrap it in a LockedAllocator.
type BuddyAllocator struct {
	arena      []byte
	arenaStart unsafe.Pointer

	// freeLists[o] holds the arena offsets of free blocks of size minBlockSize<<o.
	freeLists [][]int

	// needsCoalesce is set by Deallocate and cleared once Coalesce has run.
	needsCoalesce bool

	minBlockSize  int
	minBlockShift int
	maxBlockSize  int
	maxBlockOrder int

	inUse int
}

var _ Allocator = (*BuddyAllocator)(nil)

// NewBuddyAllocator creates a buddy allocator with default block sizes (8KB min, 512KB max).
// The arena's size MUST be a multiple of DefaultMaxBlockSize.
func NewBuddyAllocator(arena []byte) (*BuddyAllocator, error) {
	return NewBuddyAllocatorWithBlockSize(arena, DefaultMinBlockSize, DefaultMaxBlockSize)
}

// NewBuddyAllocatorWithBlockSize creates a buddy allocator with custom block sizes.
// Both minBlock and maxBlock must be powers of two with headerSize < minBlock <= maxBlock.
// The arena must be maximally aligned and its size a non-zero multiple of maxBlock.
func NewBuddyAllocatorWithBlockSize(arena []byte, minBlock, maxBlock int) (*BuddyAllocator, error) {
	if !unsafex.IsPowerOfTwo(minBlock) {
		return nil, fmt.Errorf("buddy: minBlockSize must be a power of two, got %d", minBlock)
	}
	if !unsafex.IsPowerOfTwo(maxBlock) {
		return nil, fmt.Errorf("buddy: maxBlockSize must be a power of two, got %d", maxBlock)
	}
	if minBlock > maxBlock {
		return nil, fmt.Errorf("buddy: minBlockSize (%d) must be <= maxBlockSize (%d)", minBlock, maxBlock)
	}
	if minBlock <= headerSize {
		return nil, fmt.Errorf("buddy: minBlockSize must be > %d, got %d", headerSize, minBlock)
	}
	if len(arena) < maxBlock || len(arena)%maxBlock != 0 {
		return nil, fmt.Errorf("buddy: arena size must be a non-zero multiple of %d, got %d", maxBlock, len(arena))
	}
	if !unsafex.IsAligned(unsafex.Addr(arena), unsafex.MaxAlignment) {
		return nil, fmt.Errorf("buddy: arena must be %d-byte aligned", unsafex.MaxAlignment)
	}

	minShift := bits.TrailingZeros(uint(minBlock))
	maxOrder := bits.TrailingZeros(uint(maxBlock)) - minShift
	a := &BuddyAllocator{
		arena:         arena,
		arenaStart:    unsafex.DataPointer(arena),
		freeLists:     make([][]int, maxOrder+1),
		minBlockSize:  minBlock,
		minBlockShift: minShift,
		maxBlockSize:  maxBlock,
		maxBlockOrder: maxOrder,
	}
	a.Reset()
	return a, nil
}

// Allocate implements Allocator. It fails with ErrOutOfMemory when size does not
// fit in the largest block or no block of the required order can be formed.
func (a *BuddyAllocator) Allocate(size int) ([]byte, error) {
	if err := checkSize(size); err != nil {
		return nil, err
	}
	if size == 0 {
		return []byte{}, nil
	}
	if size > a.maxBlockSize-headerSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds buddy block limit %d",
			ErrOutOfMemory, size, a.maxBlockSize-headerSize)
	}

	order := a.orderOf(size + headerSize)
	found := a.firstFree(order)
	if found < 0 && a.needsCoalesce {
		a.Coalesce()
		found = a.firstFree(order)
	}
	if found < 0 {
		return nil, fmt.Errorf("%w: buddy arena has no free block of %d bytes",
			ErrOutOfMemory, a.minBlockSize<<order)
	}

	list := a.freeLists[found]
	offset := list[len(list)-1]
	a.freeLists[found] = list[:len(list)-1]

	// the left half keeps the offset, the right half goes one order down
	for found > order {
		found--
		a.freeLists[found] = append(a.freeLists[found], offset+(a.minBlockSize<<found))
	}

	hdr := unsafe.Add(a.arenaStart, offset)
	*(*uint32)(hdr) = magic
	*(*uint32)(unsafe.Add(hdr, 4)) = uint32(size)
	a.inUse += a.minBlockSize << order

	return unsafe.Slice((*byte)(unsafe.Add(hdr, headerSize)), size), nil
}

// Deallocate implements Allocator.
// It panics if buf was not returned by this allocator or was already freed.
func (a *BuddyAllocator) Deallocate(buf []byte) {
	if cap(buf) == 0 {
		return
	}
	offset := int(unsafex.Addr(buf)-uintptr(a.arenaStart)) - headerSize
	if offset < 0 || offset >= len(a.arena) {
		panic("buddy: block not in arena")
	}

	hdr := unsafe.Add(a.arenaStart, offset)
	if *(*uint32)(hdr) != magic {
		panic("buddy: double free or invalid block")
	}
	size := int(*(*uint32)(unsafe.Add(hdr, 4)))
	if size > a.maxBlockSize-headerSize {
		panic("buddy: corrupted size")
	}
	order := a.orderOf(size + headerSize)
	blockSize := a.minBlockSize << order
	if offset&(blockSize-1) != 0 {
		panic("buddy: misaligned block")
	}

	*(*uint32)(hdr) = 0
	a.freeLists[order] = append(a.freeLists[order], offset)
	a.inUse -= blockSize
	if order < a.maxBlockOrder {
		a.needsCoalesce = true
	}
}

// Coalesce merges every pair of free buddies, from the smallest order up.
func (a *BuddyAllocator) Coalesce() {
	for order := 0; order < a.maxBlockOrder; order++ {
		list := a.freeLists[order]
		if len(list) < 2 {
			continue
		}
		sort.Ints(list)
		blockSize := a.minBlockSize << order
		n := 0
		for i := 0; i < len(list); {
			off := list[i]
			if i+1 < len(list) && list[i+1] == off^blockSize {
				a.freeLists[order+1] = append(a.freeLists[order+1], off)
				i += 2
				continue
			}
			list[n] = off
			n++
			i++
		}
		a.freeLists[order] = list[:n]
	}
	a.needsCoalesce = false
}

// Available returns the number of bytes held by free blocks, headers included.
func (a *BuddyAllocator) Available() int {
	total := 0
	for order, list := range a.freeLists {
		total += len(list) * (a.minBlockSize << order)
	}
	return total
}

// InUse returns the number of bytes held by live blocks, headers included.
func (a *BuddyAllocator) InUse() int {
	return a.inUse
}

// Reset drops every allocation and returns the allocator to its initial state.
func (a *BuddyAllocator) Reset() {
	for i := range a.freeLists {
		a.freeLists[i] = a.freeLists[i][:0]
	}
	for off := 0; off < len(a.arena); off += a.maxBlockSize {
		a.freeLists[a.maxBlockOrder] = append(a.freeLists[a.maxBlockOrder], off)
	}
	a.needsCoalesce = false
	a.inUse = 0
}

// firstFree returns the smallest order >= order with a free block, or -1.
func (a *BuddyAllocator) firstFree(order int) int {
	for o := order; o <= a.maxBlockOrder; o++ {
		if len(a.freeLists[o]) > 0 {
			return o
		}
	}
	return -1
}

// orderOf returns the smallest order whose block holds size bytes.
func (a *BuddyAllocator) orderOf(size int) int {
	if size <= a.minBlockSize {
		return 0
	}
	return bits.Len(uint(size-1)) - a.minBlockShift
}
