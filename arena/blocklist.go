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
	"fmt"
	"unsafe"

	"github.com/bloomberg/bde-sub080/unsafex"
	"github.com/bloomberg/bde-sub080/unsafex/malloc"
)

const (
	// blockHeaderSize is the size of the header in front of each payload:
	// [4 bytes magic][4 bytes slot].
	blockHeaderSize = 8

	blockMagic uint32 = 0xB10CB10C

	nilSlot int32 = -1
)

// payloads must stay maximally aligned behind the header
var _ = [1]struct{}{}[blockHeaderSize%unsafex.MaxAlignment]

// blockNode links one upstream allocation into the list.
type blockNode struct {
	raw  []byte // as returned by the upstream, header included
	next int32
	prev int32 // nilSlot for the head
}

// BlockList hands out independently sized blocks from an upstream allocator.
//
// Each block is one upstream allocation holding a small header followed by the
// payload. The header records the block's slot in the list, so Deallocate can
// unlink a block in constant time without scanning. Release frees every block.
//
// The zero value is not usable, create one with NewBlockList.
type BlockList struct {
	upstream malloc.Allocator

	nodes []blockNode
	free  []int32 // recycled slots
	head  int32

	live  int
	bytes int
}

// NewBlockList returns an empty list drawing from upstream.
// It panics if upstream is nil.
func NewBlockList(upstream malloc.Allocator) *BlockList {
	bl := &BlockList{}
	bl.init(upstream)
	return bl
}

func (bl *BlockList) init(upstream malloc.Allocator) {
	if upstream == nil {
		panic("blocklist: nil upstream allocator")
	}
	bl.upstream = upstream
	bl.head = nilSlot
}

// Allocate returns a maximally aligned block of n bytes.
// A zero n returns nil and allocates nothing. The only runtime failure is the
// upstream's, which is returned wrapped.
func (bl *BlockList) Allocate(n int) ([]byte, error) {
	if n <= 0 {
		if n < 0 {
			return nil, fmt.Errorf("blocklist: %w: %d", ErrInvalidSize, n)
		}
		return nil, nil
	}
	payload, ok := unsafex.RoundUp(n, unsafex.MaxAlignment)
	if !ok || payload > malloc.MaxAllocSize-blockHeaderSize {
		return nil, fmt.Errorf("blocklist: block of %d bytes: %w", n, malloc.ErrOutOfMemory)
	}
	total := blockHeaderSize + payload

	raw, err := bl.upstream.Allocate(total)
	if err != nil {
		return nil, fmt.Errorf("blocklist: allocate %d bytes: %w", total, err)
	}
	if len(raw) < total || !unsafex.IsAligned(unsafex.Addr(raw), unsafex.MaxAlignment) {
		bl.upstream.Deallocate(raw)
		panic("blocklist: upstream returned short or misaligned memory")
	}

	slot := bl.link(raw)
	hdr := unsafex.DataPointer(raw)
	*(*uint32)(hdr) = blockMagic
	*(*uint32)(unsafe.Add(hdr, 4)) = uint32(slot)

	return raw[blockHeaderSize : blockHeaderSize+n : blockHeaderSize+n], nil
}

// link inserts raw at the head and returns its slot.
func (bl *BlockList) link(raw []byte) int32 {
	var slot int32
	if n := len(bl.free); n > 0 {
		slot = bl.free[n-1]
		bl.free = bl.free[:n-1]
	} else {
		slot = int32(len(bl.nodes))
		bl.nodes = append(bl.nodes, blockNode{})
	}
	bl.nodes[slot] = blockNode{raw: raw, next: bl.head, prev: nilSlot}
	if bl.head != nilSlot {
		bl.nodes[bl.head].prev = slot
	}
	bl.head = slot
	bl.live++
	bl.bytes += len(raw)
	return slot
}

// slotOf returns the slot of the block whose payload starts at b.
// It panics if b does not start a live block of this list.
func (bl *BlockList) slotOf(b []byte) int32 {
	hdr := unsafe.Add(unsafex.DataPointer(b), -blockHeaderSize)
	if *(*uint32)(hdr) != blockMagic {
		panic("blocklist: double free or invalid block")
	}
	slot := *(*uint32)(unsafe.Add(hdr, 4))
	if int(slot) >= len(bl.nodes) || unsafex.DataPointer(bl.nodes[slot].raw) != hdr {
		panic("blocklist: block not owned by this list")
	}
	return int32(slot)
}

// Deallocate unlinks the block starting at b and returns it to the upstream.
// An empty b is a no-op. It panics if b was not returned by Allocate of this
// list or was already deallocated.
func (bl *BlockList) Deallocate(b []byte) {
	if cap(b) == 0 {
		return
	}
	slot := bl.slotOf(b)
	node := bl.nodes[slot]
	if node.prev != nilSlot {
		bl.nodes[node.prev].next = node.next
	} else {
		bl.head = node.next
	}
	if node.next != nilSlot {
		bl.nodes[node.next].prev = node.prev
	}
	bl.nodes[slot] = blockNode{}
	bl.free = append(bl.free, slot)
	bl.live--
	bl.bytes -= len(node.raw)
	bl.freeRaw(node.raw)
}

// Release returns every block to the upstream and empties the list.
func (bl *BlockList) Release() {
	for i := bl.head; i != nilSlot; {
		node := bl.nodes[i]
		bl.freeRaw(node.raw)
		i = node.next
	}
	bl.reset()
}

// ReleaseAllBut releases every block except the one starting at keep.
// An empty keep releases everything.
func (bl *BlockList) ReleaseAllBut(keep []byte) {
	if cap(keep) == 0 {
		bl.Release()
		return
	}
	kept := bl.nodes[bl.slotOf(keep)].raw
	for i := bl.head; i != nilSlot; {
		node := bl.nodes[i]
		if unsafex.DataPointer(node.raw) != unsafex.DataPointer(kept) {
			bl.freeRaw(node.raw)
		}
		i = node.next
	}
	bl.reset()
	slot := bl.link(kept)
	*(*uint32)(unsafe.Add(unsafex.DataPointer(kept), 4)) = uint32(slot)
}

func (bl *BlockList) freeRaw(raw []byte) {
	*(*uint32)(unsafex.DataPointer(raw)) = 0
	bl.upstream.Deallocate(raw)
}

func (bl *BlockList) reset() {
	for i := range bl.nodes {
		bl.nodes[i] = blockNode{}
	}
	bl.nodes = bl.nodes[:0]
	bl.free = bl.free[:0]
	bl.head = nilSlot
	bl.live = 0
	bl.bytes = 0
}

// Len returns the number of live blocks.
func (bl *BlockList) Len() int { return bl.live }

// Bytes returns the bytes held from the upstream, headers and padding included.
func (bl *BlockList) Bytes() int { return bl.bytes }

// Upstream returns the allocator blocks are drawn from.
func (bl *BlockList) Upstream() malloc.Allocator { return bl.upstream }
