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
	"log"
	"math"

	"github.com/bloomberg/bde-sub080/unsafex"
	"github.com/bloomberg/bde-sub080/unsafex/malloc"
)

// Stats reports what a BufferedSequentialPool has done since it was created
// or last released.
type Stats struct {
	Allocations    int // successful Allocate calls
	BytesAllocated int // bytes requested by those calls
	Growths        int // buffer replacements
	Fallbacks      int // requests served directly by the block list
	Blocks         int // live block list blocks
	BlockBytes     int // bytes held by the block list
	BufferSize     int // size of the current managed buffer
	BufferUsed     int // cursor of the current managed buffer
}

// BufferedSequentialPool is an arena allocator over a caller supplied buffer.
//
// Requests are served in order from the current buffer. When it runs out, the
// pool replaces it with a buffer from its block list, sized by the growth
// strategy and capped at MaxBufferSize. Requests that no such buffer could
// hold are served by the block list as one-off blocks.
//
// Allocations are never freed individually, Release frees them all at once.
// The initial buffer is borrowed: it is never freed and must not be used
// elsewhere while the pool is alive.
type BufferedSequentialPool struct {
	initial []byte
	manager BufferManager
	blocks  BlockList

	growth        GrowthStrategy
	maxBufferSize int
	debug         bool

	stats Stats
}

// NewBufferedSequentialPool creates a pool carving from buf, with every other
// buffer drawn from upstream. A nil opt means DefaultOption().
func NewBufferedSequentialPool(buf []byte, upstream malloc.Allocator, opt *Option) (*BufferedSequentialPool, error) {
	if opt == nil {
		opt = DefaultOption()
	}
	if len(buf) == 0 {
		return nil, fmt.Errorf("%w: empty initial buffer", ErrInvalidConfiguration)
	}
	if upstream == nil {
		return nil, fmt.Errorf("%w: nil upstream allocator", ErrInvalidConfiguration)
	}
	if err := opt.validate(len(buf)); err != nil {
		return nil, err
	}

	p := &BufferedSequentialPool{
		initial:       buf,
		manager:       BufferManager{buf: buf, strategy: opt.AlignmentStrategy},
		growth:        opt.GrowthStrategy,
		maxBufferSize: opt.MaxBufferSize,
		debug:         opt.Debug,
	}
	if p.maxBufferSize == 0 {
		p.maxBufferSize = math.MaxInt
	}
	p.blocks.init(upstream)
	return p, nil
}

// Allocate returns size bytes valid until the pool is released.
// size must be positive. Errors only come from the upstream allocator.
func (p *BufferedSequentialPool) Allocate(size int) ([]byte, error) {
	if size <= 0 {
		return nil, fmt.Errorf("arena: allocate %d bytes: %w", size, ErrInvalidSize)
	}
	b := p.manager.Allocate(size)
	if b == nil {
		var err error
		if b, err = p.allocateSlow(size); err != nil {
			return nil, err
		}
	}
	p.stats.Allocations++
	p.stats.BytesAllocated += size
	return b, nil
}

func (p *BufferedSequentialPool) allocateSlow(size int) ([]byte, error) {
	next := p.nextBufferSize(size)
	if next < size {
		// bypass the managed buffer, the current one stays in use
		b, err := p.blocks.Allocate(size)
		if err != nil {
			return nil, err
		}
		p.stats.Fallbacks++
		if p.debug {
			log.Printf("arena: %d-byte request served by the block list (max buffer size %d)", size, p.maxBufferSize)
		}
		return b, nil
	}
	if err := p.replaceBuffer(next); err != nil {
		return nil, err
	}
	return p.manager.AllocateRaw(size), nil
}

func (p *BufferedSequentialPool) replaceBuffer(size int) error {
	buf, err := p.blocks.Allocate(size)
	if err != nil {
		return err
	}
	old := p.manager.ReplaceBuffer(buf)
	p.stats.Growths++
	if p.debug {
		log.Printf("arena: replaced %d-byte buffer with %d-byte buffer", len(old), size)
	}
	return nil
}

func (p *BufferedSequentialPool) nextBufferSize(size int) int {
	return growBufferSize(p.manager.BufferSize(), size, p.growth, p.maxBufferSize)
}

// growBufferSize returns the size of the buffer replacing one of cur bytes
// for a request of size bytes. Geometric growth doubles at least once and
// stops before overflowing. A result smaller than size means no managed
// buffer may hold the request.
func growBufferSize(cur, size int, growth GrowthStrategy, maxBufferSize int) int {
	next := cur
	if growth == GeometricGrowth {
		for next <= math.MaxInt/2 {
			next *= 2
			if next >= size {
				break
			}
		}
	}
	if next > maxBufferSize {
		next = maxBufferSize
	}
	return next
}

// ReserveCapacity makes sure the next allocation of n bytes is served by the
// current buffer, replacing it now if needed. It fails with ErrCapacityExceeded
// if n is larger than any managed buffer may be.
func (p *BufferedSequentialPool) ReserveCapacity(n int) error {
	if n < 0 {
		return fmt.Errorf("arena: reserve %d bytes: %w", n, ErrInvalidSize)
	}
	if n == 0 || p.manager.HasSufficientCapacity(n) {
		return nil
	}
	next := p.nextBufferSize(n)
	if next < n {
		return fmt.Errorf("%w: reserve %d bytes, max buffer size %d", ErrCapacityExceeded, n, p.maxBufferSize)
	}
	return p.replaceBuffer(next)
}

// AllocateString copies s into the pool and returns the copy.
func (p *BufferedSequentialPool) AllocateString(s string) (string, error) {
	if len(s) == 0 {
		return "", nil
	}
	b, err := p.Allocate(len(s))
	if err != nil {
		return "", err
	}
	copy(b, s)
	return unsafex.BinaryToString(b), nil
}

// Copy copies src into the pool and returns the copy.
func (p *BufferedSequentialPool) Copy(src []byte) ([]byte, error) {
	if len(src) == 0 {
		return []byte{}, nil
	}
	b, err := p.Allocate(len(src))
	if err != nil {
		return nil, err
	}
	copy(b, src)
	return b, nil
}

// Release frees everything obtained from the upstream allocator and goes back to
// the initial buffer. Every slice handed out before becomes invalid.
func (p *BufferedSequentialPool) Release() {
	p.blocks.Release()
	p.manager.ReplaceBuffer(p.initial)
	p.stats = Stats{}
}

// Rewind is Release, except that the current buffer is kept when it came from
// the block list, so a pool reused for similar work does not grow again.
func (p *BufferedSequentialPool) Rewind() {
	if p.usingInitial() {
		p.Release()
		return
	}
	p.blocks.ReleaseAllBut(p.manager.Buffer())
	p.manager.Release()
	p.stats = Stats{}
}

func (p *BufferedSequentialPool) usingInitial() bool {
	cur := p.manager.Buffer()
	return unsafex.Addr(cur) == unsafex.Addr(p.initial) && len(cur) == len(p.initial)
}

// BufferSize returns the size of the buffer currently carved from.
func (p *BufferedSequentialPool) BufferSize() int { return p.manager.BufferSize() }

// MaxBufferSize returns the bound on managed buffers, math.MaxInt when unbounded.
func (p *BufferedSequentialPool) MaxBufferSize() int { return p.maxBufferSize }

// GrowthStrategy returns the growth strategy.
func (p *BufferedSequentialPool) GrowthStrategy() GrowthStrategy { return p.growth }

// AlignmentStrategy returns the alignment strategy.
func (p *BufferedSequentialPool) AlignmentStrategy() AlignmentStrategy { return p.manager.Strategy() }

// Stats returns a snapshot of the pool's counters.
func (p *BufferedSequentialPool) Stats() Stats {
	s := p.stats
	s.Blocks = p.blocks.Len()
	s.BlockBytes = p.blocks.Bytes()
	s.BufferSize = p.manager.BufferSize()
	s.BufferUsed = p.manager.Cursor()
	return s
}

func (p *BufferedSequentialPool) String() string {
	s := p.Stats()
	return fmt.Sprintf("BufferedSequentialPool{growth: %s, alignment: %s, buffer: %d/%d, blocks: %d (%d bytes), growths: %d, fallbacks: %d}",
		p.growth, p.manager.Strategy(), s.BufferUsed, s.BufferSize, s.Blocks, s.BlockBytes, s.Growths, s.Fallbacks)
}
