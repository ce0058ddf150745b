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

// Package arena implements the buffered sequential allocator family.
//
// A BufferManager carves aligned sub-slices out of a borrowed buffer.
// A BlockList hands out individually freeable blocks from an upstream
// malloc.Allocator and releases them in bulk. A BufferedSequentialPool puts
// the two together: it serves requests from a caller supplied buffer, replaces
// that buffer with larger ones taken from its BlockList when it runs out, and
// sends requests that no managed buffer could hold straight to the BlockList.
//
// Memory handed out by a pool stays valid, at the same address, until the pool
// is released. Nothing in this package is safe for concurrent use.
package arena

import (
	"errors"
	"fmt"

	"github.com/bloomberg/bde-sub080/unsafex/malloc"
)

var (
	// ErrInvalidConfiguration is returned by constructors given unusable options.
	ErrInvalidConfiguration = errors.New("arena: invalid configuration")

	// ErrInvalidSize is returned for zero or negative request sizes.
	ErrInvalidSize = malloc.ErrInvalidSize

	// ErrCapacityExceeded is returned by ReserveCapacity when no managed buffer
	// may be large enough.
	ErrCapacityExceeded = errors.New("arena: capacity exceeds max buffer size")
)

// AlignmentStrategy selects how allocations are aligned.
type AlignmentStrategy int

const (
	// NaturalAlignment aligns each allocation to the largest power of two
	// dividing its size, capped at unsafex.MaxAlignment.
	NaturalAlignment AlignmentStrategy = iota
	// MaximalAlignment aligns every allocation to unsafex.MaxAlignment.
	MaximalAlignment
	// ByteAlignment never pads, for byte data such as strings.
	ByteAlignment
)

func (s AlignmentStrategy) String() string {
	switch s {
	case NaturalAlignment:
		return "natural"
	case MaximalAlignment:
		return "maximal"
	case ByteAlignment:
		return "byte"
	}
	return fmt.Sprintf("AlignmentStrategy(%d)", int(s))
}

func (s AlignmentStrategy) valid() bool {
	return s >= NaturalAlignment && s <= ByteAlignment
}

// GrowthStrategy selects the size of the buffer that replaces an exhausted one.
type GrowthStrategy int

const (
	// GeometricGrowth doubles the buffer size until the request fits.
	GeometricGrowth GrowthStrategy = iota
	// ConstantGrowth reuses the current buffer size.
	ConstantGrowth
)

func (s GrowthStrategy) String() string {
	switch s {
	case GeometricGrowth:
		return "geometric"
	case ConstantGrowth:
		return "constant"
	}
	return fmt.Sprintf("GrowthStrategy(%d)", int(s))
}

func (s GrowthStrategy) valid() bool {
	return s == GeometricGrowth || s == ConstantGrowth
}

// Option configures a BufferedSequentialPool.
// The zero value is the default: geometric growth, natural alignment and no
// bound on buffer size.
type Option struct {
	// GrowthStrategy controls the size of replacement buffers.
	GrowthStrategy GrowthStrategy

	// AlignmentStrategy controls the alignment of every allocation.
	AlignmentStrategy AlignmentStrategy

	// MaxBufferSize bounds the size of any managed buffer.
	// Requests larger than this are served directly by the block list.
	// Zero means unbounded.
	MaxBufferSize int

	// Debug logs buffer growth and oversized fallbacks.
	Debug bool
}

// DefaultOption returns the default values of Option.
func DefaultOption() *Option {
	return &Option{
		GrowthStrategy:    GeometricGrowth,
		AlignmentStrategy: NaturalAlignment,
	}
}

func (o *Option) validate(initialSize int) error {
	if !o.GrowthStrategy.valid() {
		return fmt.Errorf("%w: unknown growth strategy %d", ErrInvalidConfiguration, int(o.GrowthStrategy))
	}
	if !o.AlignmentStrategy.valid() {
		return fmt.Errorf("%w: unknown alignment strategy %d", ErrInvalidConfiguration, int(o.AlignmentStrategy))
	}
	if o.MaxBufferSize < 0 {
		return fmt.Errorf("%w: negative max buffer size %d", ErrInvalidConfiguration, o.MaxBufferSize)
	}
	if o.MaxBufferSize > 0 && o.MaxBufferSize < initialSize {
		return fmt.Errorf("%w: initial size %d exceeds max buffer size %d",
			ErrInvalidConfiguration, initialSize, o.MaxBufferSize)
	}
	return nil
}
