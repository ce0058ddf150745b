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
	"bytes"
	"log"
	"math"
	"math/bits"
	"math/rand"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bloomberg/bde-sub080/unsafex"
	"github.com/bloomberg/bde-sub080/unsafex/malloc"
	"github.com/bloomberg/bde-sub080/unsafex/malloc/malloctest"
)

func newTestPool(t testing.TB, initial int, opt *Option) (*BufferedSequentialPool, []byte, *malloctest.Allocator) {
	buf := alignedBuffer(t, initial)
	ma := malloctest.New(nil)
	p, err := NewBufferedSequentialPool(buf, ma, opt)
	require.NoError(t, err)
	return p, buf, ma
}

func TestNewBufferedSequentialPoolErrors(t *testing.T) {
	buf := make([]byte, 128)
	heap := malloc.NewHeapAllocator()
	tests := []struct {
		name     string
		buf      []byte
		upstream malloc.Allocator
		opt      *Option
	}{
		{"nil buffer", nil, heap, nil},
		{"empty buffer", buf[:0], heap, nil},
		{"nil upstream", buf, nil, nil},
		{"unknown growth", buf, heap, &Option{GrowthStrategy: 7}},
		{"unknown alignment", buf, heap, &Option{AlignmentStrategy: -1}},
		{"negative max", buf, heap, &Option{MaxBufferSize: -1}},
		{"max below initial", buf, heap, &Option{MaxBufferSize: 127}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewBufferedSequentialPool(tt.buf, tt.upstream, tt.opt)
			assert.ErrorIs(t, err, ErrInvalidConfiguration)
			assert.Nil(t, p)
		})
	}

	p, err := NewBufferedSequentialPool(buf, heap, &Option{MaxBufferSize: 128})
	require.NoError(t, err)
	assert.Equal(t, 128, p.MaxBufferSize())
}

func TestBufferedSequentialPoolDefaults(t *testing.T) {
	p, _, _ := newTestPool(t, 64, nil)
	assert.Equal(t, GeometricGrowth, p.GrowthStrategy())
	assert.Equal(t, NaturalAlignment, p.AlignmentStrategy())
	assert.Equal(t, math.MaxInt, p.MaxBufferSize())
	assert.Equal(t, 64, p.BufferSize())
}

func TestBufferedSequentialPoolGrowthAndFallback(t *testing.T) {
	p, buf, ma := newTestPool(t, 128, &Option{
		GrowthStrategy:    GeometricGrowth,
		AlignmentStrategy: MaximalAlignment,
		MaxBufferSize:     256,
	})

	b1, err := p.Allocate(100)
	require.NoError(t, err)
	assert.True(t, within(b1, buf))
	assert.Equal(t, 0, ma.NumAllocations())

	b2, err := p.Allocate(50)
	require.NoError(t, err)
	assert.False(t, within(b2, buf))
	assert.Equal(t, 256, p.BufferSize())
	assert.True(t, within(b2, p.manager.Buffer()))
	assert.Equal(t, 1, ma.NumBlocksInUse())

	b3, err := p.Allocate(1000)
	require.NoError(t, err)
	assert.Equal(t, 1000, len(b3))
	assert.False(t, overlap(b3, buf))
	assert.False(t, overlap(b3, p.manager.Buffer()))
	assert.Equal(t, 256, p.BufferSize())

	for _, b := range [][]byte{b1, b2, b3} {
		assert.True(t, unsafex.IsAligned(unsafex.Addr(b), unsafex.MaxAlignment))
	}

	assert.Equal(t, Stats{
		Allocations:    3,
		BytesAllocated: 1150,
		Growths:        1,
		Fallbacks:      1,
		Blocks:         2,
		BlockBytes:     blockHeaderSize + 256 + blockHeaderSize + 1000,
		BufferSize:     256,
		BufferUsed:     50,
	}, p.Stats())
	assert.Equal(t, p.Stats().BlockBytes, ma.BytesInUse())

	p.Release()
	assert.Equal(t, 0, ma.NumBlocksInUse())
}

func TestBufferedSequentialPoolInvalidSize(t *testing.T) {
	p, _, ma := newTestPool(t, 64, nil)
	for _, size := range []int{0, -1, math.MinInt} {
		b, err := p.Allocate(size)
		assert.ErrorIs(t, err, ErrInvalidSize)
		assert.Nil(t, b)
	}
	assert.Equal(t, Stats{BufferSize: 64}, p.Stats())
	assert.Equal(t, 0, ma.NumAllocations())
}

func TestBufferedSequentialPoolConstantGrowth(t *testing.T) {
	p, buf, ma := newTestPool(t, 64, &Option{GrowthStrategy: ConstantGrowth})

	_, err := p.Allocate(60)
	require.NoError(t, err)
	b, err := p.Allocate(10)
	require.NoError(t, err)
	assert.False(t, within(b, buf))
	assert.Equal(t, 64, p.BufferSize())

	// never fits a constant sized buffer
	b, err = p.Allocate(100)
	require.NoError(t, err)
	assert.Equal(t, 100, len(b))
	assert.Equal(t, 64, p.BufferSize())
	assert.Equal(t, 10, p.Stats().BufferUsed)

	s := p.Stats()
	assert.Equal(t, 1, s.Growths)
	assert.Equal(t, 1, s.Fallbacks)
	assert.Equal(t, 2, ma.NumBlocksInUse())
}

func TestBufferedSequentialPoolRepeatedDoubling(t *testing.T) {
	p, _, ma := newTestPool(t, 128, nil)
	b, err := p.Allocate(1000)
	require.NoError(t, err)
	assert.Equal(t, 1000, len(b))
	assert.Equal(t, 1024, p.BufferSize())
	assert.Equal(t, 1, p.Stats().Growths)
	assert.Equal(t, 0, p.Stats().Fallbacks)
	assert.Equal(t, blockHeaderSize+1024, ma.BytesInUse())

	_, err = p.Allocate(24)
	require.NoError(t, err)
	assert.Equal(t, 1024, p.Stats().BufferUsed)
	assert.Equal(t, 1, p.Stats().Growths)
}

func TestGrowBufferSize(t *testing.T) {
	saturated := math.MaxInt>>1 + 1
	tests := []struct {
		name   string
		cur    int
		size   int
		growth GrowthStrategy
		max    int
		want   int
	}{
		{"doubles once", 128, 50, GeometricGrowth, math.MaxInt, 256},
		{"doubles to fit", 128, 1000, GeometricGrowth, math.MaxInt, 1024},
		{"exact fit", 128, 512, GeometricGrowth, math.MaxInt, 512},
		{"clamped", 128, 1000, GeometricGrowth, 256, 256},
		{"clamped between doublings", 128, 300, GeometricGrowth, 300, 300},
		{"constant", 64, 10, ConstantGrowth, math.MaxInt, 64},
		{"constant too small", 64, 100, ConstantGrowth, math.MaxInt, 64},
		{"saturates", 1, math.MaxInt, GeometricGrowth, math.MaxInt, saturated},
		{"already saturated", saturated, math.MaxInt, GeometricGrowth, math.MaxInt, saturated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, growBufferSize(tt.cur, tt.size, tt.growth, tt.max))
		})
	}
}

func TestBufferedSequentialPoolFallbackKeepsBuffer(t *testing.T) {
	p, buf, _ := newTestPool(t, 128, &Option{MaxBufferSize: 128})

	_, err := p.Allocate(10)
	require.NoError(t, err)
	before := p.Stats()

	big, err := p.Allocate(500)
	require.NoError(t, err)
	assert.False(t, overlap(big, buf))

	after := p.Stats()
	assert.Equal(t, before.BufferSize, after.BufferSize)
	assert.Equal(t, before.BufferUsed, after.BufferUsed)
	assert.Equal(t, 0, after.Growths)

	small, err := p.Allocate(10)
	require.NoError(t, err)
	assert.True(t, within(small, buf))
}

func TestBufferedSequentialPoolRelease(t *testing.T) {
	p, buf, ma := newTestPool(t, 64, &Option{MaxBufferSize: 512})
	var old [][]byte
	for i := 0; i < 20; i++ {
		b, err := p.Allocate(100 + i*30)
		require.NoError(t, err)
		old = append(old, b)
	}
	assert.NotZero(t, ma.NumBlocksInUse())

	p.Release()
	assert.Equal(t, 0, ma.NumBlocksInUse())
	assert.Equal(t, 0, ma.BytesInUse())
	assert.Equal(t, Stats{BufferSize: 64}, p.Stats())

	b, err := p.Allocate(32)
	require.NoError(t, err)
	assert.True(t, within(b, buf))

	b, err = p.Allocate(100)
	require.NoError(t, err)
	assert.False(t, within(b, buf))

	p.Release()
	p.Release()
	assert.Equal(t, 0, ma.NumBlocksInUse())
}

func TestBufferedSequentialPoolRewind(t *testing.T) {
	p, buf, ma := newTestPool(t, 64, &Option{MaxBufferSize: 256})

	_, _ = p.Allocate(200) // grows to 256
	_, _ = p.Allocate(1000)
	assert.Equal(t, 2, ma.NumBlocksInUse())

	p.Rewind()
	assert.Equal(t, 1, ma.NumBlocksInUse())
	assert.Equal(t, Stats{Blocks: 1, BlockBytes: blockHeaderSize + 256, BufferSize: 256}, p.Stats())

	b, err := p.Allocate(200)
	require.NoError(t, err)
	assert.False(t, within(b, buf))
	assert.Equal(t, 0, p.Stats().Growths)
	assert.Equal(t, 1, ma.NumBlocksInUse())

	p.Release()
	assert.Equal(t, 0, ma.NumBlocksInUse())
	assert.Equal(t, 64, p.BufferSize())

	// still on the initial buffer, Rewind releases everything
	_, _ = p.Allocate(1000)
	p.Rewind()
	assert.Equal(t, 0, ma.NumBlocksInUse())
	assert.Equal(t, 64, p.BufferSize())
}

func TestBufferedSequentialPoolReserveCapacity(t *testing.T) {
	p, _, _ := newTestPool(t, 64, &Option{MaxBufferSize: 256})

	_, err := p.Allocate(60)
	require.NoError(t, err)

	assert.NoError(t, p.ReserveCapacity(0))
	assert.NoError(t, p.ReserveCapacity(4))
	assert.Equal(t, 0, p.Stats().Growths)

	assert.NoError(t, p.ReserveCapacity(100))
	assert.Equal(t, 128, p.BufferSize())
	assert.Equal(t, 1, p.Stats().Growths)

	_, err = p.Allocate(100)
	require.NoError(t, err)
	assert.Equal(t, 1, p.Stats().Growths)

	assert.ErrorIs(t, p.ReserveCapacity(300), ErrCapacityExceeded)
	assert.ErrorIs(t, p.ReserveCapacity(-1), ErrInvalidSize)
	assert.Equal(t, 128, p.BufferSize())
}

func TestBufferedSequentialPoolUpstreamFailure(t *testing.T) {
	p, _, ma := newTestPool(t, 32, &Option{MaxBufferSize: 64})

	_, err := p.Allocate(16)
	require.NoError(t, err)

	ma.FailAfter(0)
	_, err = p.Allocate(32) // growth
	assert.ErrorIs(t, err, malloc.ErrOutOfMemory)
	_, err = p.Allocate(100) // fallback
	assert.ErrorIs(t, err, malloc.ErrOutOfMemory)
	assert.ErrorIs(t, p.ReserveCapacity(64), malloc.ErrOutOfMemory)

	s := p.Stats()
	assert.Equal(t, 1, s.Allocations)
	assert.Equal(t, 0, s.Growths)
	assert.Equal(t, 0, s.Blocks)
	assert.Equal(t, 32, s.BufferSize)

	// the current buffer still serves what fits
	_, err = p.Allocate(8)
	assert.NoError(t, err)

	ma.FailAfter(-1)
	_, err = p.Allocate(32)
	assert.NoError(t, err)
	assert.Equal(t, 64, p.BufferSize())
}

func TestBufferedSequentialPoolHugeRequest(t *testing.T) {
	if bits.UintSize < 64 {
		t.Skip("needs a 64-bit int")
	}
	shift := 47
	size := 1 << shift

	for _, maxSize := range []int{0, 128} {
		p, err := NewBufferedSequentialPool(alignedBuffer(t, 64), malloc.NewPooledAllocator(), &Option{MaxBufferSize: maxSize})
		require.NoError(t, err)

		var b []byte
		assert.NotPanics(t, func() { b, err = p.Allocate(size) })
		assert.ErrorIs(t, err, malloc.ErrOutOfMemory)
		assert.Nil(t, b)
		assert.Equal(t, Stats{BufferSize: 64}, p.Stats())

		b, err = p.Allocate(16)
		require.NoError(t, err)
		assert.Equal(t, 16, len(b))
		p.Release()
	}
}

func TestBufferedSequentialPoolCopy(t *testing.T) {
	p, buf, _ := newTestPool(t, 64, &Option{AlignmentStrategy: ByteAlignment})

	s, err := p.AllocateString("hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", s)
	assert.True(t, within(unsafex.StringToBinary(s), buf))

	s, err = p.AllocateString("")
	require.NoError(t, err)
	assert.Equal(t, "", s)

	src := []byte("world")
	b, err := p.Copy(src)
	require.NoError(t, err)
	assert.Equal(t, src, b)
	src[0] = 'W'
	assert.Equal(t, "world", string(b))
	assert.Equal(t, 5, offsetIn(b, buf))

	b, err = p.Copy(nil)
	require.NoError(t, err)
	assert.NotNil(t, b)
	assert.Empty(t, b)
	assert.Equal(t, 10, p.Stats().BufferUsed)
}

func TestBufferedSequentialPoolAlignment(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	for _, s := range []AlignmentStrategy{NaturalAlignment, MaximalAlignment, ByteAlignment} {
		t.Run(s.String(), func(t *testing.T) {
			p, _, _ := newTestPool(t, 100, &Option{AlignmentStrategy: s, MaxBufferSize: 1600})
			for i := 0; i < 1000; i++ {
				size := 1 + r.Intn(300)
				if i%50 == 0 {
					size = 2000 // fallback
				}
				b, err := p.Allocate(size)
				require.NoError(t, err)
				require.Equal(t, size, len(b))

				var align int
				switch s {
				case NaturalAlignment:
					align = unsafex.NaturalAlignment(size)
				case MaximalAlignment:
					align = unsafex.MaxAlignment
				default:
					align = 1
				}
				require.True(t, unsafex.IsAligned(unsafex.Addr(b), align), "size %d", size)
			}
			assert.Equal(t, 1600, p.BufferSize())
			p.Release()
		})
	}
}

func TestBufferedSequentialPoolDebugLog(t *testing.T) {
	var out bytes.Buffer
	log.SetOutput(&out)
	defer log.SetOutput(os.Stderr)

	p, _, _ := newTestPool(t, 64, &Option{MaxBufferSize: 128, Debug: true})
	_, _ = p.Allocate(100)
	_, _ = p.Allocate(500)

	assert.Contains(t, out.String(), "arena: replaced 64-byte buffer with 128-byte buffer")
	assert.Contains(t, out.String(), "arena: 500-byte request served by the block list (max buffer size 128)")

	out.Reset()
	q, _, _ := newTestPool(t, 64, nil)
	_, _ = q.Allocate(100)
	assert.Empty(t, out.String())
}

func TestBufferedSequentialPoolString(t *testing.T) {
	p, _, _ := newTestPool(t, 64, &Option{MaxBufferSize: 128})
	_, _ = p.Allocate(100)
	_, _ = p.Allocate(500)
	assert.Equal(t,
		"BufferedSequentialPool{growth: geometric, alignment: natural, buffer: 100/128, blocks: 2 (648 bytes), growths: 1, fallbacks: 1}",
		p.String())
}

func BenchmarkBufferedSequentialPool(b *testing.B) {
	p, err := NewBufferedSequentialPool(make([]byte, 4096), malloc.NewHeapAllocator(), nil)
	require.NoError(b, err)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := p.Allocate(24); err != nil {
			b.Fatal(err)
		}
		if i%1024 == 1023 {
			p.Rewind()
		}
	}
}
