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
	"github.com/bloomberg/bde-sub080/unsafex"
)

// BufferManager carves aligned sub-slices out of a buffer it does not own.
//
// Allocations are taken from the front of the buffer in request order and are
// never freed individually. The manager never grows or frees its buffer,
// ReplaceBuffer swaps in a new one and resets the cursor.
type BufferManager struct {
	buf      []byte // buf[cursor:] is free
	cursor   int
	strategy AlignmentStrategy
}

// NewBufferManager returns a manager without a buffer.
// Every non-empty allocation fails until ReplaceBuffer is called.
func NewBufferManager(strategy AlignmentStrategy) *BufferManager {
	return &BufferManager{strategy: strategy}
}

// NewBufferManagerWithBuffer returns a manager carving from buf.
func NewBufferManagerWithBuffer(buf []byte, strategy AlignmentStrategy) *BufferManager {
	return &BufferManager{buf: buf, strategy: strategy}
}

// alignment returns the alignment required for an allocation of size bytes.
func (m *BufferManager) alignment(size int) int {
	switch m.strategy {
	case MaximalAlignment:
		return unsafex.MaxAlignment
	case ByteAlignment:
		return 1
	}
	return unsafex.NaturalAlignment(size)
}

// fit returns where an allocation of size bytes would start,
// or false if it does not fit in the remaining room.
func (m *BufferManager) fit(size int) (int, bool) {
	room := len(m.buf) - m.cursor
	if size > room {
		return 0, false
	}
	pad := unsafex.AlignmentOffset(unsafex.Addr(m.buf)+uintptr(m.cursor), m.alignment(size))
	if pad > room-size {
		return 0, false
	}
	return m.cursor + pad, true
}

// Allocate returns size bytes from the buffer, aligned per the strategy,
// or nil if the remaining room is insufficient. The cursor does not move on failure.
//
// A zero size returns an empty slice positioned at the cursor.
func (m *BufferManager) Allocate(size int) []byte {
	if size <= 0 {
		if size < 0 {
			return nil
		}
		if m.buf == nil {
			return []byte{}
		}
		return m.buf[m.cursor:m.cursor:m.cursor]
	}
	start, ok := m.fit(size)
	if !ok {
		return nil
	}
	m.cursor = start + size
	return m.buf[start:m.cursor:m.cursor]
}

// AllocateRaw is Allocate for callers that already know the request fits,
// typically right after ReplaceBuffer with a buffer sized for it.
// It panics if the request does not fit.
func (m *BufferManager) AllocateRaw(size int) []byte {
	start, ok := m.fit(size)
	if !ok || size < 0 {
		panic("buffermanager: insufficient capacity")
	}
	m.cursor = start + size
	return m.buf[start:m.cursor:m.cursor]
}

// HasSufficientCapacity reports whether Allocate(size) would succeed.
func (m *BufferManager) HasSufficientCapacity(size int) bool {
	if size < 0 {
		return false
	}
	_, ok := m.fit(size)
	return ok
}

// ReplaceBuffer makes buf the buffer to allocate from and resets the cursor.
// The old buffer is returned and not touched, earlier allocations from it stay valid.
func (m *BufferManager) ReplaceBuffer(buf []byte) []byte {
	old := m.buf
	m.buf = buf
	m.cursor = 0
	return old
}

// last returns the offset of b in the buffer if b is the most recent allocation.
func (m *BufferManager) last(b []byte) (int, bool) {
	if len(b) == 0 || m.buf == nil {
		return 0, false
	}
	start := int(unsafex.Addr(b) - unsafex.Addr(m.buf))
	if start < 0 || start > m.cursor || start+len(b) != m.cursor {
		return 0, false
	}
	return start, true
}

// Expand grows b, which must be the most recent allocation, to use all the
// remaining room in the buffer. It returns b unchanged and false otherwise.
func (m *BufferManager) Expand(b []byte) ([]byte, bool) {
	start, ok := m.last(b)
	if !ok {
		return b, false
	}
	m.cursor = len(m.buf)
	return m.buf[start:m.cursor:m.cursor], true
}

// Truncate shrinks b to newSize bytes. If b is the most recent allocation the
// freed tail goes back to the buffer and true is returned.
// It panics if newSize is negative or larger than len(b).
func (m *BufferManager) Truncate(b []byte, newSize int) ([]byte, bool) {
	if newSize < 0 || newSize > len(b) {
		panic("buffermanager: invalid truncate size")
	}
	start, ok := m.last(b)
	if !ok {
		return b[:newSize:newSize], false
	}
	m.cursor = start + newSize
	return m.buf[start:m.cursor:m.cursor], true
}

// Release makes the whole buffer available again. Earlier allocations must
// no longer be used.
func (m *BufferManager) Release() {
	m.cursor = 0
}

// Reset drops the buffer, the manager is left without one.
func (m *BufferManager) Reset() {
	m.buf = nil
	m.cursor = 0
}

// Buffer returns the current buffer.
func (m *BufferManager) Buffer() []byte { return m.buf }

// BufferSize returns the size of the current buffer.
func (m *BufferManager) BufferSize() int { return len(m.buf) }

// Cursor returns the offset of the first free byte.
func (m *BufferManager) Cursor() int { return m.cursor }

// Strategy returns the alignment strategy.
func (m *BufferManager) Strategy() AlignmentStrategy { return m.strategy }
