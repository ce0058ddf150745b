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

import "sync"

// LockedAllocator serializes every call to the wrapped Allocator with a mutex.
// Use it to share a single-threaded allocator between goroutines.
type LockedAllocator struct {
	mu sync.Mutex
	a  Allocator
}

var _ Allocator = (*LockedAllocator)(nil)

// NewLockedAllocator wraps a. It panics if a is nil.
func NewLockedAllocator(a Allocator) *LockedAllocator {
	if a == nil {
		panic("malloc: nil allocator")
	}
	return &LockedAllocator{a: a}
}

// Allocate implements Allocator.
func (l *LockedAllocator) Allocate(size int) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.a.Allocate(size)
}

// Deallocate implements Allocator.
func (l *LockedAllocator) Deallocate(buf []byte) {
	l.mu.Lock()
	l.a.Deallocate(buf)
	l.mu.Unlock()
}

// Do runs f with the lock held, f receives the wrapped allocator.
// It lets callers group several operations atomically.
func (l *LockedAllocator) Do(f func(a Allocator)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	f(l.a)
}
