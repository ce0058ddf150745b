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

// Package strstore stores many small strings in a few large buffers,
// so the GC sees a handful of objects instead of one per string.
package strstore

import (
	"fmt"

	"github.com/bytedance/gopkg/lang/dirtmake"

	"github.com/bloomberg/bde-sub080/arena"
	"github.com/bloomberg/bde-sub080/unsafex/malloc"
)

const (
	// DefaultPageSize is the size of the first buffer of a StrStore created by New.
	DefaultPageSize = 4 << 10

	// strings longer than this get a buffer of their own
	maxPageSize = 1 << 20
)

// StrStore is used to store strings with less GC overhead.
// Strings can only be removed all at once, by Load or Release.
type StrStore struct {
	pool *arena.BufferedSequentialPool
	strs []string
	size int
}

// New creates a StrStore drawing from the Go heap.
func New() *StrStore {
	s, err := NewWithAllocator(malloc.NewHeapAllocator(), DefaultPageSize)
	if err != nil {
		panic(err)
	}
	return s
}

// NewWithAllocator creates a StrStore whose first buffer is pageSize bytes
// and whose other buffers come from upstream.
func NewWithAllocator(upstream malloc.Allocator, pageSize int) (*StrStore, error) {
	if pageSize <= 0 {
		return nil, fmt.Errorf("strstore: invalid page size %d", pageSize)
	}
	maxSize := maxPageSize
	if pageSize > maxSize {
		maxSize = pageSize
	}
	p, err := arena.NewBufferedSequentialPool(dirtmake.Bytes(pageSize, pageSize), upstream, &arena.Option{
		AlignmentStrategy: arena.ByteAlignment,
		MaxBufferSize:     maxSize,
	})
	if err != nil {
		return nil, err
	}
	return &StrStore{pool: p}, nil
}

// NewFromSlice constructs a StrStore with the input string slice and returns
// the StrStore and indexes for the following reads.
func NewFromSlice(ss []string) (*StrStore, []int) {
	st := New()
	idxes, err := st.Load(ss)
	if err != nil {
		panic(err)
	}
	return st, idxes
}

// Load resets the StrStore and adds every string of ss.
// Strings returned by Get before are no longer valid.
func (s *StrStore) Load(ss []string) ([]int, error) {
	s.Release()
	total := 0
	for _, str := range ss {
		total += len(str)
	}
	if total <= s.pool.MaxBufferSize() {
		if err := s.pool.ReserveCapacity(total); err != nil {
			return nil, err
		}
	}
	idxes := make([]int, len(ss))
	for i, str := range ss {
		idx, err := s.Add(str)
		if err != nil {
			return nil, err
		}
		idxes[i] = idx
	}
	return idxes, nil
}

// Add copies str into the store and returns its index.
func (s *StrStore) Add(str string) (int, error) {
	v, err := s.pool.AllocateString(str)
	if err != nil {
		return -1, err
	}
	s.strs = append(s.strs, v)
	s.size += len(v)
	return len(s.strs) - 1, nil
}

// Get gets the string with the idx.
// It returns empty string if no string can be found with the input idx.
func (s *StrStore) Get(idx int) string {
	if idx < 0 || idx >= len(s.strs) {
		return ""
	}
	return s.strs[idx]
}

// Len returns the number of strings.
func (s *StrStore) Len() int {
	return len(s.strs)
}

// Size returns the total length in bytes of the strings.
func (s *StrStore) Size() int {
	return s.size
}

// Release removes every string and frees the memory holding them.
// Strings returned by Get before are no longer valid.
func (s *StrStore) Release() {
	for i := range s.strs {
		s.strs[i] = ""
	}
	s.strs = s.strs[:0]
	s.size = 0
	s.pool.Release()
}
