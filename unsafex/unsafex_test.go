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

package unsafex

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBinaryToString(t *testing.T) {
	b := []byte("hello")
	s := BinaryToString(b)
	assert.Equal(t, "hello", s)
	assert.Equal(t, Addr(b), Addr(StringToBinary(s)))

	// shares memory with b
	b[0] = 'j'
	assert.Equal(t, "jello", s)

	assert.Equal(t, "", BinaryToString(nil))
	assert.Equal(t, "", BinaryToString(b[:0]))
}

func TestStringToBinary(t *testing.T) {
	// not a literal, literals live in read-only memory
	s := string([]byte("hello"))
	b := StringToBinary(s)
	assert.Equal(t, []byte("hello"), b)
	assert.Equal(t, len(s), cap(b))
	b[4] = '!'
	assert.Equal(t, "hell!", s)

	assert.Empty(t, StringToBinary(""))
}

func TestAddr(t *testing.T) {
	b := make([]byte, 16)
	assert.Equal(t, Addr(b)+3, Addr(b[3:]))
	assert.NotNil(t, DataPointer(b[:0]))
	assert.Equal(t, uintptr(0), Addr(nil))
}

func BenchmarkBinaryToString(b *testing.B) {
	x := []byte("hello")
	for i := 0; i < b.N; i++ {
		_ = BinaryToString(x)
	}
}
