/*
 * Copyright 2025 SREDiag Authors
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

package shm

import (
	"sync/atomic"
	"unsafe"
)

// Shared words must be 4-byte aligned within a region; every offset handed to
// these helpers comes from a layout that keeps that invariant.

// LoadUint32 atomically loads the word at off.
func LoadUint32(mem []byte, off uint32) uint32 {
	return atomic.LoadUint32(word(mem, off))
}

// StoreUint32 atomically stores v at off.
func StoreUint32(mem []byte, off uint32, v uint32) {
	atomic.StoreUint32(word(mem, off), v)
}

// CompareAndSwapUint32 atomically swaps the word at off from old to new.
func CompareAndSwapUint32(mem []byte, off uint32, old, new uint32) bool {
	return atomic.CompareAndSwapUint32(word(mem, off), old, new)
}

// OrUint32 atomically sets bits in the word at off.
func OrUint32(mem []byte, off uint32, bits uint32) {
	p := word(mem, off)
	for {
		v := atomic.LoadUint32(p)
		if atomic.CompareAndSwapUint32(p, v, v|bits) {
			return
		}
	}
}

// AndNotUint32 atomically clears bits in the word at off.
func AndNotUint32(mem []byte, off uint32, bits uint32) {
	p := word(mem, off)
	for {
		v := atomic.LoadUint32(p)
		if atomic.CompareAndSwapUint32(p, v, v&^bits) {
			return
		}
	}
}

func word(mem []byte, off uint32) *uint32 {
	if off%4 != 0 || int(off)+4 > len(mem) {
		panic("shm: misaligned or out of range word access")
	}
	return (*uint32)(unsafe.Pointer(&mem[off]))
}
