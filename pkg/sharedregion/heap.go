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

package sharedregion

// Stats summarizes a heap.
type Stats struct {
	TotalSize       uint32
	TotalFreeSize   uint32
	LargestFreeSize uint32
}

// Heap is an allocator handing out shared memory. HeapBufMP and HeapMemMP
// are the two variants; MessageQ and the region table only see this.
type Heap interface {
	Alloc(size, align uint32) (Addr, error)
	Free(a Addr, size uint32) error
	Stats() Stats
	IsBlocking() bool
}

// RoundUp rounds v up to a multiple of align, a power of two.
func RoundUp(v, align uint32) uint32 {
	if align <= 1 {
		return v
	}
	return (v + align - 1) &^ (align - 1)
}

// RoundDown rounds v down to a multiple of align, a power of two.
func RoundDown(v, align uint32) uint32 {
	if align <= 1 {
		return v
	}
	return v &^ (align - 1)
}

// IsPowerOfTwo reports whether v is a non-zero power of two.
func IsPowerOfTwo(v uint32) bool {
	return v != 0 && v&(v-1) == 0
}

// MinAlign is the alignment instance attrs blocks are rounded to: the larger
// of 4 bytes and the region cache line.
func MinAlign(t *Table, id uint16) uint32 {
	if l := t.CacheLineSize(id); l > 4 {
		return l
	}
	return 4
}
