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

package heapbufmp

import (
	"fmt"

	"github.com/srediag/syslink-ipc/pkg/gatemp"
	"github.com/srediag/syslink-ipc/pkg/listmp"
	"github.com/srediag/syslink-ipc/pkg/nameserver"
	"github.com/srediag/syslink-ipc/pkg/sharedregion"
	"github.com/srediag/syslink-ipc/pkg/status"
)

// Heap is one processor's handle on a fixed-block heap.
type Heap struct {
	mod       *Module
	name      string
	attrs     sharedregion.Addr
	regionId  uint16
	gate      *gatemp.Gate
	freeList  *listmp.List
	buf       sharedregion.Addr
	blockSize uint32
	align     uint32
	numBlocks uint32
	exact     bool
	track     bool
	creator   bool
	openCount int
	allocSize uint32
	ns        *nameserver.NameServer
	nsEntry   *nameserver.Entry
}

var _ sharedregion.Heap = (*Heap)(nil)

// ExtendedStats reports block usage. MaxAllocatedBlocks is derived from
// the lowest free count seen, so it is a lower bound on the true peak.
type ExtendedStats struct {
	MaxAllocatedBlocks uint32
	NumAllocatedBlocks uint32
}

func (h *Heap) String() string {
	if h.name != "" {
		return fmt.Sprintf("%q@%s", h.name, h.SharedAddr())
	}
	return h.SharedAddr().String()
}

func (h *Heap) SharedAddr() sharedregion.SRPtr {
	return h.mod.deps.Table.GetSRPtr(h.attrs, h.regionId)
}

func (h *Heap) BlockSize() uint32 { return h.blockSize }

func (h *Heap) NumBlocks() uint32 { return h.numBlocks }

func (h *Heap) Align() uint32 { return h.align }

func (h *Heap) label() string {
	if h.name != "" {
		return h.name
	}
	return h.SharedAddr().String()
}

func (h *Heap) block(i uint32) sharedregion.Addr {
	return h.buf + sharedregion.Addr(i)*sharedregion.Addr(h.blockSize)
}

// Alloc pops one block. size may not exceed the block size (or must equal
// it for exact heaps) and align may not exceed the heap alignment; align 0
// means the heap alignment.
func (h *Heap) Alloc(size, align uint32) (sharedregion.Addr, error) {
	if size == 0 || size > h.blockSize {
		return 0, fmt.Errorf("heap %s: alloc %d bytes from %d-byte blocks: %w", h, size, h.blockSize, status.ErrInvalidArgument)
	}
	if h.exact && size != h.blockSize {
		return 0, fmt.Errorf("heap %s: exact heap asked for %d of %d bytes: %w", h, size, h.blockSize, status.ErrInvalidArgument)
	}
	if align > h.align || (align != 0 && !sharedregion.IsPowerOfTwo(align)) {
		return 0, fmt.Errorf("heap %s: alignment %d exceeds %d: %w", h, align, h.align, status.ErrInvalidArgument)
	}
	if !h.track {
		b, err := h.freeList.GetHead()
		if err != nil {
			return 0, fmt.Errorf("heap %s: %w", h, err)
		}
		return h.allocated(b)
	}

	// The free list shares the heap gate; the pop and the counters move
	// together.
	t := h.mod.deps.Table
	k := h.gate.Enter()
	b, err := h.freeList.GetHeadLocked()
	var n uint32
	if err == nil && b != 0 {
		n = t.Load32(h.attrs+offNumFree) - 1
		t.Store32(h.attrs+offNumFree, n)
		if n < t.Load32(h.attrs+offMinFree) {
			t.Store32(h.attrs+offMinFree, n)
		}
	}
	h.gate.Leave(k)
	if err != nil {
		return 0, fmt.Errorf("heap %s: %w", h, err)
	}
	if b != 0 {
		h.mod.deps.Metrics.ObserveHeapFree(h.label(), n*h.blockSize)
	}
	return h.allocated(b)
}

func (h *Heap) allocated(b sharedregion.Addr) (sharedregion.Addr, error) {
	m := h.mod.deps.Metrics
	if b == 0 {
		m.HeapAllocFailure(h.label())
		return 0, fmt.Errorf("heap %s: %w", h, status.ErrOutOfMemory)
	}
	m.HeapAlloc(h.label())
	return b, nil
}

// Free returns block b to the tail of the free list. b must be a block
// boundary inside the buffer.
func (h *Heap) Free(b sharedregion.Addr, size uint32) error {
	if b < h.buf || b >= h.block(h.numBlocks) || uint64(b-h.buf)%uint64(h.blockSize) != 0 {
		return fmt.Errorf("heap %s: %#x is not a block: %w", h, uint64(b), status.ErrInvalidArgument)
	}
	if size > h.blockSize {
		return fmt.Errorf("heap %s: free %d bytes of %d-byte block: %w", h, size, h.blockSize, status.ErrInvalidArgument)
	}
	if !h.track {
		if err := h.freeList.PutTail(b); err != nil {
			return fmt.Errorf("heap %s: %w", h, err)
		}
		h.mod.deps.Metrics.HeapFree(h.label())
		return nil
	}

	t := h.mod.deps.Table
	k := h.gate.Enter()
	n := t.Load32(h.attrs + offNumFree)
	if n >= h.numBlocks {
		h.gate.Leave(k)
		logger.Errorf("heap %s: free of %#x with all %d blocks already free", h, uint64(b), n)
		return fmt.Errorf("heap %s: double free of %#x: %w", h, uint64(b), status.ErrFault)
	}
	if err := h.freeList.PutTailLocked(b); err != nil {
		h.gate.Leave(k)
		return fmt.Errorf("heap %s: %w", h, err)
	}
	t.Store32(h.attrs+offNumFree, n+1)
	h.gate.Leave(k)
	h.mod.deps.Metrics.ObserveHeapFree(h.label(), (n+1)*h.blockSize)
	h.mod.deps.Metrics.HeapFree(h.label())
	return nil
}

// freeBlocks reads the tracked counter or walks the free list.
func (h *Heap) freeBlocks() (uint32, error) {
	if h.track {
		k := h.gate.Enter()
		defer h.gate.Leave(k)
		return h.mod.deps.Table.Load32(h.attrs + offNumFree), nil
	}
	n, err := h.freeList.Len()
	return uint32(n), err
}

// Stats is O(1) with tracking and O(free blocks) without.
func (h *Heap) Stats() sharedregion.Stats {
	s := sharedregion.Stats{TotalSize: h.blockSize * h.numBlocks}
	n, err := h.freeBlocks()
	if err != nil {
		logger.Errorf("heap %s: stats: %v", h, err)
		return s
	}
	s.TotalFreeSize = n * h.blockSize
	if n > 0 {
		s.LargestFreeSize = h.blockSize
	}
	return s
}

// ExtendedStats reports allocated and peak-allocated block counts. Without
// tracking the peak is not recorded and equals the current count.
func (h *Heap) ExtendedStats() (ExtendedStats, error) {
	if !h.track {
		n, err := h.freeBlocks()
		if err != nil {
			return ExtendedStats{}, err
		}
		used := h.numBlocks - n
		return ExtendedStats{MaxAllocatedBlocks: used, NumAllocatedBlocks: used}, nil
	}
	t := h.mod.deps.Table
	k := h.gate.Enter()
	defer h.gate.Leave(k)
	return ExtendedStats{
		MaxAllocatedBlocks: h.numBlocks - t.Load32(h.attrs+offMinFree),
		NumAllocatedBlocks: h.numBlocks - t.Load32(h.attrs+offNumFree),
	}, nil
}

// IsBlocking is always true: the gate may block.
func (h *Heap) IsBlocking() bool { return true }

func (h *Heap) delete() {
	t := h.mod.deps.Table
	t.Store32(h.attrs+offStatus, 0)
	if h.nsEntry != nil && h.ns != nil {
		if err := h.ns.RemoveEntry(h.nsEntry); err != nil {
			logger.Warnf("delete %s: %v", h, err)
		}
		h.nsEntry = nil
	}
	if h.freeList != nil {
		if err := h.mod.deps.ListMP.Delete(h.freeList); err != nil {
			logger.Warnf("delete %s: free list: %v", h, err)
		}
		h.freeList = nil
	}
	h.release()
	h.openCount = 0
}

// unwind undoes a partially created heap.
func (h *Heap) unwind() {
	h.mod.deps.Table.Store32(h.attrs+offStatus, 0)
	if h.freeList != nil {
		if err := h.mod.deps.ListMP.Delete(h.freeList); err != nil {
			logger.Warnf("unwind %s: %v", h, err)
		}
		h.freeList = nil
	}
	h.release()
}

func (h *Heap) release() {
	if h.allocSize == 0 {
		return
	}
	if rh := h.mod.deps.Table.Heap(h.regionId); rh != nil {
		if err := rh.Free(h.attrs, h.allocSize); err != nil {
			logger.Warnf("free attrs of %s: %v", h, err)
		}
	}
	h.allocSize = 0
}
