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

package heapmemmp

import (
	"fmt"
	"io"

	"github.com/valyala/bytebufferpool"

	"github.com/srediag/syslink-ipc/pkg/gatemp"
	"github.com/srediag/syslink-ipc/pkg/nameserver"
	"github.com/srediag/syslink-ipc/pkg/sharedregion"
	"github.com/srediag/syslink-ipc/pkg/status"
)

// Heap is one processor's handle on a variable-size heap.
type Heap struct {
	mod       *Module
	name      string
	attrs     sharedregion.Addr
	regionId  uint16
	gate      *gatemp.Gate
	minAlign  uint32
	buf       sharedregion.Addr
	bufSize   uint32
	creator   bool
	openCount int
	allocSize uint32
	ns        *nameserver.NameServer
	nsEntry   *nameserver.Entry
}

var _ sharedregion.Heap = (*Heap)(nil)

// ExtendedStats locates the managed buffer.
type ExtendedStats struct {
	Buf  sharedregion.Addr
	Size uint32
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

func (h *Heap) label() string {
	if h.name != "" {
		return h.name
	}
	return h.SharedAddr().String()
}

func (h *Heap) table() *sharedregion.Table { return h.mod.deps.Table }

func (h *Heap) head() sharedregion.Addr { return h.attrs + offHead }

func (h *Heap) headSR() sharedregion.SRPtr {
	return h.table().GetSRPtr(h.head(), h.regionId)
}

func (h *Heap) next(a sharedregion.Addr) sharedregion.SRPtr {
	return h.table().SRPtrAt(a + offHdrNext)
}

func (h *Heap) size(a sharedregion.Addr) uint32 {
	return h.table().Load32(a + offHdrSize)
}

func (h *Heap) setHeader(a sharedregion.Addr, next sharedregion.SRPtr, size uint32) {
	t := h.table()
	t.PutSRPtr(a+offHdrNext, next)
	t.Store32(a+offHdrSize, size)
}

func (h *Heap) setNext(a sharedregion.Addr, next sharedregion.SRPtr) {
	h.table().PutSRPtr(a+offHdrNext, next)
}

func (h *Heap) sr(a sharedregion.Addr) sharedregion.SRPtr {
	return h.table().GetSRPtr(a, h.regionId)
}

// resolve follows a free-list link, reporting a corrupted list as a fault.
func (h *Heap) resolve(p sharedregion.SRPtr) (sharedregion.Addr, error) {
	a := h.table().GetPtr(p)
	if a == 0 || a < h.buf || a >= h.buf+sharedregion.Addr(h.bufSize) {
		logger.Errorf("heap %s: free list link %s outside buffer", h, p)
		return 0, fmt.Errorf("heap %s: link %s: %w", h, p, status.ErrFault)
	}
	return a, nil
}

// Restore resets the heap to one free block spanning the whole buffer.
// Outstanding allocations are forgotten.
func (h *Heap) Restore() {
	k := h.gate.Enter()
	defer h.gate.Leave(k)
	h.setHeader(h.buf, h.headSR(), h.bufSize)
	h.setNext(h.head(), h.sr(h.buf))
}

// Alloc takes the first free block that fits size plus the padding needed
// to reach align. A leading pad and a trailing remainder stay on the free
// list as separate blocks.
func (h *Heap) Alloc(size, align uint32) (sharedregion.Addr, error) {
	if size == 0 {
		return 0, fmt.Errorf("heap %s: zero-size alloc: %w", h, status.ErrInvalidArgument)
	}
	if align != 0 && !sharedregion.IsPowerOfTwo(align) {
		return 0, fmt.Errorf("heap %s: alignment %d not a power of two: %w", h, align, status.ErrInvalidArgument)
	}
	if align < h.minAlign {
		align = h.minAlign
	}
	adj := sharedregion.RoundUp(size, h.minAlign)
	if adj < size {
		return 0, fmt.Errorf("heap %s: alloc %d bytes: %w", h, size, status.ErrInvalidArgument)
	}

	k := h.gate.Enter()
	prev := h.head()
	headSR := h.headSR()
	for curSR := h.next(prev); curSR != headSR; {
		cur, err := h.resolve(curSR)
		if err != nil {
			h.gate.Leave(k)
			return 0, err
		}
		curSize := h.size(cur)
		a := uint64(align)
		pad := uint32(((uint64(cur) + a - 1) &^ (a - 1)) - uint64(cur))
		if uint64(adj)+uint64(pad) <= uint64(curSize) {
			block := cur + sharedregion.Addr(pad)
			remain := curSize - adj - pad
			after := h.next(cur)
			if remain > 0 {
				rest := block + sharedregion.Addr(adj)
				h.setHeader(rest, after, remain)
				after = h.sr(rest)
			}
			if pad > 0 {
				h.setHeader(cur, after, pad)
			} else {
				h.setNext(prev, after)
			}
			h.gate.Leave(k)
			h.mod.deps.Metrics.HeapAlloc(h.label())
			return block, nil
		}
		prev = cur
		curSR = h.next(cur)
	}
	h.gate.Leave(k)
	h.mod.deps.Metrics.HeapAllocFailure(h.label())
	return 0, fmt.Errorf("heap %s: alloc %d bytes aligned %d: %w", h, size, align, status.ErrOutOfMemory)
}

// Free links block a back into the address-ordered free list and merges it
// with an adjacent successor and predecessor. Freeing memory outside the
// buffer or overlapping a free block is a fault.
func (h *Heap) Free(a sharedregion.Addr, size uint32) error {
	if size == 0 {
		return fmt.Errorf("heap %s: zero-size free: %w", h, status.ErrInvalidArgument)
	}
	adj := sharedregion.RoundUp(size, h.minAlign)
	end := uint64(h.buf) + uint64(h.bufSize)
	if a < h.buf || uint64(a)+uint64(adj) > end || uint64(a-h.buf)%uint64(h.minAlign) != 0 {
		logger.Errorf("heap %s: free of %d bytes at %#x outside buffer", h, size, uint64(a))
		return fmt.Errorf("heap %s: free %#x: %w", h, uint64(a), status.ErrFault)
	}

	k := h.gate.Enter()
	defer h.gate.Leave(k)
	head := h.head()
	headSR := h.headSR()
	prev := head
	curSR := h.next(head)
	var cur sharedregion.Addr
	for curSR != headSR {
		c, err := h.resolve(curSR)
		if err != nil {
			return err
		}
		if c >= a {
			cur = c
			break
		}
		prev = c
		curSR = h.next(c)
	}
	if cur != 0 && a+sharedregion.Addr(adj) > cur {
		logger.Errorf("heap %s: free of %#x overlaps free block %#x", h, uint64(a), uint64(cur))
		return fmt.Errorf("heap %s: free %#x: %w", h, uint64(a), status.ErrFault)
	}
	if prev != head && prev+sharedregion.Addr(h.size(prev)) > a {
		logger.Errorf("heap %s: free of %#x overlaps free block %#x", h, uint64(a), uint64(prev))
		return fmt.Errorf("heap %s: free %#x: %w", h, uint64(a), status.ErrFault)
	}

	h.setHeader(a, curSR, adj)
	h.setNext(prev, h.sr(a))
	if cur != 0 && a+sharedregion.Addr(adj) == cur {
		h.setHeader(a, h.next(cur), adj+h.size(cur))
	}
	if prev != head && prev+sharedregion.Addr(h.size(prev)) == a {
		h.setHeader(prev, h.next(a), h.size(prev)+h.size(a))
	}
	h.mod.deps.Metrics.HeapFree(h.label())
	return nil
}

// walk calls fn for every free block in address order.
func (h *Heap) walk(fn func(a sharedregion.Addr, size uint32)) error {
	k := h.gate.Enter()
	defer h.gate.Leave(k)
	headSR := h.headSR()
	for p := h.next(h.head()); p != headSR; {
		a, err := h.resolve(p)
		if err != nil {
			return err
		}
		fn(a, h.size(a))
		p = h.next(a)
	}
	return nil
}

// Stats walks the free list.
func (h *Heap) Stats() sharedregion.Stats {
	s := sharedregion.Stats{TotalSize: h.bufSize}
	err := h.walk(func(_ sharedregion.Addr, size uint32) {
		s.TotalFreeSize += size
		if size > s.LargestFreeSize {
			s.LargestFreeSize = size
		}
	})
	if err != nil {
		logger.Errorf("heap %s: stats: %v", h, err)
	}
	h.mod.deps.Metrics.ObserveHeapFree(h.label(), s.TotalFreeSize)
	return s
}

func (h *Heap) ExtendedStats() ExtendedStats {
	return ExtendedStats{Buf: h.buf, Size: h.bufSize}
}

// IsBlocking is always true: the gate may block.
func (h *Heap) IsBlocking() bool { return true }

// FreeBlocks returns the number of blocks on the free list.
func (h *Heap) FreeBlocks() (int, error) {
	n := 0
	err := h.walk(func(sharedregion.Addr, uint32) { n++ })
	return n, err
}

// Dump writes the free list to w, one block per line.
func (h *Heap) Dump(w io.Writer) error {
	b := bytebufferpool.Get()
	defer bytebufferpool.Put(b)
	fmt.Fprintf(b, "heap %s buf=%#x size=%d\n", h, uint64(h.buf), h.bufSize)
	err := h.walk(func(a sharedregion.Addr, size uint32) {
		fmt.Fprintf(b, "  free %#x +%#x (%d)\n", uint64(a-h.buf), size, size)
	})
	if err != nil {
		return err
	}
	_, err = w.Write(b.B)
	return err
}

func (h *Heap) delete() {
	h.table().Store32(h.attrs+offStatus, 0)
	if h.nsEntry != nil && h.ns != nil {
		if err := h.ns.RemoveEntry(h.nsEntry); err != nil {
			logger.Warnf("delete %s: %v", h, err)
		}
		h.nsEntry = nil
	}
	h.release()
	h.openCount = 0
}

func (h *Heap) release() {
	if h.allocSize == 0 {
		return
	}
	if rh := h.table().Heap(h.regionId); rh != nil {
		if err := rh.Free(h.attrs, h.allocSize); err != nil {
			logger.Warnf("free attrs of %s: %v", h, err)
		}
	}
	h.allocSize = 0
}
