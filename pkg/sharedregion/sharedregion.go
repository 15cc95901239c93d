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

// Package sharedregion translates between processor-local addresses and the
// portable shared pointers (SRPtr) that are the only form a cross-processor
// reference may take while it lives in shared memory.
package sharedregion

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/srediag/syslink-ipc/internal/shm"
	"github.com/srediag/syslink-ipc/pkg/status"
)

const (
	offsetBits = 24
	offsetMask = 1<<offsetBits - 1

	// MaxRegions bounds region ids; id 255 is never valid so that
	// InvalidSRPtr cannot alias a real pointer.
	MaxRegions = 255
	// MaxRegionSize is the largest offset an SRPtr can carry.
	MaxRegionSize = 1 << offsetBits
	// BaseAlign is the alignment every region base must honor.
	BaseAlign = 4096

	DefaultCacheLineSize = 128
)

// InvalidSRPtr is the null shared pointer.
const InvalidSRPtr SRPtr = 0xFFFFFFFF

// SRPtr is a shared pointer: region id in the top 8 bits, offset below.
type SRPtr uint32

// MakeSRPtr builds an SRPtr from a region id and an offset.
func MakeSRPtr(id uint16, offset uint32) SRPtr {
	return SRPtr(uint32(id)<<offsetBits | offset&offsetMask)
}

func (p SRPtr) RegionId() uint16 { return uint16(uint32(p) >> offsetBits) }

func (p SRPtr) Offset() uint32 { return uint32(p) & offsetMask }

func (p SRPtr) IsValid() bool { return p != InvalidSRPtr }

func (p SRPtr) String() string {
	if !p.IsValid() {
		return "SRPtr(invalid)"
	}
	return fmt.Sprintf("SRPtr(%d:%#x)", p.RegionId(), p.Offset())
}

// Addr is a processor-local address. Zero is nil.
type Addr uint64

// Entry describes one region as seen by the local processor.
type Entry struct {
	Name string
	// Base is where this processor maps the region; it differs between
	// processors mapping the same memory.
	Base          Addr
	Mem           []byte
	CacheLineSize uint32
	CacheEnabled  bool
	OwnerProcId   uint16
}

// Region is a configured table entry.
type Region struct {
	Entry
	Id       uint16
	heap     Heap
	reserved uint32
}

// Len returns the region length in bytes.
func (r *Region) Len() uint32 { return uint32(len(r.Mem)) }

func (r *Region) contains(a Addr) bool {
	return a >= r.Base && a < r.Base+Addr(len(r.Mem))
}

// Table is one processor's view of the shared regions.
type Table struct {
	mu      sync.RWMutex
	procId  uint16
	regions [MaxRegions]*Region
}

// NewTable returns an empty table for procId.
func NewTable(procId uint16) *Table {
	return &Table{procId: procId}
}

// ProcId returns the processor owning this view.
func (t *Table) ProcId() uint16 { return t.procId }

// SetEntry configures region id.
func (t *Table) SetEntry(id uint16, e Entry) error {
	if id >= MaxRegions {
		return fmt.Errorf("region id %d: %w", id, status.ErrInvalidArgument)
	}
	if len(e.Mem) == 0 || len(e.Mem) > MaxRegionSize {
		return fmt.Errorf("region %d: size %d: %w", id, len(e.Mem), status.ErrInvalidArgument)
	}
	if e.Base == 0 || e.Base%BaseAlign != 0 {
		return fmt.Errorf("region %d: base %#x not %d-aligned: %w", id, e.Base, BaseAlign, status.ErrInvalidArgument)
	}
	if e.CacheLineSize == 0 {
		e.CacheLineSize = DefaultCacheLineSize
	}
	if !IsPowerOfTwo(e.CacheLineSize) {
		return fmt.Errorf("region %d: cache line %d: %w", id, e.CacheLineSize, status.ErrInvalidArgument)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.regions[id] != nil {
		return fmt.Errorf("region %d: %w", id, status.ErrAlreadyExists)
	}
	end := e.Base + Addr(len(e.Mem))
	for _, r := range t.regions {
		if r == nil {
			continue
		}
		if e.Base < r.Base+Addr(len(r.Mem)) && r.Base < end {
			return fmt.Errorf("region %d overlaps region %d: %w", id, r.Id, status.ErrInvalidArgument)
		}
	}
	t.regions[id] = &Region{Entry: e, Id: id}
	return nil
}

// ClearEntry removes region id from the table.
func (t *Table) ClearEntry(id uint16) {
	if id >= MaxRegions {
		return
	}
	t.mu.Lock()
	t.regions[id] = nil
	t.mu.Unlock()
}

// Region returns the entry for id or nil.
func (t *Table) Region(id uint16) *Region {
	if id >= MaxRegions {
		return nil
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.regions[id]
}

// GetPtr resolves p to a local address, 0 if p is invalid or unmapped.
func (t *Table) GetPtr(p SRPtr) Addr {
	if !p.IsValid() {
		return 0
	}
	r := t.Region(p.RegionId())
	if r == nil || p.Offset() >= r.Len() {
		return 0
	}
	return r.Base + Addr(p.Offset())
}

// GetSRPtr converts a local address inside region id to an SRPtr.
func (t *Table) GetSRPtr(a Addr, id uint16) SRPtr {
	if a == 0 {
		return InvalidSRPtr
	}
	r := t.Region(id)
	if r == nil || !r.contains(a) {
		return InvalidSRPtr
	}
	return MakeSRPtr(id, uint32(a-r.Base))
}

// GetId returns the id of the region holding a.
func (t *Table) GetId(a Addr) (uint16, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, r := range t.regions {
		if r != nil && r.contains(a) {
			return r.Id, true
		}
	}
	return 0, false
}

// CacheLineSize returns the cache line of region id, 0 if not configured.
func (t *Table) CacheLineSize(id uint16) uint32 {
	if r := t.Region(id); r != nil {
		return r.CacheLineSize
	}
	return 0
}

// IsCacheEnabled reports the cache flag of region id.
func (t *Table) IsCacheEnabled(id uint16) bool {
	if r := t.Region(id); r != nil {
		return r.CacheEnabled
	}
	return false
}

// Heap returns the backing allocator of region id.
func (t *Table) Heap(id uint16) Heap {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if id >= MaxRegions || t.regions[id] == nil {
		return nil
	}
	return t.regions[id].heap
}

// SetHeap installs the backing allocator of region id.
func (t *Table) SetHeap(id uint16, h Heap) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id >= MaxRegions || t.regions[id] == nil {
		return fmt.Errorf("region %d: %w", id, status.ErrNotFound)
	}
	t.regions[id].heap = h
	return nil
}

// Reserve carves size bytes from the start of region id. Every processor
// reserves in the same order so the addresses agree across the system.
func (t *Table) Reserve(id uint16, size uint32) (Addr, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id >= MaxRegions || t.regions[id] == nil {
		return 0, fmt.Errorf("region %d: %w", id, status.ErrNotFound)
	}
	r := t.regions[id]
	size = RoundUp(size, r.CacheLineSize)
	if r.reserved+size > r.Len() {
		return 0, fmt.Errorf("reserve %d bytes in region %d: %w", size, id, status.ErrOutOfMemory)
	}
	a := r.Base + Addr(r.reserved)
	r.reserved += size
	return a, nil
}

// Unreserved returns the part of region id not handed out by Reserve.
func (t *Table) Unreserved(id uint16) (Addr, uint32) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if id >= MaxRegions || t.regions[id] == nil {
		return 0, 0
	}
	r := t.regions[id]
	return r.Base + Addr(r.reserved), r.Len() - r.reserved
}

func (t *Table) resolve(a Addr, n uint32) ([]byte, uint32) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, r := range t.regions {
		if r != nil && r.contains(a) {
			off := uint32(a - r.Base)
			if uint64(off)+uint64(n) > uint64(len(r.Mem)) {
				break
			}
			return r.Mem, off
		}
	}
	panic(fmt.Sprintf("sharedregion: address %#x+%d not mapped on processor %d", uint64(a), n, t.procId))
}

// Contains reports whether [a, a+n) lies inside one mapped region.
func (t *Table) Contains(a Addr, n uint32) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, r := range t.regions {
		if r != nil && r.contains(a) {
			return uint64(a-r.Base)+uint64(n) <= uint64(len(r.Mem))
		}
	}
	return false
}

// Bytes returns the n bytes at a. Unmapped addresses are a programming error.
func (t *Table) Bytes(a Addr, n uint32) []byte {
	mem, off := t.resolve(a, n)
	return mem[off : off+n : off+n]
}

// Uint32 reads the little-endian word at a.
func (t *Table) Uint32(a Addr) uint32 {
	mem, off := t.resolve(a, 4)
	return binary.LittleEndian.Uint32(mem[off:])
}

// PutUint32 writes the little-endian word at a.
func (t *Table) PutUint32(a Addr, v uint32) {
	mem, off := t.resolve(a, 4)
	binary.LittleEndian.PutUint32(mem[off:], v)
}

// Uint16 reads the little-endian half word at a.
func (t *Table) Uint16(a Addr) uint16 {
	mem, off := t.resolve(a, 2)
	return binary.LittleEndian.Uint16(mem[off:])
}

// PutUint16 writes the little-endian half word at a.
func (t *Table) PutUint16(a Addr, v uint16) {
	mem, off := t.resolve(a, 2)
	binary.LittleEndian.PutUint16(mem[off:], v)
}

// SRPtrAt reads a shared pointer stored at a.
func (t *Table) SRPtrAt(a Addr) SRPtr { return SRPtr(t.Load32(a)) }

// PutSRPtr stores a shared pointer at a.
func (t *Table) PutSRPtr(a Addr, p SRPtr) { t.Store32(a, uint32(p)) }

// Load32 is an atomic read with barrier semantics.
func (t *Table) Load32(a Addr) uint32 {
	mem, off := t.resolve(a, 4)
	return shm.LoadUint32(mem, off)
}

// Store32 is an atomic write with barrier semantics.
func (t *Table) Store32(a Addr, v uint32) {
	mem, off := t.resolve(a, 4)
	shm.StoreUint32(mem, off, v)
}

// CAS32 atomically swaps the word at a from old to new.
func (t *Table) CAS32(a Addr, old, new uint32) bool {
	mem, off := t.resolve(a, 4)
	return shm.CompareAndSwapUint32(mem, off, old, new)
}

// Or32 atomically sets bits in the word at a.
func (t *Table) Or32(a Addr, bits uint32) {
	mem, off := t.resolve(a, 4)
	shm.OrUint32(mem, off, bits)
}

// AndNot32 atomically clears bits in the word at a.
func (t *Table) AndNot32(a Addr, bits uint32) {
	mem, off := t.resolve(a, 4)
	shm.AndNotUint32(mem, off, bits)
}

// Zero clears n bytes at a.
func (t *Table) Zero(a Addr, n uint32) {
	b := t.Bytes(a, n)
	for i := range b {
		b[i] = 0
	}
}
