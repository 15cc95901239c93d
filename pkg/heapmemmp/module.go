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

// Package heapmemmp is a variable-size allocator over shared memory. Free
// blocks carry a {next, size} boundary tag and form an address-ordered
// circular list anchored at a sentinel header in the attrs block.
package heapmemmp

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/srediag/syslink-ipc/internal/log"
	"github.com/srediag/syslink-ipc/internal/metrics"
	"github.com/srediag/syslink-ipc/pkg/gatemp"
	"github.com/srediag/syslink-ipc/pkg/nameserver"
	"github.com/srediag/syslink-ipc/pkg/sharedregion"
	"github.com/srediag/syslink-ipc/pkg/status"
)

var logger = log.New("heapmemmp")

// Created stamps a valid attrs block.
const Created = 0x07041776

// attrs layout: status | buf | head.next | head.size | gate
const (
	offStatus  = 0
	offBuf     = 4
	offHead    = 8
	offGate    = 16
	attrsSize  = 20
	offHdrNext = 0
	offHdrSize = 4
	headerSize = 8

	nameServerName = "HeapMemMP"
)

type Config struct {
	MaxRuntimeEntries uint32
	MaxNameLen        uint32
}

func DefaultConfig() Config {
	return Config{MaxRuntimeEntries: nameserver.Unlimited, MaxNameLen: nameserver.DefaultMaxNameLen}
}

// Deps are the collaborators of one processor.
type Deps struct {
	Table       *sharedregion.Table
	NameServer  *nameserver.Module
	DefaultGate *gatemp.Gate
	Metrics     *metrics.Metrics
}

// Params configures one heap.
type Params struct {
	Name       string
	SharedAddr sharedregion.Addr
	RegionId   uint16
	Gate       *gatemp.Gate
	// SharedBufSize is rounded down to the block alignment.
	SharedBufSize uint32
}

func DefaultParams() Params {
	return Params{}
}

func (p Params) Verify() error {
	if p.SharedBufSize == 0 {
		return fmt.Errorf("heapmemmp params: empty buffer: %w", status.ErrInvalidArgument)
	}
	if p.SharedBufSize > sharedregion.MaxRegionSize {
		return fmt.Errorf("heapmemmp params: buffer of %d bytes exceeds a region: %w", p.SharedBufSize, status.ErrInvalidArgument)
	}
	return nil
}

// blockAlign is the granule every block size and address is rounded to:
// the larger of the header and the region cache line.
func blockAlign(t *sharedregion.Table, id uint16) uint32 {
	if l := t.CacheLineSize(id); l > headerSize {
		return l
	}
	return headerSize
}

func regionOf(t *sharedregion.Table, p Params) uint16 {
	if p.SharedAddr != 0 {
		if id, ok := t.GetId(p.SharedAddr); ok {
			return id
		}
	}
	return p.RegionId
}

// SharedMemReq returns the bytes a heap with params p occupies: the attrs
// rounded to the block granule followed by the buffer.
func SharedMemReq(t *sharedregion.Table, p Params) uint32 {
	n := sharedMemReq(t, p)
	if n > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(n)
}

func sharedMemReq(t *sharedregion.Table, p Params) uint64 {
	a := blockAlign(t, regionOf(t, p))
	return uint64(sharedregion.RoundUp(attrsSize, a)) + uint64(sharedregion.RoundDown(p.SharedBufSize, a))
}

// Module owns the heaps known to one processor.
type Module struct {
	cfg  Config
	deps Deps

	mu       sync.Mutex
	refCount int
	ns       *nameserver.NameServer
	objects  []*Heap
}

func NewModule(cfg Config, deps Deps) (*Module, error) {
	if deps.Table == nil || deps.NameServer == nil {
		return nil, fmt.Errorf("heapmemmp module: missing table or nameserver: %w", status.ErrInvalidArgument)
	}
	return &Module{cfg: cfg, deps: deps}, nil
}

func (m *Module) Setup() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.refCount > 0 {
		m.refCount++
		return nil
	}
	p := nameserver.DefaultParams()
	p.MaxRuntimeEntries = m.cfg.MaxRuntimeEntries
	p.MaxNameLen = m.cfg.MaxNameLen
	ns, err := m.deps.NameServer.Create(nameServerName, p)
	if err != nil {
		return fmt.Errorf("heapmemmp setup: %w", err)
	}
	m.ns = ns
	m.refCount = 1
	return nil
}

func (m *Module) Destroy() error {
	m.mu.Lock()
	if m.refCount == 0 {
		m.mu.Unlock()
		return fmt.Errorf("heapmemmp destroy: %w", status.ErrNotInitialized)
	}
	m.refCount--
	if m.refCount > 0 {
		m.mu.Unlock()
		return nil
	}
	objs := m.objects
	m.objects = nil
	ns := m.ns
	m.ns = nil
	m.mu.Unlock()

	for _, h := range objs {
		if h.creator {
			logger.Warnf("destroy: deleting heap %s still open %d times", h, h.openCount)
			h.delete()
		}
	}
	if err := m.deps.NameServer.Delete(ns); err != nil {
		logger.Warnf("destroy: %v", err)
	}
	return nil
}

func (m *Module) nameServer() (*nameserver.NameServer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.refCount == 0 {
		return nil, fmt.Errorf("heapmemmp: %w", status.ErrNotInitialized)
	}
	return m.ns, nil
}

// Create lays out a new heap with one free block spanning the buffer.
func (m *Module) Create(params Params) (*Heap, error) {
	ns, err := m.nameServer()
	if err != nil {
		return nil, err
	}
	if err := params.Verify(); err != nil {
		return nil, err
	}
	t := m.deps.Table
	gate := params.Gate
	if gate == nil {
		gate = m.deps.DefaultGate
	}
	if gate == nil {
		return nil, fmt.Errorf("heapmemmp create %q: no gate: %w", params.Name, status.ErrInvalidArgument)
	}

	h := &Heap{
		mod:       m,
		name:      params.Name,
		gate:      gate,
		creator:   true,
		openCount: 1,
	}
	size64 := sharedMemReq(t, params)
	if size64 > sharedregion.MaxRegionSize {
		return nil, fmt.Errorf("heapmemmp create %q: %d bytes exceed a region: %w", params.Name, size64, status.ErrInvalidArgument)
	}
	size := uint32(size64)
	if params.SharedAddr == 0 {
		rh := t.Heap(params.RegionId)
		if rh == nil {
			return nil, fmt.Errorf("heapmemmp create %q: region %d has no heap: %w", params.Name, params.RegionId, status.ErrInvalidArgument)
		}
		a, err := rh.Alloc(size, blockAlign(t, params.RegionId))
		if err != nil {
			return nil, fmt.Errorf("heapmemmp create %q: %w", params.Name, err)
		}
		h.attrs, h.regionId, h.allocSize = a, params.RegionId, size
	} else {
		id, ok := t.GetId(params.SharedAddr)
		if !ok || !t.Contains(params.SharedAddr, size) {
			return nil, fmt.Errorf("heapmemmp create %q: %d bytes at %#x not shared: %w", params.Name, size, uint64(params.SharedAddr), status.ErrInvalidArgument)
		}
		if uint64(params.SharedAddr)%uint64(blockAlign(t, id)) != 0 {
			return nil, fmt.Errorf("heapmemmp create %q: address %#x not aligned: %w", params.Name, uint64(params.SharedAddr), status.ErrInvalidArgument)
		}
		h.attrs, h.regionId = params.SharedAddr, id
	}
	h.minAlign = blockAlign(t, h.regionId)
	h.buf = h.attrs + sharedregion.Addr(sharedregion.RoundUp(attrsSize, h.minAlign))
	h.bufSize = sharedregion.RoundDown(params.SharedBufSize, h.minAlign)
	if h.bufSize < h.minAlign {
		h.release()
		return nil, fmt.Errorf("heapmemmp create %q: buffer of %d bytes below granule %d: %w", params.Name, params.SharedBufSize, h.minAlign, status.ErrInvalidArgument)
	}

	t.PutSRPtr(h.attrs+offGate, gate.SharedAddr())
	t.PutSRPtr(h.attrs+offBuf, t.GetSRPtr(h.buf, h.regionId))
	t.Store32(h.attrs+offHead+offHdrSize, h.bufSize)
	h.Restore()
	t.Store32(h.attrs+offStatus, Created)

	if params.Name != "" {
		e, err := ns.AddUint32(params.Name, uint32(h.SharedAddr()))
		if err != nil {
			t.Store32(h.attrs+offStatus, 0)
			h.release()
			return nil, fmt.Errorf("heapmemmp create %q: %w", params.Name, err)
		}
		h.ns, h.nsEntry = ns, e
	}

	m.mu.Lock()
	m.objects = append(m.objects, h)
	m.mu.Unlock()
	logger.Debugf("created heap %s: %d bytes at %#x", h, h.bufSize, uint64(h.buf))
	return h, nil
}

// Open finds a heap by name on any processor.
func (m *Module) Open(ctx context.Context, name string) (*Heap, error) {
	ns, err := m.nameServer()
	if err != nil {
		return nil, err
	}
	v, err := ns.GetUint32(ctx, name, nil)
	if err != nil {
		return nil, fmt.Errorf("heapmemmp open %q: %w", name, err)
	}
	h, err := m.OpenByAddr(sharedregion.SRPtr(v))
	if err != nil {
		return nil, err
	}
	h.name = name
	return h, nil
}

// OpenByAddr attaches to the heap whose attrs live at p.
func (m *Module) OpenByAddr(p sharedregion.SRPtr) (*Heap, error) {
	if _, err := m.nameServer(); err != nil {
		return nil, err
	}
	t := m.deps.Table
	a := t.GetPtr(p)
	if a == 0 {
		return nil, fmt.Errorf("heapmemmp open %s: %w", p, status.ErrNotFound)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, h := range m.objects {
		if h.attrs == a {
			h.openCount++
			return h, nil
		}
	}
	if t.Load32(a+offStatus) != Created {
		return nil, fmt.Errorf("heapmemmp open %s: not created: %w", p, status.ErrNotFound)
	}
	gate, err := m.openGate(t.SRPtrAt(a + offGate))
	if err != nil {
		return nil, fmt.Errorf("heapmemmp open %s: %w", p, err)
	}
	id := p.RegionId()
	h := &Heap{
		mod:       m,
		attrs:     a,
		regionId:  id,
		gate:      gate,
		minAlign:  blockAlign(t, id),
		buf:       t.GetPtr(t.SRPtrAt(a + offBuf)),
		bufSize:   t.Load32(a + offHead + offHdrSize),
		openCount: 1,
	}
	m.objects = append(m.objects, h)
	return h, nil
}

func (m *Module) openGate(p sharedregion.SRPtr) (*gatemp.Gate, error) {
	if g := m.deps.DefaultGate; g != nil && g.SharedAddr() == p {
		return g, nil
	}
	return gatemp.OpenByAddr(m.deps.Table, p)
}

// Close detaches an opened heap. Owners must Delete instead.
func (m *Module) Close(h *Heap) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h.openCount <= 0 {
		return fmt.Errorf("heapmemmp close %s: %w", h, status.ErrInvalidState)
	}
	if h.creator && h.openCount == 1 {
		return fmt.Errorf("heapmemmp close %s: owner must delete: %w", h, status.ErrInvalidState)
	}
	h.openCount--
	if h.openCount == 0 {
		m.remove(h)
	}
	return nil
}

// Delete destroys a heap. Only the creator may delete, with no other local
// opens outstanding.
func (m *Module) Delete(h *Heap) error {
	m.mu.Lock()
	if !h.creator {
		m.mu.Unlock()
		return fmt.Errorf("heapmemmp delete %s: not owner: %w", h, status.ErrBusy)
	}
	if h.openCount != 1 {
		m.mu.Unlock()
		return fmt.Errorf("heapmemmp delete %s: open %d times: %w", h, h.openCount, status.ErrBusy)
	}
	m.remove(h)
	m.mu.Unlock()
	h.delete()
	return nil
}

func (m *Module) remove(h *Heap) {
	for i, o := range m.objects {
		if o == h {
			m.objects = append(m.objects[:i], m.objects[i+1:]...)
			return
		}
	}
}
