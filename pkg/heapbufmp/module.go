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

// Package heapbufmp is a fixed-size block allocator over shared memory. The
// buffer is cut into equal blocks which sit on a ListMP free list; alloc
// and free are one list operation each.
package heapbufmp

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/srediag/syslink-ipc/internal/log"
	"github.com/srediag/syslink-ipc/internal/metrics"
	"github.com/srediag/syslink-ipc/pkg/gatemp"
	"github.com/srediag/syslink-ipc/pkg/listmp"
	"github.com/srediag/syslink-ipc/pkg/nameserver"
	"github.com/srediag/syslink-ipc/pkg/sharedregion"
	"github.com/srediag/syslink-ipc/pkg/status"
)

var logger = log.New("heapbufmp")

// Created stamps a valid attrs block.
const Created = 0x05251995

// NotTracked fills the counters of heaps created without TrackAllocs.
const NotTracked = 0xFFFFFFFF

// attrs layout:
// status | gate | buf | numFreeBlocks | minFreeBlocks | blockSize | align | numBlocks | exact
const (
	offStatus    = 0
	offGate      = 4
	offBuf       = 8
	offNumFree   = 12
	offMinFree   = 16
	offBlockSize = 20
	offAlign     = 24
	offNumBlocks = 28
	offExact     = 32
	attrsSize    = 36

	nameServerName = "HeapBufMP"
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
	ListMP      *listmp.Module
	DefaultGate *gatemp.Gate
	Metrics     *metrics.Metrics
}

// Params configures one heap.
type Params struct {
	Name       string
	SharedAddr sharedregion.Addr
	RegionId   uint16
	Gate       *gatemp.Gate
	// Exact rejects requests for anything but BlockSize.
	Exact bool
	// Align is raised to at least the region cache line.
	Align     uint32
	BlockSize uint32
	NumBlocks uint32
	// TrackAllocs keeps free and low-water counters in the attrs.
	TrackAllocs bool
}

func DefaultParams() Params {
	return Params{BlockSize: 256, NumBlocks: 16}
}

func (p Params) Verify() error {
	if p.BlockSize == 0 || p.NumBlocks == 0 {
		return fmt.Errorf("heapbufmp params: block size and count must be positive: %w", status.ErrInvalidArgument)
	}
	if p.Align != 0 && !sharedregion.IsPowerOfTwo(p.Align) {
		return fmt.Errorf("heapbufmp params: align %d not a power of two: %w", p.Align, status.ErrInvalidArgument)
	}
	if p.Align > sharedregion.MaxRegionSize {
		return fmt.Errorf("heapbufmp params: align %d exceeds a region: %w", p.Align, status.ErrInvalidArgument)
	}
	bs := max(p.BlockSize, p.Align)
	if uint64(bs)*uint64(p.NumBlocks) > sharedregion.MaxRegionSize {
		return fmt.Errorf("heapbufmp params: %d blocks of %d bytes exceed a region: %w", p.NumBlocks, bs, status.ErrInvalidArgument)
	}
	return nil
}

// geometry is the derived layout of a heap in region id.
type geometry struct {
	minAlign  uint32
	align     uint32
	blockSize uint32
	listOff   uint32
	listSize  uint32
}

func layout(t *sharedregion.Table, id uint16, p Params) geometry {
	g := geometry{minAlign: sharedregion.MinAlign(t, id)}
	g.align = p.Align
	if g.align < g.minAlign {
		g.align = g.minAlign
	}
	bs := p.BlockSize
	if bs < listmp.ElemSize {
		bs = listmp.ElemSize
	}
	g.blockSize = sharedregion.RoundUp(bs, g.align)
	g.listOff = sharedregion.RoundUp(attrsSize, g.minAlign)
	g.listSize = listmp.SharedMemReq(t, id)
	return g
}

// bufAddr places the block buffer after the free-list attrs.
func (g geometry) bufAddr(attrs sharedregion.Addr) sharedregion.Addr {
	end := uint64(attrs) + uint64(g.listOff+g.listSize)
	a := uint64(g.align)
	return sharedregion.Addr((end + a - 1) &^ (a - 1))
}

// SharedMemReq returns the bytes needed by a heap with params p, including
// slack for aligning the buffer when the block alignment exceeds the cache
// line. Sizes beyond uint32 saturate at math.MaxUint32.
func SharedMemReq(t *sharedregion.Table, p Params) uint32 {
	n := sharedMemReq(t, p)
	if n > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(n)
}

func sharedMemReq(t *sharedregion.Table, p Params) uint64 {
	id := p.RegionId
	if p.SharedAddr != 0 {
		if rid, ok := t.GetId(p.SharedAddr); ok {
			id = rid
		}
	}
	g := layout(t, id, p)
	req := uint64(g.listOff) + uint64(g.listSize)
	if g.align > g.minAlign {
		req += uint64(g.align - g.minAlign)
	}
	return req + uint64(g.blockSize)*uint64(p.NumBlocks)
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
	if deps.Table == nil || deps.NameServer == nil || deps.ListMP == nil {
		return nil, fmt.Errorf("heapbufmp module: missing table, nameserver or listmp: %w", status.ErrInvalidArgument)
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
		return fmt.Errorf("heapbufmp setup: %w", err)
	}
	m.ns = ns
	m.refCount = 1
	return nil
}

// Destroy undoes one Setup; the last call deletes every heap this
// processor created and forgets the opened ones.
func (m *Module) Destroy() error {
	m.mu.Lock()
	if m.refCount == 0 {
		m.mu.Unlock()
		return fmt.Errorf("heapbufmp destroy: %w", status.ErrNotInitialized)
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
		} else if err := m.deps.ListMP.Close(h.freeList); err != nil {
			logger.Warnf("destroy: close free list of %s: %v", h, err)
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
		return nil, fmt.Errorf("heapbufmp: %w", status.ErrNotInitialized)
	}
	return m.ns, nil
}

// Create carves a new heap and fills its free list with every block.
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
		return nil, fmt.Errorf("heapbufmp create %q: no gate: %w", params.Name, status.ErrInvalidArgument)
	}

	h := &Heap{
		mod:       m,
		name:      params.Name,
		gate:      gate,
		creator:   true,
		openCount: 1,
		exact:     params.Exact,
		track:     params.TrackAllocs,
		numBlocks: params.NumBlocks,
	}
	size64 := sharedMemReq(t, params)
	if size64 > sharedregion.MaxRegionSize {
		return nil, fmt.Errorf("heapbufmp create %q: %d bytes exceed a region: %w", params.Name, size64, status.ErrInvalidArgument)
	}
	size := uint32(size64)
	if params.SharedAddr == 0 {
		heap := t.Heap(params.RegionId)
		if heap == nil {
			return nil, fmt.Errorf("heapbufmp create %q: region %d has no heap: %w", params.Name, params.RegionId, status.ErrInvalidArgument)
		}
		g := layout(t, params.RegionId, params)
		a, err := heap.Alloc(size, g.minAlign)
		if err != nil {
			return nil, fmt.Errorf("heapbufmp create %q: %w", params.Name, err)
		}
		h.attrs, h.regionId, h.allocSize = a, params.RegionId, size
	} else {
		id, ok := t.GetId(params.SharedAddr)
		if !ok || !t.Contains(params.SharedAddr, size) {
			return nil, fmt.Errorf("heapbufmp create %q: %d bytes at %#x not shared: %w", params.Name, size, uint64(params.SharedAddr), status.ErrInvalidArgument)
		}
		if uint64(params.SharedAddr)%uint64(sharedregion.MinAlign(t, id)) != 0 {
			return nil, fmt.Errorf("heapbufmp create %q: address %#x not cache aligned: %w", params.Name, uint64(params.SharedAddr), status.ErrInvalidArgument)
		}
		h.attrs, h.regionId = params.SharedAddr, id
	}
	g := layout(t, h.regionId, params)
	h.blockSize, h.align = g.blockSize, g.align
	h.buf = g.bufAddr(h.attrs)

	list, err := m.deps.ListMP.Create(listmp.Params{SharedAddr: h.attrs + sharedregion.Addr(g.listOff), Gate: gate})
	if err != nil {
		h.release()
		return nil, fmt.Errorf("heapbufmp create %q: free list: %w", params.Name, err)
	}
	h.freeList = list

	t.PutSRPtr(h.attrs+offGate, gate.SharedAddr())
	t.PutSRPtr(h.attrs+offBuf, t.GetSRPtr(h.buf, h.regionId))
	counter := uint32(NotTracked)
	if h.track {
		counter = h.numBlocks
	}
	t.Store32(h.attrs+offNumFree, counter)
	t.Store32(h.attrs+offMinFree, counter)
	t.Store32(h.attrs+offBlockSize, h.blockSize)
	t.Store32(h.attrs+offAlign, h.align)
	t.Store32(h.attrs+offNumBlocks, h.numBlocks)
	exact := uint32(0)
	if h.exact {
		exact = 1
	}
	t.Store32(h.attrs+offExact, exact)
	for i := uint32(0); i < h.numBlocks; i++ {
		if err := list.PutTail(h.block(i)); err != nil {
			h.unwind()
			return nil, fmt.Errorf("heapbufmp create %q: %w", params.Name, err)
		}
	}
	t.Store32(h.attrs+offStatus, Created)

	if params.Name != "" {
		e, err := ns.AddUint32(params.Name, uint32(h.SharedAddr()))
		if err != nil {
			h.unwind()
			return nil, fmt.Errorf("heapbufmp create %q: %w", params.Name, err)
		}
		h.ns, h.nsEntry = ns, e
	}

	m.mu.Lock()
	m.objects = append(m.objects, h)
	m.mu.Unlock()
	logger.Debugf("created heap %s: %d blocks of %d bytes", h, h.numBlocks, h.blockSize)
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
		return nil, fmt.Errorf("heapbufmp open %q: %w", name, err)
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
		return nil, fmt.Errorf("heapbufmp open %s: %w", p, status.ErrNotFound)
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
		return nil, fmt.Errorf("heapbufmp open %s: not created: %w", p, status.ErrNotFound)
	}
	gate, err := m.openGate(t.SRPtrAt(a + offGate))
	if err != nil {
		return nil, fmt.Errorf("heapbufmp open %s: %w", p, err)
	}
	id := p.RegionId()
	listAddr := a + sharedregion.Addr(sharedregion.RoundUp(attrsSize, sharedregion.MinAlign(t, id)))
	list, err := m.deps.ListMP.OpenByAddr(t.GetSRPtr(listAddr, id))
	if err != nil {
		return nil, fmt.Errorf("heapbufmp open %s: free list: %w", p, err)
	}
	h := &Heap{
		mod:       m,
		attrs:     a,
		regionId:  id,
		gate:      gate,
		freeList:  list,
		buf:       t.GetPtr(t.SRPtrAt(a + offBuf)),
		blockSize: t.Load32(a + offBlockSize),
		align:     t.Load32(a + offAlign),
		numBlocks: t.Load32(a + offNumBlocks),
		exact:     t.Load32(a+offExact) != 0,
		track:     t.Load32(a+offNumFree) != NotTracked,
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
		return fmt.Errorf("heapbufmp close %s: %w", h, status.ErrInvalidState)
	}
	if h.creator && h.openCount == 1 {
		return fmt.Errorf("heapbufmp close %s: owner must delete: %w", h, status.ErrInvalidState)
	}
	h.openCount--
	if h.openCount == 0 {
		m.remove(h)
		if err := m.deps.ListMP.Close(h.freeList); err != nil {
			logger.Warnf("close %s: free list: %v", h, err)
		}
	}
	return nil
}

// Delete destroys a heap. Only the creator may delete, with no other local
// opens outstanding.
func (m *Module) Delete(h *Heap) error {
	m.mu.Lock()
	if !h.creator {
		m.mu.Unlock()
		return fmt.Errorf("heapbufmp delete %s: not owner: %w", h, status.ErrBusy)
	}
	if h.openCount != 1 {
		m.mu.Unlock()
		return fmt.Errorf("heapbufmp delete %s: open %d times: %w", h, h.openCount, status.ErrBusy)
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
