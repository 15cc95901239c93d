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

// Package listmp is a doubly linked list whose sentinel and elements live in
// shared memory. Links are stored as SRPtrs and resolved to local addresses
// just before they are followed; every operation runs inside the list's gate.
package listmp

import (
	"context"
	"fmt"
	"sync"

	"github.com/srediag/syslink-ipc/internal/log"
	"github.com/srediag/syslink-ipc/pkg/gatemp"
	"github.com/srediag/syslink-ipc/pkg/nameserver"
	"github.com/srediag/syslink-ipc/pkg/sharedregion"
	"github.com/srediag/syslink-ipc/pkg/status"
)

var logger = log.New("listmp")

// Created stamps a valid attrs block.
const Created = 0x12181964

// attrs layout: status | gate | head.next | head.prev
const (
	offStatus   = 0
	offGate     = 4
	offHead     = 8
	attrsSize   = 16
	offElemNext = 0
	offElemPrev = 4

	// ElemSize is the link header every element starts with.
	ElemSize = 8

	nameServerName = "ListMP"
)

// Config configures the module's name registry.
type Config struct {
	MaxRuntimeEntries uint32
	MaxNameLen        uint32
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{MaxRuntimeEntries: nameserver.Unlimited, MaxNameLen: nameserver.DefaultMaxNameLen}
}

// Deps are the collaborators of one processor.
type Deps struct {
	Table       *sharedregion.Table
	NameServer  *nameserver.Module
	DefaultGate *gatemp.Gate
}

// Params configures one list.
type Params struct {
	// Name registers the list for Open; empty lists are reachable only by
	// address.
	Name string
	// SharedAddr places the attrs block; zero allocates it from the heap
	// of RegionId.
	SharedAddr sharedregion.Addr
	RegionId   uint16
	// Gate guards the list; nil uses the default gate.
	Gate *gatemp.Gate
}

// DefaultParams returns params for an unnamed list in region 0.
func DefaultParams() Params {
	return Params{}
}

// SharedMemReq returns the size of a list attrs block in region id: the
// attrs rounded up to the larger of 4 bytes and the cache line.
func SharedMemReq(t *sharedregion.Table, id uint16) uint32 {
	return sharedregion.RoundUp(attrsSize, sharedregion.MinAlign(t, id))
}

// Module owns the lists known to one processor.
type Module struct {
	cfg  Config
	deps Deps

	mu       sync.Mutex
	refCount int
	ns       *nameserver.NameServer
	objects  []*List
}

// NewModule returns a module that must be Setup before use.
func NewModule(cfg Config, deps Deps) (*Module, error) {
	if deps.Table == nil || deps.NameServer == nil {
		return nil, fmt.Errorf("listmp module: missing table or nameserver: %w", status.ErrInvalidArgument)
	}
	return &Module{cfg: cfg, deps: deps}, nil
}

// Setup creates the name registry on the first call.
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
		return fmt.Errorf("listmp setup: %w", err)
	}
	m.ns = ns
	m.refCount = 1
	return nil
}

// Destroy undoes one Setup. The last call deletes the lists this processor
// created, closes the ones it opened and drops the registry.
func (m *Module) Destroy() error {
	m.mu.Lock()
	if m.refCount == 0 {
		m.mu.Unlock()
		return fmt.Errorf("listmp destroy: %w", status.ErrNotInitialized)
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

	for _, l := range objs {
		if l.creator {
			logger.Warnf("destroy: deleting list %s still open %d times", l, l.openCount)
			l.delete()
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
		return nil, fmt.Errorf("listmp: %w", status.ErrNotInitialized)
	}
	return m.ns, nil
}

// Create builds a new list. The caller becomes its owner.
func (m *Module) Create(params Params) (*List, error) {
	ns, err := m.nameServer()
	if err != nil {
		return nil, err
	}
	t := m.deps.Table
	gate := params.Gate
	if gate == nil {
		gate = m.deps.DefaultGate
	}
	if gate == nil {
		return nil, fmt.Errorf("listmp create %q: no gate: %w", params.Name, status.ErrInvalidArgument)
	}

	l := &List{
		mod:       m,
		name:      params.Name,
		gate:      gate,
		creator:   true,
		openCount: 1,
	}
	if params.SharedAddr == 0 {
		heap := t.Heap(params.RegionId)
		if heap == nil {
			return nil, fmt.Errorf("listmp create %q: region %d has no heap: %w", params.Name, params.RegionId, status.ErrInvalidArgument)
		}
		size := SharedMemReq(t, params.RegionId)
		a, err := heap.Alloc(size, sharedregion.MinAlign(t, params.RegionId))
		if err != nil {
			return nil, fmt.Errorf("listmp create %q: %w", params.Name, err)
		}
		l.attrs, l.regionId, l.allocSize = a, params.RegionId, size
	} else {
		id, ok := t.GetId(params.SharedAddr)
		if !ok || !t.Contains(params.SharedAddr, attrsSize) {
			return nil, fmt.Errorf("listmp create %q: address %#x not shared: %w", params.Name, uint64(params.SharedAddr), status.ErrInvalidArgument)
		}
		if uint64(params.SharedAddr)%uint64(sharedregion.MinAlign(t, id)) != 0 {
			return nil, fmt.Errorf("listmp create %q: address %#x not cache aligned: %w", params.Name, uint64(params.SharedAddr), status.ErrInvalidArgument)
		}
		l.attrs, l.regionId = params.SharedAddr, id
	}

	head := l.attrs + offHead
	headSR := t.GetSRPtr(head, l.regionId)
	t.PutSRPtr(l.attrs+offGate, gate.SharedAddr())
	t.PutSRPtr(head+offElemNext, headSR)
	t.PutSRPtr(head+offElemPrev, headSR)
	t.Store32(l.attrs+offStatus, Created)

	if params.Name != "" {
		e, err := ns.AddUint32(params.Name, uint32(l.SharedAddr()))
		if err != nil {
			t.Store32(l.attrs+offStatus, 0)
			l.release()
			return nil, fmt.Errorf("listmp create %q: %w", params.Name, err)
		}
		l.ns, l.nsEntry = ns, e
	}

	m.mu.Lock()
	m.objects = append(m.objects, l)
	m.mu.Unlock()
	logger.Debugf("created list %s", l)
	return l, nil
}

// Open finds a list by name on any processor and attaches to it.
func (m *Module) Open(ctx context.Context, name string) (*List, error) {
	ns, err := m.nameServer()
	if err != nil {
		return nil, err
	}
	v, err := ns.GetUint32(ctx, name, nil)
	if err != nil {
		return nil, fmt.Errorf("listmp open %q: %w", name, err)
	}
	l, err := m.OpenByAddr(sharedregion.SRPtr(v))
	if err != nil {
		return nil, err
	}
	l.name = name
	return l, nil
}

// OpenByAddr attaches to the list whose attrs live at p. The attrs must
// carry the Created stamp.
func (m *Module) OpenByAddr(p sharedregion.SRPtr) (*List, error) {
	if _, err := m.nameServer(); err != nil {
		return nil, err
	}
	t := m.deps.Table
	a := t.GetPtr(p)
	if a == 0 {
		return nil, fmt.Errorf("listmp open %s: %w", p, status.ErrNotFound)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.objects {
		if l.attrs == a {
			l.openCount++
			return l, nil
		}
	}
	if t.Load32(a+offStatus) != Created {
		return nil, fmt.Errorf("listmp open %s: not created: %w", p, status.ErrNotFound)
	}
	gate, err := m.openGate(t.SRPtrAt(a + offGate))
	if err != nil {
		return nil, fmt.Errorf("listmp open %s: %w", p, err)
	}
	l := &List{
		mod:       m,
		attrs:     a,
		regionId:  p.RegionId(),
		gate:      gate,
		openCount: 1,
	}
	m.objects = append(m.objects, l)
	return l, nil
}

func (m *Module) openGate(p sharedregion.SRPtr) (*gatemp.Gate, error) {
	if g := m.deps.DefaultGate; g != nil && g.SharedAddr() == p {
		return g, nil
	}
	return gatemp.OpenByAddr(m.deps.Table, p)
}

// Close detaches an opened list. Owners must Delete instead.
func (m *Module) Close(l *List) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l.openCount <= 0 {
		return fmt.Errorf("listmp close %s: %w", l, status.ErrInvalidState)
	}
	if l.creator && l.openCount == 1 {
		return fmt.Errorf("listmp close %s: owner must delete: %w", l, status.ErrInvalidState)
	}
	l.openCount--
	if l.openCount == 0 {
		m.remove(l)
	}
	return nil
}

// Delete destroys a list. Only the owner may delete, and only when nobody
// else on this processor still has it open.
func (m *Module) Delete(l *List) error {
	m.mu.Lock()
	if !l.creator {
		m.mu.Unlock()
		return fmt.Errorf("listmp delete %s: not owner: %w", l, status.ErrBusy)
	}
	if l.openCount != 1 {
		m.mu.Unlock()
		return fmt.Errorf("listmp delete %s: open %d times: %w", l, l.openCount, status.ErrBusy)
	}
	m.remove(l)
	m.mu.Unlock()
	l.delete()
	return nil
}

// remove drops l from the object list. Caller holds m.mu.
func (m *Module) remove(l *List) {
	for i, o := range m.objects {
		if o == l {
			m.objects = append(m.objects[:i], m.objects[i+1:]...)
			return
		}
	}
}
