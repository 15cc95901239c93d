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

// Package ipc assembles one processor of a syslink system: its view of the
// shared regions, the default gate, the region heaps, every IPC module and
// the links to the other processors.
package ipc

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/srediag/syslink-ipc/internal/log"
	"github.com/srediag/syslink-ipc/pkg/gatemp"
	"github.com/srediag/syslink-ipc/pkg/heapbufmp"
	"github.com/srediag/syslink-ipc/pkg/heapmemmp"
	"github.com/srediag/syslink-ipc/pkg/listmp"
	"github.com/srediag/syslink-ipc/pkg/mailbox"
	"github.com/srediag/syslink-ipc/pkg/messageq"
	"github.com/srediag/syslink-ipc/pkg/nameserver"
	"github.com/srediag/syslink-ipc/pkg/nameserver/remotenotify"
	"github.com/srediag/syslink-ipc/pkg/notify"
	"github.com/srediag/syslink-ipc/pkg/sharedregion"
	"github.com/srediag/syslink-ipc/pkg/status"
	"github.com/srediag/syslink-ipc/pkg/transportshm"
)

var logger = log.New("ipc")

type link struct {
	remote    uint16
	driver    *notify.Driver
	names     *remotenotify.Driver
	transport *transportshm.Transport
}

// Processor is one processor of the system.
type Processor struct {
	cfg   Config
	table *sharedregion.Table
	ctrl  *mailbox.Controller
	names *nameserver.Module

	mu        sync.Mutex
	setup     bool
	namesUp   bool
	spent     bool
	gate      *gatemp.Gate
	heapMem   *heapmemmp.Module
	heapBuf   *heapbufmp.Module
	lists     *listmp.Module
	messages  *messageq.Module
	notify    *notify.Module
	regionHps []*heapmemmp.Heap
	linkMem   map[uint16]sharedregion.Addr
	inboxes   map[uint16]*mailbox.Mailbox
	links     map[uint16]*link
}

// NewProcessor installs the regions and starts the interrupt controller.
// Modules come up in Setup.
func NewProcessor(cfg Config) (*Processor, error) {
	if err := cfg.Verify(); err != nil {
		return nil, err
	}
	t := sharedregion.NewTable(cfg.ProcId)
	for i, e := range cfg.Regions {
		if err := t.SetEntry(uint16(i), e); err != nil {
			return nil, fmt.Errorf("processor %d: %w", cfg.ProcId, err)
		}
	}
	names, err := nameserver.NewModule(nameserver.Config{ProcId: cfg.ProcId, NumProcessors: cfg.NumProcessors})
	if err != nil {
		return nil, err
	}
	ctrl, err := mailbox.NewController(cfg.InterruptWorkers)
	if err != nil {
		return nil, err
	}
	return &Processor{
		cfg:     cfg,
		table:   t,
		ctrl:    ctrl,
		names:   names,
		linkMem: make(map[uint16]sharedregion.Addr),
		inboxes: make(map[uint16]*mailbox.Mailbox),
		links:   make(map[uint16]*link),
	}, nil
}

func (p *Processor) Id() uint16 { return p.cfg.ProcId }
func (p *Processor) Table() *sharedregion.Table { return p.table }
func (p *Processor) NameServer() *nameserver.Module { return p.names }
func (p *Processor) Gate() *gatemp.Gate { return p.gate }
func (p *Processor) ListMP() *listmp.Module { return p.lists }
func (p *Processor) HeapBufMP() *heapbufmp.Module { return p.heapBuf }
func (p *Processor) HeapMemMP() *heapmemmp.Module { return p.heapMem }
func (p *Processor) MessageQ() *messageq.Module { return p.messages }
func (p *Processor) Notify() *notify.Module { return p.notify }
func (p *Processor) RegionHeap(id uint16) sharedregion.Heap { return p.table.Heap(id) }

func (p *Processor) String() string { return fmt.Sprintf("processor %d", p.cfg.ProcId) }

func (p *Processor) linkSize() uint32 {
	t := p.table
	return notify.DriverSharedMemReq(t, 0, p.cfg.Notify.NumEvents) +
		remotenotify.SharedMemReq(t, 0, p.cfg.RemoteNotify) +
		transportshm.SharedMemReq(t, 0)
}

// Setup reserves the fixed shared memory, creates or opens the default gate
// and the region heaps, and brings every module up. Processors that do not
// own a region wait up to OpenTimeout for its owner.
func (p *Processor) Setup(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.setup {
		return fmt.Errorf("%s setup: %w", p, status.ErrAlreadyExists)
	}
	// Reservations are not returned, so a processor comes up only once.
	if p.spent {
		return fmt.Errorf("%s setup after destroy: %w", p, status.ErrInvalidState)
	}
	if err := p.setupLocked(ctx); err != nil {
		p.teardownLocked()
		return err
	}
	p.setup = true
	logger.Infof("%s up with %d regions", p, len(p.cfg.Regions))
	return nil
}

func (p *Processor) setupLocked(ctx context.Context) error {
	t := p.table
	self := p.cfg.ProcId
	word, err := t.Reserve(0, gatemp.SharedMemReq(t, 0))
	if err != nil {
		return fmt.Errorf("%s: gate: %w", p, err)
	}
	// Every processor reserves every pair so the offsets agree.
	for a := uint16(0); a < p.cfg.NumProcessors; a++ {
		for b := a + 1; b < p.cfg.NumProcessors; b++ {
			mem, err := t.Reserve(0, p.linkSize())
			if err != nil {
				return fmt.Errorf("%s: link %d-%d: %w", p, a, b, err)
			}
			switch self {
			case a:
				p.linkMem[b] = mem
			case b:
				p.linkMem[a] = mem
			}
		}
	}

	if err := p.names.Setup(); err != nil {
		return err
	}
	p.namesUp = true
	if p.cfg.Regions[0].OwnerProcId == self {
		p.gate, err = gatemp.CreateAt(t, word)
	} else {
		p.gate, err = gatemp.OpenByAddr(t, t.GetSRPtr(word, 0))
	}
	if err != nil {
		return fmt.Errorf("%s: default gate: %w", p, err)
	}

	m := p.cfg.Metrics
	if p.heapMem, err = heapmemmp.NewModule(p.cfg.HeapMemMP, heapmemmp.Deps{
		Table: t, NameServer: p.names, DefaultGate: p.gate, Metrics: m,
	}); err != nil {
		return err
	}
	if err := p.heapMem.Setup(); err != nil {
		return err
	}
	for id := range p.cfg.Regions {
		h, err := p.regionHeap(ctx, uint16(id))
		if err != nil {
			return err
		}
		if h != nil {
			p.regionHps = append(p.regionHps, h)
		}
	}

	if p.lists, err = listmp.NewModule(p.cfg.ListMP, listmp.Deps{
		Table: t, NameServer: p.names, DefaultGate: p.gate,
	}); err != nil {
		return err
	}
	if err := p.lists.Setup(); err != nil {
		return err
	}
	if p.heapBuf, err = heapbufmp.NewModule(p.cfg.HeapBufMP, heapbufmp.Deps{
		Table: t, NameServer: p.names, ListMP: p.lists, DefaultGate: p.gate, Metrics: m,
	}); err != nil {
		return err
	}
	if err := p.heapBuf.Setup(); err != nil {
		return err
	}
	if p.messages, err = messageq.NewModule(p.cfg.MessageQ, messageq.Deps{
		Table: t, NameServer: p.names, Metrics: m,
	}); err != nil {
		return err
	}
	if err := p.messages.Setup(); err != nil {
		return err
	}
	p.notify, err = notify.NewModule(p.cfg.Notify, notify.Deps{Table: t, Metrics: m})
	return err
}

// regionHeap turns the unreserved tail of region id into its heap. The
// region owner creates it; everybody else waits for the Created stamp.
func (p *Processor) regionHeap(ctx context.Context, id uint16) (*heapmemmp.Heap, error) {
	t := p.table
	_, left := t.Unreserved(id)
	hdr := heapmemmp.SharedMemReq(t, heapmemmp.Params{RegionId: id})
	if left <= hdr {
		logger.Warnf("%s: region %d has no room for a heap", p, id)
		return nil, nil
	}
	params := heapmemmp.Params{RegionId: id, SharedBufSize: left - hdr}
	at, err := t.Reserve(id, heapmemmp.SharedMemReq(t, params))
	if err != nil {
		return nil, fmt.Errorf("%s: region %d heap: %w", p, id, err)
	}
	params.SharedAddr = at

	var h *heapmemmp.Heap
	if p.cfg.Regions[id].OwnerProcId == p.cfg.ProcId {
		h, err = p.heapMem.Create(params)
	} else {
		h, err = p.openRegionHeap(ctx, t.GetSRPtr(at, id))
	}
	if err != nil {
		return nil, fmt.Errorf("%s: region %d heap: %w", p, id, err)
	}
	if err := t.SetHeap(id, h); err != nil {
		return nil, err
	}
	return h, nil
}

func (p *Processor) openRegionHeap(ctx context.Context, at sharedregion.SRPtr) (*heapmemmp.Heap, error) {
	var h *heapmemmp.Heap
	op := func() error {
		var err error
		h, err = p.heapMem.OpenByAddr(at)
		if err != nil && !status.IsNotFound(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Millisecond
	b.MaxInterval = 50 * time.Millisecond
	b.MaxElapsedTime = p.cfg.OpenTimeout
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("waiting for heap %s: %v: %w", at, ctx.Err(), status.ErrInterrupted)
		}
		if status.IsNotFound(err) {
			return nil, fmt.Errorf("waiting for heap %s: %w", at, status.ErrTimeout)
		}
		return nil, err
	}
	return h, nil
}

// Inbox returns the mailbox through which remote interrupts this processor.
func (p *Processor) Inbox(remote uint16) *mailbox.Mailbox {
	p.mu.Lock()
	defer p.mu.Unlock()
	mb, ok := p.inboxes[remote]
	if !ok {
		mb = p.ctrl.NewMailbox(fmt.Sprintf("%d->%d", remote, p.cfg.ProcId), 0)
		p.inboxes[remote] = mb
	}
	return mb
}

// Attach brings up the link to remote: the notify driver, the remote
// NameServer driver and the MessageQ transport. outbox interrupts remote.
func (p *Processor) Attach(remote uint16, outbox *mailbox.Mailbox) error {
	inbox := p.Inbox(remote)
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.setup {
		return fmt.Errorf("%s attach %d: %w", p, remote, status.ErrNotInitialized)
	}
	mem, ok := p.linkMem[remote]
	if !ok {
		return fmt.Errorf("%s attach %d: %w", p, remote, status.ErrInvalidArgument)
	}
	if _, ok := p.links[remote]; ok {
		return fmt.Errorf("%s attach %d: %w", p, remote, status.ErrAlreadyExists)
	}

	t := p.table
	l := &link{remote: remote}
	var err error
	l.driver, err = p.notify.Attach(notify.Link{RemoteProcId: remote, SharedAddr: mem, Inbox: inbox, Outbox: outbox})
	if err != nil {
		return err
	}
	mem += sharedregion.Addr(notify.DriverSharedMemReq(t, 0, p.cfg.Notify.NumEvents))
	l.names, err = remotenotify.New(p.cfg.RemoteNotify, remotenotify.Deps{
		Table: t, NameServer: p.names, Notify: p.notify,
	}, remote, mem)
	if err != nil {
		if derr := p.notify.Detach(remote); derr != nil {
			logger.Warnf("%s attach %d: rollback: %v", p, remote, derr)
		}
		return err
	}
	mem += sharedregion.Addr(remotenotify.SharedMemReq(t, 0, p.cfg.RemoteNotify))
	l.transport, err = transportshm.New(p.cfg.TransportShm, transportshm.Deps{
		Table: t, ListMP: p.lists, Notify: p.notify, MessageQ: p.messages,
	}, remote, mem)
	if err != nil {
		if cerr := l.names.Close(); cerr != nil {
			logger.Warnf("%s attach %d: rollback: %v", p, remote, cerr)
		}
		if derr := p.notify.Detach(remote); derr != nil {
			logger.Warnf("%s attach %d: rollback: %v", p, remote, derr)
		}
		return err
	}
	p.links[remote] = l
	logger.Infof("%s attached to %d", p, remote)
	return nil
}

// Connect attaches a and b to each other.
func Connect(a, b *Processor) error {
	if err := a.Attach(b.Id(), b.Inbox(a.Id())); err != nil {
		return err
	}
	if err := b.Attach(a.Id(), a.Inbox(b.Id())); err != nil {
		if derr := a.Detach(b.Id()); derr != nil {
			logger.Warnf("connect %s to %s: rollback: %v", a, b, derr)
		}
		return err
	}
	return nil
}

// IsAttached reports whether the link to remote is up on this side.
func (p *Processor) IsAttached(remote uint16) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.links[remote]
	return ok
}

// Detach takes the link to remote down.
func (p *Processor) Detach(remote uint16) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.detachLocked(remote)
}

func (p *Processor) detachLocked(remote uint16) error {
	l, ok := p.links[remote]
	if !ok {
		return fmt.Errorf("%s detach %d: %w", p, remote, status.ErrNotFound)
	}
	delete(p.links, remote)
	err := l.transport.Close()
	if cerr := l.names.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if derr := p.notify.Detach(remote); derr != nil && err == nil {
		err = derr
	}
	logger.Infof("%s detached from %d", p, remote)
	return err
}

// Destroy detaches every link and takes the modules down. Region owners
// should be destroyed last.
func (p *Processor) Destroy() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.setup {
		return fmt.Errorf("%s destroy: %w", p, status.ErrNotInitialized)
	}
	remotes := make([]uint16, 0, len(p.links))
	for r := range p.links {
		remotes = append(remotes, r)
	}
	sort.Slice(remotes, func(i, j int) bool { return remotes[i] < remotes[j] })
	for _, r := range remotes {
		if err := p.detachLocked(r); err != nil {
			logger.Warnf("%s destroy: %v", p, err)
		}
	}
	p.teardownLocked()
	p.setup = false
	p.ctrl.Release()
	return nil
}

// teardownLocked undoes whatever part of Setup completed.
func (p *Processor) teardownLocked() {
	warn := func(err error) {
		if err != nil {
			logger.Warnf("%s teardown: %v", p, err)
		}
	}
	if p.notify != nil {
		p.notify.Close()
		p.notify = nil
	}
	if p.messages != nil {
		warn(p.messages.Destroy())
		p.messages = nil
	}
	if p.heapBuf != nil {
		warn(p.heapBuf.Destroy())
		p.heapBuf = nil
	}
	if p.lists != nil {
		warn(p.lists.Destroy())
		p.lists = nil
	}
	p.regionHps = nil
	for id := range p.cfg.Regions {
		warn(p.table.SetHeap(uint16(id), nil))
	}
	if p.heapMem != nil {
		warn(p.heapMem.Destroy())
		p.heapMem = nil
	}
	if p.gate != nil {
		warn(p.gate.Delete())
		p.gate = nil
	}
	if p.namesUp {
		warn(p.names.Destroy())
		p.namesUp = false
	}
	p.linkMem = make(map[uint16]sharedregion.Addr)
	p.spent = true
}
