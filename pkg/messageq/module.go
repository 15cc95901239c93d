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

package messageq

import (
	"container/list"
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/srediag/syslink-ipc/internal/log"
	"github.com/srediag/syslink-ipc/internal/metrics"
	"github.com/srediag/syslink-ipc/pkg/nameserver"
	"github.com/srediag/syslink-ipc/pkg/sharedregion"
	"github.com/srediag/syslink-ipc/pkg/status"
)

var logger = log.New("messageq")

const nameServerName = "MessageQ"

// Transport moves a message to a remote processor. A nil error hands the
// message over; on error the caller still owns it.
type Transport interface {
	Put(ctx context.Context, msg Msg) error
}

type Config struct {
	// NumHeaps bounds the heap ids accepted by RegisterHeap.
	NumHeaps          uint16
	MaxRuntimeEntries uint32
	MaxNameLen        uint32
	// TraceFlag marks every newly allocated message for tracing.
	TraceFlag     bool
	NumProcessors uint16
	// Tracer records spans for traced messages; nil uses a no-op tracer.
	Tracer trace.Tracer
}

func DefaultConfig() Config {
	return Config{
		NumHeaps:          8,
		MaxRuntimeEntries: nameserver.Unlimited,
		MaxNameLen:        nameserver.DefaultMaxNameLen,
		NumProcessors:     2,
	}
}

func (c Config) Verify() error {
	if c.NumHeaps == 0 || c.NumHeaps == StaticMsg {
		return fmt.Errorf("messageq config: heap count %d: %w", c.NumHeaps, status.ErrInvalidArgument)
	}
	if c.NumProcessors == 0 {
		return fmt.Errorf("messageq config: no processors: %w", status.ErrInvalidArgument)
	}
	return nil
}

// Deps are the collaborators of one processor.
type Deps struct {
	Table      *sharedregion.Table
	NameServer *nameserver.Module
	Metrics    *metrics.Metrics
}

// Params configures one queue.
type Params struct{}

func DefaultParams() Params { return Params{} }

// Module is one processor's MessageQ state. A single mutex guards the
// queue table, the heap and transport tables and every local queue.
type Module struct {
	cfg    Config
	deps   Deps
	tracer trace.Tracer

	mu         sync.Mutex
	refCount   int
	ns         *nameserver.NameServer
	queues     []*Queue
	heaps      []sharedregion.Heap
	transports [][2]Transport
	seqNum     uint16
	traceFlag  bool
}

func NewModule(cfg Config, deps Deps) (*Module, error) {
	if err := cfg.Verify(); err != nil {
		return nil, err
	}
	if deps.Table == nil || deps.NameServer == nil {
		return nil, fmt.Errorf("messageq module: missing table or nameserver: %w", status.ErrInvalidArgument)
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("messageq")
	}
	return &Module{cfg: cfg, deps: deps, tracer: tracer}, nil
}

func (m *Module) ProcId() uint16 { return m.deps.Table.ProcId() }

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
		return fmt.Errorf("messageq setup: %w", err)
	}
	m.ns = ns
	m.heaps = make([]sharedregion.Heap, m.cfg.NumHeaps)
	m.transports = make([][2]Transport, m.cfg.NumProcessors)
	m.traceFlag = m.cfg.TraceFlag
	m.refCount = 1
	return nil
}

// Destroy undoes one Setup. The last call deletes the remaining queues and
// forgets every heap and transport.
func (m *Module) Destroy() error {
	m.mu.Lock()
	if m.refCount == 0 {
		m.mu.Unlock()
		return fmt.Errorf("messageq destroy: %w", status.ErrNotInitialized)
	}
	m.refCount--
	if m.refCount > 0 {
		m.mu.Unlock()
		return nil
	}
	var left []Msg
	for _, q := range m.queues {
		if q != nil {
			logger.Warnf("destroy: deleting queue %s", q)
			left = append(left, m.detach(q)...)
		}
	}
	m.mu.Unlock()

	m.freeAll(left)

	m.mu.Lock()
	ns := m.ns
	m.ns, m.queues, m.heaps, m.transports = nil, nil, nil, nil
	m.mu.Unlock()
	if err := m.deps.NameServer.Delete(ns); err != nil {
		logger.Warnf("destroy: %v", err)
	}
	return nil
}

// checkInit must be called with m.mu held.
func (m *Module) checkInit() error {
	if m.refCount == 0 {
		return fmt.Errorf("messageq: %w", status.ErrNotInitialized)
	}
	return nil
}

// SetTraceFlag changes whether new messages are marked for tracing.
func (m *Module) SetTraceFlag(on bool) {
	m.mu.Lock()
	m.traceFlag = on
	m.mu.Unlock()
}

// Create makes a local queue, registering name when it is non-empty. The
// queue table grows by one slot when every slot is taken.
func (m *Module) Create(name string, _ Params) (*Queue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkInit(); err != nil {
		return nil, err
	}
	index := -1
	for i, q := range m.queues {
		if q == nil {
			index = i
			break
		}
	}
	if index < 0 {
		if len(m.queues) >= InvalidId {
			return nil, fmt.Errorf("messageq create %q: %w", name, status.ErrOutOfMemory)
		}
		m.queues = append(m.queues, nil)
		index = len(m.queues) - 1
	}
	q := &Queue{
		mod:    m,
		name:   name,
		id:     MakeQueueId(m.ProcId(), uint16(index)),
		high:   list.New(),
		normal: list.New(),
		kick:   make(chan struct{}, 1),
	}
	if name != "" {
		e, err := m.ns.AddUint32(name, uint32(q.id))
		if err != nil {
			return nil, fmt.Errorf("messageq create %q: %w", name, err)
		}
		q.nsEntry = e
	}
	m.queues[index] = q
	m.deps.Metrics.QueueCreated()
	logger.Debugf("created queue %s", q)
	return q, nil
}

// Delete removes a local queue and frees the messages still on it.
func (m *Module) Delete(q *Queue) error {
	m.mu.Lock()
	if err := m.checkInit(); err != nil {
		m.mu.Unlock()
		return err
	}
	i := int(q.id.Index())
	if i >= len(m.queues) || m.queues[i] != q {
		m.mu.Unlock()
		return fmt.Errorf("messageq delete %s: %w", q, status.ErrNotFound)
	}
	left := m.detach(q)
	m.mu.Unlock()
	m.freeAll(left)
	return nil
}

// detach unregisters q and empties it. Caller holds m.mu.
func (m *Module) detach(q *Queue) []Msg {
	m.queues[q.id.Index()] = nil
	if q.nsEntry != nil {
		if err := m.ns.RemoveEntry(q.nsEntry); err != nil {
			logger.Warnf("delete %s: %v", q, err)
		}
		q.nsEntry = nil
	}
	var left []Msg
	for _, l := range []*list.List{q.high, q.normal} {
		for e := l.Front(); e != nil; e = e.Next() {
			left = append(left, e.Value.(Msg))
		}
		l.Init()
	}
	q.unblocked = true
	q.signal()
	m.deps.Metrics.QueueDeleted()
	return left
}

func (m *Module) freeAll(msgs []Msg) {
	for _, msg := range msgs {
		if msg.HeapId() == StaticMsg {
			continue
		}
		if err := m.Free(msg); err != nil {
			logger.Warnf("dropping %s: %v", msg, err)
		}
	}
}

// Open resolves a queue name on any processor.
func (m *Module) Open(ctx context.Context, name string) (QueueId, error) {
	m.mu.Lock()
	if err := m.checkInit(); err != nil {
		m.mu.Unlock()
		return InvalidQueueId, err
	}
	ns := m.ns
	m.mu.Unlock()
	v, err := ns.GetUint32(ctx, name, nil)
	if err != nil {
		return InvalidQueueId, fmt.Errorf("messageq open %q: %w", name, err)
	}
	return QueueId(v), nil
}

// OpenQueueId builds the id of a queue whose location is known up front.
func OpenQueueId(index, procId uint16) QueueId {
	return MakeQueueId(procId, index)
}

// RegisterHeap makes h the allocator behind heapId.
func (m *Module) RegisterHeap(h sharedregion.Heap, heapId uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkInit(); err != nil {
		return err
	}
	if int(heapId) >= len(m.heaps) || h == nil {
		return fmt.Errorf("messageq register heap %d: %w", heapId, status.ErrInvalidArgument)
	}
	if m.heaps[heapId] != nil {
		return fmt.Errorf("messageq register heap %d: %w", heapId, status.ErrAlreadyExists)
	}
	m.heaps[heapId] = h
	return nil
}

func (m *Module) UnregisterHeap(heapId uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkInit(); err != nil {
		return err
	}
	if int(heapId) >= len(m.heaps) || m.heaps[heapId] == nil {
		return fmt.Errorf("messageq unregister heap %d: %w", heapId, status.ErrNotFound)
	}
	m.heaps[heapId] = nil
	return nil
}

// RegisterTransport installs t for messages to procId of the given
// priority class (normal or high).
func (m *Module) RegisterTransport(t Transport, procId uint16, priority uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkInit(); err != nil {
		return err
	}
	if int(procId) >= len(m.transports) || t == nil {
		return fmt.Errorf("messageq register transport for %d: %w", procId, status.ErrInvalidArgument)
	}
	slot := &m.transports[procId][priority&1]
	if *slot != nil {
		return fmt.Errorf("messageq register transport for %d pri %d: %w", procId, priority&1, status.ErrAlreadyExists)
	}
	*slot = t
	return nil
}

func (m *Module) UnregisterTransport(procId uint16, priority uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkInit(); err != nil {
		return err
	}
	if int(procId) >= len(m.transports) || m.transports[procId][priority&1] == nil {
		return fmt.Errorf("messageq unregister transport for %d: %w", procId, status.ErrNotFound)
	}
	m.transports[procId][priority&1] = nil
	return nil
}

// Alloc takes a message of size bytes, header included, from heapId.
func (m *Module) Alloc(heapId uint16, size uint32) (Msg, error) {
	if size < HeaderSize {
		return Msg{}, fmt.Errorf("messageq alloc %d bytes: %w", size, status.ErrInvalidArgument)
	}
	m.mu.Lock()
	if err := m.checkInit(); err != nil {
		m.mu.Unlock()
		return Msg{}, err
	}
	if int(heapId) >= len(m.heaps) || m.heaps[heapId] == nil {
		m.mu.Unlock()
		return Msg{}, fmt.Errorf("messageq alloc: heap %d: %w", heapId, status.ErrNotFound)
	}
	h := m.heaps[heapId]
	m.mu.Unlock()

	a, err := h.Alloc(size, 0)
	if err != nil {
		return Msg{}, fmt.Errorf("messageq alloc from heap %d: %w", heapId, err)
	}
	msg := Msg{t: m.deps.Table, addr: a}
	m.initMsg(msg, size, heapId)
	return msg, nil
}

// StaticMsgInit prepares caller-owned memory at a as a message. Such
// messages may be put and received but never freed.
func (m *Module) StaticMsgInit(a sharedregion.Addr, size uint32) (Msg, error) {
	if size < HeaderSize || !m.deps.Table.Contains(a, size) {
		return Msg{}, fmt.Errorf("messageq static message at %#x: %w", uint64(a), status.ErrInvalidArgument)
	}
	msg := Msg{t: m.deps.Table, addr: a}
	m.initMsg(msg, size, StaticMsg)
	return msg, nil
}

func (m *Module) initMsg(msg Msg, size uint32, heapId uint16) {
	m.mu.Lock()
	seq := m.seqNum
	m.seqNum++
	trace := m.traceFlag
	m.mu.Unlock()
	msg.init(size, heapId, m.ProcId(), seq, trace)
	if trace {
		logger.Infof("alloc %s from heap %d", msg, heapId)
	}
}

// Free returns msg to the heap it was allocated from.
func (m *Module) Free(msg Msg) error {
	heapId := msg.HeapId()
	if heapId == StaticMsg {
		return fmt.Errorf("messageq free %s: static message: %w", msg, status.ErrInvalidState)
	}
	m.mu.Lock()
	if int(heapId) >= len(m.heaps) || m.heaps[heapId] == nil {
		m.mu.Unlock()
		return fmt.Errorf("messageq free %s: heap %d: %w", msg, heapId, status.ErrNotFound)
	}
	h := m.heaps[heapId]
	m.mu.Unlock()
	if msg.Trace() {
		logger.Infof("free %s", msg)
	}
	return h.Free(msg.addr, msg.Size())
}

// Put delivers msg to queue dst. Local queues take it directly; remote
// ones go through the transport registered for the message priority,
// falling back to the other priority class. On error the caller keeps
// the message.
func (m *Module) Put(ctx context.Context, dst QueueId, msg Msg) error {
	msg.setDst(dst)
	if msg.Trace() {
		var span trace.Span
		ctx, span = m.tracer.Start(ctx, "messageq.put", trace.WithAttributes(
			attribute.String("messageq.dst", dst.String()),
			attribute.Int("messageq.seq", int(msg.SeqNum())),
			attribute.Int("messageq.src", int(msg.SrcProc())),
			attribute.Int("messageq.priority", int(msg.Priority())),
		))
		defer span.End()
		logger.Infof("put %s to %s", msg, dst)
	}
	if dst.ProcId() != m.ProcId() {
		return m.putRemote(ctx, dst, msg)
	}

	m.mu.Lock()
	if err := m.checkInit(); err != nil {
		m.mu.Unlock()
		return err
	}
	i := int(dst.Index())
	if i >= len(m.queues) || m.queues[i] == nil {
		m.mu.Unlock()
		return fmt.Errorf("messageq put to %s: %w", dst, status.ErrNotFound)
	}
	q := m.queues[i]
	switch msg.Priority() {
	case UrgentPri:
		q.high.PushFront(msg)
	case NormalPri:
		q.normal.PushBack(msg)
	default:
		q.high.PushBack(msg)
	}
	m.mu.Unlock()
	q.signal()
	m.deps.Metrics.MessagePut(false)
	return nil
}

func (m *Module) putRemote(ctx context.Context, dst QueueId, msg Msg) error {
	m.mu.Lock()
	if err := m.checkInit(); err != nil {
		m.mu.Unlock()
		return err
	}
	proc := int(dst.ProcId())
	if proc >= len(m.transports) {
		m.mu.Unlock()
		return fmt.Errorf("messageq put to %s: unknown processor: %w", dst, status.ErrNotFound)
	}
	pri := msg.Priority() & 1
	t := m.transports[proc][pri]
	if t == nil {
		t = m.transports[proc][pri^1]
	}
	m.mu.Unlock()
	if t == nil {
		return fmt.Errorf("messageq put to %s: no transport: %w", dst, status.ErrNotFound)
	}
	if err := t.Put(ctx, msg); err != nil {
		return fmt.Errorf("messageq put to %s: %w", dst, err)
	}
	m.deps.Metrics.MessagePut(true)
	return nil
}
