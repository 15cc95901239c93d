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

// Package notify raises numbered events between processor pairs. A driver
// per remote processor keeps control blocks and event charts in shared
// memory and kicks the peer through a mailbox; the peer's interrupt
// handler only records the event, and callbacks run on a dispatcher
// goroutine.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/Workiva/go-datastructures/queue"
	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/srediag/syslink-ipc/internal/log"
	"github.com/srediag/syslink-ipc/internal/metrics"
	"github.com/srediag/syslink-ipc/pkg/mailbox"
	"github.com/srediag/syslink-ipc/pkg/sharedregion"
	"github.com/srediag/syslink-ipc/pkg/status"
)

var logger = log.New("notify")

// MaxEvents bounds the event ids of one link: one bit per event in the
// control masks.
const MaxEvents = 32

// initialized marks a control block whose owner is attached.
const initialized = 0xBADC0FFE

// procCtrl layout: recvInitStatus | sendInitStatus | eventRegMask | eventEnableMask
const (
	offRecvInit   = 0
	offSendInit   = 4
	offRegMask    = 8
	offEnableMask = 12
	ctrlSize      = 16
)

// event chart entry layout: flag | payload
const (
	offFlag    = 0
	offPayload = 4
	entrySize  = 8

	flagDown = 0
	flagUp   = 1
)

// Callback receives an event raised by processor procId. Callbacks run on
// the link's dispatcher goroutine and must not call Detach or Close on the
// owning Module themselves: those wait for the dispatcher to exit. Hand the
// call to another goroutine instead.
type Callback func(procId uint16, eventId uint32, payload uint32)

// DriverSharedMemReq returns the bytes a link of numEvents events needs in
// region id: two control blocks and two event charts, every entry on its
// own cache line.
func DriverSharedMemReq(t *sharedregion.Table, id uint16, numEvents uint32) uint32 {
	a := sharedregion.MinAlign(t, id)
	return 2*sharedregion.RoundUp(ctrlSize, a) + 2*numEvents*sharedregion.RoundUp(entrySize, a)
}

// Link describes the shared memory and mailboxes of one processor pair as
// seen from the local side.
type Link struct {
	RemoteProcId uint16
	// SharedAddr holds DriverSharedMemReq bytes, identical on both sides.
	SharedAddr sharedregion.Addr
	// Inbox interrupts this processor; Outbox interrupts the remote one.
	Inbox  *mailbox.Mailbox
	Outbox *mailbox.Mailbox
}

type event struct {
	id      uint32
	payload uint32
}

// Driver is the local half of one link.
type Driver struct {
	cfg      Config
	table    *sharedregion.Table
	link     Link
	selfId   uint16
	regionId uint16
	stride   uint32
	ctrlSpan uint32
	self     int
	other    int
	deliver  Callback
	metrics  *metrics.Metrics
	counter  metric.Int64Counter
	label    string

	// sendMu serializes local senders; it is dropped between polls.
	sendMu sync.Mutex
	// isrMu serializes chart scans with DisableEvent draining.
	isrMu sync.Mutex

	regMu      sync.Mutex
	registered []uint32

	events *queue.Queue
	done   chan struct{}
}

func newDriver(cfg Config, t *sharedregion.Table, link Link, deliver Callback, m *metrics.Metrics, counter metric.Int64Counter) (*Driver, error) {
	self := t.ProcId()
	if link.RemoteProcId == self {
		return nil, fmt.Errorf("notify link to self: %w", status.ErrInvalidArgument)
	}
	if link.Inbox == nil || link.Outbox == nil {
		return nil, fmt.Errorf("notify link to %d: missing mailbox: %w", link.RemoteProcId, status.ErrInvalidArgument)
	}
	id, ok := t.GetId(link.SharedAddr)
	if !ok || !t.Contains(link.SharedAddr, DriverSharedMemReq(t, id, cfg.NumEvents)) {
		return nil, fmt.Errorf("notify link to %d: shared memory at %#x: %w", link.RemoteProcId, uint64(link.SharedAddr), status.ErrInvalidArgument)
	}
	a := sharedregion.MinAlign(t, id)
	d := &Driver{
		cfg:      cfg,
		table:    t,
		link:     link,
		selfId:   self,
		regionId: id,
		stride:   sharedregion.RoundUp(entrySize, a),
		ctrlSpan: sharedregion.RoundUp(ctrlSize, a),
		deliver:  deliver,
		metrics:  m,
		counter:  counter,
		label:    strconv.Itoa(int(link.RemoteProcId)),
		events:   queue.New(int64(cfg.NumEvents)),
		done:     make(chan struct{}),
	}
	// The lower processor id owns side 0 of the link.
	if self < link.RemoteProcId {
		d.self, d.other = 0, 1
	} else {
		d.self, d.other = 1, 0
	}

	ctrl := d.ctrl(d.self)
	t.Zero(ctrl, ctrlSize)
	for i := uint32(0); i < cfg.NumEvents; i++ {
		t.Store32(d.entry(d.self, i)+offFlag, flagDown)
	}
	t.Store32(ctrl+offEnableMask, 0xFFFFFFFF)
	if err := link.Inbox.Register(d.isr); err != nil {
		return nil, fmt.Errorf("notify link to %d: %w", link.RemoteProcId, err)
	}
	t.Store32(ctrl+offRecvInit, initialized)
	t.Store32(ctrl+offSendInit, initialized)
	go d.dispatch()
	link.Inbox.EnableInterrupt()
	return d, nil
}

// RemoteProcId is the processor at the other end of the link.
func (d *Driver) RemoteProcId() uint16 { return d.link.RemoteProcId }

func (d *Driver) ctrl(side int) sharedregion.Addr {
	return d.link.SharedAddr + sharedregion.Addr(uint32(side)*d.ctrlSpan)
}

// entry addresses event id in the chart of events received by side.
func (d *Driver) entry(side int, id uint32) sharedregion.Addr {
	chart := d.link.SharedAddr + sharedregion.Addr(2*d.ctrlSpan)
	return chart + sharedregion.Addr((uint32(side)*d.cfg.NumEvents+id)*d.stride)
}

func (d *Driver) checkEvent(id uint32) error {
	if id >= d.cfg.NumEvents {
		return fmt.Errorf("notify event %d of %d: %w", id, d.cfg.NumEvents, status.ErrInvalidArgument)
	}
	return nil
}

// RemoteAttached reports whether the remote side has initialized its
// control block.
func (d *Driver) RemoteAttached() bool {
	return d.table.Load32(d.ctrl(d.other)+offRecvInit) == initialized
}

// RegisterEvent starts accepting event id from the remote processor.
func (d *Driver) RegisterEvent(id uint32) error {
	if err := d.checkEvent(id); err != nil {
		return err
	}
	d.regMu.Lock()
	defer d.regMu.Unlock()
	i := sort.Search(len(d.registered), func(i int) bool { return d.registered[i] >= id })
	if i < len(d.registered) && d.registered[i] == id {
		return fmt.Errorf("notify event %d: %w", id, status.ErrAlreadyExists)
	}
	d.registered = append(d.registered, 0)
	copy(d.registered[i+1:], d.registered[i:])
	d.registered[i] = id
	d.table.Store32(d.entry(d.self, id)+offFlag, flagDown)
	d.table.Or32(d.ctrl(d.self)+offRegMask, 1<<id)
	return nil
}

// UnregisterEvent stops accepting event id.
func (d *Driver) UnregisterEvent(id uint32) error {
	if err := d.checkEvent(id); err != nil {
		return err
	}
	d.regMu.Lock()
	defer d.regMu.Unlock()
	i := sort.Search(len(d.registered), func(i int) bool { return d.registered[i] >= id })
	if i == len(d.registered) || d.registered[i] != id {
		return fmt.Errorf("notify event %d: %w", id, status.ErrNotFound)
	}
	d.registered = append(d.registered[:i], d.registered[i+1:]...)
	d.table.AndNot32(d.ctrl(d.self)+offRegMask, 1<<id)
	d.table.Store32(d.entry(d.self, id)+offFlag, flagDown)
	return nil
}

var errPending = errors.New("event slot still pending")

// SendEvent raises event id with payload on the remote processor. With
// waitClear it first polls until the remote side has consumed the previous
// instance of the event, giving up with ErrTimeout once the configured
// polls or their time budget run out.
func (d *Driver) SendEvent(ctx context.Context, id uint32, payload uint32, waitClear bool) error {
	if err := d.checkEvent(id); err != nil {
		return err
	}
	t := d.table
	rctrl := d.ctrl(d.other)
	if t.Load32(rctrl+offRecvInit) != initialized {
		return fmt.Errorf("notify send %d to %d: remote not attached: %w", id, d.link.RemoteProcId, status.ErrNotInitialized)
	}
	if t.Load32(rctrl+offRegMask)&(1<<id) == 0 {
		return fmt.Errorf("notify send %d to %d: not registered: %w", id, d.link.RemoteProcId, status.ErrNotFound)
	}
	if t.Load32(rctrl+offEnableMask)&(1<<id) == 0 {
		return fmt.Errorf("notify send %d to %d: disabled: %w", id, d.link.RemoteProcId, status.ErrInvalidState)
	}

	e := d.entry(d.other, id)
	d.sendMu.Lock()
	if waitClear {
		locked := true
		poll := func() error {
			if !locked {
				d.sendMu.Lock()
				locked = true
			}
			if t.Load32(e+offFlag) == flagDown {
				return nil
			}
			d.sendMu.Unlock()
			locked = false
			return errPending
		}
		policy := backoff.WithContext(backoff.WithMaxRetries(d.pollPolicy(), d.cfg.SendEventPollCount), ctx)
		if err := backoff.Retry(poll, policy); err != nil {
			if locked {
				d.sendMu.Unlock()
			}
			if ctx.Err() != nil {
				return fmt.Errorf("notify send %d to %d: %v: %w", id, d.link.RemoteProcId, ctx.Err(), status.ErrInterrupted)
			}
			return fmt.Errorf("notify send %d to %d: slot not cleared: %w", id, d.link.RemoteProcId, status.ErrTimeout)
		}
	}
	t.Store32(e+offPayload, payload)
	t.Store32(e+offFlag, flagUp)
	err := d.link.Outbox.Send(uint32(d.link.RemoteProcId)<<16 | id)
	d.sendMu.Unlock()
	if err != nil {
		if !errors.Is(err, status.ErrBusy) {
			return fmt.Errorf("notify send %d to %d: %w", id, d.link.RemoteProcId, err)
		}
		logger.Debugf("send %d to %d: interrupt already pending", id, d.link.RemoteProcId)
	}
	d.metrics.EventSent(d.label)
	d.counter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("direction", "sent"),
		attribute.Int("remote", int(d.link.RemoteProcId)),
		attribute.Int("event", int(id)),
	))
	return nil
}

// pollPolicy polls at a constant interval until the poll budget elapses.
func (d *Driver) pollPolicy() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.cfg.SendEventPollInterval
	b.MaxInterval = d.cfg.SendEventPollInterval
	b.Multiplier = 1
	b.RandomizationFactor = 0
	b.MaxElapsedTime = d.cfg.pollBudget()
	return b
}

// isr runs when the inbox interrupts. It only moves raised events onto the
// dispatch queue.
func (d *Driver) isr(msg uint32) {
	if uint16(msg>>16) != d.selfId {
		logger.Warnf("link %d: mailbox message %#x for processor %d", d.link.RemoteProcId, msg, msg>>16)
	}
	d.isrMu.Lock()
	d.scan()
	d.isrMu.Unlock()
}

// scan services raised and enabled events, restarting from the lowest
// registered id after each one so low ids win. Caller holds isrMu.
func (d *Driver) scan() {
	t := d.table
	for {
		d.regMu.Lock()
		ids := append([]uint32(nil), d.registered...)
		d.regMu.Unlock()
		enabled := t.Load32(d.ctrl(d.self) + offEnableMask)
		found := false
		for _, id := range ids {
			e := d.entry(d.self, id)
			if enabled&(1<<id) == 0 || t.Load32(e+offFlag) != flagUp {
				continue
			}
			payload := t.Load32(e + offPayload)
			t.Store32(e+offFlag, flagDown)
			d.post(event{id: id, payload: payload})
			found = true
			break
		}
		if !found {
			return
		}
	}
}

func (d *Driver) post(ev event) {
	if err := d.events.Put(ev); err != nil {
		logger.Warnf("link %d: dropping event %d: %v", d.link.RemoteProcId, ev.id, err)
	}
}

func (d *Driver) dispatch() {
	defer close(d.done)
	for {
		items, err := d.events.Get(int64(d.cfg.NumEvents))
		if err != nil {
			return
		}
		for _, it := range items {
			ev := it.(event)
			d.metrics.EventReceived(d.label)
			d.counter.Add(context.Background(), 1, metric.WithAttributes(
				attribute.String("direction", "received"),
				attribute.Int("remote", int(d.link.RemoteProcId)),
				attribute.Int("event", int(ev.id)),
			))
			d.deliver(d.link.RemoteProcId, ev.id, ev.payload)
		}
	}
}

// DisableEvent stops servicing event id. An instance that raced in before
// the enable bit dropped is still delivered so the sender's slot clears.
func (d *Driver) DisableEvent(id uint32) error {
	if err := d.checkEvent(id); err != nil {
		return err
	}
	t := d.table
	key := d.link.Inbox.DisableInterrupt()
	d.isrMu.Lock()
	e := d.entry(d.self, id)
	if t.Load32(e+offFlag) == flagUp {
		payload := t.Load32(e + offPayload)
		t.Store32(e+offFlag, flagDown)
		d.post(event{id: id, payload: payload})
	}
	t.AndNot32(d.ctrl(d.self)+offEnableMask, 1<<id)
	d.isrMu.Unlock()
	d.link.Inbox.RestoreInterrupt(key)
	return nil
}

// EnableEvent resumes servicing event id.
func (d *Driver) EnableEvent(id uint32) error {
	if err := d.checkEvent(id); err != nil {
		return err
	}
	key := d.link.Inbox.DisableInterrupt()
	d.isrMu.Lock()
	d.table.Or32(d.ctrl(d.self)+offEnableMask, 1<<id)
	if key {
		d.scan()
	}
	d.isrMu.Unlock()
	d.link.Inbox.RestoreInterrupt(key)
	return nil
}

// Disable masks the link's interrupt; raised events wait until Restore.
// The returned key is handed back to Restore.
func (d *Driver) Disable() bool { return d.link.Inbox.DisableInterrupt() }

// Restore returns the interrupt to the state captured by key, servicing
// what was raised meanwhile when it unmasks.
func (d *Driver) Restore(key bool) {
	if !key {
		return
	}
	d.isrMu.Lock()
	d.scan()
	d.isrMu.Unlock()
	d.link.Inbox.EnableInterrupt()
}

// close detaches the local side and stops the dispatcher, waiting for a
// running callback to return. Events still queued are dropped.
func (d *Driver) close() {
	d.link.Inbox.Unregister()
	ctrl := d.ctrl(d.self)
	d.table.Store32(ctrl+offRecvInit, 0)
	d.table.Store32(ctrl+offSendInit, 0)
	d.table.Store32(ctrl+offRegMask, 0)
	d.events.Dispose()
	<-d.done
}
