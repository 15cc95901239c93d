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

package notify

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/srediag/syslink-ipc/internal/metrics"
	"github.com/srediag/syslink-ipc/pkg/sharedregion"
	"github.com/srediag/syslink-ipc/pkg/status"
)

type Config struct {
	// NumEvents is the number of event ids per link, at most MaxEvents.
	NumEvents uint32
	// A waitClear send polls at most SendEventPollCount times and for at
	// most SendEventPollCount*SendEventPollInterval.
	SendEventPollCount    uint64
	SendEventPollInterval time.Duration
	// Meter records event counters; nil uses a no-op meter.
	Meter metric.Meter
}

func DefaultConfig() Config {
	return Config{
		NumEvents:             MaxEvents,
		SendEventPollCount:    100000,
		SendEventPollInterval: 10 * time.Microsecond,
	}
}

func (c Config) Verify() error {
	if c.NumEvents == 0 || c.NumEvents > MaxEvents {
		return fmt.Errorf("notify config: %d events: %w", c.NumEvents, status.ErrInvalidArgument)
	}
	if c.SendEventPollInterval <= 0 {
		return fmt.Errorf("notify config: poll interval %v: %w", c.SendEventPollInterval, status.ErrInvalidArgument)
	}
	return nil
}

// pollBudget is the longest a waitClear send waits for the slot.
func (c Config) pollBudget() time.Duration {
	if c.SendEventPollInterval <= 0 {
		return 0
	}
	if c.SendEventPollCount > uint64(math.MaxInt64/int64(c.SendEventPollInterval)) {
		return math.MaxInt64
	}
	return time.Duration(c.SendEventPollCount) * c.SendEventPollInterval
}

type Deps struct {
	Table   *sharedregion.Table
	Metrics *metrics.Metrics
}

// Listener is one registered callback.
type Listener struct {
	procId  uint16
	eventId uint32
	fn      Callback
}

type listenerKey struct {
	procId  uint16
	eventId uint32
}

// Module owns the drivers of one processor and fans events out to any
// number of callbacks per event id.
type Module struct {
	cfg     Config
	deps    Deps
	counter metric.Int64Counter

	mu        sync.RWMutex
	drivers   map[uint16]*Driver
	listeners map[listenerKey][]*Listener
}

func NewModule(cfg Config, deps Deps) (*Module, error) {
	if err := cfg.Verify(); err != nil {
		return nil, err
	}
	if deps.Table == nil {
		return nil, fmt.Errorf("notify module: missing table: %w", status.ErrInvalidArgument)
	}
	meter := cfg.Meter
	if meter == nil {
		meter = noop.NewMeterProvider().Meter("notify")
	}
	counter, err := meter.Int64Counter("syslink.notify.events",
		metric.WithDescription("Notify events sent and received per link."))
	if err != nil {
		return nil, fmt.Errorf("notify module: %w", err)
	}
	return &Module{
		cfg:       cfg,
		deps:      deps,
		counter:   counter,
		drivers:   make(map[uint16]*Driver),
		listeners: make(map[listenerKey][]*Listener),
	}, nil
}

// SharedMemReq is the per-link shared memory size for this module's
// configuration.
func (m *Module) SharedMemReq(id uint16) uint32 {
	return DriverSharedMemReq(m.deps.Table, id, m.cfg.NumEvents)
}

// Attach brings up the driver for link.RemoteProcId.
func (m *Module) Attach(link Link) (*Driver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.drivers[link.RemoteProcId]; ok {
		return nil, fmt.Errorf("notify attach %d: %w", link.RemoteProcId, status.ErrAlreadyExists)
	}
	d, err := newDriver(m.cfg, m.deps.Table, link, m.dispatch, m.deps.Metrics, m.counter)
	if err != nil {
		return nil, err
	}
	m.drivers[link.RemoteProcId] = d
	return d, nil
}

// Detach stops the driver for procId and drops its listeners. It returns
// once no callback of the link is running, so a callback must not call it
// directly.
func (m *Module) Detach(procId uint16) error {
	m.mu.Lock()
	d, ok := m.drivers[procId]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("notify detach %d: %w", procId, status.ErrNotFound)
	}
	delete(m.drivers, procId)
	for k := range m.listeners {
		if k.procId == procId {
			delete(m.listeners, k)
		}
	}
	m.mu.Unlock()
	d.close()
	return nil
}

// Close detaches every driver; the Detach restriction on callbacks applies.
func (m *Module) Close() {
	m.mu.RLock()
	ids := make([]uint16, 0, len(m.drivers))
	for id := range m.drivers {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if err := m.Detach(id); err != nil && !status.IsNotFound(err) {
			logger.Warnf("close: %v", err)
		}
	}
}

// IsAttached reports whether a driver to procId is up.
func (m *Module) IsAttached(procId uint16) bool {
	_, err := m.driver(procId)
	return err == nil
}

func (m *Module) driver(procId uint16) (*Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.drivers[procId]
	if !ok {
		return nil, fmt.Errorf("notify: processor %d not attached: %w", procId, status.ErrNotInitialized)
	}
	return d, nil
}

// RegisterEvent adds fn as a callback for eventId raised by procId.
func (m *Module) RegisterEvent(procId uint16, eventId uint32, fn Callback) (*Listener, error) {
	if fn == nil {
		return nil, fmt.Errorf("notify register %d/%d: nil callback: %w", procId, eventId, status.ErrInvalidArgument)
	}
	d, err := m.driver(procId)
	if err != nil {
		return nil, err
	}
	k := listenerKey{procId, eventId}
	l := &Listener{procId: procId, eventId: eventId, fn: fn}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.listeners[k]) == 0 {
		if err := d.RegisterEvent(eventId); err != nil {
			return nil, err
		}
	}
	m.listeners[k] = append(m.listeners[k], l)
	return l, nil
}

// UnregisterEvent removes l; the last listener of an event unregisters it
// from the driver.
func (m *Module) UnregisterEvent(l *Listener) error {
	k := listenerKey{l.procId, l.eventId}
	m.mu.Lock()
	defer m.mu.Unlock()
	ls := m.listeners[k]
	for i, o := range ls {
		if o != l {
			continue
		}
		ls = append(ls[:i], ls[i+1:]...)
		if len(ls) > 0 {
			m.listeners[k] = ls
			return nil
		}
		delete(m.listeners, k)
		if d, ok := m.drivers[l.procId]; ok {
			return d.UnregisterEvent(l.eventId)
		}
		return nil
	}
	return fmt.Errorf("notify unregister %d/%d: %w", l.procId, l.eventId, status.ErrNotFound)
}

// SendEvent raises eventId on procId; see Driver.SendEvent.
func (m *Module) SendEvent(ctx context.Context, procId uint16, eventId uint32, payload uint32, waitClear bool) error {
	d, err := m.driver(procId)
	if err != nil {
		return err
	}
	return d.SendEvent(ctx, eventId, payload, waitClear)
}

func (m *Module) DisableEvent(procId uint16, eventId uint32) error {
	d, err := m.driver(procId)
	if err != nil {
		return err
	}
	return d.DisableEvent(eventId)
}

func (m *Module) EnableEvent(procId uint16, eventId uint32) error {
	d, err := m.driver(procId)
	if err != nil {
		return err
	}
	return d.EnableEvent(eventId)
}

// Disable masks interrupts from procId and returns the key for Restore.
func (m *Module) Disable(procId uint16) (bool, error) {
	d, err := m.driver(procId)
	if err != nil {
		return false, err
	}
	return d.Disable(), nil
}

// Restore undoes Disable.
func (m *Module) Restore(procId uint16, key bool) error {
	d, err := m.driver(procId)
	if err != nil {
		return err
	}
	d.Restore(key)
	return nil
}

func (m *Module) dispatch(procId uint16, eventId uint32, payload uint32) {
	m.mu.RLock()
	ls := append([]*Listener(nil), m.listeners[listenerKey{procId, eventId}]...)
	m.mu.RUnlock()
	for _, l := range ls {
		l.fn(procId, eventId, payload)
	}
}
