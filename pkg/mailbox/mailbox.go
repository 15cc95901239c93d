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

// Package mailbox simulates the inter-processor mailbox hardware: a small
// FIFO of 32-bit messages whose arrival raises an interrupt on the
// receiving processor. Interrupt handlers run on the receiver's ants
// worker pool, one at a time per mailbox.
package mailbox

import (
	"fmt"
	"sync"

	"github.com/panjf2000/ants/v2"

	"github.com/srediag/syslink-ipc/internal/log"
	"github.com/srediag/syslink-ipc/pkg/status"
)

var logger = log.New("mailbox")

// DefaultFifoDepth matches the hardware message FIFO.
const DefaultFifoDepth = 4

// Handler is the interrupt service routine of a mailbox.
type Handler func(msg uint32)

// Controller is the interrupt controller of one processor.
type Controller struct {
	pool *ants.Pool
}

// NewController starts a worker pool of the given size for interrupt
// delivery.
func NewController(workers int) (*Controller, error) {
	pool, err := ants.NewPool(workers, ants.WithPanicHandler(func(v interface{}) {
		logger.Errorf("interrupt handler panic: %v", v)
	}))
	if err != nil {
		return nil, fmt.Errorf("mailbox controller: %w", err)
	}
	return &Controller{pool: pool}, nil
}

// Running reports the handlers currently executing.
func (c *Controller) Running() int { return c.pool.Running() }

// Release stops the worker pool.
func (c *Controller) Release() { c.pool.Release() }

// Mailbox carries messages to the processor owning c.
type Mailbox struct {
	name  string
	ctrl  *Controller
	depth int

	mu        sync.Mutex
	fifo      []uint32
	handler   Handler
	enabled   bool
	scheduled bool
}

// NewMailbox creates a mailbox delivering into c. depth <= 0 uses
// DefaultFifoDepth.
func (c *Controller) NewMailbox(name string, depth int) *Mailbox {
	if depth <= 0 {
		depth = DefaultFifoDepth
	}
	return &Mailbox{name: name, ctrl: c, depth: depth}
}

func (m *Mailbox) String() string { return m.name }

// Register installs the interrupt handler. Interrupts stay masked until
// EnableInterrupt.
func (m *Mailbox) Register(h Handler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.handler != nil {
		return fmt.Errorf("mailbox %s: %w", m.name, status.ErrAlreadyExists)
	}
	m.handler = h
	return nil
}

// Unregister masks the interrupt and drops the handler.
func (m *Mailbox) Unregister() {
	m.mu.Lock()
	m.handler = nil
	m.enabled = false
	m.mu.Unlock()
}

// Send pushes msg into the FIFO. A full FIFO returns ErrBusy; the
// receiver already has an interrupt pending in that case.
func (m *Mailbox) Send(msg uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.fifo) >= m.depth {
		return fmt.Errorf("mailbox %s: fifo full: %w", m.name, status.ErrBusy)
	}
	m.fifo = append(m.fifo, msg)
	m.schedule()
	return nil
}

// Pending reports the messages waiting in the FIFO.
func (m *Mailbox) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.fifo)
}

// DisableInterrupt masks delivery and returns whether it was enabled;
// messages keep queueing.
func (m *Mailbox) DisableInterrupt() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	was := m.enabled
	m.enabled = false
	return was
}

// RestoreInterrupt re-enables delivery if key says it was enabled.
func (m *Mailbox) RestoreInterrupt(key bool) {
	if key {
		m.EnableInterrupt()
	}
}

// EnableInterrupt unmasks delivery and raises any pending message.
func (m *Mailbox) EnableInterrupt() {
	m.mu.Lock()
	m.enabled = true
	m.schedule()
	m.mu.Unlock()
}

// schedule submits the delivery loop once. Caller holds m.mu.
func (m *Mailbox) schedule() {
	if m.scheduled || !m.enabled || m.handler == nil || len(m.fifo) == 0 {
		return
	}
	m.scheduled = true
	if err := m.ctrl.pool.Submit(m.deliver); err != nil {
		m.scheduled = false
		logger.Errorf("mailbox %s: interrupt lost: %v", m.name, err)
	}
}

func (m *Mailbox) deliver() {
	for {
		m.mu.Lock()
		if !m.enabled || m.handler == nil || len(m.fifo) == 0 {
			m.scheduled = false
			m.mu.Unlock()
			return
		}
		msg := m.fifo[0]
		m.fifo = m.fifo[1:]
		h := m.handler
		m.mu.Unlock()
		h(msg)
	}
}
