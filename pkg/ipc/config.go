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

package ipc

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/srediag/syslink-ipc/internal/metrics"
	"github.com/srediag/syslink-ipc/pkg/heapbufmp"
	"github.com/srediag/syslink-ipc/pkg/heapmemmp"
	"github.com/srediag/syslink-ipc/pkg/listmp"
	"github.com/srediag/syslink-ipc/pkg/messageq"
	"github.com/srediag/syslink-ipc/pkg/nameserver/remotenotify"
	"github.com/srediag/syslink-ipc/pkg/notify"
	"github.com/srediag/syslink-ipc/pkg/sharedregion"
	"github.com/srediag/syslink-ipc/pkg/status"
	"github.com/srediag/syslink-ipc/pkg/transportshm"
)

// DefaultInterruptWorkers sizes the mailbox worker pool.
const DefaultInterruptWorkers = 4

// Metrics are the collectors shared by the processors of one system.
type Metrics = metrics.Metrics

// NewMetrics builds the collectors and registers them with reg when it is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics { return metrics.New(reg) }

// Config describes one processor. Every processor of a system must use the
// same region sizes and module configurations so that their reservations
// line up.
type Config struct {
	ProcId        uint16
	NumProcessors uint16
	// Regions are installed as region ids 0, 1, ... Region 0 holds the
	// default gate and the per-pair link memory; the rest of every region
	// becomes its region heap.
	Regions []sharedregion.Entry

	ListMP       listmp.Config
	HeapBufMP    heapbufmp.Config
	HeapMemMP    heapmemmp.Config
	MessageQ     messageq.Config
	Notify       notify.Config
	RemoteNotify remotenotify.Config
	TransportShm transportshm.Config

	// InterruptWorkers sizes the pool running mailbox handlers.
	InterruptWorkers int
	// OpenTimeout bounds how long Setup waits for region owners.
	OpenTimeout time.Duration
	Metrics     *Metrics
}

// DefaultConfig returns a configuration for processor procId of a
// two-processor system. Regions must still be filled in.
func DefaultConfig(procId uint16) Config {
	mq := messageq.DefaultConfig()
	mq.NumProcessors = 2
	return Config{
		ProcId:           procId,
		NumProcessors:    2,
		ListMP:           listmp.DefaultConfig(),
		HeapBufMP:        heapbufmp.DefaultConfig(),
		HeapMemMP:        heapmemmp.DefaultConfig(),
		MessageQ:         mq,
		Notify:           notify.DefaultConfig(),
		RemoteNotify:     remotenotify.DefaultConfig(),
		TransportShm:     transportshm.DefaultConfig(),
		InterruptWorkers: DefaultInterruptWorkers,
		OpenTimeout:      5 * time.Second,
	}
}

// Verify checks the configuration.
func (c Config) Verify() error {
	if c.NumProcessors == 0 || c.ProcId >= c.NumProcessors {
		return fmt.Errorf("ipc config: proc %d of %d: %w", c.ProcId, c.NumProcessors, status.ErrInvalidArgument)
	}
	if len(c.Regions) == 0 || len(c.Regions) >= sharedregion.MaxRegions {
		return fmt.Errorf("ipc config: %d regions: %w", len(c.Regions), status.ErrInvalidArgument)
	}
	if c.MessageQ.NumProcessors != c.NumProcessors {
		return fmt.Errorf("ipc config: messageq sized for %d processors, system has %d: %w",
			c.MessageQ.NumProcessors, c.NumProcessors, status.ErrInvalidArgument)
	}
	if c.Notify.NumEvents <= c.RemoteNotify.EventId || c.Notify.NumEvents <= c.TransportShm.EventId {
		return fmt.Errorf("ipc config: link events beyond %d: %w", c.Notify.NumEvents, status.ErrInvalidArgument)
	}
	if c.RemoteNotify.EventId == c.TransportShm.EventId {
		return fmt.Errorf("ipc config: event %d used twice: %w", c.RemoteNotify.EventId, status.ErrInvalidArgument)
	}
	if c.InterruptWorkers <= 0 || c.OpenTimeout <= 0 {
		return fmt.Errorf("ipc config: workers %d, open timeout %v: %w", c.InterruptWorkers, c.OpenTimeout, status.ErrInvalidArgument)
	}
	if err := c.MessageQ.Verify(); err != nil {
		return err
	}
	if err := c.Notify.Verify(); err != nil {
		return err
	}
	if err := c.RemoteNotify.Verify(); err != nil {
		return err
	}
	return c.TransportShm.Verify()
}
