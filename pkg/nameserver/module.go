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

// Package nameserver maps bounded names to small values inside named
// instances. Lookups that miss locally fall back to remote processors
// through registered Remote drivers.
package nameserver

import (
	"context"
	"fmt"
	"sync"

	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/srediag/syslink-ipc/internal/log"
	"github.com/srediag/syslink-ipc/pkg/status"
)

var logger = log.New("nameserver")

// Remote resolves names held by another processor.
type Remote interface {
	Get(ctx context.Context, instanceName, name string) ([]byte, error)
}

// Config configures the module of one processor.
type Config struct {
	ProcId        uint16
	NumProcessors uint16
}

// DefaultConfig returns a single-processor configuration.
func DefaultConfig() Config {
	return Config{ProcId: 0, NumProcessors: 1}
}

// Verify checks the configuration.
func (c Config) Verify() error {
	if c.NumProcessors == 0 || c.ProcId >= c.NumProcessors {
		return fmt.Errorf("nameserver config: proc %d of %d: %w", c.ProcId, c.NumProcessors, status.ErrInvalidArgument)
	}
	return nil
}

// Module owns the NameServer instances of one processor.
type Module struct {
	cfg Config

	mu        sync.RWMutex
	refCount  int
	instances cmap.ConcurrentMap[string, *NameServer]
	remotes   []Remote
}

// NewModule returns a module that must be Setup before use.
func NewModule(cfg Config) (*Module, error) {
	if err := cfg.Verify(); err != nil {
		return nil, err
	}
	return &Module{cfg: cfg, instances: cmap.New[*NameServer]()}, nil
}

// ProcId returns the local processor id.
func (m *Module) ProcId() uint16 { return m.cfg.ProcId }

// Setup initializes the module on the first call and counts the others.
func (m *Module) Setup() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refCount++
	if m.refCount == 1 {
		m.remotes = make([]Remote, m.cfg.NumProcessors)
		logger.Debugf("module setup on processor %d", m.cfg.ProcId)
	}
	return nil
}

// Destroy undoes one Setup. The last call deletes every instance.
func (m *Module) Destroy() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.refCount == 0 {
		return fmt.Errorf("nameserver destroy: %w", status.ErrNotInitialized)
	}
	m.refCount--
	if m.refCount > 0 {
		return nil
	}
	for _, name := range m.instances.Keys() {
		if ns, ok := m.instances.Pop(name); ok {
			logger.Warnf("destroy: deleting instance %q still in use", name)
			ns.clear()
		}
	}
	m.remotes = nil
	return nil
}

func (m *Module) initialized() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.refCount > 0
}

// Create makes a new named instance.
func (m *Module) Create(name string, params Params) (*NameServer, error) {
	if !m.initialized() {
		return nil, fmt.Errorf("nameserver create %q: %w", name, status.ErrNotInitialized)
	}
	if name == "" {
		return nil, fmt.Errorf("nameserver create: empty name: %w", status.ErrInvalidArgument)
	}
	if err := params.Verify(); err != nil {
		return nil, err
	}
	ns := &NameServer{name: name, params: params, mod: m}
	if !m.instances.SetIfAbsent(name, ns) {
		return nil, fmt.Errorf("nameserver create %q: %w", name, status.ErrAlreadyExists)
	}
	return ns, nil
}

// GetHandle returns the instance called name.
func (m *Module) GetHandle(name string) (*NameServer, bool) {
	return m.instances.Get(name)
}

// Delete removes the instance and all of its entries.
func (m *Module) Delete(ns *NameServer) error {
	if ns == nil {
		return fmt.Errorf("nameserver delete: %w", status.ErrInvalidArgument)
	}
	cur, ok := m.instances.Get(ns.name)
	if !ok || cur != ns {
		return fmt.Errorf("nameserver delete %q: %w", ns.name, status.ErrNotFound)
	}
	m.instances.Remove(ns.name)
	ns.clear()
	return nil
}

// RegisterRemoteDriver installs the driver reaching procId.
func (m *Module) RegisterRemoteDriver(r Remote, procId uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.refCount == 0 {
		return fmt.Errorf("register remote %d: %w", procId, status.ErrNotInitialized)
	}
	if r == nil || procId >= m.cfg.NumProcessors || procId == m.cfg.ProcId {
		return fmt.Errorf("register remote %d: %w", procId, status.ErrInvalidArgument)
	}
	if m.remotes[procId] != nil {
		return fmt.Errorf("register remote %d: %w", procId, status.ErrAlreadyExists)
	}
	m.remotes[procId] = r
	return nil
}

// UnregisterRemoteDriver removes the driver reaching procId.
func (m *Module) UnregisterRemoteDriver(procId uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if procId >= uint16(len(m.remotes)) || m.remotes[procId] == nil {
		return fmt.Errorf("unregister remote %d: %w", procId, status.ErrNotFound)
	}
	m.remotes[procId] = nil
	return nil
}

// IsRegistered reports whether a driver reaches procId.
func (m *Module) IsRegistered(procId uint16) bool {
	return m.remote(procId) != nil
}

func (m *Module) remote(procId uint16) Remote {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if procId >= uint16(len(m.remotes)) {
		return nil
	}
	return m.remotes[procId]
}

// defaultOrder is the local processor followed by every other one ascending.
func (m *Module) defaultOrder() []uint16 {
	order := make([]uint16, 0, m.cfg.NumProcessors)
	order = append(order, m.cfg.ProcId)
	for id := uint16(0); id < m.cfg.NumProcessors; id++ {
		if id != m.cfg.ProcId {
			order = append(order, id)
		}
	}
	return order
}
