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

// Package gatemp provides a cross-processor gate built over one lock word in
// shared memory, the software face of a hardware semaphore.
package gatemp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/srediag/syslink-ipc/pkg/sharedregion"
	"github.com/srediag/syslink-ipc/pkg/status"
)

const (
	free = 0

	spinInitialInterval = time.Microsecond
	spinMaxInterval     = 500 * time.Microsecond
)

var errHeld = errors.New("gate held")

// Key is returned by Enter and handed back to Leave.
type Key uint32

// Gate is one processor's handle on a shared lock word. Goroutines of the
// same processor are serialized locally before they spin on the word.
type Gate struct {
	table    *sharedregion.Table
	addr     sharedregion.Addr
	srPtr    sharedregion.SRPtr
	owner    uint32
	local    chan struct{}
	regionId uint16
	size     uint32
	fromHeap bool
}

// SharedMemReq returns the bytes a gate needs in region id.
func SharedMemReq(t *sharedregion.Table, id uint16) uint32 {
	return sharedregion.MinAlign(t, id)
}

// Create allocates the lock word from the heap of region id.
func Create(t *sharedregion.Table, id uint16) (*Gate, error) {
	h := t.Heap(id)
	if h == nil {
		return nil, fmt.Errorf("gate in region %d: no region heap: %w", id, status.ErrNotInitialized)
	}
	size := SharedMemReq(t, id)
	a, err := h.Alloc(size, size)
	if err != nil {
		return nil, fmt.Errorf("gate in region %d: %w", id, err)
	}
	g, err := CreateAt(t, a)
	if err != nil {
		_ = h.Free(a, size)
		return nil, err
	}
	g.fromHeap = true
	g.size = size
	return g, nil
}

// CreateAt initializes the lock word at a, released.
func CreateAt(t *sharedregion.Table, a sharedregion.Addr) (*Gate, error) {
	g, err := attach(t, a)
	if err != nil {
		return nil, err
	}
	t.Store32(a, free)
	return g, nil
}

// OpenByAddr attaches to a gate created by any processor.
func OpenByAddr(t *sharedregion.Table, p sharedregion.SRPtr) (*Gate, error) {
	a := t.GetPtr(p)
	if a == 0 {
		return nil, fmt.Errorf("gate %s: %w", p, status.ErrNotFound)
	}
	return attach(t, a)
}

func attach(t *sharedregion.Table, a sharedregion.Addr) (*Gate, error) {
	if a%4 != 0 || !t.Contains(a, 4) {
		return nil, fmt.Errorf("gate at %#x: %w", uint64(a), status.ErrInvalidArgument)
	}
	id, _ := t.GetId(a)
	return &Gate{
		table:    t,
		addr:     a,
		srPtr:    t.GetSRPtr(a, id),
		owner:    uint32(t.ProcId()) + 1,
		local:    make(chan struct{}, 1),
		regionId: id,
	}, nil
}

// SharedAddr returns the portable address of the lock word.
func (g *Gate) SharedAddr() sharedregion.SRPtr { return g.srPtr }

// Enter blocks until the gate is held by the caller.
func (g *Gate) Enter() Key {
	g.local <- struct{}{}
	if g.table.CAS32(g.addr, free, g.owner) {
		return Key(g.owner)
	}
	// Never gives up: the elapsed-time limit is disabled.
	_ = backoff.Retry(g.tryAcquire, g.spinPolicy())
	return Key(g.owner)
}

// EnterContext is Enter aborted by ctx with ErrInterrupted.
func (g *Gate) EnterContext(ctx context.Context) (Key, error) {
	select {
	case g.local <- struct{}{}:
	case <-ctx.Done():
		return 0, fmt.Errorf("enter gate %s: %w", g.srPtr, status.ErrInterrupted)
	}
	if err := backoff.Retry(g.tryAcquire, backoff.WithContext(g.spinPolicy(), ctx)); err != nil {
		<-g.local
		return 0, fmt.Errorf("enter gate %s: %w", g.srPtr, status.ErrInterrupted)
	}
	return Key(g.owner), nil
}

// Leave releases the gate taken with key.
func (g *Gate) Leave(key Key) {
	if uint32(key) != g.owner || g.table.Load32(g.addr) != g.owner {
		panic(fmt.Sprintf("gatemp: leave of gate %s not held by processor %d", g.srPtr, g.owner-1))
	}
	g.table.Store32(g.addr, free)
	<-g.local
}

// Delete releases the lock word if it came from the region heap.
func (g *Gate) Delete() error {
	if !g.fromHeap {
		return nil
	}
	h := g.table.Heap(g.regionId)
	if h == nil {
		return fmt.Errorf("gate %s: region heap gone: %w", g.srPtr, status.ErrInvalidState)
	}
	g.fromHeap = false
	return h.Free(g.addr, g.size)
}

func (g *Gate) tryAcquire() error {
	if g.table.CAS32(g.addr, free, g.owner) {
		return nil
	}
	return errHeld
}

func (g *Gate) spinPolicy() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = spinInitialInterval
	b.MaxInterval = spinMaxInterval
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
