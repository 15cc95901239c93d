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

// Package remotenotify answers NameServer lookups for a remote processor.
// Each side of a processor pair owns one request slot in shared memory; a
// lookup writes the query into the local slot and raises the NameServer
// event, and the peer writes the answer back into the same slot before
// raising the event in return.
package remotenotify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/srediag/syslink-ipc/internal/log"
	"github.com/srediag/syslink-ipc/pkg/nameserver"
	"github.com/srediag/syslink-ipc/pkg/notify"
	"github.com/srediag/syslink-ipc/pkg/sharedregion"
	"github.com/srediag/syslink-ipc/pkg/status"
)

var logger = log.New("remotenotify")

// DefaultEventId is the notify event reserved for name queries.
const DefaultEventId = 4

const fieldLen = 32

// slot layout: requestStatus | value | valueLen | instanceName | name | valueBuf
const (
	offStatus   = 0
	offValue    = 4
	offValueLen = 8
	offInstance = 12
	offName     = offInstance + fieldLen
	offValueBuf = offName + fieldLen
)

const (
	slotIdle     = 0
	slotRequest  = 1
	slotResponse = 2
)

// response codes carried in value
const (
	resultNotFound = 0
	resultFound    = 1
	resultTooLong  = 2
)

// event payload: kind<<16 | sequence
const (
	kindRequest  = 1
	kindResponse = 2
)

type Config struct {
	EventId uint32
	// Timeout bounds the wait for the peer's answer.
	Timeout time.Duration
	// MaxValueLen sizes the value buffer of a slot.
	MaxValueLen uint32
}

func DefaultConfig() Config {
	return Config{
		EventId:     DefaultEventId,
		Timeout:     time.Second,
		MaxValueLen: fieldLen,
	}
}

func (c Config) Verify() error {
	if c.EventId >= notify.MaxEvents || c.Timeout <= 0 || c.MaxValueLen == 0 {
		return fmt.Errorf("remotenotify config %+v: %w", c, status.ErrInvalidArgument)
	}
	return nil
}

func slotSize(cfg Config) uint32 { return offValueBuf + cfg.MaxValueLen }

// SharedMemReq returns the bytes one processor pair needs in region id.
func SharedMemReq(t *sharedregion.Table, id uint16, cfg Config) uint32 {
	return 2 * sharedregion.RoundUp(slotSize(cfg), sharedregion.MinAlign(t, id))
}

type Deps struct {
	Table      *sharedregion.Table
	NameServer *nameserver.Module
	Notify     *notify.Module
}

// Driver is the local end of the NameServer link to one remote processor.
type Driver struct {
	cfg      Config
	deps     Deps
	remote   uint16
	slots    [2]sharedregion.Addr
	self     int
	other    int
	listener *notify.Listener

	// reqMu allows one outstanding lookup per direction.
	reqMu sync.Mutex
	seq   uint16
	resp  chan uint16
}

// New attaches the driver over the pair's shared memory at sharedAddr and
// registers it with the local NameServer module. The notify link to
// remoteProcId must be attached.
func New(cfg Config, deps Deps, remoteProcId uint16, sharedAddr sharedregion.Addr) (*Driver, error) {
	if err := cfg.Verify(); err != nil {
		return nil, err
	}
	t := deps.Table
	id, ok := t.GetId(sharedAddr)
	if !ok || !t.Contains(sharedAddr, SharedMemReq(t, id, cfg)) {
		return nil, fmt.Errorf("remotenotify to %d: shared memory at %#x: %w", remoteProcId, uint64(sharedAddr), status.ErrInvalidArgument)
	}
	span := sharedregion.Addr(sharedregion.RoundUp(slotSize(cfg), sharedregion.MinAlign(t, id)))
	d := &Driver{
		cfg:    cfg,
		deps:   deps,
		remote: remoteProcId,
		slots:  [2]sharedregion.Addr{sharedAddr, sharedAddr + span},
		resp:   make(chan uint16, 1),
	}
	if t.ProcId() < remoteProcId {
		d.self, d.other = 0, 1
	} else {
		d.self, d.other = 1, 0
	}
	t.Zero(d.slots[d.self], slotSize(cfg))

	l, err := deps.Notify.RegisterEvent(remoteProcId, cfg.EventId, d.callback)
	if err != nil {
		return nil, fmt.Errorf("remotenotify to %d: %w", remoteProcId, err)
	}
	d.listener = l
	if err := deps.NameServer.RegisterRemoteDriver(d, remoteProcId); err != nil {
		if uerr := deps.Notify.UnregisterEvent(l); uerr != nil {
			logger.Warnf("driver to %d: rollback: %v", remoteProcId, uerr)
		}
		return nil, fmt.Errorf("remotenotify to %d: %w", remoteProcId, err)
	}
	return d, nil
}

// Close unregisters the driver from NameServer and Notify.
func (d *Driver) Close() error {
	err := d.deps.NameServer.UnregisterRemoteDriver(d.remote)
	if uerr := d.deps.Notify.UnregisterEvent(d.listener); uerr != nil && err == nil {
		err = uerr
	}
	return err
}

func putField(t *sharedregion.Table, a sharedregion.Addr, s string) {
	b := t.Bytes(a, fieldLen)
	n := copy(b, s)
	for i := n; i < len(b); i++ {
		b[i] = 0
	}
}

func getField(t *sharedregion.Table, a sharedregion.Addr) string {
	b := t.Bytes(a, fieldLen)
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// Get implements nameserver.Remote. A peer that is not reachable yet
// answers as not found so lookups move on to the next processor.
func (d *Driver) Get(ctx context.Context, instanceName, name string) ([]byte, error) {
	if len(instanceName) > fieldLen || len(name) > fieldLen {
		return nil, fmt.Errorf("remote get %q in %q: %w", name, instanceName, status.ErrInvalidArgument)
	}
	t := d.deps.Table
	slot := d.slots[d.self]

	d.reqMu.Lock()
	defer d.reqMu.Unlock()
	d.seq++
	seq := d.seq
	select {
	case <-d.resp:
	default:
	}
	putField(t, slot+offInstance, instanceName)
	putField(t, slot+offName, name)
	t.Store32(slot+offValueLen, 0)
	t.Store32(slot+offStatus, slotRequest)

	err := d.deps.Notify.SendEvent(ctx, d.remote, d.cfg.EventId, kindRequest<<16|uint32(seq), true)
	if err != nil {
		t.Store32(slot+offStatus, slotIdle)
		if errors.Is(err, status.ErrNotInitialized) || status.IsNotFound(err) {
			logger.Debugf("get %q in %q: processor %d not ready: %v", name, instanceName, d.remote, err)
			return nil, fmt.Errorf("processor %d not ready: %w", d.remote, status.ErrNotFound)
		}
		return nil, err
	}

	timer := time.NewTimer(d.cfg.Timeout)
	defer timer.Stop()
	for {
		select {
		case got := <-d.resp:
			if got != seq {
				logger.Debugf("get %q: stale answer %d, want %d", name, got, seq)
				continue
			}
		case <-timer.C:
			t.Store32(slot+offStatus, slotIdle)
			return nil, fmt.Errorf("remote get %q in %q from %d: %w", name, instanceName, d.remote, status.ErrTimeout)
		case <-ctx.Done():
			t.Store32(slot+offStatus, slotIdle)
			return nil, fmt.Errorf("remote get %q in %q from %d: %v: %w", name, instanceName, d.remote, ctx.Err(), status.ErrInterrupted)
		}
		break
	}

	result := t.Load32(slot + offValue)
	n := t.Load32(slot + offValueLen)
	t.Store32(slot+offStatus, slotIdle)
	switch result {
	case resultFound:
		return append([]byte(nil), t.Bytes(slot+offValueBuf, n)...), nil
	case resultTooLong:
		return nil, fmt.Errorf("remote get %q in %q: value exceeds %d bytes: %w", name, instanceName, d.cfg.MaxValueLen, status.ErrInvalidArgument)
	default:
		return nil, fmt.Errorf("%q in %q on processor %d: %w", name, instanceName, d.remote, status.ErrNotFound)
	}
}

func (d *Driver) callback(_ uint16, _ uint32, payload uint32) {
	seq := uint16(payload)
	switch payload >> 16 {
	case kindRequest:
		d.answer(seq)
	case kindResponse:
		select {
		case d.resp <- seq:
		default:
			logger.Warnf("processor %d: dropping answer %d", d.remote, seq)
		}
	default:
		logger.Warnf("processor %d: unknown payload %#x", d.remote, payload)
	}
}

// answer serves the peer's request sitting in the peer's slot.
func (d *Driver) answer(seq uint16) {
	t := d.deps.Table
	slot := d.slots[d.other]
	if t.Load32(slot+offStatus) != slotRequest {
		logger.Warnf("processor %d: request %d without a pending slot", d.remote, seq)
		return
	}
	instanceName := getField(t, slot+offInstance)
	name := getField(t, slot+offName)

	result := uint32(resultNotFound)
	var v []byte
	if ns, ok := d.deps.NameServer.GetHandle(instanceName); ok {
		var err error
		if v, err = ns.GetLocal(name); err == nil {
			result = resultFound
		}
	}
	if uint32(len(v)) > d.cfg.MaxValueLen {
		result, v = resultTooLong, nil
	}
	copy(t.Bytes(slot+offValueBuf, uint32(len(v))), v)
	t.Store32(slot+offValueLen, uint32(len(v)))
	t.Store32(slot+offValue, result)
	t.Store32(slot+offStatus, slotResponse)
	if err := d.deps.Notify.SendEvent(context.Background(), d.remote, d.cfg.EventId, kindResponse<<16|uint32(seq), true); err != nil {
		logger.Errorf("processor %d: answering %q in %q: %v", d.remote, name, instanceName, err)
	}
}
