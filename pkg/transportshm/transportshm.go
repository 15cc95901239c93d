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

// Package transportshm carries MessageQ messages between two processors
// that share a region. Each side owns an inbound ListMP; a sender links the
// message header into the peer's list and raises the transport event, and
// the receiver drains its list into the local MessageQ.
package transportshm

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/srediag/syslink-ipc/internal/log"
	"github.com/srediag/syslink-ipc/pkg/listmp"
	"github.com/srediag/syslink-ipc/pkg/messageq"
	"github.com/srediag/syslink-ipc/pkg/notify"
	"github.com/srediag/syslink-ipc/pkg/sharedregion"
	"github.com/srediag/syslink-ipc/pkg/status"
)

var logger = log.New("transportshm")

// DefaultEventId is the notify event reserved for message delivery.
const DefaultEventId = 2

type Config struct {
	EventId uint32
	// Priority is the MessageQ transport class this transport serves.
	Priority uint16
}

func DefaultConfig() Config {
	return Config{EventId: DefaultEventId, Priority: messageq.NormalPri}
}

func (c Config) Verify() error {
	if c.EventId >= notify.MaxEvents {
		return fmt.Errorf("transportshm config: event %d: %w", c.EventId, status.ErrInvalidArgument)
	}
	return nil
}

// SharedMemReq returns the bytes one processor pair needs in region id:
// the attrs of both inbound lists.
func SharedMemReq(t *sharedregion.Table, id uint16) uint32 {
	return 2 * listmp.SharedMemReq(t, id)
}

type Deps struct {
	Table    *sharedregion.Table
	ListMP   *listmp.Module
	Notify   *notify.Module
	MessageQ *messageq.Module
}

// Transport is the local end of the link to one remote processor.
type Transport struct {
	cfg      Config
	deps     Deps
	remote   uint16
	inbound  *listmp.List
	peerAddr sharedregion.SRPtr
	listener *notify.Listener

	lostWakeups atomic.Uint64

	mu       sync.Mutex
	outbound *listmp.List
}

// New creates the local inbound list inside sharedAddr, starts listening
// for the transport event and registers with MessageQ for remoteProcId.
// The peer's list is opened on the first Put.
func New(cfg Config, deps Deps, remoteProcId uint16, sharedAddr sharedregion.Addr) (*Transport, error) {
	if err := cfg.Verify(); err != nil {
		return nil, err
	}
	t := deps.Table
	id, ok := t.GetId(sharedAddr)
	if !ok || !t.Contains(sharedAddr, SharedMemReq(t, id)) {
		return nil, fmt.Errorf("transportshm to %d: shared memory at %#x: %w", remoteProcId, uint64(sharedAddr), status.ErrInvalidArgument)
	}
	span := sharedregion.Addr(listmp.SharedMemReq(t, id))
	self, other := sharedAddr, sharedAddr+span
	if t.ProcId() > remoteProcId {
		self, other = other, self
	}

	in, err := deps.ListMP.Create(listmp.Params{SharedAddr: self})
	if err != nil {
		return nil, fmt.Errorf("transportshm to %d: %w", remoteProcId, err)
	}
	tr := &Transport{
		cfg:      cfg,
		deps:     deps,
		remote:   remoteProcId,
		inbound:  in,
		peerAddr: t.GetSRPtr(other, id),
	}
	l, err := deps.Notify.RegisterEvent(remoteProcId, cfg.EventId, tr.callback)
	if err != nil {
		if derr := deps.ListMP.Delete(in); derr != nil {
			logger.Warnf("transport to %d: rollback: %v", remoteProcId, derr)
		}
		return nil, fmt.Errorf("transportshm to %d: %w", remoteProcId, err)
	}
	tr.listener = l
	if err := deps.MessageQ.RegisterTransport(tr, remoteProcId, cfg.Priority); err != nil {
		if uerr := deps.Notify.UnregisterEvent(l); uerr != nil {
			logger.Warnf("transport to %d: rollback: %v", remoteProcId, uerr)
		}
		if derr := deps.ListMP.Delete(in); derr != nil {
			logger.Warnf("transport to %d: rollback: %v", remoteProcId, derr)
		}
		return nil, fmt.Errorf("transportshm to %d: %w", remoteProcId, err)
	}
	logger.Debugf("transport to %d up, inbound %s", remoteProcId, in)
	return tr, nil
}

// RemoteProcId is the processor the transport delivers to.
func (tr *Transport) RemoteProcId() uint16 { return tr.remote }

func (tr *Transport) peerList() (*listmp.List, error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.outbound != nil {
		return tr.outbound, nil
	}
	l, err := tr.deps.ListMP.OpenByAddr(tr.peerAddr)
	if err != nil {
		if status.IsNotFound(err) {
			return nil, fmt.Errorf("transportshm to %d: peer not attached: %w", tr.remote, status.ErrNotInitialized)
		}
		return nil, err
	}
	tr.outbound = l
	return l, nil
}

// Put implements messageq.Transport. Once the message is on the peer's
// inbound list it belongs to the peer and Put succeeds; a failed event only
// delays delivery until the peer next drains the list.
func (tr *Transport) Put(ctx context.Context, msg messageq.Msg) error {
	out, err := tr.peerList()
	if err != nil {
		return err
	}
	if err := out.PutTail(msg.Addr()); err != nil {
		return fmt.Errorf("transportshm to %d: %w", tr.remote, err)
	}
	if err := tr.deps.Notify.SendEvent(ctx, tr.remote, tr.cfg.EventId, 0, true); err != nil {
		tr.lostWakeups.Add(1)
		logger.Warnf("put %s to %d: wakeup lost: %v", msg, tr.remote, err)
	}
	return nil
}

// LostWakeups counts messages queued to the peer whose event could not be
// raised.
func (tr *Transport) LostWakeups() uint64 { return tr.lostWakeups.Load() }

// callback drains the inbound list into local queues.
func (tr *Transport) callback(_ uint16, _ uint32, _ uint32) {
	t := tr.deps.Table
	for {
		a, err := tr.inbound.GetHead()
		if err != nil {
			logger.Errorf("drain from %d: %v", tr.remote, err)
			return
		}
		if a == 0 {
			return
		}
		msg, err := messageq.MsgFromAddr(t, a)
		if err != nil {
			logger.Errorf("drain from %d: %v", tr.remote, err)
			continue
		}
		if err := tr.deps.MessageQ.Put(context.Background(), msg.DstQueue(), msg); err != nil {
			logger.Errorf("drain from %d: dropping %s: %v", tr.remote, msg, err)
			if ferr := tr.deps.MessageQ.Free(msg); ferr != nil {
				logger.Errorf("drain from %d: free %s: %v", tr.remote, msg, ferr)
			}
		}
	}
}

// Close unregisters the transport and releases both lists. Messages still
// in the inbound list are dropped.
func (tr *Transport) Close() error {
	err := tr.deps.MessageQ.UnregisterTransport(tr.remote, tr.cfg.Priority)
	if uerr := tr.deps.Notify.UnregisterEvent(tr.listener); uerr != nil && err == nil {
		err = uerr
	}
	tr.mu.Lock()
	if tr.outbound != nil {
		if cerr := tr.deps.ListMP.Close(tr.outbound); cerr != nil && err == nil {
			err = cerr
		}
		tr.outbound = nil
	}
	tr.mu.Unlock()
	if derr := tr.deps.ListMP.Delete(tr.inbound); derr != nil && err == nil {
		err = derr
	}
	return err
}
