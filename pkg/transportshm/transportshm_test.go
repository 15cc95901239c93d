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

package transportshm

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/srediag/syslink-ipc/internal/ipctest"
	"github.com/srediag/syslink-ipc/pkg/heapmemmp"
	"github.com/srediag/syslink-ipc/pkg/listmp"
	"github.com/srediag/syslink-ipc/pkg/mailbox"
	"github.com/srediag/syslink-ipc/pkg/messageq"
	"github.com/srediag/syslink-ipc/pkg/notify"
	"github.com/srediag/syslink-ipc/pkg/sharedregion"
	"github.com/srediag/syslink-ipc/pkg/status"
)

type node struct {
	ctrl   *mailbox.Controller
	lists  *listmp.Module
	heaps  *heapmemmp.Module
	heap   *heapmemmp.Heap
	mq     *messageq.Module
	notify *notify.Module
}

type TransportShmTestSuite struct {
	suite.Suite
	sys    *ipctest.System
	nodes  []*node
	shared []sharedregion.Addr
	trs    []*Transport
}

func (s *TransportShmTestSuite) SetupTest() {
	s.sys = ipctest.NewSystem(s.T(), 2, 512*1024)
	s.nodes, s.trs = nil, nil

	hp := heapmemmp.Params{Name: "msgheap", SharedBufSize: 64 * 1024}
	hp.SharedAddr = s.sys.Reserve(s.T(), heapmemmp.SharedMemReq(s.sys.Procs[0].Table, hp))[0]
	for i, p := range s.sys.Procs {
		n := &node{}
		var err error
		n.ctrl, err = mailbox.NewController(2)
		s.Require().NoError(err)
		n.lists, err = listmp.NewModule(listmp.DefaultConfig(), listmp.Deps{Table: p.Table, NameServer: p.NameServer, DefaultGate: p.Gate})
		s.Require().NoError(err)
		s.Require().NoError(n.lists.Setup())
		n.heaps, err = heapmemmp.NewModule(heapmemmp.DefaultConfig(), heapmemmp.Deps{Table: p.Table, NameServer: p.NameServer, DefaultGate: p.Gate})
		s.Require().NoError(err)
		s.Require().NoError(n.heaps.Setup())
		if i == 0 {
			n.heap, err = n.heaps.Create(hp)
		} else {
			n.heap, err = n.heaps.Open(context.Background(), "msgheap")
		}
		s.Require().NoError(err)
		n.mq, err = messageq.NewModule(messageq.DefaultConfig(), messageq.Deps{Table: p.Table, NameServer: p.NameServer})
		s.Require().NoError(err)
		s.Require().NoError(n.mq.Setup())
		s.Require().NoError(n.mq.RegisterHeap(n.heap, 0))
		ncfg := notify.DefaultConfig()
		ncfg.SendEventPollCount = 20
		ncfg.SendEventPollInterval = time.Millisecond
		n.notify, err = notify.NewModule(ncfg, notify.Deps{Table: p.Table})
		s.Require().NoError(err)
		s.nodes = append(s.nodes, n)
	}

	link := s.sys.Reserve(s.T(), s.nodes[0].notify.SharedMemReq(0))
	to0 := s.nodes[0].ctrl.NewMailbox("to0", 0)
	to1 := s.nodes[1].ctrl.NewMailbox("to1", 0)
	_, err := s.nodes[0].notify.Attach(notify.Link{RemoteProcId: 1, SharedAddr: link[0], Inbox: to0, Outbox: to1})
	s.Require().NoError(err)
	_, err = s.nodes[1].notify.Attach(notify.Link{RemoteProcId: 0, SharedAddr: link[1], Inbox: to1, Outbox: to0})
	s.Require().NoError(err)

	s.shared = s.sys.Reserve(s.T(), SharedMemReq(s.sys.Procs[0].Table, 0))
}

func (s *TransportShmTestSuite) attach(i int) *Transport {
	p := s.sys.Procs[i]
	n := s.nodes[i]
	tr, err := New(DefaultConfig(), Deps{Table: p.Table, ListMP: n.lists, Notify: n.notify, MessageQ: n.mq}, uint16(1-i), s.shared[i])
	s.Require().NoError(err)
	s.trs = append(s.trs, tr)
	return tr
}

func (s *TransportShmTestSuite) TearDownTest() {
	for _, tr := range s.trs {
		s.NoError(tr.Close())
	}
	for i := len(s.nodes) - 1; i >= 0; i-- {
		n := s.nodes[i]
		n.notify.Close()
		n.ctrl.Release()
		s.NoError(n.mq.Destroy())
		s.NoError(n.heaps.Destroy())
		s.NoError(n.lists.Destroy())
	}
}

func (s *TransportShmTestSuite) alloc(m *messageq.Module, id uint16) messageq.Msg {
	msg, err := m.Alloc(0, 64)
	s.Require().NoError(err)
	msg.SetMsgId(id)
	return msg
}

func (s *TransportShmTestSuite) TestSharedMemReq() {
	s.Equal(uint32(2*ipctest.CacheLine), SharedMemReq(s.sys.Procs[0].Table, 0))
}

func (s *TransportShmTestSuite) TestPeerNotAttached() {
	s.attach(0)
	m0 := s.nodes[0].mq
	msg := s.alloc(m0, 1)
	err := m0.Put(context.Background(), messageq.MakeQueueId(1, 0), msg)
	s.ErrorIs(err, status.ErrNotInitialized)
	s.Require().NoError(m0.Free(msg))
}

func (s *TransportShmTestSuite) TestRoundTrip() {
	s.attach(0)
	s.attach(1)
	m0, m1 := s.nodes[0].mq, s.nodes[1].mq
	server, err := m1.Create("server", messageq.DefaultParams())
	s.Require().NoError(err)
	client, err := m0.Create("client", messageq.DefaultParams())
	s.Require().NoError(err)
	dst, err := m0.Open(context.Background(), "server")
	s.Require().NoError(err)

	ctx := context.Background()
	for i := uint16(0); i < 10; i++ {
		msg := s.alloc(m0, i)
		msg.SetReplyQueue(client.Id())
		copy(msg.Payload(), fmt.Sprintf("req-%d", i))
		s.Require().NoError(m0.Put(ctx, dst, msg))
	}
	for i := uint16(0); i < 10; i++ {
		in, err := server.Get(ctx, time.Second)
		s.Require().NoError(err)
		s.Equal(i, in.MsgId())
		s.Equal(uint16(0), in.SrcProc())
		s.Equal(fmt.Sprintf("req-%d", i), string(in.Payload()[:len(fmt.Sprintf("req-%d", i))]))
		s.Require().NoError(m1.Put(ctx, in.ReplyQueue(), in))
	}
	for i := uint16(0); i < 10; i++ {
		back, err := client.Get(ctx, time.Second)
		s.Require().NoError(err)
		s.Equal(i, back.MsgId())
		s.Require().NoError(m0.Free(back))
	}
}

func (s *TransportShmTestSuite) TestPutWhilePeerMasked() {
	tr := s.attach(0)
	s.attach(1)
	m0, m1 := s.nodes[0].mq, s.nodes[1].mq
	server, err := m1.Create("server", messageq.DefaultParams())
	s.Require().NoError(err)
	dst, err := m0.Open(context.Background(), "server")
	s.Require().NoError(err)

	key, err := s.nodes[1].notify.Disable(0)
	s.Require().NoError(err)
	ctx := context.Background()
	s.Require().NoError(m0.Put(ctx, dst, s.alloc(m0, 1)))
	// The first event is still pending, so the second wakeup cannot be
	// raised; the message is queued all the same.
	s.Require().NoError(m0.Put(ctx, dst, s.alloc(m0, 2)))
	s.Equal(uint64(1), tr.LostWakeups())

	s.Require().NoError(s.nodes[1].notify.Restore(0, key))
	for _, id := range []uint16{1, 2} {
		in, err := server.Get(ctx, time.Second)
		s.Require().NoError(err)
		s.Equal(id, in.MsgId())
		s.Require().NoError(m1.Free(in))
	}
	_, err = server.Get(ctx, 20*time.Millisecond)
	s.ErrorIs(err, status.ErrTimeout)
}

func (s *TransportShmTestSuite) TestUnknownQueueDropped() {
	s.attach(0)
	s.attach(1)
	m0 := s.nodes[0].mq
	before := s.nodes[0].heap.Stats().TotalFreeSize

	msg := s.alloc(m0, 3)
	s.Require().NoError(m0.Put(context.Background(), messageq.MakeQueueId(1, 40), msg))
	s.Eventually(func() bool {
		return s.nodes[0].heap.Stats().TotalFreeSize == before
	}, time.Second, time.Millisecond)
}

func (s *TransportShmTestSuite) TestDuplicateRegistration() {
	s.attach(0)
	p := s.sys.Procs[0]
	n := s.nodes[0]
	other := s.sys.Reserve(s.T(), SharedMemReq(p.Table, 0))
	_, err := New(DefaultConfig(), Deps{Table: p.Table, ListMP: n.lists, Notify: n.notify, MessageQ: n.mq}, 1, other[0])
	s.ErrorIs(err, status.ErrAlreadyExists)
	_, err = New(Config{EventId: notify.MaxEvents}, Deps{Table: p.Table}, 1, other[0])
	s.ErrorIs(err, status.ErrInvalidArgument)
}

func TestTransportShmTestSuite(t *testing.T) {
	suite.Run(t, new(TransportShmTestSuite))
}
