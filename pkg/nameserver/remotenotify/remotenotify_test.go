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

package remotenotify

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/srediag/syslink-ipc/internal/ipctest"
	"github.com/srediag/syslink-ipc/pkg/mailbox"
	"github.com/srediag/syslink-ipc/pkg/nameserver"
	"github.com/srediag/syslink-ipc/pkg/notify"
	"github.com/srediag/syslink-ipc/pkg/status"
)

type RemoteNotifyTestSuite struct {
	suite.Suite
	sys     *ipctest.System
	ctrls   []*mailbox.Controller
	notify  []*notify.Module
	drivers []*Driver
	cfg     Config
}

func (s *RemoteNotifyTestSuite) SetupTest() {
	s.sys = ipctest.NewSystem(s.T(), 2, 128*1024)
	s.ctrls, s.notify, s.drivers = nil, nil, nil
	s.cfg = DefaultConfig()
	s.cfg.Timeout = 50 * time.Millisecond

	for _, p := range s.sys.Procs {
		c, err := mailbox.NewController(2)
		s.Require().NoError(err)
		n, err := notify.NewModule(notify.DefaultConfig(), notify.Deps{Table: p.Table})
		s.Require().NoError(err)
		s.ctrls = append(s.ctrls, c)
		s.notify = append(s.notify, n)
	}
	link := s.sys.Reserve(s.T(), s.notify[0].SharedMemReq(0))
	to0 := s.ctrls[0].NewMailbox("to0", 0)
	to1 := s.ctrls[1].NewMailbox("to1", 0)
	_, err := s.notify[0].Attach(notify.Link{RemoteProcId: 1, SharedAddr: link[0], Inbox: to0, Outbox: to1})
	s.Require().NoError(err)
	_, err = s.notify[1].Attach(notify.Link{RemoteProcId: 0, SharedAddr: link[1], Inbox: to1, Outbox: to0})
	s.Require().NoError(err)

	slots := s.sys.Reserve(s.T(), SharedMemReq(s.sys.Procs[0].Table, 0, s.cfg))
	for i, p := range s.sys.Procs {
		remote := uint16(1 - i)
		s.Require().NoError(p.NameServer.UnregisterRemoteDriver(remote))
		d, err := New(s.cfg, Deps{Table: p.Table, NameServer: p.NameServer, Notify: s.notify[i]}, remote, slots[i])
		s.Require().NoError(err)
		s.drivers = append(s.drivers, d)
	}
}

func (s *RemoteNotifyTestSuite) TearDownTest() {
	for i, n := range s.notify {
		n.Close()
		s.ctrls[i].Release()
	}
}

func (s *RemoteNotifyTestSuite) TestSharedMemReq() {
	s.Equal(uint32(2*ipctest.CacheLine), SharedMemReq(s.sys.Procs[0].Table, 0, s.cfg))
}

func (s *RemoteNotifyTestSuite) TestLookupThroughNameServer() {
	ns0, err := s.sys.Procs[0].NameServer.Create("objects", nameserver.DefaultParams())
	s.Require().NoError(err)
	ns1, err := s.sys.Procs[1].NameServer.Create("objects", nameserver.DefaultParams())
	s.Require().NoError(err)
	_, err = ns1.AddUint32("queue.rx", 0xCAFE)
	s.Require().NoError(err)
	_, err = ns0.AddUint32("queue.tx", 0xBEEF)
	s.Require().NoError(err)

	ctx := context.Background()
	v, err := ns0.GetUint32(ctx, "queue.rx", nil)
	s.Require().NoError(err)
	s.Equal(uint32(0xCAFE), v)
	v, err = ns1.GetUint32(ctx, "queue.tx", nil)
	s.Require().NoError(err)
	s.Equal(uint32(0xBEEF), v)

	_, err = ns0.Get(ctx, "missing", nil)
	s.ErrorIs(err, status.ErrNotFound)
}

func (s *RemoteNotifyTestSuite) TestDriverGet() {
	params := nameserver.DefaultParams()
	params.MaxValueLen = 64
	ns1, err := s.sys.Procs[1].NameServer.Create("blobs", params)
	s.Require().NoError(err)
	_, err = ns1.Add("small", []byte("abc"))
	s.Require().NoError(err)
	_, err = ns1.Add("large", make([]byte, 40))
	s.Require().NoError(err)

	ctx := context.Background()
	v, err := s.drivers[0].Get(ctx, "blobs", "small")
	s.Require().NoError(err)
	s.Equal([]byte("abc"), v)

	_, err = s.drivers[0].Get(ctx, "blobs", "large")
	s.ErrorIs(err, status.ErrInvalidArgument)
	_, err = s.drivers[0].Get(ctx, "nosuch", "small")
	s.ErrorIs(err, status.ErrNotFound)
	_, err = s.drivers[0].Get(ctx, "blobs", string(make([]byte, fieldLen+1)))
	s.ErrorIs(err, status.ErrInvalidArgument)
}

func (s *RemoteNotifyTestSuite) TestTimeoutThenRecover() {
	ns1, err := s.sys.Procs[1].NameServer.Create("objects", nameserver.DefaultParams())
	s.Require().NoError(err)
	_, err = ns1.AddUint32("x", 7)
	s.Require().NoError(err)

	key, err := s.notify[1].Disable(0)
	s.Require().NoError(err)
	ctx := context.Background()
	_, err = s.drivers[0].Get(ctx, "objects", "x")
	s.ErrorIs(err, status.ErrTimeout)

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	_, err = s.drivers[0].Get(cctx, "objects", "x")
	s.ErrorIs(err, status.ErrInterrupted)

	s.Require().NoError(s.notify[1].Restore(0, key))
	time.Sleep(20 * time.Millisecond)
	v, err := s.drivers[0].Get(ctx, "objects", "x")
	s.Require().NoError(err)
	s.Equal([]byte{7, 0, 0, 0}, v)
}

func (s *RemoteNotifyTestSuite) TestPeerGone() {
	s.Require().NoError(s.drivers[1].Close())
	_, err := s.drivers[0].Get(context.Background(), "objects", "x")
	s.ErrorIs(err, status.ErrNotFound)
	s.False(s.sys.Procs[1].NameServer.IsRegistered(0))
}

func TestRemoteNotifyTestSuite(t *testing.T) {
	suite.Run(t, new(RemoteNotifyTestSuite))
}
