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
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"

	"github.com/srediag/syslink-ipc/pkg/heapbufmp"
	"github.com/srediag/syslink-ipc/pkg/heapmemmp"
	"github.com/srediag/syslink-ipc/pkg/messageq"
	"github.com/srediag/syslink-ipc/pkg/sharedregion"
	"github.com/srediag/syslink-ipc/pkg/status"
)

const regionSize = 1 << 20

func testConfig(procId uint16, mem []byte) Config {
	cfg := DefaultConfig(procId)
	cfg.OpenTimeout = time.Second
	cfg.Regions = []sharedregion.Entry{{
		Name:          "SR0",
		Base:          sharedregion.Addr(0x10000000 * (int(procId) + 1)),
		Mem:           mem,
		CacheLineSize: 128,
		CacheEnabled:  true,
		OwnerProcId:   0,
	}}
	return cfg
}

type ProcessorTestSuite struct {
	suite.Suite
	mem   []byte
	procs []*Processor
	live  []bool
}

func (s *ProcessorTestSuite) SetupTest() {
	s.mem = make([]byte, regionSize)
	s.procs, s.live = nil, nil
	for i := uint16(0); i < 2; i++ {
		p, err := NewProcessor(testConfig(i, s.mem))
		s.Require().NoError(err)
		s.Require().NoError(p.Setup(context.Background()))
		s.procs = append(s.procs, p)
		s.live = append(s.live, true)
	}
	s.Require().NoError(Connect(s.procs[0], s.procs[1]))
}

func (s *ProcessorTestSuite) TearDownTest() {
	for i := len(s.procs) - 1; i >= 0; i-- {
		if s.live[i] {
			s.NoError(s.procs[i].Destroy())
		}
	}
}

func (s *ProcessorTestSuite) TestLayoutAgrees() {
	t0, t1 := s.procs[0].Table(), s.procs[1].Table()
	s.Equal(s.procs[0].Gate().SharedAddr(), s.procs[1].Gate().SharedAddr())
	h0 := s.procs[0].RegionHeap(0)
	h1 := s.procs[1].RegionHeap(0)
	s.Require().NotNil(h0)
	s.Require().NotNil(h1)
	s.Equal(h0.Stats(), h1.Stats())
	_, left := t0.Unreserved(0)
	s.Zero(left)
	_, left = t1.Unreserved(0)
	s.Zero(left)
	s.Equal(h0.(*heapmemmp.Heap).SharedAddr(), h1.(*heapmemmp.Heap).SharedAddr())
	s.True(s.procs[0].IsAttached(1))
	s.True(s.procs[1].IsAttached(0))
}

func (s *ProcessorTestSuite) TestMessaging() {
	ctx := context.Background()
	m0, m1 := s.procs[0].MessageQ(), s.procs[1].MessageQ()
	s.Require().NoError(m0.RegisterHeap(s.procs[0].RegionHeap(0), 0))
	s.Require().NoError(m1.RegisterHeap(s.procs[1].RegionHeap(0), 0))

	server, err := m1.Create("server", messageq.DefaultParams())
	s.Require().NoError(err)
	client, err := m0.Create("client", messageq.DefaultParams())
	s.Require().NoError(err)

	// resolved through the remote NameServer driver
	dst, err := m0.Open(ctx, "server")
	s.Require().NoError(err)
	s.Equal(server.Id(), dst)

	msg, err := m0.Alloc(0, 96)
	s.Require().NoError(err)
	msg.SetMsgId(11)
	msg.SetReplyQueue(client.Id())
	copy(msg.Payload(), "ping")
	s.Require().NoError(m0.Put(ctx, dst, msg))

	in, err := server.Get(ctx, time.Second)
	s.Require().NoError(err)
	s.Equal(uint16(11), in.MsgId())
	s.Equal("ping", string(in.Payload()[:4]))
	copy(in.Payload(), "pong")
	s.Require().NoError(m1.Put(ctx, in.ReplyQueue(), in))

	back, err := client.Get(ctx, time.Second)
	s.Require().NoError(err)
	s.Equal("pong", string(back.Payload()[:4]))
	s.Require().NoError(m0.Free(back))
}

func (s *ProcessorTestSuite) TestSharedHeapAcrossProcessors() {
	params := heapbufmp.DefaultParams()
	params.Name = "pool"
	params.BlockSize = 64
	params.NumBlocks = 4
	params.TrackAllocs = true
	h0, err := s.procs[0].HeapBufMP().Create(params)
	s.Require().NoError(err)
	h1, err := s.procs[1].HeapBufMP().Open(context.Background(), "pool")
	s.Require().NoError(err)

	a, err := h1.Alloc(64, 0)
	s.Require().NoError(err)
	s.Equal(uint32(3*128), h0.Stats().TotalFreeSize)
	addr := s.procs[0].Table().GetPtr(s.procs[1].Table().GetSRPtr(a, 0))
	s.Require().NoError(h0.Free(addr, 64))
	s.Equal(uint32(4*128), h1.Stats().TotalFreeSize)
	s.Require().NoError(s.procs[1].HeapBufMP().Close(h1))
}

func (s *ProcessorTestSuite) TestAttachErrors() {
	p0 := s.procs[0]
	s.ErrorIs(p0.Attach(1, s.procs[1].Inbox(0)), status.ErrAlreadyExists)
	s.ErrorIs(p0.Attach(0, p0.Inbox(0)), status.ErrInvalidArgument)
	s.ErrorIs(p0.Detach(5), status.ErrNotFound)
	s.ErrorIs(p0.Setup(context.Background()), status.ErrAlreadyExists)

	p, err := NewProcessor(testConfig(1, make([]byte, regionSize)))
	s.Require().NoError(err)
	s.ErrorIs(p.Attach(0, p0.Inbox(1)), status.ErrNotInitialized)
	s.ErrorIs(p.Destroy(), status.ErrNotInitialized)
}

func (s *ProcessorTestSuite) TestDetachAndReattach() {
	ctx := context.Background()
	m0 := s.procs[0].MessageQ()
	s.Require().NoError(m0.RegisterHeap(s.procs[0].RegionHeap(0), 0))
	s.Require().NoError(s.procs[1].MessageQ().RegisterHeap(s.procs[1].RegionHeap(0), 0))

	s.Require().NoError(s.procs[0].Detach(1))
	s.Require().NoError(s.procs[1].Detach(0))
	s.False(s.procs[0].IsAttached(1))

	msg, err := m0.Alloc(0, 64)
	s.Require().NoError(err)
	s.ErrorIs(m0.Put(ctx, messageq.MakeQueueId(1, 0), msg), status.ErrNotFound)
	s.Require().NoError(m0.Free(msg))

	s.Require().NoError(Connect(s.procs[0], s.procs[1]))
	q, err := s.procs[1].MessageQ().Create("again", messageq.DefaultParams())
	s.Require().NoError(err)
	msg, err = m0.Alloc(0, 64)
	s.Require().NoError(err)
	s.Require().NoError(m0.Put(ctx, q.Id(), msg))
	_, err = q.Get(ctx, time.Second)
	s.Require().NoError(err)
}

func (s *ProcessorTestSuite) serve(h http.Handler, path string) int {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec.Code
}

func (s *ProcessorTestSuite) TestHealth() {
	h := s.procs[0].HealthHandler()
	s.Equal(http.StatusOK, s.serve(h, "/live"))
	s.Equal(http.StatusOK, s.serve(h, "/ready"))

	s.Require().NoError(s.procs[1].Destroy())
	s.live[1] = false
	s.Equal(http.StatusOK, s.serve(h, "/live"))
	s.Equal(http.StatusServiceUnavailable, s.serve(h, "/ready"))

	s.Require().NoError(s.procs[0].Destroy())
	s.live[0] = false
	s.Equal(http.StatusServiceUnavailable, s.serve(h, "/live"))
	s.ErrorIs(s.procs[0].Setup(context.Background()), status.ErrInvalidState)
}

func TestProcessorTestSuite(t *testing.T) {
	suite.Run(t, new(ProcessorTestSuite))
}

func TestSetupWaitsForOwner(t *testing.T) {
	mem := make([]byte, regionSize)
	p0, err := NewProcessor(testConfig(0, mem))
	assert.NoError(t, err)
	p1, err := NewProcessor(testConfig(1, mem))
	assert.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- p1.Setup(context.Background()) }()
	time.Sleep(20 * time.Millisecond)
	assert.NoError(t, p0.Setup(context.Background()))
	assert.NoError(t, <-done)
	assert.NoError(t, p1.Destroy())
	assert.NoError(t, p0.Destroy())
}

func TestSetupOwnerMissing(t *testing.T) {
	cfg := testConfig(1, make([]byte, regionSize))
	cfg.OpenTimeout = 30 * time.Millisecond
	p, err := NewProcessor(cfg)
	assert.NoError(t, err)
	assert.ErrorIs(t, p.Setup(context.Background()), status.ErrTimeout)

	p, err = NewProcessor(testConfig(1, make([]byte, regionSize)))
	assert.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, p.Setup(ctx), status.ErrInterrupted)
}

func TestConfigVerify(t *testing.T) {
	cfg := testConfig(0, make([]byte, regionSize))
	assert.NoError(t, cfg.Verify())

	bad := cfg
	bad.ProcId = 2
	assert.ErrorIs(t, bad.Verify(), status.ErrInvalidArgument)
	bad = cfg
	bad.Regions = nil
	assert.ErrorIs(t, bad.Verify(), status.ErrInvalidArgument)
	bad = cfg
	bad.TransportShm.EventId = bad.RemoteNotify.EventId
	assert.ErrorIs(t, bad.Verify(), status.ErrInvalidArgument)
	bad = cfg
	bad.MessageQ.NumProcessors = 3
	assert.ErrorIs(t, bad.Verify(), status.ErrInvalidArgument)
}
