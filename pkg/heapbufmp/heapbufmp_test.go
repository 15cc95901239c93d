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

package heapbufmp

import (
	"bytes"
	"context"
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/suite"

	"github.com/srediag/syslink-ipc/internal/ipctest"
	"github.com/srediag/syslink-ipc/internal/metrics"
	"github.com/srediag/syslink-ipc/pkg/listmp"
	"github.com/srediag/syslink-ipc/pkg/sharedregion"
	"github.com/srediag/syslink-ipc/pkg/status"
)

type HeapBufMPTestSuite struct {
	suite.Suite
	sys     *ipctest.System
	lists   []*listmp.Module
	mods    []*Module
	metrics *metrics.Metrics
}

func (s *HeapBufMPTestSuite) SetupTest() {
	s.sys = ipctest.NewSystem(s.T(), 2, 512*1024)
	s.metrics = metrics.New(prometheus.NewRegistry())
	s.lists, s.mods = nil, nil
	for _, p := range s.sys.Procs {
		lm, err := listmp.NewModule(listmp.DefaultConfig(), listmp.Deps{Table: p.Table, NameServer: p.NameServer, DefaultGate: p.Gate})
		s.Require().NoError(err)
		s.Require().NoError(lm.Setup())
		m, err := NewModule(DefaultConfig(), Deps{
			Table:       p.Table,
			NameServer:  p.NameServer,
			ListMP:      lm,
			DefaultGate: p.Gate,
			Metrics:     s.metrics,
		})
		s.Require().NoError(err)
		s.Require().NoError(m.Setup())
		s.lists = append(s.lists, lm)
		s.mods = append(s.mods, m)
	}
}

func (s *HeapBufMPTestSuite) TearDownTest() {
	for i := range s.mods {
		s.Require().NoError(s.mods[i].Destroy())
		s.Require().NoError(s.lists[i].Destroy())
	}
}

func (s *HeapBufMPTestSuite) create(p Params) *Heap {
	t := s.sys.Procs[0].Table
	p.SharedAddr = s.sys.Reserve(s.T(), SharedMemReq(t, p))[0]
	h, err := s.mods[0].Create(p)
	s.Require().NoError(err)
	return h
}

func (s *HeapBufMPTestSuite) TestGeometry() {
	h := s.create(Params{BlockSize: 100, NumBlocks: 4, Align: 16})
	s.Equal(uint32(ipctest.CacheLine), h.Align())
	s.Equal(uint32(128), h.BlockSize())

	h = s.create(Params{BlockSize: 100, NumBlocks: 4, Align: 512})
	s.Equal(uint32(512), h.Align())
	s.Equal(uint32(512), h.BlockSize())
	b, err := h.Alloc(1, 512)
	s.Require().NoError(err)
	s.Zero(uint64(b) % 512)
}

func (s *HeapBufMPTestSuite) TestAllocUntilExhausted() {
	const n = 8
	h := s.create(Params{BlockSize: 100, NumBlocks: n})
	seen := map[sharedregion.Addr]bool{}
	for i := 0; i < n; i++ {
		b, err := h.Alloc(100, 64)
		s.Require().NoError(err)
		s.Zero(uint64(b) % 64)
		s.False(seen[b])
		seen[b] = true
	}
	_, err := h.Alloc(1, 0)
	s.True(errors.Is(err, status.ErrOutOfMemory))
	s.Zero(h.Stats().TotalFreeSize)
	s.Zero(h.Stats().LargestFreeSize)

	for b := range seen {
		s.Require().NoError(h.Free(b, 100))
	}
	st := h.Stats()
	s.Equal(st.TotalSize, st.TotalFreeSize)
	s.Equal(uint32(128), st.LargestFreeSize)
}

func (s *HeapBufMPTestSuite) TestFIFOReuse() {
	h := s.create(Params{BlockSize: 64, NumBlocks: 3})
	a, err := h.Alloc(64, 0)
	s.Require().NoError(err)
	s.Require().NoError(h.Free(a, 64))
	b, err := h.Alloc(64, 0)
	s.Require().NoError(err)
	s.NotEqual(a, b)
}

func (s *HeapBufMPTestSuite) TestInvalidRequests() {
	h := s.create(Params{BlockSize: 128, NumBlocks: 2, Exact: true})
	_, err := h.Alloc(129, 0)
	s.True(errors.Is(err, status.ErrInvalidArgument))
	_, err = h.Alloc(64, 0)
	s.True(errors.Is(err, status.ErrInvalidArgument))
	_, err = h.Alloc(128, 256)
	s.True(errors.Is(err, status.ErrInvalidArgument))
	_, err = h.Alloc(0, 0)
	s.True(errors.Is(err, status.ErrInvalidArgument))

	b, err := h.Alloc(128, 0)
	s.Require().NoError(err)
	s.True(errors.Is(h.Free(b+4, 128), status.ErrInvalidArgument))
	s.Require().NoError(h.Free(b, 128))

	_, err = s.mods[0].Create(Params{BlockSize: 0, NumBlocks: 1})
	s.True(errors.Is(err, status.ErrInvalidArgument))
	_, err = s.mods[0].Create(Params{BlockSize: 8, NumBlocks: 1, Align: 3})
	s.True(errors.Is(err, status.ErrInvalidArgument))
}

func (s *HeapBufMPTestSuite) TestOversizedGeometry() {
	t := s.sys.Procs[0].Table
	p := Params{BlockSize: 128, NumBlocks: 1 << 25}
	s.Equal(uint32(math.MaxUint32), SharedMemReq(t, p))
	s.ErrorIs(p.Verify(), status.ErrInvalidArgument)

	p.SharedAddr = s.sys.Reserve(s.T(), 256)[0]
	mem := t.Region(0).Mem
	before := bytes.Clone(mem)
	_, err := s.mods[0].Create(p)
	s.ErrorIs(err, status.ErrInvalidArgument)
	s.True(bytes.Equal(before, mem), "failed create wrote shared memory")

	// Fits the block check but not with the attrs on top.
	p = Params{BlockSize: 128, NumBlocks: sharedregion.MaxRegionSize / 128}
	s.Require().NoError(p.Verify())
	s.Greater(uint64(SharedMemReq(t, p)), uint64(sharedregion.MaxRegionSize))
	p.SharedAddr = s.sys.Reserve(s.T(), 256)[0]
	_, err = s.mods[0].Create(p)
	s.ErrorIs(err, status.ErrInvalidArgument)
}

func (s *HeapBufMPTestSuite) TestTrackedStats() {
	h := s.create(Params{Name: "tracked", BlockSize: 128, NumBlocks: 6, TrackAllocs: true})
	var blocks []sharedregion.Addr
	for i := 0; i < 4; i++ {
		b, err := h.Alloc(128, 0)
		s.Require().NoError(err)
		blocks = append(blocks, b)
	}
	for _, b := range blocks[:3] {
		s.Require().NoError(h.Free(b, 128))
	}
	ext, err := h.ExtendedStats()
	s.Require().NoError(err)
	s.Equal(uint32(4), ext.MaxAllocatedBlocks)
	s.Equal(uint32(1), ext.NumAllocatedBlocks)
	s.Equal(uint32(5*128), h.Stats().TotalFreeSize)

	s.Require().NoError(h.Free(blocks[3], 128))
	s.True(errors.Is(h.Free(blocks[3], 128), status.ErrFault))

	m := &dto.Metric{}
	s.Require().NoError(s.metrics.HeapAllocs.WithLabelValues("tracked").Write(m))
	s.Equal(4.0, m.GetCounter().GetValue())
}

func (s *HeapBufMPTestSuite) TestUntrackedStats() {
	h := s.create(Params{BlockSize: 128, NumBlocks: 5})
	_, err := h.Alloc(1, 0)
	s.Require().NoError(err)
	_, err = h.Alloc(1, 0)
	s.Require().NoError(err)
	ext, err := h.ExtendedStats()
	s.Require().NoError(err)
	s.Equal(uint32(2), ext.NumAllocatedBlocks)
	s.Equal(uint32(2), ext.MaxAllocatedBlocks)
	s.Equal(uint32(3*128), h.Stats().TotalFreeSize)
	s.True(h.IsBlocking())
}

func (s *HeapBufMPTestSuite) TestCountersMatchFreeListUnderChurn() {
	const blocks = 8
	h0 := s.create(Params{Name: "churn", BlockSize: 128, NumBlocks: blocks, TrackAllocs: true})
	h1, err := s.mods[1].Open(context.Background(), "churn")
	s.Require().NoError(err)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for _, h := range []*Heap{h0, h1} {
		wg.Add(1)
		go func(h *Heap) {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				b, err := h.Alloc(128, 0)
				if err != nil {
					continue
				}
				if err := h.Free(b, 128); err != nil {
					s.Fail("free", err.Error())
					return
				}
			}
		}(h)
	}

	t := s.sys.Procs[0].Table
	for i := 0; i < 500; i++ {
		k := h0.gate.Enter()
		n := t.Load32(h0.attrs + offNumFree)
		l, err := h0.freeList.LenLocked()
		h0.gate.Leave(k)
		s.Require().NoError(err)
		s.Require().Equal(l, int(n), "free counter disagrees with the free list")
		ext, err := h1.ExtendedStats()
		s.Require().NoError(err)
		s.LessOrEqual(ext.NumAllocatedBlocks, ext.MaxAllocatedBlocks)
	}
	close(stop)
	wg.Wait()

	ext, err := h0.ExtendedStats()
	s.Require().NoError(err)
	s.Zero(ext.NumAllocatedBlocks)
	s.LessOrEqual(ext.MaxAllocatedBlocks, uint32(2))
	s.Require().NoError(s.mods[1].Close(h1))
}

func (s *HeapBufMPTestSuite) TestSharedAcrossProcessors() {
	h0 := s.create(Params{Name: "pool", BlockSize: 256, NumBlocks: 4, TrackAllocs: true})
	h1, err := s.mods[1].Open(context.Background(), "pool")
	s.Require().NoError(err)
	s.Equal(h0.BlockSize(), h1.BlockSize())
	s.Equal(h0.NumBlocks(), h1.NumBlocks())
	s.Equal(h0.SharedAddr(), h1.SharedAddr())

	t0, t1 := s.sys.Procs[0].Table, s.sys.Procs[1].Table
	b1, err := h1.Alloc(200, 0)
	s.Require().NoError(err)
	b0 := t0.GetPtr(t1.GetSRPtr(b1, 0))
	s.Require().NoError(h0.Free(b0, 200))

	for i := 0; i < 4; i++ {
		_, err := h0.Alloc(256, 0)
		s.Require().NoError(err)
	}
	_, err = h1.Alloc(256, 0)
	s.True(errors.Is(err, status.ErrOutOfMemory))
	ext, err := h1.ExtendedStats()
	s.Require().NoError(err)
	s.Equal(uint32(4), ext.MaxAllocatedBlocks)

	s.True(errors.Is(s.mods[1].Delete(h1), status.ErrBusy))
	s.Require().NoError(s.mods[1].Close(h1))
	s.Require().NoError(s.mods[0].Delete(h0))
	_, err = s.mods[1].OpenByAddr(h0.SharedAddr())
	s.True(errors.Is(err, status.ErrNotFound))
}

func (s *HeapBufMPTestSuite) TestOwnerCloseRejected() {
	h := s.create(Params{BlockSize: 64, NumBlocks: 1})
	s.True(errors.Is(s.mods[0].Close(h), status.ErrInvalidState))
	again, err := s.mods[0].OpenByAddr(h.SharedAddr())
	s.Require().NoError(err)
	s.Same(h, again)
	s.True(errors.Is(s.mods[0].Delete(h), status.ErrBusy))
	s.Require().NoError(s.mods[0].Close(again))
	s.Require().NoError(s.mods[0].Delete(h))
}

func TestHeapBufMPTestSuite(t *testing.T) {
	suite.Run(t, new(HeapBufMPTestSuite))
}
