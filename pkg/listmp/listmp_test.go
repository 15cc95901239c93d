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

package listmp

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/srediag/syslink-ipc/internal/ipctest"
	"github.com/srediag/syslink-ipc/pkg/sharedregion"
	"github.com/srediag/syslink-ipc/pkg/status"
)

type ListMPTestSuite struct {
	suite.Suite
	sys  *ipctest.System
	mods []*Module
}

func (s *ListMPTestSuite) SetupTest() {
	s.sys = ipctest.NewSystem(s.T(), 2, 256*1024)
	s.mods = nil
	for _, p := range s.sys.Procs {
		m, err := NewModule(DefaultConfig(), Deps{Table: p.Table, NameServer: p.NameServer, DefaultGate: p.Gate})
		s.Require().NoError(err)
		s.Require().NoError(m.Setup())
		s.mods = append(s.mods, m)
	}
}

func (s *ListMPTestSuite) TearDownTest() {
	for _, m := range s.mods {
		s.Require().NoError(m.Destroy())
	}
}

// elems reserves n elements and returns their addresses on processor 0.
func (s *ListMPTestSuite) elems(n int) []sharedregion.Addr {
	out := make([]sharedregion.Addr, n)
	for i := range out {
		out[i] = s.sys.Reserve(s.T(), ElemSize)[0]
	}
	return out
}

func (s *ListMPTestSuite) newList(name string) *List {
	attrs := s.sys.Reserve(s.T(), SharedMemReq(s.sys.Procs[0].Table, 0))
	l, err := s.mods[0].Create(Params{Name: name, SharedAddr: attrs[0]})
	s.Require().NoError(err)
	return l
}

func (s *ListMPTestSuite) TestSharedMemReq() {
	s.Equal(uint32(ipctest.CacheLine), SharedMemReq(s.sys.Procs[0].Table, 0))
}

func (s *ListMPTestSuite) TestFIFOAndLIFO() {
	l := s.newList("fifo")
	s.True(l.IsEmpty())
	es := s.elems(5)
	for _, e := range es {
		s.Require().NoError(l.PutTail(e))
	}
	n, err := l.Len()
	s.Require().NoError(err)
	s.Equal(5, n)
	for _, e := range es {
		got, err := l.GetHead()
		s.Require().NoError(err)
		s.Equal(e, got)
	}
	got, err := l.GetHead()
	s.Require().NoError(err)
	s.Zero(got)
	s.True(l.IsEmpty())

	for _, e := range es {
		s.Require().NoError(l.PutHead(e))
	}
	for i := len(es) - 1; i >= 0; i-- {
		got, err := l.GetHead()
		s.Require().NoError(err)
		s.Equal(es[i], got)
	}
}

func (s *ListMPTestSuite) TestGetTailInsertRemoveIterate() {
	l := s.newList("ops")
	es := s.elems(4)
	s.Require().NoError(l.PutTail(es[0]))
	s.Require().NoError(l.PutTail(es[2]))
	s.Require().NoError(l.Insert(es[1], es[2]))
	s.Require().NoError(l.PutTail(es[3]))

	var walked []sharedregion.Addr
	for e, err := l.Next(0); e != 0; e, err = l.Next(e) {
		s.Require().NoError(err)
		walked = append(walked, e)
	}
	s.Equal(es, walked)

	var back []sharedregion.Addr
	for e, err := l.Prev(0); e != 0; e, err = l.Prev(e) {
		s.Require().NoError(err)
		back = append(back, e)
	}
	s.Equal([]sharedregion.Addr{es[3], es[2], es[1], es[0]}, back)

	s.Require().NoError(l.Remove(es[1]))
	tail, err := l.GetTail()
	s.Require().NoError(err)
	s.Equal(es[3], tail)
	tail, err = l.GetTail()
	s.Require().NoError(err)
	s.Equal(es[2], tail)
	head, err := l.GetHead()
	s.Require().NoError(err)
	s.Equal(es[0], head)
	tail, err = l.GetTail()
	s.Require().NoError(err)
	s.Zero(tail)

	s.True(errors.Is(l.PutTail(0x10), status.ErrInvalidArgument))
}

func (s *ListMPTestSuite) TestCrossProcessor() {
	l0 := s.newList("shared")
	l1, err := s.mods[1].Open(context.Background(), "shared")
	s.Require().NoError(err)
	s.Equal(l0.SharedAddr(), l1.SharedAddr())

	es := s.elems(3)
	for _, e := range es {
		s.Require().NoError(l0.PutTail(e))
	}
	t0, t1 := s.sys.Procs[0].Table, s.sys.Procs[1].Table
	for _, e := range es {
		got, err := l1.GetHead()
		s.Require().NoError(err)
		s.Equal(t0.GetSRPtr(e, 0), t1.GetSRPtr(got, 0))
	}

	again, err := s.mods[1].OpenByAddr(l0.SharedAddr())
	s.Require().NoError(err)
	s.Same(l1, again)
	s.Require().NoError(s.mods[1].Close(again))
	s.Require().NoError(s.mods[1].Close(l1))

	s.True(errors.Is(s.mods[1].Delete(l1), status.ErrBusy))
	s.Require().NoError(s.mods[0].Delete(l0))
	_, err = s.mods[1].OpenByAddr(l0.SharedAddr())
	s.True(errors.Is(err, status.ErrNotFound))
	_, err = s.mods[1].Open(context.Background(), "shared")
	s.True(errors.Is(err, status.ErrNotFound))
}

func (s *ListMPTestSuite) TestDeleteBusy() {
	l := s.newList("busy")
	same, err := s.mods[0].OpenByAddr(l.SharedAddr())
	s.Require().NoError(err)
	s.True(errors.Is(s.mods[0].Delete(l), status.ErrBusy))
	s.Require().NoError(s.mods[0].Close(same))
	s.True(errors.Is(s.mods[0].Close(l), status.ErrInvalidState))
	s.Require().NoError(s.mods[0].Delete(l))
}

func (s *ListMPTestSuite) TestOpenerCannotDelete() {
	l := s.newList("owned")
	remote, err := s.mods[1].OpenByAddr(l.SharedAddr())
	s.Require().NoError(err)
	s.True(errors.Is(s.mods[1].Delete(remote), status.ErrBusy))
	s.Require().NoError(s.mods[1].Close(remote))
	s.Require().NoError(s.mods[0].Delete(l))
}

func (s *ListMPTestSuite) TestConcurrentProducers() {
	l0 := s.newList("mp")
	l1, err := s.mods[1].OpenByAddr(l0.SharedAddr())
	s.Require().NoError(err)
	const per = 50
	es0 := s.elems(per)
	es1 := make([]sharedregion.Addr, per)
	t0, t1 := s.sys.Procs[0].Table, s.sys.Procs[1].Table
	for i, e := range s.elems(per) {
		es1[i] = t1.GetPtr(t0.GetSRPtr(e, 0))
	}
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for _, e := range es0 {
			_ = l0.PutTail(e)
		}
	}()
	go func() {
		defer wg.Done()
		for _, e := range es1 {
			_ = l1.PutHead(e)
		}
	}()
	wg.Wait()
	n, err := l0.Len()
	s.Require().NoError(err)
	s.Equal(2*per, n)
}

func (s *ListMPTestSuite) TestNotInitialized() {
	p := s.sys.Procs[0]
	m, err := NewModule(DefaultConfig(), Deps{Table: p.Table, NameServer: p.NameServer, DefaultGate: p.Gate})
	s.Require().NoError(err)
	_, err = m.Create(DefaultParams())
	s.True(errors.Is(err, status.ErrNotInitialized))
}

func TestListMPTestSuite(t *testing.T) {
	suite.Run(t, new(ListMPTestSuite))
}
