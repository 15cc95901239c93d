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

// Package ipctest builds multi-processor fixtures over one in-memory region
// for the module tests.
package ipctest

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/srediag/syslink-ipc/pkg/gatemp"
	"github.com/srediag/syslink-ipc/pkg/nameserver"
	"github.com/srediag/syslink-ipc/pkg/sharedregion"
	"github.com/srediag/syslink-ipc/pkg/status"
)

const (
	CacheLine = 128
	baseStep  = 0x10000000
)

// Proc is the per-processor state every module needs.
type Proc struct {
	Id         uint16
	Table      *sharedregion.Table
	NameServer *nameserver.Module
	Gate       *gatemp.Gate
}

// System is a set of processors sharing region 0.
type System struct {
	Mem   []byte
	Procs []*Proc
}

// NewSystem maps one region of size bytes on n processors, each at its own
// base address, and links their name servers directly.
func NewSystem(t testing.TB, n int, size int) *System {
	t.Helper()
	sys := &System{Mem: make([]byte, size)}
	for i := 0; i < n; i++ {
		id := uint16(i)
		tb := sharedregion.NewTable(id)
		require.NoError(t, tb.SetEntry(0, sharedregion.Entry{
			Name:          "SR0",
			Base:          sharedregion.Addr(baseStep * (i + 1)),
			Mem:           sys.Mem,
			CacheLineSize: CacheLine,
			CacheEnabled:  true,
		}))
		word, err := tb.Reserve(0, gatemp.SharedMemReq(tb, 0))
		require.NoError(t, err)
		var gate *gatemp.Gate
		if i == 0 {
			gate, err = gatemp.CreateAt(tb, word)
		} else {
			gate, err = gatemp.OpenByAddr(tb, tb.GetSRPtr(word, 0))
		}
		require.NoError(t, err)
		ns, err := nameserver.NewModule(nameserver.Config{ProcId: id, NumProcessors: uint16(n)})
		require.NoError(t, err)
		require.NoError(t, ns.Setup())
		sys.Procs = append(sys.Procs, &Proc{Id: id, Table: tb, NameServer: ns, Gate: gate})
	}
	for _, p := range sys.Procs {
		for _, q := range sys.Procs {
			if p != q {
				require.NoError(t, p.NameServer.RegisterRemoteDriver(DirectRemote{q.NameServer}, q.Id))
			}
		}
	}
	return sys
}

// Reserve carves size bytes at the same place on every processor and
// returns the address as seen by each.
func (s *System) Reserve(t testing.TB, size uint32) []sharedregion.Addr {
	t.Helper()
	out := make([]sharedregion.Addr, len(s.Procs))
	for i, p := range s.Procs {
		a, err := p.Table.Reserve(0, size)
		require.NoError(t, err)
		out[i] = a
	}
	return out
}

// DirectRemote answers remote name queries by reading the peer's tables.
type DirectRemote struct {
	Peer *nameserver.Module
}

func (r DirectRemote) Get(_ context.Context, instanceName, name string) ([]byte, error) {
	ns, ok := r.Peer.GetHandle(instanceName)
	if !ok {
		return nil, fmt.Errorf("instance %q: %w", instanceName, status.ErrNotFound)
	}
	return ns.GetLocal(name)
}
