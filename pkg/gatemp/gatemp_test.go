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

package gatemp

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srediag/syslink-ipc/pkg/sharedregion"
	"github.com/srediag/syslink-ipc/pkg/status"
)

func twoTables(t *testing.T) (*sharedregion.Table, *sharedregion.Table) {
	mem := make([]byte, 8192)
	a := sharedregion.NewTable(0)
	b := sharedregion.NewTable(1)
	require.NoError(t, a.SetEntry(0, sharedregion.Entry{Base: 0x10000, Mem: mem, CacheLineSize: 64}))
	require.NoError(t, b.SetEntry(0, sharedregion.Entry{Base: 0x40000, Mem: mem, CacheLineSize: 64}))
	return a, b
}

func TestGateMutualExclusion(t *testing.T) {
	ta, tb := twoTables(t)
	word, err := ta.Reserve(0, 4)
	require.NoError(t, err)
	g0, err := CreateAt(ta, word)
	require.NoError(t, err)
	g1, err := OpenByAddr(tb, g0.SharedAddr())
	require.NoError(t, err)

	counter := 0
	var wg sync.WaitGroup
	for _, g := range []*Gate{g0, g1, g0, g1} {
		wg.Add(1)
		go func(g *Gate) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				k := g.Enter()
				counter++
				g.Leave(k)
			}
		}(g)
	}
	wg.Wait()
	assert.Equal(t, 2000, counter)
}

func TestEnterContextInterrupted(t *testing.T) {
	ta, tb := twoTables(t)
	word, _ := ta.Reserve(0, 4)
	g0, err := CreateAt(ta, word)
	require.NoError(t, err)
	g1, err := OpenByAddr(tb, g0.SharedAddr())
	require.NoError(t, err)

	k := g0.Enter()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = g1.EnterContext(ctx)
	assert.True(t, errors.Is(err, status.ErrInterrupted))
	g0.Leave(k)

	k1, err := g1.EnterContext(context.Background())
	require.NoError(t, err)
	g1.Leave(k1)
}

func TestOpenInvalid(t *testing.T) {
	ta, _ := twoTables(t)
	_, err := OpenByAddr(ta, sharedregion.InvalidSRPtr)
	assert.True(t, errors.Is(err, status.ErrNotFound))
	_, err = CreateAt(ta, 0x10002)
	assert.True(t, errors.Is(err, status.ErrInvalidArgument))
	_, err = Create(ta, 0)
	assert.True(t, errors.Is(err, status.ErrNotInitialized))
}

func TestLeaveNotHeldPanics(t *testing.T) {
	ta, _ := twoTables(t)
	word, _ := ta.Reserve(0, 4)
	g, err := CreateAt(ta, word)
	require.NoError(t, err)
	assert.Panics(t, func() { g.Leave(Key(1)) })
}
