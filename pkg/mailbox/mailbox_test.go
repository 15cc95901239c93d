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

package mailbox

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srediag/syslink-ipc/pkg/status"
)

type recorder struct {
	mu   sync.Mutex
	msgs []uint32
}

func (r *recorder) handle(msg uint32) {
	r.mu.Lock()
	r.msgs = append(r.msgs, msg)
	r.mu.Unlock()
}

func (r *recorder) got() []uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint32(nil), r.msgs...)
}

func TestDeliveryInOrder(t *testing.T) {
	c, err := NewController(2)
	require.NoError(t, err)
	defer c.Release()
	mb := c.NewMailbox("m0", 16)
	rec := &recorder{}
	require.NoError(t, mb.Register(rec.handle))
	require.True(t, errors.Is(mb.Register(rec.handle), status.ErrAlreadyExists))
	mb.EnableInterrupt()

	for i := uint32(0); i < 10; i++ {
		require.NoError(t, mb.Send(i))
	}
	assert.Eventually(t, func() bool { return len(rec.got()) == 10 }, time.Second, time.Millisecond)
	assert.Equal(t, []uint32{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, rec.got())
}

func TestMaskedFifoFills(t *testing.T) {
	c, err := NewController(1)
	require.NoError(t, err)
	defer c.Release()
	mb := c.NewMailbox("m1", 0)
	rec := &recorder{}
	require.NoError(t, mb.Register(rec.handle))

	for i := uint32(0); i < DefaultFifoDepth; i++ {
		require.NoError(t, mb.Send(i))
	}
	assert.True(t, errors.Is(mb.Send(99), status.ErrBusy))
	assert.Equal(t, DefaultFifoDepth, mb.Pending())
	time.Sleep(10 * time.Millisecond)
	assert.Empty(t, rec.got())

	mb.EnableInterrupt()
	assert.Eventually(t, func() bool { return mb.Pending() == 0 }, time.Second, time.Millisecond)
	assert.Equal(t, []uint32{0, 1, 2, 3}, rec.got())

	mb.Unregister()
	require.NoError(t, mb.Send(7))
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1, mb.Pending())
}
