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

package shm

import (
	"context"
	"fmt"
	"math"
	"os"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAtomicWords(t *testing.T) {
	mem := make([]byte, 64)
	StoreUint32(mem, 8, 7)
	assert.Equal(t, uint32(7), LoadUint32(mem, 8))
	assert.False(t, CompareAndSwapUint32(mem, 8, 0, 1))
	assert.True(t, CompareAndSwapUint32(mem, 8, 7, 1))
	OrUint32(mem, 8, 0x30)
	assert.Equal(t, uint32(0x31), LoadUint32(mem, 8))
	AndNotUint32(mem, 8, 0x10)
	assert.Equal(t, uint32(0x21), LoadUint32(mem, 8))

	assert.Panics(t, func() { LoadUint32(mem, 2) })
	assert.Panics(t, func() { LoadUint32(mem, 64) })
}

func TestCanCreate(t *testing.T) {
	assert.True(t, CanCreate(math.MaxUint64, "not_on_dev_shm"))
	if runtime.GOOS == "linux" {
		if _, err := os.Stat(devShm); err == nil {
			assert.False(t, CanCreate(math.MaxUint64, devShm+"/xxx"))
		}
	}
}

func TestMapRegion(t *testing.T) {
	if runtime.GOOS == "linux" {
		if _, err := os.Stat(devShm); err != nil {
			t.Skip("no /dev/shm")
		}
	}
	ctx := context.Background()
	name := fmt.Sprintf("syslink-test-%d", os.Getpid())
	r1, err := MapRegion(ctx, MapOptions{Name: name, Size: 4096, Create: true, Unlink: true})
	require.NoError(t, err)
	defer func() { assert.NoError(t, UnmapRegion(ctx, r1)) }()
	StoreUint32(r1.Addr, 16, 0xCAFE)

	if runtime.GOOS == "linux" {
		r2, err := MapRegion(ctx, MapOptions{Name: name, Size: 4096})
		require.NoError(t, err)
		assert.Equal(t, uint32(0xCAFE), LoadUint32(r2.Addr, 16))
		assert.NoError(t, UnmapRegion(ctx, r2))
	}

	_, err = MapRegion(ctx, MapOptions{Name: name, Size: 0})
	assert.Error(t, err)
}
