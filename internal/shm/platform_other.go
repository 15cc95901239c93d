//go:build !linux

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

	"github.com/srediag/syslink-ipc/internal/log"
)

var logger = log.New("shm")

// MapRegion backs the region with process memory where /dev/shm is not
// available. Only processors living in this process can share it.
func MapRegion(ctx context.Context, opts MapOptions) (*MappedRegion, error) {
	if opts.Size <= 0 {
		return nil, fmt.Errorf("map %q: invalid size %d", opts.Name, opts.Size)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	logger.Debugf("region %s mapped in process memory", opts.Name)
	return &MappedRegion{Addr: make([]byte, opts.Size), Name: opts.Name}, nil
}

// UnmapRegion releases the region.
func UnmapRegion(ctx context.Context, region *MappedRegion) error {
	if region != nil {
		region.Addr = nil
	}
	return nil
}
