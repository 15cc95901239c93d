//go:build linux

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
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/srediag/syslink-ipc/internal/log"
)

var logger = log.New("shm")

// MapRegion maps or creates a shared memory region under /dev/shm.
func MapRegion(ctx context.Context, opts MapOptions) (*MappedRegion, error) {
	if opts.Size <= 0 {
		return nil, fmt.Errorf("map %q: invalid size %d", opts.Name, opts.Size)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	shmPath := filepath.Join(devShm, opts.Name)
	flags := unix.O_RDWR
	if opts.Create {
		if !CanCreate(uint64(opts.Size), shmPath) {
			return nil, fmt.Errorf("map %q: not enough space left on %s for %d bytes", opts.Name, devShm, opts.Size)
		}
		flags |= unix.O_CREAT
	}
	fd, err := unix.Open(shmPath, flags, 0600)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	if opts.Create {
		if err := unix.Ftruncate(fd, int64(opts.Size)); err != nil {
			_ = unix.Close(fd)
			return nil, fmt.Errorf("ftruncate: %w", err)
		}
	}
	addr, err := unix.Mmap(fd, 0, opts.Size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("mmap: %w", err)
	}
	if opts.Create {
		for i := range addr {
			addr[i] = 0
		}
	}
	r := &MappedRegion{Addr: addr, Name: opts.Name, fd: fd}
	if opts.Unlink {
		r.path = shmPath
	}
	return r, nil
}

// UnmapRegion unmaps and closes the shared memory region.
func UnmapRegion(ctx context.Context, region *MappedRegion) error {
	if region == nil || region.Addr == nil {
		return nil
	}
	if err := unix.Munmap(region.Addr); err != nil {
		return fmt.Errorf("munmap: %w", err)
	}
	region.Addr = nil
	if err := unix.Close(region.fd); err != nil {
		logger.Warnf("close region %s fd:%d, error:%s", region.Name, region.fd, err.Error())
	}
	if region.path != "" {
		if err := os.Remove(region.path); err != nil {
			logger.Warnf("remove file:%s failed, error=%s", region.path, err.Error())
		} else {
			logger.Infof("remove file:%s", region.path)
		}
	}
	return nil
}
