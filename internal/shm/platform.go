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

// Package shm maps the memory that backs shared regions and gives word-sized
// atomic access to it.
package shm

import (
	"runtime"
	"strings"

	"github.com/shirou/gopsutil/v3/disk"
)

const devShm = "/dev/shm"

// MappedRegion represents a memory-mapped shared region.
type MappedRegion struct {
	Addr []byte
	Name string
	fd   int
	path string
}

// MapOptions defines options for mapping shared memory.
type MapOptions struct {
	Name string
	Size int
	// Create truncates the backing file to Size and zeroes it.
	Create bool
	// Unlink removes the backing file when the region is unmapped.
	Unlink bool
}

// CanCreate reports whether size bytes fit in the filesystem holding path.
// Only paths under /dev/shm on linux are checked.
func CanCreate(size uint64, path string) bool {
	if runtime.GOOS != "linux" || !strings.HasPrefix(path, devShm) {
		return true
	}
	stat, err := disk.Usage(devShm)
	if err != nil {
		logger.Warnf("could not read %s usage: %v", devShm, err)
		return true
	}
	return stat.Free >= size
}
