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

package nameserver

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"sort"
	"strings"
	"sync"

	"github.com/srediag/syslink-ipc/pkg/status"
)

const (
	numBuckets = 64

	DefaultMaxNameLen  = 32
	DefaultMaxValueLen = 4
	// Unlimited disables the runtime entry limit.
	Unlimited = ^uint32(0)
)

// Params configures one instance.
type Params struct {
	MaxRuntimeEntries uint32
	MaxNameLen        uint32
	MaxValueLen       uint32
	// CheckExisting rejects a second Add of the same name.
	CheckExisting bool
}

// DefaultParams returns unlimited entries of 4-byte values with duplicate
// names rejected.
func DefaultParams() Params {
	return Params{
		MaxRuntimeEntries: Unlimited,
		MaxNameLen:        DefaultMaxNameLen,
		MaxValueLen:       DefaultMaxValueLen,
		CheckExisting:     true,
	}
}

// Verify checks the parameters.
func (p Params) Verify() error {
	if p.MaxNameLen == 0 || p.MaxValueLen == 0 || p.MaxRuntimeEntries == 0 {
		return fmt.Errorf("nameserver params %+v: %w", p, status.ErrInvalidArgument)
	}
	return nil
}

// Entry is one registered name. Entries whose names hash alike hang off the
// first one through next.
type Entry struct {
	name  string
	hash  uint32
	value []byte
	next  *Entry
}

func (e *Entry) Name() string { return e.name }

// Value returns a copy of the stored value.
func (e *Entry) Value() []byte { return append([]byte(nil), e.value...) }

// NameServer is one named table.
type NameServer struct {
	name   string
	params Params
	mod    *Module

	mu      sync.Mutex
	buckets [numBuckets][]*Entry
	count   uint32
}

// Name returns the instance name.
func (ns *NameServer) Name() string { return ns.name }

// Count returns the number of entries.
func (ns *NameServer) Count() uint32 {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	return ns.count
}

func stringHash(s string) uint32 {
	h := uint32(len(s))
	for i := 0; i < len(s); i++ {
		h = (h >> 8) ^ crc32.IEEETable[h&0xff] ^ uint32(s[i])
	}
	return h
}

// Add registers name with a copy of value.
func (ns *NameServer) Add(name string, value []byte) (*Entry, error) {
	if name == "" || uint32(len(name)) > ns.params.MaxNameLen {
		return nil, fmt.Errorf("add %q to %q: name length: %w", name, ns.name, status.ErrInvalidArgument)
	}
	if uint32(len(value)) > ns.params.MaxValueLen {
		return nil, fmt.Errorf("add %q to %q: value of %d bytes: %w", name, ns.name, len(value), status.ErrInvalidArgument)
	}
	e := &Entry{name: name, hash: stringHash(name), value: append([]byte(nil), value...)}

	ns.mu.Lock()
	defer ns.mu.Unlock()
	if ns.count >= ns.params.MaxRuntimeEntries {
		return nil, fmt.Errorf("add %q to %q: %d entries: %w", name, ns.name, ns.count, status.ErrOutOfMemory)
	}
	b := &ns.buckets[e.hash%numBuckets]
	for _, head := range *b {
		if head.hash != e.hash {
			continue
		}
		last := head
		for cur := head; cur != nil; cur = cur.next {
			if cur.name == name && ns.params.CheckExisting {
				return nil, fmt.Errorf("add %q to %q: %w", name, ns.name, status.ErrAlreadyExists)
			}
			last = cur
		}
		last.next = e
		ns.count++
		return e, nil
	}
	*b = append(*b, e)
	ns.count++
	return e, nil
}

// AddUint32 registers name with a 4-byte value.
func (ns *NameServer) AddUint32(name string, value uint32) (*Entry, error) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	return ns.Add(name, buf[:])
}

// lookup returns the first entry called name. Caller holds ns.mu.
func (ns *NameServer) lookup(name string) *Entry {
	h := stringHash(name)
	for _, head := range ns.buckets[h%numBuckets] {
		if head.hash != h {
			continue
		}
		for cur := head; cur != nil; cur = cur.next {
			if cur.name == name {
				return cur
			}
		}
	}
	return nil
}

// unlink detaches target from its bucket. Removing the head of a chain
// promotes the next link into the bucket.
func (ns *NameServer) unlink(target *Entry) bool {
	b := &ns.buckets[target.hash%numBuckets]
	for i, head := range *b {
		if head.hash != target.hash {
			continue
		}
		if head == target {
			if head.next != nil {
				(*b)[i] = head.next
			} else {
				*b = append((*b)[:i], (*b)[i+1:]...)
			}
			target.next = nil
			ns.count--
			return true
		}
		for prev := head; prev.next != nil; prev = prev.next {
			if prev.next == target {
				prev.next = target.next
				target.next = nil
				ns.count--
				return true
			}
		}
	}
	return false
}

// Remove deletes the first entry called name.
func (ns *NameServer) Remove(name string) error {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	e := ns.lookup(name)
	if e == nil || !ns.unlink(e) {
		return fmt.Errorf("remove %q from %q: %w", name, ns.name, status.ErrNotFound)
	}
	return nil
}

// RemoveEntry deletes the entry returned by Add.
func (ns *NameServer) RemoveEntry(e *Entry) error {
	if e == nil {
		return fmt.Errorf("remove entry from %q: %w", ns.name, status.ErrInvalidArgument)
	}
	ns.mu.Lock()
	defer ns.mu.Unlock()
	if !ns.unlink(e) {
		return fmt.Errorf("remove entry %q from %q: %w", e.name, ns.name, status.ErrNotFound)
	}
	return nil
}

// GetLocal looks name up in the local table only.
func (ns *NameServer) GetLocal(name string) ([]byte, error) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	if e := ns.lookup(name); e != nil {
		return e.Value(), nil
	}
	return nil, fmt.Errorf("%q in %q: %w", name, ns.name, status.ErrNotFound)
}

// GetLocalUint32 is GetLocal for 4-byte values.
func (ns *NameServer) GetLocalUint32(name string) (uint32, error) {
	v, err := ns.GetLocal(name)
	if err != nil {
		return 0, err
	}
	return toUint32(ns.name, name, v)
}

// Get resolves name on the processors in procIds, in order. A nil procIds
// means the local table first, then every remote processor by ascending id.
// The search stops at the first hit or at any error other than not found.
func (ns *NameServer) Get(ctx context.Context, name string, procIds []uint16) ([]byte, error) {
	if procIds == nil {
		procIds = ns.mod.defaultOrder()
	}
	for _, id := range procIds {
		var (
			v   []byte
			err error
		)
		if id == ns.mod.cfg.ProcId {
			v, err = ns.GetLocal(name)
		} else {
			r := ns.mod.remote(id)
			if r == nil {
				continue
			}
			v, err = r.Get(ctx, ns.name, name)
		}
		if err == nil {
			return v, nil
		}
		if !status.IsNotFound(err) {
			logger.Warnf("get %q in %q from processor %d: %v", name, ns.name, id, err)
			return nil, err
		}
	}
	return nil, fmt.Errorf("%q in %q: %w", name, ns.name, status.ErrNotFound)
}

// GetUint32 is Get for 4-byte values.
func (ns *NameServer) GetUint32(ctx context.Context, name string, procIds []uint16) (uint32, error) {
	v, err := ns.Get(ctx, name, procIds)
	if err != nil {
		return 0, err
	}
	return toUint32(ns.name, name, v)
}

// Match finds the longest registered name that prefixes name. It returns
// that entry's value and the matched length, 0 when nothing matches.
func (ns *NameServer) Match(name string) ([]byte, int) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	var (
		best  *Entry
		found int
	)
	for i := range ns.buckets {
		for _, head := range ns.buckets[i] {
			for cur := head; cur != nil; cur = cur.next {
				if len(cur.name) > found && strings.HasPrefix(name, cur.name) {
					best, found = cur, len(cur.name)
				}
			}
		}
	}
	if best == nil {
		return nil, 0
	}
	return best.Value(), found
}

// EntryInfo is a snapshot of one entry.
type EntryInfo struct {
	Name  string
	Value []byte
}

// Entries returns every entry sorted by name.
func (ns *NameServer) Entries() []EntryInfo {
	ns.mu.Lock()
	out := make([]EntryInfo, 0, ns.count)
	for i := range ns.buckets {
		for _, head := range ns.buckets[i] {
			for cur := head; cur != nil; cur = cur.next {
				out = append(out, EntryInfo{Name: cur.name, Value: cur.Value()})
			}
		}
	}
	ns.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return bytes.Compare(out[i].Value, out[j].Value) < 0
	})
	return out
}

func (ns *NameServer) clear() {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	for i := range ns.buckets {
		ns.buckets[i] = nil
	}
	ns.count = 0
}

func toUint32(instance, name string, v []byte) (uint32, error) {
	if len(v) != 4 {
		return 0, fmt.Errorf("%q in %q holds %d bytes: %w", name, instance, len(v), status.ErrInvalidArgument)
	}
	return binary.LittleEndian.Uint32(v), nil
}
