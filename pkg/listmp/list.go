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
	"fmt"

	"github.com/srediag/syslink-ipc/pkg/gatemp"
	"github.com/srediag/syslink-ipc/pkg/nameserver"
	"github.com/srediag/syslink-ipc/pkg/sharedregion"
	"github.com/srediag/syslink-ipc/pkg/status"
)

// List is one processor's handle on a shared list. Elements are addresses
// of at least ElemSize bytes of shared memory owned by the caller while
// they are not on a list.
type List struct {
	mod       *Module
	name      string
	attrs     sharedregion.Addr
	regionId  uint16
	gate      *gatemp.Gate
	creator   bool
	openCount int
	allocSize uint32
	ns        *nameserver.NameServer
	nsEntry   *nameserver.Entry
}

func (l *List) String() string {
	if l.name != "" {
		return fmt.Sprintf("%q@%s", l.name, l.SharedAddr())
	}
	return l.SharedAddr().String()
}

// SharedAddr returns the portable address of the attrs block.
func (l *List) SharedAddr() sharedregion.SRPtr {
	return l.mod.deps.Table.GetSRPtr(l.attrs, l.regionId)
}

// Gate returns the gate guarding the list.
func (l *List) Gate() *gatemp.Gate { return l.gate }

func (l *List) table() *sharedregion.Table { return l.mod.deps.Table }

func (l *List) head() sharedregion.Addr { return l.attrs + offHead }

func (l *List) headSR() sharedregion.SRPtr {
	return l.table().GetSRPtr(l.head(), l.regionId)
}

func (l *List) srPtr(a sharedregion.Addr) (sharedregion.SRPtr, error) {
	t := l.table()
	id, ok := t.GetId(a)
	if !ok || a%4 != 0 || !t.Contains(a, ElemSize) {
		return sharedregion.InvalidSRPtr, fmt.Errorf("list %s: element %#x: %w", l, uint64(a), status.ErrInvalidArgument)
	}
	return t.GetSRPtr(a, id), nil
}

func (l *List) ptr(p sharedregion.SRPtr) (sharedregion.Addr, error) {
	a := l.table().GetPtr(p)
	if a == 0 {
		logger.Errorf("list %s: dangling link %s", l, p)
		return 0, fmt.Errorf("list %s: link %s: %w", l, p, status.ErrFault)
	}
	return a, nil
}

func (l *List) next(a sharedregion.Addr) sharedregion.SRPtr {
	return l.table().SRPtrAt(a + offElemNext)
}

func (l *List) prev(a sharedregion.Addr) sharedregion.SRPtr {
	return l.table().SRPtrAt(a + offElemPrev)
}

func (l *List) setNext(a sharedregion.Addr, p sharedregion.SRPtr) {
	l.table().PutSRPtr(a+offElemNext, p)
}

func (l *List) setPrev(a sharedregion.Addr, p sharedregion.SRPtr) {
	l.table().PutSRPtr(a+offElemPrev, p)
}

// IsEmpty reports whether the sentinel points at itself.
func (l *List) IsEmpty() bool {
	k := l.gate.Enter()
	defer l.gate.Leave(k)
	return l.next(l.head()) == l.headSR()
}

// PutHead inserts elem at the front.
func (l *List) PutHead(elem sharedregion.Addr) error {
	elemSR, err := l.srPtr(elem)
	if err != nil {
		return err
	}
	k := l.gate.Enter()
	defer l.gate.Leave(k)
	head := l.head()
	first := l.next(head)
	firstAddr, err := l.ptr(first)
	if err != nil {
		return err
	}
	l.setNext(elem, first)
	l.setPrev(elem, l.headSR())
	l.setPrev(firstAddr, elemSR)
	l.setNext(head, elemSR)
	return nil
}

// PutTail appends elem.
func (l *List) PutTail(elem sharedregion.Addr) error {
	if _, err := l.srPtr(elem); err != nil {
		return err
	}
	k := l.gate.Enter()
	defer l.gate.Leave(k)
	return l.PutTailLocked(elem)
}

// PutTailLocked is PutTail for a caller already inside the list's gate.
func (l *List) PutTailLocked(elem sharedregion.Addr) error {
	elemSR, err := l.srPtr(elem)
	if err != nil {
		return err
	}
	head := l.head()
	last := l.prev(head)
	lastAddr, err := l.ptr(last)
	if err != nil {
		return err
	}
	l.setPrev(elem, last)
	l.setNext(elem, l.headSR())
	l.setNext(lastAddr, elemSR)
	l.setPrev(head, elemSR)
	return nil
}

// GetHead detaches and returns the first element, 0 if the list is empty.
func (l *List) GetHead() (sharedregion.Addr, error) {
	k := l.gate.Enter()
	defer l.gate.Leave(k)
	return l.GetHeadLocked()
}

// GetHeadLocked is GetHead for a caller already inside the list's gate.
func (l *List) GetHeadLocked() (sharedregion.Addr, error) {
	head := l.head()
	headSR := l.headSR()
	first := l.next(head)
	if first == headSR {
		return 0, nil
	}
	elem, err := l.ptr(first)
	if err != nil {
		return 0, err
	}
	after := l.next(elem)
	afterAddr, err := l.ptr(after)
	if err != nil {
		return 0, err
	}
	l.setNext(head, after)
	l.setPrev(afterAddr, headSR)
	return elem, nil
}

// GetTail detaches and returns the last element, 0 if the list is empty.
func (l *List) GetTail() (sharedregion.Addr, error) {
	k := l.gate.Enter()
	defer l.gate.Leave(k)
	head := l.head()
	headSR := l.headSR()
	last := l.prev(head)
	if last == headSR {
		return 0, nil
	}
	elem, err := l.ptr(last)
	if err != nil {
		return 0, err
	}
	before := l.prev(elem)
	beforeAddr, err := l.ptr(before)
	if err != nil {
		return 0, err
	}
	l.setPrev(head, before)
	l.setNext(beforeAddr, headSR)
	return elem, nil
}

// Insert links newElem in front of curElem.
func (l *List) Insert(newElem, curElem sharedregion.Addr) error {
	newSR, err := l.srPtr(newElem)
	if err != nil {
		return err
	}
	curSR, err := l.srPtr(curElem)
	if err != nil {
		return err
	}
	k := l.gate.Enter()
	defer l.gate.Leave(k)
	before := l.prev(curElem)
	beforeAddr, err := l.ptr(before)
	if err != nil {
		return err
	}
	l.setNext(newElem, curSR)
	l.setPrev(newElem, before)
	l.setNext(beforeAddr, newSR)
	l.setPrev(curElem, newSR)
	return nil
}

// Remove unlinks elem, which must be on this list.
func (l *List) Remove(elem sharedregion.Addr) error {
	if _, err := l.srPtr(elem); err != nil {
		return err
	}
	k := l.gate.Enter()
	defer l.gate.Leave(k)
	before, after := l.prev(elem), l.next(elem)
	beforeAddr, err := l.ptr(before)
	if err != nil {
		return err
	}
	afterAddr, err := l.ptr(after)
	if err != nil {
		return err
	}
	l.setNext(beforeAddr, after)
	l.setPrev(afterAddr, before)
	return nil
}

// Next returns the element after elem, the first one when elem is 0, and 0
// past the end.
func (l *List) Next(elem sharedregion.Addr) (sharedregion.Addr, error) {
	k := l.gate.Enter()
	defer l.gate.Leave(k)
	if elem == 0 {
		elem = l.head()
	}
	n := l.next(elem)
	if n == l.headSR() {
		return 0, nil
	}
	return l.ptr(n)
}

// Prev returns the element before elem, the last one when elem is 0, and 0
// past the front.
func (l *List) Prev(elem sharedregion.Addr) (sharedregion.Addr, error) {
	k := l.gate.Enter()
	defer l.gate.Leave(k)
	if elem == 0 {
		elem = l.head()
	}
	p := l.prev(elem)
	if p == l.headSR() {
		return 0, nil
	}
	return l.ptr(p)
}

// Len walks the list and counts its elements.
func (l *List) Len() (int, error) {
	k := l.gate.Enter()
	defer l.gate.Leave(k)
	return l.LenLocked()
}

// LenLocked is Len for a caller already inside the list's gate.
func (l *List) LenLocked() (int, error) {
	headSR := l.headSR()
	n := 0
	for p := l.next(l.head()); p != headSR; n++ {
		a, err := l.ptr(p)
		if err != nil {
			return n, err
		}
		p = l.next(a)
	}
	return n, nil
}

func (l *List) delete() {
	t := l.table()
	t.Store32(l.attrs+offStatus, 0)
	if l.nsEntry != nil && l.ns != nil {
		if err := l.ns.RemoveEntry(l.nsEntry); err != nil {
			logger.Warnf("delete %s: %v", l, err)
		}
		l.nsEntry = nil
	}
	l.release()
	l.openCount = 0
}

// release returns heap-allocated attrs.
func (l *List) release() {
	if l.allocSize == 0 {
		return
	}
	if h := l.table().Heap(l.regionId); h != nil {
		if err := h.Free(l.attrs, l.allocSize); err != nil {
			logger.Warnf("free attrs of %s: %v", l, err)
		}
	}
	l.allocSize = 0
}
