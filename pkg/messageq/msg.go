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

// Package messageq implements prioritized message queues. Messages live in
// shared memory and are allocated from registered heaps; messages for
// another processor are handed to a registered transport.
package messageq

import (
	"fmt"

	"github.com/srediag/syslink-ipc/pkg/sharedregion"
	"github.com/srediag/syslink-ipc/pkg/status"
)

// Message priorities. Urgent messages jump to the front of the queue.
const (
	NormalPri   = 0
	HighPri     = 1
	ReservedPri = 2
	UrgentPri   = 3
)

const (
	// HeaderSize is the fixed header every message starts with.
	HeaderSize = 32
	// StaticMsg is the heap id of messages initialized with StaticMsgInit.
	StaticMsg = 0xFFFF
	// InvalidId fills unset queue, processor and message id fields.
	InvalidId = 0xFFFF

	headerVersion = 0x2000
	traceMask     = 0x1000
	traceShift    = 12
	priorityMask  = 0x3
)

// header layout; reserved0/1 are the ListMP links used by transports.
const (
	offReserved0 = 0
	offReserved1 = 4
	offMsgSize   = 8
	offFlags     = 12
	offMsgId     = 14
	offDstId     = 16
	offDstProc   = 18
	offReplyId   = 20
	offReplyProc = 22
	offSrcProc   = 24
	offHeapId    = 26
	offSeqNum    = 28
)

// QueueId names a queue system-wide: processor id in the high half, local
// index in the low half.
type QueueId uint32

// InvalidQueueId is returned when no queue is known.
const InvalidQueueId QueueId = 0xFFFFFFFF

// MakeQueueId builds the id of queue index on processor procId.
func MakeQueueId(procId, index uint16) QueueId {
	return QueueId(uint32(procId)<<16 | uint32(index))
}

func (q QueueId) ProcId() uint16 { return uint16(uint32(q) >> 16) }

func (q QueueId) Index() uint16 { return uint16(q) }

func (q QueueId) String() string {
	return fmt.Sprintf("%d:%d", q.ProcId(), q.Index())
}

// Msg is a message as seen from one processor.
type Msg struct {
	t    *sharedregion.Table
	addr sharedregion.Addr
}

// MsgFromAddr wraps the message at a, for example one received by a
// transport.
func MsgFromAddr(t *sharedregion.Table, a sharedregion.Addr) (Msg, error) {
	if a == 0 || !t.Contains(a, HeaderSize) {
		return Msg{}, fmt.Errorf("message at %#x: %w", uint64(a), status.ErrInvalidArgument)
	}
	m := Msg{t: t, addr: a}
	if size := m.Size(); size < HeaderSize || !t.Contains(a, size) {
		return Msg{}, fmt.Errorf("message at %#x: size %d: %w", uint64(a), size, status.ErrFault)
	}
	return m, nil
}

func (m Msg) IsNil() bool { return m.addr == 0 }

// Addr is the message's local address.
func (m Msg) Addr() sharedregion.Addr { return m.addr }

// SRPtr is the message's portable address.
func (m Msg) SRPtr() sharedregion.SRPtr {
	id, ok := m.t.GetId(m.addr)
	if !ok {
		return sharedregion.InvalidSRPtr
	}
	return m.t.GetSRPtr(m.addr, id)
}

func (m Msg) u16(off sharedregion.Addr) uint16 { return m.t.Uint16(m.addr + off) }

func (m Msg) put16(off sharedregion.Addr, v uint16) { m.t.PutUint16(m.addr+off, v) }

// Size is the whole message size including the header.
func (m Msg) Size() uint32 { return m.t.Uint32(m.addr + offMsgSize) }

// Payload is the part of the message after the header.
func (m Msg) Payload() []byte {
	return m.t.Bytes(m.addr+HeaderSize, m.Size()-HeaderSize)
}

func (m Msg) MsgId() uint16 { return m.u16(offMsgId) }

func (m Msg) SetMsgId(id uint16) { m.put16(offMsgId, id) }

func (m Msg) Priority() uint16 { return m.u16(offFlags) & priorityMask }

func (m Msg) SetMsgPri(pri uint16) {
	f := m.u16(offFlags) &^ priorityMask
	m.put16(offFlags, f|pri&priorityMask)
}

func (m Msg) Trace() bool { return m.u16(offFlags)&traceMask != 0 }

func (m Msg) SetMsgTrace(on bool) {
	f := m.u16(offFlags) &^ traceMask
	if on {
		f |= 1 << traceShift
	}
	m.put16(offFlags, f)
}

func (m Msg) HeapId() uint16 { return m.u16(offHeapId) }

func (m Msg) SrcProc() uint16 { return m.u16(offSrcProc) }

func (m Msg) SeqNum() uint16 { return m.u16(offSeqNum) }

// DstQueue is the queue the message was last put to.
func (m Msg) DstQueue() QueueId {
	return MakeQueueId(m.u16(offDstProc), m.u16(offDstId))
}

// ReplyQueue is the queue set by SetReplyQueue, InvalidQueueId if none.
func (m Msg) ReplyQueue() QueueId {
	if m.u16(offReplyId) == InvalidId {
		return InvalidQueueId
	}
	return MakeQueueId(m.u16(offReplyProc), m.u16(offReplyId))
}

// SetReplyQueue records q as the queue replies should go to.
func (m Msg) SetReplyQueue(q QueueId) {
	m.put16(offReplyId, q.Index())
	m.put16(offReplyProc, q.ProcId())
}

func (m Msg) setDst(q QueueId) {
	m.put16(offDstId, q.Index())
	m.put16(offDstProc, q.ProcId())
}

func (m Msg) String() string {
	return fmt.Sprintf("msg@%#x(id %d seq %d src %d pri %d)", uint64(m.addr), m.MsgId(), m.SeqNum(), m.SrcProc(), m.Priority())
}

// init writes a fresh header.
func (m Msg) init(size uint32, heapId, procId, seq uint16, trace bool) {
	t, a := m.t, m.addr
	t.PutUint32(a+offReserved0, 0)
	t.PutUint32(a+offReserved1, 0)
	t.PutUint32(a+offMsgSize, size)
	flags := uint16(headerVersion | NormalPri)
	if trace {
		flags |= 1 << traceShift
	}
	m.put16(offFlags, flags)
	m.put16(offMsgId, InvalidId)
	m.put16(offDstId, InvalidId)
	m.put16(offDstProc, InvalidId)
	m.put16(offReplyId, InvalidId)
	m.put16(offReplyProc, InvalidId)
	m.put16(offSrcProc, procId)
	m.put16(offHeapId, heapId)
	m.put16(offSeqNum, seq)
	m.put16(offSeqNum+2, 0)
}
