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

package messageq

import (
	"container/list"
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/srediag/syslink-ipc/pkg/nameserver"
	"github.com/srediag/syslink-ipc/pkg/status"
)

const (
	// WaitForever makes Get block until a message arrives.
	WaitForever time.Duration = -1
	// NoWait makes Get return at once when the queue is empty.
	NoWait time.Duration = 0
)

// Queue is a local message queue. Readers block on a binary kick channel
// that Put and Unblock signal.
type Queue struct {
	mod       *Module
	name      string
	id        QueueId
	high      *list.List
	normal    *list.List
	kick      chan struct{}
	unblocked bool
	nsEntry   *nameserver.Entry
}

func (q *Queue) String() string {
	if q.name != "" {
		return fmt.Sprintf("%q(%s)", q.name, q.id)
	}
	return q.id.String()
}

// Id is the system-wide id other processors put to.
func (q *Queue) Id() QueueId { return q.id }

func (q *Queue) Name() string { return q.name }

func (q *Queue) signal() {
	select {
	case q.kick <- struct{}{}:
	default:
	}
}

// Count returns the number of queued messages.
func (q *Queue) Count() int {
	q.mod.mu.Lock()
	defer q.mod.mu.Unlock()
	return q.high.Len() + q.normal.Len()
}

// Unblock wakes readers; every later Get returns ErrUnblocked.
func (q *Queue) Unblock() {
	q.mod.mu.Lock()
	q.unblocked = true
	q.mod.mu.Unlock()
	q.signal()
}

// take removes the next message, high priority first.
func (q *Queue) take() (Msg, bool, bool, error) {
	q.mod.mu.Lock()
	defer q.mod.mu.Unlock()
	if q.unblocked {
		q.signal()
		return Msg{}, false, false, fmt.Errorf("messageq get %s: %w", q, status.ErrUnblocked)
	}
	l, high := q.high, true
	if l.Len() == 0 {
		l, high = q.normal, false
	}
	e := l.Front()
	if e == nil {
		return Msg{}, false, false, nil
	}
	l.Remove(e)
	if q.high.Len()+q.normal.Len() > 0 {
		q.signal()
	}
	return e.Value.(Msg), high, true, nil
}

// Get returns the next message, waiting up to timeout. A timeout of
// WaitForever waits until a message arrives, the queue is unblocked or ctx
// is done.
func (q *Queue) Get(ctx context.Context, timeout time.Duration) (Msg, error) {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	m := q.mod
	expired := false
	for {
		msg, high, ok, err := q.take()
		if err != nil {
			return Msg{}, err
		}
		if ok {
			m.deps.Metrics.MessageGot(high)
			if msg.Trace() {
				_, span := m.tracer.Start(ctx, "messageq.get", trace.WithAttributes(
					attribute.String("messageq.queue", q.id.String()),
					attribute.Int("messageq.seq", int(msg.SeqNum())),
					attribute.Int("messageq.src", int(msg.SrcProc())),
				))
				span.End()
				logger.Infof("get %s from %s", msg, q)
			}
			return msg, nil
		}
		if timeout == NoWait || expired {
			m.deps.Metrics.MessageTimeout()
			return Msg{}, fmt.Errorf("messageq get %s: %w", q, status.ErrTimeout)
		}
		select {
		case <-q.kick:
		case <-deadline:
			expired = true
		case <-ctx.Done():
			return Msg{}, fmt.Errorf("messageq get %s: %v: %w", q, ctx.Err(), status.ErrInterrupted)
		}
	}
}
