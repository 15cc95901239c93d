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

// Package metrics holds the prometheus collectors shared by the IPC modules.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "syslink"

type Metrics struct {
	HeapAllocs        *prometheus.CounterVec
	HeapFrees         *prometheus.CounterVec
	HeapAllocFailures *prometheus.CounterVec
	HeapFreeBytes     *prometheus.GaugeVec

	MessagesPut     *prometheus.CounterVec
	MessagesGot     *prometheus.CounterVec
	MessageTimeouts prometheus.Counter
	QueuesOpen      prometheus.Gauge

	NotifySent     *prometheus.CounterVec
	NotifyReceived *prometheus.CounterVec
}

// New builds the collectors and registers them with reg when it is non-nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HeapAllocs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "heap", Name: "allocs_total",
			Help: "Blocks handed out by shared heaps.",
		}, []string{"heap"}),
		HeapFrees: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "heap", Name: "frees_total",
			Help: "Blocks returned to shared heaps.",
		}, []string{"heap"}),
		HeapAllocFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "heap", Name: "alloc_failures_total",
			Help: "Allocations refused for lack of memory.",
		}, []string{"heap"}),
		HeapFreeBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "heap", Name: "free_bytes",
			Help: "Free bytes last observed in a shared heap.",
		}, []string{"heap"}),
		MessagesPut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "messageq", Name: "put_total",
			Help: "Messages put, by destination (local or remote).",
		}, []string{"dest"}),
		MessagesGot: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "messageq", Name: "get_total",
			Help: "Messages received, by priority class.",
		}, []string{"class"}),
		MessageTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "messageq", Name: "get_timeouts_total",
			Help: "Get calls that returned on timeout.",
		}),
		QueuesOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "messageq", Name: "queues",
			Help: "Local message queues currently created.",
		}),
		NotifySent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "notify", Name: "sent_total",
			Help: "Events raised towards a remote processor.",
		}, []string{"remote"}),
		NotifyReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "notify", Name: "received_total",
			Help: "Events dispatched to local callbacks.",
		}, []string{"remote"}),
	}
	if reg != nil {
		reg.MustRegister(m.collectors()...)
	}
	return m
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.HeapAllocs, m.HeapFrees, m.HeapAllocFailures, m.HeapFreeBytes,
		m.MessagesPut, m.MessagesGot, m.MessageTimeouts, m.QueuesOpen,
		m.NotifySent, m.NotifyReceived,
	}
}

func (m *Metrics) HeapAlloc(heap string) {
	if m != nil {
		m.HeapAllocs.WithLabelValues(heap).Inc()
	}
}

func (m *Metrics) HeapFree(heap string) {
	if m != nil {
		m.HeapFrees.WithLabelValues(heap).Inc()
	}
}

func (m *Metrics) HeapAllocFailure(heap string) {
	if m != nil {
		m.HeapAllocFailures.WithLabelValues(heap).Inc()
	}
}

func (m *Metrics) ObserveHeapFree(heap string, bytes uint32) {
	if m != nil {
		m.HeapFreeBytes.WithLabelValues(heap).Set(float64(bytes))
	}
}

func (m *Metrics) MessagePut(remote bool) {
	if m == nil {
		return
	}
	dest := "local"
	if remote {
		dest = "remote"
	}
	m.MessagesPut.WithLabelValues(dest).Inc()
}

func (m *Metrics) MessageGot(high bool) {
	if m == nil {
		return
	}
	class := "normal"
	if high {
		class = "high"
	}
	m.MessagesGot.WithLabelValues(class).Inc()
}

func (m *Metrics) MessageTimeout() {
	if m != nil {
		m.MessageTimeouts.Inc()
	}
}

func (m *Metrics) QueueCreated() {
	if m != nil {
		m.QueuesOpen.Inc()
	}
}

func (m *Metrics) QueueDeleted() {
	if m != nil {
		m.QueuesOpen.Dec()
	}
}

func (m *Metrics) EventSent(remote string) {
	if m != nil {
		m.NotifySent.WithLabelValues(remote).Inc()
	}
}

func (m *Metrics) EventReceived(remote string) {
	if m != nil {
		m.NotifyReceived.WithLabelValues(remote).Inc()
	}
}
