// Copyright 2025 The MCPGrid Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type serverMetrics struct {
	sessionsCreated    prometheus.Counter
	sessionsTerminated prometheus.Counter
	requestsTotal      *prometheus.CounterVec
	streamOverflows    prometheus.Counter
	streamsAttached    prometheus.Gauge
}

// newServerMetrics builds the server's collectors. A nil registerer leaves
// them unregistered, which keeps repeated construction in tests safe.
func newServerMetrics(reg prometheus.Registerer) *serverMetrics {
	factory := promauto.With(reg)
	return &serverMetrics{
		sessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "mcpgrid",
			Name:      "sessions_created_total",
			Help:      "Sessions created by initialize.",
		}),
		sessionsTerminated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "mcpgrid",
			Name:      "sessions_terminated_total",
			Help:      "Sessions terminated by shutdown, eviction, or overflow.",
		}),
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mcpgrid",
			Name:      "requests_total",
			Help:      "Dispatched requests by method and JSON-RPC error code.",
		}, []string{"method", "code"}),
		streamOverflows: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "mcpgrid",
			Name:      "stream_overflows_total",
			Help:      "Outbound stream buffers that exceeded their high-water mark.",
		}),
		streamsAttached: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "mcpgrid",
			Name:      "streams_attached",
			Help:      "Currently attached outbound event streams.",
		}),
	}
}

func (m *serverMetrics) observeRequest(method string, code int64) {
	m.requestsTotal.WithLabelValues(method, strconv.FormatInt(code, 10)).Inc()
}
