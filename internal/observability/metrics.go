// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	registry        *prometheus.Registry
	ActiveSessions  prometheus.Gauge
	SessionsCreated prometheus.Counter
	SessionsCrashed prometheus.Counter
	PortsLeased     prometheus.Gauge
	LogEntriesTotal *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	r := prometheus.NewRegistry()
	m := &Metrics{
		registry: r,
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "browser_broker",
			Name:      "active_sessions",
			Help:      "Number of sessions in the active state",
		}),
		SessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "browser_broker",
			Name:      "sessions_created_total",
			Help:      "Total sessions successfully created",
		}),
		SessionsCrashed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "browser_broker",
			Name:      "sessions_crashed_total",
			Help:      "Total sessions that ended by crash or lost connection",
		}),
		PortsLeased: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "browser_broker",
			Name:      "ports_leased",
			Help:      "Remote-debugging ports currently leased",
		}),
		LogEntriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "browser_broker",
			Name:      "log_entries_total",
			Help:      "Monitoring events ingested, by category",
		}, []string{"category"}),
	}
	r.MustRegister(m.ActiveSessions, m.SessionsCreated, m.SessionsCrashed, m.PortsLeased, m.LogEntriesTotal)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
