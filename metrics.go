// Copyright 2021-2022 Peter Bigot Consulting, LLC
// SPDX-License-Identifier: Apache-2.0

package influxpool

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "influxpool"

// metrics holds the collectors for one client.  All collectors carry a
// constant client label so several clients may share a registry.
type metrics struct {
	requests   *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	probes     *prometheus.CounterVec
	available  prometheus.Gauge
	writeQueue prometheus.Gauge
	queryQueue prometheus.Gauge
	failures   *prometheus.CounterVec
}

// register adds c to reg, returning the collector that is already registered
// if an equivalent one exists.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if ec, ok := are.ExistingCollector.(C); ok {
				return ec
			}
		}
		panic(err)
	}
	return c
}

func newMetrics(reg prometheus.Registerer, id string) *metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	cl := prometheus.Labels{"client": id}
	return &metrics{
		requests: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "requests_total",
			Help:        "Requests dispatched, by server, path, and outcome.",
			ConstLabels: cl,
		}, []string{"server", "path", "outcome"})),
		duration: register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   metricsNamespace,
			Name:        "request_duration_seconds",
			Help:        "Time from dispatch to response, by path.",
			ConstLabels: cl,
			Buckets:     prometheus.DefBuckets,
		}, []string{"path"})),
		probes: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "health_probes_total",
			Help:        "Health probes, by server and result.",
			ConstLabels: cl,
		}, []string{"server", "result"})),
		available: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Name:        "available_servers",
			Help:        "Servers that passed their most recent probe.",
			ConstLabels: cl,
		})),
		writeQueue: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Name:        "write_queue_length",
			Help:        "Points waiting for SyncWrite.",
			ConstLabels: cl,
		})),
		queryQueue: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Name:        "query_queue_length",
			Help:        "Statements waiting for SyncQuery.",
			ConstLabels: cl,
		})),
		failures: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "validation_failures_total",
			Help:        "Schema validation failures, by measurement, kind, and category.",
			ConstLabels: cl,
		}, []string{"measurement", "kind", "category"})),
	}
}

func (m *metrics) observeRequest(server *Server, path string, outcome string, elapsed time.Duration) {
	sl := ""
	if server != nil {
		sl = server.url
	}
	m.requests.WithLabelValues(sl, path, outcome).Inc()
	if server != nil {
		m.duration.WithLabelValues(path).Observe(elapsed.Seconds())
	}
}

func (m *metrics) observeProbe(s *Server, ok bool) {
	res := "ok"
	if !ok {
		res = "fail"
	}
	m.probes.WithLabelValues(s.url, res).Inc()
}

func (m *metrics) setAvailable(n int) {
	m.available.Set(float64(n))
}

func (m *metrics) observeFailures(measurement string, kind EventKind, fails []ValidationFailure) {
	for _, f := range fails {
		m.failures.WithLabelValues(measurement, string(kind), string(f.Category)).Inc()
	}
}
