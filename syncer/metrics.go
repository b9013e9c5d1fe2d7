// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package syncer

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/bureau-foundation/syncengine/lib/metrics"
)

type processorMetrics struct {
	deltasApplied  *prometheus.CounterVec
	applySeconds   prometheus.Histogram
	observerErrors *prometheus.CounterVec
	undecryptable  prometheus.Counter
}

func newProcessorMetrics(reg prometheus.Registerer) *processorMetrics {
	return &processorMetrics{
		deltasApplied: metrics.Register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "syncengine_deltas_applied_total",
			Help: "Sync deltas applied, by kind (initial, catchup, live, nil).",
		}, []string{"kind"})),
		applySeconds: metrics.Register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "syncengine_delta_apply_seconds",
			Help:    "Time spent applying one sync delta.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
		})),
		observerErrors: metrics.Register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "syncengine_observer_failures_total",
			Help: "Observer callbacks that returned an error or panicked, by callback.",
		}, []string{"callback"})),
		undecryptable: metrics.Register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "syncengine_todevice_undecryptable_total",
			Help: "To-device events delivered with a decryption error.",
		})),
	}
}

func (m *processorMetrics) applied(kind string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.deltasApplied.WithLabelValues(kind).Inc()
	m.applySeconds.Observe(elapsed.Seconds())
}

func (m *processorMetrics) observerFailed(callback string) {
	if m == nil {
		return
	}
	m.observerErrors.WithLabelValues(callback).Inc()
}

func (m *processorMetrics) undecryptableToDevice() {
	if m == nil {
		return
	}
	m.undecryptable.Inc()
}
