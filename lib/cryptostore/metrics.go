// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cryptostore

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/bureau-foundation/syncengine/lib/metrics"
)

type storeMetrics struct {
	corruptions prometheus.Counter
	writes      *prometheus.CounterVec
}

func newStoreMetrics(reg prometheus.Registerer) *storeMetrics {
	return &storeMetrics{
		corruptions: metrics.Register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "syncengine_cryptostore_corruptions_total",
			Help: "Crypto store records that failed to decode and were deleted.",
		})),
		writes: metrics.Register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "syncengine_cryptostore_writes_total",
			Help: "Crypto store records written, by namespace.",
		}, []string{"namespace"})),
	}
}

func (m *storeMetrics) corruption() {
	if m == nil {
		return
	}
	m.corruptions.Inc()
}

func (m *storeMetrics) written(namespace string) {
	if m == nil {
		return
	}
	m.writes.WithLabelValues(namespace).Inc()
}
