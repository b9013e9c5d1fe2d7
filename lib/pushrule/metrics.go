// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package pushrule

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/bureau-foundation/syncengine/lib/metrics"
)

type engineMetrics struct {
	evaluations *prometheus.CounterVec
	mutations   *prometheus.CounterVec
}

func newEngineMetrics(reg prometheus.Registerer) *engineMetrics {
	return &engineMetrics{
		evaluations: metrics.Register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "syncengine_pushrule_evaluations_total",
			Help: "Events evaluated against the push rule set, by result.",
		}, []string{"result"})),
		mutations: metrics.Register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "syncengine_pushrule_mutations_total",
			Help: "Write-through push rule mutations, by operation and outcome.",
		}, []string{"op", "outcome"})),
	}
}

func (m *engineMetrics) evaluated(result string) {
	if m == nil {
		return
	}
	m.evaluations.WithLabelValues(result).Inc()
}

func (m *engineMetrics) mutated(op, outcome string) {
	if m == nil {
		return
	}
	m.mutations.WithLabelValues(op, outcome).Inc()
}
