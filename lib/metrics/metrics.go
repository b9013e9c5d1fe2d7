// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package metrics holds the Prometheus registration helper shared by
// the processor, the rule engine and the crypto store.
//
// Each component builds its collectors in a newXMetrics constructor
// and registers them through [Register]. A nil Registerer means
// prometheus.DefaultRegisterer. Registering a collector that is
// already present returns the existing one, so several engines or
// stores in one process (and in one test binary) share a family
// instead of panicking.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Registerer returns reg, or prometheus.DefaultRegisterer when reg is
// nil.
func Registerer(reg prometheus.Registerer) prometheus.Registerer {
	if reg == nil {
		return prometheus.DefaultRegisterer
	}
	return reg
}

// Register registers collector with reg and returns it. When an
// identical collector is already registered, the existing instance is
// returned instead. Any other registration error panics, as
// MustRegister does.
func Register[C prometheus.Collector](reg prometheus.Registerer, collector C) C {
	err := Registerer(reg).Register(collector)
	if err == nil {
		return collector
	}
	var already prometheus.AlreadyRegisteredError
	if errors.As(err, &already) {
		if existing, ok := already.ExistingCollector.(C); ok {
			return existing
		}
	}
	panic(err)
}
