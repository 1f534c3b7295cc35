// Copyright (C) 2026 The Hearth Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package directory

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricEndpoints = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "hearth",
		Subsystem: "directory",
		Name:      "endpoints",
		Help:      "Number of admitted endpoints per registry.",
	}, []string{"registry"})
	metricChecks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hearth",
		Subsystem: "directory",
		Name:      "reachability_checks_total",
		Help:      "Reachability checks made before admission, by result.",
	}, []string{"result"})
	metricEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "hearth",
		Subsystem: "directory",
		Name:      "peer_evictions_total",
		Help:      "Peer endpoints removed after disconnects or errors.",
	})
)

func init() {
	prometheus.MustRegister(metricEndpoints, metricChecks, metricEvictions)
	for _, name := range registryNames {
		metricEndpoints.WithLabelValues(name).Set(0)
	}
}
