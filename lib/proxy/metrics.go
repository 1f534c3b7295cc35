// Copyright (C) 2026 The Hearth Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package proxy

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hearth",
		Subsystem: "proxy",
		Name:      "requests_total",
		Help:      "Browser requests by route.",
	}, []string{"route"})
	metricResponses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hearth",
		Subsystem: "proxy",
		Name:      "responses_total",
		Help:      "Upstream responses by status class.",
	}, []string{"class"})
	metricConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "hearth",
		Subsystem: "proxy",
		Name:      "browser_connections",
		Help:      "Browser connections currently served.",
	})
	metricPanics = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "hearth",
		Subsystem: "proxy",
		Name:      "panics_total",
		Help:      "Browser connections closed after a panic.",
	})
)

func init() {
	prometheus.MustRegister(metricRequests, metricResponses, metricConnections, metricPanics)
}
