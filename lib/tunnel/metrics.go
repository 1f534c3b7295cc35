// Copyright (C) 2026 The Hearth Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package tunnel

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricDials = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hearth",
		Subsystem: "tunnel",
		Name:      "dials_total",
		Help:      "Peer tunnel dials by scheme and result.",
	}, []string{"scheme", "result"})
	metricRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hearth",
		Subsystem: "tunnel",
		Name:      "pipeline_requests_total",
		Help:      "Requests written to upstream pipelines.",
	}, []string{"pipeline"})
	metricFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hearth",
		Subsystem: "tunnel",
		Name:      "pipeline_failures_total",
		Help:      "Upstream pipelines that failed with requests outstanding or with an error.",
	}, []string{"pipeline"})
	metricAborts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hearth",
		Subsystem: "tunnel",
		Name:      "pipeline_aborts_total",
		Help:      "Upstream pipelines closed over a response that could not be relayed.",
	}, []string{"pipeline"})
	metricServerConns = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "hearth",
		Subsystem: "tunnel",
		Name:      "server_connections",
		Help:      "Tunnel connections currently served.",
	})
	metricServerRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hearth",
		Subsystem: "tunnel",
		Name:      "server_requests_total",
		Help:      "Requests served for peers, by result.",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(metricDials, metricRequests, metricFailures, metricAborts, metricServerConns, metricServerRequests)
}
