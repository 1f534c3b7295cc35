// Copyright (C) 2026 The Hearth Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package reassembly

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricRewritten = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "hearth",
		Subsystem: "reassembly",
		Name:      "rewritten_responses_total",
		Help:      "Partial responses rewritten into full responses.",
	})
	metricRangeRequests = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "hearth",
		Subsystem: "reassembly",
		Name:      "range_requests_total",
		Help:      "Follow up range requests issued.",
	})
)

func init() {
	prometheus.MustRegister(metricRewritten, metricRangeRequests)
}
