// Copyright (C) 2026 The Hearth Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package hub

import (
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "hearth",
		Subsystem: "hub",
		Name:      "sessions",
		Help:      "Logged in sessions.",
	})
	metricLogins = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hearth",
		Subsystem: "hub",
		Name:      "logins_total",
		Help:      "Login attempts by result.",
	}, []string{"result"})
	metricMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hearth",
		Subsystem: "hub",
		Name:      "messages_total",
		Help:      "Client messages by type and outcome.",
	}, []string{"type", "result"})
	metricProxyErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "hearth",
		Subsystem: "hub",
		Name:      "proxy_errors_total",
		Help:      "Proxy connection failures reported by clients.",
	})
)

func init() {
	prometheus.MustRegister(metricSessions, metricLogins, metricMessages, metricProxyErrors)
}

func messageName(msg any) string {
	s := fmt.Sprintf("%T", msg)
	if i := strings.LastIndex(s, "."); i >= 0 {
		s = s[i+1:]
	}
	return strings.ToLower(s)
}
