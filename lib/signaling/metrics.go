// Copyright (C) 2026 The Hearth Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package signaling

import (
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hearth",
		Subsystem: "signaling",
		Name:      "messages_total",
		Help:      "Signaling messages by direction and type.",
	}, []string{"direction", "type"})
	metricPeerRecords = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "hearth",
		Subsystem: "signaling",
		Name:      "peer_records",
		Help:      "Peers with handshake state.",
	})
)

func init() {
	prometheus.MustRegister(metricMessages, metricPeerRecords)
}

// messageName is the metric label for a protocol message: its type name
// without the package.
func messageName(msg any) string {
	s := fmt.Sprintf("%T", msg)
	if i := strings.LastIndex(s, "."); i >= 0 {
		s = s[i+1:]
	}
	return strings.ToLower(s)
}
