// Copyright (C) 2026 The Hearth Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package hub

import (
	"encoding/json"
	"net/http"
	"runtime"
	"sort"
	"time"

	"github.com/calmh/incontainer"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type sessionStatus struct {
	JID     string          `json:"jid"`
	Country string          `json:"country,omitempty"`
	Since   time.Time       `json:"since"`
	Status  json.RawMessage `json:"status,omitempty"`
}

// Handler serves GET /status and GET /metrics.
func (h *Hub) Handler() http.Handler {
	r := httprouter.New()
	r.GET("/status", h.getStatus)
	r.Handler(http.MethodGet, "/metrics", promhttp.Handler())
	return r
}

func (h *Hub) getStatus(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	var sessions []sessionStatus
	h.sessions.Range(func(jid string, s *session) bool {
		st := sessionStatus{JID: jid, Country: s.country, Since: s.since}
		if raw := s.currentStatus(); json.Valid([]byte(raw)) {
			st.Status = json.RawMessage(raw)
		}
		sessions = append(sessions, st)
		return true
	})
	sort.Slice(sessions, func(a, b int) bool { return sessions[a].JID < sessions[b].JID })

	status := map[string]any{
		"numSessions":   len(sessions),
		"sessions":      sessions,
		"servers":       h.opts.Servers,
		"authenticated": h.Authenticated(),
		"uptime":        int(time.Since(h.started).Seconds()),
		"goVersion":     runtime.Version(),
		"goOS":          runtime.GOOS,
		"goArch":        runtime.GOARCH,
		"goMaxProcs":    runtime.GOMAXPROCS(-1),
		"container":     incontainer.Detect(),
	}

	bs, err := json.MarshalIndent(status, "", "    ")
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(bs)
}
