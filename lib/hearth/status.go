// Copyright (C) 2026 The Hearth Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package hearth

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/calmh/incontainer"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hearthproxy/hearth/internal/slogutil"
	"github.com/hearthproxy/hearth/lib/build"
)

func (a *App) statusHandler() http.Handler {
	r := httprouter.New()
	r.GET("/status", a.getStatus)
	r.GET("/directory", a.getDirectory)
	r.GET("/log", a.getLog)                    // [since]
	r.GET("/errors", a.getErrors)              // -
	r.POST("/errors/clear", a.postErrorsClear) // -
	r.GET("/debug", a.getDebug)                // -
	r.POST("/debug", a.postDebug)              // [enable] [disable]
	r.Handler(http.MethodGet, "/metrics", promhttp.Handler())
	return r
}

func (a *App) getStatus(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	status := map[string]any{
		"version":         build.Version,
		"deviceID":        a.deviceID,
		"tunnelAddresses": a.tunnel.Addresses(),
		"goVersion":       runtime.Version(),
		"goOS":            runtime.GOOS,
		"goArch":          runtime.GOARCH,
		"container":       incontainer.Detect(),
	}
	if addr := a.ProxyAddr(); addr != nil {
		status["proxyAddress"] = addr.String()
	}
	for k, v := range a.status() {
		status[k] = v
	}
	sendJSON(w, status)
}

func (a *App) getDirectory(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	sendJSON(w, a.dir.Snapshot())
}

func (*App) getLog(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	since, err := time.Parse(time.RFC3339, r.URL.Query().Get("since"))
	if err != nil {
		slog.Debug("Listing log without since", slogutil.Error(err))
	}
	sendJSON(w, map[string][]slogutil.Line{
		"messages": slogutil.GlobalRecorder.Since(since),
	})
}

func (*App) getErrors(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	sendJSON(w, map[string][]slogutil.Line{
		"errors": slogutil.ErrorRecorder.Since(time.Time{}),
	})
}

func (*App) postErrorsClear(_ http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	slogutil.ErrorRecorder.Clear()
}

func (*App) getDebug(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	levels := make(map[string]string)
	for pkg, level := range slogutil.PackageLevels() {
		levels[pkg] = level.String()
	}
	sendJSON(w, map[string]any{
		"packages": slogutil.PackageDescrs(),
		"levels":   levels,
	})
}

func (*App) postDebug(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	q := r.URL.Query()
	for _, pkg := range strings.Split(q.Get("enable"), ",") {
		if pkg != "" {
			slogutil.SetPackageLevel(pkg, slog.LevelDebug)
		}
	}
	for _, pkg := range strings.Split(q.Get("disable"), ",") {
		if pkg != "" {
			slogutil.SetPackageLevel(pkg, slog.LevelInfo)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func sendJSON(w http.ResponseWriter, v any) {
	bs, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Write(bs)
}
