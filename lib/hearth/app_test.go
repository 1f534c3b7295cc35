// Copyright (C) 2026 The Hearth Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package hearth

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hearthproxy/hearth/internal/slogutil"
	"github.com/hearthproxy/hearth/lib/certstore"
	"github.com/hearthproxy/hearth/lib/config"
	"github.com/hearthproxy/hearth/lib/directory"
	"github.com/hearthproxy/hearth/lib/events"
	"github.com/hearthproxy/hearth/lib/svcutil"
	"github.com/hearthproxy/hearth/lib/tlsutil"
)

func testConfig(t *testing.T, modify func(*config.Configuration)) *config.Wrapper {
	t.Helper()
	cfg := config.New()
	cfg.Proxy.ListenAddress = "127.0.0.1:0"
	cfg.Tunnel.TCPAddress = "127.0.0.1:0"
	cfg.Tunnel.QUICAddress = "127.0.0.1:0"
	if modify != nil {
		modify(&cfg)
	}
	w := config.Wrap(filepath.Join(t.TempDir(), "config.yaml"), cfg)
	if err := w.Save(); err != nil {
		t.Fatal(err)
	}
	return w
}

func startApp(t *testing.T, cfg *config.Wrapper) *App {
	t.Helper()
	cert, err := tlsutil.GenerateCertificate(TLSCommonName)
	if err != nil {
		t.Fatal(err)
	}
	store := certstore.OpenMemory()
	t.Cleanup(func() { store.Close() })

	app := New(cfg, store, events.NewLogger(), cert, Options{})
	if err := app.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if status := app.Stop(svcutil.ExitSuccess); status != svcutil.ExitSuccess {
			t.Errorf("exit status %d: %v", status, app.Error())
		}
	})

	waitFor(t, "proxy to listen", func() bool { return app.ProxyAddr() != nil })
	return app
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestAppServesBrowser(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "hello")
	}))
	defer origin.Close()

	app := startApp(t, testConfig(t, nil))

	client := &http.Client{
		Timeout:   10 * time.Second,
		Transport: &http.Transport{Proxy: http.ProxyURL(&url.URL{Scheme: "http", Host: app.ProxyAddr().String()})},
	}
	resp, err := client.Get(origin.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "hello" {
		t.Errorf("body %q", body)
	}
}

func TestAppReadmitsKnownProxies(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	defer upstream.Close()
	known := strings.TrimPrefix(upstream.URL, "http://")

	app := startApp(t, testConfig(t, func(cfg *config.Configuration) {
		cfg.KnownProxies = []string{known, "not a descriptor"}
	}))
	waitFor(t, "known proxy admission", func() bool {
		return app.Directory().Len(directory.Centralized) == 1
	})
}

func TestAppRemembersAdmittedProxies(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	defer upstream.Close()
	addr := strings.TrimPrefix(upstream.URL, "http://")

	cfg := testConfig(t, nil)
	app := startApp(t, cfg)
	if !app.Directory().Admit(context.Background(), directory.Candidate{ID: addr}) {
		t.Fatal("not admitted")
	}

	reloaded, err := config.Load(cfg.ConfigPath())
	if err != nil {
		t.Fatal(err)
	}
	if got := reloaded.KnownProxies(); len(got) != 1 || got[0] != addr {
		t.Errorf("known proxies %v", got)
	}
}

func TestStatusHandler(t *testing.T) {
	app := startApp(t, testConfig(t, nil))
	srv := httptest.NewServer(app.statusHandler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var status map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatal(err)
	}
	if status["deviceID"] != app.deviceID {
		t.Errorf("status %v", status)
	}
	if status["proxyAddress"] != app.ProxyAddr().String() {
		t.Errorf("proxy address %v", status["proxyAddress"])
	}

	resp, err = http.Get(srv.URL + "/directory")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("directory status %d", resp.StatusCode)
	}
}

func TestStatusLogRoutes(t *testing.T) {
	srv := httptest.NewServer((&App{}).statusHandler())
	defer srv.Close()

	slog.Error("Something broke in the status test")

	var log struct{ Messages []slogutil.Line }
	getJSON(t, srv.URL+"/log", &log)
	if !containsLine(log.Messages, "Something broke in the status test") {
		t.Errorf("log lacks the error line: %v", log.Messages)
	}
	var errs struct{ Errors []slogutil.Line }
	getJSON(t, srv.URL+"/errors", &errs)
	if !containsLine(errs.Errors, "Something broke in the status test") {
		t.Errorf("errors lack the error line: %v", errs.Errors)
	}

	postOK(t, srv.URL+"/errors/clear")
	errs.Errors = nil
	getJSON(t, srv.URL+"/errors", &errs)
	if len(errs.Errors) != 0 {
		t.Errorf("errors not cleared: %v", errs.Errors)
	}

	var future struct{ Messages []slogutil.Line }
	getJSON(t, srv.URL+"/log?since="+url.QueryEscape(time.Now().Add(time.Hour).Format(time.RFC3339)), &future)
	if len(future.Messages) != 0 {
		t.Errorf("lines from the future: %v", future.Messages)
	}
}

func TestStatusDebugLevels(t *testing.T) {
	srv := httptest.NewServer((&App{}).statusHandler())
	defer srv.Close()
	defer postOK(t, srv.URL+"/debug?disable=tunnel")

	postOK(t, srv.URL+"/debug?enable=tunnel")
	var debug struct {
		Packages map[string]string
		Levels   map[string]string
	}
	getJSON(t, srv.URL+"/debug", &debug)
	if debug.Packages["tunnel"] == "" {
		t.Errorf("tunnel not registered: %v", debug.Packages)
	}
	if debug.Levels["tunnel"] != "DEBUG" {
		t.Errorf("tunnel level %q, want DEBUG", debug.Levels["tunnel"])
	}

	postOK(t, srv.URL+"/debug?disable=tunnel")
	getJSON(t, srv.URL+"/debug", &debug)
	if debug.Levels["tunnel"] != "INFO" {
		t.Errorf("tunnel level %q, want INFO", debug.Levels["tunnel"])
	}
}

func getJSON(t *testing.T, u string, v any) {
	t.Helper()
	resp, err := http.Get(u)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatal(err)
	}
}

func postOK(t *testing.T, u string) {
	t.Helper()
	resp, err := http.Post(u, "text/plain", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		t.Fatalf("POST %s: status %d", u, resp.StatusCode)
	}
}

func containsLine(lines []slogutil.Line, msg string) bool {
	for _, l := range lines {
		if strings.HasPrefix(l.Message, msg) {
			return true
		}
	}
	return false
}

func TestHubTLSConfig(t *testing.T) {
	cfg, err := hubTLSConfig(config.SignalingConfiguration{HubAddress: "hub.example.com:5222"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ServerName != "hub.example.com" || cfg.RootCAs != nil {
		t.Errorf("unexpected config %+v", cfg)
	}

	if _, err := hubTLSConfig(config.SignalingConfiguration{HubAddress: "no-port"}); err == nil {
		t.Error("expected error for address without port")
	}
	if _, err := hubTLSConfig(config.SignalingConfiguration{HubAddress: "hub:1", HubCAFile: filepath.Join(t.TempDir(), "missing.pem")}); err == nil {
		t.Error("expected error for missing CA file")
	}
}

func TestVerboseFormat(t *testing.T) {
	s := newVerboseService(events.NoopLogger)
	cases := []struct {
		ev   events.Event
		want string
	}{
		{events.Event{Type: events.ResyncScheduled, Data: time.Minute}, ""},
		{events.Event{Type: events.ConnectivityStatusChanged, Data: events.StatusLoggedIn}, "Signaling is logged-in"},
		{events.Event{Type: events.PeerAdmitted, Data: directory.Endpoint{ID: "a@b/c-hearth-1", Address: "tcp://192.0.2.1:8788", Trusted: true}}, "Peer a@b/c-hearth-1 is available (trusted) at tcp://192.0.2.1:8788"},
		{events.Event{Type: events.ProxyAdmitted, Data: directory.Endpoint{Class: directory.Centralized, Address: "203.0.113.1:80"}}, "Using centralized proxy 203.0.113.1:80"},
		{events.Event{Type: events.UpdateAvailable, Data: map[string]any{"version": "v2.0.0"}}, "Version v2.0.0 is available"},
	}
	for _, c := range cases {
		if got := s.formatEvent(c.ev); got != c.want {
			t.Errorf("%v: got %q, want %q", c.ev.Type, got, c.want)
		}
	}
}
