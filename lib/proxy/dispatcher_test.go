// Copyright (C) 2026 The Hearth Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package proxy

import (
	"context"
	"net/http"
	"net/url"
	"testing"

	"github.com/hearthproxy/hearth/lib/directory"
)

type routeAll bool

func (r routeAll) ShouldRoute(string) bool { return bool(r) }

func newDirectory(t *testing.T) *directory.Directory {
	t.Helper()
	return directory.New(directory.Options{
		LocalID:      "me@example.com/laptop-hearth-1",
		LocalAccount: "me@example.com",
		Checker:      directory.CheckerFunc(func(context.Context, string) error { return nil }),
	})
}

func mustAdmit(t *testing.T, dir *directory.Directory, c directory.Candidate) {
	t.Helper()
	if err := dir.TryAdmit(context.Background(), c); err != nil {
		t.Fatalf("admit %v: %v", c, err)
	}
}

func TestDispatchOrder(t *testing.T) {
	dir := newDirectory(t)
	mustAdmit(t, dir, directory.Candidate{ID: "x.appspot.com"})
	mustAdmit(t, dir, directory.Candidate{ID: "203.0.113.1:8080"})
	mustAdmit(t, dir, directory.Candidate{ID: "stranger@example.com/pc-hearth-2", Address: "tcp://198.51.100.2:8788"})
	mustAdmit(t, dir, directory.Candidate{ID: "friend@example.com/pc-hearth-3", Address: "tcp://198.51.100.3:8788", Trusted: true})

	d := NewDispatcher(dir, routeAll(true))
	req, _ := http.NewRequest(http.MethodGet, "http://blocked.example/", nil)

	steps := []struct {
		kind  RouteKind
		id    string
		evict func()
	}{
		{RoutePeer, "friend@example.com/pc-hearth-3", func() { dir.EvictPeer("friend@example.com/pc-hearth-3") }},
		{RoutePeer, "stranger@example.com/pc-hearth-2", func() { dir.EvictPeer("stranger@example.com/pc-hearth-2") }},
		{RouteCentralized, "203.0.113.1:8080", func() { dir.Reset() }},
		{RouteDirect, "", nil},
	}
	for i, s := range steps {
		route, err := d.HandleRequest(req)
		if err != nil {
			t.Fatal(err)
		}
		if route.Kind != s.kind || route.Endpoint.ID != s.id {
			t.Errorf("step %d: got %v %q, want %v %q", i, route.Kind, route.Endpoint.ID, s.kind, s.id)
		}
		if s.evict != nil {
			s.evict()
		}
	}

	mustAdmit(t, dir, directory.Candidate{ID: "x.appspot.com"})
	route, _ := d.HandleRequest(req)
	if route.Kind != RouteCloudFallback || route.Address != "x.appspot.com:443" {
		t.Errorf("got %v %q", route.Kind, route.Address)
	}
}

func TestDispatchNotWhitelisted(t *testing.T) {
	dir := newDirectory(t)
	mustAdmit(t, dir, directory.Candidate{ID: "203.0.113.1:8080"})
	d := NewDispatcher(dir, routeAll(false))

	req, _ := http.NewRequest(http.MethodGet, "http://example.org/x", nil)
	route, err := d.HandleRequest(req)
	if err != nil {
		t.Fatal(err)
	}
	if route.Kind != RouteDirect || route.Address != "example.org:80" {
		t.Errorf("got %v %q", route.Kind, route.Address)
	}

	if _, err := d.HandleRequest(&http.Request{Method: http.MethodGet, URL: &url.URL{Path: "/"}}); err != ErrNoHost {
		t.Errorf("got %v", err)
	}
}

func TestRequestHost(t *testing.T) {
	cases := []struct {
		method, url, host string
		want              string
	}{
		{http.MethodGet, "http://example.com/", "", "example.com:80"},
		{http.MethodGet, "https://example.com/", "", "example.com:443"},
		{http.MethodGet, "http://example.com:8080/", "", "example.com:8080"},
		{http.MethodGet, "/path", "example.com", "example.com:80"},
		{http.MethodGet, "http://[2001:db8::1]/", "", "[2001:db8::1]:80"},
		{http.MethodConnect, "", "example.com", "example.com:443"},
		{http.MethodGet, "/path", "", ""},
	}
	for _, tc := range cases {
		req, err := http.NewRequest(tc.method, tc.url, nil)
		if err != nil {
			t.Fatal(err)
		}
		req.Host = tc.host
		if tc.host == "" {
			req.Host = req.URL.Host
		}
		if got := RequestHost(req); got != tc.want {
			t.Errorf("RequestHost(%s %s host %q) = %q, want %q", tc.method, tc.url, tc.host, got, tc.want)
		}
	}
}
