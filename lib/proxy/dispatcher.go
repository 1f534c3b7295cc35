// Copyright (C) 2026 The Hearth Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package proxy

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/hearthproxy/hearth/lib/directory"
)

var ErrNoHost = errors.New("request has no destination host")

// A Classifier decides which destinations are relayed.
type Classifier interface {
	ShouldRoute(host string) bool
}

type RouteKind int

const (
	RouteDirect RouteKind = iota
	RouteCentralized
	RouteCloudFallback
	RoutePeer
)

func (k RouteKind) String() string {
	switch k {
	case RouteDirect:
		return "direct"
	case RouteCentralized:
		return "centralized"
	case RouteCloudFallback:
		return "cloud-fallback"
	case RoutePeer:
		return "peer"
	default:
		return "unknown"
	}
}

// A Route is where one request is sent.
type Route struct {
	Kind RouteKind
	// Endpoint is the proxy used, unset for direct routes.
	Endpoint directory.Endpoint
	// Address is the host:port dialed.
	Address string
}

func (r Route) key() string {
	return r.Kind.String() + "|" + r.Endpoint.ID + "|" + r.Address
}

// Dispatcher picks the route of each browser request.
type Dispatcher struct {
	dir        *directory.Directory
	classifier Classifier
}

func NewDispatcher(dir *directory.Directory, classifier Classifier) *Dispatcher {
	return &Dispatcher{dir: dir, classifier: classifier}
}

// HandleRequest returns the route for req. Whitelisted destinations go
// through a trusted peer, an anonymous peer, a centralized proxy or a
// cloud fallback proxy, the first kind that has one available.
// Everything else, and whitelisted destinations while no proxy is known,
// goes direct.
func (d *Dispatcher) HandleRequest(req *http.Request) (Route, error) {
	host := RequestHost(req)
	if host == "" {
		return Route{}, ErrNoHost
	}
	if !d.classifier.ShouldRoute(host) {
		return Route{Kind: RouteDirect, Address: host}, nil
	}

	if ep, ok := d.dir.RetrievePeer(true); ok {
		return Route{Kind: RoutePeer, Endpoint: ep, Address: ep.Address}, nil
	}
	if ep, ok := d.dir.RetrievePeer(false); ok {
		return Route{Kind: RoutePeer, Endpoint: ep, Address: ep.Address}, nil
	}
	if ep, ok := d.dir.Retrieve(directory.Centralized); ok {
		return Route{Kind: RouteCentralized, Endpoint: ep, Address: ep.Address}, nil
	}
	if ep, ok := d.dir.Retrieve(directory.CloudFallback); ok {
		return Route{Kind: RouteCloudFallback, Endpoint: ep, Address: ep.Address}, nil
	}
	slog.Debug("No proxy available for whitelisted host, going direct", "host", host)
	return Route{Kind: RouteDirect, Address: host}, nil
}

// RequestHost returns the host:port a proxy request is for.
func RequestHost(req *http.Request) string {
	host := req.URL.Host
	if host == "" {
		host = req.Host
	}
	if host == "" {
		return ""
	}
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	port := "80"
	if req.Method == http.MethodConnect || strings.EqualFold(req.URL.Scheme, "https") {
		port = "443"
	}
	return net.JoinHostPort(strings.Trim(host, "[]"), port)
}
