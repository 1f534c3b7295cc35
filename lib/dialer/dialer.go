// Copyright (C) 2026 The Hearth Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package dialer makes outgoing TCP connections, optionally through a
// SOCKS or HTTP proxy given in the environment (ALL_PROXY and friends).
package dialer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"syscall"
	"time"

	"golang.org/x/net/proxy"
)

var errUnexpectedInterfaceType = errors.New("unexpected interface type")

var noFallback = os.Getenv("ALL_PROXY_NO_FALLBACK") != ""

// SetTCPOptions sets our default TCP options on a TCP connection, possibly
// digging through dialerConn to extract the *net.TCPConn.
func SetTCPOptions(conn net.Conn) error {
	switch conn := conn.(type) {
	case dialerConn:
		return SetTCPOptions(conn.Conn)
	case *net.TCPConn:
		if err := conn.SetNoDelay(true); err != nil {
			return err
		}
		if err := conn.SetKeepAlivePeriod(60 * time.Second); err != nil {
			return err
		}
		return conn.SetKeepAlive(true)
	default:
		return fmt.Errorf("unknown connection type %T", conn)
	}
}

// DialContext dials addr, through the environment proxy if one is
// configured. When a proxy is configured and fallback is allowed both
// paths are tried at once and the proxy connection wins if it succeeds.
func DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	return dialContextWithFallback(ctx, &net.Dialer{}, network, addr)
}

// DialContextControl returns a DialContext whose direct connections run
// control before connecting, with the resolved address.
func DialContextControl(control func(network, address string, c syscall.RawConn) error) func(ctx context.Context, network, addr string) (net.Conn, error) {
	d := &net.Dialer{Control: control}
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		return dialContextWithFallback(ctx, d, network, addr)
	}
}

func dialContextWithFallback(ctx context.Context, fallback proxy.ContextDialer, network, addr string) (net.Conn, error) {
	dialer, ok := proxy.FromEnvironment().(proxy.ContextDialer)
	if !ok {
		return nil, errUnexpectedInterfaceType
	}
	if dialer == proxy.Direct {
		conn, err := fallback.DialContext(ctx, network, addr)
		slog.Debug("Dialed direct", "network", network, "addr", addr, "error", err)
		return conn, err
	}
	if noFallback {
		conn, err := dialer.DialContext(ctx, network, addr)
		slog.Debug("Dialed via proxy", "network", network, "addr", addr, "error", err)
		if err != nil {
			return nil, err
		}
		return dialerConn{conn, newDialerAddr(network, addr)}, nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		conn net.Conn
		err  error
	}
	proxyRes := make(chan result, 1)
	fallbackRes := make(chan result, 1)
	go func() {
		conn, err := dialer.DialContext(ctx, network, addr)
		if err == nil {
			conn = dialerConn{conn, newDialerAddr(network, addr)}
		}
		proxyRes <- result{conn, err}
	}()
	go func() {
		conn, err := fallback.DialContext(ctx, network, addr)
		fallbackRes <- result{conn, err}
	}()

	pr := <-proxyRes
	if pr.err == nil {
		go func() {
			if fr := <-fallbackRes; fr.err == nil {
				_ = fr.conn.Close()
			}
		}()
		return pr.conn, nil
	}
	slog.Debug("Proxy dial failed, using fallback", "addr", addr, "error", pr.err)
	fr := <-fallbackRes
	return fr.conn, fr.err
}

// Transport returns an http.Transport dialing through DialContext, for
// fetching origin content on behalf of peers.
func Transport() *http.Transport {
	return &http.Transport{
		DialContext:           DialContext,
		Proxy:                 http.ProxyFromEnvironment,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 60 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConnsPerHost:   4,
		DisableCompression:    true,
	}
}
