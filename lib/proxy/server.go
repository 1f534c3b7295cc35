// Copyright (C) 2026 The Hearth Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package proxy is the local HTTP proxy the browser talks to. Each request
// is dispatched to a route and forwarded over a pipeline to the origin, a
// proxy or a peer.
package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/hearthproxy/hearth/internal/slogutil"
	"github.com/hearthproxy/hearth/lib/dialer"
	"github.com/hearthproxy/hearth/lib/directory"
	"github.com/hearthproxy/hearth/lib/reassembly"
	"github.com/hearthproxy/hearth/lib/semaphore"
	"github.com/hearthproxy/hearth/lib/svcutil"
)

const dialTimeout = 30 * time.Second

var ErrNotLoopback = errors.New("refusing to listen on a non-loopback address")

// PeerDialer opens tunnels to peers.
type PeerDialer interface {
	Dial(ctx context.Context, ep directory.Endpoint) (net.Conn, error)
}

// PeerFailureReporter is told about peers that could not carry a request.
type PeerFailureReporter interface {
	ReportPeerFailure(uri string)
}

type Options struct {
	ListenAddress string
	// MaxConnections caps concurrently served browser connections; zero
	// is unlimited.
	MaxConnections int
	Dispatcher     *Dispatcher
	Peers          PeerDialer
	PeerFailures   PeerFailureReporter
	Observers      []reassembly.ResponseObserver
	// ChunkSize overrides the reassembly range size.
	ChunkSize int64
	// Dial opens TCP connections. Defaults to dialer.DialContext.
	Dial func(ctx context.Context, network, addr string) (net.Conn, error)
	// CloudTLS is the base TLS configuration for cloud fallback proxies.
	CloudTLS *tls.Config
}

// Server accepts browser connections on a loopback address. It is a
// suture.Service.
type Server struct {
	opts Options
	sem  *semaphore.Semaphore

	mut  sync.Mutex
	addr net.Addr
}

func NewServer(opts Options) *Server {
	if opts.Dial == nil {
		opts.Dial = dialer.DialContext
	}
	observers := append([]reassembly.ResponseObserver{statusObserver{}}, opts.Observers...)
	opts.Observers = observers
	return &Server{
		opts: opts,
		sem:  semaphore.New(opts.MaxConnections),
	}
}

func (s *Server) String() string {
	return fmt.Sprintf("proxy.Server@%p", s)
}

func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.ListenAddress)
	if err != nil {
		return err
	}
	defer ln.Close()
	if !isLoopback(ln.Addr()) {
		return svcutil.NoRestartErr(fmt.Errorf("%w: %v", ErrNotLoopback, ln.Addr()))
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	s.mut.Lock()
	s.addr = ln.Addr()
	s.mut.Unlock()
	slog.Info("Proxy listening", slogutil.Address(ln.Addr()))
	defer slog.Info("Proxy shutting down", slogutil.Address(ln.Addr()))

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if !isLoopback(conn.RemoteAddr()) {
			slog.Warn("Rejecting non-local connection", slogutil.Address(conn.RemoteAddr()))
			conn.Close()
			continue
		}
		if err := s.sem.TakeWithContext(ctx); err != nil {
			conn.Close()
			return nil
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer s.sem.Give()
			s.handleConn(ctx, conn)
		}()
	}
}

// Addr is the listening address, nil until Serve is listening.
func (s *Server) Addr() net.Addr {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.addr
}

// dialRoute opens the upstream connection of route.
func (s *Server) dialRoute(ctx context.Context, route Route) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	switch route.Kind {
	case RoutePeer:
		return s.opts.Peers.Dial(ctx, route.Endpoint)
	case RouteCloudFallback:
		conn, err := s.opts.Dial(ctx, "tcp", route.Address)
		if err != nil {
			return nil, err
		}
		host, _, _ := net.SplitHostPort(route.Address)
		var cfg *tls.Config
		if s.opts.CloudTLS != nil {
			cfg = s.opts.CloudTLS.Clone()
		} else {
			cfg = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		if cfg.ServerName == "" {
			cfg.ServerName = host
		}
		tc := tls.Client(conn, cfg)
		if err := tc.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, err
		}
		return tc, nil
	default:
		conn, err := s.opts.Dial(ctx, "tcp", route.Address)
		if err != nil {
			return nil, err
		}
		if err := dialer.SetTCPOptions(conn); err != nil {
			slog.Debug("Failed to set TCP options", slogutil.Address(route.Address), slogutil.Error(err))
		}
		return conn, nil
	}
}

func (s *Server) reportFailure(route Route) {
	if route.Kind == RoutePeer && s.opts.PeerFailures != nil {
		s.opts.PeerFailures.ReportPeerFailure(route.Endpoint.ID)
	}
}

func isLoopback(addr net.Addr) bool {
	switch addr := addr.(type) {
	case *net.TCPAddr:
		return addr.IP.IsLoopback()
	default:
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			return false
		}
		ip := net.ParseIP(host)
		return ip != nil && ip.IsLoopback()
	}
}
