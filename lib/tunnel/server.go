// Copyright (C) 2026 The Hearth Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package tunnel

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/hearthproxy/hearth/internal/slogutil"
	"github.com/hearthproxy/hearth/lib/dialer"
	"github.com/hearthproxy/hearth/lib/semaphore"
	"github.com/hearthproxy/hearth/lib/tlsutil"
)

type ServerOptions struct {
	// TCPAddress and QUICAddress are the listen addresses; an empty
	// address disables that listener.
	TCPAddress  string
	QUICAddress string
	// AdvertiseHost replaces the listener host in Addresses.
	AdvertiseHost string
	Certificate   tls.Certificate
	// Known reports whether a client certificate belongs to a peer we
	// exchanged certificates with.
	Known func(der []byte) bool
	// AllowTarget decides which destination addresses peers may reach.
	// Defaults to PublicTarget.
	AllowTarget func(ip net.IP) bool
	Resolver    *net.Resolver
	// Transport fetches plain requests. Defaults to a dialer.Transport()
	// whose connections are checked with AllowTarget.
	Transport http.RoundTripper
	// Dial opens CONNECT targets. Defaults to dialer.DialContext with
	// connections checked with AllowTarget.
	Dial func(ctx context.Context, network, addr string) (net.Conn, error)
	// MaxConnections caps concurrently served peers; zero is unlimited.
	MaxConnections int
}

// A Server serves proxied requests arriving over tunnel connections from
// peers. It is a suture.Service.
type Server struct {
	opts   ServerOptions
	tlsCfg *tls.Config
	sem    *semaphore.Semaphore

	mut   sync.Mutex
	addrs map[string]net.Addr
}

func NewServer(opts ServerOptions) *Server {
	if opts.AllowTarget == nil {
		opts.AllowTarget = PublicTarget
	}
	if opts.Resolver == nil {
		opts.Resolver = net.DefaultResolver
	}
	s := &Server{
		opts:   opts,
		tlsCfg: tlsutil.PinnedServerConfig(opts.Certificate, opts.Known, ProtocolName),
		sem:    semaphore.New(opts.MaxConnections),
		addrs:  make(map[string]net.Addr),
	}
	dial := dialer.DialContextControl(s.control)
	if s.opts.Transport == nil {
		t := dialer.Transport()
		t.DialContext = dial
		// Origins are dialled directly so that every destination passes
		// the guard.
		t.Proxy = nil
		s.opts.Transport = t
	}
	if s.opts.Dial == nil {
		s.opts.Dial = dial
	}
	return s
}

func (s *Server) String() string {
	return fmt.Sprintf("tunnel.Server@%p", s)
}

func (s *Server) Serve(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	handle := func(conn net.Conn) { s.serveConn(ctx, conn) }
	if s.opts.TCPAddress != "" {
		g.Go(func() error {
			defer s.setAddr("tcp", nil)
			return listenTCP(ctx, s.opts.TCPAddress, s.tlsCfg, func(a net.Addr) { s.setAddr("tcp", a) }, handle)
		})
	}
	if s.opts.QUICAddress != "" {
		g.Go(func() error {
			defer s.setAddr("quic", nil)
			return listenQUIC(ctx, s.opts.QUICAddress, s.tlsCfg, func(a net.Addr) { s.setAddr("quic", a) }, handle)
		})
	}
	return g.Wait()
}

func (s *Server) setAddr(scheme string, addr net.Addr) {
	s.mut.Lock()
	defer s.mut.Unlock()
	if addr == nil {
		delete(s.addrs, scheme)
		return
	}
	s.addrs[scheme] = addr
}

// Addresses returns the tunnel URIs of the running listeners.
func (s *Server) Addresses() []string {
	s.mut.Lock()
	defer s.mut.Unlock()
	var uris []string
	for _, scheme := range []string{"tcp", "quic"} {
		addr, ok := s.addrs[scheme]
		if !ok {
			continue
		}
		host, port, err := net.SplitHostPort(addr.String())
		if err != nil {
			continue
		}
		if s.opts.AdvertiseHost != "" {
			host = s.opts.AdvertiseHost
		}
		uri := url.URL{Scheme: scheme, Host: net.JoinHostPort(host, port)}
		uris = append(uris, uri.String())
	}
	return uris
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	if !s.sem.TryTake() {
		slog.Debug("Too many tunnel connections, rejecting", slogutil.Address(conn.RemoteAddr()))
		return
	}
	defer s.sem.Give()
	metricServerConns.Inc()
	defer metricServerConns.Dec()

	slog.Debug("Serving tunnel connection", slogutil.Address(conn.RemoteAddr()))
	br := bufio.NewReader(conn)
	for {
		req, err := http.ReadRequest(br)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				slog.Debug("Reading tunnel request", slogutil.Address(conn.RemoteAddr()), slogutil.Error(err))
			}
			return
		}
		if req.Method == http.MethodConnect {
			s.connect(ctx, conn, br, req)
			return
		}
		if !s.roundTrip(ctx, conn, req) {
			return
		}
	}
}

// roundTrip fetches req and writes the response to w. It returns false
// when the connection cannot carry further requests.
func (s *Server) roundTrip(ctx context.Context, w io.Writer, req *http.Request) bool {
	if req.URL.Host == "" {
		metricServerRequests.WithLabelValues("bad-request").Inc()
		_ = writeStatus(w, http.StatusBadRequest)
		return false
	}
	if err := s.checkTarget(ctx, req.URL.Host); err != nil {
		return s.refuse(w, req.URL.Host, err) && !req.Close
	}
	req = req.WithContext(ctx)
	req.RequestURI = ""
	RemoveHopHeaders(req.Header)

	resp, err := s.opts.Transport.RoundTrip(req)
	if errors.Is(err, ErrForbiddenTarget) {
		return s.refuse(w, req.URL.Host, err) && !req.Close
	}
	if err != nil {
		metricServerRequests.WithLabelValues("failure").Inc()
		slog.Debug("Fetching for peer", slogutil.URI(req.URL.String()), slogutil.Error(err))
		return writeStatus(w, http.StatusBadGateway) == nil && !req.Close
	}
	defer resp.Body.Close()
	metricServerRequests.WithLabelValues("success").Inc()

	RemoveHopHeaders(resp.Header)
	resp.Proto, resp.ProtoMajor, resp.ProtoMinor = "HTTP/1.1", 1, 1
	resp.Close = false
	if resp.ContentLength < 0 && len(resp.TransferEncoding) == 0 && bodyAllowed(req, resp) {
		resp.TransferEncoding = []string{"chunked"}
	}
	if err := resp.Write(w); err != nil {
		slog.Debug("Writing response to peer", slogutil.URI(req.URL.String()), slogutil.Error(err))
		return false
	}
	return !req.Close
}

func (s *Server) connect(ctx context.Context, conn net.Conn, br *bufio.Reader, req *http.Request) {
	if err := s.checkTarget(ctx, req.Host); err != nil {
		s.refuse(conn, req.Host, err)
		return
	}
	up, err := s.opts.Dial(ctx, "tcp", req.Host)
	if errors.Is(err, ErrForbiddenTarget) {
		s.refuse(conn, req.Host, err)
		return
	}
	if err != nil {
		metricServerRequests.WithLabelValues("failure").Inc()
		slog.Debug("Connecting for peer", "target", req.Host, slogutil.Error(err))
		_ = writeStatus(conn, http.StatusBadGateway)
		return
	}
	metricServerRequests.WithLabelValues("success").Inc()
	if _, err := io.WriteString(conn, "HTTP/1.1 200 Connection established\r\n\r\n"); err != nil {
		_ = up.Close()
		return
	}
	if err := Splice(ctx, conn, br, up, up); err != nil {
		slog.Debug("Tunnel splice ended", "target", req.Host, slogutil.Error(err))
	}
}

// refuse answers a request for a target peers may not reach, or whose
// name does not resolve. It reports whether the answer was written.
func (s *Server) refuse(w io.Writer, target string, err error) bool {
	code := http.StatusForbidden
	result := "forbidden"
	if !errors.Is(err, ErrForbiddenTarget) {
		code = http.StatusBadGateway
		result = "failure"
	}
	metricServerRequests.WithLabelValues(result).Inc()
	slog.Debug("Refusing peer request", "target", target, slogutil.Error(err))
	return writeStatus(w, code) == nil
}

func writeStatus(w io.Writer, code int) error {
	_, err := fmt.Fprintf(w, "HTTP/1.1 %d %s\r\nContent-Length: 0\r\n\r\n", code, http.StatusText(code))
	return err
}

func bodyAllowed(req *http.Request, resp *http.Response) bool {
	if req.Method == http.MethodHead {
		return false
	}
	switch {
	case resp.StatusCode >= 100 && resp.StatusCode < 200:
		return false
	case resp.StatusCode == http.StatusNoContent, resp.StatusCode == http.StatusNotModified:
		return false
	}
	return true
}
