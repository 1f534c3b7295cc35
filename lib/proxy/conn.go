// Copyright (C) 2026 The Hearth Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package proxy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"

	"github.com/hearthproxy/hearth/internal/slogutil"
	"github.com/hearthproxy/hearth/lib/reassembly"
	"github.com/hearthproxy/hearth/lib/tunnel"
)

// browserConn is one accepted browser connection. Requests are handled
// one at a time: the next is read once the previous response was
// completely written.
type browserConn struct {
	srv       *Server
	ctx       context.Context
	conn      net.Conn
	br        *bufio.Reader
	pipelines map[string]*tunnel.Pipeline
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	metricConnections.Inc()
	defer metricConnections.Dec()

	bc := &browserConn{
		srv:       s,
		ctx:       ctx,
		conn:      conn,
		br:        bufio.NewReader(conn),
		pipelines: make(map[string]*tunnel.Pipeline),
	}
	defer bc.closePipelines()
	defer func() {
		if r := recover(); r != nil {
			metricPanics.Inc()
			slog.Error("Panic serving browser connection, closing it", slogutil.Address(conn.RemoteAddr()), "panic", r, "stack", string(debug.Stack()))
		}
	}()
	bc.serve()
}

func (bc *browserConn) serve() {
	for {
		req, err := http.ReadRequest(bc.br)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				slog.Debug("Reading browser request", slogutil.Address(bc.conn.RemoteAddr()), slogutil.Error(err))
			}
			return
		}

		route, err := bc.srv.opts.Dispatcher.HandleRequest(req)
		if err != nil {
			metricRequests.WithLabelValues("invalid").Inc()
			slog.Debug("Cannot route request", slogutil.URI(req.RequestURI), slogutil.Error(err))
			_ = writeStatus(bc.conn, http.StatusBadRequest)
			return
		}
		metricRequests.WithLabelValues(route.Kind.String()).Inc()

		if req.Method == http.MethodConnect {
			bc.connect(route, req)
			return
		}
		if !bc.forward(route, req) {
			return
		}
	}
}

// forward sends req over the pipeline of route and waits for the response
// to be written. It returns false when the connection must be closed.
func (bc *browserConn) forward(route Route, req *http.Request) bool {
	prepareRequest(req)
	ex, err := bc.pipeline(route).Do(bc.ctx, req)
	if err != nil {
		slog.Debug("Forwarding request", "route", route.Kind, slogutil.URI(req.URL.String()), slogutil.Error(err))
		_ = writeStatus(bc.conn, http.StatusBadGateway)
		return false
	}
	if err := ex.Wait(bc.ctx); err != nil {
		slog.Debug("Response failed", "route", route.Kind, slogutil.URI(req.URL.String()), slogutil.Error(err))
		return false
	}
	return !ex.CloseAfter() && !req.Close
}

// pipeline returns the pipeline of route, creating it on first use.
func (bc *browserConn) pipeline(route Route) *tunnel.Pipeline {
	if p, ok := bc.pipelines[route.key()]; ok {
		return p
	}
	p := tunnel.NewPipeline(tunnel.PipelineOptions{
		Name:      route.Kind.String(),
		Dial:      func(ctx context.Context) (net.Conn, error) { return bc.srv.dialRoute(ctx, route) },
		ProxyForm: route.Kind != RouteDirect,
		Down:      bc.conn,
		Reassembly: reassembly.Options{
			ChunkSize: bc.srv.opts.ChunkSize,
			Observers: bc.srv.opts.Observers,
		},
		OnClose: func(error) {
			// Upstream gone, so is the browser connection.
			_ = bc.conn.Close()
		},
		OnFailure: func(err error) {
			bc.srv.reportFailure(route)
		},
	})
	bc.pipelines[route.key()] = p
	return p
}

func (bc *browserConn) closePipelines() {
	for _, p := range bc.pipelines {
		_ = p.Close()
	}
}

// connect opens a tunnel for a CONNECT request and splices it to the
// browser. Through a proxy the CONNECT is repeated upstream and its
// answer relayed.
func (bc *browserConn) connect(route Route, req *http.Request) {
	up, err := bc.srv.dialRoute(bc.ctx, route)
	if err != nil {
		bc.srv.reportFailure(route)
		slog.Debug("Dialing for CONNECT", "route", route.Kind, "target", req.Host, slogutil.Error(err))
		_ = writeStatus(bc.conn, http.StatusBadGateway)
		return
	}

	var upr io.Reader = up
	if route.Kind != RouteDirect {
		ubr := bufio.NewReader(up)
		resp, err := connectUpstream(up, ubr, req)
		if err != nil {
			bc.srv.reportFailure(route)
			slog.Debug("Upstream CONNECT", "route", route.Kind, "target", req.Host, slogutil.Error(err))
			up.Close()
			_ = writeStatus(bc.conn, http.StatusBadGateway)
			return
		}
		if resp.StatusCode != http.StatusOK {
			_ = resp.Write(bc.conn)
			up.Close()
			return
		}
		upr = ubr
	}

	if _, err := io.WriteString(bc.conn, "HTTP/1.1 200 Connection established\r\n\r\n"); err != nil {
		up.Close()
		return
	}
	if err := tunnel.Splice(bc.ctx, bc.conn, bc.br, up, upr); err != nil {
		slog.Debug("CONNECT tunnel ended", "target", req.Host, slogutil.Error(err))
	}
}

func connectUpstream(up net.Conn, ubr *bufio.Reader, req *http.Request) (*http.Response, error) {
	tunnel.RemoveHopHeaders(req.Header)
	if err := req.Write(up); err != nil {
		return nil, err
	}
	return http.ReadResponse(ubr, req)
}

// prepareRequest readies a browser request for forwarding.
func prepareRequest(req *http.Request) {
	if req.URL.Host == "" {
		req.URL.Host = req.Host
		req.URL.Scheme = "http"
	}
	tunnel.RemoveHopHeaders(req.Header)
	if _, ok := req.Header["User-Agent"]; !ok {
		// Keeps net/http from adding its own.
		req.Header["User-Agent"] = []string{""}
	}
}

func writeStatus(w io.Writer, code int) error {
	_, err := fmt.Fprintf(w, "HTTP/1.1 %d %s\r\nContent-Length: 0\r\nConnection: close\r\n\r\n", code, http.StatusText(code))
	return err
}
