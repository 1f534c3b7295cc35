// Copyright (C) 2026 The Hearth Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package tunnel

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"net/url"

	"github.com/hearthproxy/hearth/internal/slogutil"
	"github.com/hearthproxy/hearth/lib/dialer"
)

func init() {
	dialers["tcp"] = dialTCP
}

func dialTCP(ctx context.Context, uri *url.URL, tlsCfg *tls.Config) (net.Conn, error) {
	conn, err := dialer.DialContext(ctx, "tcp", uri.Host)
	if err != nil {
		return nil, err
	}
	if err := dialer.SetTCPOptions(conn); err != nil {
		slog.Debug("Failed to set TCP options", slogutil.Address(conn.RemoteAddr()), slogutil.Error(err))
	}
	tc := tls.Client(conn, tlsCfg)
	if err := tc.HandshakeContext(ctx); err != nil {
		_ = tc.Close()
		return nil, err
	}
	return tc, nil
}

// listenTCP accepts TLS tunnel connections on addr until ctx is done.
func listenTCP(ctx context.Context, addr string, tlsCfg *tls.Config, ready func(net.Addr), handle func(net.Conn)) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	defer ln.Close()
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	slog.Info("TCP tunnel listener starting", slogutil.Address(ln.Addr()))
	defer slog.Info("TCP tunnel listener shutting down", slogutil.Address(ln.Addr()))
	ready(ln.Addr())

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := dialer.SetTCPOptions(conn); err != nil {
			slog.Debug("Failed to set TCP options", slogutil.Address(conn.RemoteAddr()), slogutil.Error(err))
		}
		go func() {
			tc := tls.Server(conn, tlsCfg)
			hctx, cancel := context.WithTimeout(ctx, operationTimeout)
			err := tc.HandshakeContext(hctx)
			cancel()
			if err != nil {
				slog.Debug("Tunnel handshake failed", slogutil.Address(conn.RemoteAddr()), slogutil.Error(err))
				_ = tc.Close()
				return
			}
			handle(tc)
		}()
	}
}
