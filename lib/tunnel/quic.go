// Copyright (C) 2026 The Hearth Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package tunnel

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/hearthproxy/hearth/internal/slogutil"
)

var quicConfig = &quic.Config{
	MaxIdleTimeout:  60 * time.Second,
	KeepAlivePeriod: 20 * time.Second,
}

func init() {
	dialers["quic"] = dialQUIC
}

// quicConn is a single stream of a QUIC connection, used as a net.Conn.
type quicConn struct {
	quic.Connection
	quic.Stream
}

func (q *quicConn) Close() error {
	sterr := q.Stream.Close()
	coerr := q.Connection.CloseWithError(0, "")
	if sterr != nil {
		return sterr
	}
	return coerr
}

// ConnectionState exposes the TLS state like *tls.Conn does.
func (q *quicConn) ConnectionState() tls.ConnectionState {
	return q.Connection.ConnectionState().TLS
}

func dialQUIC(ctx context.Context, uri *url.URL, tlsCfg *tls.Config) (net.Conn, error) {
	conn, err := quic.DialAddr(ctx, uri.Host, tlsCfg, quicConfig)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(1, err.Error())
		return nil, fmt.Errorf("open stream: %w", err)
	}
	return &quicConn{conn, stream}, nil
}

// listenQUIC accepts QUIC tunnel connections on addr until ctx is done.
// Each connection carries one stream.
func listenQUIC(ctx context.Context, addr string, tlsCfg *tls.Config, ready func(net.Addr), handle func(net.Conn)) error {
	udpConn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return err
	}
	defer udpConn.Close()

	ln, err := quic.Listen(udpConn, tlsCfg, quicConfig)
	if err != nil {
		return err
	}
	defer ln.Close()

	slog.Info("QUIC tunnel listener starting", slogutil.Address(udpConn.LocalAddr()))
	defer slog.Info("QUIC tunnel listener shutting down", slogutil.Address(udpConn.LocalAddr()))
	ready(udpConn.LocalAddr())

	for {
		conn, err := ln.Accept(ctx)
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return nil
		} else if err != nil {
			return err
		}

		go func() {
			sctx, cancel := context.WithTimeout(ctx, operationTimeout)
			stream, err := conn.AcceptStream(sctx)
			cancel()
			if err != nil {
				slog.Debug("Failed to accept stream", slogutil.Address(conn.RemoteAddr()), slogutil.Error(err))
				_ = conn.CloseWithError(1, err.Error())
				return
			}
			handle(&quicConn{conn, stream})
		}()
	}
}

// CloseWrite ends the sending direction of the stream.
func (q *quicConn) CloseWrite() error {
	return q.Stream.Close()
}
