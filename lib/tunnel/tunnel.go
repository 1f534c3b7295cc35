// Copyright (C) 2026 The Hearth Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package tunnel carries proxied HTTP between two instances. The dialing
// side wraps a peer connection in a Pipeline, the accepting side runs a
// Server that fetches the requested content.
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

	"github.com/hearthproxy/hearth/internal/slogutil"
	"github.com/hearthproxy/hearth/lib/directory"
	"github.com/hearthproxy/hearth/lib/tlsutil"
)

// ProtocolName is negotiated with ALPN on every tunnel connection.
const ProtocolName = "hearth-tunnel"

// operationTimeout bounds dialing and handshaking a tunnel connection.
const operationTimeout = 10 * time.Second

var (
	ErrUnknownScheme   = errors.New("unknown tunnel scheme")
	ErrUnknownPeerCert = errors.New("no certificate known for peer")
)

// A dialFunc opens a tunnel connection to the host of uri, verifying the
// peer with tlsCfg.
type dialFunc func(ctx context.Context, uri *url.URL, tlsCfg *tls.Config) (net.Conn, error)

var dialers = make(map[string]dialFunc)

// Certificates looks up peer certificates by device ID.
type Certificates interface {
	Certificate(deviceID string) ([]byte, error)
}

// PeerDialer opens tunnel connections to admitted peer endpoints.
type PeerDialer struct {
	Certificate tls.Certificate
	Certs       Certificates
}

// Dial connects to the tunnel address of ep, pinning the certificate
// stored for its device ID.
func (d *PeerDialer) Dial(ctx context.Context, ep directory.Endpoint) (net.Conn, error) {
	uri, err := url.Parse(ep.Address)
	if err != nil {
		return nil, fmt.Errorf("peer address: %w", err)
	}
	dial, ok := dialers[uri.Scheme]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownScheme, uri.Scheme)
	}
	der, err := d.Certs.Certificate(ep.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("%w %s: %w", ErrUnknownPeerCert, ep.DeviceID, err)
	}

	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()
	conn, err := dial(ctx, uri, tlsutil.PinnedClientConfig(d.Certificate, der, ProtocolName))
	if err != nil {
		metricDials.WithLabelValues(uri.Scheme, "failure").Inc()
		slog.Debug("Peer dial failed", "peer", ep.ID, slogutil.URI(uri.String()), slogutil.Error(err))
		return nil, err
	}
	metricDials.WithLabelValues(uri.Scheme, "success").Inc()
	slog.Debug("Peer tunnel established", "peer", ep.ID, slogutil.Address(conn.RemoteAddr()))
	return conn, nil
}
