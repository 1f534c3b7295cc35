// Copyright (C) 2026 The Hearth Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package signaling

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/hearthproxy/hearth/lib/dialer"
	"github.com/hearthproxy/hearth/lib/signaling/protocol"
)

const writeTimeout = 30 * time.Second

// A Session is a logged in connection to the hub.
type Session interface {
	Send(msg any) error
	// Receive blocks until the next message arrives. It is only called
	// from one goroutine.
	Receive() (any, error)
	// LocalJID is the full identifier the hub assigned us.
	LocalJID() string
	Close() error
}

// A Transport establishes sessions.
type Transport interface {
	Connect(ctx context.Context) (Session, error)
}

type tlsTransport struct {
	addr   string
	tlsCfg *tls.Config
	login  protocol.Login
}

// NewTLSTransport returns a transport that dials the hub at addr over TLS
// and logs in.
func NewTLSTransport(addr string, tlsCfg *tls.Config, login protocol.Login) Transport {
	cfg := &tls.Config{}
	if tlsCfg != nil {
		cfg = tlsCfg.Clone()
	}
	if len(cfg.NextProtos) == 0 {
		cfg.NextProtos = []string{protocol.ProtocolName}
	}
	return &tlsTransport{addr: addr, tlsCfg: cfg, login: login}
}

func (t *tlsTransport) Connect(ctx context.Context) (Session, error) {
	ctx, cancel := context.WithTimeout(ctx, ReplyTimeout)
	defer cancel()

	conn, err := dialer.DialContext(ctx, "tcp", t.addr)
	if err != nil {
		return nil, fmt.Errorf("dialing hub: %w", err)
	}
	_ = dialer.SetTCPOptions(conn)

	tc := tls.Client(conn, t.tlsCfg)
	if err := tc.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("hub handshake: %w", err)
	}

	sess, err := Login(ctx, tc, t.login)
	if err != nil {
		tc.Close()
		return nil, err
	}
	return sess, nil
}

// Login performs the login exchange on an established connection.
func Login(ctx context.Context, conn net.Conn, login protocol.Login) (Session, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	br := bufio.NewReader(conn)
	if err := protocol.WriteMessage(conn, login); err != nil {
		return nil, fmt.Errorf("sending login: %w", err)
	}
	msg, err := protocol.ReadMessage(br)
	if err != nil {
		return nil, fmt.Errorf("reading login response: %w", err)
	}
	_ = conn.SetDeadline(time.Time{})

	resp, ok := msg.(protocol.Response)
	if !ok {
		return nil, fmt.Errorf("unexpected login response %T", msg)
	}
	if resp.Code != protocol.ResponseSuccess.Code {
		return nil, resp
	}
	return &connSession{conn: conn, br: br, jid: resp.JID}, nil
}

type connSession struct {
	conn net.Conn
	br   *bufio.Reader
	jid  string
	wmut sync.Mutex
}

func (s *connSession) Send(msg any) error {
	s.wmut.Lock()
	defer s.wmut.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return protocol.WriteMessage(s.conn, msg)
}

func (s *connSession) Receive() (any, error) {
	return protocol.ReadMessage(s.br)
}

func (s *connSession) LocalJID() string {
	return s.jid
}

func (s *connSession) Close() error {
	return s.conn.Close()
}
