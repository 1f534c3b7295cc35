// Copyright (C) 2026 The Hearth Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package hub

import (
	"bufio"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hearthproxy/hearth/internal/slogutil"
	"github.com/hearthproxy/hearth/lib/signaling/protocol"
)

const outboxSize = 64

var errUnavailable = errors.New("client went unavailable")

// A session is one logged in client.
type session struct {
	hub     *Hub
	jid     string
	conn    net.Conn
	country string
	limiter *rate.Limiter
	outbox  chan any
	since   time.Time

	closeOnce sync.Once
	closed    chan struct{}

	mut    sync.Mutex
	status string
}

func newSession(h *Hub, jid string, conn net.Conn, country string) *session {
	return &session{
		hub:     h,
		jid:     jid,
		conn:    conn,
		country: country,
		limiter: rate.NewLimiter(h.opts.MessageRate, h.opts.MessageBurst),
		outbox:  make(chan any, outboxSize),
		since:   time.Now(),
		closed:  make(chan struct{}),
	}
}

// send queues msg for the client. A client that does not keep up is
// disconnected.
func (s *session) send(msg any) {
	select {
	case <-s.closed:
		return
	default:
	}
	select {
	case s.outbox <- msg:
	default:
		slog.Warn("Session outbox full, disconnecting", slogutil.URI(s.jid))
		s.close()
	}
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.conn.Close()
	})
}

func (s *session) writeLoop() {
	ping := time.NewTicker(s.hub.opts.PingInterval)
	defer ping.Stop()

	for {
		var msg any
		select {
		case msg = <-s.outbox:
		case <-ping.C:
			msg = protocol.Ping{}
		case <-s.closed:
			return
		}
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.hub.opts.NetworkTimeout))
		if err := protocol.WriteMessage(s.conn, msg); err != nil {
			slog.Debug("Writing to session", slogutil.URI(s.jid), slogutil.Error(err))
			s.close()
			return
		}
	}
}

func (s *session) readLoop(br *bufio.Reader) error {
	for {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.hub.opts.NetworkTimeout))
		msg, err := protocol.ReadMessage(br)
		if err != nil {
			return err
		}
		if err := s.handle(msg); err != nil {
			return err
		}
	}
}

func (s *session) handle(msg any) error {
	switch msg.(type) {
	case protocol.Ping:
		s.send(protocol.Pong{})
		return nil
	case protocol.Pong:
		return nil
	}

	if !s.limiter.Allow() {
		metricMessages.WithLabelValues(messageName(msg), "rate_limited").Inc()
		s.send(protocol.ResponseRateLimited)
		return nil
	}

	switch msg := msg.(type) {
	case protocol.Presence:
		if !msg.Available {
			return errUnavailable
		}
		s.mut.Lock()
		s.status = msg.Status
		s.mut.Unlock()
		metricMessages.WithLabelValues("presence", "handled").Inc()
		s.send(s.hub.push(s))
	case protocol.InfoRequest:
		msg.From = s.jid
		s.hub.route(s, msg.To, msg)
	case protocol.InfoResponse:
		msg.From = s.jid
		s.hub.route(s, msg.To, msg)
	case protocol.ErrorMessage:
		msg.From = s.jid
		if msg.To == "" || msg.To == s.hub.opts.ID {
			metricMessages.WithLabelValues("errormessage", "handled").Inc()
			metricProxyErrors.Inc()
			slog.Info("Client reports proxy failure", slogutil.URI(s.jid), slogutil.Address(msg.Address), "message", msg.Message)
			return nil
		}
		s.hub.route(s, msg.To, msg)
	default:
		metricMessages.WithLabelValues(messageName(msg), "unexpected").Inc()
		s.send(protocol.ResponseUnexpectedMessage)
	}
	return nil
}

func (s *session) currentStatus() string {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.status
}
