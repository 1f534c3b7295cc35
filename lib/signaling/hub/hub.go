// Copyright (C) 2026 The Hearth Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package hub implements the signaling hub instances log in to. It relays
// presence and peer messages between logged in sessions and pushes the
// list of proxies to clients.
package hub

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"

	"github.com/hearthproxy/hearth/internal/slogutil"
	"github.com/hearthproxy/hearth/lib/dialer"
	"github.com/hearthproxy/hearth/lib/signaling/protocol"
)

const (
	LoginTimeout = 30 * time.Second

	DefaultID             = "hub"
	DefaultPingInterval   = 90 * time.Second
	DefaultNetworkTimeout = 5 * time.Minute
	DefaultResyncDelay    = 15 * time.Minute
	DefaultMessageRate    = rate.Limit(10)
	DefaultMessageBurst   = 50
)

// DefaultCensored are the countries with substantial or pervasive
// censorship.
var DefaultCensored = []string{
	"AE", "AM", "BH", "CN", "CU", "ET", "ID", "IR", "KP", "KR",
	"KW", "MM", "OM", "PK", "PS", "QA", "SA", "SD", "SY", "TM", "UZ",
	"VN", "YE",
}

// CountryLookup resolves an address to an ISO country code.
type CountryLookup interface {
	Country(ip net.IP) (string, error)
}

type Options struct {
	ListenAddress string
	Certificate   tls.Certificate
	// ID is the identifier the hub sends hub pushes from.
	ID string
	// Users maps accounts to bcrypt password hashes. When nil any account
	// may log in, which is only fit for testing.
	Users map[string][]byte
	// Servers are the proxy descriptors pushed to clients.
	Servers []string
	// ResyncDelay is how long clients wait before refreshing their
	// presence, announced in every push.
	ResyncDelay time.Duration
	// Update, when set, announces a software update in every push.
	Update map[string]any
	// Countries and Censored restrict the server list to clients located
	// in one of the censored countries. Both must be set to take effect.
	Countries CountryLookup
	Censored  []string

	PingInterval   time.Duration
	NetworkTimeout time.Duration
	MessageRate    rate.Limit
	MessageBurst   int
}

// A Hub is a suture.Service accepting client connections.
type Hub struct {
	opts     Options
	tlsCfg   *tls.Config
	sessions *xsync.MapOf[string, *session]
	started  time.Time

	mut  sync.Mutex
	addr net.Addr
}

func New(opts Options) *Hub {
	if opts.ID == "" {
		opts.ID = DefaultID
	}
	if opts.ResyncDelay <= 0 {
		opts.ResyncDelay = DefaultResyncDelay
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = DefaultPingInterval
	}
	if opts.NetworkTimeout <= 0 {
		opts.NetworkTimeout = DefaultNetworkTimeout
	}
	if opts.MessageRate <= 0 {
		opts.MessageRate = DefaultMessageRate
	}
	if opts.MessageBurst <= 0 {
		opts.MessageBurst = DefaultMessageBurst
	}
	censored := make([]string, len(opts.Censored))
	for i, c := range opts.Censored {
		censored[i] = strings.ToUpper(c)
	}
	opts.Censored = censored
	return &Hub{
		opts: opts,
		tlsCfg: &tls.Config{
			Certificates:           []tls.Certificate{opts.Certificate},
			NextProtos:             []string{protocol.ProtocolName},
			SessionTicketsDisabled: true,
			MinVersion:             tls.VersionTLS12,
		},
		sessions: xsync.NewMapOf[string, *session](),
		started:  time.Now(),
	}
}

func (h *Hub) String() string {
	return fmt.Sprintf("hub.Hub@%p", h)
}

// Authenticated reports whether logins are checked against a users file.
func (h *Hub) Authenticated() bool {
	return h.opts.Users != nil
}

func (h *Hub) Serve(ctx context.Context) error {
	if !h.Authenticated() {
		slog.Warn("No users file configured, any account may log in and trusted contacts can be impersonated")
	}
	ln, err := net.Listen("tcp", h.opts.ListenAddress)
	if err != nil {
		return err
	}
	defer ln.Close()
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	h.mut.Lock()
	h.addr = ln.Addr()
	h.mut.Unlock()
	slog.Info("Hub listening", slogutil.Address(ln.Addr()))

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
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.handleConn(ctx, conn)
		}()
	}
}

// Addr is the listening address, nil until Serve is listening.
func (h *Hub) Addr() net.Addr {
	h.mut.Lock()
	defer h.mut.Unlock()
	return h.addr
}

func (h *Hub) handleConn(ctx context.Context, conn net.Conn) {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer conn.Close()
	_ = dialer.SetTCPOptions(conn)

	tc := tls.Server(conn, h.tlsCfg)
	hctx, cancel := context.WithTimeout(ctx, LoginTimeout)
	err := tc.HandshakeContext(hctx)
	cancel()
	if err != nil {
		slog.Debug("Hub TLS handshake failed", slogutil.Address(conn.RemoteAddr()), slogutil.Error(err))
		return
	}

	_ = tc.SetDeadline(time.Now().Add(LoginTimeout))
	br := bufio.NewReader(tc)
	msg, err := protocol.ReadMessage(br)
	if err != nil {
		slog.Debug("Reading login", slogutil.Address(conn.RemoteAddr()), slogutil.Error(err))
		return
	}
	login, ok := msg.(protocol.Login)
	if !ok {
		_ = protocol.WriteMessage(tc, protocol.ResponseUnexpectedMessage)
		return
	}
	login.Account = normalizeAccount(login.Account)
	if !h.authenticate(login) {
		metricLogins.WithLabelValues("failure").Inc()
		slog.Info("Login failed", "account", login.Account, slogutil.Address(conn.RemoteAddr()))
		_ = protocol.WriteMessage(tc, protocol.ResponseAuthFailed)
		return
	}

	resource := login.Resource
	if resource == "" {
		resource = randomResource()
	}
	s := newSession(h, protocol.JID(login.Account, resource), tc, h.countryOf(conn.RemoteAddr()))
	resp := protocol.ResponseSuccess
	resp.JID = s.jid
	if err := protocol.WriteMessage(tc, resp); err != nil {
		return
	}
	_ = tc.SetDeadline(time.Time{})
	metricLogins.WithLabelValues("success").Inc()
	slog.Info("Session logged in", slogutil.URI(s.jid), slogutil.Address(conn.RemoteAddr()), "country", s.country)

	h.register(s)
	defer h.unregister(s)
	go s.writeLoop()
	err = s.readLoop(br)
	slog.Info("Session ended", slogutil.URI(s.jid), slogutil.Error(err))
}

func (h *Hub) authenticate(login protocol.Login) bool {
	if login.Account == "" || strings.Contains(login.Account, "/") {
		return false
	}
	if h.opts.Users == nil {
		return true
	}
	hash, ok := h.opts.Users[login.Account]
	if !ok {
		return false
	}
	return bcrypt.CompareHashAndPassword(hash, []byte(login.Password)) == nil
}

// register makes s reachable, replacing an older session of the same
// identifier, and exchanges presence between s and everyone else.
func (h *Hub) register(s *session) {
	if old, loaded := h.sessions.LoadAndStore(s.jid, s); loaded {
		slog.Info("Replacing session", slogutil.URI(s.jid))
		old.close()
	} else {
		metricSessions.Inc()
	}

	h.sessions.Range(func(jid string, other *session) bool {
		if other != s {
			s.send(protocol.Presence{From: jid, Available: true})
			other.send(protocol.Presence{From: s.jid, Available: true})
		}
		return true
	})
	s.send(h.push(s))
}

func (h *Hub) unregister(s *session) {
	s.close()
	removed := false
	h.sessions.Compute(s.jid, func(cur *session, loaded bool) (*session, bool) {
		if loaded && cur == s {
			removed = true
			return nil, true
		}
		return cur, !loaded
	})
	if !removed {
		return
	}
	metricSessions.Dec()
	h.sessions.Range(func(_ string, other *session) bool {
		other.send(protocol.Presence{From: s.jid, Available: false})
		return true
	})
}

// route delivers msg to the session named to, answering the sender when
// there is no such session.
func (h *Hub) route(from *session, to string, msg any) {
	target, ok := h.sessions.Load(to)
	if !ok {
		metricMessages.WithLabelValues(messageName(msg), "not_found").Inc()
		slog.Debug("Recipient not found", "from", from.jid, "to", to)
		from.send(protocol.ResponseNotFound)
		return
	}
	metricMessages.WithLabelValues(messageName(msg), "routed").Inc()
	target.send(msg)
}

// push builds the hub push for s.
func (h *Hub) push(s *session) protocol.HubPush {
	ms := h.opts.ResyncDelay.Milliseconds()
	notice := protocol.Notice{
		UpdateTime: &ms,
		Update:     h.opts.Update,
	}
	if h.servesProxies(s.country) {
		notice.Servers = h.opts.Servers
	}
	body, err := notice.Marshal()
	if err != nil {
		// Only the update map can fail to marshal; push without it.
		slog.Warn("Marshalling hub notice", slogutil.Error(err))
		notice.Update = nil
		body, _ = notice.Marshal()
	}
	return protocol.HubPush{From: h.opts.ID, Body: body}
}

// servesProxies reports whether clients in country get the server list.
// Clients whose country is unknown get it too.
func (h *Hub) servesProxies(country string) bool {
	if h.opts.Countries == nil || len(h.opts.Censored) == 0 || country == "" {
		return true
	}
	return slices.Contains(h.opts.Censored, country)
}

func (h *Hub) countryOf(addr net.Addr) string {
	if h.opts.Countries == nil {
		return ""
	}
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		return ""
	}
	country, err := h.opts.Countries.Country(tcp.IP)
	if err != nil {
		slog.Debug("Country lookup failed", slogutil.Address(addr), slogutil.Error(err))
		return ""
	}
	return strings.ToUpper(country)
}

func randomResource() string {
	var bs [4]byte
	_, _ = rand.Read(bs[:])
	return "anon-" + hex.EncodeToString(bs[:])
}
