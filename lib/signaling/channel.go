// Copyright (C) 2026 The Hearth Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package signaling connects to the hub, tracks the presence of peers,
// exchanges certificates with them and feeds the resulting endpoints, as
// well as the proxies the hub pushes, into the directory.
//
// All protocol state is owned by a single loop goroutine per connection;
// everything else (the session reader, timers, admission checks and
// failure reports from tunnels) talks to it through its queue.
package signaling

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hearthproxy/hearth/internal/slogutil"
	"github.com/hearthproxy/hearth/lib/directory"
	"github.com/hearthproxy/hearth/lib/events"
	"github.com/hearthproxy/hearth/lib/signaling/protocol"
	"github.com/hearthproxy/hearth/lib/svcutil"
	"github.com/hearthproxy/hearth/lib/tlsutil"
)

const (
	// ReplyTimeout is how long we wait for the login response, and by
	// default for a peer to answer our info request.
	ReplyTimeout = 30 * time.Second
	// MinResyncInterval is the minimum spacing between two honoured
	// resync requests from the hub.
	MinResyncInterval = 10 * time.Second

	DefaultPeerMarker    = "-hearth-"
	DefaultPingInterval  = 90 * time.Second
	DefaultStatsInterval = 5 * time.Minute

	queueSize = 128
)

var ErrDisconnectRequested = errors.New("disconnect requested")

// CertStore keeps peer certificates by device ID.
type CertStore interface {
	AddCertificate(deviceID string, der []byte) error
}

// Contacts decides which accounts are trusted.
type Contacts interface {
	IsTrusted(account string) bool
}

type Options struct {
	Transport   Transport
	Directory   *directory.Directory
	CertStore   CertStore
	Contacts    Contacts
	Events      events.Logger
	Certificate tls.Certificate
	// Addresses returns the tunnel URIs we accept peers on.
	Addresses func() []string
	// Status returns statistics included in presence updates.
	Status func() map[string]any
	// PeerMarker is the resource substring identifying instances of
	// this software among the hub's users.
	PeerMarker    string
	PingInterval  time.Duration
	StatsInterval time.Duration
	// HandshakeTimeout is how long a peer has to answer our info
	// request. Zero means ReplyTimeout.
	HandshakeTimeout time.Duration
	// Now is the clock used for resync throttling.
	Now func() time.Time
}

// A Channel is the signaling client. It is a suture.Service; each call to
// Serve is one connection to the hub.
type Channel struct {
	opts     Options
	deviceID string

	// Process lifetime state, only touched by the loop.
	resyncLimiter *rate.Limiter
	updateShown   bool

	mut     sync.Mutex
	current *run
}

func New(opts Options) *Channel {
	if opts.Events == nil {
		opts.Events = events.NoopLogger
	}
	if opts.PeerMarker == "" {
		opts.PeerMarker = DefaultPeerMarker
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = DefaultPingInterval
	}
	if opts.StatsInterval <= 0 {
		opts.StatsInterval = DefaultStatsInterval
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = ReplyTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Addresses == nil {
		opts.Addresses = func() []string { return nil }
	}
	var deviceID string
	if len(opts.Certificate.Certificate) > 0 {
		deviceID = tlsutil.DeviceID(opts.Certificate.Certificate[0])
	}
	return &Channel{
		opts:          opts,
		deviceID:      deviceID,
		resyncLimiter: rate.NewLimiter(rate.Every(MinResyncInterval), 1),
	}
}

func (c *Channel) String() string {
	return fmt.Sprintf("signaling.Channel@%p", c)
}

// Serve connects to the hub and processes signaling events until the
// context is cancelled, the session fails or Disconnect is called. On
// return the directory is reset and all peer state is dropped.
func (c *Channel) Serve(ctx context.Context) error {
	c.opts.Events.Log(events.ConnectivityStatusChanged, events.StatusConnecting)
	sess, err := c.opts.Transport.Connect(ctx)
	if err != nil {
		slog.Warn("Failed to connect to signaling hub", slogutil.Error(err))
		c.opts.Events.Log(events.ConnectivityStatusChanged, events.StatusLoginFailed)
		var resp protocol.Response
		if errors.As(err, &resp) && resp.Code == protocol.ResponseAuthFailed.Code {
			return svcutil.NoRestartErr(err)
		}
		return err
	}
	slog.Info("Logged in to signaling hub", slogutil.URI(sess.LocalJID()))
	c.opts.Events.Log(events.ConnectivityStatusChanged, events.StatusLoggedIn)

	ctx, cancel := context.WithCancel(ctx)
	r := newRun(ctx, c, sess)
	c.mut.Lock()
	c.current = r
	c.mut.Unlock()
	defer func() {
		// Stop pending admissions before the reset so none of them
		// lands in the directory afterwards.
		cancel()
		r.admissions.Wait()
		c.disconnect(r)
	}()

	go r.readLoop()
	return r.loop()
}

// Disconnect ends the current connection and keeps the service from being
// restarted.
func (c *Channel) Disconnect() {
	if r := c.currentRun(); r != nil {
		r.enqueue(disconnectRequest{})
	}
}

// ReportPeerFailure tells the channel that a tunnel to the peer could not
// be established or broke. The peer is evicted at once and its handshake
// state dropped so a later presence event starts over.
func (c *Channel) ReportPeerFailure(uri string) {
	c.opts.Directory.EvictPeer(uri)
	if r := c.currentRun(); r != nil {
		r.tryEnqueue(peerFailure{uri: uri})
	}
}

func (c *Channel) currentRun() *run {
	c.mut.Lock()
	defer c.mut.Unlock()
	return c.current
}

func (c *Channel) disconnect(r *run) {
	c.mut.Lock()
	if c.current == r {
		c.current = nil
	}
	c.mut.Unlock()

	_ = r.sess.Close()
	if r.resyncTimer != nil {
		r.resyncTimer.Stop()
	}
	clear(r.records)
	metricPeerRecords.Set(0)
	c.opts.Directory.Reset()
	slog.Info("Disconnected from signaling hub")
	c.opts.Events.Log(events.ConnectivityStatusChanged, events.StatusDisconnected)
}

func (c *Channel) isPeer(uri string) bool {
	return strings.Contains(protocol.Resource(uri), c.opts.PeerMarker)
}

// localInfo is what we tell a peer about ourselves.
func (c *Channel) localInfo(from, to string) protocol.PeerInfo {
	return protocol.PeerInfo{
		From:        from,
		To:          to,
		DeviceID:    c.deviceID,
		Certificate: tlsutil.EncodeCertificate(c.opts.Certificate),
		Addresses:   c.opts.Addresses(),
	}
}

func (c *Channel) statusJSON() string {
	if c.opts.Status == nil {
		return ""
	}
	bs, err := json.Marshal(c.opts.Status())
	if err != nil {
		slog.Debug("Failed to marshal presence status", slogutil.Error(err))
		return ""
	}
	return string(bs)
}

// Queue items besides protocol messages.
type (
	sessionError      struct{ err error }
	disconnectRequest struct{}
	peerFailure       struct{ uri string }
	resyncFire        struct{}
	handshakeTimeout  struct {
		uri string
		seq int
	}
	admitFailed struct {
		cand directory.Candidate
		err  error
	}
)
