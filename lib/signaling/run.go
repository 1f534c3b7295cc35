// Copyright (C) 2026 The Hearth Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hearthproxy/hearth/internal/slogutil"
	"github.com/hearthproxy/hearth/lib/directory"
	"github.com/hearthproxy/hearth/lib/events"
	"github.com/hearthproxy/hearth/lib/signaling/protocol"
	"github.com/hearthproxy/hearth/lib/svcutil"
	"github.com/hearthproxy/hearth/lib/tlsutil"
)

type trustLevel int

const (
	trustPending trustLevel = iota
	trustTrusted
	trustAnonymous
)

func (t trustLevel) String() string {
	switch t {
	case trustPending:
		return "pending"
	case trustTrusted:
		return "trusted"
	case trustAnonymous:
		return "anonymous"
	default:
		return "unknown"
	}
}

// A peerRecord exists from the first sighting of a peer until it goes
// away. Having no record means the peer is unknown.
type peerRecord struct {
	uri      string
	trust    trustLevel
	deviceID string
	cert     []byte
	seq      int
}

// A run is one connection to the hub.
type run struct {
	ctx  context.Context
	c    *Channel
	sess Session

	queue      chan any
	admissions sync.WaitGroup

	// Owned by the loop goroutine.
	records     map[string]*peerRecord
	seq         int
	hubID       string
	resyncTimer *time.Timer
	lastRecv    time.Time
	lastStatus  string
}

func newRun(ctx context.Context, c *Channel, sess Session) *run {
	return &run{
		ctx:     ctx,
		c:       c,
		sess:    sess,
		queue:   make(chan any, queueSize),
		records: make(map[string]*peerRecord),
	}
}

// enqueue blocks until the loop has room or the run is over.
func (r *run) enqueue(ev any) {
	select {
	case r.queue <- ev:
	case <-r.ctx.Done():
	}
}

func (r *run) tryEnqueue(ev any) {
	select {
	case r.queue <- ev:
	default:
		slog.Debug("Signaling queue full, dropping event", "event", fmt.Sprintf("%T", ev))
	}
}

func (r *run) readLoop() {
	for {
		msg, err := r.sess.Receive()
		if err != nil {
			r.enqueue(sessionError{err})
			return
		}
		r.enqueue(msg)
	}
}

func (r *run) loop() error {
	ping := time.NewTicker(r.c.opts.PingInterval)
	defer ping.Stop()
	stats := time.NewTicker(r.c.opts.StatsInterval)
	defer stats.Stop()

	r.lastRecv = time.Now()
	r.lastStatus = r.c.statusJSON()
	if err := r.send(protocol.Presence{Available: true, Status: r.lastStatus}); err != nil {
		return err
	}

	for {
		select {
		case <-r.ctx.Done():
			return r.ctx.Err()

		case ev := <-r.queue:
			if err := r.handle(ev); err != nil {
				return err
			}

		case <-ping.C:
			if time.Since(r.lastRecv) > 3*r.c.opts.PingInterval {
				return errors.New("signaling hub timed out")
			}
			if err := r.send(protocol.Ping{}); err != nil {
				return err
			}

		case <-stats.C:
			if status := r.c.statusJSON(); status != r.lastStatus {
				r.lastStatus = status
				if err := r.send(protocol.Presence{Available: true, Status: status}); err != nil {
					return err
				}
			}
		}
	}
}

func (r *run) send(msg any) error {
	metricMessages.WithLabelValues("out", messageName(msg)).Inc()
	if err := r.sess.Send(msg); err != nil {
		return fmt.Errorf("sending %s: %w", messageName(msg), err)
	}
	return nil
}

func (r *run) handle(ev any) error {
	switch ev := ev.(type) {
	case sessionError:
		slog.Warn("Signaling session failed", slogutil.Error(ev.err))
		return ev.err
	case disconnectRequest:
		return svcutil.NoRestartErr(ErrDisconnectRequested)
	case peerFailure:
		r.dropRecord(ev.uri, "tunnel failure")
		return nil
	case handshakeTimeout:
		if rec, ok := r.records[ev.uri]; ok && rec.seq == ev.seq && rec.trust == trustPending && rec.cert == nil {
			r.dropRecord(ev.uri, "handshake timed out")
		}
		return nil
	case resyncFire:
		slog.Debug("Sending presence update for resync")
		r.lastStatus = r.c.statusJSON()
		return r.send(protocol.Presence{Available: true, Status: r.lastStatus})
	case admitFailed:
		return r.send(protocol.ErrorMessage{
			To:      r.hubID,
			Message: ev.err.Error(),
			Address: ev.cand.Address,
		})
	}

	// Everything else came from the hub.
	r.lastRecv = time.Now()
	metricMessages.WithLabelValues("in", messageName(ev)).Inc()

	switch msg := ev.(type) {
	case protocol.Ping:
		return r.send(protocol.Pong{})
	case protocol.Pong:
		return nil
	case protocol.Presence:
		r.handlePresence(msg)
		return nil
	case protocol.InfoRequest:
		r.processInfo(msg.From, msg.PeerInfo)
		return r.send(protocol.InfoResponse{PeerInfo: r.c.localInfo(r.sess.LocalJID(), msg.From)})
	case protocol.InfoResponse:
		r.processInfo(msg.From, msg.PeerInfo)
		return nil
	case protocol.ErrorMessage:
		slog.Warn("Received error message", "from", msg.From, "message", msg.Message, slogutil.Address(msg.Address))
		return nil
	case protocol.HubPush:
		r.hubID = msg.From
		r.handleHubPush(msg)
		return nil
	case protocol.Response:
		slog.Debug("Hub response", "code", msg.Code, "message", msg.Message)
		return nil
	default:
		slog.Debug("Ignoring unexpected signaling message", "type", fmt.Sprintf("%T", ev))
		return nil
	}
}

func (r *run) handlePresence(p protocol.Presence) {
	if p.From == "" || p.From == r.sess.LocalJID() || !r.c.isPeer(p.From) {
		return
	}
	if p.Available {
		r.peerAvailable(p.From)
		return
	}
	r.c.opts.Directory.EvictPeer(p.From)
	r.dropRecord(p.From, "presence unavailable")
}

// peerAvailable starts the certificate handshake with a peer unless one is
// already in progress or done.
func (r *run) peerAvailable(uri string) {
	if rec, ok := r.records[uri]; ok {
		slog.Debug("Ignoring repeated presence", slogutil.URI(uri), "trust", rec.trust)
		return
	}
	rec := r.recordFor(uri)
	slog.Debug("Requesting peer info", slogutil.URI(uri))
	if err := r.send(protocol.InfoRequest{PeerInfo: r.c.localInfo(r.sess.LocalJID(), uri)}); err != nil {
		// The session is broken; the reader will report it.
		slog.Debug("Failed to send info request", slogutil.URI(uri), slogutil.Error(err))
		return
	}
	seq := rec.seq
	time.AfterFunc(r.c.opts.HandshakeTimeout, func() {
		r.enqueue(handshakeTimeout{uri: uri, seq: seq})
	})
}

func (r *run) recordFor(uri string) *peerRecord {
	if rec, ok := r.records[uri]; ok {
		return rec
	}
	r.seq++
	rec := &peerRecord{uri: uri, trust: trustPending, seq: r.seq}
	r.records[uri] = rec
	metricPeerRecords.Set(float64(len(r.records)))
	return rec
}

func (r *run) dropRecord(uri, reason string) {
	if _, ok := r.records[uri]; !ok {
		return
	}
	delete(r.records, uri)
	metricPeerRecords.Set(float64(len(r.records)))
	slog.Debug("Dropped peer state", slogutil.URI(uri), "reason", reason)
}

// processInfo stores the peer's certificate, classifies its trust and
// admits it to the directory. Info without a certificate leaves the peer's
// state alone; any other failure returns the peer to unknown so that its
// next presence starts a fresh handshake.
func (r *run) processInfo(uri string, info protocol.PeerInfo) {
	if uri == "" || uri == r.sess.LocalJID() {
		return
	}
	if info.Certificate == "" {
		slog.Info("Peer info without certificate", slogutil.URI(uri))
		return
	}
	der, err := tlsutil.DecodeCertificate(info.Certificate)
	if err != nil {
		slog.Warn("Bad certificate from peer", slogutil.URI(uri), slogutil.Error(err))
		r.dropRecord(uri, "bad certificate")
		return
	}
	deviceID := tlsutil.DeviceID(der)
	if info.DeviceID != "" && info.DeviceID != deviceID {
		slog.Warn("Peer device ID does not match its certificate", slogutil.URI(uri), "claimed", info.DeviceID, "actual", deviceID)
		r.dropRecord(uri, "device ID mismatch")
		return
	}
	if err := r.c.opts.CertStore.AddCertificate(deviceID, der); err != nil {
		slog.Warn("Failed to store peer certificate", slogutil.URI(uri), slogutil.Error(err))
		r.dropRecord(uri, "certificate store failure")
		return
	}

	rec := r.recordFor(uri)
	rec.cert = der
	rec.deviceID = deviceID
	rec.trust = trustAnonymous
	if r.c.opts.Contacts != nil && r.c.opts.Contacts.IsTrusted(protocol.Bare(uri)) {
		rec.trust = trustTrusted
	}

	var addr string
	for _, a := range info.Addresses {
		if a != "" {
			addr = a
			break
		}
	}
	if addr == "" {
		slog.Info("Peer advertises no tunnel address", slogutil.URI(uri))
		r.dropRecord(uri, "no tunnel address")
		return
	}

	err = r.c.opts.Directory.TryAdmit(r.ctx, directory.Candidate{
		ID:       uri,
		Address:  addr,
		DeviceID: deviceID,
		Trusted:  rec.trust == trustTrusted,
	})
	if err != nil && !errors.Is(err, directory.ErrAlreadyAdmitted) {
		slog.Info("Peer not admitted", slogutil.URI(uri), slogutil.Error(err))
		r.dropRecord(uri, "not admitted")
	}
}

func (r *run) handleHubPush(msg protocol.HubPush) {
	notice, err := protocol.ParseNotice(msg.Body)
	if err != nil {
		slog.Warn("Ignoring malformed hub push", slogutil.Error(err))
		return
	}

	for _, desc := range notice.Servers {
		cand, err := r.c.opts.Directory.ParseCandidate(desc)
		if err != nil {
			slog.Warn("Ignoring bad server descriptor", "descriptor", desc, slogutil.Error(err))
			continue
		}
		if r.c.opts.Directory.Classify(cand.ID) == directory.Peer {
			if cand.ID != r.sess.LocalJID() {
				r.peerAvailable(cand.ID)
			}
			continue
		}
		r.admissions.Add(1)
		go r.admit(cand)
	}
	if len(notice.Servers) > 0 {
		r.c.opts.Events.Log(events.ConnectivityStatusChanged, events.StatusConnected)
	}

	if delay, ok := notice.ResyncDelay(); ok {
		r.scheduleResync(delay)
	}

	if notice.Update != nil && !r.c.updateShown {
		r.c.updateShown = true
		slog.Info("Software update available")
		r.c.opts.Events.Log(events.UpdateAvailable, notice.Update)
	}
}

// admit runs on its own goroutine since the check may take a minute.
func (r *run) admit(cand directory.Candidate) {
	defer r.admissions.Done()
	err := r.c.opts.Directory.TryAdmit(r.ctx, cand)
	switch {
	case err == nil:
	case errors.Is(err, directory.ErrAlreadyAdmitted), errors.Is(err, directory.ErrLocalIdentity):
	case r.ctx.Err() != nil:
	default:
		r.tryEnqueue(admitFailed{cand: cand, err: err})
	}
}

func (r *run) scheduleResync(delay time.Duration) {
	if !r.c.resyncLimiter.AllowN(r.c.opts.Now(), 1) {
		slog.Debug("Ignoring resync request, one was scheduled recently", "delay", delay)
		return
	}
	if r.resyncTimer != nil {
		r.resyncTimer.Stop()
	}
	r.resyncTimer = time.AfterFunc(delay, func() {
		r.enqueue(resyncFire{})
	})
	slog.Debug("Scheduled resync", "delay", delay)
	r.c.opts.Events.Log(events.ResyncScheduled, delay)
}
