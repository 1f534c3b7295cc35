// Copyright (C) 2026 The Hearth Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package directory keeps the proxy endpoints currently usable for
// routing: centralized proxies, cloud fallback proxies and peers, each
// class in its own round robin registry.
package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"

	"github.com/hearthproxy/hearth/internal/slogutil"
	"github.com/hearthproxy/hearth/lib/events"
)

type Class int

const (
	Centralized Class = iota
	CloudFallback
	Peer
)

func (c Class) String() string {
	switch c {
	case Centralized:
		return "centralized"
	case CloudFallback:
		return "cloud-fallback"
	case Peer:
		return "peer"
	default:
		return fmt.Sprintf("unknown(%d)", int(c))
	}
}

const (
	DefaultCloudMarker = "appspot"
	cloudFallbackPort  = "443"
)

const (
	regCentralized = iota
	regCloudFallback
	regTrustedPeer
	regAnonymousPeer
	numRegistries
)

var registryNames = [numRegistries]string{"centralized", "cloud-fallback", "trusted-peer", "anonymous-peer"}

var (
	ErrLocalIdentity   = errors.New("candidate is the local instance")
	ErrAlreadyAdmitted = errors.New("endpoint already admitted")
	ErrNoAddress       = errors.New("candidate has no address")
)

// An Endpoint is an admitted proxy. Two endpoints are equal when both ID
// and Address are equal.
type Endpoint struct {
	ID       string `json:"id"`
	Address  string `json:"address"`
	Class    Class  `json:"class"`
	DeviceID string `json:"deviceID,omitempty"`
	Trusted  bool   `json:"trusted,omitempty"`
}

func (e Endpoint) key() string {
	return e.ID + "\x00" + e.Address
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s %s@%s", e.Class, e.ID, e.Address)
}

// A Candidate is an endpoint proposed for admission. For peers Address is
// the tunnel URI learned in the certificate handshake.
type Candidate struct {
	ID       string
	Address  string
	DeviceID string
	Trusted  bool
}

type Options struct {
	// LocalID is our own full signaling identifier, never admitted.
	LocalID string
	// LocalAccount is our own account; "<account>/<resource>" identifiers
	// are other devices of ours and thus peers.
	LocalAccount string
	// CloudMarker identifies cloud fallback hosts. Defaults to
	// DefaultCloudMarker.
	CloudMarker string
	Checker     Checker
	Events      events.Logger
	// OnAdmit is called after a centralized or cloud fallback endpoint
	// was admitted.
	OnAdmit func(Endpoint)
}

type Directory struct {
	opts       Options
	registries [numRegistries]*registry
}

func New(opts Options) *Directory {
	if opts.CloudMarker == "" {
		opts.CloudMarker = DefaultCloudMarker
	}
	if opts.Checker == nil {
		opts.Checker = NewTCPChecker(CheckTimeout)
	}
	if opts.Events == nil {
		opts.Events = events.NoopLogger
	}
	d := &Directory{opts: opts}
	for i := range d.registries {
		d.registries[i] = newRegistry(registryNames[i])
	}
	return d
}

// Classify decides the class of an identifier.
func (d *Directory) Classify(id string) Class {
	switch {
	case strings.Contains(id, d.opts.CloudMarker):
		return CloudFallback
	case strings.Contains(id, "@"):
		return Peer
	case d.opts.LocalAccount != "" && strings.HasPrefix(id, d.opts.LocalAccount+"/"):
		return Peer
	default:
		return Centralized
	}
}

// ParseCandidate turns a server descriptor, as pushed by the hub, into a
// candidate. Peer descriptors come back without an address.
func (d *Directory) ParseCandidate(descriptor string) (Candidate, error) {
	descriptor = strings.TrimSpace(descriptor)
	if descriptor == "" {
		return Candidate{}, errors.New("empty descriptor")
	}
	switch d.Classify(descriptor) {
	case Peer:
		return Candidate{ID: descriptor}, nil
	case CloudFallback:
		host := descriptor
		if h, _, err := net.SplitHostPort(descriptor); err == nil {
			host = h
		}
		return Candidate{ID: descriptor, Address: net.JoinHostPort(host, cloudFallbackPort)}, nil
	default:
		host, port, err := net.SplitHostPort(descriptor)
		if err != nil {
			return Candidate{}, fmt.Errorf("centralized proxy %q: %w", descriptor, err)
		}
		if host == "" || port == "" {
			return Candidate{}, fmt.Errorf("centralized proxy %q: missing host or port", descriptor)
		}
		return Candidate{ID: descriptor, Address: descriptor}, nil
	}
}

// Admit classifies the candidate and adds it to the matching registry,
// reporting whether it was added. See TryAdmit.
func (d *Directory) Admit(ctx context.Context, c Candidate) bool {
	return d.TryAdmit(ctx, c) == nil
}

// TryAdmit admits the candidate or returns the reason it was not.
// Centralized and cloud fallback candidates must pass a reachability check
// first; the check may block for up to CheckTimeout and must not be run on
// a latency sensitive goroutine. Peers are admitted without a check into
// the trusted or anonymous registry.
func (d *Directory) TryAdmit(ctx context.Context, c Candidate) error {
	if c.ID == "" {
		return errors.New("candidate has no identifier")
	}
	if c.ID == d.opts.LocalID {
		slog.Debug("Not admitting ourselves", slogutil.URI(c.ID))
		return ErrLocalIdentity
	}

	class := d.Classify(c.ID)
	if class != Peer && c.Address == "" {
		parsed, err := d.ParseCandidate(c.ID)
		if err != nil {
			return err
		}
		c.Address = parsed.Address
	}
	if c.Address == "" {
		return ErrNoAddress
	}

	ep := Endpoint{
		ID:       c.ID,
		Address:  c.Address,
		Class:    class,
		DeviceID: c.DeviceID,
		Trusted:  class == Peer && c.Trusted,
	}
	if class == Peer {
		return d.admitPeer(ep)
	}

	reg := d.registries[regCentralized]
	if class == CloudFallback {
		reg = d.registries[regCloudFallback]
	}
	if reg.contains(ep) {
		return ErrAlreadyAdmitted
	}

	if err := d.opts.Checker.Check(ctx, ep.Address); err != nil {
		metricChecks.WithLabelValues("failure").Inc()
		slog.Warn("Could not connect to proxy", slogutil.Address(ep.Address), "class", class, slogutil.Error(err))
		d.opts.Events.Log(events.ProxyConnectFailed, map[string]string{
			"id":      ep.ID,
			"address": ep.Address,
			"class":   class.String(),
			"error":   err.Error(),
		})
		return fmt.Errorf("probing %s: %w", ep.Address, err)
	}
	metricChecks.WithLabelValues("success").Inc()
	if err := ctx.Err(); err != nil {
		return err
	}

	// Someone else may have admitted the same endpoint while we were checking.
	if !reg.add(ep) {
		return ErrAlreadyAdmitted
	}
	slog.Info("Admitted proxy", slogutil.Address(ep.Address), "class", class)
	d.opts.Events.Log(events.ProxyAdmitted, ep)
	if d.opts.OnAdmit != nil {
		d.opts.OnAdmit(ep)
	}
	return nil
}

func (d *Directory) admitPeer(ep Endpoint) error {
	reg, other := d.registries[regAnonymousPeer], d.registries[regTrustedPeer]
	if ep.Trusted {
		reg, other = other, reg
	}
	// A peer changes registry when its trust changed since it was last
	// admitted.
	other.removeID(ep.ID)
	if !reg.add(ep) {
		return ErrAlreadyAdmitted
	}
	slog.Info("Admitted peer", slogutil.URI(ep.ID), slogutil.Address(ep.Address), "trusted", ep.Trusted)
	d.opts.Events.Log(events.PeerAdmitted, ep)
	return nil
}

// Retrieve returns the next endpoint of the class in round robin order.
// For peers, trusted peers are preferred over anonymous ones. The boolean
// is false when no endpoint of the class is available.
func (d *Directory) Retrieve(class Class) (Endpoint, bool) {
	switch class {
	case Centralized:
		return d.registries[regCentralized].next()
	case CloudFallback:
		return d.registries[regCloudFallback].next()
	case Peer:
		if ep, ok := d.RetrievePeer(true); ok {
			return ep, true
		}
		return d.RetrievePeer(false)
	default:
		return Endpoint{}, false
	}
}

// RetrievePeer returns the next trusted or anonymous peer.
func (d *Directory) RetrievePeer(trusted bool) (Endpoint, bool) {
	if trusted {
		return d.registries[regTrustedPeer].next()
	}
	return d.registries[regAnonymousPeer].next()
}

// EvictPeer removes the peer from both peer registries. Evicting an
// unknown peer does nothing.
func (d *Directory) EvictPeer(uri string) {
	n := d.registries[regTrustedPeer].removeID(uri)
	n += d.registries[regAnonymousPeer].removeID(uri)
	if n == 0 {
		return
	}
	metricEvictions.Inc()
	slog.Info("Evicted peer", slogutil.URI(uri))
	slog.Debug("Directory after eviction", "directory", slogutil.Expensive(func() any { return d.Snapshot() }))
	d.opts.Events.Log(events.PeerEvicted, uri)
}

// Reset empties every registry. All registries are locked for the
// duration so no admission or retrieval observes a partial reset.
func (d *Directory) Reset() {
	for _, r := range d.registries {
		r.mut.Lock()
	}
	for _, r := range d.registries {
		r.clearLocked()
	}
	for i := len(d.registries) - 1; i >= 0; i-- {
		d.registries[i].mut.Unlock()
	}
	slog.Debug("Directory reset")
}

// Len returns the number of endpoints of the class.
func (d *Directory) Len(class Class) int {
	switch class {
	case Centralized:
		return d.registries[regCentralized].len()
	case CloudFallback:
		return d.registries[regCloudFallback].len()
	case Peer:
		return d.registries[regTrustedPeer].len() + d.registries[regAnonymousPeer].len()
	default:
		return 0
	}
}

// Snapshot returns the registries' contents keyed by registry name.
func (d *Directory) Snapshot() map[string][]Endpoint {
	m := make(map[string][]Endpoint, numRegistries)
	for _, r := range d.registries {
		m[r.name] = r.snapshot()
	}
	return m
}
