// Copyright (C) 2026 The Hearth Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package config implements reading and writing of the YAML configuration
// file.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"slices"
	"strings"

	"sigs.k8s.io/yaml"
)

const (
	CurrentVersion = 1

	DefaultListenAddress = "127.0.0.1:8787"
	DefaultTunnelTCP     = "0.0.0.0:8788"
	DefaultTunnelQUIC    = "0.0.0.0:8788"
	DefaultMaxConns      = 256

	// resourceMarker must be part of our signaling resource for other
	// instances to recognize us as a peer.
	resourceMarker = "-hearth-"
)

var (
	ErrNotLoopback   = errors.New("proxy must listen on a loopback address")
	ErrMissingHub    = errors.New("signaling account configured without hub address")
	ErrBadResource   = errors.New("signaling resource lacks the peer marker")
	errEmptyDocument = errors.New("empty configuration")
)

type Configuration struct {
	Version   int                    `json:"version"`
	Proxy     ProxyConfiguration     `json:"proxy"`
	Signaling SignalingConfiguration `json:"signaling"`
	Tunnel    TunnelConfiguration    `json:"tunnel"`
	// Whitelist holds the host patterns relayed through proxies.
	Whitelist []string `json:"whitelist"`
	// TrustedContacts are the accounts whose peers we prefer.
	TrustedContacts []string `json:"trustedContacts"`
	// KnownProxies are the descriptors of proxies admitted before, tried
	// again at start up.
	KnownProxies   []string `json:"knownProxies"`
	MetricsAddress string   `json:"metricsAddress,omitempty"`
}

type ProxyConfiguration struct {
	ListenAddress  string `json:"listenAddress"`
	MaxConnections int    `json:"maxConnections"`
}

type SignalingConfiguration struct {
	HubAddress string `json:"hubAddress"`
	Account    string `json:"account"`
	Password   string `json:"password,omitempty"`
	Resource   string `json:"resource"`
	// HubCAFile is a PEM file with the certificate authorities trusted
	// for the hub; empty means the system roots.
	HubCAFile string `json:"hubCAFile,omitempty"`
}

type TunnelConfiguration struct {
	TCPAddress     string `json:"tcpAddress"`
	QUICAddress    string `json:"quicAddress"`
	AdvertiseHost  string `json:"advertiseHost,omitempty"`
	MaxConnections int    `json:"maxConnections"`
}

// New returns the default configuration.
func New() Configuration {
	return Configuration{
		Version: CurrentVersion,
		Proxy: ProxyConfiguration{
			ListenAddress:  DefaultListenAddress,
			MaxConnections: DefaultMaxConns,
		},
		Signaling: SignalingConfiguration{
			Resource: newResource(),
		},
		Tunnel: TunnelConfiguration{
			TCPAddress:     DefaultTunnelTCP,
			QUICAddress:    DefaultTunnelQUIC,
			MaxConnections: DefaultMaxConns,
		},
	}
}

func newResource() string {
	var bs [4]byte
	_, _ = rand.Read(bs[:])
	return "desktop" + resourceMarker + hex.EncodeToString(bs[:])
}

// ReadYAML reads a configuration, with defaults for what it leaves out.
func ReadYAML(r io.Reader) (Configuration, error) {
	bs, err := io.ReadAll(r)
	if err != nil {
		return Configuration{}, err
	}
	if len(strings.TrimSpace(string(bs))) == 0 {
		return Configuration{}, errEmptyDocument
	}
	cfg := New()
	if err := yaml.UnmarshalStrict(bs, &cfg); err != nil {
		return Configuration{}, fmt.Errorf("parsing configuration: %w", err)
	}
	if err := cfg.prepare(); err != nil {
		return Configuration{}, err
	}
	return cfg, nil
}

func (cfg Configuration) WriteYAML(w io.Writer) error {
	bs, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	_, err = w.Write(bs)
	return err
}

func (cfg Configuration) Copy() Configuration {
	newCfg := cfg
	newCfg.Whitelist = slices.Clone(cfg.Whitelist)
	newCfg.TrustedContacts = slices.Clone(cfg.TrustedContacts)
	newCfg.KnownProxies = slices.Clone(cfg.KnownProxies)
	return newCfg
}

// prepare fills in zero values and validates.
func (cfg *Configuration) prepare() error {
	if cfg.Version == 0 {
		cfg.Version = CurrentVersion
	}
	if cfg.Proxy.ListenAddress == "" {
		cfg.Proxy.ListenAddress = DefaultListenAddress
	}
	if err := checkLoopback(cfg.Proxy.ListenAddress); err != nil {
		return err
	}
	if cfg.Proxy.MaxConnections < 0 {
		cfg.Proxy.MaxConnections = 0
	}
	if cfg.Tunnel.MaxConnections < 0 {
		cfg.Tunnel.MaxConnections = 0
	}

	if cfg.Signaling.Account != "" && cfg.Signaling.HubAddress == "" {
		return ErrMissingHub
	}
	if cfg.Signaling.Resource == "" {
		cfg.Signaling.Resource = newResource()
	}
	if !strings.Contains(cfg.Signaling.Resource, resourceMarker) {
		return fmt.Errorf("%w: %q", ErrBadResource, cfg.Signaling.Resource)
	}

	cfg.Whitelist = uniqueTrimmed(cfg.Whitelist, false)
	cfg.TrustedContacts = uniqueTrimmed(cfg.TrustedContacts, true)
	cfg.KnownProxies = uniqueTrimmed(cfg.KnownProxies, false)
	return nil
}

// checkLoopback accepts only addresses binding to loopback interfaces.
// The proxy serves whoever connects and must not be reachable from the
// network.
func checkLoopback(addr string) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("listen address %q: %w", addr, err)
	}
	if host == "localhost" {
		return nil
	}
	ip := net.ParseIP(host)
	if ip == nil || !ip.IsLoopback() {
		return fmt.Errorf("%w: %q", ErrNotLoopback, addr)
	}
	return nil
}

func uniqueTrimmed(ss []string, fold bool) []string {
	var res []string
	for _, s := range ss {
		s = strings.TrimSpace(s)
		if fold {
			s = strings.ToLower(s)
		}
		if s == "" || slices.Contains(res, s) {
			continue
		}
		res = append(res, s)
	}
	return res
}
