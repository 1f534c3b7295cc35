// Copyright (C) 2026 The Hearth Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package config

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/d4l3k/messagediff"
)

const sample = `
proxy:
  listenAddress: "[::1]:9000"
signaling:
  hubAddress: hub.example.com:5223
  account: me@example.com
  resource: laptop-hearth-1
whitelist:
  - example.com
  - " example.com "
  - "*.cdn.example.net"
trustedContacts:
  - Friend@Example.com
  - friend@example.com
knownProxies:
  - 203.0.113.1:443
`

func TestReadYAML(t *testing.T) {
	cfg, err := ReadYAML(strings.NewReader(sample))
	if err != nil {
		t.Fatal(err)
	}

	expected := New()
	expected.Proxy.ListenAddress = "[::1]:9000"
	expected.Signaling = SignalingConfiguration{
		HubAddress: "hub.example.com:5223",
		Account:    "me@example.com",
		Resource:   "laptop-hearth-1",
	}
	expected.Whitelist = []string{"example.com", "*.cdn.example.net"}
	expected.TrustedContacts = []string{"friend@example.com"}
	expected.KnownProxies = []string{"203.0.113.1:443"}

	if diff, equal := messagediff.PrettyDiff(expected, cfg); !equal {
		t.Errorf("unexpected configuration. Diff:\n%s", diff)
	}
}

func TestReadYAMLErrors(t *testing.T) {
	cases := []struct {
		name string
		doc  string
		want error
	}{
		{"public listener", "proxy:\n  listenAddress: 0.0.0.0:8787\n", ErrNotLoopback},
		{"hostname listener", "proxy:\n  listenAddress: example.com:8787\n", ErrNotLoopback},
		{"account without hub", "signaling:\n  account: me@example.com\n", ErrMissingHub},
		{"resource without marker", "signaling:\n  resource: laptop\n", ErrBadResource},
		{"empty", "  \n", errEmptyDocument},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ReadYAML(strings.NewReader(tc.doc)); !errors.Is(err, tc.want) {
				t.Errorf("got %v, want %v", err, tc.want)
			}
		})
	}

	if _, err := ReadYAML(strings.NewReader("unknownKey: 1\n")); err == nil {
		t.Error("unknown key accepted")
	}
}

func TestDefaults(t *testing.T) {
	cfg := New()
	if err := cfg.prepare(); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(cfg.Signaling.Resource, resourceMarker) {
		t.Errorf("resource %q", cfg.Signaling.Resource)
	}
	if New().Signaling.Resource == cfg.Signaling.Resource {
		t.Error("resources should be random")
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	cfg, err := ReadYAML(strings.NewReader(sample))
	if err != nil {
		t.Fatal(err)
	}
	buf := new(bytes.Buffer)
	if err := cfg.WriteYAML(buf); err != nil {
		t.Fatal(err)
	}
	again, err := ReadYAML(buf)
	if err != nil {
		t.Fatal(err)
	}
	if diff, equal := messagediff.PrettyDiff(cfg, again); !equal {
		t.Errorf("round trip changed configuration. Diff:\n%s", diff)
	}
}

func TestWrapperKnownProxies(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	w, err := LoadOrDefault(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatal("default configuration not saved")
	}

	for _, d := range []string{"203.0.113.1:443", "203.0.113.1:443", "x.appspot.com"} {
		if err := w.AddKnownProxy(d); err != nil {
			t.Fatal(err)
		}
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if diff, equal := messagediff.PrettyDiff([]string{"203.0.113.1:443", "x.appspot.com"}, reloaded.KnownProxies()); !equal {
		t.Error(diff)
	}
	if reloaded.Signaling().Resource != w.Signaling().Resource {
		t.Error("resource not persisted")
	}
}

func TestWrapperReplaceAndTrust(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	w := Wrap(path, New())

	cfg := w.RawCopy()
	cfg.TrustedContacts = []string{"Friend@Example.com"}
	if err := w.Replace(cfg); err != nil {
		t.Fatal(err)
	}
	if !w.IsTrusted("friend@example.com") || w.IsTrusted("stranger@example.com") {
		t.Error("IsTrusted wrong")
	}

	cfg.Proxy.ListenAddress = "192.0.2.1:80"
	if err := w.Replace(cfg); !errors.Is(err, ErrNotLoopback) {
		t.Errorf("got %v", err)
	}
	if w.Proxy().ListenAddress != DefaultListenAddress {
		t.Error("rejected configuration took effect")
	}
}
