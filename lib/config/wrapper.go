// Copyright (C) 2026 The Hearth Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package config

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"slices"
	"strings"
	"sync"

	"github.com/hearthproxy/hearth/internal/slogutil"
	"github.com/hearthproxy/hearth/lib/osutil"
)

// A Wrapper holds the configuration in effect, serializes changes to it
// and saves them to the file it was loaded from.
type Wrapper struct {
	cfg  Configuration
	path string
	mut  sync.Mutex
}

// Wrap ties an existing Configuration to a file on disk.
func Wrap(path string, cfg Configuration) *Wrapper {
	return &Wrapper{cfg: cfg, path: path}
}

// Load reads the configuration file at path.
func Load(path string) (*Wrapper, error) {
	fd, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fd.Close()

	cfg, err := ReadYAML(fd)
	if err != nil {
		return nil, err
	}
	return Wrap(path, cfg), nil
}

// LoadOrDefault loads the configuration at path, creating it with the
// defaults when it does not exist.
func LoadOrDefault(path string) (*Wrapper, error) {
	w, err := Load(path)
	if err == nil {
		return w, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	w = Wrap(path, New())
	if err := w.Save(); err != nil {
		return nil, err
	}
	slog.Info("Created default configuration", "path", path)
	return w, nil
}

func (w *Wrapper) ConfigPath() string {
	return w.path
}

// RawCopy returns a copy of the current Configuration.
func (w *Wrapper) RawCopy() Configuration {
	w.mut.Lock()
	defer w.mut.Unlock()
	return w.cfg.Copy()
}

// Replace validates cfg, puts it in effect and saves it.
func (w *Wrapper) Replace(cfg Configuration) error {
	cfg = cfg.Copy()
	if err := cfg.prepare(); err != nil {
		return err
	}
	w.mut.Lock()
	defer w.mut.Unlock()
	w.cfg = cfg
	return w.saveLocked()
}

// Save writes the configuration to disk.
func (w *Wrapper) Save() error {
	w.mut.Lock()
	defer w.mut.Unlock()
	return w.saveLocked()
}

func (w *Wrapper) saveLocked() error {
	fd, err := osutil.CreateAtomic(w.path)
	if err != nil {
		slog.Debug("CreateAtomic", slogutil.Error(err))
		return err
	}
	if err := w.cfg.WriteYAML(fd); err != nil {
		slog.Debug("WriteYAML", slogutil.Error(err))
		fd.Close()
		return err
	}
	if err := fd.Close(); err != nil {
		slog.Debug("Close", slogutil.Error(err))
		return err
	}
	return nil
}

// IsTrusted reports whether account, a bare signaling identifier, is one
// of the trusted contacts.
func (w *Wrapper) IsTrusted(account string) bool {
	account = strings.ToLower(strings.TrimSpace(account))
	w.mut.Lock()
	defer w.mut.Unlock()
	return slices.Contains(w.cfg.TrustedContacts, account)
}

func (w *Wrapper) KnownProxies() []string {
	w.mut.Lock()
	defer w.mut.Unlock()
	return slices.Clone(w.cfg.KnownProxies)
}

// AddKnownProxy remembers a proxy descriptor, saving the configuration if
// it was new.
func (w *Wrapper) AddKnownProxy(descriptor string) error {
	descriptor = strings.TrimSpace(descriptor)
	w.mut.Lock()
	defer w.mut.Unlock()
	if descriptor == "" || slices.Contains(w.cfg.KnownProxies, descriptor) {
		return nil
	}
	w.cfg.KnownProxies = append(w.cfg.KnownProxies, descriptor)
	return w.saveLocked()
}

func (w *Wrapper) Whitelist() []string {
	w.mut.Lock()
	defer w.mut.Unlock()
	return slices.Clone(w.cfg.Whitelist)
}

func (w *Wrapper) Proxy() ProxyConfiguration {
	w.mut.Lock()
	defer w.mut.Unlock()
	return w.cfg.Proxy
}

func (w *Wrapper) Signaling() SignalingConfiguration {
	w.mut.Lock()
	defer w.mut.Unlock()
	return w.cfg.Signaling
}

func (w *Wrapper) Tunnel() TunnelConfiguration {
	w.mut.Lock()
	defer w.mut.Unlock()
	return w.cfg.Tunnel
}
