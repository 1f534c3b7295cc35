// Copyright (C) 2026 The Hearth Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package locations knows where the configuration, keys and databases of
// an instance live.
package locations

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
)

type LocationEnum string

const (
	ConfigFile LocationEnum = "config"
	CertFile   LocationEnum = "certFile"
	KeyFile    LocationEnum = "keyFile"
	CertStore  LocationEnum = "certStore"
)

const appName = "hearth"

var locationTemplates = map[LocationEnum]string{
	ConfigFile: "config.yaml",
	CertFile:   "cert.pem",
	KeyFile:    "key.pem",
	CertStore:  "certs.db",
}

var (
	mut     sync.Mutex
	baseDir string
)

// SetBaseDir overrides the platform default directory.
func SetBaseDir(path string) error {
	path, err := ExpandTilde(path)
	if err != nil {
		return err
	}
	mut.Lock()
	baseDir = filepath.Clean(path)
	mut.Unlock()
	return nil
}

// BaseDir returns the directory everything lives in.
func BaseDir() string {
	mut.Lock()
	defer mut.Unlock()
	if baseDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		baseDir = defaultDir(runtime.GOOS, home, os.Getenv)
	}
	return baseDir
}

func Get(location LocationEnum) string {
	name, ok := locationTemplates[location]
	if !ok {
		panic(fmt.Sprintf("unknown location %q", location))
	}
	return filepath.Join(BaseDir(), name)
}

// EnsureBaseDir creates the base directory if needed.
func EnsureBaseDir() error {
	return os.MkdirAll(BaseDir(), 0o700)
}

func ExpandTilde(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") && !strings.HasPrefix(path, `~\`) {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("expanding %q: %w", path, err)
	}
	return filepath.Join(home, path[1:]), nil
}

func defaultDir(goos, userHome string, getenv func(string) string) string {
	switch goos {
	case "windows":
		if p := getenv("LocalAppData"); p != "" {
			return filepath.Join(p, "Hearth")
		}
		return filepath.Join(getenv("AppData"), "Hearth")

	case "darwin":
		return filepath.Join(userHome, "Library/Application Support/Hearth")

	default:
		if xdgCfg := getenv("XDG_CONFIG_HOME"); xdgCfg != "" {
			return filepath.Join(xdgCfg, appName)
		}
		return filepath.Join(userHome, ".config", appName)
	}
}
