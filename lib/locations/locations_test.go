// Copyright (C) 2026 The Hearth Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

//go:build !windows

package locations

import (
	"path/filepath"
	"testing"
)

func TestDefaultDir(t *testing.T) {
	t.Parallel()

	cases := []struct {
		goos     string
		env      map[string]string
		expected string
	}{
		{"linux", nil, "/home/user/.config/hearth"},
		{"linux", map[string]string{"XDG_CONFIG_HOME": "/somewhere/else"}, "/somewhere/else/hearth"},
		{"darwin", map[string]string{"XDG_CONFIG_HOME": "/ignored"}, "/home/user/Library/Application Support/Hearth"},
		{"windows", map[string]string{"LocalAppData": "/local", "AppData": "/roaming"}, "/local/Hearth"},
		{"windows", map[string]string{"AppData": "/roaming"}, "/roaming/Hearth"},
	}

	for _, c := range cases {
		getenv := func(k string) string { return c.env[k] }
		if actual := defaultDir(c.goos, "/home/user", getenv); actual != c.expected {
			t.Errorf("defaultDir(%q, %v) == %q, expected %q", c.goos, c.env, actual, c.expected)
		}
	}
}

func TestSetBaseDir(t *testing.T) {
	dir := t.TempDir()
	if err := SetBaseDir(dir); err != nil {
		t.Fatal(err)
	}
	if got := Get(CertStore); got != filepath.Join(dir, "certs.db") {
		t.Errorf("got %q", got)
	}
	if err := EnsureBaseDir(); err != nil {
		t.Error(err)
	}
}
