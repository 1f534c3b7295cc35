// Copyright (C) 2026 The Hearth Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package classify

import (
	"testing"

	"github.com/d4l3k/messagediff"
)

func TestShouldRoute(t *testing.T) {
	w, err := NewWhitelist([]string{
		"# blocked news",
		"example.com",
		"*.cdn.example.net",
		"!private.example.com",
		"",
		"Video.Example.Org.",
	})
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		host string
		want bool
	}{
		{"example.com", true},
		{"example.com:443", true},
		{"www.example.com", true},
		{"a.b.example.com", true},
		{"EXAMPLE.COM.", true},
		{"notexample.com", false},
		{"example.com.evil.org", false},
		{"img.cdn.example.net", true},
		{"a.img.cdn.example.net", false},
		{"cdn.example.net", false},
		{"private.example.com", false},
		{"video.example.org", true},
		{"[::1]:80", false},
		{"", false},
	}
	for _, tc := range cases {
		// Twice, the second time from the cache.
		for i := 0; i < 2; i++ {
			if got := w.ShouldRoute(tc.host); got != tc.want {
				t.Errorf("ShouldRoute(%q) = %v, want %v", tc.host, got, tc.want)
			}
		}
	}
}

func TestUpdatePurgesCache(t *testing.T) {
	w, err := NewWhitelist([]string{"example.com"})
	if err != nil {
		t.Fatal(err)
	}
	if !w.ShouldRoute("example.com") {
		t.Fatal("should route")
	}
	if err := w.Update([]string{"other.org"}); err != nil {
		t.Fatal(err)
	}
	if w.ShouldRoute("example.com") {
		t.Error("stale cached decision")
	}
	if diff, equal := messagediff.PrettyDiff([]string{"other.org"}, w.Patterns()); !equal {
		t.Error(diff)
	}
}

func TestUpdateKeepsPatternsOnError(t *testing.T) {
	w, err := NewWhitelist([]string{"example.com"})
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Update([]string{"[unclosed"}); err == nil {
		t.Fatal("bad pattern accepted")
	}
	if !w.ShouldRoute("example.com") {
		t.Error("old patterns lost")
	}
	if _, err := NewWhitelist([]string{"!"}); err == nil {
		t.Error("empty exclusion accepted")
	}
}
