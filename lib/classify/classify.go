// Copyright (C) 2026 The Hearth Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package classify decides which destinations are relayed through proxies.
package classify

import (
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"

	"github.com/gobwas/glob"
	lru "github.com/hashicorp/golang-lru/v2"
)

const cacheSize = 4096

type Pattern struct {
	pattern string
	match   glob.Glob
	include bool
}

func (p Pattern) String() string {
	if !p.include {
		return "!" + p.pattern
	}
	return p.pattern
}

// ParsePattern compiles a whitelist line. Labels are separated by dots, so
// "*" matches within one label and "**" across labels. A pattern without
// wildcards matches the domain and all its subdomains. A leading "!"
// excludes matching hosts.
func ParsePattern(line string) (Pattern, error) {
	line = strings.ToLower(strings.TrimSpace(line))
	p := Pattern{include: true}
	if strings.HasPrefix(line, "!") {
		p.include = false
		line = line[1:]
	}
	line = strings.TrimSuffix(line, ".")
	if line == "" {
		return Pattern{}, fmt.Errorf("empty pattern")
	}
	p.pattern = line

	expr := line
	if !strings.ContainsAny(line, "*?[{") {
		expr = "{" + line + ",**." + line + "}"
	}
	var err error
	p.match, err = glob.Compile(expr, '.')
	if err != nil {
		return Pattern{}, fmt.Errorf("pattern %q: %w", line, err)
	}
	return p, nil
}

// A Whitelist routes the hosts matching its patterns. Decisions are
// cached per host. It is safe for concurrent use.
type Whitelist struct {
	mut      sync.RWMutex
	patterns []Pattern
	cache    *lru.Cache[string, bool]
}

func NewWhitelist(lines []string) (*Whitelist, error) {
	cache, err := lru.New[string, bool](cacheSize)
	// New only errors on a non-positive size.
	if err != nil {
		panic(err)
	}
	w := &Whitelist{cache: cache}
	if err := w.Update(lines); err != nil {
		return nil, err
	}
	return w, nil
}

// Update replaces the patterns. On error the old patterns stay in effect.
func (w *Whitelist) Update(lines []string) error {
	patterns := make([]Pattern, 0, len(lines))
	for _, line := range lines {
		if strings.TrimSpace(line) == "" || strings.HasPrefix(strings.TrimSpace(line), "#") {
			continue
		}
		p, err := ParsePattern(line)
		if err != nil {
			return err
		}
		patterns = append(patterns, p)
	}

	w.mut.Lock()
	w.patterns = patterns
	w.cache.Purge()
	w.mut.Unlock()
	slog.Debug("Whitelist updated", "patterns", len(patterns))
	return nil
}

func (w *Whitelist) Patterns() []string {
	w.mut.RLock()
	defer w.mut.RUnlock()
	res := make([]string, len(w.patterns))
	for i, p := range w.patterns {
		res[i] = p.String()
	}
	return res
}

// ShouldRoute reports whether host, possibly with a port, is whitelisted.
// Exclusions take precedence.
func (w *Whitelist) ShouldRoute(host string) bool {
	host = normalize(host)
	if host == "" {
		return false
	}

	w.mut.RLock()
	defer w.mut.RUnlock()
	if res, ok := w.cache.Get(host); ok {
		return res
	}
	res := w.match(host)
	w.cache.Add(host, res)
	return res
}

func (w *Whitelist) match(host string) bool {
	res := false
	for _, p := range w.patterns {
		if !p.match.Match(host) {
			continue
		}
		if !p.include {
			return false
		}
		res = true
	}
	return res
}

func normalize(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimPrefix(strings.TrimSuffix(host, "]"), "[")
	return strings.TrimSuffix(strings.ToLower(host), ".")
}
