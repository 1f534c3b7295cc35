// Copyright (C) 2026 The Hearth Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package geoip resolves client addresses to countries using a MaxMind
// GeoIP2 database, either a fixed file or one downloaded and refreshed
// automatically.
package geoip

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/maxmind/geoipupdate/v6/pkg/geoipupdate"
	"github.com/oschwald/geoip2-golang"
)

var ErrNoDatabase = errors.New("no GeoIP database configured")

type Provider struct {
	edition         string
	accountID       int
	licenseKey      string
	refreshInterval time.Duration
	directory       string
	path            string

	mut        sync.Mutex
	db         *geoip2.Reader
	lastOpened time.Time
}

// NewGeoLite2CountryProvider returns a provider for the GeoLite2-Country
// database. The database is stored in the given directory (which should
// exist) and refreshed every 7 days.
func NewGeoLite2CountryProvider(accountID int, licenseKey string, directory string) *Provider {
	return &Provider{
		edition:         "GeoLite2-Country",
		accountID:       accountID,
		licenseKey:      licenseKey,
		refreshInterval: 7 * 24 * time.Hour,
		directory:       directory,
	}
}

// NewFileProvider returns a provider reading a database file that is
// maintained by someone else. The file is reopened daily.
func NewFileProvider(path string) *Provider {
	return &Provider{
		refreshInterval: 24 * time.Hour,
		path:            path,
	}
}

// Country returns the ISO 3166-1 code of the country ip is located in, or
// the empty string when the database does not know.
func (p *Provider) Country(ip net.IP) (string, error) {
	p.mut.Lock()

	if p.db != nil && time.Since(p.lastOpened) > p.refreshInterval/2 {
		p.db.Close()
		p.db = nil
	}
	if p.db == nil {
		var err error
		p.db, err = p.open(context.Background())
		if err != nil {
			p.mut.Unlock()
			return "", err
		}
		p.lastOpened = time.Now()
	}
	db := p.db

	p.mut.Unlock()

	rec, err := db.Country(ip)
	if err != nil {
		return "", err
	}
	return rec.Country.IsoCode, nil
}

func (p *Provider) Close() error {
	p.mut.Lock()
	defer p.mut.Unlock()
	if p.db == nil {
		return nil
	}
	err := p.db.Close()
	p.db = nil
	return err
}

// open returns a reader for the database. A downloaded database missing
// locally is fetched; one older than refreshInterval is fetched again,
// falling back to the existing file if that fails.
func (p *Provider) open(ctx context.Context) (*geoip2.Reader, error) {
	if p.path != "" {
		return geoip2.Open(p.path)
	}
	if p.licenseKey == "" {
		return nil, fmt.Errorf("open: %w: no license key set", ErrNoDatabase)
	}
	if p.edition == "" {
		return nil, fmt.Errorf("open: %w: no edition set", ErrNoDatabase)
	}

	path := filepath.Join(p.directory, p.edition+".mmdb")
	info, err := os.Stat(path)
	if err != nil {
		if err := p.download(ctx); err != nil {
			return nil, fmt.Errorf("open: %w", err)
		}
	} else if time.Since(info.ModTime()) > p.refreshInterval {
		_ = p.download(ctx)
	}

	return geoip2.Open(path)
}

func (p *Provider) download(ctx context.Context) error {
	cfg := &geoipupdate.Config{
		URL:               "https://updates.maxmind.com",
		DatabaseDirectory: p.directory,
		LockFile:          filepath.Join(p.directory, "geoipupdate.lock"),
		RetryFor:          5 * time.Minute,
		Parallelism:       1,
		AccountID:         p.accountID,
		LicenseKey:        p.licenseKey,
		EditionIDs:        []string{p.edition},
	}

	if err := geoipupdate.NewClient(cfg).Run(ctx); err != nil {
		return fmt.Errorf("download: %w", err)
	}
	return nil
}
