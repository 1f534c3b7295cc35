// Copyright (C) 2026 The Hearth Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Command hearthhub runs the signaling hub hearth instances log in to.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/thejerf/suture/v4"
	"github.com/willabides/kongplete"
	_ "go.uber.org/automaxprocs"
	"golang.org/x/time/rate"

	"github.com/hearthproxy/hearth/internal/slogutil"
	"github.com/hearthproxy/hearth/lib/build"
	"github.com/hearthproxy/hearth/lib/geoip"
	"github.com/hearthproxy/hearth/lib/signaling/hub"
	"github.com/hearthproxy/hearth/lib/svcutil"
	"github.com/hearthproxy/hearth/lib/tlsutil"
)

type CLI struct {
	Serve              serveCmd                     `cmd:"" default:"withargs" help:"Run the hub"`
	HashPassword       hashPasswordCmd              `cmd:"" help:"Print a users file line for an account"`
	Version            versionCmd                   `cmd:"" help:"Show version"`
	InstallCompletions kongplete.InstallCompletions `cmd:"" help:"Install shell completions"`
}

type serveCmd struct {
	Listen          string        `env:"HEARTHHUB_LISTEN" default:":5222" help:"Signaling listen address"`
	StatusListen    string        `env:"HEARTHHUB_STATUS_LISTEN" default:"127.0.0.1:8080" help:"Status and metrics listen address, empty to disable"`
	Cert            string        `env:"HEARTHHUB_CERT" type:"path" default:"cert.pem" help:"Certificate file, generated if missing"`
	Key             string        `env:"HEARTHHUB_KEY" type:"path" default:"key.pem" help:"Key file, generated if missing"`
	Users           string        `env:"HEARTHHUB_USERS" type:"path" help:"Users file with account:bcrypt-hash lines; any account may log in without one"`
	Servers         []string      `env:"HEARTHHUB_SERVERS" help:"Proxy descriptors pushed to clients"`
	ResyncDelay     time.Duration `env:"HEARTHHUB_RESYNC_DELAY" default:"15m" help:"Delay before clients refresh their presence"`
	Censored        []string      `env:"HEARTHHUB_CENSORED" help:"Countries whose clients get the server list, defaults to a built in list"`
	GeoIPDatabase   string        `env:"HEARTHHUB_GEOIP_DATABASE" type:"path" help:"GeoIP2 country database file"`
	GeoIPAccountID  int           `env:"HEARTHHUB_GEOIP_ACCOUNT_ID" help:"MaxMind account for automatic database downloads"`
	GeoIPLicenseKey string        `env:"HEARTHHUB_GEOIP_LICENSE_KEY" help:"MaxMind license key for automatic database downloads"`
	GeoIPDirectory  string        `env:"HEARTHHUB_GEOIP_DIRECTORY" type:"path" default:"." help:"Where downloaded databases are kept"`
	UpdateVersion   string        `env:"HEARTHHUB_UPDATE_VERSION" help:"Announce this client version as available"`
	UpdateURL       string        `env:"HEARTHHUB_UPDATE_URL" help:"Download location of the announced version"`
	MessageRate     float64       `env:"HEARTHHUB_MESSAGE_RATE" default:"10" help:"Allowed messages per second and session"`
	MessageBurst    int           `env:"HEARTHHUB_MESSAGE_BURST" default:"50" help:"Allowed message burst per session"`
}

type hashPasswordCmd struct {
	Account  string `arg:"" help:"Account name"`
	Password string `arg:"" help:"Password"`
}

type versionCmd struct{}

func main() {
	var cli CLI
	parser := kong.Must(&cli, kong.Name("hearthhub"), kong.Description("Signaling hub for hearth"), kong.UsageOnError())
	kongplete.Complete(parser)
	ctx, err := parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)
	ctx.FatalIfErrorf(ctx.Run())
}

func (versionCmd) Run() error {
	fmt.Println(build.LongVersion("hearthhub"))
	return nil
}

func (c *hashPasswordCmd) Run() error {
	line, err := hub.HashPassword(c.Account, c.Password)
	if err != nil {
		return err
	}
	fmt.Println(line)
	return nil
}

func (c *serveCmd) Run() error {
	slog.Info("Starting", "version", build.LongVersion("hearthhub"))

	cert, err := tlsutil.LoadOrGenerate(c.Cert, c.Key, "hearthhub")
	if err != nil {
		return fmt.Errorf("loading certificate: %w", err)
	}

	var users map[string][]byte
	if c.Users != "" {
		users, err = hub.LoadUsers(c.Users)
		if err != nil {
			return fmt.Errorf("loading users: %w", err)
		}
		slog.Info("Loaded users", "count", len(users))
	}

	var countries hub.CountryLookup
	switch {
	case c.GeoIPDatabase != "":
		p := geoip.NewFileProvider(c.GeoIPDatabase)
		defer p.Close()
		countries = p
	case c.GeoIPAccountID != 0 && c.GeoIPLicenseKey != "":
		p := geoip.NewGeoLite2CountryProvider(c.GeoIPAccountID, c.GeoIPLicenseKey, c.GeoIPDirectory)
		defer p.Close()
		countries = p
	}
	censored := c.Censored
	if len(censored) == 0 {
		censored = hub.DefaultCensored
	}

	var update map[string]any
	if c.UpdateVersion != "" {
		update = map[string]any{"version": c.UpdateVersion, "url": c.UpdateURL}
	}

	h := hub.New(hub.Options{
		ListenAddress: c.Listen,
		Certificate:   cert,
		Users:         users,
		Servers:       c.Servers,
		ResyncDelay:   c.ResyncDelay,
		Update:        update,
		Countries:     countries,
		Censored:      censored,
		MessageRate:   rate.Limit(c.MessageRate),
		MessageBurst:  c.MessageBurst,
	})

	sup := suture.New("hearthhub", svcutil.SpecWithInfoLogger())
	sup.Add(h)
	if c.StatusListen != "" {
		sup.Add(svcutil.AsService(func(ctx context.Context) error {
			return serveStatus(ctx, c.StatusListen, h.Handler())
		}, "hearthhub status"))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := sup.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("Hub stopped", slogutil.Error(err))
		return err
	}
	return nil
}

func serveStatus(ctx context.Context, addr string, handler http.Handler) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	slog.Info("Status listening", slogutil.Address(ln.Addr()))
	srv := &http.Server{
		Handler:      handler,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	stop := context.AfterFunc(ctx, func() { srv.Close() })
	defer stop()
	err = srv.Serve(ln)
	if ctx.Err() != nil {
		return nil
	}
	return err
}
