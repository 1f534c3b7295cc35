// Copyright (C) 2026 The Hearth Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Command hearth runs the local proxy browsers are pointed at.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/willabides/kongplete"
	_ "go.uber.org/automaxprocs"

	"github.com/hearthproxy/hearth/internal/slogutil"
	"github.com/hearthproxy/hearth/lib/build"
	"github.com/hearthproxy/hearth/lib/certstore"
	"github.com/hearthproxy/hearth/lib/config"
	"github.com/hearthproxy/hearth/lib/events"
	"github.com/hearthproxy/hearth/lib/hearth"
	"github.com/hearthproxy/hearth/lib/locations"
	"github.com/hearthproxy/hearth/lib/svcutil"
	"github.com/hearthproxy/hearth/lib/tlsutil"
)

type CLI struct {
	Serve              serveCmd                     `cmd:"" default:"withargs" help:"Run the proxy"`
	Paths              pathsCmd                     `cmd:"" help:"Show the files in use"`
	Version            versionCmd                   `cmd:"" help:"Show version"`
	InstallCompletions kongplete.InstallCompletions `cmd:"" help:"Install shell completions"`
}

type homeFlags struct {
	Home string `env:"HEARTH_HOME" type:"path" help:"Set configuration and data directory"`
}

func (f homeFlags) apply() error {
	if f.Home == "" {
		return nil
	}
	return locations.SetBaseDir(f.Home)
}

type serveCmd struct {
	homeFlags
	Verbose   bool   `help:"Print events to the console"`
	Audit     string `type:"path" placeholder:"FILE" help:"Append events as JSON lines to FILE"`
	LogLevel  string `env:"HEARTH_LOG_LEVEL" default:"info" enum:"debug,info,warn,error" help:"Default log level (${enum})"`
	LogLevels string `env:"HEARTH_LOG_LEVELS" placeholder:"PKG:LEVEL,..." help:"Per package log levels"`
	ChunkSize int64  `env:"HEARTH_CHUNK_SIZE" hidden:"" help:"Size of reassembly range requests"`

	LogFormatTimestamp   string `env:"HEARTH_LOG_FORMAT_TIMESTAMP" default:"2006-01-02 15:04:05" help:"Timestamp layout for log lines, empty for none"`
	LogFormatLevelString bool   `env:"HEARTH_LOG_FORMAT_LEVEL_STRING" default:"true" help:"Prefix log lines with the level"`
	LogFormatLevelSyslog bool   `env:"HEARTH_LOG_FORMAT_LEVEL_SYSLOG" help:"Prefix log lines with a syslog priority"`
}

type pathsCmd struct {
	homeFlags
}

type versionCmd struct{}

func main() {
	var cli CLI
	parser := kong.Must(&cli, kong.Name("hearth"), kong.Description("Peer assisted HTTP proxy"), kong.UsageOnError())
	kongplete.Complete(parser)
	ctx, err := parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)
	ctx.FatalIfErrorf(ctx.Run())
}

func (versionCmd) Run() error {
	fmt.Println(build.LongVersion("hearth"))
	return nil
}

func (c pathsCmd) Run() error {
	if err := c.apply(); err != nil {
		return err
	}
	fmt.Printf("Configuration file:\n\t%s\n\n", locations.Get(locations.ConfigFile))
	fmt.Printf("Certificate:\n\t%s\n\t%s\n\n", locations.Get(locations.CertFile), locations.Get(locations.KeyFile))
	fmt.Printf("Peer certificate database:\n\t%s\n", locations.Get(locations.CertStore))
	return nil
}

func (c *serveCmd) Run() error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return err
	}
	slogutil.SetDefaultLevel(level)
	if c.LogLevels != "" {
		slogutil.SetLevelOverrides(c.LogLevels)
	}
	slogutil.SetLineFormat(slogutil.LineFormat{
		TimestampFormat: c.LogFormatTimestamp,
		LevelString:     c.LogFormatLevelString,
		LevelSyslog:     c.LogFormatLevelSyslog,
	})

	if err := c.apply(); err != nil {
		return err
	}
	if err := locations.EnsureBaseDir(); err != nil {
		return fmt.Errorf("creating home: %w", err)
	}

	cfg, err := config.LoadOrDefault(locations.Get(locations.ConfigFile))
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	cert, err := tlsutil.LoadOrGenerate(locations.Get(locations.CertFile), locations.Get(locations.KeyFile), hearth.TLSCommonName)
	if err != nil {
		return fmt.Errorf("loading certificate: %w", err)
	}
	store, err := certstore.Open(locations.Get(locations.CertStore))
	if err != nil {
		return fmt.Errorf("opening certificate store: %w", err)
	}
	defer store.Close()

	opts := hearth.Options{
		Verbose:   c.Verbose,
		ChunkSize: c.ChunkSize,
	}
	if c.Audit != "" {
		fd, err := os.OpenFile(c.Audit, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
		if err != nil {
			return fmt.Errorf("opening audit file: %w", err)
		}
		defer fd.Close()
		opts.AuditWriter = fd
	}

	app := hearth.New(cfg, store, events.NewLogger(), cert, opts)
	if err := app.Start(); err != nil {
		return err
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigs
		slog.Info("Received signal, shutting down", "signal", sig)
		app.Stop(svcutil.ExitSuccess)
	}()

	status := app.Wait()
	if err := app.Error(); err != nil {
		slog.Error("Stopped with error", slogutil.Error(err))
	}
	if status != svcutil.ExitSuccess {
		store.Close()
		os.Exit(status.AsInt())
	}
	return nil
}
