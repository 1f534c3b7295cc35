// Copyright (C) 2026 The Hearth Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package hearth assembles a running instance: the local proxy, the peer
// tunnel server, the signaling channel and the directory they share.
package hearth

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/hearthproxy/hearth/internal/slogutil"
	"github.com/hearthproxy/hearth/lib/build"
	"github.com/hearthproxy/hearth/lib/certstore"
	"github.com/hearthproxy/hearth/lib/classify"
	"github.com/hearthproxy/hearth/lib/config"
	"github.com/hearthproxy/hearth/lib/directory"
	"github.com/hearthproxy/hearth/lib/events"
	"github.com/hearthproxy/hearth/lib/proxy"
	"github.com/hearthproxy/hearth/lib/reassembly"
	"github.com/hearthproxy/hearth/lib/signaling"
	"github.com/hearthproxy/hearth/lib/signaling/protocol"
	"github.com/hearthproxy/hearth/lib/svcutil"
	"github.com/hearthproxy/hearth/lib/tlsutil"
	"github.com/hearthproxy/hearth/lib/tunnel"
)

const TLSCommonName = "hearth"

type Options struct {
	AuditWriter io.Writer
	Verbose     bool
	// ChunkSize overrides the reassembly range size.
	ChunkSize int64
}

type App struct {
	cfg      *config.Wrapper
	store    *certstore.Store
	evLogger events.Logger
	cert     tls.Certificate
	opts     Options
	deviceID string

	dir     *directory.Directory
	proxy   *proxy.Server
	tunnel  *tunnel.Server
	channel *signaling.Channel

	mainService       *suture.Supervisor
	mainServiceCancel context.CancelFunc
	exitStatus        svcutil.ExitStatus
	err               error
	stopOnce          sync.Once
	stopped           chan struct{}
}

func New(cfg *config.Wrapper, store *certstore.Store, evLogger events.Logger, cert tls.Certificate, opts Options) *App {
	a := &App{
		cfg:      cfg,
		store:    store,
		evLogger: evLogger,
		cert:     cert,
		opts:     opts,
		deviceID: tlsutil.DeviceID(cert.Certificate[0]),
		stopped:  make(chan struct{}),
	}
	close(a.stopped) // Hasn't been started, so shouldn't block on Wait.
	return a
}

// Start runs the instance and returns once every service was created.
// Must be called once only.
func (a *App) Start() error {
	a.mainService = suture.New("main", svcutil.SpecWithDebugLogger())

	a.stopped = make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	a.mainServiceCancel = cancel
	errChan := a.mainService.ServeBackground(ctx)
	go a.wait(errChan)

	if err := a.startup(); err != nil {
		a.stopWithErr(svcutil.ExitError, err)
		return err
	}
	return nil
}

func (a *App) startup() error {
	if a.opts.AuditWriter != nil {
		a.mainService.Add(newAuditService(a.opts.AuditWriter, a.evLogger))
	}
	if a.opts.Verbose {
		a.mainService.Add(newVerboseService(a.evLogger))
	}

	slog.Info("Starting", "version", build.LongVersion("hearth"), "deviceID", a.deviceID)
	a.evLogger.Log(events.Starting, map[string]string{
		"home":     filepath.Dir(a.cfg.ConfigPath()),
		"deviceID": a.deviceID,
	})

	whitelist, err := classify.NewWhitelist(a.cfg.Whitelist())
	if err != nil {
		return fmt.Errorf("whitelist: %w", err)
	}

	sig := a.cfg.Signaling()
	a.dir = directory.New(directory.Options{
		LocalID:      protocol.JID(sig.Account, sig.Resource),
		LocalAccount: sig.Account,
		Events:       a.evLogger,
		OnAdmit: func(ep directory.Endpoint) {
			if err := a.cfg.AddKnownProxy(ep.ID); err != nil {
				slog.Warn("Failed to remember proxy", slogutil.Address(ep.Address), slogutil.Error(err))
			}
		},
	})

	tun := a.cfg.Tunnel()
	a.tunnel = tunnel.NewServer(tunnel.ServerOptions{
		TCPAddress:     tun.TCPAddress,
		QUICAddress:    tun.QUICAddress,
		AdvertiseHost:  tun.AdvertiseHost,
		Certificate:    a.cert,
		Known:          a.store.Known,
		MaxConnections: tun.MaxConnections,
	})
	a.mainService.Add(a.tunnel)

	proxyOpts := proxy.Options{
		ListenAddress:  a.cfg.Proxy().ListenAddress,
		MaxConnections: a.cfg.Proxy().MaxConnections,
		Dispatcher:     proxy.NewDispatcher(a.dir, whitelist),
		Peers:          &tunnel.PeerDialer{Certificate: a.cert, Certs: a.store},
		Observers:      []reassembly.ResponseObserver{cookieLogger()},
		ChunkSize:      a.opts.ChunkSize,
	}

	if sig.Account != "" {
		tlsCfg, err := hubTLSConfig(sig)
		if err != nil {
			return err
		}
		login := protocol.Login{Account: sig.Account, Password: sig.Password, Resource: sig.Resource}
		a.channel = signaling.New(signaling.Options{
			Transport:   signaling.NewTLSTransport(sig.HubAddress, tlsCfg, login),
			Directory:   a.dir,
			CertStore:   a.store,
			Contacts:    a.cfg,
			Events:      a.evLogger,
			Certificate: a.cert,
			Addresses:   a.tunnel.Addresses,
			Status:      a.status,
		})
		a.mainService.Add(a.channel)
		proxyOpts.PeerFailures = a.channel
	} else {
		slog.Info("No signaling account configured, peers are unavailable")
	}

	a.proxy = proxy.NewServer(proxyOpts)
	a.mainService.Add(a.proxy)

	if known := a.cfg.KnownProxies(); len(known) > 0 {
		a.mainService.Add(svcutil.AsService(func(ctx context.Context) error {
			a.readmit(ctx, known)
			return svcutil.NoRestartErr(nil)
		}, "known proxy admission"))
	}

	if addr := a.cfg.RawCopy().MetricsAddress; addr != "" {
		a.mainService.Add(svcutil.AsService(func(ctx context.Context) error {
			return a.serveStatus(ctx, addr)
		}, "status"))
	}
	return nil
}

// readmit tries the proxies admitted in earlier runs again.
func (a *App) readmit(ctx context.Context, known []string) {
	var wg sync.WaitGroup
	for _, desc := range known {
		cand, err := a.dir.ParseCandidate(desc)
		if err != nil {
			slog.Warn("Ignoring known proxy", "descriptor", desc, slogutil.Error(err))
			continue
		}
		if a.dir.Classify(cand.ID) == directory.Peer {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.dir.TryAdmit(ctx, cand); err != nil && !errors.Is(err, directory.ErrAlreadyAdmitted) {
				slog.Debug("Known proxy not admitted", "descriptor", desc, slogutil.Error(err))
			}
		}()
	}
	wg.Wait()
	slog.Debug("Known proxies re-admitted", "directory", slogutil.Expensive(func() any { return a.dir.Snapshot() }))
}

func (a *App) status() map[string]any {
	return map[string]any{
		"version":     build.Version,
		"centralized": a.dir.Len(directory.Centralized),
		"cloud":       a.dir.Len(directory.CloudFallback),
		"peers":       a.dir.Len(directory.Peer),
	}
}

// ProxyAddr is the address browsers connect to, nil until the proxy is
// listening.
func (a *App) ProxyAddr() net.Addr {
	if a.proxy == nil {
		return nil
	}
	return a.proxy.Addr()
}

func (a *App) Directory() *directory.Directory {
	return a.dir
}

func (a *App) wait(errChan <-chan error) {
	err := <-errChan
	a.handleMainServiceError(err)
	slog.Info("Exiting")
	close(a.stopped)
}

func (a *App) handleMainServiceError(err error) {
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	var fatalErr *svcutil.FatalErr
	if errors.As(err, &fatalErr) {
		a.exitStatus = fatalErr.Status
		a.err = fatalErr.Err
		return
	}
	a.err = err
	a.exitStatus = svcutil.ExitError
}

// Wait blocks until the app stopped and returns its exit status.
func (a *App) Wait() svcutil.ExitStatus {
	<-a.stopped
	return a.exitStatus
}

// Error returns the reason the app stopped, once it has.
func (a *App) Error() error {
	select {
	case <-a.stopped:
		return a.err
	default:
	}
	return nil
}

func (a *App) Stop(stopReason svcutil.ExitStatus) svcutil.ExitStatus {
	return a.stopWithErr(stopReason, nil)
}

func (a *App) stopWithErr(stopReason svcutil.ExitStatus, err error) svcutil.ExitStatus {
	a.stopOnce.Do(func() {
		a.exitStatus = stopReason
		a.err = err
		a.mainServiceCancel()
	})
	<-a.stopped
	return a.exitStatus
}

func hubTLSConfig(sig config.SignalingConfiguration) (*tls.Config, error) {
	host, _, err := net.SplitHostPort(sig.HubAddress)
	if err != nil {
		return nil, fmt.Errorf("hub address: %w", err)
	}
	cfg := &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}
	if sig.HubCAFile != "" {
		bs, err := os.ReadFile(sig.HubCAFile)
		if err != nil {
			return nil, fmt.Errorf("hub CA: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(bs) {
			return nil, fmt.Errorf("hub CA: no certificates in %s", sig.HubCAFile)
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}

func cookieLogger() *proxy.CookieObserver {
	return &proxy.CookieObserver{
		OnCookies: func(req *http.Request, cookies []*http.Cookie) {
			slog.Debug("Response sets cookies", slogutil.URI(req.URL.String()), "count", len(cookies))
		},
	}
}

func (a *App) serveStatus(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	slog.Info("Status listening", slogutil.Address(ln.Addr()))
	srv := &http.Server{
		Handler:      a.statusHandler(),
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
