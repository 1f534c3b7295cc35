// Copyright (C) 2026 The Hearth Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package proxy

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hearthproxy/hearth/lib/directory"
)

func startProxy(t *testing.T, opts Options) string {
	t.Helper()
	if opts.ListenAddress == "" {
		opts.ListenAddress = "127.0.0.1:0"
	}
	srv := NewServer(opts)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	deadline := time.Now().Add(5 * time.Second)
	for srv.Addr() == nil {
		if time.Now().After(deadline) {
			t.Fatal("proxy did not start")
		}
		time.Sleep(10 * time.Millisecond)
	}
	return srv.Addr().String()
}

func proxyClient(addr string) *http.Client {
	return &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http.Transport{
			Proxy: http.ProxyURL(&url.URL{Scheme: "http", Host: addr}),
		},
	}
}

func get(t *testing.T, c *http.Client, url string) (int, string) {
	t.Helper()
	resp, err := c.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp.StatusCode, string(body)
}

func TestDirectRoute(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.RequestURI, "http") {
			http.Error(w, "absolute form sent to origin", http.StatusBadRequest)
			return
		}
		if r.UserAgent() != "" {
			http.Error(w, "user agent added", http.StatusBadRequest)
			return
		}
		io.WriteString(w, "origin "+r.URL.Path)
	}))
	defer origin.Close()

	addr := startProxy(t, Options{Dispatcher: NewDispatcher(newDirectory(t), routeAll(false))})

	// A raw connection, to send two requests on one browser connection
	// without a User-Agent header.
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	br := bufio.NewReader(conn)
	host := strings.TrimPrefix(origin.URL, "http://")
	for _, path := range []string{"/a", "/b"} {
		fmt.Fprintf(conn, "GET http://%s%s HTTP/1.1\r\nHost: %s\r\nProxy-Connection: keep-alive\r\n\r\n", host, path, host)
		resp, err := http.ReadResponse(br, nil)
		if err != nil {
			t.Fatal(err)
		}
		body, _ := io.ReadAll(resp.Body)
		if resp.StatusCode != http.StatusOK || string(body) != "origin "+path {
			t.Errorf("status %d body %q", resp.StatusCode, body)
		}
	}
}

// partialOrigin acts as a centralized proxy whose upstream answers with
// 100 byte parts of a 300 byte resource.
func partialOrigin(t *testing.T, requests *atomic.Int32) *httptest.Server {
	content := bytes.Repeat([]byte("0123456789"), 30)
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		if !strings.HasPrefix(r.RequestURI, "http://blocked.example/") {
			http.Error(w, "not proxy form: "+r.RequestURI, http.StatusBadRequest)
			return
		}
		start, end := 0, 299
		if rg := r.Header.Get("Range"); rg != "" {
			fmt.Sscanf(rg, "bytes=%d-%d", &start, &end)
		}
		end = min(end, start+99)
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/300", start, end))
		w.Header().Set("Content-Length", strconv.Itoa(end-start+1))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(content[start : end+1])
	}))
}

func TestCentralizedRouteReassembles(t *testing.T) {
	var requests atomic.Int32
	upstream := partialOrigin(t, &requests)
	defer upstream.Close()

	dir := newDirectory(t)
	mustAdmit(t, dir, directory.Candidate{ID: strings.TrimPrefix(upstream.URL, "http://")})
	addr := startProxy(t, Options{Dispatcher: NewDispatcher(dir, routeAll(true)), ChunkSize: 1000})

	status, body := get(t, proxyClient(addr), "http://blocked.example/video")
	if status != http.StatusOK {
		t.Fatalf("status %d: %s", status, body)
	}
	if body != strings.Repeat("0123456789", 30) {
		t.Errorf("body %q", body)
	}
	if n := requests.Load(); n != 3 {
		t.Errorf("%d upstream requests, want 3", n)
	}
}

func TestConnectDirect(t *testing.T) {
	echo, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer echo.Close()
	go func() {
		c, err := echo.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		_, _ = io.Copy(c, c)
	}()

	addr := startProxy(t, Options{Dispatcher: NewDispatcher(newDirectory(t), routeAll(false))})
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	target := echo.Addr().String()
	fmt.Fprintf(conn, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", target, target)
	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, &http.Request{Method: http.MethodConnect})
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("CONNECT: %v %v", resp, err)
	}
	io.WriteString(conn, "ping")
	buf := make([]byte, 4)
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(br, buf); err != nil || string(buf) != "ping" {
		t.Fatalf("echo %q %v", buf, err)
	}
}

func TestConnectThroughProxyRejected(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no tunnels here", http.StatusForbidden)
	}))
	defer upstream.Close()

	dir := newDirectory(t)
	mustAdmit(t, dir, directory.Candidate{ID: strings.TrimPrefix(upstream.URL, "http://")})
	addr := startProxy(t, Options{Dispatcher: NewDispatcher(dir, routeAll(true))})

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	fmt.Fprintf(conn, "CONNECT blocked.example:443 HTTP/1.1\r\nHost: blocked.example:443\r\n\r\n")
	resp, err := http.ReadResponse(bufio.NewReader(conn), &http.Request{Method: http.MethodConnect})
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status %d", resp.StatusCode)
	}
}

type failingPeers struct{}

func (failingPeers) Dial(context.Context, directory.Endpoint) (net.Conn, error) {
	return nil, errors.New("peer unreachable")
}

type failureRecorder struct {
	mut  sync.Mutex
	uris []string
}

func (r *failureRecorder) ReportPeerFailure(uri string) {
	r.mut.Lock()
	r.uris = append(r.uris, uri)
	r.mut.Unlock()
}

func TestPeerFailureReported(t *testing.T) {
	dir := newDirectory(t)
	peer := "friend@example.com/pc-hearth-3"
	mustAdmit(t, dir, directory.Candidate{ID: peer, Address: "tcp://198.51.100.3:8788", Trusted: true})
	failures := &failureRecorder{}
	addr := startProxy(t, Options{
		Dispatcher:   NewDispatcher(dir, routeAll(true)),
		Peers:        failingPeers{},
		PeerFailures: failures,
	})

	status, _ := get(t, proxyClient(addr), "http://blocked.example/")
	if status != http.StatusBadGateway {
		t.Errorf("status %d", status)
	}
	failures.mut.Lock()
	defer failures.mut.Unlock()
	if len(failures.uris) != 1 || failures.uris[0] != peer {
		t.Errorf("reported %v", failures.uris)
	}
}

type panicky struct{}

func (panicky) ShouldRoute(string) bool { panic("classifier broke") }

func TestPanicClosesConnection(t *testing.T) {
	addr := startProxy(t, Options{Dispatcher: NewDispatcher(newDirectory(t), panicky{})})

	for i := 0; i < 2; i++ {
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			t.Fatal(err)
		}
		fmt.Fprintf(conn, "GET http://example.com/ HTTP/1.1\r\nHost: example.com\r\n\r\n")
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		if _, err := conn.Read(make([]byte, 1)); !errors.Is(err, io.EOF) {
			t.Errorf("connection %d: got %v, want EOF", i, err)
		}
		conn.Close()
	}
}

func TestRefusesPublicListener(t *testing.T) {
	srv := NewServer(Options{ListenAddress: "0.0.0.0:0", Dispatcher: NewDispatcher(newDirectory(t), routeAll(false))})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Serve(ctx); !errors.Is(err, ErrNotLoopback) {
		t.Errorf("got %v", err)
	}
}

func TestCookieObserverStrips(t *testing.T) {
	var seen []string
	o := &CookieObserver{
		OnCookies: func(_ *http.Request, cs []*http.Cookie) {
			for _, c := range cs {
				seen = append(seen, c.Name)
			}
		},
		Strip: func(_ *http.Request, name string) bool { return name == "tracker" },
	}
	resp := &http.Response{Header: http.Header{}}
	resp.Header.Add("Set-Cookie", "session=1; Path=/")
	resp.Header.Add("Set-Cookie", "tracker=2")
	o.ObserveResponse(nil, resp)

	if strings.Join(seen, ",") != "session,tracker" {
		t.Errorf("observed %v", seen)
	}
	if got := resp.Header.Values("Set-Cookie"); len(got) != 1 || got[0] != "session=1; Path=/" {
		t.Errorf("left %v", got)
	}
}
