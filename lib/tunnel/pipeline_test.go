// Copyright (C) 2026 The Hearth Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package tunnel

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hearthproxy/hearth/lib/reassembly"
)

// upstream serves requests arriving on pipes handed out by dial. The
// handler returns false to hang up.
type upstream struct {
	handler func(req *http.Request, w io.Writer) bool

	dials atomic.Int32
	mut   sync.Mutex
	seen  []*http.Request
}

func (u *upstream) dial(context.Context) (net.Conn, error) {
	u.dials.Add(1)
	client, server := net.Pipe()
	go func() {
		defer server.Close()
		br := bufio.NewReader(server)
		for {
			req, err := http.ReadRequest(br)
			if err != nil {
				return
			}
			_, _ = io.Copy(io.Discard, req.Body)
			u.mut.Lock()
			u.seen = append(u.seen, req)
			u.mut.Unlock()
			if !u.handler(req, server) {
				return
			}
		}
	}()
	return client, nil
}

func (u *upstream) requests() []*http.Request {
	u.mut.Lock()
	defer u.mut.Unlock()
	return append([]*http.Request(nil), u.seen...)
}

func okHandler(req *http.Request, w io.Writer) bool {
	body := "path " + req.URL.Path
	fmt.Fprintf(w, "HTTP/1.1 200 OK\r\nContent-Length: %d\r\n\r\n%s", len(body), body)
	return true
}

func newRequest(t *testing.T, url string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	return req
}

func do(t *testing.T, p *Pipeline, req *http.Request) *reassembly.Exchange {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ex, err := p.Do(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if err := ex.Wait(ctx); err != nil {
		t.Fatal(err)
	}
	return ex
}

func TestPipelineLazyAndReused(t *testing.T) {
	up := &upstream{handler: okHandler}
	down := new(bytes.Buffer)
	p := NewPipeline(PipelineOptions{Name: "test", Dial: up.dial, Down: down})
	defer p.Close()

	if up.dials.Load() != 0 {
		t.Fatal("dialed before the first request")
	}
	do(t, p, newRequest(t, "http://example.com/a"))
	do(t, p, newRequest(t, "http://example.com/b"))
	if n := up.dials.Load(); n != 1 {
		t.Errorf("%d dials, want 1", n)
	}

	br := bufio.NewReader(down)
	for _, want := range []string{"path /a", "path /b"} {
		resp, err := http.ReadResponse(br, nil)
		if err != nil {
			t.Fatal(err)
		}
		body, _ := io.ReadAll(resp.Body)
		if string(body) != want {
			t.Errorf("got %q, want %q", body, want)
		}
	}
}

func TestPipelineRequestForm(t *testing.T) {
	cases := []struct {
		proxyForm bool
		want      string
	}{
		{false, "/a?q=1"},
		{true, "http://example.com/a?q=1"},
	}
	for _, tc := range cases {
		up := &upstream{handler: okHandler}
		p := NewPipeline(PipelineOptions{Name: "test", Dial: up.dial, Down: io.Discard, ProxyForm: tc.proxyForm})
		do(t, p, newRequest(t, "http://example.com/a?q=1"))
		p.Close()
		if got := up.requests()[0].RequestURI; got != tc.want {
			t.Errorf("proxy form %v: request URI %q, want %q", tc.proxyForm, got, tc.want)
		}
	}
}

// rangeHandler serves a 300 byte resource in parts of at most 100 bytes,
// whatever was asked for.
func rangeHandler(req *http.Request, w io.Writer) bool {
	var start, end int64 = 0, 299
	if r := req.Header.Get("Range"); r != "" {
		fmt.Sscanf(r, "bytes=%d-%d", &start, &end)
	}
	end = min(end, start+99)
	body := bytes.Repeat([]byte{byte('a' + start/100)}, int(end-start+1))
	fmt.Fprintf(w, "HTTP/1.1 206 Partial Content\r\nContent-Range: bytes %d-%d/300\r\nContent-Length: %d\r\n\r\n%s", start, end, len(body), body)
	return true
}

func TestPipelineReassembles(t *testing.T) {
	up := &upstream{handler: rangeHandler}
	down := new(bytes.Buffer)
	p := NewPipeline(PipelineOptions{Name: "test", Dial: up.dial, Down: down, Reassembly: reassembly.Options{ChunkSize: 1000}})
	defer p.Close()

	do(t, p, newRequest(t, "http://example.com/big"))

	if n := len(up.requests()); n != 3 {
		t.Errorf("%d upstream requests, want 3", n)
	}
	resp, err := http.ReadResponse(bufio.NewReader(down), nil)
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	want := string(bytes.Repeat([]byte("a"), 100)) + string(bytes.Repeat([]byte("b"), 100)) + string(bytes.Repeat([]byte("c"), 100))
	if resp.StatusCode != http.StatusOK || resp.ContentLength != 300 || string(body) != want {
		t.Errorf("status %d length %d body %q", resp.StatusCode, resp.ContentLength, body)
	}
}

func TestPipelineFailureMidExchange(t *testing.T) {
	up := &upstream{handler: func(*http.Request, io.Writer) bool { return false }}
	failed := make(chan error, 1)
	closed := make(chan error, 1)
	p := NewPipeline(PipelineOptions{
		Name:      "test",
		Dial:      up.dial,
		Down:      io.Discard,
		OnFailure: func(err error) { failed <- err },
		OnClose:   func(err error) { closed <- err },
	})
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ex, err := p.Do(ctx, newRequest(t, "http://example.com/"))
	if err != nil {
		t.Fatal(err)
	}
	if err := ex.Wait(ctx); err == nil {
		t.Fatal("exchange should fail when the upstream hangs up")
	}
	select {
	case <-failed:
	case <-time.After(5 * time.Second):
		t.Fatal("failure not reported")
	}
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("close not reported")
	}
}

func TestPipelineMalformedRangeNotAFailure(t *testing.T) {
	up := &upstream{handler: func(req *http.Request, w io.Writer) bool {
		fmt.Fprint(w, "HTTP/1.1 206 Partial Content\r\nContent-Range: bytes nonsense\r\nContent-Length: 2\r\n\r\nhi")
		return true
	}}
	var failures atomic.Int32
	closed := make(chan error, 1)
	p := NewPipeline(PipelineOptions{
		Name:      "test",
		Dial:      up.dial,
		Down:      io.Discard,
		OnFailure: func(error) { failures.Add(1) },
		OnClose:   func(err error) { closed <- err },
	})
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ex, err := p.Do(ctx, newRequest(t, "http://example.com/"))
	if err != nil {
		t.Fatal(err)
	}
	if err := ex.Wait(ctx); !errors.Is(err, reassembly.ErrMalformedContentRange) {
		t.Fatalf("unexpected exchange error %v", err)
	}
	select {
	case err := <-closed:
		if !errors.Is(err, reassembly.ErrMalformedContentRange) {
			t.Errorf("unexpected close reason %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("close not reported")
	}
	if n := failures.Load(); n != 0 {
		t.Errorf("%d failures reported for a bad response", n)
	}
}

func TestPipelineIdleClose(t *testing.T) {
	up := &upstream{handler: func(req *http.Request, w io.Writer) bool {
		okHandler(req, w)
		return false
	}}
	var failures atomic.Int32
	closed := make(chan error, 1)
	p := NewPipeline(PipelineOptions{
		Name:      "test",
		Dial:      up.dial,
		Down:      io.Discard,
		OnFailure: func(error) { failures.Add(1) },
		OnClose:   func(err error) { closed <- err },
	})
	defer p.Close()

	do(t, p, newRequest(t, "http://example.com/"))
	select {
	case err := <-closed:
		if !errors.Is(err, io.EOF) {
			t.Errorf("close reason %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("close not reported")
	}
	if failures.Load() != 0 {
		t.Error("idle hang up reported as failure")
	}

	// The next request dials again.
	do(t, p, newRequest(t, "http://example.com/"))
	if n := up.dials.Load(); n != 2 {
		t.Errorf("%d dials, want 2", n)
	}
}

func TestPipelineDialFailure(t *testing.T) {
	dialErr := errors.New("unreachable")
	var reported error
	p := NewPipeline(PipelineOptions{
		Name:      "test",
		Dial:      func(context.Context) (net.Conn, error) { return nil, dialErr },
		Down:      io.Discard,
		OnFailure: func(err error) { reported = err },
	})
	if _, err := p.Do(context.Background(), newRequest(t, "http://example.com/")); !errors.Is(err, dialErr) {
		t.Fatalf("got %v", err)
	}
	if !errors.Is(reported, dialErr) {
		t.Errorf("reported %v", reported)
	}
}

func TestPipelineClosed(t *testing.T) {
	up := &upstream{handler: okHandler}
	var closes atomic.Int32
	p := NewPipeline(PipelineOptions{Name: "test", Dial: up.dial, Down: io.Discard, OnClose: func(error) { closes.Add(1) }})
	do(t, p, newRequest(t, "http://example.com/"))

	if err := p.Close(); err != nil {
		t.Error(err)
	}
	if _, err := p.Do(context.Background(), newRequest(t, "http://example.com/")); !errors.Is(err, ErrPipelineClosed) {
		t.Errorf("got %v", err)
	}
	if closes.Load() != 0 {
		t.Error("OnClose called for our own close")
	}
}
