// Copyright (C) 2026 The Hearth Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package reassembly turns a sequence of partial content responses into
// the single full response the browser asked for.
//
// Some upstreams answer a plain GET with 206 Partial Content and only the
// first part of a large body. The Reassembler rewrites that first response
// into a 200 with the full Content-Length, then keeps requesting the
// following ranges on the same transport and streams their bodies after
// it, until the whole content has been forwarded.
package reassembly

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/hearthproxy/hearth/internal/slogutil"
)

// ChunkSize is the span of each follow up range request.
const ChunkSize = 10*1024*1024 - 2*1024

var (
	ErrMalformedContentRange = errors.New("malformed Content-Range")
	ErrUnexpectedRange       = errors.New("partial response does not match the requested range")
	ErrUnsolicitedResponse   = errors.New("response without outstanding request")
	ErrShortBody             = errors.New("partial response body length does not match its range")
	ErrClosed                = errors.New("transport closed")
)

// A RequestWriter writes requests onto the upstream transport.
type RequestWriter interface {
	WriteRequest(req *http.Request) error
}

// A ResponseObserver sees every upstream response before it is forwarded,
// and may change its headers.
type ResponseObserver interface {
	ObserveResponse(req *http.Request, resp *http.Response)
}

// PendingRange tracks a partially forwarded response.
type PendingRange struct {
	// Original is the browser's request.
	Original *http.Request
	// Next is the offset of the first byte not yet forwarded.
	Next  int64
	Total int64
}

// An Exchange is one browser request and the logical response to it,
// which may span several upstream responses.
type Exchange struct {
	Request *http.Request

	done       chan struct{}
	once       sync.Once
	err        error
	closeAfter bool
	pending    *PendingRange
}

func newExchange(req *http.Request) *Exchange {
	return &Exchange{Request: req, done: make(chan struct{})}
}

// Done is closed when the logical response was completely forwarded or
// failed.
func (e *Exchange) Done() <-chan struct{} {
	return e.done
}

// Err is the reason the exchange failed, valid after Done is closed.
func (e *Exchange) Err() error {
	return e.err
}

// CloseAfter reports whether the browser connection must be closed after
// this response, as the response is delimited by connection close.
func (e *Exchange) CloseAfter() bool {
	return e.closeAfter
}

// Wait blocks until the exchange is done or ctx is cancelled.
func (e *Exchange) Wait(ctx context.Context) error {
	select {
	case <-e.done:
		return e.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Exchange) finish(err error) {
	e.once.Do(func() {
		e.err = err
		close(e.done)
	})
}

type Options struct {
	// ChunkSize overrides the follow up range size; zero means ChunkSize.
	ChunkSize int64
	Observers []ResponseObserver
}

// A Reassembler belongs to one upstream transport. Send writes browser
// requests, Receive is fed every response read from the transport, in
// order, and writes the result to the browser.
type Reassembler struct {
	up        RequestWriter
	down      io.Writer
	chunk     int64
	observers []ResponseObserver

	queue RequestQueue

	sendMut sync.Mutex // held while pushing and writing, keeps both in the same order
	last    *Exchange
	closed  bool
}

func New(up RequestWriter, down io.Writer, opts Options) *Reassembler {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = ChunkSize
	}
	return &Reassembler{
		up:        up,
		down:      down,
		chunk:     opts.ChunkSize,
		observers: opts.Observers,
	}
}

// Send writes the browser request upstream. It first waits for the
// previous exchange to finish, since a continuation request issued for it
// must not be overtaken by a later browser request.
func (r *Reassembler) Send(ctx context.Context, req *http.Request) (*Exchange, error) {
	r.sendMut.Lock()
	last := r.last
	r.sendMut.Unlock()
	if last != nil {
		if err := last.Wait(ctx); err != nil && ctx.Err() != nil {
			return nil, err
		}
	}

	ex := newExchange(req)
	r.sendMut.Lock()
	r.last = ex
	r.sendMut.Unlock()
	if err := r.write(&entry{req: req, ex: ex}); err != nil {
		ex.finish(err)
		return nil, err
	}
	return ex, nil
}

func (r *Reassembler) write(e *entry) error {
	r.sendMut.Lock()
	defer r.sendMut.Unlock()
	if r.closed {
		return ErrClosed
	}
	r.queue.push(e)
	return r.up.WriteRequest(e.req)
}

// Next returns the request the next response will answer, to be handed to
// http.ReadResponse. It is nil when nothing is outstanding.
func (r *Reassembler) Next() *http.Request {
	if e := r.queue.front(); e != nil {
		return e.req
	}
	return nil
}

// Outstanding is the number of requests awaiting a response.
func (r *Reassembler) Outstanding() int {
	return r.queue.Len()
}

// Receive forwards one upstream response to the browser. Any error is
// fatal for the transport: the caller must close both ends.
func (r *Reassembler) Receive(resp *http.Response) error {
	defer resp.Body.Close()

	e := r.queue.pop()
	if e == nil {
		return ErrUnsolicitedResponse
	}
	err := r.receive(e, resp)
	if err != nil {
		e.ex.finish(err)
	}
	return err
}

func (r *Reassembler) receive(e *entry, resp *http.Response) error {
	ex := e.ex
	if !e.continuation {
		for _, o := range r.observers {
			o.ObserveResponse(ex.Request, resp)
		}
	}

	if resp.StatusCode != http.StatusPartialContent || (!e.continuation && !reassemble(ex.Request)) {
		if e.continuation {
			return fmt.Errorf("%w: status %d for range continuation", ErrUnexpectedRange, resp.StatusCode)
		}
		ex.closeAfter = closeDelimited(resp)
		if err := resp.Write(r.down); err != nil {
			return err
		}
		ex.finish(nil)
		return nil
	}

	cr, err := ParseContentRange(resp.Header.Get("Content-Range"))
	if err != nil {
		return err
	}

	if !e.continuation {
		if cr.Start != 0 {
			return fmt.Errorf("%w: %v for a request without range", ErrUnexpectedRange, cr)
		}
		metricRewritten.Inc()
		slog.Debug("Rewriting partial response", "url", ex.Request.URL, "range", cr)
		if err := writeHead(r.down, resp, cr.Total); err != nil {
			return err
		}
		ex.pending = &PendingRange{Original: ex.Request, Total: cr.Total}
	} else if cr.Start != ex.pending.Next || cr.Total != ex.pending.Total {
		return fmt.Errorf("%w: got %v, want start %d of %d", ErrUnexpectedRange, cr, ex.pending.Next, ex.pending.Total)
	}

	n, err := io.Copy(r.down, resp.Body)
	if err != nil {
		return err
	}
	if n != cr.Len() {
		return fmt.Errorf("%w: %d bytes for %v", ErrShortBody, n, cr)
	}
	ex.pending.Next = cr.End + 1

	if cr.Complete() {
		ex.pending = nil
		ex.finish(nil)
		return nil
	}

	start, end := nextRange(cr, r.chunk)
	next := ex.Request.Clone(ex.Request.Context())
	next.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end))
	next.Body = nil
	next.ContentLength = 0
	metricRangeRequests.Inc()
	slog.Debug("Requesting next range", "url", ex.Request.URL, "start", start, "end", end)
	return r.write(&entry{req: next, ex: ex, continuation: true})
}

// Close fails every outstanding exchange with err and refuses new ones.
func (r *Reassembler) Close(err error) {
	if err == nil {
		err = ErrClosed
	}
	r.sendMut.Lock()
	r.closed = true
	last := r.last
	r.sendMut.Unlock()

	for _, e := range r.queue.drain() {
		e.ex.finish(err)
	}
	if last != nil {
		last.finish(err)
	}
	if !errors.Is(err, ErrClosed) {
		slog.Debug("Reassembler closed", slogutil.Error(err))
	}
}

// reassemble reports whether partial responses to req are stitched
// together. Browsers asking for a range themselves get what they asked
// for, and only GETs can be repeated with a different range.
func reassemble(req *http.Request) bool {
	return req.Method == http.MethodGet && req.Header.Get("Range") == ""
}

// closeDelimited reports whether resp has a body whose end is only marked
// by the connection closing.
func closeDelimited(resp *http.Response) bool {
	if resp.Close {
		return true
	}
	if resp.ContentLength >= 0 || len(resp.TransferEncoding) > 0 {
		return false
	}
	if resp.Request != nil && resp.Request.Method == http.MethodHead {
		return false
	}
	switch {
	case resp.StatusCode < 200, resp.StatusCode == http.StatusNoContent, resp.StatusCode == http.StatusNotModified:
		return false
	}
	return true
}

// writeHead writes the header of the rewritten full response. The body
// follows separately, so http.Response.Write cannot be used.
func writeHead(w io.Writer, resp *http.Response, total int64) error {
	h := resp.Header.Clone()
	h.Del("Content-Range")
	h.Del("Transfer-Encoding")
	h.Set("Content-Length", strconv.FormatInt(total, 10))
	if _, err := io.WriteString(w, "HTTP/1.1 200 OK\r\n"); err != nil {
		return err
	}
	if err := h.Write(w); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\r\n")
	return err
}
