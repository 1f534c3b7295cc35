// Copyright (C) 2026 The Hearth Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package tunnel

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/hearthproxy/hearth/internal/slogutil"
	"github.com/hearthproxy/hearth/lib/reassembly"
)

var ErrPipelineClosed = errors.New("pipeline closed")

type PipelineOptions struct {
	// Name labels the pipeline in logs and metrics.
	Name string
	// Dial opens the upstream connection.
	Dial func(ctx context.Context) (net.Conn, error)
	// ProxyForm writes requests with absolute URLs, for upstreams that
	// are proxies themselves.
	ProxyForm bool
	// Down receives the responses.
	Down       io.Writer
	Reassembly reassembly.Options
	// OnClose is called once when the upstream connection ends, with the
	// reason. It is not called for Close.
	OnClose func(err error)
	// OnFailure is called when dialing fails or the upstream connection
	// ends while requests are outstanding. Responses that break the
	// partial content rules abort the pipeline without a failure.
	OnFailure func(err error)
}

// A Pipeline is the upstream side of one route of a browser connection.
// The connection is opened by the first request and reused for later ones.
type Pipeline struct {
	opts PipelineOptions

	mut    sync.Mutex
	conn   net.Conn
	ra     *reassembly.Reassembler
	done   chan struct{}
	closed bool
}

func NewPipeline(opts PipelineOptions) *Pipeline {
	return &Pipeline{opts: opts}
}

func (p *Pipeline) String() string {
	return "pipeline/" + p.opts.Name
}

// Do writes req upstream, connecting first if needed. The returned
// exchange completes when the whole response was written to Down.
func (p *Pipeline) Do(ctx context.Context, req *http.Request) (*reassembly.Exchange, error) {
	ra, err := p.connect(ctx)
	if err != nil {
		return nil, err
	}
	metricRequests.WithLabelValues(p.opts.Name).Inc()
	return ra.Send(ctx, req)
}

func (p *Pipeline) connect(ctx context.Context) (*reassembly.Reassembler, error) {
	p.mut.Lock()
	defer p.mut.Unlock()
	if p.closed {
		return nil, ErrPipelineClosed
	}
	if p.ra != nil {
		return p.ra, nil
	}

	conn, err := p.opts.Dial(ctx)
	if err != nil {
		if p.opts.OnFailure != nil {
			p.opts.OnFailure(err)
		}
		return nil, err
	}
	slog.Debug("Pipeline connected", "pipeline", p.opts.Name, slogutil.Address(conn.RemoteAddr()))

	w := &requestWriter{bw: bufio.NewWriter(conn), proxyForm: p.opts.ProxyForm}
	ra := reassembly.New(w, p.opts.Down, p.opts.Reassembly)
	done := make(chan struct{})
	p.conn, p.ra, p.done = conn, ra, done
	go p.readLoop(conn, ra, done)
	return ra, nil
}

func (p *Pipeline) readLoop(conn net.Conn, ra *reassembly.Reassembler, done chan struct{}) {
	defer close(done)
	br := bufio.NewReader(conn)
	for {
		if _, err := br.Peek(1); err != nil {
			p.fail(conn, ra, err)
			return
		}
		req := ra.Next()
		if req == nil {
			p.fail(conn, ra, reassembly.ErrUnsolicitedResponse)
			return
		}
		resp, err := http.ReadResponse(br, req)
		if err != nil {
			p.fail(conn, ra, err)
			return
		}
		if err := ra.Receive(resp); err != nil {
			p.fail(conn, ra, err)
			return
		}
	}
}

// fail tears down the connection after the upstream ended or misbehaved.
// An idle upstream hanging up is an ordinary close, anything else is a
// failure.
func (p *Pipeline) fail(conn net.Conn, ra *reassembly.Reassembler, err error) {
	outstanding := ra.Outstanding()
	ra.Close(err)
	_ = conn.Close()

	p.mut.Lock()
	closedByUs := p.closed
	if p.conn == conn {
		p.conn, p.ra = nil, nil
	}
	p.mut.Unlock()
	if closedByUs {
		return
	}

	switch {
	case isRelayAbort(err):
		// The upstream delivered a response we cannot forward; the
		// transport itself worked.
		metricAborts.WithLabelValues(p.opts.Name).Inc()
		slog.Debug("Pipeline aborted", "pipeline", p.opts.Name, slogutil.Error(err))
	case outstanding > 0 || !errors.Is(err, io.EOF):
		metricFailures.WithLabelValues(p.opts.Name).Inc()
		slog.Debug("Pipeline failed", "pipeline", p.opts.Name, "outstanding", outstanding, slogutil.Error(err))
		if p.opts.OnFailure != nil {
			p.opts.OnFailure(err)
		}
	}
	if p.opts.OnClose != nil {
		p.opts.OnClose(err)
	}
}

func isRelayAbort(err error) bool {
	return errors.Is(err, reassembly.ErrMalformedContentRange) ||
		errors.Is(err, reassembly.ErrUnexpectedRange) ||
		errors.Is(err, reassembly.ErrShortBody)
}

// Close ends the upstream connection and waits for the reader to exit.
// Requests are flushed as they are written, so nothing is pending.
func (p *Pipeline) Close() error {
	p.mut.Lock()
	if p.closed {
		p.mut.Unlock()
		return nil
	}
	p.closed = true
	conn, ra, done := p.conn, p.ra, p.done
	p.mut.Unlock()

	if conn == nil {
		return nil
	}
	ra.Close(ErrPipelineClosed)
	err := conn.Close()
	<-done
	return err
}

type requestWriter struct {
	bw        *bufio.Writer
	proxyForm bool
}

func (w *requestWriter) WriteRequest(req *http.Request) error {
	var err error
	if w.proxyForm {
		err = req.WriteProxy(w.bw)
	} else {
		err = req.Write(w.bw)
	}
	if err != nil {
		return err
	}
	return w.bw.Flush()
}
