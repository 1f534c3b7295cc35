// Copyright (C) 2026 The Hearth Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package directory

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/d4l3k/messagediff"

	"github.com/hearthproxy/hearth/lib/events"
)

var okChecker = CheckerFunc(func(context.Context, string) error { return nil })

func newTestDirectory(p Checker) *Directory {
	return New(Options{
		LocalID:      "me@hub/-hearth-1",
		LocalAccount: "me@hub",
		Checker:      p,
	})
}

func TestClassify(t *testing.T) {
	d := newTestDirectory(okChecker)
	cases := []struct {
		id    string
		class Class
	}{
		{"proxy.example.com:8080", Centralized},
		{"10.0.0.1:80", Centralized},
		{"fallback-1.appspot.com", CloudFallback},
		{"friend@hub/-hearth-abc", Peer},
		{"me@hub/-hearth-2", Peer},
	}
	for _, tc := range cases {
		if c := d.Classify(tc.id); c != tc.class {
			t.Errorf("Classify(%q) = %v, want %v", tc.id, c, tc.class)
		}
	}
}

func TestParseCandidate(t *testing.T) {
	d := newTestDirectory(okChecker)
	cases := []struct {
		desc string
		want Candidate
		err  bool
	}{
		{"proxy.example.com:8080", Candidate{ID: "proxy.example.com:8080", Address: "proxy.example.com:8080"}, false},
		{" 192.0.2.1:3128 ", Candidate{ID: "192.0.2.1:3128", Address: "192.0.2.1:3128"}, false},
		{"x.appspot.com", Candidate{ID: "x.appspot.com", Address: "x.appspot.com:443"}, false},
		{"x.appspot.com:80", Candidate{ID: "x.appspot.com:80", Address: "x.appspot.com:443"}, false},
		{"friend@hub/-hearth-abc", Candidate{ID: "friend@hub/-hearth-abc"}, false},
		{"no-port.example.com", Candidate{}, true},
		{"", Candidate{}, true},
	}
	for _, tc := range cases {
		got, err := d.ParseCandidate(tc.desc)
		if (err != nil) != tc.err {
			t.Errorf("ParseCandidate(%q) error %v", tc.desc, err)
			continue
		}
		if diff, equal := messagediff.PrettyDiff(tc.want, got); !equal {
			t.Errorf("ParseCandidate(%q) diff:\n%s", tc.desc, diff)
		}
	}
}

func TestRoundRobin(t *testing.T) {
	d := newTestDirectory(okChecker)
	ctx := context.Background()
	for _, id := range []string{"a@hub/-hearth-1", "b@hub/-hearth-1", "c@hub/-hearth-1"} {
		if !d.Admit(ctx, Candidate{ID: id, Address: "tcp://" + id}) {
			t.Fatalf("admitting %s failed", id)
		}
	}

	var got []string
	for i := 0; i < 5; i++ {
		ep, ok := d.Retrieve(Peer)
		if !ok {
			t.Fatal("no peer")
		}
		got = append(got, ep.ID)
	}
	want := []string{"a@hub/-hearth-1", "b@hub/-hearth-1", "c@hub/-hearth-1", "a@hub/-hearth-1", "b@hub/-hearth-1"}
	if diff, equal := messagediff.PrettyDiff(want, got); !equal {
		t.Errorf("rotation diff:\n%s", diff)
	}
}

func TestAdmitDeduplicates(t *testing.T) {
	var checks atomic.Int32
	d := newTestDirectory(CheckerFunc(func(context.Context, string) error {
		checks.Add(1)
		return nil
	}))
	ctx := context.Background()

	if !d.Admit(ctx, Candidate{ID: "p.example.com:80"}) {
		t.Fatal("first admission failed")
	}
	if d.Admit(ctx, Candidate{ID: "p.example.com:80"}) {
		t.Fatal("second admission succeeded")
	}
	if n := d.Len(Centralized); n != 1 {
		t.Errorf("registry has %d entries", n)
	}
	if n := checks.Load(); n != 1 {
		t.Errorf("checked %d times, want 1", n)
	}
	if err := d.TryAdmit(ctx, Candidate{ID: "p.example.com:80"}); !errors.Is(err, ErrAlreadyAdmitted) {
		t.Errorf("unexpected error %v", err)
	}
}

func TestAdmitRejectsLocalIdentity(t *testing.T) {
	d := newTestDirectory(okChecker)
	err := d.TryAdmit(context.Background(), Candidate{ID: "me@hub/-hearth-1", Address: "tcp://127.0.0.1:1"})
	if !errors.Is(err, ErrLocalIdentity) {
		t.Fatalf("unexpected error %v", err)
	}
	if d.Len(Peer) != 0 {
		t.Error("local identity was admitted")
	}
}

func TestAdmitCheckFailure(t *testing.T) {
	evs := events.NewLogger()
	sub := evs.Subscribe(events.ProxyConnectFailed)
	defer sub.Unsubscribe()

	var hooked []Endpoint
	d := New(Options{
		Checker: CheckerFunc(func(context.Context, string) error { return errors.New("refused") }),
		Events:  evs,
		OnAdmit: func(ep Endpoint) {
			hooked = append(hooked, ep)
		},
	})
	if d.Admit(context.Background(), Candidate{ID: "p.example.com:80"}) {
		t.Fatal("admitted despite failed check")
	}
	if d.Len(Centralized) != 0 {
		t.Error("registry not empty")
	}
	if len(hooked) != 0 {
		t.Error("admit hook called for failed check")
	}
	if _, err := sub.Poll(time.Second); err != nil {
		t.Error("no ProxyConnectFailed event:", err)
	}
}

func TestAdmitTCPCheck(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	var hooked []Endpoint
	d := New(Options{
		Checker: NewTCPChecker(time.Second),
		OnAdmit: func(ep Endpoint) { hooked = append(hooked, ep) },
	})
	if !d.Admit(context.Background(), Candidate{ID: ln.Addr().String()}) {
		t.Fatal("admission of listening proxy failed")
	}
	want := []Endpoint{{ID: ln.Addr().String(), Address: ln.Addr().String(), Class: Centralized}}
	if diff, equal := messagediff.PrettyDiff(want, hooked); !equal {
		t.Errorf("admit hook diff:\n%s", diff)
	}
}

func TestConcurrentAdmitSingleWinner(t *testing.T) {
	release := make(chan struct{})
	d := newTestDirectory(CheckerFunc(func(context.Context, string) error {
		<-release
		return nil
	}))

	const n = 8
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if d.Admit(context.Background(), Candidate{ID: "p.example.com:80"}) {
				wins.Add(1)
			}
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if w := wins.Load(); w != 1 {
		t.Errorf("%d admissions won, want 1", w)
	}
	if d.Len(Centralized) != 1 {
		t.Errorf("registry has %d entries", d.Len(Centralized))
	}
}

func TestPeerTrustRegistries(t *testing.T) {
	d := newTestDirectory(okChecker)
	ctx := context.Background()

	d.Admit(ctx, Candidate{ID: "anon@hub/-hearth-1", Address: "tcp://192.0.2.1:1"})
	d.Admit(ctx, Candidate{ID: "friend@hub/-hearth-1", Address: "tcp://192.0.2.2:1", Trusted: true})

	ep, ok := d.Retrieve(Peer)
	if !ok || ep.ID != "friend@hub/-hearth-1" || !ep.Trusted {
		t.Errorf("trusted peer not preferred: %v", ep)
	}
	ep, ok = d.RetrievePeer(false)
	if !ok || ep.ID != "anon@hub/-hearth-1" {
		t.Errorf("anonymous peer: %v", ep)
	}

	// Becoming trusted moves the peer.
	d.Admit(ctx, Candidate{ID: "anon@hub/-hearth-1", Address: "tcp://192.0.2.1:1", Trusted: true})
	if _, ok := d.RetrievePeer(false); ok {
		t.Error("peer left in anonymous registry")
	}
	if n := d.Len(Peer); n != 2 {
		t.Errorf("%d peers, want 2", n)
	}
}

func TestEvictPeer(t *testing.T) {
	evs := events.NewLogger()
	sub := evs.Subscribe(events.PeerEvicted)
	defer sub.Unsubscribe()

	d := New(Options{Checker: okChecker, Events: evs})
	ctx := context.Background()
	d.Admit(ctx, Candidate{ID: "a@hub/-hearth-1", Address: "tcp://192.0.2.1:1"})
	d.Admit(ctx, Candidate{ID: "b@hub/-hearth-1", Address: "tcp://192.0.2.2:1", Trusted: true})

	d.EvictPeer("a@hub/-hearth-1")
	d.EvictPeer("b@hub/-hearth-1")
	d.EvictPeer("b@hub/-hearth-1") // idempotent
	d.EvictPeer("never@hub/-hearth-1")

	if n := d.Len(Peer); n != 0 {
		t.Errorf("%d peers left", n)
	}
	for i := 0; i < 2; i++ {
		if _, err := sub.Poll(time.Second); err != nil {
			t.Fatal("missing eviction event", err)
		}
	}
	if _, err := sub.Poll(50 * time.Millisecond); err != events.ErrTimeout {
		t.Error("eviction of absent peer produced an event")
	}
}

func TestReset(t *testing.T) {
	d := newTestDirectory(okChecker)
	ctx := context.Background()
	d.Admit(ctx, Candidate{ID: "p.example.com:80"})
	d.Admit(ctx, Candidate{ID: "x.appspot.com"})
	d.Admit(ctx, Candidate{ID: "a@hub/-hearth-1", Address: "tcp://192.0.2.1:1"})
	d.Admit(ctx, Candidate{ID: "b@hub/-hearth-1", Address: "tcp://192.0.2.2:1", Trusted: true})

	d.Reset()

	for _, c := range []Class{Centralized, CloudFallback, Peer} {
		if _, ok := d.Retrieve(c); ok {
			t.Errorf("%v registry not empty after reset", c)
		}
	}
	for name, eps := range d.Snapshot() {
		if len(eps) != 0 {
			t.Errorf("%s has %d endpoints", name, len(eps))
		}
	}
}

func TestResetConcurrentWithRetrieve(t *testing.T) {
	d := newTestDirectory(okChecker)
	ctx := context.Background()
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				d.Retrieve(Peer)
				d.Admit(ctx, Candidate{ID: "a@hub/-hearth-1", Address: "tcp://192.0.2.1:1"})
			}
		}
	}()
	for i := 0; i < 100; i++ {
		d.Reset()
	}
	close(stop)
	wg.Wait()

	// Whatever happened, the set and the order agree.
	for _, r := range d.registries {
		r.mut.Lock()
		if len(r.set) != len(r.order) {
			t.Errorf("%s: set has %d, order has %d", r.name, len(r.set), len(r.order))
		}
		r.mut.Unlock()
	}
}
