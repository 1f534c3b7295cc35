// Copyright (C) 2026 The Hearth Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package events provides event subscription and polling functionality.
// It carries connectivity changes, proxy and peer admissions, evictions
// and update notices to whoever displays or records them.
package events

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

type EventType int

const (
	Starting EventType = 1 << iota
	ConnectivityStatusChanged
	ProxyAdmitted
	ProxyConnectFailed
	PeerAdmitted
	PeerEvicted
	UpdateAvailable
	ResyncScheduled

	AllEvents = (1 << iota) - 1
)

func (t EventType) String() string {
	switch t {
	case Starting:
		return "Starting"
	case ConnectivityStatusChanged:
		return "ConnectivityStatusChanged"
	case ProxyAdmitted:
		return "ProxyAdmitted"
	case ProxyConnectFailed:
		return "ProxyConnectFailed"
	case PeerAdmitted:
		return "PeerAdmitted"
	case PeerEvicted:
		return "PeerEvicted"
	case UpdateAvailable:
		return "UpdateAvailable"
	case ResyncScheduled:
		return "ResyncScheduled"
	default:
		return "Unknown"
	}
}

func (t EventType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// ConnectivityStatus is the data of a ConnectivityStatusChanged event.
type ConnectivityStatus string

const (
	StatusConnecting   ConnectivityStatus = "connecting"
	StatusLoggedIn     ConnectivityStatus = "logged-in"
	StatusConnected    ConnectivityStatus = "connected"
	StatusDisconnected ConnectivityStatus = "disconnected"
	StatusLoginFailed  ConnectivityStatus = "login-failed"
)

const BufferSize = 64

var (
	ErrTimeout = errors.New("timeout")
	ErrClosed  = errors.New("closed")
)

type Event struct {
	// Per-subscription sequential event ID.
	SubscriptionID int       `json:"id"`
	GlobalID       int       `json:"globalID"`
	Time           time.Time `json:"time"`
	Type           EventType `json:"type"`
	Data           any       `json:"data"`
}

type Logger interface {
	Log(t EventType, data any)
	Subscribe(mask EventType) Subscription
}

type Subscription interface {
	C() <-chan Event
	Poll(timeout time.Duration) (Event, error)
	Unsubscribe()
}

type logger struct {
	mut          sync.Mutex
	subs         []*subscription
	nextGlobalID int
}

func NewLogger() Logger {
	return &logger{}
}

func (l *logger) Log(t EventType, data any) {
	l.mut.Lock()
	defer l.mut.Unlock()

	l.nextGlobalID++
	slog.Debug("Event", "id", l.nextGlobalID, "type", t, "data", data)

	e := Event{
		GlobalID: l.nextGlobalID,
		Time:     time.Now(),
		Type:     t,
		Data:     data,
	}
	for _, s := range l.subs {
		if s.mask&t == 0 {
			continue
		}
		s.nextID++
		e.SubscriptionID = s.nextID
		select {
		case s.events <- e:
		default:
			// subscriber is not keeping up; drop
		}
	}
}

func (l *logger) Subscribe(mask EventType) Subscription {
	s := &subscription{
		mask:   mask,
		events: make(chan Event, BufferSize),
		logger: l,
	}
	l.mut.Lock()
	l.subs = append(l.subs, s)
	l.mut.Unlock()
	return s
}

func (l *logger) unsubscribe(s *subscription) {
	l.mut.Lock()
	defer l.mut.Unlock()
	for i, ss := range l.subs {
		if ss == s {
			l.subs = append(l.subs[:i], l.subs[i+1:]...)
			close(s.events)
			return
		}
	}
}

type subscription struct {
	mask   EventType
	events chan Event
	nextID int
	logger *logger
}

func (s *subscription) C() <-chan Event {
	return s.events
}

// Poll returns the next event, or an error if the poll times out or the
// subscription is closed. Poll must not be called concurrently on one
// subscription.
func (s *subscription) Poll(timeout time.Duration) (Event, error) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case e, ok := <-s.events:
		if !ok {
			return e, ErrClosed
		}
		return e, nil
	case <-t.C:
		return Event{}, ErrTimeout
	}
}

func (s *subscription) Unsubscribe() {
	s.logger.unsubscribe(s)
}

type noopLogger struct{}

// NoopLogger discards events. Subscribing to it yields a subscription that
// never delivers anything.
var NoopLogger Logger = noopLogger{}

func (noopLogger) Log(EventType, any) {}

func (noopLogger) Subscribe(EventType) Subscription {
	return &noopSubscription{}
}

type noopSubscription struct{}

func (*noopSubscription) C() <-chan Event {
	return nil
}

func (*noopSubscription) Poll(timeout time.Duration) (Event, error) {
	time.Sleep(timeout)
	return Event{}, ErrTimeout
}

func (*noopSubscription) Unsubscribe() {}
