// Copyright (C) 2026 The Hearth Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package hearth

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hearthproxy/hearth/lib/directory"
	"github.com/hearthproxy/hearth/lib/events"
)

// The verbose logging service subscribes to events and prints these in
// verbose format to the console using INFO level.
type verboseService struct {
	evLogger events.Logger
}

func newVerboseService(evLogger events.Logger) *verboseService {
	return &verboseService{
		evLogger: evLogger,
	}
}

func (s *verboseService) Serve(ctx context.Context) error {
	sub := s.evLogger.Subscribe(events.AllEvents)
	defer sub.Unsubscribe()
	for {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				<-ctx.Done()
				return ctx.Err()
			}
			if formatted := s.formatEvent(ev); formatted != "" {
				slog.Info(formatted)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *verboseService) String() string {
	return fmt.Sprintf("verboseService@%p", s)
}

func (s *verboseService) formatEvent(ev events.Event) string {
	switch ev.Type {
	case events.ResyncScheduled:
		// Skip
		return ""

	case events.Starting:
		if data, ok := ev.Data.(map[string]string); ok {
			return fmt.Sprintf("Starting up (%s)", data["home"])
		}
		return "Starting up"

	case events.ConnectivityStatusChanged:
		return fmt.Sprintf("Signaling is %v", ev.Data)

	case events.ProxyAdmitted:
		if ep, ok := ev.Data.(directory.Endpoint); ok {
			return fmt.Sprintf("Using %s proxy %s", ep.Class, ep.Address)
		}

	case events.ProxyConnectFailed:
		if data, ok := ev.Data.(map[string]string); ok {
			return fmt.Sprintf("Could not connect to %s proxy %s: %s", data["class"], data["address"], data["error"])
		}

	case events.PeerAdmitted:
		if ep, ok := ev.Data.(directory.Endpoint); ok {
			trust := "anonymous"
			if ep.Trusted {
				trust = "trusted"
			}
			return fmt.Sprintf("Peer %s is available (%s) at %s", ep.ID, trust, ep.Address)
		}

	case events.PeerEvicted:
		return fmt.Sprintf("Peer %v is gone", ev.Data)

	case events.UpdateAvailable:
		if data, ok := ev.Data.(map[string]any); ok && data["version"] != nil {
			return fmt.Sprintf("Version %v is available", data["version"])
		}
		return "A new version is available"
	}

	return fmt.Sprintf("%s %#v", ev.Type, ev)
}
