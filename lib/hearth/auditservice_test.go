// Copyright (C) 2026 The Hearth Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package hearth

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hearthproxy/hearth/lib/events"
)

type lockedBuffer struct {
	mut sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mut.Lock()
	defer b.mut.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mut.Lock()
	defer b.mut.Unlock()
	return b.buf.String()
}

func TestAuditService(t *testing.T) {
	buf := new(lockedBuffer)
	evLogger := events.NewLogger()

	// Event sent before start, will not be logged
	evLogger.Log(events.PeerEvicted, "the first event")

	auditCtx, auditCancel := context.WithCancel(context.Background())
	service := newAuditService(buf, evLogger)
	done := make(chan struct{})
	go func() {
		service.Serve(auditCtx)
		close(done)
	}()

	// Subscription needs to happen in service.Serve
	time.Sleep(10 * time.Millisecond)

	// Event that should end up in the audit log
	evLogger.Log(events.PeerEvicted, "the second event")

	// We need to give the events time to arrive, since the channels are buffered etc.
	time.Sleep(10 * time.Millisecond)

	auditCancel()
	<-done

	// This event should not be logged, since we have stopped.
	evLogger.Log(events.PeerEvicted, "the third event")

	result := buf.String()
	t.Log(result)

	if strings.Contains(result, "first event") {
		t.Error("Unexpected first event")
	}
	if !strings.Contains(result, "second event") {
		t.Error("Missing second event")
	}
	if strings.Contains(result, "third event") {
		t.Error("Unexpected third event")
	}
	if !strings.Contains(result, `"type":"PeerEvicted"`) {
		t.Error("Event type not encoded by name")
	}
}
