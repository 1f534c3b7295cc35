// Copyright (C) 2026 The Hearth Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package semaphore

import (
	"context"
	"testing"
	"time"
)

func TestSemaphoreBounds(t *testing.T) {
	s := New(2)
	ctx := context.Background()
	if err := s.TakeWithContext(ctx); err != nil {
		t.Fatal(err)
	}
	if !s.TryTake() {
		t.Fatal("second slot should be free")
	}
	if s.TryTake() {
		t.Fatal("third take should fail")
	}
	tctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	if err := s.TakeWithContext(tctx); err == nil {
		t.Error("take should time out")
	}

	s.Give()
	if !s.TryTake() {
		t.Error("expected a free slot after give")
	}
}

func TestSemaphoreUnlimited(t *testing.T) {
	s := New(0)
	for i := 0; i < 100; i++ {
		if !s.TryTake() {
			t.Fatal("unlimited semaphore refused")
		}
	}
	s.Give()
	if err := s.TakeWithContext(context.Background()); err != nil {
		t.Error(err)
	}
}
