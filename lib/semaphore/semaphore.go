// Copyright (C) 2026 The Hearth Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package semaphore bounds the number of concurrently held resources,
// such as browser connections being served.
package semaphore

import (
	"context"
)

type Semaphore struct {
	slots chan struct{}
}

// New returns a semaphore with max slots. A max of zero or less means
// unlimited.
func New(max int) *Semaphore {
	if max <= 0 {
		return &Semaphore{}
	}
	return &Semaphore{slots: make(chan struct{}, max)}
}

// TakeWithContext blocks until a slot is free or ctx is done.
func (s *Semaphore) TakeWithContext(ctx context.Context) error {
	if s == nil || s.slots == nil {
		return ctx.Err()
	}
	select {
	case s.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryTake takes a slot if one is free right now.
func (s *Semaphore) TryTake() bool {
	if s == nil || s.slots == nil {
		return true
	}
	select {
	case s.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *Semaphore) Give() {
	if s == nil || s.slots == nil {
		return
	}
	select {
	case <-s.slots:
	default:
	}
}
