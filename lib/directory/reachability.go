// Copyright (C) 2026 The Hearth Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package directory

import (
	"context"
	"time"

	"github.com/hearthproxy/hearth/lib/dialer"
)

// CheckTimeout bounds the reachability check made before admission.
const CheckTimeout = 60 * time.Second

// A Checker checks that an address accepts connections.
type Checker interface {
	Check(ctx context.Context, address string) error
}

type CheckerFunc func(ctx context.Context, address string) error

func (f CheckerFunc) Check(ctx context.Context, address string) error {
	return f(ctx, address)
}

type tcpChecker struct {
	timeout time.Duration
}

// NewTCPChecker returns a checker that opens and closes a TCP connection.
func NewTCPChecker(timeout time.Duration) Checker {
	return tcpChecker{timeout: timeout}
}

func (p tcpChecker) Check(ctx context.Context, address string) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return err
	}
	return conn.Close()
}
