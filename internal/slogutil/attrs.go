// Copyright (C) 2026 The Hearth Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package slogutil

import (
	"fmt"
	"log/slog"
)

// Error returns an attribute for the given error, or an empty attribute
// (which is not logged) when err is nil.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String("error", err.Error())
}

// Address returns an attribute for a network address, which may be a
// string, a net.Addr or anything else with a reasonable String method.
func Address(addr any) slog.Attr {
	switch a := addr.(type) {
	case string:
		return slog.String("address", a)
	case fmt.Stringer:
		return slog.String("address", a.String())
	default:
		return slog.Any("address", a)
	}
}

// URI is an attribute for a signaling identifier or tunnel URI.
func URI(uri string) slog.Attr {
	return slog.String("uri", uri)
}
