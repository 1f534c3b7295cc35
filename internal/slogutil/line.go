// Copyright (C) 2026 The Hearth Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package slogutil

import (
	"fmt"
	"io"
	"log/slog"
	"time"
)

// DefaultLineFormat is what the daemons log with unless told otherwise.
var DefaultLineFormat = LineFormat{
	TimestampFormat: "2006-01-02 15:04:05",
	LevelString:     true,
}

// A Line is one formatted log message.
type Line struct {
	When    time.Time  `json:"when"`
	Message string     `json:"message"`
	Level   slog.Level `json:"level"`
}

func (l Line) WriteTo(w io.Writer, f LineFormat) (int64, error) {
	var prefix string
	if f.LevelSyslog {
		prefix = fmt.Sprintf("<%d>", syslogPriority(l.Level))
	}
	if f.TimestampFormat != "" {
		prefix += l.When.Format(f.TimestampFormat) + " "
	}
	if f.LevelString {
		prefix += levelString(l.Level) + " "
	}
	n, err := fmt.Fprintf(w, "%s%s\n", prefix, l.Message)
	return int64(n), err
}

func levelString(l slog.Level) string {
	switch {
	case l <= slog.LevelDebug:
		return "DBG"
	case l <= slog.LevelInfo:
		return "INF"
	case l <= slog.LevelWarn:
		return "WRN"
	default:
		return "ERR"
	}
}

// syslog severities as used by systemd's journal
func syslogPriority(l slog.Level) int {
	switch {
	case l <= slog.LevelDebug:
		return 7
	case l <= slog.LevelInfo:
		return 6
	case l <= slog.LevelWarn:
		return 4
	default:
		return 3
	}
}
