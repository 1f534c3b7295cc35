// Copyright (C) 2026 The Hearth Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package slogutil

import (
	"io"
	"log/slog"
	"os"
)

// TraceEnvVar names the environment variable holding per package level
// overrides, e.g. HEARTHTRACE="signaling,directory:WARN".
const TraceEnvVar = "HEARTHTRACE"

var (
	GlobalRecorder = &lineRecorder{level: -1000}
	ErrorRecorder  = &lineRecorder{level: slog.LevelError}
	globalLevels   = &levelTracker{
		levels: make(map[string]slog.Level),
		descrs: make(map[string]string),
	}
	globalFormatter = &formattingOptions{
		LineFormat: DefaultLineFormat,
		recs:       []*lineRecorder{GlobalRecorder, ErrorRecorder},
		out:        logWriter(),
	}
)

func logWriter() io.Writer {
	if os.Getenv("LOGGER_DISCARD") != "" {
		return io.Discard
	}
	return os.Stdout
}

func init() {
	slog.SetDefault(slog.New(&formattingHandler{opts: globalFormatter}))
	SetLevelOverrides(os.Getenv(TraceEnvVar))
}
