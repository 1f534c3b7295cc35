// Copyright (C) 2026 The Hearth Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package slogutil

import (
	"cmp"
	"context"
	"io"
	"log/slog"
	"path"
	"runtime"
	"strconv"
	"strings"
	"time"
)

type LineFormat struct {
	TimestampFormat string
	LevelString     bool
	LevelSyslog     bool
}

type formattingOptions struct {
	LineFormat

	out          io.Writer
	recs         []*lineRecorder
	timeOverride time.Time
}

type formattingHandler struct {
	attrs  []slog.Attr
	groups []string
	opts   *formattingOptions
}

func SetLineFormat(f LineFormat) {
	globalFormatter.LineFormat = f
}

var _ slog.Handler = (*formattingHandler)(nil)

func (h *formattingHandler) Enabled(context.Context, slog.Level) bool {
	return true
}

func (h *formattingHandler) Handle(_ context.Context, rec slog.Record) error {
	var logAttrs []any
	fr := runtime.CallersFrames([]uintptr{rec.PC})
	if frame, _ := fr.Next(); frame.Function != "" {
		pkg, typ := funcNameToPkg(frame.Function)
		lvl := globalLevels.Get(pkg)
		if rec.Level < lvl {
			return nil
		}
		logAttrs = append(logAttrs, slog.String("pkg", pkg))
		if lvl <= slog.LevelDebug {
			if typ != "" {
				logAttrs = append(logAttrs, slog.String("type", typ))
			}
			logAttrs = append(logAttrs, slog.Group("src", slog.String("file", path.Base(frame.File)), slog.Int("line", frame.Line)))
		}
	}

	var prefix string
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}

	var sb strings.Builder
	sb.WriteString(rec.Message)

	attrs := make([]slog.Attr, 0, rec.NumAttrs()+len(h.attrs)+1)
	rec.Attrs(func(attr slog.Attr) bool {
		attr.Key = prefix + attr.Key
		attrs = append(attrs, attr)
		return true
	})
	attrs = append(attrs, h.attrs...)
	attrs = append(attrs, slog.Group("log", logAttrs...))

	var n int
	for _, attr := range attrs {
		for _, attr := range expandAttrs("", attr) {
			appendAttr(&sb, attr, &n)
		}
	}
	if n > 0 {
		sb.WriteRune(')')
	}

	line := Line{
		When:    cmp.Or(h.opts.timeOverride, rec.Time),
		Message: sb.String(),
		Level:   rec.Level,
	}
	for _, r := range h.opts.recs {
		r.record(line)
	}
	if h.opts.out != nil {
		_, _ = line.WriteTo(h.opts.out, h.opts.LineFormat)
	}
	return nil
}

func expandAttrs(prefix string, a slog.Attr) []slog.Attr {
	if prefix != "" {
		a.Key = prefix + "." + a.Key
	}
	val := a.Value.Resolve()
	if val.Kind() != slog.KindGroup {
		return []slog.Attr{a}
	}
	var attrs []slog.Attr
	for _, attr := range val.Group() {
		attrs = append(attrs, expandAttrs(a.Key, attr)...)
	}
	return attrs
}

func appendAttr(sb *strings.Builder, a slog.Attr, n *int) {
	const confusables = ` "()[]{},`
	if a.Key == "" {
		return
	}
	if *n == 0 {
		sb.WriteString(" (")
	} else {
		sb.WriteRune(' ')
	}
	sb.WriteString(a.Key)
	sb.WriteRune('=')
	v := a.Value.Resolve().String()
	if v == "" || strings.ContainsAny(v, confusables) {
		v = strconv.Quote(v)
	}
	sb.WriteString(v)
	*n++
}

func (h *formattingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(h.groups) > 0 {
		prefix := strings.Join(h.groups, ".") + "."
		for i := range attrs {
			attrs[i].Key = prefix + attrs[i].Key
		}
	}
	return &formattingHandler{
		attrs:  append(h.attrs[:len(h.attrs):len(h.attrs)], attrs...),
		groups: h.groups,
		opts:   h.opts,
	}
}

func (h *formattingHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &formattingHandler{
		attrs:  h.attrs,
		groups: append(h.groups[:len(h.groups):len(h.groups)], name),
		opts:   h.opts,
	}
}

// funcNameToPkg turns a runtime function name into the short package
// name used for level lookups, plus the receiver type if there is one.
// "github.com/hearthproxy/hearth/lib/signaling.(*Channel).loop" becomes
// ("signaling", "channel").
func funcNameToPkg(fn string) (string, string) {
	fn = strings.ToLower(fn)
	for _, pfx := range []string{
		"github.com/hearthproxy/hearth/lib/",
		"github.com/hearthproxy/hearth/internal/",
		"github.com/hearthproxy/hearth/cmd/",
	} {
		fn = strings.TrimPrefix(fn, pfx)
	}

	dir, last := "", fn
	if i := strings.LastIndex(fn, "/"); i >= 0 {
		dir, last = fn[:i+1], fn[i+1:]
	}
	parts := strings.Split(last, ".") // [package, type, method] or [package, function]
	pkg := dir + parts[0]
	if len(parts) <= 2 {
		return pkg, ""
	}

	typ := strings.TrimLeft(strings.TrimRight(parts[1], ")"), "(*")
	typ = strings.TrimSuffix(typ, "service")
	if typ == parts[0] || strings.HasPrefix(typ, "func") {
		return pkg, ""
	}
	return pkg, typ
}
