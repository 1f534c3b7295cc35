// Copyright (C) 2026 The Hearth Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package reassembly

import (
	"fmt"
	"strconv"
	"strings"
)

// ContentRange is a parsed "bytes <start>-<end>/<total>" header value.
// End is inclusive.
type ContentRange struct {
	Start, End, Total int64
}

func ParseContentRange(s string) (ContentRange, error) {
	unit, spec, ok := strings.Cut(strings.TrimSpace(s), " ")
	if !ok || unit != "bytes" {
		return ContentRange{}, fmt.Errorf("%w: %q", ErrMalformedContentRange, s)
	}
	span, total, ok := strings.Cut(spec, "/")
	if !ok {
		return ContentRange{}, fmt.Errorf("%w: %q", ErrMalformedContentRange, s)
	}
	start, end, ok := strings.Cut(span, "-")
	if !ok {
		return ContentRange{}, fmt.Errorf("%w: %q", ErrMalformedContentRange, s)
	}

	var cr ContentRange
	var err error
	if cr.Start, err = strconv.ParseInt(start, 10, 64); err != nil {
		return ContentRange{}, fmt.Errorf("%w: %q", ErrMalformedContentRange, s)
	}
	if cr.End, err = strconv.ParseInt(end, 10, 64); err != nil {
		return ContentRange{}, fmt.Errorf("%w: %q", ErrMalformedContentRange, s)
	}
	if cr.Total, err = strconv.ParseInt(total, 10, 64); err != nil {
		// Includes the "*" unknown length form, which we cannot reassemble.
		return ContentRange{}, fmt.Errorf("%w: %q", ErrMalformedContentRange, s)
	}
	if cr.Start < 0 || cr.End < cr.Start || cr.End >= cr.Total {
		return ContentRange{}, fmt.Errorf("%w: %q", ErrMalformedContentRange, s)
	}
	return cr, nil
}

func (cr ContentRange) String() string {
	return fmt.Sprintf("bytes %d-%d/%d", cr.Start, cr.End, cr.Total)
}

// Len is the number of bytes the range covers.
func (cr ContentRange) Len() int64 {
	return cr.End - cr.Start + 1
}

// Complete reports whether this range ends the content.
func (cr ContentRange) Complete() bool {
	return cr.End+1 >= cr.Total
}

// nextRange returns the range to request after cr, at most chunk+1 bytes.
func nextRange(cr ContentRange, chunk int64) (start, end int64) {
	start = cr.End + 1
	end = min(start+chunk, cr.Total-1)
	return start, end
}
