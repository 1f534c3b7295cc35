// Copyright (C) 2026 The Hearth Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package proxy

import (
	"net/http"
	"strconv"
)

// statusObserver counts upstream responses by status class.
type statusObserver struct{}

func (statusObserver) ObserveResponse(_ *http.Request, resp *http.Response) {
	metricResponses.WithLabelValues(strconv.Itoa(resp.StatusCode/100) + "xx").Inc()
}

// A CookieObserver is notified of the cookies upstream responses set.
type CookieObserver struct {
	// OnCookies receives the request and the cookies set in response.
	OnCookies func(req *http.Request, cookies []*http.Cookie)
	// Strip removes Set-Cookie headers for cookie names it matches
	// before the response reaches the browser.
	Strip func(req *http.Request, name string) bool
}

func (o *CookieObserver) ObserveResponse(req *http.Request, resp *http.Response) {
	cookies := resp.Cookies()
	if len(cookies) == 0 {
		return
	}
	if o.OnCookies != nil {
		o.OnCookies(req, cookies)
	}
	if o.Strip == nil {
		return
	}
	var kept []string
	stripped := false
	for _, line := range resp.Header.Values("Set-Cookie") {
		if name, ok := setCookieName(line); ok && o.Strip(req, name) {
			stripped = true
			continue
		}
		kept = append(kept, line)
	}
	if !stripped {
		return
	}
	resp.Header.Del("Set-Cookie")
	for _, line := range kept {
		resp.Header.Add("Set-Cookie", line)
	}
}

func setCookieName(line string) (string, bool) {
	single := &http.Response{Header: http.Header{"Set-Cookie": {line}}}
	cookies := single.Cookies()
	if len(cookies) != 1 {
		return "", false
	}
	return cookies[0].Name, true
}
