// Copyright (C) 2026 The Hearth Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// A Notice is the JSON body of a HubPush. All fields are optional.
type Notice struct {
	// Servers are proxy descriptors: host:port for centralized proxies,
	// cloud fallback host names and peer identifiers.
	Servers []string `json:"servers,omitempty"`
	// UpdateTime is the delay, in milliseconds, until the client should
	// send a fresh presence update.
	UpdateTime *int64 `json:"update-time,omitempty"`
	// Update describes an available software update.
	Update map[string]any `json:"update,omitempty"`
}

func ParseNotice(body []byte) (Notice, error) {
	var n Notice
	if err := json.Unmarshal(body, &n); err != nil {
		return Notice{}, fmt.Errorf("parsing hub notice: %w", err)
	}
	return n, nil
}

func (n Notice) Marshal() ([]byte, error) {
	return json.Marshal(n)
}

// ResyncDelay returns the requested resync delay, if any.
func (n Notice) ResyncDelay() (time.Duration, bool) {
	if n.UpdateTime == nil {
		return 0, false
	}
	d := time.Duration(*n.UpdateTime) * time.Millisecond
	if d < 0 {
		d = 0
	}
	return d, true
}
