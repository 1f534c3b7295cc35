// Copyright (C) 2026 The Hearth Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package directory

import (
	"sync"
)

// A registry is a set of endpoints with round robin retrieval. The set
// gives constant time membership checks, the slice holds the rotation
// order, and both always contain the same endpoints.
type registry struct {
	name  string
	mut   sync.Mutex
	set   map[string]struct{}
	order []Endpoint
}

func newRegistry(name string) *registry {
	return &registry{
		name: name,
		set:  make(map[string]struct{}),
	}
}

func (r *registry) contains(ep Endpoint) bool {
	r.mut.Lock()
	defer r.mut.Unlock()
	_, ok := r.set[ep.key()]
	return ok
}

// add inserts ep at the tail unless an equal endpoint is present.
func (r *registry) add(ep Endpoint) bool {
	r.mut.Lock()
	defer r.mut.Unlock()
	k := ep.key()
	if _, ok := r.set[k]; ok {
		return false
	}
	r.set[k] = struct{}{}
	r.order = append(r.order, ep)
	r.updateGauge()
	return true
}

// next rotates the head to the tail and returns it.
func (r *registry) next() (Endpoint, bool) {
	r.mut.Lock()
	defer r.mut.Unlock()
	if len(r.order) == 0 {
		return Endpoint{}, false
	}
	ep := r.order[0]
	copy(r.order, r.order[1:])
	r.order[len(r.order)-1] = ep
	return ep, true
}

// removeID drops every endpoint with the given identifier and returns how
// many there were.
func (r *registry) removeID(id string) int {
	r.mut.Lock()
	defer r.mut.Unlock()
	kept := r.order[:0]
	removed := 0
	for _, ep := range r.order {
		if ep.ID == id {
			delete(r.set, ep.key())
			removed++
			continue
		}
		kept = append(kept, ep)
	}
	for i := len(kept); i < len(r.order); i++ {
		r.order[i] = Endpoint{}
	}
	r.order = kept
	if removed > 0 {
		r.updateGauge()
	}
	return removed
}

// clearLocked empties the registry. The caller holds r.mut.
func (r *registry) clearLocked() {
	clear(r.set)
	r.order = nil
	r.updateGauge()
}

func (r *registry) len() int {
	r.mut.Lock()
	defer r.mut.Unlock()
	return len(r.order)
}

func (r *registry) snapshot() []Endpoint {
	r.mut.Lock()
	defer r.mut.Unlock()
	return append([]Endpoint(nil), r.order...)
}

func (r *registry) updateGauge() {
	metricEndpoints.WithLabelValues(r.name).Set(float64(len(r.order)))
}
