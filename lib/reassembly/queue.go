// Copyright (C) 2026 The Hearth Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package reassembly

import (
	"net/http"
	"sync"
)

// An entry is one request written to the transport. Continuation requests
// share the exchange of the request they continue.
type entry struct {
	req          *http.Request
	ex           *Exchange
	continuation bool
}

// RequestQueue holds the requests written to one transport whose
// responses have not arrived yet, oldest first. Responses on an HTTP/1.1
// connection come back in request order, so the head is always the
// request the next response answers.
type RequestQueue struct {
	mut     sync.Mutex
	entries []*entry
}

func (q *RequestQueue) push(e *entry) {
	q.mut.Lock()
	q.entries = append(q.entries, e)
	q.mut.Unlock()
}

func (q *RequestQueue) front() *entry {
	q.mut.Lock()
	defer q.mut.Unlock()
	if len(q.entries) == 0 {
		return nil
	}
	return q.entries[0]
}

func (q *RequestQueue) pop() *entry {
	q.mut.Lock()
	defer q.mut.Unlock()
	if len(q.entries) == 0 {
		return nil
	}
	e := q.entries[0]
	q.entries[0] = nil
	q.entries = q.entries[1:]
	return e
}

// drain removes and returns everything.
func (q *RequestQueue) drain() []*entry {
	q.mut.Lock()
	defer q.mut.Unlock()
	es := q.entries
	q.entries = nil
	return es
}

func (q *RequestQueue) Len() int {
	q.mut.Lock()
	defer q.mut.Unlock()
	return len(q.entries)
}
