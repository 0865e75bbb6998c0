// Copyright (c) 2022 Hirotsuna Mizuno. All rights reserved.
// Use of this source code is governed by the MIT license that can be found in
// the LICENSE file.

package imagecache

import (
	"net/url"
	"time"
)

// request represents a queued fetch request. Duplicate URLs are queued as
// independent requests.
type request struct {
	rawURL   string
	url      *url.URL
	key      Key
	queuedAt time.Time

	// announced is closed once ImageLoading has been delivered for the
	// request. Terminal events wait for it.
	announced chan struct{}
}

// newRequest creates a request for the parsed URL.
func newRequest(rawURL string, u *url.URL, key Key) *request {
	return &request{
		rawURL:    rawURL,
		url:       u,
		key:       key,
		queuedAt:  time.Now(),
		announced: make(chan struct{}),
	}
}

// fetchQueue is the FIFO of pending fetch requests. The head is the request
// being fetched, or the next to be fetched if inFlight is false. It is owned
// by a Manager and only accessed while holding the Manager lock.
type fetchQueue struct {
	reqs     []*request
	inFlight bool
}

// enqueue appends the request and reports whether the queue was empty before,
// in which case the caller has to start fetching the new head.
func (q *fetchQueue) enqueue(req *request) bool {
	wasEmpty := len(q.reqs) == 0
	q.reqs = append(q.reqs, req)

	return wasEmpty
}

// empty reports whether no request is queued.
func (q *fetchQueue) empty() bool { return len(q.reqs) == 0 }

// len returns the number of queued requests, including the one in flight.
func (q *fetchQueue) len() int { return len(q.reqs) }

// head returns the head request, or nil if the queue is empty.
func (q *fetchQueue) head() *request {
	if len(q.reqs) == 0 {
		return nil
	}

	return q.reqs[0]
}

// start marks the head as in flight and returns it. It returns nil if the
// queue is empty or a fetch is already in flight.
func (q *fetchQueue) start() *request {
	if q.inFlight || len(q.reqs) == 0 {
		return nil
	}
	q.inFlight = true

	return q.reqs[0]
}

// pop removes the completed head, clears the in-flight state and returns the
// new head, or nil.
func (q *fetchQueue) pop() *request {
	if len(q.reqs) == 0 {
		return nil
	}
	q.reqs[0] = nil
	q.reqs = q.reqs[1:]
	q.inFlight = false
	if len(q.reqs) == 0 {
		q.reqs = nil // release the backing array
		return nil
	}

	return q.reqs[0]
}

// drain removes and returns all the requests that are not in flight.
func (q *fetchQueue) drain() []*request {
	if len(q.reqs) == 0 {
		return nil
	}
	first := 0
	if q.inFlight {
		first = 1
	}
	dropped := append([]*request(nil), q.reqs[first:]...)
	q.reqs = q.reqs[:first]

	return dropped
}
