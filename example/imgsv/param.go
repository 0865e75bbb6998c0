// Copyright (c) 2022 Hirotsuna Mizuno. All rights reserved.
// Use of this source code is governed by the MIT license that can be found in
// the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// maxWait is the upper limit on the wait parameter.
const maxWait = time.Minute

// imageParam represents the parameters of an image request.
type imageParam struct {
	url  string        // URL of the image, required.
	wait time.Duration // how long to wait for a download, 0..maxWait.
}

// String returns the string representation of the parameter set, used for
// logging.
func (p *imageParam) String() string {
	return fmt.Sprintf("url=%s, wait=%v", p.url, p.wait)
}

// parseImageParam extracts the image request parameters from the query
// string. defaultWait is used if the wait parameter is omitted.
func parseImageParam(qvals url.Values, defaultWait time.Duration) (*imageParam, error) {
	p := &imageParam{url: qvals.Get("url"), wait: defaultWait}
	if p.url == "" {
		return nil, errors.New("missing url")
	}
	if s := qvals.Get("wait"); s != "" {
		v, err := time.ParseDuration(s)
		switch {
		case err != nil:
			return nil, fmt.Errorf("invalid wait %q: %w", s, err)
		case v < 0, maxWait < v:
			return nil, fmt.Errorf("invalid wait %v, must be 0..%v", v, maxWait)
		}
		p.wait = v
	}

	return p, nil
}

// parseLimit parses the n parameter of a size limit request.
func parseLimit(qvals url.Values) (int, error) {
	s := qvals.Get("n")
	if s == "" {
		return 0, errors.New("missing n")
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid n %q: %w", s, err)
	}

	return v, nil
}
