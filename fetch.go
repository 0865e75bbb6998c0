// Copyright (c) 2022 Hirotsuna Mizuno. All rights reserved.
// Use of this source code is governed by the MIT license that can be found in
// the LICENSE file.

package imagecache

import (
	"context"
	"net/url"
)

// Fetcher is the interface implemented by the fetch service downloading the
// images that are not in the cache yet. The fetch package provides an HTTP
// implementation.
//
// Fetch is called for one URL at a time. It should return the response body,
// or an error if the download failed. It must release all the resources
// associated with the request before returning. Certificate validation
// failures should be reported as errors matching ErrCertificate, so that the
// host application can tell them apart from ordinary network failures.
type Fetcher interface {
	Fetch(ctx context.Context, u *url.URL) ([]byte, error)
}

// FetcherFunc is an adapter to allow the use of an ordinary function as a
// Fetcher.
type FetcherFunc func(ctx context.Context, u *url.URL) ([]byte, error)

// Fetch calls f(ctx, u).
func (f FetcherFunc) Fetch(ctx context.Context, u *url.URL) ([]byte, error) {
	return f(ctx, u)
}
