// Copyright (c) 2022 Hirotsuna Mizuno. All rights reserved.
// Use of this source code is governed by the MIT license that can be found in
// the LICENSE file.

// Package fetch provides an HTTP implementation of imagecache.Fetcher.
package fetch

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/tunabay/go-imagecache"
	"github.com/tunabay/go-infounit"
	"github.com/valyala/fasthttp"
)

const (
	// DefaultUserAgent is the User-Agent sent when none is configured.
	DefaultUserAgent = "go-imagecache"

	defaultTimeout      = 30 * time.Second
	defaultMaxBodySize  = infounit.Mebibyte * 32
	defaultMaxRedirects = 5
)

// Config is a set of configuration parameters for Client.
type Config struct {
	// The User-Agent header value. Zero value means DefaultUserAgent.
	UserAgent string

	// The timeout for each request, applied unless the context passed to
	// Fetch has an earlier deadline. Zero value means 30 seconds.
	Timeout time.Duration

	// The limit on the size of a response body. Zero value means 32 MiB.
	MaxBodySize infounit.ByteCount

	// The maximum number of redirects followed. Zero value means 5, and a
	// negative value disables redirects.
	MaxRedirects int

	// If not nil, used for HTTPS connections.
	TLSConfig *tls.Config

	// If not nil, used to establish connections instead of the default
	// dialer.
	Dial fasthttp.DialFunc
}

// Client downloads images over HTTP and HTTPS.
type Client struct {
	client       *fasthttp.Client
	userAgent    string
	timeout      time.Duration
	maxRedirects int
}

var _ imagecache.Fetcher = (*Client)(nil)

// New creates a Client using the configuration parameters. A nil conf means
// the default configuration.
func New(conf *Config) *Client {
	if conf == nil {
		conf = &Config{}
	}
	c := &Client{
		userAgent:    conf.UserAgent,
		timeout:      conf.Timeout,
		maxRedirects: conf.MaxRedirects,
	}
	if c.userAgent == "" {
		c.userAgent = DefaultUserAgent
	}
	if c.timeout <= 0 {
		c.timeout = defaultTimeout
	}
	switch {
	case c.maxRedirects == 0:
		c.maxRedirects = defaultMaxRedirects
	case c.maxRedirects < 0:
		c.maxRedirects = 0
	}
	maxBody := conf.MaxBodySize
	if maxBody <= 0 {
		maxBody = defaultMaxBodySize
	}

	c.client = &fasthttp.Client{
		Name:                c.userAgent,
		ReadTimeout:         c.timeout,
		WriteTimeout:        c.timeout,
		MaxResponseBodySize: int(maxBody),
		TLSConfig:           conf.TLSConfig,
		Dial:                conf.Dial,
	}

	return c
}

type result struct {
	data []byte
	err  error
}

// Fetch downloads the resource at u and returns the response body. Errors
// match imagecache.ErrFetch, and also imagecache.ErrCertificate if the TLS
// certificate of the server could not be verified.
func (c *Client) Fetch(ctx context.Context, u *url.URL) ([]byte, error) {
	switch u.Scheme {
	case "http", "https":
	default:
		return nil, fmt.Errorf("%w: %s: unsupported scheme %q", imagecache.ErrFetch, u.Redacted(), u.Scheme)
	}

	done := make(chan result, 1)
	go func() {
		req := fasthttp.AcquireRequest()
		resp := fasthttp.AcquireResponse()
		defer func() {
			fasthttp.ReleaseRequest(req)
			fasthttp.ReleaseResponse(resp)
		}()
		req.SetRequestURI(u.String())
		req.Header.SetMethod(fasthttp.MethodGet)
		req.Header.Set(fasthttp.HeaderAccept, "image/*")

		if err := c.client.DoRedirects(req, resp, c.maxRedirects); err != nil {
			done <- result{err: classify(u, err)}
			return
		}
		if code := resp.StatusCode(); code < 200 || 300 <= code {
			done <- result{err: fmt.Errorf("%w: %s: status %d", imagecache.ErrFetch, u.Redacted(), code)}
			return
		}
		done <- result{data: append([]byte(nil), resp.Body()...)}
	}()

	// the request keeps running in the background after cancellation,
	// bounded by the client timeouts
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	select {
	case r := <-done:
		return r.data, r.err
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %s: %w", imagecache.ErrFetch, u.Redacted(), ctx.Err())
	}
}

// classify wraps the transport error. Certificate verification failures also
// match imagecache.ErrCertificate.
func classify(u *url.URL, err error) error {
	var (
		unknownAuthority x509.UnknownAuthorityError
		invalid          x509.CertificateInvalidError
		hostname         x509.HostnameError
		verification     *tls.CertificateVerificationError
	)
	switch {
	case errors.As(err, &unknownAuthority),
		errors.As(err, &invalid),
		errors.As(err, &hostname),
		errors.As(err, &verification):
		return fmt.Errorf("%w: %w: %s: %w", imagecache.ErrFetch, imagecache.ErrCertificate, u.Redacted(), err)
	}

	return fmt.Errorf("%w: %s: %w", imagecache.ErrFetch, u.Redacted(), err)
}
