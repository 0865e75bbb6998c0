// Copyright (c) 2022 Hirotsuna Mizuno. All rights reserved.
// Use of this source code is governed by the MIT license that can be found in
// the LICENSE file.

package fetch

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tunabay/go-imagecache"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"
)

func newTestClient(t *testing.T, handler fasthttp.RequestHandler, conf *Config) *Client {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()
	srv := &fasthttp.Server{Handler: handler}
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = srv.Shutdown() })

	if conf == nil {
		conf = &Config{}
	}
	conf.Dial = func(string) (net.Conn, error) { return ln.Dial() }
	return New(conf)
}

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func TestFetch(t *testing.T) {
	c := newTestClient(t, func(ctx *fasthttp.RequestCtx) {
		switch string(ctx.Path()) {
		case "/image.png":
			assert.Equal(t, "image/*", string(ctx.Request.Header.Peek(fasthttp.HeaderAccept)))
			assert.Equal(t, "test-agent", string(ctx.UserAgent()))
			ctx.SetContentType("image/png")
			ctx.SetBodyString("png-data")
		case "/moved":
			ctx.Redirect("/image.png", fasthttp.StatusFound)
		case "/large":
			ctx.SetBody(make([]byte, 4096))
		default:
			ctx.Error("not found", fasthttp.StatusNotFound)
		}
	}, &Config{UserAgent: "test-agent", MaxBodySize: 1024})

	t.Run("ok", func(t *testing.T) {
		data, err := c.Fetch(context.Background(), mustParse(t, "http://img.example.com/image.png"))
		require.NoError(t, err)
		assert.Equal(t, "png-data", string(data))
	})

	t.Run("redirect", func(t *testing.T) {
		data, err := c.Fetch(context.Background(), mustParse(t, "http://img.example.com/moved"))
		require.NoError(t, err)
		assert.Equal(t, "png-data", string(data))
	})

	t.Run("not found", func(t *testing.T) {
		_, err := c.Fetch(context.Background(), mustParse(t, "http://img.example.com/missing.png"))
		require.ErrorIs(t, err, imagecache.ErrFetch)
		assert.Contains(t, err.Error(), "status 404")
		assert.NotErrorIs(t, err, imagecache.ErrCertificate)
	})

	t.Run("body too large", func(t *testing.T) {
		_, err := c.Fetch(context.Background(), mustParse(t, "http://img.example.com/large"))
		assert.ErrorIs(t, err, imagecache.ErrFetch)
	})

	t.Run("unsupported scheme", func(t *testing.T) {
		_, err := c.Fetch(context.Background(), mustParse(t, "ftp://img.example.com/image.png"))
		assert.ErrorIs(t, err, imagecache.ErrFetch)
	})
}

func TestFetchCanceled(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	c := newTestClient(t, func(ctx *fasthttp.RequestCtx) {
		<-release
		ctx.SetBodyString("late")
	}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Fetch(ctx, mustParse(t, "http://img.example.com/slow.png"))
	require.ErrorIs(t, err, imagecache.ErrFetch)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClassify(t *testing.T) {
	u := mustParse(t, "https://img.example.com/x.png")

	for name, cause := range map[string]error{
		"unknown authority": x509.UnknownAuthorityError{},
		"invalid":           x509.CertificateInvalidError{Reason: x509.Expired},
		"hostname":          x509.HostnameError{Host: "img.example.com", Certificate: &x509.Certificate{}},
		"verification":      &tls.CertificateVerificationError{Err: errors.New("bad")},
	} {
		err := classify(u, fmt.Errorf("tls handshake: %w", cause))
		assert.ErrorIs(t, err, imagecache.ErrFetch, name)
		assert.ErrorIs(t, err, imagecache.ErrCertificate, name)
	}

	err := classify(u, errors.New("connection refused"))
	assert.ErrorIs(t, err, imagecache.ErrFetch)
	assert.NotErrorIs(t, err, imagecache.ErrCertificate)
}

func TestNewDefaults(t *testing.T) {
	c := New(nil)
	assert.Equal(t, DefaultUserAgent, c.userAgent)
	assert.Equal(t, defaultTimeout, c.timeout)
	assert.Equal(t, defaultMaxRedirects, c.maxRedirects)
	assert.Equal(t, int(defaultMaxBodySize), c.client.MaxResponseBodySize)

	c = New(&Config{MaxRedirects: -1})
	assert.Zero(t, c.maxRedirects)
}
