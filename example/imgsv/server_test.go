// Copyright (c) 2022 Hirotsuna Mizuno. All rights reserved.
// Use of this source code is governed by the MIT license that can be found in
// the LICENSE file.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tunabay/go-imagecache"
	"github.com/tunabay/go-imagecache/fsstore"
)

func testPNG(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewGray(image.Rect(0, 0, 16, 16))))
	return buf.Bytes()
}

// newTestServer creates a server on a memory store. Paths starting with
// /slow block until the fetch is canceled, and /broken fails.
func newTestServer(t *testing.T) *server {
	t.Helper()
	img := testPNG(t)
	fetcher := imagecache.FetcherFunc(func(ctx context.Context, u *url.URL) ([]byte, error) {
		switch {
		case strings.HasPrefix(u.Path, "/slow"):
			<-ctx.Done()
			return nil, ctx.Err()
		case strings.HasPrefix(u.Path, "/broken"):
			return nil, fmt.Errorf("%w: connection refused", imagecache.ErrFetch)
		case strings.HasPrefix(u.Path, "/cert"):
			return nil, fmt.Errorf("%w: %w: x509", imagecache.ErrFetch, imagecache.ErrCertificate)
		}
		return img, nil
	})

	conf := defaultConfig()
	conf.WaitDefault = 5 * time.Second
	conf.StatusInterval = 0
	sv, err := newServer(conf, fsstore.NewMemory(), fetcher, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = sv.close() })
	return sv
}

func do(t *testing.T, sv *server, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	sv.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func imageTarget(rawURL string, extra ...string) string {
	q := url.Values{"url": {rawURL}}
	for i := 0; i+1 < len(extra); i += 2 {
		q.Set(extra[i], extra[i+1])
	}
	return "/image?" + q.Encode()
}

func status(t *testing.T, rec *httptest.ResponseRecorder) statusResponse {
	t.Helper()
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var st statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	return st
}

func TestImage(t *testing.T) {
	sv := newTestServer(t)

	rec := do(t, sv, http.MethodGet, imageTarget("http://a.com/x.png"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "image/jpeg", rec.Header().Get("Content-Type"))
	assert.Equal(t, "READY", rec.Header().Get("X-Imagecache"))
	_, err := jpeg.Decode(rec.Body)
	require.NoError(t, err)

	rec = do(t, sv, http.MethodGet, imageTarget("http://a.com/x.png", "wait", "0s"))
	require.Equal(t, http.StatusOK, rec.Code)

	st := status(t, do(t, sv, http.MethodGet, "/status"))
	assert.Equal(t, uint64(2), st.NumRequested)
	assert.Equal(t, uint64(1), st.NumHit)
	assert.Equal(t, uint64(1), st.NumFetched)
}

func TestImagePlaceholder(t *testing.T) {
	sv := newTestServer(t)

	rec := do(t, sv, http.MethodGet, imageTarget("http://a.com/slow.png", "wait", "0s"))
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "LOADING", rec.Header().Get("X-Imagecache"))
	img, err := png.Decode(rec.Body)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 320, 240), img.Bounds())
}

func TestImageFailure(t *testing.T) {
	sv := newTestServer(t)

	tests := []struct {
		target string
		code   int
	}{
		{"/image", http.StatusBadRequest},
		{imageTarget("http://a.com/x.png", "wait", "forever"), http.StatusBadRequest},
		{imageTarget("http://a.com/x.png", "wait", "2h"), http.StatusBadRequest},
		{imageTarget("no-host"), http.StatusBadRequest},
		{imageTarget("http://a.com/broken.png"), http.StatusBadGateway},
		{imageTarget("http://a.com/cert.png"), http.StatusBadGateway},
	}
	for _, tt := range tests {
		rec := do(t, sv, http.MethodGet, tt.target)
		assert.Equal(t, tt.code, rec.Code, tt.target)
	}

	rec := do(t, sv, http.MethodGet, imageTarget("http://a.com/cert.png"))
	assert.Contains(t, rec.Body.String(), "Certificate")
	assert.Equal(t, "FORBIDDEN", rec.Header().Get("X-Imagecache-Code"))
}

func TestAdmin(t *testing.T) {
	sv := newTestServer(t)
	for _, u := range []string{"http://a.com/1.png", "http://a.com/2.png", "http://a.com/3.png"} {
		require.Equal(t, http.StatusOK, do(t, sv, http.MethodGet, imageTarget(u)).Code)
	}

	st := status(t, do(t, sv, http.MethodPut, "/limit?n=1"))
	assert.Equal(t, 1, st.SizeLimit)
	assert.Equal(t, uint64(2), st.NumRemoved)

	assert.Equal(t, http.StatusBadRequest, do(t, sv, http.MethodPut, "/limit?n=x").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, sv, http.MethodPut, "/limit").Code)

	st = status(t, do(t, sv, http.MethodPut, "/identity?id=alt"))
	assert.Equal(t, "alt", st.Identity)
	assert.Equal(t, http.StatusBadRequest, do(t, sv, http.MethodPut, "/identity?id=../x").Code)

	st = status(t, do(t, sv, http.MethodPost, "/housekeep"))
	assert.Equal(t, "alt", st.Identity)

	assert.Equal(t, http.StatusMethodNotAllowed, do(t, sv, http.MethodGet, "/housekeep").Code)
	assert.Equal(t, http.StatusOK, do(t, sv, http.MethodGet, "/healthz").Code)
}

func TestMetrics(t *testing.T) {
	sv := newTestServer(t)
	require.Equal(t, http.StatusOK, do(t, sv, http.MethodGet, imageTarget("http://a.com/x.png")).Code)

	rec := do(t, sv, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "imagecache_requests_total 1")
	assert.Contains(t, body, "imagecache_fetched_total 1")
	assert.Contains(t, body, `imagecache_size_limit{identity="netimagemanager"} 125`)
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "imgsv.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen: ":9090"
wait_default: 3s
cache:
  identity: gallery
  size_limit: 10
  max_payload: 1048576
store:
  type: memory
`), 0o0644))

	t.Setenv(envPrefix+"CACHE_SIZE_LIMIT", "20")
	conf, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", conf.Listen)
	assert.Equal(t, 3*time.Second, conf.WaitDefault)
	assert.Equal(t, "gallery", conf.Cache.Identity)
	assert.Equal(t, 20, conf.Cache.SizeLimit)
	assert.Equal(t, int64(1048576), conf.Cache.MaxPayload)
	assert.Equal(t, "memory", conf.Store.Type)
	assert.Equal(t, "info", conf.LogLevel)

	t.Setenv(envPrefix+"STORE_TYPE", "s3")
	_, err = loadConfig(path)
	assert.Error(t, err)

	_, err = loadConfig(filepath.Join(dir, "missing.yaml"))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}
