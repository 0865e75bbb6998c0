// Copyright (c) 2022 Hirotsuna Mizuno. All rights reserved.
// Use of this source code is governed by the MIT license that can be found in
// the LICENSE file.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/tunabay/go-imagecache"
	"github.com/tunabay/go-infounit"
)

// server represents the example image proxy server. It holds one
// imagecache.Manager instance, and receives its events as the Listener.
type server struct {
	cache          *imagecache.Manager
	log            zerolog.Logger
	placeholder    *placeholder
	waitDefault    time.Duration
	statusInterval time.Duration
	router         chi.Router

	mu      sync.Mutex
	waiters map[string][]chan error
}

// newServer creates an image server instance using the store and the fetch
// service.
func newServer(conf *config, store imagecache.BlobStore, fetcher imagecache.Fetcher, logger zerolog.Logger) (*server, error) {
	sv := &server{
		log:            logger,
		placeholder:    newPlaceholder(320, 240),
		waitDefault:    conf.WaitDefault,
		statusInterval: conf.StatusInterval,
		waiters:        make(map[string][]chan error),
	}
	cacheConf := &imagecache.Config{
		Store:        store,
		Fetcher:      fetcher,
		Listener:     sv,
		Identity:     conf.Cache.Identity,
		SizeLimit:    conf.Cache.SizeLimit,
		MaxPayload:   infounit.ByteCount(conf.Cache.MaxPayload),
		JPEGQuality:  conf.Cache.JPEGQuality,
		FetchTimeout: conf.Cache.FetchTimeout,
		Logger:       cacheLogger{log: logger},
		DebugLog:     conf.DebugLog,
	}
	cache, err := imagecache.NewWithConfig(cacheConf)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache: %w", err)
	}
	sv.cache = cache

	reg := prometheus.NewRegistry()
	reg.MustRegister(newCacheCollector(cache))

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(accessLog(logger))
	r.Use(chimw.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { sv.errf(w, http.StatusOK, "ok") })
	r.Get("/image", sv.handleImage)
	r.Get("/status", sv.handleStatus)
	r.Put("/identity", sv.handleIdentity)
	r.Put("/limit", sv.handleLimit)
	r.Post("/housekeep", sv.handleHousekeep)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	sv.router = r

	return sv, nil
}

// ServeHTTP implements http.Handler.
func (sv *server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sv.router.ServeHTTP(w, r)
}

// serve logs the cache status periodically until ctx is done.
func (sv *server) serve(ctx context.Context) error {
	if sv.statusInterval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(sv.statusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		sv.log.Info().Stringer("status", sv.cache.Status()).Msg("cache status")
	}
}

// close stops the cache.
func (sv *server) close() error {
	return sv.cache.Close()
}

// ImageReady implements imagecache.Listener.
func (sv *server) ImageReady(path, rawURL string) {
	sv.log.Debug().Str("url", rawURL).Str("path", path).Msg("image ready")
	sv.notify(rawURL, nil)
}

// ImageLoading implements imagecache.Listener.
func (sv *server) ImageLoading(rawURL, placeholder string) {
	sv.log.Debug().Str("url", rawURL).Str("placeholder", placeholder).Msg("image loading")
}

// ImageFailed implements imagecache.Listener.
func (sv *server) ImageFailed(rawURL string, err error) {
	sv.log.Warn().Str("url", rawURL).Err(err).Msg("image failed")
	sv.notify(rawURL, err)
}

// IdentityChanged implements imagecache.Listener.
func (sv *server) IdentityChanged(id string) {
	sv.log.Info().Str("identity", id).Msg("cache identity changed")
}

// SizeLimitChanged implements imagecache.Listener.
func (sv *server) SizeLimitChanged(limit int) {
	sv.log.Info().Int("limit", limit).Msg("cache size limit changed")
}

// addWaiter registers a channel receiving the outcome of the next ImageReady
// or ImageFailed for rawURL.
func (sv *server) addWaiter(rawURL string) chan error {
	ch := make(chan error, 1)
	sv.mu.Lock()
	sv.waiters[rawURL] = append(sv.waiters[rawURL], ch)
	sv.mu.Unlock()

	return ch
}

// removeWaiter unregisters the channel if it is still registered.
func (sv *server) removeWaiter(rawURL string, ch chan error) {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	chs := sv.waiters[rawURL]
	for i, c := range chs {
		if c == ch {
			chs = append(chs[:i], chs[i+1:]...)
			break
		}
	}
	if len(chs) == 0 {
		delete(sv.waiters, rawURL)
		return
	}
	sv.waiters[rawURL] = chs
}

// notify delivers the outcome to all the waiters for rawURL.
func (sv *server) notify(rawURL string, err error) {
	sv.mu.Lock()
	chs := sv.waiters[rawURL]
	delete(sv.waiters, rawURL)
	sv.mu.Unlock()

	for _, ch := range chs {
		ch <- err
	}
}

// errf writes a plain text response.
func (sv *server) errf(w http.ResponseWriter, code int, format string, v ...any) {
	b := []byte(fmt.Sprintf(format, v...) + "\n")
	w.Header().Set("Content-Type", "text/plain")
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	w.WriteHeader(code)
	if _, err := w.Write(b); err != nil {
		sv.log.Warn().Err(err).Msg("ResponseWriter.Write")
	}
}

// writeBody writes a response with the body.
func (sv *server) writeBody(w http.ResponseWriter, code int, contentType string, body []byte) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(code)
	if _, err := w.Write(body); err != nil {
		sv.log.Warn().Err(err).Msg("ResponseWriter.Write")
	}
}

// handleImage serves GET /image?url=...&wait=... It resolves the URL in the
// cache, and serves the cached image. If the image is not cached, it waits
// for the download up to the wait duration, and serves the placeholder image
// if the download is still in progress.
func (sv *server) handleImage(w http.ResponseWriter, r *http.Request) {
	p, err := parseImageParam(r.URL.Query(), sv.waitDefault)
	if err != nil {
		sv.errf(w, http.StatusBadRequest, "Bad request: %v", err)
		return
	}

	startedAt := time.Now()
	ch := sv.addWaiter(p.url)
	defer sv.removeWaiter(p.url, ch)
	sv.cache.Resolve(p.url)

	// a cache hit is reported before Resolve returns
	select {
	case err = <-ch:
	default:
		timer := time.NewTimer(p.wait)
		defer timer.Stop()
		select {
		case err = <-ch:
		case <-timer.C:
			sv.servePlaceholder(w)
			return
		case <-r.Context().Done():
			return
		}
	}
	if err != nil {
		sv.serveFailure(w, p, err)
		return
	}

	data, ok, err := sv.cache.Load(p.url)
	switch {
	case err != nil:
		sv.errf(w, http.StatusInternalServerError, "Failed to load image: %v", err)
		return
	case !ok: // removed by housekeeping in the meantime
		sv.servePlaceholder(w)
		return
	}
	w.Header().Set("X-Imagecache", "READY")
	sv.writeBody(w, http.StatusOK, "image/jpeg", data)
	hlog.FromRequest(r).Debug().Str("param", p.String()).Dur("waited", time.Since(startedAt)).Msg("served image")
}

// servePlaceholder serves the placeholder image.
func (sv *server) servePlaceholder(w http.ResponseWriter) {
	data, err := sv.placeholder.png()
	if err != nil {
		sv.errf(w, http.StatusInternalServerError, "Placeholder: %v", err)
		return
	}
	w.Header().Set("X-Imagecache", "LOADING")
	w.Header().Set("Cache-Control", "no-store")
	sv.writeBody(w, http.StatusAccepted, "image/png", data)
}

// serveFailure responds to a failed image request.
func (sv *server) serveFailure(w http.ResponseWriter, p *imageParam, err error) {
	w.Header().Set("X-Imagecache", "FAILED")
	w.Header().Set("X-Imagecache-Code", string(imagecache.ErrorCode(err)))
	switch {
	case errors.Is(err, imagecache.ErrInvalidURL):
		sv.errf(w, http.StatusBadRequest, "Invalid image URL %q.", p.url)
	case errors.Is(err, imagecache.ErrClosed):
		sv.errf(w, http.StatusServiceUnavailable, "Server is shutting down.")
	case errors.Is(err, imagecache.ErrCertificate):
		sv.errf(w, http.StatusBadGateway, "Certificate of the image server could not be verified: %v", err)
	case errors.Is(err, imagecache.ErrDecode):
		sv.errf(w, http.StatusBadGateway, "Not a supported image: %v", err)
	default:
		sv.errf(w, http.StatusBadGateway, "Could not get image: %v", err)
	}
}

// statusResponse is the JSON representation of imagecache.Status.
type statusResponse struct {
	Identity     string `json:"identity"`
	SizeLimit    int    `json:"size_limit"`
	NumRequested uint64 `json:"requested"`
	NumHit       uint64 `json:"hit"`
	NumFetched   uint64 `json:"fetched"`
	NumFailed    uint64 `json:"failed"`
	NumRemoved   uint64 `json:"removed"`
	NumQueued    int    `json:"queued"`
	InFlight     bool   `json:"in_flight"`
	WrittenBytes uint64 `json:"written_bytes"`
	Written      string `json:"written"`
}

func newStatusResponse(st *imagecache.Status) *statusResponse {
	return &statusResponse{
		Identity:     st.Identity,
		SizeLimit:    st.SizeLimit,
		NumRequested: st.NumRequested,
		NumHit:       st.NumHit,
		NumFetched:   st.NumFetched,
		NumFailed:    st.NumFailed,
		NumRemoved:   st.NumRemoved,
		NumQueued:    st.NumQueued,
		InFlight:     st.InFlight,
		WrittenBytes: uint64(st.TotalWritten),
		Written:      fmt.Sprintf("%.1S", st.TotalWritten),
	}
}

// writeStatus responds with the cache status as JSON.
func (sv *server) writeStatus(w http.ResponseWriter) {
	b, err := json.Marshal(newStatusResponse(sv.cache.Status()))
	if err != nil {
		sv.errf(w, http.StatusInternalServerError, "Status: %v", err)
		return
	}
	sv.writeBody(w, http.StatusOK, "application/json", b)
}

// handleStatus serves GET /status.
func (sv *server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	sv.writeStatus(w)
}

// handleIdentity serves PUT /identity?id=...
func (sv *server) handleIdentity(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if err := sv.cache.SetIdentity(id); err != nil {
		code := http.StatusBadRequest
		if sv.cache.Identity() == id { // switched, but housekeeping failed
			code = http.StatusInternalServerError
		}
		sv.errf(w, code, "Failed to set identity %q: %v", id, err)
		return
	}
	sv.writeStatus(w)
}

// handleLimit serves PUT /limit?n=...
func (sv *server) handleLimit(w http.ResponseWriter, r *http.Request) {
	n, err := parseLimit(r.URL.Query())
	if err != nil {
		sv.errf(w, http.StatusBadRequest, "Bad request: %v", err)
		return
	}
	if err := sv.cache.SetSizeLimit(n); err != nil {
		sv.errf(w, http.StatusInternalServerError, "Housekeeping failed: %v", err)
		return
	}
	sv.writeStatus(w)
}

// handleHousekeep serves POST /housekeep.
func (sv *server) handleHousekeep(w http.ResponseWriter, _ *http.Request) {
	if err := sv.cache.Housekeep(); err != nil {
		sv.errf(w, http.StatusInternalServerError, "Housekeeping failed: %v", err)
		return
	}
	sv.writeStatus(w)
}
