// Copyright (c) 2022 Hirotsuna Mizuno. All rights reserved.
// Use of this source code is governed by the MIT license that can be found in
// the LICENSE file.

package main

import (
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

// newLogger creates the server logger writing to w at the named level.
func newLogger(w io.Writer, level string) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Nop(), err
	}
	if lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	return zerolog.New(w).Level(lvl).With().Timestamp().Logger(), nil
}

// cacheLogger implements imagecache.Logger to receive log messages from the
// imagecache package.
type cacheLogger struct {
	log zerolog.Logger
}

// ImageCacheLog implements imagecache.Logger.
func (l cacheLogger) ImageCacheLog(line string) {
	l.log.Info().Str("component", "imagecache").Msg(line)
}

// accessLog returns the middleware chain logging each HTTP request.
func accessLog(logger zerolog.Logger) func(http.Handler) http.Handler {
	withLogger := hlog.NewHandler(logger)
	access := hlog.AccessHandler(func(r *http.Request, status, size int, elapsed time.Duration) {
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Stringer("url", r.URL).
			Int("status", status).
			Int("size", size).
			Dur("elapsed", elapsed).
			Msg("request")
	})
	remoteAddr := hlog.RemoteAddrHandler("remote")

	return func(next http.Handler) http.Handler {
		return withLogger(remoteAddr(access(next)))
	}
}
