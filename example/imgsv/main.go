// Copyright (c) 2022 Hirotsuna Mizuno. All rights reserved.
// Use of this source code is governed by the MIT license that can be found in
// the LICENSE file.

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/tunabay/go-imagecache"
	"github.com/tunabay/go-imagecache/fetch"
	"github.com/tunabay/go-imagecache/fsstore"
	"github.com/tunabay/go-imagecache/redisstore"
	"github.com/tunabay/go-infounit"
	"golang.org/x/sync/errgroup"
)

// main is the main function of this example program. An image proxy server
// that serves images downloaded from the network, cached by imagecache.
//
// The first request for an image is answered with a placeholder image if the
// download takes longer than the wait parameter. Subsequent requests for the
// same image are served from the cache.
func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	// Parse command parameters.
	confPath := ""
	switch {
	case len(os.Args) == 1:
		// defaults and environment variables only

	case 2 < len(os.Args), strings.HasPrefix(strings.TrimLeft(os.Args[1], "-"), "h"):
		fmt.Fprintf(os.Stderr, "USAGE: %s [config.yaml]\n", os.Args[0])
		return

	default:
		confPath = os.Args[1]
	}

	if err := run(ctx, confPath); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
}

// run runs the server until ctx is done.
func run(ctx context.Context, confPath string) error {
	conf, err := loadConfig(confPath)
	if err != nil {
		return err
	}
	logger, err := newLogger(os.Stderr, conf.LogLevel)
	if err != nil {
		return fmt.Errorf("log_level: %w", err)
	}

	store, closeStore, err := openStore(&conf.Store)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer func() {
		if err := closeStore(); err != nil {
			logger.Warn().Err(err).Msg("failed to close store")
		}
	}()
	fetcher := fetch.New(&fetch.Config{
		UserAgent:    conf.Fetch.UserAgent,
		Timeout:      conf.Fetch.Timeout,
		MaxBodySize:  infounit.ByteCount(conf.Fetch.MaxBodySize),
		MaxRedirects: conf.Fetch.MaxRedirects,
	})

	sv, err := newServer(conf, store, fetcher, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := sv.close(); err != nil {
			logger.Warn().Err(err).Msg("failed to close cache")
		}
	}()
	logStartup(logger, conf)

	httpd := &http.Server{
		Addr:              conf.Listen,
		Handler:           sv,
		ReadHeaderTimeout: time.Second * 10,
		WriteTimeout:      time.Minute + maxWait,
		MaxHeaderBytes:    8192,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sv.serve(gctx)
	})
	g.Go(func() error {
		if err := httpd.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("httpd: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sdctx, sdcancel := context.WithTimeout(context.Background(), time.Second*5)
		defer sdcancel()
		if err := httpd.Shutdown(sdctx); err != nil { //nolint:contextcheck
			return fmt.Errorf("httpd: shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}

// openStore creates the storage backend selected by the configuration. The
// returned function releases the backend.
func openStore(conf *storeConfig) (imagecache.BlobStore, func() error, error) {
	nop := func() error { return nil }
	switch conf.Type {
	case "memory":
		return fsstore.NewMemory(), nop, nil

	case "redis":
		store, err := redisstore.Dial(conf.RedisAddr, conf.RedisPassword, conf.RedisDB, conf.RedisPrefix)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil

	default:
		store, err := fsstore.NewLocal(conf.Dir)
		if err != nil {
			return nil, nil, err
		}
		return store, nop, nil
	}
}

// logStartup logs the effective configuration.
func logStartup(logger zerolog.Logger, conf *config) {
	maxPayload := infounit.ByteCount(conf.Cache.MaxPayload)
	logger.Info().
		Str("listen", conf.Listen).
		Str("store", conf.Store.Type).
		Str("identity", conf.Cache.Identity).
		Int("size_limit", conf.Cache.SizeLimit).
		Str("max_payload", fmt.Sprintf("%.1S", maxPayload)).
		Dur("wait_default", conf.WaitDefault).
		Msg("imgsv started")
}
