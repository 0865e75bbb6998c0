// Copyright (c) 2022 Hirotsuna Mizuno. All rights reserved.
// Use of this source code is governed by the MIT license that can be found in
// the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// envPrefix is the prefix of the environment variables overriding the
// configuration file.
const envPrefix = "IMGSV_"

// config represents the configuration of the example server. It is read from
// an optional YAML file, and then overridden by environment variables.
type config struct {
	Listen         string        `yaml:"listen"          env:"LISTEN"`
	LogLevel       string        `yaml:"log_level"       env:"LOG_LEVEL"`
	DebugLog       bool          `yaml:"debug_log"       env:"DEBUG_LOG"`
	StatusInterval time.Duration `yaml:"status_interval" env:"STATUS_INTERVAL"`
	WaitDefault    time.Duration `yaml:"wait_default"    env:"WAIT_DEFAULT"`

	Cache cacheConfig `yaml:"cache" envPrefix:"CACHE_"`
	Store storeConfig `yaml:"store" envPrefix:"STORE_"`
	Fetch fetchConfig `yaml:"fetch" envPrefix:"FETCH_"`
}

type cacheConfig struct {
	Identity     string        `yaml:"identity"      env:"IDENTITY"`
	SizeLimit    int           `yaml:"size_limit"    env:"SIZE_LIMIT"`
	MaxPayload   int64         `yaml:"max_payload"   env:"MAX_PAYLOAD"` // bytes
	JPEGQuality  int           `yaml:"jpeg_quality"  env:"JPEG_QUALITY"`
	FetchTimeout time.Duration `yaml:"fetch_timeout" env:"FETCH_TIMEOUT"`
}

type storeConfig struct {
	Type          string `yaml:"type"           env:"TYPE"` // local, memory or redis
	Dir           string `yaml:"dir"            env:"DIR"`
	RedisAddr     string `yaml:"redis_addr"     env:"REDIS_ADDR"`
	RedisPassword string `yaml:"redis_password" env:"REDIS_PASSWORD"`
	RedisDB       int    `yaml:"redis_db"       env:"REDIS_DB"`
	RedisPrefix   string `yaml:"redis_prefix"   env:"REDIS_PREFIX"`
}

type fetchConfig struct {
	UserAgent    string        `yaml:"user_agent"    env:"USER_AGENT"`
	Timeout      time.Duration `yaml:"timeout"       env:"TIMEOUT"`
	MaxBodySize  int64         `yaml:"max_body_size" env:"MAX_BODY_SIZE"` // bytes
	MaxRedirects int           `yaml:"max_redirects" env:"MAX_REDIRECTS"`
}

// defaultConfig returns the configuration used when nothing is specified.
func defaultConfig() *config {
	return &config{
		Listen:         ":8080",
		LogLevel:       "info",
		StatusInterval: time.Second * 30,
		WaitDefault:    time.Second * 10,
		Store: storeConfig{
			Type: "local",
			Dir:  "go-imagecache-example",
		},
	}
}

// loadConfig reads the configuration file at path, if path is not empty, and
// applies the environment variable overrides.
func loadConfig(path string) (*config, error) {
	conf := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		if err := yaml.Unmarshal(data, conf); err != nil {
			return nil, fmt.Errorf("config: %s: %w", path, err)
		}
	}
	if err := env.ParseWithOptions(conf, env.Options{Prefix: envPrefix}); err != nil {
		return nil, fmt.Errorf("config: environment: %w", err)
	}
	if err := conf.validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return conf, nil
}

// validate checks the configuration values.
func (c *config) validate() error {
	switch {
	case c.Listen == "":
		return errors.New("empty listen address")
	case c.WaitDefault < 0:
		return fmt.Errorf("negative wait_default: %v", c.WaitDefault)
	case c.Cache.MaxPayload < 0:
		return fmt.Errorf("negative cache.max_payload: %d", c.Cache.MaxPayload)
	case c.Fetch.MaxBodySize < 0:
		return fmt.Errorf("negative fetch.max_body_size: %d", c.Fetch.MaxBodySize)
	}
	switch c.Store.Type {
	case "local", "memory":
	case "redis":
		if c.Store.RedisAddr == "" {
			return errors.New("store.redis_addr is required for redis store")
		}
	default:
		return fmt.Errorf("unknown store.type %q", c.Store.Type)
	}

	return nil
}
