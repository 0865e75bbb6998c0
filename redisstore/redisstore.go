// Copyright (c) 2022 Hirotsuna Mizuno. All rights reserved.
// Use of this source code is governed by the MIT license that can be found in
// the LICENSE file.

// Package redisstore provides an imagecache.BlobStore keeping the cached
// images in Redis. Each entry is a string value. The entries of a namespace
// are indexed by a sorted set scored by the write time, so that listing a
// namespace does not require a key scan.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/tunabay/go-imagecache"
	"github.com/tunabay/go-infounit"
)

// DefaultPrefix is the key prefix used when none is specified.
const DefaultPrefix = "imagecache:"

// Store is an imagecache.BlobStore backed by a Redis client.
type Store struct {
	client redis.UniversalClient
	prefix string
	ctx    context.Context
	now    func() time.Time
}

var _ imagecache.BlobStore = (*Store)(nil)

// New creates a Store using the client. All the keys are prefixed with the
// prefix, or DefaultPrefix if it is empty.
func New(client redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{
		client: client,
		prefix: prefix,
		ctx:    context.Background(),
		now:    time.Now,
	}
}

// Dial creates a Store connected to the Redis server at addr.
func Dial(addr, password string, db int, prefix string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis %s: %w", addr, err)
	}

	return New(client, prefix), nil
}

func (s *Store) blobKey(name string) string { return s.prefix + "blob:" + name }

func (s *Store) indexKey(namespace string) string { return s.prefix + "index:" + namespace }

func (s *Store) namespacesKey() string { return s.prefix + "namespaces" }

// Exists reports whether the entry exists.
func (s *Store) Exists(name string) (bool, error) {
	n, err := s.client.Exists(s.ctx, s.blobKey(name)).Result()
	if err != nil {
		return false, err
	}
	return n != 0, nil
}

// Read returns the contents of the entry.
func (s *Store) Read(name string) ([]byte, error) {
	data, err := s.client.Get(s.ctx, s.blobKey(name)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%s: entry not found", name)
	}
	return data, err
}

// Write creates or replaces the entry and records its write time in the
// namespace index.
func (s *Store) Write(name string, data []byte) error {
	score := float64(s.now().UnixMicro())
	_, err := s.client.TxPipelined(s.ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(s.ctx, s.blobKey(name), data, 0)
		pipe.ZAdd(s.ctx, s.indexKey(path.Dir(name)), redis.Z{Score: score, Member: name})
		return nil
	})

	return err
}

// Remove removes the entry and its index record.
func (s *Store) Remove(name string) error {
	_, err := s.client.TxPipelined(s.ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(s.ctx, s.blobKey(name))
		pipe.ZRem(s.ctx, s.indexKey(path.Dir(name)), name)
		return nil
	})

	return err
}

// EnsureNamespace registers the namespace.
func (s *Store) EnsureNamespace(namespace string) error {
	return s.client.SAdd(s.ctx, s.namespacesKey(), namespace).Err()
}

// Namespaces returns the names of the registered namespaces.
func (s *Store) Namespaces() ([]string, error) {
	return s.client.SMembers(s.ctx, s.namespacesKey()).Result()
}

// List returns the entries in the namespace with their write times.
func (s *Store) List(namespace string) ([]imagecache.Entry, error) {
	zs, err := s.client.ZRangeWithScores(s.ctx, s.indexKey(namespace), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(zs) == 0 {
		return nil, nil
	}

	lens := make([]*redis.IntCmd, len(zs))
	if _, err := s.client.Pipelined(s.ctx, func(pipe redis.Pipeliner) error {
		for i, z := range zs {
			lens[i] = pipe.StrLen(s.ctx, s.blobKey(fmt.Sprint(z.Member)))
		}
		return nil
	}); err != nil {
		return nil, err
	}

	entries := make([]imagecache.Entry, 0, len(zs))
	for i, z := range zs {
		entries = append(entries, imagecache.Entry{
			Path:    fmt.Sprint(z.Member),
			ModTime: time.UnixMicro(int64(z.Score)),
			Size:    infounit.ByteCount(lens[i].Val()),
		})
	}

	return entries, nil
}

// Location returns the Redis key holding the entry, as a URL.
func (s *Store) Location(name string) string {
	return "redis://" + s.blobKey(name)
}

// Close closes the Redis client.
func (s *Store) Close() error {
	return s.client.Close()
}
