// Copyright (c) 2022 Hirotsuna Mizuno. All rights reserved.
// Use of this source code is governed by the MIT license that can be found in
// the LICENSE file.

package imagecache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"net/url"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tunabay/go-infounit"
)

// memStore is a BlobStore keeping the entries in memory. Every write advances
// a fake clock by one second, so that modification times are distinct and
// ordered by write order.
type memStore struct {
	mu         sync.Mutex
	clock      time.Time
	namespaces map[string]bool
	blobs      map[string]*memBlob

	failWrite    error
	failRemove   error
	failEnsure   error
	failExists   error
	keepOnRemove bool
}

type memBlob struct {
	data    []byte
	modTime time.Time
}

var errInjected = errors.New("injected failure")

func newMemStore() *memStore {
	return &memStore{
		clock:      time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC),
		namespaces: make(map[string]bool),
		blobs:      make(map[string]*memBlob),
	}
}

func (s *memStore) Exists(path string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failExists != nil {
		return false, s.failExists
	}
	_, ok := s.blobs[path]
	return ok, nil
}

func (s *memStore) Read(path string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blobs[path]
	if !ok {
		return nil, fmt.Errorf("%s: not found", path)
	}
	return b.data, nil
}

func (s *memStore) Write(path string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrite != nil {
		return s.failWrite
	}
	s.clock = s.clock.Add(time.Second)
	s.blobs[path] = &memBlob{data: append([]byte(nil), data...), modTime: s.clock}
	return nil
}

// put stores an entry with an explicit modification time.
func (s *memStore) put(path string, modTime time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[path] = &memBlob{data: []byte("x"), modTime: modTime}
}

func (s *memStore) Remove(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failRemove != nil {
		return s.failRemove
	}
	if s.keepOnRemove {
		return nil
	}
	delete(s.blobs, path)
	return nil
}

func (s *memStore) EnsureNamespace(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failEnsure != nil {
		return s.failEnsure
	}
	s.namespaces[name] = true
	return nil
}

func (s *memStore) List(namespace string) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var entries []Entry
	for p, b := range s.blobs {
		if strings.HasPrefix(p, namespace+"/") {
			entries = append(entries, Entry{Path: p, ModTime: b.modTime, Size: infounit.ByteCount(len(b.data))})
		}
	}
	return entries, nil
}

func (s *memStore) Location(path string) string { return "mem://" + path }

func (s *memStore) paths(namespace string) []string {
	entries, _ := s.List(namespace)
	paths := make([]string, 0, len(entries))
	for _, e := range entries {
		paths = append(paths, e.Path)
	}
	sort.Strings(paths)
	return paths
}

func (s *memStore) hasNamespace(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.namespaces[name]
}

// recorder is a Listener recording the events as strings.
type recorder struct {
	mu     sync.Mutex
	events []string
	errs   map[string]error
	ch     chan string
}

func newRecorder() *recorder {
	return &recorder{errs: make(map[string]error), ch: make(chan string, 256)}
}

func (r *recorder) add(ev string) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	r.ch <- ev
}

func (r *recorder) ImageReady(path, rawURL string) { r.add("ready " + rawURL + " " + path) }

func (r *recorder) ImageLoading(rawURL, placeholder string) {
	r.add("loading " + rawURL + " " + placeholder)
}

func (r *recorder) ImageFailed(rawURL string, err error) {
	r.mu.Lock()
	r.errs[rawURL] = err
	r.mu.Unlock()
	r.add("failed " + rawURL)
}

func (r *recorder) IdentityChanged(id string) { r.add("identity " + id) }

func (r *recorder) SizeLimitChanged(limit int) { r.add(fmt.Sprintf("limit %d", limit)) }

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) err(rawURL string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.errs[rawURL]
}

// wait waits for the next event with the prefix, skipping the others.
func (r *recorder) wait(t *testing.T, prefix string) string {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-r.ch:
			if strings.HasPrefix(ev, prefix) {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %q, got %q", prefix, r.snapshot())
			return ""
		}
	}
}

type fetchResult struct {
	data []byte
	err  error
}

// gatedFetcher is a Fetcher blocking every fetch until a result is sent. It
// records the maximum number of concurrent fetches.
type gatedFetcher struct {
	mu        sync.Mutex
	active    int
	maxActive int
	calls     []string

	started chan string
	results chan fetchResult
}

func newGatedFetcher() *gatedFetcher {
	return &gatedFetcher{started: make(chan string, 64), results: make(chan fetchResult)}
}

func (f *gatedFetcher) Fetch(ctx context.Context, u *url.URL) ([]byte, error) {
	f.mu.Lock()
	f.active++
	if f.maxActive < f.active {
		f.maxActive = f.active
	}
	f.calls = append(f.calls, u.String())
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.active--
		f.mu.Unlock()
	}()

	f.started <- u.String()
	select {
	case r := <-f.results:
		return r.data, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *gatedFetcher) waitStarted(t *testing.T) string {
	t.Helper()
	select {
	case u := <-f.started:
		return u
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a fetch")
		return ""
	}
}

func (f *gatedFetcher) numCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// pngImage returns a small encoded PNG image.
func pngImage(t *testing.T) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x * 32), G: uint8(y * 32), B: 0x80, A: 0xff})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// staticFetcher returns a Fetcher always returning the data.
func staticFetcher(data []byte) Fetcher {
	return FetcherFunc(func(context.Context, *url.URL) ([]byte, error) { return data, nil })
}

func mustKey(t *testing.T, rawURL string) Key {
	t.Helper()
	key, _, err := ParseKey(rawURL)
	require.NoError(t, err)
	return key
}
