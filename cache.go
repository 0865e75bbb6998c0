// Copyright (c) 2022 Hirotsuna Mizuno. All rights reserved.
// Use of this source code is governed by the MIT license that can be found in
// the LICENSE file.

package imagecache

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/tunabay/go-infounit"
)

// Manager represents the image cache. It resolves image URLs to cached local
// copies, and downloads the missing images one at a time.
type Manager struct {
	store        BlobStore
	fetcher      Fetcher
	listener     Listener
	identity     string
	sizeLimit    int
	maxPayload   infounit.ByteCount
	quality      int
	fetchTimeout time.Duration

	encode func(payload []byte) ([]byte, string, error)

	queue  fetchQueue
	closed bool
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	numRequested uint64
	numHit       uint64
	numFetched   uint64
	numFailed    uint64
	numRemoved   uint64
	totalWritten infounit.ByteCount

	mu sync.Mutex

	log      Logger
	debugLog bool
}

// New creates a Manager with the default configuration.
func New(store BlobStore, fetcher Fetcher, listener Listener) (*Manager, error) {
	return NewWithConfig(
		&Config{
			Store:     store,
			Fetcher:   fetcher,
			Listener:  listener,
			Identity:  DefaultIdentity,
			SizeLimit: DefaultSizeLimit,
		},
	)
}

// NewWithConfig creates a Manager using the given configuration parameters.
// The namespace of the initial identity is created if it does not exist.
func NewWithConfig(conf *Config) (*Manager, error) {
	switch {
	case conf.Store == nil:
		return nil, fmt.Errorf("%w: nil Store", ErrInvalidConfig)
	case conf.Fetcher == nil:
		return nil, fmt.Errorf("%w: nil Fetcher", ErrInvalidConfig)
	case conf.JPEGQuality < 0 || 100 < conf.JPEGQuality:
		return nil, fmt.Errorf("%w: JPEGQuality out of range: %d", ErrInvalidConfig, conf.JPEGQuality)
	}

	m := &Manager{
		store:        conf.Store,
		fetcher:      conf.Fetcher,
		listener:     conf.Listener,
		identity:     conf.Identity,
		sizeLimit:    conf.SizeLimit,
		maxPayload:   conf.MaxPayload,
		quality:      conf.JPEGQuality,
		fetchTimeout: conf.FetchTimeout,

		log:      conf.Logger,
		debugLog: conf.DebugLog,
	}
	if m.listener == nil {
		m.listener = &ListenerFuncs{}
	}
	if m.identity == "" {
		m.identity = DefaultIdentity
	}
	if err := validIdentity(m.identity); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	switch {
	case m.sizeLimit == 0:
		m.sizeLimit = DefaultSizeLimit
	case m.sizeLimit < 0:
		m.sizeLimit = 0
	}
	if m.maxPayload == 0 {
		m.maxPayload = defaultMaxPayload
	}
	if m.quality == 0 {
		m.quality = defaultJPEGQuality
	}
	m.encode = func(payload []byte) ([]byte, string, error) {
		return transcode(payload, m.maxPayload, m.quality)
	}

	if err := m.store.EnsureNamespace(m.identity); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrNamespace, m.identity, err)
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.logPrintf("Cache identity: %s, size limit: %d", m.identity, m.sizeLimit)

	return m, nil
}

// validIdentity checks that the identity can be used as a namespace name.
func validIdentity(id string) error {
	switch {
	case id == "":
		return errors.New("empty identity")
	case id == "." || id == "..", strings.ContainsAny(id, `/\`):
		return fmt.Errorf("identity %q is not a plain name", id)
	}
	return nil
}

// Resolve looks up the image for the URL in the cache. If it is cached,
// ImageReady is reported immediately. Otherwise ImageLoading is reported
// immediately, the image is queued for download, and ImageReady or
// ImageFailed is reported later when the download is complete. If the URL is
// invalid or the Manager is closed, ImageFailed is reported immediately.
//
// Resolve never waits for the network. Only one download is in progress at a
// time; the others wait in the order they were requested.
func (m *Manager) Resolve(rawURL string) {
	m.logDebugf("Resolve: url=%q", rawURL)

	key, u, err := ParseKey(rawURL)

	m.mu.Lock()
	m.numRequested++
	switch {
	case m.closed:
		m.numFailed++
		m.mu.Unlock()
		m.dispatch(failedEvent(rawURL, m.failure(ErrClosed, rawURL, "")))
		return

	case err != nil:
		m.numFailed++
		m.mu.Unlock()
		m.logPrintf("Resolve: %v", err)
		m.dispatch(failedEvent(rawURL, m.failure(err, rawURL, "")))
		return
	}

	path := entryPath(m.identity, key)
	exists, err := m.store.Exists(path)
	if err != nil {
		m.numFailed++
		m.mu.Unlock()
		err = fmt.Errorf("%w: %s: failed to stat: %w", ErrPersist, path, err)
		m.logPrintf("Resolve: %v", err)
		m.dispatch(failedEvent(rawURL, m.failure(err, rawURL, path)))
		return
	}
	if exists {
		m.numHit++
		loc := m.store.Location(path)
		m.mu.Unlock()
		m.logDebugf("Resolve: Cache exists. path=%s", path)
		m.dispatch(readyEvent(loc, rawURL))
		return
	}

	req := newRequest(rawURL, u, key)
	var start *request
	if m.queue.enqueue(req) {
		start = m.queue.start()
		m.wg.Add(1)
	}
	queued := m.queue.len()
	m.mu.Unlock()

	m.logDebugf("Resolve: Cache does not exist, queued. key=%s, queued=%d", key, queued)
	m.dispatch(loadingEvent(rawURL))
	close(req.announced)

	if start != nil {
		go m.fetchLoop(start)
	}
}

// Load returns the cached image for the URL from the current namespace,
// without downloading it. It reports false if the image is not cached.
func (m *Manager) Load(rawURL string) ([]byte, bool, error) {
	key, _, err := ParseKey(rawURL)
	if err != nil {
		return nil, false, m.failure(err, rawURL, "")
	}

	m.mu.Lock()
	path := entryPath(m.identity, key)
	m.mu.Unlock()

	exists, err := m.store.Exists(path)
	if err != nil {
		return nil, false, m.failure(fmt.Errorf("%w: %s: failed to stat: %w", ErrPersist, path, err), rawURL, path)
	}
	if !exists {
		return nil, false, nil
	}
	data, err := m.store.Read(path)
	if err != nil {
		return nil, false, m.failure(fmt.Errorf("%w: %s: failed to read: %w", ErrPersist, path, err), rawURL, path)
	}

	return data, true, nil
}

// fetchLoop fetches the in-flight request, and then the following requests
// until the queue is empty.
func (m *Manager) fetchLoop(req *request) {
	defer m.wg.Done()

	for req != nil {
		m.logDebugf("Fetch: url=%q, waited=%v", req.rawURL, time.Since(req.queuedAt))
		ctx, cancel := m.ctx, context.CancelFunc(func() {})
		if 0 < m.fetchTimeout {
			ctx, cancel = context.WithTimeout(m.ctx, m.fetchTimeout)
		}
		data, err := m.fetcher.Fetch(ctx, req.url)
		cancel()
		req = m.complete(req, data, err)
	}
}

// complete handles the result of the in-flight request. It persists the image
// or reports the failure, advances the queue and returns the next request to
// fetch, already marked as in flight, or nil. The payload is transcoded before
// the lock is taken.
func (m *Manager) complete(req *request, data []byte, fetchErr error) *request {
	var (
		img       []byte
		format    string
		decodeErr error
	)
	if fetchErr == nil {
		img, format, decodeErr = m.encode(data)
	}

	var ev event

	m.mu.Lock()
	switch {
	case fetchErr != nil && m.closed:
		m.numFailed++
		ev = failedEvent(req.rawURL, m.failure(ErrClosed, req.rawURL, ""))

	case fetchErr != nil:
		m.numFailed++
		err := fetchError(fetchErr)
		m.logPrintf("Could not access image %s: %v", req.rawURL, err)
		ev = failedEvent(req.rawURL, m.failure(err, req.rawURL, ""))

	case decodeErr != nil:
		m.numFailed++
		m.logPrintf("%s: Dropped: %v", req.rawURL, decodeErr)
		ev = failedEvent(req.rawURL, m.failure(decodeErr, req.rawURL, ""))

	default:
		ev = m.persist(req, img, format)
	}

	next := m.queue.pop()
	if next != nil {
		next = m.queue.start()
	}
	m.mu.Unlock()

	<-req.announced
	m.dispatch(ev)

	return next
}

// persist writes the transcoded image to the current namespace. It must be
// called with the lock held.
func (m *Manager) persist(req *request, img []byte, format string) event {
	path := entryPath(m.identity, req.key)
	if err := m.store.Write(path, img); err != nil {
		m.numFailed++
		err = fmt.Errorf("%w: %s: %w", ErrPersist, path, err)
		m.logPrintf("%s: Failed to store: %v", req.rawURL, err)
		return failedEvent(req.rawURL, m.failure(err, req.rawURL, path))
	}
	sz := infounit.ByteCount(len(img))
	m.numFetched++
	m.totalWritten += sz
	m.logPrintf("%s: Stored. format=%s, size=%.1S, path=%s", req.rawURL, format, sz, path)

	if err := m.housekeepLocked(); err != nil {
		m.logPrintf("Housekeeping failed: %v", err)
	}

	return readyEvent(m.store.Location(path), req.rawURL)
}

// fetchError normalizes the error returned by the fetch service so that it
// always matches ErrFetch.
func fetchError(err error) error {
	if errors.Is(err, ErrFetch) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrFetch, err)
}

// SetIdentity switches the cache to the namespace named id, creating it if it
// does not exist, and reports IdentityChanged. Housekeeping is performed on
// the namespace afterwards even if the identity is unchanged. Downloads in
// progress are stored in the namespace that is current when they complete.
func (m *Manager) SetIdentity(id string) error {
	if err := validIdentity(id); err != nil {
		return m.failure(fmt.Errorf("%w: %w", ErrNamespace, err), "", "")
	}

	var ev event

	m.mu.Lock()
	if id != m.identity {
		if err := m.store.EnsureNamespace(id); err != nil {
			m.mu.Unlock()
			m.logPrintf("%s: Failed to create namespace: %v", id, err)
			return m.failure(fmt.Errorf("%w: %s: %w", ErrNamespace, id, err), "", id)
		}
		m.identity = id
		ev = func(l Listener) { l.IdentityChanged(id) }
		m.logPrintf("Cache identity: %s", id)
	}
	err := m.housekeepLocked()
	m.mu.Unlock()

	if ev != nil {
		m.dispatch(ev)
	}

	return err
}

// Identity returns the current cache identity.
func (m *Manager) Identity() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identity
}

// SetSizeLimit changes the upper limit on the number of cached images and
// reports SizeLimitChanged. Housekeeping is performed afterwards even if the
// limit is unchanged. A negative limit is stored as is and enforced as zero.
func (m *Manager) SetSizeLimit(limit int) error {
	var ev event

	m.mu.Lock()
	if limit != m.sizeLimit {
		m.sizeLimit = limit
		ev = func(l Listener) { l.SizeLimitChanged(limit) }
		m.logPrintf("Cache size limit: %d", limit)
	}
	err := m.housekeepLocked()
	m.mu.Unlock()

	if ev != nil {
		m.dispatch(ev)
	}

	return err
}

// SizeLimit returns the current upper limit on the number of cached images.
func (m *Manager) SizeLimit() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sizeLimit
}

// Housekeep removes the oldest images from the current namespace until the
// size limit is satisfied.
func (m *Manager) Housekeep() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.housekeepLocked()
}

// housekeepLocked performs housekeeping with the lock held.
func (m *Manager) housekeepLocked() error {
	m.logDebugf("Started housekeeping...")
	removed, err := housekeep(m.store, m.identity, m.sizeLimit, m.logPrintf)
	m.numRemoved += uint64(removed)
	if err != nil {
		return m.failure(err, "", m.identity)
	}
	m.logDebugf("Housekeeping finished. removed=%d", removed)

	return nil
}

// Close stops the Manager. The download in progress is canceled, and the
// queued requests are dropped with ImageFailed reporting ErrClosed. It waits
// for the download goroutine to exit, so it must not be called from a
// Listener method.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	dropped := m.queue.drain()
	m.numFailed += uint64(len(dropped))
	m.mu.Unlock()

	m.cancel()
	for _, req := range dropped {
		<-req.announced
		m.dispatch(failedEvent(req.rawURL, m.failure(ErrClosed, req.rawURL, "")))
	}
	m.wg.Wait()
	m.logPrintf("Closed.")

	return nil
}

// dispatch delivers the event to the Listener. It must be called without the
// lock held.
func (m *Manager) dispatch(ev event) { ev(m.listener) }

// failure converts err into the platform error reported to the caller.
func (m *Manager) failure(err error, rawURL, path string) error {
	ctx := make(map[string]interface{}, 2)
	if rawURL != "" {
		ctx["url"] = rawURL
	}
	if path != "" {
		ctx["path"] = path
	}
	msg := "image cache failure"
	if rawURL != "" {
		msg = "failed to resolve " + rawURL
	}

	return platformError(err, msg, ctx)
}

// Status represents the cache status and statistics.
type Status struct {
	Identity     string             // current cache identity.
	SizeLimit    int                // current size limit.
	NumRequested uint64             // total number of images requested.
	NumHit       uint64             // total number of cache hits.
	NumFetched   uint64             // total number of downloaded and stored images.
	NumFailed    uint64             // total number of failed requests.
	NumRemoved   uint64             // total number of images removed by housekeeping.
	NumQueued    int                // number of requests currently queued, including in flight.
	InFlight     bool               // whether a download is in progress.
	TotalWritten infounit.ByteCount // total size of stored images.
}

// String returns the string representation of Status.
func (s Status) String() string {
	return fmt.Sprintf(
		"id=%s, limit=%d, req=%d, hit=%d, new=%d, fail=%d, del=%d, queue=%d, busy=%t, written=%.1S",
		s.Identity,
		s.SizeLimit,
		s.NumRequested,
		s.NumHit,
		s.NumFetched,
		s.NumFailed,
		s.NumRemoved,
		s.NumQueued,
		s.InFlight,
		s.TotalWritten,
	)
}

// Status returns the current cache status and statistics.
func (m *Manager) Status() *Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &Status{
		Identity:     m.identity,
		SizeLimit:    m.sizeLimit,
		NumRequested: m.numRequested,
		NumHit:       m.numHit,
		NumFetched:   m.numFetched,
		NumFailed:    m.numFailed,
		NumRemoved:   m.numRemoved,
		NumQueued:    m.queue.len(),
		InFlight:     m.queue.inFlight,
		TotalWritten: m.totalWritten,
	}
}

// logPrefix returns the prefix string for log messages, according to the
// current configuration.
func (m *Manager) logPrefix() string {
	if !m.debugLog {
		return ""
	}
	if _, file, line, ok := runtime.Caller(2); ok {
		return fmt.Sprintf("%s:%d:", filepath.Base(file), line)
	}
	return "(unknown):"
}

// logPrintf outputs a log message according to the current configuration.
func (m *Manager) logPrintf(format string, v ...any) {
	if m.log == nil {
		return
	}
	s := make([]string, 0, 2)
	if prefix := m.logPrefix(); prefix != "" {
		s = append(s, prefix)
	}
	s = append(s, fmt.Sprintf(format, v...))

	m.log.ImageCacheLog(strings.Join(s, " "))
}

// logDebugf outputs a debug log message according to the current configuration.
func (m *Manager) logDebugf(format string, v ...any) {
	if m.log == nil || !m.debugLog {
		return
	}

	s := make([]string, 0, 2)
	if prefix := m.logPrefix(); prefix != "" {
		s = append(s, prefix)
	}
	s = append(s, fmt.Sprintf(format, v...))

	m.log.ImageCacheLog(strings.Join(s, " "))
}
