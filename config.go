// Copyright (c) 2022 Hirotsuna Mizuno. All rights reserved.
// Use of this source code is governed by the MIT license that can be found in
// the LICENSE file.

package imagecache

import (
	"time"

	"github.com/tunabay/go-infounit"
)

// Config represents the parameters to configure Manager creation.
type Config struct {
	// The storage backend holding the cache entries. Required.
	Store BlobStore

	// The fetch service used to download images that are not cached.
	// Required.
	Fetcher Fetcher

	// If not nil, the Manager reports image and configuration events to
	// this Listener.
	Listener Listener

	// The initial cache identity, that is the name of the namespace in the
	// store used for the cache entries. If it is empty, DefaultIdentity
	// is used. The namespace is created if it does not exist.
	Identity string

	// The initial upper limit on the number of cached images. When more
	// than this number of images are cached, the oldest ones are removed
	// by housekeeping. Zero value means DefaultSizeLimit, and a negative
	// value means zero. Use SetSizeLimit(0) after creation to really set
	// the limit to zero.
	SizeLimit int

	// The limit on the size of a downloaded payload. Larger payloads are
	// rejected as undecodable. Zero value means defaultMaxPayload.
	MaxPayload infounit.ByteCount

	// The quality, 1..100, of the JPEG encoding used to store images. Zero
	// value means defaultJPEGQuality.
	JPEGQuality int

	// If positive, each fetch is aborted after this duration. Otherwise
	// the fetch service imposes its own timeout, if any.
	FetchTimeout time.Duration

	// If not nil, Manager outputs log messages to this Logger object.
	Logger Logger

	// If true, Manager outputs debug log messages. Only effective if
	// Logger is not nil.
	DebugLog bool
}

// DefaultIdentity is the cache identity used when none is configured.
const DefaultIdentity = "netimagemanager"

// DefaultSizeLimit is the cache size limit used when none is configured.
const DefaultSizeLimit = 125

const (
	// defaultMaxPayload defines the default value for Config.MaxPayload.
	defaultMaxPayload = infounit.Mebibyte * 32

	// defaultJPEGQuality defines the default value for Config.JPEGQuality.
	defaultJPEGQuality = 90
)

// Logger is the interface implemented to receive log messages from the running
// Manager instance.
type Logger interface {
	ImageCacheLog(string)
}
