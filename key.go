// Copyright (c) 2022 Hirotsuna Mizuno. All rights reserved.
// Use of this source code is governed by the MIT license that can be found in
// the LICENSE file.

package imagecache

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// KeySuffix is the file name suffix of every cache entry. All images are
// re-encoded as JPEG before being stored, regardless of the original format.
const KeySuffix = ".JPG"

// Key represents the file name of a cache entry derived from an image URL.
type Key string

// DeriveKey returns the cache key for the URL. The host and the path of the
// URL are hashed independently with xxHash64 and joined as
// "<hostHash>_<pathHash>.JPG". The host name is lowercased and the port is
// dropped. The query and the fragment are ignored, so two URLs sharing the
// host name and the path map to the same key.
func DeriveKey(u *url.URL) Key {
	return Key(
		strconv.FormatUint(xxhash.Sum64String(strings.ToLower(u.Hostname())), 10) +
			"_" +
			strconv.FormatUint(xxhash.Sum64String(u.Path), 10) +
			KeySuffix,
	)
}

// ParseKey parses the raw URL string and derives the cache key.
func ParseKey(rawURL string) (Key, *url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Hostname() == "" {
		return "", nil, fmt.Errorf("%w: %q: missing host", ErrInvalidURL, rawURL)
	}

	return DeriveKey(u), u, nil
}

// String returns the key as a string.
func (k Key) String() string { return string(k) }

// entryPath returns the blob store path of the key in the namespace.
func entryPath(namespace string, key Key) string {
	return namespace + "/" + string(key)
}
