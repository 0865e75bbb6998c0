// Copyright (c) 2022 Hirotsuna Mizuno. All rights reserved.
// Use of this source code is governed by the MIT license that can be found in
// the LICENSE file.

package imagecache

import (
	"time"

	"github.com/tunabay/go-infounit"
)

// BlobStore is the interface implemented by the storage backend holding the
// cache entries. Paths are slash separated and relative to the store root, in
// the form "<namespace>/<key>". Implementations are provided by the fsstore
// and redisstore packages.
type BlobStore interface {
	// Exists reports whether an entry exists at the path.
	Exists(path string) (bool, error)

	// Read returns the content of the entry at the path.
	Read(path string) ([]byte, error)

	// Write creates or replaces the entry at the path. The last-modified
	// time of the entry is set to the time of the write.
	Write(path string, data []byte) error

	// Remove deletes the entry at the path.
	Remove(path string) error

	// EnsureNamespace creates the namespace if it does not exist yet.
	EnsureNamespace(name string) error

	// List returns all the entries in the namespace with their
	// last-modified times, in no particular order.
	List(namespace string) ([]Entry, error)

	// Location returns the caller-facing location of the path, such as an
	// absolute file path on the local disk. It is what ImageReady reports.
	Location(path string) string
}

// Entry represents a stored cache entry as enumerated by BlobStore.List.
type Entry struct {
	Path    string             // path of the entry, "<namespace>/<key>".
	ModTime time.Time          // last-modified time, used for eviction order.
	Size    infounit.ByteCount // size of the stored blob.
}
