// Copyright (c) 2022 Hirotsuna Mizuno. All rights reserved.
// Use of this source code is governed by the MIT license that can be found in
// the LICENSE file.

// Package fsstore provides an imagecache.BlobStore keeping the cached images
// as files in a filesystem. Each namespace is a directory, and each entry is
// a file in it.
package fsstore

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/jmgilman/go/fs/billy"
	"github.com/jmgilman/go/fs/core"
	"github.com/tunabay/go-imagecache"
	"github.com/tunabay/go-infounit"
)

const tmpSuffix = ".tmp"

// Store is an imagecache.BlobStore backed by a core.FS.
type Store struct {
	fsys core.FS
	base string
}

var _ imagecache.BlobStore = (*Store)(nil)

// New creates a Store on the filesystem. The base is only used to build the
// locations reported by Location, and may be empty.
func New(fsys core.FS, base string) *Store {
	return &Store{fsys: fsys, base: base}
}

// NewLocal creates a Store in the local directory dir, creating it if it does
// not exist. A relative dir is resolved against the user cache directory.
func NewLocal(dir string) (*Store, error) {
	if dir == "" {
		dir = filepath.Base(os.Args[0])
	}
	if !filepath.IsAbs(dir) {
		ucd, err := os.UserCacheDir()
		if err != nil {
			return nil, fmt.Errorf("%s: can not resolve relative cache dir: %w", dir, err)
		}
		dir = filepath.Join(ucd, dir)
	}

	root := billy.NewLocal()
	if err := root.MkdirAll(dir, 0o0700); err != nil {
		return nil, fmt.Errorf("%s: %w", dir, err)
	}
	fsys, err := root.Chroot(dir)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", dir, err)
	}

	return New(fsys, dir), nil
}

// NewMemory creates a Store in a new in-memory filesystem.
func NewMemory() *Store {
	return New(billy.NewMemory(), "mem:")
}

// Exists reports whether the entry exists.
func (s *Store) Exists(name string) (bool, error) {
	return s.fsys.Exists(name)
}

// Read returns the contents of the entry.
func (s *Store) Read(name string) ([]byte, error) {
	return s.fsys.ReadFile(name)
}

// Write creates or replaces the entry. The data is written to a temporary
// file first, which is then renamed to the entry, so that a partially written
// entry is never visible.
func (s *Store) Write(name string, data []byte) error {
	if dir := path.Dir(name); dir != "." {
		if err := s.fsys.MkdirAll(dir, 0o0700); err != nil {
			return fmt.Errorf("%s: %w", dir, err)
		}
	}
	tmpName := name + tmpSuffix
	if err := s.fsys.WriteFile(tmpName, data, 0o0644); err != nil {
		_ = s.fsys.Remove(tmpName)
		return err
	}
	if err := s.fsys.Rename(tmpName, name); err != nil {
		// some filesystems refuse to rename over an existing file
		if rerr := s.Remove(name); rerr != nil {
			_ = s.fsys.Remove(tmpName)
			return err
		}
		if err := s.fsys.Rename(tmpName, name); err != nil {
			_ = s.fsys.Remove(tmpName)
			return err
		}
	}

	return nil
}

// Remove removes the entry. Removing an entry that does not exist is not an
// error.
func (s *Store) Remove(name string) error {
	if err := s.fsys.Remove(name); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// EnsureNamespace creates the namespace directory if it does not exist.
func (s *Store) EnsureNamespace(namespace string) error {
	return s.fsys.MkdirAll(namespace, 0o0700)
}

// List returns the entries in the namespace. Subdirectories, temporary files
// and files not named like an entry are skipped. A namespace that does not
// exist has no entries.
func (s *Store) List(namespace string) ([]imagecache.Entry, error) {
	dirents, err := s.fsys.ReadDir(namespace)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil, nil
	case err != nil:
		return nil, err
	}

	entries := make([]imagecache.Entry, 0, len(dirents))
	for _, d := range dirents {
		fname := d.Name()
		switch {
		case d.IsDir(),
			strings.HasSuffix(fname, tmpSuffix),
			!strings.HasSuffix(fname, imagecache.KeySuffix):
			continue
		}
		finfo, err := d.Info()
		if err != nil {
			return nil, fmt.Errorf("%s: failed to stat: %w", fname, err)
		}
		entries = append(entries, imagecache.Entry{
			Path:    path.Join(namespace, fname),
			ModTime: finfo.ModTime(),
			Size:    infounit.ByteCount(finfo.Size()),
		})
	}

	return entries, nil
}

// Location returns the file path of the entry, prefixed with the base.
func (s *Store) Location(name string) string {
	switch {
	case s.base == "":
		return name
	case strings.HasSuffix(s.base, ":"):
		return s.base + name
	}
	return filepath.Join(s.base, filepath.FromSlash(name))
}
