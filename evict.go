// Copyright (c) 2022 Hirotsuna Mizuno. All rights reserved.
// Use of this source code is governed by the MIT license that can be found in
// the LICENSE file.

package imagecache

import (
	"fmt"
	"time"

	"github.com/petar/GoLLRB/llrb"
)

// candidate represents a candidate entry for deletion in the namespace. Among
// these candidates, the one with the oldest modTime is deleted first.
type candidate struct {
	path    string
	modTime time.Time
}

// Less compares the modTime values of the two candidates and reports the
// result. Candidates with the same modTime are ordered by path, so that the
// order is deterministic.
func (c *candidate) Less(xif llrb.Item) bool {
	x := xif.(*candidate) //nolint:forcetypeassert
	if c.modTime.Equal(x.modTime) {
		return c.path < x.path
	}
	return c.modTime.Before(x.modTime)
}

// oldestEntry returns the oldest of the entries, or nil if there are none.
func oldestEntry(entries []Entry) *candidate {
	tree := llrb.New()
	for _, e := range entries {
		tree.InsertNoReplace(&candidate{path: e.Path, modTime: e.ModTime})
	}
	if tree.Len() == 0 {
		return nil
	}

	return tree.Min().(*candidate) //nolint:forcetypeassert
}

// housekeep removes the oldest entries of the namespace, one at a time, until
// at most limit entries remain. A negative limit is treated as zero. The
// namespace is enumerated again after every removal, since the store may be
// modified concurrently by other parties. It returns the number of removed
// entries. The pass is aborted on the first error.
func housekeep(store BlobStore, namespace string, limit int, log func(string, ...any)) (int, error) {
	if limit < 0 {
		limit = 0
	}

	var (
		removed  int
		lastPath string
	)
	for {
		entries, err := store.List(namespace)
		if err != nil {
			return removed, fmt.Errorf("%w: %s: failed to list: %w", ErrEviction, namespace, err)
		}
		if len(entries) <= limit {
			return removed, nil
		}

		oldest := oldestEntry(entries)
		if oldest.path == lastPath {
			// removal reported success, but the entry is still there
			return removed, fmt.Errorf("%w: %s: entry not removed", ErrEviction, oldest.path)
		}
		if err := store.Remove(oldest.path); err != nil {
			return removed, fmt.Errorf("%w: %s: %w", ErrEviction, oldest.path, err)
		}
		log("%s: Removed. mtime=%v, entries=%d, limit=%d", oldest.path, oldest.modTime, len(entries)-1, limit)
		lastPath = oldest.path
		removed++
	}
}
