// Copyright (c) 2022 Hirotsuna Mizuno. All rights reserved.
// Use of this source code is governed by the MIT license that can be found in
// the LICENSE file.

/*
Package imagecache provides a disk-backed cache for images downloaded from
the network. A requested image URL is resolved to a cached local copy if
available. Otherwise the image is queued for download, downloaded one at a
time, re-encoded as JPEG and stored under a name derived from the URL. The
oldest images are removed once the configured number of images is exceeded.

The storage backend and the fetch service are pluggable. The fsstore and
redisstore packages provide storage backends, and the fetch package provides
an HTTP fetch service.
*/
package imagecache
