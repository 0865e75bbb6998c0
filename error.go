// Copyright (c) 2022 Hirotsuna Mizuno. All rights reserved.
// Use of this source code is governed by the MIT license that can be found in
// the LICENSE file.

package imagecache

import (
	"errors"

	perrors "github.com/jmgilman/go/errors"
)

// ErrInvalidConfig is the error thrown when the passed configuration parameter
// is not valid.
var ErrInvalidConfig = errors.New("invalid config")

// ErrInvalidURL is the error thrown when the requested image URL can not be
// parsed or has no host.
var ErrInvalidURL = errors.New("invalid url")

// ErrFetch is the error reported when the fetch service failed to download
// the image.
var ErrFetch = errors.New("fetch failed")

// ErrCertificate is the error reported when the fetch service rejected the
// server certificate. Errors of this kind also match ErrFetch. The cache never
// terminates the process on its own, it is up to the host application to
// decide on a security policy.
var ErrCertificate = errors.New("certificate verification failed")

// ErrDecode is the error reported when the downloaded payload is not a
// decodable image.
var ErrDecode = errors.New("undecodable image")

// ErrPersist is the error reported when the blob store failed, typically when
// the decoded image could not be written.
var ErrPersist = errors.New("persist failed")

// ErrNamespace is the error thrown when the namespace of a cache identity
// could not be created.
var ErrNamespace = errors.New("namespace unavailable")

// ErrEviction is the error thrown when housekeeping could not remove the
// oldest entry.
var ErrEviction = errors.New("eviction failed")

// ErrClosed is the error reported for requests made or pending after Close.
var ErrClosed = errors.New("cache closed")

// codes maps each sentinel error to the platform error code used when it is
// surfaced to the caller.
var codes = []struct {
	sentinel error
	code     perrors.ErrorCode
}{
	{ErrCertificate, perrors.CodeForbidden},
	{ErrFetch, perrors.CodeNetwork},
	{ErrDecode, perrors.CodeInvalidInput},
	{ErrInvalidURL, perrors.CodeInvalidInput},
	{ErrPersist, perrors.CodeInternal},
	{ErrNamespace, perrors.CodeInternal},
	{ErrEviction, perrors.CodeInternal},
	{ErrClosed, perrors.CodeUnavailable},
}

// platformError wraps err into a platform error carrying the code of the
// first matching sentinel, so that callers can classify it with Code and
// Classification while errors.Is keeps working on the sentinels.
func platformError(err error, message string, ctx map[string]interface{}) error {
	if err == nil {
		return nil
	}
	code := perrors.CodeUnknown
	for _, c := range codes {
		if errors.Is(err, c.sentinel) {
			code = c.code
			break
		}
	}

	return perrors.WrapWithContext(err, code, message, ctx)
}

// IsRetryable reports whether the error reported by the cache is considered
// temporary, such as a network failure.
func IsRetryable(err error) bool { return perrors.IsRetryable(err) }

// ErrorCode returns the platform error code of the error reported by the
// cache, or CodeUnknown.
func ErrorCode(err error) perrors.ErrorCode { return perrors.GetCode(err) }
