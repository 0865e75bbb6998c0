// Copyright (c) 2022 Hirotsuna Mizuno. All rights reserved.
// Use of this source code is governed by the MIT license that can be found in
// the LICENSE file.

package imagecache

import (
	"errors"
	"fmt"
	"testing"

	perrors "github.com/jmgilman/go/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlatformError(t *testing.T) {
	require.NoError(t, platformError(nil, "msg", nil))

	tests := []struct {
		name      string
		err       error
		code      perrors.ErrorCode
		retryable bool
	}{
		{"fetch", fmt.Errorf("%w: timeout", ErrFetch), perrors.CodeNetwork, true},
		{"certificate", fmt.Errorf("%w: %w: x509", ErrFetch, ErrCertificate), perrors.CodeForbidden, false},
		{"decode", fmt.Errorf("%w: not an image", ErrDecode), perrors.CodeInvalidInput, false},
		{"url", ErrInvalidURL, perrors.CodeInvalidInput, false},
		{"persist", ErrPersist, perrors.CodeInternal, false},
		{"eviction", ErrEviction, perrors.CodeInternal, false},
		{"closed", ErrClosed, perrors.CodeUnavailable, true},
		{"other", errors.New("other"), perrors.CodeUnknown, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := platformError(tt.err, "msg", map[string]interface{}{"url": "http://a.com/x.png"})
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.err)
			assert.Equal(t, tt.code, ErrorCode(err))
			assert.Equal(t, tt.retryable, IsRetryable(err))

			var pe perrors.PlatformError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, "http://a.com/x.png", pe.Context()["url"])
		})
	}
}
