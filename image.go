// Copyright (c) 2022 Hirotsuna Mizuno. All rights reserved.
// Use of this source code is governed by the MIT license that can be found in
// the LICENSE file.

package imagecache

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/gif" // register GIF decoder
	"image/jpeg"
	_ "image/png" // register PNG decoder

	"github.com/h2non/filetype"
	"github.com/tunabay/go-infounit"
	_ "golang.org/x/image/bmp"  // register BMP decoder
	_ "golang.org/x/image/tiff" // register TIFF decoder
	_ "golang.org/x/image/webp" // register WebP decoder
)

// transcode decodes the downloaded payload and re-encodes it as a JPEG image,
// the only format stored in the cache. It returns the encoded bytes and the
// name of the detected source format.
func transcode(payload []byte, maxPayload infounit.ByteCount, quality int) ([]byte, string, error) {
	switch {
	case len(payload) == 0:
		return nil, "", fmt.Errorf("%w: empty payload", ErrDecode)
	case maxPayload < infounit.ByteCount(len(payload)):
		return nil, "", fmt.Errorf("%w: payload too large: %.1S > %.1S", ErrDecode, infounit.ByteCount(len(payload)), maxPayload)
	case !filetype.IsImage(payload):
		kind, _ := filetype.Match(payload)
		return nil, "", fmt.Errorf("%w: not an image: %s", ErrDecode, kindName(kind.MIME.Value))
	}

	img, format, err := image.Decode(bytes.NewReader(payload))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %w", ErrDecode, err)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, flatten(img), &jpeg.Options{Quality: quality}); err != nil {
		return nil, format, fmt.Errorf("%w: failed to encode JPEG: %w", ErrPersist, err)
	}

	return buf.Bytes(), format, nil
}

// flatten composes an image with transparency over a white background, since
// JPEG has no alpha channel.
func flatten(img image.Image) image.Image {
	if o, ok := img.(interface{ Opaque() bool }); ok && o.Opaque() {
		return img
	}
	b := img.Bounds()
	dst := image.NewRGBA(b)
	draw.Draw(dst, b, image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.Draw(dst, b, img, b.Min, draw.Over)

	return dst
}

func kindName(mime string) string {
	if mime == "" {
		return "unknown type"
	}
	return mime
}
