// Copyright (c) 2022 Hirotsuna Mizuno. All rights reserved.
// Use of this source code is governed by the MIT license that can be found in
// the LICENSE file.

package main

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"sync"
)

// placeholder is the image served while the requested image is still being
// downloaded. It is rendered once and shared by all the requests.
type placeholder struct {
	width, height int
	color         color.NRGBA
	stripes       int

	once sync.Once
	data []byte
	err  error
}

// newPlaceholder creates a placeholder of the given size.
func newPlaceholder(width, height int) *placeholder {
	return &placeholder{
		width:   width,
		height:  height,
		color:   color.NRGBA{R: 0x99, G: 0x99, B: 0x99, A: 0xff},
		stripes: 12,
	}
}

// png returns the PNG encoded placeholder, rendering it on first use.
func (p *placeholder) png() ([]byte, error) {
	p.once.Do(func() {
		var buf bytes.Buffer
		if err := png.Encode(&buf, p.render()); err != nil {
			p.err = fmt.Errorf("failed to encode PNG: %w", err)
			return
		}
		p.data = buf.Bytes()
	})

	return p.data, p.err
}

// render paints a ring of radial stripes, the shape commonly used as a
// loading indicator, on a white background. Each pixel is supersampled 4x4.
func (p *placeholder) render() image.Image {
	var (
		w, h   = p.width, p.height
		size   = float64(min(w, h))
		sc     = float64(p.stripes) / (math.Pi * 2)
		levels = make([]color.NRGBA, 17)
	)
	for i := range levels {
		t := float64(i) / 16
		mix := func(c byte) byte { return byte(math.Round(math.FMA(float64(c)-255, t, 255))) }
		levels[i] = color.NRGBA{R: mix(p.color.R), G: mix(p.color.G), B: mix(p.color.B), A: 0xff}
	}

	// inside reports whether the point, relative to the center in units of
	// the shorter side, is on a painted stripe.
	inside := func(x, y float64) bool {
		r := math.Hypot(x, y)
		if r < .2 || .4 < r {
			return false
		}
		a := math.Atan2(y, x) + math.Pi
		return int(math.Floor(a*sc*2))&1 == 0
	}

	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	paintRow := func(py int) {
		for px := 0; px < w; px++ {
			n := 0
			for v := 0; v < 4; v++ {
				y := (float64(py) + (float64(v)+.5)/4 - float64(h)/2) / size
				for u := 0; u < 4; u++ {
					x := (float64(px) + (float64(u)+.5)/4 - float64(w)/2) / size
					if inside(x, y) {
						n++
					}
				}
			}
			img.SetNRGBA(px, py, levels[n])
		}
	}
	var wg sync.WaitGroup
	for y := 0; y < h; y++ {
		wg.Add(1)
		go func(py int) {
			defer wg.Done()
			paintRow(py)
		}(y)
	}
	wg.Wait()

	return img
}
