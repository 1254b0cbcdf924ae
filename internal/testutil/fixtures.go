// Package testutil builds heightmap fixtures for package tests.
package testutil

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"math"
)

// GradientPNG encodes a w x h grayscale image with a diagonal ramp and a
// raised bump in the middle, so both axes carry displacement.
func GradientPNG(w, h int) []byte {
	img := image.NewGray(image.Rect(0, 0, w, h))
	cx, cy := float64(w)/2, float64(h)/2
	r := math.Min(cx, cy)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			ramp := (float64(x)/float64(w) + float64(y)/float64(h)) / 2
			d := math.Hypot(float64(x)-cx, float64(y)-cy) / r
			bump := math.Max(0, 1-d)
			v := math.Min(1, 0.6*ramp+0.4*bump)
			img.SetGray(x, y, color.Gray{Y: uint8(v * 255)})
		}
	}
	return encode(img)
}

// UniformPNG encodes a w x h image where every pixel has the same level.
func UniformPNG(w, h int, level uint8) []byte {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = level
	}
	return encode(img)
}

func encode(img image.Image) []byte {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		panic(err)
	}
	return buf.Bytes()
}
