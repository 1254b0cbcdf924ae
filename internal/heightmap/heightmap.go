// Package heightmap fetches, decodes and reshapes grayscale heightmaps.
package heightmap

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"golang.org/x/image/draw"
)

var ErrDecodeFailed = errors.New("heightmap decode failed")

// Heightmap is a luminance grid with values in [0,1]. Row 0 is the top of
// the image. It satisfies mesh.HeightField.
type Heightmap struct {
	img *image.Gray16
}

// Decode reads a PNG, JPEG or GIF and converts it to 16-bit luminance.
func Decode(data []byte) (*Heightmap, error) {
	src, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}
	b := src.Bounds()
	if b.Dx() < 2 || b.Dy() < 2 {
		return nil, fmt.Errorf("%w: %s image is %dx%d", ErrDecodeFailed, format, b.Dx(), b.Dy())
	}
	gray := image.NewGray16(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(gray, gray.Bounds(), src, b.Min, draw.Src)
	return &Heightmap{img: gray}, nil
}

func (h *Heightmap) Dims() (cols, rows int) {
	b := h.img.Bounds()
	return b.Dx(), b.Dy()
}

func (h *Heightmap) Value(x, y int) float64 {
	return float64(h.img.Gray16At(x, y).Y) / 0xffff
}

// Range returns the smallest and largest luminance.
func (h *Heightmap) Range() (lo, hi float64) {
	lo, hi = 1, 0
	cols, rows := h.Dims()
	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			v := h.Value(x, y)
			if v < lo {
				lo = v
			}
			if v > hi {
				hi = v
			}
		}
	}
	return lo, hi
}

// Span is the luminance spread, 0 for a uniform image.
func (h *Heightmap) Span() float64 {
	lo, hi := h.Range()
	return hi - lo
}

// Resample scales the grid to cols x rows with bilinear filtering.
func (h *Heightmap) Resample(cols, rows int) *Heightmap {
	dst := image.NewGray16(image.Rect(0, 0, cols, rows))
	draw.BiLinear.Scale(dst, dst.Bounds(), h.img, h.img.Bounds(), draw.Src, nil)
	return &Heightmap{img: dst}
}

// Normalize stretches values to fill [0,1]. A map whose span is below
// minSpan carries no usable relief and comes back all zero.
func (h *Heightmap) Normalize(minSpan float64) *Heightmap {
	lo, hi := h.Range()
	span := hi - lo
	b := h.img.Bounds()
	dst := image.NewGray16(b)
	if span <= 0 || span < minSpan {
		return &Heightmap{img: dst}
	}
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			v := (h.Value(x, y) - lo) / span
			dst.SetGray16(x, y, gray16(v))
		}
	}
	return &Heightmap{img: dst}
}

func gray16(v float64) color.Gray16 {
	switch {
	case v <= 0:
		return color.Gray16{Y: 0}
	case v >= 1:
		return color.Gray16{Y: 0xffff}
	}
	return color.Gray16{Y: uint16(v*0xffff + 0.5)}
}
