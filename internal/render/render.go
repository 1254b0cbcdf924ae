// Package render draws a shaded isometric preview of a mesh.
package render

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"

	"github.com/hexforge404/hexforge-surface-engine/internal/mesh"
)

var ErrRenderFailed = errors.New("preview render failed")

var (
	background = color.RGBA{18, 20, 28, 255}
	surface    = [3]float64{214, 168, 92}
	light      = mesh.V(-0.4, -0.6, 0.7).Normalize(mesh.V(0, 0, 1))
)

const (
	azimuth   = math.Pi / 4
	elevation = 0.6155 // atan(1/sqrt(2)), true isometric
	margin    = 0.08
	ambient   = 0.25
)

type projected struct {
	x, y, depth float64
}

// Preview renders m into a size x size image with a z-buffer and Lambert
// shading. It fails when the mesh is empty or the result has no contrast.
func Preview(m mesh.Mesh, size int) (*image.RGBA, error) {
	if m.Empty() {
		return nil, fmt.Errorf("%w: mesh %q has no triangles", ErrRenderFailed, m.Name)
	}
	if size < 8 {
		return nil, fmt.Errorf("%w: image size %d too small", ErrRenderFailed, size)
	}

	cosA, sinA := math.Cos(azimuth), math.Sin(azimuth)
	cosE, sinE := math.Cos(elevation), math.Sin(elevation)
	lo, hi := m.Bounds()
	center := lo.Add(hi).Scale(0.5)
	project := func(v mesh.Vec3) projected {
		p := v.Sub(center)
		rx := p.X*cosA - p.Y*sinA
		ry := p.X*sinA + p.Y*cosA
		return projected{
			x:     rx,
			y:     p.Z*cosE + ry*sinE,
			depth: ry*cosE - p.Z*sinE,
		}
	}

	// Fit the projected extent into the frame.
	var minX, maxX, minY, maxY = math.Inf(1), math.Inf(-1), math.Inf(1), math.Inf(-1)
	for _, t := range m.Triangles {
		for _, v := range t.V {
			p := project(v)
			minX, maxX = math.Min(minX, p.x), math.Max(maxX, p.x)
			minY, maxY = math.Min(minY, p.y), math.Max(maxY, p.y)
		}
	}
	extent := math.Max(maxX-minX, maxY-minY)
	if extent <= 0 || math.IsInf(extent, 0) || math.IsNaN(extent) {
		return nil, fmt.Errorf("%w: degenerate projection", ErrRenderFailed)
	}
	scale := float64(size) * (1 - 2*margin) / extent
	offX := float64(size)/2 - (minX+maxX)/2*scale
	offY := float64(size)/2 + (minY+maxY)/2*scale

	img := image.NewRGBA(image.Rect(0, 0, size, size))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = background.R, background.G, background.B, background.A
	}
	zbuf := make([]float64, size*size)
	for i := range zbuf {
		zbuf[i] = math.Inf(1)
	}

	for _, t := range m.Triangles {
		shade := ambient + (1-ambient)*math.Abs(t.Normal.Dot(light))
		c := color.RGBA{
			R: uint8(math.Min(255, surface[0]*shade)),
			G: uint8(math.Min(255, surface[1]*shade)),
			B: uint8(math.Min(255, surface[2]*shade)),
			A: 255,
		}
		var s [3]projected
		for k, v := range t.V {
			p := project(v)
			s[k] = projected{x: p.x*scale + offX, y: offY - p.y*scale, depth: p.depth}
		}
		raster(img, zbuf, size, s, c)
	}

	if variance(img) == 0 {
		return nil, fmt.Errorf("%w: rendered image is uniform", ErrRenderFailed)
	}
	return img, nil
}

func raster(img *image.RGBA, zbuf []float64, size int, s [3]projected, c color.RGBA) {
	area := edge(s[0], s[1], s[2].x, s[2].y)
	if area == 0 {
		return
	}
	x0 := clampInt(int(math.Floor(min3(s[0].x, s[1].x, s[2].x))), 0, size-1)
	x1 := clampInt(int(math.Ceil(max3(s[0].x, s[1].x, s[2].x))), 0, size-1)
	y0 := clampInt(int(math.Floor(min3(s[0].y, s[1].y, s[2].y))), 0, size-1)
	y1 := clampInt(int(math.Ceil(max3(s[0].y, s[1].y, s[2].y))), 0, size-1)

	for y := y0; y <= y1; y++ {
		py := float64(y) + 0.5
		for x := x0; x <= x1; x++ {
			px := float64(x) + 0.5
			w0 := edge(s[1], s[2], px, py) / area
			w1 := edge(s[2], s[0], px, py) / area
			w2 := edge(s[0], s[1], px, py) / area
			if w0 < 0 || w1 < 0 || w2 < 0 {
				continue
			}
			depth := w0*s[0].depth + w1*s[1].depth + w2*s[2].depth
			idx := y*size + x
			if depth >= zbuf[idx] {
				continue
			}
			zbuf[idx] = depth
			img.SetRGBA(x, y, c)
		}
	}
}

func edge(a, b projected, x, y float64) float64 {
	return (b.x-a.x)*(y-a.y) - (b.y-a.y)*(x-a.x)
}

// variance of pixel luminance.
func variance(img *image.RGBA) float64 {
	var sum, sq float64
	n := 0
	for i := 0; i < len(img.Pix); i += 4 {
		l := 0.299*float64(img.Pix[i]) + 0.587*float64(img.Pix[i+1]) + 0.114*float64(img.Pix[i+2])
		sum += l
		sq += l * l
		n++
	}
	mean := sum / float64(n)
	return sq/float64(n) - mean*mean
}

// Variance exposes the luminance variance of an encoded image.
func Variance(data []byte) (float64, error) {
	src, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return 0, err
	}
	b := src.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			rgba.Set(x-b.Min.X, y-b.Min.Y, src.At(x, y))
		}
	}
	return variance(rgba), nil
}

func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func min3(a, b, c float64) float64 { return math.Min(a, math.Min(b, c)) }
func max3(a, b, c float64) float64 { return math.Max(a, math.Max(b, c)) }

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
