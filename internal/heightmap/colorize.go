package heightmap

import (
	"image"
	"image/color"
)

type stop struct {
	at float64
	c  color.RGBA
}

// terrain ramp, low to high
var ramp = []stop{
	{0.00, color.RGBA{24, 38, 92, 255}},
	{0.25, color.RGBA{32, 120, 150, 255}},
	{0.45, color.RGBA{196, 178, 128, 255}},
	{0.70, color.RGBA{74, 132, 64, 255}},
	{0.90, color.RGBA{140, 130, 120, 255}},
	{1.00, color.RGBA{250, 250, 250, 255}},
}

// Colorize maps normalized heights onto a terrain colour ramp, producing a
// diffuse texture the same size as the heightmap.
func (h *Heightmap) Colorize() *image.RGBA {
	norm := h.Normalize(0)
	cols, rows := norm.Dims()
	out := image.NewRGBA(image.Rect(0, 0, cols, rows))
	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			out.SetRGBA(x, y, rampAt(norm.Value(x, y)))
		}
	}
	return out
}

func rampAt(v float64) color.RGBA {
	if v <= ramp[0].at {
		return ramp[0].c
	}
	for i := 1; i < len(ramp); i++ {
		hi := ramp[i]
		if v <= hi.at {
			lo := ramp[i-1]
			t := (v - lo.at) / (hi.at - lo.at)
			return color.RGBA{
				R: lerp8(lo.c.R, hi.c.R, t),
				G: lerp8(lo.c.G, hi.c.G, t),
				B: lerp8(lo.c.B, hi.c.B, t),
				A: 255,
			}
		}
	}
	return ramp[len(ramp)-1].c
}

func lerp8(a, b uint8, t float64) uint8 {
	return uint8(float64(a) + (float64(b)-float64(a))*t + 0.5)
}
