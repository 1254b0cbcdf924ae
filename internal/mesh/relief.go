package mesh

import "fmt"

// HeightField is a grid of intensities normalized to [0,1]. Row 0 is the top
// of the source image.
type HeightField interface {
	Dims() (cols, rows int)
	Value(x, y int) float64
}

// ReliefOptions places a relief surface in its local frame: the grid spans
// [0,Width] x [0,Depth] in XY and each vertex is lifted to
// BaseZ + value*ScaleMM.
type ReliefOptions struct {
	Width   float64
	Depth   float64
	ScaleMM float64
	BaseZ   float64
}

// Relief triangulates a height field into two triangles per cell, wound
// counter-clockwise when seen from +Z.
func Relief(name string, field HeightField, opts ReliefOptions) (Mesh, error) {
	cols, rows := field.Dims()
	if cols < 2 || rows < 2 {
		return Mesh{}, fmt.Errorf("mesh: relief needs at least a 2x2 grid, got %dx%d", cols, rows)
	}
	if opts.Width <= 0 || opts.Depth <= 0 {
		return Mesh{}, fmt.Errorf("mesh: relief footprint must be positive, got %gx%g", opts.Width, opts.Depth)
	}

	dx := opts.Width / float64(cols-1)
	dy := opts.Depth / float64(rows-1)
	vertex := func(i, j int) Vec3 {
		return Vec3{
			X: float64(i) * dx,
			Y: float64(rows-1-j) * dy,
			Z: opts.BaseZ + clamp01(field.Value(i, j))*opts.ScaleMM,
		}
	}

	out := Mesh{Name: name, Triangles: make([]Triangle, 0, 2*(cols-1)*(rows-1))}
	for j := 0; j < rows-1; j++ {
		for i := 0; i < cols-1; i++ {
			topLeft := vertex(i, j)
			topRight := vertex(i+1, j)
			bottomLeft := vertex(i, j+1)
			bottomRight := vertex(i+1, j+1)
			out.Add(bottomLeft, bottomRight, topRight)
			out.Add(bottomLeft, topRight, topLeft)
		}
	}
	return out, nil
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
