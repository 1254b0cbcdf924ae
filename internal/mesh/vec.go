package mesh

import "math"

type Vec3 struct {
	X, Y, Z float64
}

func V(x, y, z float64) Vec3 { return Vec3{x, y, z} }

func (a Vec3) Add(b Vec3) Vec3 { return Vec3{a.X + b.X, a.Y + b.Y, a.Z + b.Z} }
func (a Vec3) Sub(b Vec3) Vec3 { return Vec3{a.X - b.X, a.Y - b.Y, a.Z - b.Z} }
func (a Vec3) Scale(s float64) Vec3 { return Vec3{a.X * s, a.Y * s, a.Z * s} }
func (a Vec3) Dot(b Vec3) float64 { return a.X*b.X + a.Y*b.Y + a.Z*b.Z }
func (a Vec3) Len() float64 { return math.Sqrt(a.Dot(a)) }
func (a Vec3) Array() [3]float64 { return [3]float64{a.X, a.Y, a.Z} }
func (a Vec3) Cross(b Vec3) Vec3 {
	return Vec3{
		a.Y*b.Z - a.Z*b.Y,
		a.Z*b.X - a.X*b.Z,
		a.X*b.Y - a.Y*b.X,
	}
}

// Normalize returns the unit vector of a, or fallback when a has no length.
func (a Vec3) Normalize(fallback Vec3) Vec3 {
	l := a.Len()
	if l < 1e-12 || math.IsNaN(l) || math.IsInf(l, 0) {
		return fallback
	}
	return a.Scale(1 / l)
}

var up = Vec3{0, 0, 1}

// FacetNormal is the unit normal of the triangle a, b, c following the
// right-hand rule. Degenerate triangles get +Z.
func FacetNormal(a, b, c Vec3) Vec3 {
	return b.Sub(a).Cross(c.Sub(a)).Normalize(up)
}
