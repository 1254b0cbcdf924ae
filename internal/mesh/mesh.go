// Package mesh holds the triangle-soup primitives used to build relief tiles
// and board cases, plus an ASCII STL codec.
package mesh

import "math"

type Triangle struct {
	Normal Vec3
	V      [3]Vec3
}

// NewTriangle builds a triangle with its facet normal computed from winding.
func NewTriangle(a, b, c Vec3) Triangle {
	return Triangle{Normal: FacetNormal(a, b, c), V: [3]Vec3{a, b, c}}
}

type Mesh struct {
	Name      string
	Triangles []Triangle
}

func (m *Mesh) Add(a, b, c Vec3) {
	m.Triangles = append(m.Triangles, NewTriangle(a, b, c))
}

// Append merges other meshes into m.
func (m *Mesh) Append(others ...Mesh) {
	for _, o := range others {
		m.Triangles = append(m.Triangles, o.Triangles...)
	}
}

// Merge returns a new mesh holding the triangles of all parts.
func Merge(name string, parts ...Mesh) Mesh {
	n := 0
	for _, p := range parts {
		n += len(p.Triangles)
	}
	out := Mesh{Name: name, Triangles: make([]Triangle, 0, n)}
	out.Append(parts...)
	return out
}

func (m Mesh) Empty() bool { return len(m.Triangles) == 0 }

// Bounds returns the axis-aligned bounding box over all vertices. An empty
// mesh yields zero vectors.
func (m Mesh) Bounds() (min, max Vec3) {
	if m.Empty() {
		return Vec3{}, Vec3{}
	}
	min = Vec3{math.Inf(1), math.Inf(1), math.Inf(1)}
	max = Vec3{math.Inf(-1), math.Inf(-1), math.Inf(-1)}
	for _, t := range m.Triangles {
		for _, v := range t.V {
			min.X, max.X = math.Min(min.X, v.X), math.Max(max.X, v.X)
			min.Y, max.Y = math.Min(min.Y, v.Y), math.Max(max.Y, v.Y)
			min.Z, max.Z = math.Min(min.Z, v.Z), math.Max(max.Z, v.Z)
		}
	}
	return min, max
}

// ZRange is max(z) - min(z) across all vertices.
func (m Mesh) ZRange() float64 {
	min, max := m.Bounds()
	return max.Z - min.Z
}

// Transform maps every vertex through f and recomputes normals. When f is a
// reflection, pass mirrored=true so winding is reversed and normals keep
// pointing outward.
func (m Mesh) Transform(f func(Vec3) Vec3, mirrored bool) Mesh {
	out := Mesh{Name: m.Name, Triangles: make([]Triangle, len(m.Triangles))}
	for i, t := range m.Triangles {
		a, b, c := f(t.V[0]), f(t.V[1]), f(t.V[2])
		if mirrored {
			b, c = c, b
		}
		out.Triangles[i] = NewTriangle(a, b, c)
	}
	return out
}

func (m Mesh) Translate(d Vec3) Mesh {
	return m.Transform(func(v Vec3) Vec3 { return v.Add(d) }, false)
}
