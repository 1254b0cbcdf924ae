package mesh

import "fmt"

// Box returns a closed rectangular solid spanning min..max with outward
// facing normals.
func Box(name string, min, max Vec3) (Mesh, error) {
	if max.X <= min.X || max.Y <= min.Y || max.Z <= min.Z {
		return Mesh{}, fmt.Errorf("mesh: box %q has non-positive extent (%v..%v)", name, min, max)
	}
	c := [8]Vec3{
		{min.X, min.Y, min.Z}, // 0
		{max.X, min.Y, min.Z}, // 1
		{max.X, max.Y, min.Z}, // 2
		{min.X, max.Y, min.Z}, // 3
		{min.X, min.Y, max.Z}, // 4
		{max.X, min.Y, max.Z}, // 5
		{max.X, max.Y, max.Z}, // 6
		{min.X, max.Y, max.Z}, // 7
	}
	faces := [6][4]int{
		{0, 3, 2, 1}, // bottom (-Z)
		{4, 5, 6, 7}, // top (+Z)
		{0, 1, 5, 4}, // front (-Y)
		{2, 3, 7, 6}, // back (+Y)
		{0, 4, 7, 3}, // left (-X)
		{1, 2, 6, 5}, // right (+X)
	}
	out := Mesh{Name: name, Triangles: make([]Triangle, 0, 12)}
	for _, f := range faces {
		out.Add(c[f[0]], c[f[1]], c[f[2]])
		out.Add(c[f[0]], c[f[2]], c[f[3]])
	}
	return out, nil
}
