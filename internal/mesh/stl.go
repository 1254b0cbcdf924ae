package mesh

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// WriteSTL encodes m as an ASCII STL solid.
func WriteSTL(w io.Writer, m Mesh) error {
	name := solidName(m.Name)
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "solid %s\n", name)
	for _, t := range m.Triangles {
		n := t.Normal
		fmt.Fprintf(bw, "  facet normal %s %s %s\n", ftoa(n.X), ftoa(n.Y), ftoa(n.Z))
		bw.WriteString("    outer loop\n")
		for _, v := range t.V {
			fmt.Fprintf(bw, "      vertex %s %s %s\n", ftoa(v.X), ftoa(v.Y), ftoa(v.Z))
		}
		bw.WriteString("    endloop\n")
		bw.WriteString("  endfacet\n")
	}
	fmt.Fprintf(bw, "endsolid %s\n", name)
	return bw.Flush()
}

// EncodeSTL is WriteSTL into a byte slice.
func EncodeSTL(m Mesh) []byte {
	var sb strings.Builder
	_ = WriteSTL(&sb, m)
	return []byte(sb.String())
}

// ParseSTL reads an ASCII STL solid back into a mesh. It checks the
// solid/endsolid envelope and that every facet has exactly three vertices.
func ParseSTL(r io.Reader) (Mesh, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var (
		out     Mesh
		started bool
		ended   bool
		inFacet bool
		normal  Vec3
		verts   []Vec3
		line    int
	)
	for sc.Scan() {
		line++
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "solid":
			if started {
				return Mesh{}, fmt.Errorf("stl: line %d: nested solid", line)
			}
			started = true
			if len(fields) > 1 {
				out.Name = strings.Join(fields[1:], " ")
			}
		case "facet":
			if !started || inFacet {
				return Mesh{}, fmt.Errorf("stl: line %d: unexpected facet", line)
			}
			if len(fields) != 5 || fields[1] != "normal" {
				return Mesh{}, fmt.Errorf("stl: line %d: malformed facet", line)
			}
			n, err := parseVec(fields[2:])
			if err != nil {
				return Mesh{}, fmt.Errorf("stl: line %d: %w", line, err)
			}
			normal, inFacet, verts = n, true, verts[:0]
		case "vertex":
			if !inFacet || len(fields) != 4 {
				return Mesh{}, fmt.Errorf("stl: line %d: unexpected vertex", line)
			}
			v, err := parseVec(fields[1:])
			if err != nil {
				return Mesh{}, fmt.Errorf("stl: line %d: %w", line, err)
			}
			verts = append(verts, v)
		case "endfacet":
			if !inFacet || len(verts) != 3 {
				return Mesh{}, fmt.Errorf("stl: line %d: facet with %d vertices", line, len(verts))
			}
			out.Triangles = append(out.Triangles, Triangle{Normal: normal, V: [3]Vec3{verts[0], verts[1], verts[2]}})
			inFacet = false
		case "endsolid":
			if !started || inFacet {
				return Mesh{}, fmt.Errorf("stl: line %d: unexpected endsolid", line)
			}
			ended = true
		case "outer", "endloop":
		default:
			return Mesh{}, fmt.Errorf("stl: line %d: unknown keyword %q", line, fields[0])
		}
		if ended {
			break
		}
	}
	if err := sc.Err(); err != nil {
		return Mesh{}, fmt.Errorf("stl: %w", err)
	}
	if !started || !ended {
		return Mesh{}, fmt.Errorf("stl: missing solid/endsolid envelope")
	}
	return out, nil
}

func parseVec(fields []string) (Vec3, error) {
	var xyz [3]float64
	for i := 0; i < 3; i++ {
		v, err := strconv.ParseFloat(fields[i], 64)
		if err != nil {
			return Vec3{}, fmt.Errorf("bad number %q", fields[i])
		}
		xyz[i] = v
	}
	return Vec3{xyz[0], xyz[1], xyz[2]}, nil
}

func ftoa(v float64) string {
	if v == 0 {
		v = 0 // normalizes -0
	}
	return strconv.FormatFloat(v, 'f', 6, 64)
}

func solidName(name string) string {
	name = strings.Join(strings.Fields(name), "_")
	if name == "" {
		return "surface"
	}
	return name
}
