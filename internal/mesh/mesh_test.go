package mesh

import (
	"bytes"
	"math"
	"strings"
	"testing"
)

type gridField struct {
	cols, rows int
	f          func(x, y int) float64
}

func (g gridField) Dims() (int, int) { return g.cols, g.rows }
func (g gridField) Value(x, y int) float64 { return g.f(x, y) }

func ramp(cols, rows int) gridField {
	return gridField{cols, rows, func(x, _ int) float64 { return float64(x) / float64(cols-1) }}
}

func flat(cols, rows int, v float64) gridField {
	return gridField{cols, rows, func(int, int) float64 { return v }}
}

func near(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestFacetNormal(t *testing.T) {
	n := FacetNormal(V(0, 0, 0), V(1, 0, 0), V(0, 1, 0))
	if n != V(0, 0, 1) {
		t.Fatalf("normal=%v", n)
	}
	n = FacetNormal(V(0, 0, 0), V(0, 1, 0), V(1, 0, 0))
	if n != V(0, 0, -1) {
		t.Fatalf("reversed winding normal=%v", n)
	}
	n = FacetNormal(V(1, 1, 1), V(1, 1, 1), V(2, 2, 2))
	if n != V(0, 0, 1) {
		t.Fatalf("degenerate fallback=%v", n)
	}
}

func TestReliefTriangulation(t *testing.T) {
	m, err := Relief("tile", ramp(8, 6), ReliefOptions{Width: 70, Depth: 50, ScaleMM: 4})
	if err != nil {
		t.Fatalf("relief: %v", err)
	}
	if got, want := len(m.Triangles), 2*7*5; got != want {
		t.Fatalf("triangles=%d want %d", got, want)
	}
	for i, tri := range m.Triangles {
		if tri.Normal.Z <= 0 {
			t.Fatalf("triangle %d faces down: %v", i, tri.Normal)
		}
		if !near(tri.Normal.Len(), 1) {
			t.Fatalf("triangle %d normal not unit: %v", i, tri.Normal)
		}
	}
	min, max := m.Bounds()
	if !near(min.X, 0) || !near(max.X, 70) || !near(min.Y, 0) || !near(max.Y, 50) {
		t.Fatalf("footprint %v..%v", min, max)
	}
	if !near(m.ZRange(), 4) {
		t.Fatalf("z range=%v", m.ZRange())
	}
}

func TestReliefFlatFieldHasNoRange(t *testing.T) {
	m, err := Relief("tile", flat(4, 4, 0.5), ReliefOptions{Width: 10, Depth: 10, ScaleMM: 5, BaseZ: 1})
	if err != nil {
		t.Fatalf("relief: %v", err)
	}
	if m.ZRange() != 0 {
		t.Fatalf("expected flat mesh, range=%v", m.ZRange())
	}
}

func TestReliefRejectsTinyGrid(t *testing.T) {
	if _, err := Relief("x", flat(1, 5, 0), ReliefOptions{Width: 1, Depth: 1, ScaleMM: 1}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestBoxIsClosedAndOutward(t *testing.T) {
	b, err := Box("b", V(0, 0, 0), V(2, 3, 4))
	if err != nil {
		t.Fatalf("box: %v", err)
	}
	if len(b.Triangles) != 12 {
		t.Fatalf("triangles=%d", len(b.Triangles))
	}
	center := V(1, 1.5, 2)
	for i, tri := range b.Triangles {
		mid := tri.V[0].Add(tri.V[1]).Add(tri.V[2]).Scale(1.0 / 3)
		if tri.Normal.Dot(mid.Sub(center)) <= 0 {
			t.Fatalf("triangle %d points inward", i)
		}
	}
	if _, err := Box("bad", V(0, 0, 0), V(0, 1, 1)); err == nil {
		t.Fatalf("expected error for zero-width box")
	}
}

func testSpec() CaseSpec {
	return CaseSpec{
		Inner: [3]float64{88, 60, 24}, Wall: 2.4, Floor: 2, Lid: 2,
		LidClearance: 0.4, Rail: 2, Panel: 2, PanelClearance: 0.4, ReliefMM: 1.2,
	}
}

func TestBuildCaseLidOnly(t *testing.T) {
	parts, err := BuildCase(testSpec(), CaseOptions{LidRelief: ramp(16, 16)})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if parts.Panel != nil || parts.PanelRelief != nil {
		t.Fatalf("panel must be absent for lid emboss")
	}
	if parts.LidRelief == nil || !near(parts.LidRelief.ZRange(), 1.2) {
		t.Fatalf("lid relief missing or wrong range")
	}
	// 8 boxes of 12 triangles each.
	if len(parts.Base.Triangles) != 96 {
		t.Fatalf("base triangles=%d", len(parts.Base.Triangles))
	}
	_, baseMax := parts.Base.Bounds()
	lidMin, lidMax := parts.Lid.Bounds()
	if !near(lidMin.Z-baseMax.Z, 0.4) {
		t.Fatalf("lid gap=%v", lidMin.Z-baseMax.Z)
	}
	if !near(lidMax.Z, baseMax.Z+0.4+2+1.2) {
		t.Fatalf("lid top=%v", lidMax.Z)
	}
	if len(parts.Assembly.Triangles) != len(parts.Base.Triangles)+len(parts.Lid.Triangles) {
		t.Fatalf("assembly does not merge base and lid")
	}
}

func TestBuildCasePanelRelief(t *testing.T) {
	parts, err := BuildCase(testSpec(), CaseOptions{PanelRelief: ramp(16, 16), Panel: true})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if parts.Panel == nil || parts.PanelRelief == nil {
		t.Fatalf("expected panel and relief")
	}
	if parts.LidRelief != nil {
		t.Fatalf("lid relief must be absent for panel emboss")
	}
	if !near(parts.PanelRelief.ZRange(), 1.2) {
		t.Fatalf("panel relief range=%v", parts.PanelRelief.ZRange())
	}
	pMin, pMax := parts.Panel.Bounds()
	if !near(pMax.Y-pMin.Y, 2+1.2) {
		t.Fatalf("panel thickness with relief=%v", pMax.Y-pMin.Y)
	}
	// Relief triangles are the ones past the 12 panel box triangles; they
	// must face into the case (+Y).
	var plusY int
	for _, tri := range parts.Panel.Triangles[12:] {
		if tri.Normal.Y > 0 {
			plusY++
		}
	}
	if plusY != len(parts.Panel.Triangles)-12 {
		t.Fatalf("%d of %d relief triangles face +Y", plusY, len(parts.Panel.Triangles)-12)
	}
}

func TestCaseSpecValidate(t *testing.T) {
	s := testSpec()
	s.Rail = 50
	if err := s.Validate(); err == nil {
		t.Fatalf("expected rail error")
	}
	s = testSpec()
	s.Inner[1] = 0
	if _, err := BuildCase(s, CaseOptions{}); err == nil {
		t.Fatalf("expected invalid spec error")
	}
}

func TestSTLRoundTrip(t *testing.T) {
	m, err := Relief("tile relief", ramp(4, 3), ReliefOptions{Width: 3, Depth: 2, ScaleMM: 1})
	if err != nil {
		t.Fatalf("relief: %v", err)
	}
	data := EncodeSTL(m)
	text := string(data)
	if !strings.HasPrefix(text, "solid tile_relief\n") || !strings.HasSuffix(text, "endsolid tile_relief\n") {
		t.Fatalf("bad envelope:\n%s", text)
	}
	back, err := ParseSTL(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(back.Triangles) != len(m.Triangles) {
		t.Fatalf("triangles=%d want %d", len(back.Triangles), len(m.Triangles))
	}
	if !near(back.ZRange(), m.ZRange()) {
		t.Fatalf("z range changed: %v vs %v", back.ZRange(), m.ZRange())
	}
}

func TestParseSTLRejectsBroken(t *testing.T) {
	cases := map[string]string{
		"no envelope":   "facet normal 0 0 1\n",
		"missing end":   "solid x\n",
		"two vertices":  "solid x\nfacet normal 0 0 1\nouter loop\nvertex 0 0 0\nvertex 1 0 0\nendloop\nendfacet\nendsolid x\n",
		"bad number":    "solid x\nfacet normal 0 0 q\nendsolid x\n",
		"stray keyword": "solid x\nbogus\nendsolid x\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseSTL(strings.NewReader(body)); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}
