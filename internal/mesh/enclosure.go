package mesh

import (
	"errors"
	"fmt"
)

// CaseSpec holds the parametric dimensions of a rectangular enclosure, all in
// millimeters. Inner is the usable cavity (x, y, z).
type CaseSpec struct {
	Inner          [3]float64
	Wall           float64
	Floor          float64
	Lid            float64
	LidClearance   float64
	Rail           float64
	Panel          float64
	PanelClearance float64
	ReliefMM       float64
}

// Validate rejects dimensions that cannot produce a closed case.
func (s CaseSpec) Validate() error {
	var errs []error
	for i, v := range s.Inner {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("inner[%d] must be positive", i))
		}
	}
	for name, v := range map[string]float64{
		"wall": s.Wall, "floor": s.Floor, "lid": s.Lid,
		"rail": s.Rail, "panel": s.Panel, "relief": s.ReliefMM,
	} {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if s.LidClearance < 0 || s.PanelClearance < 0 {
		errs = append(errs, fmt.Errorf("clearances must not be negative"))
	}
	if 2*s.Rail+s.PanelClearance >= s.Inner[0] {
		errs = append(errs, fmt.Errorf("rails leave no room for the panel"))
	}
	if s.Rail >= s.Inner[2] {
		errs = append(errs, fmt.Errorf("end stop is taller than the cavity"))
	}
	return errors.Join(errs...)
}

func (s CaseSpec) outer() Vec3 {
	return Vec3{s.Inner[0] + 2*s.Wall, s.Inner[1] + 2*s.Wall, s.Floor + s.Inner[2]}
}

// CaseOptions selects the emboss reliefs. A nil field means no relief for
// that part.
type CaseOptions struct {
	LidRelief   HeightField
	PanelRelief HeightField
	Panel       bool
}

// CaseParts is the exported set of solids for one case.
type CaseParts struct {
	Base     Mesh
	Lid      Mesh
	Panel    *Mesh
	Assembly Mesh

	// Relief surfaces in their local frame, for geometry checks.
	LidRelief   *Mesh
	PanelRelief *Mesh
}

// BuildCase assembles a base (floor, walls, panel rails, end stop), a lid
// raised above the walls by the lid clearance, and optionally a sliding panel
// that sits between the front wall and the rails.
func BuildCase(spec CaseSpec, opts CaseOptions) (CaseParts, error) {
	if err := spec.Validate(); err != nil {
		return CaseParts{}, fmt.Errorf("mesh: invalid case spec: %w", err)
	}
	o := spec.outer()
	t := spec.Wall
	f := spec.Floor
	slot := spec.Panel + spec.PanelClearance

	boxes := []struct {
		name     string
		min, max Vec3
	}{
		{"floor", V(0, 0, 0), V(o.X, o.Y, f)},
		{"wall_left", V(0, 0, f), V(t, o.Y, o.Z)},
		{"wall_right", V(o.X-t, 0, f), V(o.X, o.Y, o.Z)},
		{"wall_front", V(t, 0, f), V(o.X-t, t, o.Z)},
		{"wall_back", V(t, o.Y-t, f), V(o.X-t, o.Y, o.Z)},
		{"rail_left", V(t, t+slot, f), V(t+spec.Rail, t+slot+spec.Rail, o.Z)},
		{"rail_right", V(o.X-t-spec.Rail, t+slot, f), V(o.X-t, t+slot+spec.Rail, o.Z)},
		{"end_stop", V(t, t, f), V(o.X-t, t+slot, f+spec.Rail)},
	}
	base := Mesh{Name: "base"}
	for _, b := range boxes {
		part, err := Box(b.name, b.min, b.max)
		if err != nil {
			return CaseParts{}, err
		}
		base.Append(part)
	}

	lidZ := o.Z + spec.LidClearance
	lid, err := Box("lid", V(0, 0, lidZ), V(o.X, o.Y, lidZ+spec.Lid))
	if err != nil {
		return CaseParts{}, err
	}
	parts := CaseParts{Base: base}

	if opts.LidRelief != nil {
		relief, err := Relief("lid_relief", opts.LidRelief, ReliefOptions{
			Width:   spec.Inner[0],
			Depth:   spec.Inner[1],
			ScaleMM: spec.ReliefMM,
		})
		if err != nil {
			return CaseParts{}, err
		}
		parts.LidRelief = &relief
		lid.Append(relief.Translate(V(t, t, lidZ+spec.Lid)))
	}
	lid.Name = "lid"
	parts.Lid = lid

	if opts.Panel || opts.PanelRelief != nil {
		half := spec.PanelClearance / 2
		x0, x1 := t+half, o.X-t-half
		y0 := t + half
		y1 := y0 + spec.Panel
		z0, z1 := f+spec.Rail, o.Z
		panel, err := Box("panel", V(x0, y0, z0), V(x1, y1, z1))
		if err != nil {
			return CaseParts{}, err
		}
		if opts.PanelRelief != nil {
			// Relief covers the span between the rails so it clears them.
			inset := spec.Rail
			width := (x1 - x0) - 2*inset
			height := z1 - z0
			relief, err := Relief("panel_relief", opts.PanelRelief, ReliefOptions{
				Width:   width,
				Depth:   height,
				ScaleMM: spec.ReliefMM,
			})
			if err != nil {
				return CaseParts{}, err
			}
			parts.PanelRelief = &relief
			// local (x, y, z) -> world (x, z, y): height runs up the panel,
			// displacement runs along +Y into the case.
			onFace := relief.Transform(func(v Vec3) Vec3 {
				return V(x0+inset+v.X, y1+v.Z, z0+v.Y)
			}, true)
			panel.Append(onFace)
		}
		panel.Name = "panel"
		parts.Panel = &panel
	}

	assembly := Merge("assembly", parts.Base, parts.Lid)
	if parts.Panel != nil {
		assembly.Append(*parts.Panel)
	}
	parts.Assembly = assembly
	return parts, nil
}
