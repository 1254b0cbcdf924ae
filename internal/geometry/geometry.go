// Package geometry decides whether generated solids carry real relief.
package geometry

import (
	"bytes"
	"fmt"
	"math"

	"github.com/hexforge404/hexforge-surface-engine/internal/mesh"
	"github.com/hexforge404/hexforge-surface-engine/internal/model"
)

const (
	ReasonPending    = "pending"
	ReasonNonUniform = "heightmap_non_uniform"
	ReasonCheck      = "stl_geometry_check_failed"
)

type Thresholds struct {
	MinDisplacementMM   float64
	NonUniformThreshold float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{MinDisplacementMM: 0.05, NonUniformThreshold: 0.02}
}

// FlatReason is the failure reason for a relief part with no displacement.
func FlatReason(label string) string {
	return label + "_flat"
}

// Pending is the check recorded before any geometry exists.
func Pending() model.GeometryCheck {
	return model.GeometryCheck{Passed: false, Reason: ReasonPending}
}

// Evaluate checks one relief part. The mesh range is tested first so a flat
// result reports the part that is flat; the heightmap span is tested second.
func Evaluate(label string, m *mesh.Mesh, heightmapSpan float64, th Thresholds) model.PartCheck {
	pc := model.PartCheck{Label: label}
	if m == nil || m.Empty() {
		pc.Reason = ReasonCheck
		return pc
	}
	pc.ZRangeMM = round(m.ZRange())
	pc.Triangles = len(m.Triangles)
	switch {
	case m.ZRange() <= th.MinDisplacementMM:
		pc.Reason = FlatReason(label)
	case heightmapSpan < th.NonUniformThreshold:
		pc.Reason = ReasonNonUniform
	default:
		pc.Passed = true
	}
	return pc
}

// Measure re-reads an exported STL and reports its triangle count and bounds.
func Measure(stl []byte) (int, model.BBox, error) {
	m, err := mesh.ParseSTL(bytes.NewReader(stl))
	if err != nil {
		return 0, model.BBox{}, err
	}
	if m.Empty() {
		return 0, model.BBox{}, fmt.Errorf("stl has no facets")
	}
	lo, hi := m.Bounds()
	return len(m.Triangles), model.BBox{
		Min: roundVec(lo.Array()),
		Max: roundVec(hi.Array()),
	}, nil
}

// Combine folds part checks into the manifest verdict. primary is the
// exported solid the bbox and triangle count describe.
func Combine(parts []model.PartCheck, primary []byte) model.GeometryCheck {
	if len(parts) == 0 {
		return model.GeometryCheck{Reason: ReasonCheck}
	}
	gc := model.GeometryCheck{Passed: true, Parts: parts, ZRangeMM: math.Inf(1)}
	for _, p := range parts {
		if p.ZRangeMM < gc.ZRangeMM {
			gc.ZRangeMM = p.ZRangeMM
		}
		if !p.Passed && gc.Passed {
			gc.Passed = false
			gc.Reason = p.Reason
		}
	}
	triangles, bbox, err := Measure(primary)
	if err != nil {
		gc.Triangles = 0
		if gc.Passed {
			gc.Passed = false
			gc.Reason = ReasonCheck
		}
		return gc
	}
	gc.Triangles = triangles
	gc.BBox = bbox
	return gc
}

func round(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}

func roundVec(v [3]float64) [3]float64 {
	return [3]float64{round(v[0]), round(v[1]), round(v[2])}
}
