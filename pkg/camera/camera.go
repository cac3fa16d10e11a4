// Package camera provides the pinhole camera model consumed by the pose
// optimizer: per-pyramid-level intrinsics together with the 3D->2D projection
// and its derivative.
package camera

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
)

// Intrinsics holds the pinhole parameters of one pyramid level.
type Intrinsics struct {
	Fx   float64 `yaml:"fx"`
	Fy   float64 `yaml:"fy"`
	Skew float64 `yaml:"skew"`
	Cx   float64 `yaml:"cx"`
	Cy   float64 `yaml:"cy"`
}

// Valid reports whether the intrinsics describe a usable camera.
func (in Intrinsics) Valid() bool {
	return in.Fx > 0 && in.Fy > 0 &&
		!math.IsNaN(in.Cx) && !math.IsInf(in.Cx, 0) &&
		!math.IsNaN(in.Cy) && !math.IsInf(in.Cy, 0)
}

// BackProject lifts a pixel with known depth to a 3D point in the camera
// frame.
func (in Intrinsics) BackProject(u, v, depth float64) r3.Vector {
	y := (v - in.Cy) * depth / in.Fy
	x := ((u-in.Cx)*depth - in.Skew*y) / in.Fx
	return r3.Vector{X: x, Y: y, Z: depth}
}

// Project maps a 3D point in the camera frame to pixel coordinates. Points at
// or behind the image plane are reported as not projectable.
func (in Intrinsics) Project(p r3.Vector) (u, v float64, ok bool) {
	if p.Z <= 0 {
		return 0, 0, false
	}
	u = (in.Fx*p.X+in.Skew*p.Y)/p.Z + in.Cx
	v = in.Fy*p.Y/p.Z + in.Cy
	return u, v, true
}

// ProjectionJacobian returns the 2x3 derivative of Project with respect to
// the 3D point, in row-major order [du/dx du/dy du/dz dv/dx dv/dy dv/dz].
func (in Intrinsics) ProjectionJacobian(p r3.Vector) [6]float64 {
	invZ := 1 / p.Z
	invZ2 := invZ * invZ
	return [6]float64{
		in.Fx * invZ, in.Skew * invZ, -(in.Fx*p.X + in.Skew*p.Y) * invZ2,
		0, in.Fy * invZ, -in.Fy * p.Y * invZ2,
	}
}

// Pyramid is the fixed set of per-level intrinsics for a multi-resolution
// camera. Level 0 is the finest resolution; each coarser level halves the
// image size. A single Pyramid is shared read-only by every optimizer
// instance over the lifetime of the program.
type Pyramid struct {
	levels []Intrinsics
}

// NewPyramid derives intrinsics for the requested number of levels from the
// full-resolution parameters. The half-pixel offset in the principal-point
// scaling accounts for the pixel-center convention under 2x decimation.
func NewPyramid(numLevels int, base Intrinsics) (*Pyramid, error) {
	if numLevels < 1 {
		return nil, errors.Errorf("camera pyramid needs at least one level, got %d", numLevels)
	}
	if !base.Valid() {
		return nil, errors.Errorf("invalid base intrinsics: %+v", base)
	}

	levels := make([]Intrinsics, numLevels)
	for i := 0; i < numLevels; i++ {
		s := math.Pow(0.5, float64(i))
		levels[i] = Intrinsics{
			Fx:   base.Fx * s,
			Fy:   base.Fy * s,
			Skew: base.Skew * s,
			Cx:   (base.Cx+0.5)*s - 0.5,
			Cy:   (base.Cy+0.5)*s - 0.5,
		}
	}
	return &Pyramid{levels: levels}, nil
}

// NumLevels returns the number of pyramid levels.
func (p *Pyramid) NumLevels() int { return len(p.levels) }

// Level returns the intrinsics of one pyramid level.
func (p *Pyramid) Level(i int) Intrinsics { return p.levels[i] }
