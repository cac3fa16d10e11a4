package optimizer

import (
	"math"
	"runtime"
	"sync"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"github.com/mildwinter/odometry/pkg/camera"
	"github.com/mildwinter/odometry/pkg/pyramid"
	"github.com/mildwinter/odometry/pkg/se3"
)

// Strategy selects the residual/Jacobian execution strategy.
type Strategy string

// Supported strategies. Both produce numerically equivalent results up to
// floating-point rounding; the fast variant exists purely for throughput.
const (
	// StrategyNaive is a per-pixel loop parallelized across image rows.
	StrategyNaive Strategy = "naive"
	// StrategyFast is a single-threaded variant processing four-pixel lanes
	// over flat buffers.
	StrategyFast Strategy = "fast"
)

func (s Strategy) valid() bool {
	return s == StrategyNaive || s == StrategyFast
}

// ResidualJacobian is the active residual vector of one iteration together
// with its Jacobian with respect to the twist parameters. N is the true
// dimension of the subsequent normal-equation solve; both slices are
// compacted to it in pixel order.
type ResidualJacobian struct {
	Residuals []float64 // length N
	Jacobian  []float64 // N x 6, row-major
	N         int
}

// Builder computes photometric residuals and Jacobian rows for one pyramid
// level at a given transform estimate. A zero valid-pixel count is reported
// through ResidualJacobian.N, not as an error; errors are reserved for
// non-finite values.
type Builder interface {
	Build(img1, img2, dep1 *pyramid.Grid, in camera.Intrinsics, tf se3.Transform, out *ResidualJacobian) error
}

// NewBuilder returns the builder for the given strategy tag.
func NewBuilder(s Strategy, workers int) (Builder, error) {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	switch s {
	case StrategyNaive:
		return &NaiveBuilder{Workers: workers}, nil
	case StrategyFast:
		return &FastBuilder{}, nil
	}
	return nil, errors.Wrapf(ErrInvalidConfig, "unknown builder strategy %q", s)
}

// jacobianRow chains the sampled image gradient through the projection
// derivative and the se(3) generator action at the transformed point q,
// twist ordering translation-first.
func jacobianRow(in camera.Intrinsics, gx, gy, qx, qy, qz float64, row []float64) {
	pj := in.ProjectionJacobian(r3.Vector{X: qx, Y: qy, Z: qz})

	gp0 := gx * pj[0]
	gp1 := gx*pj[1] + gy*pj[4]
	gp2 := gx*pj[2] + gy*pj[5]

	row[0] = gp0
	row[1] = gp1
	row[2] = gp2
	row[3] = -gp1*qz + gp2*qy
	row[4] = gp0*qz - gp2*qx
	row[5] = -gp0*qy + gp1*qx
}

// NaiveBuilder walks every pixel of the first image in a plain loop,
// distributed across worker goroutines by row chunks. Each pixel writes into
// a slot of its own, so the workers share no mutable state; a pixel-ordered
// compaction pass runs after the join.
type NaiveBuilder struct {
	Workers int

	// Scratch slots reused across builds; a builder serves one solve at a
	// time, so no locking is needed.
	resSlot  []float64
	jacSlot  []float64
	validMap []bool
}

// Build implements Builder.
func (b *NaiveBuilder) Build(img1, img2, dep1 *pyramid.Grid, in camera.Intrinsics, tf se3.Transform, out *ResidualJacobian) error {
	w, h := img1.W, img1.H
	n := w * h

	if len(b.resSlot) < n {
		b.resSlot = make([]float64, n)
		b.jacSlot = make([]float64, 6*n)
		b.validMap = make([]bool, n)
	}
	resSlot, jacSlot, valid := b.resSlot[:n], b.jacSlot[:6*n], b.validMap[:n]

	r := tf.Rotation()
	t := tf.Translation()

	workers := b.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	rowsPerWorker := (h + workers - 1) / workers

	var wg sync.WaitGroup
	for c := 0; c < workers; c++ {
		startRow := c * rowsPerWorker
		endRow := startRow + rowsPerWorker
		if endRow > h {
			endRow = h
		}
		if startRow >= endRow {
			continue
		}

		wg.Add(1)
		go func(y0, y1 int) {
			defer wg.Done()
			for y := y0; y < y1; y++ {
				for x := 0; x < w; x++ {
					i := y*w + x
					valid[i] = false

					d := dep1.At(x, y)
					if !pyramid.ValidDepth(d) {
						continue
					}

					p := in.BackProject(float64(x), float64(y), d)
					qx := r[0]*p.X + r[1]*p.Y + r[2]*p.Z + t[0]
					qy := r[3]*p.X + r[4]*p.Y + r[5]*p.Z + t[1]
					qz := r[6]*p.X + r[7]*p.Y + r[8]*p.Z + t[2]

					u, v, ok := in.Project(r3.Vector{X: qx, Y: qy, Z: qz})
					if !ok {
						continue
					}
					val, gx, gy, ok := img2.SampleGrad(u, v)
					if !ok {
						continue
					}

					resSlot[i] = val - img1.At(x, y)
					jacobianRow(in, gx, gy, qx, qy, qz, jacSlot[6*i:6*i+6])
					valid[i] = true
				}
			}
		}(startRow, endRow)
	}
	wg.Wait()

	return compact(resSlot, jacSlot, valid, out)
}

// compact gathers valid slots in pixel order and screens for non-finite
// values.
func compact(resSlot, jacSlot []float64, valid []bool, out *ResidualJacobian) error {
	n := 0
	for _, v := range valid {
		if v {
			n++
		}
	}
	if cap(out.Residuals) < n {
		out.Residuals = make([]float64, 0, n)
		out.Jacobian = make([]float64, 0, 6*n)
	}
	out.Residuals = out.Residuals[:0]
	out.Jacobian = out.Jacobian[:0]

	for i, v := range valid {
		if !v {
			continue
		}
		res := resSlot[i]
		if math.IsNaN(res) || math.IsInf(res, 0) {
			return errors.Wrap(ErrNumericalInstability, "non-finite residual")
		}
		out.Residuals = append(out.Residuals, res)
		for _, jv := range jacSlot[6*i : 6*i+6] {
			if math.IsNaN(jv) || math.IsInf(jv, 0) {
				return errors.Wrap(ErrNumericalInstability, "non-finite jacobian entry")
			}
			out.Jacobian = append(out.Jacobian, jv)
		}
	}
	out.N = n
	return nil
}

// laneWidth is the number of pixels the fast builder advances per step.
const laneWidth = 4

// FastBuilder is the throughput-oriented strategy: one thread of control,
// flat-slice access, and the per-pixel geometry evaluated over fixed-width
// lanes with the loop-dependent terms hoisted out of the inner loop.
type FastBuilder struct {
	xn []float64 // (x - cx)/fx per column, reused across rows
}

// Build implements Builder.
func (b *FastBuilder) Build(img1, img2, dep1 *pyramid.Grid, in camera.Intrinsics, tf se3.Transform, out *ResidualJacobian) error {
	w, h := img1.W, img1.H

	if len(b.xn) < w {
		b.xn = make([]float64, w)
	}
	xn := b.xn[:w]
	invFx := 1 / in.Fx
	for x := 0; x < w; x++ {
		xn[x] = (float64(x) - in.Cx) * invFx
	}
	skewN := in.Skew * invFx

	r := tf.Rotation()
	t := tf.Translation()

	out.Residuals = out.Residuals[:0]
	out.Jacobian = out.Jacobian[:0]

	var laneQ [3 * laneWidth]float64
	var laneUV [2 * laneWidth]float64
	var laneOK [laneWidth]bool

	for y := 0; y < h; y++ {
		yn := (float64(y) - in.Cy) / in.Fy
		rowOff := y * w

		for x0 := 0; x0 < w; x0 += laneWidth {
			lanes := laneWidth
			if x0+lanes > w {
				lanes = w - x0
			}

			// Geometry pass: back-project, transform, project.
			for l := 0; l < lanes; l++ {
				laneOK[l] = false
				d := dep1.Data[rowOff+x0+l]
				if !pyramid.ValidDepth(d) {
					continue
				}
				px := d * (xn[x0+l] - skewN*yn)
				py := d * yn
				qx := r[0]*px + r[1]*py + r[2]*d + t[0]
				qy := r[3]*px + r[4]*py + r[5]*d + t[1]
				qz := r[6]*px + r[7]*py + r[8]*d + t[2]
				if qz <= 0 {
					continue
				}
				laneQ[3*l] = qx
				laneQ[3*l+1] = qy
				laneQ[3*l+2] = qz
				// camera.Intrinsics.Project, inlined for the lane loop.
				laneUV[2*l] = (in.Fx*qx+in.Skew*qy)/qz + in.Cx
				laneUV[2*l+1] = in.Fy*qy/qz + in.Cy
				laneOK[l] = true
			}

			// Sampling and emission pass, pixel order preserved.
			for l := 0; l < lanes; l++ {
				if !laneOK[l] {
					continue
				}
				val, gx, gy, ok := img2.SampleGrad(laneUV[2*l], laneUV[2*l+1])
				if !ok {
					continue
				}
				res := val - img1.Data[rowOff+x0+l]
				if math.IsNaN(res) || math.IsInf(res, 0) {
					return errors.Wrap(ErrNumericalInstability, "non-finite residual")
				}

				var row [6]float64
				jacobianRow(in, gx, gy, laneQ[3*l], laneQ[3*l+1], laneQ[3*l+2], row[:])
				for _, jv := range row {
					if math.IsNaN(jv) || math.IsInf(jv, 0) {
						return errors.Wrap(ErrNumericalInstability, "non-finite jacobian entry")
					}
				}
				out.Residuals = append(out.Residuals, res)
				out.Jacobian = append(out.Jacobian, row[:]...)
			}
		}
	}

	out.N = len(out.Residuals)
	return nil
}
