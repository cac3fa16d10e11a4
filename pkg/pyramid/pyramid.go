// Package pyramid implements the multi-resolution image and depth
// representations consumed by the pose optimizer, together with the bilinear
// sampling primitive used to evaluate photometric residuals at fractional
// pixel coordinates.
package pyramid

import (
	"math"

	"github.com/pkg/errors"
)

// Grid is a dense 2D float grid stored row-major. Grids handed to the
// optimizer are treated as immutable for the duration of a solve.
type Grid struct {
	W, H int
	Data []float64
}

// NewGrid wraps existing row-major data in a grid.
func NewGrid(w, h int, data []float64) (*Grid, error) {
	if w < 1 || h < 1 {
		return nil, errors.Errorf("grid dimensions must be positive, got %dx%d", w, h)
	}
	if len(data) != w*h {
		return nil, errors.Errorf("grid data length %d does not match %dx%d", len(data), w, h)
	}
	return &Grid{W: w, H: h, Data: data}, nil
}

// At returns the value at integer pixel (x, y). Bounds are the caller's
// responsibility.
func (g *Grid) At(x, y int) float64 { return g.Data[y*g.W+x] }

// Sample bilinearly interpolates the grid at a fractional coordinate. The
// second return value is false when the 2x2 support would leave the grid;
// out-of-bounds lookups are reported rather than clamped.
func (g *Grid) Sample(x, y float64) (float64, bool) {
	if x < 0 || y < 0 || x >= float64(g.W-1) || y >= float64(g.H-1) {
		return 0, false
	}
	x0, y0 := int(x), int(y)
	fx, fy := x-float64(x0), y-float64(y0)
	i := y0*g.W + x0

	top := g.Data[i]*(1-fx) + g.Data[i+1]*fx
	bot := g.Data[i+g.W]*(1-fx) + g.Data[i+g.W+1]*fx
	return top*(1-fy) + bot*fy, true
}

// SampleGrad interpolates both the value and the image gradient at a
// fractional coordinate. The gradient is the bilinear interpolation of
// central differences, so the support is one pixel wider than Sample's.
func (g *Grid) SampleGrad(x, y float64) (val, gx, gy float64, ok bool) {
	if x < 1 || y < 1 || x >= float64(g.W-2) || y >= float64(g.H-2) {
		return 0, 0, 0, false
	}
	x0, y0 := int(x), int(y)
	fx, fy := x-float64(x0), y-float64(y0)
	i := y0*g.W + x0
	w := g.W

	d := g.Data
	top := d[i]*(1-fx) + d[i+1]*fx
	bot := d[i+w]*(1-fx) + d[i+w+1]*fx
	val = top*(1-fy) + bot*fy

	// Central differences at the four support pixels, then the same bilinear
	// weights.
	gx00 := (d[i+1] - d[i-1]) / 2
	gx01 := (d[i+2] - d[i]) / 2
	gx10 := (d[i+w+1] - d[i+w-1]) / 2
	gx11 := (d[i+w+2] - d[i+w]) / 2
	gx = (gx00*(1-fx)+gx01*fx)*(1-fy) + (gx10*(1-fx)+gx11*fx)*fy

	gy00 := (d[i+w] - d[i-w]) / 2
	gy01 := (d[i+w+1] - d[i-w+1]) / 2
	gy10 := (d[i+2*w] - d[i]) / 2
	gy11 := (d[i+2*w+1] - d[i+1]) / 2
	gy = (gy00*(1-fx)+gy01*fx)*(1-fy) + (gy10*(1-fx)+gy11*fx)*fy

	return val, gx, gy, true
}

// ImagePyramid is a coarse-to-fine stack of intensity grids. Level 0 is the
// finest (input) resolution.
type ImagePyramid struct {
	levels []*Grid
}

// DepthPyramid is the matching stack of metric depth grids. Zero or
// non-finite entries mark invalid depth.
type DepthPyramid struct {
	levels []*Grid
}

// NewImagePyramid builds numLevels levels by repeated 2x2 mean decimation of
// the base intensity grid.
func NewImagePyramid(numLevels int, base *Grid) (*ImagePyramid, error) {
	levels, err := buildLevels(numLevels, base, downsampleMean)
	if err != nil {
		return nil, err
	}
	return &ImagePyramid{levels: levels}, nil
}

// NewDepthPyramid builds numLevels levels of depth. Decimation averages only
// the valid samples of each 2x2 block so that missing depth does not bleed
// into its neighbours; a block with no valid sample stays invalid.
func NewDepthPyramid(numLevels int, base *Grid) (*DepthPyramid, error) {
	levels, err := buildLevels(numLevels, base, downsampleValidMean)
	if err != nil {
		return nil, err
	}
	return &DepthPyramid{levels: levels}, nil
}

// NumLevels returns the number of levels in the pyramid.
func (p *ImagePyramid) NumLevels() int { return len(p.levels) }

// Level returns the grid at the given level, 0 being the finest.
func (p *ImagePyramid) Level(i int) *Grid { return p.levels[i] }

// NumLevels returns the number of levels in the pyramid.
func (p *DepthPyramid) NumLevels() int { return len(p.levels) }

// Level returns the grid at the given level, 0 being the finest.
func (p *DepthPyramid) Level(i int) *Grid { return p.levels[i] }

func buildLevels(numLevels int, base *Grid, down func(*Grid) (*Grid, error)) ([]*Grid, error) {
	if numLevels < 1 {
		return nil, errors.Errorf("pyramid needs at least one level, got %d", numLevels)
	}
	if base == nil {
		return nil, errors.New("pyramid base grid is nil")
	}

	levels := make([]*Grid, numLevels)
	levels[0] = base
	for i := 1; i < numLevels; i++ {
		g, err := down(levels[i-1])
		if err != nil {
			return nil, errors.Wrapf(err, "building level %d", i)
		}
		levels[i] = g
	}
	return levels, nil
}

// downsampleMean halves a grid by averaging each 2x2 block.
func downsampleMean(src *Grid) (*Grid, error) {
	w, h := src.W/2, src.H/2
	if w < 2 || h < 2 {
		return nil, errors.Errorf("grid %dx%d too small to decimate", src.W, src.H)
	}

	data := make([]float64, w*h)
	for y := 0; y < h; y++ {
		i := 2 * y * src.W
		for x := 0; x < w; x++ {
			j := i + 2*x
			data[y*w+x] = (src.Data[j] + src.Data[j+1] + src.Data[j+src.W] + src.Data[j+src.W+1]) / 4
		}
	}
	return &Grid{W: w, H: h, Data: data}, nil
}

// downsampleValidMean halves a depth grid, averaging only valid samples.
func downsampleValidMean(src *Grid) (*Grid, error) {
	w, h := src.W/2, src.H/2
	if w < 2 || h < 2 {
		return nil, errors.Errorf("grid %dx%d too small to decimate", src.W, src.H)
	}

	data := make([]float64, w*h)
	for y := 0; y < h; y++ {
		i := 2 * y * src.W
		for x := 0; x < w; x++ {
			j := i + 2*x
			sum, n := 0.0, 0
			for _, v := range [4]float64{src.Data[j], src.Data[j+1], src.Data[j+src.W], src.Data[j+src.W+1]} {
				if ValidDepth(v) {
					sum += v
					n++
				}
			}
			if n > 0 {
				data[y*w+x] = sum / float64(n)
			}
		}
	}
	return &Grid{W: w, H: h, Data: data}, nil
}

// ValidDepth reports whether a depth value can be back-projected.
func ValidDepth(d float64) bool {
	return d > 0 && !math.IsInf(d, 0) && !math.IsNaN(d)
}
