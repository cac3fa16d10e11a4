// Package visualization renders intermediate alignment state as grayscale
// images for offline inspection of a run.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"

	"github.com/mildwinter/odometry/pkg/pyramid"
)

// Renderer writes debug images below a fixed output directory.
type Renderer struct {
	outputDir string
}

// NewRenderer creates a renderer rooted at the given directory.
func NewRenderer(outputDir string) *Renderer {
	return &Renderer{outputDir: outputDir}
}

// GridImage converts a grid into a 16-bit grayscale image, mapping the
// value range [lo, hi] onto the full intensity range. Values outside the
// range are clamped. Intensity grids use lo=0, hi=1; depth grids pass the
// range of interest explicitly.
func GridImage(g *pyramid.Grid, lo, hi float64) (image.Image, error) {
	if g == nil {
		return nil, fmt.Errorf("grid is nil")
	}
	if hi <= lo {
		return nil, fmt.Errorf("invalid value range [%g, %g]", lo, hi)
	}

	img := image.NewGray16(image.Rect(0, 0, g.W, g.H))
	scale := 65535 / (hi - lo)
	for y := 0; y < g.H; y++ {
		for x := 0; x < g.W; x++ {
			v := (g.At(x, y) - lo) * scale
			value := uint16(math.Round(math.Max(0, math.Min(65535, v))))
			img.SetGray16(x, y, color.Gray16{Y: value})
		}
	}
	return img, nil
}

// DifferenceImage renders the absolute per-pixel difference of two grids of
// equal dimensions, scaled so that a difference of maxDiff saturates. With
// the two intensity images of an aligned frame pair this visualizes the
// remaining photometric residual.
func DifferenceImage(a, b *pyramid.Grid, maxDiff float64) (image.Image, error) {
	if a == nil || b == nil {
		return nil, fmt.Errorf("grid is nil")
	}
	if a.W != b.W || a.H != b.H {
		return nil, fmt.Errorf("grid dimensions differ: %dx%d vs %dx%d", a.W, a.H, b.W, b.H)
	}
	if maxDiff <= 0 {
		return nil, fmt.Errorf("maxDiff must be positive, got %g", maxDiff)
	}

	img := image.NewGray16(image.Rect(0, 0, a.W, a.H))
	scale := 65535 / maxDiff
	for y := 0; y < a.H; y++ {
		for x := 0; x < a.W; x++ {
			d := math.Abs(a.At(x, y)-b.At(x, y)) * scale
			value := uint16(math.Round(math.Min(65535, d)))
			img.SetGray16(x, y, color.Gray16{Y: value})
		}
	}
	return img, nil
}

// SaveImage writes an image as PNG under the output directory.
func (r *Renderer) SaveImage(img image.Image, filename string) error {
	if err := os.MkdirAll(r.outputDir, 0755); err != nil {
		return err
	}
	file, err := os.Create(filepath.Join(r.outputDir, filename))
	if err != nil {
		return err
	}
	defer file.Close()

	return png.Encode(file, img)
}

// SavePyramid writes every level of an intensity pyramid as
// "<prefix>_level_<i>.png".
func (r *Renderer) SavePyramid(prefix string, p *pyramid.ImagePyramid) error {
	if p == nil {
		return fmt.Errorf("pyramid is nil")
	}
	for i := 0; i < p.NumLevels(); i++ {
		img, err := GridImage(p.Level(i), 0, 1)
		if err != nil {
			return err
		}
		filename := fmt.Sprintf("%s_level_%02d.png", prefix, i)
		if err := r.SaveImage(img, filename); err != nil {
			return err
		}
	}
	return nil
}

// SaveDifference writes the residual image of a frame pair as
// "<prefix>_residual.png".
func (r *Renderer) SaveDifference(prefix string, a, b *pyramid.Grid, maxDiff float64) error {
	img, err := DifferenceImage(a, b, maxDiff)
	if err != nil {
		return err
	}
	return r.SaveImage(img, fmt.Sprintf("%s_residual.png", prefix))
}
