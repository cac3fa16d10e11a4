package pyramid

import (
	"math"
	"testing"
)

// rampGrid builds a w x h grid with value x + 2*y, linear in both axes.
func rampGrid(t *testing.T, w, h int) *Grid {
	t.Helper()
	data := make([]float64, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			data[y*w+x] = float64(x) + 2*float64(y)
		}
	}
	g, err := NewGrid(w, h, data)
	if err != nil {
		t.Fatalf("NewGrid failed: %v", err)
	}
	return g
}

// TestNewGridValidation covers the dimension checks.
func TestNewGridValidation(t *testing.T) {
	if _, err := NewGrid(0, 4, nil); err == nil {
		t.Error("expected error for zero width")
	}
	if _, err := NewGrid(4, 4, make([]float64, 15)); err == nil {
		t.Error("expected error for mismatched data length")
	}
}

// TestSampleLinearExact verifies that bilinear interpolation reproduces a
// linear function exactly.
func TestSampleLinearExact(t *testing.T) {
	g := rampGrid(t, 16, 16)

	cases := []struct{ x, y float64 }{
		{0, 0}, {3.5, 2.25}, {10.75, 12.5}, {14.99, 14.99},
	}
	for i, tc := range cases {
		got, ok := g.Sample(tc.x, tc.y)
		if !ok {
			t.Fatalf("case %d: sample at (%g, %g) invalid", i, tc.x, tc.y)
		}
		want := tc.x + 2*tc.y
		if math.Abs(got-want) > 1e-9 {
			t.Errorf("case %d: sample = %g, want %g", i, got, want)
		}
	}
}

// TestSampleOutOfBounds verifies that out-of-bounds coordinates report
// invalid instead of clamping.
func TestSampleOutOfBounds(t *testing.T) {
	g := rampGrid(t, 8, 8)

	cases := []struct{ x, y float64 }{
		{-0.01, 3}, {3, -1}, {7.0, 3}, {3, 7.5}, {100, 100},
	}
	for i, tc := range cases {
		if _, ok := g.Sample(tc.x, tc.y); ok {
			t.Errorf("case %d: sample at (%g, %g) should be invalid", i, tc.x, tc.y)
		}
	}
}

// TestSampleGradLinear checks interpolated gradients on a linear ramp, where
// the central differences are exact everywhere.
func TestSampleGradLinear(t *testing.T) {
	g := rampGrid(t, 16, 16)

	val, gx, gy, ok := g.SampleGrad(6.3, 8.7)
	if !ok {
		t.Fatal("sample unexpectedly invalid")
	}
	if math.Abs(val-(6.3+2*8.7)) > 1e-9 {
		t.Errorf("value = %g, want %g", val, 6.3+2*8.7)
	}
	if math.Abs(gx-1) > 1e-9 || math.Abs(gy-2) > 1e-9 {
		t.Errorf("gradient = (%g, %g), want (1, 2)", gx, gy)
	}

	// Gradient support is one pixel narrower than plain sampling.
	if _, _, _, ok := g.SampleGrad(0.5, 5); ok {
		t.Error("gradient sample at x=0.5 should be invalid")
	}
	if _, _, _, ok := g.SampleGrad(14.5, 5); ok {
		t.Error("gradient sample at x=14.5 should be invalid")
	}
}

// TestImagePyramidDecimation verifies the 2x2 mean decimation and level
// dimensions.
func TestImagePyramidDecimation(t *testing.T) {
	g := rampGrid(t, 16, 16)
	pyr, err := NewImagePyramid(3, g)
	if err != nil {
		t.Fatalf("NewImagePyramid failed: %v", err)
	}

	if pyr.NumLevels() != 3 {
		t.Fatalf("expected 3 levels, got %d", pyr.NumLevels())
	}
	for i, want := range []int{16, 8, 4} {
		if lv := pyr.Level(i); lv.W != want || lv.H != want {
			t.Errorf("level %d: dimensions %dx%d, want %dx%d", i, lv.W, lv.H, want, want)
		}
	}

	// Block (0,0) of level 1 averages pixels (0,0), (1,0), (0,1), (1,1).
	want := (0.0 + 1.0 + 2.0 + 3.0) / 4
	if got := pyr.Level(1).At(0, 0); math.Abs(got-want) > 1e-12 {
		t.Errorf("level 1 (0,0) = %g, want %g", got, want)
	}
}

// TestDepthPyramidSkipsInvalid checks that invalid depth does not bleed into
// coarser levels.
func TestDepthPyramidSkipsInvalid(t *testing.T) {
	data := make([]float64, 8*8)
	for i := range data {
		data[i] = 2.0
	}
	// Invalidate three pixels of the top-left block and all of the next one.
	data[0], data[1], data[8] = 0, 0, math.NaN()
	data[2], data[3], data[10], data[11] = 0, 0, 0, 0

	g, err := NewGrid(8, 8, data)
	if err != nil {
		t.Fatalf("NewGrid failed: %v", err)
	}
	pyr, err := NewDepthPyramid(2, g)
	if err != nil {
		t.Fatalf("NewDepthPyramid failed: %v", err)
	}

	lv := pyr.Level(1)
	if got := lv.At(0, 0); math.Abs(got-2.0) > 1e-12 {
		t.Errorf("block with one valid sample = %g, want 2.0", got)
	}
	if got := lv.At(1, 0); got != 0 {
		t.Errorf("fully invalid block = %g, want 0", got)
	}
	if got := lv.At(2, 1); math.Abs(got-2.0) > 1e-12 {
		t.Errorf("fully valid block = %g, want 2.0", got)
	}
}

// TestValidDepth enumerates the invalid markers.
func TestValidDepth(t *testing.T) {
	for _, v := range []float64{1e-3, 0.5, 100} {
		if !ValidDepth(v) {
			t.Errorf("depth %g should be valid", v)
		}
	}
	for _, v := range []float64{0, -1, math.NaN(), math.Inf(1), math.Inf(-1)} {
		if ValidDepth(v) {
			t.Errorf("depth %v should be invalid", v)
		}
	}
}
