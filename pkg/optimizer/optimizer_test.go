package optimizer

import (
	"errors"
	"math"
	"testing"

	"github.com/mildwinter/odometry/pkg/pyramid"
	"github.com/mildwinter/odometry/pkg/se3"
)

// testOptions is a configuration tuned for the small synthetic scenes used
// in this file: three pyramid levels and generous budgets.
func testOptions(strategy Strategy, est Estimator) Options {
	return Options{
		Lambda:        1e-4,
		LambdaDecay:   0.5,
		Precision:     1e-8,
		ResidualFloor: 1e-8,
		MaxIterations: []int{50, 50, 30},
		Estimator:     est,
		HuberDelta:    0.05,
		TDistDOF:      5,
		Strategy:      strategy,
		Workers:       4,
	}
}

// poseError returns the rotational and translational magnitude of the
// discrepancy between two transforms.
func poseError(estimate, truth se3.Transform) (rot, trans float64) {
	diff := se3.Log(truth.Compose(estimate.Inverse()))
	trans = math.Sqrt(diff[0]*diff[0] + diff[1]*diff[1] + diff[2]*diff[2])
	rot = math.Sqrt(diff[3]*diff[3] + diff[4]*diff[4] + diff[5]*diff[5])
	return rot, trans
}

// TestSolveRecoversKnownTransform warps a synthetic frame by a known motion
// and checks that Solve recovers it from an identity start, for both
// execution strategies.
func TestSolveRecoversKnownTransform(t *testing.T) {
	truth := se3.Exp(se3.Twist{0.03, -0.02, 0.015, 0.01, -0.008, 0.012})
	cam, img1, dep1, img2 := planeScene(t, 128, 96, 3, truth)

	for _, strategy := range []Strategy{StrategyNaive, StrategyFast} {
		t.Run(string(strategy), func(t *testing.T) {
			opt, err := New(cam, testOptions(strategy, EstimatorNone), nil)
			if err != nil {
				t.Fatalf("New failed: %v", err)
			}

			got, err := opt.Solve(img1, dep1, img2)
			if err != nil {
				t.Fatalf("Solve failed: %v", err)
			}

			rot, trans := poseError(got, truth)
			if trans > 1e-3 {
				t.Errorf("translation error %g exceeds 1e-3", trans)
			}
			if rot > 1e-3 {
				t.Errorf("rotation error %g rad exceeds 1e-3", rot)
			}

			// Cost must not increase over any level's accepted steps.
			report := opt.Report()
			if len(report.Levels) != 3 {
				t.Fatalf("report has %d levels, want 3", len(report.Levels))
			}
			for _, s := range report.Levels {
				if s.CostAfter > s.CostBefore {
					t.Errorf("level %d: cost increased from %g to %g", s.Level, s.CostBefore, s.CostAfter)
				}
				if s.ValidPixels == 0 {
					t.Errorf("level %d: zero valid pixels recorded", s.Level)
				}
			}
		})
	}
}

// TestSolveRecoversWithRobustEstimators repeats the recovery with Huber and
// t-distribution weighting, which must not break convergence on clean data.
func TestSolveRecoversWithRobustEstimators(t *testing.T) {
	truth := se3.Exp(se3.Twist{0.02, -0.015, 0.01, 0.008, -0.005, 0.01})
	cam, img1, dep1, img2 := planeScene(t, 128, 96, 3, truth)

	for _, est := range []Estimator{EstimatorHuber, EstimatorTDist} {
		t.Run(string(est), func(t *testing.T) {
			opt, err := New(cam, testOptions(StrategyNaive, est), nil)
			if err != nil {
				t.Fatalf("New failed: %v", err)
			}
			got, err := opt.Solve(img1, dep1, img2)
			if err != nil {
				t.Fatalf("Solve failed: %v", err)
			}
			rot, trans := poseError(got, truth)
			if trans > 2e-3 || rot > 2e-3 {
				t.Errorf("pose error (rot %g, trans %g) exceeds tolerance", rot, trans)
			}
		})
	}
}

// TestSolveIdenticalFramesIsNoOp feeds the same frame twice with an identity
// start; the residuals are already zero, so no iterations run and the result
// is the identity.
func TestSolveIdenticalFramesIsNoOp(t *testing.T) {
	cam, img1, dep1, _ := planeScene(t, 64, 48, 3, se3.Identity())

	opt, err := New(cam, testOptions(StrategyNaive, EstimatorNone), nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	got, err := opt.Solve(img1, dep1, img1)
	if err != nil {
		t.Fatalf("Solve failed: %v", err)
	}

	rot, trans := poseError(got, se3.Identity())
	if rot > 1e-12 || trans > 1e-12 {
		t.Errorf("expected identity, got pose error (rot %g, trans %g)", rot, trans)
	}
	for _, s := range opt.Report().Levels {
		if s.Iterations != 0 {
			t.Errorf("level %d ran %d iterations, want 0", s.Level, s.Iterations)
		}
		if !s.Converged {
			t.Errorf("level %d should report convergence", s.Level)
		}
	}
}

// TestSolveDegenerateDepth invalidates all depth and expects a
// degenerate-frame failure rather than a crash or a bogus transform.
func TestSolveDegenerateDepth(t *testing.T) {
	cam, img1, _, img2 := planeScene(t, 64, 48, 3, se3.Exp(se3.Twist{0.01, 0, 0, 0, 0, 0}))

	zero, err := pyramid.NewGrid(64, 48, make([]float64, 64*48))
	if err != nil {
		t.Fatalf("NewGrid failed: %v", err)
	}
	dep, err := pyramid.NewDepthPyramid(3, zero)
	if err != nil {
		t.Fatalf("NewDepthPyramid failed: %v", err)
	}

	opt, err := New(cam, testOptions(StrategyNaive, EstimatorNone), nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, err := opt.Solve(img1, dep, img2); !errors.Is(err, ErrDegenerateFrame) {
		t.Errorf("expected degenerate-frame error, got %v", err)
	}

	// The instance must stay reusable after Reset.
	if err := opt.Reset(se3.Identity(), 1e-4); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if _, err := opt.Solve(img1, dep1NonZero(t, 64, 48), img2); err != nil {
		t.Errorf("solve after reset failed: %v", err)
	}
}

func dep1NonZero(t *testing.T, w, h int) *pyramid.DepthPyramid {
	t.Helper()
	data := make([]float64, w*h)
	for i := range data {
		data[i] = 2.0
	}
	g, err := pyramid.NewGrid(w, h, data)
	if err != nil {
		t.Fatalf("NewGrid failed: %v", err)
	}
	p, err := pyramid.NewDepthPyramid(3, g)
	if err != nil {
		t.Fatalf("NewDepthPyramid failed: %v", err)
	}
	return p
}

// TestSolveNumericalInstability feeds a second frame full of NaN.
func TestSolveNumericalInstability(t *testing.T) {
	cam, img1, dep1, _ := planeScene(t, 64, 48, 3, se3.Identity())

	bad := make([]float64, 64*48)
	for i := range bad {
		bad[i] = math.NaN()
	}
	g, err := pyramid.NewGrid(64, 48, bad)
	if err != nil {
		t.Fatalf("NewGrid failed: %v", err)
	}
	img2, err := pyramid.NewImagePyramid(3, g)
	if err != nil {
		t.Fatalf("NewImagePyramid failed: %v", err)
	}

	opt, err := New(cam, testOptions(StrategyNaive, EstimatorNone), nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, err := opt.Solve(img1, dep1, img2); !errors.Is(err, ErrNumericalInstability) {
		t.Errorf("expected numerical-instability error, got %v", err)
	}
}

// TestResetIndependence verifies that a reused instance, after Reset, solves
// a fresh frame pair exactly as a newly constructed one: no damping or
// statistics leakage across frame pairs.
func TestResetIndependence(t *testing.T) {
	truthA := se3.Exp(se3.Twist{0.02, -0.01, 0.01, 0.006, -0.004, 0.008})
	truthB := se3.Exp(se3.Twist{-0.015, 0.02, -0.008, -0.005, 0.007, -0.006})
	cam, img1A, dep1A, img2A := planeScene(t, 96, 72, 3, truthA)
	_, img1B, dep1B, img2B := planeScene(t, 96, 72, 3, truthB)

	opts := testOptions(StrategyNaive, EstimatorNone)

	reused, err := New(cam, opts, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, err := reused.Solve(img1A, dep1A, img2A); err != nil {
		t.Fatalf("first solve failed: %v", err)
	}

	if err := reused.Reset(se3.Identity(), opts.Lambda); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if got := reused.Lambda(); got != opts.Lambda {
		t.Errorf("lambda after reset = %g, want %g", got, opts.Lambda)
	}
	if n := len(reused.Report().Levels); n != 0 {
		t.Errorf("report has %d levels after reset, want 0", n)
	}

	gotReused, err := reused.Solve(img1B, dep1B, img2B)
	if err != nil {
		t.Fatalf("solve after reset failed: %v", err)
	}

	fresh, err := New(cam, opts, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	gotFresh, err := fresh.Solve(img1B, dep1B, img2B)
	if err != nil {
		t.Fatalf("fresh solve failed: %v", err)
	}

	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			if d := math.Abs(gotReused.At(i, j) - gotFresh.At(i, j)); d > 1e-12 {
				t.Fatalf("entry (%d,%d) differs by %g between reused and fresh instance", i, j, d)
			}
		}
	}

	// Iteration statistics must match too.
	ra, rb := reused.Report(), fresh.Report()
	for i := range ra.Levels {
		if ra.Levels[i].Iterations != rb.Levels[i].Iterations {
			t.Errorf("level %d iteration counts differ: %d vs %d",
				i, ra.Levels[i].Iterations, rb.Levels[i].Iterations)
		}
	}
}

// TestResetValidation covers the Reset input checks.
func TestResetValidation(t *testing.T) {
	cam, _, _, _ := planeScene(t, 32, 32, 3, se3.Identity())
	opt, err := New(cam, testOptions(StrategyNaive, EstimatorNone), nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if err := opt.Reset(se3.Identity(), -1); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("negative lambda: got %v", err)
	}
	if err := opt.Reset(se3.Identity(), math.NaN()); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("NaN lambda: got %v", err)
	}

	bad := se3.FromRotationTranslation([9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1}, [3]float64{math.Inf(1), 0, 0})
	if err := opt.Reset(bad, 0.001); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("non-finite transform: got %v", err)
	}
}

// TestNewRejectsBadOptions enumerates configuration errors caught at
// construction.
func TestNewRejectsBadOptions(t *testing.T) {
	cam, _, _, _ := planeScene(t, 32, 32, 3, se3.Identity())

	cases := []struct {
		name   string
		mutate func(*Options)
	}{
		{"negative lambda", func(o *Options) { o.Lambda = -0.1 }},
		{"decay above one", func(o *Options) { o.LambdaDecay = 1.5 }},
		{"zero precision", func(o *Options) { o.Precision = 0 }},
		{"budget count mismatch", func(o *Options) { o.MaxIterations = []int{10} }},
		{"zero budget entry", func(o *Options) { o.MaxIterations = []int{50, 0, 30} }},
		{"unknown estimator", func(o *Options) { o.Estimator = "median" }},
		{"zero huber delta", func(o *Options) { o.Estimator = EstimatorHuber; o.HuberDelta = 0 }},
		{"zero dof", func(o *Options) { o.Estimator = EstimatorTDist; o.TDistDOF = 0 }},
		{"unknown strategy", func(o *Options) { o.Strategy = "simd" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			opts := testOptions(StrategyNaive, EstimatorNone)
			tc.mutate(&opts)
			if _, err := New(cam, opts, nil); !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}

	if _, err := New(nil, testOptions(StrategyNaive, EstimatorNone), nil); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("nil camera: got %v", err)
	}
}

// TestSolveRejectsMismatchedPyramids checks level-count validation.
func TestSolveRejectsMismatchedPyramids(t *testing.T) {
	cam, img1, dep1, img2 := planeScene(t, 64, 48, 3, se3.Identity())

	opt, err := New(cam, testOptions(StrategyNaive, EstimatorNone), nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	_, shallow, shallowDep, _ := planeScene(t, 64, 48, 2, se3.Identity())
	if _, err := opt.Solve(shallow, dep1, img2); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("mismatched image pyramid: got %v", err)
	}
	if _, err := opt.Solve(img1, shallowDep, img2); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("mismatched depth pyramid: got %v", err)
	}
	if _, err := opt.Solve(nil, dep1, img2); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("nil pyramid: got %v", err)
	}
}
