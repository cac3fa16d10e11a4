// Package optimizer implements dense photometric alignment of two RGB-D
// frames: a damped Gauss-Newton (Levenberg-Marquardt) solver that minimizes
// per-pixel intensity error over a coarse-to-fine pyramid and returns the
// rigid transform aligning the second frame onto the first.
package optimizer

import (
	"math"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/mildwinter/odometry/pkg/camera"
	"github.com/mildwinter/odometry/pkg/pyramid"
	"github.com/mildwinter/odometry/pkg/se3"
)

// maxLambda bounds damping escalation; a level whose normal equations stay
// singular all the way up to this ceiling is treated as degenerate.
const maxLambda = 1e8

// Options is the immutable per-construction configuration of the solver.
// The mutable per-frame-pair session state (damping factor, current
// estimate, statistics) lives on the Optimizer and is restored by Reset.
type Options struct {
	// Lambda is the initial damping factor.
	Lambda float64

	// LambdaDecay is in (0,1): accepted steps multiply lambda by it,
	// rejected steps divide.
	LambdaDecay float64

	// Precision is the relative cost-decrease threshold below which a level
	// counts as converged.
	Precision float64

	// ResidualFloor declares convergence outright once the RMS residual
	// drops below it.
	ResidualFloor float64

	// MaxIterations holds one iteration budget per pyramid level, index 0
	// being the finest. Budgets bound solve attempts, accepted or not.
	MaxIterations []int

	// Estimator selects the robust error model.
	Estimator Estimator

	// HuberDelta is the Huber threshold, in the same units as intensities.
	HuberDelta float64

	// TDistDOF is the fixed degrees of freedom of the t-distribution
	// estimator.
	TDistDOF float64

	// Strategy selects the residual/Jacobian execution strategy.
	Strategy Strategy

	// Workers bounds the parallelism of the naive strategy; zero means one
	// worker per CPU.
	Workers int
}

// DefaultOptions returns the configuration used by the evaluation harness:
// four pyramid levels with a light budget on the coarsest, t-distribution
// weighting, and the naive builder.
func DefaultOptions() Options {
	return Options{
		Lambda:        0.001,
		LambdaDecay:   0.5,
		Precision:     5e-7,
		ResidualFloor: 1e-8,
		MaxIterations: []int{30, 30, 20, 10},
		Estimator:     EstimatorTDist,
		HuberDelta:    4.0 / 255.0,
		TDistDOF:      5,
		Strategy:      StrategyNaive,
	}
}

func (o Options) validate(cam *camera.Pyramid) error {
	if cam == nil {
		return errors.Wrap(ErrInvalidConfig, "camera pyramid is nil")
	}
	if o.Lambda <= 0 || math.IsNaN(o.Lambda) || math.IsInf(o.Lambda, 0) {
		return errors.Wrapf(ErrInvalidConfig, "damping factor must be positive, got %g", o.Lambda)
	}
	if o.LambdaDecay <= 0 || o.LambdaDecay >= 1 {
		return errors.Wrapf(ErrInvalidConfig, "lambda decay must be in (0,1), got %g", o.LambdaDecay)
	}
	if o.Precision <= 0 || o.Precision >= 1 {
		return errors.Wrapf(ErrInvalidConfig, "precision must be in (0,1), got %g", o.Precision)
	}
	if o.ResidualFloor < 0 {
		return errors.Wrapf(ErrInvalidConfig, "residual floor must be non-negative, got %g", o.ResidualFloor)
	}
	if len(o.MaxIterations) != cam.NumLevels() {
		return errors.Wrapf(ErrInvalidConfig, "need one iteration budget per pyramid level: %d budgets for %d levels",
			len(o.MaxIterations), cam.NumLevels())
	}
	for i, n := range o.MaxIterations {
		if n < 1 {
			return errors.Wrapf(ErrInvalidConfig, "iteration budget for level %d must be positive, got %d", i, n)
		}
	}
	if !o.Estimator.valid() {
		return errors.Wrapf(ErrInvalidConfig, "unsupported robust estimator %q", o.Estimator)
	}
	if o.Estimator == EstimatorHuber && o.HuberDelta <= 0 {
		return errors.Wrapf(ErrInvalidConfig, "huber delta must be positive, got %g", o.HuberDelta)
	}
	if o.Estimator == EstimatorTDist && o.TDistDOF <= 0 {
		return errors.Wrapf(ErrInvalidConfig, "t-distribution degrees of freedom must be positive, got %g", o.TDistDOF)
	}
	if !o.Strategy.valid() {
		return errors.Wrapf(ErrInvalidConfig, "unsupported builder strategy %q", o.Strategy)
	}
	return nil
}

// Optimizer estimates the relative camera motion between consecutive RGB-D
// frames. An instance is built once and reused across frame pairs via Reset;
// it handles at most one Solve at a time. The camera pyramid is shared
// read-only and must outlive the optimizer.
type Optimizer struct {
	opts    Options
	cam     *camera.Pyramid
	builder Builder
	logger  golog.Logger

	// Session state, reset between frame pairs.
	lambda  float64
	initial se3.Transform
	current se3.Transform
	report  Report

	// Iteration scratch; cur/cand pairs swap on accepted steps.
	cur   ResidualJacobian
	cand  ResidualJacobian
	wcur  []float64
	wcand []float64
}

// New constructs an optimizer with fixed hyperparameters. Malformed options
// are rejected here, wrapped around ErrInvalidConfig.
func New(cam *camera.Pyramid, opts Options, logger golog.Logger) (*Optimizer, error) {
	if err := opts.validate(cam); err != nil {
		return nil, err
	}
	builder, err := NewBuilder(opts.Strategy, opts.Workers)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = golog.NewLogger("optimizer")
	}
	return &Optimizer{
		opts:    opts,
		cam:     cam,
		builder: builder,
		logger:  logger,
		lambda:  opts.Lambda,
		initial: se3.Identity(),
		current: se3.Identity(),
	}, nil
}

// Reset restores the mutable session state for the next frame pair: initial
// transform estimate, damping factor, and cleared statistics. The fixed
// configuration is untouched.
func (o *Optimizer) Reset(initial se3.Transform, lambda float64) error {
	if !initial.IsFinite() {
		return errors.Wrap(ErrInvalidConfig, "initial transform has non-finite entries")
	}
	if lambda <= 0 || math.IsNaN(lambda) || math.IsInf(lambda, 0) {
		return errors.Wrapf(ErrInvalidConfig, "damping factor must be positive, got %g", lambda)
	}
	o.initial = initial
	o.current = initial
	o.lambda = lambda
	o.report = Report{}
	return nil
}

// Report returns the per-level statistics of the most recent solve.
func (o *Optimizer) Report() Report { return o.report }

// Lambda returns the current damping factor, mainly for inspection in tests
// and diagnostics.
func (o *Optimizer) Lambda() float64 { return o.lambda }

// Solve estimates the transform of the second frame relative to the first by
// minimizing photometric error from the coarsest pyramid level to the
// finest. The accepted transform of each level seeds the next; the damping
// factor carries across levels and is only reset between frame pairs. On
// failure no partial result is returned and the instance remains reusable
// after Reset.
func (o *Optimizer) Solve(img1 *pyramid.ImagePyramid, dep1 *pyramid.DepthPyramid, img2 *pyramid.ImagePyramid) (se3.Transform, error) {
	numLevels := o.cam.NumLevels()
	if img1 == nil || dep1 == nil || img2 == nil {
		return se3.Identity(), errors.Wrap(ErrInvalidConfig, "nil pyramid")
	}
	if img1.NumLevels() != numLevels || dep1.NumLevels() != numLevels || img2.NumLevels() != numLevels {
		return se3.Identity(), errors.Wrapf(ErrInvalidConfig,
			"pyramid level counts %d/%d/%d do not match camera's %d",
			img1.NumLevels(), dep1.NumLevels(), img2.NumLevels(), numLevels)
	}

	current := o.initial
	o.report = Report{Levels: make([]LevelStats, numLevels)}

	for level := numLevels - 1; level >= 0; level-- {
		var err error
		current, err = o.solveLevel(level, current,
			img1.Level(level), dep1.Level(level), img2.Level(level))
		if err != nil {
			return se3.Identity(), errors.Wrapf(err, "pyramid level %d", level)
		}
	}

	o.current = current
	return current, nil
}

// solveLevel runs the accept/reject iteration loop on one pyramid level.
func (o *Optimizer) solveLevel(level int, current se3.Transform, img1, dep1, img2 *pyramid.Grid) (se3.Transform, error) {
	in := o.cam.Level(level)

	if err := o.builder.Build(img1, img2, dep1, in, current, &o.cur); err != nil {
		return current, err
	}
	if o.cur.N == 0 {
		return current, errors.Wrap(ErrDegenerateFrame, "zero valid pixels")
	}

	if cap(o.wcur) < o.cur.N {
		o.wcur = make([]float64, o.cur.N)
	}
	o.wcur = o.wcur[:o.cur.N]
	computeWeights(o.cur.Residuals, o.wcur, o.opts.Estimator, o.opts.HuberDelta, o.opts.TDistDOF)
	cost := weightedCost(o.cur.Residuals, o.wcur)

	stats := &o.report.Levels[level]
	stats.Level = level
	stats.CostBefore = cost
	stats.ValidPixels = o.cur.N

	// Already aligned; nothing to do.
	if math.Sqrt(cost) < o.opts.ResidualFloor {
		stats.Converged = true
		stats.CostAfter = cost
		return current, nil
	}

	budget := o.opts.MaxIterations[level]
	var sym mat.SymDense
	var chol mat.Cholesky

	for attempt := 0; attempt < budget; attempt++ {
		a, g := normalEquations(&o.cur, o.wcur)

		// Marquardt's scaled damping: directions with small curvature are
		// damped proportionally more than an identity term would.
		for i := 0; i < 6; i++ {
			a[i*6+i] *= 1 + o.lambda
		}
		sym = *mat.NewSymDense(6, a[:])

		if ok := chol.Factorize(&sym); !ok {
			// Ill-conditioned system: treat as a rejected step.
			o.lambda /= o.opts.LambdaDecay
			if o.lambda > maxLambda {
				return current, errors.Wrap(ErrDegenerateFrame, "normal equations singular at damping ceiling")
			}
			continue
		}

		rhs := mat.NewVecDense(6, []float64{-g[0], -g[1], -g[2], -g[3], -g[4], -g[5]})
		var delta mat.VecDense
		if err := chol.SolveVecTo(&delta, rhs); err != nil {
			o.lambda /= o.opts.LambdaDecay
			if o.lambda > maxLambda {
				return current, errors.Wrap(ErrDegenerateFrame, "normal equations singular at damping ceiling")
			}
			continue
		}

		var step se3.Twist
		for i := 0; i < 6; i++ {
			v := delta.AtVec(i)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return current, errors.Wrap(ErrNumericalInstability, "non-finite twist increment")
			}
			step[i] = v
		}

		candidate := se3.Exp(step).Compose(current)

		if err := o.builder.Build(img1, img2, dep1, in, candidate, &o.cand); err != nil {
			return current, err
		}
		if o.cand.N == 0 {
			return current, errors.Wrap(ErrDegenerateFrame, "zero valid pixels at candidate")
		}
		if cap(o.wcand) < o.cand.N {
			o.wcand = make([]float64, o.cand.N)
		}
		o.wcand = o.wcand[:o.cand.N]
		computeWeights(o.cand.Residuals, o.wcand, o.opts.Estimator, o.opts.HuberDelta, o.opts.TDistDOF)
		costNew := weightedCost(o.cand.Residuals, o.wcand)

		if costNew < cost {
			// Accept: adopt the candidate and relax the damping.
			current = candidate
			o.cur, o.cand = o.cand, o.cur
			o.wcur, o.wcand = o.wcand, o.wcur
			o.lambda *= o.opts.LambdaDecay
			stats.Iterations++
			stats.ValidPixels = o.cur.N

			relDecrease := (cost - costNew) / cost
			cost = costNew
			if relDecrease < o.opts.Precision || math.Sqrt(cost) < o.opts.ResidualFloor {
				stats.Converged = true
				break
			}
		} else {
			// Reject: tighten the trust region and retry within budget.
			o.lambda /= o.opts.LambdaDecay
			if o.lambda > maxLambda {
				o.lambda = maxLambda
			}
		}
	}

	stats.CostAfter = cost
	o.logger.Debugw("level finished",
		"level", level,
		"iterations", stats.Iterations,
		"converged", stats.Converged,
		"cost_before", stats.CostBefore,
		"cost_after", stats.CostAfter,
		"lambda", o.lambda,
	)
	return current, nil
}

// normalEquations forms JtWJ (row-major 6x6, symmetric) and JtWr from the
// current residual set.
func normalEquations(rj *ResidualJacobian, w []float64) (a [36]float64, g [6]float64) {
	for i := 0; i < rj.N; i++ {
		row := rj.Jacobian[6*i : 6*i+6]
		wi := w[i]
		wr := wi * rj.Residuals[i]
		for r := 0; r < 6; r++ {
			jr := row[r]
			g[r] += jr * wr
			wjr := wi * jr
			for c := r; c < 6; c++ {
				a[6*r+c] += wjr * row[c]
			}
		}
	}
	// Mirror the upper triangle.
	for r := 1; r < 6; r++ {
		for c := 0; c < r; c++ {
			a[6*r+c] = a[6*c+r]
		}
	}
	return a, g
}
