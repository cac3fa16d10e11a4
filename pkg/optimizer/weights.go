package optimizer

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// Estimator selects the robust error model applied to photometric residuals.
type Estimator string

// Supported robust estimators.
const (
	// EstimatorNone applies uniform unit weights.
	EstimatorNone Estimator = "none"
	// EstimatorHuber down-weights residuals beyond a fixed threshold.
	EstimatorHuber Estimator = "huber"
	// EstimatorTDist fits a Student's t-distribution scale to the residuals
	// and weights by the resulting influence function. Generally the best
	// choice for RGB-D intensity data.
	EstimatorTDist Estimator = "tdist"
)

func (e Estimator) valid() bool {
	switch e {
	case EstimatorNone, EstimatorHuber, EstimatorTDist:
		return true
	}
	return false
}

// Bounds for the t-distribution scale fixed-point iteration. The cap is
// deliberately independent of the outer LM iteration budget.
const (
	scaleMaxIterations = 10
	scaleTolerance     = 1e-8
	minScale           = 1e-12
)

// computeWeights fills w with one weight per residual under the selected
// estimator. The residual slice is read-only; every emitted weight is finite
// and in (0, 1] for Huber, non-negative in general.
func computeWeights(res, w []float64, est Estimator, huberDelta, dof float64) {
	switch est {
	case EstimatorHuber:
		for i, r := range res {
			a := math.Abs(r)
			if a <= huberDelta {
				w[i] = 1
			} else {
				w[i] = huberDelta / a
			}
		}
	case EstimatorTDist:
		sigma := estimateTDistScale(res, dof)
		if sigma < minScale {
			// All residuals essentially zero; weighting is moot.
			for i := range w {
				w[i] = 1
			}
			return
		}
		inv2 := 1 / (sigma * sigma)
		for i, r := range res {
			w[i] = (dof + 1) / (dof + r*r*inv2)
		}
	default:
		for i := range w {
			w[i] = 1
		}
	}
}

// estimateTDistScale runs the expectation-maximization fixed point
//
//	w_i    = (nu+1) / (nu + (r_i/sigma)^2)
//	sigma^2 = mean(w_i * r_i^2)
//
// seeded with the raw second moment, until the scale settles or the
// iteration cap is hit.
func estimateTDistScale(res []float64, dof float64) float64 {
	n := float64(len(res))
	if n == 0 {
		return 0
	}
	sigma2 := floats.Dot(res, res) / n
	if sigma2 < minScale*minScale {
		return 0
	}

	sigma := math.Sqrt(sigma2)
	for iter := 0; iter < scaleMaxIterations; iter++ {
		inv2 := 1 / (sigma * sigma)
		acc := 0.0
		for _, r := range res {
			r2 := r * r
			acc += r2 * (dof + 1) / (dof + r2*inv2)
		}
		next := math.Sqrt(acc / n)
		if math.Abs(next-sigma) < scaleTolerance {
			return next
		}
		sigma = next
	}
	return sigma
}

// weightedCost is the mean weighted squared residual. Using the mean rather
// than the raw sum keeps costs comparable when the valid-pixel count shifts
// between iterations.
func weightedCost(res, w []float64) float64 {
	if len(res) == 0 {
		return 0
	}
	acc := 0.0
	for i, r := range res {
		acc += w[i] * r * r
	}
	return acc / float64(len(res))
}
