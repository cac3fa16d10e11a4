package optimizer

import (
	"fmt"
	"strings"

	"github.com/edaniels/golog"
)

// LevelStats records the outcome of one pyramid level of a solve.
type LevelStats struct {
	// Level is the pyramid level index, 0 being the finest.
	Level int

	// Iterations counts accepted steps only; rejected damping retries do not
	// appear here.
	Iterations int

	// Converged is false when the level stopped on budget exhaustion.
	Converged bool

	// CostBefore and CostAfter are the mean weighted squared residual at the
	// start and end of the level.
	CostBefore float64
	CostAfter  float64

	// ValidPixels is the number of residuals active at the end of the level.
	ValidPixels int
}

// Report collects the per-level statistics of the most recent solve. It is
// cleared by Reset.
type Report struct {
	Levels []LevelStats
}

// String renders the report, coarsest level first, matching the order the
// solve ran in.
func (r Report) String() string {
	var b strings.Builder
	b.WriteString("level  iters  converged  cost before -> after  pixels\n")
	for i := len(r.Levels) - 1; i >= 0; i-- {
		s := r.Levels[i]
		fmt.Fprintf(&b, "%5d  %5d  %9t  %11.6g -> %-8.6g  %6d\n",
			s.Level, s.Iterations, s.Converged, s.CostBefore, s.CostAfter, s.ValidPixels)
	}
	return b.String()
}

// Log writes the per-level statistics through the given logger.
func (r Report) Log(logger golog.Logger) {
	for i := len(r.Levels) - 1; i >= 0; i-- {
		s := r.Levels[i]
		logger.Debugw("pyramid level finished",
			"level", s.Level,
			"iterations", s.Iterations,
			"converged", s.Converged,
			"cost_before", s.CostBefore,
			"cost_after", s.CostAfter,
			"valid_pixels", s.ValidPixels,
		)
	}
}
