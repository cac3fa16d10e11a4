package optimizer

import "github.com/pkg/errors"

// Failure kinds surfaced by Solve. Transient trouble inside the iteration
// loop (a rejected step, a single ill-conditioned system) is absorbed by
// damping adjustment and never reaches the caller; only the cases below
// abort a solve. The optimizer instance stays usable after Reset.
var (
	// ErrInvalidConfig marks malformed hyperparameters, rejected at
	// construction or Reset time.
	ErrInvalidConfig = errors.New("invalid optimizer configuration")

	// ErrDegenerateFrame marks a frame pair with no usable overlap: zero
	// valid pixels at some level, or normal equations that stay singular
	// even after the damping factor has been escalated to its ceiling.
	ErrDegenerateFrame = errors.New("degenerate frame pair")

	// ErrNumericalInstability marks a non-finite residual, Jacobian entry,
	// or solved increment.
	ErrNumericalInstability = errors.New("numerical instability")
)
