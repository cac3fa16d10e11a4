// Package trajectory chains per-pair relative motion estimates into an
// absolute camera trajectory and scores it against ground truth.
package trajectory

import (
	"bufio"
	"fmt"
	"math"
	"os"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"

	"github.com/mildwinter/odometry/internal/models"
	"github.com/mildwinter/odometry/pkg/se3"
)

// Trajectory is an ordered sequence of timestamped absolute poses.
type Trajectory struct {
	Timestamps []float64
	Poses      []se3.Transform
}

// Len returns the number of poses in the trajectory.
func (tr *Trajectory) Len() int {
	return len(tr.Poses)
}

// Append adds a pose at the given timestamp.
func (tr *Trajectory) Append(ts float64, pose se3.Transform) {
	tr.Timestamps = append(tr.Timestamps, ts)
	tr.Poses = append(tr.Poses, pose)
}

// SaveTUM writes the trajectory in the TUM RGB-D benchmark format, one
// "timestamp tx ty tz qx qy qz qw" line per pose, suitable for the
// benchmark's evaluation scripts.
func (tr *Trajectory) SaveTUM(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "failed to create trajectory file")
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for i, pose := range tr.Poses {
		t := pose.Translation()
		q := pose.Quaternion()
		_, err := fmt.Fprintf(w, "%f %f %f %f %f %f %f %f\n",
			tr.Timestamps[i], t[0], t[1], t[2], q.Imag, q.Jmag, q.Kmag, q.Real)
		if err != nil {
			return errors.Wrap(err, "failed to write trajectory line")
		}
	}
	if err := w.Flush(); err != nil {
		return errors.Wrap(err, "failed to flush trajectory file")
	}
	return nil
}

// TranslationError returns the Euclidean distance between the translation
// components of two poses.
func TranslationError(a, b se3.Transform) float64 {
	ta := a.Translation()
	tb := b.Translation()
	dx := ta[0] - tb[0]
	dy := ta[1] - tb[1]
	dz := ta[2] - tb[2]
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

// DriftStats summarises the per-frame translation error of an estimated
// trajectory against ground truth.
type DriftStats struct {
	Mean   float64
	Max    float64
	RMSE   float64
	Frames int
}

func (s DriftStats) String() string {
	return fmt.Sprintf("frames=%d mean=%.6f m rmse=%.6f m max=%.6f m",
		s.Frames, s.Mean, s.RMSE, s.Max)
}

// Evaluator accumulates relative pose estimates into an absolute
// trajectory seeded from the first ground truth pose, and tracks the
// per-frame translation error against the remaining ground truth.
type Evaluator struct {
	gt   []models.GroundTruth
	next int
	pred se3.Transform
	est  Trajectory
	errs []float64
}

// NewEvaluator seeds the predicted trajectory with the first ground truth
// pose. At least one ground truth pose is required.
func NewEvaluator(gt []models.GroundTruth) (*Evaluator, error) {
	if len(gt) == 0 {
		return nil, errors.New("evaluator requires at least one ground truth pose")
	}
	e := &Evaluator{gt: gt, next: 1, pred: gt[0].Pose}
	e.est.Append(gt[0].Timestamp, e.pred)
	return e, nil
}

// AddRelative folds the relative transform estimated for the next frame
// pair into the absolute trajectory and returns the translation error of
// the new pose against ground truth. The relative transform maps points
// of the earlier frame into the later frame, so the absolute pose advances
// by its inverse.
func (e *Evaluator) AddRelative(rel se3.Transform) (float64, error) {
	if e.next >= len(e.gt) {
		return 0, errors.New("no ground truth pose left for this frame")
	}
	e.pred = e.pred.Compose(rel.Inverse())
	ref := e.gt[e.next]
	e.est.Append(ref.Timestamp, e.pred)
	err := TranslationError(e.pred, ref.Pose)
	e.errs = append(e.errs, err)
	e.next++
	return err, nil
}

// Trajectory returns the accumulated estimated trajectory.
func (e *Evaluator) Trajectory() *Trajectory {
	return &e.est
}

// Errors returns the per-frame translation errors recorded so far.
func (e *Evaluator) Errors() []float64 {
	return e.errs
}

// Stats computes summary statistics over the recorded translation errors.
func (e *Evaluator) Stats() DriftStats {
	s := DriftStats{Frames: len(e.errs)}
	if len(e.errs) == 0 {
		return s
	}
	s.Mean = stat.Mean(e.errs, nil)
	var sq float64
	for _, v := range e.errs {
		sq += v * v
		if v > s.Max {
			s.Max = v
		}
	}
	s.RMSE = math.Sqrt(sq / float64(len(e.errs)))
	return s
}
