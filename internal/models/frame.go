package models

import (
	"github.com/mildwinter/odometry/pkg/pyramid"
	"github.com/mildwinter/odometry/pkg/se3"
)

// Frame represents a single RGB-D frame with metadata
type Frame struct {
	// Gray is the grayscale intensity grid, values in [0, 1]
	Gray *pyramid.Grid

	// Depth is the metric depth grid in meters; zero marks invalid depth
	Depth *pyramid.Grid

	// Index is the position of this frame in the sequence
	Index int

	// Timestamp is the capture time in seconds since the sequence epoch
	Timestamp float64

	// GrayFile and DepthFile are the original image filenames
	GrayFile  string
	DepthFile string
}

// GroundTruth is an absolute camera pose with respect to the world origin,
// as recorded in a dataset's trajectory file
type GroundTruth struct {
	// Timestamp is the pose time in seconds since the sequence epoch
	Timestamp float64

	// Pose is the camera-to-world transform
	Pose se3.Transform
}
