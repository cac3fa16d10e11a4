// Package dataset loads TUM RGB-D benchmark sequences: an association file
// pairing ground-truth poses with grayscale and depth images, 8-bit
// intensity PNGs, and 16-bit depth PNGs in 1/5000 m units.
package dataset

import (
	"bufio"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/num/quat"

	"github.com/mildwinter/odometry/internal/models"
	"github.com/mildwinter/odometry/pkg/pyramid"
	"github.com/mildwinter/odometry/pkg/se3"
)

// depthScale converts raw 16-bit depth PNG values to meters.
const depthScale = 1.0 / 5000.0

// Association is one parsed line of an associated.txt file: a ground-truth
// pose sample matched with an rgb and a depth image.
type Association struct {
	Timestamp float64
	Pose      se3.Transform
	GrayFile  string
	DepthFile string
}

// Sequence is a loaded dataset: frames in capture order with their matching
// ground-truth poses.
type Sequence struct {
	Dir    string
	Frames []*models.Frame
	Poses  []models.GroundTruth
}

// ParseAssociation parses one association line of the form
//
//	ts tx ty tz qx qy qz qw rgb_ts rgb_file depth_ts depth_file
//
// as produced by the TUM associate tool with ground truth included.
func ParseAssociation(line string) (Association, error) {
	items := strings.Fields(line)
	if len(items) < 12 {
		return Association{}, errors.Errorf("association line has %d fields, want 12", len(items))
	}

	vals := make([]float64, 8)
	for i := 0; i < 8; i++ {
		v, err := strconv.ParseFloat(items[i], 64)
		if err != nil {
			return Association{}, errors.Wrapf(err, "parsing field %d", i)
		}
		vals[i] = v
	}

	// Pose file order is tx ty tz qx qy qz qw.
	q := quat.Number{Real: vals[7], Imag: vals[4], Jmag: vals[5], Kmag: vals[6]}
	pose := se3.QuatToTransform(q, [3]float64{vals[1], vals[2], vals[3]})

	return Association{
		Timestamp: vals[0],
		Pose:      pose,
		GrayFile:  items[9],
		DepthFile: items[11],
	}, nil
}

// LoadTUM loads up to maxFrames frames of the sequence rooted at dir, which
// must contain an associated.txt file. maxFrames <= 0 loads the whole
// sequence.
func LoadTUM(dir string, maxFrames int) (*Sequence, error) {
	path := filepath.Join(dir, "associated.txt")
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening association file")
	}
	defer file.Close()

	seq := &Sequence{Dir: dir}
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if maxFrames > 0 && len(seq.Frames) >= maxFrames {
			break
		}

		assoc, err := ParseAssociation(line)
		if err != nil {
			return nil, errors.Wrapf(err, "line %d", len(seq.Frames)+1)
		}

		gray, err := loadGrayImage(filepath.Join(dir, assoc.GrayFile))
		if err != nil {
			return nil, errors.Wrapf(err, "loading %s", assoc.GrayFile)
		}
		depth, err := loadDepthImage(filepath.Join(dir, assoc.DepthFile))
		if err != nil {
			return nil, errors.Wrapf(err, "loading %s", assoc.DepthFile)
		}
		if gray.W != depth.W || gray.H != depth.H {
			return nil, errors.Errorf("frame %d: gray %dx%d and depth %dx%d dimensions differ",
				len(seq.Frames), gray.W, gray.H, depth.W, depth.H)
		}

		seq.Frames = append(seq.Frames, &models.Frame{
			Gray:      gray,
			Depth:     depth,
			Index:     len(seq.Frames),
			Timestamp: assoc.Timestamp,
			GrayFile:  assoc.GrayFile,
			DepthFile: assoc.DepthFile,
		})
		seq.Poses = append(seq.Poses, models.GroundTruth{
			Timestamp: assoc.Timestamp,
			Pose:      assoc.Pose,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "reading association file")
	}
	if len(seq.Frames) == 0 {
		return nil, errors.Errorf("no frames found in %s", path)
	}
	return seq, nil
}

// loadGrayImage decodes a PNG and converts it to intensities in [0, 1]
// using BT.601 luma for color inputs.
func loadGrayImage(path string) (*pyramid.Grid, error) {
	img, err := decodePNG(path)
	if err != nil {
		return nil, err
	}

	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	data := make([]float64, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			luma := 0.299*float64(r) + 0.587*float64(g) + 0.114*float64(b)
			data[y*w+x] = luma / 65535.0
		}
	}
	return pyramid.NewGrid(w, h, data)
}

// loadDepthImage decodes a 16-bit depth PNG into metric depth. Zero raw
// values stay zero and mark invalid depth.
func loadDepthImage(path string) (*pyramid.Grid, error) {
	img, err := decodePNG(path)
	if err != nil {
		return nil, err
	}

	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	data := make([]float64, w*h)

	if g16, ok := img.(*image.Gray16); ok {
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				raw := g16.Gray16At(bounds.Min.X+x, bounds.Min.Y+y).Y
				data[y*w+x] = float64(raw) * depthScale
			}
		}
	} else {
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				raw, _, _, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
				data[y*w+x] = float64(raw) * depthScale
			}
		}
	}
	return pyramid.NewGrid(w, h, data)
}

func decodePNG(path string) (image.Image, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening image")
	}
	defer file.Close()

	img, err := png.Decode(file)
	if err != nil {
		return nil, errors.Wrap(err, "decoding png")
	}
	return img, nil
}
