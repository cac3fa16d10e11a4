package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/edaniels/golog"

	"github.com/mildwinter/odometry/internal/models"
	"github.com/mildwinter/odometry/pkg/camera"
	"github.com/mildwinter/odometry/pkg/config"
	"github.com/mildwinter/odometry/pkg/dataset"
	"github.com/mildwinter/odometry/pkg/optimizer"
	"github.com/mildwinter/odometry/pkg/pyramid"
	"github.com/mildwinter/odometry/pkg/se3"
	"github.com/mildwinter/odometry/pkg/trajectory"
	"github.com/mildwinter/odometry/pkg/visualization"
)

func main() {
	// Parse command line arguments
	inputDir := flag.String("input", "", "Directory containing a TUM RGB-D sequence with associated.txt")
	configPath := flag.String("config", "config.yaml", "Path to the YAML configuration file")
	writeConfig := flag.Bool("write-config", false, "Write the default configuration to -config and exit")
	trajectoryOut := flag.String("trajectory", "", "Output path for the estimated trajectory (overrides config)")
	maxFrames := flag.Int("frames", 0, "Maximum number of frames to process (0 = all, overrides config)")
	showLevels := flag.Bool("show-levels", false, "Print per-level solver statistics for every frame pair")
	debugDir := flag.String("debug-dir", "", "Directory for debug images (pyramid levels, per-pair residuals)")
	flag.Parse()

	if *writeConfig {
		if err := config.CreateDefaultConfigFile(*configPath); err != nil {
			log.Fatalf("Failed to write default config: %v", err)
		}
		fmt.Printf("Default configuration written to: %s\n", *configPath)
		return
	}

	// Validate inputs
	if *inputDir == "" {
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *trajectoryOut != "" {
		cfg.Dataset.TrajectoryOut = *trajectoryOut
	}
	if *maxFrames > 0 {
		cfg.Dataset.MaxFrames = *maxFrames
	}

	var logger golog.Logger
	if cfg.Dataset.Verbose {
		logger = golog.NewDevelopmentLogger("odometry")
	} else {
		logger = golog.NewLogger("odometry")
	}

	fmt.Println("================================")
	fmt.Println("DENSE RGB-D FRAME-TO-FRAME VISUAL ODOMETRY")
	fmt.Println("================================")

	seq, err := dataset.LoadTUM(*inputDir, cfg.Dataset.MaxFrames)
	if err != nil {
		log.Fatalf("Failed to load sequence: %v", err)
	}
	if len(seq.Frames) < 2 {
		log.Fatalf("Sequence has %d frames, need at least 2", len(seq.Frames))
	}
	fmt.Printf("Loaded %d frames from: %s\n", len(seq.Frames), *inputDir)

	cam, err := camera.NewPyramid(cfg.Pyramid.Levels, cfg.Camera)
	if err != nil {
		log.Fatalf("Failed to build camera pyramid: %v", err)
	}
	opt, err := optimizer.New(cam, cfg.SolverOptions(), logger)
	if err != nil {
		log.Fatalf("Failed to build optimizer: %v", err)
	}
	eval, err := trajectory.NewEvaluator(seq.Poses)
	if err != nil {
		log.Fatalf("Failed to build evaluator: %v", err)
	}

	fmt.Println("Starting frame-to-frame alignment...")
	startTime := time.Now()

	prevImg, prevDep, err := buildFramePyramids(seq.Frames[0], cfg.Pyramid.Levels)
	if err != nil {
		log.Fatalf("Frame 0: %v", err)
	}

	var renderer *visualization.Renderer
	if *debugDir != "" {
		renderer = visualization.NewRenderer(*debugDir)
		if err := renderer.SavePyramid("frame_000000", prevImg); err != nil {
			log.Fatalf("Failed to save pyramid images: %v", err)
		}
	}

	failures := 0
	for i := 1; i < len(seq.Frames); i++ {
		curImg, curDep, err := buildFramePyramids(seq.Frames[i], cfg.Pyramid.Levels)
		if err != nil {
			log.Fatalf("Frame %d: %v", i, err)
		}

		rel, err := opt.Solve(prevImg, prevDep, curImg)
		if err != nil {
			// A degenerate pair should not abort the whole run; carry the
			// identity estimate forward and keep count.
			logger.Warnw("alignment failed", "frame", i, "error", err)
			rel = se3.Identity()
			failures++
		}
		if *showLevels {
			fmt.Printf("--- frame pair %d -> %d ---\n%s", i-1, i, opt.Report())
		}

		drift, err := eval.AddRelative(rel)
		if err != nil {
			log.Fatalf("Frame %d: %v", i, err)
		}
		logger.Debugw("frame aligned", "frame", i, "drift_m", drift)

		if renderer != nil {
			prefix := fmt.Sprintf("pair_%06d", i)
			if err := renderer.SaveDifference(prefix, prevImg.Level(0), curImg.Level(0), 0.25); err != nil {
				log.Fatalf("Failed to save residual image: %v", err)
			}
		}

		prevImg, prevDep = curImg, curDep

		if err := opt.Reset(se3.Identity(), cfg.Solver.Lambda); err != nil {
			log.Fatalf("Reset after frame %d: %v", i, err)
		}
	}
	processingTime := time.Since(startTime)

	stats := eval.Stats()
	fmt.Printf("\nAlignment completed in %.2f seconds\n", processingTime.Seconds())
	fmt.Printf("Frame pairs processed: %d (%d failed)\n", len(seq.Frames)-1, failures)
	fmt.Printf("Translation drift vs ground truth: %s\n", stats)

	if cfg.Dataset.TrajectoryOut != "" {
		if err := eval.Trajectory().SaveTUM(cfg.Dataset.TrajectoryOut); err != nil {
			log.Fatalf("Failed to save trajectory: %v", err)
		}
		fmt.Printf("Estimated trajectory saved to: %s\n", cfg.Dataset.TrajectoryOut)
	}
}

func buildFramePyramids(f *models.Frame, levels int) (*pyramid.ImagePyramid, *pyramid.DepthPyramid, error) {
	img, err := pyramid.NewImagePyramid(levels, f.Gray)
	if err != nil {
		return nil, nil, err
	}
	dep, err := pyramid.NewDepthPyramid(levels, f.Depth)
	if err != nil {
		return nil, nil, err
	}
	return img, dep, nil
}
