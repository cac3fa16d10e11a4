// Package config provides configuration loading and management for the
// odometry pipeline. It handles loading configuration from YAML files and
// provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"

	"github.com/mildwinter/odometry/pkg/camera"
	"github.com/mildwinter/odometry/pkg/optimizer"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Camera holds the pinhole intrinsics of the finest pyramid level.
	Camera camera.Intrinsics `yaml:"camera"`

	// Pyramid parameters
	Pyramid struct {
		// Levels is the number of coarse-to-fine pyramid levels
		Levels int `yaml:"levels"`
	} `yaml:"pyramid"`

	// Solver parameters
	Solver struct {
		// Lambda is the initial Levenberg-Marquardt damping factor
		Lambda float64 `yaml:"lambda"`

		// LambdaDecay is the multiplier applied to lambda on accepted steps
		LambdaDecay float64 `yaml:"lambdaDecay"`

		// Precision is the relative cost-decrease convergence threshold
		Precision float64 `yaml:"precision"`

		// ResidualFloor declares convergence when the cost drops below it
		ResidualFloor float64 `yaml:"residualFloor"`

		// MaxIterations caps iterations per level, index 0 being the finest
		MaxIterations []int `yaml:"maxIterations"`

		// Estimator selects the robust weighting: none, huber or tdist
		Estimator string `yaml:"estimator"`

		// HuberDelta is the Huber threshold in intensity units
		HuberDelta float64 `yaml:"huberDelta"`

		// TDistDOF is the Student's t-distribution degrees of freedom
		TDistDOF float64 `yaml:"tdistDof"`

		// Strategy selects the residual builder: naive or fast
		Strategy string `yaml:"strategy"`

		// Workers is the goroutine count for the naive builder
		Workers int `yaml:"workers"`
	} `yaml:"solver"`

	// Dataset parameters
	Dataset struct {
		// MaxFrames limits how many frames are loaded; 0 loads all
		MaxFrames int `yaml:"maxFrames"`

		// TrajectoryOut is where the estimated trajectory is written
		TrajectoryOut string `yaml:"trajectoryOut"`

		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`
	} `yaml:"dataset"`
}

// DefaultConfig returns a configuration with default values. The camera
// defaults are the factory intrinsics of the Freiburg 3 sequences.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Camera = camera.Intrinsics{Fx: 535.4, Fy: 539.2, Cx: 320.1, Cy: 247.6}
	cfg.Pyramid.Levels = 4

	opts := optimizer.DefaultOptions()
	cfg.Solver.Lambda = opts.Lambda
	cfg.Solver.LambdaDecay = opts.LambdaDecay
	cfg.Solver.Precision = opts.Precision
	cfg.Solver.ResidualFloor = opts.ResidualFloor
	cfg.Solver.MaxIterations = opts.MaxIterations
	cfg.Solver.Estimator = string(opts.Estimator)
	cfg.Solver.HuberDelta = opts.HuberDelta
	cfg.Solver.TDistDOF = opts.TDistDOF
	cfg.Solver.Strategy = string(opts.Strategy)
	cfg.Solver.Workers = runtime.NumCPU()

	cfg.Dataset.MaxFrames = 0
	cfg.Dataset.TrajectoryOut = "trajectory_estimate.txt"
	cfg.Dataset.Verbose = true

	return cfg
}

// SolverOptions converts the solver section into optimizer options.
// Validation happens when the optimizer is constructed.
func (c *Config) SolverOptions() optimizer.Options {
	return optimizer.Options{
		Lambda:        c.Solver.Lambda,
		LambdaDecay:   c.Solver.LambdaDecay,
		Precision:     c.Solver.Precision,
		ResidualFloor: c.Solver.ResidualFloor,
		MaxIterations: c.Solver.MaxIterations,
		Estimator:     optimizer.Estimator(c.Solver.Estimator),
		HuberDelta:    c.Solver.HuberDelta,
		TDistDOF:      c.Solver.TDistDOF,
		Strategy:      optimizer.Strategy(c.Solver.Strategy),
		Workers:       c.Solver.Workers,
	}
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	// Read config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	// Parse YAML
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	// Marshal config to YAML
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	// Write to file
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
