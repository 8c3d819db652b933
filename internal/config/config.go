// Package config loads faceverify settings from defaults, an optional YAML
// file and the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"

	"github.com/andresmejia3/faceverify/internal/types"
)

// DefaultDatabaseURL is used when neither a flag, the config file nor the
// POSTGRES_* environment names a database.
const DefaultDatabaseURL = "postgres://localhost:5432/faceverify"

// Dataset controls pairing and batching.
type Dataset struct {
	MaxPerPool    int     `yaml:"max-per-pool"`
	ShuffleBuffer int     `yaml:"shuffle-buffer"`
	TrainFraction float64 `yaml:"train-fraction"`
	BatchSize     int     `yaml:"batch-size"`
	Prefetch      int     `yaml:"prefetch"`
	Workers       int     `yaml:"workers"`
	Strict        bool    `yaml:"strict"`
	Seed          int64   `yaml:"seed"` // Zero draws a clock seed, recorded with the run.
}

// Train controls the optimisation run.
type Train struct {
	Epochs          int     `yaml:"epochs"`
	LearningRate    float64 `yaml:"learning-rate"`
	CheckpointEvery int     `yaml:"checkpoint-every"`
	CheckpointDir   string  `yaml:"checkpoint-dir"`
	ModelPath       string  `yaml:"model-path"`
	Seed            int64   `yaml:"seed"`
}

// Augment controls pool expansion.
type Augment struct {
	Count      int   `yaml:"count"`
	Cumulative bool  `yaml:"cumulative"`
	Seed       int64 `yaml:"seed"`
}

// Verify holds the decision thresholds and gallery location.
type Verify struct {
	DetectionThreshold    float64 `yaml:"detection-threshold"`
	VerificationThreshold float64 `yaml:"verification-threshold"`
	GalleryDir            string  `yaml:"gallery-dir"`
	InputPath             string  `yaml:"input-path"`
	Audit                 bool    `yaml:"audit"`
}

// Capture describes the camera used by collect and verify.
type Capture struct {
	Device    string `yaml:"device"`
	Format    string `yaml:"format"`
	FrameRate int    `yaml:"frame-rate"`
	Crop      int    `yaml:"crop"`
}

// Config is the complete application configuration.
type Config struct {
	DataDir  string  `yaml:"data-dir"`
	DB       string  `yaml:"db"`
	LogLevel string  `yaml:"log-level"`
	Identity string  `yaml:"identity"`
	Dataset  Dataset `yaml:"dataset"`
	Train    Train   `yaml:"train"`
	Augment  Augment `yaml:"augment"`
	Verify   Verify  `yaml:"verify"`
	Capture  Capture `yaml:"capture"`
}

// Default returns the reference settings.
func Default() Config {
	return Config{
		DataDir:  "data",
		LogLevel: "info",
		Dataset: Dataset{
			MaxPerPool:    3000,
			ShuffleBuffer: 10000,
			TrainFraction: 0.7,
			BatchSize:     16,
			Prefetch:      8,
			Strict:        true,
			Seed:          1,
		},
		Train: Train{
			Epochs:          50,
			LearningRate:    1e-4,
			CheckpointEvery: 10,
			CheckpointDir:   "training_checkpoints",
			ModelPath:       "siamesemodel.bin",
			Seed:            1,
		},
		Augment: Augment{Count: 9},
		Verify: Verify{
			DetectionThreshold:    0.7,
			VerificationThreshold: 0.7,
			GalleryDir:            filepath.Join("application_data", "verification_images"),
			InputPath:             filepath.Join("application_data", "input_image", "input_image.jpg"),
		},
		Capture: Capture{
			Device: "/dev/video0",
			Format: "v4l2",
			Crop:   250,
		},
	}
}

// Load reads .env if present, then path if given, then environment
// overrides.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if v := os.Getenv("FACEVERIFY_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("FACEVERIFY_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	return cfg, nil
}

// DatabaseURL returns the configured connection string, falling back to the
// POSTGRES_* environment and then DefaultDatabaseURL.
func (c Config) DatabaseURL() string {
	if c.DB != "" {
		return c.DB
	}
	if host := os.Getenv("POSTGRES_HOST"); host != "" {
		user := os.Getenv("POSTGRES_USER")
		pass := os.Getenv("POSTGRES_PASSWORD")
		name := os.Getenv("POSTGRES_DB")
		port := os.Getenv("POSTGRES_PORT")
		if port == "" {
			port = "5432"
		}
		return fmt.Sprintf("postgres://%s:%s@%s:%s/%s", user, pass, host, port, name)
	}
	return DefaultDatabaseURL
}

// PoolDir returns the directory holding the named sample pool.
func (c Config) PoolDir(name types.PoolName) string {
	return filepath.Join(c.DataDir, string(name))
}

// Validate checks value ranges.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.DataDir != "", "data-dir must be set")
	check(c.Dataset.MaxPerPool >= 0, "dataset.max-per-pool must not be negative")
	check(c.Dataset.ShuffleBuffer >= 0, "dataset.shuffle-buffer must not be negative")
	check(c.Dataset.TrainFraction > 0 && c.Dataset.TrainFraction <= 1, "dataset.train-fraction must be in (0,1], got %v", c.Dataset.TrainFraction)
	check(c.Dataset.BatchSize > 0, "dataset.batch-size must be positive")
	check(c.Dataset.Prefetch >= 0, "dataset.prefetch must not be negative")
	check(c.Train.Epochs > 0, "train.epochs must be positive")
	check(c.Train.LearningRate > 0, "train.learning-rate must be positive")
	check(c.Train.CheckpointEvery >= 0, "train.checkpoint-every must not be negative")
	check(c.Augment.Count >= 0, "augment.count must not be negative")
	check(inUnit(c.Verify.DetectionThreshold), "verify.detection-threshold: %w", types.ErrInvalidThreshold)
	check(inUnit(c.Verify.VerificationThreshold), "verify.verification-threshold: %w", types.ErrInvalidThreshold)

	return errors.Join(errs...)
}

func inUnit(v float64) bool {
	return v > 0 && v < 1
}
