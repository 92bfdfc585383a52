// Package config loads the kbreader YAML configuration
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/cnclabs/kbreader/pkg/logging"
	"github.com/cnclabs/kbreader/pkg/reader"
	"github.com/cnclabs/kbreader/pkg/train"
)

// Config is the whole configuration file
type Config struct {
	Model      ModelConfig      `yaml:"model"`
	Training   TrainingConfig   `yaml:"training"`
	Embeddings EmbeddingsConfig `yaml:"embeddings"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Logging    logging.Config   `yaml:"logging"`
}

// ModelConfig sizes the embedding table
type ModelConfig struct {
	ReprDim   int     `yaml:"repr_dim"`
	InitScale float64 `yaml:"init_scale"`
}

// TrainingConfig controls the training loop
type TrainingConfig struct {
	BatchSize    int       `yaml:"batch_size"`
	MaxEpochs    int       `yaml:"max_epochs"`
	Optimizer    string    `yaml:"optimizer"`
	LearningRate float64   `yaml:"learning_rate"`
	L2           float64   `yaml:"l2"`
	ClipValue    []float64 `yaml:"clip_value,omitempty"` // [min, max]
	ClipNorm     float64   `yaml:"clip_norm,omitempty"`
	Seed         int64     `yaml:"seed"` // 0 seeds from the clock
	LogEvery     int       `yaml:"log_every"`
}

// EmbeddingsConfig points at optional pre-trained vectors
type EmbeddingsConfig struct {
	Path   string `yaml:"path"`
	Format string `yaml:"format"`
}

// CheckpointConfig enables badger checkpoints when Dir is set
type CheckpointConfig struct {
	Dir   string `yaml:"dir"`
	Every int    `yaml:"every"`
}

// MetricsConfig enables the Prometheus training metrics
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// DefaultConfig returns the configuration used when no file is given
func DefaultConfig() Config {
	return Config{
		Model: ModelConfig{
			ReprDim:   50,
			InitScale: 0.1,
		},
		Training: TrainingConfig{
			BatchSize:    32,
			MaxEpochs:    reader.DefaultMaxEpochs,
			Optimizer:    "adam",
			LearningRate: 0.01,
			LogEvery:     100,
		},
		Embeddings: EmbeddingsConfig{
			Format: "glove",
		},
		Checkpoint: CheckpointConfig{
			Every: 1,
		},
		Metrics: MetricsConfig{
			Addr: ":9090",
		},
		Logging: logging.DefaultConfig(),
	}
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks ranges and mutually exclusive settings
func (c Config) Validate() error {
	var errs []error
	if c.Model.ReprDim <= 0 {
		errs = append(errs, fmt.Errorf("model.repr_dim must be positive, got %d", c.Model.ReprDim))
	}
	if c.Model.InitScale < 0 {
		errs = append(errs, fmt.Errorf("model.init_scale must not be negative, got %g", c.Model.InitScale))
	}
	t := c.Training
	if t.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("training.batch_size must be positive, got %d", t.BatchSize))
	}
	if t.MaxEpochs < 0 {
		errs = append(errs, fmt.Errorf("training.max_epochs must not be negative, got %d", t.MaxEpochs))
	}
	if t.LearningRate <= 0 {
		errs = append(errs, fmt.Errorf("training.learning_rate must be positive, got %g", t.LearningRate))
	}
	switch strings.ToLower(t.Optimizer) {
	case "sgd", "adagrad", "adam":
	default:
		errs = append(errs, fmt.Errorf("training.optimizer %q is not one of sgd, adagrad, adam", t.Optimizer))
	}
	if t.L2 < 0 {
		errs = append(errs, fmt.Errorf("training.l2 must not be negative, got %g", t.L2))
	}
	if _, err := c.Clipper(); err != nil {
		errs = append(errs, err)
	}
	if c.Checkpoint.Dir != "" && c.Checkpoint.Every <= 0 {
		errs = append(errs, fmt.Errorf("checkpoint.every must be positive, got %d", c.Checkpoint.Every))
	}
	return errors.Join(errs...)
}

// Clipper returns the configured gradient clipper, nil when clipping is
// off
func (c Config) Clipper() (train.Clipper, error) {
	t := c.Training
	if len(t.ClipValue) > 0 && t.ClipNorm > 0 {
		return nil, fmt.Errorf("training.clip_value and training.clip_norm are mutually exclusive")
	}
	if len(t.ClipValue) > 0 {
		if len(t.ClipValue) != 2 || t.ClipValue[0] > t.ClipValue[1] {
			return nil, fmt.Errorf("training.clip_value must be [min, max], got %v", t.ClipValue)
		}
		return train.ClipByValue{Min: t.ClipValue[0], Max: t.ClipValue[1]}, nil
	}
	if t.ClipNorm < 0 {
		return nil, fmt.Errorf("training.clip_norm must not be negative, got %g", t.ClipNorm)
	}
	if t.ClipNorm > 0 {
		return train.ClipByNorm{Norm: t.ClipNorm}, nil
	}
	return nil, nil
}

// Shared returns the hyperparameters every reader module sees
func (c Config) Shared() reader.ModelConfig {
	return reader.ModelConfig{
		BatchSize: c.Training.BatchSize,
		ReprDim:   c.Model.ReprDim,
		InitScale: c.Model.InitScale,
	}
}
