// Package config holds the user-facing options for a distributed training run.
package config

import (
	"time"

	"github.com/pkg/errors"
)

// Defaults applied by WithDefaults for fields left at their zero value.
const (
	DefaultMaxEpochs         = 10
	DefaultBatchSize         = 128
	DefaultLearningRate      = 0.01
	DefaultLearner           = "linear"
	DefaultWorkerTimeout     = 30 * time.Second
	DefaultStartupTimeout    = 30 * time.Second
	DefaultHeartbeatInterval = 10 * time.Second
)

// Config describes one training/inference run. NumWorkers is mandatory;
// everything else has a usable default.
type Config struct {
	// NumWorkers is the number of pool slots the run uses. Must be >= 1.
	NumWorkers int

	// MaxEpochs bounds the synchronized training loop.
	MaxEpochs int

	// BatchSize is the worker-local batch size. -1 means one batch per shard.
	BatchSize int

	// Learner names the learner implementation workers should run.
	Learner string

	// LearningRate and Hyperparams are passed through to the learner untouched.
	LearningRate float64
	Hyperparams  map[string]float64

	// Patience is the number of epochs without loss improvement tolerated
	// before the loop stops early. 0 disables early stopping.
	Patience int

	// ValidationFraction reserves a trailing fraction of every shard for
	// loss evaluation instead of training. 0 disables the holdout.
	ValidationFraction float64

	// WorkerTimeout bounds every per-worker wait: a worker silent past it is
	// marked failed. StartupTimeout bounds the wait for the pool to become
	// ready. HeartbeatInterval is the health-poll period.
	WorkerTimeout     time.Duration
	StartupTimeout    time.Duration
	HeartbeatInterval time.Duration
}

// WithDefaults returns a copy with zero-valued optional fields filled in.
func (c Config) WithDefaults() Config {
	if c.MaxEpochs == 0 {
		c.MaxEpochs = DefaultMaxEpochs
	}
	if c.BatchSize == 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.Learner == "" {
		c.Learner = DefaultLearner
	}
	if c.LearningRate == 0 {
		c.LearningRate = DefaultLearningRate
	}
	if c.WorkerTimeout == 0 {
		c.WorkerTimeout = DefaultWorkerTimeout
	}
	if c.StartupTimeout == 0 {
		c.StartupTimeout = DefaultStartupTimeout
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	return c
}

// Validate reports the first unusable option.
func (c Config) Validate() error {
	if c.NumWorkers < 1 {
		return errors.Errorf("config: NumWorkers must be >= 1, got %d", c.NumWorkers)
	}
	if c.MaxEpochs < 0 {
		return errors.Errorf("config: MaxEpochs must not be negative, got %d", c.MaxEpochs)
	}
	if c.BatchSize < -1 || c.BatchSize == 0 {
		return errors.Errorf("config: BatchSize must be positive or -1, got %d", c.BatchSize)
	}
	if c.Patience < 0 {
		return errors.Errorf("config: Patience must not be negative, got %d", c.Patience)
	}
	if c.ValidationFraction < 0 || c.ValidationFraction >= 1 {
		return errors.Errorf("config: ValidationFraction must be in [0, 1), got %g", c.ValidationFraction)
	}
	return nil
}

// LearnerParams merges LearningRate into the opaque hyperparameter map sent
// to workers.
func (c Config) LearnerParams() map[string]float64 {
	params := make(map[string]float64, len(c.Hyperparams)+1)
	for k, v := range c.Hyperparams {
		params[k] = v
	}
	if _, ok := params["lr"]; !ok {
		params["lr"] = c.LearningRate
	}
	return params
}
