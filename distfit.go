// Package distfit trains and serves simple models across a pool of workers.
// An Estimator shards the caller's dataset, drives the synchronized training
// loop over a worker runtime, and reassembles distributed inference output in
// input order.
package distfit

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/workshop7/distfit/config"
	"github.com/workshop7/distfit/dataset"
	"github.com/workshop7/distfit/learner"
	"github.com/workshop7/distfit/pool"
	"github.com/workshop7/distfit/predict"
	"github.com/workshop7/distfit/train"
)

// ErrNotFitted is returned by Predict before any successful Fit or
// PartialFit.
var ErrNotFitted = errors.New("distfit: estimator is not fitted")

// Estimator is the user-facing fit/predict handle. It owns no workers
// between calls: each Fit, PartialFit, and Predict starts a pool over the
// configured runtime and shuts it down before returning.
type Estimator struct {
	cfg    config.Config
	rt     pool.Runtime
	logger *zap.Logger

	snap    learner.Snapshot
	fitted  bool
	history *train.History
}

// New builds an estimator over a worker runtime. cfg is defaulted and
// validated here so a misconfiguration fails before any worker spawns.
func New(cfg config.Config, rt pool.Runtime, logger *zap.Logger) (*Estimator, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if rt == nil {
		return nil, errors.New("distfit: runtime must not be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Estimator{
		cfg:     cfg,
		rt:      rt,
		logger:  logger,
		history: &train.History{},
	}, nil
}

// Fit discards any previous model state and trains from a fresh snapshot.
func (e *Estimator) Fit(ctx context.Context, in dataset.Input) error {
	e.fitted = false
	e.snap = learner.Snapshot{}
	e.history = &train.History{}
	return e.PartialFit(ctx, in)
}

// PartialFit trains starting from the current snapshot when one exists,
// so successive calls refine the same model. The first call behaves like
// Fit.
func (e *Estimator) PartialFit(ctx context.Context, in dataset.Input) error {
	shards, err := dataset.Partition(in, e.cfg.NumWorkers)
	if err != nil {
		return err
	}

	snap := e.snap
	if !e.fitted {
		learn, err := learner.New(e.cfg.Learner)
		if err != nil {
			return err
		}
		snap, err = learn.Init(shards[0].NumFeatures(), e.cfg.LearnerParams())
		if err != nil {
			return errors.Wrap(err, "distfit: learner init failed")
		}
	}

	p := pool.New(e.rt, e.poolOptions(len(shards)))
	if err := p.Start(ctx); err != nil {
		return err
	}
	defer p.Shutdown()

	final, err := train.New(p, e.cfg, e.logger).Run(ctx, shards, snap, e.history)
	if err != nil {
		return err
	}
	e.snap = final
	e.fitted = true
	return nil
}

// Predict runs distributed inference over in and returns one prediction
// vector per input row, in input order, as a partitioned dataset whose
// parts follow the dispatch shard boundaries.
func (e *Estimator) Predict(ctx context.Context, in dataset.Input) (*dataset.Partitioned, error) {
	if !e.fitted {
		return nil, ErrNotFitted
	}

	shards, err := dataset.Partition(in, e.cfg.NumWorkers)
	if err != nil {
		return nil, err
	}

	p := pool.New(e.rt, e.poolOptions(len(shards)))
	if err := p.Start(ctx); err != nil {
		return nil, err
	}
	defer p.Shutdown()

	initTask := pool.Task{
		Kind:               pool.TaskInit,
		Snapshot:           e.snap,
		Learner:            e.cfg.Learner,
		BatchSize:          e.cfg.BatchSize,
		Hyperparams:        e.cfg.LearnerParams(),
		ValidationFraction: e.cfg.ValidationFraction,
	}
	if _, failures := p.Broadcast(ctx, initTask); len(failures) > 0 {
		return nil, errors.Errorf("distfit: %d worker(s) failed to initialize for inference", len(failures))
	}

	rows, err := predict.New(p, e.logger).Predict(ctx, shards, e.snap)
	if err != nil {
		return nil, err
	}
	return partitionedOutput(rows, shards)
}

// History returns per-epoch training records accumulated across Fit and
// PartialFit calls.
func (e *Estimator) History() *train.History { return e.history }

// Snapshot returns the current model snapshot. The second return reports
// whether the estimator has been fitted.
func (e *Estimator) Snapshot() (learner.Snapshot, bool) {
	if !e.fitted {
		return learner.Snapshot{}, false
	}
	return e.snap.Clone(), true
}

func (e *Estimator) poolOptions(size int) pool.Options {
	return pool.Options{
		Size:              size,
		StartupTimeout:    e.cfg.StartupTimeout,
		WorkerTimeout:     e.cfg.WorkerTimeout,
		HeartbeatInterval: e.cfg.HeartbeatInterval,
		Logger:            e.logger,
	}
}

// partitionedOutput wraps the flat ordered predictions in the partitioned
// abstraction, with one part per dispatch shard.
func partitionedOutput(rows [][]float64, shards []dataset.Shard) (*dataset.Partitioned, error) {
	width := 0
	if len(rows) > 0 {
		width = len(rows[0])
	}
	columns := make([]string, width)
	for i := range columns {
		columns[i] = fmt.Sprintf("p%d", i)
	}

	parts := make([][][]float64, len(shards))
	offset := 0
	for i, s := range shards {
		parts[i] = rows[offset : offset+s.Rows()]
		offset += s.Rows()
	}
	return dataset.NewPartitioned(columns, parts)
}
