// Package worker implements the worker-local side of a training run: it
// holds the worker's copy of the model, runs an epoch of batch steps over
// the worker's shard, and answers inference requests. The same executor
// backs both the in-process runtime and the remote HTTP worker.
package worker

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/workshop7/distfit/dataset"
	"github.com/workshop7/distfit/learner"
)

// Executor runs units of work against a worker-local model copy.
type Executor struct {
	learn  learner.Learner
	logger *zap.Logger

	snap        learner.Snapshot
	batchSize   int
	valFraction float64
	initialized bool
}

// NewExecutor builds an executor around a learner. A nil logger disables
// logging.
func NewExecutor(l learner.Learner, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{learn: l, logger: logger}
}

// Init installs the broadcast initial model state and run configuration.
func (e *Executor) Init(snap learner.Snapshot, batchSize int, valFraction float64) error {
	if len(snap.Params) == 0 {
		return errors.New("worker: initial snapshot has no parameters")
	}
	if batchSize < -1 || batchSize == 0 {
		return errors.Errorf("worker: invalid batch size %d", batchSize)
	}
	if valFraction < 0 || valFraction >= 1 {
		return errors.Errorf("worker: invalid validation fraction %g", valFraction)
	}
	e.snap = snap.Clone()
	e.batchSize = batchSize
	e.valFraction = valFraction
	e.initialized = true
	e.logger.Debug("worker initialized",
		zap.Int("model_version", snap.Version),
		zap.Int("batch_size", batchSize))
	return nil
}

// Sync replaces the worker's model copy with a newer synchronized snapshot.
// A version that does not advance indicates a barrier violation upstream.
func (e *Executor) Sync(snap learner.Snapshot) error {
	if !e.initialized {
		return errors.New("worker: sync before init")
	}
	if snap.Version <= e.snap.Version {
		return errors.Errorf("worker: sync with stale model version %d, have %d",
			snap.Version, e.snap.Version)
	}
	e.snap = snap.Clone()
	return nil
}

// TrainEpoch runs one epoch of local batch iterations over the shard against
// the dispatched snapshot and returns the accumulated parameter delta, the
// number of rows it was trained on, and the epoch metrics.
func (e *Executor) TrainEpoch(shard dataset.Shard, snap learner.Snapshot) (learner.Delta, int, learner.Metrics, error) {
	if !e.initialized {
		return learner.Delta{}, 0, nil, errors.New("worker: train before init")
	}
	if snap.Version != e.snap.Version {
		return learner.Delta{}, 0, nil, errors.Errorf(
			"worker: dispatched model version %d does not match synchronized version %d",
			snap.Version, e.snap.Version)
	}
	if shard.Rows() == 0 {
		return learner.Delta{}, 0, nil, errors.New("worker: empty shard")
	}

	trainRows := shard.Rows()
	holdout := int(e.valFraction * float64(trainRows))
	if holdout >= trainRows {
		holdout = trainRows - 1
	}
	trainRows -= holdout

	local := snap.Clone()
	var lossSum float64
	for _, batch := range batches(shard, 0, trainRows, e.batchSize) {
		delta, metrics, err := e.learn.TrainBatch(local, batch)
		if err != nil {
			return learner.Delta{}, 0, nil, err
		}
		if len(delta.Params) != len(local.Params) {
			return learner.Delta{}, 0, nil, errors.Errorf(
				"worker: learner delta has %d parameters, model has %d",
				len(delta.Params), len(local.Params))
		}
		for j, v := range delta.Params {
			local.Params[j] += v
		}
		lossSum += metrics["loss"] * float64(batch.Rows())
	}

	trainLoss := lossSum / float64(trainRows)
	metrics := learner.Metrics{"train_loss": trainLoss, "loss": trainLoss}

	if holdout > 0 {
		valBatch := batches(shard, trainRows, shard.Rows(), -1)[0]
		// Loss on the holdout without applying the step.
		_, valMetrics, err := e.learn.TrainBatch(local, valBatch)
		if err != nil {
			return learner.Delta{}, 0, nil, err
		}
		metrics["loss"] = valMetrics["loss"]
	}

	delta := learner.Delta{Params: make([]float64, len(local.Params))}
	for j := range local.Params {
		delta.Params[j] = local.Params[j] - snap.Params[j]
	}
	return delta, trainRows, metrics, nil
}

// Infer computes predictions for the shard, aligned with shard.Indices.
func (e *Executor) Infer(shard dataset.Shard, snap learner.Snapshot) ([][]float64, error) {
	if shard.Rows() == 0 {
		return nil, errors.New("worker: empty shard")
	}
	out := make([][]float64, 0, shard.Rows())
	batchSize := e.batchSize
	if batchSize == 0 {
		batchSize = -1
	}
	for _, batch := range batches(shard, 0, shard.Rows(), batchSize) {
		preds, err := e.learn.InferBatch(snap, batch)
		if err != nil {
			return nil, err
		}
		if len(preds) != batch.Rows() {
			return nil, errors.Errorf("worker: learner returned %d predictions for %d rows",
				len(preds), batch.Rows())
		}
		out = append(out, preds...)
	}
	return out, nil
}

// Reset discards the worker-local model state.
func (e *Executor) Reset() {
	e.snap = learner.Snapshot{}
	e.initialized = false
}

// Version returns the worker's synchronized model version.
func (e *Executor) Version() int { return e.snap.Version }

// Initialized reports whether the worker holds a model copy.
func (e *Executor) Initialized() bool { return e.initialized }

// batches splits shard rows [start, end) into batches of at most size rows.
// size -1 yields a single batch.
func batches(shard dataset.Shard, start, end, size int) []learner.Batch {
	if size == -1 || size > end-start {
		size = end - start
	}
	var out []learner.Batch
	for b := start; b < end; b += size {
		top := b + size
		if top > end {
			top = end
		}
		batch := learner.Batch{
			Indices:  shard.Indices[b:top],
			Features: shard.Features[b:top],
		}
		if shard.Labels != nil {
			batch.Labels = shard.Labels[b:top]
		}
		out = append(out, batch)
	}
	return out
}
