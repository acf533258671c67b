// Package train drives barrier-synchronized distributed training: every
// epoch each worker trains on its shard against the same model snapshot, the
// orchestrator reduces the returned deltas into a new synchronized version,
// and no worker starts the next epoch until every live worker holds it.
package train

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/workshop7/distfit/config"
	"github.com/workshop7/distfit/dataset"
	"github.com/workshop7/distfit/learner"
	"github.com/workshop7/distfit/pool"
)

// RunState is the loop's coarse state, visible for diagnostics.
type RunState string

const (
	StateIdle          RunState = "idle"
	StateInitializing  RunState = "initializing"
	StateDispatching   RunState = "dispatching"
	StateSynchronizing RunState = "synchronizing"
	StateFinalized     RunState = "finalized"
	StateFailed        RunState = "failed"
)

// InitializationError reports workers that rejected the initial broadcast.
type InitializationError struct {
	Workers []int
}

func (e *InitializationError) Error() string {
	return fmt.Sprintf("train: %d worker(s) rejected initialization: %v", len(e.Workers), e.Workers)
}

// AbortedError reports a run aborted after the per-epoch retry failed. It
// names the epoch and workers so the failing partition can be diagnosed.
type AbortedError struct {
	Epoch   int
	Workers []int
}

func (e *AbortedError) Error() string {
	return fmt.Sprintf("train: aborted at epoch %d, workers %v failed after retry", e.Epoch, e.Workers)
}

// Loop runs synchronized epochs over a started pool.
type Loop struct {
	pool   *pool.Pool
	cfg    config.Config
	logger *zap.Logger
	runID  string
	state  RunState
}

// New builds a loop over a started pool.
func New(p *pool.Pool, cfg config.Config, logger *zap.Logger) *Loop {
	if logger == nil {
		logger = zap.NewNop()
	}
	runID := uuid.NewString()
	return &Loop{
		pool:   p,
		cfg:    cfg,
		logger: logger.With(zap.String("run_id", runID)),
		runID:  runID,
		state:  StateIdle,
	}
}

// State returns the loop's current state.
func (l *Loop) State() RunState { return l.state }

// Run trains for up to MaxEpochs synchronized epochs, appending one entry
// per completed epoch to hist, and returns the final synchronized snapshot.
// A worker failure fails the whole epoch's first attempt for that worker
// only; the epoch is retried once against repaired workers before the run
// aborts. hist never receives a partial epoch.
func (l *Loop) Run(ctx context.Context, shards []dataset.Shard, snap learner.Snapshot, hist *History) (learner.Snapshot, error) {
	l.state = StateInitializing
	if err := l.initialize(ctx, snap); err != nil {
		l.state = StateFailed
		return snap, err
	}

	best := math.Inf(1)
	sinceImproved := 0

	for epoch := 0; epoch < l.cfg.MaxEpochs; epoch++ {
		// Cancellation is honored between units of work, never mid-dispatch.
		if err := ctx.Err(); err != nil {
			l.state = StateFailed
			return snap, errors.Wrap(err, "train: run cancelled")
		}

		started := time.Now()

		l.state = StateDispatching
		results, err := l.trainEpoch(ctx, epoch, shards, snap)
		if err != nil {
			l.state = StateFailed
			return snap, err
		}

		l.state = StateSynchronizing
		next, err := reduce(snap, results)
		if err != nil {
			l.state = StateFailed
			return snap, err
		}
		if err := l.synchronize(ctx, epoch, next); err != nil {
			l.state = StateFailed
			return snap, err
		}
		snap = next

		loss, perWorker := epochMetrics(results)
		hist.Append(EpochState{
			Epoch:        epoch,
			ModelVersion: snap.Version,
			Loss:         loss,
			Duration:     time.Since(started),
			PerWorker:    perWorker,
		})
		l.logger.Info("epoch synchronized",
			zap.Int("epoch", epoch),
			zap.Int("model_version", snap.Version),
			zap.Float64("loss", loss))

		if l.cfg.Patience > 0 {
			if loss < best {
				best = loss
				sinceImproved = 0
			} else {
				sinceImproved++
				if sinceImproved >= l.cfg.Patience {
					l.logger.Info("early stop",
						zap.Int("epoch", epoch), zap.Int("patience", l.cfg.Patience))
					break
				}
			}
		}
	}

	l.state = StateFinalized
	return snap, nil
}

// initialize broadcasts the initial model state and run configuration.
func (l *Loop) initialize(ctx context.Context, snap learner.Snapshot) error {
	_, failures := l.pool.Broadcast(ctx, l.initTask(snap))
	if len(failures) > 0 {
		return &InitializationError{Workers: sortedKeys(failures)}
	}
	return nil
}

func (l *Loop) initTask(snap learner.Snapshot) pool.Task {
	return pool.Task{
		Kind:               pool.TaskInit,
		Snapshot:           snap,
		Learner:            l.cfg.Learner,
		BatchSize:          l.cfg.BatchSize,
		Hyperparams:        l.cfg.LearnerParams(),
		ValidationFraction: l.cfg.ValidationFraction,
	}
}

// trainEpoch dispatches one epoch to every shard's worker and returns the
// complete per-worker results, retrying failed workers once after repair.
func (l *Loop) trainEpoch(ctx context.Context, epoch int, shards []dataset.Shard, snap learner.Snapshot) (map[int]pool.Result, error) {
	tasks := map[int]pool.Task{}
	for i := range shards {
		tasks[shards[i].WorkerID] = pool.Task{
			Kind:     pool.TaskTrain,
			Epoch:    epoch,
			Snapshot: snap,
			Shard:    &shards[i],
		}
	}

	results, failures := l.pool.Dispatch(ctx, tasks)
	if len(failures) == 0 {
		return results, nil
	}

	// One retry: repair the failed slots and re-dispatch only those. The
	// first attempt's successful deltas stay valid, they were computed from
	// the same snapshot.
	failed := sortedKeys(failures)
	l.logger.Warn("epoch dispatch failed, retrying once",
		zap.Int("epoch", epoch), zap.Ints("workers", failed))

	if err := l.repairAndInit(ctx, failed, snap); err != nil {
		return nil, l.abort(epoch, failed, err)
	}

	retry := map[int]pool.Task{}
	for _, id := range failed {
		retry[id] = tasks[id]
	}
	retried, retryFailures := l.pool.Dispatch(ctx, retry)
	if len(retryFailures) > 0 {
		return nil, l.abort(epoch, sortedKeys(retryFailures), nil)
	}
	for id, res := range retried {
		results[id] = res
	}
	return results, nil
}

// synchronize broadcasts the freshly reduced snapshot; this is the barrier.
// Every live worker must hold the new version before the next epoch may be
// dispatched.
func (l *Loop) synchronize(ctx context.Context, epoch int, next learner.Snapshot) error {
	_, failures := l.pool.Broadcast(ctx, pool.Task{Kind: pool.TaskSync, Epoch: epoch, Snapshot: next})
	if len(failures) == 0 {
		return nil
	}

	failed := sortedKeys(failures)
	l.logger.Warn("synchronization failed, retrying once",
		zap.Int("epoch", epoch), zap.Ints("workers", failed))

	// A repaired worker re-enters with a fresh executor, so it is brought to
	// the new version through init rather than sync.
	if err := l.repairAndInit(ctx, failed, next); err != nil {
		return l.abort(epoch, failed, err)
	}
	return nil
}

// repairAndInit replaces failed workers and re-broadcasts configuration and
// the given snapshot to the replacements.
func (l *Loop) repairAndInit(ctx context.Context, ids []int, snap learner.Snapshot) error {
	if err := l.pool.Repair(ctx, ids); err != nil {
		return err
	}
	tasks := map[int]pool.Task{}
	for _, id := range ids {
		tasks[id] = l.initTask(snap)
	}
	_, failures := l.pool.Dispatch(ctx, tasks)
	if len(failures) > 0 {
		return errors.Errorf("train: reinitializing repaired workers %v failed", sortedKeys(failures))
	}
	return nil
}

func (l *Loop) abort(epoch int, workers []int, cause error) error {
	err := &AbortedError{Epoch: epoch, Workers: workers}
	l.logger.Error("training aborted",
		zap.Int("epoch", epoch), zap.Ints("workers", workers), zap.Error(cause))
	if cause != nil {
		return errors.Wrap(err, cause.Error())
	}
	return err
}

// reduce combines the per-worker deltas into the next synchronized snapshot
// using an arithmetic mean weighted by trained row count, so uneven shards
// do not bias the result.
func reduce(snap learner.Snapshot, results map[int]pool.Result) (learner.Snapshot, error) {
	var totalRows int
	for _, res := range results {
		totalRows += res.Rows
	}
	if totalRows == 0 {
		return learner.Snapshot{}, errors.New("train: no rows trained this epoch")
	}

	next := snap.Clone()
	next.Version++
	for id, res := range results {
		if len(res.Delta.Params) != len(next.Params) {
			return learner.Snapshot{}, errors.Errorf(
				"train: worker %d delta has %d parameters, model has %d",
				id, len(res.Delta.Params), len(next.Params))
		}
		w := float64(res.Rows) / float64(totalRows)
		for j, v := range res.Delta.Params {
			next.Params[j] += w * v
		}
	}
	return next, nil
}

// epochMetrics folds the per-worker metrics into the epoch loss (weighted by
// trained rows) and the raw per-worker records.
func epochMetrics(results map[int]pool.Result) (float64, map[int]learner.Metrics) {
	var (
		totalRows int
		lossSum   float64
	)
	perWorker := make(map[int]learner.Metrics, len(results))
	for id, res := range results {
		perWorker[id] = res.Metrics
		lossSum += res.Metrics["loss"] * float64(res.Rows)
		totalRows += res.Rows
	}
	if totalRows == 0 {
		return math.NaN(), perWorker
	}
	return lossSum / float64(totalRows), perWorker
}

func sortedKeys(m map[int]error) []int {
	ids := make([]int, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}
