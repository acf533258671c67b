// Package predict dispatches inference over sharded input and reassembles
// the per-worker fragments into one output whose row order matches the
// caller's input, whatever order workers complete in.
package predict

import (
	"context"
	"fmt"
	"sort"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/workshop7/distfit/dataset"
	"github.com/workshop7/distfit/learner"
	"github.com/workshop7/distfit/pool"
)

// Fragment is one worker's inference output for its shard, keyed by global
// row indices. It is consumed exactly once during reassembly.
type Fragment struct {
	Indices     []int
	Predictions [][]float64
}

// IncompleteAggregationError reports global rows no fragment covered after
// every worker reported. It indicates an internal sharding or dispatch bug.
type IncompleteAggregationError struct {
	Missing []int
}

func (e *IncompleteAggregationError) Error() string {
	return fmt.Sprintf("predict: %d row(s) missing from all fragments: %v", len(e.Missing), e.Missing)
}

// DuplicateIndexError reports a global row covered by more than one
// fragment. It indicates an internal sharding bug and is not recoverable.
type DuplicateIndexError struct {
	Index int
}

func (e *DuplicateIndexError) Error() string {
	return fmt.Sprintf("predict: row %d appears in more than one fragment", e.Index)
}

// Aggregator gathers prediction fragments over a started pool.
type Aggregator struct {
	pool   *pool.Pool
	logger *zap.Logger
}

// New builds an aggregator over a started pool.
func New(p *pool.Pool, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{pool: p, logger: logger}
}

// Predict dispatches one inference task per shard against the snapshot and
// returns one prediction vector per input row, in input order. A failed
// worker's shard is retried once on a repaired worker before the call
// fails.
func (a *Aggregator) Predict(ctx context.Context, shards []dataset.Shard, snap learner.Snapshot) ([][]float64, error) {
	tasks := map[int]pool.Task{}
	var total int
	for i := range shards {
		tasks[shards[i].WorkerID] = pool.Task{
			Kind:     pool.TaskInfer,
			Snapshot: snap,
			Shard:    &shards[i],
		}
		total += shards[i].Rows()
	}

	results, failures := a.pool.Dispatch(ctx, tasks)
	if len(failures) > 0 {
		failed := sortedKeys(failures)
		a.logger.Warn("inference dispatch failed, retrying once", zap.Ints("workers", failed))

		if err := a.pool.Repair(ctx, failed); err != nil {
			return nil, errors.Wrapf(err, "predict: workers %v failed", failed)
		}
		retry := map[int]pool.Task{}
		for _, id := range failed {
			retry[id] = tasks[id]
		}
		retried, retryFailures := a.pool.Dispatch(ctx, retry)
		if len(retryFailures) > 0 {
			return nil, errors.Errorf("predict: workers %v failed after retry", sortedKeys(retryFailures))
		}
		for id, res := range retried {
			results[id] = res
		}
	}

	fragments := make([]Fragment, 0, len(results))
	for _, res := range results {
		fragments = append(fragments, Fragment{Indices: res.Indices, Predictions: res.Predictions})
	}
	return assemble(fragments, total)
}

// assemble places every fragment row at its global index. The output length
// equals the total input row count; each index must be covered exactly once.
func assemble(fragments []Fragment, total int) ([][]float64, error) {
	out := make([][]float64, total)
	seen := make([]bool, total)

	for _, frag := range fragments {
		if len(frag.Indices) != len(frag.Predictions) {
			return nil, errors.Errorf("predict: fragment has %d indices but %d predictions",
				len(frag.Indices), len(frag.Predictions))
		}
		for k, gi := range frag.Indices {
			if gi < 0 || gi >= total {
				return nil, errors.Errorf("predict: fragment index %d outside [0, %d)", gi, total)
			}
			if seen[gi] {
				return nil, &DuplicateIndexError{Index: gi}
			}
			seen[gi] = true
			out[gi] = frag.Predictions[k]
		}
	}

	var missing []int
	for i, ok := range seen {
		if !ok {
			missing = append(missing, i)
		}
	}
	if len(missing) > 0 {
		return nil, &IncompleteAggregationError{Missing: missing}
	}
	return out, nil
}

func sortedKeys(m map[int]error) []int {
	ids := make([]int, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}
