package pool

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/workshop7/distfit/learner"
	"github.com/workshop7/distfit/worker"
)

// LocalRuntime runs workers as in-process goroutines, each owning its own
// executor and model copy. It is the runtime used for single-machine
// training and for tests; it supports repair by restarting a worker
// goroutine in place.
type LocalRuntime struct {
	newLearner func(id int) learner.Learner
	logger     *zap.Logger

	mu      sync.Mutex
	workers map[int]*localWorker
}

// NewLocalRuntime builds a runtime whose workers run learners produced by
// the factory. The factory receives the worker ID, so tests can hand
// individual workers distinct behavior.
func NewLocalRuntime(factory func(id int) learner.Learner, logger *zap.Logger) *LocalRuntime {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LocalRuntime{newLearner: factory, logger: logger, workers: map[int]*localWorker{}}
}

type localCall struct {
	task  Task
	reply chan localReply
}

type localReply struct {
	result Result
	err    error
}

type localWorker struct {
	handle Handle
	calls  chan localCall
	done   chan struct{}
}

// Spawn starts n worker goroutines.
func (rt *LocalRuntime) Spawn(ctx context.Context, n int) ([]Handle, error) {
	if n < 1 {
		return nil, errors.Errorf("local runtime: cannot spawn %d workers", n)
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()

	// IDs are the lowest free slots so a fresh pool over a reused runtime
	// sees workers 0..n-1 again.
	handles := make([]Handle, 0, n)
	id := 0
	for len(handles) < n {
		if _, taken := rt.workers[id]; !taken {
			handles = append(handles, rt.spawnLocked(id))
		}
		id++
	}
	return handles, nil
}

func (rt *LocalRuntime) spawnLocked(id int) Handle {
	w := &localWorker{
		handle: Handle{ID: id, Addr: fmt.Sprintf("local/%d", id)},
		calls:  make(chan localCall),
		done:   make(chan struct{}),
	}
	rt.workers[id] = w

	exec := worker.NewExecutor(rt.newLearner(id), rt.logger)
	go w.run(exec)
	return w.handle
}

// Send delivers one task and blocks for the worker's reply or ctx expiry.
func (rt *LocalRuntime) Send(ctx context.Context, h Handle, t Task) (Result, error) {
	rt.mu.Lock()
	w, ok := rt.workers[h.ID]
	rt.mu.Unlock()
	if !ok || w.handle != h {
		return Result{}, errors.Errorf("local runtime: no worker %d at %s", h.ID, h.Addr)
	}

	call := localCall{task: t, reply: make(chan localReply, 1)}
	select {
	case w.calls <- call:
	case <-w.done:
		return Result{}, errors.Errorf("local runtime: worker %d terminated", h.ID)
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}

	select {
	case rep := <-call.reply:
		return rep.result, rep.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Terminate stops a worker goroutine.
func (rt *LocalRuntime) Terminate(h Handle) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	w, ok := rt.workers[h.ID]
	if !ok {
		return nil
	}
	delete(rt.workers, h.ID)
	close(w.done)
	return nil
}

// Respawn replaces a terminated or wedged worker with a fresh goroutine and
// a fresh executor under the same ID.
func (rt *LocalRuntime) Respawn(ctx context.Context, h Handle) (Handle, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if w, ok := rt.workers[h.ID]; ok {
		close(w.done)
		delete(rt.workers, h.ID)
	}
	return rt.spawnLocked(h.ID), nil
}

func (w *localWorker) run(exec *worker.Executor) {
	for {
		select {
		case <-w.done:
			return
		case call := <-w.calls:
			result, err := RunTask(exec, w.handle.ID, call.task)
			call.reply <- localReply{result: result, err: err}
		}
	}
}

// RunTask executes one task against an executor. The remote worker server
// uses it too, so both runtimes behave identically.
func RunTask(exec *worker.Executor, workerID int, t Task) (Result, error) {
	res := Result{WorkerID: workerID, Kind: t.Kind, Epoch: t.Epoch}

	switch t.Kind {
	case TaskPing:
		return res, nil

	case TaskInit:
		snap := t.Snapshot
		if snap.Hyper == nil {
			snap.Hyper = t.Hyperparams
		}
		return res, exec.Init(snap, t.BatchSize, t.ValidationFraction)

	case TaskSync:
		return res, exec.Sync(t.Snapshot)

	case TaskTrain:
		if t.Shard == nil {
			return Result{}, errors.New("worker: train task without a shard")
		}
		delta, rows, metrics, err := exec.TrainEpoch(*t.Shard, t.Snapshot)
		if err != nil {
			return Result{}, err
		}
		res.Delta = delta
		res.Rows = rows
		res.Metrics = metrics
		return res, nil

	case TaskInfer:
		if t.Shard == nil {
			return Result{}, errors.New("worker: infer task without a shard")
		}
		preds, err := exec.Infer(*t.Shard, t.Snapshot)
		if err != nil {
			return Result{}, err
		}
		res.Indices = t.Shard.Indices
		res.Predictions = preds
		return res, nil

	case TaskReset:
		exec.Reset()
		return res, nil

	default:
		return Result{}, errors.Errorf("worker: unknown task kind %q", t.Kind)
	}
}
