package train

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workshop7/distfit/config"
	"github.com/workshop7/distfit/dataset"
	"github.com/workshop7/distfit/learner"
	"github.com/workshop7/distfit/pool"
)

// stepLearner applies a fixed step per epoch and reports a fixed loss. It
// records the snapshot version of every training call so barrier violations
// show up as out-of-order versions.
type stepLearner struct {
	step float64
	loss float64

	mu       sync.Mutex
	versions []int
}

func (s *stepLearner) Init(numFeatures int, params map[string]float64) (learner.Snapshot, error) {
	return learner.Snapshot{Params: make([]float64, numFeatures+1), Hyper: params}, nil
}

func (s *stepLearner) TrainBatch(snap learner.Snapshot, b learner.Batch) (learner.Delta, learner.Metrics, error) {
	s.mu.Lock()
	s.versions = append(s.versions, snap.Version)
	s.mu.Unlock()

	step := make([]float64, len(snap.Params))
	for j := range step {
		step[j] = s.step
	}
	return learner.Delta{Params: step}, learner.Metrics{"loss": s.loss}, nil
}

func (s *stepLearner) InferBatch(snap learner.Snapshot, b learner.Batch) ([][]float64, error) {
	out := make([][]float64, b.Rows())
	for i := range out {
		out[i] = []float64{0}
	}
	return out, nil
}

func trainConfig(workers, epochs int) config.Config {
	return config.Config{
		NumWorkers:        workers,
		MaxEpochs:         epochs,
		BatchSize:         -1,
		Learner:           "linear",
		LearningRate:      0.1,
		WorkerTimeout:     2 * time.Second,
		StartupTimeout:    2 * time.Second,
		HeartbeatInterval: 500 * time.Millisecond,
	}
}

func sevenRowShards(t *testing.T, workers int) []dataset.Shard {
	t.Helper()
	x := make([][]float64, 7)
	y := make([]float64, 7)
	for i := range x {
		x[i] = []float64{float64(i)}
		y[i] = float64(i)
	}
	shards, err := dataset.Partition(dataset.FromMatrix(x, y), workers)
	require.NoError(t, err)
	return shards
}

func startPool(t *testing.T, rt pool.Runtime, cfg config.Config, size int) *pool.Pool {
	t.Helper()
	p := pool.New(rt, pool.Options{
		Size:              size,
		StartupTimeout:    cfg.StartupTimeout,
		WorkerTimeout:     cfg.WorkerTimeout,
		HeartbeatInterval: cfg.HeartbeatInterval,
	})
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(p.Shutdown)
	return p
}

func TestRunSynchronizedEpochs(t *testing.T) {
	// Worker i steps every parameter by i+1; shards are {3,2,2} rows, so
	// the row-weighted mean step is (3*1 + 2*2 + 2*3) / 7 per epoch.
	learners := map[int]*stepLearner{}
	var mu sync.Mutex
	rt := pool.NewLocalRuntime(func(id int) learner.Learner {
		l := &stepLearner{step: float64(id + 1), loss: 1}
		mu.Lock()
		learners[id] = l
		mu.Unlock()
		return l
	}, nil)

	cfg := trainConfig(3, 4)
	p := startPool(t, rt, cfg, 3)
	shards := sevenRowShards(t, 3)

	hist := &History{}
	final, err := New(p, cfg, nil).Run(context.Background(),
		shards, learner.Snapshot{Params: []float64{0}}, hist)
	require.NoError(t, err)

	assert.Equal(t, 4, final.Version)
	assert.Equal(t, 4, hist.Len())
	want := (3*1.0 + 2*2.0 + 2*3.0) / 7.0
	assert.InDelta(t, 4*want, final.Params[0], 1e-9)

	for i := 0; i < hist.Len(); i++ {
		e := hist.Epoch(i)
		assert.Equal(t, i, e.Epoch)
		assert.Equal(t, i+1, e.ModelVersion)
		assert.InDelta(t, 1.0, e.Loss, 1e-9)
		assert.Len(t, e.PerWorker, 3)
	}

	// Barrier: every worker trained epoch e against version e, in order.
	mu.Lock()
	defer mu.Unlock()
	for id, l := range learners {
		assert.Equal(t, []int{0, 1, 2, 3}, l.versions, "worker %d", id)
	}
}

// flakyLearner fails one training call at the armed model version, then
// behaves.
type flakyLearner struct {
	stepLearner
	failVersion int
	armed       *int32
}

func (f *flakyLearner) TrainBatch(snap learner.Snapshot, b learner.Batch) (learner.Delta, learner.Metrics, error) {
	if snap.Version == f.failVersion && atomic.CompareAndSwapInt32(f.armed, 1, 0) {
		return learner.Delta{}, nil, errors.New("worker crashed")
	}
	return f.stepLearner.TrainBatch(snap, b)
}

func TestRunRepairsFailedWorkerMidEpoch(t *testing.T) {
	// One worker crashes during epoch 3 of a 10-epoch run. The epoch is
	// retried against a repaired worker and the run still yields exactly
	// ten records, none duplicated or skipped.
	var armed int32 = 1
	rt := pool.NewLocalRuntime(func(id int) learner.Learner {
		return &flakyLearner{
			stepLearner: stepLearner{step: 1, loss: 1},
			failVersion: 3,
			armed:       &armed,
		}
	}, nil)

	cfg := trainConfig(3, 10)
	p := startPool(t, rt, cfg, 3)
	shards := sevenRowShards(t, 3)

	hist := &History{}
	final, err := New(p, cfg, nil).Run(context.Background(),
		shards, learner.Snapshot{Params: []float64{0}}, hist)
	require.NoError(t, err)

	require.Equal(t, 10, hist.Len(), "a retried epoch still yields exactly one record")
	for i := 0; i < hist.Len(); i++ {
		assert.Equal(t, i, hist.Epoch(i).Epoch)
	}
	assert.Equal(t, 10, final.Version)
	assert.InDelta(t, 10.0, final.Params[0], 1e-9)
	assert.Equal(t, int32(0), atomic.LoadInt32(&armed), "the armed failure fired")
}

// noRepairRuntime hides the local runtime's Respawn.
type noRepairRuntime struct {
	rt *pool.LocalRuntime
}

func (n noRepairRuntime) Spawn(ctx context.Context, c int) ([]pool.Handle, error) {
	return n.rt.Spawn(ctx, c)
}

func (n noRepairRuntime) Send(ctx context.Context, h pool.Handle, task pool.Task) (pool.Result, error) {
	return n.rt.Send(ctx, h, task)
}

func (n noRepairRuntime) Terminate(h pool.Handle) error { return n.rt.Terminate(h) }

func TestRunAbortsWhenRepairImpossible(t *testing.T) {
	var armed int32
	local := pool.NewLocalRuntime(func(id int) learner.Learner {
		return &flakyLearner{stepLearner: stepLearner{step: 1, loss: 1}, armed: &armed}
	}, nil)

	cfg := trainConfig(2, 3)
	p := startPool(t, noRepairRuntime{rt: local}, cfg, 2)
	shards := sevenRowShards(t, 2)

	atomic.StoreInt32(&armed, 1)

	hist := &History{}
	loop := New(p, cfg, nil)
	_, err := loop.Run(context.Background(), shards, learner.Snapshot{Params: []float64{0}}, hist)

	var aborted *AbortedError
	require.ErrorAs(t, err, &aborted)
	assert.Equal(t, StateFailed, loop.State())
	assert.Zero(t, hist.Len())
}

func TestRunInitializationFailure(t *testing.T) {
	rt := pool.NewLocalRuntime(func(id int) learner.Learner {
		return &stepLearner{step: 1, loss: 1}
	}, nil)

	cfg := trainConfig(2, 3)
	p := startPool(t, rt, cfg, 2)
	shards := sevenRowShards(t, 2)

	// An empty snapshot is rejected by every worker.
	hist := &History{}
	_, err := New(p, cfg, nil).Run(context.Background(), shards, learner.Snapshot{}, hist)

	var initErr *InitializationError
	require.ErrorAs(t, err, &initErr)
	assert.Equal(t, []int{0, 1}, initErr.Workers)
}

// plateauLearner reports a loss that stops improving after a few epochs.
type plateauLearner struct {
	stepLearner
}

func (p *plateauLearner) TrainBatch(snap learner.Snapshot, b learner.Batch) (learner.Delta, learner.Metrics, error) {
	delta, metrics, err := p.stepLearner.TrainBatch(snap, b)
	if err != nil {
		return delta, metrics, err
	}
	loss := 1.0
	if snap.Version == 0 {
		loss = 2.0 // only the first epoch improves
	}
	return delta, learner.Metrics{"loss": loss}, nil
}

func TestRunEarlyStopping(t *testing.T) {
	rt := pool.NewLocalRuntime(func(id int) learner.Learner {
		return &plateauLearner{stepLearner: stepLearner{step: 0.1}}
	}, nil)

	cfg := trainConfig(2, 10)
	cfg.Patience = 2
	p := startPool(t, rt, cfg, 2)
	shards := sevenRowShards(t, 2)

	hist := &History{}
	_, err := New(p, cfg, nil).Run(context.Background(),
		shards, learner.Snapshot{Params: []float64{0}}, hist)
	require.NoError(t, err)

	// Epoch 0 improves to 1.0; epochs 1 and 2 plateau and exhaust patience.
	assert.Equal(t, 4, hist.Len())
}

func TestRunHonorsCancellation(t *testing.T) {
	rt := pool.NewLocalRuntime(func(id int) learner.Learner {
		return &stepLearner{step: 1, loss: 1}
	}, nil)

	cfg := trainConfig(2, 10)
	p := startPool(t, rt, cfg, 2)
	shards := sevenRowShards(t, 2)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	hist := &History{}
	_, err := New(p, cfg, nil).Run(ctx, shards, learner.Snapshot{Params: []float64{0}}, hist)
	require.Error(t, err)
	assert.Zero(t, hist.Len())
}

func TestReduceWeightsByRows(t *testing.T) {
	snap := learner.Snapshot{Version: 3, Params: []float64{1, 1}}
	next, err := reduce(snap, map[int]pool.Result{
		0: {Rows: 3, Delta: learner.Delta{Params: []float64{1, 0}}},
		1: {Rows: 1, Delta: learner.Delta{Params: []float64{5, 4}}},
	})
	require.NoError(t, err)

	assert.Equal(t, 4, next.Version)
	assert.InDelta(t, 1+(3*1.0+1*5.0)/4.0, next.Params[0], 1e-12)
	assert.InDelta(t, 1+(3*0.0+1*4.0)/4.0, next.Params[1], 1e-12)

	// The source snapshot is untouched.
	assert.Equal(t, []float64{1, 1}, snap.Params)
}

func TestReduceRejectsMismatchedDelta(t *testing.T) {
	snap := learner.Snapshot{Params: []float64{1, 1}}
	_, err := reduce(snap, map[int]pool.Result{
		0: {Rows: 2, Delta: learner.Delta{Params: []float64{1}}},
	})
	require.Error(t, err)

	_, err = reduce(snap, map[int]pool.Result{})
	require.Error(t, err, "an epoch with no trained rows cannot synchronize")
}
