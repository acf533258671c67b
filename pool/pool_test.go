package pool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRuntime scripts per-worker behavior and records terminations.
type fakeRuntime struct {
	mu          sync.Mutex
	failPing    map[int]bool
	failSend    map[int]error
	respawnErr  error
	terminated  []int
	respawned   []int
	sendHandler func(h Handle, t Task) (Result, error)
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{failPing: map[int]bool{}, failSend: map[int]error{}}
}

func (f *fakeRuntime) Spawn(ctx context.Context, n int) ([]Handle, error) {
	handles := make([]Handle, n)
	for i := range handles {
		handles[i] = Handle{ID: i, Addr: "fake"}
	}
	return handles, nil
}

func (f *fakeRuntime) Send(ctx context.Context, h Handle, t Task) (Result, error) {
	f.mu.Lock()
	failPing := f.failPing[h.ID]
	sendErr := f.failSend[h.ID]
	handler := f.sendHandler
	f.mu.Unlock()

	if t.Kind == TaskPing {
		if failPing {
			return Result{}, errors.New("no pong")
		}
		return Result{Kind: TaskPing}, nil
	}
	if sendErr != nil {
		return Result{}, sendErr
	}
	if handler != nil {
		return handler(h, t)
	}
	return Result{Kind: t.Kind, Epoch: t.Epoch}, nil
}

func (f *fakeRuntime) Terminate(h Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = append(f.terminated, h.ID)
	return nil
}

func (f *fakeRuntime) Respawn(ctx context.Context, h Handle) (Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.respawnErr != nil {
		return Handle{}, f.respawnErr
	}
	f.respawned = append(f.respawned, h.ID)
	f.failPing[h.ID] = false
	f.failSend[h.ID] = nil
	return Handle{ID: h.ID, Addr: "fake-respawned"}, nil
}

func testOptions(size int) Options {
	return Options{
		Size:              size,
		StartupTimeout:    500 * time.Millisecond,
		WorkerTimeout:     500 * time.Millisecond,
		HeartbeatInterval: 50 * time.Millisecond,
	}
}

func TestStartAndShutdown(t *testing.T) {
	rt := newFakeRuntime()
	p := New(rt, testOptions(3))
	require.NoError(t, p.Start(context.Background()))

	assert.Equal(t, []int{0, 1, 2}, p.Ready())

	p.Shutdown()
	rt.mu.Lock()
	assert.ElementsMatch(t, []int{0, 1, 2}, rt.terminated)
	rt.mu.Unlock()
	assert.Equal(t, StateTerminated, p.WorkerState(0))
}

func TestStartTwice(t *testing.T) {
	p := New(newFakeRuntime(), testOptions(1))
	require.NoError(t, p.Start(context.Background()))
	require.Error(t, p.Start(context.Background()))
	p.Shutdown()
}

func TestStartupTimeoutTearsDown(t *testing.T) {
	rt := newFakeRuntime()
	rt.failPing[1] = true
	p := New(rt, Options{
		Size:              3,
		StartupTimeout:    150 * time.Millisecond,
		WorkerTimeout:     50 * time.Millisecond,
		HeartbeatInterval: 50 * time.Millisecond,
	})

	err := p.Start(context.Background())
	var startup *StartupError
	require.ErrorAs(t, err, &startup)
	assert.Equal(t, []int{1}, startup.NotReady)

	// Partially started workers must not leak.
	rt.mu.Lock()
	assert.ElementsMatch(t, []int{0, 1, 2}, rt.terminated)
	rt.mu.Unlock()
}

func TestDispatchPartialFailure(t *testing.T) {
	rt := newFakeRuntime()
	p := New(rt, testOptions(3))
	require.NoError(t, p.Start(context.Background()))
	defer p.Shutdown()

	rt.mu.Lock()
	rt.failSend[1] = errors.New("boom")
	rt.mu.Unlock()

	tasks := map[int]Task{
		0: {Kind: TaskTrain, Epoch: 1},
		1: {Kind: TaskTrain, Epoch: 1},
		2: {Kind: TaskTrain, Epoch: 1},
	}
	results, failures := p.Dispatch(context.Background(), tasks)

	assert.Len(t, results, 2)
	assert.Equal(t, 0, results[0].WorkerID)
	assert.Equal(t, 2, results[2].WorkerID)
	require.Len(t, failures, 1)
	assert.Error(t, failures[1])
	assert.Equal(t, StateFailed, p.WorkerState(1))
	assert.Equal(t, []int{1}, p.Failed())
}

func TestDispatchToUnknownWorker(t *testing.T) {
	p := New(newFakeRuntime(), testOptions(1))
	require.NoError(t, p.Start(context.Background()))
	defer p.Shutdown()

	_, failures := p.Dispatch(context.Background(), map[int]Task{7: {Kind: TaskPing}})
	require.Len(t, failures, 1)
	assert.Error(t, failures[7])
}

func TestBroadcastSkipsFailedWorkers(t *testing.T) {
	rt := newFakeRuntime()
	p := New(rt, testOptions(3))
	require.NoError(t, p.Start(context.Background()))
	defer p.Shutdown()

	rt.mu.Lock()
	rt.failSend[2] = errors.New("boom")
	rt.mu.Unlock()
	_, failures := p.Broadcast(context.Background(), Task{Kind: TaskSync})
	require.Len(t, failures, 1)

	rt.mu.Lock()
	rt.failSend[2] = nil
	rt.mu.Unlock()

	results, failures := p.Broadcast(context.Background(), Task{Kind: TaskSync})
	assert.Empty(t, failures)
	assert.Len(t, results, 2) // worker 2 stays failed until repaired
}

func TestRepair(t *testing.T) {
	rt := newFakeRuntime()
	p := New(rt, testOptions(2))
	require.NoError(t, p.Start(context.Background()))
	defer p.Shutdown()

	rt.mu.Lock()
	rt.failSend[0] = errors.New("boom")
	rt.mu.Unlock()
	_, failures := p.Dispatch(context.Background(), map[int]Task{0: {Kind: TaskTrain}})
	require.Len(t, failures, 1)
	require.Equal(t, StateFailed, p.WorkerState(0))

	require.NoError(t, p.Repair(context.Background(), []int{0}))
	assert.Equal(t, StateReady, p.WorkerState(0))
	rt.mu.Lock()
	assert.Equal(t, []int{0}, rt.respawned)
	rt.mu.Unlock()

	results, failures := p.Dispatch(context.Background(), map[int]Task{0: {Kind: TaskTrain}})
	assert.Empty(t, failures)
	assert.Len(t, results, 1)
}

func TestRepairUnsupported(t *testing.T) {
	// A runtime without Respawn cannot repair.
	rt := struct{ Runtime }{newFakeRuntime()}
	p := New(rt, testOptions(1))
	require.NoError(t, p.Start(context.Background()))
	defer p.Shutdown()

	err := p.Repair(context.Background(), []int{0})
	require.ErrorIs(t, err, ErrNoRepair)
}

func TestShutdownIdempotent(t *testing.T) {
	rt := newFakeRuntime()
	p := New(rt, testOptions(2))
	require.NoError(t, p.Start(context.Background()))

	p.Shutdown()
	p.Shutdown()

	rt.mu.Lock()
	assert.Len(t, rt.terminated, 2)
	rt.mu.Unlock()
}

func TestMonitorMarksSilentWorkerFailed(t *testing.T) {
	rt := newFakeRuntime()
	p := New(rt, Options{
		Size:              1,
		StartupTimeout:    500 * time.Millisecond,
		WorkerTimeout:     30 * time.Millisecond,
		HeartbeatInterval: 20 * time.Millisecond,
	})
	require.NoError(t, p.Start(context.Background()))
	defer p.Shutdown()

	rt.mu.Lock()
	rt.failPing[0] = true
	rt.mu.Unlock()

	require.Eventually(t, func() bool {
		return p.WorkerState(0) == StateFailed
	}, time.Second, 10*time.Millisecond)
}
