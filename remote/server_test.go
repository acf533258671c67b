package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workshop7/distfit/dataset"
	"github.com/workshop7/distfit/learner"
	"github.com/workshop7/distfit/pool"
)

// startWorker serves a worker over httptest and returns its host:port
// endpoint.
func startWorker(t *testing.T) string {
	t.Helper()
	srv, err := NewServer(ServerOptions{})
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return strings.TrimPrefix(ts.URL, "http://")
}

func labeledShard(rows int) *dataset.Shard {
	s := &dataset.Shard{}
	for i := 0; i < rows; i++ {
		s.Indices = append(s.Indices, i)
		s.Features = append(s.Features, []float64{float64(i) / float64(rows)})
		s.Labels = append(s.Labels, float64(i))
	}
	return s
}

func TestWorkerTaskRoundTrip(t *testing.T) {
	endpoint := startWorker(t)
	client := newTaskClient(endpoint)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := client.Send(ctx, pool.Task{Kind: pool.TaskPing})
	require.NoError(t, err)

	snap := learner.Snapshot{Params: []float64{0, 0}, Hyper: map[string]float64{"lr": 0.1}}
	_, err = client.Send(ctx, pool.Task{Kind: pool.TaskInit, Snapshot: snap, Learner: "linear", BatchSize: -1})
	require.NoError(t, err)

	res, err := client.Send(ctx, pool.Task{Kind: pool.TaskTrain, Snapshot: snap, Shard: labeledShard(4)})
	require.NoError(t, err)
	assert.Equal(t, 4, res.Rows)
	assert.Len(t, res.Delta.Params, 2)
	assert.Contains(t, res.Metrics, "loss")

	next := snap.Clone()
	next.Version = 1
	_, err = client.Send(ctx, pool.Task{Kind: pool.TaskSync, Snapshot: next})
	require.NoError(t, err)

	res, err = client.Send(ctx, pool.Task{Kind: pool.TaskInfer, Snapshot: next, Shard: labeledShard(4)})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 3}, res.Indices)
	assert.Len(t, res.Predictions, 4)
}

func TestWorkerRejectsStaleTrainDispatch(t *testing.T) {
	endpoint := startWorker(t)
	client := newTaskClient(endpoint)
	ctx := context.Background()

	snap := learner.Snapshot{Version: 2, Params: []float64{0, 0}}
	_, err := client.Send(ctx, pool.Task{Kind: pool.TaskInit, Snapshot: snap, BatchSize: -1})
	require.NoError(t, err)

	stale := learner.Snapshot{Version: 1, Params: []float64{0, 0}}
	_, err = client.Send(ctx, pool.Task{Kind: pool.TaskTrain, Snapshot: stale, Shard: labeledShard(2)})
	require.Error(t, err)
}

func TestWorkerRejectsUnknownLearner(t *testing.T) {
	endpoint := startWorker(t)
	client := newTaskClient(endpoint)

	_, err := client.Send(context.Background(), pool.Task{
		Kind:     pool.TaskInit,
		Snapshot: learner.Snapshot{Params: []float64{0}},
		Learner:  "missing",
	})
	require.Error(t, err)
}

func TestWorkerStatus(t *testing.T) {
	srv, err := NewServer(ServerOptions{})
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var status StatusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, "linear", status.Learner)
	assert.False(t, status.Initialized)

	client := newTaskClient(strings.TrimPrefix(ts.URL, "http://"))
	_, err = client.Send(context.Background(), pool.Task{
		Kind:      pool.TaskInit,
		Snapshot:  learner.Snapshot{Version: 3, Params: []float64{0, 0}},
		BatchSize: -1,
	})
	require.NoError(t, err)

	resp, err = http.Get(ts.URL + "/api/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.True(t, status.Initialized)
	assert.Equal(t, 3, status.ModelVersion)
}

func TestRuntimeClaimsAndReleasesEndpoints(t *testing.T) {
	a := startWorker(t)
	b := startWorker(t)
	c := startWorker(t)

	rt, err := NewRuntime(RuntimeOptions{Endpoints: []string{a, b, c}})
	require.NoError(t, err)

	ctx := context.Background()
	handles, err := rt.Spawn(ctx, 2)
	require.NoError(t, err)
	require.Len(t, handles, 2)
	assert.Equal(t, 0, handles[0].ID)
	assert.Equal(t, a, handles[0].Addr)

	_, err = rt.Send(ctx, handles[0], pool.Task{Kind: pool.TaskPing})
	require.NoError(t, err)

	// An unclaimed handle is rejected.
	_, err = rt.Send(ctx, pool.Handle{ID: 9, Addr: c}, pool.Task{Kind: pool.TaskPing})
	require.Error(t, err)

	require.NoError(t, rt.Terminate(handles[0]))
	_, err = rt.Send(ctx, handles[0], pool.Task{Kind: pool.TaskPing})
	require.Error(t, err)
}

func TestRuntimeNeedsEnoughWorkers(t *testing.T) {
	rt, err := NewRuntime(RuntimeOptions{Endpoints: []string{startWorker(t)}})
	require.NoError(t, err)

	_, err = rt.Spawn(context.Background(), 3)
	require.Error(t, err)
}

func TestRuntimeRespawnUsesSpare(t *testing.T) {
	a := startWorker(t)
	b := startWorker(t)

	rt, err := NewRuntime(RuntimeOptions{Endpoints: []string{a, b}})
	require.NoError(t, err)

	ctx := context.Background()
	handles, err := rt.Spawn(ctx, 1)
	require.NoError(t, err)

	fresh, err := rt.Respawn(ctx, handles[0])
	require.NoError(t, err)
	assert.Equal(t, handles[0].ID, fresh.ID)
	assert.Equal(t, b, fresh.Addr)

	_, err = rt.Send(ctx, fresh, pool.Task{Kind: pool.TaskPing})
	require.NoError(t, err)
}

func TestRuntimeRequiresEndpoints(t *testing.T) {
	_, err := NewRuntime(RuntimeOptions{})
	require.Error(t, err)
}
