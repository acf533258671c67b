package remote

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/workshop7/distfit/pool"
)

// RuntimeOptions configures a remote runtime.
type RuntimeOptions struct {
	// Endpoints lists worker addresses directly. When empty, workers are
	// discovered through etcd.
	Endpoints []string

	// EtcdEndpoints and Prefix locate the worker registry.
	EtcdEndpoints []string
	Prefix        string

	Logger *zap.Logger
}

// Runtime drives a fleet of pre-registered remote workers. Spawn claims
// endpoints rather than launching processes; Terminate releases a claim and
// resets the worker's model state so the daemon can serve another run.
type Runtime struct {
	opts   RuntimeOptions
	logger *zap.Logger

	mu       sync.Mutex
	assigned map[int]string // worker ID -> claimed endpoint
	spares   []string
}

// NewRuntime builds a runtime over a static endpoint list or an etcd
// registry.
func NewRuntime(opts RuntimeOptions) (*Runtime, error) {
	if len(opts.Endpoints) == 0 && len(opts.EtcdEndpoints) == 0 {
		return nil, errors.New("remote: need worker endpoints or etcd endpoints")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runtime{opts: opts, logger: logger, assigned: map[int]string{}}, nil
}

// Spawn claims n workers from the fleet. Remaining registered workers are
// kept as spares for repair.
func (rt *Runtime) Spawn(ctx context.Context, n int) ([]pool.Handle, error) {
	endpoints, err := rt.fleet(ctx)
	if err != nil {
		return nil, err
	}
	if len(endpoints) < n {
		return nil, errors.Errorf("remote: need %d workers, only %d registered", n, len(endpoints))
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	handles := make([]pool.Handle, 0, n)
	for i := 0; i < n; i++ {
		rt.assigned[i] = endpoints[i]
		handles = append(handles, pool.Handle{ID: i, Addr: endpoints[i]})
	}
	rt.spares = endpoints[n:]

	rt.logger.Info("claimed workers", zap.Int("count", n), zap.Int("spares", len(rt.spares)))
	return handles, nil
}

// Send delivers one task to a claimed worker.
func (rt *Runtime) Send(ctx context.Context, h pool.Handle, t pool.Task) (pool.Result, error) {
	rt.mu.Lock()
	endpoint, ok := rt.assigned[h.ID]
	rt.mu.Unlock()
	if !ok || endpoint != h.Addr {
		return pool.Result{}, errors.Errorf("remote: worker %d at %s is not claimed", h.ID, h.Addr)
	}

	result, err := newTaskClient(endpoint).Send(ctx, t)
	if err != nil {
		return pool.Result{}, err
	}
	result.WorkerID = h.ID
	return result, nil
}

// Terminate releases a claim. The daemon keeps running; its model state is
// reset best-effort so the next run starts clean.
func (rt *Runtime) Terminate(h pool.Handle) error {
	rt.mu.Lock()
	endpoint, ok := rt.assigned[h.ID]
	if ok {
		delete(rt.assigned, h.ID)
	}
	rt.mu.Unlock()
	if !ok {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), etcdDialTimeout)
	defer cancel()
	if _, err := newTaskClient(endpoint).Send(ctx, pool.Task{Kind: pool.TaskReset}); err != nil {
		rt.logger.Warn("resetting released worker", zap.String("endpoint", endpoint), zap.Error(err))
	}
	return nil
}

// Respawn replaces a failed worker's endpoint with a spare, keeping the
// worker ID.
func (rt *Runtime) Respawn(ctx context.Context, h pool.Handle) (pool.Handle, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if len(rt.spares) == 0 {
		// The fleet may have grown since the run started.
		fresh, err := rt.fleet(ctx)
		if err != nil {
			return pool.Handle{}, err
		}
		claimed := map[string]bool{}
		for _, ep := range rt.assigned {
			claimed[ep] = true
		}
		for _, ep := range fresh {
			if !claimed[ep] && ep != h.Addr {
				rt.spares = append(rt.spares, ep)
			}
		}
	}
	if len(rt.spares) == 0 {
		return pool.Handle{}, errors.Errorf("remote: no spare worker to replace %s", h.Addr)
	}

	endpoint := rt.spares[0]
	rt.spares = rt.spares[1:]
	rt.assigned[h.ID] = endpoint

	rt.logger.Info("replaced worker",
		zap.Int("worker", h.ID), zap.String("old", h.Addr), zap.String("new", endpoint))
	return pool.Handle{ID: h.ID, Addr: endpoint}, nil
}

// fleet lists the worker fleet, either the static endpoints or the etcd
// registrations.
func (rt *Runtime) fleet(ctx context.Context) ([]string, error) {
	if len(rt.opts.Endpoints) > 0 {
		return append([]string(nil), rt.opts.Endpoints...), nil
	}

	registry, err := NewRegistry(rt.opts.EtcdEndpoints, rt.opts.Prefix)
	if err != nil {
		return nil, err
	}
	defer registry.Close()
	return registry.Workers(ctx)
}
