// Package pool manages the lifecycle of a fixed set of training workers:
// spawn, health polling, per-worker dispatch, repair, and teardown. The pool
// is transport-agnostic; a Runtime supplies the actual workers.
package pool

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// State is a worker slot's liveness state.
type State string

const (
	StateStarting   State = "starting"
	StateReady      State = "ready"
	StateBusy       State = "busy"
	StateFailed     State = "failed"
	StateTerminated State = "terminated"
)

// Handle addresses one spawned worker.
type Handle struct {
	ID   int    `json:"id"`
	Addr string `json:"addr"`
}

// Runtime is the distributed-execution substrate the pool drives. Spawn
// produces addressable workers, Send delivers one unit of work and blocks
// for its result, Terminate releases a worker.
type Runtime interface {
	Spawn(ctx context.Context, n int) ([]Handle, error)
	Send(ctx context.Context, h Handle, t Task) (Result, error)
	Terminate(h Handle) error
}

// Repairer is implemented by runtimes that can replace a failed worker. A
// respawned handle keeps the failed worker's ID so in-flight bookkeeping
// stays valid.
type Repairer interface {
	Respawn(ctx context.Context, h Handle) (Handle, error)
}

// ErrNoRepair is returned by Repair when the runtime cannot replace workers.
var ErrNoRepair = errors.New("pool: runtime does not support worker repair")

// StartupError reports workers that never became ready. By the time it is
// returned, every partially-started worker has been torn down.
type StartupError struct {
	NotReady []int
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("pool: %d worker(s) never became ready: %v", len(e.NotReady), e.NotReady)
}

// Options configures a pool.
type Options struct {
	// Size is the number of workers to spawn.
	Size int
	// StartupTimeout bounds Start.
	StartupTimeout time.Duration
	// WorkerTimeout bounds every individual send; a worker silent past it is
	// marked failed.
	WorkerTimeout time.Duration
	// HeartbeatInterval is the health-poll period.
	HeartbeatInterval time.Duration

	Logger *zap.Logger
}

type slot struct {
	handle   Handle
	state    State
	lastSeen time.Time
}

// Pool owns Size worker slots on top of a Runtime.
type Pool struct {
	rt     Runtime
	opts   Options
	logger *zap.Logger

	mu      sync.Mutex
	slots   map[int]*slot
	started bool
	closed  bool

	stopMonitor chan struct{}
	monitorDone sync.WaitGroup
}

// New builds an unstarted pool.
func New(rt Runtime, opts Options) *Pool {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		rt:          rt,
		opts:        opts,
		logger:      logger,
		slots:       map[int]*slot{},
		stopMonitor: make(chan struct{}),
	}
}

// Start spawns the workers and blocks until all of them answer a ping or the
// startup timeout elapses. On timeout every partially-started worker is torn
// down before the StartupError is returned; no workers are leaked.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.started || p.closed {
		p.mu.Unlock()
		return errors.New("pool: already started")
	}
	p.started = true
	p.mu.Unlock()

	handles, err := p.rt.Spawn(ctx, p.opts.Size)
	if err != nil {
		return errors.Wrap(err, "pool: spawning workers")
	}

	p.mu.Lock()
	for _, h := range handles {
		p.slots[h.ID] = &slot{handle: h, state: StateStarting, lastSeen: time.Now()}
	}
	p.mu.Unlock()

	startCtx, cancel := context.WithTimeout(ctx, p.opts.StartupTimeout)
	defer cancel()

	for {
		pending := p.workersIn(StateStarting)
		if len(pending) == 0 {
			break
		}
		p.pingAll(startCtx, pending)

		if startCtx.Err() != nil {
			notReady := p.workersIn(StateStarting)
			if len(notReady) == 0 {
				break
			}
			p.logger.Warn("pool startup timed out", zap.Ints("not_ready", notReady))
			p.Shutdown()
			return &StartupError{NotReady: notReady}
		}
		if len(p.workersIn(StateStarting)) > 0 {
			time.Sleep(50 * time.Millisecond)
		}
	}

	p.monitorDone.Add(1)
	go p.monitor()

	p.logger.Info("pool started", zap.Int("workers", len(handles)))
	return nil
}

// Dispatch sends each worker its payload and blocks until every addressed
// worker responds or fails. One worker failing never discards the others'
// results; failed workers get an entry in the returned failure map and are
// marked failed in the pool.
func (p *Pool) Dispatch(ctx context.Context, tasks map[int]Task) (map[int]Result, map[int]error) {
	results := make(map[int]Result, len(tasks))
	failures := map[int]error{}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for id, task := range tasks {
		p.mu.Lock()
		s, ok := p.slots[id]
		if !ok || s.state != StateReady {
			state := StateTerminated
			if ok {
				state = s.state
			}
			p.mu.Unlock()
			failures[id] = errors.Errorf("pool: worker %d is %s, not ready", id, state)
			continue
		}
		s.state = StateBusy
		handle := s.handle
		p.mu.Unlock()

		wg.Add(1)
		go func(id int, handle Handle, task Task) {
			defer wg.Done()

			sendCtx, cancel := context.WithTimeout(ctx, p.opts.WorkerTimeout)
			defer cancel()

			res, err := p.rt.Send(sendCtx, handle, task)

			p.mu.Lock()
			if s := p.slots[id]; s != nil && s.state == StateBusy {
				if err != nil {
					s.state = StateFailed
				} else {
					s.state = StateReady
					s.lastSeen = time.Now()
				}
			}
			p.mu.Unlock()

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				p.logger.Warn("worker failed during dispatch",
					zap.Int("worker", id), zap.String("kind", string(task.Kind)), zap.Error(err))
				failures[id] = err
				return
			}
			res.WorkerID = id
			results[id] = res
		}(id, handle, task)
	}
	wg.Wait()

	return results, failures
}

// Broadcast dispatches the same task to every ready worker.
func (p *Pool) Broadcast(ctx context.Context, task Task) (map[int]Result, map[int]error) {
	tasks := map[int]Task{}
	for _, id := range p.Ready() {
		tasks[id] = task
	}
	return p.Dispatch(ctx, tasks)
}

// Repair replaces the given failed workers with fresh ones, if the runtime
// supports it, and waits until the replacements answer a ping.
func (p *Pool) Repair(ctx context.Context, ids []int) error {
	repairer, ok := p.rt.(Repairer)
	if !ok {
		return ErrNoRepair
	}

	for _, id := range ids {
		p.mu.Lock()
		s, ok := p.slots[id]
		if !ok {
			p.mu.Unlock()
			return errors.Errorf("pool: no worker %d to repair", id)
		}
		old := s.handle
		p.mu.Unlock()

		fresh, err := repairer.Respawn(ctx, old)
		if err != nil {
			return errors.Wrapf(err, "pool: respawning worker %d", id)
		}
		if fresh.ID != id {
			return errors.Errorf("pool: respawn changed worker id %d to %d", id, fresh.ID)
		}

		pingCtx, cancel := context.WithTimeout(ctx, p.opts.WorkerTimeout)
		_, err = p.rt.Send(pingCtx, fresh, Task{Kind: TaskPing})
		cancel()
		if err != nil {
			return errors.Wrapf(err, "pool: replacement worker %d not responding", id)
		}

		p.mu.Lock()
		s.handle = fresh
		s.state = StateReady
		s.lastSeen = time.Now()
		p.mu.Unlock()
		p.logger.Info("worker repaired", zap.Int("worker", id), zap.String("addr", fresh.Addr))
	}
	return nil
}

// Shutdown releases every worker. It is idempotent and safe to call after a
// partial failure; termination errors are logged, never returned.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.stopMonitor)

	var handles []Handle
	for _, s := range p.slots {
		if s.state != StateTerminated {
			handles = append(handles, s.handle)
			s.state = StateTerminated
		}
	}
	p.mu.Unlock()

	p.monitorDone.Wait()

	for _, h := range handles {
		if err := p.rt.Terminate(h); err != nil {
			p.logger.Warn("terminating worker", zap.Int("worker", h.ID), zap.Error(err))
		}
	}
	p.logger.Info("pool shut down", zap.Int("workers", len(handles)))
}

// Ready returns the IDs of workers currently able to take work, sorted.
func (p *Pool) Ready() []int { return p.workersIn(StateReady) }

// Failed returns the IDs of failed workers, sorted.
func (p *Pool) Failed() []int { return p.workersIn(StateFailed) }

// WorkerState reports one worker's state.
func (p *Pool) WorkerState(id int) State {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.slots[id]; ok {
		return s.state
	}
	return StateTerminated
}

func (p *Pool) workersIn(state State) []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	var ids []int
	for id, s := range p.slots {
		if s.state == state {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	return ids
}

// pingAll pings the given workers in parallel, promoting responders to
// ready and refreshing their lastSeen.
func (p *Pool) pingAll(ctx context.Context, ids []int) {
	var wg sync.WaitGroup
	for _, id := range ids {
		p.mu.Lock()
		s, ok := p.slots[id]
		if !ok {
			p.mu.Unlock()
			continue
		}
		handle := s.handle
		p.mu.Unlock()

		wg.Add(1)
		go func(id int, handle Handle) {
			defer wg.Done()

			pingCtx, cancel := context.WithTimeout(ctx, p.opts.WorkerTimeout)
			defer cancel()
			_, err := p.rt.Send(pingCtx, handle, Task{Kind: TaskPing})

			p.mu.Lock()
			defer p.mu.Unlock()
			s, ok := p.slots[id]
			if !ok {
				return
			}
			switch {
			case err == nil && (s.state == StateStarting || s.state == StateFailed):
				s.state = StateReady
				s.lastSeen = time.Now()
			case err == nil && s.state == StateReady:
				s.lastSeen = time.Now()
			case err != nil && s.state == StateReady && time.Since(s.lastSeen) > p.opts.WorkerTimeout:
				p.logger.Warn("worker silent past timeout, marking failed", zap.Int("worker", id))
				s.state = StateFailed
			}
		}(id, handle)
	}
	wg.Wait()
}

// monitor polls worker health until shutdown, the way a master periodically
// heartbeats its registered workers.
func (p *Pool) monitor() {
	defer p.monitorDone.Done()

	ticker := time.NewTicker(p.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopMonitor:
			return
		case <-ticker.C:
			p.pingAll(context.Background(), p.Ready())
		}
	}
}
