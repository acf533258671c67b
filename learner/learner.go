// Package learner defines the capability boundary between the orchestrator
// and the actual learning algorithm. The orchestrator treats a learner as an
// opaque unit of work per batch: it hands a read-only model snapshot and a
// batch in, and gets a parameter delta or predictions out. Implementations
// must be pure functions of their inputs; any state they need travels in the
// snapshot.
package learner

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// Snapshot is an immutable view of model state at one synchronized version.
// Workers receive copies and never mutate a shared one.
type Snapshot struct {
	Version int       `json:"version"`
	Params  []float64 `json:"params"`

	// Hyper carries the run's opaque hyperparameters; it is the only state a
	// learner may read besides Params.
	Hyper map[string]float64 `json:"hyper,omitempty"`
}

// Clone returns a deep copy safe to hand to a worker.
func (s Snapshot) Clone() Snapshot {
	out := Snapshot{Version: s.Version, Params: append([]float64(nil), s.Params...)}
	if s.Hyper != nil {
		out.Hyper = make(map[string]float64, len(s.Hyper))
		for k, v := range s.Hyper {
			out.Hyper[k] = v
		}
	}
	return out
}

// Delta is the parameter change a worker computed from one batch, relative
// to the snapshot it was given.
type Delta struct {
	Params []float64 `json:"params"`
}

// Metrics is an opaque per-worker metrics record.
type Metrics map[string]float64

// Batch is a worker-local slice of a shard.
type Batch struct {
	Indices  []int       `json:"indices"`
	Features [][]float64 `json:"features"`
	Labels   []float64   `json:"labels,omitempty"`
}

// Rows returns the batch row count.
func (b Batch) Rows() int { return len(b.Indices) }

// Learner performs the forward/backward computation the orchestrator
// distributes. TrainBatch and InferBatch must not carry hidden state between
// calls beyond what is passed in the snapshot.
type Learner interface {
	// Init produces the initial model snapshot for the given feature width.
	Init(numFeatures int, params map[string]float64) (Snapshot, error)

	// TrainBatch computes a parameter delta and metrics for one batch
	// against the given snapshot.
	TrainBatch(snap Snapshot, b Batch) (Delta, Metrics, error)

	// InferBatch computes one prediction vector per batch row.
	InferBatch(snap Snapshot, b Batch) ([][]float64, error)
}

var (
	registryMu sync.RWMutex
	registry   = map[string]func() Learner{}
)

// Register makes a learner constructor available under a name, so remote
// workers can build the learner a run's configuration asks for.
func Register(name string, factory func() Learner) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

// New constructs the named learner.
func New(name string) (Learner, error) {
	registryMu.RLock()
	factory, ok := registry[name]
	known := names()
	registryMu.RUnlock()
	if !ok {
		return nil, errors.Errorf("learner: %q is not registered (have %v)", name, known)
	}
	return factory(), nil
}

func names() []string {
	var out []string
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
