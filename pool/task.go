package pool

import (
	"github.com/workshop7/distfit/dataset"
	"github.com/workshop7/distfit/learner"
)

// TaskKind discriminates the units of work a worker understands.
type TaskKind string

const (
	// TaskPing checks liveness.
	TaskPing TaskKind = "ping"
	// TaskInit broadcasts the initial model state and run configuration.
	TaskInit TaskKind = "init"
	// TaskTrain runs one epoch of local batch iterations over a shard.
	TaskTrain TaskKind = "train"
	// TaskSync installs a freshly synchronized model snapshot.
	TaskSync TaskKind = "sync"
	// TaskInfer computes predictions over a shard.
	TaskInfer TaskKind = "infer"
	// TaskReset discards worker-local model state.
	TaskReset TaskKind = "reset"
)

// Task is one unit of work dispatched to one worker. The same payload shape
// is used in-process and on the wire.
type Task struct {
	Kind  TaskKind `json:"kind"`
	Epoch int      `json:"epoch,omitempty"`

	Snapshot learner.Snapshot `json:"snapshot,omitempty"`
	Shard    *dataset.Shard   `json:"shard,omitempty"`

	// Init-only run configuration.
	Learner            string             `json:"learner,omitempty"`
	BatchSize          int                `json:"batch_size,omitempty"`
	Hyperparams        map[string]float64 `json:"hyperparams,omitempty"`
	ValidationFraction float64            `json:"validation_fraction,omitempty"`
}

// Result is a worker's response to one task.
type Result struct {
	WorkerID int      `json:"worker_id"`
	Kind     TaskKind `json:"kind"`
	Epoch    int      `json:"epoch,omitempty"`

	// Train responses.
	Delta   learner.Delta   `json:"delta,omitempty"`
	Rows    int             `json:"rows,omitempty"`
	Metrics learner.Metrics `json:"metrics,omitempty"`

	// Infer responses: a prediction fragment keyed by global row indices.
	Indices     []int       `json:"indices,omitempty"`
	Predictions [][]float64 `json:"predictions,omitempty"`
}
