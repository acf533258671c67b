package train

import (
	"time"

	"github.com/workshop7/distfit/learner"
)

// EpochState summarizes one synchronized epoch. It is created after the
// epoch's barrier completes; partial epochs never produce one.
type EpochState struct {
	Epoch        int
	ModelVersion int

	// Loss is the row-weighted mean of the per-worker loss metric.
	Loss     float64
	Duration time.Duration

	PerWorker map[int]learner.Metrics
}

// History is the append-only record of a training run. The loop appends one
// entry per completed epoch; nothing else writes it.
type History struct {
	epochs []EpochState
}

// Append records a completed epoch.
func (h *History) Append(e EpochState) {
	h.epochs = append(h.epochs, e)
}

// Len returns the number of completed epochs.
func (h *History) Len() int { return len(h.epochs) }

// Epoch returns the i-th completed epoch.
func (h *History) Epoch(i int) EpochState { return h.epochs[i] }

// Last returns the most recent epoch and whether one exists.
func (h *History) Last() (EpochState, bool) {
	if len(h.epochs) == 0 {
		return EpochState{}, false
	}
	return h.epochs[len(h.epochs)-1], true
}

// Losses returns the per-epoch losses in order.
func (h *History) Losses() []float64 {
	out := make([]float64, len(h.epochs))
	for i, e := range h.epochs {
		out[i] = e.Loss
	}
	return out
}
