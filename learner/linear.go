package learner

import "github.com/pkg/errors"

func init() {
	Register("linear", func() Learner { return Linear{} })
}

// Linear is a least-squares linear model trained by gradient descent. Its
// parameter vector is the feature weights followed by the bias term.
type Linear struct{}

// Init returns a zero-weight snapshot sized for numFeatures plus a bias.
func (Linear) Init(numFeatures int, params map[string]float64) (Snapshot, error) {
	if numFeatures < 1 {
		return Snapshot{}, errors.Errorf("learner: linear model needs at least one feature, got %d", numFeatures)
	}
	return Snapshot{Params: make([]float64, numFeatures+1), Hyper: params}, nil
}

// TrainBatch computes one gradient step over the batch. The returned delta
// is the step itself, -lr * grad(MSE), averaged over the batch.
func (Linear) TrainBatch(snap Snapshot, b Batch) (Delta, Metrics, error) {
	n := b.Rows()
	if n == 0 {
		return Delta{}, nil, errors.New("learner: empty batch")
	}
	if b.Labels == nil {
		return Delta{}, nil, errors.New("learner: training batch has no labels")
	}

	d := len(snap.Params) - 1
	lr := snap.Hyper["lr"]
	if lr == 0 {
		lr = 0.01
	}

	grad := make([]float64, d+1)
	var loss float64
	for i, x := range b.Features {
		if len(x) != d {
			return Delta{}, nil, errors.Errorf("learner: row has %d features, model has %d", len(x), d)
		}
		residual := dot(snap.Params, x) - b.Labels[i]
		loss += residual * residual
		for j, xv := range x {
			grad[j] += residual * xv
		}
		grad[d] += residual
	}
	loss /= float64(n)

	step := make([]float64, d+1)
	for j := range grad {
		step[j] = -lr * grad[j] / float64(n)
	}
	return Delta{Params: step}, Metrics{"loss": loss}, nil
}

// InferBatch returns a one-element prediction vector per row.
func (Linear) InferBatch(snap Snapshot, b Batch) ([][]float64, error) {
	d := len(snap.Params) - 1
	out := make([][]float64, len(b.Features))
	for i, x := range b.Features {
		if len(x) != d {
			return nil, errors.Errorf("learner: row has %d features, model has %d", len(x), d)
		}
		out[i] = []float64{dot(snap.Params, x)}
	}
	return out, nil
}

func dot(params []float64, x []float64) float64 {
	v := params[len(params)-1] // bias
	for j, xv := range x {
		v += params[j] * xv
	}
	return v
}
