// Package dataset normalizes the supported training-input representations
// into worker shards with stable global row indices.
//
// Three input kinds are accepted: an in-memory row-major matrix with a label
// vector, a labeled frame with a named target column, and a partitioned
// dataset abstraction with or without a target column. The kind is resolved
// once, at construction, into a tagged Input value.
package dataset

// Kind tags the input representation an Input was built from.
type Kind int

const (
	KindInvalid Kind = iota
	KindMatrix
	KindFrame
	KindPartitioned
)

func (k Kind) String() string {
	switch k {
	case KindMatrix:
		return "matrix"
	case KindFrame:
		return "frame"
	case KindPartitioned:
		return "partitioned"
	default:
		return "invalid"
	}
}

// Input is a tagged variant over the supported input representations.
type Input struct {
	kind Kind

	x [][]float64
	y []float64

	frame *Frame
	parts *Partitioned

	target string
}

// FromMatrix wraps a row-major feature matrix and a label vector. A nil
// label vector means unlabeled input (inference only).
func FromMatrix(x [][]float64, y []float64) Input {
	return Input{kind: KindMatrix, x: x, y: y}
}

// FromFrame wraps a labeled frame. target names the label column; an empty
// target means unlabeled input.
func FromFrame(f *Frame, target string) Input {
	return Input{kind: KindFrame, frame: f, target: target}
}

// FromPartitioned wraps an already-partitioned dataset. Its existing parts
// are never assumed compatible with the run's worker count.
func FromPartitioned(p *Partitioned, target string) Input {
	return Input{kind: KindPartitioned, parts: p, target: target}
}

// Kind returns the input's representation tag.
func (in Input) Kind() Kind { return in.kind }

// Rows returns the global row count.
func (in Input) Rows() int {
	switch in.kind {
	case KindMatrix:
		return len(in.x)
	case KindFrame:
		return in.frame.Rows()
	case KindPartitioned:
		return in.parts.Rows()
	default:
		return 0
	}
}

// materialize resolves the variant into one feature matrix plus optional
// labels, in global row order.
func (in Input) materialize() ([][]float64, []float64, error) {
	switch in.kind {
	case KindMatrix:
		if in.y != nil && len(in.x) != len(in.y) {
			return nil, nil, ShapeMismatchError{FeatureRows: len(in.x), LabelRows: len(in.y)}
		}
		return in.x, in.y, nil
	case KindFrame:
		return in.frame.split(in.target)
	case KindPartitioned:
		f, err := in.parts.flatten()
		if err != nil {
			return nil, nil, err
		}
		return f.split(in.target)
	default:
		return nil, nil, UnsupportedInputError{Kind: in.kind.String()}
	}
}
