package dataset

// Shard is a contiguous row partition assigned to exactly one worker for the
// duration of one operation. Indices are global row positions in the
// caller's input; they are what lets prediction fragments be reassembled in
// input order. A shard is immutable once created.
type Shard struct {
	ID       int         `json:"id"`
	WorkerID int         `json:"worker_id"`
	Indices  []int       `json:"indices"`
	Features [][]float64 `json:"features"`
	Labels   []float64   `json:"labels,omitempty"`
}

// Rows returns the shard's row count.
func (s Shard) Rows() int { return len(s.Indices) }

// NumFeatures returns the width of the shard's feature rows.
func (s Shard) NumFeatures() int {
	if len(s.Features) == 0 {
		return 0
	}
	return len(s.Features[0])
}

// Partition normalizes the input into at most w contiguous shards, one per
// worker, preserving global row order. Rows are spread as evenly as
// possible: the first rows%w shards carry one extra row. When the input has
// fewer rows than workers, one single-row shard is produced per row and the
// surplus workers receive no shard for the operation (they stay idle).
//
// Shard i is assigned worker i. The union of all shard indices is exactly
// [0, rows), each index appearing once.
func Partition(in Input, w int) ([]Shard, error) {
	features, labels, err := in.materialize()
	if err != nil {
		return nil, err
	}

	rows := len(features)
	if rows == 0 {
		return nil, EmptyInputError{}
	}
	if labels != nil && len(labels) != rows {
		return nil, ShapeMismatchError{FeatureRows: rows, LabelRows: len(labels)}
	}

	if w > rows {
		w = rows
	}
	base := rows / w
	extra := rows % w

	shards := make([]Shard, 0, w)
	start := 0
	for i := 0; i < w; i++ {
		size := base
		if i < extra {
			size++
		}
		end := start + size

		indices := make([]int, size)
		for j := range indices {
			indices[j] = start + j
		}

		shard := Shard{
			ID:       i,
			WorkerID: i,
			Indices:  indices,
			Features: features[start:end],
		}
		if labels != nil {
			shard.Labels = labels[start:end]
		}
		shards = append(shards, shard)
		start = end
	}
	return shards, nil
}
