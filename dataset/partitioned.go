package dataset

import "github.com/pkg/errors"

// Partitioned is a distributed-dataset abstraction: named columns over an
// ordered sequence of row-major parts. Parts carry no placement of their
// own; the normalizer re-partitions them to the worker count of the run.
type Partitioned struct {
	columns []string
	parts   [][][]float64
}

// NewPartitioned builds a partitioned dataset from column names and parts.
func NewPartitioned(columns []string, parts [][][]float64) (*Partitioned, error) {
	if len(columns) == 0 {
		return nil, errors.New("dataset: partitioned dataset needs at least one column")
	}
	for pi, part := range parts {
		for ri, row := range part {
			if len(row) != len(columns) {
				return nil, errors.Errorf("dataset: part %d row %d has %d values, want %d",
					pi, ri, len(row), len(columns))
			}
		}
	}
	return &Partitioned{columns: columns, parts: parts}, nil
}

// Rows returns the total row count across all parts.
func (p *Partitioned) Rows() int {
	var n int
	for _, part := range p.parts {
		n += len(part)
	}
	return n
}

// NumParts returns the number of parts.
func (p *Partitioned) NumParts() int { return len(p.parts) }

// Columns returns the column names in order.
func (p *Partitioned) Columns() []string { return p.columns }

// Matrix flattens the parts, in order, into one row-major matrix.
func (p *Partitioned) Matrix() [][]float64 {
	out := make([][]float64, 0, p.Rows())
	for _, part := range p.parts {
		for _, row := range part {
			out = append(out, append([]float64(nil), row...))
		}
	}
	return out
}

// flatten concatenates the parts into a single frame for re-partitioning.
func (p *Partitioned) flatten() (*Frame, error) {
	return NewFrame(p.columns, p.Matrix())
}
