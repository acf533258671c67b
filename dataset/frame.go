package dataset

import "github.com/pkg/errors"

// Frame is a labeled tabular collection: named columns over row-major
// numeric data.
type Frame struct {
	columns []string
	rows    [][]float64
}

// NewFrame builds a frame from column names and row-major data. Every row
// must have exactly one value per column.
func NewFrame(columns []string, rows [][]float64) (*Frame, error) {
	if len(columns) == 0 {
		return nil, errors.New("dataset: frame needs at least one column")
	}
	for i, row := range rows {
		if len(row) != len(columns) {
			return nil, errors.Errorf("dataset: frame row %d has %d values, want %d", i, len(row), len(columns))
		}
	}
	return &Frame{columns: columns, rows: rows}, nil
}

// Rows returns the number of rows in the frame.
func (f *Frame) Rows() int { return len(f.rows) }

// Columns returns the column names in order.
func (f *Frame) Columns() []string { return f.columns }

func (f *Frame) columnIndex(name string) int {
	for i, c := range f.columns {
		if c == name {
			return i
		}
	}
	return -1
}

// split separates the named target column from the feature columns, keeping
// row order. An empty target yields nil labels.
func (f *Frame) split(target string) ([][]float64, []float64, error) {
	if target == "" {
		features := make([][]float64, len(f.rows))
		for i, row := range f.rows {
			features[i] = append([]float64(nil), row...)
		}
		return features, nil, nil
	}

	ti := f.columnIndex(target)
	if ti < 0 {
		return nil, nil, errors.Errorf("dataset: frame has no column %q", target)
	}

	features := make([][]float64, len(f.rows))
	labels := make([]float64, len(f.rows))
	for i, row := range f.rows {
		fr := make([]float64, 0, len(row)-1)
		for j, v := range row {
			if j == ti {
				labels[i] = v
				continue
			}
			fr = append(fr, v)
		}
		features[i] = fr
	}
	return features, labels, nil
}
