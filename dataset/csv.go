package dataset

import (
	"os"

	"github.com/pkg/errors"
)

// FromCSVFile reads a headered numeric CSV file into a frame input. target
// names the label column; an empty target yields an unlabeled input.
func FromCSVFile(path, target string) (Input, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Input{}, errors.Wrapf(err, "dataset: reading %q", path)
	}
	columns, rows, err := parseCSVPart(path, data)
	if err != nil {
		return Input{}, err
	}
	f, err := NewFrame(columns, rows)
	if err != nil {
		return Input{}, err
	}
	return FromFrame(f, target), nil
}
