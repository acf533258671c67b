package dataset

import "fmt"

// ShapeMismatchError reports feature and label collections with differing
// row counts.
type ShapeMismatchError struct {
	FeatureRows int
	LabelRows   int
}

func (e ShapeMismatchError) Error() string {
	return fmt.Sprintf("dataset: feature rows (%d) and label rows (%d) differ", e.FeatureRows, e.LabelRows)
}

// UnsupportedInputError reports an input kind the normalizer does not
// recognize.
type UnsupportedInputError struct {
	Kind string
}

func (e UnsupportedInputError) Error() string {
	return fmt.Sprintf("dataset: unsupported input kind %q", e.Kind)
}

// EmptyInputError reports an input with no rows.
type EmptyInputError struct{}

func (e EmptyInputError) Error() string {
	return "dataset: input has no rows"
}
