package aligner

import (
	"errors"
	"fmt"
)

var (
	// ErrDimensionMismatch is matched by *DimensionMismatchError.
	ErrDimensionMismatch = errors.New("aligner: output dimension mismatch")

	// ErrMultipleHeadGroups is returned when one space's weights name more than one head group.
	ErrMultipleHeadGroups = errors.New("aligner: space contains multiple head groups")

	// ErrMixedRoPE is returned when one space's weights disagree on the RoPE flag.
	ErrMixedRoPE = errors.New("aligner: space contains tensors with multiple RoPE statuses")

	// ErrTensorCountMismatch is returned when model and target disagree on a space's membership.
	ErrTensorCountMismatch = errors.New("aligner: model and target tensor counts differ")

	// ErrEmptySpace is returned when the solver is handed no vectors.
	ErrEmptySpace = errors.New("aligner: no tensors to align")

	// ErrHeadDim is returned when a row count is not a multiple of the head
	// dimension or the head dimension is not a positive even number.
	ErrHeadDim = errors.New("aligner: invalid head dimension")

	// ErrNonFinite is returned when a cost matrix holds NaN or Inf.
	ErrNonFinite = errors.New("aligner: non-finite cost")

	// ErrInvalidConfig is returned by Config.Validate.
	ErrInvalidConfig = errors.New("aligner: invalid config")
)

// DimensionMismatchError reports a space whose target tensors do not share
// one leading dimension, or a model tensor whose shape differs from its
// target counterpart. In the second case Pair is the index of that tensor
// and Shapes holds the model shape followed by the target shape; otherwise
// Pair is -1.
type DimensionMismatchError struct {
	Space    string
	Expected int
	Pair     int
	Shapes   [][2]int
	Weights  []string
}

func (e *DimensionMismatchError) Error() string {
	if e.Pair >= 0 && len(e.Shapes) == 2 {
		return fmt.Sprintf("shape mismatch for space %s: model %v, target %v (weights %v)",
			e.Space, e.Shapes[0], e.Shapes[1], e.Weights)
	}
	return fmt.Sprintf("output dimension mismatch for space %s: expected %d, found shapes %v (weights %v)",
		e.Space, e.Expected, e.Shapes, e.Weights)
}

func (e *DimensionMismatchError) Unwrap() error {
	return ErrDimensionMismatch
}
