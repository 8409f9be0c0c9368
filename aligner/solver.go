package aligner

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Solver maps one ordered set of row vectors onto another.
type Solver struct {
	Soft           bool
	Regularization float64
	Precision      Precision
}

// Assignment is the solver's result. Matrix is indexed [target row, model row].
type Assignment struct {
	Matrix     *mat.Dense
	Soft       bool
	Iterations int
	Residual   float64
}

// Inexact reports whether a soft plan stopped above the residual tolerance.
func (a *Assignment) Inexact() bool {
	return a.Soft && !(a.Residual <= transportTolerance)
}

// Align returns the matrix P with P·in ≈ target, in exact mode a 0/1
// permutation and in soft mode a transport plan scaled so rows and columns
// sum to one. in and target are co-indexed: in[k] and target[k] are the same
// weight in the two models, oriented with the space's axis as rows.
func (s *Solver) Align(space string, in, target []*mat.Dense) (*Assignment, error) {
	if len(in) == 0 || len(target) == 0 {
		return nil, fmt.Errorf("%w: space %s", ErrEmptySpace, space)
	}
	if len(in) != len(target) {
		return nil, fmt.Errorf("%w: space %s has %d model and %d target tensors",
			ErrTensorCountMismatch, space, len(in), len(target))
	}
	outDim, err := checkLeadingDims(space, target)
	if err != nil {
		return nil, err
	}
	for k := range in {
		ir, ic := in[k].Dims()
		_, tc := target[k].Dims()
		if ir != outDim || ic != tc {
			shapes := [][2]int{{ir, ic}, {outDim, tc}}
			return nil, &DimensionMismatchError{Space: space, Expected: outDim, Pair: k, Shapes: shapes}
		}
	}

	if s.Soft {
		return s.alignSoft(in, target, outDim), nil
	}
	return s.alignExact(in, target, outDim)
}

func (s *Solver) alignExact(in, target []*mat.Dense, outDim int) (*Assignment, error) {
	cost := s.costMatrix(in, target, outDim)
	colFor, err := maximizeAssignment(cost)
	if err != nil {
		return nil, err
	}
	return &Assignment{Matrix: permutationMatrix(colFor)}, nil
}

// costMatrix returns Σ targetₖ·inₖᵀ under the precision policy.
func (s *Solver) costMatrix(in, target []*mat.Dense, outDim int) *mat.Dense {
	if s.Precision == PrecisionNative {
		acc := make([]float32, outDim*outDim)
		for k := range target {
			mulTransB32(acc, target[k], in[k])
		}
		data := make([]float64, len(acc))
		for i, v := range acc {
			data[i] = float64(v)
		}
		return mat.NewDense(outDim, outDim, data)
	}

	cost := mat.NewDense(outDim, outDim, nil)
	var term mat.Dense
	for k := range target {
		term.Mul(target[k], in[k].T())
		cost.Add(cost, &term)
	}
	return cost
}

func (s *Solver) alignSoft(in, target []*mat.Dense, outDim int) *Assignment {
	flatIn := concatColumns(in)
	flatTarget := concatColumns(target)
	cost := sqEuclidean(flatTarget, flatIn)

	mass := make([]float64, outDim)
	for i := range mass {
		mass[i] = 1 / float64(outDim)
	}
	res := sinkhornLog(mass, mass, cost, s.Regularization)
	res.plan.Scale(float64(outDim), res.plan)

	return &Assignment{
		Matrix:     res.plan,
		Soft:       true,
		Iterations: res.iterations,
		Residual:   res.residual,
	}
}

// checkLeadingDims requires every matrix to share the first one's row count.
func checkLeadingDims(space string, ms []*mat.Dense) (int, error) {
	outDim, _ := ms[0].Dims()
	mismatch := false
	shapes := make([][2]int, len(ms))
	for i, m := range ms {
		r, c := m.Dims()
		shapes[i] = [2]int{r, c}
		if r != outDim {
			mismatch = true
		}
	}
	if mismatch {
		return 0, &DimensionMismatchError{Space: space, Expected: outDim, Pair: -1, Shapes: shapes}
	}
	return outDim, nil
}

func concatColumns(ms []*mat.Dense) *mat.Dense {
	rows, _ := ms[0].Dims()
	total := 0
	for _, m := range ms {
		_, c := m.Dims()
		total += c
	}
	out := mat.NewDense(rows, total, nil)
	off := 0
	for _, m := range ms {
		_, c := m.Dims()
		out.Slice(0, rows, off, off+c).(*mat.Dense).Copy(m)
		off += c
	}
	return out
}
