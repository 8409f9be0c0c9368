package aligner

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// ExpandHeadPermutation lifts a head-level permutation to raw dimensions:
// pHeads ⊗ I(headDim), for rows laid out head-major (row h*headDim+d).
func ExpandHeadPermutation(pHeads mat.Matrix, headDim int) *mat.Dense {
	var expanded mat.Dense
	expanded.Kronecker(pHeads, Identity(headDim))
	return &expanded
}

// PlaceHeadBlocks assembles the full transform of a head-split space: block h
// lands at row-block h and at the column block of the head that pHeads maps
// onto h. All other entries are zero.
func PlaceHeadBlocks(pHeads mat.Matrix, blocks []*mat.Dense) *mat.Dense {
	numHeads := len(blocks)
	headDim, _ := blocks[0].Dims()
	dim := numHeads * headDim

	p := mat.NewDense(dim, dim, nil)
	for h, block := range blocks {
		src := argmaxRow(pHeads, h)
		p.Slice(h*headDim, (h+1)*headDim, src*headDim, (src+1)*headDim).(*mat.Dense).Copy(block)
	}
	return p
}

// ComposeHeadTransform builds the transform of a space whose rows are split
// into heads: the head permutation pHeads (identity when nil) reorders whole
// heads, and a per-head rotation estimated in the already reordered basis
// removes the rotary phase drift towards target.
func ComposeHeadTransform(in, target []*mat.Dense, pHeads *mat.Dense, headDim int) (*mat.Dense, error) {
	if len(in) == 0 || len(in) != len(target) {
		return nil, fmt.Errorf("%w: %d model and %d target tensors", ErrTensorCountMismatch, len(in), len(target))
	}
	if headDim <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrHeadDim, headDim)
	}
	dim, _ := in[0].Dims()
	if dim%headDim != 0 {
		return nil, fmt.Errorf("%w: %d rows are not a multiple of head dim %d", ErrHeadDim, dim, headDim)
	}
	numHeads := dim / headDim

	if pHeads == nil {
		pHeads = Identity(numHeads)
	}
	if r, c := pHeads.Dims(); r != numHeads || c != numHeads {
		return nil, fmt.Errorf("%w: head permutation is %dx%d for %d heads", ErrDimensionMismatch, r, c, numHeads)
	}

	expanded := ExpandHeadPermutation(pHeads, headDim)
	permuted := make([]*mat.Dense, len(in))
	for k, x := range in {
		var y mat.Dense
		y.Mul(expanded, x)
		permuted[k] = &y
	}

	xIn, err := headSequences(permuted, numHeads, headDim)
	if err != nil {
		return nil, err
	}
	xTarget, err := headSequences(target, numHeads, headDim)
	if err != nil {
		return nil, err
	}

	theta, err := EstimateTheta(xIn, xTarget, headDim)
	if err != nil {
		return nil, err
	}
	theta.Scale(-1, theta)

	return PlaceHeadBlocks(pHeads, ThetaToMatrix(theta, headDim)), nil
}

// headSequences regroups matrices of shape (numHeads*headDim)×cols into one
// (Σcols)×headDim matrix per head: every column of every matrix is one
// sequence entry of that head.
func headSequences(xs []*mat.Dense, numHeads, headDim int) ([]*mat.Dense, error) {
	total := 0
	for _, x := range xs {
		r, c := x.Dims()
		if r != numHeads*headDim {
			return nil, &DimensionMismatchError{Space: "head sequences", Expected: numHeads * headDim, Pair: -1, Shapes: [][2]int{{r, c}}}
		}
		total += c
	}

	out := make([]*mat.Dense, numHeads)
	for h := 0; h < numHeads; h++ {
		seq := mat.NewDense(total, headDim, nil)
		s := 0
		for _, x := range xs {
			_, c := x.Dims()
			for j := 0; j < c; j++ {
				for d := 0; d < headDim; d++ {
					seq.Set(s, d, x.At(h*headDim+d, j))
				}
				s++
			}
		}
		out[h] = seq
	}
	return out, nil
}
