package aligner

import (
	"fmt"
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/mat"
)

// RoPE rotates the pair (x[i], x[i+headDim/2]) of every head by a
// position-dependent angle. Two models that learned the same heads under a
// different phase differ by a per-pair rotation, which is recovered here.

// SplitHeads cuts every (numHeads*headDim)×cols matrix into per-head slices.
// With headsFirst each head becomes a headDim×cols slice; otherwise each of
// the headDim positions becomes a numHeads×cols slice holding that position
// of every head, which is the layout used to match heads against each other.
func SplitHeads(xs []*mat.Dense, headDim int, headsFirst bool) ([]*mat.Dense, error) {
	if headDim <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrHeadDim, headDim)
	}

	var out []*mat.Dense
	for _, x := range xs {
		r, c := x.Dims()
		if r%headDim != 0 {
			return nil, fmt.Errorf("%w: %d rows are not a multiple of head dim %d", ErrHeadDim, r, headDim)
		}
		numHeads := r / headDim

		if headsFirst {
			for h := 0; h < numHeads; h++ {
				out = append(out, mat.DenseCopyOf(x.Slice(h*headDim, (h+1)*headDim, 0, c)))
			}
			continue
		}
		for d := 0; d < headDim; d++ {
			part := mat.NewDense(numHeads, c, nil)
			for h := 0; h < numHeads; h++ {
				part.SetRow(h, x.RawRowView(h*headDim+d))
			}
			out = append(out, part)
		}
	}
	return out, nil
}

// EstimateTheta returns, per head and per rotary pair, the phase of the mean
// complex ratio target/in over the sequence axis. xIn[h] and xTarget[h] are
// seq×headDim; the first half of each row is the real part and the second
// half the imaginary part. Model entries that are exactly zero carry no
// phase and are left out of the mean; a pair with no usable entries gets 0.
func EstimateTheta(xIn, xTarget []*mat.Dense, headDim int) (*mat.Dense, error) {
	if headDim <= 0 || headDim%2 != 0 {
		return nil, fmt.Errorf("%w: rotary pairs need an even head dim, got %d", ErrHeadDim, headDim)
	}
	if len(xIn) == 0 || len(xIn) != len(xTarget) {
		return nil, fmt.Errorf("%w: %d model heads, %d target heads", ErrTensorCountMismatch, len(xIn), len(xTarget))
	}

	half := headDim / 2
	theta := mat.NewDense(len(xIn), half, nil)
	for h := range xIn {
		n, c := xIn[h].Dims()
		tn, tc := xTarget[h].Dims()
		if c != headDim || tc != headDim || n != tn {
			return nil, &DimensionMismatchError{
				Space:    fmt.Sprintf("head %d", h),
				Expected: headDim,
				Pair:     -1,
				Shapes:   [][2]int{{n, c}, {tn, tc}},
			}
		}

		for k := 0; k < half; k++ {
			var sum complex128
			count := 0
			for s := 0; s < n; s++ {
				z0 := complex(xIn[h].At(s, k), xIn[h].At(s, half+k))
				if z0 == 0 {
					continue
				}
				z1 := complex(xTarget[h].At(s, k), xTarget[h].At(s, half+k))
				sum += z1 / z0
				count++
			}
			if count > 0 {
				theta.Set(h, k, cmplx.Phase(sum/complex(float64(count), 0)))
			}
		}
	}
	return theta, nil
}

// ThetaToMatrix builds one headDim×headDim rotation per row of theta, turning
// pair k by theta[h, k]: cos on both diagonal halves, sin at (k, half+k) and
// -sin at (half+k, k). Callers mapping model onto target pass -theta.
func ThetaToMatrix(theta mat.Matrix, headDim int) []*mat.Dense {
	numHeads, _ := theta.Dims()
	half := headDim / 2

	blocks := make([]*mat.Dense, numHeads)
	for h := 0; h < numHeads; h++ {
		b := mat.NewDense(headDim, headDim, nil)
		for k := 0; k < half; k++ {
			sin, cos := math.Sincos(theta.At(h, k))
			b.Set(k, k, cos)
			b.Set(k, half+k, sin)
			b.Set(half+k, k, -sin)
			b.Set(half+k, half+k, cos)
		}
		blocks[h] = b
	}
	return blocks
}
