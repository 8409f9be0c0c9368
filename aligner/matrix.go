package aligner

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// Tolerances of torch.allclose, which decides whether a transform changed.
const (
	closeRTol = 1e-5
	closeATol = 1e-8
)

// Identity returns the n×n identity matrix.
func Identity(n int) *mat.Dense {
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, 1)
	}
	return m
}

// AllClose reports whether a and b have equal shape and every element
// satisfies |a-b| <= atol + rtol*|b|.
func AllClose(a, b mat.Matrix) bool {
	ar, ac := a.Dims()
	br, bc := b.Dims()
	if ar != br || ac != bc {
		return false
	}
	for i := 0; i < ar; i++ {
		for j := 0; j < ac; j++ {
			x, y := a.At(i, j), b.At(i, j)
			if math.Abs(x-y) > closeATol+closeRTol*math.Abs(y) {
				return false
			}
		}
	}
	return true
}

func isIdentity(m mat.Matrix) bool {
	r, c := m.Dims()
	if r != c {
		return false
	}
	return AllClose(m, Identity(r))
}

// argmaxRow returns the first column holding the row's maximum.
func argmaxRow(m mat.Matrix, i int) int {
	_, c := m.Dims()
	best, bestJ := math.Inf(-1), 0
	for j := 0; j < c; j++ {
		if v := m.At(i, j); v > best {
			best, bestJ = v, j
		}
	}
	return bestJ
}

// mulTransB32 adds a·bᵀ into dst using float32 arithmetic throughout.
func mulTransB32(dst []float32, a, b *mat.Dense) {
	m, k := a.Dims()
	n, _ := b.Dims()
	for i := 0; i < m; i++ {
		ar := a.RawRowView(i)
		for j := 0; j < n; j++ {
			br := b.RawRowView(j)
			sum := float32(0)
			for p := 0; p < k; p++ {
				sum += float32(ar[p]) * float32(br[p])
			}
			dst[i*n+j] += sum
		}
	}
}
