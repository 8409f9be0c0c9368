package aligner

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// maximizeAssignment solves the square linear assignment problem, returning
// for every row the column it is matched to so that the total score is
// maximal. It is the shortest augmenting path method with dual potentials
// (Hungarian / Jonker-Volgenant family), O(n³). Ties go to the lowest column
// reached first, so the result is deterministic for a given score matrix.
func maximizeAssignment(score mat.Matrix) ([]int, error) {
	n, c := score.Dims()
	if n != c {
		return nil, fmt.Errorf("%w: assignment needs a square matrix, got %dx%d", ErrDimensionMismatch, n, c)
	}

	// cost is the negated score, 1-indexed with a sentinel row/column 0
	cost := make([][]float64, n+1)
	for i := 1; i <= n; i++ {
		cost[i] = make([]float64, n+1)
		for j := 1; j <= n; j++ {
			v := score.At(i-1, j-1)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("%w at (%d, %d)", ErrNonFinite, i-1, j-1)
			}
			cost[i][j] = -v
		}
	}

	u := make([]float64, n+1)
	v := make([]float64, n+1)
	match := make([]int, n+1) // match[j] is the row assigned to column j
	way := make([]int, n+1)
	minv := make([]float64, n+1)
	used := make([]bool, n+1)

	for i := 1; i <= n; i++ {
		match[0] = i
		j0 := 0
		for j := range minv {
			minv[j] = math.Inf(1)
			used[j] = false
		}

		for {
			used[j0] = true
			i0 := match[j0]
			delta := math.Inf(1)
			j1 := 0
			for j := 1; j <= n; j++ {
				if used[j] {
					continue
				}
				cur := cost[i0][j] - u[i0] - v[j]
				if cur < minv[j] {
					minv[j] = cur
					way[j] = j0
				}
				if minv[j] < delta {
					delta = minv[j]
					j1 = j
				}
			}
			for j := 0; j <= n; j++ {
				if used[j] {
					u[match[j]] += delta
					v[j] -= delta
				} else {
					minv[j] -= delta
				}
			}
			j0 = j1
			if match[j0] == 0 {
				break
			}
		}

		// augment along the alternating path
		for j0 != 0 {
			j1 := way[j0]
			match[j0] = match[j1]
			j0 = j1
		}
	}

	colFor := make([]int, n)
	for j := 1; j <= n; j++ {
		colFor[match[j]-1] = j - 1
	}
	return colFor, nil
}

// permutationMatrix materializes P[i, colFor[i]] = 1.
func permutationMatrix(colFor []int) *mat.Dense {
	n := len(colFor)
	p := mat.NewDense(n, n, nil)
	for i, j := range colFor {
		p.Set(i, j, 1)
	}
	return p
}
