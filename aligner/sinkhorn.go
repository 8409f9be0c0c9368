package aligner

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

const (
	sinkhornMaxIter    = 1000
	sinkhornStopThr    = 1e-6
	sinkhornCheckEvery = 10

	// transportTolerance is the residual above which a plan is reported inexact.
	transportTolerance = 1e-4
)

// sinkhornResult is an entropic transport plan and its convergence record.
type sinkhornResult struct {
	plan       *mat.Dense
	iterations int
	residual   float64 // marginal error at the last check, NaN if never checked
}

// sinkhornLog solves entropy-regularized optimal transport between marginals
// a (rows) and b (columns) for cost M in the log domain, so that small reg
// values do not underflow the Gibbs kernel.
func sinkhornLog(a, b []float64, cost mat.Matrix, reg float64) sinkhornResult {
	n, m := cost.Dims()

	mr := make([]float64, n*m)
	for i := 0; i < n; i++ {
		for j := 0; j < m; j++ {
			mr[i*m+j] = -cost.At(i, j) / reg
		}
	}
	loga := make([]float64, n)
	for i, v := range a {
		loga[i] = math.Log(v)
	}
	logb := make([]float64, m)
	for j, v := range b {
		logb[j] = math.Log(v)
	}

	u := make([]float64, n)
	v := make([]float64, m)
	col := make([]float64, n)
	row := make([]float64, m)

	res := sinkhornResult{residual: math.NaN()}
	for it := 0; it < sinkhornMaxIter; it++ {
		res.iterations = it
		for j := 0; j < m; j++ {
			for i := 0; i < n; i++ {
				col[i] = mr[i*m+j] + u[i]
			}
			v[j] = logb[j] - logSumExp(col)
		}
		for i := 0; i < n; i++ {
			for j := 0; j < m; j++ {
				row[j] = mr[i*m+j] + v[j]
			}
			u[i] = loga[i] - logSumExp(row)
		}

		if it%sinkhornCheckEvery == 0 {
			var sq float64
			for j := 0; j < m; j++ {
				var s float64
				for i := 0; i < n; i++ {
					s += math.Exp(mr[i*m+j] + u[i] + v[j])
				}
				d := s - b[j]
				sq += d * d
			}
			res.residual = math.Sqrt(sq)
			if res.residual < sinkhornStopThr {
				break
			}
		}
	}

	res.plan = mat.NewDense(n, m, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < m; j++ {
			res.plan.Set(i, j, math.Exp(mr[i*m+j]+u[i]+v[j]))
		}
	}
	return res
}

func logSumExp(xs []float64) float64 {
	hi := math.Inf(-1)
	for _, x := range xs {
		if x > hi {
			hi = x
		}
	}
	if math.IsInf(hi, -1) {
		return hi
	}
	var s float64
	for _, x := range xs {
		s += math.Exp(x - hi)
	}
	return hi + math.Log(s)
}

// sqEuclidean returns M[i, j] = |x_i - y_j|² over the rows of x and y.
func sqEuclidean(x, y *mat.Dense) *mat.Dense {
	n, k := x.Dims()
	m, _ := y.Dims()
	out := mat.NewDense(n, m, nil)
	for i := 0; i < n; i++ {
		xr := x.RawRowView(i)
		for j := 0; j < m; j++ {
			yr := y.RawRowView(j)
			var s float64
			for p := 0; p < k; p++ {
				d := xr[p] - yr[p]
				s += d * d
			}
			out.Set(i, j, s)
		}
	}
	return out
}
