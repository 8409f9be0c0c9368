package aligner

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestThetaToMatrixIsOrthogonal(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	theta := mat.NewDense(3, 4, nil)
	for h := 0; h < 3; h++ {
		for k := 0; k < 4; k++ {
			theta.Set(h, k, (rng.Float64()*2-1)*math.Pi)
		}
	}

	blocks := ThetaToMatrix(theta, 8)
	require.Len(t, blocks, 3)
	for _, b := range blocks {
		r, c := b.Dims()
		require.Equal(t, 8, r)
		require.Equal(t, 8, c)
		requireOrthogonal(t, b, 1e-12)
	}
}

func TestThetaToMatrixLayout(t *testing.T) {
	theta := mat.NewDense(1, 2, []float64{math.Pi / 2, 0})
	b := ThetaToMatrix(theta, 4)[0]

	want := mat.NewDense(4, 4, []float64{
		0, 0, 1, 0,
		0, 1, 0, 0,
		-1, 0, 0, 0,
		0, 0, 0, 1,
	})
	assert.True(t, mat.EqualApprox(want, b, 1e-12), "got\n%v", mat.Formatted(b))
}

func TestThetaToMatrixZeroIsIdentity(t *testing.T) {
	for _, b := range ThetaToMatrix(mat.NewDense(2, 3, nil), 6) {
		assert.True(t, mat.Equal(Identity(6), b))
	}
}

func TestEstimateThetaRecoversInjectedAngle(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	const headDim = 6
	angles := []float64{0.4, -1.1}

	var xIn, xTarget []*mat.Dense
	for _, phi := range angles {
		x := randomDense(rng, 10, headDim)
		xIn = append(xIn, x)

		// rotate every sequence entry as a complex product with e^{iφ}
		y := mat.NewDense(10, headDim, nil)
		sin, cos := math.Sincos(phi)
		for s := 0; s < 10; s++ {
			for k := 0; k < headDim/2; k++ {
				re, im := x.At(s, k), x.At(s, headDim/2+k)
				y.Set(s, k, re*cos-im*sin)
				y.Set(s, headDim/2+k, re*sin+im*cos)
			}
		}
		xTarget = append(xTarget, y)
	}

	theta, err := EstimateTheta(xIn, xTarget, headDim)
	require.NoError(t, err)
	r, c := theta.Dims()
	require.Equal(t, 2, r)
	require.Equal(t, 3, c)
	for h, phi := range angles {
		for k := 0; k < 3; k++ {
			assert.InDelta(t, phi, theta.At(h, k), 1e-9, "head %d pair %d", h, k)
		}
	}
}

func TestEstimateThetaSkipsZeroEntries(t *testing.T) {
	// the first sequence entry is zero in the model and would divide by zero
	xIn := mat.NewDense(2, 2, []float64{0, 0, 1, 0})
	xTarget := mat.NewDense(2, 2, []float64{5, 5, 0, 1})

	theta, err := EstimateTheta([]*mat.Dense{xIn}, []*mat.Dense{xTarget}, 2)
	require.NoError(t, err)
	assert.InDelta(t, math.Pi/2, theta.At(0, 0), 1e-12)

	// sequence lengths disagree
	theta, err = EstimateTheta([]*mat.Dense{mat.NewDense(3, 2, nil)}, []*mat.Dense{xTarget}, 2)
	require.Error(t, err)
	assert.Nil(t, theta)

	// nothing usable at all
	theta, err = EstimateTheta([]*mat.Dense{mat.NewDense(2, 2, nil)}, []*mat.Dense{xTarget}, 2)
	require.NoError(t, err)
	assert.Equal(t, 0.0, theta.At(0, 0))
}

func TestEstimateThetaRejectsOddHeadDim(t *testing.T) {
	x := []*mat.Dense{mat.NewDense(2, 3, nil)}
	_, err := EstimateTheta(x, x, 3)
	require.ErrorIs(t, err, ErrHeadDim)
}

func TestSplitHeads(t *testing.T) {
	// 2 heads of dim 2, 3 columns; row r holds values 10*r + col
	x := mat.NewDense(4, 3, nil)
	for r := 0; r < 4; r++ {
		for c := 0; c < 3; c++ {
			x.Set(r, c, float64(10*r+c))
		}
	}

	heads, err := SplitHeads([]*mat.Dense{x}, 2, true)
	require.NoError(t, err)
	require.Len(t, heads, 2)
	assert.True(t, mat.Equal(x.Slice(2, 4, 0, 3), heads[1]))

	positions, err := SplitHeads([]*mat.Dense{x}, 2, false)
	require.NoError(t, err)
	require.Len(t, positions, 2)
	// position 1 of head 0 is row 1, of head 1 row 3
	want := mat.NewDense(2, 3, []float64{10, 11, 12, 30, 31, 32})
	assert.True(t, mat.Equal(want, positions[1]))

	_, err = SplitHeads([]*mat.Dense{x}, 3, true)
	require.ErrorIs(t, err, ErrHeadDim)
}
