package checkpoint

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Tensor represents a multi-dimensional array
type Tensor struct {
	Data  []float32
	Shape []int
}

// NewTensor creates a new tensor with given shape
func NewTensor(shape ...int) *Tensor {
	size := 1
	for _, dim := range shape {
		size *= dim
	}
	return &Tensor{
		Data:  make([]float32, size),
		Shape: shape,
	}
}

// Size returns total number of elements
func (t *Tensor) Size() int {
	size := 1
	for _, dim := range t.Shape {
		size *= dim
	}
	return size
}

// Dense widens the tensor into a float64 matrix. Vectors become a single
// column so that their only axis is the row axis.
func (t *Tensor) Dense() (*mat.Dense, error) {
	var rows, cols int
	switch len(t.Shape) {
	case 1:
		rows, cols = t.Shape[0], 1
	case 2:
		rows, cols = t.Shape[0], t.Shape[1]
	default:
		return nil, fmt.Errorf("%w: rank %d", ErrUnsupportedRank, len(t.Shape))
	}
	if rows == 0 || cols == 0 {
		return nil, fmt.Errorf("%w: shape %v", ErrEmptyTensor, t.Shape)
	}

	data := make([]float64, len(t.Data))
	for i, v := range t.Data {
		data[i] = float64(v)
	}
	return mat.NewDense(rows, cols, data), nil
}

// FromDense narrows m back to float32 using the given shape. The shape must
// hold exactly as many elements as m.
func FromDense(m mat.Matrix, shape []int) (*Tensor, error) {
	r, c := m.Dims()
	t := NewTensor(append([]int(nil), shape...)...)
	if t.Size() != r*c {
		return nil, fmt.Errorf("cannot narrow %dx%d matrix into shape %v", r, c, shape)
	}
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			t.Data[i*c+j] = float32(m.At(i, j))
		}
	}
	return t, nil
}
