package tensor

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// ToDense copies a 2-D tensor into a gonum float64 matrix.
func (t *Tensor) ToDense() (*mat.Dense, error) {
	if len(t.shape) != 2 {
		return nil, fmt.Errorf("to_dense: expected 2-D tensor, got shape %v", t.shape)
	}
	buf := make([]float64, len(t.data))
	for i, v := range t.data {
		buf[i] = float64(v)
	}
	return mat.NewDense(t.shape[0], t.shape[1], buf), nil
}

// FromMatrix copies any gonum matrix into a 2-D float32 tensor.
func FromMatrix(m mat.Matrix) *Tensor {
	r, c := m.Dims()
	out := Zeros(r, c)
	for i := 0; i < r; i++ {
		row := out.data[i*c : (i+1)*c]
		for j := range row {
			row[j] = float32(m.At(i, j))
		}
	}
	return out
}

// MatMul computes the matrix product of two 2-D tensors.
// The product is evaluated in float64 through gonum and rounded back.
func (t *Tensor) MatMul(other *Tensor) (*Tensor, error) {
	if len(t.shape) != 2 || len(other.shape) != 2 {
		return nil, fmt.Errorf("matmul: expected 2-D tensors, got %v and %v", t.shape, other.shape)
	}
	if t.shape[1] != other.shape[0] {
		return nil, fmt.Errorf("matmul: inner dimensions differ: %v @ %v", t.shape, other.shape)
	}
	a, err := t.ToDense()
	if err != nil {
		return nil, err
	}
	b, err := other.ToDense()
	if err != nil {
		return nil, err
	}
	var c mat.Dense
	c.Mul(a, b)
	return FromMatrix(&c), nil
}
