package tensor

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// ContractDim0 contracts the first axis of t with the rows of m:
//
//	out[r, ...] = sum_i t[i, ...] * m[i, r]
//
// t has shape (I, ...) and m shape (I, R); the result has shape (R, ...).
func (t *Tensor) ContractDim0(m *Tensor) (*Tensor, error) {
	if len(t.shape) < 1 || len(m.shape) != 2 || m.shape[0] != t.shape[0] {
		return nil, fmt.Errorf("contract dim 0: cannot contract %v with %v", t.shape, m.shape)
	}
	a, err := m.ToDense()
	if err != nil {
		return nil, err
	}
	b, err := t.Flatten2D().ToDense()
	if err != nil {
		return nil, err
	}
	var c mat.Dense
	c.Mul(a.T(), b)

	s := t.shape.Clone()
	s[0] = m.shape[1]
	out := FromMatrix(&c)
	out.shape = s
	return out, nil
}

// ContractDim1 contracts the second axis of t with the rows of m:
//
//	out[a, r, ...] = sum_j t[a, j, ...] * m[j, r]
//
// t has shape (A, J, ...) and m shape (J, R); the result has shape (A, R, ...).
func (t *Tensor) ContractDim1(m *Tensor) (*Tensor, error) {
	if len(t.shape) < 2 || len(m.shape) != 2 || m.shape[0] != t.shape[1] {
		return nil, fmt.Errorf("contract dim 1: cannot contract %v with %v", t.shape, m.shape)
	}
	// (A, J, rest) -> (J, A, rest), contract the leading axis, swap back.
	swapped, err := t.SwapAxes01().ContractDim0(m)
	if err != nil {
		return nil, err
	}
	return swapped.SwapAxes01(), nil
}

// Transpose returns the transpose of a 2-D tensor.
func (t *Tensor) Transpose() (*Tensor, error) {
	if len(t.shape) != 2 {
		return nil, fmt.Errorf("transpose: expected 2-D tensor, got shape %v", t.shape)
	}
	return t.SwapAxes01(), nil
}
