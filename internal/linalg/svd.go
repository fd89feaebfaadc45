// Package linalg wraps the gonum decompositions used by delta extraction.
package linalg

import (
	"errors"
	"fmt"

	"github.com/born-ml/lycoris/internal/tensor"
	"gonum.org/v1/gonum/mat"
)

// ErrNoConvergence is returned when the SVD fails to converge.
var ErrNoConvergence = errors.New("linalg: svd did not converge")

// SVD is a thin singular value decomposition A = U·diag(S)·Vh.
//
// U is m×k, S has k values sorted in descending order and Vh is k×n, with
// k = min(m, n).
type SVD struct {
	U  *mat.Dense
	S  []float64
	Vh *mat.Dense
}

// Decompose computes the thin SVD of a 2-D tensor.
func Decompose(a *tensor.Tensor) (*SVD, error) {
	d, err := a.ToDense()
	if err != nil {
		return nil, fmt.Errorf("svd: %w", err)
	}
	var svd mat.SVD
	if ok := svd.Factorize(d, mat.SVDThin); !ok {
		return nil, ErrNoConvergence
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	vh := mat.DenseCopyOf(v.T())
	return &SVD{U: &u, S: svd.Values(nil), Vh: vh}, nil
}

// Truncate returns the rank-r factors (U[:, :r]·diag(S[:r]), Vh[:r, :]) as
// float32 tensors of shape (m, r) and (r, n).
func (s *SVD) Truncate(rank int) (us, vh *tensor.Tensor, err error) {
	if rank < 1 || rank > len(s.S) {
		return nil, nil, fmt.Errorf("svd: rank %d out of range [1, %d]", rank, len(s.S))
	}
	m, _ := s.U.Dims()
	_, n := s.Vh.Dims()

	u := s.U.Slice(0, m, 0, rank)
	var scaled mat.Dense
	scaled.Apply(func(_, j int, v float64) float64 { return v * s.S[j] }, u)

	return tensor.FromMatrix(&scaled), tensor.FromMatrix(s.Vh.Slice(0, rank, 0, n)), nil
}
