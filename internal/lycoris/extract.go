package lycoris

import (
	"fmt"

	"github.com/born-ml/lycoris/internal/linalg"
	"github.com/born-ml/lycoris/internal/tensor"
)

// DecompositionKind tells whether a layer diff was factorized.
type DecompositionKind int

// Decomposition kinds.
const (
	// DecompFull keeps the diff as is.
	DecompFull DecompositionKind = iota
	// DecompLowRank stores truncated SVD factors.
	DecompLowRank
)

// String returns "full" or "low rank".
func (k DecompositionKind) String() string {
	if k == DecompLowRank {
		return "low rank"
	}
	return "full"
}

// Decomposition is the result of ExtractLinear or ExtractConv.
//
// A full decomposition carries only Full, the untouched diff. A low-rank one
// carries Up·Down ≈ diff and Residual = diff - Up·Down; Mid is set once a
// convolution has been compressed into an up/mid/down chain.
type Decomposition struct {
	Kind DecompositionKind
	Rank int

	Full *tensor.Tensor

	Down     *tensor.Tensor // (rank, in) or (rank, in, kh, kw); (rank', in, 1, 1) with Mid
	Up       *tensor.Tensor // (out, rank) or (out, rank, 1, 1)
	Mid      *tensor.Tensor // (rank, rank', kh, kw)
	Residual *tensor.Tensor // same shape as the diff
}

// ExtractLinear decomposes a 2-D linear weight diff.
//
// The rank chosen by mode is clamped to [1, min(out, in)]. A rank of at
// least out/2 saves nothing and yields a full decomposition.
func ExtractLinear(diff *tensor.Tensor, mode Mode, param float64) (*Decomposition, error) {
	if diff.NDim() != 2 {
		return nil, fmt.Errorf("extract linear: expected 2-D diff, got shape %v", diff.Shape())
	}
	out, in := diff.Dim(0), diff.Dim(1)
	us, vh, rank, err := truncate(diff, out, in, mode, param, false)
	if err != nil {
		return nil, fmt.Errorf("extract linear: %w", err)
	}
	if us == nil {
		return &Decomposition{Kind: DecompFull, Full: diff}, nil
	}

	recon, err := us.MatMul(vh)
	if err != nil {
		return nil, fmt.Errorf("extract linear: %w", err)
	}
	residual, err := diff.Sub(recon)
	if err != nil {
		return nil, fmt.Errorf("extract linear: %w", err)
	}
	return &Decomposition{
		Kind:     DecompLowRank,
		Rank:     rank,
		Down:     vh,
		Up:       us,
		Residual: residual,
	}, nil
}

// ExtractConv decomposes a 4-D convolution weight diff of shape
// (out, in, kh, kw) viewed as (out, in·kh·kw).
//
// Down has shape (rank, in, kh, kw) and Up (out, rank, 1, 1). With force the
// full-rank fallback is disabled and the result is always low rank.
func ExtractConv(diff *tensor.Tensor, mode Mode, param float64, force bool) (*Decomposition, error) {
	if diff.NDim() != 4 {
		return nil, fmt.Errorf("extract conv: expected 4-D diff, got shape %v", diff.Shape())
	}
	shape := diff.Shape()
	out, in, kh, kw := shape[0], shape[1], shape[2], shape[3]
	us, vh, rank, err := truncate(diff.Flatten2D(), out, in, mode, param, force)
	if err != nil {
		return nil, fmt.Errorf("extract conv: %w", err)
	}
	if us == nil {
		return &Decomposition{Kind: DecompFull, Full: diff}, nil
	}

	recon, err := us.MatMul(vh)
	if err != nil {
		return nil, fmt.Errorf("extract conv: %w", err)
	}
	residual, err := diff.Sub(recon.MustReshape(out, in, kh, kw))
	if err != nil {
		return nil, fmt.Errorf("extract conv: %w", err)
	}
	return &Decomposition{
		Kind:     DecompLowRank,
		Rank:     rank,
		Down:     vh.MustReshape(rank, in, kh, kw),
		Up:       us.MustReshape(out, rank, 1, 1),
		Residual: residual,
	}, nil
}

// truncate runs the SVD of the 2-D view d and returns the rank-limited
// factors U·diag(S) and Vh. It returns nil factors when the layer should be
// stored in full.
func truncate(d *tensor.Tensor, out, in int, mode Mode, param float64, force bool) (us, vh *tensor.Tensor, rank int, err error) {
	if err := mode.ValidateParam(param); err != nil {
		return nil, nil, 0, err
	}
	svd, err := linalg.Decompose(d)
	if err != nil {
		return nil, nil, 0, err
	}
	rank, err = selectRank(svd.S, mode, param)
	if err != nil {
		return nil, nil, 0, err
	}
	rank = clampRank(rank, out, in)
	if float64(rank) >= float64(out)/2 && !force {
		return nil, nil, rank, nil
	}
	us, vh, err = svd.Truncate(rank)
	if err != nil {
		return nil, nil, 0, err
	}
	return us, vh, rank, nil
}

// compressConv re-factorizes the down factor of a low-rank k×k convolution
// so the layer becomes up (out, r, 1, 1) · mid (r, r', kh, kw) · down
// (r', in, 1, 1). diff is the original layer diff; the residual is
// recomputed against the new chain.
func compressConv(d *Decomposition, diff *tensor.Tensor) error {
	inner, err := ExtractConv(d.Down.SwapAxes01(), ModeFixed, float64(d.Rank), true)
	if err != nil {
		return fmt.Errorf("small conv: %w", err)
	}
	mid := inner.Down.SwapAxes01()
	down := inner.Up.SwapAxes01()

	recon, err := CPWeightFromConv(d.Up, down, mid)
	if err != nil {
		return fmt.Errorf("small conv: %w", err)
	}
	residual, err := diff.Sub(recon)
	if err != nil {
		return fmt.Errorf("small conv: %w", err)
	}
	d.Mid, d.Down, d.Residual = mid, down, residual
	return nil
}
