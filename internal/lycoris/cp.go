package lycoris

import (
	"fmt"

	"github.com/born-ml/lycoris/internal/tensor"
)

// CPWeightFromConv composes a compressed convolution chain:
//
//	out[i, j, w, h] = sum_mn mid[m, n, w, h] · up[i, m] · down[n, j]
//
// up (out, r, 1, 1), down (r', in, 1, 1) and mid (r, r', kh, kw) give a
// weight of shape (out, in, kh, kw).
func CPWeightFromConv(up, down, mid *tensor.Tensor) (*tensor.Tensor, error) {
	up2, err := up.Flatten2D().Transpose()
	if err != nil {
		return nil, fmt.Errorf("cp weight from conv: %w", err)
	}
	t, err := mid.ContractDim1(down.Flatten2D())
	if err != nil {
		return nil, fmt.Errorf("cp weight from conv: %w", err)
	}
	w, err := t.ContractDim0(up2)
	if err != nil {
		return nil, fmt.Errorf("cp weight from conv: %w", err)
	}
	return w, nil
}

// CPWeight rebuilds a CP-decomposed factor from its core t and the two
// projection matrices:
//
//	temp[i, r, k, l] = sum_j t[i, j, k, l] · wb[j, r]
//	out[r, j, k, l]  = sum_i temp[i, j, k, l] · wa[i, r]
func CPWeight(wa, wb, t *tensor.Tensor) (*tensor.Tensor, error) {
	temp, err := t.ContractDim1(wb)
	if err != nil {
		return nil, fmt.Errorf("cp weight: %w", err)
	}
	w, err := temp.ContractDim0(wa)
	if err != nil {
		return nil, fmt.Errorf("cp weight: %w", err)
	}
	return w, nil
}
