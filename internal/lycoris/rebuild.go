package lycoris

import (
	"fmt"

	"github.com/born-ml/lycoris/internal/tensor"
)

// RebuildWeight adds the delta m, multiplied by scale, to a layer's weight
// and bias and returns the merged tensors. The inputs are not modified.
//
// A nil weight means the layer is absent: weight and bias are returned as
// given. Stored alpha values rescale the delta by alpha/rank.
func RebuildWeight(m Module, weight, bias *tensor.Tensor, scale float64) (*tensor.Tensor, *tensor.Tensor, error) {
	if weight == nil {
		return weight, bias, nil
	}
	switch m := m.(type) {
	case *LoCon:
		return m.rebuild(weight, bias, scale)
	case *Hada:
		return m.rebuild(weight, bias, scale)
	case *IA3:
		return m.rebuild(weight, bias, scale)
	case *Kron:
		return m.rebuild(weight, bias, scale)
	case *Full:
		return m.rebuild(weight, bias, scale)
	case *Norm:
		return m.rebuild(weight, bias, scale)
	default:
		return nil, nil, fmt.Errorf("%w: module %T", ErrNotImplemented, m)
	}
}

// addDelta returns weight + delta·scale with delta reshaped to the weight.
func addDelta(weight, delta *tensor.Tensor, scale float64) (*tensor.Tensor, error) {
	d, err := delta.Reshape(weight.Shape()...)
	if err != nil {
		return nil, fmt.Errorf("%w: delta %v for weight %v", ErrMalformedModule, delta.Shape(), weight.Shape())
	}
	return weight.AddScaled(d, scale)
}

// factor returns a·b, or CPWeight(a, b, t) when a CP core is present.
func factor(a, b, t *tensor.Tensor) (*tensor.Tensor, error) {
	if t != nil {
		return CPWeight(a, b, t)
	}
	return a.MatMul(b)
}

func (l *LoCon) rebuild(weight, bias *tensor.Tensor, scale float64) (*tensor.Tensor, *tensor.Tensor, error) {
	if l.Alpha != nil {
		scale *= *l.Alpha / float64(l.Up.Dim(1))
	}
	var (
		delta *tensor.Tensor
		err   error
	)
	if l.Mid != nil {
		delta, err = CPWeightFromConv(l.Up, l.Down, l.Mid)
	} else {
		delta, err = l.Up.Flatten2D().MatMul(l.Down.Flatten2D())
	}
	if err != nil {
		return nil, nil, fmt.Errorf("locon: %w", err)
	}
	merged, err := addDelta(weight, delta, scale)
	if err != nil {
		return nil, nil, fmt.Errorf("locon: %w", err)
	}
	return merged, bias, nil
}

func (h *Hada) rebuild(weight, bias *tensor.Tensor, scale float64) (*tensor.Tensor, *tensor.Tensor, error) {
	if h.Alpha != nil {
		scale *= *h.Alpha / float64(h.W1b.Dim(0))
	}
	r1, err := factor(h.W1a, h.W1b, h.T1)
	if err != nil {
		return nil, nil, fmt.Errorf("hada w1: %w", err)
	}
	r2, err := factor(h.W2a, h.W2b, h.T2)
	if err != nil {
		return nil, nil, fmt.Errorf("hada w2: %w", err)
	}
	delta, err := r1.Mul(r2)
	if err != nil {
		return nil, nil, fmt.Errorf("hada: %w", err)
	}
	merged, err := addDelta(weight, delta, scale)
	if err != nil {
		return nil, nil, fmt.Errorf("hada: %w", err)
	}
	return merged, bias, nil
}

func (a *IA3) rebuild(weight, bias *tensor.Tensor, scale float64) (*tensor.Tensor, *tensor.Tensor, error) {
	dim := 0
	if a.OnInput {
		dim = 1
	}
	delta, err := weight.MulAlongDim(a.Weight, dim)
	if err != nil {
		return nil, nil, fmt.Errorf("ia3: %w", err)
	}
	merged, err := weight.AddScaled(delta, scale)
	if err != nil {
		return nil, nil, fmt.Errorf("ia3: %w", err)
	}
	return merged, bias, nil
}

func (k *Kron) rebuild(weight, bias *tensor.Tensor, scale float64) (*tensor.Tensor, *tensor.Tensor, error) {
	if k.Alpha != nil {
		switch {
		case k.W1b != nil:
			scale *= *k.Alpha / float64(k.W1b.Dim(0))
		case k.W2b != nil:
			scale *= *k.Alpha / float64(k.W2b.Dim(0))
		default:
			return nil, nil, ErrKronAlphaWithoutRank
		}
	}

	w1, w2 := k.W1, k.W2
	var err error
	if k.W1a != nil && k.W1b != nil {
		if w1, err = factor(k.W1a, k.W1b, k.T1); err != nil {
			return nil, nil, fmt.Errorf("kron w1: %w", err)
		}
	}
	if k.W2a != nil && k.W2b != nil {
		if w2, err = factor(k.W2a, k.W2b, k.T2); err != nil {
			return nil, nil, fmt.Errorf("kron w2: %w", err)
		}
	}
	if w1 == nil || w2 == nil {
		return nil, nil, fmt.Errorf("kron: %w: missing factor", ErrMalformedModule)
	}
	if w2.NDim() == 4 && w1.NDim() == 2 {
		w1 = w1.Unsqueeze(2).Unsqueeze(2)
	}

	merged, err := addDelta(weight, tensor.Kron(w1, w2), scale)
	if err != nil {
		return nil, nil, fmt.Errorf("kron: %w", err)
	}
	return merged, bias, nil
}

func (f *Full) rebuild(weight, bias *tensor.Tensor, scale float64) (*tensor.Tensor, *tensor.Tensor, error) {
	merged, err := addDelta(weight, f.Diff, scale)
	if err != nil {
		return nil, nil, fmt.Errorf("full: %w", err)
	}
	mergedBias := bias
	if bias != nil && f.DiffB != nil {
		if mergedBias, err = addDelta(bias, f.DiffB, scale); err != nil {
			return nil, nil, fmt.Errorf("full bias: %w", err)
		}
	}
	return merged, mergedBias, nil
}

func (n *Norm) rebuild(weight, bias *tensor.Tensor, scale float64) (*tensor.Tensor, *tensor.Tensor, error) {
	if bias == nil || n.B == nil {
		return nil, nil, ErrNormBiasRequired
	}
	merged, err := addDelta(weight, n.W, scale)
	if err != nil {
		return nil, nil, fmt.Errorf("norm: %w", err)
	}
	mergedBias, err := addDelta(bias, n.B, scale)
	if err != nil {
		return nil, nil, fmt.Errorf("norm bias: %w", err)
	}
	return merged, mergedBias, nil
}
