package lycoris

import (
	"fmt"

	"github.com/born-ml/lycoris/internal/nn"
	"github.com/born-ml/lycoris/internal/tensor"
)

// Tolerances of the unchanged-layer check, matching torch.allclose.
const (
	allCloseRTol = 1e-5
	allCloseATol = 1e-8
)

// extractLayer decomposes the change from base to tuned of one layer and
// returns its state entries. It returns a nil State when the layer is
// unchanged or below opts.MinDiff.
func extractLayer(key string, base, tuned nn.Weighted, opts Options) (State, *Decomposition, error) {
	if base.Kind() != tuned.Kind() {
		return nil, nil, fmt.Errorf("layer kind %s vs %s", base.Kind(), tuned.Kind())
	}
	bw, tw := base.Weight().Tensor(), tuned.Weight().Tensor()
	if tw.AllClose(bw, allCloseRTol, allCloseATol) {
		return nil, nil, nil
	}
	diff, err := tw.Sub(bw)
	if err != nil {
		return nil, nil, err
	}
	if opts.MinDiff > 0 && float64(diff.MaxAbs()) < opts.MinDiff {
		return nil, nil, nil
	}

	var d *Decomposition
	switch layer := tuned.(type) {
	case *nn.Linear:
		d, err = ExtractLinear(diff, opts.Mode, opts.LinearParam)
	case *nn.Conv2D:
		param := opts.ConvParam
		if layer.IsPointwise() {
			param = opts.LinearParam
		}
		d, err = ExtractConv(diff, opts.Mode, param, false)
		if err == nil && d.Kind == DecompLowRank && opts.SmallConv && !layer.IsPointwise() {
			err = compressConv(d, diff)
		}
	default:
		return nil, nil, fmt.Errorf("%w: layer class %s", ErrNotImplemented, tuned.ClassName())
	}
	if err != nil {
		return nil, nil, err
	}

	state, err := encodeDecomposition(key, d, opts)
	if err != nil {
		return nil, nil, err
	}
	return state, d, nil
}

// encodeDecomposition converts a decomposition into state entries in
// storage precision.
func encodeDecomposition(key string, d *Decomposition, opts Options) (State, error) {
	state := make(State)
	put := func(suffix string, t *tensor.Tensor) error {
		r, err := tensor.Encode(t, tensor.Float16)
		if err != nil {
			return fmt.Errorf("encode %s: %w", suffix, err)
		}
		state[key+"."+suffix] = r
		return nil
	}

	if d.Kind == DecompFull {
		if err := put("diff", d.Full); err != nil {
			return nil, err
		}
		return state, nil
	}

	if err := put("lora_down.weight", d.Down); err != nil {
		return nil, err
	}
	if err := put("lora_up.weight", d.Up); err != nil {
		return nil, err
	}
	if d.Mid != nil {
		if err := put("lora_mid.weight", d.Mid); err != nil {
			return nil, err
		}
	}
	if err := put("alpha", tensor.Scalar(float32(d.Up.Dim(1)))); err != nil {
		return nil, err
	}

	if opts.UseBias {
		residual, err := d.Residual.Reshape(d.Up.Dim(0), -1)
		if err != nil {
			return nil, err
		}
		sp, err := encodeSparse(makeSparse(residual, opts.Sparsity))
		if err != nil {
			return nil, err
		}
		state[key+".bias_indices"] = sp.indices
		state[key+".bias_values"] = sp.values
		state[key+".bias_size"] = sp.size
	}
	return state, nil
}
