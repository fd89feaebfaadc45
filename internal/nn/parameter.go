package nn

import (
	"fmt"

	"github.com/born-ml/lycoris/internal/tensor"
)

// Parameter represents a named tensor owned by a module.
//
// Floating-point parameters are decoded to float32 for arithmetic and
// remember their storage dtype so StateDict writes them back unchanged.
// Non-float buffers (e.g. int64 position ids) are kept as raw bytes and are
// never touched by the pipelines.
type Parameter struct {
	name         string         // Local name (e.g., "weight", "bias")
	value        *tensor.Tensor // float32 value, nil for non-float buffers
	raw          *tensor.Raw    // Original raw tensor for non-float buffers
	dtype        tensor.DataType
	requiresGrad bool
}

// NewParameter creates a float32 parameter with the given storage dtype.
func NewParameter(name string, t *tensor.Tensor, dtype tensor.DataType) *Parameter {
	return &Parameter{
		name:         name,
		value:        t,
		dtype:        dtype,
		requiresGrad: true,
	}
}

// ParameterFromRaw creates a parameter from a stored tensor. Float dtypes
// are decoded; anything else is kept as an opaque buffer.
func ParameterFromRaw(name string, r *tensor.Raw) (*Parameter, error) {
	if !r.DType().IsFloat() {
		return &Parameter{name: name, raw: r, dtype: r.DType()}, nil
	}
	t, err := r.Float32()
	if err != nil {
		return nil, fmt.Errorf("parameter %s: %w", name, err)
	}
	return NewParameter(name, t, r.DType()), nil
}

// Name returns the parameter name.
func (p *Parameter) Name() string {
	return p.name
}

// Tensor returns the float32 value, or nil for a non-float buffer.
func (p *Parameter) Tensor() *tensor.Tensor {
	return p.value
}

// DType returns the storage dtype.
func (p *Parameter) DType() tensor.DataType {
	return p.dtype
}

// RequiresGrad reports whether gradients would be tracked for this parameter.
func (p *Parameter) RequiresGrad() bool {
	return p.requiresGrad
}

// SetRequiresGrad enables or disables gradient tracking.
func (p *Parameter) SetRequiresGrad(v bool) {
	p.requiresGrad = v
}

// CopyFrom overwrites the parameter value in place. The shape must match.
func (p *Parameter) CopyFrom(t *tensor.Tensor) error {
	if p.value == nil {
		return fmt.Errorf("parameter %s: cannot assign to %s buffer", p.name, p.dtype)
	}
	if err := p.value.CopyFrom(t); err != nil {
		return fmt.Errorf("parameter %s: %w", p.name, err)
	}
	return nil
}

// Raw encodes the parameter in its storage dtype.
func (p *Parameter) Raw() (*tensor.Raw, error) {
	if p.value == nil {
		return p.raw, nil
	}
	return tensor.Encode(p.value, p.dtype)
}
