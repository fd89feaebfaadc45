package nn

import "fmt"

// Norm is a normalization layer (LayerNorm, GroupNorm) with an affine weight
// and bias of shape [channels].
type Norm struct {
	node
	weight *Parameter
	bias   *Parameter
}

// NewNorm creates a normalization layer. class is typically "LayerNorm" or
// "GroupNorm". bias may be nil for bias-free variants.
func NewNorm(class string, weight, bias *Parameter) (*Norm, error) {
	if weight == nil || weight.Tensor() == nil {
		return nil, fmt.Errorf("%s: weight is required", class)
	}
	if weight.Tensor().NDim() != 1 {
		return nil, fmt.Errorf("%s: expected 1-D weight, got shape %v", class, weight.Tensor().Shape())
	}
	n := &Norm{node: node{class: class}, weight: weight, bias: bias}
	n.AddParameter(weight)
	if bias != nil {
		n.AddParameter(bias)
	}
	return n, nil
}

// Kind returns KindNorm.
func (n *Norm) Kind() Kind {
	return KindNorm
}

// Weight returns the affine scale.
func (n *Norm) Weight() *Parameter {
	return n.weight
}

// Bias returns the affine shift (nil if absent).
func (n *Norm) Bias() *Parameter {
	return n.bias
}
