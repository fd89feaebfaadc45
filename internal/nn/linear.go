package nn

import "fmt"

// Linear implements a fully connected (dense) layer.
//
// Weight has shape [out_features, in_features]; bias, when present, has
// shape [out_features].
type Linear struct {
	node
	weight *Parameter
	bias   *Parameter
}

// NewLinear creates a Linear layer from its parameters. bias may be nil.
func NewLinear(weight, bias *Parameter) (*Linear, error) {
	if weight == nil || weight.Tensor() == nil {
		return nil, fmt.Errorf("linear: weight is required")
	}
	if weight.Tensor().NDim() != 2 {
		return nil, fmt.Errorf("linear: expected 2-D weight, got shape %v", weight.Tensor().Shape())
	}
	l := &Linear{node: node{class: "Linear"}, weight: weight, bias: bias}
	l.AddParameter(weight)
	if bias != nil {
		l.AddParameter(bias)
	}
	return l, nil
}

// Kind returns KindLinear.
func (l *Linear) Kind() Kind {
	return KindLinear
}

// Weight returns the weight parameter.
func (l *Linear) Weight() *Parameter {
	return l.weight
}

// Bias returns the bias parameter (nil if absent).
func (l *Linear) Bias() *Parameter {
	return l.bias
}

// InFeatures returns the input feature count.
func (l *Linear) InFeatures() int {
	return l.weight.Tensor().Dim(1)
}

// OutFeatures returns the output feature count.
func (l *Linear) OutFeatures() int {
	return l.weight.Tensor().Dim(0)
}
