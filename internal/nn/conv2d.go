package nn

import "fmt"

// Conv2D is a 2D convolutional layer.
//
// Weight shape: [out_channels, in_channels, kernel_h, kernel_w]
// Bias shape:   [out_channels]
type Conv2D struct {
	node
	weight *Parameter
	bias   *Parameter
}

// NewConv2D creates a Conv2D layer from its parameters. bias may be nil.
func NewConv2D(weight, bias *Parameter) (*Conv2D, error) {
	if weight == nil || weight.Tensor() == nil {
		return nil, fmt.Errorf("conv2d: weight is required")
	}
	if weight.Tensor().NDim() != 4 {
		return nil, fmt.Errorf("conv2d: expected 4-D weight, got shape %v", weight.Tensor().Shape())
	}
	c := &Conv2D{node: node{class: "Conv2d"}, weight: weight, bias: bias}
	c.AddParameter(weight)
	if bias != nil {
		c.AddParameter(bias)
	}
	return c, nil
}

// Kind returns KindConv2D.
func (c *Conv2D) Kind() Kind {
	return KindConv2D
}

// Weight returns the weight parameter.
func (c *Conv2D) Weight() *Parameter {
	return c.weight
}

// Bias returns the bias parameter (nil if absent).
func (c *Conv2D) Bias() *Parameter {
	return c.bias
}

// KernelSize returns the spatial kernel (kernel_h, kernel_w).
func (c *Conv2D) KernelSize() [2]int {
	s := c.weight.Tensor().Shape()
	return [2]int{s[2], s[3]}
}

// IsPointwise reports whether the kernel is 1×1, i.e. the convolution is a
// per-pixel linear map.
func (c *Conv2D) IsPointwise() bool {
	k := c.KernelSize()
	return k[0] == 1 && k[1] == 1
}
