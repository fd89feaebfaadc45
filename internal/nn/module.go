// Package nn implements the module tree that extraction and merge walk.
//
// A model is a tree of named modules. Every module reports a class name (the
// name of the layer type in the originating framework, e.g. "Attention" or
// "ResnetBlock2D"), its ordered children and its directly owned parameters.
// Leaf layers additionally expose capability interfaces:
//   - Weighted: a weight parameter and an optional bias
//   - Conv2D.KernelSize: the spatial kernel of a convolution
//
// Trees are built from flat safetensors state dicts with Build and turned back
// into state dicts with StateDict; parameter names follow the usual dotted
// module path convention ("down_blocks.0.resnets.1.conv1.weight").
package nn

// Kind classifies a module by the capability it offers to the pipelines.
type Kind int

// Module kinds.
const (
	KindContainer Kind = iota
	KindLinear
	KindConv2D
	KindNorm
	KindEmbedding
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindContainer:
		return "container"
	case KindLinear:
		return "linear"
	case KindConv2D:
		return "conv2d"
	case KindNorm:
		return "norm"
	case KindEmbedding:
		return "embedding"
	default:
		return "unknown"
	}
}

// Module is the base interface for all nodes of a model tree.
type Module interface {
	// ClassName returns the layer type name used for target matching.
	ClassName() string

	// Kind returns the capability class of the module.
	Kind() Kind

	// Children returns the direct submodules in a stable order.
	Children() []Child

	// Parameters returns the parameters and buffers owned directly by this
	// module (not by its children).
	Parameters() []*Parameter
}

// Weighted is implemented by leaf layers carrying a weight and optional bias.
type Weighted interface {
	Module

	// Weight returns the weight parameter. Never nil.
	Weight() *Parameter

	// Bias returns the bias parameter, or nil if the layer has none.
	Bias() *Parameter
}

// Child is a named direct submodule.
type Child struct {
	Name   string
	Module Module
}

// node holds the state shared by every concrete module type.
type node struct {
	class    string
	children []Child
	params   []*Parameter
}

// ClassName returns the layer type name.
func (n *node) ClassName() string {
	return n.class
}

// Children returns the direct submodules.
func (n *node) Children() []Child {
	return n.children
}

// Parameters returns the directly owned parameters.
func (n *node) Parameters() []*Parameter {
	return n.params
}

func (n *node) param(name string) *Parameter {
	for _, p := range n.params {
		if p.Name() == name {
			return p
		}
	}
	return nil
}

// AddChild appends a named submodule.
func (n *node) AddChild(name string, m Module) {
	n.children = append(n.children, Child{Name: name, Module: m})
}

// AddParameter attaches a parameter or buffer to the module.
func (n *node) AddParameter(p *Parameter) {
	n.params = append(n.params, p)
}

// Container is a module with no weight of its own: blocks, attention
// wrappers and the model roots.
type Container struct {
	node
}

// NewContainer creates an empty container with the given class name.
func NewContainer(class string) *Container {
	return &Container{node: node{class: class}}
}

// Kind returns KindContainer.
func (c *Container) Kind() Kind {
	return KindContainer
}

// Freeze disables gradient tracking for every parameter in the subtree.
func Freeze(m Module) {
	for _, p := range m.Parameters() {
		p.SetRequiresGrad(false)
	}
	for _, c := range m.Children() {
		Freeze(c.Module)
	}
}
