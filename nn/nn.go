// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package nn exposes the model tree that LyCORIS extraction and merge walk.
//
// A model is a tree of modules: containers carry a class name (for example
// "CLIPAttention" or "ResnetBlock2D") and named children; leaves are Linear,
// Conv2D, Norm or Embedding layers holding their parameters. Trees are
// built from a flat safetensors state with Build and written back with
// StateDict.
//
// Example:
//
//	root, err := nn.Build(state, "UNet2DConditionModel", resolver)
//	for _, m := range nn.NamedModules(root) {
//	    fmt.Println(m.Name, m.Module.ClassName())
//	}
package nn

import (
	"github.com/born-ml/lycoris/internal/nn"
	"github.com/born-ml/lycoris/tensor"
)

// Module is a node of a model tree.
type Module = nn.Module

// Weighted is implemented by leaves that hold a weight and an optional bias.
type Weighted = nn.Weighted

// Kind classifies a module by the capability it offers.
type Kind = nn.Kind

// Module kinds.
const (
	KindContainer Kind = nn.KindContainer
	KindLinear    Kind = nn.KindLinear
	KindConv2D    Kind = nn.KindConv2D
	KindNorm      Kind = nn.KindNorm
	KindEmbedding Kind = nn.KindEmbedding
)

// Concrete module types.
type (
	Container = nn.Container
	Linear    = nn.Linear
	Conv2D    = nn.Conv2D
	Norm      = nn.Norm
	Embedding = nn.Embedding
	Parameter = nn.Parameter
	Child     = nn.Child
	Named     = nn.Named
)

// ClassResolver maps a dotted module path to its class name.
type ClassResolver = nn.ClassResolver

// ClassResolverFunc adapts a function to ClassResolver.
type ClassResolverFunc = nn.ClassResolverFunc

// Build rebuilds a module tree from a flat state.
func Build(state map[string]*tensor.Raw, rootClass string, resolver ClassResolver) (Module, error) {
	return nn.Build(state, rootClass, resolver)
}

// StateDict flattens a tree back into a state, each parameter encoded in
// its original dtype.
func StateDict(root Module) (map[string]*tensor.Raw, error) {
	return nn.StateDict(root)
}

// NamedModules lists every module depth-first, parent before children.
func NamedModules(root Module) []Named {
	return nn.NamedModules(root)
}

// Find returns the module at a dotted path, or nil.
func Find(root Module, path string) Module {
	return nn.Find(root, path)
}

// Freeze marks every parameter of the tree as not requiring gradients.
func Freeze(m Module) {
	nn.Freeze(m)
}
