package nn

import (
	"fmt"
	"strings"

	"github.com/born-ml/lycoris/internal/tensor"
)

// Named is a module together with its dotted path from the walk root.
type Named struct {
	Name   string
	Module Module
}

// NamedModules lists every module of the tree depth-first, parent before
// children, starting with the root under the empty name. The order is the
// Children order and is stable across calls.
func NamedModules(root Module) []Named {
	var out []Named
	var walk func(prefix string, m Module)
	walk = func(prefix string, m Module) {
		out = append(out, Named{Name: prefix, Module: m})
		for _, c := range m.Children() {
			walk(JoinPath(prefix, c.Name), c.Module)
		}
	}
	walk("", root)
	return out
}

// Find returns the module at a dotted path, or nil.
func Find(root Module, path string) Module {
	if path == "" {
		return root
	}
	cur := root
	for _, part := range strings.Split(path, ".") {
		var next Module
		for _, c := range cur.Children() {
			if c.Name == part {
				next = c.Module
				break
			}
		}
		if next == nil {
			return nil
		}
		cur = next
	}
	return cur
}

// JoinPath joins two dotted path fragments, skipping empty ones.
func JoinPath(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	default:
		return a + "." + b
	}
}

// StateDict flattens the tree into a map of dotted parameter names to
// tensors encoded in each parameter's storage dtype.
func StateDict(root Module) (map[string]*tensor.Raw, error) {
	state := make(map[string]*tensor.Raw)
	for _, nm := range NamedModules(root) {
		for _, p := range nm.Module.Parameters() {
			raw, err := p.Raw()
			if err != nil {
				return nil, fmt.Errorf("state dict %s: %w", JoinPath(nm.Name, p.Name()), err)
			}
			state[JoinPath(nm.Name, p.Name())] = raw
		}
	}
	return state, nil
}

// CountParameters returns the total number of elements across all float
// parameters of the tree.
func CountParameters(root Module) int {
	n := 0
	for _, nm := range NamedModules(root) {
		for _, p := range nm.Module.Parameters() {
			if t := p.Tensor(); t != nil {
				n += t.NumElements()
			}
		}
	}
	return n
}
