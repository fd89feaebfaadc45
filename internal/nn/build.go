package nn

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/born-ml/lycoris/internal/tensor"
)

// ClassResolver names the layer type found at a module path.
type ClassResolver interface {
	// ClassOf returns the class name for a dotted module path, or "" if the
	// resolver has no rule for it.
	ClassOf(path string) string
}

// ClassResolverFunc adapts a function to ClassResolver.
type ClassResolverFunc func(path string) string

// ClassOf calls f(path).
func (f ClassResolverFunc) ClassOf(path string) string {
	return f(path)
}

// Class names assigned when the resolver has no opinion.
const (
	DefaultContainerClass = "Module"
	DefaultNormClass      = "LayerNorm"
)

type buildEntry struct {
	params   map[string]*tensor.Raw
	children map[string]struct{}
}

// Build reconstructs a module tree from a flat state dict.
//
// Every key "a.b.c.name" becomes parameter "name" of the module at "a.b.c".
// Modules without children that own a floating-point "weight" become leaf
// layers, classified by the weight rank: 2-D Linear (or Embedding when the
// resolver says so), 4-D Conv2D, 1-D Norm. Everything else is a Container
// whose class comes from the resolver. Children are ordered naturally
// ("2" before "10").
func Build(state map[string]*tensor.Raw, rootClass string, resolver ClassResolver) (Module, error) {
	entries := map[string]*buildEntry{"": newBuildEntry()}
	for key, raw := range state {
		path, name := splitKey(key)
		ensurePath(entries, path)
		entries[path].params[name] = raw
	}

	root, err := buildNode(entries, "", resolver)
	if err != nil {
		return nil, err
	}
	if c, ok := root.(*Container); ok && rootClass != "" {
		c.class = rootClass
	}
	return root, nil
}

func newBuildEntry() *buildEntry {
	return &buildEntry{params: map[string]*tensor.Raw{}, children: map[string]struct{}{}}
}

func splitKey(key string) (path, name string) {
	i := strings.LastIndexByte(key, '.')
	if i < 0 {
		return "", key
	}
	return key[:i], key[i+1:]
}

func ensurePath(entries map[string]*buildEntry, path string) {
	for path != "" {
		if _, ok := entries[path]; ok {
			return
		}
		entries[path] = newBuildEntry()
		parent, name := splitKey(path)
		ensurePath(entries, parent)
		entries[parent].children[name] = struct{}{}
		path = parent
	}
}

func buildNode(entries map[string]*buildEntry, path string, resolver ClassResolver) (Module, error) {
	e := entries[path]
	class := ""
	if resolver != nil && path != "" {
		class = resolver.ClassOf(path)
	}

	if len(e.children) == 0 && path != "" {
		if leaf, ok, err := buildLeaf(path, class, e.params); err != nil || ok {
			return leaf, err
		}
	}

	if class == "" {
		class = DefaultContainerClass
	}
	c := NewContainer(class)
	if err := attachParams(&c.node, path, e.params, nil); err != nil {
		return nil, err
	}
	for _, name := range sortedNatural(e.children) {
		child, err := buildNode(entries, JoinPath(path, name), resolver)
		if err != nil {
			return nil, err
		}
		c.AddChild(name, child)
	}
	return c, nil
}

func buildLeaf(path, class string, params map[string]*tensor.Raw) (Module, bool, error) {
	wr, ok := params["weight"]
	if !ok || !wr.DType().IsFloat() {
		return nil, false, nil
	}
	weight, err := ParameterFromRaw("weight", wr)
	if err != nil {
		return nil, false, err
	}
	var bias *Parameter
	if br, ok := params["bias"]; ok && br.DType().IsFloat() {
		if bias, err = ParameterFromRaw("bias", br); err != nil {
			return nil, false, err
		}
	}

	var (
		m    Module
		host *node
	)
	switch weight.Tensor().NDim() {
	case 2:
		if class == "Embedding" {
			e, err := NewEmbedding(weight)
			if err != nil {
				return nil, false, fmt.Errorf("%s: %w", path, err)
			}
			m, host = e, &e.node
			if bias != nil {
				e.AddParameter(bias)
			}
			break
		}
		l, err := NewLinear(weight, bias)
		if err != nil {
			return nil, false, fmt.Errorf("%s: %w", path, err)
		}
		m, host = l, &l.node
	case 4:
		c, err := NewConv2D(weight, bias)
		if err != nil {
			return nil, false, fmt.Errorf("%s: %w", path, err)
		}
		m, host = c, &c.node
	case 1:
		if class == "" {
			class = DefaultNormClass
		}
		n, err := NewNorm(class, weight, bias)
		if err != nil {
			return nil, false, fmt.Errorf("%s: %w", path, err)
		}
		m, host = n, &n.node
	default:
		return nil, false, nil
	}

	skip := map[string]bool{"weight": true}
	if bias != nil {
		skip["bias"] = true
	}
	if err := attachParams(host, path, params, skip); err != nil {
		return nil, false, err
	}
	return m, true, nil
}

func attachParams(n *node, path string, params map[string]*tensor.Raw, skip map[string]bool) error {
	names := make([]string, 0, len(params))
	for name := range params {
		if !skip[name] {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		p, err := ParameterFromRaw(name, params[name])
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		n.AddParameter(p)
	}
	return nil
}

func sortedNatural(set map[string]struct{}) []string {
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		return naturalLess(names[i], names[j])
	})
	return names
}

func naturalLess(a, b string) bool {
	ai, aerr := strconv.Atoi(a)
	bi, berr := strconv.Atoi(b)
	switch {
	case aerr == nil && berr == nil:
		return ai < bi
	case aerr == nil:
		return true
	case berr == nil:
		return false
	default:
		return a < b
	}
}
