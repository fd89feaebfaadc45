package lycoris

import (
	"fmt"
	"slices"

	"github.com/born-ml/lycoris/internal/tensor"
)

// State is a factorized state as stored on disk: flat keys to tensors in
// their storage dtype.
type State map[string]*tensor.Raw

// Tensors is a factorized state decoded to float32.
type Tensors map[string]*tensor.Tensor

// Keys returns the keys of s in sorted order.
func (s State) Keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Layers returns the distinct layer keys of s in sorted order.
func (s State) Layers() []string {
	seen := make(map[string]struct{})
	var layers []string
	for k := range s {
		l := LayerOf(k)
		if _, ok := seen[l]; !ok {
			seen[l] = struct{}{}
			layers = append(layers, l)
		}
	}
	slices.Sort(layers)
	return layers
}

// Float32 decodes every tensor of s.
func (s State) Float32() (Tensors, error) {
	out := make(Tensors, len(s))
	for k, r := range s {
		t, err := r.Float32()
		if err != nil {
			return nil, fmt.Errorf("lycoris: decode %s: %w", k, err)
		}
		out[k] = t
	}
	return out, nil
}

// union copies every entry of other into s, later entries winning.
func (s State) union(other State) {
	for k, v := range other {
		s[k] = v
	}
}
