package lycoris

import (
	"strings"

	"github.com/born-ml/lycoris/internal/tensor"
)

// LayerInfo summarizes one stored layer of a factorized state.
type LayerInfo struct {
	Key       string
	Component string // "" when no policy prefix matches
	Kind      Kind   // 0 when no module is recognized
	Rank      int    // inner dimension of low-rank factors, 0 otherwise
	Alpha     *float64
	Params    int
	Sparse    int                     // non-zero values of a stored sparse residual
	Shapes    map[string]tensor.Shape // suffix -> shape
}

// ComponentOf returns the component a flat key belongs to, or "" if it
// carries none of the policy prefixes.
func (p *Policy) ComponentOf(key string) string {
	layer := LayerOf(key)
	switch {
	case strings.HasPrefix(layer, p.PrefixUNet+"_"):
		return ComponentUNet
	case strings.HasPrefix(layer, p.PrefixTextEncoder2+"_"):
		return ComponentTextEncoder2
	case strings.HasPrefix(layer, p.PrefixTextEncoder1+"_"),
		strings.HasPrefix(layer, p.PrefixTextEncoder+"_"):
		return ComponentTextEncoder
	default:
		return ""
	}
}

// Inspect decodes every layer of state. A nil policy means DefaultPolicy.
func Inspect(state State, p *Policy) ([]LayerInfo, error) {
	if p == nil {
		p = DefaultPolicy()
	}
	tensors, err := state.Float32()
	if err != nil {
		return nil, err
	}

	infos := make([]LayerInfo, 0)
	index := map[string]int{}
	for _, k := range state.Keys() {
		layer := LayerOf(k)
		i, ok := index[layer]
		if !ok {
			i = len(infos)
			index[layer] = i
			infos = append(infos, LayerInfo{
				Key:       layer,
				Component: p.ComponentOf(layer),
				Shapes:    map[string]tensor.Shape{},
			})
		}
		raw := state[k]
		infos[i].Params += raw.NumElements()
		infos[i].Shapes[strings.TrimPrefix(k, layer+".")] = raw.Shape()
	}

	for i := range infos {
		m, err := GetModule(tensors, infos[i].Key)
		if err != nil {
			return nil, err
		}
		if m == nil {
			continue
		}
		infos[i].Kind = m.Kind()
		infos[i].Rank, infos[i].Alpha = rankOf(m)
		if lc, ok := m.(*LoCon); ok && lc.Residual != nil {
			for _, v := range lc.Residual.Data() {
				if v != 0 {
					infos[i].Sparse++
				}
			}
		}
	}
	return infos, nil
}

func rankOf(m Module) (int, *float64) {
	switch m := m.(type) {
	case *LoCon:
		return m.Down.Dim(0), m.Alpha
	case *Hada:
		return m.W1b.Dim(0), m.Alpha
	case *Kron:
		switch {
		case m.W1b != nil:
			return m.W1b.Dim(0), m.Alpha
		case m.W2b != nil:
			return m.W2b.Dim(0), m.Alpha
		}
		return 0, m.Alpha
	default:
		return 0, nil
	}
}

// CountByKind tallies layers per component and kind.
func CountByKind(infos []LayerInfo) map[string]map[Kind]int {
	out := map[string]map[Kind]int{}
	for _, info := range infos {
		if info.Kind == 0 {
			continue
		}
		byKind, ok := out[info.Component]
		if !ok {
			byKind = map[Kind]int{}
			out[info.Component] = byKind
		}
		byKind[info.Kind]++
	}
	return out
}
