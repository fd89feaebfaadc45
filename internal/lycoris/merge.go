package lycoris

import (
	"fmt"

	"github.com/born-ml/lycoris/internal/nn"
	"github.com/born-ml/lycoris/internal/tensor"
)

// MergeReport counts the layers a merge changed.
type MergeReport struct {
	Total       int
	ByKind      map[Kind]int
	ByComponent map[string]int
	Counts      map[string]map[Kind]int // component -> kind -> layers
}

// Merge adds the deltas of state, multiplied by scale, into the weights of
// bundle in place.
//
// Layers are found with the same Policy as ExtractDiff. Every targeted
// Linear, Conv2d or normalization layer whose key has a stored delta is
// rebuilt, written back and frozen; layers without a delta are left
// untouched. The caller must not use bundle concurrently.
func Merge(bundle Bundle, state State, scale float64, opts MergeOptions) (*MergeReport, error) {
	opts = opts.withDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	tensors, err := state.Float32()
	if err != nil {
		return nil, err
	}

	report := &MergeReport{ByKind: map[Kind]int{}, ByComponent: map[string]int{}, Counts: map[string]map[Kind]int{}}
	for _, c := range opts.Policy.components(bundle) {
		groups := collectTargets(c, mergeable)
		for i, g := range groups {
			for _, t := range g.targets {
				kind, err := mergeLayer(t, tensors, scale)
				if err != nil {
					return nil, &LayerError{Key: t.key, Op: "merge", Err: err}
				}
				if kind == 0 {
					continue
				}
				report.Total++
				report.ByKind[kind]++
				report.ByComponent[c.name]++
				if report.Counts[c.name] == nil {
					report.Counts[c.name] = map[Kind]int{}
				}
				report.Counts[c.name][kind]++
				opts.Logger.Debug("layer merged", "key", t.key, "kind", kind.String())
			}
			if opts.Progress != nil {
				opts.Progress(c.name, g.name, i+1, len(groups))
			}
		}
	}

	opts.Logger.Info(fmt.Sprintf("%d modules merged", report.Total),
		"text_encoder", report.ByComponent[ComponentTextEncoder]+report.ByComponent[ComponentTextEncoder2],
		"unet", report.ByComponent[ComponentUNet])
	return report, nil
}

// mergeLayer applies the delta stored for t, if any, and returns its kind
// (0 when nothing was stored).
func mergeLayer(t target, state Tensors, scale float64) (Kind, error) {
	m, err := GetModule(state, t.key)
	if err != nil {
		return 0, err
	}
	if m == nil {
		return 0, nil
	}

	weight := t.layer.Weight()
	bias := biasTensor(t.layer.Bias())
	w, b, err := RebuildWeight(m, weight.Tensor(), bias, scale)
	if err != nil {
		return 0, err
	}
	if err := weight.CopyFrom(w); err != nil {
		return 0, err
	}
	if b != nil && b != bias {
		if err := t.layer.Bias().CopyFrom(b); err != nil {
			return 0, err
		}
	}
	nn.Freeze(t.layer)
	return m.Kind(), nil
}

func biasTensor(p *nn.Parameter) *tensor.Tensor {
	if p == nil {
		return nil
	}
	return p.Tensor()
}
