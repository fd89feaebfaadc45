package lycoris

import "github.com/born-ml/lycoris/internal/nn"

// ExtractDiff decomposes every targeted layer that differs between base and
// tuned and returns the union of the per-component states.
//
// Both bundles must have the same components. Text encoders are keyed
// lora_te, or lora_te1 and lora_te2 when the bundle has two; the U-Net is
// keyed lora_unet. Layers present in base but missing or reshaped in tuned
// are skipped.
func ExtractDiff(base, tuned Bundle, opts Options) (State, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if !sameLayout(base, tuned) {
		return nil, ErrBundleMismatch
	}
	opts = opts.withDefaults()

	bases := opts.Policy.components(base)
	tuneds := opts.Policy.components(tuned)

	out := make(State)
	var textKeys, unetKeys int
	for i, c := range bases {
		state, err := extractComponent(c, tuneds[i].module, opts)
		if err != nil {
			return nil, err
		}
		if c.name == ComponentUNet {
			unetKeys += len(state)
		} else {
			textKeys += len(state)
		}
		out.union(state)
	}

	opts.Logger.Info("extraction finished",
		"text_encoder", textKeys,
		"unet", unetKeys,
		"layers", len(out.Layers()),
		"policy", opts.Policy.Version)
	return out, nil
}

// extractComponent runs extraction over one component. Targets are found
// in the base tree and paired with the module at the same path in tuned.
func extractComponent(c component, tuned nn.Module, opts Options) (State, error) {
	groups := collectTargets(c, extractable)
	opts.Logger.Debug("targets collected", "component", c.name, "modules", len(groups), "layers", countTargets(groups))
	state := make(State)
	for i, g := range groups {
		opts.Logger.Debug("calculating svd", "component", c.name, "module", g.name)
		for _, t := range g.targets {
			tm, ok := nn.Find(tuned, t.path).(nn.Weighted)
			if !ok || !tm.Weight().Tensor().Shape().Equal(t.layer.Weight().Tensor().Shape()) {
				opts.Logger.Warn("layer missing in tuned model", "key", t.key, "path", t.path)
				continue
			}
			entries, d, err := extractLayer(t.key, t.layer, tm, opts)
			if err != nil {
				return nil, &LayerError{Key: t.key, Op: "extract", Err: err}
			}
			if entries == nil {
				opts.Logger.Debug("layer unchanged", "key", t.key)
				continue
			}
			opts.Logger.Debug("layer extracted",
				"key", t.key,
				"decomposition", d.Kind.String(),
				"rank", d.Rank)
			state.union(entries)
		}
		if opts.Progress != nil {
			opts.Progress(c.name, g.name, i+1, len(groups))
		}
	}
	return state, nil
}
