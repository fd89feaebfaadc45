package lycoris

import (
	"slices"

	"github.com/born-ml/lycoris/internal/nn"
)

// target is one leaf layer selected by a Policy.
type target struct {
	path  string // dotted module path within the component
	key   string // flat key
	layer nn.Weighted
}

// targetGroup is a matched container (or exact name) and the leaves it
// contributes.
type targetGroup struct {
	name    string
	targets []target
}

// extractable accepts Linear and Conv2d layers.
func extractable(m nn.Module) bool {
	k := m.Kind()
	return k == nn.KindLinear || k == nn.KindConv2D
}

// mergeable additionally accepts normalization layers, which can carry Full
// and Norm deltas.
func mergeable(m nn.Module) bool {
	return extractable(m) || m.Kind() == nn.KindNorm
}

// collectTargets walks c.module in NamedModules order. A module whose class
// is a target class contributes every accepted descendant (itself
// included); otherwise a module whose path is a target name contributes
// itself if accepted. A key reached more than once, as happens with nested
// target containers, is kept only the first time.
func collectTargets(c component, accept func(nn.Module) bool) []targetGroup {
	seen := make(map[string]bool)
	var groups []targetGroup

	add := func(g *targetGroup, path, child string, m nn.Module) {
		if !accept(m) {
			return
		}
		w, ok := m.(nn.Weighted)
		if !ok {
			return
		}
		key := FlatKey(c.prefix, path, child)
		if seen[key] {
			return
		}
		seen[key] = true
		g.targets = append(g.targets, target{path: nn.JoinPath(path, child), key: key, layer: w})
	}

	for _, nm := range nn.NamedModules(c.module) {
		g := targetGroup{name: nm.Name}
		switch {
		case slices.Contains(c.classes, nm.Module.ClassName()):
			for _, child := range nn.NamedModules(nm.Module) {
				add(&g, nm.Name, child.Name, child.Module)
			}
		case slices.Contains(c.names, nm.Name):
			add(&g, nm.Name, "", nm.Module)
		default:
			continue
		}
		if len(g.targets) > 0 {
			groups = append(groups, g)
		}
	}
	return groups
}

func countTargets(groups []targetGroup) int {
	n := 0
	for _, g := range groups {
		n += len(g.targets)
	}
	return n
}
