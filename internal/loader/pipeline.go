package loader

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/born-ml/lycoris/internal/blob"
	"github.com/born-ml/lycoris/internal/nn"
	"github.com/born-ml/lycoris/internal/serialization"
	"github.com/born-ml/lycoris/internal/tensor"
)

// Component directories of a diffusers pipeline.
const (
	ComponentTextEncoder  = "text_encoder"
	ComponentTextEncoder2 = "text_encoder_2"
	ComponentUNet         = "unet"
)

// ErrComponentNotFound is returned when a component directory holds no
// SafeTensors weights.
var ErrComponentNotFound = errors.New("component not found")

// Component is one model of a pipeline, rebuilt as a module tree.
type Component struct {
	Name     string
	Root     nn.Module
	Files    []string // source weight keys, shards in order
	Metadata map[string]string
}

// Pipeline is a diffusers pipeline directory: one or two CLIP text encoders
// and a UNet.
type Pipeline struct {
	TextEncoder  *Component
	TextEncoder2 *Component // nil unless SDXL
	UNet         *Component

	source blob.Store
}

// Components returns the loaded components in directory order.
func (p *Pipeline) Components() []*Component {
	out := []*Component{p.TextEncoder}
	if p.TextEncoder2 != nil {
		out = append(out, p.TextEncoder2)
	}
	return append(out, p.UNet)
}

// OpenPipeline loads text_encoder/, the optional text_encoder_2/ and unet/
// from store.
func OpenPipeline(ctx context.Context, store blob.Store) (*Pipeline, error) {
	p := &Pipeline{source: store}
	var err error
	if p.TextEncoder, err = LoadComponent(ctx, store, ComponentTextEncoder); err != nil {
		return nil, err
	}
	p.TextEncoder2, err = LoadComponent(ctx, store, ComponentTextEncoder2)
	if errors.Is(err, ErrComponentNotFound) {
		p.TextEncoder2 = nil
	} else if err != nil {
		return nil, err
	}
	if p.UNet, err = LoadComponent(ctx, store, ComponentUNet); err != nil {
		return nil, err
	}
	return p, nil
}

// shardSuffix matches the "-00001-of-00003" part of sharded weight names.
var shardSuffix = regexp.MustCompile(`-\d{5}-of-\d{5}$`)

// variantOf returns the variant tag of a weight file name:
// "model.fp16.safetensors" -> "fp16", "model-00001-of-00002.safetensors" -> "".
func variantOf(name string) string {
	base := strings.TrimSuffix(name, ".safetensors")
	base = shardSuffix.ReplaceAllString(base, "")
	if i := strings.IndexByte(base, '.'); i >= 0 {
		return base[i+1:]
	}
	return ""
}

// weightFiles picks the SafeTensors files of one component directory. The
// plain variant is preferred; otherwise the first variant in name order.
func weightFiles(infos []blob.Info, dir string) []string {
	byVariant := map[string][]string{}
	for _, info := range infos {
		rel := strings.TrimPrefix(info.Key, dir+"/")
		if strings.Contains(rel, "/") || !strings.HasSuffix(rel, ".safetensors") {
			continue
		}
		v := variantOf(rel)
		byVariant[v] = append(byVariant[v], info.Key)
	}
	if len(byVariant) == 0 {
		return nil
	}
	variants := make([]string, 0, len(byVariant))
	for v := range byVariant {
		variants = append(variants, v)
	}
	sort.Strings(variants)
	files := byVariant[variants[0]]
	sort.Strings(files)
	return files
}

// LoadComponent loads and rebuilds the component stored under dir.
func LoadComponent(ctx context.Context, store blob.Store, dir string) (*Component, error) {
	infos, err := store.List(ctx, dir+"/")
	if err != nil {
		return nil, err
	}
	files := weightFiles(infos, dir)
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrComponentNotFound, dir)
	}

	state := make(map[string]*tensor.Raw)
	meta := make(map[string]string)
	for _, key := range files {
		shard, m, err := LoadSafeTensors(ctx, store, key)
		if err != nil {
			return nil, err
		}
		for name, raw := range shard {
			if _, dup := state[name]; dup {
				return nil, fmt.Errorf("%s: tensor %s appears in more than one shard", dir, name)
			}
			state[name] = raw
		}
		maps.Copy(meta, m)
	}
	delete(meta, serialization.MetadataChecksumKey)

	names := make([]string, 0, len(state))
	for name := range state {
		names = append(names, name)
	}
	arch := DetectArchitecture(names)
	mapper := GetMapper(arch)
	if mapper == nil {
		return nil, fmt.Errorf("%s: unrecognized architecture", dir)
	}
	root, err := nn.Build(state, RootClass(arch, names), mapper)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", dir, err)
	}
	return &Component{Name: dir, Root: root, Files: files, Metadata: meta}, nil
}

// weightFileName is the diffusers default file name for a component.
func weightFileName(component string) string {
	if component == ComponentUNet {
		return "diffusion_pytorch_model.safetensors"
	}
	return "model.safetensors"
}

// SavePipeline writes every component as a single SafeTensors file into dst
// and copies the remaining files of the source pipeline (configs,
// tokenizers, scheduler, VAE). Stale weight files of the saved components
// are not copied.
func SavePipeline(ctx context.Context, p *Pipeline, dst blob.Store) error {
	saved := map[string]bool{}
	for _, c := range p.Components() {
		state, err := nn.StateDict(c.Root)
		if err != nil {
			return fmt.Errorf("%s: %w", c.Name, err)
		}
		meta := maps.Clone(c.Metadata)
		if meta == nil {
			meta = map[string]string{}
		}
		if _, ok := meta["format"]; !ok {
			meta["format"] = "pt"
		}
		if err := SaveSafeTensors(ctx, dst, path.Join(c.Name, weightFileName(c.Name)), state, meta); err != nil {
			return err
		}
		saved[c.Name] = true
	}

	if p.source == nil {
		return nil
	}
	infos, err := p.source.List(ctx, "")
	if err != nil {
		return err
	}
	for _, info := range infos {
		dir, name := path.Split(info.Key)
		if saved[strings.TrimSuffix(dir, "/")] && isWeightFile(name) {
			continue
		}
		if err := blob.Copy(ctx, dst, p.source, info.Key); err != nil {
			return fmt.Errorf("copy %s: %w", info.Key, err)
		}
	}
	return nil
}

func isWeightFile(name string) bool {
	for _, ext := range []string{".safetensors", ".safetensors.index.json", ".bin", ".bin.index.json", ".ckpt"} {
		if strings.HasSuffix(name, ext) {
			return true
		}
	}
	return false
}
