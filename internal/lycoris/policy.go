package lycoris

import (
	"fmt"
	"slices"
	"strings"

	"github.com/born-ml/lycoris/internal/nn"
)

// PolicyVersion identifies the target tables of DefaultPolicy.
const PolicyVersion = "kohya-v1"

// Component prefixes of flat keys.
const (
	PrefixTextEncoder  = "lora_te"
	PrefixTextEncoder1 = "lora_te1"
	PrefixTextEncoder2 = "lora_te2"
	PrefixUNet         = "lora_unet"
)

// Policy lists which modules of each component are extracted and merged and
// the prefixes their flat keys carry. Extraction and merge must use the same
// Policy to agree on keys.
type Policy struct {
	Version string

	// UNetClasses are container classes whose Linear/Conv2d descendants
	// are targeted. UNetNames are exact module paths targeted on their own.
	UNetClasses []string
	UNetNames   []string

	// TextEncoderClasses are the container classes targeted in text
	// encoders. Text encoders have no name targets.
	TextEncoderClasses []string

	PrefixTextEncoder  string // single text encoder
	PrefixTextEncoder1 string // first of two text encoders
	PrefixTextEncoder2 string // second of two text encoders
	PrefixUNet         string
}

// DefaultPolicy returns the target tables used by kohya-style LyCORIS files
// for Stable Diffusion 1.x/2.x and SDXL.
func DefaultPolicy() *Policy {
	return &Policy{
		Version: PolicyVersion,
		UNetClasses: []string{
			"Transformer2DModel",
			"Attention",
			"ResnetBlock2D",
			"Downsample2D",
			"Upsample2D",
		},
		UNetNames: []string{
			"conv_in",
			"conv_out",
			"time_embedding.linear_1",
			"time_embedding.linear_2",
		},
		TextEncoderClasses: []string{"CLIPAttention", "CLIPMLP"},
		PrefixTextEncoder:  PrefixTextEncoder,
		PrefixTextEncoder1: PrefixTextEncoder1,
		PrefixTextEncoder2: PrefixTextEncoder2,
		PrefixUNet:         PrefixUNet,
	}
}

// Bundle is the set of model components a pipeline works on. TextEncoder2
// is set only for dual text encoder models (SDXL). A nil component is
// skipped.
type Bundle struct {
	TextEncoder  nn.Module
	TextEncoder2 nn.Module
	UNet         nn.Module
}

// IsXL reports whether the bundle has two text encoders.
func (b Bundle) IsXL() bool {
	return b.TextEncoder2 != nil
}

// Component names used in logs, reports and progress callbacks.
const (
	ComponentTextEncoder  = "text_encoder"
	ComponentTextEncoder2 = "text_encoder_2"
	ComponentUNet         = "unet"
)

// component is one model tree together with its key prefix and targets.
type component struct {
	name    string
	prefix  string
	classes []string
	names   []string
	module  nn.Module
}

// components lists the non-nil components of b in extraction order.
func (p *Policy) components(b Bundle) []component {
	var out []component
	if b.TextEncoder != nil {
		prefix := p.PrefixTextEncoder
		if b.IsXL() {
			prefix = p.PrefixTextEncoder1
		}
		out = append(out, component{
			name: ComponentTextEncoder, prefix: prefix,
			classes: p.TextEncoderClasses, module: b.TextEncoder,
		})
	}
	if b.TextEncoder2 != nil {
		out = append(out, component{
			name: ComponentTextEncoder2, prefix: p.PrefixTextEncoder2,
			classes: p.TextEncoderClasses, module: b.TextEncoder2,
		})
	}
	if b.UNet != nil {
		out = append(out, component{
			name: ComponentUNet, prefix: p.PrefixUNet,
			classes: p.UNetClasses, names: p.UNetNames, module: b.UNet,
		})
	}
	return out
}

// Validate checks that the policy can produce unique keys.
func (p *Policy) Validate() error {
	prefixes := []string{p.PrefixTextEncoder, p.PrefixTextEncoder1, p.PrefixTextEncoder2, p.PrefixUNet}
	for i, a := range prefixes {
		if a == "" {
			return fmt.Errorf("lycoris: policy %s: empty prefix", p.Version)
		}
		if strings.ContainsRune(a, '.') {
			return fmt.Errorf("lycoris: policy %s: prefix %q contains '.'", p.Version, a)
		}
		if slices.Contains(prefixes[i+1:], a) {
			return fmt.Errorf("lycoris: policy %s: duplicate prefix %q", p.Version, a)
		}
	}
	return nil
}

// sameLayout reports whether base and tuned have the same components.
func sameLayout(base, tuned Bundle) bool {
	return (base.TextEncoder == nil) == (tuned.TextEncoder == nil) &&
		(base.TextEncoder2 == nil) == (tuned.TextEncoder2 == nil) &&
		(base.UNet == nil) == (tuned.UNet == nil)
}
