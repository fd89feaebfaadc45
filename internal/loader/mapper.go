package loader

import (
	"regexp"
	"strings"

	"github.com/born-ml/lycoris/internal/nn"
)

// Architecture names.
const (
	ArchitectureUNet    = "unet"
	ArchitectureCLIP    = "clip"
	ArchitectureUnknown = "unknown"
)

// Class names assigned by the mappers.
const (
	ClassUNet                   = "UNet2DConditionModel"
	ClassCLIPText               = "CLIPTextModel"
	ClassCLIPTextWithProjection = "CLIPTextModelWithProjection"
	ClassTransformer2D          = "Transformer2DModel"
	ClassAttention              = "Attention"
	ClassResnetBlock2D          = "ResnetBlock2D"
	ClassDownsample2D           = "Downsample2D"
	ClassUpsample2D             = "Upsample2D"
	ClassCLIPAttention          = "CLIPAttention"
	ClassCLIPMLP                = "CLIPMLP"
	ClassGroupNorm              = "GroupNorm"
	ClassLayerNorm              = "LayerNorm"
	ClassEmbedding              = "Embedding"
	classBasicTransformerBlock  = "BasicTransformerBlock"
	classFeedForward            = "FeedForward"
	classGEGLU                  = "GEGLU"
	classTimestepEmbedding      = "TimestepEmbedding"
	classCLIPEncoderLayer       = "CLIPEncoderLayer"
	classCLIPEncoder            = "CLIPEncoder"
	classCLIPTextEmbeddings     = "CLIPTextEmbeddings"
	classCLIPTextTransformer    = "CLIPTextTransformer"
	classUNetMidBlock           = "UNetMidBlock2DCrossAttn"
	classDownBlock              = "DownBlock2D"
	classUpBlock                = "UpBlock2D"
	classModuleList             = "ModuleList"
)

// ClassMapper names the layer classes of one model architecture from module
// paths. It plays the role the class hierarchy of a live model would: the
// safetensors state only carries parameter names.
type ClassMapper interface {
	nn.ClassResolver

	// Architecture returns the architecture name (e.g., "unet", "clip").
	Architecture() string
}

type classRule struct {
	pattern *regexp.Regexp
	class   string
}

// RuleMapper resolves classes with an ordered table of path patterns. The
// first matching rule wins.
type RuleMapper struct {
	arch  string
	rules []classRule
}

// ClassOf implements nn.ClassResolver.
func (m *RuleMapper) ClassOf(path string) string {
	for _, r := range m.rules {
		if r.pattern.MatchString(path) {
			return r.class
		}
	}
	return ""
}

// Architecture returns the mapper's architecture name.
func (m *RuleMapper) Architecture() string {
	return m.arch
}

func rules(pairs ...string) []classRule {
	out := make([]classRule, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, classRule{pattern: regexp.MustCompile(pairs[i]), class: pairs[i+1]})
	}
	return out
}

// NewUNetMapper creates the class mapper for diffusers UNet2DConditionModel
// checkpoints (SD 1.x, 2.x and XL).
//
// diffusers layout:
//   - down_blocks.{i}.attentions.{j}                          -> Transformer2DModel
//   - down_blocks.{i}.attentions.{j}.transformer_blocks.{k}.attn1 -> Attention
//   - down_blocks.{i}.resnets.{j}                             -> ResnetBlock2D
//   - down_blocks.{i}.downsamplers.{j}                        -> Downsample2D
//   - up_blocks.{i}.upsamplers.{j}                            -> Upsample2D
//   - mid_block.attentions.{j}                                -> Transformer2DModel
func NewUNetMapper() *RuleMapper {
	return &RuleMapper{arch: ArchitectureUNet, rules: rules(
		`^(down_blocks|up_blocks)\.\d+\.attentions\.\d+$`, ClassTransformer2D,
		`^mid_block\.attentions\.\d+$`, ClassTransformer2D,
		`\.transformer_blocks\.\d+\.attn\d+$`, ClassAttention,
		`\.transformer_blocks\.\d+\.norm\d+$`, ClassLayerNorm,
		`\.transformer_blocks\.\d+\.ff$`, classFeedForward,
		`\.transformer_blocks\.\d+\.ff\.net\.0$`, classGEGLU,
		`\.transformer_blocks\.\d+$`, classBasicTransformerBlock,
		`\.attentions\.\d+\.norm$`, ClassGroupNorm,
		`\.resnets\.\d+\.norm\d+$`, ClassGroupNorm,
		`\.resnets\.\d+$`, ClassResnetBlock2D,
		`\.downsamplers\.\d+$`, ClassDownsample2D,
		`\.upsamplers\.\d+$`, ClassUpsample2D,
		`^conv_norm_out$`, ClassGroupNorm,
		`^(time|add)_embedding$`, classTimestepEmbedding,
		`^mid_block$`, classUNetMidBlock,
		`^down_blocks\.\d+$`, classDownBlock,
		`^up_blocks\.\d+$`, classUpBlock,
		`\.(attentions|resnets|downsamplers|upsamplers|transformer_blocks|to_out|net)$`, classModuleList,
		`^(down_blocks|up_blocks)$`, classModuleList,
	)}
}

// NewCLIPMapper creates the class mapper for transformers CLIP text
// encoders.
//
// transformers layout:
//   - text_model.encoder.layers.{i}.self_attn -> CLIPAttention
//   - text_model.encoder.layers.{i}.mlp       -> CLIPMLP
//   - text_model.embeddings.token_embedding   -> Embedding
func NewCLIPMapper() *RuleMapper {
	return &RuleMapper{arch: ArchitectureCLIP, rules: rules(
		`\.layers\.\d+\.self_attn$`, ClassCLIPAttention,
		`\.layers\.\d+\.mlp$`, ClassCLIPMLP,
		`\.layers\.\d+\.layer_norm\d+$`, ClassLayerNorm,
		`\.layers\.\d+$`, classCLIPEncoderLayer,
		`\.layers$`, classModuleList,
		`_embedding$`, ClassEmbedding,
		`\.embeddings$`, classCLIPTextEmbeddings,
		`^text_model\.encoder$`, classCLIPEncoder,
		`^text_model\.final_layer_norm$`, ClassLayerNorm,
		`^text_model$`, classCLIPTextTransformer,
	)}
}

// DetectArchitecture attempts to detect the component architecture from
// weight names.
func DetectArchitecture(names []string) string {
	for _, name := range names {
		if strings.HasPrefix(name, "text_model.") {
			return ArchitectureCLIP
		}
		if strings.HasPrefix(name, "down_blocks.") || strings.HasPrefix(name, "conv_in.") {
			return ArchitectureUNet
		}
	}
	return ArchitectureUnknown
}

// GetMapper returns the class mapper for an architecture, or nil.
func GetMapper(architecture string) ClassMapper {
	switch architecture {
	case ArchitectureUNet:
		return NewUNetMapper()
	case ArchitectureCLIP:
		return NewCLIPMapper()
	default:
		return nil
	}
}

// RootClass returns the class of a component's root module. CLIP encoders
// with a text_projection are the XL second encoder.
func RootClass(architecture string, names []string) string {
	switch architecture {
	case ArchitectureUNet:
		return ClassUNet
	case ArchitectureCLIP:
		for _, name := range names {
			if strings.HasPrefix(name, "text_projection.") {
				return ClassCLIPTextWithProjection
			}
		}
		return ClassCLIPText
	default:
		return nn.DefaultContainerClass
	}
}
