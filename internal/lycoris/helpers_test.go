package lycoris

import (
	"math"
	"math/rand"
	"strings"
	"testing"

	"github.com/born-ml/lycoris/internal/nn"
	"github.com/born-ml/lycoris/internal/tensor"
	"github.com/stretchr/testify/require"
)

// lowRank returns a random (rows, cols) matrix of rank r.
func lowRank(t *testing.T, rng *rand.Rand, rows, cols, r int) *tensor.Tensor {
	t.Helper()
	u := tensor.Randn(rng, rows, r)
	v := tensor.Randn(rng, r, cols)
	m, err := u.MatMul(v)
	require.NoError(t, err)
	return m
}

// requireClose fails unless got and want have the same shape and differ by
// at most tol elementwise.
func requireClose(t *testing.T, want, got *tensor.Tensor, tol float64) {
	t.Helper()
	require.Equal(t, want.Shape(), got.Shape())
	for i, w := range want.Data() {
		g := got.Data()[i]
		if math.Abs(float64(w-g)) > tol {
			require.Failf(t, "tensors differ", "element %d: want %v, got %v (tol %v)", i, w, g, tol)
		}
	}
}

func mustAdd(t *testing.T, a, b *tensor.Tensor) *tensor.Tensor {
	t.Helper()
	c, err := a.Add(b)
	require.NoError(t, err)
	return c
}

func mustSub(t *testing.T, a, b *tensor.Tensor) *tensor.Tensor {
	t.Helper()
	c, err := a.Sub(b)
	require.NoError(t, err)
	return c
}

func scaled(t *testing.T, a *tensor.Tensor, s float64) *tensor.Tensor {
	t.Helper()
	c, err := tensor.Zeros(a.Shape()...).AddScaled(a, s)
	require.NoError(t, err)
	return c
}

func mustMatMul(t *testing.T, a, b *tensor.Tensor) *tensor.Tensor {
	t.Helper()
	c, err := a.MatMul(b)
	require.NoError(t, err)
	return c
}

// testClasses mimics the class names the loader assigns to diffusers and
// CLIP checkpoints.
var testClasses = nn.ClassResolverFunc(func(path string) string {
	switch {
	case strings.HasSuffix(path, "self_attn"):
		return "CLIPAttention"
	case strings.HasSuffix(path, ".mlp"):
		return "CLIPMLP"
	case strings.HasSuffix(path, "attentions.0"):
		return "Transformer2DModel"
	case strings.HasSuffix(path, "attn1"):
		return "Attention"
	case strings.HasSuffix(path, "resnets.0"):
		return "ResnetBlock2D"
	case strings.HasSuffix(path, "downsamplers.0"):
		return "Downsample2D"
	}
	return ""
})

// weights is a flat float32 state used to build test models.
type weights map[string]*tensor.Tensor

func (w weights) clone() weights {
	out := make(weights, len(w))
	for k, v := range w {
		out[k] = v.Clone()
	}
	return out
}

func (w weights) build(t *testing.T, root string) nn.Module {
	t.Helper()
	state := make(map[string]*tensor.Raw, len(w))
	for k, v := range w {
		r, err := tensor.Encode(v, tensor.Float32)
		require.NoError(t, err)
		state[k] = r
	}
	m, err := nn.Build(state, root, testClasses)
	require.NoError(t, err)
	return m
}

func textEncoderWeights(rng *rand.Rand) weights {
	return weights{
		"text_model.encoder.layers.0.self_attn.q_proj.weight": tensor.Randn(rng, 12, 12),
		"text_model.encoder.layers.0.self_attn.q_proj.bias":   tensor.Randn(rng, 12),
		"text_model.encoder.layers.0.self_attn.k_proj.weight": tensor.Randn(rng, 12, 12),
		"text_model.encoder.layers.0.mlp.fc1.weight":          tensor.Randn(rng, 16, 12),
		"text_model.encoder.layers.0.layer_norm1.weight":      tensor.Randn(rng, 12),
		"text_model.encoder.layers.0.layer_norm1.bias":        tensor.Randn(rng, 12),
		"text_model.final_layer_norm.weight":                  tensor.Randn(rng, 12),
	}
}

func unetWeights(rng *rand.Rand) weights {
	return weights{
		"conv_in.weight":                                                    tensor.Randn(rng, 2, 4, 3, 3),
		"conv_in.bias":                                                      tensor.Randn(rng, 2),
		"time_embedding.linear_1.weight":                                    tensor.Randn(rng, 8, 8),
		"down_blocks.0.attentions.0.proj_in.weight":                         tensor.Randn(rng, 16, 8, 1, 1),
		"down_blocks.0.attentions.0.transformer_blocks.0.attn1.to_q.weight": tensor.Randn(rng, 16, 16),
		"down_blocks.0.resnets.0.conv1.weight":                              tensor.Randn(rng, 8, 2, 3, 3),
		"down_blocks.0.resnets.0.norm1.weight":                              tensor.Randn(rng, 4),
		"down_blocks.0.resnets.0.norm1.bias":                                tensor.Randn(rng, 4),
		"down_blocks.0.downsamplers.0.conv.weight":                          tensor.Randn(rng, 8, 8, 3, 3),
	}
}
