package lycoris

import (
	"io"
	"log/slog"
	"math/rand"
	"strings"
	"testing"

	"github.com/born-ml/lycoris/internal/nn"
	"github.com/born-ml/lycoris/internal/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	keyQProj  = "lora_te_text_model_encoder_layers_0_self_attn_q_proj"
	keyKProj  = "lora_te_text_model_encoder_layers_0_self_attn_k_proj"
	keyFC1    = "lora_te_text_model_encoder_layers_0_mlp_fc1"
	keyConvIn = "lora_unet_conv_in"
	keyProjIn = "lora_unet_down_blocks_0_attentions_0_proj_in"
	keyToQ    = "lora_unet_down_blocks_0_attentions_0_transformer_blocks_0_attn1_to_q"
	keyConv1  = "lora_unet_down_blocks_0_resnets_0_conv1"
	keyNorm1  = "lora_unet_down_blocks_0_resnets_0_norm1"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.LinearParam = 2
	opts.ConvParam = 2
	opts.Logger = quietLogger()
	return opts
}

func testMergeOptions() MergeOptions {
	return MergeOptions{Device: "cpu", Logger: quietLogger()}
}

// fixture holds the weights of a base model and a fine-tuned copy whose
// changes are rank 2, except conv_in which changes at full rank.
type fixture struct {
	baseTE, tunedTE     weights
	baseUNet, tunedUNet weights
}

func newFixture(t *testing.T, seed int64) *fixture {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	fx := &fixture{baseTE: textEncoderWeights(rng), baseUNet: unetWeights(rng)}
	fx.tunedTE = fx.baseTE.clone()
	fx.tunedUNet = fx.baseUNet.clone()

	bump := func(w weights, key string, delta *tensor.Tensor) {
		w[key] = mustAdd(t, w[key], delta.MustReshape(w[key].Shape()...))
	}
	bump(fx.tunedTE, "text_model.encoder.layers.0.self_attn.q_proj.weight", lowRank(t, rng, 12, 12, 2))
	bump(fx.tunedTE, "text_model.encoder.layers.0.mlp.fc1.weight", lowRank(t, rng, 16, 12, 2))
	bump(fx.tunedUNet, "conv_in.weight", tensor.Randn(rng, 2, 4, 3, 3))
	bump(fx.tunedUNet, "down_blocks.0.attentions.0.proj_in.weight", lowRank(t, rng, 16, 8, 2))
	bump(fx.tunedUNet, "down_blocks.0.attentions.0.transformer_blocks.0.attn1.to_q.weight", lowRank(t, rng, 16, 16, 2))
	bump(fx.tunedUNet, "down_blocks.0.resnets.0.conv1.weight", lowRank(t, rng, 8, 18, 2))
	return fx
}

func (fx *fixture) base(t *testing.T) Bundle {
	return Bundle{TextEncoder: fx.baseTE.build(t, "CLIPTextModel"), UNet: fx.baseUNet.build(t, "UNet2DConditionModel")}
}

func (fx *fixture) tuned(t *testing.T) Bundle {
	return Bundle{TextEncoder: fx.tunedTE.build(t, "CLIPTextModel"), UNet: fx.tunedUNet.build(t, "UNet2DConditionModel")}
}

func weightAt(t *testing.T, root nn.Module, path string) *tensor.Tensor {
	t.Helper()
	w, ok := nn.Find(root, path).(nn.Weighted)
	require.True(t, ok, "no weighted module at %s", path)
	return w.Weight().Tensor()
}

func requireSameWeights(t *testing.T, want weights, got nn.Module, tol float64) {
	t.Helper()
	for key, w := range want {
		path, name := key[:strings.LastIndexByte(key, '.')], key[strings.LastIndexByte(key, '.')+1:]
		m := nn.Find(got, path).(nn.Weighted)
		p := m.Weight()
		if name == "bias" {
			p = m.Bias()
		}
		requireClose(t, w, p.Tensor(), tol)
	}
}

func TestExtractDiff_Keys(t *testing.T) {
	fx := newFixture(t, 1)
	state, err := ExtractDiff(fx.base(t), fx.tuned(t), testOptions())
	require.NoError(t, err)

	assert.Equal(t, []string{keyFC1, keyQProj, keyConvIn, keyProjIn, keyToQ, keyConv1}, state.Layers())

	for _, key := range []string{keyQProj, keyFC1, keyProjIn, keyToQ, keyConv1} {
		require.Contains(t, state, key+".lora_up.weight")
		require.Contains(t, state, key+".lora_down.weight")
		alpha := state[key+".alpha"]
		require.NotNil(t, alpha, key)
		assert.Equal(t, tensor.Float16, alpha.DType())
		assert.Equal(t, tensor.Shape{1}, alpha.Shape())
		a, err := alpha.Float32()
		require.NoError(t, err)
		assert.Equal(t, float32(2), a.Data()[0])
		assert.Equal(t, tensor.Float16, state[key+".lora_up.weight"].DType())
		assert.NotContains(t, state, key+".bias_indices")
	}
	assert.Equal(t, tensor.Shape{2, 8, 1, 1}, state[keyProjIn+".lora_down.weight"].Shape())
	assert.Equal(t, tensor.Shape{2, 2, 3, 3}, state[keyConv1+".lora_mid.weight"].Shape())
	assert.NotContains(t, state, keyProjIn+".lora_mid.weight", "pointwise convs are not compressed")

	require.Contains(t, state, keyConvIn+".diff")
	assert.Equal(t, tensor.Shape{2, 4, 3, 3}, state[keyConvIn+".diff"].Shape())
	assert.Equal(t, tensor.Float16, state[keyConvIn+".diff"].DType())
	assert.NotContains(t, state, keyConvIn+".alpha")
}

func TestExtractDiff_SmallConvOff(t *testing.T) {
	fx := newFixture(t, 1)
	opts := testOptions()
	opts.SmallConv = false
	state, err := ExtractDiff(fx.base(t), fx.tuned(t), opts)
	require.NoError(t, err)
	assert.NotContains(t, state, keyConv1+".lora_mid.weight")
	assert.Equal(t, tensor.Shape{2, 2, 3, 3}, state[keyConv1+".lora_down.weight"].Shape())
}

func TestExtractDiff_MergeRoundTrip(t *testing.T) {
	fx := newFixture(t, 2)
	state, err := ExtractDiff(fx.base(t), fx.tuned(t), testOptions())
	require.NoError(t, err)

	target := fx.base(t)
	report, err := Merge(target, state, 1, testMergeOptions())
	require.NoError(t, err)

	assert.Equal(t, 6, report.Total)
	assert.Equal(t, 5, report.ByKind[KindLoCon])
	assert.Equal(t, 1, report.ByKind[KindFull])
	assert.Equal(t, 2, report.ByComponent[ComponentTextEncoder])
	assert.Equal(t, 4, report.ByComponent[ComponentUNet])
	assert.Equal(t, map[Kind]int{KindLoCon: 3, KindFull: 1}, report.Counts[ComponentUNet])

	requireSameWeights(t, fx.tunedTE, target.TextEncoder, 2e-2)
	requireSameWeights(t, fx.tunedUNet, target.UNet, 2e-2)

	assert.False(t, nn.Find(target.UNet, "conv_in").(nn.Weighted).Weight().RequiresGrad())
	assert.True(t, nn.Find(target.UNet, "time_embedding.linear_1").(nn.Weighted).Weight().RequiresGrad())
}

func TestExtractDiff_ZeroDiff(t *testing.T) {
	fx := newFixture(t, 3)
	state, err := ExtractDiff(fx.base(t), fx.base(t), testOptions())
	require.NoError(t, err)
	assert.Empty(t, state)
}

func TestExtractDiff_MinDiff(t *testing.T) {
	fx := newFixture(t, 4)
	k := "text_model.encoder.layers.0.self_attn.k_proj.weight"
	fx.tunedTE[k] = mustAdd(t, fx.tunedTE[k], tensor.Full(1e-3, 12, 12))

	state, err := ExtractDiff(fx.base(t), fx.tuned(t), testOptions())
	require.NoError(t, err)
	assert.Contains(t, state.Layers(), keyKProj)

	opts := testOptions()
	opts.MinDiff = 1e-2
	state, err = ExtractDiff(fx.base(t), fx.tuned(t), opts)
	require.NoError(t, err)
	assert.NotContains(t, state.Layers(), keyKProj)
	assert.Contains(t, state.Layers(), keyQProj)
	assert.Contains(t, state.Layers(), keyConv1)
}

func TestExtractDiff_SparseResidual(t *testing.T) {
	fx := newFixture(t, 5)
	rng := rand.New(rand.NewSource(50))
	k := "text_model.encoder.layers.0.mlp.fc1.weight"
	fx.tunedTE[k] = mustAdd(t, fx.baseTE[k], scaled(t, tensor.Randn(rng, 16, 12), 0.1))

	opts := testOptions()
	opts.UseBias = true
	opts.Sparsity = 0
	state, err := ExtractDiff(fx.base(t), fx.tuned(t), opts)
	require.NoError(t, err)

	require.Contains(t, state, keyFC1+".bias_indices")
	assert.Equal(t, tensor.Int16, state[keyFC1+".bias_indices"].DType())
	assert.Equal(t, tensor.Float16, state[keyFC1+".bias_values"].DType())
	size, err := state[keyFC1+".bias_size"].Int64s()
	require.NoError(t, err)
	assert.Equal(t, []int64{16, 12}, size)
	size, err = state[keyConv1+".bias_size"].Int64s()
	require.NoError(t, err)
	assert.Equal(t, []int64{8, 18}, size)

	infos, err := Inspect(state, nil)
	require.NoError(t, err)
	for _, info := range infos {
		if info.Key == keyFC1 {
			assert.Positive(t, info.Sparse)
		}
	}

	// Merging applies only the low-rank part: the stored residual changes
	// nothing compared to the same state without it.
	stripped := State{}
	for key, r := range state {
		if !strings.Contains(key, ".bias_") {
			stripped[key] = r
		}
	}
	withBias, plain := fx.base(t), fx.base(t)
	_, err = Merge(withBias, state, 1, testMergeOptions())
	require.NoError(t, err)
	_, err = Merge(plain, stripped, 1, testMergeOptions())
	require.NoError(t, err)
	requireClose(t, weightAt(t, plain.TextEncoder, "text_model.encoder.layers.0.mlp.fc1"),
		weightAt(t, withBias.TextEncoder, "text_model.encoder.layers.0.mlp.fc1"), 0)
	for _, pair := range [][2]nn.Module{{plain.TextEncoder, withBias.TextEncoder}, {plain.UNet, withBias.UNet}} {
		want, err := nn.StateDict(pair[0])
		require.NoError(t, err)
		got, err := nn.StateDict(pair[1])
		require.NoError(t, err)
		require.Len(t, got, len(want))
		for name, w := range want {
			assert.Equal(t, w.Data(), got[name].Data(), name)
		}
	}
}

func TestExtractDiff_XL(t *testing.T) {
	fx := newFixture(t, 6)
	rng := rand.New(rand.NewSource(60))
	base2 := textEncoderWeights(rng)
	tuned2 := base2.clone()
	k := "text_model.encoder.layers.0.self_attn.k_proj.weight"
	tuned2[k] = mustAdd(t, tuned2[k], lowRank(t, rng, 12, 12, 1))

	base := fx.base(t)
	base.TextEncoder2 = base2.build(t, "CLIPTextModelWithProjection")
	tuned := fx.tuned(t)
	tuned.TextEncoder2 = tuned2.build(t, "CLIPTextModelWithProjection")
	require.True(t, base.IsXL())

	state, err := ExtractDiff(base, tuned, testOptions())
	require.NoError(t, err)
	layers := state.Layers()
	assert.Contains(t, layers, "lora_te1_text_model_encoder_layers_0_self_attn_q_proj")
	assert.Contains(t, layers, "lora_te2_text_model_encoder_layers_0_self_attn_k_proj")
	for _, l := range layers {
		assert.False(t, strings.HasPrefix(l, "lora_te_"), l)
	}

	target := fx.base(t)
	target.TextEncoder2 = base2.build(t, "CLIPTextModelWithProjection")
	report, err := Merge(target, state, 1, testMergeOptions())
	require.NoError(t, err)
	assert.Equal(t, 1, report.ByComponent[ComponentTextEncoder2])
	requireSameWeights(t, tuned2, target.TextEncoder2, 2e-2)
}

func TestExtractDiff_Errors(t *testing.T) {
	fx := newFixture(t, 7)

	tuned := fx.tuned(t)
	tuned.TextEncoder2 = fx.tunedTE.build(t, "CLIPTextModel")
	_, err := ExtractDiff(fx.base(t), tuned, testOptions())
	assert.ErrorIs(t, err, ErrBundleMismatch)

	opts := testOptions()
	opts.Mode = ModeQuantile
	opts.LinearParam = 3
	_, err = ExtractDiff(fx.base(t), fx.tuned(t), opts)
	assert.ErrorIs(t, err, ErrInvalidModeParam)

	opts = testOptions()
	opts.Mode = "svd"
	_, err = ExtractDiff(fx.base(t), fx.tuned(t), opts)
	assert.ErrorIs(t, err, ErrNotImplemented)
}

func TestExtractDiff_Progress(t *testing.T) {
	fx := newFixture(t, 8)
	opts := testOptions()
	last := map[string][2]int{}
	opts.Progress = func(component, _ string, done, total int) {
		last[component] = [2]int{done, total}
	}
	_, err := ExtractDiff(fx.base(t), fx.tuned(t), opts)
	require.NoError(t, err)

	require.Contains(t, last, ComponentTextEncoder)
	require.Contains(t, last, ComponentUNet)
	for component, p := range last {
		assert.Equal(t, p[1], p[0], component)
	}
	// self_attn and mlp
	assert.Equal(t, 2, last[ComponentTextEncoder][1])
}
