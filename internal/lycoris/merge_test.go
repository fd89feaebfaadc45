package lycoris

import (
	"testing"

	"github.com/born-ml/lycoris/internal/nn"
	"github.com/born-ml/lycoris/internal/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stateOf(t *testing.T, tensors map[string]*tensor.Tensor) State {
	t.Helper()
	s := make(State, len(tensors))
	for k, v := range tensors {
		r, err := tensor.Encode(v, tensor.Float32)
		require.NoError(t, err)
		s[k] = r
	}
	return s
}

func TestMerge_MissingKeysLeaveLayersUntouched(t *testing.T) {
	fx := newFixture(t, 11)
	target := fx.base(t)
	before, err := nn.StateDict(target.UNet)
	require.NoError(t, err)

	state := stateOf(t, map[string]*tensor.Tensor{
		keyToQ + ".diff":                   tensor.Full(0.5, 16, 16),
		"lora_unet_not_a_layer.diff":       tensor.Full(1, 2, 2),
		"lora_te_unrelated.lora_up.weight": tensor.Full(1, 2, 1),
	})
	report, err := Merge(target, state, 1, testMergeOptions())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Total)

	after, err := nn.StateDict(target.UNet)
	require.NoError(t, err)
	for key, raw := range before {
		if key == "down_blocks.0.attentions.0.transformer_blocks.0.attn1.to_q.weight" {
			assert.NotEqual(t, raw.Data(), after[key].Data())
			continue
		}
		assert.Equal(t, raw.Data(), after[key].Data(), key)
	}

	toQ := nn.Find(target.UNet, "down_blocks.0.attentions.0.transformer_blocks.0.attn1.to_q").(nn.Weighted)
	assert.False(t, toQ.Weight().RequiresGrad())
	conv1 := nn.Find(target.UNet, "down_blocks.0.resnets.0.conv1").(nn.Weighted)
	assert.True(t, conv1.Weight().RequiresGrad())
}

func TestMerge_EmptyState(t *testing.T) {
	fx := newFixture(t, 12)
	target := fx.base(t)
	report, err := Merge(target, State{}, 1, testMergeOptions())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Total)
	requireSameWeights(t, fx.baseTE, target.TextEncoder, 0)
	requireSameWeights(t, fx.baseUNet, target.UNet, 0)
}

func TestMerge_BiasAndNorm(t *testing.T) {
	fx := newFixture(t, 13)
	target := fx.base(t)

	state := stateOf(t, map[string]*tensor.Tensor{
		keyConvIn + ".diff":   tensor.Full(1, 2, 4, 3, 3),
		keyConvIn + ".diff_b": tensor.MustFromSlice([]float32{1, 2}, 2),
		keyNorm1 + ".w_norm":  tensor.Full(2, 4),
		keyNorm1 + ".b_norm":  tensor.Full(-1, 4),
	})
	report, err := Merge(target, state, 0.5, testMergeOptions())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Total)
	assert.Equal(t, 1, report.ByKind[KindFull])
	assert.Equal(t, 1, report.ByKind[KindNorm])

	convIn := nn.Find(target.UNet, "conv_in").(nn.Weighted)
	wantBias := fx.baseUNet["conv_in.bias"].Clone()
	wantBias.Data()[0] += 0.5
	wantBias.Data()[1] += 1
	requireClose(t, wantBias, convIn.Bias().Tensor(), 1e-6)

	norm := nn.Find(target.UNet, "down_blocks.0.resnets.0.norm1").(nn.Weighted)
	wantW, err := fx.baseUNet["down_blocks.0.resnets.0.norm1.weight"].AddScaled(tensor.Full(2, 4), 0.5)
	require.NoError(t, err)
	requireClose(t, wantW, norm.Weight().Tensor(), 1e-6)
	wantB, err := fx.baseUNet["down_blocks.0.resnets.0.norm1.bias"].AddScaled(tensor.Full(-1, 4), 0.5)
	require.NoError(t, err)
	requireClose(t, wantB, norm.Bias().Tensor(), 1e-6)
}

func TestMerge_ScaleLinearity(t *testing.T) {
	fx := newFixture(t, 14)
	state, err := ExtractDiff(fx.base(t), fx.tuned(t), testOptions())
	require.NoError(t, err)

	one := fx.base(t)
	_, err = Merge(one, state, 1, testMergeOptions())
	require.NoError(t, err)
	half := fx.base(t)
	_, err = Merge(half, state, 0.5, testMergeOptions())
	require.NoError(t, err)

	for _, path := range []string{"conv_in", "down_blocks.0.resnets.0.conv1", "down_blocks.0.attentions.0.proj_in"} {
		base := fx.baseUNet[path+".weight"]
		full := mustSub(t, weightAt(t, one.UNet, path), base)
		partial := mustSub(t, weightAt(t, half.UNet, path), base)
		requireClose(t, scaled(t, full, 0.5), partial, 1e-4)
	}
}

func TestMerge_Errors(t *testing.T) {
	fx := newFixture(t, 15)

	_, err := Merge(fx.base(t), State{}, 1, MergeOptions{Device: "cuda"})
	assert.ErrorIs(t, err, ErrUnsupportedDevice)

	state := stateOf(t, map[string]*tensor.Tensor{
		keyConvIn + ".diff": tensor.Full(1, 3, 3),
	})
	_, err = Merge(fx.base(t), state, 1, testMergeOptions())
	require.Error(t, err)
	var le *LayerError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, keyConvIn, le.Key)
	assert.Equal(t, "merge", le.Op)

	state = stateOf(t, map[string]*tensor.Tensor{
		keyConvIn + ".lokr_w1": tensor.Full(1, 2, 2),
		keyConvIn + ".lokr_w2": tensor.Full(1, 1, 2, 3, 3),
		keyConvIn + ".alpha":   tensor.Scalar(1),
	})
	_, err = Merge(fx.base(t), state, 1, testMergeOptions())
	assert.ErrorIs(t, err, ErrKronAlphaWithoutRank)

	state = stateOf(t, map[string]*tensor.Tensor{
		keyToQ + ".lora_up.weight":   tensor.Zeros(16),
		keyToQ + ".lora_down.weight": tensor.Zeros(2, 16),
		keyToQ + ".alpha":            tensor.Scalar(2),
	})
	_, err = Merge(fx.base(t), state, 1, testMergeOptions())
	assert.ErrorIs(t, err, ErrMalformedModule)
}
