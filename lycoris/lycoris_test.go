package lycoris_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/lycoris/lycoris"
	"github.com/born-ml/lycoris/tensor"
)

func TestExtractRebuildLinear(t *testing.T) {
	// Rank 1: outer product of (1, 2, 3, 4) and (1, -1, 2).
	diff := tensor.MustFromSlice([]float32{
		1, -1, 2,
		2, -2, 4,
		3, -3, 6,
		4, -4, 8,
	}, 4, 3)
	d, err := lycoris.ExtractLinear(diff, lycoris.ModeFixed, 1)
	require.NoError(t, err)
	require.Equal(t, lycoris.DecompLowRank, d.Kind)
	assert.Equal(t, 1, d.Rank)

	m := &lycoris.LoCon{Up: d.Up, Down: d.Down}
	base := tensor.Zeros(4, 3)
	w, _, err := lycoris.RebuildWeight(m, base, nil, 1)
	require.NoError(t, err)
	for i, v := range diff.Data() {
		assert.InDelta(t, v, w.Data()[i], 1e-4)
	}
}

func TestGetModule(t *testing.T) {
	state := lycoris.Tensors{
		"lora_unet_conv_in.diff": tensor.Zeros(2, 4, 3, 3),
	}
	m, err := lycoris.GetModule(state, "lora_unet_conv_in")
	require.NoError(t, err)
	assert.Equal(t, lycoris.KindFull, m.Kind())

	m, err = lycoris.GetModule(state, "lora_unet_conv_out")
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestParseMode(t *testing.T) {
	m, err := lycoris.ParseMode("percentile")
	require.NoError(t, err)
	assert.Equal(t, lycoris.ModePercentile, m)

	_, err = lycoris.ParseMode("svd")
	require.Error(t, err)
	assert.True(t, errors.Is(err, lycoris.ErrInvalidMode))
}

func TestFlatKey(t *testing.T) {
	assert.Equal(t, "lora_unet_down_blocks_0_attentions_0_proj_in",
		lycoris.FlatKey("lora_unet", "down_blocks.0.attentions.0", "proj_in"))
}
