package lycoris

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMode(t *testing.T) {
	for _, name := range []string{"fixed", "threshold", "ratio", "quantile", "percentile"} {
		m, err := ParseMode(name)
		require.NoError(t, err)
		assert.Equal(t, Mode(name), m)
	}

	_, err := ParseMode("svd")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotImplemented))
	assert.True(t, errors.Is(err, ErrInvalidMode))
	assert.Contains(t, err.Error(), `"svd"`)
}

func TestMode_ValidateParam(t *testing.T) {
	tests := []struct {
		mode  Mode
		param float64
		ok    bool
	}{
		{ModeFixed, 0, true},
		{ModeFixed, 8, true},
		{ModeFixed, 2.5, false},
		{ModeFixed, -1, false},
		{ModeThreshold, 0, true},
		{ModeThreshold, 12.5, true},
		{ModeThreshold, -0.1, false},
		{ModeRatio, 0, true},
		{ModeRatio, 1, true},
		{ModeRatio, 1.01, false},
		{ModeQuantile, 0.5, true},
		{ModeQuantile, -0.5, false},
		{ModePercentile, 2, false},
	}
	for _, tt := range tests {
		err := tt.mode.ValidateParam(tt.param)
		if tt.ok {
			assert.NoError(t, err, "%s %v", tt.mode, tt.param)
			continue
		}
		assert.ErrorIs(t, err, ErrInvalidModeParam, "%s %v", tt.mode, tt.param)
	}

	assert.ErrorIs(t, Mode("bogus").ValidateParam(1), ErrInvalidMode)
}

func TestSelectRank(t *testing.T) {
	s := []float64{8, 4, 2, 1}

	tests := []struct {
		name  string
		mode  Mode
		param float64
		want  int
	}{
		{"fixed", ModeFixed, 3, 3},
		{"threshold strict", ModeThreshold, 2, 2},
		{"threshold below all", ModeThreshold, 0.5, 4},
		{"ratio half keeps values at half the max", ModeRatio, 0.5, 2},
		{"ratio one keeps the max", ModeRatio, 1, 1},
		{"ratio zero keeps all", ModeRatio, 0, 4},
		{"quantile", ModeQuantile, 0.75, 2},
		{"quantile half", ModeQuantile, 0.5, 1},
		{"quantile just above", ModeQuantile, 0.81, 3},
		{"quantile zero", ModeQuantile, 0, 1},
		{"percentile full", ModePercentile, 1, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := selectRank(s, tt.mode, tt.param)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	got, err := selectRank([]float64{4, 4, 2, 1}, ModeRatio, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, got, "values tied with the cut are kept")

	_, err = selectRank(s, Mode("nope"), 1)
	assert.ErrorIs(t, err, ErrNotImplemented)
}

func TestClampRank(t *testing.T) {
	assert.Equal(t, 1, clampRank(0, 8, 4))
	assert.Equal(t, 4, clampRank(10, 8, 4))
	assert.Equal(t, 3, clampRank(10, 3, 4))
	assert.Equal(t, 2, clampRank(2, 8, 4))
}

func TestOptions_Validate(t *testing.T) {
	require.NoError(t, DefaultOptions().Validate())

	opts := DefaultOptions()
	opts.Mode = "magic"
	assert.ErrorIs(t, opts.Validate(), ErrInvalidMode)

	opts = DefaultOptions()
	opts.Mode = ModeRatio
	opts.LinearParam = 0.5
	opts.ConvParam = 1.5
	assert.ErrorIs(t, opts.Validate(), ErrInvalidModeParam)

	opts = DefaultOptions()
	opts.Device = "cuda:0"
	assert.ErrorIs(t, opts.Validate(), ErrUnsupportedDevice)

	opts = DefaultOptions()
	opts.Sparsity = 1.5
	assert.ErrorIs(t, opts.Validate(), ErrInvalidModeParam)

	opts = DefaultOptions()
	opts.MinDiff = -1
	assert.ErrorIs(t, opts.Validate(), ErrInvalidModeParam)

	opts = DefaultOptions()
	opts.Policy = DefaultPolicy()
	opts.Policy.PrefixTextEncoder1 = opts.Policy.PrefixUNet
	assert.Error(t, opts.Validate())
}
