package main

import (
	"bytes"
	"context"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v3"

	"github.com/born-ml/lycoris/internal/blob"
	"github.com/born-ml/lycoris/internal/loader"
	"github.com/born-ml/lycoris/internal/tensor"
)

// run executes the command line args and returns what it wrote to stdout.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd(&app{})
	root.Writer = &out
	root.ErrWriter = io.Discard
	root.ExitErrHandler = func(context.Context, *cli.Command, error) {}
	err := root.Run(context.Background(), append([]string{"lycoris", "--env-file", ""}, args...))
	return out.String(), err
}

type weights map[string]*tensor.Tensor

func (w weights) clone() weights {
	out := make(weights, len(w))
	for k, v := range w {
		out[k] = v.Clone()
	}
	return out
}

func baseTextEncoder(rng *rand.Rand) weights {
	return weights{
		"text_model.embeddings.token_embedding.weight":          tensor.Randn(rng, 16, 4),
		"text_model.embeddings.position_embedding.weight":       tensor.Randn(rng, 4, 4),
		"text_model.encoder.layers.0.self_attn.q_proj.weight":   tensor.Randn(rng, 4, 4),
		"text_model.encoder.layers.0.self_attn.q_proj.bias":     tensor.Randn(rng, 4),
		"text_model.encoder.layers.0.self_attn.out_proj.weight": tensor.Randn(rng, 4, 4),
		"text_model.encoder.layers.0.mlp.fc1.weight":            tensor.Randn(rng, 8, 4),
		"text_model.encoder.layers.0.mlp.fc2.weight":            tensor.Randn(rng, 4, 8),
		"text_model.encoder.layers.0.layer_norm1.weight":        tensor.Full(1, 4),
		"text_model.encoder.layers.0.layer_norm1.bias":          tensor.Zeros(4),
		"text_model.final_layer_norm.weight":                    tensor.Full(1, 4),
		"text_model.final_layer_norm.bias":                      tensor.Zeros(4),
	}
}

func baseUNet(rng *rand.Rand) weights {
	return weights{
		"conv_in.weight":                                                    tensor.Randn(rng, 8, 4, 3, 3),
		"conv_in.bias":                                                      tensor.Randn(rng, 8),
		"time_embedding.linear_1.weight":                                    tensor.Randn(rng, 8, 4),
		"down_blocks.0.resnets.0.norm1.weight":                              tensor.Full(1, 8),
		"down_blocks.0.resnets.0.norm1.bias":                                tensor.Zeros(8),
		"down_blocks.0.resnets.0.conv1.weight":                              tensor.Randn(rng, 8, 8, 3, 3),
		"down_blocks.0.attentions.0.proj_in.weight":                         tensor.Randn(rng, 8, 8, 1, 1),
		"down_blocks.0.attentions.0.transformer_blocks.0.attn1.to_q.weight": tensor.Randn(rng, 8, 8),
		"conv_out.weight":                                                   tensor.Randn(rng, 4, 8, 3, 3),
	}
}

func lowRank(t *testing.T, rng *rand.Rand, out, in, rank int) *tensor.Tensor {
	t.Helper()
	d, err := tensor.Randn(rng, out, rank).MatMul(tensor.Randn(rng, rank, in))
	require.NoError(t, err)
	return d
}

func bump(t *testing.T, w weights, key string, delta *tensor.Tensor) {
	t.Helper()
	sum, err := w[key].Add(delta)
	require.NoError(t, err)
	w[key] = sum
}

func writeComponent(t *testing.T, store blob.Store, key string, w weights) {
	t.Helper()
	state := make(map[string]*tensor.Raw, len(w))
	for name, v := range w {
		raw, err := tensor.Encode(v, tensor.Float32)
		require.NoError(t, err)
		state[name] = raw
	}
	require.NoError(t, loader.SaveSafeTensors(context.Background(), store, key, state, map[string]string{"format": "pt"}))
}

func writePipeline(t *testing.T, dir string, te, unet weights) {
	t.Helper()
	store, err := blob.NewFilesystem(dir)
	require.NoError(t, err)
	writeComponent(t, store, "text_encoder/model.safetensors", te)
	writeComponent(t, store, "unet/diffusion_pytorch_model.safetensors", unet)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "scheduler"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "scheduler", "scheduler_config.json"), []byte(`{"num_train_timesteps":1000}`), 0o600))
}

type pipelines struct {
	base, tuned        string
	tunedTE, tunedUNet weights
}

func newPipelines(t *testing.T) *pipelines {
	t.Helper()
	rng := rand.New(rand.NewSource(11))
	te, unet := baseTextEncoder(rng), baseUNet(rng)
	p := &pipelines{
		base:      filepath.Join(t.TempDir(), "base"),
		tuned:     filepath.Join(t.TempDir(), "tuned"),
		tunedTE:   te.clone(),
		tunedUNet: unet.clone(),
	}
	bump(t, p.tunedTE, "text_model.encoder.layers.0.mlp.fc1.weight", lowRank(t, rng, 8, 4, 2))
	bump(t, p.tunedUNet, "time_embedding.linear_1.weight", lowRank(t, rng, 8, 4, 1))
	bump(t, p.tunedUNet, "down_blocks.0.attentions.0.transformer_blocks.0.attn1.to_q.weight", lowRank(t, rng, 8, 8, 2))
	writePipeline(t, p.base, te, unet)
	writePipeline(t, p.tuned, p.tunedTE, p.tunedUNet)
	return p
}

const (
	keyFC1 = "lora_te_text_model_encoder_layers_0_mlp_fc1"
	keyToQ = "lora_unet_down_blocks_0_attentions_0_transformer_blocks_0_attn1_to_q"
	keyEmb = "lora_unet_time_embedding_linear_1"
)

func TestExtractInspectMerge(t *testing.T) {
	p := newPipelines(t)
	work := t.TempDir()
	delta := filepath.Join(work, "delta.safetensors")
	merged := filepath.Join(work, "merged")
	metricsFile := filepath.Join(work, "lycoris.prom")

	_, err := run(t, "--metrics-file", metricsFile, "extract",
		"--base", p.base, "--tuned", p.tuned, "--out", delta,
		"--linear-param", "2", "--conv-param", "2")
	require.NoError(t, err)
	require.FileExists(t, delta)

	prom, err := os.ReadFile(metricsFile)
	require.NoError(t, err)
	assert.Contains(t, string(prom), `lycoris_layers_total{component="unet",kind="locon",op="extract"} 2`)
	assert.Contains(t, string(prom), `lycoris_run_duration_seconds_count{op="extract"} 1`)

	out, err := run(t, "inspect", "--metadata", "--shapes", delta)
	require.NoError(t, err)
	assert.Contains(t, out, metaRunID+"=")
	assert.Contains(t, out, metaMode+"=fixed")
	assert.Contains(t, out, metaLinearParam+"=2")
	for _, key := range []string{keyFC1, keyToQ, keyEmb} {
		assert.Contains(t, out, key)
	}
	assert.Contains(t, out, "locon")
	assert.Contains(t, out, ".lora_down.weight")
	assert.Contains(t, out, "SPARSE")
	assert.Contains(t, out, "3 layers")

	out, err = run(t, "inspect", "--filter", "unet", delta)
	require.NoError(t, err)
	assert.NotContains(t, out, keyFC1)
	assert.Contains(t, out, "2 layers")

	_, err = run(t, "merge", "--base", p.base, "--lycoris", delta, "--out", merged)
	require.NoError(t, err)
	require.FileExists(t, filepath.Join(merged, "scheduler", "scheduler_config.json"))

	store, err := blob.NewFilesystem(merged)
	require.NoError(t, err)
	te, _, err := loader.LoadSafeTensors(context.Background(), store, "text_encoder/model.safetensors")
	require.NoError(t, err)
	unet, _, err := loader.LoadSafeTensors(context.Background(), store, "unet/diffusion_pytorch_model.safetensors")
	require.NoError(t, err)

	requireWeights(t, p.tunedTE, te)
	requireWeights(t, p.tunedUNet, unet)
}

func requireWeights(t *testing.T, want weights, got map[string]*tensor.Raw) {
	t.Helper()
	for name, w := range want {
		raw, ok := got[name]
		require.True(t, ok, name)
		g, err := raw.Float32()
		require.NoError(t, err)
		require.Equal(t, w.Shape(), g.Shape(), name)
		for i, v := range w.Data() {
			require.InDelta(t, v, g.Data()[i], 1e-2, "%s[%d]", name, i)
		}
	}
}

func TestMergeScaleZero(t *testing.T) {
	p := newPipelines(t)
	work := t.TempDir()
	delta := filepath.Join(work, "delta.safetensors")
	merged := filepath.Join(work, "merged")

	_, err := run(t, "extract", "--base", p.base, "--tuned", p.tuned, "--out", delta, "--linear-param", "2")
	require.NoError(t, err)
	_, err = run(t, "merge", "--base", p.base, "--lycoris", delta, "--out", merged, "--scale", "0")
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(11))
	te := baseTextEncoder(rng)
	store, err := blob.NewFilesystem(merged)
	require.NoError(t, err)
	got, _, err := loader.LoadSafeTensors(context.Background(), store, "text_encoder/model.safetensors")
	require.NoError(t, err)
	requireWeights(t, te, got)
}

func TestFlagValidation(t *testing.T) {
	p := newPipelines(t)
	out := filepath.Join(t.TempDir(), "delta.safetensors")
	extract := []string{"extract", "--base", p.base, "--tuned", p.tuned, "--out", out}

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"missing required", []string{"extract", "--base", p.base}, "tuned"},
		{"unknown mode", append(extract, "--mode", "svd"), "--mode"},
		{"negative fixed rank", append(extract, "--linear-param", "-1"), "linear param"},
		{"ratio above one", append(extract, "--mode", "ratio", "--linear-param", "0.5", "--conv-param", "2"), "conv param"},
		{"sparsity", append(extract, "--sparsity", "1.5"), "sparsity"},
		{"device", append(extract, "--device", "cuda"), "device"},
		{"merge device", []string{"merge", "--base", p.base, "--lycoris", out, "--out", t.TempDir(), "--device", "cuda"}, "device"},
		{"inspect args", []string{"inspect"}, "FILE"},
		{"log level", []string{"--log-level", "loud", "version"}, "log-level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := run(t, tt.args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
	assert.NoFileExists(t, out)
}

func TestMergeMissingFile(t *testing.T) {
	p := newPipelines(t)
	_, err := run(t, "merge", "--base", p.base, "--lycoris", filepath.Join(t.TempDir(), "nope.safetensors"), "--out", t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "merge")
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "lycoris "+version+"\n", out)
}
