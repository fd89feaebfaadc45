// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package lycoris extracts the weight difference between a base and a
// fine-tuned diffusion model as LyCORIS factors, and merges such factors
// back into a model.
//
// # Extraction
//
// ExtractDiff walks the text encoder(s) and the UNet of both models,
// decomposes every changed Linear and Conv2d target with a truncated SVD and
// returns a flat state keyed the way kohya-style LyCORIS files are:
//
//	lora_unet_down_blocks_0_attentions_0_proj_in.lora_down.weight
//	lora_unet_down_blocks_0_attentions_0_proj_in.lora_up.weight
//	lora_unet_down_blocks_0_attentions_0_proj_in.alpha
//
// # Merge
//
// Merge decodes every layer of a state into a Module (LoCon, Hada, IA3,
// Kron, Full or Norm), rebuilds its delta and adds it to the matching layer
// of a model, multiplied by a scale.
//
// Example:
//
//	base, _ := loader.Open(ctx, "models/sd15", loader.S3Config{})
//	tuned, _ := loader.Open(ctx, "models/sd15-tuned", loader.S3Config{})
//
//	opts := lycoris.DefaultOptions()
//	opts.Mode = lycoris.ModeRatio
//	opts.LinearParam, opts.ConvParam = 0.5, 0.5
//	state, err := lycoris.ExtractDiff(base.Bundle(), tuned.Bundle(), opts)
//
//	_, err = lycoris.Merge(base.Bundle(), state, 1.0, lycoris.MergeOptions{})
package lycoris

import (
	"github.com/born-ml/lycoris/internal/lycoris"
	"github.com/born-ml/lycoris/tensor"
)

// Options and state.
type (
	Options      = lycoris.Options
	MergeOptions = lycoris.MergeOptions
	ProgressFunc = lycoris.ProgressFunc
	Policy       = lycoris.Policy
	Bundle       = lycoris.Bundle
	State        = lycoris.State
	Tensors      = lycoris.Tensors
	MergeReport  = lycoris.MergeReport
	LayerInfo    = lycoris.LayerInfo
	LayerError   = lycoris.LayerError
)

// Mode selects how many singular values a decomposition keeps.
type Mode = lycoris.Mode

// Rank selection modes.
const (
	ModeFixed      Mode = lycoris.ModeFixed
	ModeThreshold  Mode = lycoris.ModeThreshold
	ModeRatio      Mode = lycoris.ModeRatio
	ModeQuantile   Mode = lycoris.ModeQuantile
	ModePercentile Mode = lycoris.ModePercentile
)

// Decomposition is the result of ExtractLinear or ExtractConv.
type (
	Decomposition     = lycoris.Decomposition
	DecompositionKind = lycoris.DecompositionKind
)

// Decomposition kinds.
const (
	DecompFull    DecompositionKind = lycoris.DecompFull
	DecompLowRank DecompositionKind = lycoris.DecompLowRank
)

// Module is a stored layer delta.
type Module = lycoris.Module

// Kind names a factorization family.
type Kind = lycoris.Kind

// Factorization kinds.
const (
	KindLoCon Kind = lycoris.KindLoCon
	KindHada  Kind = lycoris.KindHada
	KindIA3   Kind = lycoris.KindIA3
	KindKron  Kind = lycoris.KindKron
	KindFull  Kind = lycoris.KindFull
	KindNorm  Kind = lycoris.KindNorm
)

// Module variants.
type (
	LoCon = lycoris.LoCon
	Hada  = lycoris.Hada
	IA3   = lycoris.IA3
	Kron  = lycoris.Kron
	Full  = lycoris.Full
	Norm  = lycoris.Norm
)

// Errors.
var (
	ErrInvalidMode          = lycoris.ErrInvalidMode
	ErrNotImplemented       = lycoris.ErrNotImplemented
	ErrInvalidModeParam     = lycoris.ErrInvalidModeParam
	ErrKronAlphaWithoutRank = lycoris.ErrKronAlphaWithoutRank
	ErrNormBiasRequired     = lycoris.ErrNormBiasRequired
	ErrUnsupportedDevice    = lycoris.ErrUnsupportedDevice
	ErrBundleMismatch       = lycoris.ErrBundleMismatch
	ErrMalformedModule      = lycoris.ErrMalformedModule
)

// DefaultOptions returns the extraction defaults.
func DefaultOptions() Options {
	return lycoris.DefaultOptions()
}

// DefaultPolicy returns the kohya-style target tables.
func DefaultPolicy() *Policy {
	return lycoris.DefaultPolicy()
}

// ParseMode parses a rank selection mode name.
func ParseMode(s string) (Mode, error) {
	return lycoris.ParseMode(s)
}

// ExtractDiff factorizes the difference between two bundles.
func ExtractDiff(base, tuned Bundle, opts Options) (State, error) {
	return lycoris.ExtractDiff(base, tuned, opts)
}

// Merge adds the deltas of state, times scale, into bundle in place.
func Merge(bundle Bundle, state State, scale float64, opts MergeOptions) (*MergeReport, error) {
	return lycoris.Merge(bundle, state, scale, opts)
}

// GetModule decodes the delta stored for a layer key, or returns nil.
func GetModule(state Tensors, key string) (Module, error) {
	return lycoris.GetModule(state, key)
}

// RebuildWeight applies m to a layer's weight and bias at scale.
func RebuildWeight(m Module, weight, bias *tensor.Tensor, scale float64) (*tensor.Tensor, *tensor.Tensor, error) {
	return lycoris.RebuildWeight(m, weight, bias, scale)
}

// ExtractLinear decomposes a 2-D weight diff.
func ExtractLinear(diff *tensor.Tensor, mode Mode, param float64) (*Decomposition, error) {
	return lycoris.ExtractLinear(diff, mode, param)
}

// ExtractConv decomposes a 4-D convolution weight diff. force keeps the
// low-rank form even when it is not smaller than the diff.
func ExtractConv(diff *tensor.Tensor, mode Mode, param float64, force bool) (*Decomposition, error) {
	return lycoris.ExtractConv(diff, mode, param, force)
}

// CPWeight contracts a Tucker core t with factors wa and wb.
func CPWeight(wa, wb, t *tensor.Tensor) (*tensor.Tensor, error) {
	return lycoris.CPWeight(wa, wb, t)
}

// CPWeightFromConv rebuilds a full convolution weight from an
// up/mid/down chain.
func CPWeightFromConv(up, down, mid *tensor.Tensor) (*tensor.Tensor, error) {
	return lycoris.CPWeightFromConv(up, down, mid)
}

// Inspect summarizes every layer of state. A nil policy means
// DefaultPolicy.
func Inspect(state State, p *Policy) ([]LayerInfo, error) {
	return lycoris.Inspect(state, p)
}

// FlatKey builds the flat key of a module path under a component prefix.
func FlatKey(prefix, name, child string) string {
	return lycoris.FlatKey(prefix, name, child)
}
