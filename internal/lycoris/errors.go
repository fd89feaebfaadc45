package lycoris

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by extraction and merge.
var (
	// ErrInvalidMode is returned for an unknown rank selection mode.
	ErrInvalidMode = errors.New("lycoris: invalid decomposition mode")

	// ErrNotImplemented is returned for modes and factorization kinds
	// that have no implementation.
	ErrNotImplemented = errors.New("lycoris: not implemented")

	// ErrInvalidModeParam is returned when a mode parameter is out of range.
	ErrInvalidModeParam = errors.New("lycoris: mode parameter out of range")

	// ErrKronAlphaWithoutRank is returned when a Kron delta carries alpha
	// but neither w1_b nor w2_b defines its rank.
	ErrKronAlphaWithoutRank = errors.New("lycoris: kron alpha without a rank factor")

	// ErrNormBiasRequired is returned when a Norm delta meets a layer (or a
	// stored delta) without bias.
	ErrNormBiasRequired = errors.New("lycoris: norm delta requires a bias")

	// ErrUnsupportedDevice is returned for any compute device but cpu.
	ErrUnsupportedDevice = errors.New("lycoris: unsupported device")

	// ErrBundleMismatch is returned when base and tuned bundles do not have
	// the same components.
	ErrBundleMismatch = errors.New("lycoris: bundle components differ")

	// ErrMalformedModule is returned when a stored delta misses a required
	// tensor or has inconsistent shapes.
	ErrMalformedModule = errors.New("lycoris: malformed module")
)

// LayerError reports a failure for a single layer.
type LayerError struct {
	Key string // flat key, e.g. "lora_unet_conv_in"
	Op  string // "extract", "decode" or "merge"
	Err error
}

// Error implements the error interface.
func (e *LayerError) Error() string {
	return fmt.Sprintf("lycoris: %s %s: %v", e.Op, e.Key, e.Err)
}

// Unwrap returns the underlying error.
func (e *LayerError) Unwrap() error {
	return e.Err
}
