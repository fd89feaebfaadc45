package lycoris

import (
	"fmt"
	"log/slog"

	"github.com/born-ml/lycoris/internal/tensor"
)

// Default extraction settings.
const (
	DefaultLinearParam = 64
	DefaultConvParam   = 32
	DefaultSparsity    = 0.98
)

// ProgressFunc is called once per visited target module. done counts the
// modules visited so far out of total in component.
type ProgressFunc func(component, name string, done, total int)

// Options configures ExtractDiff.
type Options struct {
	// Mode and its parameters. LinearParam applies to Linear layers and
	// 1x1 convolutions, ConvParam to every other convolution.
	Mode        Mode
	LinearParam float64
	ConvParam   float64

	// Device is the compute device name. Only "cpu" is supported.
	Device string

	// UseBias stores the decomposition residual as a sparse tensor,
	// keeping the largest (1 - Sparsity) fraction of its elements.
	UseBias  bool
	Sparsity float64

	// SmallConv compresses low-rank k×k convolutions into an up/mid/down
	// chain.
	SmallConv bool

	// MinDiff skips layers whose largest absolute change is below it.
	// Zero disables the filter.
	MinDiff float64

	Policy   *Policy
	Logger   *slog.Logger
	Progress ProgressFunc
}

// DefaultOptions returns the extraction defaults: fixed rank 64 for linear
// layers and 32 for convolutions, small_conv on, no sparse residual.
func DefaultOptions() Options {
	return Options{
		Mode:        ModeFixed,
		LinearParam: DefaultLinearParam,
		ConvParam:   DefaultConvParam,
		Device:      tensor.CPU.String(),
		Sparsity:    DefaultSparsity,
		SmallConv:   true,
	}
}

// Validate checks the options before any work is done.
func (o Options) Validate() error {
	if _, err := ParseMode(string(o.Mode)); err != nil {
		return err
	}
	if err := o.Mode.ValidateParam(o.LinearParam); err != nil {
		return fmt.Errorf("linear param: %w", err)
	}
	if err := o.Mode.ValidateParam(o.ConvParam); err != nil {
		return fmt.Errorf("conv param: %w", err)
	}
	if err := checkDevice(o.Device); err != nil {
		return err
	}
	if o.Sparsity < 0 || o.Sparsity > 1 {
		return fmt.Errorf("%w: sparsity must be in [0, 1], got %v", ErrInvalidModeParam, o.Sparsity)
	}
	if o.MinDiff < 0 {
		return fmt.Errorf("%w: min diff must be >= 0, got %v", ErrInvalidModeParam, o.MinDiff)
	}
	if o.Policy != nil {
		return o.Policy.Validate()
	}
	return nil
}

func (o Options) withDefaults() Options {
	if o.Policy == nil {
		o.Policy = DefaultPolicy()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// MergeOptions configures Merge.
type MergeOptions struct {
	// Device is the compute device name. Only "cpu" is supported.
	Device string

	Policy   *Policy
	Logger   *slog.Logger
	Progress ProgressFunc
}

// Validate checks the options before any work is done.
func (o MergeOptions) Validate() error {
	if err := checkDevice(o.Device); err != nil {
		return err
	}
	if o.Policy != nil {
		return o.Policy.Validate()
	}
	return nil
}

func (o MergeOptions) withDefaults() MergeOptions {
	if o.Policy == nil {
		o.Policy = DefaultPolicy()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

func checkDevice(name string) error {
	d, ok := tensor.ParseDevice(name)
	if !ok || d != tensor.CPU {
		return fmt.Errorf("%w: %q", ErrUnsupportedDevice, name)
	}
	return nil
}
