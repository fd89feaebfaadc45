package lycoris

import (
	"fmt"
	"math"
)

// Mode selects how many singular values a truncated decomposition keeps.
type Mode string

// Rank selection modes.
const (
	// ModeFixed keeps exactly param singular values.
	ModeFixed Mode = "fixed"
	// ModeThreshold keeps singular values strictly greater than param.
	ModeThreshold Mode = "threshold"
	// ModeRatio keeps singular values of at least max(S)·param. Values
	// equal to the cut count toward the rank, so param 1 keeps every
	// value tied with the largest. Other extractors keep only values
	// strictly above the cut.
	ModeRatio Mode = "ratio"
	// ModeQuantile keeps the shortest prefix whose sum reaches param of
	// the total.
	ModeQuantile Mode = "quantile"
	// ModePercentile is an alias of ModeQuantile.
	ModePercentile Mode = "percentile"
)

// ParseMode parses a mode name.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeFixed, ModeThreshold, ModeRatio, ModeQuantile, ModePercentile:
		return m, nil
	default:
		return "", fmt.Errorf("%w: %w: %q", ErrNotImplemented, ErrInvalidMode, s)
	}
}

// ValidateParam checks param against the range mode accepts.
func (m Mode) ValidateParam(param float64) error {
	if math.IsNaN(param) || math.IsInf(param, 0) {
		return fmt.Errorf("%w: %s %v", ErrInvalidModeParam, m, param)
	}
	switch m {
	case ModeFixed:
		if param < 0 || param != math.Trunc(param) {
			return fmt.Errorf("%w: fixed rank must be a non-negative integer, got %v", ErrInvalidModeParam, param)
		}
	case ModeThreshold:
		if param < 0 {
			return fmt.Errorf("%w: threshold must be >= 0, got %v", ErrInvalidModeParam, param)
		}
	case ModeRatio, ModeQuantile, ModePercentile:
		if param < 0 || param > 1 {
			return fmt.Errorf("%w: %s must be in [0, 1], got %v", ErrInvalidModeParam, m, param)
		}
	default:
		_, err := ParseMode(string(m))
		return err
	}
	return nil
}

// selectRank applies mode to singular values s, sorted in descending order.
// The result is not clamped.
func selectRank(s []float64, mode Mode, param float64) (int, error) {
	switch mode {
	case ModeFixed:
		return int(param), nil
	case ModeThreshold:
		n := 0
		for _, v := range s {
			if v > param {
				n++
			}
		}
		return n, nil
	case ModeRatio:
		if len(s) == 0 {
			return 0, nil
		}
		cut := s[0] * param
		n := 0
		for _, v := range s {
			if v >= cut {
				n++
			}
		}
		return n, nil
	case ModeQuantile, ModePercentile:
		total := 0.0
		for _, v := range s {
			total += v
		}
		target := param * total
		sum := 0.0
		for k, v := range s {
			sum += v
			if sum >= target {
				return k + 1, nil
			}
		}
		return len(s), nil
	default:
		_, err := ParseMode(string(mode))
		return 0, err
	}
}

// clampRank limits rank to [1, min(out, in)].
func clampRank(rank, out, in int) int {
	return min(max(rank, 1), out, in)
}
