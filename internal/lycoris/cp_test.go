package lycoris

import (
	"math/rand"
	"testing"

	"github.com/born-ml/lycoris/internal/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCPWeightFromConv_MatchesEinsum(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	const out, r, r2, in, kh, kw = 5, 3, 2, 4, 3, 2
	up := tensor.Randn(rng, out, r, 1, 1)
	down := tensor.Randn(rng, r2, in, 1, 1)
	mid := tensor.Randn(rng, r, r2, kh, kw)

	got, err := CPWeightFromConv(up, down, mid)
	require.NoError(t, err)

	// mnwh, im, nj -> ijwh
	want := tensor.Zeros(out, in, kh, kw)
	for i := 0; i < out; i++ {
		for j := 0; j < in; j++ {
			for w := 0; w < kh; w++ {
				for h := 0; h < kw; h++ {
					var sum float32
					for m := 0; m < r; m++ {
						for n := 0; n < r2; n++ {
							sum += mid.At(m, n, w, h) * up.At(i, m, 0, 0) * down.At(n, j, 0, 0)
						}
					}
					want.Set(sum, i, j, w, h)
				}
			}
		}
	}
	requireClose(t, want, got, 1e-4)
}

func TestCPWeight_MatchesEinsum(t *testing.T) {
	rng := rand.New(rand.NewSource(8))
	const i0, j0, r, k0, l0 = 3, 4, 5, 2, 2
	core := tensor.Randn(rng, i0, j0, k0, l0)
	wb := tensor.Randn(rng, j0, r)
	wa := tensor.Randn(rng, i0, 6)

	got, err := CPWeight(wa, wb, core)
	require.NoError(t, err)
	require.Equal(t, tensor.Shape{6, r, k0, l0}, got.Shape())

	// ijkl, jr -> irkl
	temp := tensor.Zeros(i0, r, k0, l0)
	for i := 0; i < i0; i++ {
		for rr := 0; rr < r; rr++ {
			for k := 0; k < k0; k++ {
				for l := 0; l < l0; l++ {
					var sum float32
					for j := 0; j < j0; j++ {
						sum += core.At(i, j, k, l) * wb.At(j, rr)
					}
					temp.Set(sum, i, rr, k, l)
				}
			}
		}
	}
	// ijkl, ir -> rjkl
	want := tensor.Zeros(6, r, k0, l0)
	for rr := 0; rr < 6; rr++ {
		for j := 0; j < r; j++ {
			for k := 0; k < k0; k++ {
				for l := 0; l < l0; l++ {
					var sum float32
					for i := 0; i < i0; i++ {
						sum += temp.At(i, j, k, l) * wa.At(i, rr)
					}
					want.Set(sum, rr, j, k, l)
				}
			}
		}
	}
	requireClose(t, want, got, 1e-4)
}

func TestCPWeight_ShapeMismatch(t *testing.T) {
	_, err := CPWeight(tensor.Zeros(3, 2), tensor.Zeros(5, 2), tensor.Zeros(3, 4, 1, 1))
	assert.Error(t, err)
	_, err = CPWeightFromConv(tensor.Zeros(4, 2, 1, 1), tensor.Zeros(3, 4, 1, 1), tensor.Zeros(2, 2, 3, 3))
	assert.Error(t, err)
}
