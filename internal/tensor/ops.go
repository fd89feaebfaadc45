package tensor

import (
	"fmt"
	"math"

	"github.com/born-ml/lycoris/internal/parallel"
)

func (t *Tensor) sameShape(op string, other *Tensor) error {
	if len(t.data) != len(other.data) || !t.shape.Equal(other.shape) {
		return fmt.Errorf("%s: shape mismatch %v vs %v", op, t.shape, other.shape)
	}
	return nil
}

func (t *Tensor) zipWith(op string, other *Tensor, f func(a, b float32) float32) (*Tensor, error) {
	if err := t.sameShape(op, other); err != nil {
		return nil, err
	}
	out := &Tensor{shape: t.shape.Clone(), data: make([]float32, len(t.data))}
	a, b, c := t.data, other.data, out.data
	parallel.Range(len(c), 1, func(s, e int) {
		for i := s; i < e; i++ {
			c[i] = f(a[i], b[i])
		}
	}, parallel.Current())
	return out, nil
}

// Add returns t + other. Shapes must match exactly.
func (t *Tensor) Add(other *Tensor) (*Tensor, error) {
	return t.zipWith("add", other, func(a, b float32) float32 { return a + b })
}

// Sub returns t - other. Shapes must match exactly.
func (t *Tensor) Sub(other *Tensor) (*Tensor, error) {
	return t.zipWith("sub", other, func(a, b float32) float32 { return a - b })
}

// Mul returns the Hadamard (elementwise) product t ∘ other.
func (t *Tensor) Mul(other *Tensor) (*Tensor, error) {
	return t.zipWith("mul", other, func(a, b float32) float32 { return a * b })
}

// AddScaled returns t + other*alpha without allocating an intermediate.
func (t *Tensor) AddScaled(other *Tensor, alpha float64) (*Tensor, error) {
	s := float32(alpha)
	return t.zipWith("add_scaled", other, func(a, b float32) float32 { return a + b*s })
}

// MulAlongDim multiplies t by vec broadcast along dimension dim:
// out[..., i, ...] = t[..., i, ...] * vec[i].
func (t *Tensor) MulAlongDim(vec *Tensor, dim int) (*Tensor, error) {
	if dim < 0 {
		dim += len(t.shape)
	}
	if dim < 0 || dim >= len(t.shape) {
		return nil, fmt.Errorf("mul_along_dim: dim %d out of range for shape %v", dim, t.shape)
	}
	if vec.NumElements() != t.shape[dim] {
		return nil, fmt.Errorf("mul_along_dim: vector of %d elements cannot scale dim %d of shape %v",
			vec.NumElements(), dim, t.shape)
	}
	strides := t.shape.ComputeStrides()
	stride, size := strides[dim], t.shape[dim]
	out := &Tensor{shape: t.shape.Clone(), data: make([]float32, len(t.data))}
	parallel.For(len(t.data), 1, func(i int) {
		out.data[i] = t.data[i] * vec.data[(i/stride)%size]
	}, parallel.Current())
	return out, nil
}

// MaxAbs returns max(|t|).
func (t *Tensor) MaxAbs() float32 {
	var m float32
	for _, v := range t.data {
		if a := float32(math.Abs(float64(v))); a > m {
			m = a
		}
	}
	return m
}

// AllClose reports whether |t - other| <= atol + rtol*|other| elementwise.
// Tensors of different shapes are never close.
func (t *Tensor) AllClose(other *Tensor, rtol, atol float64) bool {
	if t.sameShape("allclose", other) != nil {
		return false
	}
	for i, a := range t.data {
		b := float64(other.data[i])
		if math.Abs(float64(a)-b) > atol+rtol*math.Abs(b) {
			return false
		}
	}
	return true
}

// SwapAxes01 returns a contiguous copy with the first two dimensions swapped.
func (t *Tensor) SwapAxes01() *Tensor {
	if len(t.shape) < 2 {
		panic(fmt.Sprintf("swap_axes01: need at least 2 dims, got %v", t.shape))
	}
	d0, d1 := t.shape[0], t.shape[1]
	inner := len(t.data) / (d0 * d1)
	s := t.shape.Clone()
	s[0], s[1] = d1, d0
	out := &Tensor{shape: s, data: make([]float32, len(t.data))}
	for i := 0; i < d0; i++ {
		for j := 0; j < d1; j++ {
			src := (i*d1 + j) * inner
			dst := (j*d0 + i) * inner
			copy(out.data[dst:dst+inner], t.data[src:src+inner])
		}
	}
	return out
}

// CopyFrom overwrites t's elements with src's. Shapes must match.
func (t *Tensor) CopyFrom(src *Tensor) error {
	if err := t.sameShape("copy", src); err != nil {
		return err
	}
	copy(t.data, src.data)
	return nil
}
