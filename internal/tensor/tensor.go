package tensor

import (
	"fmt"
	"math"
	"math/rand"
)

// Tensor is a dense, contiguous, row-major float32 tensor.
//
// All reconstruction and decomposition arithmetic runs on Tensor. Storage
// precision is handled by Raw; a Tensor is always float32 regardless of the
// dtype it was decoded from.
type Tensor struct {
	shape Shape
	data  []float32
}

// Zeros creates a tensor filled with zeros.
func Zeros(shape ...int) *Tensor {
	s := Shape(shape)
	if err := s.Validate(); err != nil {
		panic(err)
	}
	return &Tensor{shape: s.Clone(), data: make([]float32, s.NumElements())}
}

// Full creates a tensor filled with a specific value.
func Full(value float32, shape ...int) *Tensor {
	t := Zeros(shape...)
	for i := range t.data {
		t.data[i] = value
	}
	return t
}

// FromSlice creates a tensor from a Go slice.
// The slice is copied into the tensor's memory.
func FromSlice(data []float32, shape ...int) (*Tensor, error) {
	s, err := Shape(shape).resolve(len(data))
	if err != nil {
		return nil, err
	}
	buf := make([]float32, len(data))
	copy(buf, data)
	return &Tensor{shape: s, data: buf}, nil
}

// MustFromSlice is FromSlice that panics on a shape mismatch.
func MustFromSlice(data []float32, shape ...int) *Tensor {
	t, err := FromSlice(data, shape...)
	if err != nil {
		panic(err)
	}
	return t
}

// Scalar creates a 1-element tensor of shape [1].
func Scalar(v float32) *Tensor {
	return Full(v, 1)
}

// Randn creates a tensor with values from a normal distribution (mean=0, std=1)
// drawn from rng. Uses the Box-Muller transform.
func Randn(rng *rand.Rand, shape ...int) *Tensor {
	t := Zeros(shape...)
	for i := 0; i < len(t.data); i += 2 {
		u1 := rng.Float64()
		for u1 == 0 {
			u1 = rng.Float64()
		}
		u2 := rng.Float64()
		r := math.Sqrt(-2.0 * math.Log(u1))
		t.data[i] = float32(r * math.Cos(2.0*math.Pi*u2))
		if i+1 < len(t.data) {
			t.data[i+1] = float32(r * math.Sin(2.0*math.Pi*u2))
		}
	}
	return t
}

// Shape returns the tensor's shape.
func (t *Tensor) Shape() Shape {
	return t.shape
}

// Dim returns the size of dimension i. Negative i counts from the end.
func (t *Tensor) Dim(i int) int {
	if i < 0 {
		i += len(t.shape)
	}
	return t.shape[i]
}

// NDim returns the number of dimensions.
func (t *Tensor) NDim() int {
	return len(t.shape)
}

// NumElements returns the total number of elements.
func (t *Tensor) NumElements() int {
	return len(t.data)
}

// Data returns the underlying data slice.
//
// WARNING: Modifications to the returned slice will modify the tensor.
func (t *Tensor) Data() []float32 {
	return t.data
}

// At returns the element at the given indices.
// Panics if indices are out of bounds.
func (t *Tensor) At(indices ...int) float32 {
	return t.data[t.offset(indices)]
}

// Set sets the element at the given indices.
func (t *Tensor) Set(value float32, indices ...int) {
	t.data[t.offset(indices)] = value
}

func (t *Tensor) offset(indices []int) int {
	if len(indices) != len(t.shape) {
		panic(fmt.Sprintf("expected %d indices, got %d", len(t.shape), len(indices)))
	}
	off := 0
	strides := t.shape.ComputeStrides()
	for i, idx := range indices {
		if idx < 0 || idx >= t.shape[i] {
			panic(fmt.Sprintf("index %d out of bounds for dimension %d (size %d)", idx, i, t.shape[i]))
		}
		off += idx * strides[i]
	}
	return off
}

// Clone returns a deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	buf := make([]float32, len(t.data))
	copy(buf, t.data)
	return &Tensor{shape: t.shape.Clone(), data: buf}
}

// Reshape returns a view with a new shape sharing the same data.
// A single -1 dimension is inferred.
func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	s, err := Shape(shape).resolve(len(t.data))
	if err != nil {
		return nil, fmt.Errorf("reshape %v: %w", t.shape, err)
	}
	return &Tensor{shape: s, data: t.data}, nil
}

// MustReshape is Reshape that panics on an incompatible shape.
func (t *Tensor) MustReshape(shape ...int) *Tensor {
	r, err := t.Reshape(shape...)
	if err != nil {
		panic(err)
	}
	return r
}

// Flatten2D views the tensor as [dim0, rest].
func (t *Tensor) Flatten2D() *Tensor {
	if len(t.shape) == 0 {
		return t.MustReshape(1, 1)
	}
	return t.MustReshape(t.shape[0], -1)
}

// Unsqueeze inserts a size-1 dimension at position dim.
func (t *Tensor) Unsqueeze(dim int) *Tensor {
	if dim < 0 {
		dim += len(t.shape) + 1
	}
	if dim < 0 || dim > len(t.shape) {
		panic(fmt.Sprintf("unsqueeze: dim %d out of range for shape %v", dim, t.shape))
	}
	s := make(Shape, 0, len(t.shape)+1)
	s = append(s, t.shape[:dim]...)
	s = append(s, 1)
	s = append(s, t.shape[dim:]...)
	return &Tensor{shape: s, data: t.data}
}

// String returns a short description of the tensor.
func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor%v", t.shape)
}
