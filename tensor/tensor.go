// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package tensor provides the public tensor types used by the lycoris API.
//
// A Tensor is a dense, row-major float32 array used for arithmetic. A Raw
// tensor keeps the storage dtype of a safetensors file (F32, F16, BF16, I16,
// ...) and is decoded with Raw.Float32 before use.
//
// Example:
//
//	w := tensor.MustFromSlice([]float32{1, 2, 3, 4}, 2, 2)
//	raw, _ := tensor.Encode(w, tensor.Float16)
//	back, _ := raw.Float32()
package tensor

import (
	"math/rand"

	"github.com/born-ml/lycoris/internal/tensor"
)

// Tensor is a dense float32 tensor.
type Tensor = tensor.Tensor

// Raw is a tensor held in its storage dtype.
type Raw = tensor.Raw

// Shape represents the dimensions of a tensor.
// Example: Shape{2, 3, 4} represents a 3D tensor with dimensions 2×3×4.
type Shape = tensor.Shape

// DataType represents the storage type of a Raw tensor.
type DataType = tensor.DataType

// Storage data types.
const (
	Float32  DataType = tensor.Float32
	Float16  DataType = tensor.Float16
	BFloat16 DataType = tensor.BFloat16
	Float64  DataType = tensor.Float64
	Int16    DataType = tensor.Int16
	Int32    DataType = tensor.Int32
	Int64    DataType = tensor.Int64
	Uint8    DataType = tensor.Uint8
	Bool     DataType = tensor.Bool
)

// Device represents a compute device.
type Device = tensor.Device

// Device constants. Only CPU is used for computation.
const (
	CPU   Device = tensor.CPU
	CUDA  Device = tensor.CUDA
	Metal Device = tensor.Metal
)

// Zeros creates a zero-filled tensor.
func Zeros(shape ...int) *Tensor {
	return tensor.Zeros(shape...)
}

// FromSlice wraps data as a tensor of the given shape.
func FromSlice(data []float32, shape ...int) (*Tensor, error) {
	return tensor.FromSlice(data, shape...)
}

// MustFromSlice is like FromSlice but panics on a shape mismatch.
func MustFromSlice(data []float32, shape ...int) *Tensor {
	return tensor.MustFromSlice(data, shape...)
}

// Randn creates a tensor of standard normal samples drawn from rng.
func Randn(rng *rand.Rand, shape ...int) *Tensor {
	return tensor.Randn(rng, shape...)
}

// NewRaw wraps little-endian data as a Raw tensor.
func NewRaw(shape Shape, dtype DataType, data []byte) (*Raw, error) {
	return tensor.NewRaw(shape, dtype, data)
}

// Encode packs t into a floating-point storage dtype.
func Encode(t *Tensor, dtype DataType) (*Raw, error) {
	return tensor.Encode(t, dtype)
}

// ParseDevice parses a device name such as "cpu" or "cuda:0".
func ParseDevice(s string) (Device, bool) {
	return tensor.ParseDevice(s)
}
