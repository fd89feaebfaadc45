package tensor

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/x448/float16"
)

// Raw is a tensor held in its storage dtype as little-endian bytes.
//
// Raw is the unit of exchange with safetensors files and the element type of
// a factorized state. Arithmetic never happens on Raw directly; decode with
// Float32 first.
type Raw struct {
	shape Shape
	dtype DataType
	data  []byte
}

// NewRaw wraps data as a Raw tensor, validating its length against shape.
// The slice is not copied.
func NewRaw(shape Shape, dtype DataType, data []byte) (*Raw, error) {
	want := shape.NumElements() * dtype.Size()
	if len(data) != want {
		return nil, fmt.Errorf("raw %s%v: expected %d bytes, got %d", dtype, []int(shape), want, len(data))
	}
	return &Raw{shape: shape.Clone(), dtype: dtype, data: data}, nil
}

// Shape returns the tensor's shape.
func (r *Raw) Shape() Shape {
	return r.shape
}

// DType returns the tensor's storage data type.
func (r *Raw) DType() DataType {
	return r.dtype
}

// NumElements returns the total number of elements.
func (r *Raw) NumElements() int {
	return r.shape.NumElements()
}

// ByteSize returns the total memory size in bytes.
func (r *Raw) ByteSize() int {
	return len(r.data)
}

// Data returns the raw byte slice.
// WARNING: Direct access to underlying memory. Use with caution.
func (r *Raw) Data() []byte {
	return r.data
}

// Float32 decodes the tensor into a float32 Tensor.
// Integer and bool dtypes are converted by value.
func (r *Raw) Float32() (*Tensor, error) {
	n := r.NumElements()
	out := &Tensor{shape: r.shape.Clone(), data: make([]float32, n)}
	le := binary.LittleEndian
	b := r.data
	switch r.dtype {
	case Float32:
		for i := range out.data {
			out.data[i] = math.Float32frombits(le.Uint32(b[i*4:]))
		}
	case Float16:
		for i := range out.data {
			out.data[i] = float16.Frombits(le.Uint16(b[i*2:])).Float32()
		}
	case BFloat16:
		for i := range out.data {
			out.data[i] = math.Float32frombits(uint32(le.Uint16(b[i*2:])) << 16)
		}
	case Float64:
		for i := range out.data {
			out.data[i] = float32(math.Float64frombits(le.Uint64(b[i*8:])))
		}
	case Int16:
		for i := range out.data {
			out.data[i] = float32(int16(le.Uint16(b[i*2:])))
		}
	case Int32:
		for i := range out.data {
			out.data[i] = float32(int32(le.Uint32(b[i*4:])))
		}
	case Int64:
		for i := range out.data {
			out.data[i] = float32(int64(le.Uint64(b[i*8:])))
		}
	case Uint8, Bool:
		for i := range out.data {
			out.data[i] = float32(b[i])
		}
	default:
		return nil, fmt.Errorf("decode: unsupported dtype %s", r.dtype)
	}
	return out, nil
}

// Int64s decodes an integer tensor into int64 values.
func (r *Raw) Int64s() ([]int64, error) {
	n := r.NumElements()
	out := make([]int64, n)
	le := binary.LittleEndian
	b := r.data
	switch r.dtype {
	case Int16:
		for i := range out {
			out[i] = int64(int16(le.Uint16(b[i*2:])))
		}
	case Int32:
		for i := range out {
			out[i] = int64(int32(le.Uint32(b[i*4:])))
		}
	case Int64:
		for i := range out {
			out[i] = int64(le.Uint64(b[i*8:])) //nolint:gosec // G115: two's complement reinterpretation
		}
	case Uint8:
		for i := range out {
			out[i] = int64(b[i])
		}
	default:
		return nil, fmt.Errorf("decode: dtype %s is not an integer type", r.dtype)
	}
	return out, nil
}

// Encode packs a float32 Tensor into the given floating-point storage dtype.
func Encode(t *Tensor, dtype DataType) (*Raw, error) {
	n := len(t.data)
	buf := make([]byte, n*dtype.Size())
	le := binary.LittleEndian
	switch dtype {
	case Float32:
		for i, v := range t.data {
			le.PutUint32(buf[i*4:], math.Float32bits(v))
		}
	case Float16:
		for i, v := range t.data {
			le.PutUint16(buf[i*2:], float16.Fromfloat32(v).Bits())
		}
	case BFloat16:
		for i, v := range t.data {
			le.PutUint16(buf[i*2:], bfloat16Bits(v))
		}
	case Float64:
		for i, v := range t.data {
			le.PutUint64(buf[i*8:], math.Float64bits(float64(v)))
		}
	default:
		return nil, fmt.Errorf("encode: %s is not a floating-point dtype", dtype)
	}
	return &Raw{shape: t.shape.Clone(), dtype: dtype, data: buf}, nil
}

// EncodeInt16 packs integer values into an Int16 Raw tensor.
// Values outside the int16 range are rejected.
func EncodeInt16(values []int64, shape ...int) (*Raw, error) {
	s := Shape(shape)
	if s.NumElements() != len(values) {
		return nil, fmt.Errorf("encode int16: shape %v requires %d elements, got %d", []int(s), s.NumElements(), len(values))
	}
	buf := make([]byte, len(values)*2)
	for i, v := range values {
		if v < math.MinInt16 || v > math.MaxInt16 {
			return nil, fmt.Errorf("encode int16: value %d at %d out of range", v, i)
		}
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(int16(v))) //nolint:gosec // G115: range checked above
	}
	return &Raw{shape: s.Clone(), dtype: Int16, data: buf}, nil
}

// bfloat16Bits rounds a float32 to bfloat16 with round-to-nearest-even.
func bfloat16Bits(v float32) uint16 {
	bits := math.Float32bits(v)
	if v != v { // NaN
		return uint16(bits>>16) | 0x40
	}
	rounding := uint32(0x7FFF) + ((bits >> 16) & 1)
	return uint16((bits + rounding) >> 16)
}
