package serialization

import (
	"fmt"

	"github.com/born-ml/lycoris/internal/tensor"
)

// Format constants.
const (
	HeaderLengthSize = 8              // uint64 LE header length prefix
	HeaderAlignment  = 8              // JSON header is space padded to this boundary
	MetadataKey      = "__metadata__" // reserved header key for string metadata
)

// SafeTensors dtype names.
const (
	DTypeF16  = "F16"
	DTypeBF16 = "BF16"
	DTypeF32  = "F32"
	DTypeF64  = "F64"
	DTypeI16  = "I16"
	DTypeI32  = "I32"
	DTypeI64  = "I64"
	DTypeU8   = "U8"
	DTypeBool = "BOOL"
)

// Header is a decoded SafeTensors header.
type Header struct {
	Metadata map[string]string
	Tensors  []TensorMeta
}

// TensorMeta describes one tensor entry of a SafeTensors header.
type TensorMeta struct {
	Name   string // Tensor name (e.g., "down_blocks.0.resnets.0.conv1.weight")
	DType  string // SafeTensors dtype name (e.g., "F16")
	Shape  []int  // Tensor shape
	Offset int64  // Offset in the data section
	Size   int64  // Size in bytes
}

// DTypeName returns the SafeTensors name of a dtype.
func DTypeName(dt tensor.DataType) (string, error) {
	switch dt {
	case tensor.Float16:
		return DTypeF16, nil
	case tensor.BFloat16:
		return DTypeBF16, nil
	case tensor.Float32:
		return DTypeF32, nil
	case tensor.Float64:
		return DTypeF64, nil
	case tensor.Int16:
		return DTypeI16, nil
	case tensor.Int32:
		return DTypeI32, nil
	case tensor.Int64:
		return DTypeI64, nil
	case tensor.Uint8:
		return DTypeU8, nil
	case tensor.Bool:
		return DTypeBool, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedDType, dt)
	}
}

// ParseDType converts a SafeTensors dtype name.
func ParseDType(s string) (tensor.DataType, error) {
	switch s {
	case DTypeF16:
		return tensor.Float16, nil
	case DTypeBF16:
		return tensor.BFloat16, nil
	case DTypeF32:
		return tensor.Float32, nil
	case DTypeF64:
		return tensor.Float64, nil
	case DTypeI16:
		return tensor.Int16, nil
	case DTypeI32:
		return tensor.Int32, nil
	case DTypeI64:
		return tensor.Int64, nil
	case DTypeU8:
		return tensor.Uint8, nil
	case DTypeBool:
		return tensor.Bool, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedDType, s)
	}
}
