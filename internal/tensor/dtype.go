// Package tensor provides the dense tensors used by the lycoris extraction and merge pipelines.
//
// Two representations are kept apart:
//   - Tensor: a contiguous row-major float32 tensor used for all arithmetic
//   - Raw: a typed byte buffer holding a tensor in its storage dtype
//     (F16, BF16, F32, I16, ...) as read from or written to safetensors
//
// Conversion between the two happens at the edges: Raw.Float32 decodes a
// stored tensor for computation and Encode packs a result back into a
// storage dtype.
package tensor

// DataType represents the storage type of a Raw tensor.
type DataType int

// Supported storage data types.
const (
	Float32 DataType = iota
	Float16
	BFloat16
	Float64
	Int16
	Int32
	Int64
	Uint8
	Bool
)

// Size returns the byte size of the data type.
func (dt DataType) Size() int {
	switch dt {
	case Float32, Int32:
		return 4
	case Float16, BFloat16, Int16:
		return 2
	case Float64, Int64:
		return 8
	case Uint8, Bool:
		return 1
	default:
		panic("unknown data type")
	}
}

// String returns a human-readable name for the data type.
func (dt DataType) String() string {
	switch dt {
	case Float32:
		return "float32"
	case Float16:
		return "float16"
	case BFloat16:
		return "bfloat16"
	case Float64:
		return "float64"
	case Int16:
		return "int16"
	case Int32:
		return "int32"
	case Int64:
		return "int64"
	case Uint8:
		return "uint8"
	case Bool:
		return "bool"
	default:
		return "unknown"
	}
}

// IsFloat reports whether the data type is a floating-point type.
func (dt DataType) IsFloat() bool {
	switch dt {
	case Float32, Float16, BFloat16, Float64:
		return true
	default:
		return false
	}
}

// Device represents the compute device for tensor operations.
//
// Only CPU is executable; the other values exist so that configuration
// naming a device can be parsed and rejected with a clear error.
type Device int

// Known compute devices.
const (
	CPU Device = iota
	CUDA
	Metal
)

// String returns a human-readable device name.
func (d Device) String() string {
	switch d {
	case CPU:
		return "cpu"
	case CUDA:
		return "cuda"
	case Metal:
		return "metal"
	default:
		return "unknown"
	}
}

// ParseDevice parses a device name such as "cpu" or "cuda:0".
// The ordinal suffix is accepted and ignored.
func ParseDevice(s string) (Device, bool) {
	name := s
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			name = s[:i]
			break
		}
	}
	switch name {
	case "", "cpu":
		return CPU, true
	case "cuda":
		return CUDA, true
	case "mps", "metal":
		return Metal, true
	default:
		return CPU, false
	}
}
