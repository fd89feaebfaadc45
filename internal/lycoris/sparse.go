package lycoris

import (
	"fmt"
	"math"
	"slices"

	"github.com/born-ml/lycoris/internal/tensor"
)

// quantile returns the q-th quantile of values using linear interpolation
// between the two nearest ranks.
func quantile(values []float32, q float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := slices.Clone(values)
	slices.Sort(sorted)
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := min(lo+1, len(sorted)-1)
	frac := pos - float64(lo)
	a, b := float64(sorted[lo]), float64(sorted[hi])
	return a + (b-a)*frac
}

// makeSparse zeroes every element whose magnitude is below the sparsity
// quantile of |t|, leaving roughly the largest (1 - sparsity) fraction.
func makeSparse(t *tensor.Tensor, sparsity float64) *tensor.Tensor {
	abs := make([]float32, t.NumElements())
	for i, v := range t.Data() {
		abs[i] = float32(math.Abs(float64(v)))
	}
	cut := quantile(abs, sparsity)

	out := t.Clone()
	data := out.Data()
	for i, a := range abs {
		if float64(a) < cut {
			data[i] = 0
		}
	}
	return out
}

// sparseResidual is a 2-D tensor in coordinate form as stored in a state:
// indices int16 (2, nnz), values float16 (nnz), size int16 (2).
type sparseResidual struct {
	indices *tensor.Raw
	values  *tensor.Raw
	size    *tensor.Raw
}

// encodeSparse stores the non-zero elements of a 2-D tensor in row-major
// order.
func encodeSparse(t *tensor.Tensor) (*sparseResidual, error) {
	if t.NDim() != 2 {
		return nil, fmt.Errorf("sparse: expected 2-D tensor, got shape %v", t.Shape())
	}
	rows, cols := t.Dim(0), t.Dim(1)
	var ri, ci []int64
	var vals []float32
	for i, v := range t.Data() {
		if v != 0 {
			ri = append(ri, int64(i/cols))
			ci = append(ci, int64(i%cols))
			vals = append(vals, v)
		}
	}
	nnz := len(vals)

	indices, err := tensor.EncodeInt16(append(ri, ci...), 2, nnz)
	if err != nil {
		return nil, fmt.Errorf("sparse indices: %w", err)
	}
	size, err := tensor.EncodeInt16([]int64{int64(rows), int64(cols)}, 2)
	if err != nil {
		return nil, fmt.Errorf("sparse size: %w", err)
	}
	var values *tensor.Raw
	if nnz == 0 {
		values, err = tensor.NewRaw(tensor.Shape{0}, tensor.Float16, []byte{})
	} else {
		values, err = tensor.Encode(tensor.MustFromSlice(vals, nnz), tensor.Float16)
	}
	if err != nil {
		return nil, fmt.Errorf("sparse values: %w", err)
	}
	return &sparseResidual{indices: indices, values: values, size: size}, nil
}

// decodeSparse densifies a coordinate-form tensor decoded to float32.
func decodeSparse(indices, values, size *tensor.Tensor) (*tensor.Tensor, error) {
	if size.NumElements() != 2 {
		return nil, fmt.Errorf("%w: sparse size has %d elements", ErrMalformedModule, size.NumElements())
	}
	rows, cols := int(size.Data()[0]), int(size.Data()[1])
	if rows <= 0 || cols <= 0 {
		return nil, fmt.Errorf("%w: sparse size (%d, %d)", ErrMalformedModule, rows, cols)
	}
	nnz := values.NumElements()
	if indices.NumElements() != 2*nnz {
		return nil, fmt.Errorf("%w: %d sparse indices for %d values", ErrMalformedModule, indices.NumElements(), nnz)
	}

	out := tensor.Zeros(rows, cols)
	idx, vals := indices.Data(), values.Data()
	for k := 0; k < nnz; k++ {
		r, c := int(idx[k]), int(idx[nnz+k])
		if r < 0 || r >= rows || c < 0 || c >= cols {
			return nil, fmt.Errorf("%w: sparse index (%d, %d) outside (%d, %d)", ErrMalformedModule, r, c, rows, cols)
		}
		out.Set(out.At(r, c)+vals[k], r, c)
	}
	return out, nil
}
