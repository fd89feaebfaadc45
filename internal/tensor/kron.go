package tensor

import "github.com/born-ml/lycoris/internal/parallel"

// Kron computes the Kronecker product of a and b.
//
// Dimensions are aligned from the left after padding the lower-rank operand
// with leading size-1 dimensions, so the result has shape a.shape[i]*b.shape[i]
// and out[i*bs + j] = a[i] * b[j] in every axis.
func Kron(a, b *Tensor) *Tensor {
	nd := max(len(a.shape), len(b.shape))
	as := padLeft(a.shape, nd)
	bs := padLeft(b.shape, nd)

	outShape := make(Shape, nd)
	for i := range outShape {
		outShape[i] = as[i] * bs[i]
	}
	out := &Tensor{shape: outShape, data: make([]float32, outShape.NumElements())}
	if nd == 0 {
		out.data[0] = a.data[0] * b.data[0]
		return out
	}

	aStrides := as.ComputeStrides()
	bStrides := bs.ComputeStrides()
	oStrides := outShape.ComputeStrides()

	parallel.Range(len(a.data), len(b.data), func(start, end int) {
		for ai := start; ai < end; ai++ {
			av := a.data[ai]
			// Base offset of block ai in the output.
			base := 0
			rem := ai
			for d := 0; d < nd; d++ {
				idx := rem / aStrides[d]
				rem %= aStrides[d]
				base += idx * bs[d] * oStrides[d]
			}
			for bi, bv := range b.data {
				off := base
				r := bi
				for d := 0; d < nd; d++ {
					idx := r / bStrides[d]
					r %= bStrides[d]
					off += idx * oStrides[d]
				}
				out.data[off] = av * bv
			}
		}
	}, parallel.Current())
	return out
}

func padLeft(s Shape, n int) Shape {
	if len(s) >= n {
		return s
	}
	out := make(Shape, n)
	pad := n - len(s)
	for i := 0; i < pad; i++ {
		out[i] = 1
	}
	copy(out[pad:], s)
	return out
}
