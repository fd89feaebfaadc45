package lycoris

import (
	"fmt"

	"github.com/born-ml/lycoris/internal/tensor"
)

// Kind names a factorization family.
type Kind int

// Factorization kinds, in lookup precedence order.
const (
	KindLoCon Kind = iota + 1
	KindHada
	KindIA3
	KindKron
	KindFull
	KindNorm
)

// String returns the kind name used in reports.
func (k Kind) String() string {
	switch k {
	case KindLoCon:
		return "locon"
	case KindHada:
		return "hada"
	case KindIA3:
		return "ia3"
	case KindKron:
		return "kron"
	case KindFull:
		return "full"
	case KindNorm:
		return "norm"
	default:
		return "none"
	}
}

// Module is a stored layer delta. The concrete type is one of *LoCon,
// *Hada, *IA3, *Kron, *Full or *Norm.
type Module interface {
	Kind() Kind
}

// LoCon is a low-rank delta up·down, optionally with a convolution core
// mid and a sparse residual.
type LoCon struct {
	Up, Down, Mid *tensor.Tensor
	Alpha         *float64
	// Residual is the densified sparse residual, shape (out, -1). It is
	// reported by Inspect and never added by RebuildWeight.
	Residual *tensor.Tensor
}

// Hada is a Hadamard product of two low-rank (or CP) reconstructions.
type Hada struct {
	W1a, W1b, W2a, W2b *tensor.Tensor
	T1, T2             *tensor.Tensor
	Alpha              *float64
}

// IA3 scales the base weight along its output (or input) axis.
type IA3 struct {
	Weight  *tensor.Tensor
	OnInput bool
}

// Kron is a Kronecker product of two factors, each stored whole or as a
// low-rank (or CP) pair.
type Kron struct {
	W1, W1a, W1b *tensor.Tensor
	W2, W2a, W2b *tensor.Tensor
	T1, T2       *tensor.Tensor
	Alpha        *float64
}

// Full is a dense weight diff with an optional bias diff.
type Full struct {
	Diff, DiffB *tensor.Tensor
}

// Norm is a dense weight and bias diff of a normalization layer.
type Norm struct {
	W, B *tensor.Tensor
}

// Kind returns KindLoCon.
func (*LoCon) Kind() Kind { return KindLoCon }

// Kind returns KindHada.
func (*Hada) Kind() Kind { return KindHada }

// Kind returns KindIA3.
func (*IA3) Kind() Kind { return KindIA3 }

// Kind returns KindKron.
func (*Kron) Kind() Kind { return KindKron }

// Kind returns KindFull.
func (*Full) Kind() Kind { return KindFull }

// Kind returns KindNorm.
func (*Norm) Kind() Kind { return KindNorm }

// GetModule looks up the delta stored for a layer key. The kind is chosen by
// the first signature key present, in the order .lora_up.weight, .hada_w1_a,
// .weight, .lokr_w1 / .lokr_w1_a, .diff, .w_norm. It returns nil (and no
// error) when none is present.
func GetModule(state Tensors, key string) (Module, error) {
	get := func(suffix string) *tensor.Tensor {
		return state[key+"."+suffix]
	}
	m, err := lookup(get)
	if err != nil {
		return nil, &LayerError{Key: key, Op: "decode", Err: err}
	}
	return m, nil
}

func lookup(get func(suffix string) *tensor.Tensor) (Module, error) {
	switch {
	case get("lora_up.weight") != nil:
		alpha, err := alphaOf(get("alpha"))
		if err != nil {
			return nil, err
		}
		m := &LoCon{
			Up:    get("lora_up.weight"),
			Down:  get("lora_down.weight"),
			Mid:   get("lora_mid.weight"),
			Alpha: alpha,
		}
		if m.Down == nil {
			return nil, fmt.Errorf("%w: lora_up without lora_down", ErrMalformedModule)
		}
		if err := checkDims(
			dims{"lora_up.weight", m.Up, 2, 4},
			dims{"lora_down.weight", m.Down, 2, 4},
			dims{"lora_mid.weight", m.Mid, 4, 4},
		); err != nil {
			return nil, err
		}
		if idx, vals, size := get("bias_indices"), get("bias_values"), get("bias_size"); idx != nil && vals != nil && size != nil {
			res, err := decodeSparse(idx, vals, size)
			if err != nil {
				return nil, err
			}
			m.Residual = res
		}
		return m, nil

	case get("hada_w1_a") != nil:
		alpha, err := alphaOf(get("alpha"))
		if err != nil {
			return nil, err
		}
		m := &Hada{
			W1a: get("hada_w1_a"), W1b: get("hada_w1_b"),
			W2a: get("hada_w2_a"), W2b: get("hada_w2_b"),
			T1: get("hada_t1"), T2: get("hada_t2"),
			Alpha: alpha,
		}
		if m.W1b == nil || m.W2a == nil || m.W2b == nil {
			return nil, fmt.Errorf("%w: incomplete hada factors", ErrMalformedModule)
		}
		if err := checkDims(
			dims{"hada_w1_a", m.W1a, 2, 2},
			dims{"hada_w1_b", m.W1b, 2, 2},
			dims{"hada_w2_a", m.W2a, 2, 2},
			dims{"hada_w2_b", m.W2b, 2, 2},
			dims{"hada_t1", m.T1, 4, 4},
			dims{"hada_t2", m.T2, 4, 4},
		); err != nil {
			return nil, err
		}
		return m, nil

	case get("weight") != nil:
		m := &IA3{Weight: get("weight")}
		if on := scalar(get("on_input")); on != nil {
			m.OnInput = *on != 0
		}
		return m, nil

	case get("lokr_w1") != nil || get("lokr_w1_a") != nil:
		alpha, err := alphaOf(get("alpha"))
		if err != nil {
			return nil, err
		}
		m := &Kron{
			W1: get("lokr_w1"), W1a: get("lokr_w1_a"), W1b: get("lokr_w1_b"),
			W2: get("lokr_w2"), W2a: get("lokr_w2_a"), W2b: get("lokr_w2_b"),
			T1: get("lokr_t1"), T2: get("lokr_t2"),
			Alpha: alpha,
		}
		if err := checkDims(
			dims{"lokr_w1_a", m.W1a, 2, 2},
			dims{"lokr_w1_b", m.W1b, 2, 2},
			dims{"lokr_w2_a", m.W2a, 2, 2},
			dims{"lokr_w2_b", m.W2b, 2, 2},
			dims{"lokr_t1", m.T1, 4, 4},
			dims{"lokr_t2", m.T2, 4, 4},
		); err != nil {
			return nil, err
		}
		return m, nil

	case get("diff") != nil:
		return &Full{Diff: get("diff"), DiffB: get("diff_b")}, nil

	case get("w_norm") != nil:
		return &Norm{W: get("w_norm"), B: get("b_norm")}, nil
	}
	return nil, nil
}

// dims bounds the rank of an optional factor.
type dims struct {
	suffix string
	t      *tensor.Tensor
	lo, hi int
}

func checkDims(rules ...dims) error {
	for _, r := range rules {
		if r.t == nil {
			continue
		}
		if n := r.t.NDim(); n < r.lo || n > r.hi {
			if r.lo == r.hi {
				return fmt.Errorf("%w: %s has shape %v, want %d dims", ErrMalformedModule, r.suffix, r.t.Shape(), r.lo)
			}
			return fmt.Errorf("%w: %s has shape %v, want %d to %d dims", ErrMalformedModule, r.suffix, r.t.Shape(), r.lo, r.hi)
		}
	}
	return nil
}

// alphaOf decodes a stored alpha, which must hold exactly one value.
func alphaOf(t *tensor.Tensor) (*float64, error) {
	if t == nil {
		return nil, nil
	}
	if t.NumElements() != 1 {
		return nil, fmt.Errorf("%w: alpha has shape %v, want one element", ErrMalformedModule, t.Shape())
	}
	return scalar(t), nil
}

// scalar returns the single value of a one-element tensor, or nil.
func scalar(t *tensor.Tensor) *float64 {
	if t == nil || t.NumElements() != 1 {
		return nil
	}
	v := float64(t.Data()[0])
	return &v
}
