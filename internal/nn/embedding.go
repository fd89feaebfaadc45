package nn

import "fmt"

// Embedding is a lookup table mapping indices to dense vectors.
//
// Its weight is 2-D like a Linear weight, which is why it has a distinct kind:
// the pipelines never treat an embedding table as a linear projection.
type Embedding struct {
	node
	weight *Parameter
}

// NewEmbedding creates an Embedding layer with weight [num_embeddings, dim].
func NewEmbedding(weight *Parameter) (*Embedding, error) {
	if weight == nil || weight.Tensor() == nil {
		return nil, fmt.Errorf("embedding: weight is required")
	}
	if weight.Tensor().NDim() != 2 {
		return nil, fmt.Errorf("embedding: weight must be 2D, got shape %v", weight.Tensor().Shape())
	}
	e := &Embedding{node: node{class: "Embedding"}, weight: weight}
	e.AddParameter(weight)
	return e, nil
}

// Kind returns KindEmbedding.
func (e *Embedding) Kind() Kind {
	return KindEmbedding
}

// Weight returns the embedding table.
func (e *Embedding) Weight() *Parameter {
	return e.weight
}
