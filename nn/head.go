package nn

import (
	"math/rand"

	"gorgonia.org/gorgonia"
)

// ProjectionHead maps the auxiliary encoding to the embedding compared by
// cosine similarity.
type ProjectionHead struct {
	Hidden dense // (width -> width)
	Linear dense // (width -> EmbDim)
	EmbDim int
}

func newProjectionHead(set *ParamSet, rng *rand.Rand, inputDim, embDim int) *ProjectionHead {
	return &ProjectionHead{
		Hidden: newDense(set, rng, "aux/head/hidden", TimeIndependent, inputDim, inputDim),
		Linear: newDense(set, rng, "aux/head/linear", TimeIndependent, inputDim, embDim),
		EmbDim: embDim,
	}
}

func (h *ProjectionHead) Forward(bd *Binder, input *gorgonia.Node) (*gorgonia.Node, error) {
	// Input (1, width) -> (1, EmbDim).
	hidden, err := h.Hidden.apply(bd, input)
	if err != nil {
		return nil, err
	}
	if hidden, err = gorgonia.Rectify(hidden); err != nil {
		return nil, err
	}
	return h.Linear.apply(bd, hidden)
}
