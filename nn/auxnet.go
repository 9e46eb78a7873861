package nn

import (
	"math/rand"

	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"
)

// AuxNet embeds one image so that images from the same subject and time
// score high cosine similarity. It has no time-dependent parameters, so it
// is only ever frozen or trained as a whole.
type AuxNet struct {
	params *ParamSet
	enc    encoder
	head   *ProjectionHead
}

// NewAuxNet sizes the auxiliary network for the backbone's image geometry.
func NewAuxNet(opts Options, embDim int) (*AuxNet, error) {
	if err := opts.validate(); err != nil {
		return nil, errors.Wrap(err, "aux net")
	}
	if embDim <= 0 {
		return nil, errors.Errorf("aux net: embedding dim %d", embDim)
	}
	rng := rand.New(rand.NewSource(opts.Seed + 1))
	set := newParamSet()
	ws := widths(opts.NumFilters, opts.Depth)
	return &AuxNet{
		params: set,
		enc:    newEncoder(set, rng, "aux", opts.pixels(), ws, opts.UseResidual),
		head:   newProjectionHead(set, rng, ws[len(ws)-1], embDim),
	}, nil
}

func (a *AuxNet) Params() *ParamSet { return a.params }

// Trainable returns every parameter; there is no partial freeze.
func (a *AuxNet) Trainable() []*Param { return a.params.All() }

// Project embeds x ([1, C, H, W]) as [1, EmbDim].
func (a *AuxNet) Project(bd *Binder, x *gorgonia.Node) (*gorgonia.Node, error) {
	h, err := a.enc.apply(bd, x, gorgonia.Tanh)
	if err != nil {
		return nil, errors.Wrap(err, "aux encoder")
	}
	return a.head.Forward(bd, h)
}

func (a *AuxNet) SaveWeights(path string) error { return a.params.Save(path) }

func (a *AuxNet) LoadWeights(path string) error { return a.params.Load(path) }
