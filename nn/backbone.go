package nn

import (
	"math/rand"
	"sort"

	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"
)

// ErrUnknownModel is returned for a model name missing from the registry.
var ErrUnknownModel = errors.New("unknown model")

// Options sizes a network.
type Options struct {
	Channels, Height, Width int

	NumFilters  int
	Depth       int
	UseResidual bool

	ODEMethod   string
	ODEStepSize float64
	ODEMaxSteps int

	Seed int64
}

func (o Options) pixels() int { return o.Channels * o.Height * o.Width }

func (o Options) validate() error {
	if o.Channels <= 0 || o.Height <= 0 || o.Width <= 0 {
		return errors.Errorf("image geometry %dx%dx%d", o.Channels, o.Height, o.Width)
	}
	if o.NumFilters <= 0 || o.Depth < 0 {
		return errors.Errorf("num_filters %d, depth %d", o.NumFilters, o.Depth)
	}
	return nil
}

// Backbone maps an image and a time offset to an image: offset 0 is
// reconstruction, a non-zero offset predicts the appearance at that
// distance in time (negative means earlier).
type Backbone interface {
	Name() string
	Params() *ParamSet

	// Trainable returns the parameters that may receive gradients under
	// scope. Variants without a time-dependent module return
	// ErrPartitionUnsupported for partial scopes.
	Trainable(scope Scope) ([]*Param, error)

	// Steps returns how many integration steps offset t needs.
	Steps(t float64) (int, error)

	// Forward adds the pass for image x ([1, C, H, W]) at scalar offset t to
	// the graph behind bd. steps must come from Steps for the offset that
	// will be fed into t.
	Forward(bd *Binder, x, t *gorgonia.Node, steps int) (*gorgonia.Node, error)

	SaveWeights(path string) error
	LoadWeights(path string) error
}

// Factory builds a backbone variant.
type Factory func(opts Options) (Backbone, error)

var registry = map[string]Factory{
	"AutoEncoder":    newAutoEncoder,
	"T_AutoEncoder":  newTimeAutoEncoder,
	"ODEAutoEncoder": newODEAutoEncoder,
	"ODEUNet":        newODEAutoEncoder,
}

// Models lists the registered backbone names.
func Models() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewBackbone resolves name in the registry.
func NewBackbone(name string, opts Options) (Backbone, error) {
	factory, ok := registry[name]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownModel, "%q not supported (have %v)", name, Models())
	}
	if err := opts.validate(); err != nil {
		return nil, errors.Wrapf(err, "model %s", name)
	}
	return factory(opts)
}

// codec is the time-independent encoder/decoder pair shared by every variant.
type codec struct {
	name   string
	params *ParamSet
	enc    encoder
	dec    decoder
	latent int
}

func newCodec(name string, opts Options, rng *rand.Rand) *codec {
	set := newParamSet()
	ws := widths(opts.NumFilters, opts.Depth)
	return &codec{
		name:   name,
		params: set,
		enc:    newEncoder(set, rng, "backbone", opts.pixels(), ws, opts.UseResidual),
		dec:    newDecoder(set, rng, "backbone", ws, opts.Channels, opts.Height, opts.Width, opts.UseResidual),
		latent: ws[len(ws)-1],
	}
}

func (c *codec) Name() string { return c.name }

func (c *codec) Params() *ParamSet { return c.params }

func (c *codec) Trainable(scope Scope) ([]*Param, error) { return c.params.partition(scope) }

func (c *codec) SaveWeights(path string) error { return c.params.Save(path) }

func (c *codec) LoadWeights(path string) error { return c.params.Load(path) }

// AutoEncoder ignores the offset entirely; it has no time-dependent
// parameters and so cannot be partially frozen.
type AutoEncoder struct {
	*codec
}

func newAutoEncoder(opts Options) (Backbone, error) {
	rng := rand.New(rand.NewSource(opts.Seed))
	return &AutoEncoder{codec: newCodec("AutoEncoder", opts, rng)}, nil
}

func (a *AutoEncoder) Steps(float64) (int, error) { return 0, nil }

func (a *AutoEncoder) Forward(bd *Binder, x, _ *gorgonia.Node, _ int) (*gorgonia.Node, error) {
	z, err := a.enc.apply(bd, x, gorgonia.Tanh)
	if err != nil {
		return nil, err
	}
	return a.dec.apply(bd, z)
}

// TimeAutoEncoder shifts the latent code by a learned embedding of the
// offset: z' = z + tanh(t·E)·P. The shift vanishes at t = 0.
type TimeAutoEncoder struct {
	*codec
	embed, proj *Param
}

func newTimeAutoEncoder(opts Options) (Backbone, error) {
	rng := rand.New(rand.NewSource(opts.Seed))
	c := newCodec("T_AutoEncoder", opts, rng)
	return &TimeAutoEncoder{
		codec: c,
		embed: c.params.glorot(rng, "backbone/time/embed", TimeDependent, 1, c.latent),
		proj:  c.params.glorot(rng, "backbone/time/proj", TimeDependent, c.latent, c.latent),
	}, nil
}

func (m *TimeAutoEncoder) Steps(float64) (int, error) { return 0, nil }

func (m *TimeAutoEncoder) Forward(bd *Binder, x, t *gorgonia.Node, _ int) (*gorgonia.Node, error) {
	z, err := m.enc.apply(bd, x, gorgonia.Tanh)
	if err != nil {
		return nil, err
	}
	e, err := gorgonia.HadamardProd(bd.Param(m.embed), t)
	if err != nil {
		return nil, err
	}
	if e, err = gorgonia.Tanh(e); err != nil {
		return nil, err
	}
	shift, err := gorgonia.Mul(e, bd.Param(m.proj))
	if err != nil {
		return nil, err
	}
	if z, err = gorgonia.Add(z, shift); err != nil {
		return nil, err
	}
	return m.dec.apply(bd, z)
}

// ODEAutoEncoder evolves the latent code through an ODE block for the
// offset before decoding.
type ODEAutoEncoder struct {
	*codec
	ode *ODEBlock
}

func newODEAutoEncoder(opts Options) (Backbone, error) {
	rng := rand.New(rand.NewSource(opts.Seed))
	c := newCodec("ODEAutoEncoder", opts, rng)
	ode, err := newODEBlock(c.params, rng, "backbone/ode", c.latent, opts.ODEMethod, opts.ODEStepSize, opts.ODEMaxSteps)
	if err != nil {
		return nil, errors.Wrap(err, "model ODEAutoEncoder")
	}
	return &ODEAutoEncoder{codec: c, ode: ode}, nil
}

func (m *ODEAutoEncoder) Steps(t float64) (int, error) { return m.ode.Steps(t) }

func (m *ODEAutoEncoder) Forward(bd *Binder, x, t *gorgonia.Node, steps int) (*gorgonia.Node, error) {
	z, err := m.enc.apply(bd, x, gorgonia.Tanh)
	if err != nil {
		return nil, err
	}
	if z, err = m.ode.Integrate(bd, z, t, steps); err != nil {
		return nil, err
	}
	return m.dec.apply(bd, z)
}
