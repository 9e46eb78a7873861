package training

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/infosave2007/longode/nn"
)

// Optimizer is Adam over a fixed parameter list with gradient accumulation.
// Gradients from several graph runs are summed into buffers it owns; only
// Step touches the parameters.
type Optimizer struct {
	params []*nn.Param
	index  map[*nn.Param]int
	grads  []*tensor.Dense
	vgs    []gorgonia.ValueGrad
	solver *gorgonia.AdamSolver
	lr     float64
	steps  int
}

// paramGrad presents a parameter and its accumulation buffer to the solver.
type paramGrad struct {
	p    *nn.Param
	grad *tensor.Dense
}

func (g paramGrad) Value() gorgonia.Value { return g.p.Value }

func (g paramGrad) Grad() (gorgonia.Value, error) { return g.grad, nil }

// NewOptimizer creates Adam with learning rate lr and L2 weight decay.
func NewOptimizer(params []*nn.Param, lr, weightDecay float64) *Optimizer {
	opts := []gorgonia.SolverOpt{gorgonia.WithLearnRate(lr)}
	if weightDecay > 0 {
		opts = append(opts, gorgonia.WithL2Reg(weightDecay))
	}
	o := &Optimizer{
		params: params,
		index:  make(map[*nn.Param]int, len(params)),
		grads:  make([]*tensor.Dense, len(params)),
		vgs:    make([]gorgonia.ValueGrad, len(params)),
		solver: gorgonia.NewAdamSolver(opts...),
		lr:     lr,
	}
	for i, p := range params {
		o.index[p] = i
		o.grads[i] = tensor.New(tensor.WithShape(p.Value.Shape().Clone()...), tensor.Of(nn.Dtype))
		o.vgs[i] = paramGrad{p: p, grad: o.grads[i]}
	}
	return o
}

// Accumulate adds scale·g to the buffer of every parameter in grads.
func (o *Optimizer) Accumulate(grads map[*nn.Param][]float64, scale float64) error {
	for p, g := range grads {
		i, ok := o.index[p]
		if !ok {
			return errors.Errorf("optimizer: %s is not managed here", p.Name)
		}
		buf := o.grads[i].Data().([]float64)
		if len(buf) != len(g) {
			return errors.Errorf("optimizer: %s gradient has %d values, want %d", p.Name, len(g), len(buf))
		}
		floats.AddScaled(buf, scale, g)
	}
	return nil
}

// Step applies the accumulated gradients and clears them.
func (o *Optimizer) Step() error {
	if err := o.solver.Step(o.vgs); err != nil {
		return errors.Wrap(err, "adam step")
	}
	o.steps++
	o.ZeroGrad()
	return nil
}

// ZeroGrad clears the accumulation buffers.
func (o *Optimizer) ZeroGrad() {
	for _, g := range o.grads {
		g.Zero()
	}
}

// Pending returns the accumulated gradient of p.
func (o *Optimizer) Pending(p *nn.Param) []float64 {
	i, ok := o.index[p]
	if !ok {
		return nil
	}
	return o.grads[i].Data().([]float64)
}

func (o *Optimizer) SetLearnRate(lr float64) {
	o.lr = lr
	gorgonia.WithLearnRate(lr)(o.solver)
}

func (o *Optimizer) LearnRate() float64 { return o.lr }

// Steps counts the updates applied so far.
func (o *Optimizer) Steps() int { return o.steps }
