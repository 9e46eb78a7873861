package nn

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"
)

// ErrSolverSteps is returned when an offset needs more integration steps
// than the solver allows. The integration is never truncated.
var ErrSolverSteps = errors.New("ode solver step limit exceeded")

// Integration methods.
const (
	MethodRK4   = "rk4"
	MethodEuler = "euler"
)

// ODEBlock integrates dz/dt = f(z) over the latent code. f is a two-layer
// tanh network; its parameters form the time-dependent group.
//
// The graph is static, so the solver is fixed-step: an offset t is split
// into ceil(|t| / StepSize) equal steps of size t/n, which also handles
// negative offsets (backward integration). t = 0 skips integration.
type ODEBlock struct {
	f1, f2   dense
	Method   string
	StepSize float64
	MaxSteps int
}

func newODEBlock(set *ParamSet, rng *rand.Rand, prefix string, dim int, method string, stepSize float64, maxSteps int) (*ODEBlock, error) {
	if method == "" {
		method = MethodRK4
	}
	if method != MethodRK4 && method != MethodEuler {
		return nil, errors.Errorf("unknown ode_method %q", method)
	}
	if stepSize <= 0 || maxSteps <= 0 {
		return nil, errors.Errorf("ode step size %g and max steps %d must be positive", stepSize, maxSteps)
	}
	return &ODEBlock{
		f1:       newDense(set, rng, prefix+"/odefunc1", TimeDependent, dim, dim),
		f2:       newDense(set, rng, prefix+"/odefunc2", TimeDependent, dim, dim),
		Method:   method,
		StepSize: stepSize,
		MaxSteps: maxSteps,
	}, nil
}

// Steps returns the number of solver steps needed for offset t.
func (o *ODEBlock) Steps(t float64) (int, error) {
	if math.IsNaN(t) || math.IsInf(t, 0) {
		return 0, errors.Errorf("invalid time offset %g", t)
	}
	if t == 0 {
		return 0, nil
	}
	n := int(math.Ceil(math.Abs(t) / o.StepSize))
	if n > o.MaxSteps {
		return 0, errors.Wrapf(ErrSolverSteps, "offset %g needs %d steps, limit %d", t, n, o.MaxSteps)
	}
	return n, nil
}

func (o *ODEBlock) field(bd *Binder, z *gorgonia.Node) (*gorgonia.Node, error) {
	h, err := o.f1.apply(bd, z)
	if err != nil {
		return nil, err
	}
	if h, err = gorgonia.Tanh(h); err != nil {
		return nil, err
	}
	if h, err = o.f2.apply(bd, h); err != nil {
		return nil, err
	}
	return gorgonia.Tanh(h)
}

// Integrate unrolls steps solver steps of size t/steps starting from z.
func (o *ODEBlock) Integrate(bd *Binder, z, t *gorgonia.Node, steps int) (*gorgonia.Node, error) {
	if steps == 0 {
		return z, nil
	}
	h, err := gorgonia.Mul(t, bd.Scalar(1/float64(steps)))
	if err != nil {
		return nil, err
	}
	for i := 0; i < steps; i++ {
		if o.Method == MethodEuler {
			z, err = o.euler(bd, z, h)
		} else {
			z, err = o.rk4(bd, z, h)
		}
		if err != nil {
			return nil, errors.Wrapf(err, "ode step %d", i)
		}
	}
	return z, nil
}

func (o *ODEBlock) euler(bd *Binder, z, h *gorgonia.Node) (*gorgonia.Node, error) {
	k, err := o.field(bd, z)
	if err != nil {
		return nil, err
	}
	return axpy(z, k, h)
}

func (o *ODEBlock) rk4(bd *Binder, z, h *gorgonia.Node) (*gorgonia.Node, error) {
	half, err := gorgonia.Mul(h, bd.Scalar(0.5))
	if err != nil {
		return nil, err
	}
	sixth, err := gorgonia.Mul(h, bd.Scalar(1.0/6))
	if err != nil {
		return nil, err
	}

	k1, err := o.field(bd, z)
	if err != nil {
		return nil, err
	}
	z2, err := axpy(z, k1, half)
	if err != nil {
		return nil, err
	}
	k2, err := o.field(bd, z2)
	if err != nil {
		return nil, err
	}
	z3, err := axpy(z, k2, half)
	if err != nil {
		return nil, err
	}
	k3, err := o.field(bd, z3)
	if err != nil {
		return nil, err
	}
	z4, err := axpy(z, k3, h)
	if err != nil {
		return nil, err
	}
	k4, err := o.field(bd, z4)
	if err != nil {
		return nil, err
	}

	// k1 + 2·k2 + 2·k3 + k4
	mid, err := gorgonia.Add(k2, k3)
	if err != nil {
		return nil, err
	}
	if mid, err = gorgonia.HadamardProd(mid, bd.Scalar(2)); err != nil {
		return nil, err
	}
	sum, err := gorgonia.Add(k1, k4)
	if err != nil {
		return nil, err
	}
	if sum, err = gorgonia.Add(sum, mid); err != nil {
		return nil, err
	}
	return axpy(z, sum, sixth)
}

// axpy returns z + s·k for a scalar node s.
func axpy(z, k, s *gorgonia.Node) (*gorgonia.Node, error) {
	sk, err := gorgonia.HadamardProd(k, s)
	if err != nil {
		return nil, err
	}
	return gorgonia.Add(z, sk)
}
