// Package nn holds the networks: a parameter store partitioned into
// time-dependent and time-independent groups, the graph binder that
// exposes those parameters to gorgonia, the backbone variants and the
// auxiliary similarity network.
package nn

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// Group tags a parameter with the part of the network it belongs to.
type Group int

const (
	// TimeIndependent covers encoders, decoders and heads.
	TimeIndependent Group = iota
	// TimeDependent covers the continuous-time module only.
	TimeDependent
)

func (g Group) String() string {
	if g == TimeDependent {
		return "time-dependent"
	}
	return "time-independent"
}

// Scope selects which parameters receive gradients.
type Scope int

const (
	ScopeAll Scope = iota
	ScopeTimeDependent
	ScopeTimeIndependent
)

func (s Scope) String() string {
	switch s {
	case ScopeTimeDependent:
		return "time-dependent"
	case ScopeTimeIndependent:
		return "time-independent"
	default:
		return "all"
	}
}

// ErrPartitionUnsupported is returned by networks without a time-dependent
// module when asked for a partial scope.
var ErrPartitionUnsupported = errors.New("parameter partition unsupported")

// Param is one learnable tensor. Value is shared by every graph the
// parameter is bound into, and optimizers update it in place.
type Param struct {
	Name  string
	Group Group
	Value *tensor.Dense
}

// Data returns the backing slice.
func (p *Param) Data() []float64 { return p.Value.Data().([]float64) }

// ParamSet is an ordered collection of parameters with unique names.
type ParamSet struct {
	params []*Param
	byName map[string]*Param
}

func newParamSet() *ParamSet {
	return &ParamSet{byName: make(map[string]*Param)}
}

func (s *ParamSet) add(name string, group Group, rows, cols int, backing []float64) *Param {
	if _, dup := s.byName[name]; dup {
		panic("nn: duplicate parameter " + name)
	}
	p := &Param{
		Name:  name,
		Group: group,
		Value: tensor.New(tensor.WithShape(rows, cols), tensor.WithBacking(backing)),
	}
	s.params = append(s.params, p)
	s.byName[name] = p
	return p
}

// glorot adds a weight matrix with Glorot-uniform initialization.
func (s *ParamSet) glorot(rng *rand.Rand, name string, group Group, rows, cols int) *Param {
	limit := math.Sqrt(6 / float64(rows+cols))
	backing := make([]float64, rows*cols)
	for i := range backing {
		backing[i] = (2*rng.Float64() - 1) * limit
	}
	return s.add(name, group, rows, cols, backing)
}

// zeros adds a zero-initialized [rows, cols] parameter.
func (s *ParamSet) zeros(name string, group Group, rows, cols int) *Param {
	return s.add(name, group, rows, cols, make([]float64, rows*cols))
}

// All returns every parameter in creation order.
func (s *ParamSet) All() []*Param {
	out := make([]*Param, len(s.params))
	copy(out, s.params)
	return out
}

// InGroup returns the parameters tagged with g.
func (s *ParamSet) InGroup(g Group) []*Param {
	var out []*Param
	for _, p := range s.params {
		if p.Group == g {
			out = append(out, p)
		}
	}
	return out
}

// Lookup finds a parameter by name.
func (s *ParamSet) Lookup(name string) (*Param, bool) {
	p, ok := s.byName[name]
	return p, ok
}

// Len is the number of parameters.
func (s *ParamSet) Len() int { return len(s.params) }

// Snapshot copies every parameter value, keyed by name.
func (s *ParamSet) Snapshot() map[string][]float64 {
	out := make(map[string][]float64, len(s.params))
	for _, p := range s.params {
		v := make([]float64, len(p.Data()))
		copy(v, p.Data())
		out[p.Name] = v
	}
	return out
}

// partition resolves a scope over a set whose time-dependent group may be
// empty, in which case only ScopeAll is supported.
func (s *ParamSet) partition(scope Scope) ([]*Param, error) {
	switch scope {
	case ScopeAll:
		return s.All(), nil
	case ScopeTimeDependent, ScopeTimeIndependent:
		if len(s.InGroup(TimeDependent)) == 0 {
			return nil, errors.Wrapf(ErrPartitionUnsupported, "scope %s", scope)
		}
		if scope == ScopeTimeDependent {
			return s.InGroup(TimeDependent), nil
		}
		return s.InGroup(TimeIndependent), nil
	default:
		return nil, errors.Errorf("unknown scope %d", scope)
	}
}
