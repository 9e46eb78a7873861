package nn

import (
	"fmt"

	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Dtype is the element type of every tensor in the module.
var Dtype = tensor.Float64

// Binder exposes parameters to one expression graph. Each parameter gets a
// single node per graph, so two forward passes in the same graph share
// weights, and the binder remembers which parameters a graph touched.
type Binder struct {
	g      *gorgonia.ExprGraph
	nodes  map[*Param]*gorgonia.Node
	order  []*Param
	consts map[float64]*gorgonia.Node
}

// NewBinder wraps g.
func NewBinder(g *gorgonia.ExprGraph) *Binder {
	return &Binder{
		g:      g,
		nodes:  make(map[*Param]*gorgonia.Node),
		consts: make(map[float64]*gorgonia.Node),
	}
}

// Param returns the node for p, creating it on first use.
func (b *Binder) Param(p *Param) *gorgonia.Node {
	if n, ok := b.nodes[p]; ok {
		return n
	}
	shape := p.Value.Shape()
	n := gorgonia.NewMatrix(b.g, Dtype,
		gorgonia.WithShape(shape[0], shape[1]),
		gorgonia.WithName(p.Name),
		gorgonia.WithValue(p.Value))
	b.nodes[p] = n
	b.order = append(b.order, p)
	return n
}

// Node returns the node bound to p, if any.
func (b *Binder) Node(p *Param) (*gorgonia.Node, bool) {
	n, ok := b.nodes[p]
	return n, ok
}

// Bound lists the parameters used by the graph, in binding order.
func (b *Binder) Bound() []*Param {
	out := make([]*Param, len(b.order))
	copy(out, b.order)
	return out
}

// Scalar returns a constant scalar node.
func (b *Binder) Scalar(v float64) *gorgonia.Node {
	if n, ok := b.consts[v]; ok {
		return n
	}
	n := gorgonia.NodeFromAny(b.g, v, gorgonia.WithName(fmt.Sprintf("const_%d", len(b.consts))))
	b.consts[v] = n
	return n
}

// Image declares a [1, c, h, w] input.
func (b *Binder) Image(name string, c, h, w int) *gorgonia.Node {
	return gorgonia.NewTensor(b.g, Dtype, 4, gorgonia.WithShape(1, c, h, w), gorgonia.WithName(name))
}

// Offset declares a scalar time-offset input.
func (b *Binder) Offset(name string) *gorgonia.Node {
	return gorgonia.NewScalar(b.g, Dtype, gorgonia.WithName(name))
}
