package nn

import (
	"fmt"
	"math/rand"

	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

type activation func(*gorgonia.Node) (*gorgonia.Node, error)

// dense is x·W + b over [1, in] row vectors.
type dense struct {
	w, b *Param
}

func newDense(set *ParamSet, rng *rand.Rand, name string, group Group, in, out int) dense {
	return dense{
		w: set.glorot(rng, name+"/W", group, in, out),
		b: set.zeros(name+"/b", group, 1, out),
	}
}

func (d dense) apply(bd *Binder, x *gorgonia.Node) (*gorgonia.Node, error) {
	xw, err := gorgonia.Mul(x, bd.Param(d.w))
	if err != nil {
		return nil, err
	}
	return gorgonia.Add(xw, bd.Param(d.b))
}

// block is a projection followed by a non-linearity, with an optional
// residual refinement at the new width.
type block struct {
	proj dense
	res  *dense
}

func newBlock(set *ParamSet, rng *rand.Rand, name string, group Group, in, out int, residual bool) block {
	bl := block{proj: newDense(set, rng, name+"/proj", group, in, out)}
	if residual {
		r := newDense(set, rng, name+"/res", group, out, out)
		bl.res = &r
	}
	return bl
}

func (bl block) apply(bd *Binder, x *gorgonia.Node, act activation) (*gorgonia.Node, error) {
	p, err := bl.proj.apply(bd, x)
	if err != nil {
		return nil, err
	}
	h, err := act(p)
	if err != nil {
		return nil, err
	}
	if bl.res == nil {
		return h, nil
	}
	r, err := bl.res.apply(bd, h)
	if err != nil {
		return nil, err
	}
	if r, err = act(r); err != nil {
		return nil, err
	}
	return gorgonia.Add(h, r)
}

// widths returns num_filters·2^d for d = 0..depth.
func widths(numFilters, depth int) []int {
	out := make([]int, depth+1)
	for d := range out {
		out[d] = numFilters << d
	}
	return out
}

// encoder flattens an image and maps it through a widening stack of blocks.
type encoder struct {
	blocks []block
}

func newEncoder(set *ParamSet, rng *rand.Rand, prefix string, in int, ws []int, residual bool) encoder {
	var e encoder
	prev := in
	for i, w := range ws {
		e.blocks = append(e.blocks, newBlock(set, rng, fmt.Sprintf("%s/enc%d", prefix, i), TimeIndependent, prev, w, residual))
		prev = w
	}
	return e
}

func (e encoder) apply(bd *Binder, x *gorgonia.Node, act activation) (*gorgonia.Node, error) {
	h, err := flatten(x)
	if err != nil {
		return nil, err
	}
	for _, bl := range e.blocks {
		if h, err = bl.apply(bd, h, act); err != nil {
			return nil, err
		}
	}
	return h, nil
}

// decoder mirrors the encoder and reshapes back to [1, C, H, W] in [-1, 1].
type decoder struct {
	blocks  []block
	out     dense
	c, h, w int
}

func newDecoder(set *ParamSet, rng *rand.Rand, prefix string, ws []int, c, h, w int, residual bool) decoder {
	d := decoder{c: c, h: h, w: w}
	for i := len(ws) - 1; i > 0; i-- {
		d.blocks = append(d.blocks, newBlock(set, rng, fmt.Sprintf("%s/dec%d", prefix, i), TimeIndependent, ws[i], ws[i-1], residual))
	}
	d.out = newDense(set, rng, prefix+"/out", TimeIndependent, ws[0], c*h*w)
	return d
}

func (d decoder) apply(bd *Binder, z *gorgonia.Node) (*gorgonia.Node, error) {
	h := z
	var err error
	for _, bl := range d.blocks {
		if h, err = bl.apply(bd, h, gorgonia.Tanh); err != nil {
			return nil, err
		}
	}
	if h, err = d.out.apply(bd, h); err != nil {
		return nil, err
	}
	if h, err = gorgonia.Tanh(h); err != nil {
		return nil, err
	}
	return gorgonia.Reshape(h, tensor.Shape{1, d.c, d.h, d.w})
}

func flatten(x *gorgonia.Node) (*gorgonia.Node, error) {
	return gorgonia.Reshape(x, tensor.Shape{1, x.Shape().TotalSize()})
}

// MSE is the mean squared error between two same-shape nodes.
func MSE(a, b *gorgonia.Node) (*gorgonia.Node, error) {
	diff, err := gorgonia.Sub(a, b)
	if err != nil {
		return nil, err
	}
	sq, err := gorgonia.Square(diff)
	if err != nil {
		return nil, err
	}
	return gorgonia.Mean(sq)
}

// Cosine is the cosine similarity of two [1, E] embeddings.
func Cosine(bd *Binder, a, b *gorgonia.Node) (*gorgonia.Node, error) {
	ab, err := gorgonia.HadamardProd(a, b)
	if err != nil {
		return nil, err
	}
	dot, err := gorgonia.Sum(ab)
	if err != nil {
		return nil, err
	}
	na, err := sumSquares(a)
	if err != nil {
		return nil, err
	}
	nb, err := sumSquares(b)
	if err != nil {
		return nil, err
	}
	denom, err := gorgonia.Mul(na, nb)
	if err != nil {
		return nil, err
	}
	if denom, err = gorgonia.Add(denom, bd.Scalar(1e-16)); err != nil {
		return nil, err
	}
	if denom, err = gorgonia.Sqrt(denom); err != nil {
		return nil, err
	}
	return gorgonia.HadamardDiv(dot, denom)
}

func sumSquares(x *gorgonia.Node) (*gorgonia.Node, error) {
	sq, err := gorgonia.Square(x)
	if err != nil {
		return nil, err
	}
	return gorgonia.Sum(sq)
}
