package training

import (
	"fmt"

	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/infosave2007/longode/nn"
)

// Graph input names.
const (
	inXStart     = "x_start"
	inXEnd       = "x_end"
	inTZero      = "t_zero"
	inTFwd       = "t_fwd"
	inTBwd       = "t_bwd"
	inXStartPred = "x_start_pred_detached"
	inXEndPred   = "x_end_pred_detached"
	inPosA       = "pos_a"
	inPosB       = "pos_b"
	inNeg1A      = "neg1_a"
	inNeg1B      = "neg1_b"
	inNeg2A      = "neg2_a"
	inNeg2B      = "neg2_b"
)

// Graph output names.
const (
	outLoss       = "loss"
	outLossRecon  = "loss_recon"
	outLossPred   = "loss_pred"
	outLossNeg    = "loss_aux_neg"
	outLossSyn    = "loss_aux_syn"
	outXStartRec  = "x_start_recon"
	outXEndRec    = "x_end_recon"
	outXStartPred = "x_start_pred"
	outXEndPred   = "x_end_pred"
	outSimX0      = "sim_x0"
	outSimXT      = "sim_xT"
	outSimPos     = "sim_pos"
	outSimNeg1    = "sim_neg1"
	outSimNeg2    = "sim_neg2"
)

// Margin of both aux hinge terms.
const Margin = 1.0

type programKind int

const (
	// recon: backbone at t = 0 on both images, pixel loss.
	kindRecon programKind = iota
	// predPixel: forward and backward prediction, pixel loss.
	kindPredPixel
	// predScore: prediction scored by the aux net, whose parameters are
	// bound but never differentiated.
	kindPredScore
	// auxTrain and auxScore: embeddings of the true images, the detached
	// predictions and the contrast pairs, plus both hinge terms.
	kindAuxTrain
	kindAuxScore
	// eval: the whole forward path without gradients; withAux adds the
	// aux similarities of the predictions.
	kindEval
	kindEvalNoAux
)

var kindNames = map[programKind]string{
	kindRecon:     "recon",
	kindPredPixel: "pred-pixel",
	kindPredScore: "pred-score",
	kindAuxTrain:  "aux-train",
	kindAuxScore:  "aux-score",
	kindEval:      "eval",
	kindEvalNoAux: "eval-noaux",
}

type programKey struct {
	kind  programKind
	steps int
	scope nn.Scope
}

func (k programKey) String() string {
	return fmt.Sprintf("%s/steps=%d/scope=%s", kindNames[k.kind], k.steps, k.scope)
}

// program is one compiled graph. Parameters are shared with every other
// program through their tensors, so an optimizer step is seen by all.
type program struct {
	key     programKey
	g       *gorgonia.ExprGraph
	vm      gorgonia.VM
	inputs  map[string]*gorgonia.Node
	outputs map[string]*gorgonia.Node
	wrt     []*nn.Param
	grads   gorgonia.Nodes
}

// result is what one run produced, copied out of the machine.
type result struct {
	scalars map[string]float64
	images  map[string]*tensor.Dense
	grads   map[*nn.Param][]float64
}

func (r *result) scalar(name string) float64 { return r.scalars[name] }

func (r *result) image(name string) *tensor.Dense { return r.images[name] }

type feed map[string]gorgonia.Value

func (p *program) run(in feed) (*result, error) {
	defer p.vm.Reset()
	for name, v := range in {
		n, ok := p.inputs[name]
		if !ok {
			continue
		}
		if err := gorgonia.Let(n, v); err != nil {
			return nil, errors.Wrapf(err, "%s: feed %s", p.key, name)
		}
	}
	if err := p.vm.RunAll(); err != nil {
		return nil, errors.Wrapf(err, "%s: run", p.key)
	}

	res := &result{
		scalars: make(map[string]float64),
		images:  make(map[string]*tensor.Dense),
		grads:   make(map[*nn.Param][]float64, len(p.wrt)),
	}
	for name, n := range p.outputs {
		if n.IsScalar() {
			v, err := scalarOf(n.Value())
			if err != nil {
				return nil, errors.Wrapf(err, "%s: output %s", p.key, name)
			}
			res.scalars[name] = v
			continue
		}
		t, ok := n.Value().(*tensor.Dense)
		if !ok {
			return nil, errors.Errorf("%s: output %s is %T", p.key, name, n.Value())
		}
		res.images[name] = t.Clone().(*tensor.Dense)
	}
	for i, p2 := range p.wrt {
		g := p.grads[i].Value().Data().([]float64)
		res.grads[p2] = append([]float64(nil), g...)
	}
	return res, nil
}

func scalarOf(v gorgonia.Value) (float64, error) {
	switch d := v.Data().(type) {
	case float64:
		return d, nil
	case []float64:
		if len(d) == 1 {
			return d[0], nil
		}
	}
	return 0, errors.Errorf("not a scalar: %v", v.Shape())
}

func (p *program) close() {
	if p.vm != nil {
		p.vm.Close()
	}
}

// programs builds and caches the graphs a run needs. Graphs are unrolled
// per solver step count, so prediction programs are keyed by it.
type programs struct {
	backbone nn.Backbone
	aux      *nn.AuxNet
	c, h, w  int
	cache    map[programKey]*program
}

func newPrograms(backbone nn.Backbone, aux *nn.AuxNet, c, h, w int) *programs {
	return &programs{backbone: backbone, aux: aux, c: c, h: h, w: w, cache: make(map[programKey]*program)}
}

func (ps *programs) close() {
	for _, p := range ps.cache {
		p.close()
	}
}

// get returns the program for key, compiling it on first use.
func (ps *programs) get(key programKey) (*program, error) {
	if p, ok := ps.cache[key]; ok {
		return p, nil
	}
	p, err := ps.build(key)
	if err != nil {
		return nil, errors.Wrapf(err, "build %s", key)
	}
	ps.cache[key] = p
	return p, nil
}

type builder struct {
	ps      *programs
	bd      *nn.Binder
	inputs  map[string]*gorgonia.Node
	outputs map[string]*gorgonia.Node
}

func (b *builder) image(name string) *gorgonia.Node {
	n := b.bd.Image(name, b.ps.c, b.ps.h, b.ps.w)
	b.inputs[name] = n
	return n
}

func (b *builder) offset(name string) *gorgonia.Node {
	n := b.bd.Offset(name)
	b.inputs[name] = n
	return n
}

func (ps *programs) build(key programKey) (*program, error) {
	g := gorgonia.NewGraph()
	b := &builder{
		ps:      ps,
		bd:      nn.NewBinder(g),
		inputs:  make(map[string]*gorgonia.Node),
		outputs: make(map[string]*gorgonia.Node),
	}

	var (
		scope []*nn.Param
		err   error
	)
	switch key.kind {
	case kindRecon:
		if err = b.recon(); err == nil {
			scope, err = ps.backbone.Trainable(key.scope)
		}
	case kindPredPixel:
		if err = b.predict(key.steps); err == nil {
			err = b.pixelPredLoss()
		}
		if err == nil {
			scope, err = ps.backbone.Trainable(key.scope)
		}
	case kindPredScore:
		if err = b.predict(key.steps); err == nil {
			err = b.scorePredLoss()
		}
		if err == nil {
			// aux parameters stay out of the differentiation set
			scope, err = ps.backbone.Trainable(key.scope)
		}
	case kindAuxTrain:
		if err = b.auxLoss(); err == nil {
			scope = ps.aux.Trainable()
		}
	case kindAuxScore:
		err = b.auxLoss()
	case kindEval, kindEvalNoAux:
		err = b.eval(key.steps, key.kind == kindEval)
	default:
		err = errors.Errorf("unknown program kind %d", key.kind)
	}
	if err != nil {
		return nil, err
	}

	p := &program{key: key, g: g, inputs: b.inputs, outputs: b.outputs}
	if scope != nil {
		p.wrt = intersect(scope, b.bd.Bound())
		if len(p.wrt) == 0 {
			return nil, errors.New("no trainable parameter reaches the loss")
		}
		nodes := make(gorgonia.Nodes, len(p.wrt))
		for i, prm := range p.wrt {
			nodes[i], _ = b.bd.Node(prm)
		}
		if p.grads, err = gorgonia.Grad(b.outputs[outLoss], nodes...); err != nil {
			return nil, errors.Wrap(err, "symbolic gradient")
		}
	}
	p.vm = gorgonia.NewTapeMachine(g)
	return p, nil
}

// intersect keeps the parameters of scope that the graph actually uses, in
// scope order.
func intersect(scope, bound []*nn.Param) []*nn.Param {
	used := make(map[*nn.Param]bool, len(bound))
	for _, p := range bound {
		used[p] = true
	}
	var out []*nn.Param
	for _, p := range scope {
		if used[p] {
			out = append(out, p)
		}
	}
	return out
}

func (b *builder) recon() error {
	xs, xe := b.image(inXStart), b.image(inXEnd)
	t0 := b.offset(inTZero)
	loss, err := b.reconstruct(xs, xe, t0)
	if err != nil {
		return err
	}
	b.outputs[outLoss] = loss
	return nil
}

// reconstruct adds both reconstructions and their summed MSE.
func (b *builder) reconstruct(xs, xe, t0 *gorgonia.Node) (*gorgonia.Node, error) {
	bb := b.ps.backbone
	rs, err := bb.Forward(b.bd, xs, t0, 0)
	if err != nil {
		return nil, errors.Wrap(err, "reconstruct x_start")
	}
	re, err := bb.Forward(b.bd, xe, t0, 0)
	if err != nil {
		return nil, errors.Wrap(err, "reconstruct x_end")
	}
	b.outputs[outXStartRec] = rs
	b.outputs[outXEndRec] = re
	return pairLoss(nn.MSE, xs, rs, xe, re)
}

// predict adds x_start_pred = f(x_end, t_bwd) and x_end_pred = f(x_start, t_fwd).
func (b *builder) predict(steps int) error {
	xs, xe := b.inputs[inXStart], b.inputs[inXEnd]
	if xs == nil {
		xs, xe = b.image(inXStart), b.image(inXEnd)
	}
	fwd, bwd := b.offset(inTFwd), b.offset(inTBwd)
	bb := b.ps.backbone
	ps, err := bb.Forward(b.bd, xe, bwd, steps)
	if err != nil {
		return errors.Wrap(err, "predict x_start")
	}
	pe, err := bb.Forward(b.bd, xs, fwd, steps)
	if err != nil {
		return errors.Wrap(err, "predict x_end")
	}
	b.outputs[outXStartPred] = ps
	b.outputs[outXEndPred] = pe
	return nil
}

func (b *builder) pixelPredLoss() error {
	loss, err := pairLoss(nn.MSE,
		b.inputs[inXStart], b.outputs[outXStartPred],
		b.inputs[inXEnd], b.outputs[outXEndPred])
	if err != nil {
		return err
	}
	b.outputs[outLoss] = loss
	return nil
}

// similarities embeds two (true, predicted) pairs and adds their cosines.
func (b *builder) similarities(xs, ps, xe, pe *gorgonia.Node) (simX0, simXT *gorgonia.Node, err error) {
	if simX0, err = b.cosine(xs, ps); err != nil {
		return nil, nil, err
	}
	if simXT, err = b.cosine(xe, pe); err != nil {
		return nil, nil, err
	}
	b.outputs[outSimX0] = simX0
	b.outputs[outSimXT] = simXT
	return simX0, simXT, nil
}

func (b *builder) cosine(x, y *gorgonia.Node) (*gorgonia.Node, error) {
	ex, err := b.ps.aux.Project(b.bd, x)
	if err != nil {
		return nil, err
	}
	ey, err := b.ps.aux.Project(b.bd, y)
	if err != nil {
		return nil, err
	}
	return nn.Cosine(b.bd, ex, ey)
}

// scorePredLoss is (1 - sim_x0) + (1 - sim_xT).
func (b *builder) scorePredLoss() error {
	simX0, simXT, err := b.similarities(
		b.inputs[inXStart], b.outputs[outXStartPred],
		b.inputs[inXEnd], b.outputs[outXEndPred])
	if err != nil {
		return err
	}
	loss, err := b.distanceSum(simX0, simXT)
	if err != nil {
		return err
	}
	b.outputs[outLoss] = loss
	return nil
}

// distanceSum is (1 - a) + (1 - b).
func (b *builder) distanceSum(a, c *gorgonia.Node) (*gorgonia.Node, error) {
	sum, err := gorgonia.Add(a, c)
	if err != nil {
		return nil, err
	}
	return gorgonia.Sub(b.bd.Scalar(2), sum)
}

func (b *builder) auxLoss() error {
	xs, xe := b.image(inXStart), b.image(inXEnd)
	ps, pe := b.image(inXStartPred), b.image(inXEndPred)
	simX0, simXT, err := b.similarities(xs, ps, xe, pe)
	if err != nil {
		return err
	}
	simPos, err := b.cosine(b.image(inPosA), b.image(inPosB))
	if err != nil {
		return err
	}
	simNeg1, err := b.cosine(b.image(inNeg1A), b.image(inNeg1B))
	if err != nil {
		return err
	}
	simNeg2, err := b.cosine(b.image(inNeg2A), b.image(inNeg2B))
	if err != nil {
		return err
	}
	b.outputs[outSimPos] = simPos
	b.outputs[outSimNeg1] = simNeg1
	b.outputs[outSimNeg2] = simNeg2

	// distances: pos = 1 - sim_pos, neg = mean over both negative pairs,
	// syn = mean over both synthetic pairs
	half := b.bd.Scalar(0.5)
	distPos, err := gorgonia.Sub(b.bd.Scalar(1), simPos)
	if err != nil {
		return err
	}
	distNeg, err := b.distanceSum(simNeg1, simNeg2)
	if err != nil {
		return err
	}
	if distNeg, err = gorgonia.Mul(distNeg, half); err != nil {
		return err
	}
	distSyn, err := b.distanceSum(simX0, simXT)
	if err != nil {
		return err
	}
	if distSyn, err = gorgonia.Mul(distSyn, half); err != nil {
		return err
	}

	lossNeg, err := b.hinge(distPos, distNeg)
	if err != nil {
		return err
	}
	lossSyn, err := b.hinge(distPos, distSyn)
	if err != nil {
		return err
	}
	loss, err := gorgonia.Add(lossNeg, lossSyn)
	if err != nil {
		return err
	}
	b.outputs[outLossNeg] = lossNeg
	b.outputs[outLossSyn] = lossSyn
	b.outputs[outLoss] = loss
	return nil
}

// hinge is relu(anchor - other + Margin).
func (b *builder) hinge(anchor, other *gorgonia.Node) (*gorgonia.Node, error) {
	d, err := gorgonia.Sub(anchor, other)
	if err != nil {
		return nil, err
	}
	if d, err = gorgonia.Add(d, b.bd.Scalar(Margin)); err != nil {
		return nil, err
	}
	return gorgonia.Rectify(d)
}

func (b *builder) eval(steps int, withAux bool) error {
	xs, xe := b.image(inXStart), b.image(inXEnd)
	lossRecon, err := b.reconstruct(xs, xe, b.offset(inTZero))
	if err != nil {
		return err
	}
	if err := b.predict(steps); err != nil {
		return err
	}
	lossPred, err := pairLoss(nn.MSE, xs, b.outputs[outXStartPred], xe, b.outputs[outXEndPred])
	if err != nil {
		return err
	}
	b.outputs[outLossRecon] = lossRecon
	b.outputs[outLossPred] = lossPred
	if withAux {
		_, _, err = b.similarities(xs, b.outputs[outXStartPred], xe, b.outputs[outXEndPred])
	}
	return err
}

type lossFunc func(a, b *gorgonia.Node) (*gorgonia.Node, error)

// pairLoss is f(a0, b0) + f(a1, b1).
func pairLoss(f lossFunc, a0, b0, a1, b1 *gorgonia.Node) (*gorgonia.Node, error) {
	l0, err := f(a0, b0)
	if err != nil {
		return nil, err
	}
	l1, err := f(a1, b1)
	if err != nil {
		return nil, err
	}
	return gorgonia.Add(l0, l1)
}

