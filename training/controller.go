// Package training runs the two-stage joint optimization of a
// continuous-time backbone and an auxiliary similarity network.
package training

import (
	"context"
	"fmt"
	"math"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/infosave2007/longode/config"
	"github.com/infosave2007/longode/data"
	"github.com/infosave2007/longode/metrics"
	"github.com/infosave2007/longode/nn"
	"github.com/infosave2007/longode/viz"
)

// Logger is the text log the controller reports epochs to.
type Logger interface {
	Log(message string, toConsole bool)
}

// ModelOptions derives network options from the configuration and the
// dataset geometry.
func ModelOptions(cfg *config.Config, c, h, w int) nn.Options {
	return nn.Options{
		Channels:    c,
		Height:      h,
		Width:       w,
		NumFilters:  cfg.NumFilters,
		Depth:       cfg.Depth,
		UseResidual: cfg.UseResidual,
		ODEMethod:   cfg.ODEMethod,
		ODEStepSize: cfg.ODEStepSize,
		ODEMaxSteps: cfg.ODEMaxSteps,
		Seed:        cfg.RandomSeed,
	}
}

// Controller owns both networks, both optimizer lifecycles and the
// curriculum. It is single-threaded.
type Controller struct {
	cfg      *config.Config
	backbone nn.Backbone
	aux      *nn.AuxNet
	train    *data.Loader
	val      *data.Loader
	trainLen int
	valLen   int
	text     Logger

	progs      *programs
	curriculum *Curriculum
	stopper    *EarlyStopping
	bestVal    float64

	backpropFreq int
	predScope    nn.Scope
	figDir       string
}

// TrainResult summarizes a finished run.
type TrainResult struct {
	EpochsRun        int
	CheckpointsSaved int
	BestValLoss      float64
	Stopped          bool
}

// NewController wires a run. Both networks must share the geometry of the
// datasets.
func NewController(cfg *config.Config, backbone nn.Backbone, aux *nn.AuxNet, splits *data.Splits, c, h, w int, text Logger) (*Controller, error) {
	if splits.Train.Len() == 0 {
		return nil, errors.Wrap(data.ErrContract, "empty training set")
	}
	if splits.Val.Len() == 0 {
		return nil, errors.Wrap(data.ErrContract, "empty validation set")
	}
	stopper, err := NewEarlyStopping("min", cfg.EarlyStopMinDelta, cfg.Patience, cfg.EarlyStopPercentage)
	if err != nil {
		return nil, err
	}

	ctl := &Controller{
		cfg:          cfg,
		backbone:     backbone,
		aux:          aux,
		train:        data.NewLoader(splits.Train, true, cfg.RandomSeed, cfg.NumWorkers),
		val:          data.NewLoader(splits.Val, false, cfg.RandomSeed, cfg.NumWorkers),
		trainLen:     splits.Train.Len(),
		valLen:       splits.Val.Len(),
		text:         text,
		progs:        newPrograms(backbone, aux, c, h, w),
		stopper:      stopper,
		bestVal:      math.Inf(1),
		backpropFreq: max(1, cfg.BatchSize),
		figDir:       filepath.Join(cfg.OutputSavePath, "log"),
	}

	schedule := func(opt *Optimizer, lr float64) *Schedule {
		// warmup starts from learning_rate/100 for the main network in both stages
		return NewSchedule(NewWarmupCosineScheduler(cfg.WarmupEpochs, cfg.MaxEpochs, cfg.LearningRate/100, 0), opt, lr)
	}
	newMain := func(lr float64) *Lifecycle {
		opt := NewOptimizer(backbone.Params().All(), lr, cfg.WeightDecay)
		return &Lifecycle{Name: "main", Optimizer: opt, Schedule: schedule(opt, lr)}
	}
	newAux := func(lr float64) *Lifecycle {
		opt := NewOptimizer(aux.Params().All(), lr, cfg.WeightDecay)
		sched := NewSchedule(NewWarmupCosineScheduler(cfg.WarmupEpochs, cfg.MaxEpochs, lr/100, 0), opt, lr)
		return &Lifecycle{Name: "aux", Optimizer: opt, Schedule: sched}
	}
	if ctl.predScope, err = ctl.resolvePredScope(); err != nil {
		return nil, err
	}
	ctl.curriculum = NewCurriculum(cfg.EpochsStage1, cfg.LearningRate, cfg.LearningRateFinetune, cfg.LearningRateAux, newMain, newAux)
	return ctl, nil
}

// Close releases the compiled graphs.
func (c *Controller) Close() { c.progs.close() }

// Train runs up to max_epochs epochs. Only Stage 2 epochs select
// checkpoints and consult the early stopper.
func (c *Controller) Train(ctx context.Context) (*TrainResult, error) {
	res := &TrainResult{BestValLoss: math.Inf(1)}
	for epoch := 0; epoch < c.cfg.MaxEpochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return res, errors.Wrapf(err, "epoch %d", epoch+1)
		}
		plan, err := c.curriculum.Enter(epoch)
		if err != nil {
			return res, err
		}
		if plan.Transition {
			log.Info().Int("epoch", epoch+1).Float64("lr", plan.Main.Optimizer.LearnRate()).
				Msg("stage 2: main optimizer re-created, aux network frozen")
		}

		stats, err := c.trainEpoch(ctx, plan)
		if err != nil {
			return res, errors.Wrapf(err, "epoch %d", epoch+1)
		}
		plan.Main.Schedule.Step()
		plan.Aux.Schedule.Step()
		c.text.Log(c.trainLine(plan, stats), false)

		val, err := c.validate(ctx, plan)
		if err != nil {
			return res, errors.Wrapf(err, "epoch %d validation", epoch+1)
		}
		c.text.Log(fmt.Sprintf("Validation [%d/%d] loss: %.3f [recon: %.3f, pred: %.3f], PSNR (recon): %.3f, SSIM (recon): %.3f, PSNR (pred): %.3f, SSIM (pred): %.3f",
			epoch+1, c.cfg.MaxEpochs, val.loss, val.recon, val.pred, val.reconPSNR, val.reconSSIM, val.predPSNR, val.predSSIM), false)
		res.EpochsRun = epoch + 1

		if plan.Stage != Stage2 {
			continue
		}
		if val.loss < c.bestVal {
			c.bestVal = val.loss
			if err := c.saveCheckpoint(); err != nil {
				return res, err
			}
			res.CheckpointsSaved++
			res.BestValLoss = val.loss
		}
		if c.stopper.Step(val.loss) {
			c.text.Log("Early stopping criterion met. Ending training.", true)
			res.Stopped = true
			break
		}
	}
	return res, nil
}

func (c *Controller) saveCheckpoint() error {
	if err := c.backbone.SaveWeights(c.cfg.ModelSavePath); err != nil {
		return errors.Wrap(err, "save backbone")
	}
	if err := c.aux.SaveWeights(c.cfg.ModelAuxSavePath); err != nil {
		return errors.Wrap(err, "save aux net")
	}
	c.text.Log(fmt.Sprintf("%s: Model weights successfully saved.", c.cfg.Model), false)
	return nil
}

// epochStats are running sums over the samples of one epoch.
type epochStats struct {
	recon, pred float64

	reconPSNR, reconSSIM, predPSNR, predSSIM float64

	auxNeg, auxSyn, cosPos, cosNeg1, cosNeg2 float64
	aurocNeg, aurocSyn                       float64

	labels               []bool
	negScores, synScores []float64
}

func (s *epochStats) addQuality(smp *data.Sample, reconStart, reconEnd, predStart, predEnd *tensor.Dense) {
	s.reconPSNR += metrics.PSNR(smp.XStart, reconStart)/2 + metrics.PSNR(smp.XEnd, reconEnd)/2
	s.reconSSIM += metrics.SSIM(smp.XStart, reconStart)/2 + metrics.SSIM(smp.XEnd, reconEnd)/2
	s.predPSNR += metrics.PSNR(smp.XStart, predStart)/2 + metrics.PSNR(smp.XEnd, predEnd)/2
	s.predSSIM += metrics.SSIM(smp.XStart, predStart)/2 + metrics.SSIM(smp.XEnd, predEnd)/2
}

func (s *epochStats) scale(n float64, withAux bool) {
	for _, v := range []*float64{&s.recon, &s.pred, &s.reconPSNR, &s.reconSSIM, &s.predPSNR, &s.predSSIM} {
		*v /= n
	}
	if withAux {
		for _, v := range []*float64{&s.auxNeg, &s.auxSyn, &s.cosPos, &s.cosNeg1, &s.cosNeg2} {
			*v /= n
		}
	}
}

func (c *Controller) trainLine(plan *EpochPlan, s *epochStats) string {
	if plan.Stage == Stage1 {
		return fmt.Sprintf("Train [%d/%d] [Stage 1]. loss [aux (neg): %.3f, aux (syn): %.3f, recon: %.3f, pred: %.3f], PSNR (recon): %.3f, SSIM (recon): %.3f, PSNR (pred): %.3f, SSIM (pred): %.3f, Aux AUROC (neg): %.3f, Aux AUROC (syn): %.3f, Aux CosSim(pos): %.3f, Aux CosSim(other t): %.3f, Aux CosSim(other x): %.3f",
			plan.Epoch+1, c.cfg.MaxEpochs, s.auxNeg, s.auxSyn, s.recon, s.pred,
			s.reconPSNR, s.reconSSIM, s.predPSNR, s.predSSIM,
			s.aurocNeg, s.aurocSyn, s.cosPos, s.cosNeg1, s.cosNeg2)
	}
	return fmt.Sprintf("Train [%d/%d] [Stage 2] loss [recon: %.3f, pred: %.3f], PSNR (recon): %.3f, SSIM (recon): %.3f, PSNR (pred): %.3f, SSIM (pred): %.3f",
		plan.Epoch+1, c.cfg.MaxEpochs, s.recon, s.pred, s.reconPSNR, s.reconSSIM, s.predPSNR, s.predSSIM)
}

func (c *Controller) trainEpoch(ctx context.Context, plan *EpochPlan) (*epochStats, error) {
	stats := &epochStats{}
	limit, capped := c.cfg.SampleCap()

	// the cap breaks after index limit, so limit+1 samples run
	n := c.trainLen
	if capped {
		n = min(n, limit+1)
	}
	it := c.train.EpochN(ctx, n)
	defer it.Close()

	plan.Main.Optimizer.ZeroGrad()
	plan.Aux.Optimizer.ZeroGrad()
	for it.Next() {
		idx := it.Index()
		smp, err := it.Batch().Unpack()
		if err != nil {
			return nil, errors.Wrapf(err, "sample %d", idx)
		}
		plot := c.cfg.PlotFreq > 0 && idx%c.cfg.PlotFreq == 0
		if err := c.trainSample(plan, idx, smp, stats, plot); err != nil {
			return nil, errors.Wrapf(err, "sample %d", idx)
		}
	}
	if err := it.Close(); err != nil {
		return nil, err
	}
	if !it.Complete() {
		return nil, errors.Errorf("training epoch ended after %d of %d samples", it.Index()+1, n)
	}

	if plan.Stage == Stage1 {
		var err error
		if stats.aurocNeg, err = metrics.AUROC(stats.labels, stats.negScores); err != nil {
			stats.aurocNeg = math.NaN()
		}
		if stats.aurocSyn, err = metrics.AUROC(stats.labels, stats.synScores); err != nil {
			stats.aurocSyn = math.NaN()
		}
	}
	div := float64(c.trainLen)
	if capped {
		div = float64(limit)
	}
	stats.scale(div, plan.Stage == Stage1)
	return stats, nil
}

// resolvePredScope picks the backbone scope the prediction loss may update:
// the time-dependent parameters, or everything for variants that cannot be
// partitioned. The fallback is reported once per run.
func (c *Controller) resolvePredScope() (nn.Scope, error) {
	_, err := c.backbone.Trainable(nn.ScopeTimeDependent)
	switch {
	case err == nil:
		return nn.ScopeTimeDependent, nil
	case errors.Is(err, nn.ErrPartitionUnsupported):
		log.Info().Str("model", c.backbone.Name()).Msg("no time-dependent partition, prediction loss updates the whole backbone")
		c.text.Log(fmt.Sprintf("%s: freezing non-ODE parameters is not supported, the prediction step trains all parameters.", c.backbone.Name()), false)
		return nn.ScopeAll, nil
	default:
		return 0, err
	}
}

// offsetFeed feeds both images and the three offsets 0, +t and -t, with
// t = Δt·multiplier, and returns the solver steps t needs.
func offsetFeed(backbone nn.Backbone, smp *data.Sample, multiplier float64) (feed, int, error) {
	t := smp.Delta() * multiplier
	steps, err := backbone.Steps(t)
	if err != nil {
		return nil, 0, err
	}
	return feed{
		inXStart: smp.XStart,
		inXEnd:   smp.XEnd,
		inTZero:  gorgonia.NewF64(0),
		inTFwd:   gorgonia.NewF64(t),
		inTBwd:   gorgonia.NewF64(-t),
	}, steps, nil
}

// trainSample runs the per-sample protocol. Gradients of every loss are
// scaled by 1/backprop_freq and accumulated; optimizers step on the last
// sample of each window.
func (c *Controller) trainSample(plan *EpochPlan, idx int, smp *data.Sample, stats *epochStats, plot bool) error {
	bf := c.backpropFreq
	scale := 1 / float64(bf)
	boundary := idx%bf == bf-1

	in, steps, err := offsetFeed(c.backbone, smp, c.cfg.TMultiplier)
	if err != nil {
		return err
	}

	// reconstruction: aux frozen, whole backbone trainable
	recon, err := c.run(programKey{kind: kindRecon, scope: nn.ScopeAll}, in)
	if err != nil {
		return err
	}
	if err := plan.Main.Optimizer.Accumulate(recon.grads, scale); err != nil {
		return err
	}

	// prediction: only the time-dependent module (when there is one)
	kind := kindPredPixel
	if plan.Stage == Stage2 {
		kind = kindPredScore
	}
	pred, err := c.run(programKey{kind: kind, steps: steps, scope: c.predScope}, in)
	if err != nil {
		return err
	}
	if err := plan.Main.Optimizer.Accumulate(pred.grads, scale); err != nil {
		return err
	}
	if boundary {
		if err := plan.Main.Optimizer.Step(); err != nil {
			return errors.Wrap(err, "main optimizer")
		}
	}

	predStart, predEnd := pred.image(outXStartPred), pred.image(outXEndPred)
	stats.recon += recon.scalar(outLoss)
	stats.pred += pred.scalar(outLoss)
	stats.addQuality(smp, recon.image(outXStartRec), recon.image(outXEndRec), predStart, predEnd)

	// aux network: trained in Stage 1; in Stage 2 only scored for figures
	var auxRes *result
	if plan.AuxUpdates || plot {
		kind := kindAuxScore
		if plan.AuxUpdates {
			kind = kindAuxTrain
		}
		auxIn := feed{
			inXStart: smp.XStart, inXEnd: smp.XEnd,
			inXStartPred: predStart, inXEndPred: predEnd,
			inPosA: smp.Pos[0], inPosB: smp.Pos[1],
			inNeg1A: smp.Neg1[0], inNeg1B: smp.Neg1[1],
			inNeg2A: smp.Neg2[0], inNeg2B: smp.Neg2[1],
		}
		if auxRes, err = c.run(programKey{kind: kind}, auxIn); err != nil {
			return err
		}
	}
	if plan.AuxUpdates {
		if err := plan.Aux.Optimizer.Accumulate(auxRes.grads, scale); err != nil {
			return err
		}
		if boundary {
			if err := plan.Aux.Optimizer.Step(); err != nil {
				return errors.Wrap(err, "aux optimizer")
			}
		}
		stats.auxNeg += auxRes.scalar(outLossNeg)
		stats.auxSyn += auxRes.scalar(outLossSyn)
		stats.cosPos += auxRes.scalar(outSimPos)
		stats.cosNeg1 += auxRes.scalar(outSimNeg1)
		stats.cosNeg2 += auxRes.scalar(outSimNeg2)
		stats.labels = append(stats.labels, true, false, false)
		stats.negScores = append(stats.negScores, auxRes.scalar(outSimPos), auxRes.scalar(outSimNeg1), auxRes.scalar(outSimNeg2))
		stats.synScores = append(stats.synScores, auxRes.scalar(outSimPos), auxRes.scalar(outSimX0), auxRes.scalar(outSimXT))
	}

	if plot {
		path := filepath.Join(c.figDir, "train", fmt.Sprintf("figure_log_epoch%05d_sample%05d.png", plan.Epoch, idx))
		c.plot(path, smp, recon, pred, auxRes)
	}
	return nil
}

func (c *Controller) run(key programKey, in feed) (*result, error) {
	p, err := c.progs.get(key)
	if err != nil {
		return nil, err
	}
	return p.run(in)
}

// plot saves a snapshot figure. Failures are logged, never fatal.
func (c *Controller) plot(path string, smp *data.Sample, recon, pred, aux *result) {
	cell := func(title string, img *tensor.Dense, sim string) viz.Cell {
		vc := viz.Cell{Title: title, Image: img}
		if aux != nil && sim != "" {
			vc.Similarity = viz.Score(aux.scalar(sim))
		}
		return vc
	}
	fig := &viz.Figure{Rows: [][]viz.Cell{
		{
			cell(fmt.Sprintf("GT t=%g", smp.TStart), smp.XStart, ""),
			cell("Recon", recon.image(outXStartRec), ""),
			cell("Pred", pred.image(outXStartPred), outSimX0),
			cell("Pos A", smp.Pos[0], ""),
			cell("Neg1 A", smp.Neg1[0], ""),
			cell("Neg2 A", smp.Neg2[0], ""),
		},
		{
			cell(fmt.Sprintf("GT t=%g", smp.TEnd), smp.XEnd, ""),
			cell("Recon", recon.image(outXEndRec), ""),
			cell("Pred", pred.image(outXEndPred), outSimXT),
			cell("Pos B", smp.Pos[1], outSimPos),
			cell("Neg1 B", smp.Neg1[1], outSimNeg1),
			cell("Neg2 B", smp.Neg2[1], outSimNeg2),
		},
	}}
	if err := fig.Save(path); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("figure not saved")
	}
}

// valStats are the averaged validation metrics of one epoch.
type valStats struct {
	loss, recon, pred                        float64
	reconPSNR, reconSSIM, predPSNR, predSSIM float64
}

// validate runs the forward path without gradients. The prediction loss
// follows the stage: pixel MSE in Stage 1, aux cosine distance in Stage 2.
func (c *Controller) validate(ctx context.Context, plan *EpochPlan) (*valStats, error) {
	var sums valStats
	var q epochStats

	it := c.val.Epoch(ctx)
	defer it.Close()
	for it.Next() {
		idx := it.Index()
		smp, err := it.Batch().Unpack()
		if err != nil {
			return nil, errors.Wrapf(err, "validation sample %d", idx)
		}
		in, steps, err := offsetFeed(c.backbone, smp, c.cfg.TMultiplier)
		if err != nil {
			return nil, err
		}
		res, err := c.run(programKey{kind: kindEval, steps: steps}, in)
		if err != nil {
			return nil, err
		}

		recon := res.scalar(outLossRecon)
		pred := res.scalar(outLossPred)
		if plan.Stage == Stage2 {
			pred = (1 - res.scalar(outSimX0)) + (1 - res.scalar(outSimXT))
		}
		sums.loss += recon + pred
		sums.recon += recon
		sums.pred += pred
		predStart, predEnd := res.image(outXStartPred), res.image(outXEndPred)
		q.addQuality(smp, res.image(outXStartRec), res.image(outXEndRec), predStart, predEnd)

		if idx == 1 {
			auxRes, err := c.run(programKey{kind: kindAuxScore}, feed{
				inXStart: smp.XStart, inXEnd: smp.XEnd,
				inXStartPred: predStart, inXEndPred: predEnd,
				inPosA: smp.Pos[0], inPosB: smp.Pos[1],
				inNeg1A: smp.Neg1[0], inNeg1B: smp.Neg1[1],
				inNeg2A: smp.Neg2[0], inNeg2B: smp.Neg2[1],
			})
			if err != nil {
				return nil, err
			}
			path := filepath.Join(c.figDir, "val", fmt.Sprintf("figure_log_epoch%05d.png", plan.Epoch))
			c.plot(path, smp, res, res, auxRes)
		}
	}
	if err := it.Close(); err != nil {
		return nil, err
	}
	if !it.Complete() {
		return nil, errors.Errorf("validation ended after %d of %d samples", it.Index()+1, c.valLen)
	}

	n := float64(c.valLen)
	return &valStats{
		loss:      sums.loss / n,
		recon:     sums.recon / n,
		pred:      sums.pred / n,
		reconPSNR: q.reconPSNR / n,
		reconSSIM: q.reconSSIM / n,
		predPSNR:  q.predPSNR / n,
		predSSIM:  q.predSSIM / n,
	}, nil
}
