package training

import (
	"context"
	"encoding/csv"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"

	"github.com/infosave2007/longode/config"
	"github.com/infosave2007/longode/data"
	"github.com/infosave2007/longode/logutil"
	"github.com/infosave2007/longode/nn"
)

const side = 4

func wave(phase float64) []float64 {
	out := make([]float64, side*side)
	for i := range out {
		out[i] = 0.8 * math.Sin(float64(i)*0.7+phase)
	}
	return out
}

// fixedDataset yields the same batch n times.
type fixedDataset struct {
	n int
	b *data.Batch
}

func (d fixedDataset) Len() int { return d.n }

func (d fixedDataset) Item(int) (*data.Batch, error) { return d.b, nil }

func sampleBatch(t0, t1 float64, withPairs bool) *data.Batch {
	images := [2][]float64{wave(0), wave(0.4)}
	if !withPairs {
		return data.NewBatch(1, side, side, images, [2]float64{t0, t1}, nil, nil, nil)
	}
	pos := [2][]float64{wave(0), wave(0.05)}
	neg1 := [2][]float64{wave(0), wave(0.4)}
	neg2 := [2][]float64{wave(0), wave(2.5)}
	return data.NewBatch(1, side, side, images, [2]float64{t0, t1}, &pos, &neg1, &neg2)
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	out := t.TempDir()
	cfg.OutputSavePath = out
	cfg.Model = "ODEAutoEncoder"
	cfg.ModelSavePath = filepath.Join(out, "ODEAutoEncoder.weights")
	cfg.ModelAuxSavePath = filepath.Join(out, "AuxNet.weights")
	cfg.LogDir = filepath.Join(out, "log.txt")
	cfg.NumFilters = 2
	cfg.Depth = 1
	cfg.AuxEmbeddingDim = 4
	cfg.ODEStepSize = 0.5
	cfg.ODEMaxSteps = 10
	cfg.TMultiplier = 0.5
	cfg.NumWorkers = 1
	cfg.BatchSize = 1
	cfg.MaxEpochs = 3
	cfg.EpochsStage1 = 2
	cfg.PlotFreq = 0
	return cfg
}

type harness struct {
	ctl      *Controller
	backbone nn.Backbone
	aux      *nn.AuxNet
	logPath  string
}

func newHarness(t *testing.T, cfg *config.Config, train data.Dataset) *harness {
	t.Helper()
	opts := ModelOptions(cfg, 1, side, side)
	backbone, err := nn.NewBackbone(cfg.Model, opts)
	if err != nil {
		t.Fatal(err)
	}
	aux, err := nn.NewAuxNet(opts, cfg.AuxEmbeddingDim)
	if err != nil {
		t.Fatal(err)
	}
	text, err := logutil.Open(cfg.LogDir)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { text.Close() })

	splits := &data.Splits{
		Train:    train,
		Val:      fixedDataset{n: 2, b: sampleBatch(1, 3, true)},
		Test:     fixedDataset{n: 2, b: sampleBatch(1, 3, false)},
		Channels: 1,
	}
	ctl, err := NewController(cfg, backbone, aux, splits, 1, side, side, text)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(ctl.Close)
	return &harness{ctl: ctl, backbone: backbone, aux: aux, logPath: cfg.LogDir}
}

func (h *harness) logLines(t *testing.T) []string {
	t.Helper()
	raw, err := os.ReadFile(h.logPath)
	if err != nil {
		t.Fatal(err)
	}
	return strings.Split(strings.TrimSpace(string(raw)), "\n")
}

func countContaining(lines []string, sub string) int {
	var n int
	for _, l := range lines {
		if strings.Contains(l, sub) {
			n++
		}
	}
	return n
}

func equalSnapshots(a, b map[string][]float64) bool {
	for name, va := range a {
		vb := b[name]
		for i := range va {
			if va[i] != vb[i] {
				return false
			}
		}
	}
	return true
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestStageAt(t *testing.T) {
	for epoch := 0; epoch < 10; epoch++ {
		want := Stage1
		if epoch >= 4 {
			want = Stage2
		}
		if got := StageAt(epoch, 4); got != want {
			t.Errorf("StageAt(%d, 4) = %s, want %s", epoch, got, want)
		}
		// no hysteresis: asking again gives the same answer
		if StageAt(epoch, 4) != StageAt(epoch, 4) {
			t.Fatal("StageAt is not a pure function")
		}
	}
	if StageAt(0, 0) != Stage2 {
		t.Error("epochs_stage1 = 0 starts in Stage 2")
	}
}

func TestCurriculum(t *testing.T) {
	var mains, auxes []float64
	newMain := func(lr float64) *Lifecycle {
		mains = append(mains, lr)
		return &Lifecycle{Name: "main"}
	}
	newAux := func(lr float64) *Lifecycle {
		auxes = append(auxes, lr)
		return &Lifecycle{Name: "aux"}
	}
	c := NewCurriculum(2, 1e-3, 1e-4, 5e-3, newMain, newAux)

	var plans []*EpochPlan
	for epoch := 0; epoch < 4; epoch++ {
		p, err := c.Enter(epoch)
		if err != nil {
			t.Fatal(err)
		}
		plans = append(plans, p)
	}
	if len(mains) != 2 || mains[0] != 1e-3 || mains[1] != 1e-4 {
		t.Errorf("main lifecycles created with %v, want [0.001 0.0001]", mains)
	}
	if len(auxes) != 1 || auxes[0] != 5e-3 {
		t.Errorf("aux lifecycles created with %v, want [0.005]", auxes)
	}
	if plans[0].Main != plans[1].Main || plans[1].Main == plans[2].Main || plans[2].Main != plans[3].Main {
		t.Error("main lifecycle must be replaced exactly at the stage boundary")
	}
	for i, p := range plans {
		if p.Aux != plans[0].Aux {
			t.Errorf("epoch %d: aux lifecycle replaced", i)
		}
		if p.Transition != (i == 2) {
			t.Errorf("epoch %d: Transition = %v", i, p.Transition)
		}
		if p.AuxUpdates != (i < 2) {
			t.Errorf("epoch %d: AuxUpdates = %v", i, p.AuxUpdates)
		}
	}

	if _, err := c.Enter(7); err == nil {
		t.Error("skipping epochs must fail")
	}
}

func TestWarmupCosine(t *testing.T) {
	s := NewWarmupCosineScheduler(10, 100, 1e-5, 0)
	cases := []struct {
		epoch int
		want  float64
	}{
		{0, 1e-5},
		{9, 1e-3},
		{10, 1e-3},
		{55, 5e-4},
		{100, 0},
	}
	for _, c := range cases {
		if got := s.GetLR(c.epoch, 0, 1e-3); math.Abs(got-c.want) > 1e-12 {
			t.Errorf("GetLR(%d) = %g, want %g", c.epoch, got, c.want)
		}
	}
	for e := 1; e < 10; e++ {
		if s.GetLR(e, 0, 1e-3) <= s.GetLR(e-1, 0, 1e-3) {
			t.Errorf("warmup not increasing at epoch %d", e)
		}
	}
}

func TestScheduleDrivesOptimizer(t *testing.T) {
	opt := NewOptimizer(nil, 1, 0)
	s := NewSchedule(NewWarmupCosineScheduler(3, 10, 0.01, 0), opt, 1)
	if opt.LearnRate() != 0.01 {
		t.Errorf("initial lr = %g, want warmup start", opt.LearnRate())
	}
	s.Step()
	s.Step()
	if math.Abs(opt.LearnRate()-1) > 1e-12 || s.Epoch() != 2 {
		t.Errorf("after two steps lr = %g at epoch %d", opt.LearnRate(), s.Epoch())
	}

	constant := NewSchedule(&NoOpScheduler{}, opt, 0.3)
	constant.Step()
	if opt.LearnRate() != 0.3 || constant.Name() != "ConstantLR" {
		t.Errorf("constant schedule lr = %g (%s)", opt.LearnRate(), constant.Name())
	}
}

func TestEarlyStopping(t *testing.T) {
	const patience = 3
	e, err := NewEarlyStopping("min", 0, patience, false)
	if err != nil {
		t.Fatal(err)
	}
	var stops []int
	for i, v := range []float64{0.9, 0.9, 0.95, 1.2} {
		if e.Step(v) {
			stops = append(stops, i+1)
		}
	}
	if len(stops) != 1 || stops[0] != patience+1 {
		t.Errorf("stop signalled on calls %v, want only call %d", stops, patience+1)
	}

	e, _ = NewEarlyStopping("min", 0.1, 2, false)
	for _, v := range []float64{1.0, 0.95, 0.8, 0.75} {
		if e.Step(v) {
			t.Fatalf("stopped at %g", v)
		}
	}
	if e.Best() != 0.8 || e.BadEpochs() != 1 {
		t.Errorf("best = %g, bad = %d; improvements below min_delta must not count", e.Best(), e.BadEpochs())
	}

	e, _ = NewEarlyStopping("max", 10, 5, true)
	e.Step(100)
	e.Step(105)
	if e.Best() != 100 {
		t.Errorf("percentage mode: 105 is within 10%% of 100, best = %g", e.Best())
	}
	if !e.Step(math.NaN()) {
		t.Error("NaN must stop immediately")
	}

	if _, err := NewEarlyStopping("sideways", 0, 1, false); err == nil {
		t.Error("unknown mode accepted")
	}
}

func TestHingeNonNegative(t *testing.T) {
	g := gorgonia.NewGraph()
	b := &builder{bd: nn.NewBinder(g), inputs: map[string]*gorgonia.Node{}, outputs: map[string]*gorgonia.Node{}}
	pos, other := b.offset("pos"), b.offset("other")
	h, err := b.hinge(pos, other)
	if err != nil {
		t.Fatal(err)
	}
	vm := gorgonia.NewTapeMachine(g)
	defer vm.Close()

	for _, simPos := range []float64{-1, -0.3, 0, 0.5, 1} {
		for _, simOther := range []float64{-1, -0.6, 0, 0.2, 1} {
			dPos, dOther := 1-simPos, 1-simOther
			gorgonia.Let(pos, gorgonia.NewF64(dPos))
			gorgonia.Let(other, gorgonia.NewF64(dOther))
			if err := vm.RunAll(); err != nil {
				t.Fatal(err)
			}
			got, err := scalarOf(h.Value())
			if err != nil {
				t.Fatal(err)
			}
			vm.Reset()
			want := math.Max(0, dPos-dOther+Margin)
			if got < 0 || math.Abs(got-want) > 1e-12 {
				t.Errorf("hinge(%g, %g) = %g, want %g", dPos, dOther, got, want)
			}
		}
	}
}

func TestGradientAccumulation(t *testing.T) {
	cfg := testConfig(t)
	cfg.BatchSize = 3
	h := newHarness(t, cfg, fixedDataset{n: 5, b: sampleBatch(0, 2, true)})
	plan, err := h.ctl.curriculum.Enter(0)
	if err != nil {
		t.Fatal(err)
	}
	smp, err := sampleBatch(0, 2, true).Unpack()
	if err != nil {
		t.Fatal(err)
	}

	mainBefore := h.backbone.Params().Snapshot()
	auxBefore := h.aux.Params().Snapshot()
	first := h.backbone.Params().All()[0]
	for idx := 0; idx < 2; idx++ {
		if err := h.ctl.trainSample(plan, idx, smp, &epochStats{}, false); err != nil {
			t.Fatal(err)
		}
		if !equalSnapshots(mainBefore, h.backbone.Params().Snapshot()) {
			t.Fatalf("backbone changed after sample %d, before the window closed", idx)
		}
		if !equalSnapshots(auxBefore, h.aux.Params().Snapshot()) {
			t.Fatalf("aux net changed after sample %d, before the window closed", idx)
		}
	}
	var pending float64
	for _, v := range plan.Main.Optimizer.Pending(first) {
		pending += math.Abs(v)
	}
	if pending == 0 {
		t.Error("expected accumulated gradient before the boundary")
	}

	if err := h.ctl.trainSample(plan, 2, smp, &epochStats{}, false); err != nil {
		t.Fatal(err)
	}
	if equalSnapshots(mainBefore, h.backbone.Params().Snapshot()) {
		t.Error("backbone unchanged at the window boundary")
	}
	if equalSnapshots(auxBefore, h.aux.Params().Snapshot()) {
		t.Error("aux net unchanged at the window boundary")
	}
	if plan.Main.Optimizer.Steps() != 1 || plan.Aux.Optimizer.Steps() != 1 {
		t.Errorf("steps = %d, %d, want 1, 1", plan.Main.Optimizer.Steps(), plan.Aux.Optimizer.Steps())
	}
	for _, v := range plan.Main.Optimizer.Pending(first) {
		if v != 0 {
			t.Fatal("accumulated gradient must be cleared after a step")
		}
	}
}

func TestStage2LeavesAuxUntouched(t *testing.T) {
	cfg := testConfig(t)
	cfg.EpochsStage1 = 1
	h := newHarness(t, cfg, fixedDataset{n: 5, b: sampleBatch(0, 2, true)})
	ctx := context.Background()

	stage1, _ := h.ctl.curriculum.Enter(0)
	if _, err := h.ctl.trainEpoch(ctx, stage1); err != nil {
		t.Fatal(err)
	}
	if stage1.Aux.Optimizer.Steps() != 5 {
		t.Fatalf("aux steps in Stage 1 = %d, want 5", stage1.Aux.Optimizer.Steps())
	}
	auxAfterStage1 := h.aux.Params().Snapshot()
	mainAfterStage1 := h.backbone.Params().Snapshot()
	stage1.Aux.Schedule.Step()

	stage2, _ := h.ctl.curriculum.Enter(1)
	if stage2.Stage != Stage2 || !stage2.Transition {
		t.Fatalf("epoch 1 plan = %+v", stage2)
	}
	if _, err := h.ctl.trainEpoch(ctx, stage2); err != nil {
		t.Fatal(err)
	}
	stage2.Aux.Schedule.Step()

	if stage2.Aux.Optimizer.Steps() != 5 {
		t.Errorf("aux optimizer stepped in Stage 2: %d steps", stage2.Aux.Optimizer.Steps())
	}
	if !equalSnapshots(auxAfterStage1, h.aux.Params().Snapshot()) {
		t.Error("aux parameters changed in Stage 2")
	}
	if equalSnapshots(mainAfterStage1, h.backbone.Params().Snapshot()) {
		t.Error("backbone did not train in Stage 2")
	}
	if stage2.Main.Optimizer.Steps() != 5 {
		t.Errorf("fresh main optimizer steps = %d, want 5", stage2.Main.Optimizer.Steps())
	}
	if stage2.Aux.Schedule.Epoch() != 2 {
		t.Errorf("aux schedule epoch = %d, want 2", stage2.Aux.Schedule.Epoch())
	}
}

func TestTrainTwoStages(t *testing.T) {
	cfg := testConfig(t)
	h := newHarness(t, cfg, fixedDataset{n: 5, b: sampleBatch(0, 2, true)})

	res, err := h.ctl.Train(context.Background())
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	if res.EpochsRun != 3 {
		t.Errorf("EpochsRun = %d, want 3", res.EpochsRun)
	}

	lines := h.logLines(t)
	if n := countContaining(lines, "[Stage 1]"); n != 2 {
		t.Errorf("%d Stage 1 lines, want 2", n)
	}
	if n := countContaining(lines, "[Stage 2]"); n != 1 {
		t.Errorf("%d Stage 2 lines, want 1", n)
	}
	for i, want := range []string{"Train [1/3] [Stage 1]", "Train [2/3] [Stage 1]", "Train [3/3] [Stage 2]"} {
		if countContaining(lines, want) != 1 {
			t.Errorf("train line %d: %q missing", i+1, want)
		}
	}
	if n := countContaining(lines, "Validation ["); n != 3 {
		t.Errorf("%d validation lines, want 3", n)
	}
	saves := countContaining(lines, "Model weights successfully saved.")
	if saves > 1 || saves != res.CheckpointsSaved {
		t.Errorf("saves logged %d, reported %d; at most one allowed", saves, res.CheckpointsSaved)
	}
	if saves == 1 {
		if !fileExists(cfg.ModelSavePath) || !fileExists(cfg.ModelAuxSavePath) {
			t.Error("weights logged as saved but missing on disk")
		}
	}

	tester, err := NewTester(cfg, h.backbone, fixedDataset{n: 3, b: sampleBatch(1, 3, false)}, 1, side, side, &testLog{})
	if err != nil {
		t.Fatalf("NewTester: %v", err)
	}
	defer tester.Close()
	tr, err := tester.Run(context.Background())
	if err != nil {
		t.Fatalf("tester.Run: %v", err)
	}
	if tr.Samples != 3 || math.IsNaN(tr.Loss) {
		t.Errorf("test result %+v", tr)
	}
	f, err := os.Open(filepath.Join(cfg.OutputSavePath, "results", "summary.csv"))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1+3*4 {
		t.Errorf("summary has %d rows, want 13", len(rows))
	}
	if !fileExists(filepath.Join(cfg.OutputSavePath, "results", "figure_00002.png")) {
		t.Error("test figure missing")
	}
}

type testLog struct{ lines []string }

func (l *testLog) Log(message string, _ bool) { l.lines = append(l.lines, message) }

func TestNoCheckpointDuringStage1(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxEpochs = 2
	cfg.EpochsStage1 = 2
	h := newHarness(t, cfg, fixedDataset{n: 5, b: sampleBatch(0, 2, true)})

	res, err := h.ctl.Train(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.CheckpointsSaved != 0 || fileExists(cfg.ModelSavePath) || fileExists(cfg.ModelAuxSavePath) {
		t.Error("checkpoint written during Stage 1")
	}
	if countContaining(h.logLines(t), "successfully saved") != 0 {
		t.Error("save logged during Stage 1")
	}
}

func TestEarlyStopEndsTraining(t *testing.T) {
	cfg := testConfig(t)
	cfg.EpochsStage1 = 0
	cfg.MaxEpochs = 10
	cfg.Patience = 1
	// frozen weights keep the validation loss constant
	cfg.LearningRate = 0
	cfg.LearningRateAux = 0
	cfg.LearningRateFinetune = 0
	cfg.WeightDecay = 0
	h := newHarness(t, cfg, fixedDataset{n: 5, b: sampleBatch(0, 2, true)})

	res, err := h.ctl.Train(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !res.Stopped || res.EpochsRun != 2 || res.CheckpointsSaved != 1 {
		t.Errorf("result %+v, want a stop after 2 epochs with one save", res)
	}
	lines := h.logLines(t)
	if countContaining(lines, "Early stopping criterion met. Ending training.") != 1 {
		t.Error("early stop not logged")
	}
}

func TestPlainAutoEncoderTrains(t *testing.T) {
	cfg := testConfig(t)
	cfg.Model = "AutoEncoder"
	cfg.MaxEpochs = 2
	cfg.EpochsStage1 = 1
	cfg.PlotFreq = 2
	h := newHarness(t, cfg, fixedDataset{n: 5, b: sampleBatch(0, 2, true)})

	if h.ctl.predScope != nn.ScopeAll {
		t.Fatalf("prediction scope = %s, want the full network", h.ctl.predScope)
	}
	if _, err := h.ctl.Train(context.Background()); err != nil {
		t.Fatal(err)
	}
	if n := countContaining(h.logLines(t), "freezing non-ODE parameters is not supported"); n != 1 {
		t.Errorf("unsupported freeze reported %d times, want once per run", n)
	}
	// figures every second sample in both stages, plus validation sample 1
	for _, name := range []string{
		"train/figure_log_epoch00000_sample00000.png",
		"train/figure_log_epoch00001_sample00004.png",
		"val/figure_log_epoch00001.png",
	} {
		if !fileExists(filepath.Join(cfg.OutputSavePath, "log", name)) {
			t.Errorf("%s missing", name)
		}
	}
}

func TestSampleCap(t *testing.T) {
	cfg := testConfig(t)
	limit := 1
	cfg.MaxTrainingSamples = &limit
	h := newHarness(t, cfg, fixedDataset{n: 5, b: sampleBatch(0, 2, true)})
	plan, _ := h.ctl.curriculum.Enter(0)
	stats, err := h.ctl.trainEpoch(context.Background(), plan)
	if err != nil {
		t.Fatal(err)
	}
	// indices 0 and 1 run, the cap breaks at index 2
	if plan.Main.Optimizer.Steps() != 2 {
		t.Errorf("main steps = %d, want 2", plan.Main.Optimizer.Steps())
	}
	if len(stats.labels) != 6 {
		t.Errorf("collected %d aux labels, want 6", len(stats.labels))
	}
}

func TestContractViolationIsFatal(t *testing.T) {
	cfg := testConfig(t)
	h := newHarness(t, cfg, fixedDataset{n: 5, b: sampleBatch(3, 3, true)})
	_, err := h.ctl.Train(context.Background())
	if !errors.Is(err, data.ErrContract) {
		t.Fatalf("expected ErrContract, got %v", err)
	}
	if fileExists(cfg.ModelSavePath) {
		t.Error("no weights may be written after a contract violation")
	}
}

func TestSolverLimitIsFatal(t *testing.T) {
	cfg := testConfig(t)
	cfg.ODEMaxSteps = 1
	h := newHarness(t, cfg, fixedDataset{n: 5, b: sampleBatch(0, 2, true)})
	if _, err := h.ctl.Train(context.Background()); !errors.Is(err, nn.ErrSolverSteps) {
		t.Fatalf("expected ErrSolverSteps, got %v", err)
	}
}

func TestScoreLossReachesOnlyTimeDependentParams(t *testing.T) {
	cfg := testConfig(t)
	h := newHarness(t, cfg, fixedDataset{n: 5, b: sampleBatch(0, 2, true)})
	if h.ctl.predScope != nn.ScopeTimeDependent {
		t.Fatalf("prediction scope = %s", h.ctl.predScope)
	}
	smp, err := sampleBatch(0, 2, true).Unpack()
	if err != nil {
		t.Fatal(err)
	}
	in, steps, err := offsetFeed(h.backbone, smp, cfg.TMultiplier)
	if err != nil {
		t.Fatal(err)
	}
	res, err := h.ctl.run(programKey{kind: kindPredScore, steps: steps, scope: nn.ScopeTimeDependent}, in)
	if err != nil {
		t.Fatal(err)
	}

	aux := make(map[*nn.Param]bool)
	for _, p := range h.aux.Params().All() {
		aux[p] = true
	}
	want, err := h.backbone.Trainable(nn.ScopeTimeDependent)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.grads) != len(want) {
		t.Errorf("gradients for %d parameters, want the %d time-dependent ones", len(res.grads), len(want))
	}
	var total float64
	for p, g := range res.grads {
		if aux[p] {
			t.Errorf("aux parameter %s received a gradient", p.Name)
		}
		if p.Group != nn.TimeDependent {
			t.Errorf("%s (%s) received a gradient", p.Name, p.Group)
		}
		for _, v := range g {
			total += math.Abs(v)
		}
	}
	if total == 0 {
		t.Error("score loss sends no gradient through the aux net")
	}
}

func TestCancelledTrainSavesNothing(t *testing.T) {
	cfg := testConfig(t)
	cfg.EpochsStage1 = 0
	cfg.MaxEpochs = 4
	cfg.Patience = 2
	h := newHarness(t, cfg, fixedDataset{n: 5, b: sampleBatch(0, 2, true)})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := h.ctl.Train(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Train = %v, want context.Canceled", err)
	}
	if res.EpochsRun != 0 || res.CheckpointsSaved != 0 || res.Stopped {
		t.Errorf("result %+v after cancel", res)
	}
	if fileExists(cfg.ModelSavePath) || fileExists(cfg.ModelAuxSavePath) {
		t.Error("weights written by a cancelled run")
	}
}

// cancelAt cancels a context from inside the k-th Item call.
type cancelAt struct {
	fixedDataset
	k      int64
	calls  *atomic.Int64
	cancel context.CancelFunc
}

func (d cancelAt) Item(i int) (*data.Batch, error) {
	if d.calls.Add(1) == d.k {
		d.cancel()
	}
	return d.fixedDataset.Item(i)
}

func TestCancelMidEpochKeepsBestCheckpoint(t *testing.T) {
	cfg := testConfig(t)
	cfg.EpochsStage1 = 0
	cfg.MaxEpochs = 4
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var calls atomic.Int64
	// epoch 1 fetches items 1-5, the cancel lands in epoch 2
	train := cancelAt{fixedDataset{n: 5, b: sampleBatch(0, 2, true)}, 7, &calls, cancel}
	h := newHarness(t, cfg, train)

	res, err := h.ctl.Train(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Train = %v, want context.Canceled", err)
	}
	if res.EpochsRun != 1 || res.CheckpointsSaved != 1 || res.Stopped {
		t.Errorf("result %+v, want only the first epoch validated and saved", res)
	}
	lines := h.logLines(t)
	if n := countContaining(lines, "Validation ["); n != 1 {
		t.Errorf("%d validation lines, want 1", n)
	}
	if countContaining(lines, "Early stopping") != 0 {
		t.Error("cancel reported as early stopping")
	}
}
