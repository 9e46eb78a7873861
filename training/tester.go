package training

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/infosave2007/longode/config"
	"github.com/infosave2007/longode/data"
	"github.com/infosave2007/longode/metrics"
	"github.com/infosave2007/longode/nn"
	"github.com/infosave2007/longode/viz"
)

// figureLimit is how many test samples get a side-by-side figure.
const figureLimit = 20

// TestResult holds the averaged test metrics.
type TestResult struct {
	Loss                                     float64
	ReconPSNR, ReconSSIM, PredPSNR, PredSSIM float64
	Samples                                  int
}

// Tester evaluates saved backbone weights on the test split.
type Tester struct {
	cfg      *config.Config
	backbone nn.Backbone
	test     data.Dataset
	progs    *programs
	text     Logger
	outDir   string
}

// NewTester loads the backbone weights from model_save_path.
func NewTester(cfg *config.Config, backbone nn.Backbone, test data.Dataset, c, h, w int, text Logger) (*Tester, error) {
	if test.Len() == 0 {
		return nil, errors.Wrap(data.ErrContract, "empty test set")
	}
	if err := backbone.LoadWeights(cfg.ModelSavePath); err != nil {
		return nil, errors.Wrap(err, "load backbone")
	}
	text.Log(fmt.Sprintf("%s: Model weights successfully loaded.", cfg.Model), true)
	return &Tester{
		cfg:      cfg,
		backbone: backbone,
		test:     test,
		progs:    newPrograms(backbone, nil, c, h, w),
		text:     text,
		outDir:   filepath.Join(cfg.OutputSavePath, "results"),
	}, nil
}

func (t *Tester) Close() { t.progs.close() }

// Run scores every test pair with pixel losses, writes summary.csv
// (time difference, PSNR and SSIM of each reconstruction and prediction)
// and figures for the first samples.
func (t *Tester) Run(ctx context.Context) (*TestResult, error) {
	if err := os.MkdirAll(t.outDir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create %s", t.outDir)
	}
	f, err := os.Create(filepath.Join(t.outDir, "summary.csv"))
	if err != nil {
		return nil, errors.Wrap(err, "create summary")
	}
	defer f.Close()
	w := csv.NewWriter(f)
	if err := w.Write([]string{"sample", "kind", "delta_t", "psnr", "ssim"}); err != nil {
		return nil, err
	}

	loader := data.NewLoader(t.test, false, t.cfg.RandomSeed, t.cfg.NumWorkers)
	it := loader.Epoch(ctx)
	defer it.Close()

	var res TestResult
	for it.Next() {
		idx := it.Index()
		smp, err := it.Batch().UnpackImages()
		if err != nil {
			return nil, errors.Wrapf(err, "test sample %d", idx)
		}
		in, steps, err := offsetFeed(t.backbone, smp, t.cfg.TMultiplier)
		if err != nil {
			return nil, err
		}
		p, err := t.progs.get(programKey{kind: kindEvalNoAux, steps: steps})
		if err != nil {
			return nil, err
		}
		out, err := p.run(in)
		if err != nil {
			return nil, err
		}

		res.Loss += out.scalar(outLossRecon) + out.scalar(outLossPred)
		entries := []struct {
			kind  string
			dt    float64
			truth *tensor.Dense
			name  string
		}{
			{"recon", 0, smp.XStart, outXStartRec},
			{"recon", 0, smp.XEnd, outXEndRec},
			{"pred", smp.TStart - smp.TEnd, smp.XStart, outXStartPred},
			{"pred", smp.TEnd - smp.TStart, smp.XEnd, outXEndPred},
		}
		for _, e := range entries {
			psnr := metrics.PSNR(e.truth, out.image(e.name))
			ssim := metrics.SSIM(e.truth, out.image(e.name))
			if e.kind == "recon" {
				res.ReconPSNR += psnr / 2
				res.ReconSSIM += ssim / 2
			} else {
				res.PredPSNR += psnr / 2
				res.PredSSIM += ssim / 2
			}
			if err := w.Write([]string{
				strconv.Itoa(idx), e.kind,
				strconv.FormatFloat(e.dt, 'g', -1, 64),
				strconv.FormatFloat(psnr, 'f', 4, 64),
				strconv.FormatFloat(ssim, 'f', 4, 64),
			}); err != nil {
				return nil, errors.Wrap(err, "write summary")
			}
		}

		if idx < figureLimit {
			fig := &viz.Figure{Rows: [][]viz.Cell{
				{
					{Title: fmt.Sprintf("GT t=%g", smp.TStart), Image: smp.XStart},
					{Title: "Recon", Image: out.image(outXStartRec)},
					{Title: "Pred", Image: out.image(outXStartPred)},
				},
				{
					{Title: fmt.Sprintf("GT t=%g", smp.TEnd), Image: smp.XEnd},
					{Title: "Recon", Image: out.image(outXEndRec)},
					{Title: "Pred", Image: out.image(outXEndPred)},
				},
			}}
			if err := fig.Save(filepath.Join(t.outDir, fmt.Sprintf("figure_%05d.png", idx))); err != nil {
				return nil, err
			}
		}
		res.Samples++
	}
	if err := it.Close(); err != nil {
		return nil, err
	}
	if !it.Complete() {
		return nil, errors.Errorf("test ended after %d of %d samples", res.Samples, t.test.Len())
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, errors.Wrap(err, "flush summary")
	}

	n := float64(t.test.Len())
	res.Loss /= n
	res.ReconPSNR /= n
	res.ReconSSIM /= n
	res.PredPSNR /= n
	res.PredSSIM /= n
	t.text.Log(fmt.Sprintf("Test loss: %.3f, PSNR (recon): %.3f, SSIM (recon): %.3f, PSNR (pred): %.3f, SSIM (pred): %.3f",
		res.Loss, res.ReconPSNR, res.ReconSSIM, res.PredPSNR, res.PredSSIM), true)
	return &res, nil
}
