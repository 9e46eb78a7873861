// Package metrics scores images and similarity rankings. Images are
// [1, C, H, W] (or [C, H, W]) tensors with pixels in [-1, 1]; they are
// mapped to [0, 1] before scoring.
package metrics

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/integrate"
	"gonum.org/v1/gonum/stat"
	"gorgonia.org/tensor"
)

// ErrSingleClass is returned by AUROC when only one label is present.
var ErrSingleClass = errors.New("auroc needs both classes")

// ssimWindow is the side of the sliding SSIM window.
const ssimWindow = 7

const (
	ssimK1 = 0.01
	ssimK2 = 0.03
)

type image struct {
	c, h, w int
	pix     []float64
}

func unit(t *tensor.Dense) image {
	shape := t.Shape()
	n := len(shape)
	img := image{c: shape[n-3], h: shape[n-2], w: shape[n-1]}
	src := t.Data().([]float64)
	img.pix = make([]float64, len(src))
	for i, v := range src {
		img.pix[i] = math.Min(1, math.Max(0, (v+1)/2))
	}
	return img
}

func (m image) channel(c int) []float64 {
	n := m.h * m.w
	return m.pix[c*n : (c+1)*n]
}

// PSNR is the peak signal-to-noise ratio in dB with a data range of 1.
// Identical images score +Inf.
func PSNR(a, b *tensor.Dense) float64 {
	x, y := unit(a), unit(b)
	d := make([]float64, len(x.pix))
	floats.SubTo(d, x.pix, y.pix)
	mse := floats.Dot(d, d) / float64(len(d))
	if mse == 0 {
		return math.Inf(1)
	}
	return 10 * math.Log10(1/mse)
}

// SSIM is the structural similarity index averaged over 7x7 windows and
// channels. Images smaller than the window are scored as one window.
func SSIM(a, b *tensor.Dense) float64 {
	x, y := unit(a), unit(b)
	win := ssimWindow
	if x.h < win || x.w < win {
		win = 0
	}
	var total float64
	for c := 0; c < x.c; c++ {
		total += channelSSIM(x.channel(c), y.channel(c), x.h, x.w, win)
	}
	return total / float64(x.c)
}

func channelSSIM(x, y []float64, h, w, win int) float64 {
	if win == 0 {
		return windowSSIM(x, y)
	}
	px := make([]float64, win*win)
	py := make([]float64, win*win)
	var sum float64
	var n int
	for r := 0; r+win <= h; r++ {
		for c := 0; c+win <= w; c++ {
			for i := 0; i < win; i++ {
				copy(px[i*win:(i+1)*win], x[(r+i)*w+c:(r+i)*w+c+win])
				copy(py[i*win:(i+1)*win], y[(r+i)*w+c:(r+i)*w+c+win])
			}
			sum += windowSSIM(px, py)
			n++
		}
	}
	return sum / float64(n)
}

func windowSSIM(x, y []float64) float64 {
	const c1, c2 = ssimK1 * ssimK1, ssimK2 * ssimK2
	mx, my := stat.Mean(x, nil), stat.Mean(y, nil)
	var vx, vy, cov float64
	if len(x) > 1 {
		vx = stat.Variance(x, nil)
		vy = stat.Variance(y, nil)
		cov = stat.Covariance(x, y, nil)
	}
	return ((2*mx*my + c1) * (2*cov + c2)) / ((mx*mx + my*my + c1) * (vx + vy + c2))
}

// AUROC is the area under the ROC curve of scores ranked against labels
// (true = positive).
func AUROC(labels []bool, scores []float64) (float64, error) {
	if len(labels) != len(scores) {
		return 0, errors.Errorf("auroc: %d labels, %d scores", len(labels), len(scores))
	}
	var pos int
	for _, l := range labels {
		if l {
			pos++
		}
	}
	if pos == 0 || pos == len(labels) {
		return 0, errors.Wrapf(ErrSingleClass, "%d positives of %d", pos, len(labels))
	}

	y := append([]float64(nil), scores...)
	classes := append([]bool(nil), labels...)
	stat.SortWeightedLabeled(y, classes, nil)
	tpr, fpr, _ := stat.ROC(nil, y, classes, nil)
	return integrate.Trapezoidal(fpr, tpr), nil
}
