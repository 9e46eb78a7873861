package metrics

import (
	"math"
	"testing"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

func img(c, h, w int, f func(i int) float64) *tensor.Dense {
	backing := make([]float64, c*h*w)
	for i := range backing {
		backing[i] = f(i)
	}
	return tensor.New(tensor.WithShape(1, c, h, w), tensor.WithBacking(backing))
}

func TestPSNR(t *testing.T) {
	a := img(1, 4, 4, func(int) float64 { return -1 })
	b := img(1, 4, 4, func(int) float64 { return 1 })
	if got := PSNR(a, b); got != 0 {
		t.Errorf("PSNR(black, white) = %g, want 0", got)
	}
	if got := PSNR(a, a); !math.IsInf(got, 1) {
		t.Errorf("PSNR(a, a) = %g, want +Inf", got)
	}
	// pixel distance 0.1 in [0, 1] gives 20 dB
	c := img(1, 4, 4, func(int) float64 { return -0.8 })
	if got := PSNR(a, c); math.Abs(got-20) > 1e-9 {
		t.Errorf("PSNR = %g, want 20", got)
	}
}

func TestSSIM(t *testing.T) {
	noise := func(i int) float64 { return math.Sin(float64(i*i)) }
	a := img(3, 10, 9, noise)
	if got := SSIM(a, a); math.Abs(got-1) > 1e-12 {
		t.Errorf("SSIM(a, a) = %g, want 1", got)
	}
	inv := img(3, 10, 9, func(i int) float64 { return -noise(i) })
	if got := SSIM(a, inv); got >= 0.5 {
		t.Errorf("SSIM(a, -a) = %g, expected low similarity", got)
	}

	// smaller than the window
	small := img(1, 3, 3, noise)
	if got := SSIM(small, small); math.Abs(got-1) > 1e-12 {
		t.Errorf("small SSIM(a, a) = %g, want 1", got)
	}
}

func TestAUROC(t *testing.T) {
	cases := []struct {
		name   string
		labels []bool
		scores []float64
		want   float64
	}{
		{"perfect", []bool{true, false, false, true}, []float64{0.9, 0.1, 0.2, 0.8}, 1},
		{"inverted", []bool{true, false, false}, []float64{0.1, 0.5, 0.9}, 0},
		{"ties", []bool{true, false}, []float64{0.5, 0.5}, 0.5},
		{"mixed", []bool{true, false, false, true, false, false}, []float64{0.9, 0.8, 0.1, 0.3, 0.2, 0.05}, 0.875},
	}
	for _, c := range cases {
		got, err := AUROC(c.labels, c.scores)
		if err != nil {
			t.Errorf("%s: %v", c.name, err)
			continue
		}
		if math.Abs(got-c.want) > 1e-9 {
			t.Errorf("%s: AUROC = %g, want %g", c.name, got, c.want)
		}
	}

	if _, err := AUROC([]bool{true, true}, []float64{1, 2}); !errors.Is(err, ErrSingleClass) {
		t.Errorf("expected ErrSingleClass, got %v", err)
	}
}
