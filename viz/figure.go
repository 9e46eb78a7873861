// Package viz renders training snapshots as PNG grids: images side by side,
// each optionally annotated with a similarity bar.
package viz

import (
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"

	"github.com/lucasb-eyer/go-colorful"
	"github.com/pkg/errors"
	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	"gorgonia.org/tensor"
)

const (
	titleHeight = 16
	barHeight   = 8
	gap         = 4
	minSide     = 96
)

var (
	low  = colorful.Color{R: 0.84, G: 0.19, B: 0.15}
	high = colorful.Color{R: 0.10, G: 0.60, B: 0.31}
)

// Cell is one image of the grid. Similarity, when set, is a cosine in
// [-1, 1] drawn as a bar under the image.
type Cell struct {
	Title      string
	Image      *tensor.Dense
	Similarity *float64
}

// Figure is a grid of cells, row by row. Empty cells (nil Image) are left
// blank.
type Figure struct {
	Rows [][]Cell
}

// Score wraps v for Cell.Similarity.
func Score(v float64) *float64 { return &v }

// SimilarityColor maps a cosine similarity to a red-to-green blend.
func SimilarityColor(sim float64) colorful.Color {
	t := math.Max(0, math.Min(1, (sim+1)/2))
	return low.BlendLab(high, t).Clamped()
}

func (f *Figure) cellSize() (int, int, error) {
	for _, row := range f.Rows {
		for _, c := range row {
			if c.Image == nil {
				continue
			}
			shape := c.Image.Shape()
			if len(shape) < 3 {
				return 0, 0, errors.Errorf("viz: image shape %v", shape)
			}
			h, w := shape[len(shape)-2], shape[len(shape)-1]
			scale := int(math.Ceil(float64(minSide) / float64(max(h, w))))
			return h * scale, w * scale, nil
		}
	}
	return 0, 0, errors.New("viz: figure has no images")
}

// Render draws the figure.
func (f *Figure) Render() (*image.RGBA, error) {
	ch, cw, err := f.cellSize()
	if err != nil {
		return nil, err
	}
	cols := 0
	for _, row := range f.Rows {
		cols = max(cols, len(row))
	}
	rowH := titleHeight + ch + barHeight + gap
	canvas := image.NewRGBA(image.Rect(0, 0, cols*(cw+gap)+gap, len(f.Rows)*rowH+gap))
	draw.Draw(canvas, canvas.Bounds(), image.White, image.Point{}, draw.Src)

	for r, row := range f.Rows {
		for c, cell := range row {
			if cell.Image == nil {
				continue
			}
			x0 := gap + c*(cw+gap)
			y0 := gap + r*rowH
			label(canvas, x0, y0+titleHeight-4, cell.Title)

			src, err := ToImage(cell.Image)
			if err != nil {
				return nil, errors.Wrapf(err, "cell %q", cell.Title)
			}
			dst := image.Rect(x0, y0+titleHeight, x0+cw, y0+titleHeight+ch)
			draw.NearestNeighbor.Scale(canvas, dst, src, src.Bounds(), draw.Src, nil)

			if cell.Similarity != nil {
				sim := *cell.Similarity
				width := int(math.Round(float64(cw) * math.Max(0, math.Min(1, (sim+1)/2))))
				bar := image.Rect(x0, dst.Max.Y+1, x0+width, dst.Max.Y+barHeight)
				draw.Draw(canvas, bar, image.NewUniform(SimilarityColor(sim)), image.Point{}, draw.Src)
			}
		}
	}
	return canvas, nil
}

// Save renders the figure to a PNG at path, creating directories.
func (f *Figure) Save(path string) error {
	img, err := f.Render()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "create %s", filepath.Dir(path))
	}
	out, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "create %s", path)
	}
	if err := png.Encode(out, img); err != nil {
		out.Close()
		return errors.Wrapf(err, "encode %s", path)
	}
	return out.Close()
}

// ToImage converts a [1, C, H, W] or [C, H, W] tensor in [-1, 1] to an
// image. One channel renders as gray, three as RGB; other channel counts
// use the channel mean.
func ToImage(t *tensor.Dense) (image.Image, error) {
	shape := t.Shape()
	n := len(shape)
	if n < 3 {
		return nil, errors.Errorf("viz: image shape %v", shape)
	}
	c, h, w := shape[n-3], shape[n-2], shape[n-1]
	pix, ok := t.Data().([]float64)
	if !ok || len(pix) < c*h*w {
		return nil, errors.Errorf("viz: unexpected tensor data %T", t.Data())
	}
	at := func(ch, y, x int) uint8 {
		v := (pix[ch*h*w+y*w+x] + 1) / 2
		return uint8(math.Round(255 * math.Max(0, math.Min(1, v))))
	}
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var px color.RGBA
			switch c {
			case 3:
				px = color.RGBA{at(0, y, x), at(1, y, x), at(2, y, x), 255}
			default:
				var sum int
				for ch := 0; ch < c; ch++ {
					sum += int(at(ch, y, x))
				}
				g := uint8(sum / c)
				px = color.RGBA{g, g, g, 255}
			}
			img.SetRGBA(x, y, px)
		}
	}
	return img, nil
}

func label(dst draw.Image, x, y int, text string) {
	d := font.Drawer{
		Dst:  dst,
		Src:  image.Black,
		Face: basicfont.Face7x13,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(text)
}
