package data

import (
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"math"
	"math/rand"

	"github.com/pkg/errors"
)

// SyntheticOptions sizes a Synthetic source.
type SyntheticOptions struct {
	Subjects   int
	Timepoints int
	Channels   int
	Height     int
	Width      int
	Seed       int64
}

// Synthetic simulates longitudinal fundus images: a bright disc on a
// vignetted background with a dark lesion that grows with time.
// Each subject is generated from a generator seeded by the MD5 of its ID,
// so the same ID always produces the same timeline.
type Synthetic struct {
	opts     SyntheticOptions
	subjects []*Subject
}

// NewSynthetic generates every subject up front.
func NewSynthetic(opts SyntheticOptions) (*Synthetic, error) {
	if opts.Subjects < 2 || opts.Timepoints < 2 {
		return nil, errors.Wrapf(ErrContract, "synthetic needs >= 2 subjects and timepoints, got %d and %d", opts.Subjects, opts.Timepoints)
	}
	if opts.Channels <= 0 || opts.Height <= 0 || opts.Width <= 0 {
		return nil, errors.Wrapf(ErrContract, "synthetic geometry %dx%dx%d", opts.Channels, opts.Height, opts.Width)
	}
	s := &Synthetic{opts: opts}
	for i := 0; i < opts.Subjects; i++ {
		s.subjects = append(s.subjects, s.subject(fmt.Sprintf("synthetic-%d-%03d", opts.Seed, i)))
	}
	return s, nil
}

func (s *Synthetic) Subjects() []*Subject { return s.subjects }

func (s *Synthetic) Geometry() (int, int, int) {
	return s.opts.Channels, s.opts.Height, s.opts.Width
}

func (s *Synthetic) subject(id string) *Subject {
	hash := md5.Sum([]byte(id))
	seed := int64(binary.BigEndian.Uint64(hash[:8]))
	r := rand.New(rand.NewSource(seed))

	// lesion centre and growth, in normalized image coordinates
	cx := 0.3 + 0.4*r.Float64()
	cy := 0.3 + 0.4*r.Float64()
	r0 := 0.05 + 0.1*r.Float64()
	growth := 0.005 + 0.01*r.Float64() // per month
	tint := make([]float64, s.opts.Channels)
	for c := range tint {
		tint[c] = 0.6 + 0.4*r.Float64()
	}

	subj := &Subject{ID: id}
	t := 0.0
	for k := 0; k < s.opts.Timepoints; k++ {
		if k > 0 {
			t += 3 + 9*r.Float64() // months between visits
		}
		subj.Times = append(subj.Times, t)
		subj.Images = append(subj.Images, s.render(cx, cy, r0+growth*t, tint))
	}
	return subj
}

func (s *Synthetic) render(cx, cy, radius float64, tint []float64) []float64 {
	c, h, w := s.opts.Channels, s.opts.Height, s.opts.Width
	img := make([]float64, c*h*w)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			u := (float64(x) + 0.5) / float64(w)
			v := (float64(y) + 0.5) / float64(h)
			vignette := 1 - 1.5*math.Hypot(u-0.5, v-0.5)
			d := math.Hypot(u-cx, v-cy)
			// 1 inside the lesion, 0 outside, smooth edge
			lesion := 0.5 * (1 - math.Tanh((d-radius)*40))
			for ch := 0; ch < c; ch++ {
				val := tint[ch]*vignette*(1-0.8*lesion)*2 - 1
				img[ch*h*w+y*w+x] = math.Max(-1, math.Min(1, val))
			}
		}
	}
	return img
}
