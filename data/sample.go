// Package data provides longitudinal image samples: the batch contract,
// datasets, subject splitting and a prefetching loader.
package data

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// ErrContract marks malformed batches. It is never recoverable.
var ErrContract = errors.New("data contract violation")

// Pair is two images of shape [1, C, H, W].
type Pair [2]*tensor.Dense

// Batch is what a dataset yields: every tensor has a leading batch
// dimension of 1. Images and the three pairs are [1, 2, C, H, W],
// Timestamps is [1, 2]. Test batches carry no pairs.
type Batch struct {
	Images     *tensor.Dense
	Timestamps *tensor.Dense
	PosPair    *tensor.Dense
	NegPair1   *tensor.Dense
	NegPair2   *tensor.Dense
}

// Sample is an unpacked, validated batch.
type Sample struct {
	XStart, XEnd *tensor.Dense
	TStart, TEnd float64

	// Pos is the same subject at (roughly) the same time, Neg1 the same
	// subject at different times and Neg2 two different subjects.
	Pos, Neg1, Neg2 Pair
}

// Delta returns TEnd - TStart.
func (s *Sample) Delta() float64 { return s.TEnd - s.TStart }

// HasPairs reports whether the auxiliary pairs are present.
func (s *Sample) HasPairs() bool {
	return s.Pos[0] != nil && s.Neg1[0] != nil && s.Neg2[0] != nil
}

// Unpack checks the training/validation contract and splits the batch.
func (b *Batch) Unpack() (*Sample, error) {
	s, err := b.UnpackImages()
	if err != nil {
		return nil, err
	}
	if s.Pos, err = splitPair(b.PosPair, "pos_pair"); err != nil {
		return nil, err
	}
	if s.Neg1, err = splitPair(b.NegPair1, "neg_pair1"); err != nil {
		return nil, err
	}
	if s.Neg2, err = splitPair(b.NegPair2, "neg_pair2"); err != nil {
		return nil, err
	}
	return s, nil
}

// UnpackImages checks only the image pair and timestamps, as test batches
// carry nothing else.
func (b *Batch) UnpackImages() (*Sample, error) {
	images, err := splitPair(b.Images, "images")
	if err != nil {
		return nil, err
	}
	if b.Timestamps == nil {
		return nil, errors.Wrap(ErrContract, "timestamps missing")
	}
	shape := b.Timestamps.Shape()
	if len(shape) != 2 || shape[0] != 1 || shape[1] != 2 {
		return nil, errors.Wrapf(ErrContract, "timestamps shape %v, want [1 2]", shape)
	}
	ts := b.Timestamps.Data().([]float64)
	s := &Sample{
		XStart: images[0],
		XEnd:   images[1],
		TStart: ts[0],
		TEnd:   ts[1],
	}
	if !(s.Delta() > 0) {
		return nil, errors.Wrapf(ErrContract, "time delta %g must be positive (t_start=%g, t_end=%g)", s.Delta(), s.TStart, s.TEnd)
	}
	return s, nil
}

func splitPair(t *tensor.Dense, name string) (Pair, error) {
	var p Pair
	if t == nil {
		return p, errors.Wrapf(ErrContract, "%s missing", name)
	}
	shape := t.Shape()
	if len(shape) != 5 || shape[0] != 1 || shape[1] != 2 {
		return p, errors.Wrapf(ErrContract, "%s shape %v, want [1 2 C H W]", name, shape)
	}
	c, h, w := shape[2], shape[3], shape[4]
	n := c * h * w
	backing := t.Data().([]float64)
	for i := range p {
		img := make([]float64, n)
		copy(img, backing[i*n:(i+1)*n])
		p[i] = tensor.New(tensor.WithShape(1, c, h, w), tensor.WithBacking(img))
	}
	return p, nil
}

// stack builds a [1, 2, C, H, W] tensor from two flattened CHW images.
func stack(a, b []float64, c, h, w int) *tensor.Dense {
	n := c * h * w
	backing := make([]float64, 2*n)
	copy(backing, a)
	copy(backing[n:], b)
	return tensor.New(tensor.WithShape(1, 2, c, h, w), tensor.WithBacking(backing))
}

// NewBatch packs flattened CHW images into the batch layout. Pairs may be
// nil for test batches.
func NewBatch(c, h, w int, images [2][]float64, times [2]float64, pos, neg1, neg2 *[2][]float64) *Batch {
	b := &Batch{
		Images:     stack(images[0], images[1], c, h, w),
		Timestamps: tensor.New(tensor.WithShape(1, 2), tensor.WithBacking([]float64{times[0], times[1]})),
	}
	if pos != nil {
		b.PosPair = stack(pos[0], pos[1], c, h, w)
	}
	if neg1 != nil {
		b.NegPair1 = stack(neg1[0], neg1[1], c, h, w)
	}
	if neg2 != nil {
		b.NegPair2 = stack(neg2[0], neg2[1], c, h, w)
	}
	return b
}
