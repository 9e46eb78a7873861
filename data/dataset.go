package data

import (
	"math"
	"math/rand"
	"sync"

	"github.com/pkg/errors"

	"github.com/infosave2007/longode/config"
)

// ErrUnknownDataset is returned for an unrecognized dataset_name.
var ErrUnknownDataset = errors.New("unknown dataset")

// MinBatchesPerEpoch is the smallest training epoch; shorter training sets
// are cycled up to this length.
const MinBatchesPerEpoch = 5

// Dataset yields batches by index.
type Dataset interface {
	Len() int
	Item(i int) (*Batch, error)
}

// Subject is one person's image timeline. Images are flattened CHW slices
// in [-1, 1], Times is strictly increasing.
type Subject struct {
	ID     string
	Times  []float64
	Images [][]float64
}

// Source is a whole dataset of subjects sharing one image geometry.
type Source interface {
	Subjects() []*Subject
	// Geometry returns channels, height and width.
	Geometry() (c, h, w int)
}

// Splits holds the three subject-disjoint datasets of a run.
type Splits struct {
	Train, Val, Test Dataset
	Channels         int
}

// Open resolves dataset_name.
func Open(cfg *config.Config) (Source, error) {
	switch cfg.DatasetName {
	case "synthetic":
		return NewSynthetic(SyntheticOptions{
			Subjects:   cfg.SyntheticSubjects,
			Timepoints: cfg.SyntheticTimepoints,
			Channels:   cfg.NumChannels,
			Height:     cfg.TargetDim[0],
			Width:      cfg.TargetDim[1],
			Seed:       cfg.RandomSeed,
		})
	case "retina_GA":
		return LoadRetina(cfg.DatasetPath, cfg.TargetDim[0], cfg.TargetDim[1], cfg.NumWorkers)
	default:
		return nil, errors.Wrapf(ErrUnknownDataset, "%q; check dataset_name", cfg.DatasetName)
	}
}

// Split shuffles subject indices with the run seed and cuts them by the
// configured ratios. The training subset is cycled up to
// MinBatchesPerEpoch; validation and test never sample random pairs.
func Split(src Source, cfg *config.Config) (*Splits, error) {
	ratios, err := cfg.Ratios()
	if err != nil {
		return nil, err
	}
	subjects := src.Subjects()
	if len(subjects) < 2 {
		return nil, errors.Wrapf(ErrContract, "need at least two subjects, have %d", len(subjects))
	}
	train, val, test := splitIndices(len(subjects), ratios, cfg.RandomSeed)
	c, _, _ := src.Geometry()

	trainSet := newSubset(src, train, cfg.SamplePairs, false, cfg.RandomSeed)
	return &Splits{
		Train:    Extend(trainSet, MinBatchesPerEpoch),
		Val:      newSubset(src, val, false, false, cfg.RandomSeed+1),
		Test:     newSubset(src, test, false, true, cfg.RandomSeed+2),
		Channels: c,
	}, nil
}

func splitIndices(n int, ratios [3]float64, seed int64) (train, val, test []int) {
	order := rand.New(rand.NewSource(seed)).Perm(n)
	nTrain := int(math.Round(ratios[0] * float64(n)))
	nVal := int(math.Round(ratios[1] * float64(n)))
	if nTrain+nVal > n {
		nVal = n - nTrain
	}
	return order[:nTrain], order[nTrain : nTrain+nVal], order[nTrain+nVal:]
}

// subset turns a list of subjects into batches. Item i always refers to
// subject indices[i]; with samplePairs the (start, end) pair is redrawn on
// every call, otherwise it is the first and last image of the timeline.
type subset struct {
	src         Source
	indices     []int
	samplePairs bool
	imagesOnly  bool

	mu  sync.Mutex
	rng *rand.Rand
}

func newSubset(src Source, indices []int, samplePairs, imagesOnly bool, seed int64) *subset {
	return &subset{
		src:         src,
		indices:     indices,
		samplePairs: samplePairs,
		imagesOnly:  imagesOnly,
		rng:         rand.New(rand.NewSource(seed)),
	}
}

func (s *subset) Len() int { return len(s.indices) }

func (s *subset) Item(i int) (*Batch, error) {
	if i < 0 || i >= len(s.indices) {
		return nil, errors.Errorf("index %d out of range [0, %d)", i, len(s.indices))
	}
	all := s.src.Subjects()
	subj := all[s.indices[i]]
	if len(subj.Images) < 2 {
		return nil, errors.Wrapf(ErrContract, "subject %s has %d images", subj.ID, len(subj.Images))
	}
	c, h, w := s.src.Geometry()

	s.mu.Lock()
	defer s.mu.Unlock()

	first, last := 0, len(subj.Images)-1
	if s.samplePairs {
		first = s.rng.Intn(len(subj.Images) - 1)
		last = first + 1 + s.rng.Intn(len(subj.Images)-1-first)
	}
	images := [2][]float64{subj.Images[first], subj.Images[last]}
	times := [2]float64{subj.Times[first], subj.Times[last]}
	if s.imagesOnly {
		return NewBatch(c, h, w, images, times, nil, nil, nil), nil
	}

	anchor := s.rng.Intn(len(subj.Images))
	pos := [2][]float64{subj.Images[anchor], jitter(subj.Images[anchor], s.rng)}

	other := s.rng.Intn(len(subj.Images) - 1)
	if other >= anchor {
		other++
	}
	neg1 := [2][]float64{subj.Images[anchor], subj.Images[other]}

	stranger := s.rng.Intn(len(all) - 1)
	if stranger >= s.indices[i] {
		stranger++
	}
	strangerImages := all[stranger].Images
	neg2 := [2][]float64{subj.Images[anchor], strangerImages[s.rng.Intn(len(strangerImages))]}

	return NewBatch(c, h, w, images, times, &pos, &neg1, &neg2), nil
}

// jitter returns a copy of img with a small global intensity change, the
// stand-in for a second acquisition at the same visit.
func jitter(img []float64, rng *rand.Rand) []float64 {
	gain := 1 + 0.05*(2*rng.Float64()-1)
	offset := 0.02 * (2*rng.Float64() - 1)
	out := make([]float64, len(img))
	for i, v := range img {
		out[i] = math.Max(-1, math.Min(1, v*gain+offset))
	}
	return out
}

type extended struct {
	Dataset
	n int
}

// Extend cycles ds so that it has at least minLen items.
func Extend(ds Dataset, minLen int) Dataset {
	if ds.Len() >= minLen || ds.Len() == 0 {
		return ds
	}
	return &extended{Dataset: ds, n: minLen}
}

func (e *extended) Len() int { return e.n }

func (e *extended) Item(i int) (*Batch, error) {
	return e.Dataset.Item(i % e.Dataset.Len())
}
