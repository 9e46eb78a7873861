package training

import (
	"math"
)

// LRScheduler is a learning-rate policy. GetLR is a pure function of the
// epoch; step is the iteration within the epoch and unused by epoch-level
// policies.
type LRScheduler interface {
	GetLR(epoch int, step int, baseLR float64) float64
	GetName() string
}

// WarmupCosineScheduler ramps linearly from StartLR to the base rate over
// WarmupEpochs, then follows a cosine down to EtaMin at MaxEpochs.
type WarmupCosineScheduler struct {
	WarmupEpochs int
	MaxEpochs    int
	StartLR      float64
	EtaMin       float64
}

func NewWarmupCosineScheduler(warmupEpochs, maxEpochs int, startLR, etaMin float64) *WarmupCosineScheduler {
	if warmupEpochs < 0 {
		warmupEpochs = 0
	}
	return &WarmupCosineScheduler{
		WarmupEpochs: warmupEpochs,
		MaxEpochs:    maxEpochs,
		StartLR:      startLR,
		EtaMin:       etaMin,
	}
}

func (s *WarmupCosineScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	if epoch < s.WarmupEpochs {
		span := math.Max(1, float64(s.WarmupEpochs-1))
		return s.StartLR + float64(epoch)*(baseLR-s.StartLR)/span
	}
	if s.MaxEpochs <= s.WarmupEpochs {
		return s.EtaMin
	}
	progress := float64(epoch-s.WarmupEpochs) / float64(s.MaxEpochs-s.WarmupEpochs)
	return s.EtaMin + 0.5*(baseLR-s.EtaMin)*(1+math.Cos(math.Pi*progress))
}

func (s *WarmupCosineScheduler) GetName() string {
	return "LinearWarmupCosineAnnealingLR"
}

// NoOpScheduler keeps the base learning rate.
type NoOpScheduler struct{}

func (s *NoOpScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	return baseLR
}

func (s *NoOpScheduler) GetName() string {
	return "ConstantLR"
}

// Schedule drives an optimizer's learning rate from a scheduler. It starts
// at epoch 0 and advances once per Step.
type Schedule struct {
	policy LRScheduler
	opt    *Optimizer
	baseLR float64
	epoch  int
}

// NewSchedule applies the epoch-0 rate to opt immediately.
func NewSchedule(policy LRScheduler, opt *Optimizer, baseLR float64) *Schedule {
	s := &Schedule{policy: policy, opt: opt, baseLR: baseLR}
	opt.SetLearnRate(policy.GetLR(0, 0, baseLR))
	return s
}

// Step advances one epoch.
func (s *Schedule) Step() {
	s.epoch++
	s.opt.SetLearnRate(s.policy.GetLR(s.epoch, 0, s.baseLR))
}

// Epoch is the number of Step calls so far.
func (s *Schedule) Epoch() int { return s.epoch }

func (s *Schedule) Name() string { return s.policy.GetName() }
