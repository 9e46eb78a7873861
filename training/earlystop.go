package training

import (
	"math"

	"github.com/pkg/errors"
)

// EarlyStopping watches a validation scalar and signals when it has not
// improved for Patience consecutive steps.
type EarlyStopping struct {
	Mode       string // "min" or "max"
	MinDelta   float64
	Patience   int
	Percentage bool // MinDelta is a percentage of the best value

	best    float64
	bad     int
	started bool
}

func NewEarlyStopping(mode string, minDelta float64, patience int, percentage bool) (*EarlyStopping, error) {
	if mode != "min" && mode != "max" {
		return nil, errors.Errorf("early stopping mode %q unknown", mode)
	}
	return &EarlyStopping{Mode: mode, MinDelta: minDelta, Patience: patience, Percentage: percentage}, nil
}

func (e *EarlyStopping) improves(v float64) bool {
	delta := e.MinDelta
	if e.Percentage {
		delta = math.Abs(e.best) * e.MinDelta / 100
	}
	if e.Mode == "min" {
		return v < e.best-delta
	}
	return v > e.best+delta
}

// Step records value and reports whether training should stop. A NaN stops
// immediately; Patience 0 never stops.
func (e *EarlyStopping) Step(value float64) bool {
	if !e.started {
		e.started = true
		if e.Mode == "min" {
			e.best = math.Inf(1)
		} else {
			e.best = math.Inf(-1)
		}
	}
	if e.Patience == 0 {
		return false
	}
	if math.IsNaN(value) {
		return true
	}
	if math.IsInf(e.best, 0) || e.improves(value) {
		e.best = value
		e.bad = 0
	} else {
		e.bad++
	}
	return e.bad >= e.Patience
}

// Best is the best value seen, ±Inf before any step.
func (e *EarlyStopping) Best() float64 {
	if !e.started {
		if e.Mode == "max" {
			return math.Inf(-1)
		}
		return math.Inf(1)
	}
	return e.best
}

// BadEpochs is the current run of non-improving steps.
func (e *EarlyStopping) BadEpochs() int { return e.bad }
