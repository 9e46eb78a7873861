package training

import (
	"fmt"

	"github.com/pkg/errors"
)

// Stage is the curriculum phase of an epoch.
type Stage int

const (
	// Stage1 supervises prediction with pixel MSE and trains the aux net.
	Stage1 Stage = iota + 1
	// Stage2 supervises prediction through the frozen aux net.
	Stage2
)

func (s Stage) String() string { return fmt.Sprintf("Stage %d", int(s)) }

// StageAt is the stage of epoch (0-based). It has no memory.
func StageAt(epoch, epochsStage1 int) Stage {
	if epoch < epochsStage1 {
		return Stage1
	}
	return Stage2
}

// Lifecycle is an optimizer with the learning-rate schedule driving it.
type Lifecycle struct {
	Name      string
	Optimizer *Optimizer
	Schedule  *Schedule
}

// EpochPlan is what one epoch trains with.
type EpochPlan struct {
	Epoch int
	Stage Stage

	Main *Lifecycle
	Aux  *Lifecycle

	// AuxUpdates is false once Stage 2 has begun; the aux lifecycle is still
	// returned so its schedule keeps stepping.
	AuxUpdates bool

	// Transition is set on the single epoch where Stage 2 begins and Main
	// was replaced.
	Transition bool
}

// LifecycleFactory builds a fresh lifecycle with base learning rate lr.
type LifecycleFactory func(lr float64) *Lifecycle

// Curriculum is the two-state machine over epochs. Enter must be called once
// per epoch, in order.
type Curriculum struct {
	epochsStage1 int
	lr           float64
	lrFinetune   float64
	lrAux        float64
	newMain      LifecycleFactory
	newAux       LifecycleFactory

	next int
	main *Lifecycle
	aux  *Lifecycle
}

// NewCurriculum configures the machine; no lifecycle exists until epoch 0 is
// entered.
func NewCurriculum(epochsStage1 int, lr, lrFinetune, lrAux float64, newMain, newAux LifecycleFactory) *Curriculum {
	return &Curriculum{
		epochsStage1: epochsStage1,
		lr:           lr,
		lrFinetune:   lrFinetune,
		lrAux:        lrAux,
		newMain:      newMain,
		newAux:       newAux,
	}
}

// Enter advances to epoch and returns its plan. Epoch 0 creates both
// lifecycles; epoch epochsStage1 (when positive) replaces the main one with
// a fresh lifecycle at the finetune learning rate. The aux lifecycle is never
// replaced.
func (c *Curriculum) Enter(epoch int) (*EpochPlan, error) {
	if epoch != c.next {
		return nil, errors.Errorf("curriculum: entered epoch %d, expected %d", epoch, c.next)
	}
	c.next++

	plan := &EpochPlan{Epoch: epoch, Stage: StageAt(epoch, c.epochsStage1)}
	switch {
	case epoch == 0:
		c.main = c.newMain(c.lr)
		c.aux = c.newAux(c.lrAux)
	case epoch == c.epochsStage1:
		c.main = c.newMain(c.lrFinetune)
		plan.Transition = true
	}
	plan.Main = c.main
	plan.Aux = c.aux
	plan.AuxUpdates = plan.Stage == Stage1
	return plan, nil
}
