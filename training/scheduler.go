package training

import (
	"math"

	"github.com/pkg/errors"
	"github.com/tsawler/go-snapshot/optimizer"
)

// LRScheduler defines the interface for learning rate scheduling strategies
type LRScheduler interface {
	// GetLR returns the learning rate for the current epoch/step
	// This is a pure function - no state modifications
	GetLR(epoch int, step int, baseLR float64) float64

	// GetName returns the scheduler name for logging
	GetName() string
}

// SnapshotMultiplier returns 0.5 * (cos(pi * (iteration mod T) / T) + 1).
// It is 1 at the start of every cycle and approaches 0 at the end.
func SnapshotMultiplier(iteration, cycleLength int) float64 {
	t := iteration % cycleLength
	return 0.5 * (math.Cos(math.Pi*float64(t)/float64(cycleLength)) + 1)
}

// CyclicScheduler applies the snapshot schedule to an optimizer once per
// iteration: lr = initialLR * SnapshotMultiplier(iteration, T) with
// T = ceil(totalIterations / nCycles).
type CyclicScheduler struct {
	opt           optimizer.Optimizer
	cycleLength   int
	lastIteration int
	baseLRs       []float64
}

// NewCyclicScheduler binds the schedule to opt and sets the learning rate for
// iteration 0, which equals each group's initial rate.
func NewCyclicScheduler(opt optimizer.Optimizer, totalIterations, nCycles int) (*CyclicScheduler, error) {
	if opt == nil {
		return nil, errors.New("optimizer is required")
	}
	if totalIterations <= 0 {
		return nil, errors.Errorf("total iterations must be positive, got %d", totalIterations)
	}
	if nCycles <= 0 {
		return nil, errors.Errorf("number of cycles must be positive, got %d", nCycles)
	}

	groups := opt.ParamGroups()
	s := &CyclicScheduler{
		opt:         opt,
		cycleLength: (totalIterations + nCycles - 1) / nCycles,
		baseLRs:     make([]float64, len(groups)),
	}
	for i, group := range groups {
		if group.InitialLR == 0 {
			group.InitialLR = group.LR
		}
		s.baseLRs[i] = group.InitialLR
	}
	s.apply()
	return s, nil
}

// Step advances the schedule by one iteration and rewrites the learning rates.
func (s *CyclicScheduler) Step() {
	s.lastIteration++
	s.apply()
}

func (s *CyclicScheduler) apply() {
	multiplier := SnapshotMultiplier(s.lastIteration, s.cycleLength)
	for i, group := range s.opt.ParamGroups() {
		group.LR = s.baseLRs[i] * multiplier
	}
}

// LastIteration returns the iteration whose learning rate is currently set.
func (s *CyclicScheduler) LastIteration() int {
	return s.lastIteration
}

// CycleLength returns T.
func (s *CyclicScheduler) CycleLength() int {
	return s.cycleLength
}

// GetLR evaluates the schedule at the global iteration step.
func (s *CyclicScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	return baseLR * SnapshotMultiplier(step, s.cycleLength)
}

func (s *CyclicScheduler) GetName() string {
	return "SnapshotCosineLR"
}

var _ LRScheduler = (*CyclicScheduler)(nil)
