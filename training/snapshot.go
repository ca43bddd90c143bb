package training

import (
	"fmt"
	"sync"

	"gonum.org/v1/gonum/mat"
)

// TrainingBudget describes the length of a run.
type TrainingBudget struct {
	Epochs          int
	BatchesPerEpoch int
	NCycles         int
}

// TotalIterations is epochs * batches per epoch.
func (b TrainingBudget) TotalIterations() int {
	return b.Epochs * b.BatchesPerEpoch
}

// IterationsPerCycle is the scheduler period, ceil(total / nCycles).
func (b TrainingBudget) IterationsPerCycle() int {
	return (b.TotalIterations() + b.NCycles - 1) / b.NCycles
}

// IterationsPerEstimator is the snapshot spacing, floor(total / nCycles).
func (b TrainingBudget) IterationsPerEstimator() int {
	return b.TotalIterations() / b.NCycles
}

// AlignedWithEpochs reports whether every snapshot boundary falls on the last
// batch of an epoch. Boundaries that do not are only seen at the next
// epoch-end check, and two of them inside one epoch produce a single snapshot.
func (b TrainingBudget) AlignedWithEpochs() bool {
	return b.IterationsPerEstimator()%b.BatchesPerEpoch == 0
}

// Validate checks that the budget yields exactly NCycles equal cycles.
func (b TrainingBudget) Validate() error {
	switch {
	case b.NCycles <= 0:
		return &ConfigError{Param: "n_estimators", Value: b.NCycles, Reason: "should be strictly positive"}
	case b.Epochs <= 0:
		return &ConfigError{Param: "epochs", Value: b.Epochs, Reason: "should be strictly positive"}
	case b.BatchesPerEpoch <= 0:
		return &ConfigError{Param: "train_loader", Value: b.BatchesPerEpoch, Reason: "should yield at least one batch per epoch"}
	case b.TotalIterations()%b.NCycles != 0:
		return &ConfigError{
			Param:  "epochs",
			Value:  b.Epochs,
			Reason: fmt.Sprintf("epochs * batches per epoch = %d should be a multiple of n_estimators = %d", b.TotalIterations(), b.NCycles),
		}
	}
	return nil
}

// IterationCounter counts completed optimizer steps in a run.
type IterationCounter struct {
	value int
}

// Increment records one completed step.
func (c *IterationCounter) Increment() {
	c.value++
}

// Value returns the number of completed steps.
func (c *IterationCounter) Value() int {
	return c.value
}

// AtBoundary reports whether the count is a positive multiple of perEstimator.
func (c *IterationCounter) AtBoundary(perEstimator int) bool {
	return perEstimator > 0 && c.value > 0 && c.value%perEstimator == 0
}

// Snapshot is a frozen, evaluation-mode copy of the model taken at a cycle
// boundary. It is never trained again.
type Snapshot struct {
	Index     int
	Epoch     int
	Iteration int

	model Module
}

// Forward runs the snapshot on x.
func (s *Snapshot) Forward(x *mat.Dense) (*mat.Dense, error) {
	return s.model.Forward(x)
}

// Model returns the frozen module. Callers must treat it as read-only.
func (s *Snapshot) Model() Module {
	return s.model
}

// NewSnapshot wraps an already-trained module, e.g. one restored from a
// checkpoint. The module is switched to evaluation mode.
func NewSnapshot(index, epoch, iteration int, model Module) *Snapshot {
	model.Eval()
	return &Snapshot{Index: index, Epoch: epoch, Iteration: iteration, model: model}
}

// SnapshotCollector accumulates snapshots in collection order.
type SnapshotCollector struct {
	mu        sync.Mutex
	snapshots []*Snapshot
}

// NewSnapshotCollector creates an empty collector
func NewSnapshotCollector() *SnapshotCollector {
	return &SnapshotCollector{}
}

// Collect deep-copies live, freezes the copy and appends it.
func (c *SnapshotCollector) Collect(live Module, epoch, iteration int) *Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := NewSnapshot(len(c.snapshots), epoch, iteration, live.Clone())
	c.snapshots = append(c.snapshots, snap)
	return snap
}

// Len returns the number of collected snapshots
func (c *SnapshotCollector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.snapshots)
}

// Snapshots returns the collected snapshots in order
func (c *SnapshotCollector) Snapshots() []*Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Snapshot, len(c.snapshots))
	copy(out, c.snapshots)
	return out
}

// Reset discards all snapshots
func (c *SnapshotCollector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshots = nil
}
