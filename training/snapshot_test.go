package training

import (
	"testing"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

func TestTrainingBudget(t *testing.T) {
	tests := []struct {
		budget       TrainingBudget
		total        int
		perCycle     int
		perEstimator int
		aligned      bool
	}{
		{TrainingBudget{Epochs: 6, BatchesPerEpoch: 10, NCycles: 3}, 60, 20, 20, true},
		{TrainingBudget{Epochs: 10, BatchesPerEpoch: 1, NCycles: 3}, 10, 4, 3, true},
		{TrainingBudget{Epochs: 4, BatchesPerEpoch: 3, NCycles: 3}, 12, 4, 4, false},
		{TrainingBudget{Epochs: 1, BatchesPerEpoch: 5, NCycles: 5}, 5, 1, 1, false},
	}

	for _, tt := range tests {
		b := tt.budget
		if b.TotalIterations() != tt.total {
			t.Errorf("%+v: expected total %d, got %d", b, tt.total, b.TotalIterations())
		}
		if b.IterationsPerCycle() != tt.perCycle {
			t.Errorf("%+v: expected per cycle %d, got %d", b, tt.perCycle, b.IterationsPerCycle())
		}
		if b.IterationsPerEstimator() != tt.perEstimator {
			t.Errorf("%+v: expected per estimator %d, got %d", b, tt.perEstimator, b.IterationsPerEstimator())
		}
		if b.AlignedWithEpochs() != tt.aligned {
			t.Errorf("%+v: expected aligned %v", b, tt.aligned)
		}
	}
}

func TestTrainingBudgetValidate(t *testing.T) {
	tests := []struct {
		budget TrainingBudget
		param  string
	}{
		{TrainingBudget{Epochs: 6, BatchesPerEpoch: 10, NCycles: 3}, ""},
		{TrainingBudget{Epochs: 6, BatchesPerEpoch: 10, NCycles: 0}, "n_estimators"},
		{TrainingBudget{Epochs: 0, BatchesPerEpoch: 10, NCycles: 3}, "epochs"},
		{TrainingBudget{Epochs: 6, BatchesPerEpoch: 0, NCycles: 3}, "train_loader"},
		{TrainingBudget{Epochs: 10, BatchesPerEpoch: 10, NCycles: 3}, "epochs"},
	}

	for _, tt := range tests {
		err := tt.budget.Validate()
		if tt.param == "" {
			if err != nil {
				t.Errorf("%+v: unexpected error %v", tt.budget, err)
			}
			continue
		}
		var cfgErr *ConfigError
		if !errors.As(err, &cfgErr) {
			t.Errorf("%+v: expected *ConfigError, got %v", tt.budget, err)
			continue
		}
		if cfgErr.Param != tt.param {
			t.Errorf("%+v: expected param %s, got %s", tt.budget, tt.param, cfgErr.Param)
		}
	}
}

func TestIterationCounter(t *testing.T) {
	var c IterationCounter
	if c.AtBoundary(3) {
		t.Error("Expected no boundary at zero")
	}

	var boundaries []int
	for i := 0; i < 10; i++ {
		c.Increment()
		if c.AtBoundary(3) {
			boundaries = append(boundaries, c.Value())
		}
	}
	expected := []int{3, 6, 9}
	if len(boundaries) != len(expected) {
		t.Fatalf("Expected boundaries %v, got %v", expected, boundaries)
	}
	for i := range expected {
		if boundaries[i] != expected[i] {
			t.Errorf("Expected boundaries %v, got %v", expected, boundaries)
		}
	}
	if c.AtBoundary(0) {
		t.Error("Expected no boundary for zero spacing")
	}
}

func TestSnapshotCollectorIndependence(t *testing.T) {
	SetRandomSeed(7)
	live, err := linearFactory(2, 1)()
	if err != nil {
		t.Fatalf("Failed to create model: %v", err)
	}

	x := mat.NewDense(2, 2, []float64{1, 2, -1, 0.5})
	before, _ := live.Forward(x)
	before = mat.DenseCopyOf(before)

	collector := NewSnapshotCollector()
	snap := collector.Collect(live, 3, 42)

	if snap.Index != 0 || snap.Epoch != 3 || snap.Iteration != 42 {
		t.Errorf("Unexpected snapshot metadata %+v", snap)
	}
	if snap.Model().IsTraining() {
		t.Error("Expected snapshot in evaluation mode")
	}
	if !live.IsTraining() {
		t.Error("Expected live model to stay in training mode")
	}

	// Mutate the live model; the snapshot must not change
	for _, p := range live.Parameters() {
		p.Value.Scale(10, p.Value)
	}

	after, err := snap.Forward(x)
	if err != nil {
		t.Fatalf("Snapshot forward failed: %v", err)
	}
	if !mat.Equal(before, after) {
		t.Errorf("Snapshot changed with live model:\nbefore %v\nafter  %v", mat.Formatted(before), mat.Formatted(after))
	}
}

func TestSnapshotCollectorOrdering(t *testing.T) {
	collector := NewSnapshotCollector()
	live := &constModule{out: mat.NewDense(1, 1, []float64{1})}

	for i := 0; i < 3; i++ {
		collector.Collect(live, i, i*10)
	}
	if collector.Len() != 3 {
		t.Fatalf("Expected 3 snapshots, got %d", collector.Len())
	}

	snaps := collector.Snapshots()
	for i, s := range snaps {
		if s.Index != i {
			t.Errorf("Expected index %d, got %d", i, s.Index)
		}
	}

	// The returned slice is a copy
	snaps[0] = nil
	if collector.Snapshots()[0] == nil {
		t.Error("Snapshots exposed internal slice")
	}

	collector.Reset()
	if collector.Len() != 0 {
		t.Errorf("Expected empty collector after Reset, got %d", collector.Len())
	}
}
