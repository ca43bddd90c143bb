package training

import (
	"bytes"
	"math"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/tsawler/go-snapshot/optimizer"
	"gonum.org/v1/gonum/mat"
)

func newTestEnsemble(t *testing.T, task Task, factory ModelFactory, n int) (*SnapshotEnsemble, *bytes.Buffer, *recordingPersister) {
	t.Helper()
	e, err := NewSnapshotEnsemble(task, factory, n)
	if err != nil {
		t.Fatalf("Failed to create ensemble: %v", err)
	}
	var out bytes.Buffer
	persister := &recordingPersister{}
	e.Output = &out
	e.Persister = persister
	return e, &out, persister
}

func testFitConfig(epochs int) FitConfig {
	cfg := DefaultFitConfig()
	cfg.Epochs = epochs
	cfg.LogInterval = 5
	return cfg
}

func TestFitRegressionSnapshotsAtCycleEnds(t *testing.T) {
	SetRandomSeed(1)
	e, out, persister := newTestEnsemble(t, Regression, linearFactory(1, 1), 3)

	result, err := e.Fit(regressionSource(10, 8, 1), testFitConfig(6))
	if err != nil {
		t.Fatalf("Fit failed: %v", err)
	}

	if e.State() != Finished {
		t.Errorf("Expected state Finished, got %s", e.State())
	}
	if result.Iterations != 60 {
		t.Errorf("Expected 60 iterations, got %d", result.Iterations)
	}
	if result.RunID == "" {
		t.Error("Expected a run ID")
	}

	expectedEpochs := []int{1, 3, 5}
	expectedIterations := []int{20, 40, 60}
	if len(result.Snapshots) != 3 {
		t.Fatalf("Expected 3 snapshots, got %d", len(result.Snapshots))
	}
	for i, snap := range result.Snapshots {
		if snap.Index != i || snap.Epoch != expectedEpochs[i] || snap.Iteration != expectedIterations[i] {
			t.Errorf("Snapshot %d: expected epoch %d iteration %d, got %+v",
				i, expectedEpochs[i], expectedIterations[i], snap)
		}
	}

	// Without validation the ensemble is saved once, after training
	if len(persister.states) != 1 {
		t.Fatalf("Expected 1 save, got %d", len(persister.states))
	}
	if len(persister.states[0].Snapshots) != 3 || persister.states[0].NEstimators != 3 {
		t.Errorf("Expected the full ensemble to be saved, got %+v", persister.states[0])
	}
	if len(result.Persisted) != 1 || result.Persisted[0] != 3 {
		t.Errorf("Expected Persisted [3], got %v", result.Persisted)
	}
	if len(result.ScoreHistory) != 0 {
		t.Errorf("Expected no validation history, got %v", result.ScoreHistory)
	}

	log := out.String()
	for _, want := range []string{
		"lr: 0.10000 | Epoch: 000 | Batch: 000 | Loss:",
		"Generate the snapshot with index: 0",
		"Generate the snapshot with index: 2",
		"Saving the model to `memory`",
	} {
		if !strings.Contains(log, want) {
			t.Errorf("Log missing %q", want)
		}
	}
	if strings.Contains(log, "Correct:") {
		t.Error("Regression status lines should not report correct counts")
	}
	if strings.Contains(log, "Warning") {
		t.Error("Unexpected warning for an aligned budget")
	}
}

func TestFitClassificationValidationGate(t *testing.T) {
	SetRandomSeed(2)
	e, out, persister := newTestEnsemble(t, Classification, linearFactory(2, 3), 3)
	e.Scorer = &fixedScorer{scores: []float64{70, 65, 80}}

	cfg := testFitConfig(6)
	cfg.Validation = classificationSource(2, 8, 3)

	result, err := e.Fit(classificationSource(10, 8, 2), cfg)
	if err != nil {
		t.Fatalf("Fit failed: %v", err)
	}

	expectedBest := []float64{70, 70, 80}
	for i := range expectedBest {
		if result.BestHistory[i] != expectedBest[i] {
			t.Errorf("Expected best history %v, got %v", expectedBest, result.BestHistory)
			break
		}
	}
	if result.BestScore != 80 {
		t.Errorf("Expected best score 80, got %f", result.BestScore)
	}

	// Saved after snapshots 1 and 3 only, and never at the end
	if len(result.Persisted) != 2 || result.Persisted[0] != 1 || result.Persisted[1] != 3 {
		t.Errorf("Expected Persisted [1 3], got %v", result.Persisted)
	}
	if len(persister.states) != 2 || persister.states[1].BestScore != 80 {
		t.Errorf("Unexpected persisted states %+v", persister.states)
	}

	log := out.String()
	for _, want := range []string{
		"| Correct: ",
		"n_estimators: 1 | Validation Acc: 70.000 % | Historical Best: 70.000 %",
		"n_estimators: 2 | Validation Acc: 65.000 % | Historical Best: 70.000 %",
		"n_estimators: 3 | Validation Acc: 80.000 % | Historical Best: 80.000 %",
	} {
		if !strings.Contains(log, want) {
			t.Errorf("Log missing %q", want)
		}
	}

	probs, err := e.Predict(mat.NewDense(2, 2, []float64{-2, 0, 2, 0}))
	if err != nil {
		t.Fatalf("Predict failed: %v", err)
	}
	for i := 0; i < 2; i++ {
		if sum := mat.Sum(probs.RowView(i)); math.Abs(sum-1) > 1e-9 {
			t.Errorf("Row %d: expected probabilities summing to 1, got %f", i, sum)
		}
	}
}

func TestFitSaveModelDisabled(t *testing.T) {
	SetRandomSeed(3)
	e, _, persister := newTestEnsemble(t, Classification, linearFactory(2, 3), 2)
	e.Scorer = &fixedScorer{scores: []float64{50, 60}}

	cfg := testFitConfig(4)
	cfg.SaveModel = false
	cfg.Validation = classificationSource(1, 4, 5)

	result, err := e.Fit(classificationSource(5, 4, 4), cfg)
	if err != nil {
		t.Fatalf("Fit failed: %v", err)
	}
	if len(persister.states) != 0 || len(result.Persisted) != 0 {
		t.Errorf("Expected no saves, got %d", len(persister.states))
	}
	if result.BestScore != 60 {
		t.Errorf("Expected best score 60, got %f", result.BestScore)
	}
}

func TestFitMisalignedBudgetCollapsesSnapshots(t *testing.T) {
	SetRandomSeed(4)
	e, out, _ := newTestEnsemble(t, Regression, linearFactory(1, 1), 3)
	e.Verbose = 0

	// 4 epochs * 3 batches: boundaries at 4, 8 and 12 but only 12 is an epoch end
	result, err := e.Fit(regressionSource(3, 4, 4), testFitConfig(4))
	if err != nil {
		t.Fatalf("Fit failed: %v", err)
	}
	if len(result.Snapshots) != 1 {
		t.Errorf("Expected 1 snapshot, got %d", len(result.Snapshots))
	}
	if result.Snapshots[0].Iteration != 12 {
		t.Errorf("Expected snapshot at iteration 12, got %d", result.Snapshots[0].Iteration)
	}

	log := out.String()
	if !strings.Contains(log, "Warning:") {
		t.Error("Expected a misalignment warning even when silent")
	}
	if strings.Contains(log, "lr:") {
		t.Error("Expected status lines to be silenced")
	}
}

func TestFitPropagatesModelErrors(t *testing.T) {
	boom := errors.New("forward exploded")
	factory := func() (Module, error) {
		m, err := linearFactory(1, 1)()
		if err != nil {
			return nil, err
		}
		return &failingModule{Sequential: m.(*Sequential), err: boom}, nil
	}

	e, _, persister := newTestEnsemble(t, Regression, factory, 2)
	_, err := e.Fit(regressionSource(2, 4, 5), testFitConfig(2))
	if err != boom {
		t.Errorf("Expected the model error unchanged, got %v", err)
	}
	if e.State() != Idle {
		t.Errorf("Expected Idle after a failed run, got %s", e.State())
	}
	if e.Ensemble() != nil || len(persister.states) != 0 {
		t.Error("Expected no ensemble and no saves after a failed run")
	}
}

func TestFitPersistError(t *testing.T) {
	SetRandomSeed(5)
	e, _, persister := newTestEnsemble(t, Regression, linearFactory(1, 1), 1)
	persister.err = errors.New("read-only file system")

	_, err := e.Fit(regressionSource(2, 4, 6), testFitConfig(2))
	if !errors.Is(err, persister.err) {
		t.Errorf("Expected persist error, got %v", err)
	}
}

func TestFitFactoryError(t *testing.T) {
	boom := errors.New("no weights")
	e, _, _ := newTestEnsemble(t, Regression, func() (Module, error) { return nil, boom }, 1)
	if _, err := e.Fit(regressionSource(1, 2, 1), testFitConfig(1)); !errors.Is(err, boom) {
		t.Errorf("Expected factory error, got %v", err)
	}
}

func TestRefitStartsFresh(t *testing.T) {
	SetRandomSeed(6)
	e, _, _ := newTestEnsemble(t, Regression, linearFactory(1, 1), 2)
	e.Verbose = 0
	src := regressionSource(4, 4, 7)

	first, err := e.Fit(src, testFitConfig(2))
	if err != nil {
		t.Fatalf("First fit failed: %v", err)
	}
	second, err := e.Fit(src, testFitConfig(4))
	if err != nil {
		t.Fatalf("Second fit failed: %v", err)
	}

	if len(second.Snapshots) != 2 || e.Ensemble().Len() != 2 {
		t.Errorf("Expected 2 snapshots after refit, got %d", e.Ensemble().Len())
	}
	if first.RunID == second.RunID {
		t.Error("Expected a new run ID per fit")
	}
	if second.Snapshots[1].Iteration != 16 {
		t.Errorf("Expected last snapshot at iteration 16, got %d", second.Snapshots[1].Iteration)
	}
}

func TestFitRegressionQuality(t *testing.T) {
	optimizers := []optimizer.Kind{optimizer.Adam, optimizer.SGD, optimizer.RMSProp}
	for _, kind := range optimizers {
		t.Run(kind.String(), func(t *testing.T) {
			SetRandomSeed(7)
			e, _, _ := newTestEnsemble(t, Regression, linearFactory(1, 1), 2)
			e.Verbose = 0
			e.Workers = 2

			cfg := testFitConfig(20)
			cfg.WeightDecay = 0
			cfg.Optimizer = kind
			if kind == optimizer.RMSProp {
				cfg.InitLR = 0.05
			}

			if _, err := e.Fit(regressionSource(10, 16, 8), cfg); err != nil {
				t.Fatalf("Fit failed: %v", err)
			}
			mse, err := e.Evaluate(regressionSource(5, 16, 99))
			if err != nil {
				t.Fatalf("Evaluate failed: %v", err)
			}
			if mse > 0.05 {
				t.Errorf("Expected ensemble MSE below 0.05, got %f", mse)
			}
		})
	}
}

func TestPredictBeforeFit(t *testing.T) {
	e, _, _ := newTestEnsemble(t, Regression, linearFactory(1, 1), 2)
	if _, err := e.Predict(mat.NewDense(1, 1, nil)); !errors.Is(err, ErrEmptyEnsemble) {
		t.Errorf("Expected ErrEmptyEnsemble, got %v", err)
	}
	if _, err := e.Evaluate(regressionSource(1, 1, 1)); !errors.Is(err, ErrEmptyEnsemble) {
		t.Errorf("Expected ErrEmptyEnsemble, got %v", err)
	}
}

func TestFitTelemetryAndTrace(t *testing.T) {
	SetRandomSeed(8)
	telemetry, err := NewTelemetry(prometheus.NewRegistry(), "snapshot_test")
	if err != nil {
		t.Fatalf("Failed to create telemetry: %v", err)
	}

	e, _, _ := newTestEnsemble(t, Regression, linearFactory(1, 1), 3)
	e.Verbose = 0
	e.Telemetry = telemetry
	e.Trace = NewTrainingTrace("linear")

	if _, err := e.Fit(regressionSource(10, 4, 9), testFitConfig(6)); err != nil {
		t.Fatalf("Fit failed: %v", err)
	}

	if got := testutil.ToFloat64(telemetry.Iterations); got != 60 {
		t.Errorf("Expected 60 iterations, got %f", got)
	}
	if got := testutil.ToFloat64(telemetry.Snapshots); got != 3 {
		t.Errorf("Expected 3 snapshots, got %f", got)
	}
	if got := testutil.ToFloat64(telemetry.Saves); got != 1 {
		t.Errorf("Expected 1 save, got %f", got)
	}

	lrs := e.Trace.LearningRates()
	if len(lrs) != 60 {
		t.Fatalf("Expected 60 recorded rates, got %d", len(lrs))
	}
	for _, it := range []int{0, 20, 40} {
		if lrs[it] != 0.1 {
			t.Errorf("Expected restart to 0.1 at iteration %d, got %f", it, lrs[it])
		}
	}
	if math.Abs(lrs[10]-0.05) > 1e-12 {
		t.Errorf("Expected 0.05 mid-cycle, got %f", lrs[10])
	}
	if lrs[19] >= lrs[18] {
		t.Errorf("Expected rate to keep falling to the end of a cycle, got %f then %f", lrs[18], lrs[19])
	}
}

func TestFitLRClip(t *testing.T) {
	SetRandomSeed(9)
	e, _, _ := newTestEnsemble(t, Regression, linearFactory(1, 1), 2)
	e.Verbose = 0
	e.Trace = NewTrainingTrace("linear")

	cfg := testFitConfig(2)
	cfg.LRClip = []float64{0.02, 0.08}
	if _, err := e.Fit(regressionSource(5, 4, 10), cfg); err != nil {
		t.Fatalf("Fit failed: %v", err)
	}

	// The clip acts on the rate set by the previous scheduler step
	for i, lr := range e.Trace.LearningRates() {
		if lr < 0.02 || lr > 0.08 {
			t.Errorf("Iteration %d: rate %f outside the clip bounds", i, lr)
		}
	}
}

// failingModule trains like a Sequential but cannot run a forward pass
type failingModule struct {
	*Sequential
	err error
}

func (m *failingModule) Forward(*mat.Dense) (*mat.Dense, error) {
	return nil, m.err
}
