package training

import (
	"testing"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

func TestEnsemblePredictRegressionMean(t *testing.T) {
	snaps := constSnapshots(
		mat.NewDense(2, 1, []float64{1, 4}),
		mat.NewDense(2, 1, []float64{3, 0}),
		mat.NewDense(2, 1, []float64{2, 2}),
	)
	ensemble := NewEnsemble(Regression, snaps, 0)

	got, err := ensemble.Predict(mat.NewDense(2, 1, nil))
	if err != nil {
		t.Fatalf("Predict failed: %v", err)
	}
	expected := mat.NewDense(2, 1, []float64{2, 2})
	if !matricesClose(got, expected, 1e-12) {
		t.Errorf("Expected %v, got %v", mat.Formatted(expected), mat.Formatted(got))
	}
}

func TestEnsemblePredictClassificationSoftmaxOfMean(t *testing.T) {
	a := mat.NewDense(1, 3, []float64{4, 0, 0})
	b := mat.NewDense(1, 3, []float64{0, 2, 0})
	ensemble := NewEnsemble(Classification, constSnapshots(a, b), 0)

	got, err := ensemble.Predict(mat.NewDense(1, 2, nil))
	if err != nil {
		t.Fatalf("Predict failed: %v", err)
	}

	// softmax of the mean logits {2, 1, 0}, not the mean of the softmaxes
	expected := Softmax(mat.NewDense(1, 3, []float64{2, 1, 0}))
	if !matricesClose(got, expected, 1e-12) {
		t.Errorf("Expected %v, got %v", mat.Formatted(expected), mat.Formatted(got))
	}

	sum := mat.Sum(got)
	if sum < 1-1e-12 || sum > 1+1e-12 {
		t.Errorf("Expected probabilities to sum to 1, got %f", sum)
	}
}

func TestEnsemblePermutationInvariance(t *testing.T) {
	outs := []*mat.Dense{
		mat.NewDense(1, 2, []float64{0.1, 0.7}),
		mat.NewDense(1, 2, []float64{1.3, -0.2}),
		mat.NewDense(1, 2, []float64{-0.5, 0.9}),
	}
	forward := NewEnsemble(Classification, constSnapshots(outs[0], outs[1], outs[2]), 0)
	reversed := NewEnsemble(Classification, constSnapshots(outs[2], outs[1], outs[0]), 0)

	x := mat.NewDense(1, 1, nil)
	p1, err := forward.Predict(x)
	if err != nil {
		t.Fatalf("Predict failed: %v", err)
	}
	p2, err := reversed.Predict(x)
	if err != nil {
		t.Fatalf("Predict failed: %v", err)
	}
	if !matricesClose(p1, p2, 1e-12) {
		t.Errorf("Expected order-independent predictions, got %v and %v", mat.Formatted(p1), mat.Formatted(p2))
	}
}

func TestEnsembleWorkersMatchSequential(t *testing.T) {
	outs := make([]*mat.Dense, 8)
	for i := range outs {
		outs[i] = mat.NewDense(2, 2, []float64{float64(i), 1, -float64(i), 0.5})
	}
	x := mat.NewDense(2, 1, nil)

	sequential, err := NewEnsemble(Regression, constSnapshots(outs...), 1).Predict(x)
	if err != nil {
		t.Fatalf("Sequential predict failed: %v", err)
	}
	parallel, err := NewEnsemble(Regression, constSnapshots(outs...), 4).Predict(x)
	if err != nil {
		t.Fatalf("Parallel predict failed: %v", err)
	}
	if !matricesClose(sequential, parallel, 1e-12) {
		t.Errorf("Expected %v, got %v", mat.Formatted(sequential), mat.Formatted(parallel))
	}
}

func TestEnsembleEmpty(t *testing.T) {
	ensemble := NewEnsemble(Regression, nil, 0)
	if _, err := ensemble.Predict(mat.NewDense(1, 1, nil)); !errors.Is(err, ErrEmptyEnsemble) {
		t.Errorf("Expected ErrEmptyEnsemble, got %v", err)
	}
}

func TestEnsembleErrors(t *testing.T) {
	boom := errors.New("boom")
	failing := []*Snapshot{
		NewSnapshot(0, 0, 0, &constModule{out: mat.NewDense(1, 1, []float64{1})}),
		NewSnapshot(1, 1, 1, &constModule{err: boom}),
	}

	for _, workers := range []int{0, 3} {
		_, err := NewEnsemble(Regression, failing, workers).Predict(mat.NewDense(1, 1, nil))
		if !errors.Is(err, boom) {
			t.Errorf("workers=%d: expected wrapped snapshot error, got %v", workers, err)
		}
	}

	mismatched := constSnapshots(mat.NewDense(1, 1, []float64{1}), mat.NewDense(1, 2, []float64{1, 2}))
	if _, err := NewEnsemble(Regression, mismatched, 0).Predict(mat.NewDense(1, 1, nil)); err == nil {
		t.Error("Expected error for mismatched snapshot outputs")
	}
}

func TestEnsembleSnapshotsCopy(t *testing.T) {
	snaps := constSnapshots(mat.NewDense(1, 1, []float64{1}))
	ensemble := NewEnsemble(Regression, snaps, 0)
	snaps[0] = nil

	if ensemble.Len() != 1 || ensemble.Snapshots()[0] == nil {
		t.Error("Ensemble shares its snapshot slice with the caller")
	}
}
