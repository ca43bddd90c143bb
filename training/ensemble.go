package training

import (
	"github.com/pkg/errors"
	"github.com/sourcegraph/conc/pool"
	"gonum.org/v1/gonum/mat"
)

// ErrEmptyEnsemble is returned when predicting with no snapshots.
var ErrEmptyEnsemble = errors.New("ensemble has no snapshots")

// Ensemble averages the outputs of a fixed set of snapshots.
type Ensemble struct {
	Task Task

	// Workers bounds how many snapshot forwards run at once. Values <= 1 run
	// sequentially. The result does not depend on Workers.
	Workers int

	snapshots []*Snapshot
}

// NewEnsemble creates a predictor over snapshots
func NewEnsemble(task Task, snapshots []*Snapshot, workers int) *Ensemble {
	s := make([]*Snapshot, len(snapshots))
	copy(s, snapshots)
	return &Ensemble{Task: task, Workers: workers, snapshots: s}
}

// Len returns the number of snapshots
func (e *Ensemble) Len() int {
	return len(e.snapshots)
}

// Snapshots returns the snapshots in collection order
func (e *Ensemble) Snapshots() []*Snapshot {
	out := make([]*Snapshot, len(e.snapshots))
	copy(out, e.snapshots)
	return out
}

// Outputs returns the raw output of every snapshot, indexed like Snapshots.
func (e *Ensemble) Outputs(x *mat.Dense) ([]*mat.Dense, error) {
	if len(e.snapshots) == 0 {
		return nil, ErrEmptyEnsemble
	}

	outputs := make([]*mat.Dense, len(e.snapshots))
	if e.Workers <= 1 {
		for i, s := range e.snapshots {
			out, err := s.Forward(x)
			if err != nil {
				return nil, errors.Wrapf(err, "snapshot %d", s.Index)
			}
			outputs[i] = out
		}
		return outputs, nil
	}

	p := pool.New().WithErrors().WithMaxGoroutines(e.Workers)
	for i, s := range e.snapshots {
		i, s := i, s
		p.Go(func() error {
			out, err := s.Forward(x)
			if err != nil {
				return errors.Wrapf(err, "snapshot %d", s.Index)
			}
			outputs[i] = out
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return nil, err
	}
	return outputs, nil
}

// Predict returns the mean snapshot output. For classification the mean
// logits are turned into class probabilities with a row-wise softmax.
func (e *Ensemble) Predict(x *mat.Dense) (*mat.Dense, error) {
	outputs, err := e.Outputs(x)
	if err != nil {
		return nil, err
	}

	r, c := outputs[0].Dims()
	mean := mat.NewDense(r, c, nil)
	for i, out := range outputs {
		or, oc := out.Dims()
		if or != r || oc != c {
			return nil, errors.Errorf("snapshot %d output is %dx%d, expected %dx%d", i, or, oc, r, c)
		}
		mean.Add(mean, out)
	}
	mean.Scale(1/float64(len(outputs)), mean)

	return e.Task.transform(mean), nil
}
