package training

import (
	"strings"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Task selects the classifier or regressor flavour of the ensemble.
type Task int

const (
	Classification Task = iota
	Regression
)

type taskStrategy struct {
	name      string
	ensemble  string
	newLoss   func() Loss
	transform func(mean *mat.Dense) *mat.Dense
	scorer    Scorer
	metric    Metric
}

var taskStrategies = map[Task]taskStrategy{
	Classification: {
		name:      "classification",
		ensemble:  "SnapshotEnsembleClassifier",
		newLoss:   func() Loss { return NewCrossEntropyLoss() },
		transform: func(mean *mat.Dense) *mat.Dense { return Softmax(mean) },
		scorer:    AccuracyScorer{},
		metric:    AccuracyMetric,
	},
	Regression: {
		name:      "regression",
		ensemble:  "SnapshotEnsembleRegressor",
		newLoss:   func() Loss { return NewMSELoss() },
		transform: func(mean *mat.Dense) *mat.Dense { return mean },
		scorer:    MSEScorer{},
		metric:    MSEMetric,
	},
}

func (t Task) strategy() taskStrategy {
	if s, ok := taskStrategies[t]; ok {
		return s
	}
	return taskStrategies[Regression]
}

func (t Task) String() string {
	if s, ok := taskStrategies[t]; ok {
		return s.name
	}
	return "unknown"
}

// ParseTask maps "classification" or "regression" to a Task.
func ParseTask(name string) (Task, error) {
	for task, s := range taskStrategies {
		if strings.EqualFold(strings.TrimSpace(name), s.name) {
			return task, nil
		}
	}
	return 0, errors.Errorf("unknown task %q, expected classification or regression", name)
}

// EnsembleName is the display name used in logs and checkpoint file names.
func (t Task) EnsembleName() string {
	return t.strategy().ensemble
}

// NewLoss returns the training loss for the task
func (t Task) NewLoss() Loss {
	return t.strategy().newLoss()
}

// Scorer returns the default validation scorer for the task
func (t Task) Scorer() Scorer {
	return t.strategy().scorer
}

// Metric returns the validation metric for the task
func (t Task) Metric() Metric {
	return t.strategy().metric
}

func (t Task) transform(mean *mat.Dense) *mat.Dense {
	return t.strategy().transform(mean)
}
