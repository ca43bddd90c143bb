package training

import (
	"fmt"
	"math"
)

// Metric describes a validation score and its direction.
type Metric struct {
	Name           string
	Label          string // shown in status lines, e.g. "Acc"
	HigherIsBetter bool
	Precision      int
	Unit           string
}

var (
	// AccuracyMetric is classification accuracy in percent
	AccuracyMetric = Metric{Name: "accuracy", Label: "Acc", HigherIsBetter: true, Precision: 3, Unit: " %"}

	// MSEMetric is the mean squared error
	MSEMetric = Metric{Name: "mse", Label: "MSE", HigherIsBetter: false, Precision: 5}
)

// Initial returns the best score before any validation: 0 when higher is
// better, +Inf otherwise.
func (m Metric) Initial() float64 {
	if m.HigherIsBetter {
		return 0
	}
	return math.Inf(1)
}

// Improves reports whether score is strictly better than best.
func (m Metric) Improves(score, best float64) bool {
	if m.HigherIsBetter {
		return score > best
	}
	return score < best
}

// Format renders a score with the metric's precision and unit
func (m Metric) Format(score float64) string {
	return fmt.Sprintf("%.*f%s", m.Precision, score, m.Unit)
}

// ValidationGate tracks the best validation score of a run and persists the
// ensemble whenever the score strictly improves.
type ValidationGate struct {
	metric  Metric
	best    float64
	persist func() error
}

// NewValidationGate creates a gate; persist may be nil when nothing is saved.
func NewValidationGate(metric Metric, persist func() error) *ValidationGate {
	return &ValidationGate{
		metric:  metric,
		best:    metric.Initial(),
		persist: persist,
	}
}

// Check records score. On strict improvement it updates the best score and
// persists; ties and regressions change nothing.
func (g *ValidationGate) Check(score float64) (bool, error) {
	if !g.metric.Improves(score, g.best) {
		return false, nil
	}
	g.best = score
	if g.persist == nil {
		return true, nil
	}
	return true, g.persist()
}

// Best returns the best score seen so far
func (g *ValidationGate) Best() float64 {
	return g.best
}

// Metric returns the gate's metric
func (g *ValidationGate) Metric() Metric {
	return g.metric
}
