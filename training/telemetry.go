package training

import (
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// Telemetry exports training progress as Prometheus metrics. A nil
// *Telemetry records nothing.
type Telemetry struct {
	Iterations      prometheus.Counter
	LearningRate    prometheus.Gauge
	Loss            prometheus.Gauge
	Snapshots       prometheus.Gauge
	ValidationScore prometheus.Gauge
	BestScore       prometheus.Gauge
	Saves           prometheus.Counter
}

// NewTelemetry creates the collectors and registers them with reg.
func NewTelemetry(reg prometheus.Registerer, namespace string) (*Telemetry, error) {
	t := &Telemetry{
		Iterations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "iterations_total",
			Help:      "Optimizer steps completed.",
		}),
		LearningRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "learning_rate",
			Help:      "Learning rate used by the most recent step.",
		}),
		Loss: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "batch_loss",
			Help:      "Training loss of the most recent batch.",
		}),
		Snapshots: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "snapshots",
			Help:      "Snapshots collected in the current run.",
		}),
		ValidationScore: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "validation_score",
			Help:      "Most recent validation score of the ensemble.",
		}),
		BestScore: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "best_validation_score",
			Help:      "Best validation score of the current run.",
		}),
		Saves: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "saves_total",
			Help:      "Ensemble checkpoints written.",
		}),
	}

	for _, c := range []prometheus.Collector{
		t.Iterations, t.LearningRate, t.Loss, t.Snapshots, t.ValidationScore, t.BestScore, t.Saves,
	} {
		if err := reg.Register(c); err != nil {
			return nil, errors.Wrap(err, "register training metrics")
		}
	}
	return t, nil
}

func (t *Telemetry) observeStep(lr, loss float64) {
	if t == nil {
		return
	}
	t.Iterations.Inc()
	t.LearningRate.Set(lr)
	t.Loss.Set(loss)
}

func (t *Telemetry) observeSnapshots(n int) {
	if t == nil {
		return
	}
	t.Snapshots.Set(float64(n))
}

func (t *Telemetry) observeValidation(score, best float64) {
	if t == nil {
		return
	}
	t.ValidationScore.Set(score)
	t.BestScore.Set(best)
}

func (t *Telemetry) observeSave() {
	if t == nil {
		return
	}
	t.Saves.Inc()
}
