package training

import (
	"io"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/tsawler/go-snapshot/optimizer"
	"gonum.org/v1/gonum/mat"
)

// FitState is the phase of a Fit call
type FitState int

const (
	Idle FitState = iota
	ValidatingParameters
	Training
	SnapshotCollected
	Validated
	Finished
)

func (s FitState) String() string {
	switch s {
	case Idle:
		return "Idle"
	case ValidatingParameters:
		return "ValidatingParameters"
	case Training:
		return "Training"
	case SnapshotCollected:
		return "SnapshotCollected"
	case Validated:
		return "Validated"
	case Finished:
		return "Finished"
	default:
		return "Unknown"
	}
}

// FitResult summarizes a completed run
type FitResult struct {
	RunID      string
	Snapshots  []*Snapshot
	Iterations int

	// Validation history, one entry per snapshot when a validation source is set
	BestScore    float64
	ScoreHistory []float64
	BestHistory  []float64

	// Persisted holds the ensemble size at each save; SavedPaths the files written
	Persisted  []int
	SavedPaths []string
}

// SnapshotEnsemble trains one model through NEstimators cosine cycles and
// keeps a frozen copy of it at the end of every cycle.
type SnapshotEnsemble struct {
	Task        Task
	NEstimators int
	NewModel    ModelFactory

	Verbose int       // 0 silences status lines
	Output  io.Writer // Defaults to os.Stdout

	Persister Persister // Defaults to a CheckpointManager built from FitConfig
	Scorer    Scorer    // Defaults to the task's scorer
	Telemetry *Telemetry
	Trace     *TrainingTrace
	Workers   int // Parallel snapshot forwards in Predict and validation

	mu       sync.Mutex
	state    FitState
	ensemble *Ensemble
}

// NewSnapshotEnsemble creates an ensemble trainer. factory must build a fresh
// model on every call.
func NewSnapshotEnsemble(task Task, factory ModelFactory, nEstimators int) (*SnapshotEnsemble, error) {
	if factory == nil {
		return nil, errors.New("a model constructor is required, not a model instance")
	}
	if nEstimators <= 0 {
		return nil, &ConfigError{Param: "n_estimators", Value: nEstimators, Reason: "should be strictly positive"}
	}
	return &SnapshotEnsemble{
		Task:        task,
		NEstimators: nEstimators,
		NewModel:    factory,
		Verbose:     1,
		Output:      os.Stdout,
	}, nil
}

// State returns the current phase
func (e *SnapshotEnsemble) State() FitState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *SnapshotEnsemble) setState(s FitState) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// Ensemble returns the predictor of the last completed Fit, or nil
func (e *SnapshotEnsemble) Ensemble() *Ensemble {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ensemble
}

// fitRun is the per-call state of Fit
type fitRun struct {
	e         *SnapshotEnsemble
	cfg       FitConfig
	log       statusLogger
	model     Module
	opt       optimizer.Optimizer
	scheduler *CyclicScheduler
	clip      *LRClip
	loss      Loss
	collector *SnapshotCollector
	counter   IterationCounter
	gate      *ValidationGate
	persister Persister
	result    *FitResult
	lastLR    float64
}

// Fit trains the ensemble on train. Every parameter is validated before the
// model factory is called. Errors from the model propagate unchanged.
func (e *SnapshotEnsemble) Fit(train DataSource, cfg FitConfig) (*FitResult, error) {
	e.setState(ValidatingParameters)

	run, err := e.prepare(train, cfg)
	if err != nil {
		e.setState(Idle)
		return nil, err
	}

	if err := run.train(train); err != nil {
		e.setState(Idle)
		return nil, err
	}

	snapshots := run.collector.Snapshots()
	e.mu.Lock()
	e.ensemble = NewEnsemble(e.Task, snapshots, e.Workers)
	e.state = Finished
	e.mu.Unlock()

	run.result.Snapshots = snapshots
	run.result.Iterations = run.counter.Value()
	run.result.BestScore = run.gate.Best()
	return run.result, nil
}

func (e *SnapshotEnsemble) prepare(train DataSource, cfg FitConfig) (*fitRun, error) {
	if e.NewModel == nil {
		return nil, errors.New("a model constructor is required, not a model instance")
	}
	if train == nil {
		return nil, errors.New("training data source is required")
	}

	budget := TrainingBudget{Epochs: cfg.Epochs, BatchesPerEpoch: train.Len(), NCycles: e.NEstimators}
	if err := cfg.Validate(budget); err != nil {
		return nil, err
	}
	clip, err := ParseLRClip(cfg.LRClip)
	if err != nil {
		return nil, err
	}

	out := e.Output
	if out == nil {
		out = os.Stdout
	}
	run := &fitRun{
		e:         e,
		cfg:       cfg,
		log:       statusLogger{out: out, verbose: e.Verbose},
		clip:      clip,
		loss:      e.Task.NewLoss(),
		collector: NewSnapshotCollector(),
		persister: e.Persister,
		result:    &FitResult{RunID: uuid.NewString()},
	}
	if run.persister == nil {
		run.persister = NewCheckpointManager(CheckpointConfig{SaveDirectory: cfg.SaveDir, Format: cfg.Format})
	}

	run.model, err = e.NewModel()
	if err != nil {
		return nil, errors.Wrap(err, "construct model")
	}
	if run.model == nil {
		return nil, errors.New("model constructor returned nil")
	}

	run.opt, err = optimizer.New(cfg.Optimizer, run.model.Parameters(), cfg.InitLR, cfg.WeightDecay)
	if err != nil {
		return nil, errors.Wrap(err, "create optimizer")
	}
	run.scheduler, err = NewCyclicScheduler(run.opt, budget.TotalIterations(), e.NEstimators)
	if err != nil {
		return nil, err
	}

	var persist func() error
	if cfg.SaveModel {
		persist = run.persist
	}
	run.gate = NewValidationGate(e.Task.Metric(), persist)

	if !budget.AlignedWithEpochs() {
		run.log.Warnf("%d iterations per estimator is not a multiple of %d batches per epoch; "+
			"snapshots are only taken at epoch ends", budget.IterationsPerEstimator(), budget.BatchesPerEpoch)
	}

	e.mu.Lock()
	e.ensemble = nil
	e.mu.Unlock()
	e.Telemetry.observeSnapshots(0)
	return run, nil
}

func (r *fitRun) train(train DataSource) error {
	perEstimator := TrainingBudget{
		Epochs:          r.cfg.Epochs,
		BatchesPerEpoch: train.Len(),
		NCycles:         r.e.NEstimators,
	}.IterationsPerEstimator()

	r.e.setState(Training)
	for epoch := 0; epoch < r.cfg.Epochs; epoch++ {
		if err := r.trainEpoch(train, epoch); err != nil {
			return err
		}

		if !r.counter.AtBoundary(perEstimator) {
			continue
		}
		if err := r.snapshot(epoch); err != nil {
			return err
		}
		r.e.setState(Training)
	}

	if r.cfg.SaveModel && r.cfg.Validation == nil {
		if err := r.persist(); err != nil {
			return err
		}
	}
	return nil
}

func (r *fitRun) trainEpoch(train DataSource, epoch int) error {
	r.model.Train()
	train.Reset()

	for batchIdx := 0; ; batchIdx++ {
		batch, err := train.Next()
		if err != nil {
			return err
		}
		if batch == nil {
			return nil
		}

		r.clip.Apply(r.opt)

		output, err := r.model.Forward(batch.Data)
		if err != nil {
			return err
		}
		loss, err := r.loss.Forward(output, batch.Labels)
		if err != nil {
			return err
		}
		grad, err := r.loss.Backward(output, batch.Labels)
		if err != nil {
			return err
		}

		r.opt.ZeroGrad()
		if _, err := r.model.Backward(grad); err != nil {
			return err
		}
		if err := r.opt.Step(); err != nil {
			return err
		}

		lr := optimizer.GetLR(r.opt)
		r.lastLR = lr
		if batchIdx%r.cfg.LogInterval == 0 {
			r.logStatus(lr, epoch, batchIdx, loss, output, batch)
		}
		r.e.Telemetry.observeStep(lr, loss)
		r.e.Trace.RecordStep(r.counter.Value(), lr, loss)

		r.scheduler.Step()
		r.counter.Increment()
	}
}

func (r *fitRun) logStatus(lr float64, epoch, batchIdx int, loss float64, output *mat.Dense, batch *Batch) {
	if r.e.Task == Classification {
		r.log.Printf("lr: %.5f | Epoch: %03d | Batch: %03d | Loss: %.5f | Correct: %d/%d",
			lr, epoch, batchIdx, loss, CountCorrect(output, batch.Labels), batch.Size())
		return
	}
	r.log.Printf("lr: %.5f | Epoch: %03d | Batch: %03d | Loss: %.5f", lr, epoch, batchIdx, loss)
}

// snapshot freezes the live model and, with a validation source, scores the
// ensemble and lets the gate decide whether to save it.
func (r *fitRun) snapshot(epoch int) error {
	snap := r.collector.Collect(r.model, epoch, r.counter.Value())
	r.e.setState(SnapshotCollected)
	r.log.Printf("Generate the snapshot with index: %d", snap.Index)
	r.e.Telemetry.observeSnapshots(r.collector.Len())
	r.e.Trace.RecordSnapshot(snap.Iteration, r.lastLR)

	if r.cfg.Validation == nil {
		return nil
	}

	scorer := r.e.Scorer
	if scorer == nil {
		scorer = r.e.Task.Scorer()
	}
	ensemble := NewEnsemble(r.e.Task, r.collector.Snapshots(), r.e.Workers)
	score, err := scorer.Score(ensemble.Predict, r.cfg.Validation)
	if err != nil {
		return errors.Wrapf(err, "validate ensemble after snapshot %d", snap.Index)
	}

	if _, err := r.gate.Check(score); err != nil {
		return err
	}
	best := r.gate.Best()
	r.result.ScoreHistory = append(r.result.ScoreHistory, score)
	r.result.BestHistory = append(r.result.BestHistory, best)
	r.e.Telemetry.observeValidation(score, best)
	r.e.Trace.RecordValidation(r.collector.Len(), score, best)

	metric := r.gate.Metric()
	r.log.Printf("n_estimators: %d | Validation %s: %s | Historical Best: %s",
		r.collector.Len(), metric.Label, metric.Format(score), metric.Format(best))
	r.e.setState(Validated)
	return nil
}

func (r *fitRun) persist() error {
	snapshots := r.collector.Snapshots()
	path, err := r.persister.Persist(EnsembleState{
		RunID:       r.result.RunID,
		Task:        r.e.Task,
		NEstimators: r.e.NEstimators,
		BestScore:   r.gate.Best(),
		Snapshots:   snapshots,
	})
	if err != nil {
		return errors.Wrapf(err, "persist ensemble after snapshot %d", len(snapshots)-1)
	}

	r.result.Persisted = append(r.result.Persisted, len(snapshots))
	r.result.SavedPaths = append(r.result.SavedPaths, path)
	r.e.Telemetry.observeSave()
	r.log.Printf("Saving the model to `%s`", path)
	return nil
}

// Predict returns the averaged prediction of the fitted ensemble
func (e *SnapshotEnsemble) Predict(x *mat.Dense) (*mat.Dense, error) {
	ensemble := e.Ensemble()
	if ensemble == nil {
		return nil, ErrEmptyEnsemble
	}
	return ensemble.Predict(x)
}

// Evaluate scores the fitted ensemble on src: accuracy in percent for
// classification, mean batch MSE for regression.
func (e *SnapshotEnsemble) Evaluate(src DataSource) (float64, error) {
	ensemble := e.Ensemble()
	if ensemble == nil {
		return 0, ErrEmptyEnsemble
	}
	scorer := e.Scorer
	if scorer == nil {
		scorer = e.Task.Scorer()
	}
	return scorer.Score(ensemble.Predict, src)
}
