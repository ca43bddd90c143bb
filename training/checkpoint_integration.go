package training

import (
	"math"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/pkg/errors"
	"github.com/tsawler/go-snapshot/checkpoints"
	"gonum.org/v1/gonum/mat"
)

// EnsembleState is what a Persister writes.
type EnsembleState struct {
	RunID       string
	Task        Task
	NEstimators int // Number of cycles the run was configured with
	BestScore   float64
	Snapshots   []*Snapshot
}

// Persister saves the current ensemble and returns where it went.
type Persister interface {
	Persist(state EnsembleState) (string, error)
}

// CheckpointConfig configures checkpoint saving behavior
type CheckpointConfig struct {
	SaveDirectory string             // Directory to save checkpoints, "" for the current directory
	Format        checkpoints.Format // JSON or Binary
	ModelName     string             // Defaults to the snapshot module's type name
	Description   string
	Tags          []string
}

// DefaultCheckpointConfig returns a sensible default configuration
func DefaultCheckpointConfig() CheckpointConfig {
	return CheckpointConfig{
		SaveDirectory: "",
		Format:        checkpoints.FormatJSON,
	}
}

// CheckpointManager persists ensembles as checkpoint files named
// <Ensemble>_<Model>_<n_estimators>_ckpt.<ext>. Each save of a run replaces
// the previous file.
type CheckpointManager struct {
	config     CheckpointConfig
	saver      *checkpoints.CheckpointSaver
	savedFiles []string
}

// NewCheckpointManager creates a new checkpoint manager
func NewCheckpointManager(config CheckpointConfig) *CheckpointManager {
	return &CheckpointManager{
		config: config,
		saver:  checkpoints.NewCheckpointSaver(config.Format),
	}
}

// Persist writes state to disk
func (cm *CheckpointManager) Persist(state EnsembleState) (string, error) {
	checkpoint, err := cm.createCheckpoint(state)
	if err != nil {
		return "", errors.Wrap(err, "failed to create checkpoint")
	}

	dir := cm.config.SaveDirectory
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrap(err, "failed to create checkpoint directory")
	}

	path := filepath.Join(dir, checkpoints.FileName(checkpoint.Ensemble, checkpoint.Model, state.NEstimators, cm.config.Format))
	if err := cm.saver.SaveCheckpoint(checkpoint, path); err != nil {
		return "", errors.Wrap(err, "failed to save checkpoint")
	}

	cm.savedFiles = append(cm.savedFiles, path)
	return path, nil
}

// SavedFiles returns every path written, in order
func (cm *CheckpointManager) SavedFiles() []string {
	return append([]string(nil), cm.savedFiles...)
}

func (cm *CheckpointManager) createCheckpoint(state EnsembleState) (*checkpoints.EnsembleCheckpoint, error) {
	checkpoint := &checkpoints.EnsembleCheckpoint{
		ID:          state.RunID,
		Ensemble:    state.Task.EnsembleName(),
		Model:       cm.config.ModelName,
		Task:        state.Task.String(),
		NEstimators: state.NEstimators,
		Snapshots:   make([]checkpoints.SnapshotRecord, 0, len(state.Snapshots)),
		Metadata: checkpoints.CheckpointMetadata{
			Description: cm.config.Description,
			Tags:        cm.config.Tags,
		},
	}

	if state.BestScore != state.Task.Metric().Initial() && !math.IsNaN(state.BestScore) {
		best := state.BestScore
		checkpoint.BestScore = &best
	}

	for _, snap := range state.Snapshots {
		checkpoint.Snapshots = append(checkpoint.Snapshots, checkpoints.SnapshotRecord{
			Index:     snap.Index,
			Epoch:     snap.Epoch,
			Iteration: snap.Iteration,
			Weights:   ExportWeights(snap.model),
		})
	}

	if len(state.Snapshots) > 0 {
		first := state.Snapshots[0].model
		if checkpoint.Model == "" {
			checkpoint.Model = moduleName(first)
		}
		if seq, ok := first.(*Sequential); ok {
			checkpoint.ModelSpec = seq.Spec()
		}
	}
	if checkpoint.Model == "" {
		checkpoint.Model = "Module"
	}
	return checkpoint, nil
}

// ExportWeights copies every parameter of m into checkpoint tensors
func ExportWeights(m Module) []checkpoints.WeightTensor {
	params := m.Parameters()
	weights := make([]checkpoints.WeightTensor, len(params))
	for i, p := range params {
		r, c := p.Value.Dims()
		layer, typ := p.Name, p.Name
		if dot := strings.LastIndex(p.Name, "."); dot >= 0 {
			layer, typ = p.Name[:dot], p.Name[dot+1:]
		}
		weights[i] = checkpoints.WeightTensor{
			Name:  p.Name,
			Shape: []int{r, c},
			Data:  mat.DenseCopyOf(p.Value).RawMatrix().Data,
			Layer: layer,
			Type:  typ,
		}
	}
	return weights
}

// LoadWeights copies checkpoint tensors into the parameters of m, in order
func LoadWeights(m Module, weights []checkpoints.WeightTensor) error {
	params := m.Parameters()
	if len(params) != len(weights) {
		return errors.Errorf("weight count mismatch: %d weights, %d parameters", len(weights), len(params))
	}
	for i, p := range params {
		r, c := p.Value.Dims()
		w := weights[i]
		if len(w.Data) != r*c {
			return errors.Errorf("weight %s has %d values, parameter %s needs %dx%d", w.Name, len(w.Data), p.Name, r, c)
		}
		p.Value.Copy(mat.NewDense(r, c, append([]float64(nil), w.Data...)))
	}
	return nil
}

// LoadEnsemble rebuilds a predictor from a checkpoint file. The checkpoint
// must carry the ModelSpec of its snapshots.
func LoadEnsemble(path string, workers int) (*Ensemble, *checkpoints.EnsembleCheckpoint, error) {
	format, err := checkpoints.FormatFromPath(path)
	if err != nil {
		return nil, nil, err
	}
	checkpoint, err := checkpoints.NewCheckpointSaver(format).LoadCheckpoint(path)
	if err != nil {
		return nil, nil, err
	}
	if checkpoint.ModelSpec == nil {
		return nil, nil, errors.Errorf("checkpoint %s has no model spec", path)
	}
	task, err := ParseTask(checkpoint.Task)
	if err != nil {
		return nil, nil, err
	}

	snapshots := make([]*Snapshot, 0, len(checkpoint.Snapshots))
	for _, record := range checkpoint.Snapshots {
		model, err := BuildSequential(checkpoint.ModelSpec)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "snapshot %d", record.Index)
		}
		if err := LoadWeights(model, record.Weights); err != nil {
			return nil, nil, errors.Wrapf(err, "snapshot %d", record.Index)
		}
		snapshots = append(snapshots, NewSnapshot(record.Index, record.Epoch, record.Iteration, model))
	}

	return NewEnsemble(task, snapshots, workers), checkpoint, nil
}

func moduleName(m Module) string {
	t := reflect.TypeOf(m)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Name() == "" {
		return "Module"
	}
	return t.Name()
}
