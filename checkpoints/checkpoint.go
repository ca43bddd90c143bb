package checkpoints

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/tsawler/go-snapshot/layers"
)

// Framework is written into the metadata of every checkpoint.
const Framework = "go-snapshot"

// Version of the checkpoint layout.
const Version = "1.0.0"

// Format defines the serialization format
type Format int

const (
	FormatJSON Format = iota
	FormatBinary
)

func (f Format) String() string {
	switch f {
	case FormatJSON:
		return "JSON"
	case FormatBinary:
		return "Binary"
	default:
		return "Unknown"
	}
}

// Extension returns the file extension used for the format, without the dot.
func (f Format) Extension() string {
	switch f {
	case FormatBinary:
		return "pb"
	default:
		return "json"
	}
}

// ParseFormat maps "json" or "binary"/"pb" to a Format.
func ParseFormat(name string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "json":
		return FormatJSON, nil
	case "binary", "pb", "protobuf":
		return FormatBinary, nil
	default:
		return 0, errors.Errorf("unknown checkpoint format %q", name)
	}
}

// FormatFromPath picks the format from a file extension.
func FormatFromPath(path string) (Format, error) {
	ext := strings.TrimPrefix(filepath.Ext(path), ".")
	if ext == "" {
		return 0, errors.Errorf("cannot infer checkpoint format from %q", path)
	}
	return ParseFormat(ext)
}

// EnsembleCheckpoint is the persisted state of a snapshot ensemble: every
// snapshot's weights plus the number of cycles the run was configured with.
type EnsembleCheckpoint struct {
	ID          string            `json:"id"`
	Ensemble    string            `json:"ensemble"`
	Model       string            `json:"model"`
	Task        string            `json:"task"`
	NEstimators int               `json:"n_estimators"`
	BestScore   *float64          `json:"best_score,omitempty"` // nil when no validation score was recorded
	ModelSpec   *layers.ModelSpec `json:"model_spec,omitempty"`
	Snapshots   []SnapshotRecord  `json:"snapshots"`

	Metadata CheckpointMetadata `json:"metadata"`
}

// SnapshotRecord holds the weights of one collected snapshot
type SnapshotRecord struct {
	Index     int            `json:"index"`
	Epoch     int            `json:"epoch"`
	Iteration int            `json:"iteration"`
	Weights   []WeightTensor `json:"weights"`
}

// WeightTensor represents a model parameter tensor with its data
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float64 `json:"data"`
	Layer string    `json:"layer"`
	Type  string    `json:"type"` // "weight" or "bias"
}

// Size returns the number of elements the shape describes.
func (w WeightTensor) Size() int {
	if len(w.Shape) == 0 {
		return 0
	}
	n := 1
	for _, d := range w.Shape {
		n *= d
	}
	return n
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
}

// FileName returns "<ensemble>_<model>_<n>_ckpt.<ext>".
func FileName(ensemble, model string, nEstimators int, format Format) string {
	return fmt.Sprintf("%s_%s_%d_ckpt.%s", ensemble, model, nEstimators, format.Extension())
}

// Validate checks that every weight tensor's data matches its shape.
func (c *EnsembleCheckpoint) Validate() error {
	if c.NEstimators <= 0 {
		return errors.Errorf("n_estimators must be positive, got %d", c.NEstimators)
	}
	for _, snap := range c.Snapshots {
		for _, w := range snap.Weights {
			if w.Size() != len(w.Data) {
				return errors.Errorf("snapshot %d: weight %s has %d values for shape %v",
					snap.Index, w.Name, len(w.Data), w.Shape)
			}
		}
	}
	return nil
}

// CheckpointSaver handles saving ensemble checkpoints in various formats
type CheckpointSaver struct {
	format Format
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format
func NewCheckpointSaver(format Format) *CheckpointSaver {
	return &CheckpointSaver{
		format: format,
	}
}

// Format returns the saver's serialization format.
func (cs *CheckpointSaver) Format() Format {
	return cs.format
}

// SaveCheckpoint writes checkpoint to path, replacing any existing file.
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *EnsembleCheckpoint, path string) error {
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = Framework
		checkpoint.Metadata.Version = Version
		checkpoint.Metadata.CreatedAt = time.Now().UTC()
	}
	if err := checkpoint.Validate(); err != nil {
		return errors.Wrap(err, "invalid checkpoint")
	}

	var (
		data []byte
		err  error
	)
	switch cs.format {
	case FormatJSON:
		data, err = json.MarshalIndent(checkpoint, "", "  ")
	case FormatBinary:
		data = MarshalBinary(checkpoint)
	default:
		return errors.Errorf("unsupported checkpoint format: %s", cs.format)
	}
	if err != nil {
		return errors.Wrap(err, "failed to encode checkpoint")
	}

	// Write to a sibling temp file, then rename over path
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrap(err, "failed to write checkpoint file")
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, "failed to move checkpoint into place")
	}
	return nil
}

// LoadCheckpoint reads a checkpoint written by SaveCheckpoint.
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*EnsembleCheckpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open checkpoint file")
	}

	var checkpoint *EnsembleCheckpoint
	switch cs.format {
	case FormatJSON:
		checkpoint = &EnsembleCheckpoint{}
		err = json.Unmarshal(data, checkpoint)
	case FormatBinary:
		checkpoint, err = UnmarshalBinary(data)
	default:
		return nil, errors.Errorf("unsupported checkpoint format: %s", cs.format)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode checkpoint")
	}

	if err := checkpoint.Validate(); err != nil {
		return nil, errors.Wrapf(err, "checkpoint %s", path)
	}
	return checkpoint, nil
}
