package training

import (
	"encoding/json"
	"fmt"
	"image/color"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// PlotType represents different types of plots that can be generated
type PlotType string

const (
	TrainingCurves       PlotType = "training_curves"
	LearningRateSchedule PlotType = "learning_rate_schedule"
	ValidationCurve      PlotType = "validation_curve"
)

// PlotData is a renderer-agnostic JSON description of a plot
type PlotData struct {
	// Metadata
	PlotType  PlotType  `json:"plot_type"`
	Title     string    `json:"title"`
	Timestamp time.Time `json:"timestamp"`
	ModelName string    `json:"model_name"`

	Series []SeriesData `json:"series"`

	Config PlotConfig `json:"config"`
}

// SeriesData represents a single data series in a plot
type SeriesData struct {
	Name string      `json:"name"`
	Type string      `json:"type"` // "line" or "scatter"
	Data []DataPoint `json:"data"`
}

// DataPoint represents a single data point
type DataPoint struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Label string  `json:"label,omitempty"`
}

// PlotConfig contains plot-specific configuration
type PlotConfig struct {
	XAxisLabel string `json:"x_axis_label"`
	YAxisLabel string `json:"y_axis_label"`
	XAxisScale string `json:"x_axis_scale"` // "linear", "log"
	YAxisScale string `json:"y_axis_scale"` // "linear", "log"
	ShowLegend bool   `json:"show_legend"`
	ShowGrid   bool   `json:"show_grid"`
}

// ToJSON converts plot data to JSON string
func (pd PlotData) ToJSON() (string, error) {
	jsonData, err := json.MarshalIndent(pd, "", "  ")
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal plot data to JSON")
	}
	return string(jsonData), nil
}

// TrainingTrace records the learning-rate schedule, batch losses, snapshot
// points and validation scores of a run.
type TrainingTrace struct {
	mu        sync.Mutex
	modelName string

	steps         []int
	learningRates []float64
	losses        []float64

	snapshotIterations []int
	snapshotRates      []float64

	validationEstimators []int
	validationScores     []float64
	bestScores           []float64
}

// NewTrainingTrace creates an empty trace
func NewTrainingTrace(modelName string) *TrainingTrace {
	return &TrainingTrace{modelName: modelName}
}

// RecordStep records the learning rate and loss of one iteration
func (tt *TrainingTrace) RecordStep(iteration int, learningRate, loss float64) {
	if tt == nil {
		return
	}
	tt.mu.Lock()
	defer tt.mu.Unlock()
	tt.steps = append(tt.steps, iteration)
	tt.learningRates = append(tt.learningRates, learningRate)
	tt.losses = append(tt.losses, loss)
}

// RecordSnapshot marks the iteration at which a snapshot was taken
func (tt *TrainingTrace) RecordSnapshot(iteration int, learningRate float64) {
	if tt == nil {
		return
	}
	tt.mu.Lock()
	defer tt.mu.Unlock()
	tt.snapshotIterations = append(tt.snapshotIterations, iteration)
	tt.snapshotRates = append(tt.snapshotRates, learningRate)
}

// RecordValidation records the ensemble score after nEstimators snapshots
func (tt *TrainingTrace) RecordValidation(nEstimators int, score, best float64) {
	if tt == nil {
		return
	}
	tt.mu.Lock()
	defer tt.mu.Unlock()
	tt.validationEstimators = append(tt.validationEstimators, nEstimators)
	tt.validationScores = append(tt.validationScores, score)
	tt.bestScores = append(tt.bestScores, best)
}

// LearningRates returns a copy of the recorded learning rates
func (tt *TrainingTrace) LearningRates() []float64 {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	return append([]float64(nil), tt.learningRates...)
}

// GenerateLearningRateSchedulePlot generates learning rate schedule plot data
func (tt *TrainingTrace) GenerateLearningRateSchedulePlot() PlotData {
	tt.mu.Lock()
	defer tt.mu.Unlock()

	schedule := SeriesData{Name: "Learning Rate", Type: "line", Data: make([]DataPoint, len(tt.learningRates))}
	for i, lr := range tt.learningRates {
		schedule.Data[i] = DataPoint{X: float64(tt.steps[i]), Y: lr}
	}

	snaps := SeriesData{Name: "Snapshots", Type: "scatter", Data: make([]DataPoint, len(tt.snapshotIterations))}
	for i, it := range tt.snapshotIterations {
		snaps.Data[i] = DataPoint{X: float64(it), Y: tt.snapshotRates[i], Label: fmt.Sprintf("snapshot %d", i)}
	}

	return PlotData{
		PlotType:  LearningRateSchedule,
		Title:     fmt.Sprintf("Learning Rate Schedule - %s", tt.modelName),
		Timestamp: time.Now(),
		ModelName: tt.modelName,
		Series:    []SeriesData{schedule, snaps},
		Config: PlotConfig{
			XAxisLabel: "Iteration",
			YAxisLabel: "Learning Rate",
			XAxisScale: "linear",
			YAxisScale: "linear",
			ShowLegend: true,
			ShowGrid:   true,
		},
	}
}

// GenerateTrainingCurvesPlot generates batch loss plot data
func (tt *TrainingTrace) GenerateTrainingCurvesPlot() PlotData {
	tt.mu.Lock()
	defer tt.mu.Unlock()

	loss := SeriesData{Name: "Training Loss", Type: "line", Data: make([]DataPoint, len(tt.losses))}
	for i, l := range tt.losses {
		loss.Data[i] = DataPoint{X: float64(tt.steps[i]), Y: l}
	}

	return PlotData{
		PlotType:  TrainingCurves,
		Title:     fmt.Sprintf("Training Loss - %s", tt.modelName),
		Timestamp: time.Now(),
		ModelName: tt.modelName,
		Series:    []SeriesData{loss},
		Config: PlotConfig{
			XAxisLabel: "Iteration",
			YAxisLabel: "Loss",
			XAxisScale: "linear",
			YAxisScale: "log",
			ShowLegend: true,
			ShowGrid:   true,
		},
	}
}

// GenerateValidationPlot generates validation and historical-best plot data
func (tt *TrainingTrace) GenerateValidationPlot() PlotData {
	tt.mu.Lock()
	defer tt.mu.Unlock()

	scores := SeriesData{Name: "Validation", Type: "line", Data: make([]DataPoint, len(tt.validationScores))}
	best := SeriesData{Name: "Historical Best", Type: "line", Data: make([]DataPoint, len(tt.bestScores))}
	for i, n := range tt.validationEstimators {
		scores.Data[i] = DataPoint{X: float64(n), Y: tt.validationScores[i]}
		best.Data[i] = DataPoint{X: float64(n), Y: tt.bestScores[i]}
	}

	return PlotData{
		PlotType:  ValidationCurve,
		Title:     fmt.Sprintf("Validation - %s", tt.modelName),
		Timestamp: time.Now(),
		ModelName: tt.modelName,
		Series:    []SeriesData{scores, best},
		Config: PlotConfig{
			XAxisLabel: "n_estimators",
			YAxisLabel: "Score",
			XAxisScale: "linear",
			YAxisScale: "linear",
			ShowLegend: true,
			ShowGrid:   true,
		},
	}
}

// SaveLearningRatePlot renders the schedule with snapshot markers as a PNG
func (tt *TrainingTrace) SaveLearningRatePlot(path string) error {
	data := tt.GenerateLearningRateSchedulePlot()
	if len(data.Series[0].Data) == 0 {
		return errors.New("no learning rates recorded")
	}

	p := plot.New()
	p.Title.Text = data.Title
	p.X.Label.Text = data.Config.XAxisLabel
	p.Y.Label.Text = data.Config.YAxisLabel
	p.Add(plotter.NewGrid())

	line, err := plotter.NewLine(toXYs(data.Series[0].Data))
	if err != nil {
		return errors.Wrap(err, "learning rate line")
	}
	line.Color = color.RGBA{R: 108, G: 92, B: 231, A: 255}
	line.Width = vg.Points(1.2)
	p.Add(line)
	p.Legend.Add(data.Series[0].Name, line)

	if len(data.Series[1].Data) > 0 {
		marks, err := plotter.NewScatter(toXYs(data.Series[1].Data))
		if err != nil {
			return errors.Wrap(err, "snapshot markers")
		}
		marks.GlyphStyle.Color = color.RGBA{R: 200, G: 30, B: 30, A: 255}
		marks.GlyphStyle.Radius = vg.Points(3)
		p.Add(marks)
		p.Legend.Add(data.Series[1].Name, marks)
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrap(err, "create plot directory")
		}
	}
	if err := p.Save(8*vg.Inch, 4*vg.Inch, path); err != nil {
		return errors.Wrapf(err, "save plot %s", path)
	}
	return nil
}

// Clear resets all collected data
func (tt *TrainingTrace) Clear() {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	tt.steps = tt.steps[:0]
	tt.learningRates = tt.learningRates[:0]
	tt.losses = tt.losses[:0]
	tt.snapshotIterations = tt.snapshotIterations[:0]
	tt.snapshotRates = tt.snapshotRates[:0]
	tt.validationEstimators = tt.validationEstimators[:0]
	tt.validationScores = tt.validationScores[:0]
	tt.bestScores = tt.bestScores[:0]
}

func toXYs(points []DataPoint) plotter.XYs {
	xys := make(plotter.XYs, len(points))
	for i, pt := range points {
		xys[i].X = pt.X
		xys[i].Y = pt.Y
	}
	return xys
}
