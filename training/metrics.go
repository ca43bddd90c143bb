package training

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// ErrEmptyValidationSet is returned when a scorer sees no samples.
var ErrEmptyValidationSet = errors.New("validation data source is empty")

// PredictFunc maps a batch of inputs to ensemble predictions
type PredictFunc func(x *mat.Dense) (*mat.Dense, error)

// Scorer computes a validation score of predict over src.
type Scorer interface {
	Score(predict PredictFunc, src DataSource) (float64, error)
}

// ScorerFunc adapts a function to the Scorer interface
type ScorerFunc func(predict PredictFunc, src DataSource) (float64, error)

func (f ScorerFunc) Score(predict PredictFunc, src DataSource) (float64, error) {
	return f(predict, src)
}

// AccuracyScorer returns 100 * correct / NumSamples, where a prediction is
// correct when its argmax equals the class label.
type AccuracyScorer struct{}

func (AccuracyScorer) Score(predict PredictFunc, src DataSource) (float64, error) {
	if src.NumSamples() == 0 {
		return 0, ErrEmptyValidationSet
	}

	correct := 0
	err := forEachBatch(src, func(batch *Batch) error {
		out, err := predict(batch.Data)
		if err != nil {
			return err
		}
		correct += CountCorrect(out, batch.Labels)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return 100 * float64(correct) / float64(src.NumSamples()), nil
}

// MSEScorer returns the mean over batches of each batch's mean squared error.
type MSEScorer struct{}

func (MSEScorer) Score(predict PredictFunc, src DataSource) (float64, error) {
	loss := NewMSELoss()
	total, batches := 0.0, 0
	err := forEachBatch(src, func(batch *Batch) error {
		out, err := predict(batch.Data)
		if err != nil {
			return err
		}
		mse, err := loss.Forward(out, batch.Labels)
		if err != nil {
			return err
		}
		total += mse
		batches++
		return nil
	})
	if err != nil {
		return 0, err
	}
	if batches == 0 {
		return 0, ErrEmptyValidationSet
	}
	return total / float64(batches), nil
}

// forEachBatch rewinds src and calls fn for every batch of one epoch
func forEachBatch(src DataSource, fn func(*Batch) error) error {
	src.Reset()
	for {
		batch, err := src.Next()
		if err != nil {
			return err
		}
		if batch == nil {
			return nil
		}
		if err := fn(batch); err != nil {
			return err
		}
	}
}

// Argmax returns the column index of the largest value in each row
func Argmax(m mat.Matrix) []int {
	r, c := m.Dims()
	out := make([]int, r)
	row := make([]float64, c)
	for i := 0; i < r; i++ {
		mat.Row(row, i, m)
		out[i] = floats.MaxIdx(row)
	}
	return out
}

// CountCorrect counts rows whose argmax equals the [batch, 1] class label
func CountCorrect(predictions, labels mat.Matrix) int {
	correct := 0
	for i, pred := range Argmax(predictions) {
		if pred == int(labels.At(i, 0)) {
			correct++
		}
	}
	return correct
}

// RegressionMetrics holds comprehensive regression evaluation metrics
type RegressionMetrics struct {
	MAE  float64 // Mean Absolute Error
	MSE  float64 // Mean Squared Error
	RMSE float64 // Root Mean Squared Error
	R2   float64 // R-squared
	NMAE float64 // Normalized Mean Absolute Error
}

// CalculateRegressionMetrics computes regression metrics over paired values
func CalculateRegressionMetrics(predictions, trueValues []float64) *RegressionMetrics {
	n := len(predictions)
	if n == 0 || n != len(trueValues) {
		return &RegressionMetrics{}
	}

	residuals := make([]float64, n)
	floats.SubTo(residuals, predictions, trueValues)

	sumAbsErr := 0.0
	for _, r := range residuals {
		sumAbsErr += math.Abs(r)
	}
	mae := sumAbsErr / float64(n)
	mse := floats.Dot(residuals, residuals) / float64(n)

	// R² calculation
	r2 := 0.0
	if variance := stat.Variance(trueValues, nil); n > 1 && variance > 0 {
		sumSqTotal := variance * float64(n-1)
		r2 = 1.0 - floats.Dot(residuals, residuals)/sumSqTotal
	}

	// Normalized MAE (scale by range)
	nmae := 0.0
	if spread := floats.Max(trueValues) - floats.Min(trueValues); spread > 0 {
		nmae = mae / spread
	}

	return &RegressionMetrics{
		MAE:  mae,
		MSE:  mse,
		RMSE: math.Sqrt(mse),
		R2:   r2,
		NMAE: nmae,
	}
}
