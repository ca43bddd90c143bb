package training

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Loss interface defines methods that all loss functions must implement
type Loss interface {
	// Forward returns the scalar loss of predicted against target
	Forward(predicted, target *mat.Dense) (float64, error)

	// Backward returns dL/dPredicted
	Backward(predicted, target *mat.Dense) (*mat.Dense, error)

	Name() string
}

// MSELoss implements Mean Squared Error loss function
type MSELoss struct{}

// NewMSELoss creates a new Mean Squared Error loss function
func NewMSELoss() *MSELoss {
	return &MSELoss{}
}

// Forward computes the MSE loss: L = (1/N) * sum((y_pred - y_true)^2)
func (mse *MSELoss) Forward(predicted, target *mat.Dense) (float64, error) {
	if err := sameShape(predicted, target); err != nil {
		return 0, err
	}
	r, c := predicted.Dims()

	var diff mat.Dense
	diff.Sub(predicted, target)
	sum := 0.0
	for i := 0; i < r; i++ {
		row := diff.RawRowView(i)
		sum += floats.Dot(row, row)
	}
	return sum / float64(r*c), nil
}

// Backward computes dL/dy_pred = 2 * (y_pred - y_true) / N
func (mse *MSELoss) Backward(predicted, target *mat.Dense) (*mat.Dense, error) {
	if err := sameShape(predicted, target); err != nil {
		return nil, err
	}
	r, c := predicted.Dims()

	var grad mat.Dense
	grad.Sub(predicted, target)
	grad.Scale(2.0/float64(r*c), &grad)
	return &grad, nil
}

func (mse *MSELoss) Name() string {
	return "MSELoss"
}

// CrossEntropyLoss implements softmax cross entropy over raw logits.
// Targets are [batch, 1] class indices.
type CrossEntropyLoss struct{}

// NewCrossEntropyLoss creates a new cross entropy loss function
func NewCrossEntropyLoss() *CrossEntropyLoss {
	return &CrossEntropyLoss{}
}

// Forward computes L = -(1/B) * sum(log softmax(logits)[label])
func (ce *CrossEntropyLoss) Forward(predicted, target *mat.Dense) (float64, error) {
	labels, err := classLabels(predicted, target)
	if err != nil {
		return 0, err
	}

	batch, _ := predicted.Dims()
	total := 0.0
	for i := 0; i < batch; i++ {
		row := predicted.RawRowView(i)
		total += floats.LogSumExp(row) - row[labels[i]]
	}
	return total / float64(batch), nil
}

// Backward computes dL/dlogits = (softmax(logits) - onehot(label)) / B
func (ce *CrossEntropyLoss) Backward(predicted, target *mat.Dense) (*mat.Dense, error) {
	labels, err := classLabels(predicted, target)
	if err != nil {
		return nil, err
	}

	batch, _ := predicted.Dims()
	grad := Softmax(predicted)
	for i := 0; i < batch; i++ {
		row := grad.RawRowView(i)
		row[labels[i]] -= 1
		floats.Scale(1/float64(batch), row)
	}
	return grad, nil
}

func (ce *CrossEntropyLoss) Name() string {
	return "CrossEntropyLoss"
}

// Softmax applies a numerically stable row-wise softmax and returns a new matrix.
func Softmax(logits mat.Matrix) *mat.Dense {
	out := mat.DenseCopyOf(logits)
	r, _ := out.Dims()
	for i := 0; i < r; i++ {
		row := out.RawRowView(i)
		lse := floats.LogSumExp(row)
		for j := range row {
			row[j] = math.Exp(row[j] - lse)
		}
	}
	return out
}

func sameShape(a, b *mat.Dense) error {
	ar, ac := a.Dims()
	br, bc := b.Dims()
	if ar != br || ac != bc {
		return errors.Errorf("predicted and target must have the same shape: %dx%d vs %dx%d", ar, ac, br, bc)
	}
	return nil
}

// classLabels reads the [batch, 1] target column as class indices.
func classLabels(predicted, target *mat.Dense) ([]int, error) {
	batch, classes := predicted.Dims()
	tr, tc := target.Dims()
	if tr != batch || tc != 1 {
		return nil, errors.Errorf("expected [%d, 1] class targets, got %dx%d", batch, tr, tc)
	}

	labels := make([]int, batch)
	for i := range labels {
		v := target.At(i, 0)
		label := int(v)
		if float64(label) != v || label < 0 || label >= classes {
			return nil, errors.Errorf("label %v out of range for %d classes", v, classes)
		}
		labels[i] = label
	}
	return labels, nil
}
