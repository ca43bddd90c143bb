package training

import (
	"math/rand"
	"sync"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Dataset interface defines methods that all datasets must implement
type Dataset interface {
	Len() int                                       // Total number of samples
	Get(idx int) (data, label []float64, err error) // Returns a single sample
	Dims() (features, targets int)                  // Width of a data row and a label row
}

// Batch represents a batch of data and labels. For classification Labels
// is a [batch, 1] column of class indices.
type Batch struct {
	Data   *mat.Dense
	Labels *mat.Dense
}

// Size returns the number of samples in the batch
func (b *Batch) Size() int {
	r, _ := b.Data.Dims()
	return r
}

// DataSource is a re-iterable, finite sequence of batches.
type DataSource interface {
	Len() int              // Number of batches in an epoch
	NumSamples() int       // Number of samples in an epoch
	Reset()                // Rewinds to the first batch of a new epoch
	Next() (*Batch, error) // Returns the next batch, or nil when the epoch is complete
}

// DataLoader provides batching and shuffling over a Dataset
type DataLoader struct {
	dataset   Dataset
	batchSize int
	shuffle   bool
	rng       *rand.Rand
	indices   []int
	position  int
	mutex     sync.Mutex
}

// NewDataLoader creates a new DataLoader. seed drives the shuffle order.
func NewDataLoader(dataset Dataset, batchSize int, shuffle bool, seed int64) *DataLoader {
	if batchSize <= 0 {
		batchSize = 1
	}

	datasetLen := dataset.Len()
	indices := make([]int, datasetLen)
	for i := range indices {
		indices[i] = i
	}

	return &DataLoader{
		dataset:   dataset,
		batchSize: batchSize,
		shuffle:   shuffle,
		rng:       rand.New(rand.NewSource(seed)),
		indices:   indices,
		position:  0,
	}
}

// Len returns the number of batches in an epoch
func (dl *DataLoader) Len() int {
	return (dl.dataset.Len() + dl.batchSize - 1) / dl.batchSize
}

// NumSamples returns the size of the underlying dataset
func (dl *DataLoader) NumSamples() int {
	return dl.dataset.Len()
}

// Reset resets the data loader for a new epoch
func (dl *DataLoader) Reset() {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()

	dl.position = 0

	if dl.shuffle {
		dl.rng.Shuffle(len(dl.indices), func(i, j int) {
			dl.indices[i], dl.indices[j] = dl.indices[j], dl.indices[i]
		})
	}
}

// Next returns the next batch or nil if epoch is complete
func (dl *DataLoader) Next() (*Batch, error) {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()

	if dl.position >= len(dl.indices) {
		return nil, nil // End of epoch
	}

	// Calculate batch end position
	batchEnd := dl.position + dl.batchSize
	if batchEnd > len(dl.indices) {
		batchEnd = len(dl.indices)
	}

	batchIndices := dl.indices[dl.position:batchEnd]
	dl.position = batchEnd

	batch, err := dl.loadBatch(batchIndices)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load batch")
	}
	return batch, nil
}

// HasNext returns true if there are more batches in the current epoch
func (dl *DataLoader) HasNext() bool {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()
	return dl.position < len(dl.indices)
}

// loadBatch copies the selected samples into batch matrices
func (dl *DataLoader) loadBatch(indices []int) (*Batch, error) {
	features, targets := dl.dataset.Dims()
	data := mat.NewDense(len(indices), features, nil)
	labels := mat.NewDense(len(indices), targets, nil)

	for i, idx := range indices {
		x, y, err := dl.dataset.Get(idx)
		if err != nil {
			return nil, errors.Wrapf(err, "sample %d", idx)
		}
		if len(x) != features || len(y) != targets {
			return nil, errors.Errorf("sample %d has shape (%d, %d), expected (%d, %d)",
				idx, len(x), len(y), features, targets)
		}
		data.SetRow(i, x)
		labels.SetRow(i, y)
	}

	return &Batch{Data: data, Labels: labels}, nil
}

// TensorDataset serves rows of two matrices as samples
type TensorDataset struct {
	data   *mat.Dense
	labels *mat.Dense
}

// NewTensorDataset pairs row i of data with row i of labels
func NewTensorDataset(data, labels *mat.Dense) (*TensorDataset, error) {
	if data == nil || labels == nil {
		return nil, errors.New("data and labels are required")
	}
	dr, _ := data.Dims()
	lr, _ := labels.Dims()
	if dr != lr {
		return nil, errors.Errorf("data has %d rows but labels has %d", dr, lr)
	}
	return &TensorDataset{data: data, labels: labels}, nil
}

// Len returns the number of samples
func (ds *TensorDataset) Len() int {
	r, _ := ds.data.Dims()
	return r
}

// Dims returns the feature and target widths
func (ds *TensorDataset) Dims() (int, int) {
	_, features := ds.data.Dims()
	_, targets := ds.labels.Dims()
	return features, targets
}

// Get returns copies of row idx
func (ds *TensorDataset) Get(idx int) ([]float64, []float64, error) {
	if idx < 0 || idx >= ds.Len() {
		return nil, nil, errors.Errorf("index %d out of range [0, %d)", idx, ds.Len())
	}
	return mat.Row(nil, idx, ds.data), mat.Row(nil, idx, ds.labels), nil
}
