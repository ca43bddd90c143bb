package training

import (
	"github.com/pkg/errors"
)

// SubsetDataset exposes the contiguous range [offset, offset+limit) of an
// underlying dataset, e.g. to carve a validation split out of one dataset.
type SubsetDataset struct {
	originalDataset Dataset
	offset          int
	limit           int
}

// NewSubsetDataset wraps original. limit is truncated to the samples
// available after offset.
func NewSubsetDataset(original Dataset, offset, limit int) (*SubsetDataset, error) {
	if offset < 0 || limit < 0 {
		return nil, errors.Errorf("offset and limit cannot be negative: %d, %d", offset, limit)
	}
	if offset > original.Len() {
		return nil, errors.Errorf("offset %d beyond dataset of %d samples", offset, original.Len())
	}
	if offset+limit > original.Len() {
		limit = original.Len() - offset
	}
	return &SubsetDataset{
		originalDataset: original,
		offset:          offset,
		limit:           limit,
	}, nil
}

// SplitDataset returns the first n samples and the rest as two subsets
func SplitDataset(original Dataset, n int) (*SubsetDataset, *SubsetDataset, error) {
	head, err := NewSubsetDataset(original, 0, n)
	if err != nil {
		return nil, nil, err
	}
	tail, err := NewSubsetDataset(original, head.Len(), original.Len())
	if err != nil {
		return nil, nil, err
	}
	return head, tail, nil
}

// Len returns the number of samples in the subset
func (sd *SubsetDataset) Len() int {
	return sd.limit
}

// Dims returns the dimensions of the underlying dataset
func (sd *SubsetDataset) Dims() (int, int) {
	return sd.originalDataset.Dims()
}

// Get returns sample offset+idx of the original dataset
func (sd *SubsetDataset) Get(idx int) ([]float64, []float64, error) {
	if idx < 0 || idx >= sd.limit {
		return nil, nil, errors.Errorf("index out of bounds for subset: %d (limit: %d)", idx, sd.limit)
	}
	return sd.originalDataset.Get(sd.offset + idx)
}
