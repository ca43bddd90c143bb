package async

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/tsawler/go-snapshot/training"
)

// prefetched is one batch, or the error that ended the epoch
type prefetched struct {
	batch *training.Batch
	err   error
}

// PrefetchLoader wraps a DataSource and loads the next batches of the
// current epoch in a background goroutine. It is itself a DataSource, so it
// can be passed anywhere a loader is expected. Batch order is unchanged.
type PrefetchLoader struct {
	source        training.DataSource
	prefetchDepth int

	mutex      sync.Mutex
	items      chan prefetched
	cancel     context.CancelFunc
	done       chan struct{}
	produced   atomic.Uint64
	generation uint64
}

// PrefetchLoaderConfig holds configuration for the prefetching loader
type PrefetchLoaderConfig struct {
	PrefetchDepth int // Number of batches to load ahead (default: 3)
}

// NewPrefetchLoader creates a prefetching wrapper around source
func NewPrefetchLoader(source training.DataSource, config PrefetchLoaderConfig) (*PrefetchLoader, error) {
	if source == nil {
		return nil, errors.New("data source cannot be nil")
	}
	if config.PrefetchDepth <= 0 {
		config.PrefetchDepth = 3
	}
	return &PrefetchLoader{source: source, prefetchDepth: config.PrefetchDepth}, nil
}

// Len returns the number of batches per epoch of the wrapped source
func (pl *PrefetchLoader) Len() int {
	return pl.source.Len()
}

// NumSamples returns the number of samples per epoch of the wrapped source
func (pl *PrefetchLoader) NumSamples() int {
	return pl.source.NumSamples()
}

// Reset stops the current epoch, rewinds the source and starts loading the
// next epoch in the background.
func (pl *PrefetchLoader) Reset() {
	pl.mutex.Lock()
	defer pl.mutex.Unlock()

	pl.stop()
	pl.source.Reset()
	pl.start()
}

// Next returns the next batch, or nil once the epoch is complete. It blocks
// until the background worker has the batch ready.
func (pl *PrefetchLoader) Next() (*training.Batch, error) {
	pl.mutex.Lock()
	defer pl.mutex.Unlock()

	if pl.items == nil {
		pl.start()
	}
	item, ok := <-pl.items
	if !ok {
		return nil, nil
	}
	if item.err != nil {
		return nil, errors.Wrap(item.err, "prefetch")
	}
	return item.batch, nil
}

// Close stops the background worker. The loader can be reused after Reset.
func (pl *PrefetchLoader) Close() {
	pl.mutex.Lock()
	defer pl.mutex.Unlock()
	pl.stop()
}

func (pl *PrefetchLoader) start() {
	ctx, cancel := context.WithCancel(context.Background())
	pl.items = make(chan prefetched, pl.prefetchDepth)
	pl.cancel = cancel
	pl.done = make(chan struct{})
	pl.generation++
	go pl.worker(ctx, pl.items, pl.done)
}

// stop cancels the worker and waits for it to exit. Callers hold the mutex.
func (pl *PrefetchLoader) stop() {
	if pl.cancel == nil {
		return
	}
	pl.cancel()
	<-pl.done
	pl.cancel = nil
	pl.items = nil
	pl.done = nil
}

// worker reads one epoch from the source into items
func (pl *PrefetchLoader) worker(ctx context.Context, items chan<- prefetched, done chan<- struct{}) {
	defer close(done)
	defer close(items)

	for {
		batch, err := pl.source.Next()
		if batch == nil && err == nil {
			return
		}

		select {
		case items <- prefetched{batch: batch, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}

		pl.produced.Add(1)
	}
}

// Stats returns statistics about the loader
func (pl *PrefetchLoader) Stats() PrefetchLoaderStats {
	pl.mutex.Lock()
	queued, capacity := 0, pl.prefetchDepth
	if pl.items != nil {
		queued = len(pl.items)
	}
	generation := pl.generation
	running := pl.cancel != nil
	pl.mutex.Unlock()

	return PrefetchLoaderStats{
		IsRunning:       running,
		BatchesProduced: pl.produced.Load(),
		QueuedBatches:   queued,
		QueueCapacity:   capacity,
		Generation:      generation,
	}
}

// PrefetchLoaderStats provides statistics about the loader
type PrefetchLoaderStats struct {
	IsRunning       bool
	BatchesProduced uint64
	QueuedBatches   int
	QueueCapacity   int
	Generation      uint64 // Number of epochs started
}
