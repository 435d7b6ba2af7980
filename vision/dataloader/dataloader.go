package dataloader

import (
	"context"
	"io"
	"math/rand"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tsawler/go-cxr/tensor"
	"github.com/tsawler/go-cxr/vision/preprocessing"
)

// Dataset interface defines the contract for datasets
type Dataset interface {
	Len() int
	GetItem(index int) (imagePath string, label int, err error)
}

// Batch is one mini-batch: NHWC images and one-hot labels.
type Batch struct {
	Images *tensor.Tensor // [n, h, w, 3]
	Labels *tensor.Tensor // [n, classes]
	Paths  []string
}

// Size returns the number of samples in the batch.
func (b *Batch) Size() int {
	return b.Images.Shape[0]
}

// Stream yields the batches of one epoch. Next returns io.EOF once the epoch
// is exhausted; Reset starts a new epoch.
type Stream interface {
	Reset()
	Next(ctx context.Context) (*Batch, error)
	Len() int
}

// Config holds configuration for DataLoader
type Config struct {
	BatchSize      int
	NumClasses     int
	Shuffle        bool
	HorizontalFlip bool
	NumWorkers     int // parallel decoders per batch
	Prefetch       int // batches buffered ahead of the consumer
	Seed           int64
	CacheManager   *CacheManager // optional, may be shared
	Logger         *zap.Logger
}

type batchResult struct {
	batch *Batch
	err   error
}

// DataLoader streams preprocessed batches from a Dataset. A producer
// goroutine decodes the next batches while the consumer trains on the current one.
type DataLoader struct {
	dataset   Dataset
	config    Config
	processor *preprocessing.ImageProcessor
	cache     *CacheManager
	logger    *zap.Logger

	mu      sync.Mutex
	epoch   int64
	results chan batchResult
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewDataLoader creates a new data loader
func NewDataLoader(dataset Dataset, processor *preprocessing.ImageProcessor, config Config) (*DataLoader, error) {
	if config.BatchSize <= 0 {
		return nil, errors.Errorf("batch size must be positive, got %d", config.BatchSize)
	}
	if config.NumClasses <= 0 {
		return nil, errors.Errorf("number of classes must be positive, got %d", config.NumClasses)
	}
	if config.NumWorkers <= 0 {
		config.NumWorkers = 1
	}
	if config.Prefetch <= 0 {
		config.Prefetch = 1
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	cache := config.CacheManager
	if cache == nil {
		var err error
		if cache, err = NewCacheManager(1000); err != nil {
			return nil, err
		}
	}
	return &DataLoader{
		dataset:   dataset,
		config:    config,
		processor: processor,
		cache:     cache,
		logger:    config.Logger,
	}, nil
}

// Len returns the number of batches per epoch.
func (dl *DataLoader) Len() int {
	return (dl.dataset.Len() + dl.config.BatchSize - 1) / dl.config.BatchSize
}

// Reset stops any epoch in progress. The next call to Next starts a new one.
func (dl *DataLoader) Reset() {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	dl.stopLocked()
}

// Close releases the producer goroutine.
func (dl *DataLoader) Close() {
	dl.Reset()
}

func (dl *DataLoader) stopLocked() {
	if dl.cancel == nil {
		return
	}
	dl.cancel()
	<-dl.done
	dl.cancel, dl.results, dl.done = nil, nil, nil
}

// Next returns the next batch, or io.EOF at the end of the epoch.
func (dl *DataLoader) Next(ctx context.Context) (*Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dl.mu.Lock()
	if dl.results == nil {
		dl.startLocked()
	}
	results := dl.results
	dl.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r, ok := <-results:
		if !ok {
			return nil, io.EOF
		}
		return r.batch, r.err
	}
}

func (dl *DataLoader) startLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	results := make(chan batchResult, dl.config.Prefetch)
	done := make(chan struct{})
	dl.cancel, dl.results, dl.done = cancel, results, done

	indices := make([]int, dl.dataset.Len())
	for i := range indices {
		indices[i] = i
	}
	rng := rand.New(rand.NewSource(dl.config.Seed + dl.epoch))
	dl.epoch++
	if dl.config.Shuffle {
		rng.Shuffle(len(indices), func(i, j int) {
			indices[i], indices[j] = indices[j], indices[i]
		})
	}

	go func() {
		defer close(done)
		defer close(results)
		for start := 0; start < len(indices); start += dl.config.BatchSize {
			end := start + dl.config.BatchSize
			if end > len(indices) {
				end = len(indices)
			}
			batch, err := dl.loadBatch(ctx, indices[start:end], rng)
			if ctx.Err() != nil {
				return
			}
			if err == nil && batch == nil {
				continue
			}
			select {
			case results <- batchResult{batch: batch, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()
}

// loadBatch decodes the images of one batch in parallel. Images that cannot be
// read are skipped with a warning; a batch with no readable image yields nil.
func (dl *DataLoader) loadBatch(ctx context.Context, indices []int, rng *rand.Rand) (*Batch, error) {
	type item struct {
		path  string
		label int
		data  []float32
	}
	items := make([]item, len(indices))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(dl.config.NumWorkers)
	for i, idx := range indices {
		i, idx := i, idx
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			path, label, err := dl.dataset.GetItem(idx)
			if err != nil {
				return errors.Wrapf(err, "dataset item %d", idx)
			}
			if label < 0 || label >= dl.config.NumClasses {
				return errors.Errorf("%s: label %d out of range", path, label)
			}
			data, err := dl.loadImage(path)
			if err != nil {
				dl.logger.Warn("skipping unreadable image", zap.String("path", path), zap.Error(err))
				return nil
			}
			items[i] = item{path: path, label: label, data: data}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	n := 0
	for _, it := range items {
		if it.data != nil {
			n++
		}
	}
	if n == 0 {
		return nil, nil
	}

	size := dl.processor.Transform().ImageSize
	per := size * size * preprocessing.Channels
	batch := &Batch{
		Images: tensor.New(n, size, size, preprocessing.Channels),
		Labels: tensor.New(n, dl.config.NumClasses),
		Paths:  make([]string, 0, n),
	}
	j := 0
	for _, it := range items {
		if it.data == nil {
			continue
		}
		dst := batch.Images.Data[j*per : (j+1)*per]
		copy(dst, it.data)
		if dl.config.HorizontalFlip && rng.Intn(2) == 1 {
			preprocessing.FlipHorizontal(dst, size, size)
		}
		batch.Labels.Data[j*dl.config.NumClasses+it.label] = 1
		batch.Paths = append(batch.Paths, it.path)
		j++
	}
	return batch, nil
}

// loadImage loads an image with caching support
func (dl *DataLoader) loadImage(path string) ([]float32, error) {
	if data, ok := dl.cache.Get(path); ok {
		return data, nil
	}
	img, err := dl.processor.PreprocessFile(path)
	if err != nil {
		return nil, err
	}
	dl.cache.Put(path, img.Data)
	return img.Data, nil
}

// Stats returns cache statistics
func (dl *DataLoader) Stats() CacheStats {
	return dl.cache.Stats()
}
