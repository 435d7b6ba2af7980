package dataloader

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/tsawler/go-cxr/config"
	"github.com/tsawler/go-cxr/errdefs"
	"github.com/tsawler/go-cxr/vision/dataset"
	"github.com/tsawler/go-cxr/vision/preprocessing"
)

// Source provides the training and validation streams of a labelled image set.
type Source interface {
	Classes() []string
	// ClassCounts are the per-class sample counts of the training split.
	ClassCounts() []int
	Train() Stream
	Validation() Stream
}

// FolderSource is a Source over a class-per-directory image folder.
type FolderSource struct {
	classes   []string
	counts    []int
	transform preprocessing.Transform
	train     *DataLoader
	val       *DataLoader
}

// NewFolderSource scans cfg.Root, splits it by class and wires two loaders
// that share one decoded-image cache.
func NewFolderSource(cfg config.DataConfig, logger *zap.Logger) (*FolderSource, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	transform := preprocessing.DefaultTransform(cfg.ImageSize)
	if len(cfg.Mean) == 3 {
		copy(transform.Mean[:], cfg.Mean)
	}
	if len(cfg.Std) == 3 {
		copy(transform.Std[:], cfg.Std)
	}
	processor, err := preprocessing.NewImageProcessor(transform)
	if err != nil {
		return nil, err
	}

	full, err := dataset.NewImageFolderDataset(cfg.Root, nil)
	if err != nil {
		return nil, err
	}
	if full.NumClasses() < 2 {
		return nil, errdefs.Configuration("data root %s has %d class directories, need at least 2", cfg.Root, full.NumClasses())
	}
	train, val, err := full.Split(cfg.ValidationSplit, cfg.Seed)
	if err != nil {
		return nil, err
	}
	logger.Info("dataset loaded",
		zap.String("root", cfg.Root),
		zap.Strings("classes", full.ClassNames()),
		zap.Int("train", train.Len()),
		zap.Int("validation", val.Len()))

	cache, err := NewCacheManager(cfg.CacheSize)
	if err != nil {
		return nil, err
	}
	base := Config{
		BatchSize:    cfg.BatchSize,
		NumClasses:   full.NumClasses(),
		NumWorkers:   cfg.Workers,
		Prefetch:     cfg.Prefetch,
		Seed:         cfg.Seed,
		CacheManager: cache,
		Logger:       logger,
	}

	trainCfg := base
	trainCfg.Shuffle = true
	trainCfg.HorizontalFlip = cfg.HorizontalFlip
	trainLoader, err := NewDataLoader(train, processor, trainCfg)
	if err != nil {
		return nil, errors.Wrap(err, "training loader")
	}
	valLoader, err := NewDataLoader(val, processor, base)
	if err != nil {
		return nil, errors.Wrap(err, "validation loader")
	}

	return &FolderSource{
		classes:   full.ClassNames(),
		counts:    train.ClassCounts(),
		transform: transform,
		train:     trainLoader,
		val:       valLoader,
	}, nil
}

func (s *FolderSource) Classes() []string { return append([]string(nil), s.classes...) }

func (s *FolderSource) ClassCounts() []int { return append([]int(nil), s.counts...) }

func (s *FolderSource) Train() Stream { return s.train }

func (s *FolderSource) Validation() Stream { return s.val }

// Transform returns the preprocessing applied to every image.
func (s *FolderSource) Transform() preprocessing.Transform { return s.transform }

// Close stops both loaders.
func (s *FolderSource) Close() {
	s.train.Close()
	s.val.Close()
}
