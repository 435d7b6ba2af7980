package pipeline

import (
	"context"
	"io"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/tsawler/go-cxr/checkpoints"
	"github.com/tsawler/go-cxr/config"
	"github.com/tsawler/go-cxr/engine"
	"github.com/tsawler/go-cxr/models"
	"github.com/tsawler/go-cxr/training"
	"github.com/tsawler/go-cxr/vision/dataloader"
	"github.com/tsawler/go-cxr/vision/preprocessing"
)

// RunRecorder persists run-level bookkeeping. The registry package provides
// the database-backed implementation.
type RunRecorder interface {
	StartRun(id string, cfg *config.Config) error
	EpochReporter(id string) training.Reporter
	FinishRun(id string, m *checkpoints.Manifest, runErr error) error
}

// Options configures Run. Source and Store default to ones built from
// Config; Recorder, Reporter and Progress are optional.
type Options struct {
	Config    *config.Config
	Source    dataloader.Source
	Transform *preprocessing.Transform
	Store     *checkpoints.Store
	Recorder  RunRecorder
	Reporter  training.Reporter
	Progress  io.Writer
	PlotDir   string // training curves of the deployed variants are written here when set
	Logger    *zap.Logger
}

// Result is everything a finished run produced.
type Result struct {
	RunID     string
	Outcome   *Outcome
	Manifest  *checkpoints.Manifest
	Report    *training.ConfusionMatrix
	Histories map[checkpoints.Variant]*training.History
	Plots     []string
}

// Run trains, escalates, selects and persists one deployment.
func Run(ctx context.Context, opts Options) (res *Result, err error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	runID := uuid.NewString()
	logger = logger.With(zap.String("run_id", runID))
	res = &Result{RunID: runID, Histories: make(map[checkpoints.Variant]*training.History)}

	source := opts.Source
	transform := preprocessing.DefaultTransform(cfg.Data.ImageSize)
	if opts.Transform != nil {
		transform = *opts.Transform
	}
	if source == nil {
		fs, err := dataloader.NewFolderSource(cfg.Data, logger)
		if err != nil {
			return nil, err
		}
		defer fs.Close()
		source, transform = fs, fs.Transform()
	}

	store := opts.Store
	if store == nil {
		format, err := checkpoints.ParseFormat(cfg.Checkpoints.Format)
		if err != nil {
			return nil, err
		}
		if store, err = checkpoints.NewStore(cfg.Checkpoints.Dir, format, logger); err != nil {
			return nil, err
		}
	}

	classes := source.Classes()
	weights, err := training.ComputeClassWeights(classes, source.ClassCounts())
	if err != nil {
		return nil, err
	}
	logger.Info("class weights", zap.String("weights", weights.String()))

	charts := training.NewChartReporter()
	reporters := training.MultiReporter{training.LogReporter{Logger: logger}, charts}
	if opts.Reporter != nil {
		reporters = append(reporters, opts.Reporter)
	}
	if opts.Recorder != nil {
		if err := opts.Recorder.StartRun(runID, cfg); err != nil {
			return nil, errors.WithMessage(err, "record run start")
		}
		reporters = append(reporters, opts.Recorder.EpochReporter(runID))
		defer func() {
			var m *checkpoints.Manifest
			if res != nil {
				m = res.Manifest
			}
			if ferr := opts.Recorder.FinishRun(runID, m, err); ferr != nil {
				logger.Warn("could not record run result", zap.Error(ferr))
			}
		}()
	}

	manager := training.NewCheckpointManager(store, checkpoints.CheckpointMetadata{
		ClassLabels:   classes,
		Preprocessing: transform,
		Tags:          []string{runID},
	}, logger)
	tcfg := training.TrainerConfigFrom(cfg.Training)
	tcfg.Reporter = reporters
	tcfg.Logger = logger
	tcfg.Progress = opts.Progress
	phased, err := training.NewPhasedTrainer(source, weights, manager, tcfg)
	if err != nil {
		return nil, err
	}

	builder := &models.Builder{
		ImageSize: transform.ImageSize,
		Pretrained: map[checkpoints.Variant]string{
			checkpoints.BackboneA: cfg.Backbones.APretrained,
			checkpoints.BackboneB: cfg.Backbones.BPretrained,
		},
		Engine: engine.Config{
			Optimizer:    cfg.Training.Optimizer,
			LearningRate: float32(cfg.Training.BackboneA.WarmUp.LearningRate),
			Seed:         cfg.Training.Seed,
		},
		Logger: logger,
	}
	trainer := NewEngineTrainer(builder, phased, len(classes), cfg.Training, logger)
	evaluator := NewStoreEvaluator(store, source.Validation(), classes, logger)

	controller, err := NewController(trainer, evaluator, cfg.Training.TargetAccuracy, logger)
	if err != nil {
		return nil, err
	}
	outcome, err := controller.Run(ctx)
	res.Outcome = outcome
	for _, t := range outcome.Trainings {
		if h, ok := trainer.History(t.Variant); ok {
			res.Histories[t.Variant] = h
		}
	}
	if err != nil {
		return res, err
	}

	if err := outcome.Deployed.Finalize(store, runID); err != nil {
		return res, err
	}
	res.Manifest = outcome.Deployed.Manifest(runID, classes)
	if err := store.SaveManifest(res.Manifest); err != nil {
		return res, err
	}
	if cm, ok := evaluator.ConfusionMatrix(outcome.Deployed.Variant); ok {
		res.Report = cm
		logger.Info("deployed predictor report\n" + cm.Report())
	}

	if opts.PlotDir != "" {
		for _, v := range outcome.Deployed.Members {
			path := filepath.Join(opts.PlotDir, string(v)+".png")
			if err := charts.RenderFile(v, path); err != nil {
				logger.Warn("could not plot training curves", zap.String("variant", string(v)), zap.Error(err))
				continue
			}
			res.Plots = append(res.Plots, path)
		}
	}

	logger.Info("run complete",
		zap.String("deployed", string(outcome.Deployed.Variant)),
		zap.Float64("accuracy", outcome.Deployed.Accuracy),
		zap.Int("trainings", len(outcome.Trainings)))
	return res, nil
}
