package pipeline

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/tsawler/go-cxr/checkpoints"
	"github.com/tsawler/go-cxr/config"
	"github.com/tsawler/go-cxr/inference"
	"github.com/tsawler/go-cxr/models"
	"github.com/tsawler/go-cxr/training"
	"github.com/tsawler/go-cxr/vision/dataloader"
)

// EngineTrainer builds each variant with a models.Builder and trains it with
// a training.PhasedTrainer.
type EngineTrainer struct {
	builder *models.Builder
	trainer *training.PhasedTrainer
	classes int
	config  config.TrainingConfig
	logger  *zap.Logger

	mu        sync.Mutex
	histories map[checkpoints.Variant]*training.History
}

// NewEngineTrainer creates a CandidateTrainer.
func NewEngineTrainer(builder *models.Builder, trainer *training.PhasedTrainer, numClasses int, cfg config.TrainingConfig, logger *zap.Logger) *EngineTrainer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EngineTrainer{
		builder:   builder,
		trainer:   trainer,
		classes:   numClasses,
		config:    cfg,
		logger:    logger,
		histories: make(map[checkpoints.Variant]*training.History),
	}
}

func (t *EngineTrainer) TrainCandidate(ctx context.Context, v checkpoints.Variant) (float64, error) {
	plan, err := training.PlanFor(v, t.config)
	if err != nil {
		return 0, err
	}
	model, err := t.builder.Build(v, t.classes)
	if err != nil {
		return 0, err
	}
	t.logger.Info("training candidate",
		zap.String("variant", string(v)),
		zap.Int64("parameters", model.Spec().TotalParameters))

	res, err := t.trainer.Train(ctx, model, v, plan)
	if res != nil {
		t.mu.Lock()
		t.histories[v] = res.History
		t.mu.Unlock()
	}
	if err != nil {
		return 0, err
	}
	if !res.Checkpointed {
		return 0, errors.Errorf("%s produced no checkpoint", v)
	}
	return res.BestAccuracy, nil
}

// History returns the combined history of a trained variant.
func (t *EngineTrainer) History(v checkpoints.Variant) (*training.History, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.histories[v]
	return h, ok
}

// StoreEvaluator loads artifacts from a checkpoint store and scores them on
// the full validation stream.
type StoreEvaluator struct {
	store   *checkpoints.Store
	val     dataloader.Stream
	classes []string
	logger  *zap.Logger

	mu         sync.Mutex
	predictors map[checkpoints.Variant]inference.Predictor
	matrices   map[checkpoints.Variant]*training.ConfusionMatrix
}

// NewStoreEvaluator creates an Evaluator.
func NewStoreEvaluator(store *checkpoints.Store, val dataloader.Stream, classes []string, logger *zap.Logger) *StoreEvaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreEvaluator{
		store:      store,
		val:        val,
		classes:    append([]string(nil), classes...),
		logger:     logger,
		predictors: make(map[checkpoints.Variant]inference.Predictor),
		matrices:   make(map[checkpoints.Variant]*training.ConfusionMatrix),
	}
}

// Predictor loads (once) the predictor of a stored variant.
func (e *StoreEvaluator) Predictor(v checkpoints.Variant) (inference.Predictor, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.predictors[v]; ok {
		return p, nil
	}
	ckpt, err := e.store.Load(v)
	if err != nil {
		return nil, err
	}
	p, err := inference.LoadModelPredictor(ckpt)
	if err != nil {
		return nil, err
	}
	e.predictors[v] = p
	return p, nil
}

// EnsemblePredictor combines stored members.
func (e *StoreEvaluator) EnsemblePredictor(members []checkpoints.Variant) (*inference.Ensemble, error) {
	preds := make([]inference.Predictor, len(members))
	for i, v := range members {
		p, err := e.Predictor(v)
		if err != nil {
			return nil, err
		}
		preds[i] = p
	}
	return inference.NewEnsemble(preds...)
}

func (e *StoreEvaluator) EvaluateCandidate(ctx context.Context, v checkpoints.Variant) (float64, error) {
	p, err := e.Predictor(v)
	if err != nil {
		return 0, err
	}
	return e.score(ctx, v, p)
}

func (e *StoreEvaluator) EvaluateEnsemble(ctx context.Context, members []checkpoints.Variant) (float64, error) {
	ens, err := e.EnsemblePredictor(members)
	if err != nil {
		return 0, err
	}
	return e.score(ctx, checkpoints.Ensemble, ens)
}

func (e *StoreEvaluator) score(ctx context.Context, v checkpoints.Variant, p inference.Predictor) (float64, error) {
	cm, err := training.Evaluate(ctx, p, e.val, e.classes)
	if err != nil {
		return 0, errors.WithMessagef(err, "evaluate %s", v)
	}
	e.mu.Lock()
	e.matrices[v] = cm
	e.mu.Unlock()
	return cm.Accuracy(), nil
}

// ConfusionMatrix returns the matrix of the last evaluation of v.
func (e *StoreEvaluator) ConfusionMatrix(v checkpoints.Variant) (*training.ConfusionMatrix, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cm, ok := e.matrices[v]
	return cm, ok
}
