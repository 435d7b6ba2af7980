package training

import (
	"context"
	"fmt"
	"io"
	"math"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/tsawler/go-cxr/checkpoints"
	"github.com/tsawler/go-cxr/config"
	"github.com/tsawler/go-cxr/engine"
	"github.com/tsawler/go-cxr/errdefs"
	"github.com/tsawler/go-cxr/tensor"
	"github.com/tsawler/go-cxr/vision/dataloader"
)

// Model is what the phased trainer needs from a trainable classifier.
// *engine.Model implements it.
type Model interface {
	TrainBatch(x, y *tensor.Tensor, classWeights []float32) (engine.BatchResult, error)
	EvaluateBatch(x, y *tensor.Tensor) (engine.BatchResult, error)
	Compile(lr float32) error
	SetLearningRate(lr float32)
	LearningRate() float32
	HasBackbone() bool
	FreezeBackbone()
	UnfreezeBackbone(frozenPrefix int) error
	Weights() []checkpoints.WeightTensor
	LoadWeights(weights []checkpoints.WeightTensor, partial bool) (int, error)
	Checkpoint(meta checkpoints.CheckpointMetadata) *checkpoints.Checkpoint
}

// PhasePlan is the epoch budget and learning rate of one phase.
type PhasePlan struct {
	Epochs       int
	LearningRate float64
}

// Plan describes how one variant is trained. Pretrained plans run a warm-up
// with the backbone frozen followed by a fine-tune with backbone layers
// [FrozenBackbonePrefix, end) trainable; other plans run a single full phase.
type Plan struct {
	Pretrained           bool
	WarmUp               PhasePlan
	FineTune             PhasePlan
	FrozenBackbonePrefix int
	Full                 PhasePlan
}

// Validate checks budgets and learning rates.
func (p Plan) Validate() error {
	check := func(name string, pp PhasePlan) error {
		if pp.Epochs <= 0 {
			return errdefs.Configuration("%s epochs must be positive, got %d", name, pp.Epochs)
		}
		if pp.LearningRate <= 0 {
			return errdefs.Configuration("%s learning rate must be positive, got %g", name, pp.LearningRate)
		}
		return nil
	}
	if !p.Pretrained {
		return check("full", p.Full)
	}
	if err := check("warm-up", p.WarmUp); err != nil {
		return err
	}
	if err := check("fine-tune", p.FineTune); err != nil {
		return err
	}
	if p.FrozenBackbonePrefix < 0 {
		return errdefs.Configuration("frozen backbone prefix must not be negative, got %d", p.FrozenBackbonePrefix)
	}
	return nil
}

// PlanFor returns the configured plan of a variant.
func PlanFor(v checkpoints.Variant, cfg config.TrainingConfig) (Plan, error) {
	fromVariant := func(vp config.VariantPlan) Plan {
		return Plan{
			Pretrained:           true,
			WarmUp:               PhasePlan{Epochs: vp.WarmUp.Epochs, LearningRate: vp.WarmUp.LearningRate},
			FineTune:             PhasePlan{Epochs: vp.FineTune.Epochs, LearningRate: vp.FineTune.LearningRate},
			FrozenBackbonePrefix: vp.FrozenBackbonePrefix,
		}
	}
	var p Plan
	switch v {
	case checkpoints.BackboneA:
		p = fromVariant(cfg.BackboneA)
	case checkpoints.BackboneB:
		p = fromVariant(cfg.BackboneB)
	case checkpoints.CustomCNN:
		p = Plan{Full: PhasePlan{Epochs: cfg.Custom.Epochs, LearningRate: cfg.Custom.LearningRate}}
	default:
		return Plan{}, errdefs.Configuration("no training plan for variant %q", v)
	}
	return p, p.Validate()
}

// TrainerConfig holds the callbacks shared by every phase.
type TrainerConfig struct {
	EarlyStopPatience  int
	PlateauPatience    int
	PlateauFactor      float64
	PlateauMinDelta    float64
	MinLearningRate    float64
	RestoreBestWeights bool

	Reporter Reporter
	Logger   *zap.Logger
	Progress io.Writer // optional batch progress bar
}

// TrainerConfigFrom maps the training section of the configuration.
func TrainerConfigFrom(cfg config.TrainingConfig) TrainerConfig {
	return TrainerConfig{
		EarlyStopPatience:  cfg.EarlyStopPatience,
		PlateauPatience:    cfg.PlateauPatience,
		PlateauFactor:      cfg.PlateauFactor,
		PlateauMinDelta:    cfg.PlateauMinDelta,
		MinLearningRate:    cfg.MinLearningRate,
		RestoreBestWeights: cfg.RestoreBestWeights,
	}
}

// TrainResult summarizes the training of one variant.
type TrainResult struct {
	Variant      checkpoints.Variant
	History      *History
	BestAccuracy float64 // best validation accuracy over every epoch of every phase
	Checkpointed bool    // whether any epoch produced an artifact
}

// PhasedTrainer trains models phase by phase against a Source, saving the
// best artifact of each variant through a CheckpointManager.
type PhasedTrainer struct {
	source      dataloader.Source
	weights     ClassWeightTable
	checkpoints *CheckpointManager
	config      TrainerConfig
	logger      *zap.Logger
}

// NewPhasedTrainer creates a trainer. The class weights must cover the
// source's classes in the same order.
func NewPhasedTrainer(source dataloader.Source, weights ClassWeightTable, ckpt *CheckpointManager, cfg TrainerConfig) (*PhasedTrainer, error) {
	classes := source.Classes()
	if weights.Len() != len(classes) {
		return nil, errdefs.Configuration("%d class weights for %d classes", weights.Len(), len(classes))
	}
	for i, l := range weights.Labels() {
		if l != classes[i] {
			return nil, errdefs.Configuration("class weight %d is for %q, source class is %q", i, l, classes[i])
		}
	}
	if ckpt == nil {
		return nil, errdefs.Configuration("phased trainer needs a checkpoint manager")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Reporter == nil {
		cfg.Reporter = LogReporter{Logger: logger}
	}
	return &PhasedTrainer{
		source:      source,
		weights:     weights,
		checkpoints: ckpt,
		config:      cfg,
		logger:      logger,
	}, nil
}

// Train runs plan on model and returns the combined history. The model ends
// holding the best weights of its last phase when RestoreBestWeights is set.
func (t *PhasedTrainer) Train(ctx context.Context, model Model, v checkpoints.Variant, plan Plan) (*TrainResult, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	result := &TrainResult{Variant: v, History: &History{Variant: v}}
	logger := t.logger.With(zap.String("variant", string(v)))
	sched := &phaseSchedule{
		plateau: NewReduceLROnPlateau(t.config.PlateauFactor, t.config.PlateauPatience, t.config.PlateauMinDelta, t.config.MinLearningRate),
		early:   NewEarlyStopping(t.config.EarlyStopPatience),
	}

	run := func(phase checkpoints.Phase, pp PhasePlan) error {
		if err := model.Compile(float32(pp.LearningRate)); err != nil {
			return errors.Wrapf(err, "compile %s for %s", v, phase)
		}
		logger.Info("phase started",
			zap.String("phase", string(phase)),
			zap.Int("epochs", pp.Epochs),
			zap.Float64("learning_rate", pp.LearningRate))
		sched.reset()
		r, improved, err := t.runPhase(ctx, model, v, phase, pp.Epochs, sched)
		if r != nil {
			result.History.Add(r)
		}
		if err != nil {
			return err
		}
		if !improved {
			logger.Warn("phase finished without improving validation accuracy",
				zap.String("phase", string(phase)))
		}
		result.Checkpointed = result.Checkpointed || improved
		return nil
	}

	if plan.Pretrained {
		if !model.HasBackbone() {
			return nil, errdefs.Configuration("variant %s has no backbone for a pretrained plan", v)
		}
		model.FreezeBackbone()
		if err := run(checkpoints.PhaseWarmUp, plan.WarmUp); err != nil {
			return result, err
		}
		if err := model.UnfreezeBackbone(plan.FrozenBackbonePrefix); err != nil {
			return result, err
		}
		logger.Info("backbone unfrozen", zap.Int("frozen_prefix", plan.FrozenBackbonePrefix))
		if err := run(checkpoints.PhaseFineTune, plan.FineTune); err != nil {
			return result, err
		}
	} else {
		if err := run(checkpoints.PhaseFull, plan.Full); err != nil {
			return result, err
		}
	}

	result.BestAccuracy = result.History.BestAccuracy()
	logger.Info("training finished", zap.Float64("best_val_accuracy", result.BestAccuracy))
	return result, nil
}

// phaseSchedule holds the plateau and early-stopping state of one Train call.
// Both restart at every phase boundary.
type phaseSchedule struct {
	plateau *ReduceLROnPlateau
	early   *EarlyStopping
}

func (s *phaseSchedule) reset() {
	s.plateau.Reset()
	s.early.Reset()
}

// runPhase trains up to epochs epochs. It reports whether any epoch was
// checkpointed.
func (t *PhasedTrainer) runPhase(ctx context.Context, model Model, v checkpoints.Variant, phase checkpoints.Phase, epochs int, sched *phaseSchedule) (*TrainingRun, bool, error) {
	run := &TrainingRun{Variant: v, Phase: phase}
	plateau, early := sched.plateau, sched.early
	classWeights := t.weights.Slice()

	var bestWeights []checkpoints.WeightTensor
	improved := false

	for epoch := 0; epoch < epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return run, improved, err
		}
		lr := float64(model.LearningRate())

		trainLoss, trainAcc, err := t.trainEpoch(ctx, model, classWeights, fmt.Sprintf("%s %s %d/%d", v, phase, epoch+1, epochs))
		if err != nil {
			return run, improved, err
		}
		valLoss, valAcc, err := t.validateEpoch(ctx, model)
		if err != nil {
			return run, improved, err
		}

		record := EpochRecord{
			Variant:       v,
			Phase:         phase,
			EpochIndex:    epoch,
			TrainLoss:     trainLoss,
			TrainAccuracy: trainAcc,
			ValLoss:       valLoss,
			ValAccuracy:   valAcc,
			LearningRate:  lr,
		}
		run.Epochs = append(run.Epochs, record)
		if err := t.config.Reporter.ReportEpoch(record); err != nil {
			t.logger.Warn("epoch reporter failed", zap.Error(err))
		}
		if math.IsNaN(trainLoss) || math.IsNaN(valLoss) {
			t.logger.Warn("loss is NaN",
				zap.String("variant", string(v)),
				zap.String("phase", string(phase)),
				zap.Int("epoch", epoch+1))
		}

		better, stop := early.Observe(epoch, valAcc)
		if better && t.config.RestoreBestWeights {
			bestWeights = model.Weights()
		}
		saved, err := t.checkpoints.SaveBestCheckpoint(v, phase, epoch, valAcc, model)
		if err != nil {
			return run, improved, err
		}
		improved = improved || saved

		if next, reduced := plateau.Step(valLoss, lr); reduced {
			model.SetLearningRate(float32(next))
			t.logger.Info("reducing learning rate",
				zap.String("variant", string(v)),
				zap.Float64("from", lr),
				zap.Float64("to", next))
		}
		if stop {
			run.Stopped = true
			t.logger.Info("early stopping",
				zap.String("variant", string(v)),
				zap.String("phase", string(phase)),
				zap.Int("epoch", epoch+1))
			break
		}
	}

	if _, at := early.Best(); bestWeights != nil && at != len(run.Epochs)-1 {
		if _, err := model.LoadWeights(bestWeights, false); err != nil {
			return run, improved, errors.Wrap(err, "restore best weights")
		}
		t.logger.Debug("restored best weights", zap.Int("epoch", at+1))
	}
	return run, improved, nil
}

func (t *PhasedTrainer) trainEpoch(ctx context.Context, model Model, classWeights []float32, label string) (loss, accuracy float64, err error) {
	stream := t.source.Train()
	stream.Reset()
	var bar *ProgressBar
	if t.config.Progress != nil {
		bar = NewProgressBar(t.config.Progress, label, stream.Len())
	}

	var sumLoss float64
	var correct, count, step int
	for {
		batch, err := stream.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, 0, errors.Wrap(err, "read training batch")
		}
		res, err := model.TrainBatch(batch.Images, batch.Labels, classWeights)
		if err != nil {
			return 0, 0, err
		}
		sumLoss += res.Loss * float64(res.Count)
		correct += res.Correct
		count += res.Count
		step++
		if bar != nil {
			bar.Update(step, map[string]float64{
				"loss": sumLoss / float64(count),
				"acc":  float64(correct) / float64(count),
			})
		}
	}
	if bar != nil {
		bar.Finish()
	}
	if count == 0 {
		return 0, 0, errdefs.Configuration("training stream yielded no samples")
	}
	return sumLoss / float64(count), float64(correct) / float64(count), nil
}

func (t *PhasedTrainer) validateEpoch(ctx context.Context, model Model) (loss, accuracy float64, err error) {
	stream := t.source.Validation()
	stream.Reset()
	var sumLoss float64
	var correct, count int
	for {
		batch, err := stream.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, 0, errors.Wrap(err, "read validation batch")
		}
		res, err := model.EvaluateBatch(batch.Images, batch.Labels)
		if err != nil {
			return 0, 0, err
		}
		sumLoss += res.Loss * float64(res.Count)
		correct += res.Correct
		count += res.Count
	}
	if count == 0 {
		return 0, 0, errdefs.Configuration("validation stream yielded no samples")
	}
	return sumLoss / float64(count), float64(correct) / float64(count), nil
}
