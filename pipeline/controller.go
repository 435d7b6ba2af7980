// Package pipeline drives one triage run: escalating through model variants
// until the accuracy target is met, selecting the deployed predictor and
// persisting it.
package pipeline

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/tsawler/go-cxr/checkpoints"
	"github.com/tsawler/go-cxr/errdefs"
)

// State is a step of the escalation state machine.
type State string

const (
	StateTrainPrimary        State = "train-primary"
	StateCheckPrimary        State = "check-primary"
	StateTrainCustom         State = "train-custom"
	StateSelectProvisional   State = "select-provisional"
	StateEvaluateProvisional State = "evaluate-provisional"
	StateTrainSecondary      State = "train-secondary"
	StateEvaluateEnsemble    State = "evaluate-ensemble"
	StateSelect              State = "select"
	StateDone                State = "done"
)

// The primary and secondary variants are pretrained; the custom CNN trains
// from scratch.
const (
	Primary   = checkpoints.BackboneA
	Custom    = checkpoints.CustomCNN
	Secondary = checkpoints.BackboneB
)

// maxSteps bounds the state machine; the longest path visits nine states.
const maxSteps = 16

// CandidateTrainer trains one variant to completion, leaving its best
// artifact in the checkpoint store, and returns the best validation accuracy
// seen during training.
type CandidateTrainer interface {
	TrainCandidate(ctx context.Context, v checkpoints.Variant) (float64, error)
}

// Evaluator measures final accuracy over the full validation stream.
type Evaluator interface {
	EvaluateCandidate(ctx context.Context, v checkpoints.Variant) (float64, error)
	EvaluateEnsemble(ctx context.Context, members []checkpoints.Variant) (float64, error)
}

// Training is one invocation of the CandidateTrainer.
type Training struct {
	Variant      checkpoints.Variant
	BestAccuracy float64
}

// Outcome records a finished escalation.
type Outcome struct {
	Deployed   DeployedPredictor
	States     []State
	Trainings  []Training
	Candidates []Scored // in escalation order
}

// Controller runs the escalation state machine.
type Controller struct {
	trainer   CandidateTrainer
	evaluator Evaluator
	target    float64
	logger    *zap.Logger
}

// NewController creates a controller aiming for target accuracy in (0, 1].
func NewController(trainer CandidateTrainer, evaluator Evaluator, target float64, logger *zap.Logger) (*Controller, error) {
	if trainer == nil || evaluator == nil {
		return nil, errdefs.Configuration("controller needs a trainer and an evaluator")
	}
	if target <= 0 || target > 1 {
		return nil, errdefs.Configuration("target accuracy must be in (0, 1], got %g", target)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{trainer: trainer, evaluator: evaluator, target: target, logger: logger}, nil
}

// run holds the mutable state of one Controller.Run.
type run struct {
	outcome     Outcome
	trained     []Training
	final       map[checkpoints.Variant]float64
	provisional checkpoints.Variant
	ensemble    *Scored
}

// Run executes the state machine until it reaches StateDone.
func (c *Controller) Run(ctx context.Context) (*Outcome, error) {
	r := &run{final: make(map[checkpoints.Variant]float64)}
	state := StateTrainPrimary
	for steps := 0; ; steps++ {
		if steps >= maxSteps {
			return &r.outcome, errors.Errorf("escalation did not finish within %d steps", maxSteps)
		}
		r.outcome.States = append(r.outcome.States, state)
		if state == StateDone {
			break
		}
		if err := ctx.Err(); err != nil {
			return &r.outcome, err
		}
		next, err := c.step(ctx, r, state)
		if err != nil {
			return &r.outcome, errors.WithMessagef(err, "escalation state %s", state)
		}
		c.logger.Debug("escalation transition", zap.String("from", string(state)), zap.String("to", string(next)))
		state = next
	}
	return &r.outcome, nil
}

func (c *Controller) step(ctx context.Context, r *run, state State) (State, error) {
	switch state {
	case StateTrainPrimary:
		return StateCheckPrimary, c.train(ctx, r, Primary)

	case StateCheckPrimary:
		acc := r.trained[0].BestAccuracy
		if acc < c.target {
			c.logger.Info("primary below target, training custom CNN",
				zap.Float64("accuracy", acc), zap.Float64("target", c.target))
			return StateTrainCustom, nil
		}
		return StateSelectProvisional, nil

	case StateTrainCustom:
		return StateSelectProvisional, c.train(ctx, r, Custom)

	case StateSelectProvisional:
		best := r.trained[0]
		for _, t := range r.trained[1:] {
			if t.BestAccuracy > best.BestAccuracy {
				best = t
			}
		}
		r.provisional = best.Variant
		c.logger.Info("provisional model selected",
			zap.String("variant", string(best.Variant)), zap.Float64("best_accuracy", best.BestAccuracy))
		return StateEvaluateProvisional, nil

	case StateEvaluateProvisional:
		acc, err := c.evaluate(ctx, r, r.provisional)
		if err != nil {
			return "", err
		}
		if acc < c.target {
			c.logger.Info("provisional below target, training secondary backbone",
				zap.Float64("accuracy", acc), zap.Float64("target", c.target))
			return StateTrainSecondary, nil
		}
		return StateSelect, nil

	case StateTrainSecondary:
		return StateEvaluateEnsemble, c.train(ctx, r, Secondary)

	case StateEvaluateEnsemble:
		members := []checkpoints.Variant{r.provisional, Secondary}
		acc, err := c.evaluator.EvaluateEnsemble(ctx, members)
		if err != nil {
			return "", err
		}
		r.ensemble = &Scored{Variant: checkpoints.Ensemble, Members: members, Accuracy: acc}
		c.logger.Info("ensemble evaluated", zap.Float64("accuracy", acc))
		return StateSelect, nil

	case StateSelect:
		for _, v := range []checkpoints.Variant{Primary, Custom, Secondary} {
			if !r.wasTrained(v) {
				continue
			}
			acc, err := c.evaluate(ctx, r, v)
			if err != nil {
				return "", err
			}
			r.outcome.Candidates = append(r.outcome.Candidates, Scored{Variant: v, Members: []checkpoints.Variant{v}, Accuracy: acc})
		}
		if r.ensemble != nil {
			r.outcome.Candidates = append(r.outcome.Candidates, *r.ensemble)
		}
		deployed, err := Select(r.outcome.Candidates)
		if err != nil {
			return "", err
		}
		r.outcome.Deployed = deployed
		c.logger.Info("deployed predictor selected",
			zap.String("variant", string(deployed.Variant)), zap.Float64("accuracy", deployed.Accuracy))
		return StateDone, nil
	}
	return "", errors.Errorf("unknown state %q", state)
}

func (c *Controller) train(ctx context.Context, r *run, v checkpoints.Variant) error {
	if r.wasTrained(v) {
		return errors.Errorf("%s already trained", v)
	}
	acc, err := c.trainer.TrainCandidate(ctx, v)
	if err != nil {
		return errors.WithMessagef(err, "train %s", v)
	}
	t := Training{Variant: v, BestAccuracy: acc}
	r.trained = append(r.trained, t)
	r.outcome.Trainings = append(r.outcome.Trainings, t)
	return nil
}

// evaluate returns the cached final accuracy of v or measures it.
func (c *Controller) evaluate(ctx context.Context, r *run, v checkpoints.Variant) (float64, error) {
	if acc, ok := r.final[v]; ok {
		return acc, nil
	}
	acc, err := c.evaluator.EvaluateCandidate(ctx, v)
	if err != nil {
		return 0, errors.WithMessagef(err, "evaluate %s", v)
	}
	r.final[v] = acc
	c.logger.Info("final accuracy measured", zap.String("variant", string(v)), zap.Float64("accuracy", acc))
	return acc, nil
}

func (r *run) wasTrained(v checkpoints.Variant) bool {
	for _, t := range r.trained {
		if t.Variant == v {
			return true
		}
	}
	return false
}
