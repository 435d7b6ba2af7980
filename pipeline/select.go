package pipeline

import (
	"github.com/tsawler/go-cxr/checkpoints"
	"github.com/tsawler/go-cxr/errdefs"
)

// Scored is a candidate with its final full-validation accuracy. Members
// lists the artifacts behind it: one for a single model, several for an
// ensemble.
type Scored struct {
	Variant  checkpoints.Variant
	Members  []checkpoints.Variant
	Accuracy float64
}

// DeployedPredictor is the selection result: one artifact or one ensemble.
type DeployedPredictor struct {
	Variant  checkpoints.Variant
	Members  []checkpoints.Variant
	Accuracy float64
}

// Ensemble reports whether the deployment combines several artifacts.
func (d DeployedPredictor) Ensemble() bool {
	return d.Variant == checkpoints.Ensemble
}

// Select picks the candidate with the greatest accuracy. candidates must be
// in escalation order; on a tie the earlier candidate wins.
func Select(candidates []Scored) (DeployedPredictor, error) {
	if len(candidates) == 0 {
		return DeployedPredictor{}, errdefs.Configuration("no candidates to select from")
	}
	best := 0
	for i := 1; i < len(candidates); i++ {
		if candidates[i].Accuracy > candidates[best].Accuracy {
			best = i
		}
	}
	c := candidates[best]
	members := c.Members
	if len(members) == 0 {
		members = []checkpoints.Variant{c.Variant}
	}
	return DeployedPredictor{
		Variant:  c.Variant,
		Members:  append([]checkpoints.Variant(nil), members...),
		Accuracy: c.Accuracy,
	}, nil
}
