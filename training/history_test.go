package training

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tsawler/go-cxr/checkpoints"
)

func TestHistory(t *testing.T) {
	warm := &TrainingRun{Variant: checkpoints.BackboneA, Phase: checkpoints.PhaseWarmUp, Epochs: []EpochRecord{
		{Phase: checkpoints.PhaseWarmUp, EpochIndex: 0, ValAccuracy: 0.6},
		{Phase: checkpoints.PhaseWarmUp, EpochIndex: 1, ValAccuracy: 0.8},
	}}
	fine := &TrainingRun{Variant: checkpoints.BackboneA, Phase: checkpoints.PhaseFineTune, Epochs: []EpochRecord{
		{Phase: checkpoints.PhaseFineTune, EpochIndex: 0, ValAccuracy: 0.75},
		{Phase: checkpoints.PhaseFineTune, EpochIndex: 1, ValAccuracy: 0.85},
		{Phase: checkpoints.PhaseFineTune, EpochIndex: 2, ValAccuracy: 0.85},
	}}

	best, at := fine.BestAccuracy()
	assert.Equal(t, 0.85, best)
	assert.Equal(t, 1, at, "first of equal accuracies wins")

	h := &History{Variant: checkpoints.BackboneA}
	h.Add(warm)
	h.Add(fine)
	epochs := h.Epochs()
	assert.Len(t, epochs, 5)
	for i, e := range epochs {
		assert.Equal(t, i, e.EpochIndex)
	}
	assert.Equal(t, checkpoints.PhaseFineTune, epochs[2].Phase)
	assert.Equal(t, 0, fine.Epochs[0].EpochIndex, "runs keep their own numbering")
	assert.Equal(t, 0.85, h.BestAccuracy())

	empty := &TrainingRun{}
	_, at = empty.BestAccuracy()
	assert.Equal(t, -1, at)
}
