package training

import (
	"github.com/tsawler/go-cxr/checkpoints"
)

// EpochRecord holds the metrics of one completed epoch.
type EpochRecord struct {
	Variant       checkpoints.Variant `json:"variant"`
	Phase         checkpoints.Phase   `json:"phase"`
	EpochIndex    int                 `json:"epoch"` // zero-based within the phase
	TrainLoss     float64             `json:"train_loss"`
	TrainAccuracy float64             `json:"train_accuracy"`
	ValLoss       float64             `json:"val_loss"`
	ValAccuracy   float64             `json:"val_accuracy"`
	LearningRate  float64             `json:"learning_rate"`
}

// TrainingRun is the ordered epoch history of one phase.
type TrainingRun struct {
	Variant checkpoints.Variant `json:"variant"`
	Phase   checkpoints.Phase   `json:"phase"`
	Epochs  []EpochRecord       `json:"epochs"`
	// Stopped is true when early stopping ended the phase before its budget.
	Stopped bool `json:"stopped"`
}

// BestAccuracy returns the highest validation accuracy of the run and the
// epoch that produced it, or (0, -1) for an empty run.
func (r *TrainingRun) BestAccuracy() (float64, int) {
	best, at := 0.0, -1
	for i, e := range r.Epochs {
		if at < 0 || e.ValAccuracy > best {
			best, at = e.ValAccuracy, i
		}
	}
	return best, at
}

// History concatenates the runs of one variant for reporting. Each run is
// still trained and checkpointed on its own.
type History struct {
	Variant checkpoints.Variant `json:"variant"`
	Runs    []*TrainingRun      `json:"runs"`
}

// Add appends a run.
func (h *History) Add(r *TrainingRun) {
	h.Runs = append(h.Runs, r)
}

// Epochs returns every epoch across runs, renumbered continuously from zero.
func (h *History) Epochs() []EpochRecord {
	var out []EpochRecord
	for _, r := range h.Runs {
		for _, e := range r.Epochs {
			e.EpochIndex = len(out)
			out = append(out, e)
		}
	}
	return out
}

// BestAccuracy returns the highest validation accuracy over all runs.
func (h *History) BestAccuracy() float64 {
	best := 0.0
	for _, r := range h.Runs {
		if a, at := r.BestAccuracy(); at >= 0 && a > best {
			best = a
		}
	}
	return best
}
