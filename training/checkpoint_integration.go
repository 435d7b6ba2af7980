package training

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/tsawler/go-cxr/checkpoints"
)

// CheckpointManager saves a variant's model whenever its validation accuracy
// strictly exceeds the best accuracy seen for that variant, across phases.
type CheckpointManager struct {
	store  *checkpoints.Store
	base   checkpoints.CheckpointMetadata
	logger *zap.Logger

	mu   sync.Mutex
	best map[checkpoints.Variant]float64
}

// NewCheckpointManager creates a manager writing to store. base supplies the
// class labels and preprocessing recorded in every artifact.
func NewCheckpointManager(store *checkpoints.Store, base checkpoints.CheckpointMetadata, logger *zap.Logger) *CheckpointManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CheckpointManager{
		store:  store,
		base:   base,
		logger: logger,
		best:   make(map[checkpoints.Variant]float64),
	}
}

// Best returns the best accuracy checkpointed for v.
func (cm *CheckpointManager) Best(v checkpoints.Variant) (float64, bool) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	acc, ok := cm.best[v]
	return acc, ok
}

// SaveBestCheckpoint writes model's checkpoint if accuracy improves on the
// variant's best. It reports whether a checkpoint was written.
func (cm *CheckpointManager) SaveBestCheckpoint(v checkpoints.Variant, phase checkpoints.Phase, epoch int, accuracy float64, model Model) (bool, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if best, ok := cm.best[v]; ok && accuracy <= best {
		return false, nil
	}

	meta := cm.base
	meta.ClassLabels = append([]string(nil), cm.base.ClassLabels...)
	meta.Variant = v
	meta.Phase = phase
	meta.ValAccuracy = accuracy
	meta.Description = fmt.Sprintf("Best checkpoint - %s epoch %d, accuracy %.2f%%", phase, epoch+1, accuracy*100)

	ckpt := model.Checkpoint(meta)
	ckpt.TrainingState.Epoch = epoch
	if err := cm.store.Save(v, ckpt); err != nil {
		return false, errors.Wrapf(err, "checkpoint %s", v)
	}
	cm.best[v] = accuracy
	cm.logger.Info("validation accuracy improved, checkpoint saved",
		zap.String("variant", string(v)),
		zap.String("phase", string(phase)),
		zap.Int("epoch", epoch+1),
		zap.Float64("val_accuracy", accuracy))
	return true, nil
}

// LoadCheckpoint reads the current best artifact of v.
func (cm *CheckpointManager) LoadCheckpoint(v checkpoints.Variant) (*checkpoints.Checkpoint, error) {
	return cm.store.Load(v)
}

// Store returns the underlying store.
func (cm *CheckpointManager) Store() *checkpoints.Store {
	return cm.store
}
