package optimizer

import (
	"fmt"
	"strings"

	"github.com/tsawler/go-cxr/checkpoints"
	"github.com/tsawler/go-cxr/errdefs"
)

// Parameter is one trainable tensor with its gradient buffer. Names are
// unique within a model and key the optimizer state.
type Parameter struct {
	Name  string
	Shape []int
	Value []float32
	Grad  []float32
}

// Optimizer defines the common interface for all optimizers
// State is keyed by parameter name so a partially trainable model keeps its
// moments when layers are frozen and unfrozen.
type Optimizer interface {
	// Step applies the gradients of params to their values.
	Step(params []*Parameter) error

	// GetState extracts optimizer state for checkpointing
	GetState() *checkpoints.OptimizerState

	// LoadState restores optimizer state from checkpoint
	LoadState(state *checkpoints.OptimizerState) error

	// GetStepCount returns the current optimization step number
	GetStepCount() uint64

	// UpdateLearningRate updates the learning rate
	UpdateLearningRate(lr float32)

	// LearningRate returns the current learning rate.
	LearningRate() float32

	// Reset drops all accumulated state.
	Reset()
}

// New builds an optimizer by name with default hyperparameters.
func New(name string, lr float32) (Optimizer, error) {
	if lr <= 0 {
		return nil, errdefs.Configuration("learning rate must be positive, got %v", lr)
	}
	switch strings.ToLower(name) {
	case "adam", "":
		cfg := DefaultAdamConfig()
		cfg.LearningRate = lr
		return NewAdamOptimizer(cfg), nil
	case "sgd":
		cfg := DefaultSGDConfig()
		cfg.LearningRate = lr
		return NewSGDOptimizer(cfg), nil
	}
	return nil, errdefs.Configuration("unknown optimizer %q", name)
}

// validateStateType ensures the state type matches the optimizer
func validateStateType(optimizerType string, state *checkpoints.OptimizerState) error {
	if state == nil {
		return fmt.Errorf("nil optimizer state")
	}
	if state.Type != optimizerType {
		return fmt.Errorf("state type mismatch: expected %s, got %s", optimizerType, state.Type)
	}
	return nil
}

func checkParam(p *Parameter) error {
	if len(p.Value) != len(p.Grad) {
		return fmt.Errorf("parameter %s: %d values but %d gradients", p.Name, len(p.Value), len(p.Grad))
	}
	return nil
}

func cloneShape(s []int) []int {
	return append([]int(nil), s...)
}
