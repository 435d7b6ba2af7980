package optimizer

import (
	"sort"

	"github.com/tsawler/go-cxr/checkpoints"
)

// SGDConfig holds configuration for SGD optimizer
type SGDConfig struct {
	LearningRate float32
	Momentum     float32
	WeightDecay  float32
	Nesterov     bool
}

// DefaultSGDConfig returns default SGD optimizer configuration
func DefaultSGDConfig() SGDConfig {
	return SGDConfig{
		LearningRate: 0.01,
		Momentum:     0.9,
	}
}

// SGDOptimizerState is stochastic gradient descent with optional momentum.
type SGDOptimizerState struct {
	config    SGDConfig
	velocity  map[string][]float32
	shapes    map[string][]int
	StepCount uint64
}

// NewSGDOptimizer creates a new SGD optimizer
func NewSGDOptimizer(config SGDConfig) *SGDOptimizerState {
	return &SGDOptimizerState{
		config:   config,
		velocity: make(map[string][]float32),
		shapes:   make(map[string][]int),
	}
}

// Step performs a single SGD optimization step
func (sgd *SGDOptimizerState) Step(params []*Parameter) error {
	for _, p := range params {
		if err := checkParam(p); err != nil {
			return err
		}
	}
	sgd.StepCount++

	c := sgd.config
	for _, p := range params {
		vel := sgd.velocity[p.Name]
		if c.Momentum != 0 && len(vel) != len(p.Value) {
			vel = make([]float32, len(p.Value))
			sgd.velocity[p.Name] = vel
			sgd.shapes[p.Name] = cloneShape(p.Shape)
		}
		for i, g := range p.Grad {
			if c.WeightDecay != 0 {
				g += c.WeightDecay * p.Value[i]
			}
			if c.Momentum == 0 {
				p.Value[i] -= c.LearningRate * g
				continue
			}
			vel[i] = c.Momentum*vel[i] + g
			if c.Nesterov {
				g += c.Momentum * vel[i]
			} else {
				g = vel[i]
			}
			p.Value[i] -= c.LearningRate * g
		}
	}
	return nil
}

// UpdateLearningRate updates the learning rate
func (sgd *SGDOptimizerState) UpdateLearningRate(newLR float32) {
	sgd.config.LearningRate = newLR
}

// LearningRate returns the current learning rate.
func (sgd *SGDOptimizerState) LearningRate() float32 {
	return sgd.config.LearningRate
}

// GetStepCount returns the current step count
func (sgd *SGDOptimizerState) GetStepCount() uint64 {
	return sgd.StepCount
}

// Reset clears the velocity buffers.
func (sgd *SGDOptimizerState) Reset() {
	sgd.velocity = make(map[string][]float32)
	sgd.shapes = make(map[string][]int)
	sgd.StepCount = 0
}

// GetState extracts optimizer state for checkpointing
func (sgd *SGDOptimizerState) GetState() *checkpoints.OptimizerState {
	names := make([]string, 0, len(sgd.velocity))
	for name := range sgd.velocity {
		names = append(names, name)
	}
	sort.Strings(names)

	state := &checkpoints.OptimizerState{Type: "SGD", Step: int64(sgd.StepCount)}
	for _, name := range names {
		state.StateData = append(state.StateData, checkpoints.OptimizerTensor{
			Name:      name,
			Shape:     cloneShape(sgd.shapes[name]),
			Data:      append([]float32(nil), sgd.velocity[name]...),
			StateType: "momentum",
		})
	}
	return state
}

// LoadState restores optimizer state from checkpoint
func (sgd *SGDOptimizerState) LoadState(state *checkpoints.OptimizerState) error {
	if err := validateStateType("SGD", state); err != nil {
		return err
	}
	sgd.Reset()
	for _, t := range state.StateData {
		sgd.velocity[t.Name] = append([]float32(nil), t.Data...)
		sgd.shapes[t.Name] = cloneShape(t.Shape)
	}
	sgd.StepCount = uint64(state.Step)
	return nil
}
