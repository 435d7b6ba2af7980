package optimizer

import (
	"fmt"
	"math"
	"sort"

	"github.com/tsawler/go-cxr/checkpoints"
)

// AdamConfig holds configuration for Adam optimizer
type AdamConfig struct {
	LearningRate float32
	Beta1        float32
	Beta2        float32
	Epsilon      float32
	WeightDecay  float32
}

// DefaultAdamConfig returns default Adam optimizer configuration
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-7,
		WeightDecay:  0.0,
	}
}

type moments struct {
	shape []int
	m     []float32
	v     []float32
}

// AdamOptimizerState is a CPU Adam optimizer with bias correction.
type AdamOptimizerState struct {
	config AdamConfig

	// per-parameter first and second moments, created on first use
	moments map[string]*moments

	// Step tracking for bias correction
	StepCount uint64
}

// NewAdamOptimizer creates a new Adam optimizer
func NewAdamOptimizer(config AdamConfig) *AdamOptimizerState {
	return &AdamOptimizerState{
		config:  config,
		moments: make(map[string]*moments),
	}
}

// Step performs a single Adam optimization step
func (adam *AdamOptimizerState) Step(params []*Parameter) error {
	for _, p := range params {
		if err := checkParam(p); err != nil {
			return err
		}
	}
	adam.StepCount++

	c := adam.config
	t := float64(adam.StepCount)
	biasCorrection1 := 1 - math.Pow(float64(c.Beta1), t)
	biasCorrection2 := 1 - math.Pow(float64(c.Beta2), t)
	stepSize := float32(float64(c.LearningRate) * math.Sqrt(biasCorrection2) / biasCorrection1)
	eps := float32(float64(c.Epsilon) * math.Sqrt(biasCorrection2))

	for _, p := range params {
		mo, ok := adam.moments[p.Name]
		if !ok || len(mo.m) != len(p.Value) {
			mo = &moments{shape: cloneShape(p.Shape), m: make([]float32, len(p.Value)), v: make([]float32, len(p.Value))}
			adam.moments[p.Name] = mo
		}
		for i, g := range p.Grad {
			if c.WeightDecay != 0 {
				g += c.WeightDecay * p.Value[i]
			}
			mo.m[i] = c.Beta1*mo.m[i] + (1-c.Beta1)*g
			mo.v[i] = c.Beta2*mo.v[i] + (1-c.Beta2)*g*g
			p.Value[i] -= stepSize * mo.m[i] / (float32(math.Sqrt(float64(mo.v[i]))) + eps)
		}
	}
	return nil
}

// UpdateLearningRate updates the learning rate
func (adam *AdamOptimizerState) UpdateLearningRate(newLR float32) {
	adam.config.LearningRate = newLR
}

// LearningRate returns the current learning rate.
func (adam *AdamOptimizerState) LearningRate() float32 {
	return adam.config.LearningRate
}

// GetStepCount returns the current step count
func (adam *AdamOptimizerState) GetStepCount() uint64 {
	return adam.StepCount
}

// Reset clears moments and the step counter.
func (adam *AdamOptimizerState) Reset() {
	adam.moments = make(map[string]*moments)
	adam.StepCount = 0
}

// GetState extracts optimizer state for checkpointing, sorted by parameter name.
func (adam *AdamOptimizerState) GetState() *checkpoints.OptimizerState {
	names := make([]string, 0, len(adam.moments))
	for name := range adam.moments {
		names = append(names, name)
	}
	sort.Strings(names)

	state := &checkpoints.OptimizerState{Type: "Adam", Step: int64(adam.StepCount)}
	for _, name := range names {
		mo := adam.moments[name]
		state.StateData = append(state.StateData,
			checkpoints.OptimizerTensor{Name: name, Shape: cloneShape(mo.shape), Data: append([]float32(nil), mo.m...), StateType: "m"},
			checkpoints.OptimizerTensor{Name: name, Shape: cloneShape(mo.shape), Data: append([]float32(nil), mo.v...), StateType: "v"},
		)
	}
	return state
}

// LoadState restores optimizer state from checkpoint
func (adam *AdamOptimizerState) LoadState(state *checkpoints.OptimizerState) error {
	if err := validateStateType("Adam", state); err != nil {
		return err
	}
	restored := make(map[string]*moments)
	for _, t := range state.StateData {
		mo, ok := restored[t.Name]
		if !ok {
			mo = &moments{shape: cloneShape(t.Shape)}
			restored[t.Name] = mo
		}
		data := append([]float32(nil), t.Data...)
		switch t.StateType {
		case "m":
			mo.m = data
		case "v":
			mo.v = data
		default:
			return fmt.Errorf("unknown Adam state type %q for %s", t.StateType, t.Name)
		}
	}
	for name, mo := range restored {
		if len(mo.m) != len(mo.v) {
			return fmt.Errorf("parameter %s: incomplete Adam state", name)
		}
	}
	adam.moments = restored
	adam.StepCount = uint64(state.Step)
	return nil
}
