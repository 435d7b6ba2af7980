package engine

import (
	"math/rand"
	"time"

	"github.com/pkg/errors"

	"github.com/tsawler/go-cxr/checkpoints"
	"github.com/tsawler/go-cxr/errdefs"
	"github.com/tsawler/go-cxr/layers"
	"github.com/tsawler/go-cxr/optimizer"
	"github.com/tsawler/go-cxr/tensor"
)

// Config controls how a Model is initialized and optimized.
type Config struct {
	Optimizer    string // "adam" or "sgd"
	LearningRate float32
	Seed         int64 // 0 seeds from the clock
}

// BatchResult summarizes one training or evaluation batch.
type BatchResult struct {
	Loss    float64 // mean loss over the batch
	Correct int
	Count   int
}

// Model executes a compiled layers.ModelSpec on the CPU. A Model is not safe
// for concurrent use.
type Model struct {
	spec   *layers.ModelSpec
	layers []*runtimeLayer
	opt    optimizer.Optimizer
	config Config
	rng    *rand.Rand
	steps  int
}

// NewModel allocates He-initialized parameters for spec and an optimizer at
// config.LearningRate, or the Adam default when it is zero.
func NewModel(spec *layers.ModelSpec, config Config) (*Model, error) {
	if spec == nil || !spec.Compiled {
		return nil, errdefs.Configuration("model spec is not compiled")
	}
	if len(spec.OutputShape) != 2 {
		return nil, errdefs.Configuration("model output %v is not [batch, classes]", spec.OutputShape)
	}
	if config.LearningRate == 0 {
		config.LearningRate = optimizer.DefaultAdamConfig().LearningRate
	}
	opt, err := optimizer.New(config.Optimizer, config.LearningRate)
	if err != nil {
		return nil, err
	}
	seed := config.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	m := &Model{
		spec:   spec,
		opt:    opt,
		config: config,
		rng:    rand.New(rand.NewSource(seed)),
	}
	for i := range spec.Layers {
		l, err := newRuntimeLayer(&spec.Layers[i], m.rng)
		if err != nil {
			return nil, errors.Wrapf(err, "layer %d", i)
		}
		m.layers = append(m.layers, l)
	}
	return m, nil
}

// Spec returns the layer description the model executes.
func (m *Model) Spec() *layers.ModelSpec {
	return m.spec
}

// NumClasses returns the width of the output layer.
func (m *Model) NumClasses() int {
	return m.spec.OutputShape[1]
}

// InputSize returns the expected image height and width.
func (m *Model) InputSize() (height, width int) {
	return m.spec.InputShape[1], m.spec.InputShape[2]
}

func (m *Model) checkInput(x *tensor.Tensor) error {
	want := m.spec.InputShape
	if x == nil {
		return errdefs.Input(nil, "no input tensor")
	}
	if len(x.Shape) != 4 || x.Shape[0] < 1 ||
		x.Shape[1] != want[1] || x.Shape[2] != want[2] || x.Shape[3] != want[3] {
		return errdefs.Input(nil, "input shape %v does not match model input [N %d %d %d]", x.Shape, want[1], want[2], want[3])
	}
	return nil
}

func (m *Model) checkLabels(x, y *tensor.Tensor) error {
	if len(y.Shape) != 2 || y.Shape[0] != x.Shape[0] || y.Shape[1] != m.NumClasses() {
		return errors.Errorf("label shape %v does not match batch %d with %d classes", y.Shape, x.Shape[0], m.NumClasses())
	}
	return nil
}

func (m *Model) forward(x *tensor.Tensor, training bool) *tensor.Tensor {
	out := x
	for _, l := range m.layers {
		out = l.forward(out, training, m.rng)
	}
	return out
}

// Predict returns class probabilities for an NHWC batch.
func (m *Model) Predict(x *tensor.Tensor) (*tensor.Tensor, error) {
	if err := m.checkInput(x); err != nil {
		return nil, err
	}
	return m.forward(x, false), nil
}

// EvaluateBatch computes the unweighted loss and accuracy without updating anything.
func (m *Model) EvaluateBatch(x, y *tensor.Tensor) (BatchResult, error) {
	probs, err := m.Predict(x)
	if err != nil {
		return BatchResult{}, err
	}
	if err := m.checkLabels(x, y); err != nil {
		return BatchResult{}, err
	}
	loss, _, err := CrossEntropy(probs, y, nil)
	if err != nil {
		return BatchResult{}, err
	}
	return BatchResult{Loss: loss, Correct: CountCorrect(probs, y), Count: x.Shape[0]}, nil
}

// firstTrainable returns the index of the earliest trainable layer with
// parameters, or -1 when nothing can be trained.
func (m *Model) firstTrainable() int {
	for i, l := range m.layers {
		if l.spec.Trainable && len(l.params) > 0 {
			return i
		}
	}
	return -1
}

// TrainBatch runs one optimization step with the class-weighted loss. The
// model must end in a softmax layer.
func (m *Model) TrainBatch(x, y *tensor.Tensor, classWeights []float32) (BatchResult, error) {
	probs, loss, params, err := m.gradients(x, y, classWeights)
	if err != nil {
		return BatchResult{}, err
	}
	if err := m.opt.Step(params); err != nil {
		return BatchResult{}, errors.Wrap(err, "optimizer step")
	}
	m.steps++
	return BatchResult{Loss: loss, Correct: CountCorrect(probs, y), Count: x.Shape[0]}, nil
}

// gradients runs a training forward pass and back-propagates down to the
// earliest trainable layer. It returns the trainable parameters with fresh gradients.
func (m *Model) gradients(x, y *tensor.Tensor, classWeights []float32) (*tensor.Tensor, float64, []*optimizer.Parameter, error) {
	if err := m.checkInput(x); err != nil {
		return nil, 0, nil, err
	}
	if err := m.checkLabels(x, y); err != nil {
		return nil, 0, nil, err
	}
	last := len(m.layers) - 1
	if m.layers[last].spec.Type != layers.Softmax {
		return nil, 0, nil, errdefs.Configuration("training requires a softmax output layer")
	}
	first := m.firstTrainable()
	if first < 0 {
		return nil, 0, nil, errdefs.Configuration("model has no trainable parameters")
	}

	probs := m.forward(x, true)
	loss, grad, err := CrossEntropy(probs, y, classWeights)
	if err != nil {
		return nil, 0, nil, err
	}

	// the softmax gradient is folded into the loss gradient
	var params []*optimizer.Parameter
	for i := last - 1; i >= first; i-- {
		l := m.layers[i]
		if l.spec.Trainable {
			l.zeroGrad()
			params = append(params, l.params...)
		}
		grad = l.backward(grad, i > first)
	}

	for _, l := range m.layers {
		l.input, l.output, l.mask, l.xhat, l.argmax = nil, nil, nil, nil, nil
	}
	return probs, loss, params, nil
}

// Compile resets the optimizer state and sets a new learning rate. Call it
// after changing which layers are trainable.
func (m *Model) Compile(lr float32) error {
	opt, err := optimizer.New(m.config.Optimizer, lr)
	if err != nil {
		return err
	}
	m.opt = opt
	m.config.LearningRate = lr
	return nil
}

// SetLearningRate changes the learning rate and keeps optimizer state.
func (m *Model) SetLearningRate(lr float32) {
	m.opt.UpdateLearningRate(lr)
	m.config.LearningRate = lr
}

// LearningRate returns the current learning rate.
func (m *Model) LearningRate() float32 {
	return m.opt.LearningRate()
}

// HasBackbone reports whether the model has a pretrained backbone section.
func (m *Model) HasBackbone() bool {
	return m.spec.BackboneLayers > 0
}

// FreezeBackbone marks every backbone layer non-trainable.
func (m *Model) FreezeBackbone() {
	_ = m.spec.SetBackboneTrainable(-1)
}

// UnfreezeBackbone makes backbone layers [frozenPrefix, end) trainable and
// keeps the first frozenPrefix layers frozen.
func (m *Model) UnfreezeBackbone(frozenPrefix int) error {
	if !m.HasBackbone() {
		return errdefs.Configuration("model has no backbone to unfreeze")
	}
	if frozenPrefix < 0 {
		return errdefs.Configuration("frozen prefix must not be negative, got %d", frozenPrefix)
	}
	if err := m.spec.SetBackboneTrainable(frozenPrefix); err != nil {
		return errdefs.Configuration("%v", err)
	}
	return nil
}

// Weights returns a copy of all parameters and batch norm running statistics.
func (m *Model) Weights() []checkpoints.WeightTensor {
	var out []checkpoints.WeightTensor
	for _, l := range m.layers {
		for _, p := range l.params {
			kind := p.Name[len(l.spec.Name)+1:]
			out = append(out, checkpoints.WeightTensor{
				Name:  p.Name,
				Shape: append([]int(nil), p.Shape...),
				Data:  append([]float32(nil), p.Value...),
				Layer: l.spec.Name,
				Type:  kind,
			})
		}
		if l.runningMean != nil {
			c := len(l.runningMean)
			out = append(out,
				checkpoints.WeightTensor{Name: l.spec.Name + ".running_mean", Shape: []int{c}, Data: append([]float32(nil), l.runningMean...), Layer: l.spec.Name, Type: "running_mean"},
				checkpoints.WeightTensor{Name: l.spec.Name + ".running_var", Shape: []int{c}, Data: append([]float32(nil), l.runningVar...), Layer: l.spec.Name, Type: "running_var"},
			)
		}
	}
	return out
}

// LoadWeights copies weights into the model by name. Unless partial is set
// every model tensor must be present. Returns how many tensors were loaded.
func (m *Model) LoadWeights(weights []checkpoints.WeightTensor, partial bool) (int, error) {
	byName := make(map[string]checkpoints.WeightTensor, len(weights))
	for _, w := range weights {
		byName[w.Name] = w
	}

	loaded := 0
	load := func(name string, shape []int, dst []float32) error {
		w, ok := byName[name]
		if !ok {
			if partial {
				return nil
			}
			return errors.Errorf("weight %s missing", name)
		}
		if len(w.Data) != len(dst) || tensor.Volume(w.Shape) != len(dst) {
			return errors.Errorf("weight %s: shape %v does not match %v", name, w.Shape, shape)
		}
		copy(dst, w.Data)
		loaded++
		return nil
	}

	for _, l := range m.layers {
		for _, p := range l.params {
			if err := load(p.Name, p.Shape, p.Value); err != nil {
				return loaded, err
			}
		}
		if l.runningMean != nil {
			c := []int{len(l.runningMean)}
			if err := load(l.spec.Name+".running_mean", c, l.runningMean); err != nil {
				return loaded, err
			}
			if err := load(l.spec.Name+".running_var", c, l.runningVar); err != nil {
				return loaded, err
			}
		}
	}
	return loaded, nil
}

// Checkpoint captures the model, optimizer state and metadata.
func (m *Model) Checkpoint(meta checkpoints.CheckpointMetadata) *checkpoints.Checkpoint {
	return &checkpoints.Checkpoint{
		ModelSpec: m.spec,
		Weights:   m.Weights(),
		TrainingState: checkpoints.TrainingState{
			Step:         m.steps,
			LearningRate: m.LearningRate(),
			BestAccuracy: float32(meta.ValAccuracy),
			TotalSteps:   m.steps,
		},
		OptimizerState: m.opt.GetState(),
		Metadata:       meta,
	}
}

// FromCheckpoint rebuilds a model from a stored checkpoint.
func FromCheckpoint(c *checkpoints.Checkpoint, config Config) (*Model, error) {
	if err := c.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid checkpoint")
	}
	if config.LearningRate == 0 {
		config.LearningRate = c.TrainingState.LearningRate
	}
	m, err := NewModel(c.ModelSpec, config)
	if err != nil {
		return nil, err
	}
	if _, err := m.LoadWeights(c.Weights, false); err != nil {
		return nil, err
	}
	if c.OptimizerState != nil {
		if err := m.opt.LoadState(c.OptimizerState); err != nil {
			return nil, errors.Wrap(err, "restore optimizer")
		}
	}
	m.steps = c.TrainingState.Step
	return m, nil
}
