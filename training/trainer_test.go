package training

import (
	"context"
	"io"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/tsawler/go-cxr/checkpoints"
	"github.com/tsawler/go-cxr/config"
	"github.com/tsawler/go-cxr/engine"
	"github.com/tsawler/go-cxr/errdefs"
	"github.com/tsawler/go-cxr/layers"
	"github.com/tsawler/go-cxr/tensor"
	"github.com/tsawler/go-cxr/vision/dataloader"
)

type fakeBatch struct{ labels []int }

// fakeStream yields fixed batches. Every pixel of an image equals 2*label-1.
type fakeStream struct {
	batches []fakeBatch
	classes int
	size    int
	pos     int
	resets  int
}

func (s *fakeStream) Reset() { s.pos = 0; s.resets++ }

func (s *fakeStream) Len() int { return len(s.batches) }

func (s *fakeStream) Next(ctx context.Context) (*dataloader.Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.pos >= len(s.batches) {
		return nil, io.EOF
	}
	b := s.batches[s.pos]
	s.pos++
	side := s.size
	if side == 0 {
		side = 1
	}
	per := side * side * 3
	images := tensor.New(len(b.labels), side, side, 3)
	labels := tensor.New(len(b.labels), s.classes)
	for i, l := range b.labels {
		for j := 0; j < per; j++ {
			images.Data[i*per+j] = float32(2*l - 1)
		}
		labels.Data[i*s.classes+l] = 1
	}
	return &dataloader.Batch{Images: images, Labels: labels}, nil
}

type fakeSource struct {
	classes    []string
	counts     []int
	train, val *fakeStream
}

func (s *fakeSource) Classes() []string             { return s.classes }
func (s *fakeSource) ClassCounts() []int            { return s.counts }
func (s *fakeSource) Train() dataloader.Stream      { return s.train }
func (s *fakeSource) Validation() dataloader.Stream { return s.val }

// newFakeSource has one training batch of 4 and one validation batch of 100.
func newFakeSource() *fakeSource {
	val := fakeBatch{labels: make([]int, 100)}
	return &fakeSource{
		classes: []string{"a", "b"},
		counts:  []int{2, 2},
		train:   &fakeStream{batches: []fakeBatch{{labels: []int{0, 1, 0, 1}}}, classes: 2},
		val:     &fakeStream{batches: []fakeBatch{val}, classes: 2},
	}
}

// fakeModel reports scripted validation accuracies, one per epoch. Its only
// "weight" is the index of the last evaluated epoch.
type fakeModel struct {
	valAcc   []float64
	valLoss  []float64
	backbone bool

	evals        int
	current      float32
	lr           float32
	compiles     []float32
	frozen       bool
	unfrozenAt   int
	restored     []float32
	classWeights []float32
}

func (m *fakeModel) TrainBatch(x, _ *tensor.Tensor, w []float32) (engine.BatchResult, error) {
	m.classWeights = w
	return engine.BatchResult{Loss: 1, Correct: x.Shape[0] / 2, Count: x.Shape[0]}, nil
}

func (m *fakeModel) EvaluateBatch(x, _ *tensor.Tensor) (engine.BatchResult, error) {
	i := m.evals
	if i >= len(m.valAcc) {
		i = len(m.valAcc) - 1
	}
	loss := 1.0
	if i < len(m.valLoss) {
		loss = m.valLoss[i]
	}
	m.current = float32(m.evals)
	m.evals++
	n := x.Shape[0]
	return engine.BatchResult{Loss: loss, Correct: int(math.Round(m.valAcc[i] * float64(n))), Count: n}, nil
}

func (m *fakeModel) Compile(lr float32) error {
	m.compiles = append(m.compiles, lr)
	m.lr = lr
	return nil
}

func (m *fakeModel) SetLearningRate(lr float32) { m.lr = lr }
func (m *fakeModel) LearningRate() float32      { return m.lr }
func (m *fakeModel) HasBackbone() bool          { return m.backbone }
func (m *fakeModel) FreezeBackbone()            { m.frozen = true }

func (m *fakeModel) UnfreezeBackbone(p int) error {
	if p < 0 {
		return errdefs.Configuration("negative prefix")
	}
	m.frozen = false
	m.unfrozenAt = p
	return nil
}

func (m *fakeModel) Weights() []checkpoints.WeightTensor {
	return []checkpoints.WeightTensor{{Name: "w.weight", Shape: []int{1}, Data: []float32{m.current}, Layer: "w", Type: "weight"}}
}

func (m *fakeModel) LoadWeights(ws []checkpoints.WeightTensor, _ bool) (int, error) {
	m.current = ws[0].Data[0]
	m.restored = append(m.restored, m.current)
	return len(ws), nil
}

func (m *fakeModel) Checkpoint(meta checkpoints.CheckpointMetadata) *checkpoints.Checkpoint {
	return &checkpoints.Checkpoint{Weights: m.Weights(), Metadata: meta}
}

type trainerFixture struct {
	source   *fakeSource
	store    *checkpoints.Store
	manager  *CheckpointManager
	reporter *MemoryReporter
	trainer  *PhasedTrainer
}

func newFixture(t *testing.T, cfg TrainerConfig) *trainerFixture {
	t.Helper()
	f := &trainerFixture{source: newFakeSource(), reporter: &MemoryReporter{}}
	var err error
	f.store, err = checkpoints.NewStore(t.TempDir(), checkpoints.FormatJSON, zaptest.NewLogger(t))
	require.NoError(t, err)
	f.manager = NewCheckpointManager(f.store, checkpoints.CheckpointMetadata{ClassLabels: f.source.classes}, zaptest.NewLogger(t))
	weights, err := ComputeClassWeights(f.source.classes, []int{1, 3})
	require.NoError(t, err)
	cfg.Reporter = f.reporter
	if cfg.Logger == nil {
		cfg.Logger = zaptest.NewLogger(t)
	}
	f.trainer, err = NewPhasedTrainer(f.source, weights, f.manager, cfg)
	require.NoError(t, err)
	return f
}

func pretrainedPlan(warm, fine int) Plan {
	return Plan{
		Pretrained:           true,
		WarmUp:               PhasePlan{Epochs: warm, LearningRate: 1e-3},
		FineTune:             PhasePlan{Epochs: fine, LearningRate: 1e-4},
		FrozenBackbonePrefix: 2,
	}
}

func TestPhasedTrainerPretrained(t *testing.T) {
	f := newFixture(t, TrainerConfig{RestoreBestWeights: true})
	m := &fakeModel{backbone: true, valAcc: []float64{0.5, 0.7, 0.6, 0.65, 0.8, 0.75}}

	res, err := f.trainer.Train(context.Background(), m, checkpoints.BackboneA, pretrainedPlan(3, 3))
	require.NoError(t, err)

	assert.Equal(t, []float32{1e-3, 1e-4}, m.compiles, "each phase recompiles with its own rate")
	assert.False(t, m.frozen)
	assert.Equal(t, 2, m.unfrozenAt)
	assert.Equal(t, []float32{4, 1.0 / 3.0 * 4}, m.classWeights)

	require.Len(t, res.History.Runs, 2)
	assert.Equal(t, checkpoints.PhaseWarmUp, res.History.Runs[0].Phase)
	assert.Equal(t, checkpoints.PhaseFineTune, res.History.Runs[1].Phase)
	assert.Len(t, res.History.Epochs(), 6)
	assert.InDelta(t, 0.8, res.BestAccuracy, 1e-12)
	assert.True(t, res.Checkpointed)

	// Each phase ends on its own best epoch.
	assert.Equal(t, []float32{1, 4}, m.restored)

	ckpt, err := f.store.Load(checkpoints.BackboneA)
	require.NoError(t, err)
	assert.InDelta(t, 0.8, ckpt.Metadata.ValAccuracy, 1e-12)
	assert.Equal(t, checkpoints.PhaseFineTune, ckpt.Metadata.Phase)
	assert.Equal(t, []string{"a", "b"}, ckpt.Metadata.ClassLabels)
	assert.Equal(t, float32(4), ckpt.Weights[0].Data[0])

	records := f.reporter.Records()
	require.Len(t, records, 6)
	assert.Equal(t, 2, records[5].EpochIndex)
	assert.InDelta(t, 0.5, records[0].TrainAccuracy, 1e-12)
}

func TestPhasedTrainerEarlyStopping(t *testing.T) {
	f := newFixture(t, TrainerConfig{EarlyStopPatience: 2})
	m := &fakeModel{valAcc: []float64{0.5, 0.6, 0.6, 0.55, 0.9}}

	res, err := f.trainer.Train(context.Background(), m, checkpoints.CustomCNN, Plan{Full: PhasePlan{Epochs: 10, LearningRate: 1e-3}})
	require.NoError(t, err)
	require.Len(t, res.History.Runs, 1)
	run := res.History.Runs[0]
	assert.True(t, run.Stopped)
	assert.Len(t, run.Epochs, 4)
	assert.Equal(t, checkpoints.PhaseFull, run.Phase)
	assert.InDelta(t, 0.6, res.BestAccuracy, 1e-12)
	assert.Empty(t, m.restored, "restoring is disabled")
}

func TestPhasedTrainerPlateau(t *testing.T) {
	f := newFixture(t, TrainerConfig{PlateauPatience: 1, PlateauFactor: 0.5})
	m := &fakeModel{valAcc: []float64{0.5}, valLoss: []float64{1, 1, 1}}

	_, err := f.trainer.Train(context.Background(), m, checkpoints.CustomCNN, Plan{Full: PhasePlan{Epochs: 3, LearningRate: 1e-3}})
	require.NoError(t, err)

	records := f.reporter.Records()
	require.Len(t, records, 3)
	assert.InDelta(t, 1e-3, records[0].LearningRate, 1e-9)
	assert.InDelta(t, 1e-3, records[1].LearningRate, 1e-9)
	assert.InDelta(t, 5e-4, records[2].LearningRate, 1e-9)
	assert.InDelta(t, 2.5e-4, m.lr, 1e-9)
}

func TestPhasedTrainerPlateauRestartsEachPhase(t *testing.T) {
	f := newFixture(t, TrainerConfig{PlateauPatience: 1, PlateauFactor: 0.5})
	m := &fakeModel{backbone: true, valAcc: []float64{0.5}, valLoss: []float64{1}}

	_, err := f.trainer.Train(context.Background(), m, checkpoints.BackboneA, pretrainedPlan(2, 2))
	require.NoError(t, err)

	records := f.reporter.Records()
	require.Len(t, records, 4)
	assert.InDelta(t, 1e-3, records[1].LearningRate, 1e-9)
	// the first fine-tune epoch sets a fresh optimum instead of counting as bad
	assert.InDelta(t, 1e-4, records[2].LearningRate, 1e-9)
	assert.InDelta(t, 1e-4, records[3].LearningRate, 1e-9)
	assert.InDelta(t, 5e-5, m.lr, 1e-9)
}

func TestPhasedTrainerNoImprovementIsAdvisory(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	f := newFixture(t, TrainerConfig{Logger: zap.New(core)})
	m := &fakeModel{backbone: true, valAcc: []float64{0.9, 0.8, 0.7, 0.6}}

	res, err := f.trainer.Train(context.Background(), m, checkpoints.BackboneB, pretrainedPlan(2, 2))
	require.NoError(t, err)
	assert.InDelta(t, 0.9, res.BestAccuracy, 1e-12)

	warnings := logs.FilterMessage("phase finished without improving validation accuracy").All()
	require.Len(t, warnings, 1)
	assert.Equal(t, "fine-tune", warnings[0].ContextMap()["phase"])

	ckpt, err := f.store.Load(checkpoints.BackboneB)
	require.NoError(t, err)
	assert.Equal(t, checkpoints.PhaseWarmUp, ckpt.Metadata.Phase)
}

func TestPhasedTrainerErrors(t *testing.T) {
	f := newFixture(t, TrainerConfig{})

	_, err := f.trainer.Train(context.Background(), &fakeModel{valAcc: []float64{1}}, checkpoints.BackboneA, pretrainedPlan(1, 1))
	assert.True(t, errdefs.IsConfiguration(err), "pretrained plan needs a backbone")

	_, err = f.trainer.Train(context.Background(), &fakeModel{valAcc: []float64{1}}, checkpoints.CustomCNN, Plan{})
	assert.True(t, errdefs.IsConfiguration(err))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = f.trainer.Train(ctx, &fakeModel{valAcc: []float64{1}}, checkpoints.CustomCNN, Plan{Full: PhasePlan{Epochs: 1, LearningRate: 1e-3}})
	assert.ErrorIs(t, err, context.Canceled)

	f.source.val.batches = nil
	_, err = f.trainer.Train(context.Background(), &fakeModel{valAcc: []float64{1}}, checkpoints.CustomCNN, Plan{Full: PhasePlan{Epochs: 1, LearningRate: 1e-3}})
	assert.True(t, errdefs.IsConfiguration(err), "empty validation stream")
}

func TestNewPhasedTrainerChecksWeights(t *testing.T) {
	src := newFakeSource()
	store, err := checkpoints.NewStore(t.TempDir(), checkpoints.FormatJSON, nil)
	require.NoError(t, err)
	manager := NewCheckpointManager(store, checkpoints.CheckpointMetadata{}, nil)

	weights, err := ComputeClassWeights([]string{"b", "a"}, []int{1, 1})
	require.NoError(t, err)
	_, err = NewPhasedTrainer(src, weights, manager, TrainerConfig{})
	assert.True(t, errdefs.IsConfiguration(err))

	weights, err = ComputeClassWeights([]string{"a", "b", "c"}, []int{1, 1, 1})
	require.NoError(t, err)
	_, err = NewPhasedTrainer(src, weights, manager, TrainerConfig{})
	assert.True(t, errdefs.IsConfiguration(err))

	weights, err = ComputeClassWeights([]string{"a", "b"}, []int{1, 1})
	require.NoError(t, err)
	_, err = NewPhasedTrainer(src, weights, nil, TrainerConfig{})
	assert.True(t, errdefs.IsConfiguration(err))
}

func TestCheckpointManagerSavesOnlyStrictImprovements(t *testing.T) {
	store, err := checkpoints.NewStore(t.TempDir(), checkpoints.FormatJSON, nil)
	require.NoError(t, err)
	cm := NewCheckpointManager(store, checkpoints.CheckpointMetadata{ClassLabels: []string{"a", "b"}}, nil)
	m := &fakeModel{}

	_, ok := cm.Best(checkpoints.CustomCNN)
	assert.False(t, ok)

	var saved []bool
	for i, acc := range []float64{0.5, 0.4, 0.5, 0.6, 0.59} {
		m.current = float32(i)
		s, err := cm.SaveBestCheckpoint(checkpoints.CustomCNN, checkpoints.PhaseFull, i, acc, m)
		require.NoError(t, err)
		saved = append(saved, s)
	}
	assert.Equal(t, []bool{true, false, false, true, false}, saved)

	best, ok := cm.Best(checkpoints.CustomCNN)
	require.True(t, ok)
	assert.Equal(t, 0.6, best)

	ckpt, err := cm.LoadCheckpoint(checkpoints.CustomCNN)
	require.NoError(t, err)
	assert.Equal(t, float32(3), ckpt.Weights[0].Data[0])
	assert.Equal(t, 3, ckpt.TrainingState.Epoch)
	assert.Equal(t, checkpoints.CustomCNN, ckpt.Metadata.Variant)
	assert.Contains(t, ckpt.Metadata.Description, "epoch 4")
}

func TestPlanFor(t *testing.T) {
	cfg := config.Default().Training

	a, err := PlanFor(checkpoints.BackboneA, cfg)
	require.NoError(t, err)
	assert.True(t, a.Pretrained)
	assert.Equal(t, PhasePlan{Epochs: 20, LearningRate: 1e-3}, a.WarmUp)
	assert.Equal(t, PhasePlan{Epochs: 30, LearningRate: 1e-4}, a.FineTune)
	assert.Equal(t, 12, a.FrozenBackbonePrefix)

	b, err := PlanFor(checkpoints.BackboneB, cfg)
	require.NoError(t, err)
	assert.Equal(t, 10, b.FineTune.Epochs)
	assert.Equal(t, 18, b.FrozenBackbonePrefix)

	c, err := PlanFor(checkpoints.CustomCNN, cfg)
	require.NoError(t, err)
	assert.False(t, c.Pretrained)
	assert.Equal(t, 50, c.Full.Epochs)

	_, err = PlanFor(checkpoints.Ensemble, cfg)
	assert.True(t, errdefs.IsConfiguration(err))
}

func TestPhasedTrainerWithEngineModel(t *testing.T) {
	f := newFixture(t, TrainerConfig{RestoreBestWeights: true})
	f.source.train.size, f.source.val.size = 4, 4
	f.source.train.batches = []fakeBatch{{labels: []int{0, 1, 1, 0}}, {labels: []int{1, 0, 1, 0}}}
	f.source.val.batches = []fakeBatch{{labels: []int{0, 1, 0, 1}}}

	spec, err := layers.NewModelBuilder([]int{1, 4, 4, 3}).
		BeginBackbone().
		AddConv2D(4, 3, 1, 1, true, "conv1").
		AddReLU("relu1").
		EndBackbone().
		AddGlobalAvgPool("gap").
		AddDense(2, true, "out").
		AddSoftmax("softmax").
		Compile()
	require.NoError(t, err)
	model, err := engine.NewModel(spec, engine.Config{LearningRate: 1e-2, Seed: 3})
	require.NoError(t, err)

	res, err := f.trainer.Train(context.Background(), model, checkpoints.BackboneA, Plan{
		Pretrained:           true,
		WarmUp:               PhasePlan{Epochs: 2, LearningRate: 1e-2},
		FineTune:             PhasePlan{Epochs: 2, LearningRate: 1e-3},
		FrozenBackbonePrefix: 0,
	})
	require.NoError(t, err)
	assert.Len(t, res.History.Epochs(), 4)
	assert.True(t, res.Checkpointed)

	ckpt, err := f.store.Load(checkpoints.BackboneA)
	require.NoError(t, err)
	restored, err := engine.FromCheckpoint(ckpt, engine.Config{})
	require.NoError(t, err)
	assert.Equal(t, 2, restored.NumClasses())
}
