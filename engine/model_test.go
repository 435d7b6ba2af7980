package engine

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-cxr/checkpoints"
	"github.com/tsawler/go-cxr/errdefs"
	"github.com/tsawler/go-cxr/layers"
	"github.com/tsawler/go-cxr/optimizer"
	"github.com/tsawler/go-cxr/tensor"
)

func tinySpec(t *testing.T) *layers.ModelSpec {
	t.Helper()
	spec, err := layers.NewModelBuilder([]int{1, 6, 6, 3}).
		BeginBackbone().
		AddConv2D(4, 3, 1, 1, true, "conv1").
		AddBatchNorm(1e-3, 0.1, "bn1").
		AddReLU("relu1").
		AddConv2D(6, 3, 2, 1, false, "conv2").
		AddReLU("relu2").
		EndBackbone().
		AddGlobalAvgPool("gap").
		AddDense(5, true, "fc1").
		AddBatchNorm(1e-3, 0.1, "bn2").
		AddReLU("relu3").
		AddDense(3, true, "out").
		AddSoftmax("softmax").
		Compile()
	require.NoError(t, err)
	return spec
}

func randomBatch(rng *rand.Rand, n, h, w, classes int) (*tensor.Tensor, *tensor.Tensor) {
	x := tensor.New(n, h, w, 3)
	for i := range x.Data {
		x.Data[i] = float32(rng.NormFloat64())
	}
	y := tensor.New(n, classes)
	for i := 0; i < n; i++ {
		y.Data[i*classes+rng.Intn(classes)] = 1
	}
	return x, y
}

func newTiny(t *testing.T) *Model {
	t.Helper()
	m, err := NewModel(tinySpec(t), Config{LearningRate: 1e-2, Seed: 7})
	require.NoError(t, err)
	return m
}

func TestPredictProducesDistributions(t *testing.T) {
	m := newTiny(t)
	x, _ := randomBatch(rand.New(rand.NewSource(1)), 4, 6, 6, 3)

	probs, err := m.Predict(x)
	require.NoError(t, err)
	assert.Equal(t, []int{4, 3}, probs.Shape)
	for i := 0; i < 4; i++ {
		var sum float32
		for _, p := range probs.Row(i) {
			assert.True(t, p >= 0 && p <= 1)
			sum += p
		}
		assert.InDelta(t, 1.0, sum, 1e-5)
	}
}

func TestPredictRejectsWrongShape(t *testing.T) {
	m := newTiny(t)
	_, err := m.Predict(tensor.New(1, 5, 6, 3))
	assert.True(t, errdefs.IsInput(err))
	_, err = m.Predict(tensor.New(0, 6, 6, 3))
	assert.True(t, errdefs.IsInput(err))
}

// TestGradientsMatchFiniteDifferences checks every kernel's backward pass
// against central differences of the weighted loss.
func TestGradientsMatchFiniteDifferences(t *testing.T) {
	m := newTiny(t)
	require.NoError(t, m.UnfreezeBackbone(0))
	rng := rand.New(rand.NewSource(3))
	x, y := randomBatch(rng, 3, 6, 6, 3)
	weights := []float32{1.5, 0.5, 3}

	_, _, params, err := m.gradients(x, y, weights)
	require.NoError(t, err)
	require.NotEmpty(t, params)

	lossAt := func() float64 {
		probs := m.forward(x, true)
		loss, _, err := CrossEntropy(probs, y, weights)
		require.NoError(t, err)
		return loss
	}

	const h = 1e-3
	for _, p := range params {
		for _, idx := range []int{0, len(p.Value) / 2, len(p.Value) - 1} {
			orig := p.Value[idx]
			p.Value[idx] = orig + h
			up := lossAt()
			p.Value[idx] = orig - h
			down := lossAt()
			p.Value[idx] = orig

			numeric := (up - down) / (2 * h)
			analytic := float64(p.Grad[idx])
			tol := 5e-3 + 0.05*math.Abs(numeric)
			assert.InDelta(t, numeric, analytic, tol, "%s[%d]", p.Name, idx)
		}
	}
}

func TestCrossEntropyWeights(t *testing.T) {
	probs, err := tensor.FromData([]float32{0.5, 0.5, 0.25, 0.75}, 2, 2)
	require.NoError(t, err)
	labels, err := tensor.FromData([]float32{1, 0, 0, 1}, 2, 2)
	require.NoError(t, err)

	loss, grad, err := CrossEntropy(probs, labels, nil)
	require.NoError(t, err)
	assert.InDelta(t, (math.Log(2)+math.Log(4.0/3))/2, loss, 1e-6)
	assert.InDelta(t, -0.25, grad.Data[0], 1e-6)

	loss, grad, err = CrossEntropy(probs, labels, []float32{2, 1})
	require.NoError(t, err)
	assert.InDelta(t, (2*math.Log(2)+math.Log(4.0/3))/2, loss, 1e-6)
	assert.InDelta(t, -0.5, grad.Data[0], 1e-6)

	_, _, err = CrossEntropy(probs, labels, []float32{1})
	assert.Error(t, err)
	assert.Equal(t, 2, CountCorrect(probs, labels))
}

func TestFrozenBackboneIsNotUpdated(t *testing.T) {
	m := newTiny(t)
	m.FreezeBackbone()
	before := m.Weights()

	x, y := randomBatch(rand.New(rand.NewSource(5)), 4, 6, 6, 3)
	_, err := m.TrainBatch(x, y, nil)
	require.NoError(t, err)

	after := m.Weights()
	for i, w := range before {
		if w.Layer == "conv1" || w.Layer == "bn1" || w.Layer == "conv2" {
			assert.Equal(t, w.Data, after[i].Data, w.Name)
		}
	}
	byName := func(ws []checkpoints.WeightTensor, name string) []float32 {
		for _, w := range ws {
			if w.Name == name {
				return w.Data
			}
		}
		t.Fatalf("weight %s missing", name)
		return nil
	}
	assert.NotEqual(t, byName(before, "out.weight"), byName(after, "out.weight"))
	assert.NotEqual(t, byName(before, "bn2.running_mean"), byName(after, "bn2.running_mean"))
}

func TestUnfreezeBackboneSuffix(t *testing.T) {
	m := newTiny(t)
	require.NoError(t, m.UnfreezeBackbone(3))
	before := m.Weights()

	x, y := randomBatch(rand.New(rand.NewSource(9)), 4, 6, 6, 3)
	_, err := m.TrainBatch(x, y, nil)
	require.NoError(t, err)
	after := m.Weights()

	for i, w := range before {
		switch w.Layer {
		case "conv1", "bn1":
			assert.Equal(t, w.Data, after[i].Data, w.Name)
		case "conv2":
			assert.NotEqual(t, w.Data, after[i].Data, w.Name)
		}
	}

	assert.True(t, errdefs.IsConfiguration(m.UnfreezeBackbone(-1)))
	assert.True(t, errdefs.IsConfiguration(m.UnfreezeBackbone(99)))
}

func TestTrainingReducesLoss(t *testing.T) {
	spec, err := layers.NewModelBuilder([]int{1, 4, 4, 3}).
		AddConv2D(4, 3, 1, 1, true, "conv").
		AddReLU("relu").
		AddMaxPool2D(2, 2, "pool").
		AddFlatten("flat").
		AddDropout(0.1, "drop").
		AddDense(2, true, "out").
		AddSoftmax("softmax").
		Compile()
	require.NoError(t, err)
	m, err := NewModel(spec, Config{LearningRate: 1e-2, Seed: 11})
	require.NoError(t, err)

	// class 0 images are dark, class 1 images are bright
	x := tensor.New(8, 4, 4, 3)
	y := tensor.New(8, 2)
	for n := 0; n < 8; n++ {
		v := float32(-1)
		if n%2 == 1 {
			v = 1
		}
		sample := x.Slice(n, n+1)
		for i := range sample.Data {
			sample.Data[i] = v
		}
		y.Data[n*2+n%2] = 1
	}

	first, err := m.EvaluateBatch(x, y)
	require.NoError(t, err)
	for i := 0; i < 60; i++ {
		_, err := m.TrainBatch(x, y, []float32{1, 1})
		require.NoError(t, err)
	}
	last, err := m.EvaluateBatch(x, y)
	require.NoError(t, err)

	assert.Less(t, last.Loss, first.Loss)
	assert.Equal(t, 8, last.Correct)
	assert.Equal(t, 8, last.Count)
}

func TestTrainBatchNeedsSoftmaxAndTrainableLayers(t *testing.T) {
	spec, err := layers.NewModelBuilder([]int{1, 2, 2, 3}).AddFlatten("f").AddDense(2, true, "out").Compile()
	require.NoError(t, err)
	m, err := NewModel(spec, Config{LearningRate: 1e-3})
	require.NoError(t, err)
	x, y := randomBatch(rand.New(rand.NewSource(1)), 2, 2, 2, 2)
	_, err = m.TrainBatch(x, y, nil)
	assert.True(t, errdefs.IsConfiguration(err))

	spec, err = layers.NewModelBuilder([]int{1, 2, 2, 3}).
		BeginBackbone().AddFlatten("f").AddDense(2, true, "out").EndBackbone().
		AddSoftmax("softmax").Compile()
	require.NoError(t, err)
	m, err = NewModel(spec, Config{LearningRate: 1e-3})
	require.NoError(t, err)
	_, err = m.TrainBatch(x, y, nil)
	assert.True(t, errdefs.IsConfiguration(err))

	_, err = m.TrainBatch(x, tensor.New(2, 3), nil)
	assert.Error(t, err)
}

func TestWeightsRoundTrip(t *testing.T) {
	m := newTiny(t)
	x, y := randomBatch(rand.New(rand.NewSource(2)), 4, 6, 6, 3)
	_, err := m.TrainBatch(x, y, nil)
	require.NoError(t, err)
	want, err := m.Predict(x)
	require.NoError(t, err)

	other, err := NewModel(tinySpec(t), Config{LearningRate: 1e-3, Seed: 99})
	require.NoError(t, err)
	n, err := other.LoadWeights(m.Weights(), false)
	require.NoError(t, err)
	assert.Equal(t, len(m.Weights()), n)

	got, err := other.Predict(x)
	require.NoError(t, err)
	assert.Equal(t, want.Data, got.Data)

	// partial loads skip missing tensors, full loads reject them
	backbone := m.Weights()[:2]
	n, err = other.LoadWeights(backbone, true)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	_, err = other.LoadWeights(backbone, false)
	assert.Error(t, err)

	bad := m.Weights()
	bad[0].Data = bad[0].Data[:3]
	_, err = other.LoadWeights(bad, true)
	assert.Error(t, err)
}

func TestCheckpointRoundTrip(t *testing.T) {
	m := newTiny(t)
	x, y := randomBatch(rand.New(rand.NewSource(4)), 4, 6, 6, 3)
	_, err := m.TrainBatch(x, y, nil)
	require.NoError(t, err)
	want, err := m.Predict(x)
	require.NoError(t, err)

	ckpt := m.Checkpoint(checkpoints.CheckpointMetadata{Variant: checkpoints.CustomCNN, ValAccuracy: 0.5})
	for _, format := range []checkpoints.CheckpointFormat{checkpoints.FormatJSON, checkpoints.FormatProto} {
		data, err := checkpoints.Marshal(ckpt, format)
		require.NoError(t, err)
		decoded, err := checkpoints.Unmarshal(data, format)
		require.NoError(t, err)

		restored, err := FromCheckpoint(decoded, Config{})
		require.NoError(t, err)
		got, err := restored.Predict(x)
		require.NoError(t, err)
		assert.Equal(t, want.Data, got.Data, format.String())
		assert.Equal(t, m.LearningRate(), restored.LearningRate())
		assert.False(t, restored.Spec().Layers[0].Trainable)
	}
}

func TestCompileResetsOptimizer(t *testing.T) {
	m := newTiny(t)
	x, y := randomBatch(rand.New(rand.NewSource(6)), 2, 6, 6, 3)
	_, err := m.TrainBatch(x, y, nil)
	require.NoError(t, err)
	require.NotEmpty(t, m.opt.GetState().StateData)

	require.NoError(t, m.Compile(1e-4))
	assert.Empty(t, m.opt.GetState().StateData)
	assert.Equal(t, float32(1e-4), m.LearningRate())

	m.SetLearningRate(5e-5)
	assert.Equal(t, float32(5e-5), m.LearningRate())
	assert.True(t, m.HasBackbone())
	assert.Equal(t, 3, m.NumClasses())
}

func TestNewModelDefaultsLearningRate(t *testing.T) {
	m, err := NewModel(tinySpec(t), Config{})
	require.NoError(t, err)
	assert.Equal(t, optimizer.DefaultAdamConfig().LearningRate, m.LearningRate())
}
