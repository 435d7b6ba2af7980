package training

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-cxr/tensor"
)

func oneHot(t *testing.T, classes int, idx ...int) *tensor.Tensor {
	t.Helper()
	y := tensor.New(len(idx), classes)
	for i, c := range idx {
		y.Data[i*classes+c] = 1
	}
	return y
}

func TestConfusionMatrix(t *testing.T) {
	cm := NewConfusionMatrix([]string{"COVID19", "NORMAL", "PNEUMONIA"})
	probs, err := tensor.FromData([]float32{
		0.8, 0.1, 0.1, // true 0, pred 0
		0.1, 0.7, 0.2, // true 1, pred 1
		0.6, 0.3, 0.1, // true 1, pred 0
		0.1, 0.2, 0.7, // true 2, pred 2
		0.2, 0.5, 0.3, // true 2, pred 1
	}, 5, 3)
	require.NoError(t, err)
	require.NoError(t, cm.Update(probs, oneHot(t, 3, 0, 1, 1, 2, 2)))

	assert.Equal(t, 5, cm.Total)
	assert.Equal(t, [][]int{{1, 0, 0}, {1, 1, 0}, {0, 1, 1}}, cm.Matrix)
	assert.InDelta(t, 0.6, cm.Accuracy(), 1e-12)
	assert.InDelta(t, 0.5, cm.Precision(0), 1e-12)
	assert.InDelta(t, 1.0, cm.Recall(0), 1e-12)
	assert.InDelta(t, 0.5, cm.Recall(1), 1e-12)
	assert.InDelta(t, 1.0, cm.Precision(2), 1e-12)
	assert.InDelta(t, 2.0/3.0, cm.F1(0), 1e-12)
	assert.Equal(t, 2, cm.Support(2))

	report := cm.Report()
	assert.Contains(t, report, "precision")
	assert.Contains(t, report, "PNEUMONIA")
	assert.Equal(t, 6, strings.Count(report, "\n"))
}

func TestConfusionMatrixEmptyClass(t *testing.T) {
	cm := NewConfusionMatrix([]string{"a", "b"})
	probs, _ := tensor.FromData([]float32{0.9, 0.1}, 1, 2)
	require.NoError(t, cm.Update(probs, oneHot(t, 2, 0)))
	assert.Equal(t, 0.0, cm.Precision(1))
	assert.Equal(t, 0.0, cm.Recall(1))
	assert.Equal(t, 0.0, cm.F1(1))
	assert.Equal(t, 0.0, NewConfusionMatrix(nil).Accuracy())
}

func TestConfusionMatrixShapeErrors(t *testing.T) {
	cm := NewConfusionMatrix([]string{"a", "b"})
	assert.Error(t, cm.Update(tensor.New(2, 3), tensor.New(2, 3)))
	assert.Error(t, cm.Update(tensor.New(2, 2), tensor.New(3, 2)))
}

type constClassifier struct{ class, classes int }

func (c constClassifier) Predict(_ context.Context, x *tensor.Tensor) (*tensor.Tensor, error) {
	out := tensor.New(x.Shape[0], c.classes)
	for i := 0; i < x.Shape[0]; i++ {
		out.Data[i*c.classes+c.class] = 1
	}
	return out, nil
}

func TestEvaluate(t *testing.T) {
	stream := &fakeStream{batches: []fakeBatch{
		{labels: []int{0, 1}},
		{labels: []int{1, 1}},
	}, classes: 2}
	cm, err := Evaluate(context.Background(), constClassifier{class: 1, classes: 2}, stream, []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, 4, cm.Total)
	assert.InDelta(t, 0.75, cm.Accuracy(), 1e-12)
	assert.GreaterOrEqual(t, stream.resets, 2)

	_, err = Evaluate(context.Background(), constClassifier{classes: 2}, &fakeStream{classes: 2}, []string{"a", "b"})
	assert.Error(t, err)
}
