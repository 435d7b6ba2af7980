package training

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/tsawler/go-cxr/tensor"
)

// ConfusionMatrix counts predictions per (true class, predicted class).
type ConfusionMatrix struct {
	Labels []string
	Matrix [][]int // [true_class][predicted_class]
	Total  int
}

// NewConfusionMatrix creates a new confusion matrix
func NewConfusionMatrix(labels []string) *ConfusionMatrix {
	matrix := make([][]int, len(labels))
	for i := range matrix {
		matrix[i] = make([]int, len(labels))
	}
	return &ConfusionMatrix{
		Labels: append([]string(nil), labels...),
		Matrix: matrix,
	}
}

// Update adds a batch of predicted probabilities [n, classes] against one-hot
// labels [n, classes].
func (cm *ConfusionMatrix) Update(probs, labels *tensor.Tensor) error {
	k := len(cm.Labels)
	if len(probs.Shape) != 2 || probs.Shape[1] != k {
		return errors.Errorf("predictions shape %v, want [n %d]", probs.Shape, k)
	}
	if !probs.SameShape(labels) {
		return errors.Errorf("predictions shape %v does not match labels %v", probs.Shape, labels.Shape)
	}
	for i := 0; i < probs.Shape[0]; i++ {
		cm.Matrix[tensor.ArgMax(labels.Row(i))][tensor.ArgMax(probs.Row(i))]++
		cm.Total++
	}
	return nil
}

// Accuracy is the fraction of samples on the diagonal.
func (cm *ConfusionMatrix) Accuracy() float64 {
	if cm.Total == 0 {
		return 0
	}
	correct := 0
	for i := range cm.Matrix {
		correct += cm.Matrix[i][i]
	}
	return float64(correct) / float64(cm.Total)
}

// Precision of class c: TP / (TP + FP). Zero when nothing was predicted as c.
func (cm *ConfusionMatrix) Precision(c int) float64 {
	predicted := 0
	for i := range cm.Matrix {
		predicted += cm.Matrix[i][c]
	}
	if predicted == 0 {
		return 0
	}
	return float64(cm.Matrix[c][c]) / float64(predicted)
}

// Recall of class c: TP / (TP + FN). Zero when class c has no samples.
func (cm *ConfusionMatrix) Recall(c int) float64 {
	support := cm.Support(c)
	if support == 0 {
		return 0
	}
	return float64(cm.Matrix[c][c]) / float64(support)
}

// F1 of class c.
func (cm *ConfusionMatrix) F1(c int) float64 {
	p, r := cm.Precision(c), cm.Recall(c)
	if p+r == 0 {
		return 0
	}
	return 2 * p * r / (p + r)
}

// Support is the number of samples whose true class is c.
func (cm *ConfusionMatrix) Support(c int) int {
	n := 0
	for _, v := range cm.Matrix[c] {
		n += v
	}
	return n
}

// MacroF1 averages F1 over classes.
func (cm *ConfusionMatrix) MacroF1() float64 {
	if len(cm.Labels) == 0 {
		return 0
	}
	sum := 0.0
	for c := range cm.Labels {
		sum += cm.F1(c)
	}
	return sum / float64(len(cm.Labels))
}

// Report formats per-class precision, recall, F1 and support as a table.
func (cm *ConfusionMatrix) Report() string {
	width := len("accuracy")
	for _, l := range cm.Labels {
		if len(l) > width {
			width = len(l)
		}
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%*s %9s %9s %9s %9s\n", width, "", "precision", "recall", "f1-score", "support")
	for c, l := range cm.Labels {
		fmt.Fprintf(&b, "%*s %9.2f %9.2f %9.2f %9d\n", width, l, cm.Precision(c), cm.Recall(c), cm.F1(c), cm.Support(c))
	}
	fmt.Fprintf(&b, "%*s %9s %9s %9.2f %9d\n", width, "accuracy", "", "", cm.Accuracy(), cm.Total)
	fmt.Fprintf(&b, "%*s %9s %9s %9.2f %9d\n", width, "macro f1", "", "", cm.MacroF1(), cm.Total)
	return b.String()
}
