package training

import (
	"fmt"
	"strings"

	"github.com/tsawler/go-cxr/errdefs"
)

// ClassWeightTable maps each class label to its loss weight. Under-represented
// classes get larger weights: weight[c] = total / count[c].
type ClassWeightTable struct {
	labels  []string
	counts  []int
	weights []float64
}

// ComputeClassWeights builds the weight table from per-class sample counts
// given in label order.
func ComputeClassWeights(labels []string, counts []int) (ClassWeightTable, error) {
	if len(labels) == 0 {
		return ClassWeightTable{}, errdefs.Configuration("class weights need at least one class")
	}
	if len(labels) != len(counts) {
		return ClassWeightTable{}, errdefs.Configuration("%d class labels but %d counts", len(labels), len(counts))
	}
	total := 0
	for i, c := range counts {
		if c <= 0 {
			return ClassWeightTable{}, errdefs.Configuration("class %q has %d samples", labels[i], c)
		}
		total += c
	}
	weights := make([]float64, len(counts))
	for i, c := range counts {
		weights[i] = float64(total) / float64(c)
	}
	return ClassWeightTable{
		labels:  append([]string(nil), labels...),
		counts:  append([]int(nil), counts...),
		weights: weights,
	}, nil
}

// Recompute returns t unchanged when counts match the counts t was built from,
// and a fresh table otherwise.
func (t ClassWeightTable) Recompute(counts []int) (ClassWeightTable, error) {
	if len(counts) == len(t.counts) {
		same := true
		for i := range counts {
			if counts[i] != t.counts[i] {
				same = false
				break
			}
		}
		if same {
			return t, nil
		}
	}
	return ComputeClassWeights(t.labels, counts)
}

// Weight returns the weight of label, or false if the label is unknown.
func (t ClassWeightTable) Weight(label string) (float64, bool) {
	for i, l := range t.labels {
		if l == label {
			return t.weights[i], true
		}
	}
	return 0, false
}

// Labels returns the class labels in one-hot order.
func (t ClassWeightTable) Labels() []string {
	return append([]string(nil), t.labels...)
}

// Slice returns the weights in label order, ready for the loss.
func (t ClassWeightTable) Slice() []float32 {
	out := make([]float32, len(t.weights))
	for i, w := range t.weights {
		out[i] = float32(w)
	}
	return out
}

// Len returns the number of classes.
func (t ClassWeightTable) Len() int {
	return len(t.labels)
}

func (t ClassWeightTable) String() string {
	parts := make([]string, len(t.labels))
	for i, l := range t.labels {
		parts[i] = fmt.Sprintf("%s=%.3f", l, t.weights[i])
	}
	return strings.Join(parts, " ")
}
