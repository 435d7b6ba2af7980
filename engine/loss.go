package engine

import (
	"math"

	"github.com/pkg/errors"

	"github.com/tsawler/go-cxr/tensor"
)

// probEpsilon clips probabilities away from 0 before taking the log.
const probEpsilon = 1e-7

// CrossEntropy computes the mean categorical cross-entropy of probs against
// one-hot labels. Each sample's loss is scaled by the weight of its true class
// when classWeights is non-nil. It also returns the gradient with respect to
// the softmax input, w_i * (p - y) / N.
func CrossEntropy(probs, labels *tensor.Tensor, classWeights []float32) (float64, *tensor.Tensor, error) {
	if !probs.SameShape(labels) || len(probs.Shape) != 2 {
		return 0, nil, errors.Errorf("prediction shape %v does not match label shape %v", probs.Shape, labels.Shape)
	}
	n, classes := probs.Shape[0], probs.Shape[1]
	if classWeights != nil && len(classWeights) != classes {
		return 0, nil, errors.Errorf("%d class weights for %d classes", len(classWeights), classes)
	}

	grad := tensor.New(n, classes)
	var total float64
	for i := 0; i < n; i++ {
		p := probs.Row(i)
		y := labels.Row(i)

		w := float32(1)
		if classWeights != nil {
			w = 0
			for c, yc := range y {
				w += yc * classWeights[c]
			}
		}

		var sample float64
		for c, yc := range y {
			if yc == 0 {
				continue
			}
			pc := math.Min(math.Max(float64(p[c]), probEpsilon), 1-probEpsilon)
			sample -= float64(yc) * math.Log(pc)
		}
		total += float64(w) * sample

		g := grad.Row(i)
		for c := range g {
			g[c] = w * (p[c] - y[c]) / float32(n)
		}
	}
	return total / float64(n), grad, nil
}

// CountCorrect returns how many rows have their arg-max on the labelled class.
func CountCorrect(probs, labels *tensor.Tensor) int {
	correct := 0
	for i := 0; i < probs.Shape[0]; i++ {
		if tensor.ArgMax(probs.Row(i)) == tensor.ArgMax(labels.Row(i)) {
			correct++
		}
	}
	return correct
}
