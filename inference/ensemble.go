package inference

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/tsawler/go-cxr/checkpoints"
	"github.com/tsawler/go-cxr/errdefs"
	"github.com/tsawler/go-cxr/tensor"
	"github.com/tsawler/go-cxr/vision/preprocessing"
)

// Ensemble averages the probabilities of its members with equal weight.
type Ensemble struct {
	members []Predictor
	classes []string
}

// NewEnsemble checks that members are distinct variants sharing class order
// and preprocessing.
func NewEnsemble(members ...Predictor) (*Ensemble, error) {
	if len(members) == 0 {
		return nil, errdefs.Configuration("ensemble needs at least one member")
	}
	first := members[0]
	classes := first.Classes()
	seen := make(map[checkpoints.Variant]bool, len(members))
	for _, m := range members {
		if m == nil {
			return nil, errdefs.Configuration("ensemble member is nil")
		}
		if seen[m.Variant()] {
			return nil, errdefs.Configuration("ensemble lists %s twice", m.Variant())
		}
		seen[m.Variant()] = true

		mc := m.Classes()
		if len(mc) != len(classes) {
			return nil, errdefs.Configuration("%s predicts %d classes, %s predicts %d", m.Variant(), len(mc), first.Variant(), len(classes))
		}
		for i := range mc {
			if mc[i] != classes[i] {
				return nil, errdefs.Configuration("%s class %d is %q, %s has %q", m.Variant(), i, mc[i], first.Variant(), classes[i])
			}
		}
		if m.Transform() != first.Transform() {
			return nil, errdefs.Configuration("%s preprocesses images differently from %s", m.Variant(), first.Variant())
		}
	}
	return &Ensemble{
		members: append([]Predictor(nil), members...),
		classes: classes,
	}, nil
}

// Predict runs every member concurrently and returns the element-wise mean.
func (e *Ensemble) Predict(ctx context.Context, images *tensor.Tensor) (*tensor.Tensor, error) {
	if err := checkBatch(images, e.Transform()); err != nil {
		return nil, err
	}
	outputs := make([]*tensor.Tensor, len(e.members))
	g, gctx := errgroup.WithContext(ctx)
	for i, m := range e.members {
		i, m := i, m
		g.Go(func() error {
			out, err := m.Predict(gctx, images)
			if err != nil {
				return err
			}
			outputs[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	n, k := images.Shape[0], len(e.classes)
	sum := make([]float64, n*k)
	for i, out := range outputs {
		if len(out.Shape) != 2 || out.Shape[0] != n || out.Shape[1] != k {
			return nil, errdefs.Configuration("%s returned shape %v, want [%d %d]", e.members[i].Variant(), out.Shape, n, k)
		}
		for j, v := range out.Data {
			sum[j] += float64(v)
		}
	}
	mean := tensor.New(n, k)
	for j, s := range sum {
		mean.Data[j] = float32(s / float64(len(outputs)))
	}
	return mean, nil
}

func (e *Ensemble) Variant() checkpoints.Variant { return checkpoints.Ensemble }

func (e *Ensemble) Classes() []string { return append([]string(nil), e.classes...) }

func (e *Ensemble) Transform() preprocessing.Transform { return e.members[0].Transform() }

// Members returns the member variants in order.
func (e *Ensemble) Members() []checkpoints.Variant {
	out := make([]checkpoints.Variant, len(e.members))
	for i, m := range e.members {
		out[i] = m.Variant()
	}
	return out
}

// Size returns the number of members.
func (e *Ensemble) Size() int { return len(e.members) }
