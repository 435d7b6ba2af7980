// Package inference turns trained artifacts into class probabilities: single
// models, unweighted ensembles, and the decode-to-prediction image pipeline.
package inference

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/tsawler/go-cxr/checkpoints"
	"github.com/tsawler/go-cxr/engine"
	"github.com/tsawler/go-cxr/errdefs"
	"github.com/tsawler/go-cxr/tensor"
	"github.com/tsawler/go-cxr/vision/preprocessing"
)

// Predictor maps a batch of preprocessed images [n, h, w, 3] to class
// probabilities [n, classes].
type Predictor interface {
	Predict(ctx context.Context, images *tensor.Tensor) (*tensor.Tensor, error)
	Variant() checkpoints.Variant
	Classes() []string
	Transform() preprocessing.Transform
}

// ModelPredictor serves one engine model. Calls are serialized because the
// engine keeps per-call buffers.
type ModelPredictor struct {
	mu        sync.Mutex
	model     *engine.Model
	variant   checkpoints.Variant
	classes   []string
	transform preprocessing.Transform
}

// NewModelPredictor wraps model. classes must match the model's output width.
func NewModelPredictor(model *engine.Model, v checkpoints.Variant, classes []string, t preprocessing.Transform) (*ModelPredictor, error) {
	if model == nil {
		return nil, errdefs.Configuration("predictor %s has no model", v)
	}
	if len(classes) != model.NumClasses() {
		return nil, errdefs.Configuration("%s: %d class labels for %d outputs", v, len(classes), model.NumClasses())
	}
	if h, w := model.InputSize(); h != t.ImageSize || w != t.ImageSize {
		return nil, errdefs.Configuration("%s: model input %dx%d does not match preprocessing size %d", v, h, w, t.ImageSize)
	}
	return &ModelPredictor{
		model:     model,
		variant:   v,
		classes:   append([]string(nil), classes...),
		transform: t,
	}, nil
}

// LoadModelPredictor rebuilds the model stored in c.
func LoadModelPredictor(c *checkpoints.Checkpoint) (*ModelPredictor, error) {
	model, err := engine.FromCheckpoint(c, engine.Config{})
	if err != nil {
		return nil, errors.WithMessagef(err, "load %s", c.Metadata.Variant)
	}
	t := c.Metadata.Preprocessing
	if t.ImageSize == 0 {
		h, _ := model.InputSize()
		t = preprocessing.DefaultTransform(h)
	}
	return NewModelPredictor(model, c.Metadata.Variant, c.Metadata.ClassLabels, t)
}

func (p *ModelPredictor) Predict(ctx context.Context, images *tensor.Tensor) (*tensor.Tensor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := checkBatch(images, p.transform); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.model.Predict(images)
}

func (p *ModelPredictor) Variant() checkpoints.Variant { return p.variant }

func (p *ModelPredictor) Classes() []string { return append([]string(nil), p.classes...) }

func (p *ModelPredictor) Transform() preprocessing.Transform { return p.transform }

// checkBatch rejects anything that is not a non-empty NHWC batch at the
// transform's image size.
func checkBatch(images *tensor.Tensor, t preprocessing.Transform) error {
	if images == nil {
		return errdefs.Input(nil, "no image batch")
	}
	if len(images.Shape) != 4 || images.Shape[0] < 1 ||
		images.Shape[1] != t.ImageSize || images.Shape[2] != t.ImageSize || images.Shape[3] != preprocessing.Channels {
		return errdefs.Input(nil, "batch shape %v, want [N %d %d %d]", images.Shape, t.ImageSize, t.ImageSize, preprocessing.Channels)
	}
	return nil
}
