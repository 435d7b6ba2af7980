// Package models describes the three trainable variants and builds
// executable engine models for them.
package models

import (
	"fmt"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/tsawler/go-cxr/checkpoints"
	"github.com/tsawler/go-cxr/engine"
	"github.com/tsawler/go-cxr/errdefs"
	"github.com/tsawler/go-cxr/layers"
)

// backbone describes a stack of stride-2 stages, each conv→bn→relu→conv→bn→relu.
type backbone struct {
	widths []int
}

const layersPerStage = 6

var backbones = map[checkpoints.Variant]backbone{
	checkpoints.BackboneA: {widths: []int{16, 32, 64, 128}},
	checkpoints.BackboneB: {widths: []int{24, 48, 96, 192, 256}},
}

// BackboneLength returns the number of backbone layers of a pretrained variant.
func BackboneLength(v checkpoints.Variant) int {
	return len(backbones[v].widths) * layersPerStage
}

// Builder builds untrained models. Pretrained backbone weights are loaded from
// the files in Pretrained when present.
type Builder struct {
	ImageSize  int
	Pretrained map[checkpoints.Variant]string
	Engine     engine.Config
	Logger     *zap.Logger
}

// Spec returns the compiled layer description of a variant.
func (b *Builder) Spec(v checkpoints.Variant, numClasses int) (*layers.ModelSpec, error) {
	if numClasses < 2 {
		return nil, errdefs.Configuration("need at least two classes, got %d", numClasses)
	}
	if b.ImageSize <= 0 {
		return nil, errdefs.Configuration("image size must be positive, got %d", b.ImageSize)
	}
	mb := layers.NewModelBuilder([]int{1, b.ImageSize, b.ImageSize, 3})

	switch v {
	case checkpoints.BackboneA, checkpoints.BackboneB:
		addBackbone(mb, backbones[v])
		addTransferHead(mb, numClasses)
	case checkpoints.CustomCNN:
		addCustomCNN(mb, numClasses)
	default:
		return nil, errdefs.Configuration("variant %q cannot be built", v)
	}

	spec, err := mb.Compile()
	if err != nil {
		return nil, errdefs.Configuration("compile %s for %dx%d input: %v", v, b.ImageSize, b.ImageSize, err)
	}
	return spec, nil
}

func addBackbone(mb *layers.ModelBuilder, bb backbone) {
	mb.BeginBackbone()
	for i, width := range bb.widths {
		name := fmt.Sprintf("stage%d", i+1)
		mb.AddConv2D(width, 3, 2, 1, false, name+"_conv1").
			AddBatchNorm(1e-3, 0.1, name+"_bn1").
			AddReLU(name+"_relu1").
			AddConv2D(width, 3, 1, 1, false, name+"_conv2").
			AddBatchNorm(1e-3, 0.1, name+"_bn2").
			AddReLU(name + "_relu2")
	}
	mb.EndBackbone()
}

func addTransferHead(mb *layers.ModelBuilder, numClasses int) {
	mb.AddGlobalAvgPool("head_pool").
		AddDense(256, true, "head_fc1").
		AddReLU("head_relu1").
		AddBatchNorm(1e-3, 0.1, "head_bn1").
		AddDropout(0.5, "head_drop1").
		AddDense(128, true, "head_fc2").
		AddReLU("head_relu2").
		AddBatchNorm(1e-3, 0.1, "head_bn2").
		AddDropout(0.3, "head_drop2").
		AddDense(numClasses, true, "predictions").
		AddSoftmax("softmax")
}

func addCustomCNN(mb *layers.ModelBuilder, numClasses int) {
	for i, width := range []int{32, 64, 128, 256} {
		name := fmt.Sprintf("block%d", i+1)
		mb.AddConv2D(width, 3, 1, 1, true, name+"_conv1").
			AddReLU(name+"_relu1").
			AddBatchNorm(1e-3, 0.1, name+"_bn1").
			AddConv2D(width, 3, 1, 1, true, name+"_conv2").
			AddReLU(name+"_relu2").
			AddBatchNorm(1e-3, 0.1, name+"_bn2").
			AddMaxPool2D(2, 2, name+"_pool").
			AddDropout(0.25, name+"_drop")
	}
	mb.AddFlatten("flatten").
		AddDense(512, true, "fc1").
		AddReLU("fc1_relu").
		AddBatchNorm(1e-3, 0.1, "fc1_bn").
		AddDropout(0.5, "fc1_drop").
		AddDense(256, true, "fc2").
		AddReLU("fc2_relu").
		AddBatchNorm(1e-3, 0.1, "fc2_bn").
		AddDropout(0.5, "fc2_drop").
		AddDense(numClasses, true, "predictions").
		AddSoftmax("softmax")
}

// Build returns a freshly initialized model. Pretrained variants start with a
// frozen backbone.
func (b *Builder) Build(v checkpoints.Variant, numClasses int) (*engine.Model, error) {
	logger := b.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	spec, err := b.Spec(v, numClasses)
	if err != nil {
		return nil, err
	}
	model, err := engine.NewModel(spec, b.Engine)
	if err != nil {
		return nil, err
	}

	if model.HasBackbone() {
		path := b.Pretrained[v]
		if path == "" {
			logger.Warn("no pretrained weights configured, backbone starts from random initialization",
				zap.String("variant", string(v)))
		} else if err := loadBackbone(model, path); err != nil {
			return nil, errors.WithMessagef(err, "variant %s", v)
		} else {
			logger.Info("loaded pretrained backbone", zap.String("variant", string(v)), zap.String("path", path))
		}
	}

	logger.Debug("model built",
		zap.String("variant", string(v)),
		zap.Int("classes", numClasses),
		zap.Int64("parameters", spec.TotalParameters),
		zap.Int64("trainable", spec.TrainableParameters()))
	return model, nil
}

// loadBackbone copies every backbone tensor from a weight file. Head tensors
// in the file are ignored since their shape depends on the class count.
func loadBackbone(model *engine.Model, path string) error {
	c, err := checkpoints.ReadFile(path)
	if err != nil {
		return errors.WithMessage(err, "pretrained weights")
	}
	spec := model.Spec()
	backboneLayers := make(map[string]bool, spec.BackboneLayers)
	for i := 0; i < spec.BackboneLayers; i++ {
		backboneLayers[spec.Layers[i].Name] = true
	}
	var weights []checkpoints.WeightTensor
	for _, w := range c.Weights {
		if backboneLayers[w.Layer] {
			weights = append(weights, w)
		}
	}
	n, err := model.LoadWeights(weights, true)
	if err != nil {
		return errors.Wrapf(err, "pretrained weights %s", path)
	}
	if n == 0 {
		return errdefs.Configuration("pretrained weights %s contain no backbone tensors", path)
	}
	return nil
}
