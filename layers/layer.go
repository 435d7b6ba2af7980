package layers

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
)

// LayerType represents the type of neural network layer
type LayerType int

const (
	Dense LayerType = iota
	Conv2D
	ReLU
	Softmax
	MaxPool2D
	Dropout
	BatchNorm
	GlobalAvgPool
	Flatten
)

func (lt LayerType) String() string {
	switch lt {
	case Dense:
		return "Dense"
	case Conv2D:
		return "Conv2D"
	case ReLU:
		return "ReLU"
	case Softmax:
		return "Softmax"
	case MaxPool2D:
		return "MaxPool2D"
	case Dropout:
		return "Dropout"
	case BatchNorm:
		return "BatchNorm"
	case GlobalAvgPool:
		return "GlobalAvgPool"
	case Flatten:
		return "Flatten"
	default:
		return "Unknown"
	}
}

// LayerSpec defines layer configuration for the engine.
// This is pure configuration - no execution logic
type LayerSpec struct {
	Type       LayerType              `json:"type"`
	Name       string                 `json:"name"`
	Parameters map[string]interface{} `json:"parameters"`

	// Backbone marks layers that belong to the pretrained feature extractor.
	Backbone  bool `json:"backbone,omitempty"`
	Trainable bool `json:"trainable"`

	// Shape information (computed during model compilation)
	InputShape  []int `json:"input_shape,omitempty"`
	OutputShape []int `json:"output_shape,omitempty"`

	// Parameter metadata (computed during model compilation)
	ParameterShapes [][]int `json:"parameter_shapes,omitempty"`
	ParameterCount  int64   `json:"parameter_count,omitempty"`
}

// ModelSpec defines a complete neural network model as layer configuration.
// Shapes use NHWC with a batch dimension of 1 as placeholder.
type ModelSpec struct {
	Layers []LayerSpec `json:"layers"`

	// BackboneLayers is the length of the contiguous backbone prefix of Layers.
	BackboneLayers int `json:"backbone_layers"`

	// Compiled model information
	TotalParameters int64   `json:"total_parameters"`
	ParameterShapes [][]int `json:"parameter_shapes"`
	InputShape      []int   `json:"input_shape"`
	OutputShape     []int   `json:"output_shape"`
	Compiled        bool    `json:"compiled"`
}

// ModelBuilder helps construct neural network models
type ModelBuilder struct {
	layers     []LayerSpec
	inputShape []int
	backbone   bool
	compiled   bool
}

// NewModelBuilder creates a new model builder for NHWC input [1, height, width, channels].
func NewModelBuilder(inputShape []int) *ModelBuilder {
	return &ModelBuilder{
		layers:     make([]LayerSpec, 0),
		inputShape: inputShape,
		compiled:   false,
	}
}

// BeginBackbone marks every following layer as part of the backbone until EndBackbone.
// Backbone layers must form a prefix of the model.
func (mb *ModelBuilder) BeginBackbone() *ModelBuilder {
	mb.backbone = true
	return mb
}

// EndBackbone closes the backbone section.
func (mb *ModelBuilder) EndBackbone() *ModelBuilder {
	mb.backbone = false
	return mb
}

// AddLayer adds a layer to the model
func (mb *ModelBuilder) AddLayer(layer LayerSpec) *ModelBuilder {
	layer.Backbone = mb.backbone
	layer.Trainable = !mb.backbone
	mb.layers = append(mb.layers, layer)
	mb.compiled = false // Invalidate compilation
	return mb
}

// AddDense adds a dense layer to the model. Inputs with more than two
// dimensions are flattened.
func (mb *ModelBuilder) AddDense(outputSize int, useBias bool, name string) *ModelBuilder {
	// Input size will be computed during compilation
	return mb.AddLayer(LayerSpec{
		Type: Dense,
		Name: name,
		Parameters: map[string]interface{}{
			"output_size": outputSize,
			"use_bias":    useBias,
		},
	})
}

// AddConv2D adds a Conv2D layer to the model
func (mb *ModelBuilder) AddConv2D(
	outputChannels, kernelSize, stride, padding int,
	useBias bool, name string,
) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: Conv2D,
		Name: name,
		Parameters: map[string]interface{}{
			"output_channels": outputChannels,
			"kernel_size":     kernelSize,
			"stride":          stride,
			"padding":         padding,
			"use_bias":        useBias,
		},
	})
}

// AddReLU adds a ReLU activation to the model
func (mb *ModelBuilder) AddReLU(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: ReLU, Name: name, Parameters: map[string]interface{}{}})
}

// AddSoftmax adds a Softmax activation over the last axis.
func (mb *ModelBuilder) AddSoftmax(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: Softmax, Name: name, Parameters: map[string]interface{}{}})
}

// AddMaxPool2D adds a max pooling layer with a square window.
func (mb *ModelBuilder) AddMaxPool2D(poolSize, stride int, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: MaxPool2D,
		Name: name,
		Parameters: map[string]interface{}{
			"pool_size": poolSize,
			"stride":    stride,
		},
	})
}

// AddDropout adds a Dropout layer to the model
// rate: dropout probability (0.0 = no dropout, 1.0 = drop all)
func (mb *ModelBuilder) AddDropout(rate float32, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: Dropout,
		Name: name,
		Parameters: map[string]interface{}{
			"rate": rate,
		},
	})
}

// AddBatchNorm adds a Batch Normalization layer to the model
// eps: small value added for numerical stability (default: 1e-3)
// momentum: weight of the batch statistics in the running averages (default: 0.01)
func (mb *ModelBuilder) AddBatchNorm(eps float32, momentum float32, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: BatchNorm,
		Name: name,
		Parameters: map[string]interface{}{
			"eps":      eps,
			"momentum": momentum,
		},
	})
}

// AddGlobalAvgPool averages every channel over the spatial dimensions.
func (mb *ModelBuilder) AddGlobalAvgPool(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: GlobalAvgPool, Name: name, Parameters: map[string]interface{}{}})
}

// AddFlatten collapses every non-batch dimension.
func (mb *ModelBuilder) AddFlatten(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: Flatten, Name: name, Parameters: map[string]interface{}{}})
}

// Compile compiles the model and computes shapes and parameter counts
func (mb *ModelBuilder) Compile() (*ModelSpec, error) {
	if len(mb.layers) == 0 {
		return nil, fmt.Errorf("cannot compile empty model")
	}
	if len(mb.inputShape) != 4 {
		return nil, fmt.Errorf("input shape %v is not NHWC", mb.inputShape)
	}

	model := &ModelSpec{
		Layers:     make([]LayerSpec, len(mb.layers)),
		InputShape: append([]int(nil), mb.inputShape...),
	}
	for i, l := range mb.layers {
		l.Parameters = copyParams(l.Parameters)
		model.Layers[i] = l
	}

	if err := model.compile(); err != nil {
		return nil, err
	}
	mb.compiled = true
	return model, nil
}

// compile computes shapes in place and validates the backbone prefix.
func (ms *ModelSpec) compile() error {
	backbone := 0
	for i, l := range ms.Layers {
		if l.Backbone {
			if backbone != i {
				return fmt.Errorf("backbone layer %s at index %d is not part of a contiguous prefix", l.Name, i)
			}
			backbone++
		}
	}

	currentShape := ms.InputShape
	var allParameterShapes [][]int
	totalParams := int64(0)

	for i := range ms.Layers {
		layer := &ms.Layers[i]
		layer.InputShape = append([]int(nil), currentShape...)

		outputShape, paramShapes, paramCount, err := computeLayerInfo(layer, currentShape)
		if err != nil {
			return fmt.Errorf("failed to compute layer %d (%s) info: %v", i, layer.Name, err)
		}

		layer.OutputShape = outputShape
		layer.ParameterShapes = paramShapes
		layer.ParameterCount = paramCount

		allParameterShapes = append(allParameterShapes, paramShapes...)
		totalParams += paramCount
		currentShape = outputShape
	}

	ms.BackboneLayers = backbone
	ms.OutputShape = currentShape
	ms.ParameterShapes = allParameterShapes
	ms.TotalParameters = totalParams
	ms.Compiled = true
	return nil
}

// Recompile recomputes shapes after the spec was decoded from a checkpoint.
func (ms *ModelSpec) Recompile() error {
	if len(ms.Layers) == 0 {
		return fmt.Errorf("cannot compile empty model")
	}
	if len(ms.InputShape) != 4 {
		return fmt.Errorf("input shape %v is not NHWC", ms.InputShape)
	}
	return ms.compile()
}

// computeLayerInfo computes output shape and parameter information for a layer
func computeLayerInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	switch layer.Type {
	case Dense:
		return computeDenseInfo(layer, inputShape)
	case Conv2D:
		return computeConv2DInfo(layer, inputShape)
	case BatchNorm:
		return computeBatchNormInfo(layer, inputShape)
	case MaxPool2D:
		return computeMaxPoolInfo(layer, inputShape)
	case GlobalAvgPool:
		if len(inputShape) != 4 {
			return nil, nil, 0, fmt.Errorf("global pooling requires 4D input")
		}
		return []int{inputShape[0], inputShape[3]}, nil, 0, nil
	case Flatten:
		return []int{inputShape[0], flatSize(inputShape)}, nil, 0, nil
	case ReLU, Softmax, Dropout:
		// Activation layers don't change shape and have no parameters
		return append([]int(nil), inputShape...), nil, 0, nil
	default:
		return nil, nil, 0, fmt.Errorf("unsupported layer type: %s", layer.Type.String())
	}
}

// computeDenseInfo computes dense layer information
func computeDenseInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	if len(inputShape) < 2 {
		return nil, nil, 0, fmt.Errorf("dense layer requires at least 2D input")
	}
	outputSize := IntParam(layer.Parameters, "output_size", 0)
	if outputSize <= 0 {
		return nil, nil, 0, fmt.Errorf("missing output_size parameter")
	}
	useBias := BoolParam(layer.Parameters, "use_bias", true)

	// Flatten all dimensions except batch
	inputSize := flatSize(inputShape)
	layer.Parameters["input_size"] = inputSize

	paramShapes := [][]int{{inputSize, outputSize}}
	paramCount := int64(inputSize * outputSize)
	if useBias {
		paramShapes = append(paramShapes, []int{outputSize})
		paramCount += int64(outputSize)
	}
	return []int{inputShape[0], outputSize}, paramShapes, paramCount, nil
}

// computeConv2DInfo computes Conv2D layer information for NHWC input.
func computeConv2DInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	if len(inputShape) != 4 {
		return nil, nil, 0, fmt.Errorf("Conv2D layer requires 4D input [batch, height, width, channels]")
	}
	outputChannels := IntParam(layer.Parameters, "output_channels", 0)
	kernelSize := IntParam(layer.Parameters, "kernel_size", 0)
	if outputChannels <= 0 || kernelSize <= 0 {
		return nil, nil, 0, fmt.Errorf("missing output_channels or kernel_size parameter")
	}
	stride := IntParam(layer.Parameters, "stride", 1)
	padding := IntParam(layer.Parameters, "padding", 0)
	useBias := BoolParam(layer.Parameters, "use_bias", true)

	inputHeight, inputWidth, inputChannels := inputShape[1], inputShape[2], inputShape[3]
	layer.Parameters["input_channels"] = inputChannels

	if stride <= 0 || inputHeight+2*padding < kernelSize || inputWidth+2*padding < kernelSize {
		return nil, nil, 0, fmt.Errorf("input %dx%d too small for kernel %d", inputHeight, inputWidth, kernelSize)
	}
	outputHeight := (inputHeight+2*padding-kernelSize)/stride + 1
	outputWidth := (inputWidth+2*padding-kernelSize)/stride + 1

	// Weight tensor: [kernel, kernel, inputChannels, outputChannels]
	paramShapes := [][]int{{kernelSize, kernelSize, inputChannels, outputChannels}}
	paramCount := int64(kernelSize * kernelSize * inputChannels * outputChannels)
	if useBias {
		paramShapes = append(paramShapes, []int{outputChannels})
		paramCount += int64(outputChannels)
	}
	return []int{inputShape[0], outputHeight, outputWidth, outputChannels}, paramShapes, paramCount, nil
}

// computeBatchNormInfo normalizes along the last axis (channels or features).
func computeBatchNormInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	if len(inputShape) != 2 && len(inputShape) != 4 {
		return nil, nil, 0, fmt.Errorf("batch norm layer requires 2D or 4D input")
	}
	numFeatures := inputShape[len(inputShape)-1]
	layer.Parameters["num_features"] = numFeatures

	// gamma and beta; running mean and variance are buffers, not parameters
	paramShapes := [][]int{{numFeatures}, {numFeatures}}
	return append([]int(nil), inputShape...), paramShapes, int64(2 * numFeatures), nil
}

func computeMaxPoolInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	if len(inputShape) != 4 {
		return nil, nil, 0, fmt.Errorf("max pooling requires 4D input")
	}
	pool := IntParam(layer.Parameters, "pool_size", 2)
	stride := IntParam(layer.Parameters, "stride", pool)
	if pool <= 0 || stride <= 0 || inputShape[1] < pool || inputShape[2] < pool {
		return nil, nil, 0, fmt.Errorf("input %dx%d too small for pool %d", inputShape[1], inputShape[2], pool)
	}
	oh := (inputShape[1]-pool)/stride + 1
	ow := (inputShape[2]-pool)/stride + 1
	return []int{inputShape[0], oh, ow, inputShape[3]}, nil, 0, nil
}

func flatSize(shape []int) int {
	n := 1
	for i := 1; i < len(shape); i++ {
		n *= shape[i]
	}
	return n
}

func copyParams(p map[string]interface{}) map[string]interface{} {
	c := make(map[string]interface{}, len(p))
	for k, v := range p {
		c[k] = v
	}
	return c
}

// SetBackboneTrainable freezes the first frozenPrefix backbone layers and makes
// the remaining backbone layers trainable. A negative prefix freezes the whole backbone.
func (ms *ModelSpec) SetBackboneTrainable(frozenPrefix int) error {
	if frozenPrefix > ms.BackboneLayers {
		return fmt.Errorf("frozen prefix %d exceeds backbone length %d", frozenPrefix, ms.BackboneLayers)
	}
	for i := 0; i < ms.BackboneLayers; i++ {
		ms.Layers[i].Trainable = frozenPrefix >= 0 && i >= frozenPrefix
	}
	return nil
}

// TrainableParameters counts parameters in trainable layers.
func (ms *ModelSpec) TrainableParameters() int64 {
	var n int64
	for _, l := range ms.Layers {
		if l.Trainable {
			n += l.ParameterCount
		}
	}
	return n
}

// Summary returns a human-readable model summary
func (ms *ModelSpec) Summary() string {
	if !ms.Compiled {
		return "Model not compiled"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Input Shape: %v\n", ms.InputShape)
	fmt.Fprintf(&sb, "Output Shape: %v\n", ms.OutputShape)
	fmt.Fprintf(&sb, "Total Parameters: %s (%s trainable)\n",
		humanize.Comma(ms.TotalParameters), humanize.Comma(ms.TrainableParameters()))
	fmt.Fprintf(&sb, "Backbone Layers: %d of %d\n\n", ms.BackboneLayers, len(ms.Layers))

	for i, layer := range ms.Layers {
		frozen := ""
		if !layer.Trainable {
			frozen = " frozen"
		}
		fmt.Fprintf(&sb, "%3d %-22s %-13s %-18v %10s%s\n", i, layer.Name, layer.Type, layer.OutputShape,
			humanize.Comma(layer.ParameterCount), frozen)
	}
	return sb.String()
}

// IntParam reads an integer parameter. JSON-decoded specs carry float64 values.
func IntParam(params map[string]interface{}, key string, defaultValue int) int {
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case float32:
		return int(v)
	}
	return defaultValue
}

// BoolParam reads a boolean parameter.
func BoolParam(params map[string]interface{}, key string, defaultValue bool) bool {
	if v, ok := params[key].(bool); ok {
		return v
	}
	return defaultValue
}

// FloatParam reads a float parameter.
func FloatParam(params map[string]interface{}, key string, defaultValue float32) float32 {
	switch v := params[key].(type) {
	case float32:
		return v
	case float64:
		return float32(v)
	case int:
		return float32(v)
	}
	return defaultValue
}
