package engine

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/tsawler/go-cxr/layers"
	"github.com/tsawler/go-cxr/optimizer"
	"github.com/tsawler/go-cxr/tensor"
)

// runtimeLayer holds the parameters of one layer and the activations cached by
// the last training forward pass.
type runtimeLayer struct {
	spec   *layers.LayerSpec
	params []*optimizer.Parameter

	// batch norm buffers
	runningMean []float32
	runningVar  []float32

	input      *tensor.Tensor
	output     *tensor.Tensor
	mask       []float32
	argmax     []int
	xhat       []float32
	invStd     []float32
	batchStats bool
}

func newRuntimeLayer(spec *layers.LayerSpec, rng *rand.Rand) (*runtimeLayer, error) {
	l := &runtimeLayer{spec: spec}
	p := spec.Parameters
	switch spec.Type {
	case layers.Dense:
		in := layers.IntParam(p, "input_size", 0)
		out := layers.IntParam(p, "output_size", 0)
		l.params = append(l.params, l.newParam("weight", rng, in, []int{in, out}))
		if layers.BoolParam(p, "use_bias", true) {
			l.params = append(l.params, l.newParam("bias", nil, 0, []int{out}))
		}
	case layers.Conv2D:
		k := layers.IntParam(p, "kernel_size", 0)
		cin := layers.IntParam(p, "input_channels", 0)
		cout := layers.IntParam(p, "output_channels", 0)
		l.params = append(l.params, l.newParam("weight", rng, k*k*cin, []int{k, k, cin, cout}))
		if layers.BoolParam(p, "use_bias", true) {
			l.params = append(l.params, l.newParam("bias", nil, 0, []int{cout}))
		}
	case layers.BatchNorm:
		c := layers.IntParam(p, "num_features", 0)
		gamma := l.newParam("gamma", nil, 0, []int{c})
		for i := range gamma.Value {
			gamma.Value[i] = 1
		}
		l.params = append(l.params, gamma, l.newParam("beta", nil, 0, []int{c}))
		l.runningMean = make([]float32, c)
		l.runningVar = make([]float32, c)
		for i := range l.runningVar {
			l.runningVar[i] = 1
		}
	case layers.ReLU, layers.Softmax, layers.Dropout, layers.MaxPool2D, layers.GlobalAvgPool, layers.Flatten:
	default:
		return nil, fmt.Errorf("unsupported layer type: %s", spec.Type)
	}
	return l, nil
}

// newParam allocates a parameter. With a non-nil rng the values are He
// initialized: normal with std sqrt(2/fanIn).
func (l *runtimeLayer) newParam(kind string, rng *rand.Rand, fanIn int, shape []int) *optimizer.Parameter {
	n := tensor.Volume(shape)
	param := &optimizer.Parameter{
		Name:  l.spec.Name + "." + kind,
		Shape: shape,
		Value: make([]float32, n),
		Grad:  make([]float32, n),
	}
	if rng != nil && fanIn > 0 {
		std := math.Sqrt(2.0 / float64(fanIn))
		for i := range param.Value {
			param.Value[i] = float32(rng.NormFloat64() * std)
		}
	}
	return param
}

func (l *runtimeLayer) zeroGrad() {
	for _, p := range l.params {
		for i := range p.Grad {
			p.Grad[i] = 0
		}
	}
}

func (l *runtimeLayer) conv(x *tensor.Tensor) convGeom {
	p := l.spec.Parameters
	return convGeom{
		n: x.Shape[0], h: x.Shape[1], w: x.Shape[2], cin: x.Shape[3],
		oh: l.spec.OutputShape[1], ow: l.spec.OutputShape[2], cout: l.spec.OutputShape[3],
		kernel: layers.IntParam(p, "kernel_size", 0),
		stride: layers.IntParam(p, "stride", 1),
		pad:    layers.IntParam(p, "padding", 0),
	}
}

func (l *runtimeLayer) pool(x *tensor.Tensor) poolGeom {
	size := layers.IntParam(l.spec.Parameters, "pool_size", 2)
	return poolGeom{
		n: x.Shape[0], h: x.Shape[1], w: x.Shape[2], c: x.Shape[3],
		oh: l.spec.OutputShape[1], ow: l.spec.OutputShape[2],
		size: size, stride: layers.IntParam(l.spec.Parameters, "stride", size),
	}
}

func (l *runtimeLayer) bias() []float32 {
	if len(l.params) > 1 {
		return l.params[1].Value
	}
	return nil
}

// outShape replaces the placeholder batch dimension of the compiled shape.
func (l *runtimeLayer) outShape(batch int) []int {
	s := append([]int(nil), l.spec.OutputShape...)
	s[0] = batch
	return s
}

// forward runs the layer. training enables dropout and batch statistics for
// trainable batch norm layers; frozen batch norm layers always use running statistics.
func (l *runtimeLayer) forward(x *tensor.Tensor, training bool, rng *rand.Rand) *tensor.Tensor {
	batch := x.Shape[0]
	y := tensor.New(l.outShape(batch)...)

	switch l.spec.Type {
	case layers.Dense:
		in := len(x.Data) / batch
		out := y.Shape[1]
		denseForward(x.Data, l.params[0].Value, l.bias(), y.Data, batch, in, out)
	case layers.Conv2D:
		l.conv(x).forward(x.Data, l.params[0].Value, l.bias(), y.Data)
	case layers.ReLU:
		for i, v := range x.Data {
			if v > 0 {
				y.Data[i] = v
			}
		}
	case layers.Softmax:
		softmaxRows(x.Data, y.Data, x.Shape[len(x.Shape)-1])
	case layers.Dropout:
		rate := layers.FloatParam(l.spec.Parameters, "rate", 0)
		if !training || rate <= 0 {
			copy(y.Data, x.Data)
			l.mask = nil
			break
		}
		scale := 1 / (1 - rate)
		l.mask = make([]float32, len(x.Data))
		for i, v := range x.Data {
			if rng.Float32() >= rate {
				l.mask[i] = scale
				y.Data[i] = v * scale
			}
		}
	case layers.MaxPool2D:
		l.argmax = make([]int, len(y.Data))
		l.pool(x).forward(x.Data, y.Data, l.argmax)
	case layers.GlobalAvgPool:
		c := x.Shape[3]
		spatial := x.Shape[1] * x.Shape[2]
		for n := 0; n < batch; n++ {
			for s := 0; s < spatial; s++ {
				off := (n*spatial + s) * c
				for j := 0; j < c; j++ {
					y.Data[n*c+j] += x.Data[off+j]
				}
			}
		}
		for i := range y.Data {
			y.Data[i] /= float32(spatial)
		}
	case layers.Flatten:
		copy(y.Data, x.Data)
	case layers.BatchNorm:
		l.batchNormForward(x, y, training && l.spec.Trainable)
	}

	if training {
		l.input, l.output = x, y
	}
	return y
}

func (l *runtimeLayer) batchNormForward(x, y *tensor.Tensor, useBatch bool) {
	c := x.Shape[len(x.Shape)-1]
	eps := float64(layers.FloatParam(l.spec.Parameters, "eps", 1e-3))
	momentum := layers.FloatParam(l.spec.Parameters, "momentum", 0.01)
	gamma, beta := l.params[0].Value, l.params[1].Value

	l.batchStats = useBatch
	l.invStd = make([]float32, c)
	mean := make([]float32, c)
	if useBatch {
		m, v := batchNormStats(x.Data, c)
		for j := 0; j < c; j++ {
			mean[j] = float32(m[j])
			l.invStd[j] = float32(1 / math.Sqrt(v[j]+eps))
			l.runningMean[j] = (1-momentum)*l.runningMean[j] + momentum*float32(m[j])
			l.runningVar[j] = (1-momentum)*l.runningVar[j] + momentum*float32(v[j])
		}
	} else {
		copy(mean, l.runningMean)
		for j := 0; j < c; j++ {
			l.invStd[j] = float32(1 / math.Sqrt(float64(l.runningVar[j])+eps))
		}
	}

	l.xhat = make([]float32, len(x.Data))
	for off := 0; off < len(x.Data); off += c {
		for j := 0; j < c; j++ {
			xh := (x.Data[off+j] - mean[j]) * l.invStd[j]
			l.xhat[off+j] = xh
			y.Data[off+j] = gamma[j]*xh + beta[j]
		}
	}
}

// backward accumulates parameter gradients when the layer is trainable and
// returns the gradient with respect to the input when needInput is set.
func (l *runtimeLayer) backward(dy *tensor.Tensor, needInput bool) *tensor.Tensor {
	x := l.input
	batch := x.Shape[0]
	trainable := l.spec.Trainable
	var dx *tensor.Tensor
	if needInput {
		dx = tensor.New(x.Shape...)
	}

	switch l.spec.Type {
	case layers.Dense:
		in := len(x.Data) / batch
		out := dy.Shape[1]
		var dw, db, dxData []float32
		if trainable {
			dw = l.params[0].Grad
			if len(l.params) > 1 {
				db = l.params[1].Grad
			}
		}
		if dx != nil {
			dxData = dx.Data
		}
		denseBackward(x.Data, l.params[0].Value, dy.Data, dxData, dw, db, batch, in, out)
	case layers.Conv2D:
		g := l.conv(x)
		if trainable {
			var db []float32
			if len(l.params) > 1 {
				db = l.params[1].Grad
			}
			g.backwardParams(x.Data, dy.Data, l.params[0].Grad, db)
		}
		if dx != nil {
			g.backwardInput(l.params[0].Value, dy.Data, dx.Data)
		}
	case layers.ReLU:
		if dx != nil {
			for i, v := range l.output.Data {
				if v > 0 {
					dx.Data[i] = dy.Data[i]
				}
			}
		}
	case layers.Softmax:
		if dx != nil {
			softmaxBackward(l.output.Data, dy.Data, dx.Data, dy.Shape[len(dy.Shape)-1])
		}
	case layers.Dropout:
		if dx != nil {
			if l.mask == nil {
				copy(dx.Data, dy.Data)
			} else {
				for i, m := range l.mask {
					dx.Data[i] = dy.Data[i] * m
				}
			}
		}
	case layers.MaxPool2D:
		if dx != nil {
			for i, idx := range l.argmax {
				dx.Data[idx] += dy.Data[i]
			}
		}
	case layers.GlobalAvgPool:
		if dx != nil {
			c := x.Shape[3]
			spatial := x.Shape[1] * x.Shape[2]
			for n := 0; n < batch; n++ {
				for s := 0; s < spatial; s++ {
					off := (n*spatial + s) * c
					for j := 0; j < c; j++ {
						dx.Data[off+j] = dy.Data[n*c+j] / float32(spatial)
					}
				}
			}
		}
	case layers.Flatten:
		if dx != nil {
			copy(dx.Data, dy.Data)
		}
	case layers.BatchNorm:
		l.batchNormBackward(dy, dx, trainable)
	}
	return dx
}

func (l *runtimeLayer) batchNormBackward(dy, dx *tensor.Tensor, trainable bool) {
	c := dy.Shape[len(dy.Shape)-1]
	rows := float32(len(dy.Data) / c)
	gamma := l.params[0].Value

	sumDy := make([]float32, c)
	sumDyXhat := make([]float32, c)
	for off := 0; off < len(dy.Data); off += c {
		for j := 0; j < c; j++ {
			sumDy[j] += dy.Data[off+j]
			sumDyXhat[j] += dy.Data[off+j] * l.xhat[off+j]
		}
	}
	if trainable {
		for j := 0; j < c; j++ {
			l.params[0].Grad[j] += sumDyXhat[j]
			l.params[1].Grad[j] += sumDy[j]
		}
	}
	if dx == nil {
		return
	}
	for off := 0; off < len(dy.Data); off += c {
		for j := 0; j < c; j++ {
			g := gamma[j] * l.invStd[j]
			if l.batchStats {
				dx.Data[off+j] = g / rows * (rows*dy.Data[off+j] - sumDy[j] - l.xhat[off+j]*sumDyXhat[j])
			} else {
				dx.Data[off+j] = g * dy.Data[off+j]
			}
		}
	}
}
