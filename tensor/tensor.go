package tensor

import (
	"fmt"
	"math"
)

// Tensor is a dense float32 array in row-major order. Image batches use the
// NHWC layout [batch, height, width, channels]; label batches are [batch, classes].
type Tensor struct {
	Shape []int
	Data  []float32
}

// New allocates a zeroed tensor.
func New(shape ...int) *Tensor {
	return &Tensor{
		Shape: append([]int(nil), shape...),
		Data:  make([]float32, Volume(shape)),
	}
}

// FromData wraps data without copying. The length must match the shape.
func FromData(data []float32, shape ...int) (*Tensor, error) {
	if n := Volume(shape); n != len(data) {
		return nil, fmt.Errorf("data length %d does not match shape %v (%d elements)", len(data), shape, n)
	}
	return &Tensor{Shape: append([]int(nil), shape...), Data: data}, nil
}

// Volume returns the number of elements described by shape.
func Volume(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, elements=%d)", t.Shape, len(t.Data))
}

// Len returns the number of elements.
func (t *Tensor) Len() int {
	return len(t.Data)
}

// Dim returns the size of dimension i.
func (t *Tensor) Dim(i int) int {
	return t.Shape[i]
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	c := &Tensor{Shape: append([]int(nil), t.Shape...), Data: make([]float32, len(t.Data))}
	copy(c.Data, t.Data)
	return c
}

// Reshape returns a view with a new shape over the same data.
func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	return FromData(t.Data, shape...)
}

// Zero sets every element to 0.
func (t *Tensor) Zero() {
	for i := range t.Data {
		t.Data[i] = 0
	}
}

// SameShape reports whether both tensors have identical shapes.
func (t *Tensor) SameShape(o *Tensor) bool {
	if len(t.Shape) != len(o.Shape) {
		return false
	}
	for i, d := range t.Shape {
		if o.Shape[i] != d {
			return false
		}
	}
	return true
}

// Row returns row i of a 2D tensor as a slice sharing storage.
func (t *Tensor) Row(i int) []float32 {
	cols := t.Shape[len(t.Shape)-1]
	return t.Data[i*cols : (i+1)*cols]
}

// Slice returns samples [from, to) along the first dimension, sharing storage.
func (t *Tensor) Slice(from, to int) *Tensor {
	per := len(t.Data) / t.Shape[0]
	shape := append([]int{to - from}, t.Shape[1:]...)
	return &Tensor{Shape: shape, Data: t.Data[from*per : to*per]}
}

// ArgMax returns the index of the largest value in v, first index on ties.
func ArgMax(v []float32) int {
	best := 0
	for i := 1; i < len(v); i++ {
		if v[i] > v[best] {
			best = i
		}
	}
	return best
}

// HasNaN reports whether any element is NaN or infinite.
func (t *Tensor) HasNaN() bool {
	for _, v := range t.Data {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return true
		}
	}
	return false
}
