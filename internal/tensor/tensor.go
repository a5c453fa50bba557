// Package tensor implements a dense, row-major float64 tensor and the small
// set of numeric kernels the auxiliary distillation modules need. It is a
// plain numeric container: gradient bookkeeping belongs to the training
// engine that drives these modules, not to this package.
package tensor

import (
	"fmt"
	"math/rand"
)

// Tensor is a dense row-major tensor of float64 values.
type Tensor struct {
	shape   []int
	strides []int
	Data    []float64
}

// New creates a zero-filled tensor with the given shape.
func New(shape ...int) *Tensor {
	size := 1
	for _, d := range shape {
		if d <= 0 {
			panic(fmt.Sprintf("tensor: non-positive dimension %d in shape %v", d, shape))
		}
		size *= d
	}
	t := &Tensor{
		shape: append([]int(nil), shape...),
		Data:  make([]float64, size),
	}
	t.strides = computeStrides(t.shape)
	return t
}

// FromSlice creates a tensor with the given shape backed by a copy of data.
func FromSlice(data []float64, shape ...int) (*Tensor, error) {
	size := 1
	for _, d := range shape {
		size *= d
	}
	if size != len(data) {
		return nil, fmt.Errorf("tensor: shape %v needs %d values, got %d", shape, size, len(data))
	}
	t := New(shape...)
	copy(t.Data, data)
	return t, nil
}

// Randn creates a tensor filled with standard normal samples.
func Randn(shape ...int) *Tensor {
	t := New(shape...)
	for i := range t.Data {
		t.Data[i] = rand.NormFloat64()
	}
	return t
}

// Full creates a tensor with every element set to v.
func Full(v float64, shape ...int) *Tensor {
	t := New(shape...)
	for i := range t.Data {
		t.Data[i] = v
	}
	return t
}

func computeStrides(shape []int) []int {
	strides := make([]int, len(shape))
	acc := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = acc
		acc *= shape[i]
	}
	return strides
}

// Shape returns the tensor's dimensions. The returned slice must not be mutated.
func (t *Tensor) Shape() []int { return t.shape }

// Rank returns the number of dimensions.
func (t *Tensor) Rank() int { return len(t.shape) }

// Dim returns the size of dimension i.
func (t *Tensor) Dim(i int) int { return t.shape[i] }

// Size returns the total number of elements.
func (t *Tensor) Size() int { return len(t.Data) }

func (t *Tensor) offset(idx []int) int {
	if len(idx) != len(t.shape) {
		panic(fmt.Sprintf("tensor: %d indices for rank-%d tensor", len(idx), len(t.shape)))
	}
	off := 0
	for i, x := range idx {
		if x < 0 || x >= t.shape[i] {
			panic(fmt.Sprintf("tensor: index %d out of range for dimension %d (size %d)", x, i, t.shape[i]))
		}
		off += x * t.strides[i]
	}
	return off
}

// At returns the element at the given multi-dimensional index.
func (t *Tensor) At(idx ...int) float64 { return t.Data[t.offset(idx)] }

// Set assigns the element at the given multi-dimensional index.
func (t *Tensor) Set(v float64, idx ...int) { t.Data[t.offset(idx)] = v }

// Add accumulates v into the element at the given index.
func (t *Tensor) Add(v float64, idx ...int) { t.Data[t.offset(idx)] += v }

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	c := New(t.shape...)
	copy(c.Data, t.Data)
	return c
}

// Reshape returns a copy of t with a new shape of the same total size.
func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	size := 1
	for _, d := range shape {
		size *= d
	}
	if size != len(t.Data) {
		return nil, fmt.Errorf("tensor: cannot reshape %v (size %d) to %v", t.shape, len(t.Data), shape)
	}
	c := New(shape...)
	copy(c.Data, t.Data)
	return c, nil
}

// Flatten2D collapses all dimensions after the first, yielding a
// (dim0, rest) matrix. A rank-1 tensor becomes (dim0, 1).
func (t *Tensor) Flatten2D() *Tensor {
	if len(t.shape) == 0 {
		panic("tensor: Flatten2D on rank-0 tensor")
	}
	rest := len(t.Data) / t.shape[0]
	out, _ := t.Reshape(t.shape[0], rest)
	return out
}
