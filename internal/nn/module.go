// Package nn provides the learnable layers the auxiliary distillation
// sub-networks are assembled from: linear maps, 2-D convolutions and their
// transposed counterparts, batch and layer normalization, and a handful of
// activations. Layers implement Module; containers compose them.
//
// The package performs forward computation only. Backpropagation is the
// training engine's concern; parameters carry a RequiresGrad flag so the
// engine (and the freezing rules of teacher-side wrappers) can tell which
// tensors it owns.
package nn

import (
	"fmt"

	"github.com/vk/distillgo/internal/tensor"
)

// Parameter is a named, learnable tensor owned by a layer.
type Parameter struct {
	Name         string
	Data         *tensor.Tensor
	RequiresGrad bool
}

// Module is the interface implemented by every layer and container.
type Module interface {
	// Forward computes the layer's output for the given input.
	Forward(x *tensor.Tensor) (*tensor.Tensor, error)
	// Parameters returns all parameters of the module, including frozen ones
	// and normalization running statistics.
	Parameters() []*Parameter
}

// Trainable is implemented by modules whose forward pass differs between
// training and evaluation (batch normalization, the factor-transfer
// paraphraser). Containers propagate the mode to their children.
type Trainable interface {
	SetTraining(training bool)
}

// SetTraining switches m between training and evaluation mode if it cares.
func SetTraining(m Module, training bool) {
	if t, ok := m.(Trainable); ok {
		t.SetTraining(training)
	}
}

// Freeze clears RequiresGrad on every parameter of m.
func Freeze(m Module) {
	for _, p := range m.Parameters() {
		p.RequiresGrad = false
	}
}

// Identity passes its input through unchanged.
type Identity struct{}

// NewIdentity returns an identity module.
func NewIdentity() *Identity { return &Identity{} }

// Forward returns x unchanged.
func (i *Identity) Forward(x *tensor.Tensor) (*tensor.Tensor, error) { return x, nil }

// Parameters returns nil; identity has nothing to learn.
func (i *Identity) Parameters() []*Parameter { return nil }

// Sequential chains modules, feeding each output into the next.
type Sequential struct {
	mods []Module
}

// NewSequential builds a sequential container over the given modules.
func NewSequential(mods ...Module) *Sequential {
	return &Sequential{mods: mods}
}

// Append adds modules to the end of the chain.
func (s *Sequential) Append(mods ...Module) {
	s.mods = append(s.mods, mods...)
}

// Len returns the number of child modules.
func (s *Sequential) Len() int { return len(s.mods) }

// Forward runs the chain in order.
func (s *Sequential) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	var err error
	for _, m := range s.mods {
		x, err = m.Forward(x)
		if err != nil {
			return nil, err
		}
	}
	return x, nil
}

// Parameters returns the children's parameters with names prefixed by the
// child index, so state files stay stable across process runs.
func (s *Sequential) Parameters() []*Parameter {
	var out []*Parameter
	for i, m := range s.mods {
		for _, p := range m.Parameters() {
			out = append(out, &Parameter{
				Name:         prefixName(i, p.Name),
				Data:         p.Data,
				RequiresGrad: p.RequiresGrad,
			})
		}
	}
	return out
}

// SetTraining propagates the mode to every child.
func (s *Sequential) SetTraining(training bool) {
	for _, m := range s.mods {
		SetTraining(m, training)
	}
}

func prefixName(i int, name string) string {
	return fmt.Sprintf("%d.%s", i, name)
}
