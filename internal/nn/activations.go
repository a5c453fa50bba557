package nn

import (
	"math"

	"github.com/vk/distillgo/internal/tensor"
)

// ReLU zeroes negative activations.
type ReLU struct{}

// NewReLU returns a ReLU activation.
func NewReLU() *ReLU { return &ReLU{} }

// Forward applies max(0, x) elementwise.
func (r *ReLU) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	return x.Apply(func(v float64) float64 {
		if v < 0 {
			return 0
		}
		return v
	}), nil
}

// Parameters returns nil.
func (r *ReLU) Parameters() []*Parameter { return nil }

// LeakyReLU scales negative activations by a fixed slope.
type LeakyReLU struct {
	Slope float64
}

// NewLeakyReLU returns a leaky ReLU with the given negative slope.
func NewLeakyReLU(slope float64) *LeakyReLU { return &LeakyReLU{Slope: slope} }

// Forward applies x for x >= 0 and slope*x otherwise.
func (r *LeakyReLU) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	return x.Apply(func(v float64) float64 {
		if v < 0 {
			return r.Slope * v
		}
		return v
	}), nil
}

// Parameters returns nil.
func (r *LeakyReLU) Parameters() []*Parameter { return nil }

// Softplus computes log(1 + exp(x)), the smooth ReLU used for variance heads.
func Softplus(v float64) float64 {
	// Overflow guard: softplus(x) -> x for large x.
	if v > 30 {
		return v
	}
	return math.Log1p(math.Exp(v))
}
