package nn

import (
	"fmt"
	"math"

	"github.com/vk/distillgo/internal/tensor"
)

// Linear applies an affine map along the last dimension of its input. Any
// leading dimensions are treated as batch dimensions, so a (B, H, W, C)
// tensor maps to (B, H, W, OutFeatures).
type Linear struct {
	InFeatures  int
	OutFeatures int

	weight *Parameter // (in, out)
	bias   *Parameter // (out), nil when constructed without bias
}

// NewLinear creates a linear layer with Kaiming-style uniform init.
func NewLinear(inFeatures, outFeatures int, useBias bool) *Linear {
	bound := 1.0 / math.Sqrt(float64(inFeatures))
	w := tensor.Randn(inFeatures, outFeatures)
	for i := range w.Data {
		w.Data[i] *= bound
	}
	l := &Linear{
		InFeatures:  inFeatures,
		OutFeatures: outFeatures,
		weight:      &Parameter{Name: "weight", Data: w, RequiresGrad: true},
	}
	if useBias {
		l.bias = &Parameter{Name: "bias", Data: tensor.New(outFeatures), RequiresGrad: true}
	}
	return l
}

// Forward applies x @ W + b along the last axis.
func (l *Linear) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	shape := x.Shape()
	last := shape[len(shape)-1]
	if last != l.InFeatures {
		return nil, fmt.Errorf("nn: linear expects %d input features, got %d (shape %v)", l.InFeatures, last, shape)
	}
	rows := x.Size() / last
	flat, err := x.Reshape(rows, last)
	if err != nil {
		return nil, err
	}
	out, err := tensor.MatMul(flat, l.weight.Data)
	if err != nil {
		return nil, err
	}
	if l.bias != nil {
		for r := 0; r < rows; r++ {
			row := out.Data[r*l.OutFeatures : (r+1)*l.OutFeatures]
			for j := range row {
				row[j] += l.bias.Data.Data[j]
			}
		}
	}
	outShape := append(append([]int(nil), shape[:len(shape)-1]...), l.OutFeatures)
	return out.Reshape(outShape...)
}

// Parameters returns the weight and, if present, the bias.
func (l *Linear) Parameters() []*Parameter {
	if l.bias == nil {
		return []*Parameter{l.weight}
	}
	return []*Parameter{l.weight, l.bias}
}
