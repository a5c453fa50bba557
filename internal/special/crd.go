package special

import (
	"context"
	"fmt"
	"math"

	"github.com/hashicorp/hcl/v2"

	"github.com/vk/distillgo/internal/model"
	"github.com/vk/distillgo/internal/nn"
	"github.com/vk/distillgo/internal/registry"
	"github.com/vk/distillgo/internal/tensor"
)

// normFloor keeps the contrastive projection defined for an all-zero row.
const normFloor = 1e-12

// NormalizerCRD projects a flat activation and rescales every row to unit
// L_p norm. The norm denominator is floored at a tiny constant so a zero
// projection yields zeros instead of NaNs.
type NormalizerCRD struct {
	linear nn.Module
	power  float64
}

// NewNormalizerCRD wraps a projection layer with row-wise L_p normalization.
func NewNormalizerCRD(linear nn.Module, power float64) (*NormalizerCRD, error) {
	if power <= 0 {
		return nil, fmt.Errorf("special: normalizer power must be positive, got %v", power)
	}
	return &NormalizerCRD{linear: linear, power: power}, nil
}

// Forward projects a (N, F) input and divides each row by its L_p norm.
func (n *NormalizerCRD) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	z, err := n.linear.Forward(x)
	if err != nil {
		return nil, err
	}
	if z.Rank() != 2 {
		return nil, fmt.Errorf("special: normalizer expects a rank-2 projection, got shape %v", z.Shape())
	}
	rows, cols := z.Dim(0), z.Dim(1)
	out := z.Clone()
	for r := 0; r < rows; r++ {
		row := out.Data[r*cols : (r+1)*cols]
		sum := 0.0
		for _, v := range row {
			sum += math.Pow(math.Abs(v), n.power)
		}
		norm := math.Pow(sum, 1.0/n.power)
		if norm < normFloor {
			norm = normFloor
		}
		for i := range row {
			row[i] /= norm
		}
	}
	return out, nil
}

// Parameters returns the projection parameters.
func (n *NormalizerCRD) Parameters() []*nn.Parameter {
	if src, ok := n.linear.(interface{ Parameters() []*nn.Parameter }); ok {
		return src.Parameters()
	}
	return nil
}

type crdParams struct {
	InputModulePath string      `hcl:"input_module_path"`
	Power           *float64    `hcl:"power,optional"`
	Linear          *linearSpec `hcl:"linear,block"`
}

// LinearCRD wraps either backbone with the contrastive projection head. Its
// forward path accepts the model input plus an optional supplementary tensor
// of contrast indices, which is routed through an identity hook point so
// downstream capture sees it.
type LinearCRD struct {
	registry.Base
	backbone   model.Backbone
	inputPath  string
	empty      *nn.Identity
	normalizer nn.Module
}

func buildLinearCRD(ctx context.Context, bctx *registry.BuildContext, params hcl.Body) (registry.SpecialModule, error) {
	var p crdParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := bctx.Role.Require("Linear4CRD"); err != nil {
		return nil, err
	}
	if p.Linear == nil {
		return nil, fmt.Errorf("special: Linear4CRD requires a linear block")
	}
	if bctx.Role.IsTeacher() {
		freezeBackbone(bctx.Role.Backbone)
	}
	power := 2.0
	if p.Power != nil {
		power = *p.Power
	}
	linear := nn.NewLinear(p.Linear.InFeatures, p.Linear.OutFeatures, boolOr(p.Linear.Bias, true))
	normalizer, err := NewNormalizerCRD(linear, power)
	if err != nil {
		return nil, err
	}
	return &LinearCRD{
		backbone:   bctx.Role.Backbone,
		inputPath:  p.InputModulePath,
		empty:      nn.NewIdentity(),
		normalizer: bctx.WrapModule(normalizer),
	}, nil
}

// Forward runs the backbone on the first input. A second input, when given,
// is the supplementary contrast tensor and passes through the identity hook.
func (l *LinearCRD) Forward(xs ...*tensor.Tensor) (*tensor.Tensor, error) {
	if len(xs) == 0 || len(xs) > 2 {
		return nil, fmt.Errorf("special: Linear4CRD forward takes 1 or 2 inputs, got %d", len(xs))
	}
	if len(xs) == 2 {
		if _, err := l.empty.Forward(xs[1]); err != nil {
			return nil, err
		}
	}
	return l.backbone.Forward(xs[0])
}

// PostForward flattens the captured activation and normalizes its projection.
func (l *LinearCRD) PostForward(io model.IODict) error {
	flat, err := flatFromIO(io, ioRef{Path: l.inputPath})
	if err != nil {
		return err
	}
	out, err := l.normalizer.Forward(flat)
	if err != nil {
		return err
	}
	l.Record("normalizer", out)
	return nil
}
