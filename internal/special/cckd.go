package special

import (
	"context"
	"fmt"

	"github.com/hashicorp/hcl/v2"

	"github.com/vk/distillgo/internal/model"
	"github.com/vk/distillgo/internal/nn"
	"github.com/vk/distillgo/internal/registry"
	"github.com/vk/distillgo/internal/tensor"
)

type linearSpec struct {
	InFeatures  int   `hcl:"in_features"`
	OutFeatures int   `hcl:"out_features"`
	Bias        *bool `hcl:"bias,optional"`
}

type cckdParams struct {
	InputModule ioRef       `hcl:"input_module,block"`
	Linear      *linearSpec `hcl:"linear,block"`
}

// LinearCCKD projects a captured activation of either backbone into a shared
// correlation space through a single linear layer. The teacher side is frozen;
// both sides learn (or carry) their own projection.
type LinearCCKD struct {
	registry.Base
	backbone model.Backbone
	ref      ioRef
	linear   nn.Module
}

func buildLinearCCKD(ctx context.Context, bctx *registry.BuildContext, params hcl.Body) (registry.SpecialModule, error) {
	var p cckdParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := bctx.Role.Require("Linear4CCKD"); err != nil {
		return nil, err
	}
	if p.Linear == nil {
		return nil, fmt.Errorf("special: Linear4CCKD requires a linear block")
	}
	if bctx.Role.IsTeacher() {
		freezeBackbone(bctx.Role.Backbone)
	}
	linear := nn.NewLinear(p.Linear.InFeatures, p.Linear.OutFeatures, boolOr(p.Linear.Bias, true))
	return &LinearCCKD{
		backbone: bctx.Role.Backbone,
		ref:      p.InputModule,
		linear:   bctx.WrapModule(linear),
	}, nil
}

// Forward runs only the wrapped backbone.
func (l *LinearCCKD) Forward(xs ...*tensor.Tensor) (*tensor.Tensor, error) {
	return l.backbone.Forward(xs...)
}

// PostForward flattens the captured activation and projects it.
func (l *LinearCCKD) PostForward(io model.IODict) error {
	flat, err := flatFromIO(io, l.ref)
	if err != nil {
		return err
	}
	out, err := l.linear.Forward(flat)
	if err != nil {
		return err
	}
	l.Record("linear", out)
	return nil
}
