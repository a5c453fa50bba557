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

type sskdParams struct {
	InputModule     ioRef  `hcl:"input_module,block"`
	FeatDim         int    `hcl:"feat_dim"`
	SSModuleCkpt    string `hcl:"ss_module_ckpt"`
	FreezesSSModule *bool  `hcl:"freezes_ss_module,optional"`
}

// SSWrapperSSKD attaches a self-supervision head (linear, ReLU, linear over
// a fixed feature width) to either backbone. The teacher side may carry a
// frozen, pre-trained head; otherwise the head trains with the student and
// is checkpointed after each stage.
type SSWrapperSSKD struct {
	registry.Base
	backbone model.Backbone
	ref      ioRef
	ssModule *nn.Sequential
	wrapped  nn.Module
	ckptPath string
}

func buildSSWrapperSSKD(ctx context.Context, bctx *registry.BuildContext, params hcl.Body) (registry.SpecialModule, error) {
	var p sskdParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := bctx.Role.Require("SSWrapper4SSKD"); err != nil {
		return nil, err
	}
	if p.FeatDim <= 0 {
		return nil, fmt.Errorf("special: SSWrapper4SSKD feat_dim must be positive, got %d", p.FeatDim)
	}
	isTeacher := bctx.Role.IsTeacher()
	if isTeacher {
		freezeBackbone(bctx.Role.Backbone)
	}
	ss := nn.NewSequential(
		nn.NewLinear(p.FeatDim, p.FeatDim, true),
		nn.NewReLU(),
		nn.NewLinear(p.FeatDim, p.FeatDim, true),
	)
	if err := loadIfExists(p.SSModuleCkpt, ss); err != nil {
		return nil, err
	}
	w := &SSWrapperSSKD{
		backbone: bctx.Role.Backbone,
		ref:      p.InputModule,
		ssModule: ss,
		ckptPath: p.SSModuleCkpt,
	}
	if isTeacher && boolOr(p.FreezesSSModule, false) {
		nn.Freeze(ss)
		w.wrapped = ss
	} else {
		w.wrapped = bctx.WrapModule(ss)
	}
	return w, nil
}

// Forward runs only the wrapped backbone.
func (s *SSWrapperSSKD) Forward(xs ...*tensor.Tensor) (*tensor.Tensor, error) {
	return s.backbone.Forward(xs...)
}

// PostForward flattens the captured activation and runs the head on it.
func (s *SSWrapperSSKD) PostForward(io model.IODict) error {
	flat, err := flatFromIO(io, s.ref)
	if err != nil {
		return err
	}
	out, err := s.wrapped.Forward(flat)
	if err != nil {
		return err
	}
	s.Record("ss_module", out)
	return nil
}

// PostProcess persists the head for the next distillation stage.
func (s *SSWrapperSSKD) PostProcess(ctx context.Context) error {
	return nn.SaveState(s.ckptPath, s.ssModule)
}
