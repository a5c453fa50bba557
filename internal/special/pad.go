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

type padParams struct {
	InputModule      ioRef  `hcl:"input_module,block"`
	FeatDim          int    `hcl:"feat_dim"`
	VarEstimatorCkpt string `hcl:"var_estimator_ckpt"`
}

// VarianceBranchPAD attaches a variance-estimation branch (linear followed
// by one-dimensional batch normalization) to the student backbone, feeding
// on a captured flat activation. The branch is checkpointed between stages.
type VarianceBranchPAD struct {
	registry.Base
	backbone     model.Backbone
	ref          ioRef
	varEstimator *nn.Sequential
	wrapped      nn.Module
	ckptPath     string
}

func buildVarianceBranchPAD(ctx context.Context, bctx *registry.BuildContext, params hcl.Body) (registry.SpecialModule, error) {
	var p padParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if bctx.Role.Kind != model.RoleStudent {
		return nil, fmt.Errorf("special: VarianceBranch4PAD requires a student backbone")
	}
	if p.FeatDim <= 0 {
		return nil, fmt.Errorf("special: VarianceBranch4PAD feat_dim must be positive, got %d", p.FeatDim)
	}
	estimator := nn.NewSequential(
		nn.NewLinear(p.FeatDim, p.FeatDim, true),
		nn.NewBatchNorm1d(p.FeatDim),
	)
	if err := loadIfExists(p.VarEstimatorCkpt, estimator); err != nil {
		return nil, err
	}
	return &VarianceBranchPAD{
		backbone:     bctx.Role.Backbone,
		ref:          p.InputModule,
		varEstimator: estimator,
		wrapped:      bctx.WrapModule(estimator),
		ckptPath:     p.VarEstimatorCkpt,
	}, nil
}

// Forward runs only the student backbone.
func (v *VarianceBranchPAD) Forward(xs ...*tensor.Tensor) (*tensor.Tensor, error) {
	return v.backbone.Forward(xs...)
}

// PostForward flattens the captured activation and estimates its variance.
func (v *VarianceBranchPAD) PostForward(io model.IODict) error {
	flat, err := flatFromIO(io, v.ref)
	if err != nil {
		return err
	}
	out, err := v.wrapped.Forward(flat)
	if err != nil {
		return err
	}
	v.Record("var_estimator", out)
	return nil
}

// PostProcess persists the branch for the next distillation stage.
func (v *VarianceBranchPAD) PostProcess(ctx context.Context) error {
	return nn.SaveState(v.ckptPath, v.varEstimator)
}
