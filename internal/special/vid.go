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

// RegressorVIDConfig sizes one variational regressor head.
type RegressorVIDConfig struct {
	InChannels     int
	MiddleChannels int
	OutChannels    int
	Eps            float64
	InitPredVar    float64
}

func (c RegressorVIDConfig) withDefaults() RegressorVIDConfig {
	out := c
	if out.Eps == 0 {
		out.Eps = 1e-6
	}
	if out.InitPredVar == 0 {
		out.InitPredVar = 5.0
	}
	return out
}

// RegressorVID predicts a per-channel Gaussian over the teacher's feature
// map from the student's: three 1x1 convolutions regress the mean, and a
// learned per-channel parameter passed through softplus plus an epsilon
// floor yields the predicted variance, broadcast across spatial positions.
type RegressorVID struct {
	regressor *nn.Sequential
	// softPlusParam is initialized so that softplus(p) + eps == InitPredVar.
	softPlusParam *nn.Parameter
	eps           float64
	outChannels   int
}

// NewRegressorVID builds a variational regressor head.
func NewRegressorVID(cfg RegressorVIDConfig) (*RegressorVID, error) {
	cfg = cfg.withDefaults()
	if cfg.InChannels <= 0 || cfg.MiddleChannels <= 0 || cfg.OutChannels <= 0 {
		return nil, fmt.Errorf("special: regressor channels must be positive (in=%d mid=%d out=%d)",
			cfg.InChannels, cfg.MiddleChannels, cfg.OutChannels)
	}
	if cfg.InitPredVar <= cfg.Eps {
		return nil, fmt.Errorf("special: initial predicted variance %v must exceed eps %v", cfg.InitPredVar, cfg.Eps)
	}
	seq := nn.NewSequential()
	for i, ch := range [][2]int{
		{cfg.InChannels, cfg.MiddleChannels},
		{cfg.MiddleChannels, cfg.MiddleChannels},
		{cfg.MiddleChannels, cfg.OutChannels},
	} {
		conv, err := nn.NewConv2d(ch[0], ch[1], 1, 1, 0, false)
		if err != nil {
			return nil, err
		}
		seq.Append(conv)
		if i < 2 {
			seq.Append(nn.NewReLU())
		}
	}
	init := math.Log(math.Exp(cfg.InitPredVar-cfg.Eps) - 1.0)
	return &RegressorVID{
		regressor:     seq,
		softPlusParam: &nn.Parameter{Name: "soft_plus_param", Data: tensor.Full(init, cfg.OutChannels), RequiresGrad: true},
		eps:           cfg.Eps,
		outChannels:   cfg.OutChannels,
	}, nil
}

// Forward regresses the predicted mean from a (N, C, H, W) feature map and
// returns it with the (1, OutChannels, 1, 1) predicted variance.
func (r *RegressorVID) Forward(x *tensor.Tensor) (mean, variance *tensor.Tensor, err error) {
	mean, err = r.regressor.Forward(x)
	if err != nil {
		return nil, nil, err
	}
	return mean, r.Variance(), nil
}

// Variance materializes the current predicted variance as (1, C, 1, 1).
func (r *RegressorVID) Variance() *tensor.Tensor {
	variance := tensor.New(1, r.outChannels, 1, 1)
	for c := 0; c < r.outChannels; c++ {
		variance.Data[c] = nn.Softplus(r.softPlusParam.Data.Data[c]) + r.eps
	}
	return variance
}

// Parameters returns the regressor weights and the variance parameter.
func (r *RegressorVID) Parameters() []*nn.Parameter {
	var out []*nn.Parameter
	for _, p := range r.regressor.Parameters() {
		out = append(out, &nn.Parameter{Name: "regressor." + p.Name, Data: p.Data, RequiresGrad: p.RequiresGrad})
	}
	return append(out, r.softPlusParam)
}

type vidRegressorSpec struct {
	Name           string  `hcl:"name,label"`
	Path           string  `hcl:"path"`
	IO             string  `hcl:"io,optional"`
	InChannels     int     `hcl:"in_channels"`
	MiddleChannels int     `hcl:"middle_channels"`
	OutChannels    int     `hcl:"out_channels"`
	Eps            float64 `hcl:"eps,optional"`
	InitPredVar    float64 `hcl:"init_pred_var,optional"`
}

type vidParams struct {
	Regressors []vidRegressorSpec `hcl:"regressor,block"`
}

type vidEntry struct {
	name string
	ref  ioRef
	reg  *RegressorVID
	// wrapped covers the mean regressor only; the variance parameter stays
	// local to each process.
	wrapped nn.Module
}

// VariationalDistributorVID wraps the student backbone with one variational
// regressor per named entry, recording the predicted mean under the entry
// name and the predicted variance under "<name>.pred_var".
type VariationalDistributorVID struct {
	registry.Base
	backbone model.Backbone
	entries  []vidEntry
}

func buildVariationalDistributorVID(ctx context.Context, bctx *registry.BuildContext, params hcl.Body) (registry.SpecialModule, error) {
	var p vidParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if bctx.Role.Kind != model.RoleStudent {
		return nil, fmt.Errorf("special: VariationalDistributor4VID requires a student backbone")
	}
	if len(p.Regressors) == 0 {
		return nil, fmt.Errorf("special: VariationalDistributor4VID requires at least one regressor block")
	}
	w := &VariationalDistributorVID{backbone: bctx.Role.Backbone}
	for _, rs := range p.Regressors {
		reg, err := NewRegressorVID(RegressorVIDConfig{
			InChannels:     rs.InChannels,
			MiddleChannels: rs.MiddleChannels,
			OutChannels:    rs.OutChannels,
			Eps:            rs.Eps,
			InitPredVar:    rs.InitPredVar,
		})
		if err != nil {
			return nil, fmt.Errorf("special: regressor %q: %w", rs.Name, err)
		}
		w.entries = append(w.entries, vidEntry{
			name:    rs.Name,
			ref:     ioRef{Path: rs.Path, IO: rs.IO},
			reg:     reg,
			wrapped: bctx.WrapModule(reg.regressor),
		})
	}
	return w, nil
}

// Forward runs only the student backbone.
func (v *VariationalDistributorVID) Forward(xs ...*tensor.Tensor) (*tensor.Tensor, error) {
	return v.backbone.Forward(xs...)
}

// PostForward runs every regressor head on its configured IO entry.
func (v *VariationalDistributorVID) PostForward(io model.IODict) error {
	for _, e := range v.entries {
		in, err := io.Lookup(e.ref.Path, e.ref.kind())
		if err != nil {
			return err
		}
		mean, err := e.wrapped.Forward(in)
		if err != nil {
			return fmt.Errorf("special: regressor %q: %w", e.name, err)
		}
		v.Record(e.name, mean)
		v.Record(e.name+".pred_var", e.reg.Variance())
	}
	return nil
}
