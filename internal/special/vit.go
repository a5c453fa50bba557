package special

import (
	"context"
	"fmt"

	"github.com/hashicorp/hcl/v2"

	"github.com/vk/distillgo/internal/attention"
	"github.com/vk/distillgo/internal/ctxlog"
	"github.com/vk/distillgo/internal/model"
	"github.com/vk/distillgo/internal/nn"
	"github.com/vk/distillgo/internal/registry"
	"github.com/vk/distillgo/internal/tensor"
)

// AttnModuleConfig sizes a ViT-style attention head computed over the
// student's convolutional features.
type AttnModuleConfig struct {
	InChannels      int
	ConvOutChannels int
	KernelSize      int
	Patches         int
	Hidden          int
	Heads           int
}

func (c AttnModuleConfig) withDefaults() AttnModuleConfig {
	return AttnModuleConfig{
		InChannels:      intOr(c.InChannels, 512),
		ConvOutChannels: intOr(c.ConvOutChannels, 9456),
		KernelSize:      intOr(c.KernelSize, 4),
		Patches:         intOr(c.Patches, 197),
		Hidden:          intOr(c.Hidden, 768),
		Heads:           intOr(c.Heads, 12),
	}
}

// AttnModule lifts a convolutional feature map into a patch-token sequence
// and computes multi-head self-attention over it, yielding both the attended
// tokens and the attention weights.
type AttnModule struct {
	cfg  AttnModuleConfig
	conv *nn.Conv2d
	norm *nn.LayerNorm
	attn *attention.MultiHead
}

// NewAttnModule builds the attention head.
func NewAttnModule(cfg AttnModuleConfig) (*AttnModule, error) {
	cfg = cfg.withDefaults()
	conv, err := nn.NewConv2d(cfg.InChannels, cfg.ConvOutChannels, cfg.KernelSize, 1, 0, false)
	if err != nil {
		return nil, err
	}
	mh, err := attention.NewMultiHead(cfg.Hidden, cfg.Heads)
	if err != nil {
		return nil, err
	}
	return &AttnModule{
		cfg:  cfg,
		conv: conv,
		norm: nn.NewLayerNorm(cfg.Hidden, 1e-6),
		attn: mh,
	}, nil
}

// Forward maps a (N, C, H, W) feature map to attended patch tokens of shape
// (batch, patches, hidden) plus attention weights (batch, heads, patches,
// patches). The convolution output must divide evenly into patch tokens.
func (a *AttnModule) Forward(x *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor, error) {
	conved, err := a.conv.Forward(x)
	if err != nil {
		return nil, nil, err
	}
	perToken := a.cfg.Patches * a.cfg.Hidden
	if conved.Size()%perToken != 0 {
		return nil, nil, fmt.Errorf("special: attn module conv output of %d values cannot form (%d, %d) tokens",
			conved.Size(), a.cfg.Patches, a.cfg.Hidden)
	}
	batch := conved.Size() / perToken
	tokens, err := conved.Reshape(batch, a.cfg.Patches, a.cfg.Hidden)
	if err != nil {
		return nil, nil, err
	}
	normed, err := a.norm.Forward(tokens)
	if err != nil {
		return nil, nil, err
	}
	return a.attn.Forward(normed)
}

// Parameters returns the convolution, norm and attention parameters.
func (a *AttnModule) Parameters() []*nn.Parameter {
	var out []*nn.Parameter
	for _, p := range a.conv.Parameters() {
		out = append(out, &nn.Parameter{Name: "conv_1." + p.Name, Data: p.Data, RequiresGrad: p.RequiresGrad})
	}
	for _, p := range a.norm.Parameters() {
		out = append(out, &nn.Parameter{Name: "attention_norm." + p.Name, Data: p.Data, RequiresGrad: p.RequiresGrad})
	}
	for _, p := range a.attn.Parameters() {
		out = append(out, &nn.Parameter{Name: "attn." + p.Name, Data: p.Data, RequiresGrad: p.RequiresGrad})
	}
	return out
}

type vitEmbedSpec struct {
	Name            string `hcl:"name,label"`
	Path            string `hcl:"path"`
	IO              string `hcl:"io,optional"`
	InChannels      int    `hcl:"in_channels,optional"`
	ConvOutChannels int    `hcl:"conv_out_channels,optional"`
	KernelSize      int    `hcl:"kernel_size,optional"`
	Patches         int    `hcl:"patches,optional"`
	Hidden          int    `hcl:"hidden,optional"`
	Heads           int    `hcl:"heads,optional"`
}

type vitParams struct {
	Embeds []vitEmbedSpec `hcl:"embed,block"`
}

type vitEntry struct {
	name string
	ref  ioRef
	mod  *AttnModule
}

// ViTEmbed wraps the student backbone with ViT-style attention heads and
// records both the attended tokens and the attention weights per entry.
type ViTEmbed struct {
	registry.Base
	backbone model.Backbone
	entries  []vitEntry
}

func buildViTEmbed(ctx context.Context, bctx *registry.BuildContext, params hcl.Body) (registry.SpecialModule, error) {
	logger := ctxlog.FromContext(ctx)
	var p vitParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if bctx.Role.Kind != model.RoleStudent {
		return nil, fmt.Errorf("special: ViTEmbed requires a student backbone")
	}
	if len(p.Embeds) == 0 {
		return nil, fmt.Errorf("special: ViTEmbed requires at least one embed block")
	}
	w := &ViTEmbed{backbone: bctx.Role.Backbone}
	for _, es := range p.Embeds {
		logger.Info("Using ViTEmbed, returning the attention of the student.", "embed", es.Name)
		mod, err := NewAttnModule(AttnModuleConfig{
			InChannels:      es.InChannels,
			ConvOutChannels: es.ConvOutChannels,
			KernelSize:      es.KernelSize,
			Patches:         es.Patches,
			Hidden:          es.Hidden,
			Heads:           es.Heads,
		})
		if err != nil {
			return nil, fmt.Errorf("special: embed %q: %w", es.Name, err)
		}
		w.entries = append(w.entries, vitEntry{
			name: es.Name,
			ref:  ioRef{Path: es.Path, IO: es.IO},
			mod:  mod,
		})
	}
	return w, nil
}

// Forward runs only the student backbone.
func (v *ViTEmbed) Forward(xs ...*tensor.Tensor) (*tensor.Tensor, error) {
	return v.backbone.Forward(xs...)
}

// PostForward runs every attention head on its configured IO entry,
// recording attended tokens under the entry name and the attention weights
// under "<name>.attn".
func (v *ViTEmbed) PostForward(io model.IODict) error {
	for _, e := range v.entries {
		in, err := io.Lookup(e.ref.Path, e.ref.kind())
		if err != nil {
			return err
		}
		out, weights, err := e.mod.Forward(in)
		if err != nil {
			return fmt.Errorf("special: embed %q: %w", e.name, err)
		}
		v.Record(e.name, out)
		v.Record(e.name+".attn", weights)
	}
	return nil
}
