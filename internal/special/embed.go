package special

import (
	"context"
	"fmt"
	"strings"

	"github.com/hashicorp/hcl/v2"

	"github.com/vk/distillgo/internal/attention"
	"github.com/vk/distillgo/internal/ctxlog"
	"github.com/vk/distillgo/internal/model"
	"github.com/vk/distillgo/internal/nn"
	"github.com/vk/distillgo/internal/registry"
	"github.com/vk/distillgo/internal/tensor"
)

// EmbedConfig sizes one windowed-attention embedding head.
type EmbedConfig struct {
	InChannels  int
	OutChannels int
	WindowSize  int
}

// Embed projects a feature map into an embedding space: windowed shifted
// attention over the channel-last layout, then a 1x1 convolution to the
// embedding width, then batch normalization.
type Embed struct {
	swin *attention.Window
	conv *nn.Conv2d
	norm *nn.BatchNorm2d
}

// NewEmbed builds an embedding head. InChannels must be divisible by the
// fixed head count of 8.
func NewEmbed(cfg EmbedConfig) (*Embed, error) {
	in := intOr(cfg.InChannels, 512)
	out := intOr(cfg.OutChannels, 128)
	ws := intOr(cfg.WindowSize, 7)
	const heads = 8
	if in%heads != 0 {
		return nil, fmt.Errorf("special: embed input channels %d must be divisible by %d heads", in, heads)
	}
	swin, err := attention.NewWindow(attention.WindowConfig{
		Dim:                  in,
		Heads:                heads,
		HeadDim:              in / heads,
		WindowSize:           ws,
		Shifted:              true,
		RelativePosEmbedding: true,
	})
	if err != nil {
		return nil, err
	}
	conv, err := nn.NewConv2d(in, out, 1, 1, 0, false)
	if err != nil {
		return nil, err
	}
	return &Embed{swin: swin, conv: conv, norm: nn.NewBatchNorm2d(out)}, nil
}

// Forward maps a (N, C, H, W) feature map to (N, OutChannels, H, W).
func (e *Embed) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if x.Rank() != 4 {
		return nil, fmt.Errorf("special: embed expects a rank-4 NCHW input, got shape %v", x.Shape())
	}
	nhwc, err := x.Permute(0, 2, 3, 1)
	if err != nil {
		return nil, err
	}
	attended, err := e.swin.Forward(nhwc)
	if err != nil {
		return nil, err
	}
	nchw, err := attended.Permute(0, 3, 1, 2)
	if err != nil {
		return nil, err
	}
	projected, err := e.conv.Forward(nchw)
	if err != nil {
		return nil, err
	}
	return e.norm.Forward(projected)
}

// Parameters returns the attention, projection and normalization parameters.
func (e *Embed) Parameters() []*nn.Parameter {
	var out []*nn.Parameter
	for _, p := range e.swin.Parameters() {
		out = append(out, &nn.Parameter{Name: "swin." + p.Name, Data: p.Data, RequiresGrad: p.RequiresGrad})
	}
	for _, p := range e.conv.Parameters() {
		out = append(out, &nn.Parameter{Name: "conv2d." + p.Name, Data: p.Data, RequiresGrad: p.RequiresGrad})
	}
	for _, p := range e.norm.Parameters() {
		out = append(out, &nn.Parameter{Name: "l2norm." + p.Name, Data: p.Data, RequiresGrad: p.RequiresGrad})
	}
	return out
}

// SetTraining propagates the mode to the normalization layer.
func (e *Embed) SetTraining(training bool) { e.norm.SetTraining(training) }

type embedSpec struct {
	Name        string `hcl:"name,label"`
	Path        string `hcl:"path"`
	IO          string `hcl:"io,optional"`
	InChannels  int    `hcl:"in_channels,optional"`
	OutChannels int    `hcl:"out_channels,optional"`
	WindowSize  int    `hcl:"window_size,optional"`
}

type embedsParams struct {
	Embeds []embedSpec `hcl:"embed,block"`
}

// ChannelSimilarityEmbed wraps the student backbone with one embedding head
// per named entry.
type ChannelSimilarityEmbed struct {
	registry.Base
	backbone model.Backbone
	entries  []ioEntry
}

func buildChannelSimilarityEmbed(ctx context.Context, bctx *registry.BuildContext, params hcl.Body) (registry.SpecialModule, error) {
	var p embedsParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if bctx.Role.Kind != model.RoleStudent {
		return nil, fmt.Errorf("special: ChannelSimilarityEmbed requires a student backbone")
	}
	if len(p.Embeds) == 0 {
		return nil, fmt.Errorf("special: ChannelSimilarityEmbed requires at least one embed block")
	}
	w := &ChannelSimilarityEmbed{backbone: bctx.Role.Backbone}
	for _, es := range p.Embeds {
		embed, err := NewEmbed(EmbedConfig{InChannels: es.InChannels, OutChannels: es.OutChannels, WindowSize: es.WindowSize})
		if err != nil {
			return nil, fmt.Errorf("special: embed %q: %w", es.Name, err)
		}
		w.entries = append(w.entries, ioEntry{
			name: es.Name,
			ref:  ioRef{Path: es.Path, IO: es.IO},
			mod:  bctx.WrapModule(embed),
		})
	}
	return w, nil
}

// Forward runs only the student backbone.
func (c *ChannelSimilarityEmbed) Forward(xs ...*tensor.Tensor) (*tensor.Tensor, error) {
	return c.backbone.Forward(xs...)
}

// PostForward runs every embedding head on its configured IO entry.
func (c *ChannelSimilarityEmbed) PostForward(io model.IODict) error {
	for _, e := range c.entries {
		in, err := io.Lookup(e.ref.Path, e.ref.kind())
		if err != nil {
			return err
		}
		out, err := e.mod.Forward(in)
		if err != nil {
			return fmt.Errorf("special: embed %q: %w", e.name, err)
		}
		c.Record(e.name, out)
	}
	return nil
}

// AttnEmbed serves either side of the distillation. The teacher side only
// exposes its captured activations through identity heads (the key); the
// student side learns embedding heads for its query and value entries.
type AttnEmbed struct {
	registry.Base
	backbone model.Backbone
	entries  []ioEntry
}

func buildAttnEmbed(ctx context.Context, bctx *registry.BuildContext, params hcl.Body) (registry.SpecialModule, error) {
	logger := ctxlog.FromContext(ctx)
	var p embedsParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := bctx.Role.Require("AttnEmbed"); err != nil {
		return nil, err
	}
	if len(p.Embeds) == 0 {
		return nil, fmt.Errorf("special: AttnEmbed requires at least one embed block")
	}

	isTeacher := bctx.Role.IsTeacher()
	if isTeacher {
		freezeBackbone(bctx.Role.Backbone)
	}
	w := &AttnEmbed{backbone: bctx.Role.Backbone}
	for _, es := range p.Embeds {
		var mod nn.Module
		if isTeacher {
			logger.Info("Using AttnEmbed, computing the key of the teacher.", "embed", es.Name)
			mod = nn.NewIdentity()
		} else {
			if !strings.Contains(es.Name, "query") && !strings.Contains(es.Name, "value") {
				return nil, fmt.Errorf("special: AttnEmbed student embed %q must contain 'query' or 'value'", es.Name)
			}
			logger.Info("Using AttnEmbed, computing the query and attention output of the student.", "embed", es.Name)
			embed, err := NewEmbed(EmbedConfig{InChannels: es.InChannels, OutChannels: es.OutChannels, WindowSize: es.WindowSize})
			if err != nil {
				return nil, fmt.Errorf("special: embed %q: %w", es.Name, err)
			}
			mod = bctx.WrapModule(embed)
		}
		w.entries = append(w.entries, ioEntry{
			name: es.Name,
			ref:  ioRef{Path: es.Path, IO: es.IO},
			mod:  mod,
		})
	}
	return w, nil
}

// Forward runs only the wrapped backbone.
func (a *AttnEmbed) Forward(xs ...*tensor.Tensor) (*tensor.Tensor, error) {
	return a.backbone.Forward(xs...)
}

// PostForward runs every head on its configured IO entry.
func (a *AttnEmbed) PostForward(io model.IODict) error {
	for _, e := range a.entries {
		in, err := io.Lookup(e.ref.Path, e.ref.kind())
		if err != nil {
			return err
		}
		out, err := e.mod.Forward(in)
		if err != nil {
			return fmt.Errorf("special: embed %q: %w", e.name, err)
		}
		a.Record(e.name, out)
	}
	return nil
}
