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

type dabParams struct {
	Connectors []connectorSpec `hcl:"connector,block"`
}

type connectorSpec struct {
	Name      string   `hcl:"name,label"`
	Path      string   `hcl:"path"`
	IO        string   `hcl:"io,optional"`
	Conv      convSpec `hcl:"conv,block"`
	BatchNorm *bnSpec  `hcl:"batch_norm,block"`
}

type convSpec struct {
	InChannels  int   `hcl:"in_channels"`
	OutChannels int   `hcl:"out_channels"`
	KernelSize  int   `hcl:"kernel_size,optional"`
	Stride      int   `hcl:"stride,optional"`
	Padding     int   `hcl:"padding,optional"`
	Bias        *bool `hcl:"bias,optional"`
}

type bnSpec struct {
	NumFeatures int `hcl:"num_features"`
}

// ioEntry binds one named auxiliary sub-network to the IO-dictionary entry
// it consumes.
type ioEntry struct {
	name string
	ref  ioRef
	mod  nn.Module
}

// ConnectorDAB is the activation-boundary wrapper: one convolutional
// connector (optionally batch-normalized) per named entry, each reading a
// distinct captured activation of the student.
type ConnectorDAB struct {
	registry.Base
	backbone model.Backbone
	entries  []ioEntry
}

func buildConnectorDAB(ctx context.Context, bctx *registry.BuildContext, params hcl.Body) (registry.SpecialModule, error) {
	var p dabParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if bctx.Role.Kind != model.RoleStudent {
		return nil, fmt.Errorf("special: Connector4DAB requires a student backbone")
	}
	if len(p.Connectors) == 0 {
		return nil, fmt.Errorf("special: Connector4DAB requires at least one connector block")
	}

	w := &ConnectorDAB{backbone: bctx.Role.Backbone}
	for _, cs := range p.Connectors {
		conv, err := nn.NewConv2d(
			cs.Conv.InChannels,
			cs.Conv.OutChannels,
			intOr(cs.Conv.KernelSize, 1),
			intOr(cs.Conv.Stride, 1),
			cs.Conv.Padding,
			boolOr(cs.Conv.Bias, true),
		)
		if err != nil {
			return nil, fmt.Errorf("special: connector %q: %w", cs.Name, err)
		}
		connector := nn.NewSequential(conv)
		if cs.BatchNorm != nil {
			connector.Append(nn.NewBatchNorm2d(cs.BatchNorm.NumFeatures))
		}
		w.entries = append(w.entries, ioEntry{
			name: cs.Name,
			ref:  ioRef{Path: cs.Path, IO: cs.IO},
			mod:  bctx.WrapModule(connector),
		})
	}
	return w, nil
}

// Forward runs only the student backbone.
func (c *ConnectorDAB) Forward(xs ...*tensor.Tensor) (*tensor.Tensor, error) {
	return c.backbone.Forward(xs...)
}

// PostForward runs every connector on its configured IO entry.
func (c *ConnectorDAB) PostForward(io model.IODict) error {
	for _, e := range c.entries {
		in, err := io.Lookup(e.ref.Path, e.ref.kind())
		if err != nil {
			return err
		}
		out, err := e.mod.Forward(in)
		if err != nil {
			return fmt.Errorf("special: connector %q: %w", e.name, err)
		}
		c.Record(e.name, out)
	}
	return nil
}
