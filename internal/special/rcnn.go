package special

import (
	"context"
	"fmt"

	"github.com/hashicorp/hcl/v2"

	"github.com/vk/distillgo/internal/ctxlog"
	"github.com/vk/distillgo/internal/model"
	"github.com/vk/distillgo/internal/nn"
	"github.com/vk/distillgo/internal/registry"
	"github.com/vk/distillgo/internal/tensor"
)

type rcnnParams struct {
	// Sequence names the backbone children to keep, in order. Empty keeps
	// the backbone's own default restructuring.
	Sequence []string `hcl:"sequence,optional"`
}

// HeadRCNN replaces a detection backbone's full pipeline with its input
// transform followed by a restructured child sequence, exposing the head's
// raw feature output instead of detections.
type HeadRCNN struct {
	registry.Base
	transform nn.Module
	seq       nn.Module
}

func buildHeadRCNN(ctx context.Context, bctx *registry.BuildContext, params hcl.Body) (registry.SpecialModule, error) {
	logger := ctxlog.FromContext(ctx)
	var p rcnnParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := bctx.Role.Require("HeadRCNN"); err != nil {
		return nil, err
	}
	ref, ok := bctx.Role.Backbone.(model.Restructurable)
	if !ok {
		return nil, fmt.Errorf("special: HeadRCNN requires a restructurable %s backbone", bctx.Role.Kind)
	}
	seq, err := ref.Restructure(p.Sequence)
	if err != nil {
		return nil, err
	}
	logger.Debug("Restructured detection backbone into a head sequence.",
		"role", bctx.Role.Kind.String(), "children", len(p.Sequence))
	return &HeadRCNN{transform: ref.Transform(), seq: seq}, nil
}

// Forward normalizes the input through the detection transform, then runs
// the restructured head sequence.
func (h *HeadRCNN) Forward(xs ...*tensor.Tensor) (*tensor.Tensor, error) {
	if len(xs) == 0 {
		return nil, fmt.Errorf("special: HeadRCNN forward requires an input")
	}
	transformed, err := h.transform.Forward(xs[0])
	if err != nil {
		return nil, err
	}
	return h.seq.Forward(transformed)
}
