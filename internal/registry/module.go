package registry

import (
	"context"

	"github.com/vk/distillgo/internal/model"
	"github.com/vk/distillgo/internal/tensor"
)

// SpecialModule is the three-phase contract every wrapper exposes to the
// training loop:
//
//  1. Forward runs only the backbone (plus, for some families, an input
//     transform or a side-channel pass-through for the hook collaborator).
//  2. PostForward consumes entries of the captured IO dictionary and runs the
//     auxiliary sub-networks on them; its observable effect is the auxiliary
//     output state left behind for the loss component.
//  3. PostProcess persists any auxiliary sub-network whose weights must
//     survive the distillation stage.
//
// The phases must run in that order within a training step; Driver enforces
// the ordering.
type SpecialModule interface {
	Forward(xs ...*tensor.Tensor) (*tensor.Tensor, error)
	PostForward(io model.IODict) error
	PostProcess(ctx context.Context) error
}

// Base provides the no-op PostForward/PostProcess defaults and the
// per-wrapper auxiliary output store. Wrappers embed it.
type Base struct {
	aux map[string]*tensor.Tensor
}

// PostForward does nothing by default.
func (b *Base) PostForward(io model.IODict) error { return nil }

// PostProcess does nothing by default.
func (b *Base) PostProcess(ctx context.Context) error { return nil }

// Record stores an auxiliary sub-network's output under name, replacing the
// previous step's value.
func (b *Base) Record(name string, t *tensor.Tensor) {
	if b.aux == nil {
		b.aux = make(map[string]*tensor.Tensor)
	}
	b.aux[name] = t
}

// AuxOutputs returns the auxiliary outputs recorded by the last PostForward.
// The loss component reads them; callers must treat the map as read-only.
func (b *Base) AuxOutputs() map[string]*tensor.Tensor { return b.aux }
