package registry

import (
	"context"
	"fmt"

	"github.com/vk/distillgo/internal/model"
	"github.com/vk/distillgo/internal/tensor"
)

// Phase is the lifecycle state of a wrapped special module.
type Phase int

const (
	// PhaseBuilt is the state after construction, before any forward pass.
	PhaseBuilt Phase = iota
	// PhaseForwarded means the backbone ran and the hook collaborator may
	// now populate the IO dictionary.
	PhaseForwarded
	// PhasePostForwarded means the auxiliary sub-networks consumed the IO
	// dictionary; the next step may begin, or the stage may finalize.
	PhasePostForwarded
	// PhaseFinalized means PostProcess ran; the wrapper is done.
	PhaseFinalized
)

// String returns the phase name.
func (p Phase) String() string {
	switch p {
	case PhaseBuilt:
		return "built"
	case PhaseForwarded:
		return "forwarded"
	case PhasePostForwarded:
		return "post-forwarded"
	case PhaseFinalized:
		return "finalized"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Driver enforces the legal phase ordering of a special module across
// training steps: Forward from Built or PostForwarded, PostForward only
// directly after Forward, Finalize only after PostForward. Any other
// transition is an error.
type Driver struct {
	mod   SpecialModule
	phase Phase
}

// NewDriver wraps a freshly built special module.
func NewDriver(mod SpecialModule) *Driver {
	return &Driver{mod: mod, phase: PhaseBuilt}
}

// Module returns the wrapped special module.
func (d *Driver) Module() SpecialModule { return d.mod }

// Phase returns the current lifecycle phase.
func (d *Driver) Phase() Phase { return d.phase }

// Forward starts a training step by running the backbone.
func (d *Driver) Forward(xs ...*tensor.Tensor) (*tensor.Tensor, error) {
	if d.phase != PhaseBuilt && d.phase != PhasePostForwarded {
		return nil, fmt.Errorf("registry: forward is illegal in phase %s", d.phase)
	}
	out, err := d.mod.Forward(xs...)
	if err != nil {
		return nil, err
	}
	d.phase = PhaseForwarded
	return out, nil
}

// PostForward runs the auxiliary sub-networks on the captured IO dictionary.
// The hook collaborator must have populated io between Forward and this call.
func (d *Driver) PostForward(io model.IODict) error {
	if d.phase != PhaseForwarded {
		return fmt.Errorf("registry: post_forward is illegal in phase %s (forward must run first)", d.phase)
	}
	if err := d.mod.PostForward(io); err != nil {
		return err
	}
	d.phase = PhasePostForwarded
	return nil
}

// Finalize ends the distillation stage, persisting auxiliary state.
func (d *Driver) Finalize(ctx context.Context) error {
	if d.phase != PhasePostForwarded {
		return fmt.Errorf("registry: finalize is illegal in phase %s", d.phase)
	}
	if err := d.mod.PostProcess(ctx); err != nil {
		return err
	}
	d.phase = PhaseFinalized
	return nil
}
