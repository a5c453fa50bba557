package special

import (
	"context"
	"fmt"

	"github.com/hashicorp/hcl/v2"

	"github.com/vk/distillgo/internal/registry"
	"github.com/vk/distillgo/internal/tensor"
)

// EmptyModule is the no-op wrapper: a placeholder for pipeline stages that
// need a module slot filled without any auxiliary behavior.
type EmptyModule struct {
	registry.Base
}

func buildEmptyModule(ctx context.Context, bctx *registry.BuildContext, params hcl.Body) (registry.SpecialModule, error) {
	return &EmptyModule{}, nil
}

// Forward passes the first input through unchanged.
func (e *EmptyModule) Forward(xs ...*tensor.Tensor) (*tensor.Tensor, error) {
	if len(xs) == 0 {
		return nil, fmt.Errorf("special: empty module forward requires an input")
	}
	return xs[0], nil
}
