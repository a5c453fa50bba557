package special

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/distillgo/internal/config"
	"github.com/vk/distillgo/internal/model"
	"github.com/vk/distillgo/internal/registry"
	"github.com/vk/distillgo/internal/testutil"
)

// End to end: an HCL document through the loader and registry yields the
// concrete wrapper the special block names.
func TestBuildFromConfig(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	cfg, err := config.LoadSource(ctx, "test.hcl", []byte(`
model "student" {
  special {
    type = "Student4FactorTransfer"
    params {
      input_module_path = "layer4"
      translator {
        num_input_channels  = 3
        num_output_channels = 2
      }
    }
  }
}

model "plain" {}

model "mystery" {
  special {
    type = "NotRegistered"
  }
}
`))
	require.NoError(t, err)

	r := registry.New()
	RegisterBuiltins(ctx, r)
	bctx := &registry.BuildContext{Role: model.Student(testutil.NewStubBackbone(0))}

	mod, err := r.Build(ctx, cfg.ByName("student"), bctx)
	require.NoError(t, err)
	require.IsType(t, &StudentFactorTransfer{}, mod)

	mod, err = r.Build(ctx, cfg.ByName("plain"), bctx)
	require.NoError(t, err)
	assert.Nil(t, mod, "a model without a special block builds nothing")

	mod, err = r.Build(ctx, cfg.ByName("mystery"), bctx)
	require.NoError(t, err, "an unknown type is reported, not fatal")
	assert.Nil(t, mod)
}
