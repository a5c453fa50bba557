package registry

import (
	"context"
	"testing"

	"github.com/hashicorp/hcl/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/distillgo/internal/config"
	"github.com/vk/distillgo/internal/model"
	"github.com/vk/distillgo/internal/nn"
	"github.com/vk/distillgo/internal/tensor"
)

// stubModule is a minimal special module tagging which builder produced it.
type stubModule struct {
	Base
	tag string
}

func (s *stubModule) Forward(xs ...*tensor.Tensor) (*tensor.Tensor, error) {
	if len(xs) == 0 {
		return nil, nil
	}
	return xs[0], nil
}

func stubBuilder(tag string) Builder {
	return func(ctx context.Context, bctx *BuildContext, params hcl.Body) (SpecialModule, error) {
		return &stubModule{tag: tag}, nil
	}
}

func TestRegistry_GetBuildsRegisteredModule(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	r := New()
	r.Register(ctx, "Stub", stubBuilder("a"))

	mod, err := r.Get(ctx, "Stub", &BuildContext{}, hcl.EmptyBody())
	require.NoError(t, err)
	require.NotNil(t, mod)
	assert.Equal(t, "a", mod.(*stubModule).tag)
}

func TestRegistry_UnknownNameYieldsNilWithoutError(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	r := New()
	mod, err := r.Get(ctx, "Nope", &BuildContext{}, hcl.EmptyBody())
	require.NoError(t, err, "an unknown name is not an error; the caller decides")
	assert.Nil(t, mod)
}

func TestRegistry_LastRegistrationWins(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	r := New()
	r.Register(ctx, "Stub", stubBuilder("first"))
	r.Register(ctx, "Stub", stubBuilder("second"))

	mod, err := r.Get(ctx, "Stub", &BuildContext{}, hcl.EmptyBody())
	require.NoError(t, err)
	assert.Equal(t, "second", mod.(*stubModule).tag)
	assert.Len(t, r.Names(), 1)
}

func TestRegistry_BuildWithoutSpecialBlockIsNil(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	r := New()
	mod, err := r.Build(ctx, &config.ModelConfig{Name: "plain"}, &BuildContext{})
	require.NoError(t, err)
	assert.Nil(t, mod)
}

func TestRegistry_BuildRejectsReservedParams(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	cfg, err := config.LoadSource(ctx, "test.hcl", []byte(`
model "m" {
  special {
    type = "Stub"
    params {
      distributed = true
    }
  }
}
`))
	require.NoError(t, err)

	r := New()
	r.Register(ctx, "Stub", stubBuilder("a"))
	_, err = r.Build(ctx, cfg.ByName("m"), &BuildContext{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "distributed")
}

func TestBuildContext_WrapModule(t *testing.T) {
	t.Parallel()

	var wrapped bool
	bctx := &BuildContext{Wrap: func(m nn.Module) nn.Module {
		wrapped = true
		return m
	}}
	bctx.WrapModule(nil)
	assert.True(t, wrapped)

	// A nil Wrap leaves the module untouched.
	assert.Nil(t, (&BuildContext{}).WrapModule(nil))
}

func TestDriver_EnforcesPhaseOrdering(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	d := NewDriver(&stubModule{})
	io := model.IODict{}

	// PostForward before any forward pass is illegal.
	require.Error(t, d.PostForward(io))
	// So is finalizing straight away.
	require.Error(t, d.Finalize(ctx))

	x := tensor.Randn(1, 2)
	_, err := d.Forward(x)
	require.NoError(t, err)
	assert.Equal(t, PhaseForwarded, d.Phase())

	// A second forward without post_forward is illegal.
	_, err = d.Forward(x)
	require.Error(t, err)

	require.NoError(t, d.PostForward(io))
	assert.Equal(t, PhasePostForwarded, d.Phase())

	// The next step may start another forward pass.
	_, err = d.Forward(x)
	require.NoError(t, err)
	require.NoError(t, d.PostForward(io))

	require.NoError(t, d.Finalize(ctx))
	assert.Equal(t, PhaseFinalized, d.Phase())

	// Nothing is legal after finalization.
	_, err = d.Forward(x)
	require.Error(t, err)
}
