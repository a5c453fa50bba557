package special

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/distillgo/internal/model"
	"github.com/vk/distillgo/internal/registry"
	"github.com/vk/distillgo/internal/tensor"
	"github.com/vk/distillgo/internal/testutil"
)

func TestEmbed_ProjectsToEmbeddingWidth(t *testing.T) {
	t.Parallel()

	embed, err := NewEmbed(EmbedConfig{InChannels: 8, OutChannels: 4, WindowSize: 2})
	require.NoError(t, err)

	out, err := embed.Forward(tensor.Randn(1, 8, 4, 4))
	require.NoError(t, err)
	assert.Equal(t, []int{1, 4, 4, 4}, out.Shape())
}

func TestNewEmbed_RejectsIndivisibleChannels(t *testing.T) {
	t.Parallel()

	_, err := NewEmbed(EmbedConfig{InChannels: 10, OutChannels: 4, WindowSize: 2})
	require.Error(t, err)
	require.Contains(t, err.Error(), "divisible")
}

func TestEmbed_RejectsIndivisibleSpatialSize(t *testing.T) {
	t.Parallel()

	embed, err := NewEmbed(EmbedConfig{InChannels: 8, OutChannels: 4, WindowSize: 2})
	require.NoError(t, err)

	_, err = embed.Forward(tensor.Randn(1, 8, 3, 4))
	require.Error(t, err, "a feature map not divisible into windows must fail up front")
}

func TestChannelSimilarityEmbed_RecordsPerEntry(t *testing.T) {
	t.Parallel()

	bctx := &registry.BuildContext{Role: model.Student(testutil.NewStubBackbone(0))}
	mod, err := buildChannelSimilarityEmbed(context.Background(), bctx, testutil.ParamsBody(t, `
embed "embed1" {
  path         = "layer3"
  in_channels  = 8
  out_channels = 4
  window_size  = 2
}
embed "embed2" {
  path         = "layer4"
  in_channels  = 8
  out_channels = 2
  window_size  = 2
}
`))
	require.NoError(t, err)
	wrapper := mod.(*ChannelSimilarityEmbed)

	io := model.IODict{
		"layer3": {Output: tensor.Randn(1, 8, 2, 2)},
		"layer4": {Output: tensor.Randn(1, 8, 2, 2)},
	}
	require.NoError(t, wrapper.PostForward(io))
	aux := wrapper.AuxOutputs()
	require.Contains(t, aux, "embed1")
	require.Contains(t, aux, "embed2")
	assert.Equal(t, []int{1, 4, 2, 2}, aux["embed1"].Shape())
	assert.Equal(t, []int{1, 2, 2, 2}, aux["embed2"].Shape())
}

func TestAttnEmbed_TeacherSideUsesIdentity(t *testing.T) {
	t.Parallel()

	backbone := testutil.NewStubBackbone(2)
	bctx := &registry.BuildContext{Role: model.Teacher(backbone)}
	mod, err := buildAttnEmbed(context.Background(), bctx, testutil.ParamsBody(t, `
embed "key" {
  path = "layer4"
}
`))
	require.NoError(t, err)
	wrapper := mod.(*AttnEmbed)

	for _, p := range backbone.Parameters() {
		assert.False(t, p.RequiresGrad)
	}

	captured := tensor.Randn(1, 8, 2, 2)
	require.NoError(t, wrapper.PostForward(testutil.IOWith("layer4", captured)))
	assert.Same(t, captured, wrapper.AuxOutputs()["key"], "the teacher key passes through unchanged")
}

func TestAttnEmbed_StudentEntriesMustNameQueryOrValue(t *testing.T) {
	t.Parallel()

	bctx := &registry.BuildContext{Role: model.Student(testutil.NewStubBackbone(0))}

	_, err := buildAttnEmbed(context.Background(), bctx, testutil.ParamsBody(t, `
embed "key" {
  path        = "layer4"
  in_channels = 8
  window_size = 2
}
`))
	require.Error(t, err)

	mod, err := buildAttnEmbed(context.Background(), bctx, testutil.ParamsBody(t, `
embed "query" {
  path         = "layer4"
  in_channels  = 8
  out_channels = 4
  window_size  = 2
}
`))
	require.NoError(t, err)

	require.NoError(t, mod.PostForward(testutil.IOWith("layer4", tensor.Randn(1, 8, 2, 2))))
	assert.Equal(t, []int{1, 4, 2, 2}, mod.(*AttnEmbed).AuxOutputs()["query"].Shape())
}

func TestAttnEmbed_RequiresABackbone(t *testing.T) {
	t.Parallel()

	_, err := buildAttnEmbed(context.Background(), &registry.BuildContext{}, testutil.ParamsBody(t, `
embed "query" {
  path = "layer4"
}
`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "either a teacher or a student")
}
