package special

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/distillgo/internal/model"
	"github.com/vk/distillgo/internal/nn"
	"github.com/vk/distillgo/internal/registry"
	"github.com/vk/distillgo/internal/tensor"
	"github.com/vk/distillgo/internal/testutil"
)

func TestNormalizerCRD_RowsHaveUnitNorm(t *testing.T) {
	t.Parallel()

	norm, err := NewNormalizerCRD(nn.NewIdentity(), 2)
	require.NoError(t, err)

	x, err := tensor.FromSlice([]float64{3, 4, 0, 5, -6, 8}, 3, 2)
	require.NoError(t, err)

	out, err := norm.Forward(x)
	require.NoError(t, err)
	assert.InDelta(t, 0.6, out.At(0, 0), 1e-12)
	assert.InDelta(t, 0.8, out.At(0, 1), 1e-12)
	for r := 0; r < 3; r++ {
		sum := 0.0
		for c := 0; c < 2; c++ {
			v := out.At(r, c)
			sum += v * v
		}
		assert.InDelta(t, 1.0, math.Sqrt(sum), 1e-9, "row %d", r)
	}
}

func TestNormalizerCRD_ScaleInvariance(t *testing.T) {
	t.Parallel()

	norm, err := NewNormalizerCRD(nn.NewIdentity(), 2)
	require.NoError(t, err)

	x := tensor.Randn(2, 4)
	scaled := x.Apply(func(v float64) float64 { return v * 10 })

	a, err := norm.Forward(x)
	require.NoError(t, err)
	b, err := norm.Forward(scaled)
	require.NoError(t, err)
	require.True(t, tensor.AllClose(a, b, 1e-9), "normalization should cancel uniform scaling")
}

func TestNormalizerCRD_ZeroRowStaysFinite(t *testing.T) {
	t.Parallel()

	norm, err := NewNormalizerCRD(nn.NewIdentity(), 2)
	require.NoError(t, err)

	out, err := norm.Forward(tensor.New(1, 3))
	require.NoError(t, err)
	for _, v := range out.Data {
		require.False(t, math.IsNaN(v) || math.IsInf(v, 0))
		assert.Zero(t, v)
	}
}

func TestLinearCRD_ForwardAcceptsSupplementaryInput(t *testing.T) {
	t.Parallel()

	backbone := testutil.NewStubBackbone(0)
	bctx := &registry.BuildContext{Role: model.Student(backbone)}
	mod, err := buildLinearCRD(context.Background(), bctx, testutil.ParamsBody(t, `
input_module_path = "feat"
linear {
  in_features  = 6
  out_features = 4
}
`))
	require.NoError(t, err)

	x := tensor.Randn(2, 3)
	supp := tensor.Randn(2, 5)

	out, err := mod.Forward(x, supp)
	require.NoError(t, err)
	assert.Same(t, x, out)

	out, err = mod.Forward(x)
	require.NoError(t, err)
	assert.Same(t, x, out)

	_, err = mod.Forward()
	require.Error(t, err)
	_, err = mod.Forward(x, supp, supp)
	require.Error(t, err)
}

func TestLinearCRD_PostForwardRecordsNormalizedProjection(t *testing.T) {
	t.Parallel()

	bctx := &registry.BuildContext{Role: model.Student(testutil.NewStubBackbone(0))}
	mod, err := buildLinearCRD(context.Background(), bctx, testutil.ParamsBody(t, `
input_module_path = "feat"
linear {
  in_features  = 6
  out_features = 4
}
`))
	require.NoError(t, err)
	wrapper := mod.(*LinearCRD)

	// The captured feature map flattens from (2, 3, 2, 1) to (2, 6).
	require.NoError(t, wrapper.PostForward(testutil.IOWith("feat", tensor.Randn(2, 3, 2, 1))))
	aux := wrapper.AuxOutputs()
	require.Contains(t, aux, "normalizer")
	out := aux["normalizer"]
	require.Equal(t, []int{2, 4}, out.Shape())
	for r := 0; r < 2; r++ {
		sum := 0.0
		for c := 0; c < 4; c++ {
			v := out.At(r, c)
			sum += v * v
		}
		assert.InDelta(t, 1.0, math.Sqrt(sum), 1e-9)
	}
}

func TestLinearCRD_TeacherSideFreezesBackbone(t *testing.T) {
	t.Parallel()

	backbone := testutil.NewStubBackbone(3)
	bctx := &registry.BuildContext{Role: model.Teacher(backbone)}
	_, err := buildLinearCRD(context.Background(), bctx, testutil.ParamsBody(t, `
input_module_path = "feat"
linear {
  in_features  = 6
  out_features = 4
}
`))
	require.NoError(t, err)
	for _, p := range backbone.Parameters() {
		assert.False(t, p.RequiresGrad)
	}
}
