package nn

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/distillgo/internal/tensor"
)

func TestLinear_AppliesAlongLastDim(t *testing.T) {
	t.Parallel()

	l := NewLinear(2, 3, true)
	// Fix the weights so the output is predictable.
	copy(l.weight.Data.Data, []float64{
		1, 0, 1,
		0, 1, 1,
	})
	copy(l.bias.Data.Data, []float64{0.5, 0.5, 0.5})

	x, err := tensor.FromSlice([]float64{1, 2, 3, 4}, 2, 1, 2)
	require.NoError(t, err)

	out, err := l.Forward(x)
	require.NoError(t, err)
	require.Equal(t, []int{2, 1, 3}, out.Shape())
	assert.InDelta(t, 1.5, out.At(0, 0, 0), 1e-12)
	assert.InDelta(t, 2.5, out.At(0, 0, 1), 1e-12)
	assert.InDelta(t, 3.5, out.At(0, 0, 2), 1e-12)
	assert.InDelta(t, 7.5, out.At(1, 0, 2), 1e-12)
}

func TestLinear_RejectsWrongWidth(t *testing.T) {
	t.Parallel()

	l := NewLinear(4, 2, false)
	_, err := l.Forward(tensor.New(1, 3))
	require.Error(t, err)
}

func TestConv2d_OutputShape(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name                    string
		kernel, stride, padding int
		inH, inW, wantH, wantW  int
	}{
		{"k3 s1 p1 preserves", 3, 1, 1, 8, 8, 8, 8},
		{"k1 s1 p0 preserves", 1, 1, 0, 5, 7, 5, 7},
		{"k4 s1 p0 shrinks", 4, 1, 0, 5, 5, 2, 2},
		{"k3 s2 p1 halves", 3, 2, 1, 8, 8, 4, 4},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			conv, err := NewConv2d(3, 6, tc.kernel, tc.stride, tc.padding, true)
			require.NoError(t, err)
			out, err := conv.Forward(tensor.Randn(2, 3, tc.inH, tc.inW))
			require.NoError(t, err)
			assert.Equal(t, []int{2, 6, tc.wantH, tc.wantW}, out.Shape())
		})
	}
}

func TestConvTranspose2d_InvertsConvShape(t *testing.T) {
	t.Parallel()

	conv, err := NewConv2d(4, 2, 3, 1, 1, true)
	require.NoError(t, err)
	deconv, err := NewConvTranspose2d(2, 4, 3, 1, 1, true)
	require.NoError(t, err)

	x := tensor.Randn(1, 4, 6, 6)
	mid, err := conv.Forward(x)
	require.NoError(t, err)
	out, err := deconv.Forward(mid)
	require.NoError(t, err)

	assert.Equal(t, x.Shape(), out.Shape())
}

func TestBatchNorm2d_EvalModeIsIdentityAtInit(t *testing.T) {
	t.Parallel()

	// Fresh running statistics are mean 0 and variance 1, so evaluation mode
	// should pass the input through (up to the epsilon in the denominator).
	bn := NewBatchNorm2d(3)
	bn.SetTraining(false)

	x := tensor.Randn(2, 3, 4, 4)
	out, err := bn.Forward(x)
	require.NoError(t, err)
	require.True(t, tensor.AllClose(x, out, 1e-4))
}

func TestBatchNorm2d_TrainingNormalizesBatch(t *testing.T) {
	t.Parallel()

	bn := NewBatchNorm2d(1)
	x := tensor.Randn(4, 1, 3, 3)
	out, err := bn.Forward(x)
	require.NoError(t, err)

	mean := 0.0
	for _, v := range out.Data {
		mean += v
	}
	mean /= float64(len(out.Data))
	assert.InDelta(t, 0.0, mean, 1e-9, "normalized batch should have zero mean")
}

func TestLayerNorm_ConstantRowMapsToBias(t *testing.T) {
	t.Parallel()

	ln := NewLayerNorm(4, 1e-6)
	out, err := ln.Forward(tensor.Full(3.7, 2, 4))
	require.NoError(t, err)
	for _, v := range out.Data {
		assert.InDelta(t, 0.0, v, 1e-6)
	}
}

func TestSequential_PrefixesParameterNames(t *testing.T) {
	t.Parallel()

	seq := NewSequential(NewLinear(2, 2, true), NewReLU(), NewLinear(2, 2, false))
	var names []string
	for _, p := range seq.Parameters() {
		names = append(names, p.Name)
	}
	assert.Equal(t, []string{"0.weight", "0.bias", "2.weight"}, names)
}

func TestFreeze(t *testing.T) {
	t.Parallel()

	l := NewLinear(3, 3, true)
	Freeze(l)
	for _, p := range l.Parameters() {
		assert.False(t, p.RequiresGrad)
	}
}

func TestSoftplus(t *testing.T) {
	t.Parallel()

	assert.InDelta(t, 0.6931471805599453, Softplus(0), 1e-12)
	assert.Equal(t, 100.0, Softplus(100), "large inputs should short-circuit to x")
}
