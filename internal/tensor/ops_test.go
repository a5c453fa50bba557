package tensor

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoll_RoundTripIsIdentity(t *testing.T) {
	t.Parallel()

	x := Randn(2, 4, 4, 3)
	rolled := x.Roll(-2, 1, 2)
	back := rolled.Roll(2, 1, 2)

	require.True(t, AllClose(x, back, 0), "rolling forward and back should restore the tensor")
}

func TestRoll_WrapsAround(t *testing.T) {
	t.Parallel()

	x, err := FromSlice([]float64{1, 2, 3, 4}, 4)
	require.NoError(t, err)

	rolled := x.Roll(1, 0)
	assert.Equal(t, []float64{4, 1, 2, 3}, rolled.Data)
}

func TestPermute(t *testing.T) {
	t.Parallel()

	x, err := FromSlice([]float64{1, 2, 3, 4, 5, 6}, 2, 3)
	require.NoError(t, err)

	p, err := x.Permute(1, 0)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 2}, p.Shape())
	assert.Equal(t, 2.0, p.At(1, 0))
	assert.Equal(t, 6.0, p.At(2, 1))

	_, err = x.Permute(0, 0)
	require.Error(t, err, "repeated dimensions are not a permutation")
}

func TestMatMul(t *testing.T) {
	t.Parallel()

	a, err := FromSlice([]float64{1, 2, 3, 4}, 2, 2)
	require.NoError(t, err)
	b, err := FromSlice([]float64{5, 6, 7, 8}, 2, 2)
	require.NoError(t, err)

	out, err := MatMul(a, b)
	require.NoError(t, err)
	assert.Equal(t, []float64{19, 22, 43, 50}, out.Data)

	_, err = MatMul(a, New(3, 2))
	require.Error(t, err)
}

func TestSoftmax_RowsSumToOne(t *testing.T) {
	t.Parallel()

	x := Randn(3, 5)
	sm := Softmax(x)
	for r := 0; r < 3; r++ {
		sum := 0.0
		for c := 0; c < 5; c++ {
			sum += sm.At(r, c)
		}
		assert.InDelta(t, 1.0, sum, 1e-9)
	}
}

func TestSoftmax_FullyMaskedRowIsUniform(t *testing.T) {
	t.Parallel()

	x := Full(math.Inf(-1), 1, 4)
	sm := Softmax(x)
	for c := 0; c < 4; c++ {
		assert.InDelta(t, 0.25, sm.At(0, c), 1e-12)
	}
}

func TestFlatten2D(t *testing.T) {
	t.Parallel()

	x := New(2, 3, 4)
	flat := x.Flatten2D()
	assert.Equal(t, []int{2, 12}, flat.Shape())
}

func TestReshape_SizeMismatch(t *testing.T) {
	t.Parallel()

	_, err := New(2, 3).Reshape(4, 2)
	require.Error(t, err)
}
