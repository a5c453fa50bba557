package nn

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vk/distillgo/internal/tensor"
)

func TestSaveLoadState_RoundTrip(t *testing.T) {
	t.Parallel()

	src := NewSequential(NewLinear(3, 4, true), NewReLU(), NewLinear(4, 2, true))
	path := filepath.Join(t.TempDir(), "ckpt.json")
	require.NoError(t, SaveState(path, src))

	dst := NewSequential(NewLinear(3, 4, true), NewReLU(), NewLinear(4, 2, true))
	require.NoError(t, LoadState(path, dst))

	srcParams := src.Parameters()
	dstParams := dst.Parameters()
	require.Len(t, dstParams, len(srcParams))
	for i := range srcParams {
		require.Equal(t, srcParams[i].Name, dstParams[i].Name)
		require.True(t, tensor.AllClose(srcParams[i].Data, dstParams[i].Data, 0))
	}
}

func TestLoadState_CorruptFileIsFatal(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0600))

	err := LoadState(path, NewLinear(2, 2, true))
	require.Error(t, err, "a corrupt state file must never fall back to the current initialization")
}

func TestLoadState_ShapeMismatchIsFatal(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "ckpt.json")
	require.NoError(t, SaveState(path, NewLinear(3, 3, true)))

	err := LoadState(path, NewLinear(3, 5, true))
	require.Error(t, err)
	require.Contains(t, err.Error(), "shape")
}

func TestLoadState_MissingParameterIsFatal(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "ckpt.json")
	require.NoError(t, SaveState(path, NewLinear(3, 3, false)))

	// The destination has a bias the file does not carry.
	err := LoadState(path, NewLinear(3, 3, true))
	require.Error(t, err)
	require.Contains(t, err.Error(), "missing")
}
