package fsutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindFilesByExtension(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	sub := filepath.Join(dir, "nested")
	require.NoError(t, os.Mkdir(sub, 0700))
	for _, name := range []string{"a.hcl", "b.txt", filepath.Join("nested", "c.hcl")} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0600))
	}

	t.Run("walks directories recursively", func(t *testing.T) {
		t.Parallel()
		files, err := FindFilesByExtension(dir, ".hcl")
		require.NoError(t, err)
		assert.Len(t, files, 2)
	})

	t.Run("accepts a single matching file as root", func(t *testing.T) {
		t.Parallel()
		single := filepath.Join(dir, "a.hcl")
		files, err := FindFilesByExtension(single, ".hcl")
		require.NoError(t, err)
		assert.Equal(t, []string{single}, files)
	})

	t.Run("non-matching file root yields nothing", func(t *testing.T) {
		t.Parallel()
		files, err := FindFilesByExtension(filepath.Join(dir, "b.txt"), ".hcl")
		require.NoError(t, err)
		assert.Empty(t, files)
	})

	t.Run("missing root is an error", func(t *testing.T) {
		t.Parallel()
		_, err := FindFilesByExtension(filepath.Join(dir, "missing"), ".hcl")
		require.Error(t, err)
	})
}
