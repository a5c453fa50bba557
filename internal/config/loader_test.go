package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadSource_ParsesModelsAndSpecialBlocks(t *testing.T) {
	t.Parallel()

	src := `
model "teacher" {
  special {
    type = "Teacher4FactorTransfer"
    params {
      input_module_path = "layer4"
      paraphraser_ckpt  = "/tmp/paraphraser.json"
      paraphraser {
        k                  = 0.5
        num_input_channels = 512
      }
    }
  }
}

model "student" {}
`
	cfg, err := LoadSource(context.Background(), "test.hcl", []byte(src))
	require.NoError(t, err)

	var names []string
	for _, m := range cfg.Models {
		names = append(names, m.Name)
	}
	if diff := cmp.Diff([]string{"teacher", "student"}, names); diff != "" {
		t.Fatalf("unexpected model names (-want +got):\n%s", diff)
	}

	teacher := cfg.ByName("teacher")
	require.NotNil(t, teacher)
	require.NotNil(t, teacher.Special)
	assert.Equal(t, "Teacher4FactorTransfer", teacher.Special.Type)
	require.NotNil(t, teacher.Special.Params, "params body must never be nil")

	var decoded struct {
		InputModulePath string `hcl:"input_module_path"`
		ParaphraserCkpt string `hcl:"paraphraser_ckpt"`
		Paraphraser     struct {
			K                float64 `hcl:"k"`
			NumInputChannels int     `hcl:"num_input_channels"`
		} `hcl:"paraphraser,block"`
	}
	diags := gohcl.DecodeBody(teacher.Special.Params, nil, &decoded)
	require.False(t, diags.HasErrors(), "decoding params: %s", diags)
	assert.Equal(t, "layer4", decoded.InputModulePath)
	assert.Equal(t, 0.5, decoded.Paraphraser.K)

	student := cfg.ByName("student")
	require.NotNil(t, student)
	assert.Nil(t, student.Special)
}

func TestLoadSource_SpecialWithoutParams(t *testing.T) {
	t.Parallel()

	src := `
model "plain" {
  special {
    type = "EmptyModule"
  }
}
`
	cfg, err := LoadSource(context.Background(), "test.hcl", []byte(src))
	require.NoError(t, err)
	m := cfg.ByName("plain")
	require.NotNil(t, m.Special)
	require.NotNil(t, m.Special.Params, "absent params must decode to an empty body")
}

func TestLoadSource_DuplicateModelNamesRejected(t *testing.T) {
	t.Parallel()

	src := `
model "dup" {}
model "dup" {}
`
	_, err := LoadSource(context.Background(), "test.hcl", []byte(src))
	require.Error(t, err)
	require.Contains(t, err.Error(), "dup")
}

func TestLoad_MergesFilesFromDirectory(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.hcl"), []byte(`model "alpha" {}`), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.hcl"), []byte(`model "beta" {}`), 0600))

	cfg, err := Load(context.Background(), dir)
	require.NoError(t, err)
	assert.Len(t, cfg.Models, 2)
	assert.NotNil(t, cfg.ByName("alpha"))
	assert.NotNil(t, cfg.ByName("beta"))
}

func TestLoad_InvalidHCLIsRejected(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.hcl"), []byte(`model "x" {`), 0600))

	_, err := Load(context.Background(), dir)
	require.Error(t, err)
}

func TestCheckReservedParams(t *testing.T) {
	t.Parallel()

	t.Run("rejects reserved attribute", func(t *testing.T) {
		t.Parallel()
		cfg, err := LoadSource(context.Background(), "test.hcl", []byte(`
model "m" {
  special {
    type = "EmptyModule"
    params {
      teacher_model = "resnet34"
    }
  }
}
`))
		require.NoError(t, err)
		err = CheckReservedParams(cfg.ByName("m").Special.Params)
		require.Error(t, err)
		require.Contains(t, err.Error(), "teacher_model")
	})

	t.Run("accepts ordinary attributes", func(t *testing.T) {
		t.Parallel()
		cfg, err := LoadSource(context.Background(), "test.hcl", []byte(`
model "m" {
  special {
    type = "EmptyModule"
    params {
      feat_dim = 128
    }
  }
}
`))
		require.NoError(t, err)
		require.NoError(t, CheckReservedParams(cfg.ByName("m").Special.Params))
	})
}
