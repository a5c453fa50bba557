package config

import (
	"context"
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"

	"github.com/vk/distillgo/internal/ctxlog"
	"github.com/vk/distillgo/internal/fsutil"
)

// Load reads every .hcl file under path (a file or a directory) and merges
// their model blocks into a single Config. Duplicate model names across
// files are a configuration error.
func Load(ctx context.Context, path string) (*Config, error) {
	logger := ctxlog.FromContext(ctx)

	filePaths, err := fsutil.FindFilesByExtension(path, ".hcl")
	if err != nil {
		return nil, fmt.Errorf("config: walking %s: %w", path, err)
	}
	if len(filePaths) == 0 {
		logger.Warn("No .hcl configuration files found in path", "path", path)
		return &Config{}, nil
	}

	parser := hclparse.NewParser()
	cfg := &Config{}
	seen := make(map[string]string)
	for _, filePath := range filePaths {
		hclFile, diags := parser.ParseHCLFile(filePath)
		if diags.HasErrors() {
			return nil, fmt.Errorf("config: parsing %s: %w", filePath, diags)
		}
		if err := appendModels(cfg, hclFile.Body, seen, filePath); err != nil {
			return nil, err
		}
		logger.Debug("Loaded configuration file", "file", filePath)
	}

	logger.Info("Configuration loaded.", "models", len(cfg.Models))
	return cfg, nil
}

// LoadSource parses configuration from an in-memory HCL document. Tests and
// embedded defaults use it.
func LoadSource(ctx context.Context, filename string, src []byte) (*Config, error) {
	parser := hclparse.NewParser()
	hclFile, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("config: parsing %s: %w", filename, diags)
	}
	cfg := &Config{}
	if err := appendModels(cfg, hclFile.Body, make(map[string]string), filename); err != nil {
		return nil, err
	}
	return cfg, nil
}

func appendModels(cfg *Config, body hcl.Body, seen map[string]string, filePath string) error {
	var fs fileSchema
	if diags := gohcl.DecodeBody(body, nil, &fs); diags.HasErrors() {
		return fmt.Errorf("config: decoding %s: %w", filePath, diags)
	}
	for _, mb := range fs.Models {
		if prev, dup := seen[mb.Name]; dup {
			return fmt.Errorf("config: model %q defined in both %s and %s", mb.Name, prev, filePath)
		}
		seen[mb.Name] = filePath

		mc := &ModelConfig{Name: mb.Name}
		if mb.Special != nil {
			var params hcl.Body = hcl.EmptyBody()
			if mb.Special.Params != nil {
				params = mb.Special.Params.Remain
			}
			mc.Special = &SpecialConfig{Type: mb.Special.Type, Params: params}
		}
		cfg.Models = append(cfg.Models, mc)
	}
	return nil
}
