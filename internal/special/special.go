// Package special implements the auxiliary distillation module families and
// registers them with the registry under their type names. Each family owns
// its typed parameter struct, decoded from the raw HCL params body at the
// construction boundary.
package special

import (
	"fmt"
	"os"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"

	"github.com/vk/distillgo/internal/model"
	"github.com/vk/distillgo/internal/nn"
	"github.com/vk/distillgo/internal/tensor"
)

// ioRef names one IO-dictionary entry: the network path and which captured
// slot to read.
type ioRef struct {
	Path string `hcl:"path"`
	IO   string `hcl:"io,optional"`
}

func (r ioRef) kind() string {
	if r.IO == "" {
		return model.IOOutput
	}
	return r.IO
}

// decodeParams decodes a raw params body into a family's parameter struct.
func decodeParams(body hcl.Body, target any) error {
	if diags := gohcl.DecodeBody(body, nil, target); diags.HasErrors() {
		return fmt.Errorf("special: decoding params: %w", diags)
	}
	return nil
}

// fileExists reports whether path names an existing regular file.
func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// loadIfExists restores m from path when a checkpoint is already on disk.
// A declared-but-unreadable checkpoint is a fatal error; a missing one is not.
func loadIfExists(path string, m nn.Module) error {
	if path == "" || !fileExists(path) {
		return nil
	}
	return nn.LoadState(path, m)
}

// freezeBackbone clears gradient tracking on a backbone that exposes its
// parameters. Teacher-side wrappers call it at construction.
func freezeBackbone(b model.Backbone) {
	if src, ok := b.(interface{ Parameters() []*nn.Parameter }); ok {
		for _, p := range src.Parameters() {
			p.RequiresGrad = false
		}
	}
}

// flatFromIO fetches the referenced IO entry and flattens it to (batch, rest).
func flatFromIO(io model.IODict, ref ioRef) (*tensor.Tensor, error) {
	t, err := io.Lookup(ref.Path, ref.kind())
	if err != nil {
		return nil, err
	}
	return t.Flatten2D(), nil
}

func intOr(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}
