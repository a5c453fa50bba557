// Package testutil holds shared test fixtures: in-memory HCL parameter
// bodies and stub backbones for exercising the wrapper families without a
// real training engine.
package testutil

import (
	"fmt"
	"testing"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"

	"github.com/vk/distillgo/internal/model"
	"github.com/vk/distillgo/internal/nn"
	"github.com/vk/distillgo/internal/tensor"
)

// ParamsBody parses src as an HCL body, the same shape a `params` block's
// content has after loading.
func ParamsBody(t *testing.T, src string) hcl.Body {
	t.Helper()
	f, diags := hclparse.NewParser().ParseHCL([]byte(src), "params.hcl")
	require.False(t, diags.HasErrors(), "parsing params: %s", diags)
	return f.Body
}

// MustAttr evaluates the named attribute of body to its cty value.
func MustAttr(t *testing.T, body hcl.Body, name string) cty.Value {
	t.Helper()
	attrs, diags := body.JustAttributes()
	require.False(t, diags.HasErrors(), "reading attributes: %s", diags)
	attr, ok := attrs[name]
	require.True(t, ok, "attribute %q not present", name)
	v, diags := attr.Expr.Value(nil)
	require.False(t, diags.HasErrors(), "evaluating %q: %s", name, diags)
	return v
}

// StubBackbone is a minimal backbone returning its first input unchanged,
// optionally exposing learnable parameters so freezing can be observed.
type StubBackbone struct {
	Params []*nn.Parameter
	// Calls counts Forward invocations.
	Calls int
}

// NewStubBackbone returns a stub with n single-value parameters.
func NewStubBackbone(n int) *StubBackbone {
	b := &StubBackbone{}
	for i := 0; i < n; i++ {
		b.Params = append(b.Params, &nn.Parameter{
			Name:         fmt.Sprintf("p%d", i),
			Data:         tensor.Full(1, 1),
			RequiresGrad: true,
		})
	}
	return b
}

// Forward returns the first input.
func (b *StubBackbone) Forward(xs ...*tensor.Tensor) (*tensor.Tensor, error) {
	b.Calls++
	if len(xs) == 0 {
		return nil, fmt.Errorf("testutil: stub backbone needs an input")
	}
	return xs[0], nil
}

// Parameters exposes the stub's parameters.
func (b *StubBackbone) Parameters() []*nn.Parameter { return b.Params }

// DetectionBackbone is a restructurable stub standing in for a detection
// network: a named set of child modules plus an input transform.
type DetectionBackbone struct {
	StubBackbone
	TransformMod nn.Module
	Children     map[string]nn.Module
	Default      []string
}

// Transform returns the input transform stage.
func (d *DetectionBackbone) Transform() nn.Module {
	if d.TransformMod == nil {
		return nn.NewIdentity()
	}
	return d.TransformMod
}

// Restructure builds a sequence from the named children, or from the default
// order when none are given.
func (d *DetectionBackbone) Restructure(children []string) (nn.Module, error) {
	if len(children) == 0 {
		children = d.Default
	}
	seq := nn.NewSequential()
	for _, name := range children {
		child, ok := d.Children[name]
		if !ok {
			return nil, fmt.Errorf("testutil: no child module named %q", name)
		}
		seq.Append(child)
	}
	return seq, nil
}

var _ model.Restructurable = (*DetectionBackbone)(nil)

// IOWith builds an IO dictionary holding a single captured output.
func IOWith(path string, out *tensor.Tensor) model.IODict {
	return model.IODict{path: model.IORecord{Output: out}}
}
