// Package registry holds the special-module registry: a mapping from a type
// name to a builder that constructs the corresponding wrapper from a typed
// build context and a raw HCL parameter body. Registration happens explicitly
// during process initialization (see special.RegisterBuiltins), never as an
// import-time side effect, and the registry is read-only once the training
// loop starts.
package registry

import (
	"context"

	"github.com/hashicorp/hcl/v2"

	"github.com/vk/distillgo/internal/config"
	"github.com/vk/distillgo/internal/ctxlog"
	"github.com/vk/distillgo/internal/model"
	"github.com/vk/distillgo/internal/nn"
)

// WrapFunc is the injected "wrap for distribution" collaborator. Builders
// apply it to every auxiliary sub-network they construct. A nil WrapFunc
// leaves modules unwrapped.
type WrapFunc func(nn.Module) nn.Module

// BuildContext carries the caller-supplied arguments every builder receives
// alongside its configured params: the backbone and its role, and the
// distribution wrapper.
type BuildContext struct {
	Role model.Role
	Wrap WrapFunc
}

// WrapModule applies the distribution wrapper, if any.
func (b *BuildContext) WrapModule(m nn.Module) nn.Module {
	if b == nil || b.Wrap == nil {
		return m
	}
	return b.Wrap(m)
}

// Builder constructs one special module from the build context and its raw
// parameter body.
type Builder func(ctx context.Context, bctx *BuildContext, params hcl.Body) (SpecialModule, error)

// Registry maps special-module type names to builders.
type Registry struct {
	builders map[string]Builder
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{builders: make(map[string]Builder)}
}

// Register inserts a builder under name. The last registration for a name
// wins; an overwrite is logged at debug level but is not an error.
func (r *Registry) Register(ctx context.Context, name string, b Builder) {
	logger := ctxlog.FromContext(ctx)
	if _, exists := r.builders[name]; exists {
		logger.Debug("Overwriting registered special module.", "name", name)
	} else {
		logger.Debug("Registering special module.", "name", name)
	}
	r.builders[name] = b
}

// Names returns the registered type names.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.builders))
	for name := range r.builders {
		out = append(out, name)
	}
	return out
}

// Get looks up name and, if registered, builds an instance with the supplied
// arguments. An unknown name is reported through the logger and yields a nil
// module with no error; the caller decides whether that is fatal.
func (r *Registry) Get(ctx context.Context, name string, bctx *BuildContext, params hcl.Body) (SpecialModule, error) {
	builder, ok := r.builders[name]
	if !ok {
		ctxlog.FromContext(ctx).Info("No special module registered under this name.", "name", name)
		return nil, nil
	}
	return builder(ctx, bctx, params)
}

// Build is the construction entry point used by the configuration loader. It
// reads the model's special block; when no special type is configured it
// returns nil. Params setting reserved caller-argument names are rejected
// before the builder runs.
func (r *Registry) Build(ctx context.Context, mc *config.ModelConfig, bctx *BuildContext) (SpecialModule, error) {
	if mc == nil || mc.Special == nil || mc.Special.Type == "" {
		return nil, nil
	}
	params := mc.Special.Params
	if params == nil {
		params = hcl.EmptyBody()
	}
	if err := config.CheckReservedParams(params); err != nil {
		return nil, err
	}
	return r.Get(ctx, mc.Special.Type, bctx, params)
}
