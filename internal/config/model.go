// Package config loads the distillation model configuration: one `model`
// block per network, each optionally carrying a `special` block that names a
// registered special-module type and its parameters. Parameter bodies are
// kept as raw HCL and decoded into typed per-family structs by the builder
// that owns them.
package config

import (
	"github.com/hashicorp/hcl/v2"
)

// Config is the unified representation of every configured model.
type Config struct {
	Models []*ModelConfig
}

// ModelConfig describes one backbone network's configuration.
type ModelConfig struct {
	Name    string
	Special *SpecialConfig
}

// SpecialConfig selects a special module by registered type name. Params is
// the raw parameter body; it is never nil (an absent params block yields an
// empty body).
type SpecialConfig struct {
	Type   string
	Params hcl.Body
}

// ByName returns the model configuration with the given name, or nil.
func (c *Config) ByName(name string) *ModelConfig {
	for _, m := range c.Models {
		if m.Name == name {
			return m
		}
	}
	return nil
}

// --- HCL file schema ---

type fileSchema struct {
	Models []*modelBlock `hcl:"model,block"`
	Remain hcl.Body      `hcl:",remain"`
}

type modelBlock struct {
	Name    string        `hcl:"name,label"`
	Special *specialBlock `hcl:"special,block"`
	Remain  hcl.Body      `hcl:",remain"`
}

type specialBlock struct {
	Type   string       `hcl:"type"`
	Params *paramsBlock `hcl:"params,block"`
}

type paramsBlock struct {
	Remain hcl.Body `hcl:",remain"`
}
