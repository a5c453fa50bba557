// Package model holds the format-agnostic domain types shared between the
// special-module registry, the configuration loader and the wrapper
// implementations: the backbone contract, the teacher/student role, and the
// captured-IO dictionary populated by the forward-hook collaborator.
package model

import (
	"fmt"

	"github.com/vk/distillgo/internal/nn"
	"github.com/vk/distillgo/internal/tensor"
)

// Backbone is the primary teacher or student network being distilled. It is
// owned and executed elsewhere; wrappers only delegate to it.
type Backbone interface {
	Forward(xs ...*tensor.Tensor) (*tensor.Tensor, error)
}

// Restructurable is implemented by backbones whose head can be rebuilt as a
// flat sub-sequence of named children, preceded by an input transform stage.
// The R-CNN head wrapper requires it.
type Restructurable interface {
	Backbone
	// Transform returns the input transform stage run before the sequence.
	Transform() nn.Module
	// Restructure returns a sequential module built from the named children.
	// An empty list selects the backbone's default sequence.
	Restructure(children []string) (nn.Module, error)
}

// RoleKind discriminates which side of the distillation a wrapper serves.
type RoleKind int

const (
	// RoleNone means no backbone was supplied.
	RoleNone RoleKind = iota
	// RoleTeacher marks the frozen reference side.
	RoleTeacher
	// RoleStudent marks the trainable side.
	RoleStudent
)

// String returns the lowercase role name.
func (k RoleKind) String() string {
	switch k {
	case RoleTeacher:
		return "teacher"
	case RoleStudent:
		return "student"
	default:
		return "none"
	}
}

// Role is a tagged union binding a backbone to the side it serves. The
// mutually-exclusive teacher/student choice is carried in the type instead of
// a pair of optional arguments.
type Role struct {
	Kind     RoleKind
	Backbone Backbone
}

// Teacher binds b as the teacher-side backbone.
func Teacher(b Backbone) Role { return Role{Kind: RoleTeacher, Backbone: b} }

// Student binds b as the student-side backbone.
func Student(b Backbone) Role { return Role{Kind: RoleStudent, Backbone: b} }

// IsTeacher reports whether the role is the teacher side.
func (r Role) IsTeacher() bool { return r.Kind == RoleTeacher }

// Require returns an error unless a backbone is bound. Wrappers call it at
// construction so a missing backbone fails immediately with a clear message.
func (r Role) Require(wrapper string) error {
	if r.Kind == RoleNone || r.Backbone == nil {
		return fmt.Errorf("model: %s requires either a teacher or a student backbone", wrapper)
	}
	return nil
}

// IOKind selects which captured slot of an IORecord a sub-network consumes.
const (
	IOInput  = "input"
	IOOutput = "output"
)

// IORecord is one captured forward-pass entry: the input and output tensors
// observed at a network path. Either slot may be nil if the hook collaborator
// did not capture it.
type IORecord struct {
	Input  *tensor.Tensor
	Output *tensor.Tensor
}

// IODict maps a network-path identifier to its captured record. It is
// populated once per forward pass by the hook collaborator and read-only
// from this module's perspective.
type IODict map[string]IORecord

// Lookup fetches the io slot ("input" or "output") captured at path.
func (d IODict) Lookup(path, io string) (*tensor.Tensor, error) {
	rec, ok := d[path]
	if !ok {
		return nil, fmt.Errorf("model: io_dict has no entry for path %q", path)
	}
	var t *tensor.Tensor
	switch io {
	case IOInput:
		t = rec.Input
	case IOOutput:
		t = rec.Output
	default:
		return nil, fmt.Errorf("model: unknown io kind %q for path %q (want %q or %q)", io, path, IOInput, IOOutput)
	}
	if t == nil {
		return nil, fmt.Errorf("model: io_dict entry %q has no captured %s", path, io)
	}
	return t, nil
}
