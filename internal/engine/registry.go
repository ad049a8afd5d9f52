// Package engine executes persisted workflows: the step registry, the
// single-step runner and the batch scheduler that drives it.
package engine

import (
	"context"
	"fmt"

	"reviewflow/internal/models"
)

// Step is one named unit of work within a workflow type's ordered step
// list. Execute receives the accumulated context (or the seed input on the
// first step) and returns a partial context to merge. Implementations must
// be idempotent: a persistence failure or a lease re-claim can run the same
// step twice.
type Step interface {
	Name() string
	Execute(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error)
}

// Definition is the ordered step list for one workflow type.
// ValidateInput, when set, checks the seed payload at creation time.
type Definition struct {
	Type          models.WorkflowType
	Steps         []Step
	ValidateInput func(input map[string]interface{}) error
}

// FirstStep returns the name of the initial step.
func (d *Definition) FirstStep() string {
	if len(d.Steps) == 0 {
		return ""
	}
	return d.Steps[0].Name()
}

// StepByName returns the step and its index, or nil when the name is not
// part of this definition.
func (d *Definition) StepByName(name string) (Step, int) {
	for i, s := range d.Steps {
		if s.Name() == name {
			return s, i
		}
	}
	return nil, -1
}

// NextAfter returns the step name following the given one, or "" when it is
// the last step.
func (d *Definition) NextAfter(name string) string {
	for i, s := range d.Steps {
		if s.Name() == name && i+1 < len(d.Steps) {
			return d.Steps[i+1].Name()
		}
	}
	return ""
}

// Registry maps workflow types to their definitions. It is constructed
// explicitly and injected; there is no process-global registration, so
// tests can build isolated configurations.
type Registry struct {
	definitions map[models.WorkflowType]*Definition
}

func NewRegistry() *Registry {
	return &Registry{definitions: map[models.WorkflowType]*Definition{}}
}

func (r *Registry) Register(def *Definition) error {
	if def.Type == "" {
		return fmt.Errorf("definition has no workflow type")
	}
	if len(def.Steps) == 0 {
		return fmt.Errorf("workflow type %q has no steps", def.Type)
	}
	if _, exists := r.definitions[def.Type]; exists {
		return fmt.Errorf("workflow type %q registered twice", def.Type)
	}

	seen := map[string]bool{}
	for _, s := range def.Steps {
		if s.Name() == "" {
			return fmt.Errorf("workflow type %q has an unnamed step", def.Type)
		}
		if seen[s.Name()] {
			return fmt.Errorf("workflow type %q has duplicate step %q", def.Type, s.Name())
		}
		seen[s.Name()] = true
	}

	r.definitions[def.Type] = def
	return nil
}

// Definition returns the registered definition for a workflow type.
func (r *Registry) Definition(t models.WorkflowType) (*Definition, bool) {
	def, ok := r.definitions[t]
	return def, ok
}

// Types lists the registered workflow types.
func (r *Registry) Types() []models.WorkflowType {
	out := make([]models.WorkflowType, 0, len(r.definitions))
	for t := range r.definitions {
		out = append(out, t)
	}
	return out
}
