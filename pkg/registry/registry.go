// Package registry loads the workflow definition file and assembles the
// engine's step registry from it. The file pins each workflow type to an
// ordered step list and a JSON schema for its seed input, so a deployment
// can reorder or trim steps without a code change.
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"reviewflow/internal/engine"
	"reviewflow/internal/models"
)

// File is the on-disk workflow definition document.
type File struct {
	Version   string     `json:"version"`
	Workflows []Workflow `json:"workflows"`
}

// Workflow declares one workflow type: its ordered step names and the JSON
// schema the seed input must satisfy.
type Workflow struct {
	Type        string                 `json:"type"`
	Description string                 `json:"description,omitempty"`
	Steps       []string               `json:"steps"`
	InputSchema map[string]interface{} `json:"inputSchema,omitempty"`
}

// Load reads and parses the definition file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow definitions %s: %w", path, err)
	}
	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse workflow definitions %s: %w", path, err)
	}
	if len(f.Workflows) == 0 {
		return nil, fmt.Errorf("workflow definitions %s declare no workflows", path)
	}
	return &f, nil
}

// Build resolves every declared step name against the provided step
// implementations and returns a populated engine registry. Input schemas are
// compiled once here so creation-time validation does not re-parse them.
func (f *File) Build(steps map[string]engine.Step) (*engine.Registry, error) {
	reg := engine.NewRegistry()

	for _, wf := range f.Workflows {
		if wf.Type == "" {
			return nil, fmt.Errorf("workflow definition without a type")
		}

		resolved := make([]engine.Step, 0, len(wf.Steps))
		for _, name := range wf.Steps {
			step, ok := steps[name]
			if !ok {
				return nil, fmt.Errorf("workflow type %q references unknown step %q", wf.Type, name)
			}
			resolved = append(resolved, step)
		}

		def := &engine.Definition{
			Type:  models.WorkflowType(wf.Type),
			Steps: resolved,
		}

		if wf.InputSchema != nil {
			schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(wf.InputSchema))
			if err != nil {
				return nil, fmt.Errorf("compile input schema for workflow type %q: %w", wf.Type, err)
			}
			def.ValidateInput = schemaValidator(wf.Type, schema)
		}

		if err := reg.Register(def); err != nil {
			return nil, err
		}
	}

	return reg, nil
}

func schemaValidator(workflowType string, schema *gojsonschema.Schema) func(map[string]interface{}) error {
	return func(input map[string]interface{}) error {
		result, err := schema.Validate(gojsonschema.NewGoLoader(input))
		if err != nil {
			return fmt.Errorf("validate input for workflow type %q: %w", workflowType, err)
		}
		if result.Valid() {
			return nil
		}
		problems := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			problems = append(problems, e.String())
		}
		return fmt.Errorf("invalid input for workflow type %q: %s", workflowType, strings.Join(problems, "; "))
	}
}
