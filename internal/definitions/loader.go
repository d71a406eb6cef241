// Package definitions reads workflow definitions authored as YAML files.
package definitions

import (
	"bytes"
	"io"
	"os"

	"crm-flow/internal/domain"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// WorkflowYAML is the document layout of a definition file. A file may hold
// several documents separated by "---".
type WorkflowYAML struct {
	Workflow struct {
		Name        string                `yaml:"name"`
		Description string                `yaml:"description,omitempty"`
		Statuses    []domain.StatusOption `yaml:"statuses"`
		Steps       []domain.Step         `yaml:"steps"`
	} `yaml:"workflow"`
}

// ParseFile parses every definition in filename.
func ParseFile(filename string) ([]*domain.WorkflowDefinition, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read file")
	}
	defs, err := Parse(data)
	if err != nil {
		return nil, errors.Wrap(err, filename)
	}
	return defs, nil
}

// Parse decodes and validates the definitions in data.
func Parse(data []byte) ([]*domain.WorkflowDefinition, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	var defs []*domain.WorkflowDefinition
	seen := map[string]bool{}
	for i := 0; ; i++ {
		var doc WorkflowYAML
		err := dec.Decode(&doc)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "failed to parse YAML document %d", i)
		}

		def := &domain.WorkflowDefinition{
			Name:        doc.Workflow.Name,
			Description: doc.Workflow.Description,
			Statuses:    doc.Workflow.Statuses,
			Steps:       doc.Workflow.Steps,
		}
		if err := def.Normalize(); err != nil {
			return nil, errors.Wrapf(err, "document %d", i)
		}
		if seen[def.Name] {
			return nil, domain.Invalid("name", "workflow %q is defined twice", def.Name)
		}
		seen[def.Name] = true
		defs = append(defs, def)
	}
	if len(defs) == 0 {
		return nil, domain.Invalid("", "no workflow definitions found")
	}
	return defs, nil
}
