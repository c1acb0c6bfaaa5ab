// ABOUTME: Pipeline definitions as submitted by users over HTTP (JSON) or the CLI (YAML).
// ABOUTME: Validates definitions and materializes them into fresh pipeline and step records.
package pipeline

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidDefinition is wrapped by every validation failure.
var ErrInvalidDefinition = errors.New("invalid pipeline definition")

// Definition is the user-authored shape of a pipeline.
type Definition struct {
	Name  string           `json:"name" yaml:"name"`
	Steps []StepDefinition `json:"steps" yaml:"steps"`
}

// StepDefinition is the user-authored shape of one step.
type StepDefinition struct {
	Order              int    `json:"order" yaml:"order"`
	Model              string `json:"model" yaml:"model"`
	PromptTemplate     string `json:"prompt_template" yaml:"prompt_template"`
	CompletionCriteria string `json:"completion_criteria" yaml:"completion_criteria"`
}

// Validate checks the definition for problems that would make a run meaningless.
func (d Definition) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidDefinition)
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("%w: at least one step is required", ErrInvalidDefinition)
	}
	for i, s := range d.Steps {
		if strings.TrimSpace(s.Model) == "" {
			return fmt.Errorf("%w: step %d has no model", ErrInvalidDefinition, i)
		}
	}
	return nil
}

// NewPipeline builds a pending pipeline with fresh ids from the definition.
// Criteria are parsed here, once, rather than on every evaluation.
func (d Definition) NewPipeline(now time.Time) *Pipeline {
	p := &Pipeline{
		ID:        NewID(),
		Name:      d.Name,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	p.Steps = d.NewSteps(p.ID)
	return p
}

// NewSteps builds pending steps owned by pipelineID, sorted by order.
func (d Definition) NewSteps(pipelineID string) []Step {
	steps := make([]Step, 0, len(d.Steps))
	for _, sd := range d.Steps {
		steps = append(steps, Step{
			ID:             NewID(),
			PipelineID:     pipelineID,
			Order:          sd.Order,
			Model:          sd.Model,
			PromptTemplate: sd.PromptTemplate,
			Criteria:       ParseCriteria(sd.CompletionCriteria),
			Status:         StatusPending,
		})
	}
	SortSteps(steps)
	return steps
}

// DefinitionOf recovers the definition a pipeline was built from.
func DefinitionOf(p *Pipeline) Definition {
	d := Definition{Name: p.Name, Steps: make([]StepDefinition, 0, len(p.Steps))}
	for _, s := range p.Steps {
		d.Steps = append(d.Steps, StepDefinition{
			Order:              s.Order,
			Model:              s.Model,
			PromptTemplate:     s.PromptTemplate,
			CompletionCriteria: s.Criteria.String(),
		})
	}
	return d
}

// ParseDefinitionYAML decodes and validates a YAML pipeline definition.
func ParseDefinitionYAML(data []byte) (Definition, error) {
	var d Definition
	if err := yaml.Unmarshal(data, &d); err != nil {
		return Definition{}, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	if err := d.Validate(); err != nil {
		return Definition{}, err
	}
	return d, nil
}

// LoadDefinitionFile reads a YAML pipeline definition from path.
func LoadDefinitionFile(path string) (Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Definition{}, fmt.Errorf("read definition: %w", err)
	}
	return ParseDefinitionYAML(data)
}

// YAML renders the definition in the same format LoadDefinitionFile accepts.
func (d Definition) YAML() ([]byte, error) {
	return yaml.Marshal(d)
}
