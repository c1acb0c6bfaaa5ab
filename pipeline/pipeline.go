// ABOUTME: Core pipeline and step records with their lifecycle status values.
// ABOUTME: Provides ordering helpers and the status transitions shared by the store and executor.
package pipeline

import (
	"sort"
	"time"

	"github.com/oklog/ulid/v2"
)

// Status is the lifecycle state of a pipeline or a step.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Valid reports whether s is one of the four known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether s is completed or failed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Pipeline is a named, ordered sequence of steps with an overall status.
type Pipeline struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Steps     []Step    `json:"steps"`
}

// Step is one model invocation unit within a pipeline.
type Step struct {
	ID             string   `json:"id"`
	PipelineID     string   `json:"pipeline_id"`
	Order          int      `json:"order"`
	Model          string   `json:"model"`
	PromptTemplate string   `json:"prompt_template"`
	Criteria       Criteria `json:"completion_criteria"`
	Status         Status   `json:"status"`
	InputContext   string   `json:"input_context,omitempty"`
	OutputContent  string   `json:"output_content,omitempty"`
	ErrorLog       string   `json:"error_log,omitempty"`
}

// NewID returns a fresh lexically sortable identifier.
func NewID() string {
	return ulid.Make().String()
}

// SortSteps orders steps by ascending Order, breaking ties by ascending ID.
// IDs are ULIDs, so ties fall back to creation order.
func SortSteps(steps []Step) {
	sort.SliceStable(steps, func(i, j int) bool {
		if steps[i].Order != steps[j].Order {
			return steps[i].Order < steps[j].Order
		}
		return steps[i].ID < steps[j].ID
	})
}

// Reset returns the step to pending and clears everything a previous run wrote.
func (s *Step) Reset() {
	s.Status = StatusPending
	s.InputContext = ""
	s.OutputContent = ""
	s.ErrorLog = ""
}

// StepByID returns a pointer to the step with the given id, or nil.
func (p *Pipeline) StepByID(id string) *Step {
	for i := range p.Steps {
		if p.Steps[i].ID == id {
			return &p.Steps[i]
		}
	}
	return nil
}
