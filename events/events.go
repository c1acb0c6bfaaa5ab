// ABOUTME: Progress event topics and payloads published while a pipeline runs.
// ABOUTME: Defines the Event envelope delivered to subscribers and helpers for building payloads.
package events

import (
	"encoding/json"
	"time"

	"github.com/2389-research/stepwise/pipeline"
)

// Topic names a stream of progress events.
type Topic string

const (
	TopicPipelineStatus Topic = "pipeline-status"
	TopicStepStatus     Topic = "step-status"
)

// PipelineStatus is the payload for TopicPipelineStatus.
type PipelineStatus struct {
	ID     string          `json:"id"`
	Status pipeline.Status `json:"status"`
}

// StepStatus is the payload for TopicStepStatus. Output and Error are nil on the
// initial running transition, which carries a placeholder in Output instead.
type StepStatus struct {
	ID         string          `json:"id"`
	PipelineID string          `json:"pipeline_id"`
	Status     pipeline.Status `json:"status"`
	Output     *string         `json:"output,omitempty"`
	Error      *string         `json:"error,omitempty"`
}

// Event is one published notification as seen by subscribers.
type Event struct {
	Seq       uint64    `json:"seq"`
	Topic     Topic     `json:"topic"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// PipelineID extracts the owning pipeline id from the payload, if known.
func (e Event) PipelineID() string {
	switch p := e.Payload.(type) {
	case PipelineStatus:
		return p.ID
	case StepStatus:
		return p.PipelineID
	}
	return ""
}

// JSON returns the event encoded for the wire.
func (e Event) JSON() []byte {
	data, err := json.Marshal(e)
	if err != nil {
		return []byte(`{"error":"failed to marshal event"}`)
	}
	return data
}

// Text returns a pointer to s, for the optional payload fields.
func Text(s string) *string {
	return &s
}
