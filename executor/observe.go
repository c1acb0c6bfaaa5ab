// ABOUTME: Observation hooks the executor reports through: a metrics recorder and the default tracer.
// ABOUTME: The no-op recorder lets callers and tests skip metrics entirely.
package executor

import (
	"time"

	"github.com/2389-research/stepwise/pipeline"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// TracerName identifies spans emitted by this package.
const TracerName = "github.com/2389-research/stepwise/executor"

// Recorder receives counters and timings from runs.
type Recorder interface {
	RunStarted()
	AttemptFinished(model, result string)
	StepFinished(status pipeline.Status, elapsed time.Duration)
	RunFinished(status pipeline.Status)
}

// NopRecorder discards everything.
type NopRecorder struct{}

func (NopRecorder) RunStarted() {}
func (NopRecorder) AttemptFinished(string, string) {}
func (NopRecorder) StepFinished(pipeline.Status, time.Duration) {}
func (NopRecorder) RunFinished(pipeline.Status) {}

func defaultTracer() trace.Tracer {
	return otel.Tracer(TracerName)
}
