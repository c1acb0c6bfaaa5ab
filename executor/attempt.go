// ABOUTME: Drives a single step to success or exhaustion by calling the model and checking criteria.
// ABOUTME: Failed calls and unmet criteria are both retryable; neither escapes as an error.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389-research/stepwise/llm"
	"github.com/2389-research/stepwise/pipeline"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ModelCaller sends one prompt to a model and returns its reply text.
type ModelCaller interface {
	Call(ctx context.Context, model, prompt string) (string, error)
}

// Outcome is the terminal result of driving one step.
type Outcome struct {
	Success  bool
	Text     string // reply from the last attempt that produced one, possibly empty
	Error    string // last failure description; empty on success
	Attempts int    // model calls actually made
}

// NotifyFunc receives a failed attempt that will be retried: its number, its
// result label (ResultTransport or ResultCriteria), and its error text.
type NotifyFunc func(attempt int, result, errText string)

// Attempt result labels, shared with metrics.
const (
	ResultSuccess   = "success"
	ResultTransport = "transport"
	ResultCriteria  = "criteria"
)

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// AttemptRunner applies a RetryPolicy to model calls for one step at a time.
type AttemptRunner struct {
	caller   ModelCaller
	policy   RetryPolicy
	sleep    SleepFunc
	logger   *slog.Logger
	tracer   trace.Tracer
	recorder Recorder
}

// NewAttemptRunner builds a runner. A nil logger, tracer, or recorder is
// replaced with a no-op.
func NewAttemptRunner(caller ModelCaller, policy RetryPolicy, logger *slog.Logger, tracer trace.Tracer, recorder Recorder) *AttemptRunner {
	if logger == nil {
		logger = slog.Default()
	}
	if tracer == nil {
		tracer = defaultTracer()
	}
	if recorder == nil {
		recorder = NopRecorder{}
	}
	return &AttemptRunner{
		caller:   caller,
		policy:   policy.normalized(),
		sleep:    sleepContext,
		logger:   logger.With(slog.String("component", "attempt")),
		tracer:   tracer,
		recorder: recorder,
	}
}

// Policy returns the normalized policy in effect.
func (r *AttemptRunner) Policy() RetryPolicy {
	return r.policy
}

// Attempt calls the model up to MaxAttempts times until a reply satisfies
// criteria. Between failures it calls notify and waits Delay; the last failure
// gets neither. If ctx ends during a wait, the outcome reports the context error.
func (r *AttemptRunner) Attempt(ctx context.Context, model, prompt string, criteria pipeline.Criteria, notify NotifyFunc) Outcome {
	var out Outcome
	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		out.Attempts = attempt
		text, errText, result := r.once(ctx, attempt, model, prompt, criteria)
		r.recorder.AttemptFinished(model, result)
		if result == ResultSuccess {
			return Outcome{Success: true, Text: text, Attempts: attempt}
		}
		if result == ResultCriteria {
			out.Text = text
		}
		out.Error = errText

		r.logger.Warn("attempt failed",
			slog.String("action", "attempt"),
			slog.String("model", model),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", r.policy.MaxAttempts),
			slog.String("reason", result),
			slog.String("error", errText),
		)

		if attempt == r.policy.MaxAttempts {
			break
		}
		if notify != nil {
			notify(attempt, result, errText)
		}
		if err := r.sleep(ctx, r.policy.Delay); err != nil {
			out.Error = err.Error()
			return out
		}
	}
	return out
}

// once performs a single call-and-evaluate cycle.
func (r *AttemptRunner) once(ctx context.Context, attempt int, model, prompt string, criteria pipeline.Criteria) (text, errText, result string) {
	ctx, span := r.tracer.Start(ctx, "step.attempt", trace.WithAttributes(
		attribute.String("stepwise.model", model),
		attribute.Int("stepwise.attempt", attempt),
		attribute.String("stepwise.criteria", criteria.String()),
	))
	defer span.End()

	callCtx := ctx
	if r.policy.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, r.policy.CallTimeout)
		defer cancel()
	}

	text, err := r.caller.Call(callCtx, model, prompt)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String("stepwise.result", ResultTransport))
		if kind := llm.KindOf(err); kind != "" {
			span.SetAttributes(attribute.String("stepwise.error_kind", string(kind)))
		}
		return "", err.Error(), ResultTransport
	}

	if !criteria.Evaluate(text) {
		msg := criteria.FailureMessage()
		span.SetStatus(codes.Error, msg)
		span.SetAttributes(attribute.String("stepwise.result", ResultCriteria))
		return text, msg, ResultCriteria
	}

	span.SetAttributes(attribute.String("stepwise.result", ResultSuccess))
	return text, "", ResultSuccess
}

// sleepContext waits for d, returning early with the context error if ctx ends.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("retry wait interrupted: %w", ctx.Err())
	}
}
