// ABOUTME: Pipeline executor: the per-run state machine that walks ordered steps and threads context.
// ABOUTME: Persists every transition before publishing it and stops a run at the first exhausted step.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389-research/stepwise/events"
	"github.com/2389-research/stepwise/pipeline"
	"github.com/2389-research/stepwise/store"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrPipelineNotFound is returned when a run is requested for an unknown pipeline.
	ErrPipelineNotFound = errors.New("pipeline not found")

	// ErrAlreadyRunning is returned when the pipeline already has a run in flight.
	ErrAlreadyRunning = errors.New("pipeline already running")

	// ErrShuttingDown is returned by Start and Run after Shutdown has begun.
	ErrShuttingDown = errors.New("executor is shutting down")
)

// DefaultLeaseRenew is how often a run renews its hold on the pipeline. It
// must stay well under the store's lease TTL.
const DefaultLeaseRenew = 30 * time.Second

// RunningPlaceholder is the output shown while a step waits on the model.
const RunningPlaceholder = "Sending request to model..."

// CancelledMessage is recorded on the active step when a run is interrupted.
const CancelledMessage = "run cancelled"

// RecordStore is the durable state the executor reads at run start and
// writes after every transition. Writes name the run making them so a run
// that lost its pipeline to another process cannot overwrite the new owner.
type RecordStore interface {
	GetPipelineWithSteps(ctx context.Context, id string) (*pipeline.Pipeline, error)
	SaveStep(ctx context.Context, runID string, step *pipeline.Step) error
	SavePipeline(ctx context.Context, runID string, p *pipeline.Pipeline) error
	// BeginRun hands the pipeline to runID unless a live run holds it, and
	// resets all of its steps to pending.
	BeginRun(ctx context.Context, id, runID string) error
	// RenewRun extends runID's hold on the pipeline.
	RenewRun(ctx context.Context, id, runID string) error
}

// Publisher forwards state changes to subscribers.
type Publisher interface {
	Publish(topic events.Topic, payload any)
}

// Config tunes an Executor. Zero values for LeaseRenew, Logger, Tracer, and
// Recorder select defaults or no-op implementations.
type Config struct {
	Policy     RetryPolicy
	StepPause  time.Duration
	LeaseRenew time.Duration // how often a run renews its hold on the pipeline
	Logger     *slog.Logger
	Tracer     trace.Tracer
	Recorder   Recorder
}

// DefaultConfig returns the production retry policy and step pause.
func DefaultConfig() Config {
	return Config{
		Policy:    DefaultRetryPolicy(),
		StepPause: DefaultStepPause,
	}
}

// RunTicket acknowledges a scheduled run.
type RunTicket struct {
	RunID      string `json:"run_id"`
	PipelineID string `json:"pipeline_id"`
}

// Executor runs pipelines, one goroutine per run, at most one run per pipeline.
type Executor struct {
	store      RecordStore
	publisher  Publisher
	runner     *AttemptRunner
	stepPause  time.Duration
	leaseRenew time.Duration
	sleep      SleepFunc
	now       func() time.Time
	logger    *slog.Logger
	tracer    trace.Tracer
	recorder  Recorder

	// lifecycle context; cancelled by Shutdown
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	active  map[string]string // pipeline id -> run id
	closing bool
	wg      sync.WaitGroup
}

// New builds an Executor around its collaborators.
func New(st RecordStore, pub Publisher, caller ModelCaller, cfg Config) *Executor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = defaultTracer()
	}
	recorder := cfg.Recorder
	if recorder == nil {
		recorder = NopRecorder{}
	}
	pause := cfg.StepPause
	if pause < 0 {
		pause = 0
	}
	renew := cfg.LeaseRenew
	if renew <= 0 {
		renew = DefaultLeaseRenew
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Executor{
		store:      st,
		publisher:  pub,
		runner:     NewAttemptRunner(caller, cfg.Policy, logger, tracer, recorder),
		stepPause:  pause,
		leaseRenew: renew,
		sleep:      sleepContext,
		now:        time.Now,
		logger:     logger.With(slog.String("component", "executor")),
		tracer:     tracer,
		recorder:   recorder,
		ctx:        ctx,
		cancel:     cancel,
		active:     make(map[string]string),
	}
}

// Start schedules a run of the pipeline and returns without waiting for it.
// The run outcome is observable only through published events and the store.
func (e *Executor) Start(ctx context.Context, pipelineID string) (RunTicket, error) {
	p, runID, err := e.prepare(ctx, pipelineID)
	if err != nil {
		return RunTicket{}, err
	}

	go func() {
		defer e.wg.Done()
		defer e.release(pipelineID)
		e.execute(e.ctx, p, runID)
	}()

	return RunTicket{RunID: runID, PipelineID: pipelineID}, nil
}

// Run executes the pipeline synchronously. Step exhaustion is a normal
// outcome recorded on the pipeline, not an error; errors report a run that
// could not start or could not persist its state.
func (e *Executor) Run(ctx context.Context, pipelineID string) error {
	p, runID, err := e.prepare(ctx, pipelineID)
	if err != nil {
		return err
	}
	defer e.wg.Done()
	defer e.release(pipelineID)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(e.ctx, cancel)
	defer stop()

	_, err = e.execute(runCtx, p, runID)
	return err
}

// IsRunning reports whether this executor has a run in flight for the pipeline.
func (e *Executor) IsRunning(pipelineID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.active[pipelineID]
	return ok
}

// Shutdown stops accepting runs, cancels in-flight runs, and waits for them
// to record their final state or for ctx to end.
func (e *Executor) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closing = true
	e.mu.Unlock()
	e.cancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown executor: %w", ctx.Err())
	}
}

// prepare loads the pipeline, takes the run lock, and marks it running in the
// store. On success the caller owns one wg slot and the lock.
func (e *Executor) prepare(ctx context.Context, pipelineID string) (*pipeline.Pipeline, string, error) {
	p, err := e.store.GetPipelineWithSteps(ctx, pipelineID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, "", fmt.Errorf("%w: %s", ErrPipelineNotFound, pipelineID)
	}
	if err != nil {
		return nil, "", fmt.Errorf("load pipeline %s: %w", pipelineID, err)
	}

	runID := uuid.NewString()
	if err := e.acquire(pipelineID, runID); err != nil {
		return nil, "", err
	}

	if err := e.store.BeginRun(ctx, pipelineID, runID); err != nil {
		e.release(pipelineID)
		e.wg.Done()
		switch {
		case errors.Is(err, store.ErrNotFound):
			return nil, "", fmt.Errorf("%w: %s", ErrPipelineNotFound, pipelineID)
		case errors.Is(err, store.ErrRunning):
			return nil, "", fmt.Errorf("%w: %s", ErrAlreadyRunning, pipelineID)
		}
		return nil, "", fmt.Errorf("begin run %s: %w", pipelineID, err)
	}

	p.Status = pipeline.StatusRunning
	p.UpdatedAt = e.now()
	pipeline.SortSteps(p.Steps)
	for i := range p.Steps {
		p.Steps[i].Reset()
	}
	return p, runID, nil
}

func (e *Executor) acquire(pipelineID, runID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closing {
		return ErrShuttingDown
	}
	if _, busy := e.active[pipelineID]; busy {
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, pipelineID)
	}
	e.active[pipelineID] = runID
	e.wg.Add(1)
	return nil
}

func (e *Executor) release(pipelineID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.active, pipelineID)
}

// execute walks the steps of a pipeline already marked running in the store.
func (e *Executor) execute(ctx context.Context, p *pipeline.Pipeline, runID string) (pipeline.Status, error) {
	ctx, span := e.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("stepwise.pipeline_id", p.ID),
		attribute.String("stepwise.pipeline_name", p.Name),
		attribute.String("stepwise.run_id", runID),
		attribute.Int("stepwise.steps", len(p.Steps)),
	))
	defer span.End()

	logger := e.logger.With(slog.String("pipeline_id", p.ID), slog.String("run_id", runID))
	logger.Info("run started", slog.String("action", "start"), slog.Int("steps", len(p.Steps)))
	started := e.now()
	e.recorder.RunStarted()

	e.publishPipeline(p)

	ctx, cancel := context.WithCancel(ctx)
	held := make(chan struct{})
	go func() {
		defer close(held)
		e.hold(ctx, cancel, p.ID, runID, logger)
	}()

	status, err := e.walk(ctx, p, runID, logger)
	cancel()
	<-held

	span.SetAttributes(attribute.String("stepwise.status", string(status)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error("run aborted", slog.String("action", "abort"), slog.String("error", err.Error()))
	} else if status == pipeline.StatusFailed {
		span.SetStatus(codes.Error, "step failed")
	}
	e.recorder.RunFinished(status)
	logger.Info("run finished",
		slog.String("action", "finish"),
		slog.String("status", string(status)),
		slog.Duration("elapsed", e.now().Sub(started)),
	)
	return status, err
}

// hold renews the run's lease every leaseRenew until ctx ends. When another
// process has taken the pipeline over it cancels the run.
func (e *Executor) hold(ctx context.Context, cancel context.CancelFunc, pipelineID, runID string, logger *slog.Logger) {
	ticker := time.NewTicker(e.leaseRenew)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		err := e.store.RenewRun(ctx, pipelineID, runID)
		switch {
		case err == nil, ctx.Err() != nil:
		case errors.Is(err, store.ErrLeaseLost):
			logger.Error("run lease lost", slog.String("action", "lease"), slog.String("error", err.Error()))
			cancel()
			return
		default:
			logger.Warn("renew run lease", slog.String("action", "lease"), slog.String("error", err.Error()))
		}
	}
}

// walk runs each step in order. Store writes use a context detached from
// cancellation so an interrupted run still records where it stopped.
func (e *Executor) walk(ctx context.Context, p *pipeline.Pipeline, runID string, logger *slog.Logger) (pipeline.Status, error) {
	wctx := context.WithoutCancel(ctx)
	running := ""

	for i := range p.Steps {
		step := &p.Steps[i]
		input := pipeline.EffectiveContext(i, running)

		if ctx.Err() != nil {
			return pipeline.StatusFailed, e.fail(wctx, p, runID, nil, "", CancelledMessage)
		}

		step.Status = pipeline.StatusRunning
		step.InputContext = input
		if err := e.store.SaveStep(wctx, runID, step); err != nil {
			err = fmt.Errorf("save step %s: %w", step.ID, err)
			return pipeline.StatusFailed, errors.Join(err, e.fail(wctx, p, runID, nil, "", err.Error()))
		}
		e.publishStep(step, events.Text(RunningPlaceholder), nil)

		prompt := pipeline.RenderPrompt(step.PromptTemplate, input)
		stepStarted := e.now()
		outcome := e.runStep(ctx, step, prompt)

		if ctx.Err() != nil && !outcome.Success {
			e.recorder.StepFinished(pipeline.StatusFailed, e.now().Sub(stepStarted))
			logger.Warn("run cancelled", slog.String("action", "cancel"), slog.String("step_id", step.ID))
			return pipeline.StatusFailed, e.fail(wctx, p, runID, step, outcome.Text, CancelledMessage)
		}

		if !outcome.Success {
			e.recorder.StepFinished(pipeline.StatusFailed, e.now().Sub(stepStarted))
			logger.Warn("step exhausted",
				slog.String("action", "step"),
				slog.String("step_id", step.ID),
				slog.Int("order", step.Order),
				slog.Int("attempts", outcome.Attempts),
				slog.String("error", outcome.Error),
			)
			return pipeline.StatusFailed, e.fail(wctx, p, runID, step, outcome.Text, outcome.Error)
		}

		step.Status = pipeline.StatusCompleted
		step.OutputContent = outcome.Text
		step.ErrorLog = ""
		if err := e.store.SaveStep(wctx, runID, step); err != nil {
			err = fmt.Errorf("save step %s: %w", step.ID, err)
			return pipeline.StatusFailed, errors.Join(err, e.fail(wctx, p, runID, nil, "", err.Error()))
		}
		e.recorder.StepFinished(pipeline.StatusCompleted, e.now().Sub(stepStarted))
		e.publishStep(step, events.Text(step.OutputContent), nil)
		logger.Info("step completed",
			slog.String("action", "step"),
			slog.String("step_id", step.ID),
			slog.Int("order", step.Order),
			slog.Int("attempts", outcome.Attempts),
		)
		running = outcome.Text

		if i < len(p.Steps)-1 && e.stepPause > 0 {
			if err := e.sleep(ctx, e.stepPause); err != nil {
				return pipeline.StatusFailed, e.fail(wctx, p, runID, nil, "", CancelledMessage)
			}
		}
	}

	p.Status = pipeline.StatusCompleted
	p.UpdatedAt = e.now()
	if err := e.store.SavePipeline(wctx, runID, p); err != nil {
		return pipeline.StatusFailed, fmt.Errorf("save pipeline %s: %w", p.ID, err)
	}
	e.publishPipeline(p)
	return pipeline.StatusCompleted, nil
}

// runStep wraps one step's attempt cycle in a span and turns retry
// notifications into progress events.
func (e *Executor) runStep(ctx context.Context, step *pipeline.Step, prompt string) Outcome {
	ctx, span := e.tracer.Start(ctx, "pipeline.step", trace.WithAttributes(
		attribute.String("stepwise.step_id", step.ID),
		attribute.Int("stepwise.order", step.Order),
		attribute.String("stepwise.model", step.Model),
	))
	defer span.End()

	notify := func(attempt int, result, errText string) {
		e.publishStep(step, events.Text(RetryingMessage(attempt, result, errText)), nil)
	}
	outcome := e.runner.Attempt(ctx, step.Model, prompt, step.Criteria, notify)

	span.SetAttributes(attribute.Int("stepwise.attempts", outcome.Attempts))
	if !outcome.Success {
		span.SetStatus(codes.Error, outcome.Error)
	}
	return outcome
}

// fail persists the step (when given) and the pipeline as failed, then
// publishes whichever of the two writes succeeded.
func (e *Executor) fail(ctx context.Context, p *pipeline.Pipeline, runID string, step *pipeline.Step, output, msg string) error {
	var stepErr error
	if step != nil {
		step.Status = pipeline.StatusFailed
		step.OutputContent = output
		step.ErrorLog = msg
		if err := e.store.SaveStep(ctx, runID, step); err != nil {
			stepErr = fmt.Errorf("save failed step %s: %w", step.ID, err)
		}
	}

	p.Status = pipeline.StatusFailed
	p.UpdatedAt = e.now()
	var pipeErr error
	if err := e.store.SavePipeline(ctx, runID, p); err != nil {
		pipeErr = fmt.Errorf("save failed pipeline %s: %w", p.ID, err)
	}

	if step != nil && stepErr == nil {
		e.publishStep(step, events.Text(step.OutputContent), events.Text(step.ErrorLog))
	}
	if pipeErr == nil {
		e.publishPipeline(p)
	}
	return errors.Join(stepErr, pipeErr)
}

func (e *Executor) publishPipeline(p *pipeline.Pipeline) {
	e.publisher.Publish(events.TopicPipelineStatus, events.PipelineStatus{ID: p.ID, Status: p.Status})
}

func (e *Executor) publishStep(step *pipeline.Step, output, errText *string) {
	e.publisher.Publish(events.TopicStepStatus, events.StepStatus{
		ID:         step.ID,
		PipelineID: step.PipelineID,
		Status:     step.Status,
		Output:     output,
		Error:      errText,
	})
}

// RetryingMessage is the progress text published after a failed attempt that
// will be retried. Unmet criteria read "Failed"; call faults read "Error".
func RetryingMessage(attempt int, result, errText string) string {
	if result == ResultCriteria {
		return fmt.Sprintf("Attempt %d Failed: %s\nRetrying...", attempt, errText)
	}
	return fmt.Sprintf("Attempt %d Error: %s\nRetrying...", attempt, errText)
}
