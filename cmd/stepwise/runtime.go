// ABOUTME: Wires the execution stack shared by serve and run: broker, metrics, tracing, model caller, and executor.
// ABOUTME: Close shuts the pieces down in dependency order.
package main

import (
	"context"
	"errors"
	"log/slog"

	"github.com/2389-research/stepwise/config"
	"github.com/2389-research/stepwise/events"
	"github.com/2389-research/stepwise/executor"
	"github.com/2389-research/stepwise/llm"
	"github.com/2389-research/stepwise/metrics"
	"github.com/2389-research/stepwise/store"
	"github.com/2389-research/stepwise/tracing"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

type runtime struct {
	exec     *executor.Executor
	broker   *events.Broker
	metrics  *metrics.Metrics
	progress *events.ProgressLog
	tracer   *sdktrace.TracerProvider
}

func newRuntime(cfg *config.Config, st *store.SQLiteStore, logger *slog.Logger) (*runtime, error) {
	if err := cfg.RequireModel(); err != nil {
		return nil, err
	}

	m := metrics.New()
	broker := events.NewBroker(logger)
	broker.AddHandler(func(evt events.Event) {
		m.EventPublished(string(evt.Topic))
	})

	rt := &runtime{broker: broker, metrics: m}
	if cfg.ProgressDir != "" {
		pl, err := events.NewProgressLog(cfg.ProgressDir, logger)
		if err != nil {
			broker.Close()
			return nil, err
		}
		broker.AddHandler(pl.HandleEvent)
		rt.progress = pl
	}

	rt.tracer = tracing.NewProvider(logger)
	caller := llm.NewCaller(llm.Config{
		BaseURL: cfg.ModelBaseURL,
		APIKey:  cfg.ModelAPIKey,
	})
	rt.exec = executor.New(st, broker, caller, executor.Config{
		Policy:     cfg.RetryPolicy(),
		StepPause:  cfg.StepPause,
		LeaseRenew: cfg.LeaseRenew(),
		Logger:     logger,
		Tracer:     rt.tracer.Tracer(executor.TracerName),
		Recorder:   m,
	})
	return rt, nil
}

// Close cancels in-flight runs, waits for them to record their outcome, and
// then releases the broker, progress log, and tracer.
func (rt *runtime) Close(ctx context.Context) error {
	var errs []error
	if err := rt.exec.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	rt.broker.Close()
	if rt.progress != nil {
		if err := rt.progress.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := rt.tracer.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
