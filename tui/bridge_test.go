// ABOUTME: Tests for RunPipelineCmd, WaitForEventCmd, and TickCmd.
// ABOUTME: Validates the bridge layer connecting runs and broker events to the Bubble Tea message loop.
package tui

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/2389-research/stepwise/events"
	"github.com/2389-research/stepwise/pipeline"
)

type fakeRunner struct {
	err   error
	gotID string
}

func (f *fakeRunner) Run(_ context.Context, pipelineID string) error {
	f.gotID = pipelineID
	return f.err
}

func TestRunPipelineCmd(t *testing.T) {
	runner := &fakeRunner{err: errors.New("boom")}
	msg := RunPipelineCmd(context.Background(), runner, "p1")()

	res, ok := msg.(RunResultMsg)
	if !ok {
		t.Fatalf("got %T, want RunResultMsg", msg)
	}
	if res.Err == nil || res.Err.Error() != "boom" {
		t.Errorf("Err = %v", res.Err)
	}
	if runner.gotID != "p1" {
		t.Errorf("runner got id %q", runner.gotID)
	}
}

func TestWaitForEventCmd(t *testing.T) {
	ch := make(chan events.Event, 1)
	ch <- events.Event{Seq: 7, Topic: events.TopicPipelineStatus, Payload: events.PipelineStatus{ID: "p1", Status: pipeline.StatusRunning}}

	msg := WaitForEventCmd(ch)()
	em, ok := msg.(EventMsg)
	if !ok {
		t.Fatalf("got %T, want EventMsg", msg)
	}
	if em.Event.Seq != 7 {
		t.Errorf("Seq = %d", em.Event.Seq)
	}

	close(ch)
	if msg := WaitForEventCmd(ch)(); msg != nil {
		t.Errorf("closed channel should yield nil, got %T", msg)
	}
}

func TestTickCmd(t *testing.T) {
	start := time.Now()
	msg := TickCmd(10 * time.Millisecond)()
	tick, ok := msg.(TickMsg)
	if !ok {
		t.Fatalf("got %T, want TickMsg", msg)
	}
	if tick.Time.Before(start) {
		t.Errorf("tick time %v before start %v", tick.Time, start)
	}
}
