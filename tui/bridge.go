// ABOUTME: Bridge connecting the executor and event broker to the Bubble Tea message loop.
// ABOUTME: Provides tea.Cmd factories for running a pipeline, receiving events, and ticks.
package tui

import (
	"context"
	"time"

	"github.com/2389-research/stepwise/events"
	tea "github.com/charmbracelet/bubbletea"
)

// Runner runs one pipeline to completion.
type Runner interface {
	Run(ctx context.Context, pipelineID string) error
}

// RunPipelineCmd returns a tea.Cmd that runs the pipeline synchronously and
// sends a RunResultMsg when it returns. Cancelling ctx stops the run.
func RunPipelineCmd(ctx context.Context, runner Runner, pipelineID string) tea.Cmd {
	return func() tea.Msg {
		return RunResultMsg{Err: runner.Run(ctx, pipelineID)}
	}
}

// WaitForEventCmd returns a tea.Cmd that blocks for the next event on ch.
// It returns nil once ch is closed.
func WaitForEventCmd(ch <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		evt, ok := <-ch
		if !ok {
			return nil
		}
		return EventMsg{Event: evt}
	}
}

// TickCmd returns a tea.Cmd that sends a TickMsg after the given interval.
func TickCmd(interval time.Duration) tea.Cmd {
	return tea.Tick(interval, func(t time.Time) tea.Msg {
		return TickMsg{Time: t}
	})
}
