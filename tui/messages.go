// ABOUTME: Bubble Tea message types used in the TUI message loop.
// ABOUTME: Wraps broker events and run completion for the tea.Msg interface.
package tui

import (
	"time"

	"github.com/2389-research/stepwise/events"
)

// EventMsg wraps a progress event for the Bubble Tea message loop.
type EventMsg struct {
	Event events.Event
}

// RunResultMsg signals that the pipeline run has returned.
type RunResultMsg struct {
	Err error
}

// TickMsg is sent periodically to update timers and spinners.
type TickMsg struct {
	Time time.Time
}
