// ABOUTME: Implements a single-line status bar for the bottom of the TUI showing run progress.
// ABOUTME: Displays pipeline name, status, elapsed time, step completion count, and the active step.
package tui

import (
	"fmt"
	"time"

	"github.com/2389-research/stepwise/pipeline"
	"github.com/charmbracelet/lipgloss"
)

// StatusBarModel displays run status in a single line.
type StatusBarModel struct {
	pipelineName   string
	status         pipeline.Status
	startTime      time.Time
	endTime        time.Time
	totalSteps     int
	completedSteps int
	activeStep     string
	width          int
}

// NewStatusBarModel creates a StatusBarModel for a pipeline with totalSteps steps.
func NewStatusBarModel(pipelineName string, totalSteps int) StatusBarModel {
	return StatusBarModel{
		pipelineName: pipelineName,
		status:       pipeline.StatusPending,
		totalSteps:   totalSteps,
	}
}

// SetStatus records the pipeline status. The clock starts on running and
// stops on a terminal status.
func (m *StatusBarModel) SetStatus(s pipeline.Status, now time.Time) {
	m.status = s
	switch {
	case s == pipeline.StatusRunning && m.startTime.IsZero():
		m.startTime = now
	case s.Terminal() && m.endTime.IsZero():
		m.endTime = now
	}
}

// SetCompleted updates the completed step count.
func (m *StatusBarModel) SetCompleted(n int) {
	m.completedSteps = n
}

// SetActiveStep sets the label of the running step.
func (m *StatusBarModel) SetActiveStep(label string) {
	m.activeStep = label
}

// SetWidth sets the bar width for rendering.
func (m *StatusBarModel) SetWidth(w int) {
	m.width = w
}

// Elapsed returns the run time so far, or zero if the run has not started.
func (m StatusBarModel) Elapsed(now time.Time) time.Duration {
	if m.startTime.IsZero() {
		return 0
	}
	if !m.endTime.IsZero() {
		return m.endTime.Sub(m.startTime)
	}
	return now.Sub(m.startTime)
}

// formatElapsed renders "12s" under a minute and "2m30s" above.
func formatElapsed(d time.Duration) string {
	d = d.Truncate(time.Second)
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) - minutes*60
	return fmt.Sprintf("%dm%ds", minutes, seconds)
}

// View renders the status bar as a single styled line.
func (m StatusBarModel) View() string {
	active := m.activeStep
	if active == "" {
		active = "idle"
	}

	content := fmt.Sprintf("Pipeline: %s | %s | Elapsed: %s | %d/%d steps | Active: %s",
		m.pipelineName, m.status, formatElapsed(m.Elapsed(time.Now())), m.completedSteps, m.totalSteps, active)

	style := StatusBarStyle.Width(m.width)
	return lipgloss.PlaceHorizontal(m.width, lipgloss.Left, style.Render(content))
}
