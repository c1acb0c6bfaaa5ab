// ABOUTME: Top-level Bubble Tea AppModel that runs one pipeline and composes the TUI sub-panels.
// ABOUTME: Implements tea.Model and routes broker events to the steps, detail, log, and status bar panels.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/2389-research/stepwise/events"
	"github.com/2389-research/stepwise/pipeline"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// FocusTarget indicates which panel currently has keyboard focus.
type FocusTarget int

const (
	FocusSteps FocusTarget = iota
	FocusLog
)

const tickInterval = 100 * time.Millisecond

// AppModel is the top-level model for watching a single run.
type AppModel struct {
	steps     StepsPanelModel
	detail    DetailPanelModel
	log       LogPanelModel
	statusBar StatusBarModel

	runner     Runner
	pipelineID string
	ctx        context.Context
	events     <-chan events.Event

	focus  FocusTarget
	status pipeline.Status
	done   bool  // Run returned
	err    error // Run error, if any
	width  int
	height int
	now    func() time.Time
}

// NewAppModel builds an AppModel that runs p with runner and renders events
// read from evts, typically a broker subscription filtered to p.
func NewAppModel(ctx context.Context, p *pipeline.Pipeline, runner Runner, evts <-chan events.Event) AppModel {
	return AppModel{
		steps:      NewStepsPanelModel(p),
		detail:     NewDetailPanelModel(),
		log:        NewLogPanelModel(200),
		statusBar:  NewStatusBarModel(p.Name, len(p.Steps)),
		runner:     runner,
		pipelineID: p.ID,
		ctx:        ctx,
		events:     evts,
		focus:      FocusSteps,
		status:     pipeline.StatusPending,
		now:        time.Now,
	}
}

// Err returns the error the run returned, if it has returned.
func (m AppModel) Err() error {
	return m.err
}

// Init starts the run, the event pump, and the tick loop.
func (m AppModel) Init() tea.Cmd {
	return tea.Batch(
		RunPipelineCmd(m.ctx, m.runner, m.pipelineID),
		WaitForEventCmd(m.events),
		TickCmd(tickInterval),
	)
}

// Update routes incoming messages to the sub-panels.
func (m AppModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case EventMsg:
		m = m.handleEvent(msg.Event)
		return m, WaitForEventCmd(m.events)

	case RunResultMsg:
		m.done = true
		m.err = msg.Err
		m.statusBar.SetActiveStep("")
		return m, nil

	case TickMsg:
		m.steps.AdvanceSpinner()
		if m.done {
			return m, nil
		}
		return m, TickCmd(tickInterval)

	case tea.KeyMsg:
		return m.handleKeyMsg(msg)
	}
	return m, nil
}

// View renders the full layout.
func (m AppModel) View() string {
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}
	if m.width < 40 || m.height < 10 {
		return fmt.Sprintf("Terminal too small (%dx%d). Minimum: 40x10.", m.width, m.height)
	}

	statusBarHeight := 1
	stepsHeight := max((m.height-statusBarHeight)*40/100, 3)
	bottomHeight := max(m.height-statusBarHeight-stepsHeight, 3)
	detailWidth := max(m.width*40/100, 10)
	logWidth := max(m.width-detailWidth, 10)

	m.steps.SetWidth(m.width)
	m.detail.SetSize(detailWidth, bottomHeight)
	m.log.SetSize(logWidth, bottomHeight)
	m.statusBar.SetWidth(m.width)

	bottom := lipgloss.JoinHorizontal(lipgloss.Top, m.detail.View(), m.log.View())

	statusView := m.statusBar.View()
	if m.done {
		switch {
		case m.err != nil:
			statusView += " " + FailedStyle.Render(fmt.Sprintf("ERROR: %v", m.err))
		case m.status == pipeline.StatusFailed:
			statusView += " " + FailedStyle.Render("FAILED")
		default:
			statusView += " " + CompletedStyle.Render("DONE")
		}
	}

	var b strings.Builder
	b.WriteString(m.steps.View())
	b.WriteString("\n")
	b.WriteString(bottom)
	b.WriteString("\n")
	b.WriteString(statusView)
	return b.String()
}

func (m AppModel) handleEvent(evt events.Event) AppModel {
	m.log.Append(evt)

	switch p := evt.Payload.(type) {
	case events.PipelineStatus:
		m.status = p.Status
		m.statusBar.SetStatus(p.Status, m.now())
	case events.StepStatus:
		row, ok := m.steps.Apply(p)
		if !ok {
			return m
		}
		m.detail.SetActive(row)
		if row.Status == pipeline.StatusRunning {
			m.statusBar.SetActiveStep(fmt.Sprintf("%d. %s", row.Order, row.Model))
		}
		m.statusBar.SetCompleted(m.steps.Count(pipeline.StatusCompleted))
	}
	return m
}

func (m AppModel) handleKeyMsg(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit
	case "tab":
		if m.focus == FocusSteps {
			m.focus = FocusLog
		} else {
			m.focus = FocusSteps
		}
		m.log.SetFocused(m.focus == FocusLog)
		return m, nil
	}

	var cmd tea.Cmd
	m.log, cmd = m.log.Update(msg)
	return m, cmd
}
