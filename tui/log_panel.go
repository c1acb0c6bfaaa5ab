// ABOUTME: Implements a scrollable event log panel using the bubbles viewport component.
// ABOUTME: Displays progress events with color-coded formatting based on status.
package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/2389-research/stepwise/events"
	"github.com/2389-research/stepwise/pipeline"
)

// LogPanelModel is a scrollable log of progress events.
type LogPanelModel struct {
	entries  []events.Event
	max      int
	viewport viewport.Model
	focused  bool
	width    int
	height   int
}

// NewLogPanelModel creates a log panel holding at most maxEntries events.
// If maxEntries is <= 0, it defaults to 200.
func NewLogPanelModel(maxEntries int) LogPanelModel {
	if maxEntries <= 0 {
		maxEntries = 200
	}
	return LogPanelModel{
		entries:  make([]events.Event, 0, maxEntries),
		max:      maxEntries,
		viewport: viewport.New(80, 10),
	}
}

// Append adds an event, evicting the oldest entry if at capacity.
func (m *LogPanelModel) Append(evt events.Event) {
	if len(m.entries) >= m.max {
		m.entries = m.entries[1:]
	}
	m.entries = append(m.entries, evt)
	m.syncViewport()
}

// Len returns the number of entries in the log.
func (m LogPanelModel) Len() int {
	return len(m.entries)
}

// SetFocused sets whether this panel accepts keyboard input.
func (m *LogPanelModel) SetFocused(focused bool) {
	m.focused = focused
}

// IsFocused returns whether the panel is focused.
func (m LogPanelModel) IsFocused() bool {
	return m.focused
}

// Update forwards scroll keys to the viewport while focused.
func (m LogPanelModel) Update(msg tea.Msg) (LogPanelModel, tea.Cmd) {
	if !m.focused {
		return m, nil
	}
	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

// SetSize sets the available dimensions and updates the viewport.
func (m *LogPanelModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	// border takes two lines, the title one more
	m.viewport.Width = max(w-2, 1)
	m.viewport.Height = max(h-3, 1)
	m.syncViewport()
}

// View renders the log panel.
func (m LogPanelModel) View() string {
	title := "EVENT LOG"
	if m.focused {
		title = "EVENT LOG (focused)"
	}

	content := "No events yet"
	if len(m.entries) > 0 {
		content = m.viewport.View()
	}

	return BorderStyle.
		Width(max(m.width-2, 1)).
		Height(max(m.height-2, 1)).
		Render(TitleStyle.Render(title) + "\n" + content)
}

func (m *LogPanelModel) syncViewport() {
	lines := make([]string, 0, len(m.entries))
	for _, evt := range m.entries {
		lines = append(lines, formatEntry(evt))
	}
	m.viewport.SetContent(strings.Join(lines, "\n"))
	m.viewport.GotoBottom()
}

// formatEntry renders one event as a single log line.
func formatEntry(evt events.Event) string {
	ts := LogTimestampStyle.Render(evt.Timestamp.Format("15:04:05"))
	topic := string(evt.Topic)

	switch p := evt.Payload.(type) {
	case events.PipelineStatus:
		return strings.Join([]string{ts, statusStyle(p.Status, false).Render(topic), string(p.Status)}, " ")
	case events.StepStatus:
		retry := p.Status == pipeline.StatusRunning && p.Output != nil && strings.HasSuffix(*p.Output, "Retrying...")
		parts := []string{ts, statusStyle(p.Status, retry).Render(topic), fmt.Sprintf("[%s]", shortID(p.ID)), string(p.Status)}
		switch {
		case p.Error != nil:
			parts = append(parts, firstLine(*p.Error))
		case p.Output != nil:
			parts = append(parts, firstLine(*p.Output))
		}
		return strings.Join(parts, " ")
	default:
		return strings.Join([]string{ts, LogEventStyle.Render(topic)}, " ")
	}
}

func statusStyle(status pipeline.Status, retry bool) lipgloss.Style {
	switch {
	case retry:
		return LogRetryStyle
	case status == pipeline.StatusCompleted:
		return LogSuccessStyle
	case status == pipeline.StatusFailed:
		return LogErrorStyle
	default:
		return LogEventStyle
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[len(id)-8:]
	}
	return id
}

func firstLine(s string) string {
	line, _, cut := strings.Cut(strings.TrimSpace(s), "\n")
	if cut {
		line += " ..."
	}
	const limit = 80
	if r := []rune(line); len(r) > limit {
		line = string(r[:limit]) + "..."
	}
	return line
}
