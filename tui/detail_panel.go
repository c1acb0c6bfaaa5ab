// ABOUTME: Bubble Tea sub-model showing the most recently active step: model, criteria, status, output, and error.
// ABOUTME: Output is reduced to its last lines so long model replies fit the panel.
package tui

import (
	"fmt"
	"strings"
)

// DetailPanelModel displays the active step.
type DetailPanelModel struct {
	active *StepRow
	width  int
	height int
}

// NewDetailPanelModel creates a DetailPanelModel with no active step.
func NewDetailPanelModel() DetailPanelModel {
	return DetailPanelModel{}
}

// SetActive updates the panel with the given step.
func (m *DetailPanelModel) SetActive(row StepRow) {
	m.active = &row
}

// Active returns the displayed step, if any.
func (m DetailPanelModel) Active() (StepRow, bool) {
	if m.active == nil {
		return StepRow{}, false
	}
	return *m.active, true
}

// Clear removes the active step.
func (m *DetailPanelModel) Clear() {
	m.active = nil
}

// SetSize sets the available dimensions.
func (m *DetailPanelModel) SetSize(w, h int) {
	m.width = w
	m.height = h
}

// maxOutputLines bounds how much model output the panel shows.
const maxOutputLines = 6

// tailLines keeps the last n lines of s, marking the cut with "...".
func tailLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) <= n {
		return strings.Join(lines, "\n")
	}
	return "...\n" + strings.Join(lines[len(lines)-n:], "\n")
}

// View renders the detail panel.
func (m DetailPanelModel) View() string {
	title := TitleStyle.Render("STEP DETAIL")

	var content string
	if m.active == nil {
		content = title + "\n\n" + ValueStyle.Render("No active step")
	} else {
		r := m.active
		criteria := r.Criteria
		if criteria == "" {
			criteria = "always pass"
		}

		lines := []string{
			title,
			row("Step:", fmt.Sprintf("%d", r.Order)),
			row("Model:", r.Model),
			row("Criteria:", criteria),
			LabelStyle.Render("Status:") + StyleForStatus(r.Status).Render(string(r.Status)),
		}
		if r.Output != "" {
			lines = append(lines, LabelStyle.Render("Output:"), ValueStyle.Render(tailLines(r.Output, maxOutputLines)))
		}
		if r.Error != "" {
			lines = append(lines, LabelStyle.Render("Error:"), LogErrorStyle.Render(tailLines(r.Error, maxOutputLines)))
		}
		content = strings.Join(lines, "\n")
	}

	style := BorderStyle
	if m.width > 0 {
		style = style.Width(m.width)
	}
	if m.height > 0 {
		style = style.Height(m.height)
	}
	return style.Render(content)
}

func row(label, value string) string {
	return LabelStyle.Render(label) + ValueStyle.Render(value)
}
