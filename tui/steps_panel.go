// ABOUTME: Bubble Tea sub-model listing a pipeline's steps in order with status markers and a spinner.
// ABOUTME: Step rows are updated in place from step-status events.
package tui

import (
	"fmt"
	"strings"

	"github.com/2389-research/stepwise/events"
	"github.com/2389-research/stepwise/pipeline"
)

// StepRow is the TUI's view of one step.
type StepRow struct {
	ID       string
	Order    int
	Model    string
	Criteria string
	Status   pipeline.Status
	Output   string
	Error    string
}

// StepsPanelModel displays the ordered steps of one pipeline.
type StepsPanelModel struct {
	name         string
	rows         []StepRow
	index        map[string]int
	spinnerIndex int
	width        int
}

// NewStepsPanelModel builds rows for every step of p, all pending, since a
// run resets prior results before its first step.
func NewStepsPanelModel(p *pipeline.Pipeline) StepsPanelModel {
	m := StepsPanelModel{index: make(map[string]int)}
	if p == nil {
		return m
	}
	m.name = p.Name
	steps := append([]pipeline.Step(nil), p.Steps...)
	pipeline.SortSteps(steps)
	for i, s := range steps {
		m.rows = append(m.rows, StepRow{
			ID:       s.ID,
			Order:    s.Order,
			Model:    s.Model,
			Criteria: s.Criteria.String(),
			Status:   pipeline.StatusPending,
		})
		m.index[s.ID] = i
	}
	return m
}

// Apply folds a step-status payload into its row. It returns the updated row
// and false when the step is unknown.
func (m *StepsPanelModel) Apply(st events.StepStatus) (StepRow, bool) {
	i, ok := m.index[st.ID]
	if !ok {
		return StepRow{}, false
	}
	row := &m.rows[i]
	row.Status = st.Status
	if st.Output != nil {
		row.Output = *st.Output
	}
	if st.Error != nil {
		row.Error = *st.Error
	} else if st.Status == pipeline.StatusRunning {
		row.Error = ""
	}
	return *row, true
}

// Row returns the row for a step id.
func (m StepsPanelModel) Row(id string) (StepRow, bool) {
	i, ok := m.index[id]
	if !ok {
		return StepRow{}, false
	}
	return m.rows[i], true
}

// Len returns the number of steps.
func (m StepsPanelModel) Len() int {
	return len(m.rows)
}

// Count returns how many steps currently have the given status.
func (m StepsPanelModel) Count(status pipeline.Status) int {
	n := 0
	for _, r := range m.rows {
		if r.Status == status {
			n++
		}
	}
	return n
}

// AdvanceSpinner increments the spinner frame index.
func (m *StepsPanelModel) AdvanceSpinner() {
	m.spinnerIndex++
}

// SetWidth sets the available width for rendering.
func (m *StepsPanelModel) SetWidth(w int) {
	m.width = w
}

// View renders the step list.
func (m StepsPanelModel) View() string {
	var b strings.Builder
	name := m.name
	if name == "" {
		name = "(none)"
	}
	b.WriteString(TitleStyle.Render(fmt.Sprintf("=== PIPELINE: %s ===", name)))

	for i, r := range m.rows {
		line := fmt.Sprintf("  %s %d. %s", StatusIcon(r.Status), i+1, r.Model)
		if r.Criteria != "" {
			line += fmt.Sprintf(" (%s)", r.Criteria)
		}
		if r.Status == pipeline.StatusRunning {
			line += " " + SpinnerFrames[m.spinnerIndex%len(SpinnerFrames)]
		}
		b.WriteString("\n")
		b.WriteString(StyleForStatus(r.Status).Render(line))
	}

	if m.width > 0 {
		return BorderStyle.Width(m.width - 2).Render(b.String())
	}
	return BorderStyle.Render(b.String())
}
