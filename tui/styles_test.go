// ABOUTME: Tests for lipgloss style definitions and the status style and icon helpers.
// ABOUTME: Validates the status-to-style mapping and fallbacks for unknown statuses.
package tui

import (
	"testing"

	"github.com/2389-research/stepwise/pipeline"
	"github.com/charmbracelet/lipgloss"
)

func TestStyleForStatus(t *testing.T) {
	tests := []struct {
		status pipeline.Status
		want   lipgloss.Style
	}{
		{pipeline.StatusPending, PendingStyle},
		{pipeline.StatusRunning, RunningStyle},
		{pipeline.StatusCompleted, CompletedStyle},
		{pipeline.StatusFailed, FailedStyle},
		{pipeline.Status("bogus"), PendingStyle},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			got := StyleForStatus(tt.status).Render("test")
			want := tt.want.Render("test")
			if got != want {
				t.Errorf("StyleForStatus(%q) rendered %q, want %q", tt.status, got, want)
			}
		})
	}
}

func TestStatusIcon(t *testing.T) {
	tests := []struct {
		status pipeline.Status
		want   string
	}{
		{pipeline.StatusPending, "[ ]"},
		{pipeline.StatusRunning, "[~]"},
		{pipeline.StatusCompleted, "[*]"},
		{pipeline.StatusFailed, "[!]"},
		{pipeline.Status(""), "[?]"},
	}
	for _, tt := range tests {
		if got := StatusIcon(tt.status); got != tt.want {
			t.Errorf("StatusIcon(%q) = %q, want %q", tt.status, got, tt.want)
		}
	}
}

func TestSpinnerFramesNonEmpty(t *testing.T) {
	if len(SpinnerFrames) == 0 {
		t.Fatal("SpinnerFrames is empty")
	}
	for i, f := range SpinnerFrames {
		if f == "" {
			t.Errorf("frame %d is empty", i)
		}
	}
}
