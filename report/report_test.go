// ABOUTME: Tests for Markdown and HTML run reports.
// ABOUTME: Checks step sections, fence escaping, and that raw HTML from model output is not emitted.
package report

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/2389-research/stepwise/pipeline"
)

func samplePipeline() *pipeline.Pipeline {
	return &pipeline.Pipeline{
		ID:        "p1",
		Name:      "Docs <b>draft</b>",
		Status:    pipeline.StatusFailed,
		UpdatedAt: time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC),
		Steps: []pipeline.Step{
			{
				ID: "s1", Order: 1, Model: "kimi-k2p5",
				PromptTemplate: "Write ```go code``` about {previous_context}",
				Criteria:       pipeline.ParseCriteria("CODE_BLOCK"),
				Status:         pipeline.StatusCompleted,
				OutputContent:  "Here is **bold** text <script>alert(1)</script>",
			},
			{
				ID: "s2", Order: 2, Model: "kimi-k2p5",
				PromptTemplate: "Review {previous_context}",
				Criteria:       pipeline.ParseCriteria("CONTAINS:ok"),
				Status:         pipeline.StatusFailed,
				InputContext:   "Here is bold text",
				ErrorLog:       "Criteria 'CONTAINS:ok' failed.",
			},
		},
	}
}

func TestMarkdownSections(t *testing.T) {
	out := Markdown(samplePipeline())

	for _, want := range []string{
		"**Status:** failed",
		"## Step 1 · `kimi-k2p5` · completed",
		"criteria `CONTAINS:ok` (contains)",
		"### Input context",
		"### Error",
		"2026-03-04T05:06:07Z",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("markdown missing %q\n%s", want, out)
		}
	}
	if !strings.Contains(out, "````text\nWrite ```go code```") {
		t.Errorf("prompt with backticks not fenced safely:\n%s", out)
	}
	if strings.Count(out, "### Output") != 1 {
		t.Errorf("expected one output section:\n%s", out)
	}
}

func TestHTMLRendersMarkdownSafely(t *testing.T) {
	var buf bytes.Buffer
	if err := HTML(&buf, samplePipeline()); err != nil {
		t.Fatalf("HTML: %v", err)
	}
	html := buf.String()

	if !strings.Contains(html, "<strong>bold</strong>") {
		t.Errorf("model markdown not rendered:\n%s", html)
	}
	if strings.Contains(html, "<script>") {
		t.Errorf("raw script tag leaked into report:\n%s", html)
	}
	if strings.Contains(html, "<b>draft</b>") {
		t.Errorf("pipeline name not escaped:\n%s", html)
	}
	if !strings.Contains(html, `class="status-failed"`) {
		t.Errorf("status class missing")
	}
}

func TestEmptyCriteriaLabel(t *testing.T) {
	p := &pipeline.Pipeline{Name: "x", Steps: []pipeline.Step{{Model: "m", Criteria: pipeline.ParseCriteria("")}}}
	if out := Markdown(p); !strings.Contains(out, "criteria `always_pass`") {
		t.Errorf("markdown = %s", out)
	}
}
