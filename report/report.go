// ABOUTME: Run report rendering: a pipeline's steps, prompts, outputs, and errors as Markdown and HTML.
// ABOUTME: Model output is treated as Markdown; raw HTML in it is dropped by the renderer.
package report

import (
	"bytes"
	"fmt"
	"html/template"
	"io"
	"strings"
	"time"

	"github.com/2389-research/stepwise/pipeline"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

var md = goldmark.New(goldmark.WithExtensions(extension.GFM))

var page = template.Must(template.New("report").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{.Name}} · stepwise</title>
<style>
body { font-family: system-ui, sans-serif; max-width: 56rem; margin: 2rem auto; padding: 0 1rem; line-height: 1.5; }
pre { background: #f4f4f5; padding: .75rem; overflow-x: auto; }
.status-completed { color: #15803d; } .status-failed { color: #b91c1c; }
.status-running { color: #a16207; } .status-pending { color: #6b7280; }
</style>
</head>
<body class="status-{{.Status}}">
{{.Body}}
</body>
</html>
`))

// Markdown renders the pipeline as a Markdown document.
func Markdown(p *pipeline.Pipeline) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", escapeInline(p.Name))
	fmt.Fprintf(&b, "**Status:** %s · **Steps:** %d · **Updated:** %s\n\n",
		p.Status, len(p.Steps), formatTime(p.UpdatedAt))

	for i, st := range p.Steps {
		fmt.Fprintf(&b, "## Step %d · `%s` · %s\n\n", i+1, st.Model, st.Status)
		fmt.Fprintf(&b, "Order %d, criteria `%s` (%s)\n\n", st.Order, criteriaLabel(st.Criteria), st.Criteria.Kind)

		b.WriteString("### Prompt template\n\n")
		writeFenced(&b, st.PromptTemplate)

		if st.InputContext != "" {
			b.WriteString("### Input context\n\n")
			writeFenced(&b, st.InputContext)
		}
		if st.OutputContent != "" {
			b.WriteString("### Output\n\n")
			b.WriteString(strings.TrimSpace(st.OutputContent))
			b.WriteString("\n\n")
		}
		if st.ErrorLog != "" {
			b.WriteString("### Error\n\n")
			writeFenced(&b, st.ErrorLog)
		}
	}
	return b.String()
}

// HTML renders the pipeline report as a standalone HTML page.
func HTML(w io.Writer, p *pipeline.Pipeline) error {
	var body bytes.Buffer
	if err := md.Convert([]byte(Markdown(p)), &body); err != nil {
		return fmt.Errorf("render markdown: %w", err)
	}
	return page.Execute(w, struct {
		Name   string
		Status pipeline.Status
		Body   template.HTML
	}{
		Name:   p.Name,
		Status: p.Status,
		Body:   template.HTML(body.String()),
	})
}

func criteriaLabel(c pipeline.Criteria) string {
	if c.String() == "" {
		return "always_pass"
	}
	return c.String()
}

// writeFenced writes s in a code fence longer than any backtick run inside it.
func writeFenced(b *strings.Builder, s string) {
	fence := strings.Repeat("`", max(3, longestRun(s, '`')+1))
	fmt.Fprintf(b, "%stext\n%s\n%s\n\n", fence, strings.TrimRight(s, "\n"), fence)
}

func longestRun(s string, c byte) int {
	best, cur := 0, 0
	for i := 0; i < len(s); i++ {
		if s[i] == c {
			cur++
			best = max(best, cur)
		} else {
			cur = 0
		}
	}
	return best
}

// escapeInline backslash-escapes characters that would start Markdown or HTML
// constructs in a heading.
func escapeInline(s string) string {
	r := strings.NewReplacer(
		`\`, `\\`, "`", "\\`", "*", `\*`, "_", `\_`, "<", `\<`, "[", `\[`, "#", `\#`,
	)
	return r.Replace(s)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.UTC().Format(time.RFC3339)
}
