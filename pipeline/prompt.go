// ABOUTME: Prompt construction from a step template and the running context.
// ABOUTME: Substitutes the previous-context placeholder and applies the empty-context sentinel.
package pipeline

import "strings"

const (
	// ContextPlaceholder marks where the running context goes in a prompt template.
	ContextPlaceholder = "{previous_context}"

	// NoContextSentinel replaces an empty running context for every step after the first.
	NoContextSentinel = "No context provided."
)

// EffectiveContext returns the context to substitute for the step at index.
// The first step always gets the running context as is, even when it is empty.
func EffectiveContext(index int, running string) string {
	if index > 0 && running == "" {
		return NoContextSentinel
	}
	return running
}

// RenderPrompt substitutes context into every placeholder in template.
func RenderPrompt(template, context string) string {
	return strings.ReplaceAll(template, ContextPlaceholder, context)
}
