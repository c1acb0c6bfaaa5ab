// ABOUTME: Completion criteria mini-language parsed once into a tagged variant.
// ABOUTME: Evaluate is pure; unknown or malformed criteria always pass.
package pipeline

import (
	"fmt"
	"strings"
)

// CriteriaKind identifies which completion rule a Criteria applies.
type CriteriaKind int

const (
	CriteriaAlwaysPass CriteriaKind = iota
	CriteriaCodeBlock
	CriteriaContains
	CriteriaUnknown
)

const (
	alwaysPassKeyword = "always_pass"
	codeBlockKeyword  = "CODE_BLOCK"
	containsPrefix    = "CONTAINS:"

	// codeFence is the marker a reply must contain to satisfy CODE_BLOCK.
	codeFence = "```"
)

// String returns the lowercase name of the kind.
func (k CriteriaKind) String() string {
	switch k {
	case CriteriaAlwaysPass:
		return "always_pass"
	case CriteriaCodeBlock:
		return "code_block"
	case CriteriaContains:
		return "contains"
	default:
		return "unknown"
	}
}

// Criteria is a parsed completion rule. The zero value always passes.
type Criteria struct {
	Kind CriteriaKind
	// Arg is the substring for CriteriaContains.
	Arg string
	// Raw is the text the criteria was parsed from.
	Raw string
}

// ParseCriteria parses a criteria specification. It never fails: anything it does
// not recognize, including REGEX: forms, becomes CriteriaUnknown.
func ParseCriteria(raw string) Criteria {
	switch {
	case raw == "" || raw == alwaysPassKeyword:
		return Criteria{Kind: CriteriaAlwaysPass, Raw: raw}
	case raw == codeBlockKeyword:
		return Criteria{Kind: CriteriaCodeBlock, Raw: raw}
	case strings.HasPrefix(raw, containsPrefix):
		return Criteria{Kind: CriteriaContains, Arg: strings.TrimPrefix(raw, containsPrefix), Raw: raw}
	default:
		return Criteria{Kind: CriteriaUnknown, Raw: raw}
	}
}

// Evaluate reports whether output satisfies the criteria.
func (c Criteria) Evaluate(output string) bool {
	switch c.Kind {
	case CriteriaCodeBlock:
		return strings.Contains(output, codeFence)
	case CriteriaContains:
		return strings.Contains(strings.ToLower(output), strings.ToLower(c.Arg))
	default:
		return true
	}
}

// FailureMessage describes a reply that did not satisfy the criteria.
func (c Criteria) FailureMessage() string {
	return fmt.Sprintf("Criteria '%s' failed.", c.String())
}

// String returns the specification text the criteria was parsed from.
func (c Criteria) String() string {
	if c.Raw != "" || c.Kind == CriteriaAlwaysPass {
		return c.Raw
	}
	switch c.Kind {
	case CriteriaCodeBlock:
		return codeBlockKeyword
	case CriteriaContains:
		return containsPrefix + c.Arg
	}
	return ""
}

// MarshalText encodes the criteria as its specification text.
func (c Criteria) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText parses specification text into the criteria.
func (c *Criteria) UnmarshalText(text []byte) error {
	*c = ParseCriteria(string(text))
	return nil
}
