// Package errprompt attaches guidance hints to failed tool calls so an agent
// can correct itself instead of retrying blindly.
package errprompt

import (
	"fmt"
	"regexp"
	"strings"
)

// Rule matches Pattern against "<kind>: <message>" of a failed call, e.g.
// "syntax_or_constraint: relation \"foo\" does not exist (42P01)", and
// contributes Message as a hint.
type Rule struct {
	Pattern string
	Message string
}

type compiledRule struct {
	pattern *regexp.Regexp
	message string
}

// Matcher evaluates rules top to bottom.
type Matcher struct {
	rules []compiledRule
}

// NewMatcher compiles rules. Returns an error on invalid regex patterns.
func NewMatcher(rules []Rule) (*Matcher, error) {
	compiled := make([]compiledRule, len(rules))
	for i, r := range rules {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("errprompt: rule %d: invalid regex pattern %q: %w", i, r.Pattern, err)
		}
		compiled[i] = compiledRule{pattern: re, message: r.Message}
	}
	return &Matcher{rules: compiled}, nil
}

// Hint returns every matching rule's message joined by newlines, or "".
func (m *Matcher) Hint(kind, message string) string {
	if m == nil || len(m.rules) == 0 {
		return ""
	}
	subject := kind + ": " + message
	var hints []string
	for _, rule := range m.rules {
		if rule.pattern.MatchString(subject) {
			hints = append(hints, rule.message)
		}
	}
	return strings.Join(hints, "\n")
}

// MatchedPatterns returns the patterns that match, for diagnostics.
func (m *Matcher) MatchedPatterns(kind, message string) []string {
	if m == nil {
		return nil
	}
	subject := kind + ": " + message
	var patterns []string
	for _, rule := range m.rules {
		if rule.pattern.MatchString(subject) {
			patterns = append(patterns, rule.pattern.String())
		}
	}
	return patterns
}
