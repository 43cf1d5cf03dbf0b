// Package sanitize masks sensitive values in tool results before they leave
// the server.
package sanitize

import (
	"fmt"
	"regexp"
)

// Rule replaces every match of Pattern with Replacement. When Columns is set,
// the rule only applies to values of those result columns.
type Rule struct {
	Pattern     string
	Replacement string
	Columns     []string
}

type compiledRule struct {
	pattern     *regexp.Regexp
	replacement string
	columns     map[string]bool
}

func (r compiledRule) appliesTo(column string) bool {
	return r.columns == nil || r.columns[column]
}

// Sanitizer applies regex rules, in order, to string values.
type Sanitizer struct {
	rules []compiledRule
}

// NewSanitizer compiles rules. Returns an error on invalid regex patterns.
func NewSanitizer(rules []Rule) (*Sanitizer, error) {
	compiled := make([]compiledRule, len(rules))
	for i, r := range rules {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("sanitize: rule %d: invalid regex pattern %q: %w", i, r.Pattern, err)
		}
		cr := compiledRule{pattern: re, replacement: r.Replacement}
		if len(r.Columns) > 0 {
			cr.columns = make(map[string]bool, len(r.Columns))
			for _, c := range r.Columns {
				cr.columns[c] = true
			}
		}
		compiled[i] = cr
	}
	return &Sanitizer{rules: compiled}, nil
}

// HasRules reports whether any rule is configured.
func (s *Sanitizer) HasRules() bool {
	return s != nil && len(s.rules) > 0
}

// Apply sanitizes rows in place and returns how many values changed. Nested
// JSON values (maps and slices) are walked; numbers, booleans and nil pass
// through.
func (s *Sanitizer) Apply(rows []map[string]any) int {
	if !s.HasRules() {
		return 0
	}
	changed := 0
	for _, row := range rows {
		for col, v := range row {
			nv, n := s.value(col, v)
			row[col] = nv
			changed += n
		}
	}
	return changed
}

func (s *Sanitizer) value(column string, v any) (any, int) {
	switch val := v.(type) {
	case string:
		out := val
		for _, rule := range s.rules {
			if rule.appliesTo(column) {
				out = rule.pattern.ReplaceAllString(out, rule.replacement)
			}
		}
		if out != val {
			return out, 1
		}
		return val, 0
	case map[string]any:
		total := 0
		for k, item := range val {
			nv, n := s.value(column, item)
			val[k] = nv
			total += n
		}
		return val, total
	case []any:
		total := 0
		for i, item := range val {
			nv, n := s.value(column, item)
			val[i] = nv
			total += n
		}
		return val, total
	}
	return v, 0
}
