// Package timeout picks the statement timeout for a tool call.
package timeout

import (
	"fmt"
	"regexp"
	"time"
)

// Rule applies Timeout to statements matching Pattern.
type Rule struct {
	Pattern string
	Timeout time.Duration
}

// Config holds the fallback timeout and the ordered rules.
type Config struct {
	DefaultTimeout time.Duration
	Rules          []Rule
}

type compiledRule struct {
	pattern *regexp.Regexp
	timeout time.Duration
}

// Manager resolves timeouts. The first matching rule wins.
type Manager struct {
	rules          []compiledRule
	defaultTimeout time.Duration
}

// NewManager compiles the rules. Every timeout must be positive.
func NewManager(config Config) (*Manager, error) {
	if config.DefaultTimeout <= 0 {
		return nil, fmt.Errorf("timeout: default timeout must be positive, got %s", config.DefaultTimeout)
	}
	compiled := make([]compiledRule, len(config.Rules))
	for i, r := range config.Rules {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("timeout: rule %d: invalid regex pattern %q: %w", i, r.Pattern, err)
		}
		if r.Timeout <= 0 {
			return nil, fmt.Errorf("timeout: rule %d (%q): timeout must be positive", i, r.Pattern)
		}
		compiled[i] = compiledRule{pattern: re, timeout: r.Timeout}
	}
	return &Manager{rules: compiled, defaultTimeout: config.DefaultTimeout}, nil
}

// For returns the timeout for statement, or the default when statement is
// empty or nothing matches.
func (m *Manager) For(statement string) time.Duration {
	if statement == "" {
		return m.defaultTimeout
	}
	for _, rule := range m.rules {
		if rule.pattern.MatchString(statement) {
			return rule.timeout
		}
	}
	return m.defaultTimeout
}

// Default returns the fallback timeout.
func (m *Manager) Default() time.Duration {
	return m.defaultTimeout
}
