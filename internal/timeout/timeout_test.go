package timeout

import (
	"testing"
	"time"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(Config{
		DefaultTimeout: 30 * time.Second,
		Rules: []Rule{
			{Pattern: "pg_stat", Timeout: 5 * time.Second},
			{Pattern: "(?i)\\bJOIN\\b", Timeout: 60 * time.Second},
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return m
}

func TestFor(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)
	tests := []struct {
		name      string
		statement string
		want      time.Duration
	}{
		{"first rule", "SELECT * FROM pg_stat_activity", 5 * time.Second},
		{"first match wins", "SELECT * FROM pg_stat_activity a JOIN x ON true", 5 * time.Second},
		{"second rule", "select * from a join b using (id)", 60 * time.Second},
		{"default", "SELECT 1", 30 * time.Second},
		{"empty statement", "", 30 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := m.For(tt.statement); got != tt.want {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
		})
	}
	if m.Default() != 30*time.Second {
		t.Fatalf("expected default 30s, got %v", m.Default())
	}
}

func TestNewManagerErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		config Config
	}{
		{"zero default", Config{}},
		{"invalid regex", Config{DefaultTimeout: time.Second, Rules: []Rule{{Pattern: "[bad", Timeout: time.Second}}}},
		{"zero rule timeout", Config{DefaultTimeout: time.Second, Rules: []Rule{{Pattern: "x"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := NewManager(tt.config); err == nil {
				t.Fatal("expected an error")
			}
		})
	}
}
