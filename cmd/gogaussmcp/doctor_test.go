package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	gaussmcp "github.com/rickchristie/opengauss-mcp"
)

func runDoctorOn(t *testing.T, path string) string {
	t.Helper()
	var buf bytes.Buffer
	if err := doctor(&buf, false, path); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return buf.String()
}

func TestDoctorValidConfig(t *testing.T) {
	t.Parallel()
	for _, name := range []string{"config.json", "config.toml"} {
		output := runDoctorOn(t, writeConfigFile(t, name, validServerConfig()))

		if strings.Contains(output, "✗") {
			t.Fatalf("%s: expected all checks to pass:\n%s", name, output)
		}
		format := "JSON"
		if strings.HasSuffix(name, ".toml") {
			format = "TOML"
		}
		for _, want := range []string{
			"gogaussmcp " + gaussmcp.Version,
			"Config file readable",
			"Config file is valid " + format,
			"driver is supported (pgx)",
			"connection.dbname is set (testdb)",
			"server settings are valid (streamable on port 8080)",
			"All regex patterns compile",
			"Agent Connection Snippets",
			"claude mcp add --transport http opengauss http://localhost:8080/mcp",
			`"opengauss"`,
			"Gemini CLI",
			"OpenCode",
			"Cursor",
		} {
			if !strings.Contains(output, want) {
				t.Fatalf("%s: expected %q in output:\n%s", name, want, output)
			}
		}
	}
}

func TestDoctorMissingConfig(t *testing.T) {
	t.Parallel()
	output := runDoctorOn(t, "/nonexistent/path/config.json")

	if !strings.Contains(output, "✗ Config file readable") {
		t.Fatalf("expected failed readability check:\n%s", output)
	}
	if strings.Contains(output, "Agent Connection Snippets") {
		t.Fatalf("expected no agent snippets when config is missing:\n%s", output)
	}
}

func TestDoctorInvalidJSON(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{invalid json}"), 0o644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}
	output := runDoctorOn(t, path)

	if !strings.Contains(output, "✗ Config file is valid JSON") {
		t.Fatalf("expected failed JSON check:\n%s", output)
	}
	if strings.Contains(output, "Agent Connection Snippets") {
		t.Fatalf("expected no agent snippets when JSON is invalid:\n%s", output)
	}
}

func TestDoctorReportsProblems(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(*gaussmcp.ServerConfig)
		want   string
	}{
		{
			name:   "missing dbname",
			mutate: func(c *gaussmcp.ServerConfig) { c.Connection.DBName = "" },
			want:   "✗ connection.dbname is set",
		},
		{
			name:   "sqlite without path",
			mutate: func(c *gaussmcp.ServerConfig) { c.Driver = "sqlite" },
			want:   "✗ connection.path is set",
		},
		{
			name:   "unknown driver",
			mutate: func(c *gaussmcp.ServerConfig) { c.Driver = "mysql" },
			want:   `✗ driver is supported ("mysql"`,
		},
		{
			name:   "health path",
			mutate: func(c *gaussmcp.ServerConfig) { c.Server.HealthCheckEnabled = true },
			want:   "health_check_path must be set",
		},
		{
			name:   "pool size",
			mutate: func(c *gaussmcp.ServerConfig) { c.Pool.MaxConns = 0 },
			want:   "✗ pool.max_conns is > 0",
		},
		{
			name: "hook timeout",
			mutate: func(c *gaussmcp.ServerConfig) {
				c.ServerHooks.BeforeQuery = []gaussmcp.HookEntry{{Pattern: ".*", Command: "/bin/true"}}
			},
			want: "✗ default_hook_timeout_seconds is > 0",
		},
		{
			name: "invalid regex",
			mutate: func(c *gaussmcp.ServerConfig) {
				c.ErrorPrompts = []gaussmcp.ErrorPromptRule{{Pattern: "[invalid(regex", Message: "test"}}
			},
			want: "✗ error_prompts[0] regex compiles",
		},
	}
	for _, tt := range tests {
		cfg := validServerConfig()
		tt.mutate(&cfg)
		output := runDoctorOn(t, writeConfigFile(t, "config.json", cfg))

		if !strings.Contains(output, tt.want) {
			t.Fatalf("%s: expected %q in output:\n%s", tt.name, tt.want, output)
		}
		if !strings.Contains(output, "Fix the issues above") {
			t.Fatalf("%s: expected fix message:\n%s", tt.name, output)
		}
	}
}

func TestDoctorSnippetsFollowServerSettings(t *testing.T) {
	t.Parallel()
	cfg := validServerConfig()
	cfg.Server.Port = 9999
	cfg.Server.Path = "/gauss"
	output := runDoctorOn(t, writeConfigFile(t, "config.json", cfg))

	// Claude Code command and .mcp.json, Gemini CLI, OpenCode, Cursor.
	expectedURL := "http://localhost:9999/gauss"
	if count := strings.Count(output, expectedURL); count != 5 {
		t.Fatalf("expected %s 5 times, found %d:\n%s", expectedURL, count, output)
	}

	cfg.Server.Transport = "sse"
	output = runDoctorOn(t, writeConfigFile(t, "config.json", cfg))
	if !strings.Contains(output, "claude mcp add --transport sse opengauss") {
		t.Fatalf("expected sse snippet:\n%s", output)
	}
}

func TestDoctorStdioSnippets(t *testing.T) {
	t.Parallel()
	cfg := validServerConfig()
	cfg.Server = gaussmcp.ServerSettings{Transport: "stdio"}
	path := writeConfigFile(t, "config.toml", cfg)
	output := runDoctorOn(t, path)

	if strings.Contains(output, "✗") {
		t.Fatalf("stdio config should pass without a port:\n%s", output)
	}
	if strings.Contains(output, "http://") {
		t.Fatalf("stdio snippets should not contain URLs:\n%s", output)
	}
	for _, want := range []string{`"command": "gogaussmcp"`, envConfigPath + "=" + path, "-- gogaussmcp serve"} {
		if !strings.Contains(output, want) {
			t.Fatalf("expected %q in output:\n%s", want, output)
		}
	}
}
