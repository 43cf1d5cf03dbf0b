// Package configure is the interactive wizard behind "gogaussmcp configure".
// It walks every ServerConfig field, keeps the existing value on empty
// input, and writes the result as JSON or TOML depending on the file name.
package configure

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	gaussmcp "github.com/rickchristie/opengauss-mcp"
)

// Run runs the wizard on stdin/stderr and writes configPath.
func Run(configPath string) error {
	return run(configPath, os.Stdin, os.Stderr)
}

func run(configPath string, input io.Reader, output io.Writer) error {
	cfg, err := gaussmcp.LoadServerConfig(configPath)
	isNew := err != nil
	if isNew {
		cfg = Defaults()
	}
	w := &wizard{scanner: bufio.NewScanner(input), out: output, isNew: isNew}

	fmt.Fprintf(output, "gogaussmcp configuration wizard\n")
	fmt.Fprintf(output, "Config file: %s\n", configPath)

	w.section("Database")
	cfg.Driver = w.choice("driver", cfg.Driver, drivers)
	if cfg.Driver == "sqlite" {
		cfg.Connection.Path = w.text("connection.path", cfg.Connection.Path, "database file")
	} else {
		cfg.Connection.Host = w.text("connection.host", cfg.Connection.Host, "")
		cfg.Connection.Port = w.number("connection.port", cfg.Connection.Port, positive)
		cfg.Connection.DBName = w.text("connection.dbname", cfg.Connection.DBName, "required")
		cfg.Connection.User = w.text("connection.user", cfg.Connection.User, "empty = ask or OPENGAUSS_USER")
		cfg.Connection.SSLMode = w.choice("connection.sslmode", cfg.Connection.SSLMode, sslModes)
	}
	cfg.ReadOnly = w.flag("read_only", cfg.ReadOnly)
	cfg.Timezone = w.validated("timezone", cfg.Timezone, "IANA name, empty = server default", validTimezone)

	w.section("Server")
	cfg.Server.Transport = w.choice("server.transport", cfg.Server.Transport, transports)
	if cfg.Server.Transport != "stdio" {
		cfg.Server.Host = w.text("server.host", cfg.Server.Host, "empty = all interfaces")
		cfg.Server.Port = w.number("server.port", cfg.Server.Port, positive)
		cfg.Server.Path = w.text("server.path", cfg.Server.Path, "MCP endpoint")
		if cfg.Server.Transport == "sse" {
			cfg.Server.MessagePath = w.text("server.message_path", cfg.Server.MessagePath, "")
			cfg.Server.BaseURL = w.text("server.base_url", cfg.Server.BaseURL, "public URL, empty = derived")
		} else {
			cfg.Server.Stateless = w.flag("server.stateless", cfg.Server.Stateless)
		}
		cfg.Server.HealthCheckEnabled = w.flag("server.health_check_enabled", cfg.Server.HealthCheckEnabled)
		if cfg.Server.HealthCheckEnabled {
			cfg.Server.HealthCheckPath = w.text("server.health_check_path", cfg.Server.HealthCheckPath, "e.g. /healthz")
		}
	}
	cfg.Server.DrainTimeoutSeconds = w.number("server.drain_timeout_seconds", cfg.Server.DrainTimeoutSeconds, positive)

	w.section("Logging")
	cfg.Logging.Level = w.choice("logging.level", cfg.Logging.Level, logLevels)
	cfg.Logging.Format = w.choice("logging.format", cfg.Logging.Format, logFormats)
	cfg.Logging.Output = w.text("logging.output", cfg.Logging.Output, "stdout, stderr, or file path")

	w.section("Pool")
	cfg.Pool.MaxConns = w.number("pool.max_conns", cfg.Pool.MaxConns, positive)
	cfg.Pool.AcquireTimeoutSeconds = w.number("pool.acquire_timeout_seconds", cfg.Pool.AcquireTimeoutSeconds, positive)
	cfg.Pool.ProbeTimeoutSeconds = w.number("pool.probe_timeout_seconds", cfg.Pool.ProbeTimeoutSeconds, positive)
	cfg.Pool.MaxConnIdleTime = w.validated("pool.max_conn_idle_time", cfg.Pool.MaxConnIdleTime, "Go duration, empty = never", validDuration)

	w.section("Query")
	cfg.Query.DefaultTimeoutSeconds = w.number("query.default_timeout_seconds", cfg.Query.DefaultTimeoutSeconds, positive)
	cfg.Query.ListTablesTimeoutSeconds = w.number("query.list_tables_timeout_seconds", cfg.Query.ListTablesTimeoutSeconds, positive)
	cfg.Query.DescribeTableTimeoutSeconds = w.number("query.describe_table_timeout_seconds", cfg.Query.DescribeTableTimeoutSeconds, positive)
	cfg.Query.MaxSQLLength = w.number("query.max_sql_length", cfg.Query.MaxSQLLength, positive)
	cfg.Query.MaxResultLength = w.number("query.max_result_length", cfg.Query.MaxResultLength, positive)
	cfg.DefaultHookTimeoutSeconds = w.number("default_hook_timeout_seconds", cfg.DefaultHookTimeoutSeconds, nonNegative)

	w.section("Protection")
	for _, f := range protectionFlags(&cfg.Protection) {
		*f.value = w.flag("protection."+f.name, *f.value)
	}

	w.section("Timeout Rules")
	cfg.Query.TimeoutRules = editList(w, "timeout rule", cfg.Query.TimeoutRules,
		func(r gaussmcp.TimeoutRule) string {
			return fmt.Sprintf("pattern=%q timeout_seconds=%d", r.Pattern, r.TimeoutSeconds)
		},
		func() gaussmcp.TimeoutRule {
			return gaussmcp.TimeoutRule{Pattern: w.regex("pattern"), TimeoutSeconds: w.required("timeout_seconds")}
		})

	w.section("Error Prompts")
	cfg.ErrorPrompts = editList(w, "error prompt", cfg.ErrorPrompts,
		func(r gaussmcp.ErrorPromptRule) string {
			return fmt.Sprintf("pattern=%q message=%q", r.Pattern, r.Message)
		},
		func() gaussmcp.ErrorPromptRule {
			return gaussmcp.ErrorPromptRule{Pattern: w.regex("pattern"), Message: w.field("message")}
		})

	w.section("Sanitization Rules")
	cfg.Sanitization = editList(w, "sanitization rule", cfg.Sanitization,
		func(r gaussmcp.SanitizationRule) string {
			return fmt.Sprintf("pattern=%q replacement=%q columns=%v description=%q", r.Pattern, r.Replacement, r.Columns, r.Description)
		},
		func() gaussmcp.SanitizationRule {
			return gaussmcp.SanitizationRule{
				Pattern:     w.regex("pattern"),
				Replacement: w.field("replacement"),
				Columns:     splitList(w.field("columns (comma-separated, empty = all)")),
				Description: w.field("description"),
			}
		})

	for _, stage := range []struct {
		label   string
		entries *[]gaussmcp.HookEntry
	}{
		{"server_hooks.before_query", &cfg.ServerHooks.BeforeQuery},
		{"server_hooks.after_query", &cfg.ServerHooks.AfterQuery},
	} {
		w.section("Hooks: " + stage.label)
		*stage.entries = editList(w, stage.label, *stage.entries,
			func(e gaussmcp.HookEntry) string {
				return fmt.Sprintf("pattern=%q command=%q args=%v timeout_seconds=%d", e.Pattern, e.Command, e.Args, e.TimeoutSeconds)
			},
			func() gaussmcp.HookEntry {
				return gaussmcp.HookEntry{
					Pattern:        w.regex("pattern"),
					Command:        w.field("command"),
					Args:           splitList(w.field("args (comma-separated)")),
					TimeoutSeconds: w.optional("timeout_seconds (0 = default)"),
				}
			})
	}

	if err := gaussmcp.WriteServerConfig(configPath, cfg); err != nil {
		return err
	}
	fmt.Fprintf(output, "\nConfiguration saved to %s\n", configPath)
	return nil
}

// Defaults is the starting point for a new configuration.
func Defaults() *gaussmcp.ServerConfig {
	cfg := &gaussmcp.ServerConfig{}
	cfg.Driver = "pgx"
	cfg.Connection.Host = "localhost"
	cfg.Connection.Port = 5432
	cfg.Connection.SSLMode = "prefer"
	cfg.Server.Transport = "streamable"
	cfg.Server.Port = 8080
	cfg.Server.Path = "/mcp"
	cfg.Server.MessagePath = "/message"
	cfg.Server.DrainTimeoutSeconds = 10
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"
	cfg.Logging.Output = "stderr"
	cfg.Pool.MaxConns = 5
	cfg.Pool.AcquireTimeoutSeconds = 30
	cfg.Pool.ProbeTimeoutSeconds = 5
	cfg.Pool.MaxConnIdleTime = "30m"
	cfg.Query.DefaultTimeoutSeconds = 30
	cfg.Query.ListTablesTimeoutSeconds = 10
	cfg.Query.DescribeTableTimeoutSeconds = 10
	cfg.Query.MaxSQLLength = 100000
	cfg.Query.MaxResultLength = 100000
	return cfg
}

var (
	drivers    = []string{"pgx", "pq", "sqlite"}
	transports = []string{"stdio", "sse", "streamable"}
	sslModes   = []string{"disable", "allow", "prefer", "require", "verify-ca", "verify-full"}
	logLevels  = []string{"debug", "info", "warn", "error"}
	logFormats = []string{"json", "text"}
)

type boolField struct {
	name  string
	value *bool
}

func protectionFlags(p *gaussmcp.ProtectionConfig) []boolField {
	return []boolField{
		{"allow_set", &p.AllowSet},
		{"allow_drop", &p.AllowDrop},
		{"allow_truncate", &p.AllowTruncate},
		{"allow_do", &p.AllowDo},
		{"allow_copy_from", &p.AllowCopyFrom},
		{"allow_copy_to", &p.AllowCopyTo},
		{"allow_create_function", &p.AllowCreateFunction},
		{"allow_delete_without_where", &p.AllowDeleteWithoutWhere},
		{"allow_update_without_where", &p.AllowUpdateWithoutWhere},
		{"allow_grant_revoke", &p.AllowGrantRevoke},
		{"allow_manage_roles", &p.AllowManageRoles},
		{"allow_ddl", &p.AllowDDL},
		{"allow_prepare", &p.AllowPrepare},
		{"allow_alter_system", &p.AllowAlterSystem},
		{"allow_merge", &p.AllowMerge},
		{"allow_create_extension", &p.AllowCreateExtension},
		{"allow_lock_table", &p.AllowLockTable},
		{"allow_listen_notify", &p.AllowListenNotify},
		{"allow_maintenance", &p.AllowMaintenance},
		{"allow_discard", &p.AllowDiscard},
		{"allow_comment", &p.AllowComment},
		{"allow_create_trigger", &p.AllowCreateTrigger},
		{"allow_create_rule", &p.AllowCreateRule},
		{"allow_unparsed", &p.AllowUnparsed},
	}
}

// wizard reads answers line by line. Empty input keeps the shown value.
type wizard struct {
	scanner *bufio.Scanner
	out     io.Writer
	isNew   bool
}

func (w *wizard) section(title string) {
	fmt.Fprintf(w.out, "\n=== %s ===\n", title)
}

func (w *wizard) readLine() string {
	if w.scanner.Scan() {
		return strings.TrimSpace(w.scanner.Text())
	}
	return ""
}

func (w *wizard) label() string {
	if w.isNew {
		return "default"
	}
	return "current"
}

// ask prompts until parse accepts the answer. An empty answer returns "" and
// true so the caller keeps its current value.
func (w *wizard) ask(prompt string, parse func(string) error) (string, bool) {
	for {
		fmt.Fprint(w.out, prompt)
		input := w.readLine()
		if input == "" {
			return "", false
		}
		if err := parse(input); err != nil {
			fmt.Fprintf(w.out, "  %v, try again.\n", err)
			continue
		}
		return input, true
	}
}

func (w *wizard) prompt(field, hint, current string) string {
	if hint != "" {
		return fmt.Sprintf("%s [%s] (%s: %s): ", field, hint, w.label(), current)
	}
	return fmt.Sprintf("%s (%s: %s): ", field, w.label(), current)
}

func (w *wizard) text(field, current, hint string) string {
	return w.validated(field, current, hint, func(string) error { return nil })
}

func (w *wizard) validated(field, current, hint string, check func(string) error) string {
	if v, ok := w.ask(w.prompt(field, hint, strconv.Quote(current)), check); ok {
		return v
	}
	return current
}

func (w *wizard) choice(field, current string, allowed []string) string {
	hint := "options: " + strings.Join(allowed, ", ")
	return w.validated(field, current, hint, func(s string) error {
		for _, a := range allowed {
			if s == a {
				return nil
			}
		}
		return fmt.Errorf("invalid value %q, must be one of: %s", s, strings.Join(allowed, ", "))
	})
}

func (w *wizard) flag(field string, current bool) bool {
	v, ok := w.ask(w.prompt(field, "", strconv.FormatBool(current)), func(s string) error {
		_, err := parseBool(s)
		return err
	})
	if !ok {
		return current
	}
	b, _ := parseBool(v)
	return b
}

type bound struct {
	min  int
	hint string
}

var (
	positive    = bound{min: 1, hint: "must be > 0"}
	nonNegative = bound{min: 0, hint: "must be >= 0"}
)

func (w *wizard) number(field string, current int, b bound) int {
	v, ok := w.ask(w.prompt(field, b.hint, strconv.Itoa(current)), b.check)
	if !ok {
		return current
	}
	n, _ := strconv.Atoi(v)
	return n
}

func (b bound) check(s string) error {
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("invalid integer %q", s)
	}
	if n < b.min {
		return fmt.Errorf("value %s", b.hint)
	}
	return nil
}

func (w *wizard) field(name string) string {
	fmt.Fprintf(w.out, "  %s: ", name)
	return w.readLine()
}

func (w *wizard) regex(name string) string {
	v, _ := w.ask(fmt.Sprintf("  %s (regex): ", name), func(s string) error {
		if _, err := regexp.Compile(s); err != nil {
			return fmt.Errorf("invalid regex %q: %v", s, err)
		}
		return nil
	})
	return v
}

// required prompts for a positive integer and does not accept empty input.
func (w *wizard) required(name string) int {
	for {
		if v, ok := w.ask(fmt.Sprintf("  %s (must be > 0): ", name), positive.check); ok {
			n, _ := strconv.Atoi(v)
			return n
		}
		fmt.Fprintf(w.out, "  Value is required and must be > 0, try again.\n")
	}
}

func (w *wizard) optional(name string) int {
	v, ok := w.ask(fmt.Sprintf("  %s: ", name), nonNegative.check)
	if !ok {
		return 0
	}
	n, _ := strconv.Atoi(v)
	return n
}

// editList shows items and lets the user add or remove entries until they
// continue.
func editList[T any](w *wizard, label string, items []T, show func(T) string, add func() T) []T {
	for {
		if len(items) == 0 {
			fmt.Fprintf(w.out, "  (no entries)\n")
		}
		for i, item := range items {
			fmt.Fprintf(w.out, "  [%d] %s\n", i, show(item))
		}
		fmt.Fprintf(w.out, "[a]dd, [r]emove, [c]ontinue? ")
		switch strings.ToLower(w.readLine()) {
		case "a":
			items = append(items, add())
		case "r":
			if len(items) == 0 {
				fmt.Fprintf(w.out, "  No %s entries to remove.\n", label)
				continue
			}
			fmt.Fprintf(w.out, "  Index to remove: ")
			idx, err := strconv.Atoi(w.readLine())
			if err != nil || idx < 0 || idx >= len(items) {
				fmt.Fprintf(w.out, "  Invalid index.\n")
				continue
			}
			items = append(items[:idx], items[idx+1:]...)
		case "c", "":
			return items
		default:
			fmt.Fprintf(w.out, "  Unknown choice, try again.\n")
		}
	}
}

func parseBool(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "true", "t", "yes", "y", "1":
		return true, nil
	case "false", "f", "no", "n", "0":
		return false, nil
	}
	return false, fmt.Errorf("invalid value %q, use true/false/yes/no", s)
}

func validTimezone(s string) error {
	if _, err := time.LoadLocation(s); err != nil {
		return fmt.Errorf("invalid timezone %q", s)
	}
	return nil
}

func validDuration(s string) error {
	if _, err := time.ParseDuration(s); err != nil {
		return fmt.Errorf("invalid Go duration %q", s)
	}
	return nil
}

func splitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
