package gaussmcp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config is the base configuration used by library mode via New().
type Config struct {
	// Driver selects the database driver: "pgx" (default), "pq" or "sqlite".
	Driver                    string             `json:"driver" toml:"driver"`
	Pool                      PoolConfig         `json:"pool" toml:"pool"`
	Protection                ProtectionConfig   `json:"protection" toml:"protection"`
	Query                     QueryConfig        `json:"query" toml:"query"`
	ErrorPrompts              []ErrorPromptRule  `json:"error_prompts" toml:"error_prompts"`
	Sanitization              []SanitizationRule `json:"sanitization" toml:"sanitization"`
	ReadOnly                  bool               `json:"read_only" toml:"read_only"`
	Timezone                  string             `json:"timezone" toml:"timezone"`
	DefaultHookTimeoutSeconds int                `json:"default_hook_timeout_seconds" toml:"default_hook_timeout_seconds"`
}

// ServerConfig embeds Config and adds server-only fields for CLI mode.
type ServerConfig struct {
	Config
	Connection  ConnectionConfig  `json:"connection" toml:"connection"`
	Server      ServerSettings    `json:"server" toml:"server"`
	Logging     LoggingConfig     `json:"logging" toml:"logging"`
	ServerHooks ServerHooksConfig `json:"server_hooks" toml:"server_hooks"`
}

// ConnectionConfig holds database connection parameters used by CLI mode.
// Credentials come from the environment or a prompt, never from the file.
type ConnectionConfig struct {
	Host    string `json:"host" toml:"host"`
	Port    int    `json:"port" toml:"port"`
	DBName  string `json:"dbname" toml:"dbname"`
	User    string `json:"user" toml:"user"`
	SSLMode string `json:"sslmode" toml:"sslmode"`
	// Path is the database file for the sqlite driver.
	Path string `json:"path" toml:"path"`
}

// PoolConfig holds connection pool settings.
type PoolConfig struct {
	MaxConns              int    `json:"max_conns" toml:"max_conns"`
	AcquireTimeoutSeconds int    `json:"acquire_timeout_seconds" toml:"acquire_timeout_seconds"`
	ProbeTimeoutSeconds   int    `json:"probe_timeout_seconds" toml:"probe_timeout_seconds"`
	MaxConnIdleTime       string `json:"max_conn_idle_time" toml:"max_conn_idle_time"`
}

// ServerSettings holds transport settings for CLI mode.
type ServerSettings struct {
	// Transport is "stdio", "sse" or "streamable" (default).
	Transport           string `json:"transport" toml:"transport"`
	Host                string `json:"host" toml:"host"`
	Port                int    `json:"port" toml:"port"`
	Path                string `json:"path" toml:"path"`
	MessagePath         string `json:"message_path" toml:"message_path"`
	BaseURL             string `json:"base_url" toml:"base_url"`
	Stateless           bool   `json:"stateless" toml:"stateless"`
	HealthCheckEnabled  bool   `json:"health_check_enabled" toml:"health_check_enabled"`
	HealthCheckPath     string `json:"health_check_path" toml:"health_check_path"`
	DrainTimeoutSeconds int    `json:"drain_timeout_seconds" toml:"drain_timeout_seconds"`
}

// LoggingConfig holds logging settings for CLI mode.
type LoggingConfig struct {
	Level  string `json:"level" toml:"level"`   // debug, info, warn, error
	Format string `json:"format" toml:"format"` // json, text
	Output string `json:"output" toml:"output"` // stderr, stdout, or file path
}

// ProtectionConfig controls which SQL operations are allowed.
// All fields default to false (blocked). Set to true to allow.
type ProtectionConfig struct {
	AllowSet                bool `json:"allow_set" toml:"allow_set"`
	AllowDrop               bool `json:"allow_drop" toml:"allow_drop"`
	AllowTruncate           bool `json:"allow_truncate" toml:"allow_truncate"`
	AllowDo                 bool `json:"allow_do" toml:"allow_do"`
	AllowCopyFrom           bool `json:"allow_copy_from" toml:"allow_copy_from"`
	AllowCopyTo             bool `json:"allow_copy_to" toml:"allow_copy_to"`
	AllowCreateFunction     bool `json:"allow_create_function" toml:"allow_create_function"`
	AllowDeleteWithoutWhere bool `json:"allow_delete_without_where" toml:"allow_delete_without_where"`
	AllowUpdateWithoutWhere bool `json:"allow_update_without_where" toml:"allow_update_without_where"`
	AllowGrantRevoke        bool `json:"allow_grant_revoke" toml:"allow_grant_revoke"`
	AllowManageRoles        bool `json:"allow_manage_roles" toml:"allow_manage_roles"`
	AllowDDL                bool `json:"allow_ddl" toml:"allow_ddl"`
	AllowPrepare            bool `json:"allow_prepare" toml:"allow_prepare"`
	AllowAlterSystem        bool `json:"allow_alter_system" toml:"allow_alter_system"`
	AllowMerge              bool `json:"allow_merge" toml:"allow_merge"`
	AllowCreateExtension    bool `json:"allow_create_extension" toml:"allow_create_extension"`
	AllowLockTable          bool `json:"allow_lock_table" toml:"allow_lock_table"`
	AllowListenNotify       bool `json:"allow_listen_notify" toml:"allow_listen_notify"`
	AllowMaintenance        bool `json:"allow_maintenance" toml:"allow_maintenance"`
	AllowDiscard            bool `json:"allow_discard" toml:"allow_discard"`
	AllowComment            bool `json:"allow_comment" toml:"allow_comment"`
	AllowCreateTrigger      bool `json:"allow_create_trigger" toml:"allow_create_trigger"`
	AllowCreateRule         bool `json:"allow_create_rule" toml:"allow_create_rule"`
	// AllowUnparsed passes statements the PostgreSQL grammar rejects (openGauss
	// or SQLite extensions) to the database unchecked.
	AllowUnparsed bool `json:"allow_unparsed" toml:"allow_unparsed"`
}

// QueryConfig holds query execution settings.
type QueryConfig struct {
	DefaultTimeoutSeconds       int           `json:"default_timeout_seconds" toml:"default_timeout_seconds"`
	ListTablesTimeoutSeconds    int           `json:"list_tables_timeout_seconds" toml:"list_tables_timeout_seconds"`
	DescribeTableTimeoutSeconds int           `json:"describe_table_timeout_seconds" toml:"describe_table_timeout_seconds"`
	MaxSQLLength                int           `json:"max_sql_length" toml:"max_sql_length"`
	MaxResultLength             int           `json:"max_result_length" toml:"max_result_length"`
	TimeoutRules                []TimeoutRule `json:"timeout_rules" toml:"timeout_rules"`
}

// TimeoutRule maps a SQL pattern to a specific timeout duration.
type TimeoutRule struct {
	Pattern        string `json:"pattern" toml:"pattern"`
	TimeoutSeconds int    `json:"timeout_seconds" toml:"timeout_seconds"`
}

// ErrorPromptRule maps an error pattern to a guidance message. The pattern is
// matched against "<kind>: <message>".
type ErrorPromptRule struct {
	Pattern string `json:"pattern" toml:"pattern"`
	Message string `json:"message" toml:"message"`
}

// SanitizationRule defines a regex-based field sanitization rule. Columns
// limits the rule to the named result columns; empty means every column.
type SanitizationRule struct {
	Pattern     string   `json:"pattern" toml:"pattern"`
	Replacement string   `json:"replacement" toml:"replacement"`
	Columns     []string `json:"columns" toml:"columns"`
	Description string   `json:"description" toml:"description"`
}

// ServerHooksConfig holds command-based hook configuration.
type ServerHooksConfig struct {
	BeforeQuery []HookEntry `json:"before_query" toml:"before_query"`
	AfterQuery  []HookEntry `json:"after_query" toml:"after_query"`
}

// HookEntry defines a single command-based hook.
type HookEntry struct {
	Pattern        string   `json:"pattern" toml:"pattern"`
	Command        string   `json:"command" toml:"command"`
	Args           []string `json:"args" toml:"args"`
	TimeoutSeconds int      `json:"timeout_seconds" toml:"timeout_seconds"`
}

// LoadServerConfig reads a ServerConfig from path. Files ending in .toml are
// decoded as TOML; anything else as JSON.
func LoadServerConfig(path string) (*ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	var config ServerConfig
	if isTOML(path) {
		if _, err := toml.Decode(string(data), &config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
		return &config, nil
	}
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return &config, nil
}

// WriteServerConfig writes config to path in the format its extension
// selects, creating the parent directory if needed.
func WriteServerConfig(path string, config *ServerConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	var buf bytes.Buffer
	if isTOML(path) {
		if err := toml.NewEncoder(&buf).Encode(config); err != nil {
			return fmt.Errorf("failed to encode config: %w", err)
		}
	} else {
		data, err := json.MarshalIndent(config, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode config: %w", err)
		}
		buf.Write(append(data, '\n'))
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write file %s: %w", path, err)
	}
	return nil
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}
