package gaussmcp

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rickchristie/opengauss-mcp/internal/bridge"
	"github.com/rickchristie/opengauss-mcp/internal/dialect"
	"github.com/rickchristie/opengauss-mcp/internal/dispatch"
	"github.com/rickchristie/opengauss-mcp/internal/driver"
	"github.com/rickchristie/opengauss-mcp/internal/driver/pgxconn"
	"github.com/rickchristie/opengauss-mcp/internal/driver/sqlconn"
	"github.com/rickchristie/opengauss-mcp/internal/errprompt"
	"github.com/rickchristie/opengauss-mcp/internal/hooks"
	"github.com/rickchristie/opengauss-mcp/internal/pool"
	"github.com/rickchristie/opengauss-mcp/internal/protocol"
	"github.com/rickchristie/opengauss-mcp/internal/registry"
	"github.com/rickchristie/opengauss-mcp/internal/sanitize"
	"github.com/rickchristie/opengauss-mcp/internal/session"
	"github.com/rickchristie/opengauss-mcp/internal/sqlguard"
	"github.com/rickchristie/opengauss-mcp/internal/timeout"
)

// Version is reported to MCP clients during initialize.
const Version = "1.0.0"

const (
	defaultMaxLength             = 100000
	defaultAcquireTimeoutSeconds = 30
	defaultProbeTimeoutSeconds   = 5
)

// GaussMcp is the core engine behind the MCP tools. All exported methods are
// safe for concurrent use from multiple goroutines.
type GaussMcp struct {
	config     Config
	connector  driver.Connector
	dialect    dialect.Dialect
	pool       *pool.Pool
	bridge     *bridge.Bridge
	registry   *registry.Registry
	sessions   *session.Manager
	dispatcher *dispatch.Dispatcher
	guard      *sqlguard.Checker
	hooks      *hooks.Runner
	logger     zerolog.Logger

	closeOnce sync.Once
	closeErr  error
}

// Option is a functional option for New().
type Option func(*options)

type options struct {
	serverHooks *ServerHooksConfig
	connector   driver.Connector
}

// WithServerHooks passes command-based hook configuration to GaussMcp.
func WithServerHooks(h ServerHooksConfig) Option {
	return func(o *options) {
		o.serverHooks = &h
	}
}

// WithConnector replaces the driver selected by Config.Driver. The dsn given
// to New is ignored.
func WithConnector(c driver.Connector) Option {
	return func(o *options) {
		o.connector = c
	}
}

// New creates a new GaussMcp instance. dsn is the connection string for the
// pgx and pq drivers and the database file for sqlite; it must include
// credentials. No connection is opened until the first tool call or Ping.
// Panics on invalid config. Returns error only for runtime failures.
func New(ctx context.Context, dsn string, config Config, logger zerolog.Logger, opts ...Option) (*GaussMcp, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	// --- Config validation (panics on invalid config) ---

	if dsn == "" && o.connector == nil {
		panic("gaussmcp: dsn must be non-empty")
	}
	switch config.Driver {
	case "", "pgx", "pq", "sqlite":
	default:
		panic(fmt.Sprintf("gaussmcp: unknown driver %q (want pgx, pq or sqlite)", config.Driver))
	}
	if config.Pool.MaxConns <= 0 {
		panic("gaussmcp: pool.max_conns must be > 0")
	}
	if config.Pool.AcquireTimeoutSeconds < 0 || config.Pool.ProbeTimeoutSeconds < 0 {
		panic("gaussmcp: pool timeouts must not be negative")
	}
	if config.Query.DefaultTimeoutSeconds <= 0 {
		panic("gaussmcp: query.default_timeout_seconds must be > 0")
	}
	if config.Query.ListTablesTimeoutSeconds <= 0 {
		panic("gaussmcp: query.list_tables_timeout_seconds must be > 0")
	}
	if config.Query.DescribeTableTimeoutSeconds <= 0 {
		panic("gaussmcp: query.describe_table_timeout_seconds must be > 0")
	}
	if config.Query.MaxSQLLength < 0 {
		panic("gaussmcp: query.max_sql_length must be > 0")
	}
	if config.Query.MaxResultLength < 0 {
		panic("gaussmcp: query.max_result_length must be > 0")
	}
	for _, rule := range config.Query.TimeoutRules {
		if rule.TimeoutSeconds <= 0 {
			panic(fmt.Sprintf("gaussmcp: timeout_rule with pattern %q has timeout_seconds <= 0", rule.Pattern))
		}
	}
	hasCmdHooks := o.serverHooks != nil && len(o.serverHooks.BeforeQuery)+len(o.serverHooks.AfterQuery) > 0
	if hasCmdHooks && config.DefaultHookTimeoutSeconds <= 0 {
		panic("gaussmcp: default_hook_timeout_seconds must be > 0 when hooks are configured")
	}

	// Apply defaults for zero values
	if config.Query.MaxSQLLength == 0 {
		config.Query.MaxSQLLength = defaultMaxLength
	}
	if config.Query.MaxResultLength == 0 {
		config.Query.MaxResultLength = defaultMaxLength
	}
	if config.Pool.AcquireTimeoutSeconds == 0 {
		config.Pool.AcquireTimeoutSeconds = defaultAcquireTimeoutSeconds
	}
	if config.Pool.ProbeTimeoutSeconds == 0 {
		config.Pool.ProbeTimeoutSeconds = defaultProbeTimeoutSeconds
	}
	var maxIdle time.Duration
	if config.Pool.MaxConnIdleTime != "" {
		d, err := time.ParseDuration(config.Pool.MaxConnIdleTime)
		if err != nil || d < 0 {
			panic(fmt.Sprintf("gaussmcp: invalid pool.max_conn_idle_time %q", config.Pool.MaxConnIdleTime))
		}
		maxIdle = d
	}

	sanitizer, err := sanitize.NewSanitizer(mapSanitizationRules(config.Sanitization))
	if err != nil {
		panic(fmt.Sprintf("gaussmcp: %v", err))
	}
	prompts, err := errprompt.NewMatcher(mapErrorPromptRules(config.ErrorPrompts))
	if err != nil {
		panic(fmt.Sprintf("gaussmcp: %v", err))
	}
	timeouts, err := timeout.NewManager(timeout.Config{
		DefaultTimeout: seconds(config.Query.DefaultTimeoutSeconds),
		Rules:          mapTimeoutRules(config.Query.TimeoutRules),
	})
	if err != nil {
		panic(fmt.Sprintf("gaussmcp: %v", err))
	}
	var hookRunner *hooks.Runner
	if hasCmdHooks {
		hookRunner, err = hooks.NewRunner(hooks.Config{
			DefaultTimeout: seconds(config.DefaultHookTimeoutSeconds),
			Before:         mapHookEntries(o.serverHooks.BeforeQuery),
			After:          mapHookEntries(o.serverHooks.AfterQuery),
		}, logger)
		if err != nil {
			panic(fmt.Sprintf("gaussmcp: %v", err))
		}
	}

	// --- Runtime setup ---

	connector := o.connector
	if connector == nil {
		connector, err = newConnector(dsn, config)
		if err != nil {
			return nil, err
		}
	}
	dia, err := dialect.For(connector.Dialect())
	if err != nil {
		return nil, fmt.Errorf("gaussmcp: %w", err)
	}

	p, err := pool.New(connector, pool.Config{
		MaxSize:        int32(config.Pool.MaxConns),
		AcquireTimeout: seconds(config.Pool.AcquireTimeoutSeconds),
		ProbeTimeout:   seconds(config.Pool.ProbeTimeoutSeconds),
		MaxIdleTime:    maxIdle,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	b, err := bridge.New(p, bridge.Options{
		Timeouts:        timeouts,
		Sanitizer:       sanitizer,
		MaxResultLength: config.Query.MaxResultLength,
	}, logger)
	if err != nil {
		p.Close()
		return nil, err
	}

	g := &GaussMcp{
		config:    config,
		connector: connector,
		dialect:   dia,
		pool:      p,
		bridge:    b,
		sessions:  session.NewManager(logger),
		guard:     sqlguard.NewChecker(guardConfig(config)),
		hooks:     hookRunner,
		logger:    logger,
	}
	reg, err := g.buildRegistry()
	if err != nil {
		p.Close()
		return nil, err
	}
	g.registry = reg
	g.dispatcher = dispatch.New(reg, b, g.sessions, dispatch.Options{Prompts: prompts}, logger)
	return g, nil
}

func newConnector(dsn string, config Config) (driver.Connector, error) {
	switch config.Driver {
	case "pq":
		var init []string
		if config.ReadOnly {
			init = append(init, "SET default_transaction_read_only = on")
		}
		if config.Timezone != "" {
			init = append(init, "SET timezone = "+quoteLiteral(config.Timezone))
		}
		return sqlconn.New(sqlconn.PQ, dsn, init...), nil
	case "sqlite":
		init := []string{"PRAGMA foreign_keys = ON", "PRAGMA busy_timeout = 5000"}
		if config.ReadOnly {
			init = append(init, "PRAGMA query_only = ON")
		}
		return sqlconn.New(sqlconn.SQLite, dsn, init...), nil
	}
	c, err := pgxconn.New(dsn, pgxconn.Options{ReadOnly: config.ReadOnly, Timezone: config.Timezone})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Close stops accepting tool calls, waits for running ones until ctx ends
// (cancelling any still running then), and closes the connection pool.
// Calls after the first return the first result.
func (g *GaussMcp) Close(ctx context.Context) error {
	g.closeOnce.Do(func() {
		g.closeErr = g.dispatcher.Shutdown(ctx)
		g.pool.Close()
	})
	return g.closeErr
}

// Ping leases a connection and checks that the database answers.
func (g *GaussMcp) Ping(ctx context.Context) error {
	lease, err := g.pool.Acquire(ctx, "ping-"+uuid.NewString())
	if err != nil {
		return err
	}
	defer lease.Release()
	if err := lease.Conn().Ping(ctx); err != nil {
		lease.MarkBroken()
		return err
	}
	return nil
}

// Stats is a point-in-time view of the pool, dispatcher and sessions.
type Stats struct {
	Pool     pool.Stats       `json:"pool"`
	Dispatch dispatch.Stats   `json:"dispatch"`
	Sessions int              `json:"sessions"`
	Leases   []pool.LeaseInfo `json:"leases,omitempty"`
}

func (g *GaussMcp) Stats() Stats {
	return Stats{
		Pool:     g.pool.Stats(),
		Dispatch: g.dispatcher.Stats(),
		Sessions: g.sessions.Len(),
		Leases:   g.pool.Leases(),
	}
}

// Call runs a tool by name with raw JSON-style arguments through the same
// validation and execution path MCP clients use.
func (g *GaussMcp) Call(ctx context.Context, tool string, args map[string]any) protocol.Response {
	return g.dispatcher.Dispatch(ctx, nil, protocol.Request{
		ID:         uuid.NewString(),
		Tool:       tool,
		Arguments:  args,
		ReceivedAt: time.Now(),
	})
}

func guardConfig(config Config) sqlguard.Config {
	return sqlguard.Config{
		AllowSet:                config.Protection.AllowSet,
		AllowDrop:               config.Protection.AllowDrop,
		AllowTruncate:           config.Protection.AllowTruncate,
		AllowDo:                 config.Protection.AllowDo,
		AllowCopyFrom:           config.Protection.AllowCopyFrom,
		AllowCopyTo:             config.Protection.AllowCopyTo,
		AllowDeleteWithoutWhere: config.Protection.AllowDeleteWithoutWhere,
		AllowUpdateWithoutWhere: config.Protection.AllowUpdateWithoutWhere,
		AllowDDL:                config.Protection.AllowDDL,
		AllowGrantRevoke:        config.Protection.AllowGrantRevoke,
		AllowManageRoles:        config.Protection.AllowManageRoles,
		AllowCreateFunction:     config.Protection.AllowCreateFunction,
		AllowPrepare:            config.Protection.AllowPrepare,
		AllowAlterSystem:        config.Protection.AllowAlterSystem,
		AllowMerge:              config.Protection.AllowMerge,
		AllowCreateExtension:    config.Protection.AllowCreateExtension,
		AllowLockTable:          config.Protection.AllowLockTable,
		AllowListenNotify:       config.Protection.AllowListenNotify,
		AllowMaintenance:        config.Protection.AllowMaintenance,
		AllowDiscard:            config.Protection.AllowDiscard,
		AllowComment:            config.Protection.AllowComment,
		AllowCreateTrigger:      config.Protection.AllowCreateTrigger,
		AllowCreateRule:         config.Protection.AllowCreateRule,
		ReadOnly:                config.ReadOnly,
		AllowUnparsed:           config.Protection.AllowUnparsed,
	}
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func mapSanitizationRules(rules []SanitizationRule) []sanitize.Rule {
	result := make([]sanitize.Rule, len(rules))
	for i, r := range rules {
		result[i] = sanitize.Rule{Pattern: r.Pattern, Replacement: r.Replacement, Columns: r.Columns}
	}
	return result
}

func mapErrorPromptRules(rules []ErrorPromptRule) []errprompt.Rule {
	result := make([]errprompt.Rule, len(rules))
	for i, r := range rules {
		result[i] = errprompt.Rule{Pattern: r.Pattern, Message: r.Message}
	}
	return result
}

func mapTimeoutRules(rules []TimeoutRule) []timeout.Rule {
	result := make([]timeout.Rule, len(rules))
	for i, r := range rules {
		result[i] = timeout.Rule{Pattern: r.Pattern, Timeout: seconds(r.TimeoutSeconds)}
	}
	return result
}

func mapHookEntries(entries []HookEntry) []hooks.Entry {
	result := make([]hooks.Entry, len(entries))
	for i, e := range entries {
		result[i] = hooks.Entry{
			Pattern: e.Pattern,
			Command: e.Command,
			Args:    e.Args,
			Timeout: seconds(e.TimeoutSeconds),
		}
	}
	return result
}
