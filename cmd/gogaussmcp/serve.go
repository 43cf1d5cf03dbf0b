package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/term"

	gaussmcp "github.com/rickchristie/opengauss-mcp"
	"github.com/rickchristie/opengauss-mcp/internal/transport"
)

const (
	envConfigPath = "GOGAUSSMCP_CONFIG_PATH"
	envConnString = "GOGAUSSMCP_CONNSTRING"
	envHost       = "OPENGAUSS_HOST"
	envPort       = "OPENGAUSS_PORT"
	envUser       = "OPENGAUSS_USER"
	envPassword   = "OPENGAUSS_PASSWORD"
	envDBName     = "OPENGAUSS_DBNAME"
)

func defaultConfigPath() string {
	if p := os.Getenv(envConfigPath); p != "" {
		return p
	}
	return ".gogaussmcp/config.json"
}

// serveFlags override the matching config file values when set.
type serveFlags struct {
	configPath string
	transport  string
	host       string
	port       int
	path       string
	logLevel   string
}

func parseServeFlags(args []string) (serveFlags, error) {
	var f serveFlags
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.StringVar(&f.configPath, "config", defaultConfigPath(), "Path to configuration file (.json or .toml)")
	fs.StringVar(&f.transport, "transport", "", "Transport: stdio, sse or streamable (alias streamable-http)")
	fs.StringVar(&f.host, "host", "", "Listen host for HTTP transports")
	fs.IntVar(&f.port, "port", 0, "Listen port for HTTP transports")
	fs.StringVar(&f.path, "path", "", "MCP endpoint path for HTTP transports (default /mcp, or /sse for sse)")
	fs.StringVar(&f.logLevel, "log_level", "", "Log level: debug, info, warn, error")
	if err := fs.Parse(args); err != nil {
		return f, err
	}
	return f, nil
}

func (f serveFlags) apply(cfg *gaussmcp.ServerConfig) {
	if f.transport != "" {
		cfg.Server.Transport = f.transport
	}
	if f.host != "" {
		cfg.Server.Host = f.host
	}
	if f.port > 0 {
		cfg.Server.Port = f.port
	}
	if f.path != "" {
		cfg.Server.Path = f.path
	}
	if f.logLevel != "" {
		cfg.Logging.Level = f.logLevel
	}
}

// credentials are resolved from the environment, then from a prompt.
type credentials struct {
	user     string
	password string
}

// applyEnv overlays OPENGAUSS_* variables onto the connection settings and
// returns any credentials found there.
func applyEnv(conn *gaussmcp.ConnectionConfig, getenv func(string) string) (credentials, error) {
	if v := getenv(envHost); v != "" {
		conn.Host = v
	}
	if v := getenv(envPort); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil || port <= 0 {
			return credentials{}, fmt.Errorf("%s must be a positive integer, got %q", envPort, v)
		}
		conn.Port = port
	}
	if v := getenv(envDBName); v != "" {
		conn.DBName = v
	}
	creds := credentials{user: conn.User, password: getenv(envPassword)}
	if v := getenv(envUser); v != "" {
		creds.user = v
	}
	return creds, nil
}

// normalizeServerSettings resolves transport aliases and fills in the
// default endpoint path for HTTP transports.
func normalizeServerSettings(s *gaussmcp.ServerSettings) {
	s.Transport = transport.Canonical(s.Transport)
	if s.Path == "" {
		s.Path = transport.DefaultPath(s.Transport)
	}
	if s.Transport == transport.NameSSE && s.MessagePath == "" {
		s.MessagePath = transport.DefaultMessagePath
	}
}

func validateServerSettings(s gaussmcp.ServerSettings) error {
	switch transport.Canonical(s.Transport) {
	case transport.NameStdio:
		return nil
	case transport.NameSSE, transport.NameStreamable:
	default:
		return fmt.Errorf("server.transport must be stdio, sse or streamable(-http), got %q", s.Transport)
	}
	if s.Port <= 0 {
		return errors.New("server.port must be > 0")
	}
	if s.HealthCheckEnabled && s.HealthCheckPath == "" {
		return errors.New("health_check_path must be set when health_check_enabled is true")
	}
	if s.DrainTimeoutSeconds < 0 {
		return errors.New("server.drain_timeout_seconds must not be negative")
	}
	return nil
}

func runServe(args []string) error {
	flags, err := parseServeFlags(args)
	if err != nil {
		return err
	}
	cfg, err := gaussmcp.LoadServerConfig(flags.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	flags.apply(cfg)
	normalizeServerSettings(&cfg.Server)
	if err := validateServerSettings(cfg.Server); err != nil {
		return err
	}
	stdio := cfg.Server.Transport == transport.NameStdio

	dsn, err := resolveDSN(cfg, os.Getenv, stdio)
	if err != nil {
		return err
	}

	// stdout carries the protocol under stdio.
	if stdio && cfg.Logging.Output == "stdout" {
		cfg.Logging.Output = "stderr"
	}
	logger, closeLog, err := setupLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var opts []gaussmcp.Option
	if len(cfg.ServerHooks.BeforeQuery) > 0 || len(cfg.ServerHooks.AfterQuery) > 0 {
		opts = append(opts, gaussmcp.WithServerHooks(cfg.ServerHooks))
	}
	g, err := gaussmcp.New(ctx, dsn, cfg.Config, logger, opts...)
	if err != nil {
		return fmt.Errorf("failed to create gaussmcp: %w", err)
	}

	logger.Info().Str("driver", cfg.Driver).Msg("testing database connection")
	if err := g.Ping(ctx); err != nil {
		logger.Error().Err(err).Msg("database connection test failed")
		g.Close(context.Background())
		return fmt.Errorf("database connection test failed: %w", err)
	}
	logger.Info().Msg("database connection test successful")

	mcpServer := g.NewMCPServer(cfg.Server.Transport)
	var t transport.Transport
	if stdio {
		t = transport.NewStdio(mcpServer, os.Stdin, os.Stdout, logger)
	} else {
		healthPath := ""
		if cfg.Server.HealthCheckEnabled {
			healthPath = cfg.Server.HealthCheckPath
		}
		t, err = transport.NewHTTP(mcpServer, transport.HTTPConfig{
			Mode:        cfg.Server.Transport,
			Addr:        net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
			Path:        cfg.Server.Path,
			MessagePath: cfg.Server.MessagePath,
			BaseURL:     cfg.Server.BaseURL,
			Stateless:   cfg.Server.Stateless,
			HealthPath:  healthPath,
			Health:      func() any { return g.Stats() },
		}, logger)
		if err != nil {
			g.Close(context.Background())
			return err
		}
	}

	logger.Info().Str("transport", t.Name()).Str("version", gaussmcp.Version).Msg("starting gogaussmcp server")
	serveErr := make(chan error, 1)
	go func() { serveErr <- t.Serve(ctx) }()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received, draining")
	case err = <-serveErr:
		if err != nil {
			logger.Error().Err(err).Msg("transport stopped")
		}
	}

	drain := time.Duration(cfg.Server.DrainTimeoutSeconds) * time.Second
	if drain <= 0 {
		drain = 10 * time.Second
	}
	drainCtx, cancel := context.WithTimeout(context.Background(), drain)
	defer cancel()
	// In-flight calls finish and the pool closes before transports go away.
	closeErr := g.Close(drainCtx)
	shutdownErr := t.Shutdown(drainCtx)
	logger.Info().Msg("gogaussmcp stopped")
	return errors.Join(err, closeErr, shutdownErr)
}

// resolveDSN builds the driver connection string. GOGAUSSMCP_CONNSTRING wins
// outright; otherwise the config file, OPENGAUSS_* variables and, when a
// terminal is available, prompts fill it in.
func resolveDSN(cfg *gaussmcp.ServerConfig, getenv func(string) string, stdio bool) (string, error) {
	if dsn := getenv(envConnString); dsn != "" {
		return dsn, nil
	}
	if cfg.Driver == "sqlite" {
		if cfg.Connection.Path == "" {
			return "", errors.New("connection.path must be set for the sqlite driver")
		}
		return cfg.Connection.Path, nil
	}
	creds, err := applyEnv(&cfg.Connection, getenv)
	if err != nil {
		return "", err
	}
	if creds.user == "" {
		if stdio {
			return "", fmt.Errorf("no database user: set %s or %s (stdin is reserved for the protocol)", envUser, envConnString)
		}
		creds.user = promptInput("Username: ")
	}
	if creds.password == "" && !stdio && isTTY(os.Stdin.Fd()) {
		creds.password = promptPassword("Password: ")
	}
	return buildConnString(cfg.Connection, creds.user, creds.password), nil
}

// buildConnString renders a libpq keyword/value string, understood by both
// pgx and lib/pq.
func buildConnString(conn gaussmcp.ConnectionConfig, username, password string) string {
	var parts []string
	add := func(key, value string) {
		if value != "" {
			parts = append(parts, key+"="+quoteConnValue(value))
		}
	}
	add("host", conn.Host)
	if conn.Port > 0 {
		add("port", strconv.Itoa(conn.Port))
	}
	add("dbname", conn.DBName)
	add("user", username)
	add("password", password)
	add("sslmode", conn.SSLMode)
	return strings.Join(parts, " ")
}

func quoteConnValue(v string) string {
	if !strings.ContainsAny(v, ` '\`) {
		return v
	}
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	return "'" + r.Replace(v) + "'"
}

// setupLogger returns the configured logger and a func releasing its output.
func setupLogger(config gaussmcp.LoggingConfig) (zerolog.Logger, func(), error) {
	level := zerolog.InfoLevel
	if config.Level != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(config.Level))
		if err != nil {
			return zerolog.Logger{}, nil, fmt.Errorf("invalid logging.level %q", config.Level)
		}
		level = parsed
	}

	closer := func() {}
	var output io.Writer = os.Stderr
	switch config.Output {
	case "", "stderr":
	case "stdout":
		output = os.Stdout
	default:
		f, err := os.OpenFile(config.Output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return zerolog.Logger{}, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		output = f
		closer = func() { f.Close() }
	}

	if config.Format == "text" {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}
	}
	return zerolog.New(output).Level(level).With().Timestamp().Logger(), closer, nil
}

func promptInput(prompt string) string {
	fmt.Fprint(os.Stderr, prompt)
	var input string
	fmt.Scanln(&input)
	return input
}

func promptPassword(prompt string) string {
	fmt.Fprint(os.Stderr, prompt)
	password, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return ""
	}
	return string(password)
}
