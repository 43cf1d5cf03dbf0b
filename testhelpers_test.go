package gaussmcp_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rickchristie/govner/pgflock/client"
	"github.com/rs/zerolog"

	gaussmcp "github.com/rickchristie/opengauss-mcp"
)

const (
	pgflockLockerPort = 9776
	pgflockPassword   = "pgflock"
)

// acquireTestDB locks a PostgreSQL database from the local pgflock locker.
// Tests that need a real server are skipped when no locker is running.
func acquireTestDB(t *testing.T) string {
	t.Helper()
	connStr, err := client.Lock(pgflockLockerPort, t.Name(), pgflockPassword)
	if err != nil {
		t.Skipf("pgflock locker unavailable: %v", err)
	}
	t.Cleanup(func() {
		_ = client.Unlock(pgflockLockerPort, pgflockPassword, connStr)
	})
	return connStr
}

func testLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).Level(zerolog.Disabled)
}

func defaultConfig() gaussmcp.Config {
	return gaussmcp.Config{
		Pool: gaussmcp.PoolConfig{MaxConns: 5},
		Query: gaussmcp.QueryConfig{
			DefaultTimeoutSeconds:       30,
			ListTablesTimeoutSeconds:    10,
			DescribeTableTimeoutSeconds: 10,
			MaxSQLLength:                100000,
			MaxResultLength:             100000,
		},
	}
}

// sqliteConfig returns a config for a throwaway SQLite database. SQLite "?"
// placeholders are outside the PostgreSQL grammar, so unparsed statements are
// let through; statements that do parse are still checked.
func sqliteConfig() gaussmcp.Config {
	config := defaultConfig()
	config.Driver = "sqlite"
	config.Protection.AllowDDL = true
	config.Protection.AllowUnparsed = true
	return config
}

func newSQLiteInstance(t *testing.T, config gaussmcp.Config, opts ...gaussmcp.Option) (*gaussmcp.GaussMcp, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	return openInstance(t, path, config, opts...), path
}

func openInstance(t *testing.T, dsn string, config gaussmcp.Config, opts ...gaussmcp.Option) *gaussmcp.GaussMcp {
	t.Helper()
	ctx := context.Background()
	g, err := gaussmcp.New(ctx, dsn, config, testLogger(), opts...)
	if err != nil {
		t.Fatalf("Failed to create GaussMcp: %v", err)
	}
	t.Cleanup(func() { g.Close(ctx) })
	return g
}

func setupTable(t *testing.T, g *gaussmcp.GaussMcp, statements ...string) {
	t.Helper()
	for _, stmt := range statements {
		if _, err := g.ExecuteQuery(context.Background(), gaussmcp.ExecuteQueryInput{Statement: stmt}); err != nil {
			t.Fatalf("setup %q failed: %v", stmt, err)
		}
	}
}

// callError asserts err is a *CallError of the given kind.
func callError(t *testing.T, err error, kind string) *gaussmcp.CallError {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", kind)
	}
	ce, ok := err.(*gaussmcp.CallError)
	if !ok {
		t.Fatalf("expected *CallError, got %T: %v", err, err)
	}
	if ce.Kind != kind {
		t.Fatalf("expected kind %s, got %s: %s", kind, ce.Kind, ce.Message)
	}
	return ce
}

// hookScript writes an executable shell hook into a temp dir.
func hookScript(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("write hook %s: %v", name, err)
	}
	return path
}
