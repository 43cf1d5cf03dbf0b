package gaussmcp_test

import (
	"context"
	"strings"
	"testing"

	gaussmcp "github.com/rickchristie/opengauss-mcp"
)

func hookConfig() gaussmcp.Config {
	config := sqliteConfig()
	config.DefaultHookTimeoutSeconds = 5
	return config
}

func TestBeforeHookRewritesStatement(t *testing.T) {
	t.Parallel()
	rewrite := hookScript(t, "rewrite.sh", `cat >/dev/null; echo '{"accept":true,"modified":"SELECT 42 AS answer"}'`)
	g, _ := newSQLiteInstance(t, hookConfig(), gaussmcp.WithServerHooks(gaussmcp.ServerHooksConfig{
		BeforeQuery: []gaussmcp.HookEntry{{Pattern: "^SELECT 1$", Command: rewrite}},
	}))
	ctx := context.Background()

	res, err := g.ExecuteQuery(ctx, gaussmcp.ExecuteQueryInput{Statement: "SELECT 1"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Rows[0]["answer"] != int64(42) {
		t.Fatalf("expected rewritten statement to run, got %v", res.Rows)
	}

	res, err = g.ExecuteQuery(ctx, gaussmcp.ExecuteQueryInput{Statement: "SELECT 2 AS two"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Rows[0]["two"] != int64(2) {
		t.Fatalf("non-matching statement must run unchanged, got %v", res.Rows)
	}
}

func TestProtectionChecksRewrittenStatement(t *testing.T) {
	t.Parallel()
	rewrite := hookScript(t, "sneaky.sh", `cat >/dev/null; echo '{"accept":true,"modified":"DROP TABLE users"}'`)
	g, _ := newSQLiteInstance(t, hookConfig(), gaussmcp.WithServerHooks(gaussmcp.ServerHooksConfig{
		BeforeQuery: []gaussmcp.HookEntry{{Pattern: ".*", Command: rewrite}},
	}))
	_, err := g.ExecuteQuery(context.Background(), gaussmcp.ExecuteQueryInput{Statement: "SELECT 1"})
	ce := callError(t, err, "statement_rejected")
	if !strings.Contains(strings.ToUpper(ce.Message), "DROP") {
		t.Fatalf("expected DROP rejection, got %q", ce.Message)
	}
}

func TestBeforeHookRejects(t *testing.T) {
	t.Parallel()
	reject := hookScript(t, "reject.sh", `cat >/dev/null; echo '{"accept":false,"error_message":"no selects on fridays"}'`)
	g, _ := newSQLiteInstance(t, hookConfig(), gaussmcp.WithServerHooks(gaussmcp.ServerHooksConfig{
		BeforeQuery: []gaussmcp.HookEntry{{Pattern: "(?i)select", Command: reject}},
	}))
	_, err := g.ExecuteQuery(context.Background(), gaussmcp.ExecuteQueryInput{Statement: "SELECT 1"})
	ce := callError(t, err, "statement_rejected")
	if ce.Message != "no selects on fridays" {
		t.Fatalf("expected hook message, got %q", ce.Message)
	}
}

func TestAfterHookRewritesResult(t *testing.T) {
	t.Parallel()
	redact := hookScript(t, "redact.sh", `cat >/dev/null; echo '{"accept":true,"modified":"{\"columns\":[\"secret\"],\"rows\":[{\"secret\":\"[redacted]\"}],\"rows_affected\":1}"}'`)
	g, _ := newSQLiteInstance(t, hookConfig(), gaussmcp.WithServerHooks(gaussmcp.ServerHooksConfig{
		AfterQuery: []gaussmcp.HookEntry{{Pattern: `"secret"`, Command: redact}},
	}))

	res, err := g.ExecuteQuery(context.Background(), gaussmcp.ExecuteQueryInput{Statement: "SELECT 'hunter2' AS secret"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(res.Rows) != 1 || res.Rows[0]["secret"] != "[redacted]" {
		t.Fatalf("expected redacted result, got %v", res.Rows)
	}
}

func TestAfterHookRejectionKeepsCommittedWrite(t *testing.T) {
	t.Parallel()
	reject := hookScript(t, "reject.sh", `cat >/dev/null; echo '{"accept":false,"error_message":"result withheld"}'`)
	g, path := newSQLiteInstance(t, hookConfig(), gaussmcp.WithServerHooks(gaussmcp.ServerHooksConfig{
		AfterQuery: []gaussmcp.HookEntry{{Pattern: `"rows_affected":1`, Command: reject}},
	}))
	setupTable(t, g, "CREATE TABLE events (id INTEGER)")

	_, err := g.ExecuteQuery(context.Background(), gaussmcp.ExecuteQueryInput{Statement: "INSERT INTO events (id) VALUES (1)"})
	callError(t, err, "statement_rejected")

	plain := openInstance(t, path, sqliteConfig())
	res, err := plain.ExecuteQuery(context.Background(), gaussmcp.ExecuteQueryInput{Statement: "SELECT count(*) AS n FROM events"})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if res.Rows[0]["n"] != int64(1) {
		t.Fatalf("expected the insert to stay committed, got %v", res.Rows[0]["n"])
	}
}

func TestHookFailureIsInternal(t *testing.T) {
	t.Parallel()
	crash := hookScript(t, "crash.sh", `exit 1`)
	g, _ := newSQLiteInstance(t, hookConfig(), gaussmcp.WithServerHooks(gaussmcp.ServerHooksConfig{
		BeforeQuery: []gaussmcp.HookEntry{{Pattern: ".*", Command: crash}},
	}))
	_, err := g.ExecuteQuery(context.Background(), gaussmcp.ExecuteQueryInput{Statement: "SELECT 1"})
	callError(t, err, "internal")
	if n := g.Stats().Pool.InUse; n != 0 {
		t.Fatalf("lease leaked after hook failure: %d", n)
	}
}
