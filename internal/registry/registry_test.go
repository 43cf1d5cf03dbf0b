package registry

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rickchristie/opengauss-mcp/internal/driver"
	"github.com/rickchristie/opengauss-mcp/internal/toolerr"
)

func noopHandler(ctx context.Context, conn driver.Conn, args Args) (any, error) {
	return nil, nil
}

var runQueryTool = Tool{
	Name:        "run_query",
	Description: "runs a statement",
	Schema: Schema{Params: []Param{
		{Name: "statement", Type: TypeString, Required: true, MaxLength: 32},
		{Name: "params", Type: TypeArray},
		{Name: "limit", Type: TypeInteger},
		{Name: "ratio", Type: TypeNumber},
		{Name: "dry_run", Type: TypeBoolean},
		{Name: "options", Type: TypeObject},
		{Name: "ids", Type: TypeArray, Items: TypeInteger},
	}},
	Handler:      noopHandler,
	StatementArg: "statement",
}

func buildRegistry(t *testing.T, tools ...Tool) *Registry {
	t.Helper()
	b := NewBuilder()
	for _, tool := range tools {
		if err := b.Register(tool); err != nil {
			t.Fatalf("register %q: %v", tool.Name, err)
		}
	}
	return b.Build()
}

type recordingExecutor struct {
	calls int
	tool  *Tool
	args  Args
}

func (e *recordingExecutor) Run(ctx context.Context, tool *Tool, args Args) (any, error) {
	e.calls++
	e.tool = tool
	e.args = args
	return "ok", nil
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	t.Parallel()
	b := NewBuilder()
	if err := b.Register(runQueryTool); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err := b.Register(runQueryTool)
	if toolerr.KindOf(err) != toolerr.KindDuplicateTool {
		t.Fatalf("expected duplicate_tool, got %v", err)
	}
}

func TestRegisterRejectsInvalidTools(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		tool Tool
	}{
		{"empty name", Tool{Name: " ", Handler: noopHandler}},
		{"nil handler", Tool{Name: "x"}},
		{"unnamed param", Tool{Name: "x", Handler: noopHandler, Schema: Schema{Params: []Param{{Type: TypeString}}}}},
		{"duplicate param", Tool{Name: "x", Handler: noopHandler, Schema: Schema{Params: []Param{
			{Name: "a", Type: TypeString}, {Name: "a", Type: TypeString},
		}}}},
		{"unknown type", Tool{Name: "x", Handler: noopHandler, Schema: Schema{Params: []Param{{Name: "a", Type: "date"}}}}},
		{"items on non-array", Tool{Name: "x", Handler: noopHandler, Schema: Schema{Params: []Param{{Name: "a", Type: TypeString, Items: TypeString}}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if err := NewBuilder().Register(tt.tool); err == nil {
				t.Fatal("expected an error")
			}
		})
	}
}

func TestValidateUnknownTool(t *testing.T) {
	t.Parallel()
	r := buildRegistry(t, runQueryTool)
	exec := &recordingExecutor{}
	_, err := r.ValidateAndDispatch(context.Background(), "drop-everything", nil, exec)
	if toolerr.KindOf(err) != toolerr.KindUnknownTool {
		t.Fatalf("expected unknown_tool, got %v", err)
	}
	if exec.calls != 0 {
		t.Fatal("executor must not run for an unknown tool")
	}
}

func TestValidateSchemaErrors(t *testing.T) {
	t.Parallel()
	r := buildRegistry(t, runQueryTool)
	tests := []struct {
		name  string
		args  map[string]any
		field string
	}{
		{"missing required", map[string]any{}, "statement"},
		{"null required", map[string]any{"statement": nil}, "statement"},
		{"blank required string", map[string]any{"statement": "   "}, "statement"},
		{"wrong type", map[string]any{"statement": 42.0}, "statement"},
		{"too long", map[string]any{"statement": "SELECT * FROM a_really_long_table_name"}, "statement"},
		{"unknown extra", map[string]any{"statement": "SELECT 1", "zzz": 1.0, "aaa": true}, "aaa"},
		{"fractional integer", map[string]any{"statement": "SELECT 1", "limit": 1.5}, "limit"},
		{"string as number", map[string]any{"statement": "SELECT 1", "ratio": "0.5"}, "ratio"},
		{"number as boolean", map[string]any{"statement": "SELECT 1", "dry_run": 1.0}, "dry_run"},
		{"array as object", map[string]any{"statement": "SELECT 1", "options": []any{}}, "options"},
		{"object as array", map[string]any{"statement": "SELECT 1", "params": map[string]any{}}, "params"},
		{"bad array item", map[string]any{"statement": "SELECT 1", "ids": []any{1.0, "two"}}, "ids[1]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			exec := &recordingExecutor{}
			_, err := r.ValidateAndDispatch(context.Background(), "run_query", tt.args, exec)
			te := toolerr.As(err)
			if te == nil || te.Kind != toolerr.KindSchemaValidation {
				t.Fatalf("expected schema_validation, got %v", err)
			}
			if te.Field != tt.field {
				t.Fatalf("expected field %q, got %q (%s)", tt.field, te.Field, te.Message)
			}
			if exec.calls != 0 {
				t.Fatal("executor must not run when validation fails")
			}
		})
	}
}

func TestValidateNormalizesArguments(t *testing.T) {
	t.Parallel()
	r := buildRegistry(t, runQueryTool)
	exec := &recordingExecutor{}
	raw := map[string]any{
		"statement": "SELECT $1",
		"params":    []any{"a", 1.0, nil, true},
		"limit":     10.0,
		"ratio":     json.Number("0.25"),
		"dry_run":   false,
		"ids":       []any{1.0, json.Number("2")},
		"options":   nil,
	}
	out, err := r.ValidateAndDispatch(context.Background(), "run_query", raw, exec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "ok" || exec.calls != 1 || exec.tool.Name != "run_query" {
		t.Fatalf("expected executor to run once, got %d calls", exec.calls)
	}
	if exec.args["limit"] != int64(10) {
		t.Fatalf("expected limit int64(10), got %v", exec.args["limit"])
	}
	if exec.args["ratio"] != 0.25 {
		t.Fatalf("expected ratio 0.25, got %v", exec.args["ratio"])
	}
	if got, ok := exec.args.Bool("dry_run"); !ok || got {
		t.Fatalf("expected dry_run false, got %v", exec.args["dry_run"])
	}
	ids := exec.args.Array("ids")
	if ids[0] != int64(1) || ids[1] != int64(2) {
		t.Fatalf("expected ids normalized to int64, got %v", ids)
	}
	if len(exec.args.Array("params")) != 4 {
		t.Fatalf("expected params passed through, got %v", exec.args["params"])
	}
	if _, ok := exec.args["options"]; ok {
		t.Fatal("expected null optional argument to be treated as absent")
	}
	if exec.args.String("statement") != "SELECT $1" {
		t.Fatalf("unexpected statement %q", exec.args.String("statement"))
	}
}

func TestPrecheck(t *testing.T) {
	t.Parallel()
	tool := runQueryTool
	tool.Name = "guarded"
	tool.Precheck = func(args Args) error {
		if args.String("statement") == "DROP TABLE x" {
			return errors.New("DROP statements are not allowed")
		}
		if args.String("statement") == "-" {
			return toolerr.SchemaValidation("statement", "dash")
		}
		return nil
	}
	r := buildRegistry(t, tool)

	_, _, err := r.Validate("guarded", map[string]any{"statement": "DROP TABLE x"})
	if toolerr.KindOf(err) != toolerr.KindStatementRejected {
		t.Fatalf("expected statement_rejected, got %v", err)
	}
	_, _, err = r.Validate("guarded", map[string]any{"statement": "-"})
	if toolerr.KindOf(err) != toolerr.KindSchemaValidation {
		t.Fatalf("expected typed precheck error to pass through, got %v", err)
	}
	if _, _, err := r.Validate("guarded", map[string]any{"statement": "SELECT 1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRegistryIsIndependentOfCaller(t *testing.T) {
	t.Parallel()
	tool := runQueryTool
	tool.Schema.Params = append([]Param(nil), runQueryTool.Schema.Params...)
	b := NewBuilder()
	if err := b.Register(tool); err != nil {
		t.Fatalf("register: %v", err)
	}
	tool.Schema.Params[0].Name = "mutated"
	r := b.Build()

	got, ok := r.Lookup("run_query")
	if !ok {
		t.Fatal("expected run_query to be registered")
	}
	if got.Schema.Params[0].Name != "statement" {
		t.Fatal("registry must not observe changes to the caller's tool value")
	}
}

func TestToolsKeepRegistrationOrder(t *testing.T) {
	t.Parallel()
	names := []string{"b", "a", "c"}
	tools := make([]Tool, len(names))
	for i, n := range names {
		tools[i] = Tool{Name: n, Handler: noopHandler}
	}
	r := buildRegistry(t, tools...)
	for i, tool := range r.Tools() {
		if tool.Name != names[i] {
			t.Fatalf("expected %q at %d, got %q", names[i], i, tool.Name)
		}
	}
}
