package gaussmcp

import (
	"context"
	"encoding/json"
	"fmt"
)

// ExecuteQuery runs one statement. Failures, including rejected statements,
// are returned as *CallError.
func (g *GaussMcp) ExecuteQuery(ctx context.Context, input ExecuteQueryInput) (*QueryResult, error) {
	args := map[string]any{"statement": input.Statement}
	if input.Params != nil {
		args["params"] = input.Params
	}
	return call[QueryResult](ctx, g, ToolExecuteQuery, args)
}

// ListTables lists the readable tables and views of the current schema, of
// input.Schema, or of every non-system schema.
func (g *GaussMcp) ListTables(ctx context.Context, input ListTablesInput) (*ListTablesOutput, error) {
	args := map[string]any{}
	if input.Schema != "" {
		args["schema"] = input.Schema
	}
	if input.AllSchemas {
		args["all_schemas"] = true
	}
	return call[ListTablesOutput](ctx, g, ToolListTables, args)
}

// DescribeTable returns columns, indexes and constraints of a table or view.
func (g *GaussMcp) DescribeTable(ctx context.Context, input DescribeTableInput) (*DescribeTableOutput, error) {
	args := map[string]any{"table": input.Table}
	if input.Schema != "" {
		args["schema"] = input.Schema
	}
	return call[DescribeTableOutput](ctx, g, ToolDescribeTable, args)
}

func (g *GaussMcp) CurrentUserAndSchema(ctx context.Context) (*CurrentUserAndSchemaOutput, error) {
	return call[CurrentUserAndSchemaOutput](ctx, g, ToolCurrentUserAndSchema, map[string]any{})
}

func (g *GaussMcp) ListSchemas(ctx context.Context) (*ListSchemasOutput, error) {
	return call[ListSchemasOutput](ctx, g, ToolListSchemas, map[string]any{})
}

func call[T any](ctx context.Context, g *GaussMcp, tool string, args map[string]any) (*T, error) {
	resp := g.Call(ctx, tool, args)
	if resp.Error != nil {
		return nil, &CallError{
			Kind:    string(resp.Error.Kind),
			Message: resp.Error.Message,
			Code:    resp.Error.Code,
			Field:   resp.Error.Field,
			Hint:    resp.Error.Hint,
		}
	}
	if v, ok := resp.Result.(*T); ok {
		return v, nil
	}
	encoded, err := json.Marshal(resp.Result)
	if err != nil {
		return nil, fmt.Errorf("gaussmcp: encode %s result: %w", tool, err)
	}
	out := new(T)
	if err := json.Unmarshal(encoded, out); err != nil {
		return nil, fmt.Errorf("gaussmcp: decode %s result: %w", tool, err)
	}
	return out, nil
}
