package gaussmcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/rickchristie/opengauss-mcp/internal/dialect"
	"github.com/rickchristie/opengauss-mcp/internal/driver"
	"github.com/rickchristie/opengauss-mcp/internal/registry"
	"github.com/rickchristie/opengauss-mcp/internal/toolerr"
	"github.com/rickchristie/opengauss-mcp/internal/transport"
)

// Tool names.
const (
	ToolExecuteQuery         = "execute_query"
	ToolListTables           = "list_tables"
	ToolDescribeTable        = "describe_table"
	ToolCurrentUserAndSchema = "current_user_and_schema"
	ToolListSchemas          = "list_schemas"
)

const (
	executeQueryDescription = "Execute a single SQL statement against the database and return the result as JSON. " +
		"Use $1, $2, ... placeholders (? for SQLite) and pass values in params instead of splicing them into the statement. " +
		"Row-returning statements yield columns and rows in database order; other statements yield rows_affected. " +
		"Each statement commits on its own. Values without a JSON form are returned as text or base64 and listed in encoded_columns. " +
		"Results larger than the configured limit are cut to the rows that fit and flagged with truncated."
	listTablesDescription = "List tables, views, materialized views and foreign tables the current user can read. " +
		"Lists the current schema by default; pass schema to list another one, or all_schemas to list every non-system schema."
	describeTableDescription = "Describe a table or view: its columns with types, nullability, defaults and primary key membership, " +
		"plus its indexes and constraints. Schema defaults to the connection's current schema."
	currentUserDescription = "Return the database user of this connection and its current schema."
	listSchemasDescription = "List the schemas visible to the current user."
)

// Resources maps the read-only MCP resources onto tool calls.
var Resources = []transport.Resource{
	{
		URI:         "opengauss://schemas",
		Name:        "schemas",
		Description: "Schemas visible to the current user.",
		Tool:        ToolListSchemas,
	},
	{
		URI:         "opengauss://tables",
		Name:        "tables",
		Description: "Tables and views the current user can read in the current schema.",
		Tool:        ToolListTables,
	},
	{
		URI:         "opengauss://tables/all",
		Name:        "all_tables",
		Description: "Tables and views the current user can read, across all non-system schemas.",
		Tool:        ToolListTables,
		Args:        map[string]any{"all_schemas": true},
	},
}

func (g *GaussMcp) buildRegistry() (*registry.Registry, error) {
	b := registry.NewBuilder()
	tools := []registry.Tool{
		{
			Name:        ToolExecuteQuery,
			Description: executeQueryDescription,
			Schema: registry.Schema{Params: []registry.Param{
				{Name: "statement", Type: registry.TypeString, Required: true, MaxLength: g.config.Query.MaxSQLLength,
					Description: "The SQL statement to execute."},
				{Name: "params", Type: registry.TypeArray,
					Description: "Values bound to the statement placeholders, in order."},
			}},
			Handler:      g.executeQuery,
			ReadOnly:     g.config.ReadOnly,
			Precheck:     g.precheckStatement,
			StatementArg: "statement",
		},
		{
			Name:        ToolListTables,
			Description: listTablesDescription,
			Schema: registry.Schema{Params: []registry.Param{
				{Name: "schema", Type: registry.TypeString, MaxLength: 1024,
					Description: "List objects in this schema instead of the current one."},
				{Name: "all_schemas", Type: registry.TypeBoolean,
					Description: "List every non-system schema. Ignored when schema is set."},
			}},
			Handler:  g.listTables,
			ReadOnly: true,
			Timeout:  seconds(g.config.Query.ListTablesTimeoutSeconds),
		},
		{
			Name:        ToolDescribeTable,
			Description: describeTableDescription,
			Schema: registry.Schema{Params: []registry.Param{
				{Name: "table", Type: registry.TypeString, Required: true, MaxLength: 1024,
					Description: "Name of the table or view."},
				{Name: "schema", Type: registry.TypeString, MaxLength: 1024,
					Description: "Schema of the table. Defaults to the current schema."},
			}},
			Handler:  g.describeTable,
			ReadOnly: true,
			Timeout:  seconds(g.config.Query.DescribeTableTimeoutSeconds),
		},
		{
			Name:        ToolCurrentUserAndSchema,
			Description: currentUserDescription,
			Handler:     g.currentUserAndSchema,
			ReadOnly:    true,
			Timeout:     seconds(g.config.Query.ListTablesTimeoutSeconds),
		},
		{
			Name:        ToolListSchemas,
			Description: listSchemasDescription,
			Handler:     g.listSchemas,
			ReadOnly:    true,
			Timeout:     seconds(g.config.Query.ListTablesTimeoutSeconds),
		},
	}
	for _, t := range tools {
		if err := b.Register(t); err != nil {
			return nil, err
		}
	}
	return b.Build(), nil
}

// precheckStatement rejects guarded statements before a connection is leased.
// With before hooks configured the check runs on the rewritten statement
// inside the handler instead.
func (g *GaussMcp) precheckStatement(args registry.Args) error {
	if g.hooks.HasBefore() {
		return nil
	}
	return g.guard.Check(args.String("statement"))
}

func (g *GaussMcp) executeQuery(ctx context.Context, conn driver.Conn, args registry.Args) (any, error) {
	statement := args.String("statement")
	if g.hooks.HasBefore() {
		var err error
		statement, err = g.hooks.Before(ctx, statement)
		if err != nil {
			return nil, err
		}
		if err := g.guard.Check(statement); err != nil {
			return nil, err
		}
	}

	params, err := normalizeParams(args.Array("params"))
	if err != nil {
		return nil, err
	}
	res, err := conn.Execute(ctx, statement, params...)
	if err != nil {
		return nil, err
	}
	if !g.hooks.HasAfter() {
		return res, nil
	}

	result := g.bridge.Convert(res)
	encoded, err := json.Marshal(result)
	if err != nil {
		return nil, toolerr.Wrap(toolerr.KindInternal, err, "failed to encode result for after_query hooks")
	}
	modified, err := g.hooks.After(ctx, encoded)
	if err != nil {
		return nil, err
	}
	final := &QueryResult{}
	dec := json.NewDecoder(bytes.NewReader(modified))
	dec.UseNumber()
	if err := dec.Decode(final); err != nil {
		return nil, toolerr.Wrap(toolerr.KindInternal, err, fmt.Sprintf("after_query hook returned an invalid result: %v", err))
	}
	return final, nil
}

// normalizeParams prepares JSON argument values for binding. Objects and
// arrays are bound as their JSON text; whole numbers are bound as integers.
func normalizeParams(params []any) ([]any, error) {
	out := make([]any, len(params))
	for i, p := range params {
		switch v := p.(type) {
		case map[string]any, []any:
			encoded, err := json.Marshal(v)
			if err != nil {
				return nil, toolerr.SchemaValidation("params", "params[%d] cannot be encoded as JSON: %v", i, err)
			}
			out[i] = string(encoded)
		case float64:
			if v == math.Trunc(v) && math.Abs(v) < 1<<53 {
				out[i] = int64(v)
			} else {
				out[i] = v
			}
		case json.Number:
			if n, err := v.Int64(); err == nil {
				out[i] = n
			} else if f, err := v.Float64(); err == nil {
				out[i] = f
			} else {
				out[i] = v.String()
			}
		default:
			out[i] = v
		}
	}
	return out, nil
}

func (g *GaussMcp) listTables(ctx context.Context, conn driver.Conn, args registry.Args) (any, error) {
	all, _ := args.Bool("all_schemas")
	res, err := run(ctx, conn, g.dialect.ListTables(args.String("schema"), all))
	if err != nil {
		return nil, err
	}
	out := &ListTablesOutput{Tables: make([]TableEntry, 0, len(res.Rows))}
	for _, row := range res.Rows {
		out.Tables = append(out.Tables, TableEntry{
			Schema: asString(col(row, 0)),
			Name:   asString(col(row, 1)),
			Type:   asString(col(row, 2)),
			Owner:  asString(col(row, 3)),
		})
	}
	return out, nil
}

func (g *GaussMcp) describeTable(ctx context.Context, conn driver.Conn, args registry.Args) (any, error) {
	table := args.String("table")
	schema := args.String("schema")

	res, err := run(ctx, conn, g.dialect.ObjectType(schema, table))
	if err != nil {
		return nil, err
	}
	if len(res.Rows) == 0 {
		name := table
		if schema != "" {
			name = schema + "." + table
		}
		return nil, toolerr.Database("42P01", fmt.Sprintf("relation %q does not exist", name), nil)
	}
	// The remaining queries use the schema the object was found in.
	schema = asString(col(res.Rows[0], 1))
	out := &DescribeTableOutput{
		Schema:      schema,
		Name:        table,
		Type:        asString(col(res.Rows[0], 0)),
		Columns:     []ColumnInfo{},
		Indexes:     []IndexInfo{},
		Constraints: []ConstraintInfo{},
	}

	if res, err = run(ctx, conn, g.dialect.Columns(schema, table)); err != nil {
		return nil, err
	}
	for _, row := range res.Rows {
		out.Columns = append(out.Columns, ColumnInfo{
			Name:         asString(col(row, 0)),
			Type:         asString(col(row, 1)),
			Nullable:     asBool(col(row, 2)),
			Default:      asString(col(row, 3)),
			IsPrimaryKey: asBool(col(row, 4)),
			Ordinal:      asInt(col(row, 5)),
		})
	}

	if res, err = run(ctx, conn, g.dialect.Indexes(schema, table)); err != nil {
		return nil, err
	}
	for _, row := range res.Rows {
		out.Indexes = append(out.Indexes, IndexInfo{
			Name:       asString(col(row, 0)),
			Definition: asString(col(row, 1)),
			IsUnique:   asBool(col(row, 2)),
			IsPrimary:  asBool(col(row, 3)),
		})
	}

	if q := g.dialect.Constraints(schema, table); q.SQL != "" {
		if res, err = run(ctx, conn, q); err != nil {
			return nil, err
		}
		for _, row := range res.Rows {
			out.Constraints = append(out.Constraints, ConstraintInfo{
				Name:       asString(col(row, 0)),
				Type:       asString(col(row, 1)),
				Definition: asString(col(row, 2)),
			})
		}
	}
	return out, nil
}

func (g *GaussMcp) currentUserAndSchema(ctx context.Context, conn driver.Conn, _ registry.Args) (any, error) {
	res, err := run(ctx, conn, g.dialect.CurrentUserAndSchema())
	if err != nil {
		return nil, err
	}
	out := &CurrentUserAndSchemaOutput{}
	if len(res.Rows) > 0 {
		out.User = asString(col(res.Rows[0], 0))
		out.Schema = asString(col(res.Rows[0], 1))
	}
	return out, nil
}

func (g *GaussMcp) listSchemas(ctx context.Context, conn driver.Conn, _ registry.Args) (any, error) {
	res, err := run(ctx, conn, g.dialect.Schemas())
	if err != nil {
		return nil, err
	}
	out := &ListSchemasOutput{Schemas: make([]string, 0, len(res.Rows))}
	for _, row := range res.Rows {
		out.Schemas = append(out.Schemas, asString(col(row, 0)))
	}
	return out, nil
}

func run(ctx context.Context, conn driver.Conn, q dialect.Query) (*driver.Result, error) {
	return conn.Execute(ctx, q.SQL, q.Args...)
}

func col(row []any, i int) any {
	if i < len(row) {
		return row[i]
	}
	return nil
}

func asString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return fmt.Sprint(s)
	}
}

// asBool accepts native booleans, SQLite integers and catalog text flags.
func asBool(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case int64:
		return b != 0
	case int32:
		return b != 0
	case int:
		return b != 0
	case string:
		switch strings.ToLower(b) {
		case "t", "true", "yes", "1":
			return true
		}
	}
	return false
}

func asInt(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int32:
		return int64(n)
	case int16:
		return int64(n)
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
