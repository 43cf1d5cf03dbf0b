package gaussmcp

import (
	"fmt"

	"github.com/rickchristie/opengauss-mcp/internal/bridge"
)

// ExecuteQueryInput is the input for the execute_query tool.
type ExecuteQueryInput struct {
	Statement string `json:"statement"`
	Params    []any  `json:"params,omitempty"`
}

// QueryResult is the output of the execute_query tool. Rows keep database
// order and are keyed by the names in Columns. Columns whose values had no
// JSON form are listed in EncodedColumns with the encoding used.
type QueryResult = bridge.QueryResult

// ListTablesInput is the input for the list_tables tool. An empty Schema
// lists the current schema, or every non-system schema with AllSchemas.
type ListTablesInput struct {
	Schema     string `json:"schema,omitempty"`
	AllSchemas bool   `json:"all_schemas,omitempty"`
}

// TableEntry represents a single table/view in the list_tables output.
type TableEntry struct {
	Schema string `json:"schema"`
	Name   string `json:"name"`
	Type   string `json:"type"` // "table", "view", "materialized_view", "foreign_table", "partitioned_table"
	Owner  string `json:"owner,omitempty"`
}

// ListTablesOutput is the output of the list_tables tool.
type ListTablesOutput struct {
	Tables []TableEntry `json:"tables"`
}

// DescribeTableInput is the input for the describe_table tool.
type DescribeTableInput struct {
	Table  string `json:"table"`
	Schema string `json:"schema,omitempty"`
}

// ColumnInfo describes a single column.
type ColumnInfo struct {
	Name         string `json:"name"`
	Type         string `json:"type"`
	Nullable     bool   `json:"nullable"`
	Default      string `json:"default,omitempty"`
	IsPrimaryKey bool   `json:"is_primary_key"`
	Ordinal      int64  `json:"ordinal"`
}

// IndexInfo describes a single index.
type IndexInfo struct {
	Name       string `json:"name"`
	Definition string `json:"definition"`
	IsUnique   bool   `json:"is_unique"`
	IsPrimary  bool   `json:"is_primary"`
}

// ConstraintInfo describes a single constraint.
type ConstraintInfo struct {
	Name       string `json:"name"`
	Type       string `json:"type"` // PRIMARY KEY, FOREIGN KEY, UNIQUE, CHECK, EXCLUSION
	Definition string `json:"definition"`
}

// DescribeTableOutput is the output of the describe_table tool.
type DescribeTableOutput struct {
	Schema      string           `json:"schema"`
	Name        string           `json:"name"`
	Type        string           `json:"type"`
	Columns     []ColumnInfo     `json:"columns"`
	Indexes     []IndexInfo      `json:"indexes"`
	Constraints []ConstraintInfo `json:"constraints"`
}

// CurrentUserAndSchemaOutput is the output of the current_user_and_schema tool.
type CurrentUserAndSchemaOutput struct {
	User   string `json:"user"`
	Schema string `json:"schema"`
}

// ListSchemasOutput is the output of the list_schemas tool.
type ListSchemasOutput struct {
	Schemas []string `json:"schemas"`
}

// CallError is the error returned by the typed tool methods. It carries the
// same fields an MCP client sees in an error result.
type CallError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	Field   string `json:"field,omitempty"`
	Hint    string `json:"hint,omitempty"`
}

func (e *CallError) Error() string {
	msg := e.Kind + ": " + e.Message
	if e.Code != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Code)
	}
	if e.Hint != "" {
		msg += "\n" + e.Hint
	}
	return msg
}
