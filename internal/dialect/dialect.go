// Package dialect holds the catalog queries behind the metadata tools. Every
// query takes its inputs as bound parameters; identifiers are never spliced
// into SQL text.
package dialect

import "fmt"

// Query is a statement with its bound arguments. An empty SQL means the
// dialect has no such catalog information.
type Query struct {
	SQL  string
	Args []any
}

// Dialect produces catalog queries. Result column orders are fixed:
//
//	ListTables:  schema, name, type, owner
//	Columns:     name, type, nullable, default, is_primary_key, ordinal
//	Indexes:     name, definition, is_unique, is_primary
//	Constraints: name, type, definition
//	ObjectType:  type, schema
//	CurrentUserAndSchema: user, schema
//	Schemas:     name
//
// An empty schema in ListTables and ObjectType means the connection's current
// schema, resolved by the database. ListTables with allSchemas and no schema
// covers every non-system schema.
type Dialect interface {
	Name() string
	ListTables(schema string, allSchemas bool) Query
	Columns(schema, table string) Query
	Indexes(schema, table string) Query
	Constraints(schema, table string) Query
	ObjectType(schema, table string) Query
	CurrentUserAndSchema() Query
	Schemas() Query
}

// For returns the dialect registered under name.
func For(name string) (Dialect, error) {
	switch name {
	case "postgres":
		return Postgres{}, nil
	case "sqlite":
		return SQLite{}, nil
	}
	return nil, fmt.Errorf("unknown dialect %q", name)
}
