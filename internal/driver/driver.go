// Package driver defines the contract the server requires from a database
// driver. Adapters live in the pgxconn and sqlconn subpackages.
package driver

import "context"

// Column describes one result column.
type Column struct {
	Name string
	// TypeName is the database type name, upper-case (e.g. "INT4", "BYTEA").
	// Empty when the driver does not report it.
	TypeName string
}

// Text is a value a driver could only deliver as text and that has no exact
// JSON form, such as an arbitrary-precision numeric. It is reported as text.
type Text string

// Result is the native outcome of one statement. HasRows is true for
// row-returning statements (including INSERT ... RETURNING), in which case
// Rows holds raw driver values in column order.
type Result struct {
	Columns      []Column
	Rows         [][]any
	RowsAffected int64
	HasRows      bool
}

// Conn is a single live database connection. A Conn is used by one goroutine
// at a time; the pool guarantees exclusivity.
//
// Errors returned by Execute and Ping must be classified *toolerr.Error values
// (syntax_or_constraint, connectivity, statement_timeout or cancelled).
type Conn interface {
	Execute(ctx context.Context, sql string, args ...any) (*Result, error)
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
	// IsClosed reports whether the connection is known to be unusable.
	IsClosed() bool
}

// Connector opens new connections.
type Connector interface {
	Connect(ctx context.Context) (Conn, error)
	// Dialect names the catalog dialect of the database ("postgres", "sqlite").
	Dialect() string
}
