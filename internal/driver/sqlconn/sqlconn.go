// Package sqlconn adapts database/sql drivers to the driver contract. Two
// flavors are provided: lib/pq (the base of openGauss's own Go driver) and
// modernc.org/sqlite for local databases.
package sqlconn

import (
	"context"
	"database/sql"
	sqldriver "database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"unicode/utf8"

	"github.com/lib/pq"
	"modernc.org/sqlite"

	"github.com/rickchristie/opengauss-mcp/internal/driver"
	"github.com/rickchristie/opengauss-mcp/internal/sqlguard"
	"github.com/rickchristie/opengauss-mcp/internal/toolerr"
)

// Flavor describes one database/sql driver.
type Flavor struct {
	DriverName  string
	Dialect     string
	binaryTypes map[string]bool
	// textTypes arrive as text but are not strings; they are passed on as
	// driver.Text.
	textTypes map[string]bool
	classify  func(err error) error
}

// PQ is github.com/lib/pq, registered as "postgres".
var PQ = Flavor{
	DriverName:  "postgres",
	Dialect:     "postgres",
	binaryTypes: map[string]bool{"BYTEA": true},
	textTypes:   map[string]bool{"NUMERIC": true, "DECIMAL": true},
	classify:    classifyPQ,
}

// SQLite is modernc.org/sqlite, registered as "sqlite".
var SQLite = Flavor{
	DriverName:  "sqlite",
	Dialect:     "sqlite",
	binaryTypes: map[string]bool{"BLOB": true},
	classify:    classifySQLite,
}

// Connector opens one *sql.DB per connection, capped at a single physical
// connection, so the outer pool stays the only pool.
type Connector struct {
	flavor Flavor
	dsn    string
	init   []string
}

// New returns a connector for dsn. initStatements run on every new
// connection (e.g. "PRAGMA foreign_keys = ON").
func New(flavor Flavor, dsn string, initStatements ...string) *Connector {
	return &Connector{flavor: flavor, dsn: dsn, init: initStatements}
}

// Dialect implements driver.Connector.
func (c *Connector) Dialect() string {
	return c.flavor.Dialect
}

// Connect implements driver.Connector.
func (c *Connector) Connect(ctx context.Context) (driver.Conn, error) {
	db, err := sql.Open(c.flavor.DriverName, c.dsn)
	if err != nil {
		return nil, toolerr.Connectivity(fmt.Errorf("failed to open %s: %w", c.flavor.DriverName, err))
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	conn, err := db.Conn(ctx)
	if err != nil {
		db.Close()
		if cerr := driver.ContextError(ctx); cerr != nil {
			return nil, cerr
		}
		return nil, toolerr.Connectivity(err)
	}
	for _, stmt := range c.init {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			conn.Close()
			db.Close()
			return nil, toolerr.Connectivity(fmt.Errorf("init statement %q failed: %w", stmt, err))
		}
	}
	return &Conn{db: db, conn: conn, flavor: c.flavor}, nil
}

// Conn is one database/sql connection.
type Conn struct {
	db     *sql.DB
	conn   *sql.Conn
	flavor Flavor
	broken atomic.Bool
}

// Execute runs sql with bound args. Row-returning statements are detected with
// sqlguard.ReturnsRows since database/sql cannot report an affected-row count
// for a query.
func (c *Conn) Execute(ctx context.Context, query string, args ...any) (*driver.Result, error) {
	if !sqlguard.ReturnsRows(query) {
		res, err := c.conn.ExecContext(ctx, query, args...)
		if err != nil {
			return nil, c.classify(ctx, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			affected = 0
		}
		return &driver.Result{Columns: []driver.Column{}, Rows: [][]any{}, RowsAffected: affected}, nil
	}

	rows, err := c.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, c.classify(ctx, err)
	}
	defer rows.Close()

	colTypes, err := rows.ColumnTypes()
	if err != nil {
		return nil, c.classify(ctx, err)
	}
	columns := make([]driver.Column, len(colTypes))
	for i, ct := range colTypes {
		columns[i] = driver.Column{Name: ct.Name(), TypeName: strings.ToUpper(ct.DatabaseTypeName())}
	}

	resultRows := make([][]any, 0)
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, c.classify(ctx, err)
		}
		for i, v := range values {
			values[i] = c.normalize(columns[i].TypeName, v)
		}
		resultRows = append(resultRows, values)
	}
	if err := rows.Err(); err != nil {
		return nil, c.classify(ctx, err)
	}
	return &driver.Result{
		Columns:      columns,
		Rows:         resultRows,
		RowsAffected: int64(len(resultRows)),
		HasRows:      true,
	}, nil
}

// normalize turns textual []byte values into strings. database/sql drivers
// hand back text-encoded types (numeric, text, json) as bytes.
func (c *Conn) normalize(typeName string, v any) any {
	b, ok := v.([]byte)
	if !ok || c.flavor.binaryTypes[typeName] || !utf8.Valid(b) {
		return v
	}
	if c.flavor.textTypes[typeName] {
		return driver.Text(b)
	}
	return string(b)
}

// Ping implements driver.Conn.
func (c *Conn) Ping(ctx context.Context) error {
	if err := c.conn.PingContext(ctx); err != nil {
		if cerr := driver.ContextError(ctx); cerr != nil {
			return cerr
		}
		c.broken.Store(true)
		return toolerr.Connectivity(err)
	}
	return nil
}

// Close implements driver.Conn.
func (c *Conn) Close(ctx context.Context) error {
	c.broken.Store(true)
	err := c.conn.Close()
	if dbErr := c.db.Close(); err == nil {
		err = dbErr
	}
	return err
}

// IsClosed implements driver.Conn.
func (c *Conn) IsClosed() bool {
	return c.broken.Load()
}

func (c *Conn) classify(ctx context.Context, err error) error {
	if cerr := driver.ContextError(ctx); cerr != nil {
		return cerr
	}
	if errors.Is(err, sqldriver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) || driver.IsNetworkError(err) {
		c.broken.Store(true)
		return toolerr.Connectivity(err)
	}
	classified := c.flavor.classify(err)
	if toolerr.KindOf(classified) == toolerr.KindConnectivity {
		c.broken.Store(true)
	}
	return classified
}

func classifyPQ(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return toolerr.Database("", err.Error(), err)
	}
	code := string(pqErr.Code)
	switch {
	case strings.HasPrefix(code, "08"), code == "57P01", code == "57P02", code == "57P03":
		te := toolerr.Connectivity(pqErr)
		te.Code = code
		return te
	case code == "57014":
		return &toolerr.Error{Kind: toolerr.KindStatementTimeout, Message: pqErr.Message, Code: code, Err: pqErr}
	}
	message := pqErr.Message
	if pqErr.Detail != "" {
		message += "\nDETAIL: " + pqErr.Detail
	}
	return toolerr.Database(code, message, pqErr)
}

// Primary SQLite result codes that mean the database file itself is unusable.
const (
	sqliteIOErr     = 10
	sqliteCorrupt   = 11
	sqliteCantOpen  = 14
	sqliteNotADB    = 26
	sqliteInterrupt = 9
)

func classifySQLite(err error) error {
	var sErr *sqlite.Error
	if !errors.As(err, &sErr) {
		return toolerr.Database("", err.Error(), err)
	}
	primary := sErr.Code() & 0xff
	code := fmt.Sprintf("SQLITE_%d", sErr.Code())
	switch primary {
	case sqliteIOErr, sqliteCorrupt, sqliteCantOpen, sqliteNotADB:
		te := toolerr.Connectivity(sErr)
		te.Code = code
		return te
	case sqliteInterrupt:
		return &toolerr.Error{Kind: toolerr.KindStatementTimeout, Message: sErr.Error(), Code: code, Err: sErr}
	}
	return toolerr.Database(code, sErr.Error(), sErr)
}
