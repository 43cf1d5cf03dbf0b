// Package pgxconn adapts github.com/jackc/pgx/v5 to the driver contract. It is
// the default driver for openGauss and PostgreSQL.
package pgxconn

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/rickchristie/opengauss-mcp/internal/driver"
	"github.com/rickchristie/opengauss-mcp/internal/toolerr"
)

// Options are session-level settings applied to every new connection.
type Options struct {
	ReadOnly bool
	Timezone string
}

// Connector opens pgx connections from a parsed connection string.
type Connector struct {
	config  *pgx.ConnConfig
	options Options
}

// New parses connString. Queries use the extended protocol without implicit
// prepared statements (QueryExecModeExec), so bound parameters are never
// interpolated into SQL text.
func New(connString string, options Options) (*Connector, error) {
	config, err := pgx.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	config.DefaultQueryExecMode = pgx.QueryExecModeExec
	return &Connector{config: config, options: options}, nil
}

// Dialect implements driver.Connector.
func (c *Connector) Dialect() string {
	return "postgres"
}

// Connect implements driver.Connector.
func (c *Connector) Connect(ctx context.Context) (driver.Conn, error) {
	conn, err := pgx.ConnectConfig(ctx, c.config.Copy())
	if err != nil {
		if cerr := driver.ContextError(ctx); cerr != nil {
			return nil, cerr
		}
		return nil, toolerr.Connectivity(err)
	}
	if err := c.applySessionSettings(ctx, conn); err != nil {
		conn.Close(context.Background())
		return nil, err
	}
	return &Conn{conn: conn}, nil
}

func (c *Connector) applySessionSettings(ctx context.Context, conn *pgx.Conn) error {
	if c.options.ReadOnly {
		if _, err := conn.Exec(ctx, "SET default_transaction_read_only = on"); err != nil {
			return toolerr.Connectivity(fmt.Errorf("failed to SET default_transaction_read_only: %w", err))
		}
	}
	if c.options.Timezone != "" {
		escaped := strings.ReplaceAll(c.options.Timezone, "'", "''")
		if _, err := conn.Exec(ctx, fmt.Sprintf("SET timezone = '%s'", escaped)); err != nil {
			return toolerr.Connectivity(fmt.Errorf("failed to SET timezone: %w", err))
		}
	}
	return nil
}

// Conn is one pgx connection.
type Conn struct {
	conn *pgx.Conn
}

// Execute runs sql with bound args and collects every row.
func (c *Conn) Execute(ctx context.Context, sql string, args ...any) (*driver.Result, error) {
	rows, err := c.conn.Query(ctx, sql, args...)
	if err != nil {
		return nil, c.classify(ctx, err)
	}
	defer rows.Close()

	fieldDescs := rows.FieldDescriptions()
	columns := make([]driver.Column, len(fieldDescs))
	typeMap := c.conn.TypeMap()
	for i, fd := range fieldDescs {
		columns[i] = driver.Column{Name: fd.Name}
		if t, ok := typeMap.TypeForOID(fd.DataTypeOID); ok {
			columns[i].TypeName = strings.ToUpper(t.Name)
		}
	}

	resultRows := make([][]any, 0)
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, c.classify(ctx, err)
		}
		resultRows = append(resultRows, values)
	}
	if err := rows.Err(); err != nil {
		return nil, c.classify(ctx, err)
	}

	return &driver.Result{
		Columns:      columns,
		Rows:         resultRows,
		RowsAffected: rows.CommandTag().RowsAffected(),
		HasRows:      len(fieldDescs) > 0,
	}, nil
}

// Ping implements driver.Conn.
func (c *Conn) Ping(ctx context.Context) error {
	if err := c.conn.Ping(ctx); err != nil {
		if cerr := driver.ContextError(ctx); cerr != nil {
			return cerr
		}
		return toolerr.Connectivity(err)
	}
	return nil
}

// Close implements driver.Conn.
func (c *Conn) Close(ctx context.Context) error {
	return c.conn.Close(ctx)
}

// IsClosed implements driver.Conn.
func (c *Conn) IsClosed() bool {
	return c.conn.IsClosed()
}

// classify maps a pgx error to the toolerr taxonomy. Errors reported by the
// server keep their SQLSTATE and message verbatim.
func (c *Conn) classify(ctx context.Context, err error) error {
	if cerr := driver.ContextError(ctx); cerr != nil {
		return cerr
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return classifyPgError(pgErr)
	}
	if pgconn.Timeout(err) {
		return toolerr.Wrap(toolerr.KindStatementTimeout, err, "statement timed out: "+err.Error())
	}
	if c.conn.IsClosed() || driver.IsNetworkError(err) || pgconn.SafeToRetry(err) {
		return toolerr.Connectivity(err)
	}
	// Client-side failures such as argument encoding: the statement was wrong,
	// not the database.
	return toolerr.Database("", err.Error(), err)
}

// classifyPgError splits server errors into connectivity (class 08 and the
// shutdown codes) and everything else.
func classifyPgError(pgErr *pgconn.PgError) error {
	switch {
	case strings.HasPrefix(pgErr.Code, "08"),
		pgErr.Code == "57P01", pgErr.Code == "57P02", pgErr.Code == "57P03":
		te := toolerr.Connectivity(pgErr)
		te.Code = pgErr.Code
		return te
	case pgErr.Code == "57014":
		return &toolerr.Error{
			Kind:    toolerr.KindStatementTimeout,
			Message: pgErr.Message,
			Code:    pgErr.Code,
			Err:     pgErr,
		}
	}
	message := pgErr.Message
	if pgErr.Detail != "" {
		message += "\nDETAIL: " + pgErr.Detail
	}
	return toolerr.Database(pgErr.Code, message, pgErr)
}
