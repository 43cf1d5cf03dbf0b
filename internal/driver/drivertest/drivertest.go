// Package drivertest provides a scriptable in-memory driver for tests.
//
// The fake understands a handful of statements:
//
//	SELECT 1                 one row, one column "?column?" = int64(1)
//	SLEEP <duration>         waits (honoring ctx), then reports 0 rows affected
//	BLOCK                    waits until ctx is done
//	FAIL CONNECTIVITY        breaks the connection mid-statement
//	FAIL SYNTAX              syntax error with SQLSTATE 42601
//	PANIC                    panics inside Execute
//
// Anything else reports one affected row. Every statement start is announced
// on Connector.Started when that channel is set.
package drivertest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rickchristie/opengauss-mcp/internal/driver"
	"github.com/rickchristie/opengauss-mcp/internal/toolerr"
)

// Connector is a fake driver.Connector. The zero value is ready to use.
type Connector struct {
	// DialectName defaults to "postgres".
	DialectName string
	// ConnectErr, when set, makes Connect fail with a connectivity error.
	ConnectErr error
	// Started receives each statement as it begins executing. Sends never
	// block; size the buffer for the test.
	Started chan string
	// Handler overrides the built-in statements when it returns handled=true.
	Handler func(ctx context.Context, sql string, args []any) (res *driver.Result, handled bool, err error)

	mu    sync.Mutex
	conns []*Conn

	connects atomic.Int64
	closes   atomic.Int64
	executes atomic.Int64
	pings    atomic.Int64
}

// Connect implements driver.Connector.
func (c *Connector) Connect(ctx context.Context) (driver.Conn, error) {
	if err := driver.ContextError(ctx); err != nil {
		return nil, err
	}
	if c.ConnectErr != nil {
		return nil, toolerr.Connectivity(c.ConnectErr)
	}
	conn := &Conn{connector: c, id: c.connects.Add(1)}
	c.mu.Lock()
	c.conns = append(c.conns, conn)
	c.mu.Unlock()
	return conn, nil
}

// Dialect implements driver.Connector.
func (c *Connector) Dialect() string {
	if c.DialectName == "" {
		return "postgres"
	}
	return c.DialectName
}

// Conns returns every connection opened so far.
func (c *Connector) Conns() []*Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Conn(nil), c.conns...)
}

// BreakIdle makes every open connection fail its next ping.
func (c *Connector) BreakIdle() {
	for _, conn := range c.Conns() {
		conn.FailPing.Store(true)
	}
}

func (c *Connector) Connects() int64 { return c.connects.Load() }
func (c *Connector) Closes() int64   { return c.closes.Load() }
func (c *Connector) Executes() int64 { return c.executes.Load() }
func (c *Connector) Pings() int64    { return c.pings.Load() }

// Open is the number of connections opened and not yet closed.
func (c *Connector) Open() int64 { return c.connects.Load() - c.closes.Load() }

// Conn is a fake driver.Conn.
type Conn struct {
	connector *Connector
	id        int64
	closed    atomic.Bool
	busy      atomic.Bool

	// FailPing makes Ping report the connection as dead.
	FailPing atomic.Bool
}

// ID is the connection's sequence number, starting at 1.
func (c *Conn) ID() int64 { return c.id }

// Execute implements driver.Conn.
func (c *Conn) Execute(ctx context.Context, sql string, args ...any) (*driver.Result, error) {
	if c.closed.Load() {
		return nil, toolerr.Connectivity(errors.New("connection is closed"))
	}
	if !c.busy.CompareAndSwap(false, true) {
		panic("drivertest: concurrent use of a single connection")
	}
	defer c.busy.Store(false)

	c.connector.executes.Add(1)
	if c.connector.Started != nil {
		select {
		case c.connector.Started <- sql:
		default:
		}
	}
	if h := c.connector.Handler; h != nil {
		if res, handled, err := h(ctx, sql, args); handled {
			return res, err
		}
	}

	stmt := strings.TrimSpace(sql)
	upper := strings.ToUpper(stmt)
	switch {
	case upper == "SELECT 1":
		return &driver.Result{
			Columns:      []driver.Column{{Name: "?column?", TypeName: "INT4"}},
			Rows:         [][]any{{int64(1)}},
			RowsAffected: 1,
			HasRows:      true,
		}, nil
	case strings.HasPrefix(upper, "SLEEP "):
		d, err := time.ParseDuration(strings.TrimSpace(stmt[len("SLEEP "):]))
		if err != nil {
			return nil, toolerr.Database("42601", fmt.Sprintf("bad sleep duration: %v", err), err)
		}
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
			return &driver.Result{Columns: []driver.Column{}, Rows: [][]any{}}, nil
		case <-ctx.Done():
			return nil, driver.ContextError(ctx)
		}
	case upper == "BLOCK":
		<-ctx.Done()
		return nil, driver.ContextError(ctx)
	case upper == "FAIL CONNECTIVITY":
		c.closed.Store(true)
		return nil, toolerr.Connectivity(errors.New("connection reset by peer"))
	case upper == "FAIL SYNTAX":
		return nil, toolerr.Database("42601", `syntax error at or near "FAIL"`, nil)
	case upper == "PANIC":
		panic("drivertest: PANIC statement")
	}
	return &driver.Result{Columns: []driver.Column{}, Rows: [][]any{}, RowsAffected: 1}, nil
}

// Ping implements driver.Conn.
func (c *Conn) Ping(ctx context.Context) error {
	c.connector.pings.Add(1)
	if err := driver.ContextError(ctx); err != nil {
		return err
	}
	if c.closed.Load() || c.FailPing.Load() {
		c.closed.Store(true)
		return toolerr.Connectivity(errors.New("server closed the connection unexpectedly"))
	}
	return nil
}

// Close implements driver.Conn.
func (c *Conn) Close(ctx context.Context) error {
	c.closed.Store(true)
	c.connector.closes.Add(1)
	return nil
}

// IsClosed implements driver.Conn.
func (c *Conn) IsClosed() bool {
	return c.closed.Load()
}
