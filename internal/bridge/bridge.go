// Package bridge executes validated tool calls. It leases one connection per
// call, runs the tool's handler with a statement timeout, converts native
// results to protocol values and always returns the lease.
//
// Statements run with the database's own statement-level atomicity
// (autocommit). No transaction is opened around a call and nothing is retried.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/rickchristie/opengauss-mcp/internal/driver"
	"github.com/rickchristie/opengauss-mcp/internal/pool"
	"github.com/rickchristie/opengauss-mcp/internal/protocol"
	"github.com/rickchristie/opengauss-mcp/internal/registry"
	"github.com/rickchristie/opengauss-mcp/internal/sanitize"
	"github.com/rickchristie/opengauss-mcp/internal/timeout"
	"github.com/rickchristie/opengauss-mcp/internal/toolerr"
)

// QueryResult is the protocol form of a statement outcome. Rows preserve the
// database order; Columns gives the column order. For statements that return
// no rows, Rows is empty and RowsAffected carries the affected-row count.
type QueryResult struct {
	Columns        []string            `json:"columns"`
	Rows           []map[string]any    `json:"rows"`
	RowsAffected   int64               `json:"rows_affected"`
	EncodedColumns map[string]Encoding `json:"encoded_columns,omitempty"`
	Truncated      bool                `json:"truncated,omitempty"`
	Notice         string              `json:"notice,omitempty"`
}

// Options configures a Bridge.
type Options struct {
	Timeouts  *timeout.Manager
	Sanitizer *sanitize.Sanitizer
	// MaxResultLength caps the JSON size of returned rows, in characters.
	// Zero disables the cap.
	MaxResultLength int
}

// Bridge implements registry.Executor.
type Bridge struct {
	pool   *pool.Pool
	opts   Options
	logger zerolog.Logger
}

var _ registry.Executor = (*Bridge)(nil)

// New creates a Bridge. opts.Timeouts is required.
func New(p *pool.Pool, opts Options, logger zerolog.Logger) (*Bridge, error) {
	if p == nil {
		return nil, fmt.Errorf("bridge: pool is required")
	}
	if opts.Timeouts == nil {
		return nil, fmt.Errorf("bridge: timeout manager is required")
	}
	if opts.MaxResultLength < 0 {
		return nil, fmt.Errorf("bridge: max result length must not be negative")
	}
	return &Bridge{pool: p, opts: opts, logger: logger.With().Str("component", "bridge").Logger()}, nil
}

// Run leases a connection, runs tool's handler and converts the result. The
// lease is released on every path, including panics in the handler, which
// are re-raised after the connection is discarded.
func (b *Bridge) Run(ctx context.Context, tool *registry.Tool, args registry.Args) (result any, err error) {
	requestID := protocol.RequestIDFromContext(ctx)
	limit := tool.Timeout
	if limit <= 0 {
		limit = b.opts.Timeouts.For(args.String(tool.StatementArg))
	}

	waitStart := time.Now()
	lease, err := b.pool.Acquire(ctx, requestID)
	if err != nil {
		return nil, err
	}
	wait := time.Since(waitStart)

	defer func() {
		if r := recover(); r != nil {
			lease.MarkBroken()
			lease.Release()
			panic(r)
		}
		lease.Release()
	}()

	execCtx, cancel := context.WithTimeoutCause(ctx, limit, fmt.Errorf("exceeded %s", limit))
	defer cancel()

	start := time.Now()
	out, err := tool.Handler(execCtx, lease.Conn(), args)
	b.logger.Debug().
		Str("request_id", requestID).
		Str("tool", tool.Name).
		Dur("lease_wait", wait).
		Dur("exec", time.Since(start)).
		Err(err).
		Msg("statement finished")
	if err != nil {
		if toolerr.KindOf(err) == toolerr.KindConnectivity || lease.Conn().IsClosed() {
			lease.MarkBroken()
		}
		if toolerr.KindOf(err) == toolerr.KindInternal {
			if cerr := driver.ContextError(execCtx); cerr != nil {
				return nil, cerr
			}
		}
		return nil, err
	}

	if res, ok := out.(*driver.Result); ok {
		return b.Convert(res), nil
	}
	return out, nil
}

// Convert maps a driver result to its protocol form, applying sanitization
// and the result length cap. Handlers that post-process results call it
// themselves and return the *QueryResult.
func (b *Bridge) Convert(res *driver.Result) *QueryResult {
	out := &QueryResult{
		Columns:      []string{},
		Rows:         make([]map[string]any, 0, len(res.Rows)),
		RowsAffected: res.RowsAffected,
	}
	if !res.HasRows {
		return out
	}

	out.Columns = uniqueNames(res.Columns)
	for _, raw := range res.Rows {
		row := make(map[string]any, len(out.Columns))
		for i, v := range raw {
			if i >= len(out.Columns) {
				break
			}
			cv, enc := convertValue(v)
			row[out.Columns[i]] = cv
			if enc != EncodingNone {
				if out.EncodedColumns == nil {
					out.EncodedColumns = make(map[string]Encoding)
				}
				out.EncodedColumns[out.Columns[i]] = strongest(out.EncodedColumns[out.Columns[i]], enc)
			}
		}
		out.Rows = append(out.Rows, row)
	}

	b.opts.Sanitizer.Apply(out.Rows)
	b.truncate(out)
	return out
}

// uniqueNames returns the column names, suffixing repeats ("id", "id_2") so
// every value has its own key.
func uniqueNames(cols []driver.Column) []string {
	names := make([]string, len(cols))
	seen := make(map[string]int, len(cols))
	for i, c := range cols {
		name := c.Name
		seen[name]++
		if n := seen[name]; n > 1 {
			name = fmt.Sprintf("%s_%d", c.Name, n)
			for seen[name] > 0 {
				n++
				name = fmt.Sprintf("%s_%d", c.Name, n)
			}
			seen[name]++
		}
		names[i] = name
	}
	return names
}

// truncate drops trailing rows until the JSON array of rows fits in
// MaxResultLength characters, and says so in the result.
func (b *Bridge) truncate(out *QueryResult) {
	max := b.opts.MaxResultLength
	if max <= 0 {
		return
	}
	size := 2
	for i, row := range out.Rows {
		encoded, err := json.Marshal(row)
		if err != nil {
			continue
		}
		n := utf8.RuneCount(encoded)
		if i > 0 {
			n++
		}
		if size+n > max {
			total := len(out.Rows)
			out.Rows = out.Rows[:i]
			out.Truncated = true
			out.Notice = fmt.Sprintf(
				"result truncated: returned %d of %d rows to stay within %d characters; add a LIMIT or select fewer columns",
				i, total, max)
			return
		}
		size += n
	}
}
