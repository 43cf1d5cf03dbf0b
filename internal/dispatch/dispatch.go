// Package dispatch routes decoded requests through validation and execution
// and produces exactly one response per request.
//
// Each request moves through received, validated, executing and then
// completed or failed. A connection lease is held only while executing.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rickchristie/opengauss-mcp/internal/driver"
	"github.com/rickchristie/opengauss-mcp/internal/errprompt"
	"github.com/rickchristie/opengauss-mcp/internal/protocol"
	"github.com/rickchristie/opengauss-mcp/internal/registry"
	"github.com/rickchristie/opengauss-mcp/internal/session"
	"github.com/rickchristie/opengauss-mcp/internal/toolerr"
)

// ErrShuttingDown is the cause given to requests refused during shutdown.
var ErrShuttingDown = errors.New("server shutting down")

// forceGrace bounds how long Shutdown waits for requests to observe their
// cancellation once the drain timeout has passed.
const forceGrace = 5 * time.Second

// Options configures a Dispatcher.
type Options struct {
	// Prompts adds guidance hints to error responses. Optional.
	Prompts *errprompt.Matcher
}

// Dispatcher is safe for concurrent use.
type Dispatcher struct {
	registry *registry.Registry
	exec     registry.Executor
	sessions *session.Manager
	prompts  *errprompt.Matcher
	logger   zerolog.Logger

	mu       sync.Mutex
	draining bool
	inflight int
	changed  chan struct{}
	// ephemeral holds the single-request sessions of calls that arrived
	// without one, so a forced shutdown can cancel them too.
	ephemeral map[*session.Session]struct{}

	total  atomic.Int64
	failed atomic.Int64
	panics atomic.Int64
}

func New(reg *registry.Registry, exec registry.Executor, sessions *session.Manager, opts Options, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		registry: reg,
		exec:     exec,
		sessions: sessions,
		prompts:  opts.Prompts,
		logger:   logger.With().Str("component", "dispatch").Logger(),
		changed:  make(chan struct{}),

		ephemeral: make(map[*session.Session]struct{}),
	}
}

type executorFunc func(ctx context.Context, tool *registry.Tool, args registry.Args) (any, error)

func (f executorFunc) Run(ctx context.Context, tool *registry.Tool, args registry.Args) (any, error) {
	return f(ctx, tool, args)
}

// Dispatch handles one request on sess. It never panics and always returns a
// response whose ID is req.ID.
func (d *Dispatcher) Dispatch(ctx context.Context, sess *session.Session, req protocol.Request) (resp protocol.Response) {
	start := time.Now()
	if req.ReceivedAt.IsZero() {
		req.ReceivedAt = start
	}
	d.total.Add(1)
	defer func() { d.logCall(sess, req, resp, start) }()

	var ephemeral *session.Session
	if sess == nil {
		ephemeral = session.New("ephemeral-"+uuid.NewString(), "none")
	}
	if !d.enter(ephemeral) {
		return d.failure(req, toolerr.Wrap(toolerr.KindCancelled, ErrShuttingDown, "request cancelled: server shutting down"))
	}
	defer d.exit(ephemeral)
	if sess == nil {
		sess = ephemeral
	}
	rctx, done, err := sess.Begin(ctx, req.ID)
	if err != nil {
		return d.failure(req, err)
	}
	defer done()
	rctx = protocol.WithRequestID(rctx, req.ID)

	defer func() {
		if r := recover(); r != nil {
			d.panics.Add(1)
			d.logger.Error().
				Str("request_id", req.ID).
				Str("tool", req.Tool).
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("recovered from panic in tool call")
			_ = sess.Advance(req.ID, session.StateFailed)
			resp = d.failure(req, toolerr.New(toolerr.KindInternal, "internal error while running %q", req.Tool))
		}
	}()

	exec := executorFunc(func(ctx context.Context, tool *registry.Tool, args registry.Args) (any, error) {
		if err := sess.Advance(req.ID, session.StateValidated); err != nil {
			return nil, toolerr.Wrap(toolerr.KindInternal, err, "")
		}
		if err := driver.ContextError(ctx); err != nil {
			return nil, err
		}
		if err := sess.Advance(req.ID, session.StateExecuting); err != nil {
			return nil, toolerr.Wrap(toolerr.KindInternal, err, "")
		}
		return d.exec.Run(ctx, tool, args)
	})

	out, err := d.registry.ValidateAndDispatch(rctx, req.Tool, req.Arguments, exec)
	if err != nil {
		if toolerr.KindOf(err) == toolerr.KindInternal {
			if cerr := driver.ContextError(rctx); cerr != nil {
				err = cerr
			}
		}
		_ = sess.Advance(req.ID, session.StateFailed)
		return d.failure(req, err)
	}
	if err := sess.Advance(req.ID, session.StateCompleted); err != nil {
		return d.failure(req, toolerr.Wrap(toolerr.KindInternal, err, ""))
	}
	return protocol.Success(req.ID, out)
}

func (d *Dispatcher) failure(req protocol.Request, err error) protocol.Response {
	d.failed.Add(1)
	resp := protocol.Failure(req.ID, err)
	if toolerr.KindOf(err) == toolerr.KindInternal {
		d.logger.Error().Err(err).Str("request_id", req.ID).Str("tool", req.Tool).Msg("internal error")
	}
	if hint := d.prompts.Hint(string(resp.Error.Kind), resp.Error.Message); hint != "" {
		resp.Error.Hint = hint
		d.logger.Debug().
			Str("request_id", req.ID).
			Strs("patterns", d.prompts.MatchedPatterns(string(resp.Error.Kind), resp.Error.Message)).
			Msg("error prompt attached")
	}
	return resp
}

func (d *Dispatcher) logCall(sess *session.Session, req protocol.Request, resp protocol.Response, start time.Time) {
	ev := d.logger.Info()
	if resp.Failed() {
		ev = ev.Str("error_kind", string(resp.Error.Kind))
	}
	if sess != nil {
		ev = ev.Str("session", sess.ID)
	}
	ev.Str("request_id", req.ID).
		Str("tool", req.Tool).
		Dur("duration", time.Since(start)).
		Msg("tool call")
}

func (d *Dispatcher) enter(ephemeral *session.Session) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.draining {
		return false
	}
	d.inflight++
	if ephemeral != nil {
		d.ephemeral[ephemeral] = struct{}{}
	}
	return true
}

func (d *Dispatcher) exit(ephemeral *session.Session) {
	d.mu.Lock()
	d.inflight--
	if ephemeral != nil {
		delete(d.ephemeral, ephemeral)
	}
	close(d.changed)
	d.changed = make(chan struct{})
	d.mu.Unlock()
}

func (d *Dispatcher) wait(ctx context.Context) error {
	for {
		d.mu.Lock()
		if d.inflight == 0 {
			d.mu.Unlock()
			return nil
		}
		changed := d.changed
		d.mu.Unlock()
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Shutdown refuses new requests and waits for in-flight ones until ctx ends.
// If they have not finished by then, every session is closed, including the
// single-request sessions of session-less calls, which cancels their
// requests, and Shutdown waits briefly for them to report.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.draining = true
	d.mu.Unlock()

	if err := d.wait(ctx); err == nil {
		d.sessions.CloseAll()
		return nil
	}

	closed := d.sessions.CloseAll()
	ephemeral := d.closeEphemeral()
	d.logger.Warn().
		Int("in_flight", d.Stats().InFlight).
		Int("sessions", len(closed)).
		Int("sessionless", ephemeral).
		Msg("drain timeout reached, cancelling in-flight requests")

	gctx, cancel := context.WithTimeout(context.Background(), forceGrace)
	defer cancel()
	if err := d.wait(gctx); err != nil {
		return fmt.Errorf("dispatch: %d requests still running after cancellation", d.Stats().InFlight)
	}
	return nil
}

func (d *Dispatcher) closeEphemeral() int {
	d.mu.Lock()
	all := make([]*session.Session, 0, len(d.ephemeral))
	for s := range d.ephemeral {
		all = append(all, s)
	}
	d.mu.Unlock()
	for _, s := range all {
		s.CloseCause(ErrShuttingDown)
	}
	return len(all)
}

// Stats are the dispatcher counters.
type Stats struct {
	InFlight int   `json:"in_flight"`
	Total    int64 `json:"total"`
	Failed   int64 `json:"failed"`
	Panics   int64 `json:"panics"`
	Draining bool  `json:"draining"`
}

func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	inflight, draining := d.inflight, d.draining
	d.mu.Unlock()
	return Stats{
		InFlight: inflight,
		Total:    d.total.Load(),
		Failed:   d.failed.Load(),
		Panics:   d.panics.Load(),
		Draining: draining,
	}
}
