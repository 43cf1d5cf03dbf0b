package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"
)

// Transport carries MCP messages between clients and the server.
type Transport interface {
	Name() string
	// Serve blocks until ctx is done, the peer goes away, or the transport
	// is shut down.
	Serve(ctx context.Context) error
	// Shutdown stops accepting messages and closes open sessions.
	Shutdown(ctx context.Context) error
}

const (
	NameStdio      = "stdio"
	NameSSE        = "sse"
	NameStreamable = "streamable"
	// NameStreamableHTTP is accepted as an alias of NameStreamable.
	NameStreamableHTTP = "streamable-http"
)

// Default endpoint paths.
const (
	DefaultSSEPath        = "/sse"
	DefaultMessagePath    = "/message"
	DefaultStreamablePath = "/mcp"
)

// Canonical maps a configured transport name to one of NameStdio, NameSSE
// or NameStreamable. Empty selects streamable; unknown names are returned
// unchanged.
func Canonical(name string) string {
	switch name {
	case "", NameStreamableHTTP:
		return NameStreamable
	}
	return name
}

// DefaultPath is the MCP endpoint used when none is configured.
func DefaultPath(mode string) string {
	switch Canonical(mode) {
	case NameSSE:
		return DefaultSSEPath
	case NameStreamable:
		return DefaultStreamablePath
	}
	return ""
}

// Stdio serves a single client over a reader and writer pair.
type Stdio struct {
	server *server.StdioServer
	in     io.Reader
	out    io.Writer
}

var _ Transport = (*Stdio)(nil)

func NewStdio(s *server.MCPServer, in io.Reader, out io.Writer, logger zerolog.Logger) *Stdio {
	srv := server.NewStdioServer(s)
	srv.SetErrorLogger(log.New(logger.With().Str("component", "stdio").Logger(), "", 0))
	return &Stdio{server: srv, in: in, out: out}
}

func (t *Stdio) Name() string { return NameStdio }

// ErrInputClosed is the cancellation cause given to stdio requests still
// running when the input stream ends.
var ErrInputClosed = errors.New("stdio input closed")

// Serve returns nil when the input ends or ctx is cancelled. Requests still
// running when the input ends are cancelled; the server would otherwise wait
// for them before releasing the session.
func (t *Stdio) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	in := &endNotifyReader{r: t.in, onEnd: func(err error) {
		if errors.Is(err, io.EOF) {
			cancel(ErrInputClosed)
			return
		}
		cancel(fmt.Errorf("%w: %v", ErrInputClosed, err))
	}}
	err := t.server.Listen(ctx, in, t.out)
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// endNotifyReader calls onEnd once, on the first read error.
type endNotifyReader struct {
	r     io.Reader
	once  sync.Once
	onEnd func(error)
}

func (e *endNotifyReader) Read(p []byte) (int, error) {
	n, err := e.r.Read(p)
	if err != nil {
		e.once.Do(func() { e.onEnd(err) })
	}
	return n, err
}

// Shutdown is a no-op; stdio stops when the context given to Serve ends.
func (t *Stdio) Shutdown(ctx context.Context) error { return nil }

// HTTPConfig configures an HTTP transport.
type HTTPConfig struct {
	// Mode is NameSSE or NameStreamable (or its alias NameStreamableHTTP).
	Mode string
	// Addr is the listen address, host:port.
	Addr string
	// Path is the MCP endpoint. For SSE it is the event stream. Empty
	// selects DefaultPath(Mode).
	Path string
	// MessagePath is the SSE message endpoint, DefaultMessagePath when
	// empty. Ignored for streamable.
	MessagePath string
	// BaseURL is advertised to SSE clients for the message endpoint. Empty
	// gives relative URLs.
	BaseURL string
	// Stateless makes the streamable transport keep no session between
	// requests.
	Stateless bool
	// HealthPath, when set, serves a JSON health document there.
	HealthPath string
	// Health supplies the "stats" member of the health document.
	Health func() any
}

// HTTP serves MCP over SSE or streamable HTTP.
type HTTP struct {
	mode       string
	mux        *http.ServeMux
	httpServer *http.Server
	sse        *server.SSEServer
	streamable *server.StreamableHTTPServer
	logger     zerolog.Logger

	mu   sync.Mutex
	addr net.Addr
}

var _ Transport = (*HTTP)(nil)

func NewHTTP(s *server.MCPServer, cfg HTTPConfig, logger zerolog.Logger) (*HTTP, error) {
	cfg.Mode = Canonical(cfg.Mode)
	if cfg.Path == "" {
		cfg.Path = DefaultPath(cfg.Mode)
	}
	mux := http.NewServeMux()
	h := &HTTP{
		mode: cfg.Mode,
		mux:  mux,
		httpServer: &http.Server{
			Addr:              cfg.Addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger.With().Str("component", "transport").Str("transport", cfg.Mode).Logger(),
	}

	switch cfg.Mode {
	case NameSSE:
		if cfg.MessagePath == "" {
			cfg.MessagePath = DefaultMessagePath
		}
		if cfg.MessagePath == cfg.Path {
			return nil, fmt.Errorf("transport: sse message path must differ from %q", cfg.Path)
		}
		h.sse = server.NewSSEServer(s,
			server.WithBaseURL(cfg.BaseURL),
			server.WithSSEEndpoint(cfg.Path),
			server.WithMessageEndpoint(cfg.MessagePath),
			server.WithKeepAlive(true),
			server.WithHTTPServer(h.httpServer),
		)
		mux.Handle(cfg.Path, h.sse.SSEHandler())
		mux.Handle(cfg.MessagePath, h.sse.MessageHandler())
	case NameStreamable:
		h.streamable = server.NewStreamableHTTPServer(s,
			server.WithEndpointPath(cfg.Path),
			server.WithStateLess(cfg.Stateless),
			server.WithStreamableHTTPServer(h.httpServer),
		)
		// The handler is not mounted automatically when a custom
		// *http.Server is supplied.
		mux.Handle(cfg.Path, h.streamable)
	default:
		return nil, fmt.Errorf("transport: unknown http mode %q", cfg.Mode)
	}

	if cfg.HealthPath != "" {
		if cfg.HealthPath == cfg.Path || cfg.HealthPath == cfg.MessagePath {
			return nil, fmt.Errorf("transport: health path %q collides with an MCP endpoint", cfg.HealthPath)
		}
		mux.HandleFunc(cfg.HealthPath, healthHandler(cfg.Health))
	}
	return h, nil
}

func (h *HTTP) Name() string { return h.mode }

// Handler returns the routing handler, for embedding or tests.
func (h *HTTP) Handler() http.Handler { return h.mux }

// Addr is the bound address once Serve is listening, otherwise nil.
func (h *HTTP) Addr() net.Addr {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.addr
}

// Serve listens on the configured address. It returns nil after Shutdown.
func (h *HTTP) Serve(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", h.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("transport: listen %s: %w", h.httpServer.Addr, err)
	}
	h.mu.Lock()
	h.addr = ln.Addr()
	h.mu.Unlock()
	h.logger.Info().Str("addr", ln.Addr().String()).Msg("listening")

	err = h.httpServer.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown closes SSE streams, then stops the HTTP server. Connections still
// open when ctx ends are closed forcibly.
func (h *HTTP) Shutdown(ctx context.Context) error {
	var err error
	if h.sse != nil {
		err = h.sse.Shutdown(ctx)
	} else {
		err = h.streamable.Shutdown(ctx)
	}
	if err != nil && ctx.Err() != nil {
		return errors.Join(err, h.httpServer.Close())
	}
	return err
}

func healthHandler(stats func() any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body := map[string]any{"status": "ok"}
		if stats != nil {
			body["stats"] = stats()
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(body)
	}
}
