// Package transport exposes the dispatcher over MCP. The Adapter turns
// mcp-go tool calls into protocol requests and dispatcher responses back into
// tool results; the transports carry them over stdio, SSE or streamable HTTP.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"

	"github.com/rickchristie/opengauss-mcp/internal/dispatch"
	"github.com/rickchristie/opengauss-mcp/internal/protocol"
	"github.com/rickchristie/opengauss-mcp/internal/registry"
	"github.com/rickchristie/opengauss-mcp/internal/session"
	"github.com/rickchristie/opengauss-mcp/internal/toolerr"
)

// Resource publishes the result of a tool call with fixed arguments as a
// readable MCP resource.
type Resource struct {
	URI         string
	Name        string
	Description string
	Tool        string
	Args        map[string]any
}

// Adapter connects an mcp-go server to a Dispatcher.
type Adapter struct {
	dispatcher *dispatch.Dispatcher
	sessions   *session.Manager
	transport  string
	logger     zerolog.Logger
}

// NewAdapter creates an Adapter. transport names the carrier ("stdio", "sse",
// "streamable") and is recorded on the sessions it opens.
func NewAdapter(d *dispatch.Dispatcher, sessions *session.Manager, transport string, logger zerolog.Logger) *Adapter {
	return &Adapter{
		dispatcher: d,
		sessions:   sessions,
		transport:  transport,
		logger:     logger.With().Str("component", "transport").Str("transport", transport).Logger(),
	}
}

// Hooks ties MCP session lifecycle to the session manager. Closing a session
// on the MCP side cancels the requests still running on it.
func (a *Adapter) Hooks() *server.Hooks {
	hooks := &server.Hooks{}
	hooks.AddOnRegisterSession(func(ctx context.Context, cs server.ClientSession) {
		if cs.SessionID() == "" {
			return
		}
		a.sessions.Open(cs.SessionID(), a.transport)
		a.logger.Debug().Str("session", cs.SessionID()).Msg("session registered")
	})
	hooks.AddOnUnregisterSession(func(ctx context.Context, cs server.ClientSession) {
		if cs.SessionID() == "" {
			return
		}
		a.sessions.Close(cs.SessionID())
		a.logger.Debug().Str("session", cs.SessionID()).Msg("session closed")
	})
	hooks.AddAfterInitialize(func(ctx context.Context, id any, req *mcp.InitializeRequest, result *mcp.InitializeResult) {
		if sess := a.session(ctx); sess != nil {
			sess.SetProtocol(result.ProtocolVersion, req.Params.ClientInfo.Name)
		}
		a.logger.Info().
			Str("client_name", req.Params.ClientInfo.Name).
			Str("client_version", req.Params.ClientInfo.Version).
			Str("protocol_version", result.ProtocolVersion).
			Msg("AI agent connected (MCP initialize)")
	})
	hooks.AddOnError(func(ctx context.Context, id any, method mcp.MCPMethod, message any, err error) {
		a.logger.Warn().Err(err).Str("method", string(method)).Interface("id", id).Msg("mcp request failed")
	})
	return hooks
}

// session returns the session the call arrived on, opening it on first use.
// Stateless transports carry no session id; their calls get nil, which the
// dispatcher turns into a single-request session.
func (a *Adapter) session(ctx context.Context) *session.Session {
	cs := server.ClientSessionFromContext(ctx)
	if cs == nil || cs.SessionID() == "" {
		return nil
	}
	return a.sessions.Open(cs.SessionID(), a.transport)
}

func (a *Adapter) request(ctx context.Context, tool string, args map[string]any) protocol.Request {
	req := protocol.Request{
		ID:         uuid.NewString(),
		Tool:       tool,
		Arguments:  args,
		ReceivedAt: time.Now(),
	}
	if cs := server.ClientSessionFromContext(ctx); cs != nil {
		req.SessionID = cs.SessionID()
	}
	return req
}

// Register adds every tool of reg and the given resources to s.
func (a *Adapter) Register(s *server.MCPServer, reg *registry.Registry, resources []Resource) {
	for _, tool := range reg.Tools() {
		s.AddTool(ToolDefinition(tool), a.ToolHandler(tool.Name))
	}
	for _, r := range resources {
		s.AddResource(
			mcp.NewResource(r.URI, r.Name,
				mcp.WithResourceDescription(r.Description),
				mcp.WithMIMEType("application/json"),
			),
			a.ResourceHandler(r.Tool, r.Args),
		)
	}
}

// ToolHandler returns the mcp-go handler for the named tool.
func (a *Adapter) ToolHandler(name string) server.ToolHandlerFunc {
	return func(ctx context.Context, call mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := call.GetArguments()
		req := a.request(ctx, name, args)

		var resp protocol.Response
		if args == nil && call.Params.Arguments != nil {
			resp = protocol.Failure(req.ID, toolerr.New(toolerr.KindProtocol, "arguments must be a JSON object"))
		} else {
			resp = a.dispatcher.Dispatch(ctx, a.session(ctx), req)
		}

		result := EncodeResult(resp)
		a.logger.Debug().
			Str("tool", name).
			Str("request_id", req.ID).
			Int("request_bytes", requestLength(call)).
			Int("response_bytes", resultLength(result)).
			Msg("tool call payload")
		return result, nil
	}
}

// ResourceHandler serves a resource by dispatching tool with a copy of args.
func (a *Adapter) ResourceHandler(tool string, args map[string]any) server.ResourceHandlerFunc {
	return func(ctx context.Context, read mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		req := a.request(ctx, tool, maps.Clone(args))
		resp := a.dispatcher.Dispatch(ctx, a.session(ctx), req)
		if resp.Failed() {
			return nil, fmt.Errorf("%s: %s", resp.Error.Kind, resp.Error.Message)
		}
		body, err := json.Marshal(resp.Result)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", read.Params.URI, err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      read.Params.URI,
				MIMEType: "application/json",
				Text:     string(body),
			},
		}, nil
	}
}

// errorEnvelope is the text body of a failed tool result.
type errorEnvelope struct {
	RequestID string                `json:"request_id,omitempty"`
	Error     *protocol.ErrorObject `json:"error"`
}

// EncodeResult renders resp as an MCP tool result. Successes carry the JSON
// result as text; failures set isError and carry {"error": {...}}.
func EncodeResult(resp protocol.Response) *mcp.CallToolResult {
	if resp.Failed() {
		body, err := json.Marshal(errorEnvelope{RequestID: resp.ID, Error: resp.Error})
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf(`{"error":{"kind":%q,"message":%q}}`, toolerr.KindInternal, err.Error()))
		}
		return mcp.NewToolResultError(string(body))
	}
	body, err := json.Marshal(resp.Result)
	if err != nil {
		return EncodeResult(protocol.Failure(resp.ID, toolerr.Wrap(toolerr.KindInternal, err, "failed to encode result")))
	}
	return mcp.NewToolResultText(string(body))
}

// DecodeResult reverses EncodeResult. A successful result is returned as
// json.RawMessage holding exactly the encoded bytes.
func DecodeResult(res *mcp.CallToolResult) (protocol.Response, error) {
	if res == nil {
		return protocol.Response{}, fmt.Errorf("transport: nil tool result")
	}
	var text string
	found := false
	for _, c := range res.Content {
		switch tc := c.(type) {
		case mcp.TextContent:
			text, found = tc.Text, true
		case *mcp.TextContent:
			text, found = tc.Text, true
		}
		if found {
			break
		}
	}
	if !found {
		return protocol.Response{}, fmt.Errorf("transport: tool result has no text content")
	}

	if res.IsError {
		var env errorEnvelope
		if err := json.Unmarshal([]byte(text), &env); err != nil {
			return protocol.Response{}, fmt.Errorf("transport: decode error body: %w", err)
		}
		if env.Error == nil {
			return protocol.Response{}, fmt.Errorf("transport: error result without error object")
		}
		return protocol.Response{ID: env.RequestID, Error: env.Error}, nil
	}
	if !json.Valid([]byte(text)) {
		return protocol.Response{}, fmt.Errorf("transport: result is not valid JSON")
	}
	return protocol.Response{Result: json.RawMessage(text)}, nil
}

// ToolDefinition builds the MCP tool description from a registry tool.
func ToolDefinition(tool *registry.Tool) mcp.Tool {
	opts := []mcp.ToolOption{mcp.WithDescription(tool.Description)}
	for _, p := range tool.Schema.Params {
		props := []mcp.PropertyOption{mcp.Description(p.Description)}
		if p.Required {
			props = append(props, mcp.Required())
		}
		switch p.Type {
		case registry.TypeString:
			if p.MaxLength > 0 {
				props = append(props, mcp.MaxLength(p.MaxLength))
			}
			opts = append(opts, mcp.WithString(p.Name, props...))
		case registry.TypeInteger, registry.TypeNumber:
			opts = append(opts, mcp.WithNumber(p.Name, props...))
		case registry.TypeBoolean:
			opts = append(opts, mcp.WithBoolean(p.Name, props...))
		case registry.TypeArray:
			if p.Items != "" {
				props = append(props, mcp.Items(map[string]any{"type": string(p.Items)}))
			}
			opts = append(opts, mcp.WithArray(p.Name, props...))
		case registry.TypeObject:
			opts = append(opts, mcp.WithObject(p.Name, props...))
		}
	}
	if tool.ReadOnly {
		opts = append(opts, mcp.WithReadOnlyHintAnnotation(true))
	}
	return mcp.NewTool(tool.Name, opts...)
}

// requestLength returns the JSON-encoded byte length of the call arguments.
func requestLength(req mcp.CallToolRequest) int {
	args := req.GetArguments()
	if len(args) == 0 {
		return 0
	}
	b, err := json.Marshal(args)
	if err != nil {
		return 0
	}
	return len(b)
}

// resultLength returns the total byte length of text content in result.
func resultLength(result *mcp.CallToolResult) int {
	if result == nil {
		return 0
	}
	total := 0
	for _, c := range result.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			total += len(tc.Text)
		}
	}
	return total
}
