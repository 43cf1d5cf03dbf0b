package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"

	"github.com/rickchristie/opengauss-mcp/internal/bridge"
	"github.com/rickchristie/opengauss-mcp/internal/dispatch"
	"github.com/rickchristie/opengauss-mcp/internal/driver"
	"github.com/rickchristie/opengauss-mcp/internal/driver/drivertest"
	"github.com/rickchristie/opengauss-mcp/internal/pool"
	"github.com/rickchristie/opengauss-mcp/internal/protocol"
	"github.com/rickchristie/opengauss-mcp/internal/registry"
	"github.com/rickchristie/opengauss-mcp/internal/session"
	"github.com/rickchristie/opengauss-mcp/internal/timeout"
	"github.com/rickchristie/opengauss-mcp/internal/toolerr"
)

type stack struct {
	connector  *drivertest.Connector
	pool       *pool.Pool
	sessions   *session.Manager
	dispatcher *dispatch.Dispatcher
	registry   *registry.Registry
	mcp        *server.MCPServer
	adapter    *Adapter
}

func newStack(t *testing.T, transport string) *stack {
	t.Helper()
	connector := &drivertest.Connector{Started: make(chan string, 64)}
	p, err := pool.New(connector, pool.Config{MaxSize: 2, AcquireTimeout: 5 * time.Second, ProbeTimeout: time.Second}, zerolog.Nop())
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	t.Cleanup(p.Close)
	tm, err := timeout.NewManager(timeout.Config{DefaultTimeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("timeouts: %v", err)
	}
	b, err := bridge.New(p, bridge.Options{Timeouts: tm}, zerolog.Nop())
	if err != nil {
		t.Fatalf("bridge: %v", err)
	}

	rb := registry.NewBuilder()
	err = rb.Register(registry.Tool{
		Name:        "run-query",
		Description: "Run a statement",
		Schema: registry.Schema{Params: []registry.Param{
			{Name: "statement", Type: registry.TypeString, Required: true, Description: "SQL text", MaxLength: 1000},
			{Name: "params", Type: registry.TypeArray, Description: "Positional parameters"},
		}},
		Handler: func(ctx context.Context, conn driver.Conn, args registry.Args) (any, error) {
			return conn.Execute(ctx, args.String("statement"), args.Array("params")...)
		},
		StatementArg: "statement",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	reg := rb.Build()

	sessions := session.NewManager(zerolog.Nop())
	d := dispatch.New(reg, b, sessions, dispatch.Options{}, zerolog.Nop())
	adapter := NewAdapter(d, sessions, transport, zerolog.Nop())
	s := server.NewMCPServer("gogaussmcp-test", "1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, false),
		server.WithHooks(adapter.Hooks()),
	)
	adapter.Register(s, reg, []Resource{{
		URI:         "test://one",
		Name:        "one",
		Description: "SELECT 1",
		Tool:        "run-query",
		Args:        map[string]any{"statement": "SELECT 1"},
	}})
	return &stack{
		connector:  connector,
		pool:       p,
		sessions:   sessions,
		dispatcher: d,
		registry:   reg,
		mcp:        s,
		adapter:    adapter,
	}
}

func startStreamable(t *testing.T, st *stack) *httptest.Server {
	t.Helper()
	h, err := NewHTTP(st.mcp, HTTPConfig{
		Mode:       NameStreamable,
		Path:       "/mcp",
		Stateless:  true,
		HealthPath: "/healthz",
		Health:     func() any { return st.dispatcher.Stats() },
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewHTTP: %v", err)
	}
	srv := httptest.NewServer(h.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func jsonRPC(t *testing.T, url, method string, params any) map[string]any {
	t.Helper()
	body := map[string]any{"jsonrpc": "2.0", "id": 1, "method": method}
	if params != nil {
		body["params"] = params
	}
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url+"/mcp", "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d; body: %s", resp.StatusCode, out)
	}
	var parsed map[string]any
	if err := json.Unmarshal(out, &parsed); err != nil {
		t.Fatalf("parse %s: %v", out, err)
	}
	return parsed
}

// callTool returns the tool result's isError flag and its decoded text body.
func callTool(t *testing.T, url string, args map[string]any) (bool, map[string]any) {
	t.Helper()
	resp := jsonRPC(t, url, "tools/call", map[string]any{"name": "run-query", "arguments": args})
	result, ok := resp["result"].(map[string]any)
	if !ok {
		t.Fatalf("expected result object, got %v", resp)
	}
	content, ok := result["content"].([]any)
	if !ok || len(content) == 0 {
		t.Fatalf("expected content, got %v", result)
	}
	text := content[0].(map[string]any)["text"].(string)
	var body map[string]any
	if err := json.Unmarshal([]byte(text), &body); err != nil {
		t.Fatalf("parse tool text %q: %v", text, err)
	}
	isError, _ := result["isError"].(bool)
	return isError, body
}

func TestStreamableSelectOne(t *testing.T) {
	t.Parallel()
	st := newStack(t, NameStreamable)
	srv := startStreamable(t, st)

	isError, body := callTool(t, srv.URL, map[string]any{"statement": "SELECT 1", "params": []any{}})
	if isError {
		t.Fatalf("unexpected error result: %v", body)
	}
	cols := body["columns"].([]any)
	rows := body["rows"].([]any)
	if len(cols) != 1 || len(rows) != 1 {
		t.Fatalf("expected one column and one row, got %v", body)
	}
	if v := rows[0].(map[string]any)[cols[0].(string)]; v != float64(1) {
		t.Fatalf("expected 1, got %v", v)
	}
	if n := st.pool.Stats().InUse; n != 0 {
		t.Fatalf("expected no leases after the call, got %d", n)
	}
}

func TestStreamableErrorsAreToolErrors(t *testing.T) {
	t.Parallel()
	st := newStack(t, NameStreamable)
	srv := startStreamable(t, st)

	tests := []struct {
		name  string
		args  map[string]any
		kind  toolerr.Kind
		field string
		code  string
	}{
		{name: "syntax", args: map[string]any{"statement": "FAIL SYNTAX"}, kind: toolerr.KindSyntaxConstraint, code: "42601"},
		{name: "missing statement", args: map[string]any{}, kind: toolerr.KindSchemaValidation, field: "statement"},
		{name: "unknown argument", args: map[string]any{"statement": "SELECT 1", "extra": 1}, kind: toolerr.KindSchemaValidation, field: "extra"},
		{name: "wrong type", args: map[string]any{"statement": 7}, kind: toolerr.KindSchemaValidation, field: "statement"},
	}
	for _, tt := range tests {
		isError, body := callTool(t, srv.URL, tt.args)
		if !isError {
			t.Fatalf("%s: expected isError, got %v", tt.name, body)
		}
		obj, ok := body["error"].(map[string]any)
		if !ok {
			t.Fatalf("%s: expected error object, got %v", tt.name, body)
		}
		if obj["kind"] != string(tt.kind) {
			t.Fatalf("%s: expected kind %s, got %v", tt.name, tt.kind, obj["kind"])
		}
		if tt.field != "" && obj["field"] != tt.field {
			t.Fatalf("%s: expected field %s, got %v", tt.name, tt.field, obj["field"])
		}
		if tt.code != "" && obj["code"] != tt.code {
			t.Fatalf("%s: expected code %s, got %v", tt.name, tt.code, obj["code"])
		}
		if body["request_id"] == "" || body["request_id"] == nil {
			t.Fatalf("%s: expected request_id in error body", tt.name)
		}
	}
	if got := st.connector.Executes(); got != 1 {
		t.Fatalf("only the syntax case should reach the database, got %d executions", got)
	}
}

func TestStreamableToolsList(t *testing.T) {
	t.Parallel()
	st := newStack(t, NameStreamable)
	srv := startStreamable(t, st)

	resp := jsonRPC(t, srv.URL, "tools/list", map[string]any{})
	tools := resp["result"].(map[string]any)["tools"].([]any)
	if len(tools) != 1 {
		t.Fatalf("expected one tool, got %d", len(tools))
	}
	tool := tools[0].(map[string]any)
	if tool["name"] != "run-query" {
		t.Fatalf("unexpected tool %v", tool["name"])
	}
	schema := tool["inputSchema"].(map[string]any)
	required, _ := schema["required"].([]any)
	if len(required) != 1 || required[0] != "statement" {
		t.Fatalf("expected statement to be required, got %v", schema["required"])
	}
	props := schema["properties"].(map[string]any)
	if props["params"].(map[string]any)["type"] != "array" {
		t.Fatalf("expected params to be an array, got %v", props["params"])
	}
}

func TestStreamableResourceRead(t *testing.T) {
	t.Parallel()
	st := newStack(t, NameStreamable)
	srv := startStreamable(t, st)

	resp := jsonRPC(t, srv.URL, "resources/read", map[string]any{"uri": "test://one"})
	result, ok := resp["result"].(map[string]any)
	if !ok {
		t.Fatalf("expected result, got %v", resp)
	}
	contents := result["contents"].([]any)
	first := contents[0].(map[string]any)
	if first["uri"] != "test://one" || first["mimeType"] != "application/json" {
		t.Fatalf("unexpected resource contents %v", first)
	}
	if !strings.Contains(first["text"].(string), `"rows":[{"?column?":1}]`) {
		t.Fatalf("unexpected resource text %v", first["text"])
	}
}

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()
	st := newStack(t, NameStreamable)
	srv := startStreamable(t, st)

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("expected status ok, got %v", body)
	}
	if _, ok := body["stats"].(map[string]any)["in_flight"]; !ok {
		t.Fatalf("expected dispatcher stats, got %v", body["stats"])
	}
}

func TestSSESessionLifecycle(t *testing.T) {
	t.Parallel()
	st := newStack(t, NameSSE)
	h, err := NewHTTP(st.mcp, HTTPConfig{Mode: NameSSE, Path: "/sse", MessagePath: "/message"}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewHTTP: %v", err)
	}
	srv := httptest.NewServer(h.Handler())
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/sse", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	endpoint := ""
	for endpoint == "" {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read event stream: %v", err)
		}
		if strings.HasPrefix(line, "data:") && strings.Contains(line, "sessionId=") {
			endpoint = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}
	if !strings.HasPrefix(endpoint, "/message") {
		t.Fatalf("unexpected message endpoint %q", endpoint)
	}
	waitFor(t, func() bool { return st.sessions.Len() == 1 })
	if s := st.sessions.Sessions()[0]; s.Transport != NameSSE {
		t.Fatalf("expected sse session, got %q", s.Transport)
	}

	cancel()
	waitFor(t, func() bool { return st.sessions.Len() == 0 })
}

func TestHookCloseCancelsInFlight(t *testing.T) {
	t.Parallel()
	st := newStack(t, NameStdio)
	hooks := st.adapter.Hooks()
	cs := &fakeClientSession{id: "client-1"}
	hooks.RegisterSession(context.Background(), cs)

	ctx := st.mcp.WithContext(context.Background(), cs)
	handler := st.adapter.ToolHandler("run-query")
	done := make(chan *mcp.CallToolResult, 1)
	go func() {
		call := mcp.CallToolRequest{}
		call.Params.Name = "run-query"
		call.Params.Arguments = map[string]any{"statement": "BLOCK"}
		res, _ := handler(ctx, call)
		done <- res
	}()

	select {
	case <-st.connector.Started:
	case <-time.After(5 * time.Second):
		t.Fatal("statement never started")
	}
	hooks.UnregisterSession(context.Background(), cs)

	var res *mcp.CallToolResult
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("request was not cancelled")
	}
	decoded, err := DecodeResult(res)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Error == nil || decoded.Error.Kind != toolerr.KindCancelled {
		t.Fatalf("expected cancelled, got %+v", decoded)
	}
	waitFor(t, func() bool { return st.pool.Stats().InUse == 0 })
}

func TestNonObjectArguments(t *testing.T) {
	t.Parallel()
	st := newStack(t, NameStdio)
	call := mcp.CallToolRequest{}
	call.Params.Name = "run-query"
	call.Params.Arguments = []any{"SELECT 1"}
	res, err := st.adapter.ToolHandler("run-query")(context.Background(), call)
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	decoded, err := DecodeResult(res)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Error == nil || decoded.Error.Kind != toolerr.KindProtocol {
		t.Fatalf("expected protocol error, got %+v", decoded)
	}
}

func TestResultRoundTrip(t *testing.T) {
	t.Parallel()
	success := protocol.Success("r-1", &bridge.QueryResult{
		Columns:        []string{"id", "payload"},
		Rows:           []map[string]any{{"id": int64(1), "payload": "AAE="}},
		EncodedColumns: map[string]bridge.Encoding{"payload": bridge.EncodingBase64},
	})
	failure := protocol.Failure("r-2", toolerr.Database("23505", "duplicate key value", nil))

	for _, resp := range []protocol.Response{success, failure} {
		wire, err := json.Marshal(EncodeResult(resp))
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		raw := json.RawMessage(wire)
		parsed, err := mcp.ParseCallToolResult(&raw)
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		got, err := DecodeResult(parsed)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if resp.Failed() {
			if got.ID != resp.ID || *got.Error != *resp.Error {
				t.Fatalf("error mismatch: got %+v, want %+v", got.Error, resp.Error)
			}
			continue
		}
		want, _ := json.Marshal(resp.Result)
		if !bytes.Equal(got.Result.(json.RawMessage), want) {
			t.Fatalf("result mismatch:\n got %s\nwant %s", got.Result, want)
		}
	}
}

func TestNewHTTPRejectsBadConfig(t *testing.T) {
	t.Parallel()
	s := server.NewMCPServer("t", "1")
	tests := []HTTPConfig{
		{Mode: NameSSE, MessagePath: DefaultSSEPath},
		{Mode: "websocket", Path: "/mcp"},
		{Mode: NameSSE, Path: "/sse", MessagePath: "/sse"},
		{Mode: NameStreamable, Path: "/mcp", HealthPath: "/mcp"},
	}
	for _, cfg := range tests {
		if _, err := NewHTTP(s, cfg, zerolog.Nop()); err == nil {
			t.Fatalf("expected error for %+v", cfg)
		}
	}
}

func TestNewHTTPDefaultsPathAndAcceptsAlias(t *testing.T) {
	t.Parallel()
	st := newStack(t, NameStreamable)
	h, err := NewHTTP(st.mcp, HTTPConfig{Mode: NameStreamableHTTP, Stateless: true}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewHTTP: %v", err)
	}
	if h.Name() != NameStreamable {
		t.Fatalf("expected %q, got %q", NameStreamable, h.Name())
	}
	srv := httptest.NewServer(h.Handler())
	t.Cleanup(srv.Close)

	isError, body := callTool(t, srv.URL, map[string]any{"statement": "SELECT 1"})
	if isError {
		t.Fatalf("unexpected error result: %v", body)
	}
}

func TestToolDefinitionAnnotations(t *testing.T) {
	t.Parallel()
	tool := ToolDefinition(&registry.Tool{
		Name:     "list",
		ReadOnly: true,
		Schema: registry.Schema{Params: []registry.Param{
			{Name: "limit", Type: registry.TypeInteger},
			{Name: "names", Type: registry.TypeArray, Items: registry.TypeString},
			{Name: "verbose", Type: registry.TypeBoolean},
		}},
	})
	if tool.Annotations.ReadOnlyHint == nil || !*tool.Annotations.ReadOnlyHint {
		t.Fatal("expected read-only hint")
	}
	names := tool.InputSchema.Properties["names"].(map[string]any)
	if items := names["items"].(map[string]any); items["type"] != "string" {
		t.Fatalf("expected string items, got %v", items)
	}
	if len(tool.InputSchema.Required) != 0 {
		t.Fatalf("expected no required params, got %v", tool.InputSchema.Required)
	}
}

type fakeClientSession struct {
	id            string
	notifications chan mcp.JSONRPCNotification
}

func (f *fakeClientSession) Initialize()       {}
func (f *fakeClientSession) Initialized() bool { return true }
func (f *fakeClientSession) SessionID() string { return f.id }
func (f *fakeClientSession) NotificationChannel() chan<- mcp.JSONRPCNotification {
	if f.notifications == nil {
		f.notifications = make(chan mcp.JSONRPCNotification, 8)
	}
	return f.notifications
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met within 5s")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// lineRecorder collects the JSON-RPC messages a stdio server writes.
type lineRecorder struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (r *lineRecorder) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf.Write(p)
}

// response returns the message with the given id, if written yet.
func (r *lineRecorder) response(id any) (map[string]any, bool) {
	r.mu.Lock()
	data := r.buf.String()
	r.mu.Unlock()
	for _, line := range strings.Split(data, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		var msg map[string]any
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			continue
		}
		if _, notification := msg["method"]; notification {
			continue
		}
		if msg["id"] == id {
			return msg, true
		}
	}
	return nil, false
}

func (r *lineRecorder) wait(t *testing.T, id any) map[string]any {
	t.Helper()
	var msg map[string]any
	waitFor(t, func() bool {
		var ok bool
		msg, ok = r.response(id)
		return ok
	})
	return msg
}

// stdioClient runs a Stdio transport over pipes. Stdio sessions share
// process-wide state inside mcp-go, so tests using it must not run in
// parallel with each other.
type stdioClient struct {
	in     *io.PipeWriter
	out    *lineRecorder
	served chan error
}

func startStdio(t *testing.T, st *stack) *stdioClient {
	t.Helper()
	inR, inW := io.Pipe()
	c := &stdioClient{in: inW, out: &lineRecorder{}, served: make(chan error, 1)}
	tr := NewStdio(st.mcp, inR, c.out, zerolog.Nop())
	if tr.Name() != NameStdio {
		t.Fatalf("unexpected name %q", tr.Name())
	}
	go func() { c.served <- tr.Serve(context.Background()) }()
	t.Cleanup(func() { inW.Close() })

	c.send(t, map[string]any{"jsonrpc": "2.0", "id": 1, "method": "initialize", "params": map[string]any{
		"protocolVersion": mcp.LATEST_PROTOCOL_VERSION,
		"capabilities":    map[string]any{},
		"clientInfo":      map[string]any{"name": "stdio-test", "version": "1.0.0"},
	}})
	c.out.wait(t, float64(1))
	return c
}

func (c *stdioClient) send(t *testing.T, msg any) {
	t.Helper()
	raw, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	c.sendRaw(t, string(raw))
}

func (c *stdioClient) sendRaw(t *testing.T, line string) {
	t.Helper()
	if _, err := io.WriteString(c.in, line+"\n"); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func (c *stdioClient) waitServed(t *testing.T) {
	t.Helper()
	select {
	case err := <-c.served:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("stdio transport did not stop after its input closed")
	}
}

func toolCallMessage(id int, statement string) map[string]any {
	return map[string]any{"jsonrpc": "2.0", "id": id, "method": "tools/call", "params": map[string]any{
		"name":      "run-query",
		"arguments": map[string]any{"statement": statement},
	}}
}

func decodeToolMessage(t *testing.T, msg map[string]any) protocol.Response {
	t.Helper()
	raw, err := json.Marshal(msg["result"])
	if err != nil {
		t.Fatalf("marshal result: %v", err)
	}
	rm := json.RawMessage(raw)
	parsed, err := mcp.ParseCallToolResult(&rm)
	if err != nil {
		t.Fatalf("parse tool result %s: %v", raw, err)
	}
	resp, err := DecodeResult(parsed)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return resp
}

func TestStdioMalformedMessageKeepsSession(t *testing.T) {
	st := newStack(t, NameStdio)
	c := startStdio(t, st)
	if st.sessions.Len() != 1 {
		t.Fatalf("expected one stdio session, got %d", st.sessions.Len())
	}

	c.sendRaw(t, `{"jsonrpc": "2.0", "id": 2, "method": `)
	parseErr := c.out.wait(t, nil)
	errObj, ok := parseErr["error"].(map[string]any)
	if !ok || errObj["code"] != float64(mcp.PARSE_ERROR) {
		t.Fatalf("expected parse error %d, got %v", mcp.PARSE_ERROR, parseErr)
	}
	if st.sessions.Len() != 1 {
		t.Fatalf("malformed message closed the session")
	}

	c.send(t, toolCallMessage(3, "SELECT 1"))
	resp := decodeToolMessage(t, c.out.wait(t, float64(3)))
	if resp.Failed() {
		t.Fatalf("expected success on the same session, got %+v", resp.Error)
	}

	c.in.Close()
	c.waitServed(t)
	if st.sessions.Len() != 0 {
		t.Fatalf("expected the session to close with its input, got %d", st.sessions.Len())
	}
}

func TestStdioInputClosedCancelsInFlight(t *testing.T) {
	st := newStack(t, NameStdio)
	c := startStdio(t, st)

	c.send(t, toolCallMessage(2, "BLOCK"))
	select {
	case <-st.connector.Started:
	case <-time.After(5 * time.Second):
		t.Fatal("statement never started")
	}
	if n := st.pool.Stats().InUse; n != 1 {
		t.Fatalf("expected the running statement to hold a lease, got %d", n)
	}

	c.in.Close()
	c.waitServed(t)

	resp := decodeToolMessage(t, c.out.wait(t, float64(2)))
	if resp.Error == nil || resp.Error.Kind != toolerr.KindCancelled {
		t.Fatalf("expected cancelled, got %+v", resp)
	}
	if n := st.pool.Stats().InUse; n != 0 {
		t.Fatalf("expected the lease back in the pool, got %d in use", n)
	}
	if n := st.dispatcher.Stats().InFlight; n != 0 {
		t.Fatalf("expected no requests in flight, got %d", n)
	}
	if st.sessions.Len() != 0 {
		t.Fatalf("expected the stdio session closed, got %d", st.sessions.Len())
	}
}
