// Package protocol is the transport-independent request/response model.
package protocol

import (
	"context"
	"time"

	"github.com/rickchristie/opengauss-mcp/internal/toolerr"
)

// Request is one tool call.
type Request struct {
	// ID correlates the response. Unique among a session's open requests.
	ID         string
	SessionID  string
	Tool       string
	Arguments  map[string]any
	ReceivedAt time.Time
}

// Response answers exactly one Request. Exactly one of Result and Error is set.
type Response struct {
	ID     string       `json:"id"`
	Result any          `json:"result,omitempty"`
	Error  *ErrorObject `json:"error,omitempty"`
}

// ErrorObject is the wire form of a failed call.
type ErrorObject struct {
	Kind    toolerr.Kind `json:"kind"`
	Message string       `json:"message"`
	Code    string       `json:"code,omitempty"`
	Field   string       `json:"field,omitempty"`
	Hint    string       `json:"hint,omitempty"`
}

// Success builds a result response.
func Success(id string, result any) Response {
	if result == nil {
		result = struct{}{}
	}
	return Response{ID: id, Result: result}
}

// Failure builds an error response from any error.
func Failure(id string, err error) Response {
	te := toolerr.As(err)
	if te == nil {
		te = toolerr.New(toolerr.KindInternal, "unknown failure")
	}
	message := te.Message
	if message == "" {
		message = te.Error()
	}
	return Response{ID: id, Error: &ErrorObject{
		Kind:    te.Kind,
		Message: message,
		Code:    te.Code,
		Field:   te.Field,
	}}
}

// Failed reports whether the response carries an error.
func (r Response) Failed() bool {
	return r.Error != nil
}

type requestIDKey struct{}

// WithRequestID attaches the request id to ctx so lower layers can tag the
// resources they hold.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the id set by WithRequestID, or "".
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
