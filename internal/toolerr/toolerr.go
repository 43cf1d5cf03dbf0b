// Package toolerr defines the error taxonomy shared by the registry, the
// connection pool, the execution bridge and the dispatcher. Every error that
// reaches a client is an *Error with a machine-readable Kind.
package toolerr

import (
	"context"
	"errors"
	"fmt"
)

// Kind is the machine-readable category of a tool call failure.
type Kind string

const (
	KindProtocol          Kind = "protocol_error"
	KindUnknownTool       Kind = "unknown_tool"
	KindSchemaValidation  Kind = "schema_validation"
	KindDuplicateTool     Kind = "duplicate_tool"
	KindStatementRejected Kind = "statement_rejected"
	KindPoolExhausted     Kind = "pool_exhausted"
	KindSyntaxConstraint  Kind = "syntax_or_constraint"
	KindConnectivity      Kind = "connectivity"
	KindStatementTimeout  Kind = "statement_timeout"
	KindCancelled         Kind = "cancelled"
	KindInternal          Kind = "internal"
)

// IsExecution reports whether k is one of the execution error subkinds, i.e.
// the statement reached (or tried to reach) the database.
func IsExecution(k Kind) bool {
	switch k {
	case KindSyntaxConstraint, KindConnectivity, KindStatementTimeout:
		return true
	}
	return false
}

// Error is a classified failure. Code carries the database's own error code
// (SQLSTATE for PostgreSQL/openGauss) when there is one; Field names the
// offending argument for schema validation failures.
type Error struct {
	Kind    Kind
	Message string
	Code    string
	Field   string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Message == "" {
		return e.Err.Error()
	}
	if e.Code != "" {
		return fmt.Sprintf("%s (%s)", e.Message, e.Code)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error of the given kind around err. The message defaults to
// err's own message.
func Wrap(kind Kind, err error, message string) *Error {
	if message == "" && err != nil {
		message = err.Error()
	}
	return &Error{Kind: kind, Message: message, Err: err}
}

// UnknownTool is returned when no tool with the given name is registered.
func UnknownTool(name string) *Error {
	return &Error{Kind: KindUnknownTool, Message: fmt.Sprintf("unknown tool %q", name)}
}

// SchemaValidation is returned when an argument does not satisfy the tool's
// input schema.
func SchemaValidation(field, format string, args ...any) *Error {
	return &Error{
		Kind:    KindSchemaValidation,
		Message: fmt.Sprintf("invalid argument %q: %s", field, fmt.Sprintf(format, args...)),
		Field:   field,
	}
}

// Database wraps an error reported by the database itself, keeping the
// database's message verbatim.
func Database(code, message string, err error) *Error {
	return &Error{Kind: KindSyntaxConstraint, Message: message, Code: code, Err: err}
}

// Connectivity wraps a failure to reach or keep talking to the database.
func Connectivity(err error) *Error {
	return &Error{Kind: KindConnectivity, Message: "database unreachable: " + err.Error(), Err: err}
}

// KindOf classifies any error. Unclassified errors are KindInternal, except
// bare context errors which map to cancellation and timeout.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindStatementTimeout
	}
	return KindInternal
}

// As returns err as an *Error, classifying it with KindOf when it is not one
// already.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var te *Error
	if errors.As(err, &te) {
		return te
	}
	return Wrap(KindOf(err), err, "")
}
