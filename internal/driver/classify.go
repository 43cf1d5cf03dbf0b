package driver

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"

	"github.com/rickchristie/opengauss-mcp/internal/toolerr"
)

// ContextError returns the classified error for a finished context, or nil if
// ctx is still live. A passed deadline is a statement timeout; any other
// cancellation carries the cancellation cause (e.g. the session closing).
func ContextError(ctx context.Context) error {
	if ctx.Err() == nil {
		return nil
	}
	cause := context.Cause(ctx)
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return toolerr.Wrap(toolerr.KindStatementTimeout, cause, "statement timed out: "+cause.Error())
	}
	return toolerr.Wrap(toolerr.KindCancelled, cause, "request cancelled: "+cause.Error())
}

// IsNetworkError reports whether err looks like a transport-level failure
// (reset, refused, EOF, timeout on the socket).
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
