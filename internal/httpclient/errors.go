package httpclient

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrClientClosed is wrapped by the ClosedError delivered after Close.
	ErrClientClosed = errors.New("client closed")
	// ErrFlushed is wrapped by the ClosedError delivered when the request's
	// client group was flushed.
	ErrFlushed = errors.New("client channels flushed")
)

// ConnectError reports a failure to resolve, dial or handshake. It is the
// only failure that is safe to retry: nothing was sent.
type ConnectError struct {
	Addr string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Addr, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

func (e *ConnectError) Kind() string { return "connect" }

// WriteError reports a failure while sending the request.
type WriteError struct {
	Err error
}

func (e *WriteError) Error() string { return "write request: " + e.Err.Error() }

func (e *WriteError) Unwrap() error { return e.Err }

func (e *WriteError) Kind() string { return "write" }

// ProtocolError reports a malformed response, a stream reset by the peer or a
// request the chosen protocol cannot carry.
type ProtocolError struct {
	Err error
}

func (e *ProtocolError) Error() string { return "protocol: " + e.Err.Error() }

func (e *ProtocolError) Unwrap() error { return e.Err }

func (e *ProtocolError) Kind() string { return "protocol" }

// ResourceError reports a local body source failure, such as an unreadable
// file.
type ResourceError struct {
	Err error
}

func (e *ResourceError) Error() string { return "body resource: " + e.Err.Error() }

func (e *ResourceError) Unwrap() error { return e.Err }

func (e *ResourceError) Kind() string { return "resource" }

// ClosedError reports that the channel carrying the request was torn down by
// Close or Flush. Err is ErrClientClosed or ErrFlushed.
type ClosedError struct {
	Err error
}

func (e *ClosedError) Error() string { return e.Err.Error() }

func (e *ClosedError) Unwrap() error { return e.Err }

func (e *ClosedError) Kind() string { return "closed" }

// TimeoutError reports that the request deadline passed before completion.
type TimeoutError struct {
	After time.Duration
}

func (e *TimeoutError) Error() string {
	if e.After > 0 {
		return fmt.Sprintf("request timed out after %s", e.After)
	}
	return "request timed out"
}

func (e *TimeoutError) Unwrap() error { return context.DeadlineExceeded }

func (e *TimeoutError) Kind() string { return "timeout" }

func (e *TimeoutError) Timeout() bool { return true }

// ErrorKind returns a short label for err, suitable for metrics.
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}
	var k interface{ Kind() string }
	if errors.As(err, &k) {
		return k.Kind()
	}
	switch {
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	}
	return "other"
}

// Retryable reports whether err is a connect failure.
func Retryable(err error) bool {
	var ce *ConnectError
	return errors.As(err, &ce)
}
