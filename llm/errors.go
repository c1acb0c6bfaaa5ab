// ABOUTME: Typed failures returned by the model caller.
// ABOUTME: Distinguishes timeouts, transport faults, non-2xx responses, and malformed replies.

package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind classifies a failed model call.
type Kind string

const (
	KindTimeout   Kind = "timeout"
	KindTransport Kind = "transport"
	KindHTTP      Kind = "http"
	KindMalformed Kind = "malformed"
)

// CallError describes why a single model call produced no text.
type CallError struct {
	Kind       Kind
	Model      string
	StatusCode int    // set for KindHTTP
	Body       string // response body detail for KindHTTP
	Message    string
	Cause      error
}

func (e *CallError) Error() string {
	switch {
	case e.Kind == KindHTTP:
		if e.Body != "" {
			return fmt.Sprintf("API Error %d: %s", e.StatusCode, e.Body)
		}
		return fmt.Sprintf("API Error %d", e.StatusCode)
	case e.Cause != nil && e.Message != "":
		return e.Message + ": " + e.Cause.Error()
	case e.Cause != nil:
		return e.Cause.Error()
	default:
		return e.Message
	}
}

func (e *CallError) Unwrap() error {
	return e.Cause
}

// IsTimeout reports whether err is a CallError of KindTimeout.
func IsTimeout(err error) bool {
	var ce *CallError
	return errors.As(err, &ce) && ce.Kind == KindTimeout
}

// KindOf returns the failure kind of err, or "" if it is not a CallError.
func KindOf(err error) Kind {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}

// classifyTransport wraps a non-HTTP failure, separating deadline expiry from
// other network faults.
func classifyTransport(model string, err error) *CallError {
	if errors.Is(err, context.DeadlineExceeded) {
		return &CallError{Kind: KindTimeout, Model: model, Message: "model call timed out", Cause: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &CallError{Kind: KindTimeout, Model: model, Message: "model call timed out", Cause: err}
	}
	return &CallError{Kind: KindTransport, Model: model, Message: "model call failed", Cause: err}
}
