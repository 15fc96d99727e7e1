// Package fault defines the error kinds used across the agent pipeline and
// the classification rules that decide how a failure propagates: retried
// locally, surfaced to the coordinator, or rejected at the protocol boundary.
//
// Kinds are orthogonal to Go error types. A fault wraps an underlying error
// and carries the kind; callers branch on KindOf rather than on concrete
// types, so collaborator packages (content source, summariser, notifier) can
// return plain errors wrapped at the call site.
package fault

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Kind identifies a failure class. The zero value is KindUnknown, which is
// treated as fatal by classification helpers.
type Kind int

const (
	KindUnknown Kind = iota

	// KindInvalidRequest marks malformed JSON-RPC framing (missing method or id).
	KindInvalidRequest
	// KindInvalidParams marks skill parameters that fail schema validation.
	KindInvalidParams
	// KindUnauthorized marks a missing or bad bearer credential. Propagated as
	// HTTP 401, never as a JSON-RPC error.
	KindUnauthorized
	// KindSkillUnknown marks a dispatch to a skill the agent does not expose.
	KindSkillUnknown
	// KindTaskNotFound marks a tasks/get for an unknown task id.
	KindTaskNotFound
	// KindTaskTerminal marks a tasks/cancel against a terminal task.
	KindTaskTerminal
	// KindUnsupported marks the reserved stream/push/resubscribe methods.
	KindUnsupported
	// KindTransient marks a failure worth retrying: network error, 5xx, 429,
	// or a configured timeout.
	KindTransient
	// KindTimeout marks a skill or dependency call that exceeded its deadline.
	// Timeouts are transient for retry purposes but kept distinct so task rows
	// record the cause.
	KindTimeout
	// KindExhausted marks a transient failure whose retry budget is used up.
	KindExhausted
	// KindCircuitOpen marks a call rejected pre-emptively by an open breaker.
	KindCircuitOpen
	// KindFatal marks a programming error or a non-retryable dependency
	// response (4xx other than 429).
	KindFatal
)

// String returns the snake_case name recorded in task rows and logs.
func (k Kind) String() string {
	switch k {
	case KindInvalidRequest:
		return "invalid_request"
	case KindInvalidParams:
		return "invalid_params"
	case KindUnauthorized:
		return "unauthorized"
	case KindSkillUnknown:
		return "skill_unknown"
	case KindTaskNotFound:
		return "task_not_found"
	case KindTaskTerminal:
		return "task_terminal"
	case KindUnsupported:
		return "unsupported"
	case KindTransient:
		return "transient"
	case KindTimeout:
		return "timeout"
	case KindExhausted:
		return "exhausted"
	case KindCircuitOpen:
		return "circuit_open"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Fault is an error carrying a Kind. Construct with New or Wrap.
type Fault struct {
	Knd Kind
	Msg string
	Err error
}

// Error implements the error interface.
func (f *Fault) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %s: %v", f.Knd, f.Msg, f.Err)
	}
	return fmt.Sprintf("%s: %s", f.Knd, f.Msg)
}

// Unwrap returns the wrapped error, if any.
func (f *Fault) Unwrap() error { return f.Err }

// Kind returns the fault's kind.
func (f *Fault) Kind() Kind { return f.Knd }

// New creates a fault with the given kind and message.
func New(kind Kind, msg string) *Fault {
	return &Fault{Knd: kind, Msg: msg}
}

// Newf creates a fault with a formatted message.
func Newf(kind Kind, format string, args ...any) *Fault {
	return &Fault{Knd: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap wraps err with the given kind and message. Returns nil if err is nil.
func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Fault{Knd: kind, Msg: msg, Err: err}
}

// KindOf extracts the kind from err. Errors that are not faults are
// classified: context deadline and timeouts map to KindTimeout, other
// retryable conditions to KindTransient, everything else to KindFatal.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var f *Fault
	if errors.As(err, &f) {
		return f.Knd
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if IsTransient(err) {
		return KindTransient
	}
	return KindFatal
}

// HTTPStatusError represents an HTTP error response from an outbound
// dependency, retaining the status code for retryability classification.
type HTTPStatusError struct {
	StatusCode int
	Message    string
}

// Error implements the error interface.
func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// IsTransient reports whether err is worth retrying. Transient errors are
// network failures, timeouts, HTTP 5xx, and HTTP 429. Context cancellation is
// never transient: the caller gave up. 4xx other than 429 are fatal.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var f *Fault
	if errors.As(err, &f) {
		return f.Knd == KindTransient || f.Knd == KindTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.Temporary() || dnsErr.IsTimeout
	}

	var httpErr *HTTPStatusError
	if errors.As(err, &httpErr) {
		if httpErr.StatusCode == http.StatusTooManyRequests {
			return true
		}
		return httpErr.StatusCode >= 500
	}

	return false
}
